// Package constants provides named constants shared by the spikefabric
// services and commands.
package constants

import "time"

// Default listen and connect addresses.
const (
	DefaultControlAddr  = "0.0.0.0:8000"
	DefaultSensorAddr   = "0.0.0.0:8001"
	DefaultSpikeOutAddr = "0.0.0.0:8002"

	// DefaultTopologyAddr is where the topology (model package) service listens.
	DefaultTopologyAddr = "0.0.0.0:4000"

	// DefaultTopologyHost is where engines look for the topology service.
	DefaultTopologyHost = "localhost:4000"
)

// Timing defaults.
const (
	// DefaultPollWait bounds one readiness wait of a listening service.
	DefaultPollWait = 10 * time.Millisecond

	// DefaultPushInterval is the period of unsolicited fullstatus pushes.
	DefaultPushInterval = time.Second

	// DefaultWorkerWait is the pause between continuous worker cycles.
	DefaultWorkerWait = 25 * time.Millisecond

	// DefaultFrameTimeout bounds reading one inbound frame once it has
	// started. A peer that stalls longer is disconnected.
	DefaultFrameTimeout = time.Second

	// DefaultRedialBackoff is the first wait before redialing an
	// unreachable interconnect peer; it doubles up to DefaultMaxRedialBackoff.
	DefaultRedialBackoff    = 100 * time.Millisecond
	DefaultMaxRedialBackoff = 5 * time.Second

	// DefaultTickPeriod is the wall-clock length of one tick.
	DefaultTickPeriod = time.Millisecond

	// DefaultEnvelopeWait is how long a topology client waits for a response
	// to start.
	DefaultEnvelopeWait = 10 * time.Second

	// DefaultBodyWait is how long a topology client waits for each further
	// part of a response body.
	DefaultBodyWait = 100 * time.Millisecond
)

// DefaultBatchCapacity is the number of spikes an outbound frame holds.
const DefaultBatchCapacity = 250

// StoreBackend names a model package store implementation.
type StoreBackend string

const (
	StoreMemory StoreBackend = "memory"
	StoreSQLite StoreBackend = "sqlite"
)

// Valid returns true if the backend is a recognized value.
func (b StoreBackend) Valid() bool {
	switch b {
	case StoreMemory, StoreSQLite:
		return true
	}
	return false
}

func (b StoreBackend) String() string {
	return string(b)
}

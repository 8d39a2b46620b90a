package partition

import (
	"fmt"

	"github.com/embeddedpenguins/spikefabric/internal/wire"
)

// HostResolver maps an engine name to the address of its sensor input
// service.
type HostResolver interface {
	EngineHost(engine string) (string, bool)
}

// Hosts is a static HostResolver.
type Hosts map[string]string

func (h Hosts) EngineHost(engine string) (string, bool) {
	host, ok := h[engine]
	return host, ok
}

// Route is an interconnect whose source expansion lives on the local engine.
type Route struct {
	FromPartitionIndex uint32
	// FromOffset is the global index of the first source neuron.
	FromOffset uint64
	FromCount  uint64

	ToEngine         string
	ToHost           string
	ToPartitionIndex uint32
	ToLayerOffset    uint32
}

// Accepts reports whether a global index belongs to the route's source layer.
func (r Route) Accepts(global uint64) bool {
	return global >= r.FromOffset && global < r.FromOffset+r.FromCount
}

// Translate converts a global index of the source layer into the index the
// receiving engine expects relative to ToLayerOffset.
func (r Route) Translate(global uint64) uint32 {
	return uint32(global - r.FromOffset)
}

// FilterInterconnects keeps the interconnects whose source expansion is owned
// by localEngine and resolves their destination hosts. Interconnects naming an
// unknown expansion or an engine with no host are reported in skipped.
func (m *Map) FilterInterconnects(all []wire.Interconnect, localEngine string, hosts HostResolver) (routes []Route, skipped []error) {
	for _, ic := range all {
		from, err := m.Entry(int(ic.FromExpansionIndex))
		if err != nil {
			skipped = append(skipped, fmt.Errorf("interconnect source: %w", err))
			continue
		}
		if from.EngineName != localEngine {
			continue
		}
		to, err := m.Entry(int(ic.ToExpansionIndex))
		if err != nil {
			skipped = append(skipped, fmt.Errorf("interconnect destination: %w", err))
			continue
		}
		host, ok := hosts.EngineHost(to.EngineName)
		if !ok {
			skipped = append(skipped, fmt.Errorf("no host for engine %q", to.EngineName))
			continue
		}
		routes = append(routes, Route{
			FromPartitionIndex: ic.FromExpansionIndex,
			FromOffset:         from.Offset + uint64(ic.FromLayerOffset),
			FromCount:          uint64(ic.FromLayerCount),
			ToEngine:           to.EngineName,
			ToHost:             host,
			ToPartitionIndex:   ic.ToExpansionIndex,
			ToLayerOffset:      ic.ToLayerOffset,
		})
	}
	return routes, skipped
}

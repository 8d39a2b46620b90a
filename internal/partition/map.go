// Package partition tracks which contiguous slice of the global neuron index
// space lives on which engine, and translates indices for spikes crossing a
// partition boundary.
package partition

import (
	"errors"
	"fmt"
	"sync"

	"github.com/embeddedpenguins/spikefabric/internal/wire"
)

var ErrNoSuchExpansion = errors.New("no such expansion")

// Entry is one expansion (population) of the deployment.
type Entry struct {
	EngineName string
	Offset     uint64
	Length     uint64
}

// Map is the routing table for one deployment. Entries are kept in the order
// the topology service enumerated them and are contiguous: the offset of
// entry i+1 is Offset+Length of entry i.
//
// Map is safe for concurrent use; it is written on deploy and read by the
// poll goroutines of every service.
type Map struct {
	mu      sync.RWMutex
	entries []Entry
	next    uint64
}

// New returns an empty map.
func New() *Map {
	return &Map{}
}

// Reset discards every entry ahead of a new deployment.
func (m *Map) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = nil
	m.next = 0
}

// ReplaceWith makes m a copy of other in one step, so readers see either
// the old layout or the new one.
func (m *Map) ReplaceWith(other *Map) {
	if m == other {
		return
	}
	other.mu.RLock()
	entries := append([]Entry(nil), other.entries...)
	next := other.next
	other.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = entries
	m.next = next
}

// AddExpansion appends an expansion of count neurons owned by engine and
// returns its index.
func (m *Map) AddExpansion(engine string, count uint64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, Entry{EngineName: engine, Offset: m.next, Length: count})
	m.next += count
	return len(m.entries) - 1
}

// Build resets the map and fills it from a full deployment response. The
// offsets in the response are not trusted; they are recomputed from the
// counts in response order.
func (m *Map) Build(resp *wire.ModelFullDeploymentResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make([]Entry, 0, len(resp.Deployments))
	m.next = 0
	for _, d := range resp.Deployments {
		m.entries = append(m.entries, Entry{EngineName: d.EngineName, Offset: m.next, Length: uint64(d.NeuronCount)})
		m.next += uint64(d.NeuronCount)
	}
}

// Len is the number of expansions.
func (m *Map) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// TotalNeurons is the size of the global index space.
func (m *Map) TotalNeurons() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.next
}

// Entry returns expansion i.
func (m *Map) Entry(i int) (Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if i < 0 || i >= len(m.entries) {
		return Entry{}, fmt.Errorf("%w: %d of %d", ErrNoSuchExpansion, i, len(m.entries))
	}
	return m.entries[i], nil
}

// ExpansionOffset returns the global offset of expansion i.
func (m *Map) ExpansionOffset(i int) (uint64, error) {
	e, err := m.Entry(i)
	return e.Offset, err
}

// ExpansionEngine returns the engine that owns expansion i.
func (m *Map) ExpansionEngine(i int) (string, error) {
	e, err := m.Entry(i)
	return e.EngineName, err
}

// ExpansionLength returns the neuron count of expansion i.
func (m *Map) ExpansionLength(i int) (uint64, error) {
	e, err := m.Entry(i)
	return e.Length, err
}

// Entries returns a copy of every entry.
func (m *Map) Entries() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Entry(nil), m.entries...)
}

// EngineExpansions returns the indices of the expansions owned by engine.
func (m *Map) EngineExpansions(engine string) []int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []int
	for i, e := range m.entries {
		if e.EngineName == engine {
			out = append(out, i)
		}
	}
	return out
}

// Global translates an index local to a layer of expansion i into the global
// index space. The result must fall inside the expansion.
func (m *Map) Global(expansion int, layerOffset, index uint64) (uint64, error) {
	e, err := m.Entry(expansion)
	if err != nil {
		return 0, err
	}
	local := layerOffset + index
	if local >= e.Length {
		return 0, fmt.Errorf("index %d+%d outside expansion %d of %d neurons", layerOffset, index, expansion, e.Length)
	}
	return e.Offset + local, nil
}

// Locate finds the expansion holding a global index.
func (m *Map) Locate(global uint64) (int, uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i, e := range m.entries {
		if global >= e.Offset && global < e.Offset+e.Length {
			return i, global - e.Offset, nil
		}
	}
	return 0, 0, fmt.Errorf("%w: global index %d", ErrNoSuchExpansion, global)
}

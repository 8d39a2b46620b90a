// Package sensor collects externally injected spikes and hands them to the
// tick loop when they come due.
package sensor

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"sync"
)

// Injection is one pending spike. Index is a global neuron index. A negative
// Tick is due immediately.
type Injection struct {
	Tick  int64
	Index uint64
}

// Input is the pending-injection queue. Services add to it and the tick loop
// drains it; both sides go through the mutex.
type Input struct {
	mu sync.Mutex
	// pending is ordered by Tick; equal ticks keep arrival order.
	pending []Injection
}

func NewInput() *Input {
	return &Input{}
}

// Inject merges injections into the queue.
func (in *Input) Inject(batch []Injection) {
	if len(batch) == 0 {
		return
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	for _, inj := range batch {
		at := sort.Search(len(in.pending), func(i int) bool { return in.pending[i].Tick > inj.Tick })
		in.pending = append(in.pending, Injection{})
		copy(in.pending[at+1:], in.pending[at:])
		in.pending[at] = inj
	}
}

// StreamInput removes and returns the indices due at tick now. Entries are
// extracted, so a later call never sees them again.
func (in *Input) StreamInput(now uint64) []uint64 {
	in.mu.Lock()
	defer in.mu.Unlock()

	n := 0
	for n < len(in.pending) {
		t := in.pending[n].Tick
		if t >= 0 && uint64(t) > now {
			break
		}
		n++
	}
	if n == 0 {
		return nil
	}
	due := make([]uint64, n)
	for i := range due {
		due[i] = in.pending[i].Index
	}
	in.pending = append(in.pending[:0], in.pending[n:]...)
	return due
}

// Pending is the number of queued injections.
func (in *Input) Pending() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.pending)
}

// ParseLegacy decodes a JSON [[tick, index], ...] payload.
func ParseLegacy(data []byte) ([]Injection, error) {
	var pairs [][]int64
	if err := json.Unmarshal(data, &pairs); err != nil {
		return nil, fmt.Errorf("sensor payload: %w", err)
	}
	out := make([]Injection, 0, len(pairs))
	for i, p := range pairs {
		if len(p) != 2 || p[1] < 0 {
			return nil, fmt.Errorf("sensor payload entry %d: want [tick, index], got %v", i, p)
		}
		out = append(out, Injection{Tick: p[0], Index: uint64(p[1])})
	}
	return out, nil
}

// LoadFile queues a recorded stimulus: a JSON object mapping tick to the
// indices that fire on it, e.g. {"0": [1, 2], "10": [3]}.
func (in *Input) LoadFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read sensor file: %w", err)
	}
	var byTick map[string][]uint64
	if err := json.Unmarshal(data, &byTick); err != nil {
		return 0, fmt.Errorf("failed to parse sensor file %s: %w", path, err)
	}

	var batch []Injection
	for key, indices := range byTick {
		tick, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("sensor file %s: tick %q: %w", path, key, err)
		}
		for _, idx := range indices {
			batch = append(batch, Injection{Tick: tick, Index: idx})
		}
	}
	// Map order is random; sort by tick keeping each tick's index order.
	sort.SliceStable(batch, func(i, j int) bool { return batch[i].Tick < batch[j].Tick })
	in.Inject(batch)
	return len(batch), nil
}

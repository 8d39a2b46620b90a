package spikeout

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/embeddedpenguins/spikefabric/internal/logging"
	"github.com/embeddedpenguins/spikefabric/internal/mux"
	"github.com/embeddedpenguins/spikefabric/internal/wire"
)

// maxBacklog bounds the frames queued for one slow subscriber. Older frames
// are dropped first.
const maxBacklog = 1024

// Broadcaster publishes every local spike to all subscribers of a listen
// service. Frames carry global indices with partition and layer zero.
type Broadcaster struct {
	capacity int
	logger   *slog.Logger

	mu    sync.Mutex
	batch *wire.SpikeBatch
	subs  map[uuid.UUID]*subscriber
	// unencodable counts spikes whose global index does not fit the
	// uint32 neuron field.
	unencodable uint64
}

type subscriber struct {
	b       *Broadcaster
	backlog [][]byte
	dropped int
}

func NewBroadcaster(capacity int, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Broadcaster{
		capacity: capacity,
		logger:   logger,
		batch:    wire.NewSpikeBatch(0, 0, capacity),
		subs:     make(map[uuid.UUID]*subscriber),
	}
}

// Factory registers every accepted connection as a subscriber.
func (b *Broadcaster) Factory() mux.HandlerFactory {
	return func(c *mux.Conn) mux.Handler {
		s := &subscriber{b: b}
		b.mu.Lock()
		b.subs[c.ID] = s
		b.mu.Unlock()
		return s
	}
}

// Subscribers is the number of connected subscribers.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Unencodable is the number of spikes skipped because their global index
// exceeds the frame's uint32 neuron field.
func (b *Broadcaster) Unencodable() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.unencodable
}

func (b *Broadcaster) StreamOutput(tick, global uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.subs) == 0 {
		return
	}
	if global > math.MaxUint32 {
		if b.unencodable == 0 {
			b.logger.Warn("spike index does not fit a broadcast frame", "tick", tick, "index", global)
		}
		b.unencodable++
		return
	}
	ev := wire.SpikeEvent{Tick: int32(tick), NeuronIndex: uint32(global)}
	if b.batch.Buffer(ev) {
		b.sealLocked()
		b.batch.Buffer(ev)
	}
}

// Flush seals the current batch; the listen service writes it on its next
// poll cycle.
func (b *Broadcaster) Flush(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sealLocked()
	return nil
}

func (b *Broadcaster) sealLocked() {
	if b.batch.IsEmpty() {
		return
	}
	frame, _ := b.batch.MarshalBinary()
	b.batch.Reset()
	for _, s := range b.subs {
		if len(s.backlog) >= maxBacklog {
			s.backlog = s.backlog[1:]
			s.dropped++
		}
		s.backlog = append(s.backlog, frame)
	}
}

// HandleInput discards anything a subscriber sends.
func (s *subscriber) HandleInput(ctx context.Context, c *mux.Conn) error {
	_, err := c.Reader().Discard(max(c.Buffered(), 1))
	return err
}

func (s *subscriber) Push(ctx context.Context, c *mux.Conn, now time.Time) error {
	s.b.mu.Lock()
	frames := s.backlog
	s.backlog = nil
	dropped := s.dropped
	s.dropped = 0
	s.b.mu.Unlock()

	if dropped > 0 {
		s.b.logger.Warn("subscriber too slow, frames dropped", "peer", c.Peer(), "dropped", dropped)
	}
	for _, f := range frames {
		if _, err := c.Write(f); err != nil {
			return err
		}
	}
	return nil
}

func (s *subscriber) Close(c *mux.Conn) {
	s.b.mu.Lock()
	delete(s.b.subs, c.ID)
	s.b.mu.Unlock()
}

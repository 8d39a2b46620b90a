// Package spikeout delivers the spikes an engine produces: to other engines
// over interconnects, and to any visualizers that subscribe.
package spikeout

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/embeddedpenguins/spikefabric/internal/logging"
	"github.com/embeddedpenguins/spikefabric/internal/partition"
	"github.com/embeddedpenguins/spikefabric/internal/wire"
)

// Output receives every local spike of a tick, then one Flush at the end of
// the tick.
type Output interface {
	StreamOutput(tick uint64, global uint64)
	Flush(ctx context.Context) error
}

// Fanout sends each spike to every output.
type Fanout []Output

func (f Fanout) StreamOutput(tick, global uint64) {
	for _, o := range f {
		o.StreamOutput(tick, global)
	}
}

// Flush flushes every output and returns the first error.
func (f Fanout) Flush(ctx context.Context) error {
	var first error
	for _, o := range f {
		if err := o.Flush(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// SenderConfig tunes interconnect senders.
type SenderConfig struct {
	Capacity     int
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	// RedialBackoff is the wait after the first failed dial. It doubles on
	// every further failure up to MaxRedialBackoff.
	RedialBackoff    time.Duration
	MaxRedialBackoff time.Duration
	Logger           *slog.Logger
}

const (
	DefaultRedialBackoff    = 100 * time.Millisecond
	DefaultMaxRedialBackoff = 5 * time.Second
)

// Sender streams one interconnect. It keeps spikes from the route's source
// layer, rebases them onto the layer, and sends them as injection frames to
// the destination engine's sensor service.
type Sender struct {
	route  partition.Route
	cfg    SenderConfig
	logger *slog.Logger

	dial func(ctx context.Context, addr string) (net.Conn, error)

	mu      sync.Mutex
	batch   *wire.SpikeBatch
	conn    net.Conn
	pending [][]byte
	sent    uint64
	dropped uint64
	// retryAt holds off redialing a peer that refused us; backoff is the
	// next wait.
	retryAt time.Time
	backoff time.Duration
}

func NewSender(r partition.Route, cfg SenderConfig) *Sender {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 2 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = time.Second
	}
	if cfg.RedialBackoff <= 0 {
		cfg.RedialBackoff = DefaultRedialBackoff
	}
	if cfg.MaxRedialBackoff < cfg.RedialBackoff {
		cfg.MaxRedialBackoff = max(DefaultMaxRedialBackoff, cfg.RedialBackoff)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	d := net.Dialer{Timeout: cfg.DialTimeout}
	return &Sender{
		route:   r,
		cfg:     cfg,
		logger:  logger.With("to_engine", r.ToEngine, "to_partition", r.ToPartitionIndex),
		dial:    func(ctx context.Context, addr string) (net.Conn, error) { return d.DialContext(ctx, "tcp", addr) },
		batch:   wire.NewSpikeBatch(r.ToPartitionIndex, r.ToLayerOffset, cfg.Capacity),
		backoff: cfg.RedialBackoff,
	}
}

// Route is the interconnect this sender serves.
func (s *Sender) Route() partition.Route { return s.route }

// Sent is the number of spikes sealed into frames.
func (s *Sender) Sent() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent
}

// Dropped is the number of frames discarded while the peer was unreachable.
func (s *Sender) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// StreamOutput buffers a spike if it falls in the source layer. A full
// batch is sealed and the spike goes into the fresh one.
func (s *Sender) StreamOutput(tick, global uint64) {
	if !s.route.Accepts(global) {
		return
	}
	ev := wire.SpikeEvent{Tick: int32(tick), NeuronIndex: s.route.Translate(global)}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.batch.Buffer(ev) {
		s.seal()
		s.batch.Buffer(ev)
	}
}

// seal moves the current batch into the send queue.
func (s *Sender) seal() {
	if s.batch.IsEmpty() {
		return
	}
	frame, _ := s.batch.MarshalBinary()
	s.pending = append(s.pending, wire.Envelope(frame))
	s.sent += uint64(s.batch.Len())
	s.batch.Reset()
}

// Flush writes all buffered frames. A failed connection is dropped and the
// frames with it. After a failed dial the frames of every flush are dropped
// until the backoff expires, so a dead peer costs one dial per backoff
// rather than one per tick.
func (s *Sender) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seal()
	if len(s.pending) == 0 {
		return nil
	}
	frames := s.pending
	s.pending = s.pending[:0]

	if s.conn == nil {
		if now := time.Now(); now.Before(s.retryAt) {
			s.dropped += uint64(len(frames))
			s.logger.Debug("interconnect backing off", "host", s.route.ToHost, "retry_in", s.retryAt.Sub(now))
			return nil
		}
		conn, err := s.dial(ctx, s.route.ToHost)
		if err != nil {
			s.dropped += uint64(len(frames))
			s.retryAt = time.Now().Add(s.backoff)
			s.backoff = min(2*s.backoff, s.cfg.MaxRedialBackoff)
			return fmt.Errorf("interconnect to %s: %w", s.route.ToHost, err)
		}
		s.conn = conn
		s.retryAt = time.Time{}
		s.backoff = s.cfg.RedialBackoff
		s.logger.Info("interconnect connected", "host", s.route.ToHost)
	}

	_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	for _, frame := range frames {
		if _, err := s.conn.Write(frame); err != nil {
			s.conn.Close()
			s.conn = nil
			return fmt.Errorf("interconnect to %s: %w", s.route.ToHost, err)
		}
	}
	return nil
}

// Close drops the connection.
func (s *Sender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

// NewSenders builds one sender per route.
func NewSenders(routes []partition.Route, cfg SenderConfig) []*Sender {
	out := make([]*Sender, len(routes))
	for i, r := range routes {
		out[i] = NewSender(r, cfg)
	}
	return out
}

// Package mux serves many peer connections from one goroutine.
//
// A Service owns a listening socket and the connections accepted on it.
// Each call to Process is one bounded poll cycle: it waits up to the poll
// interval for any socket to become readable, accepts at most one pending
// connection, lets the handler of each readable connection consume one
// frame, and gives handlers a chance to push unsolicited data. Process is
// meant to be driven by a worker.Worker, so the connection table is only
// ever touched by that worker's goroutine.
package mux

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/embeddedpenguins/spikefabric/internal/logging"
)

// DefaultPollWait bounds how long one Process call waits for readiness.
const DefaultPollWait = 10 * time.Millisecond

// DefaultFrameTimeout bounds reading one frame once its first byte has
// arrived, and DefaultWriteTimeout bounds one reply or push.
const (
	DefaultFrameTimeout = time.Second
	DefaultWriteTimeout = time.Second
)

var (
	ErrNotListening = errors.New("service is not listening")
	ErrTornDown     = errors.New("service is torn down")
)

// State is the lifecycle state of a Service.
type State int32

const (
	Created State = iota
	Listening
	Polling
	TornDown
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Listening:
		return "listening"
	case Polling:
		return "polling"
	case TornDown:
		return "torn-down"
	default:
		return "unknown"
	}
}

// Handler consumes frames from one connection. HandleInput is called when
// the connection has at least one readable byte and must read exactly one
// frame. A non-nil error closes the connection; io.EOF is the normal way
// to report that the peer went away.
type Handler interface {
	HandleInput(ctx context.Context, c *Conn) error
}

// Pusher is implemented by handlers that send unsolicited data. Push runs
// once per poll cycle for every live connection.
type Pusher interface {
	Push(ctx context.Context, c *Conn, now time.Time) error
}

// Closer is implemented by handlers that hold per-connection resources.
type Closer interface {
	Close(c *Conn)
}

// HandlerFactory builds the handler for a newly accepted connection.
type HandlerFactory func(c *Conn) Handler

// Config describes a Service. Addr and Factory are required.
type Config struct {
	Name     string
	Addr     string
	Factory  HandlerFactory
	PollWait time.Duration
	// FrameTimeout bounds one HandleInput call. A peer that stalls
	// mid-frame past it is dropped as a transport error.
	FrameTimeout time.Duration
	// WriteTimeout bounds replies and pushes.
	WriteTimeout time.Duration
	Logger       *slog.Logger
}

type entryKind int

const (
	entryListener entryKind = iota
	entryData
)

// entry is one member of the readiness set. Its kind is fixed when it is
// registered.
type entry struct {
	kind    entryKind
	conn    *Conn
	handler Handler
	// resume releases the watcher goroutine to wait for the next frame.
	resume chan struct{}
	done   chan struct{}
}

type readiness struct {
	entry *entry
	// accepted carries the new socket for listener entries.
	accepted net.Conn
	err      error
}

// Service is a listening socket plus its connection table.
type Service struct {
	cfg    Config
	logger *slog.Logger

	state    atomic.Int32
	listener net.Listener
	ln       *entry
	ready    chan readiness
	closed   chan struct{}
	wg       sync.WaitGroup

	// conns is the readiness set; only the polling goroutine touches it.
	conns map[uuid.UUID]*entry
	count atomic.Int32

	// busy is the connection a handler is reading from or pushing to, so
	// Interrupt can break a blocked call from another goroutine.
	busy        atomic.Pointer[Conn]
	interrupted atomic.Bool
}

// New returns a Service in the Created state.
func New(cfg Config) *Service {
	if cfg.PollWait <= 0 {
		cfg.PollWait = DefaultPollWait
	}
	if cfg.FrameTimeout <= 0 {
		cfg.FrameTimeout = DefaultFrameTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	if cfg.Name != "" {
		logger = logger.With("service", cfg.Name)
	}
	return &Service{
		cfg:    cfg,
		logger: logger,
		ready:  make(chan readiness),
		closed: make(chan struct{}),
		conns:  make(map[uuid.UUID]*entry),
	}
}

// Listen binds the listening socket. Failing to bind is fatal for the
// service; there is no retry.
func (s *Service) Listen() error {
	if s.State() != Created {
		return fmt.Errorf("%s: listen in state %s", s.cfg.Name, s.State())
	}
	if s.cfg.Factory == nil {
		return fmt.Errorf("%s: no handler factory", s.cfg.Name)
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("binding %s on %s: %w", s.cfg.Name, s.cfg.Addr, err)
	}
	s.listener = ln
	s.ln = &entry{kind: entryListener, resume: make(chan struct{}), done: make(chan struct{})}
	s.state.Store(int32(Listening))

	s.wg.Add(1)
	go s.acceptLoop(s.ln)

	s.logger.Info("listening", "addr", ln.Addr().String())
	return nil
}

// Addr is the bound address, useful when listening on port 0.
func (s *Service) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// State reports the lifecycle state.
func (s *Service) State() State {
	return State(s.state.Load())
}

// Connections is the number of live data connections. Safe to call from
// any goroutine.
func (s *Service) Connections() int {
	return int(s.count.Load())
}

// Process runs one poll cycle.
func (s *Service) Process(ctx context.Context) error {
	switch s.State() {
	case Created:
		return ErrNotListening
	case TornDown:
		return ErrTornDown
	case Listening:
		s.state.Store(int32(Polling))
	}

	timer := time.NewTimer(s.cfg.PollWait)
	defer timer.Stop()

	// served entries are released only when the cycle ends, so every
	// readable socket contributes at most one frame per cycle.
	var served []*entry
	select {
	case ev := <-s.ready:
		served = s.dispatch(ctx, ev, served)
	case <-timer.C:
	case <-ctx.Done():
		return ctx.Err()
	}

	// Everything else that is already readable is served in the same cycle.
	for drained := false; !drained; {
		select {
		case ev := <-s.ready:
			served = s.dispatch(ctx, ev, served)
		default:
			drained = true
		}
	}

	s.push(ctx, time.Now())
	for _, e := range served {
		s.release(e)
	}
	return nil
}

func (s *Service) dispatch(ctx context.Context, ev readiness, served []*entry) []*entry {
	switch ev.entry.kind {
	case entryListener:
		if ev.err == nil {
			s.register(ev.accepted)
		} else {
			s.logger.Warn("accept failed", "error", ev.err)
		}
		return append(served, ev.entry)
	case entryData:
		e := ev.entry
		if _, live := s.conns[e.conn.ID]; !live {
			return served
		}
		if ev.err != nil {
			s.drop(e, ev.err)
			return served
		}
		e.conn.touch()
		if err := s.handle(ctx, e); err != nil {
			s.drop(e, err)
			return served
		}
		return append(served, e)
	}
	return served
}

// handle runs one HandleInput under the frame deadline. The deadline is
// cleared afterwards because the watcher waits for the next frame without
// one.
func (s *Service) handle(ctx context.Context, e *entry) error {
	s.busy.Store(e.conn)
	defer s.busy.Store(nil)

	deadline := time.Now().Add(s.cfg.FrameTimeout)
	if s.interrupted.Load() {
		deadline = time.Unix(1, 0)
	}
	if err := e.conn.nc.SetReadDeadline(deadline); err != nil {
		return err
	}
	if err := e.handler.HandleInput(ctx, e.conn); err != nil {
		return err
	}
	return e.conn.nc.SetReadDeadline(time.Time{})
}

// Interrupt breaks a handler blocked reading from or writing to its peer,
// and makes every later frame fail at once. It is safe to call from any
// goroutine, and is how a controller unsticks a worker it could not quit
// before calling Close.
func (s *Service) Interrupt() {
	s.interrupted.Store(true)
	if c := s.busy.Load(); c != nil {
		_ = c.nc.SetDeadline(time.Unix(1, 0))
	}
}

func (s *Service) register(nc net.Conn) {
	c := newConn(nc, s.cfg.WriteTimeout)
	e := &entry{
		kind:   entryData,
		conn:   c,
		resume: make(chan struct{}),
		done:   make(chan struct{}),
	}
	e.handler = s.cfg.Factory(c)
	s.conns[c.ID] = e
	s.count.Add(1)

	s.wg.Add(1)
	go s.watch(e)

	s.logger.Debug("connection accepted", "conn", c.ID, "peer", c.Peer())
}

func (s *Service) drop(e *entry, cause error) {
	if _, live := s.conns[e.conn.ID]; !live {
		return
	}
	delete(s.conns, e.conn.ID)
	s.count.Add(-1)
	close(e.done)
	if cl, ok := e.handler.(Closer); ok {
		cl.Close(e.conn)
	}
	_ = e.conn.Close()

	if errors.Is(cause, io.EOF) || errors.Is(cause, net.ErrClosed) {
		s.logger.Debug("connection closed", "conn", e.conn.ID, "peer", e.conn.Peer())
	} else {
		s.logger.Warn("connection dropped", "conn", e.conn.ID, "peer", e.conn.Peer(), "error", cause)
	}
}

func (s *Service) release(e *entry) {
	select {
	case e.resume <- struct{}{}:
	case <-e.done:
	case <-s.closed:
	}
}

func (s *Service) push(ctx context.Context, now time.Time) {
	for _, e := range s.conns {
		p, ok := e.handler.(Pusher)
		if !ok {
			continue
		}
		s.busy.Store(e.conn)
		if s.interrupted.Load() {
			_ = e.conn.nc.SetDeadline(time.Unix(1, 0))
		}
		err := p.Push(ctx, e.conn, now)
		s.busy.Store(nil)
		if err != nil {
			s.drop(e, err)
		}
	}
}

// acceptLoop turns the listening socket into readiness events. It accepts
// one connection, hands it over, and waits to be released before the next.
func (s *Service) acceptLoop(e *entry) {
	defer s.wg.Done()
	for {
		nc, err := s.listener.Accept()
		if err != nil && errors.Is(err, net.ErrClosed) {
			return
		}
		select {
		case s.ready <- readiness{entry: e, accepted: nc, err: err}:
		case <-s.closed:
			if nc != nil {
				nc.Close()
			}
			return
		}
		select {
		case <-e.resume:
		case <-s.closed:
			return
		}
	}
}

// watch reports a connection readable once at least one byte is buffered,
// then waits until the handler has consumed a frame.
func (s *Service) watch(e *entry) {
	defer s.wg.Done()
	for {
		_, err := e.conn.r.Peek(1)
		select {
		case s.ready <- readiness{entry: e, err: err}:
		case <-e.done:
			return
		case <-s.closed:
			return
		}
		if err != nil {
			return
		}
		select {
		case <-e.resume:
		case <-e.done:
			return
		case <-s.closed:
			return
		}
	}
}

// Close tears the service down: the listening socket and every connection
// are closed and all helper goroutines are waited for. It must not run
// concurrently with Process; use Interrupt to end a stuck cycle first.
func (s *Service) Close() error {
	if s.State() == TornDown {
		return nil
	}
	prev := s.State()
	s.state.Store(int32(TornDown))
	if prev == Created {
		return nil
	}

	close(s.closed)
	err := s.listener.Close()
	for _, e := range s.conns {
		s.drop(e, net.ErrClosed)
	}
	s.wg.Wait()
	s.logger.Info("torn down")
	return err
}

// Conn is one accepted peer connection.
type Conn struct {
	ID       uuid.UUID
	Accepted time.Time

	nc           net.Conn
	r            *bufio.Reader
	writeTimeout time.Duration
	lastActive   atomic.Int64
}

func newConn(nc net.Conn, writeTimeout time.Duration) *Conn {
	c := &Conn{
		ID:           uuid.New(),
		Accepted:     time.Now(),
		nc:           nc,
		r:            bufio.NewReader(nc),
		writeTimeout: writeTimeout,
	}
	c.touch()
	return c
}

// Read reads buffered bytes from the peer.
func (c *Conn) Read(p []byte) (int, error) { return c.r.Read(p) }

// Write sends bytes to the peer, bounded by the service write timeout.
func (c *Conn) Write(p []byte) (int, error) {
	if err := c.nc.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return 0, err
	}
	return c.nc.Write(p)
}

// Reader exposes the buffered reader for delimiter-based protocols.
func (c *Conn) Reader() *bufio.Reader { return c.r }

// Buffered is the number of bytes already read from the socket but not
// yet consumed.
func (c *Conn) Buffered() int { return c.r.Buffered() }

// Peer is the remote address.
func (c *Conn) Peer() string { return c.nc.RemoteAddr().String() }

// LastActive is when the peer last sent data.
func (c *Conn) LastActive() time.Time { return time.Unix(0, c.lastActive.Load()) }

func (c *Conn) touch() { c.lastActive.Store(time.Now().UnixNano()) }

// Close closes the socket. The service also closes it when the handler
// reports an error.
func (c *Conn) Close() error { return c.nc.Close() }

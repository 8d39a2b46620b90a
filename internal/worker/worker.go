// Package worker runs a poll cycle on a dedicated goroutine, driven by
// commands from a single controlling goroutine.
//
// A Worker is either Idle, Running one cycle, or Continuous. Scan runs one
// cycle; StartContinuous runs cycles back to back until StopContinuous. Every
// command first waits for a one-shot cycle still in flight, so two cycles
// never overlap.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/embeddedpenguins/spikefabric/internal/logging"
)

// DefaultContinuousWait is how long the continuous loop waits for a new
// command between cycles.
const DefaultContinuousWait = 25 * time.Millisecond

// ErrQuit is returned by commands issued after Quit.
var ErrQuit = errors.New("worker has quit")

// Processor is the owner's poll cycle.
type Processor interface {
	Process(ctx context.Context) error
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context) error

func (f ProcessorFunc) Process(ctx context.Context) error { return f(ctx) }

// State is the worker's execution state.
type State int

const (
	Idle State = iota
	Running
	Continuous
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Continuous:
		return "continuous"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Command is an instruction to the background goroutine.
type Command int

const (
	Scan Command = iota
	StartContinuous
	StopContinuous
	Quit
)

func (c Command) String() string {
	switch c {
	case Scan:
		return "scan"
	case StartContinuous:
		return "start-continuous"
	case StopContinuous:
		return "stop-continuous"
	case Quit:
		return "quit"
	default:
		return "unknown"
	}
}

type request struct {
	cmd  Command
	done chan struct{}
}

// Config tunes a Worker. Zero values take defaults.
type Config struct {
	ContinuousWait time.Duration
	Logger         *slog.Logger
	Name           string
}

// Worker is the background executor. Create with New; the goroutine starts
// with Start.
type Worker struct {
	proc   Processor
	wait   time.Duration
	logger *slog.Logger

	reqs chan request
	exit chan struct{}

	// issueMu serializes controllers so the in-flight guard below holds.
	issueMu sync.Mutex

	mu       sync.Mutex
	state    State
	inFlight chan struct{} // closed when the current one-shot cycle completes
	cycles   uint64
}

// New returns a Worker that will run proc.
func New(proc Processor, cfg Config) *Worker {
	if cfg.ContinuousWait <= 0 {
		cfg.ContinuousWait = DefaultContinuousWait
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	if cfg.Name != "" {
		logger = logger.With("worker", cfg.Name)
	}
	return &Worker{
		proc:   proc,
		wait:   cfg.ContinuousWait,
		logger: logger,
		reqs:   make(chan request),
		exit:   make(chan struct{}),
	}
}

// Start launches the background goroutine. Cancelling ctx stops it as if
// Quit had been issued; the context is also passed to every Process call.
func (w *Worker) Start(ctx context.Context) {
	go w.run(ctx)
}

// State reports the current state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Cycles is the number of completed Process calls.
func (w *Worker) Cycles() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cycles
}

// Done is closed when the background goroutine has ended.
func (w *Worker) Done() <-chan struct{} { return w.exit }

// Scan runs one poll cycle and returns without waiting for it. While the
// worker is continuous the call is absorbed by the running loop.
func (w *Worker) Scan(ctx context.Context) error {
	_, err := w.issue(ctx, Scan)
	return err
}

// ScanAndWait runs one poll cycle and waits for it to complete.
func (w *Worker) ScanAndWait(ctx context.Context) error {
	done, err := w.issue(ctx, Scan)
	if err != nil || done == nil {
		return err
	}
	return w.await(ctx, done)
}

// StartContinuous switches to back-to-back cycles.
func (w *Worker) StartContinuous(ctx context.Context) error {
	done, err := w.issue(ctx, StartContinuous)
	if err != nil || done == nil {
		return err
	}
	return w.await(ctx, done)
}

// StopContinuous leaves continuous mode at the next cycle boundary and
// returns once the worker is Idle.
func (w *Worker) StopContinuous(ctx context.Context) error {
	done, err := w.issue(ctx, StopContinuous)
	if err != nil || done == nil {
		return err
	}
	return w.await(ctx, done)
}

// Quit ends the background goroutine and waits for it.
func (w *Worker) Quit(ctx context.Context) error {
	done, err := w.issue(ctx, Quit)
	if errors.Is(err, ErrQuit) {
		return nil
	}
	if err != nil {
		return err
	}
	return w.await(ctx, done)
}

// Wait blocks until any one-shot cycle in flight has completed.
func (w *Worker) Wait(ctx context.Context) error {
	w.mu.Lock()
	pending := w.inFlight
	w.mu.Unlock()
	if pending == nil {
		return nil
	}
	return w.await(ctx, pending)
}

func (w *Worker) issue(ctx context.Context, cmd Command) (chan struct{}, error) {
	w.issueMu.Lock()
	defer w.issueMu.Unlock()

	if err := w.Wait(ctx); err != nil {
		return nil, err
	}

	w.mu.Lock()
	state := w.state
	w.mu.Unlock()

	switch {
	case state == Stopped:
		return nil, ErrQuit
	case state == Continuous && (cmd == Scan || cmd == StartContinuous):
		return nil, nil
	case state == Idle && cmd == StopContinuous:
		return nil, nil
	}

	req := request{cmd: cmd, done: make(chan struct{})}
	if cmd == Scan {
		w.mu.Lock()
		w.inFlight = req.done
		w.mu.Unlock()
	}
	select {
	case w.reqs <- req:
		return req.done, nil
	case <-w.exit:
		return nil, ErrQuit
	case <-ctx.Done():
		if cmd == Scan {
			w.mu.Lock()
			w.inFlight = nil
			w.mu.Unlock()
		}
		return nil, ctx.Err()
	}
}

func (w *Worker) await(ctx context.Context, done <-chan struct{}) error {
	select {
	case <-done:
		return nil
	case <-w.exit:
		// The goroutine may have closed done on its way out.
		select {
		case <-done:
			return nil
		default:
			return ErrQuit
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

func (w *Worker) run(ctx context.Context) {
	defer func() {
		w.mu.Lock()
		w.state = Stopped
		w.inFlight = nil
		w.mu.Unlock()
		close(w.exit)
	}()

	for {
		var req request
		select {
		case req = <-w.reqs:
		case <-ctx.Done():
			return
		}

		switch req.cmd {
		case Scan:
			w.setState(Running)
			w.process(ctx)
			w.mu.Lock()
			w.state = Idle
			w.inFlight = nil
			w.mu.Unlock()
			close(req.done)
		case StartContinuous:
			w.setState(Continuous)
			close(req.done)
			if quit := w.continuous(ctx); quit {
				return
			}
		case StopContinuous:
			close(req.done)
		case Quit:
			close(req.done)
			return
		}
	}
}

// continuous runs cycles until StopContinuous or Quit. It reports whether
// the goroutine should end.
func (w *Worker) continuous(ctx context.Context) bool {
	timer := time.NewTimer(w.wait)
	defer timer.Stop()

	for {
		w.process(ctx)

		timer.Reset(w.wait)
	wait:
		select {
		case req := <-w.reqs:
			switch req.cmd {
			case StopContinuous:
				w.setState(Idle)
				close(req.done)
				return false
			case Quit:
				close(req.done)
				return true
			default:
				close(req.done)
				break wait
			}
		case <-timer.C:
		case <-ctx.Done():
			return true
		}
	}
}

func (w *Worker) process(ctx context.Context) {
	err := w.proc.Process(ctx)
	w.mu.Lock()
	w.cycles++
	w.mu.Unlock()
	if err != nil && ctx.Err() == nil {
		w.logger.Warn("poll cycle failed", "error", err)
	}
}

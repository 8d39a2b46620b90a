// Package engine runs one compute engine of the fabric: it owns the
// partition map, drives the listening services from background workers,
// and advances ticks that move spikes between sensor input, the neuron
// update and the spike outputs.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/embeddedpenguins/spikefabric/internal/control"
	"github.com/embeddedpenguins/spikefabric/internal/logging"
	"github.com/embeddedpenguins/spikefabric/internal/mux"
	"github.com/embeddedpenguins/spikefabric/internal/partition"
	"github.com/embeddedpenguins/spikefabric/internal/ratelimit"
	"github.com/embeddedpenguins/spikefabric/internal/sensor"
	"github.com/embeddedpenguins/spikefabric/internal/spikeout"
	"github.com/embeddedpenguins/spikefabric/internal/topology"
	"github.com/embeddedpenguins/spikefabric/internal/worker"
)

// DefaultTickPeriod is the wall-clock time between ticks.
const DefaultTickPeriod = time.Millisecond

// ErrNotDeployed is returned by Step before any deployment succeeded.
var ErrNotDeployed = errors.New("engine has no deployment")

// Spiker is the neuron update. It receives the global indices injected for
// this tick and returns the global indices that fire.
type Spiker interface {
	Step(tick uint64, injected []uint64) []uint64
}

// Deployable is implemented by spikers that need the model package.
type Deployable interface {
	Deployed(pkg *topology.Package)
}

// Relay fires exactly the injected neurons.
type Relay struct{}

func (Relay) Step(tick uint64, injected []uint64) []uint64 { return injected }

// Config describes an engine. Name and Initializer are required; an empty
// service address leaves that service off.
type Config struct {
	Name            string
	Initializer     Initializer
	InitializerName string
	Spiker          Spiker
	TickPeriod      time.Duration

	ControlAddr  string
	SensorAddr   string
	SpikeOutAddr string

	PollWait     time.Duration
	FrameTimeout time.Duration
	WriteTimeout time.Duration
	PushInterval time.Duration
	WorkerWait   time.Duration

	Sender spikeout.SenderConfig

	// QueryRate and QueryBurst throttle control queries per peer host;
	// zero disables throttling.
	QueryRate  float64
	QueryBurst int

	EventDir   string
	SensorFile string
	Logger     *slog.Logger
}

type service struct {
	name   string
	svc    *mux.Service
	worker *worker.Worker
}

// Engine is one compute engine.
type Engine struct {
	cfg    Config
	logger *slog.Logger

	ctx         *Context
	pmap        *partition.Map
	input       *sensor.Input
	broadcaster *spikeout.Broadcaster
	events      *logging.EventLog
	control     *control.Handler

	// mu guards the deployment and the service list, and serializes ticks
	// against redeploys.
	mu         sync.Mutex
	services   []*service
	deployment control.Deployment
	pkg        *topology.Package
	senders    []*spikeout.Sender
}

// New builds an engine. Nothing is bound until Start.
func New(cfg Config) (*Engine, error) {
	if cfg.Name == "" {
		return nil, errors.New("engine name is required")
	}
	if cfg.Initializer == nil {
		return nil, errors.New("engine initializer is required")
	}
	if cfg.Spiker == nil {
		cfg.Spiker = Relay{}
	}
	if cfg.TickPeriod <= 0 {
		cfg.TickPeriod = DefaultTickPeriod
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	logger = logger.With("engine", cfg.Name)

	e := &Engine{
		cfg:         cfg,
		logger:      logger,
		ctx:         NewContext(cfg.TickPeriod),
		pmap:        partition.New(),
		input:       sensor.NewInput(),
		broadcaster: spikeout.NewBroadcaster(cfg.Sender.Capacity, logger),
	}
	e.events = logging.NewEventLog(cfg.EventDir, e.ctx.LogEnabled)
	e.control = control.NewHandler(e, control.Options{
		Limiter: ratelimit.NewLimiter(cfg.QueryRate, cfg.QueryBurst),
		Events:  e.events,
		Logger:  logger,
	})

	if cfg.SensorFile != "" {
		n, err := e.input.LoadFile(cfg.SensorFile)
		if err != nil {
			return nil, err
		}
		logger.Info("sensor file queued", "path", cfg.SensorFile, "spikes", n)
	}
	return e, nil
}

func (e *Engine) Name() string                 { return e.cfg.Name }
func (e *Engine) Context() *Context            { return e.ctx }
func (e *Engine) PartitionMap() *partition.Map { return e.pmap }
func (e *Engine) Input() *sensor.Input         { return e.input }

// Start binds every configured service and puts each one on its own
// worker in continuous mode. A bind failure stops everything already
// started and is returned.
func (e *Engine) Start(ctx context.Context) error {
	binds := []struct {
		name    string
		addr    string
		factory mux.HandlerFactory
	}{
		{"control", e.cfg.ControlAddr, e.control.Factory(e.cfg.PushInterval)},
		{"sensor", e.cfg.SensorAddr, sensor.NewReceiver(e.input, e.pmap, e.logger).Factory()},
		{"spikeout", e.cfg.SpikeOutAddr, e.broadcaster.Factory()},
	}

	for _, b := range binds {
		if b.addr == "" {
			continue
		}
		svc := mux.New(mux.Config{
			Name:     b.name,
			Addr:     b.addr,
			Factory:  b.factory,
			PollWait:     e.cfg.PollWait,
			FrameTimeout: e.cfg.FrameTimeout,
			WriteTimeout: e.cfg.WriteTimeout,
			Logger:       e.logger,
		})
		if err := svc.Listen(); err != nil {
			e.stopServices(ctx)
			return err
		}
		w := worker.New(worker.ProcessorFunc(svc.Process), worker.Config{
			ContinuousWait: e.cfg.WorkerWait,
			Logger:         e.logger,
			Name:           b.name,
		})
		w.Start(ctx)
		e.mu.Lock()
		e.services = append(e.services, &service{name: b.name, svc: svc, worker: w})
		e.mu.Unlock()
		if err := w.StartContinuous(ctx); err != nil {
			e.stopServices(ctx)
			return fmt.Errorf("starting %s worker: %w", b.name, err)
		}
	}
	return nil
}

// ServiceAddr is the bound address of a named service, or nil.
func (e *Engine) ServiceAddr(name string) net.Addr {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range e.services {
		if s.name == name {
			return s.svc.Addr()
		}
	}
	return nil
}

// quitGrace is how long a worker gets to quit after its service was
// interrupted.
const quitGrace = 2 * time.Second

// stopServices must not hold mu while quitting: a control query in flight
// may be waiting for it. A service is only closed once its worker has
// quit, since Close and Process must not overlap.
func (e *Engine) stopServices(ctx context.Context) {
	e.mu.Lock()
	services := e.services
	e.services = nil
	e.mu.Unlock()

	for _, s := range services {
		if err := s.worker.Quit(ctx); err != nil {
			e.logger.Warn("worker did not quit, interrupting", "service", s.name, "error", err)
			s.svc.Interrupt()
			graceCtx, cancel := context.WithTimeout(context.Background(), quitGrace)
			err = s.worker.Quit(graceCtx)
			cancel()
			if err != nil {
				e.logger.Error("worker stuck, leaving service open", "service", s.name, "error", err)
				continue
			}
		}
		s.svc.Close()
	}
}

// Close stops the services and drops every outbound connection.
func (e *Engine) Close(ctx context.Context) {
	e.stopServices(ctx)

	e.mu.Lock()
	for _, s := range e.senders {
		s.Close()
	}
	e.senders = nil
	e.mu.Unlock()

	e.events.Close()
	e.logger.Info("engine stopped", "iterations", e.ctx.Iterations())
}

// Deploy loads a deployment through the initializer and replaces the
// current one. Ticks stall for the duration.
func (e *Engine) Deploy(ctx context.Context, d control.Deployment) error {
	if d.Engine != e.cfg.Name {
		return fmt.Errorf("deployment is for engine %q, this is %q", d.Engine, e.cfg.Name)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// The live map is only replaced once the whole package has loaded.
	staged := partition.New()
	pkg, err := e.cfg.Initializer.Initialize(ctx, d, staged)
	if err != nil {
		return fmt.Errorf("deploying %s/%s: %w", d.Model, d.Deployment, err)
	}
	e.pmap.ReplaceWith(staged)
	pkg.Map = e.pmap

	for _, s := range e.senders {
		s.Close()
	}
	cfg := e.cfg.Sender
	cfg.Logger = e.logger
	e.senders = spikeout.NewSenders(pkg.Routes, cfg)

	e.deployment = d
	e.pkg = pkg
	e.ctx.resetMeasurements()
	if dep, ok := e.cfg.Spiker.(Deployable); ok {
		dep.Deployed(pkg)
	}

	e.logger.Info("deployed",
		"model", d.Model,
		"deployment", d.Deployment,
		"neurons", pkg.NeuronCount,
		"local_neurons", pkg.LocalNeurons(),
		"interconnects", len(e.senders))
	return nil
}

// Deployed reports the current deployment.
func (e *Engine) Deployed() (control.Deployment, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.deployment, e.pkg != nil
}

// Step runs one tick regardless of the run flags.
func (e *Engine) Step(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pkg == nil {
		return ErrNotDeployed
	}

	start := time.Now()
	tick := e.ctx.Iterations()
	injected := e.input.StreamInput(tick)
	spikes := e.cfg.Spiker.Step(tick, injected)

	outputs := make(spikeout.Fanout, 0, len(e.senders)+1)
	for _, s := range e.senders {
		outputs = append(outputs, s)
	}
	outputs = append(outputs, e.broadcaster)
	for _, g := range spikes {
		outputs.StreamOutput(tick, g)
	}
	if err := outputs.Flush(ctx); err != nil {
		e.logger.Warn("spike output failed", "tick", tick, "error", err)
	}

	if len(spikes) > 0 {
		e.logger.Log(ctx, logging.LevelTrace, "tick", "tick", tick, "injected", len(injected), "spikes", len(spikes))
	}
	e.ctx.completeTick(len(spikes), time.Since(start))
	return nil
}

// Run advances ticks while the engine is running and not paused, until ctx
// ends.
func (e *Engine) Run(ctx context.Context) error {
	timer := time.NewTimer(e.ctx.TickPeriod())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
		if e.ctx.Active() {
			if err := e.Step(ctx); err != nil && !errors.Is(err, ErrNotDeployed) {
				return err
			}
		}
		timer.Reset(e.ctx.TickPeriod())
	}
}

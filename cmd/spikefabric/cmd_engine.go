package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/embeddedpenguins/spikefabric/internal/config"
	"github.com/embeddedpenguins/spikefabric/internal/constants"
	"github.com/embeddedpenguins/spikefabric/internal/control"
	"github.com/embeddedpenguins/spikefabric/internal/engine"
	"github.com/embeddedpenguins/spikefabric/internal/partition"
	"github.com/embeddedpenguins/spikefabric/internal/spikeout"
	"github.com/embeddedpenguins/spikefabric/internal/topology"
	"github.com/spf13/cobra"
)

func newEngineCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "engine",
		Short: "Run a compute engine",
		Long: `Run one compute engine until interrupted.

The engine binds its control, sensor input and spike output services,
optionally deploys the configured model, and ticks whenever it is
running and not paused. Deploy and start it over the control service:

  spikefabric query deploy --values '{"model":"retina","deployment":"two-box","engine":"e1"}'
  spikefabric query control --values '{"run":true}'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if name, _ := cmd.Flags().GetString("name"); name != "" {
				cfg.Engine.Name = name
			}
			if run, _ := cmd.Flags().GetBool("run"); run {
				cfg.Engine.AutoDeploy = true
				if err := cfg.Validate(); err != nil {
					return fmt.Errorf("invalid config: %w", err)
				}
			}
			logger := newLogger(cfg)

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			e, cleanup, err := buildEngine(cfg, logger)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := e.Start(ctx); err != nil {
				return fmt.Errorf("starting engine: %w", err)
			}
			defer func() {
				closeCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
				defer done()
				e.Close(closeCtx)
			}()

			if cfg.Engine.AutoDeploy {
				if err := autoDeploy(ctx, e, cfg); err != nil {
					return err
				}
				e.Context().SetRunning(true)
			}

			logger.Info("engine ready",
				"control", e.ServiceAddr("control"),
				"sensor", e.ServiceAddr("sensor"),
				"spikeout", e.ServiceAddr("spikeout"))

			if err := e.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().String("name", "", "Engine name (overrides config)")
	cmd.Flags().Bool("run", false, "Deploy the configured model and start ticking immediately")

	return cmd
}

// buildEngine wires an engine from cfg. cleanup releases the topology client.
func buildEngine(cfg *config.Config, logger *slog.Logger) (*engine.Engine, func(), error) {
	if cfg.Engine.Name == "" {
		return nil, nil, fmt.Errorf("engine name is required (set engine.name or --name)")
	}

	opts := engine.InitializerOptions{
		Hosts:  partition.Hosts(cfg.Engines),
		Record: cfg.Engine.Record,
	}
	for _, p := range cfg.Engine.Populations {
		opts.Populations = append(opts.Populations, engine.Population{Engine: p.Engine, Neurons: p.Neurons})
	}

	cleanup := func() {}
	if cfg.Engine.Initializer == "package" {
		client := topology.NewClient(topology.ClientConfig{
			Addr:         cfg.Services.TopologyHost,
			EnvelopeWait: cfg.Timing.EnvelopeWait,
			BodyWait:     cfg.Timing.BodyWait,
			Logger:       logger,
		})
		opts.Fetcher = client
		opts.Loader = topology.NewLoader(client, logger)
		cleanup = func() { client.Close() }
	}

	init, err := engine.NewInitializer(cfg.Engine.Initializer, opts)
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	e, err := engine.New(engine.Config{
		Name:            cfg.Engine.Name,
		Initializer:     init,
		InitializerName: cfg.Engine.Initializer,
		TickPeriod:      cfg.Engine.TickPeriod,
		ControlAddr:     cfg.Services.Control,
		SensorAddr:      cfg.Services.Sensor,
		SpikeOutAddr:    cfg.Services.SpikeOut,
		PollWait:        cfg.Timing.PollWait,
		PushInterval:    cfg.Timing.PushInterval,
		WorkerWait:      cfg.Timing.WorkerWait,
		FrameTimeout:    cfg.Timing.FrameTimeout,
		WriteTimeout:    cfg.Timing.FrameTimeout,
		Sender: spikeout.SenderConfig{
			Capacity:         cfg.Timing.BatchCapacity,
			RedialBackoff:    cfg.Timing.RedialBackoff,
			MaxRedialBackoff: constants.DefaultMaxRedialBackoff,
		},
		QueryRate:  cfg.RateLimit.QueryRate,
		QueryBurst: cfg.RateLimit.QueryBurst,
		EventDir:   cfg.Logging.EventDir,
		SensorFile: cfg.Engine.SensorFile,
		Logger:     logger,
	})
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return e, cleanup, nil
}

func autoDeploy(ctx context.Context, e *engine.Engine, cfg *config.Config) error {
	d := control.Deployment{
		Model:      cfg.Engine.Model,
		Deployment: cfg.Engine.Deployment,
		Engine:     cfg.Engine.Name,
	}
	if err := e.Deploy(ctx, d); err != nil {
		return fmt.Errorf("auto deploy: %w", err)
	}
	return nil
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/embeddedpenguins/spikefabric/internal/config"
	"github.com/embeddedpenguins/spikefabric/internal/mux"
	"github.com/embeddedpenguins/spikefabric/internal/store"
	"github.com/embeddedpenguins/spikefabric/internal/topology"
	"github.com/embeddedpenguins/spikefabric/internal/worker"
	"github.com/spf13/cobra"
)

func newTopologyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topology",
		Short: "Serve and manage model packages",
		Long: `The topology service hands model packages to engines over the binary
topology protocol. Packages live in the configured store (memory or sqlite).

Examples:
  spikefabric topology load retina.yaml          # Import into the sqlite store
  spikefabric topology serve --model retina.yaml # Serve, preloading a package
  spikefabric topology list                      # Show stored packages
  spikefabric topology backup --keep 5           # Archive the store`,
	}

	cmd.AddCommand(
		newTopologyServeCmd(),
		newTopologyLoadCmd(),
		newTopologyListCmd(),
		newTopologyBackupCmd(),
		newTopologyRestoreCmd(),
	)
	return cmd
}

func openStore(cfg *config.Config) (store.ModelStore, error) {
	s, err := store.NewStore(cfg.Store.Backend.String(), cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("opening %s store: %w", cfg.Store.Backend, err)
	}
	return s, nil
}

// importModels validates and stores each package file.
func importModels(ctx context.Context, s store.ModelStore, paths []string) ([]string, error) {
	names := make([]string, 0, len(paths))
	for _, path := range paths {
		m, err := store.LoadModelFile(path)
		if err != nil {
			return names, fmt.Errorf("%s: %w", path, err)
		}
		if err := s.PutModel(ctx, m); err != nil {
			return names, fmt.Errorf("storing %s: %w", m.Name, err)
		}
		names = append(names, m.Name)
	}
	return names, nil
}

func newTopologyServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the topology service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
				cfg.Services.Topology = addr
			}
			logger := newLogger(cfg)

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			s, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			models, _ := cmd.Flags().GetStringSlice("model")
			names, err := importModels(ctx, s, models)
			if err != nil {
				return err
			}
			for _, name := range names {
				logger.Info("model loaded", "model", name)
			}

			svc, stop, err := serveTopology(ctx, cfg, s, logger)
			if err != nil {
				return err
			}
			defer stop()

			logger.Info("topology service ready", "addr", svc.Addr(), "store", cfg.Store.Backend)
			<-ctx.Done()
			return nil
		},
	}

	cmd.Flags().String("addr", "", "Listen address (overrides config)")
	cmd.Flags().StringSlice("model", nil, "Model package file to load before serving (repeatable)")

	return cmd
}

// serveTopology binds the topology service and drives it from a worker in
// continuous mode. stop quits the worker and closes the service.
func serveTopology(ctx context.Context, cfg *config.Config, s store.ModelStore, logger *slog.Logger) (*mux.Service, func(), error) {
	svc := mux.New(mux.Config{
		Name:     "topology",
		Addr:     cfg.Services.Topology,
		Factory:  topology.NewServer(s, logger).Factory(),
		PollWait: cfg.Timing.PollWait,
		Logger:   logger,
	})
	if err := svc.Listen(); err != nil {
		return nil, nil, err
	}

	w := worker.New(worker.ProcessorFunc(svc.Process), worker.Config{
		ContinuousWait: cfg.Timing.WorkerWait,
		Logger:         logger,
		Name:           "topology",
	})
	w.Start(ctx)

	stop := func() {
		quitCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := w.Quit(quitCtx); err != nil {
			logger.Warn("topology worker did not quit", "error", err)
		}
		svc.Close()
	}
	if err := w.StartContinuous(ctx); err != nil {
		stop()
		return nil, nil, fmt.Errorf("starting topology worker: %w", err)
	}
	return svc, stop, nil
}

func newTopologyLoadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "load <file.yaml>...",
		Short: "Import model packages into the store",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			s, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			names, err := importModels(cmd.Context(), s, args)
			if err != nil {
				return err
			}

			if jsonOut {
				json.NewEncoder(os.Stdout).Encode(map[string]interface{}{
					"status": "loaded",
					"models": names,
					"store":  cfg.Store.Backend,
				})
			} else {
				for _, name := range names {
					fmt.Printf("Loaded %s into %s store\n", name, cfg.Store.Backend)
				}
			}
			return nil
		},
	}
}

func newTopologyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored model packages",
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			s, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			ctx := cmd.Context()
			names, err := s.ListModels(ctx)
			if err != nil {
				return fmt.Errorf("listing models: %w", err)
			}

			type summary struct {
				Name        string   `json:"name"`
				Neurons     uint64   `json:"neurons"`
				Expansions  int      `json:"expansions"`
				Deployments []string `json:"deployments"`
			}
			out := make([]summary, 0, len(names))
			for _, name := range names {
				m, err := s.GetModel(ctx, name)
				if err != nil {
					return fmt.Errorf("reading %s: %w", name, err)
				}
				sum := summary{Name: m.Name, Neurons: m.TotalNeurons(), Expansions: len(m.Expansions)}
				for _, d := range m.Deployments {
					sum.Deployments = append(sum.Deployments, d.Name)
				}
				out = append(out, sum)
			}

			if jsonOut {
				json.NewEncoder(os.Stdout).Encode(out)
				return nil
			}
			if len(out) == 0 {
				fmt.Println("No model packages stored.")
				return nil
			}
			for _, sum := range out {
				fmt.Printf("%-20s %8d neurons  %3d expansions  deployments: %v\n",
					sum.Name, sum.Neurons, sum.Expansions, sum.Deployments)
			}
			return nil
		},
	}
}


package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/embeddedpenguins/spikefabric/internal/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show spikefabric configuration",
		Long: `View the effective configuration: defaults, then the config file
(~/.spikefabric/config.yaml or --config), then SPIKEFABRIC_* environment
variables.

Examples:
  spikefabric config list                  # Show all settings
  spikefabric config get services.control  # Get a specific setting
  spikefabric config init                  # Write the defaults to ~/.spikefabric/config.yaml`,
	}

	cmd.AddCommand(
		newConfigListCmd(),
		newConfigGetCmd(),
		newConfigInitCmd(),
	)

	return cmd
}

func newConfigListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all configuration settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			if jsonOut {
				return json.NewEncoder(os.Stdout).Encode(cfg)
			}

			fmt.Println("Engine:")
			for _, key := range []string{"engine.name", "engine.model", "engine.deployment", "engine.initializer", "engine.auto_deploy", "engine.record", "engine.tick_period", "engine.sensor_file"} {
				printSetting(cfg, key)
			}
			fmt.Println()
			fmt.Println("Services:")
			for _, key := range []string{"services.control", "services.sensor", "services.spikeout", "services.topology", "services.topology_host"} {
				printSetting(cfg, key)
			}
			fmt.Println()
			fmt.Println("Engines:")
			if len(cfg.Engines) == 0 {
				fmt.Println("  (none)")
			}
			names := make([]string, 0, len(cfg.Engines))
			for name := range cfg.Engines {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Printf("  %-24s %s\n", name+":", cfg.Engines[name])
			}
			fmt.Println()
			fmt.Println("Timing:")
			for _, key := range []string{"timing.poll_wait", "timing.push_interval", "timing.worker_wait", "timing.frame_timeout", "timing.redial_backoff", "timing.envelope_wait", "timing.body_wait", "timing.batch_capacity"} {
				printSetting(cfg, key)
			}
			fmt.Println()
			fmt.Println("Store, logging and rate limits:")
			for _, key := range []string{"store.backend", "store.path", "logging.level", "logging.event_dir", "ratelimit.query_rate", "ratelimit.query_burst"} {
				printSetting(cfg, key)
			}
			return nil
		},
	}
}

func printSetting(cfg *config.Config, key string) {
	value, _ := getConfigValue(cfg, key)
	s := fmt.Sprintf("%v", value)
	fmt.Printf("  %-24s %s\n", key+":", valueOrDefault(s, "(not set)"))
}

func newConfigGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Get a configuration value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")
			key := args[0]

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			value, found := getConfigValue(cfg, key)
			if !found {
				if jsonOut {
					json.NewEncoder(os.Stdout).Encode(map[string]interface{}{
						"error": "key not found",
						"key":   key,
					})
				} else {
					fmt.Printf("Unknown configuration key: %s\n", key)
				}
				return nil
			}

			if jsonOut {
				json.NewEncoder(os.Stdout).Encode(map[string]interface{}{
					"key":   key,
					"value": value,
				})
			} else {
				fmt.Printf("%s = %v\n", key, value)
			}
			return nil
		},
	}
}

func newConfigInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			force, _ := cmd.Flags().GetBool("force")
			path, _ := cmd.Flags().GetString("config")
			if path == "" {
				var err error
				if path, err = config.DefaultPath(); err != nil {
					return fmt.Errorf("failed to get home directory: %w", err)
				}
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := saveConfig(config.Default(), path); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().Bool("force", false, "Overwrite an existing file")
	return cmd
}

// getConfigValue retrieves a configuration value by dot-notation key.
func getConfigValue(cfg *config.Config, key string) (interface{}, bool) {
	switch key {
	case "engine.name":
		return cfg.Engine.Name, true
	case "engine.model":
		return cfg.Engine.Model, true
	case "engine.deployment":
		return cfg.Engine.Deployment, true
	case "engine.initializer":
		return cfg.Engine.Initializer, true
	case "engine.auto_deploy":
		return cfg.Engine.AutoDeploy, true
	case "engine.record":
		return cfg.Engine.Record, true
	case "engine.tick_period":
		return cfg.Engine.TickPeriod.String(), true
	case "engine.sensor_file":
		return cfg.Engine.SensorFile, true
	case "services.control":
		return cfg.Services.Control, true
	case "services.sensor":
		return cfg.Services.Sensor, true
	case "services.spikeout":
		return cfg.Services.SpikeOut, true
	case "services.topology":
		return cfg.Services.Topology, true
	case "services.topology_host":
		return cfg.Services.TopologyHost, true
	case "timing.poll_wait":
		return cfg.Timing.PollWait.String(), true
	case "timing.push_interval":
		return cfg.Timing.PushInterval.String(), true
	case "timing.worker_wait":
		return cfg.Timing.WorkerWait.String(), true
	case "timing.frame_timeout":
		return cfg.Timing.FrameTimeout.String(), true
	case "timing.redial_backoff":
		return cfg.Timing.RedialBackoff.String(), true
	case "timing.envelope_wait":
		return cfg.Timing.EnvelopeWait.String(), true
	case "timing.body_wait":
		return cfg.Timing.BodyWait.String(), true
	case "timing.batch_capacity":
		return cfg.Timing.BatchCapacity, true
	case "store.backend":
		return cfg.Store.Backend.String(), true
	case "store.path":
		return cfg.Store.Path, true
	case "logging.level":
		return cfg.Logging.Level, true
	case "logging.event_dir":
		return cfg.Logging.EventDir, true
	case "ratelimit.query_rate":
		return cfg.RateLimit.QueryRate, true
	case "ratelimit.query_burst":
		return cfg.RateLimit.QueryBurst, true
	default:
		return nil, false
	}
}

// saveConfig writes cfg as YAML, creating the parent directory.
func saveConfig(cfg *config.Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

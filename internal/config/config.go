// Package config provides unified configuration loading for spikefabric.
// It supports loading from YAML files and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/embeddedpenguins/spikefabric/internal/constants"
	"gopkg.in/yaml.v3"
)

// Config contains all spikefabric configuration settings.
type Config struct {
	// Engine describes the engine this process runs.
	Engine EngineConfig `json:"engine" yaml:"engine"`

	// Services holds listen and connect addresses.
	Services ServicesConfig `json:"services" yaml:"services"`

	// Engines maps each engine name to the address of its sensor input
	// service. Interconnect routes are resolved through it.
	Engines map[string]string `json:"engines,omitempty" yaml:"engines,omitempty"`

	Timing    TimingConfig    `json:"timing" yaml:"timing"`
	Store     StoreConfig     `json:"store" yaml:"store"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging"`
	RateLimit RateLimitConfig `json:"ratelimit" yaml:"ratelimit"`
}

// EngineConfig describes the local engine.
type EngineConfig struct {
	Name string `json:"name" yaml:"name"`

	// Model and Deployment are deployed at startup when AutoDeploy is set.
	Model      string `json:"model,omitempty" yaml:"model,omitempty"`
	Deployment string `json:"deployment,omitempty" yaml:"deployment,omitempty"`
	AutoDeploy bool   `json:"auto_deploy" yaml:"auto_deploy"`

	// Initializer names a registered initializer: "package" or "static".
	Initializer string `json:"initializer" yaml:"initializer"`

	// Record asks the topology service to record full deployment requests.
	Record bool `json:"record" yaml:"record"`

	TickPeriod time.Duration `json:"tick_period" yaml:"tick_period"`

	// SensorFile is a JSON file of scheduled injections loaded at startup.
	SensorFile string `json:"sensor_file,omitempty" yaml:"sensor_file,omitempty"`

	// Populations feeds the static initializer.
	Populations []PopulationConfig `json:"populations,omitempty" yaml:"populations,omitempty"`
}

// PopulationConfig is one statically laid out expansion.
type PopulationConfig struct {
	Engine  string `json:"engine" yaml:"engine"`
	Neurons uint64 `json:"neurons" yaml:"neurons"`
}

// ServicesConfig holds the addresses of the listening services. An empty
// listen address leaves that service off.
type ServicesConfig struct {
	Control  string `json:"control" yaml:"control"`
	Sensor   string `json:"sensor" yaml:"sensor"`
	SpikeOut string `json:"spikeout" yaml:"spikeout"`
	Topology string `json:"topology" yaml:"topology"`

	// TopologyHost is where engines reach the topology service.
	TopologyHost string `json:"topology_host" yaml:"topology_host"`
}

// TimingConfig tunes the service loops and the topology client.
type TimingConfig struct {
	PollWait      time.Duration `json:"poll_wait" yaml:"poll_wait"`
	PushInterval  time.Duration `json:"push_interval" yaml:"push_interval"`
	WorkerWait    time.Duration `json:"worker_wait" yaml:"worker_wait"`
	FrameTimeout  time.Duration `json:"frame_timeout" yaml:"frame_timeout"`
	RedialBackoff time.Duration `json:"redial_backoff" yaml:"redial_backoff"`
	EnvelopeWait  time.Duration `json:"envelope_wait" yaml:"envelope_wait"`
	BodyWait      time.Duration `json:"body_wait" yaml:"body_wait"`
	BatchCapacity int           `json:"batch_capacity" yaml:"batch_capacity"`
}

// StoreConfig selects the model package store behind the topology service.
type StoreConfig struct {
	Backend constants.StoreBackend `json:"backend" yaml:"backend"`

	// Path is the SQLite database file. Supports ${VAR} syntax.
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	// Level sets the log verbosity: "info" (default), "warn", "debug", or
	// "trace". "trace" logs every tick that produced spikes.
	Level string `json:"level" yaml:"level"`

	// EventDir receives control.jsonl while the engine's log flag is on.
	EventDir string `json:"event_dir,omitempty" yaml:"event_dir,omitempty"`
}

// RateLimitConfig throttles control queries per peer host. A zero rate
// disables throttling.
type RateLimitConfig struct {
	QueryRate  float64 `json:"query_rate" yaml:"query_rate"`
	QueryBurst int     `json:"query_burst" yaml:"query_burst"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			Initializer: "package",
			TickPeriod:  constants.DefaultTickPeriod,
		},
		Services: ServicesConfig{
			Control:      constants.DefaultControlAddr,
			Sensor:       constants.DefaultSensorAddr,
			SpikeOut:     constants.DefaultSpikeOutAddr,
			Topology:     constants.DefaultTopologyAddr,
			TopologyHost: constants.DefaultTopologyHost,
		},
		Timing: TimingConfig{
			PollWait:      constants.DefaultPollWait,
			PushInterval:  constants.DefaultPushInterval,
			WorkerWait:    constants.DefaultWorkerWait,
			FrameTimeout:  constants.DefaultFrameTimeout,
			RedialBackoff: constants.DefaultRedialBackoff,
			EnvelopeWait:  constants.DefaultEnvelopeWait,
			BodyWait:      constants.DefaultBodyWait,
			BatchCapacity: constants.DefaultBatchCapacity,
		},
		Store: StoreConfig{
			Backend: constants.StoreMemory,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// DefaultPath returns ~/.spikefabric/config.yaml.
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".spikefabric", "config.yaml"), nil
}

// Load loads configuration from the default locations and environment variables.
// Order: defaults -> ~/.spikefabric/config.yaml -> environment variables
func Load() (*Config, error) {
	config := Default()

	if configPath, err := DefaultPath(); err == nil {
		if _, statErr := os.Stat(configPath); statErr == nil {
			fileConfig, loadErr := LoadFromFile(configPath)
			if loadErr != nil {
				return nil, fmt.Errorf("loading config file: %w", loadErr)
			}
			config = fileConfig
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

// LoadPath loads an explicit file when path is set and falls back to Load
// otherwise. Environment overrides apply either way.
func LoadPath(path string) (*Config, error) {
	if path == "" {
		return Load()
	}
	config, err := LoadFromFile(path)
	if err != nil {
		return nil, err
	}
	applyEnvOverrides(config)
	return config, nil
}

// LoadFromFile loads configuration from a specific YAML file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	config.Store.Path = expandEnvVars(config.Store.Path)
	config.Engine.SensorFile = expandEnvVars(config.Engine.SensorFile)
	config.Logging.EventDir = expandEnvVars(config.Logging.EventDir)

	return config, nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if !c.Store.Backend.Valid() {
		return fmt.Errorf("invalid store backend: %s (valid: memory, sqlite)", c.Store.Backend)
	}
	if c.Store.Backend == constants.StoreSQLite && c.Store.Path == "" {
		return fmt.Errorf("store.path is required for the sqlite backend")
	}

	validLevels := map[string]bool{"info": true, "warn": true, "debug": true, "trace": true}
	if c.Logging.Level != "" && !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (valid: info, warn, debug, trace, or empty for default)", c.Logging.Level)
	}

	durations := []struct {
		name string
		d    time.Duration
	}{
		{"engine.tick_period", c.Engine.TickPeriod},
		{"timing.poll_wait", c.Timing.PollWait},
		{"timing.push_interval", c.Timing.PushInterval},
		{"timing.worker_wait", c.Timing.WorkerWait},
		{"timing.frame_timeout", c.Timing.FrameTimeout},
		{"timing.redial_backoff", c.Timing.RedialBackoff},
		{"timing.envelope_wait", c.Timing.EnvelopeWait},
		{"timing.body_wait", c.Timing.BodyWait},
	}
	for _, d := range durations {
		if d.d <= 0 {
			return fmt.Errorf("%s must be positive, got %v", d.name, d.d)
		}
	}

	if c.Timing.BatchCapacity <= 0 {
		return fmt.Errorf("timing.batch_capacity must be positive, got %d", c.Timing.BatchCapacity)
	}
	if c.RateLimit.QueryRate < 0 {
		return fmt.Errorf("ratelimit.query_rate must be non-negative, got %f", c.RateLimit.QueryRate)
	}
	if c.Engine.AutoDeploy && (c.Engine.Model == "" || c.Engine.Deployment == "") {
		return fmt.Errorf("auto_deploy needs engine.model and engine.deployment")
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
func applyEnvOverrides(config *Config) {
	strs := []struct {
		env string
		dst *string
	}{
		{"SPIKEFABRIC_ENGINE", &config.Engine.Name},
		{"SPIKEFABRIC_MODEL", &config.Engine.Model},
		{"SPIKEFABRIC_DEPLOYMENT", &config.Engine.Deployment},
		{"SPIKEFABRIC_INITIALIZER", &config.Engine.Initializer},
		{"SPIKEFABRIC_SENSOR_FILE", &config.Engine.SensorFile},
		{"SPIKEFABRIC_CONTROL_ADDR", &config.Services.Control},
		{"SPIKEFABRIC_SENSOR_ADDR", &config.Services.Sensor},
		{"SPIKEFABRIC_SPIKEOUT_ADDR", &config.Services.SpikeOut},
		{"SPIKEFABRIC_TOPOLOGY_ADDR", &config.Services.Topology},
		{"SPIKEFABRIC_TOPOLOGY_HOST", &config.Services.TopologyHost},
		{"SPIKEFABRIC_STORE_PATH", &config.Store.Path},
		{"SPIKEFABRIC_LOG_LEVEL", &config.Logging.Level},
		{"SPIKEFABRIC_EVENT_DIR", &config.Logging.EventDir},
	}
	for _, s := range strs {
		if v := os.Getenv(s.env); v != "" {
			*s.dst = v
		}
	}

	if v := os.Getenv("SPIKEFABRIC_STORE_BACKEND"); v != "" {
		config.Store.Backend = constants.StoreBackend(v)
	}

	if v := os.Getenv("SPIKEFABRIC_AUTO_DEPLOY"); v != "" {
		config.Engine.AutoDeploy = v == "true" || v == "1"
	}

	if v := os.Getenv("SPIKEFABRIC_RECORD"); v != "" {
		config.Engine.Record = v == "true" || v == "1"
	}

	if v := os.Getenv("SPIKEFABRIC_TICK_PERIOD"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Engine.TickPeriod = d
		}
	}

	if v := os.Getenv("SPIKEFABRIC_QUERY_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			config.RateLimit.QueryRate = f
		}
	}

	if v := os.Getenv("SPIKEFABRIC_QUERY_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.RateLimit.QueryBurst = n
		}
	}
}

// expandEnvVars expands ${VAR} patterns in a string with environment variable values.
func expandEnvVars(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, os.Getenv)
}

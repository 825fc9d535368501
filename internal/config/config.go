// Package config loads and validates the host configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure for CodeAlly.
type Config struct {
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	RPC          RPCConfig          `yaml:"rpc"`
	Plugins      PluginsConfig      `yaml:"plugins"`
	Daemons      DaemonsConfig      `yaml:"daemons"`
	Logging      LoggingConfig      `yaml:"logging"`
	Metrics      MetricsConfig      `yaml:"metrics"`
}

// OrchestratorConfig shapes one turn of tool dispatch.
type OrchestratorConfig struct {
	// ParallelTools enables concurrent dispatch of safe tool groups.
	// Defaults to true; a pointer distinguishes "unset" from "false".
	ParallelTools *bool `yaml:"parallel_tools"`

	// SafeConcurrent lists the tools eligible for concurrent dispatch.
	SafeConcurrent []string `yaml:"safe_concurrent"`

	MaxBatchSize      int `yaml:"max_batch_size"`
	ExploratoryGentle int `yaml:"exploratory_gentle"`
	ExploratoryStern  int `yaml:"exploratory_stern"`

	// MaxTurnDuration bounds one turn; zero disables time reminders.
	MaxTurnDuration time.Duration `yaml:"max_turn_duration"`
}

// ParallelToolsEnabled resolves the pointer against its default.
func (c OrchestratorConfig) ParallelToolsEnabled() bool {
	return c.ParallelTools == nil || *c.ParallelTools
}

// RPCConfig tunes the JSON-RPC client shared by daemon tools.
type RPCConfig struct {
	Timeout         time.Duration `yaml:"timeout"`
	MaxResponseSize int           `yaml:"max_response_size"`
}

// PluginsConfig locates plugin manifests.
type PluginsConfig struct {
	Paths []string `yaml:"paths"`
	Watch bool     `yaml:"watch"`
}

// DaemonsConfig supplies defaults for plugin daemons whose manifests leave
// lifecycle fields unset.
type DaemonsConfig struct {
	StartupTimeout     time.Duration `yaml:"startup_timeout"`
	ShutdownGrace      time.Duration `yaml:"shutdown_grace"`
	HealthInterval     time.Duration `yaml:"health_interval"`
	HealthTimeout      time.Duration `yaml:"health_timeout"`
	MaxHealthFailures  int           `yaml:"max_health_failures"`
	MaxRestartAttempts int           `yaml:"max_restart_attempts"`
	RestartDelay       time.Duration `yaml:"restart_delay"`
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	Output    string `yaml:"output"`
	AddSource bool   `yaml:"add_source"`
}

// MetricsConfig exposes the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Load reads and parses the configuration file, expanding environment
// variables and applying defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the stock configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Orchestrator.SafeConcurrent == nil {
		cfg.Orchestrator.SafeConcurrent = []string{"read", "grep", "glob", "ls", "web_fetch", "agent"}
	}
	if cfg.Orchestrator.MaxBatchSize == 0 {
		cfg.Orchestrator.MaxBatchSize = 10
	}
	if cfg.Orchestrator.ExploratoryGentle == 0 {
		cfg.Orchestrator.ExploratoryGentle = 3
	}
	if cfg.Orchestrator.ExploratoryStern == 0 {
		cfg.Orchestrator.ExploratoryStern = 5
	}
	if cfg.RPC.Timeout == 0 {
		cfg.RPC.Timeout = 30 * time.Second
	}
	if cfg.RPC.MaxResponseSize == 0 {
		cfg.RPC.MaxResponseSize = 10 << 20
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = "127.0.0.1:9464"
	}
}

// Validate rejects configurations the host cannot run with.
func (c *Config) Validate() error {
	if c.Orchestrator.MaxBatchSize < 1 {
		return fmt.Errorf("orchestrator.max_batch_size must be at least 1")
	}
	if c.Orchestrator.ExploratoryGentle < 1 {
		return fmt.Errorf("orchestrator.exploratory_gentle must be at least 1")
	}
	if c.Orchestrator.ExploratoryStern < c.Orchestrator.ExploratoryGentle {
		return fmt.Errorf("orchestrator.exploratory_stern must be >= exploratory_gentle")
	}
	if c.RPC.Timeout < 0 {
		return fmt.Errorf("rpc.timeout must not be negative")
	}
	if c.RPC.MaxResponseSize < 1 {
		return fmt.Errorf("rpc.max_response_size must be positive")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format %q is not one of json, text", c.Logging.Format)
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr is required when metrics are enabled")
	}
	return nil
}

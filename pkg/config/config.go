// Package config provides configuration structures and loading logic for the engine.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the global configuration for a rowline process.
type Config struct {
	Engine     EngineConfig     `yaml:"engine"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Audit      AuditConfig      `yaml:"audit"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Logging    LoggingConfig    `yaml:"logging"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
}

// EngineConfig tunes the token executor. Durations are milliseconds in YAML.
type EngineConfig struct {
	Workers             int     `yaml:"workers"`
	RateLimitRPS        float64 `yaml:"rate_limit_rps"`
	JoinTimeoutMS       int     `yaml:"join_timeout_ms"`
	ProgressTickMS      int     `yaml:"progress_tick_ms"`
	PluginTimeoutMS     int     `yaml:"plugin_timeout_ms"`
	HaltOnPluginFailure bool    `yaml:"halt_on_plugin_failure"`
}

// JoinTimeout returns the coalesce-group abandonment timeout; zero means wait
// until end of source.
func (c EngineConfig) JoinTimeout() time.Duration {
	return time.Duration(c.JoinTimeoutMS) * time.Millisecond
}

// ProgressTick returns the timeout-trigger sweep interval.
func (c EngineConfig) ProgressTick() time.Duration {
	return time.Duration(c.ProgressTickMS) * time.Millisecond
}

// PluginTimeout returns the default per-invocation plugin deadline.
func (c EngineConfig) PluginTimeout() time.Duration {
	return time.Duration(c.PluginTimeoutMS) * time.Millisecond
}

// CheckpointConfig controls crash-safe buffer persistence.
type CheckpointConfig struct {
	Path       string `yaml:"path"`
	IntervalMS int    `yaml:"interval_ms"`
}

// Interval returns how often buffered state is checkpointed; zero disables
// periodic checkpoints (one is still written on shutdown when Path is set).
func (c CheckpointConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMS) * time.Millisecond
}

// AuditConfig selects the Landscape store backing the audit trail.
type AuditConfig struct {
	Store string `yaml:"store"` // "memory" or "sqlite"
	Path  string `yaml:"path"`  // sqlite database file
}

// MetricsConfig holds the promhttp listener settings.
type MetricsConfig struct {
	Address string `yaml:"address"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// PipelineConfig points at the pipeline definition document.
type PipelineConfig struct {
	File string `yaml:"file"`
}

// Load reads configuration from a file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Engine: EngineConfig{
			Workers:         4,
			ProgressTickMS:  250,
			PluginTimeoutMS: 30_000,
		},
		Audit: AuditConfig{
			Store: "memory",
		},
		Metrics: MetricsConfig{
			Address: ":9090",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}

	if path != "" {
		//nolint:gosec // Config file path is controlled by the operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("ROWLINE_WORKERS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			cfg.Engine.Workers = n
		}
	}
	if val := os.Getenv("ROWLINE_RATE_LIMIT_RPS"); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			cfg.Engine.RateLimitRPS = f
		}
	}
	if val := os.Getenv("ROWLINE_HALT_ON_PLUGIN_FAILURE"); val == "true" {
		cfg.Engine.HaltOnPluginFailure = true
	}

	if val := os.Getenv("ROWLINE_CHECKPOINT_PATH"); val != "" {
		cfg.Checkpoint.Path = val
	}

	if val := os.Getenv("ROWLINE_AUDIT_STORE"); val != "" {
		cfg.Audit.Store = val
	}
	if val := os.Getenv("ROWLINE_AUDIT_PATH"); val != "" {
		cfg.Audit.Path = val
	}

	if val := os.Getenv("ROWLINE_METRICS_ADDR"); val != "" {
		cfg.Metrics.Address = val
	}

	if val := os.Getenv("ROWLINE_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
	if val := os.Getenv("ROWLINE_OTLP_INSECURE"); val == "true" {
		cfg.Telemetry.Insecure = true
	}

	if val := os.Getenv("ROWLINE_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv("ROWLINE_LOG_FORMAT"); val != "" {
		cfg.Logging.Format = val
	}

	if val := os.Getenv("ROWLINE_PIPELINE_FILE"); val != "" {
		cfg.Pipeline.File = val
	}
}

// Validate performs validation of the entire configuration.
func (c *Config) Validate() error {
	if err := c.Engine.Validate(); err != nil {
		return fmt.Errorf("engine configuration: %w", err)
	}

	if err := c.Audit.Validate(); err != nil {
		return fmt.Errorf("audit configuration: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}

	if c.Checkpoint.IntervalMS < 0 {
		return fmt.Errorf("checkpoint interval must not be negative")
	}
	if c.Checkpoint.IntervalMS > 0 && c.Checkpoint.Path == "" {
		return fmt.Errorf("checkpoint interval set but checkpoint path is empty")
	}

	return nil
}

// Validate performs validation of engine configuration.
func (c *EngineConfig) Validate() error {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.RateLimitRPS < 0 {
		return fmt.Errorf("rate_limit_rps must not be negative")
	}
	if c.JoinTimeoutMS < 0 || c.ProgressTickMS < 0 || c.PluginTimeoutMS < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	if c.ProgressTickMS == 0 {
		c.ProgressTickMS = 250
	}
	if c.PluginTimeoutMS == 0 {
		c.PluginTimeoutMS = 30_000
	}
	return nil
}

// Validate performs validation of audit configuration.
func (c *AuditConfig) Validate() error {
	store := strings.TrimSpace(strings.ToLower(c.Store))
	if store == "" {
		store = "memory"
	}
	switch store {
	case "memory":
		c.Store = store
		return nil
	case "sqlite":
		c.Store = store
		if strings.TrimSpace(c.Path) == "" {
			return fmt.Errorf("sqlite audit store requires a path")
		}
		return nil
	default:
		return fmt.Errorf("unknown audit store %q, supported stores: memory, sqlite", c.Store)
	}
}

// Validate performs validation of logging configuration.
func (c *LoggingConfig) Validate() error {
	if strings.TrimSpace(c.Level) == "" {
		c.Level = "info"
	}

	level := strings.TrimSpace(strings.ToLower(c.Level))
	switch level {
	case "debug", "info", "warn", "error":
		c.Level = level
	default:
		return fmt.Errorf("invalid log level %q, supported levels: debug, info, warn, error", c.Level)
	}

	format := strings.TrimSpace(strings.ToLower(c.Format))
	if format == "" {
		format = "text"
	}
	switch format {
	case "text", "json":
		c.Format = format
		return nil
	default:
		return fmt.Errorf("invalid log format %q, supported formats: text, json", c.Format)
	}
}

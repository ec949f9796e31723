package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Engine.Workers)
	assert.Equal(t, 250*time.Millisecond, cfg.Engine.ProgressTick())
	assert.Equal(t, 30*time.Second, cfg.Engine.PluginTimeout())
	assert.Equal(t, time.Duration(0), cfg.Engine.JoinTimeout())
	assert.Equal(t, "memory", cfg.Audit.Store)
	assert.Equal(t, ":9090", cfg.Metrics.Address)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
engine:
  workers: 8
  rate_limit_rps: 100
  join_timeout_ms: 5000
  halt_on_plugin_failure: true

checkpoint:
  path: "/var/lib/rowline/run.checkpoint.json"
  interval_ms: 30000

audit:
  store: "sqlite"
  path: "/var/lib/rowline/landscape.db"

logging:
  level: "DEBUG"

pipeline:
  file: "orders.yaml"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Engine.Workers)
	assert.Equal(t, float64(100), cfg.Engine.RateLimitRPS)
	assert.Equal(t, 5*time.Second, cfg.Engine.JoinTimeout())
	assert.True(t, cfg.Engine.HaltOnPluginFailure)
	assert.Equal(t, 30*time.Second, cfg.Checkpoint.Interval())
	assert.Equal(t, "sqlite", cfg.Audit.Store)
	assert.Equal(t, "debug", cfg.Logging.Level) // normalized
	assert.Equal(t, "orders.yaml", cfg.Pipeline.File)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("ROWLINE_WORKERS", "16")
	t.Setenv("ROWLINE_LOG_LEVEL", "warn")
	t.Setenv("ROWLINE_METRICS_ADDR", ":9091")
	t.Setenv("ROWLINE_HALT_ON_PLUGIN_FAILURE", "true")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 16, cfg.Engine.Workers)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, ":9091", cfg.Metrics.Address)
	assert.True(t, cfg.Engine.HaltOnPluginFailure)
}

func TestLoadValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "bad log level",
			yaml:    "logging:\n  level: verbose\n",
			wantErr: "invalid log level",
		},
		{
			name:    "sqlite store without path",
			yaml:    "audit:\n  store: sqlite\n",
			wantErr: "requires a path",
		},
		{
			name:    "unknown audit store",
			yaml:    "audit:\n  store: postgres\n",
			wantErr: "unknown audit store",
		},
		{
			name:    "negative rate limit",
			yaml:    "engine:\n  rate_limit_rps: -1\n",
			wantErr: "must not be negative",
		},
		{
			name:    "checkpoint interval without path",
			yaml:    "checkpoint:\n  interval_ms: 1000\n",
			wantErr: "checkpoint path is empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

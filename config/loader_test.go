package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 8, cfg.Executor.MaxConcurrency)
	assert.Equal(t, 100, cfg.Executor.MaxIterations)
	assert.Equal(t, "none", cfg.Snapshot.Backend)
	assert.False(t, cfg.Telemetry.Enabled)
}

func TestLoadFromYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cycleflow.yaml")
	content := `
log:
  level: debug
  format: console
executor:
  max_concurrency: 2
  max_iterations: 25
  run_timeout: 90s
snapshot:
  backend: redis
  redis_addr: redis.internal:6379
  ttl: 1h
history:
  enabled: true
  path: ":memory:"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 2, cfg.Executor.MaxConcurrency)
	assert.Equal(t, 25, cfg.Executor.MaxIterations)
	assert.Equal(t, 90*time.Second, cfg.Executor.RunTimeout)
	assert.Equal(t, "redis", cfg.Snapshot.Backend)
	assert.Equal(t, "redis.internal:6379", cfg.Snapshot.RedisAddr)
	assert.Equal(t, time.Hour, cfg.Snapshot.TTL)
	assert.True(t, cfg.History.Enabled)
	assert.Equal(t, ":memory:", cfg.History.Path)
}

func TestMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath("/nonexistent/cycleflow.yaml").Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cycleflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte("executor:\n  max_iterations: 10\n"), 0o600))

	t.Setenv("CYCLEFLOW_EXECUTOR_MAX_ITERATIONS", "42")
	t.Setenv("CYCLEFLOW_EXECUTOR_RUN_TIMEOUT", "30s")
	t.Setenv("CYCLEFLOW_LOG_LEVEL", "warn")
	t.Setenv("CYCLEFLOW_TELEMETRY_ENABLED", "true")
	t.Setenv("CYCLEFLOW_TELEMETRY_SAMPLE_RATE", "0.25")

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, 42, cfg.Executor.MaxIterations)
	assert.Equal(t, 30*time.Second, cfg.Executor.RunTimeout)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.True(t, cfg.Telemetry.Enabled)
	assert.Equal(t, 0.25, cfg.Telemetry.SampleRate)
}

func TestCustomEnvPrefix(t *testing.T) {
	t.Setenv("CF_LOG_LEVEL", "error")

	cfg, err := NewLoader().WithEnvPrefix("CF").Load()
	require.NoError(t, err)
	assert.Equal(t, "error", cfg.Log.Level)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad log level", func(c *Config) { c.Log.Level = "verbose" }},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }},
		{"zero concurrency", func(c *Config) { c.Executor.MaxConcurrency = 0 }},
		{"zero iterations", func(c *Config) { c.Executor.MaxIterations = 0 }},
		{"negative run timeout", func(c *Config) { c.Executor.RunTimeout = -time.Second }},
		{"unknown snapshot backend", func(c *Config) { c.Snapshot.Backend = "s3" }},
		{"redis backend without addr", func(c *Config) {
			c.Snapshot.Backend = "redis"
			c.Snapshot.RedisAddr = ""
		}},
		{"history without path", func(c *Config) {
			c.History.Enabled = true
			c.History.Path = ""
		}},
		{"telemetry without endpoint", func(c *Config) {
			c.Telemetry.Enabled = true
			c.Telemetry.OTLPEndpoint = ""
		}},
		{"sample rate out of range", func(c *Config) {
			c.Telemetry.Enabled = true
			c.Telemetry.SampleRate = 2
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestCustomValidatorRuns(t *testing.T) {
	_, err := NewLoader().
		WithValidator(func(c *Config) error {
			if c.Snapshot.Backend == "none" {
				return assert.AnError
			}
			return nil
		}).
		Load()
	require.Error(t, err)
}

func TestMustLoadPanicsOnInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log: [not a map"), 0o600))

	assert.Panics(t, func() { MustLoad(path) })
}

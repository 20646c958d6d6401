package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archflow/archflow/pkg/errors"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadWithoutPathYieldsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
max_concurrent_flows: 8
default_timeout: 30s
resources:
  max_parallel_steps: 2
monitoring:
  log_level: debug
  log_format: text
labels:
  env: staging
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.MaxConcurrentFlows)
	assert.Equal(t, 30*time.Second, cfg.DefaultTimeout)
	assert.Equal(t, 2, cfg.Resources.MaxParallelSteps)
	assert.Equal(t, "debug", cfg.Monitoring.LogLevel)
	assert.Equal(t, "text", cfg.Monitoring.LogFormat)
	assert.Equal(t, "staging", cfg.Labels["env"])

	// Unset fields keep their defaults.
	assert.Equal(t, 24*time.Hour, cfg.ConversationTTL)
	assert.Equal(t, 1024, cfg.Resources.MaxMemoryMB)
	assert.True(t, cfg.Monitoring.MetricsEnabled)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	var cfgErr *errors.ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_concurrent_flows: [not a number"), 0o644))

	_, err := Load(path)
	var cfgErr *errors.ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestValidateFailsClosed(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"zero concurrency", func(c *Config) { c.MaxConcurrentFlows = 0 }, "MaxConcurrentFlows"},
		{"excessive concurrency", func(c *Config) { c.MaxConcurrentFlows = 100000 }, "MaxConcurrentFlows"},
		{"negative timeout", func(c *Config) { c.DefaultTimeout = -time.Second }, "DefaultTimeout"},
		{"zero ttl", func(c *Config) { c.ConversationTTL = 0 }, "ConversationTTL"},
		{"zero parallel steps", func(c *Config) { c.Resources.MaxParallelSteps = 0 }, "MaxParallelSteps"},
		{"zero memory bound", func(c *Config) { c.Resources.MaxMemoryMB = 0 }, "MaxMemoryMB"},
		{"negative memory bound", func(c *Config) { c.Resources.MaxMemoryMB = -1 }, "MaxMemoryMB"},
		{"bad log level", func(c *Config) { c.Monitoring.LogLevel = "verbose" }, "LogLevel"},
		{"bad log format", func(c *Config) { c.Monitoring.LogFormat = "xml" }, "LogFormat"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := cfg.Validate()
			var cfgErr *errors.ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Contains(t, cfgErr.Key, tt.field)
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ARCHFLOW_MAX_CONCURRENT_FLOWS", "16")
	t.Setenv("ARCHFLOW_DEFAULT_TIMEOUT", "90s")
	t.Setenv("ARCHFLOW_LOG_LEVEL", "warn")
	t.Setenv("ARCHFLOW_METRICS_ENABLED", "false")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 16, cfg.MaxConcurrentFlows)
	assert.Equal(t, 90*time.Second, cfg.DefaultTimeout)
	assert.Equal(t, "warn", cfg.Monitoring.LogLevel)
	assert.False(t, cfg.Monitoring.MetricsEnabled)
}

func TestEnvOverrideBeatsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_concurrent_flows: 8\n"), 0o644))
	t.Setenv("ARCHFLOW_MAX_CONCURRENT_FLOWS", "32")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 32, cfg.MaxConcurrentFlows)
}

func TestEnvOverrideIsValidated(t *testing.T) {
	t.Setenv("ARCHFLOW_LOG_LEVEL", "shout")

	_, err := Load("")
	var cfgErr *errors.ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

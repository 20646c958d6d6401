// Package config loads and validates the engine configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/archflow/archflow/pkg/errors"
)

// Config is the top-level engine configuration. Validation is
// fail-closed: a config that does not validate is never used.
type Config struct {
	// MaxConcurrentFlows bounds simultaneously active runs
	MaxConcurrentFlows int `yaml:"max_concurrent_flows" validate:"gte=1,lte=4096"`

	// DefaultTimeout bounds runs whose flow sets none
	DefaultTimeout time.Duration `yaml:"default_timeout" validate:"gte=0"`

	// ConversationTTL is the suspension lifetime
	ConversationTTL time.Duration `yaml:"conversation_ttl" validate:"gt=0"`

	// SweepInterval is the cadence of the expiry sweeper
	SweepInterval time.Duration `yaml:"sweep_interval" validate:"gt=0"`

	// Resources bounds engine resource usage
	Resources ResourceConfig `yaml:"resources"`

	// Monitoring configures logging and metrics
	Monitoring MonitoringConfig `yaml:"monitoring"`

	// Labels are free-form key/value annotations
	Labels map[string]string `yaml:"labels,omitempty"`
}

// ResourceConfig bounds engine resource usage.
type ResourceConfig struct {
	// MaxParallelSteps bounds fan-out inside a single run
	MaxParallelSteps int `yaml:"max_parallel_steps" validate:"gte=1,lte=256"`

	// MaxMemoryMB is an advisory memory bound; must be positive
	MaxMemoryMB int `yaml:"max_memory_mb" validate:"gt=0"`
}

// MonitoringConfig configures observability.
type MonitoringConfig struct {
	// MetricsEnabled turns the Prometheus endpoint on
	MetricsEnabled bool `yaml:"metrics_enabled"`

	// MetricsInterval is the collection cadence for periodic gauges
	MetricsInterval time.Duration `yaml:"metrics_interval" validate:"gt=0"`

	// LogLevel is the minimum log level
	LogLevel string `yaml:"log_level" validate:"oneof=trace debug info warn error"`

	// LogFormat selects json or text output
	LogFormat string `yaml:"log_format" validate:"oneof=json text"`
}

// Default returns the configuration used when nothing is provided.
func Default() *Config {
	return &Config{
		MaxConcurrentFlows: 64,
		DefaultTimeout:     10 * time.Minute,
		ConversationTTL:    24 * time.Hour,
		SweepInterval:      time.Minute,
		Resources: ResourceConfig{
			MaxParallelSteps: 4,
			MaxMemoryMB:      1024,
		},
		Monitoring: MonitoringConfig{
			MetricsEnabled:  true,
			MetricsInterval: 15 * time.Second,
			LogLevel:        "info",
			LogFormat:       "json",
		},
	}
}

// Load reads a YAML config file, applies environment overrides, and
// validates the result. An empty path yields the validated defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, &errors.ConfigError{Key: "file", Reason: "failed to read config file", Cause: err}
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, &errors.ConfigError{Key: "file", Reason: "failed to parse config file", Cause: err}
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration, returning a ConfigError naming
// the first offending field.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			first := verrs[0]
			return &errors.ConfigError{
				Key:    first.Namespace(),
				Reason: fmt.Sprintf("failed %q constraint (value %v)", first.Tag(), first.Value()),
			}
		}
		return &errors.ConfigError{Key: "config", Reason: "validation failed", Cause: err}
	}
	return nil
}

// applyEnv overlays ARCHFLOW_* environment variables.
func applyEnv(cfg *Config) {
	if v := os.Getenv("ARCHFLOW_MAX_CONCURRENT_FLOWS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxConcurrentFlows = n
		}
	}
	if v := os.Getenv("ARCHFLOW_DEFAULT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.DefaultTimeout = d
		}
	}
	if v := os.Getenv("ARCHFLOW_CONVERSATION_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ConversationTTL = d
		}
	}
	if v := os.Getenv("ARCHFLOW_LOG_LEVEL"); v != "" {
		cfg.Monitoring.LogLevel = v
	}
	if v := os.Getenv("ARCHFLOW_LOG_FORMAT"); v != "" {
		cfg.Monitoring.LogFormat = v
	}
	if v := os.Getenv("ARCHFLOW_METRICS_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Monitoring.MetricsEnabled = b
		}
	}
}

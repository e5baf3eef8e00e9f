// Package config provides configuration types and defaults for the
// delegate daemon. Values come from three layers in increasing
// precedence: built-in defaults, $DELEGATE_HOME/config.yaml, and
// command-line flags bound through viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all daemon configuration.
type Config struct {
	Home          string        `mapstructure:"home"`
	ListenAddr    string        `mapstructure:"listen_addr"`
	TickInterval  time.Duration `mapstructure:"tick_interval"`
	WorkerPool    int           `mapstructure:"worker_pool"`
	NudgeLimit    int           `mapstructure:"nudge_limit"`
	Sessions      SessionConfig `mapstructure:"sessions"`
	Merge         MergeConfig   `mapstructure:"merge"`
	Models        ModelConfig   `mapstructure:"models"`
	LogLevel      string        `mapstructure:"log_level"`
	TracingTarget string        `mapstructure:"tracing_target"` // "", "stdout", or an OTLP gRPC endpoint
}

// SessionConfig controls model-session lifecycle.
type SessionConfig struct {
	// ContextWatermark is the context-window utilization fraction that
	// triggers a rotation. Range (0,1].
	ContextWatermark float64 `mapstructure:"context_watermark"`
	// RateLimitBackoff is the initial requeue delay after a rate limit.
	RateLimitBackoff time.Duration `mapstructure:"rate_limit_backoff"`
	// RateLimitBackoffCap bounds the exponential requeue delay.
	RateLimitBackoffCap time.Duration `mapstructure:"rate_limit_backoff_cap"`
}

// MergeConfig controls the merge worker.
type MergeConfig struct {
	// PreMergeTimeout bounds the repo's pre-merge test command.
	PreMergeTimeout time.Duration `mapstructure:"pre_merge_timeout"`
}

// ModelConfig maps agent roles to model identifiers.
type ModelConfig struct {
	Manager  string `mapstructure:"manager"`
	Engineer string `mapstructure:"engineer"`
	Reviewer string `mapstructure:"reviewer"`
}

// ModelForRole returns the configured model for a role, falling back to
// the engineer model for unknown roles.
func (m ModelConfig) ModelForRole(role string) string {
	switch role {
	case "manager":
		return m.Manager
	case "reviewer":
		return m.Reviewer
	default:
		return m.Engineer
	}
}

// SetDefaults registers all configuration defaults on a viper instance.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", "127.0.0.1:7777")
	v.SetDefault("tick_interval", 250*time.Millisecond)
	v.SetDefault("worker_pool", 4)
	v.SetDefault("nudge_limit", 3)
	v.SetDefault("sessions.context_watermark", 0.8)
	v.SetDefault("sessions.rate_limit_backoff", 5*time.Second)
	v.SetDefault("sessions.rate_limit_backoff_cap", 2*time.Minute)
	v.SetDefault("merge.pre_merge_timeout", 10*time.Minute)
	v.SetDefault("models.manager", "claude-sonnet-4-5")
	v.SetDefault("models.engineer", "claude-sonnet-4-5")
	v.SetDefault("models.reviewer", "claude-sonnet-4-5")
	v.SetDefault("log_level", "info")
	v.SetDefault("tracing_target", "")
}

// Load reads configuration for an installation root. A missing config
// file is not an error; defaults apply.
func Load(v *viper.Viper, root string) (*Config, error) {
	SetDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(root)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Home = root

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.WorkerPool < 1 {
		return fmt.Errorf("worker_pool must be >= 1, got %d", c.WorkerPool)
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("tick_interval must be positive, got %s", c.TickInterval)
	}
	if c.Sessions.ContextWatermark <= 0 || c.Sessions.ContextWatermark > 1 {
		return fmt.Errorf("sessions.context_watermark must be in (0,1], got %g", c.Sessions.ContextWatermark)
	}
	if c.Merge.PreMergeTimeout <= 0 {
		return fmt.Errorf("merge.pre_merge_timeout must be positive, got %s", c.Merge.PreMergeTimeout)
	}
	if c.NudgeLimit < 0 {
		return fmt.Errorf("nudge_limit must be >= 0, got %d", c.NudgeLimit)
	}
	return nil
}

// ConfigFile returns the expected config file path for a root.
func ConfigFile(root string) string {
	return filepath.Join(root, "config.yaml")
}

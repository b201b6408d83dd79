// Package config loads framework configuration from plugrig.yaml and
// the environment. File settings, PLUGIN_* environment variables, and
// built-in defaults layer in that order, strongest first being the
// environment.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/plugrig/plugrig/internal/fault"
)

// Environment variables recognized alongside the config file.
const (
	// EnvPluginPath is a colon/semicolon-separated plugin search list.
	EnvPluginPath = "PLUGIN_PATH"

	// EnvStateDir overrides the checkpoint root directory.
	EnvStateDir = "PLUGIN_STATE_DIR"

	// EnvLogLevel overrides the configured log level.
	EnvLogLevel = "PLUGIN_LOG_LEVEL"
)

// Config is the resolved framework configuration.
type Config struct {
	v *viper.Viper
}

// Load reads plugrig.yaml from dir (or the working directory and the
// OS config directory when dir is empty) and binds the PLUGIN_*
// environment variables. A missing file is fine; a malformed one
// yields InvalidConfiguration.
func Load(dir string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("plugrig")
	v.SetConfigType("yaml")
	if dir != "" {
		v.AddConfigPath(dir)
	} else {
		v.AddConfigPath(".")
		if base, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(base, "plugrig"))
		}
	}

	v.SetDefault("log.level", "info")
	v.SetDefault("state.backend", "file")
	v.SetDefault("state.checkpoint_interval", "30s")
	v.SetDefault("state.max_checkpoints_per_workflow", 10)
	v.SetDefault("bus.queue_size", 256)
	v.SetDefault("bus.workers", 4)
	v.SetDefault("plugins.load_timeout", "30s")

	_ = v.BindEnv("plugins.path", EnvPluginPath)
	_ = v.BindEnv("state.dir", EnvStateDir)
	_ = v.BindEnv("log.level", EnvLogLevel)

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, fault.Wrap(fault.InvalidConfiguration, err, "reading plugrig.yaml")
		}
	}
	return &Config{v: v}, nil
}

// LogLevel returns the configured log level name.
func (c *Config) LogLevel() string { return c.v.GetString("log.level") }

// SearchPaths returns the plugin search list: the configured paths
// plus the PLUGIN_PATH entries, split on the OS list separator.
func (c *Config) SearchPaths() []string {
	var out []string
	out = append(out, c.v.GetStringSlice("plugins.dirs")...)
	if raw := c.v.GetString("plugins.path"); raw != "" {
		out = append(out, filepath.SplitList(raw)...)
	}
	return out
}

// StateDir returns the checkpoint root. Unset, it falls back to
// <os-config-dir>/plugrig/state, then to ./plugrig-state.
func (c *Config) StateDir() string {
	if dir := c.v.GetString("state.dir"); dir != "" {
		return dir
	}
	if base, err := os.UserConfigDir(); err == nil {
		return filepath.Join(base, "plugrig", "state")
	}
	return "plugrig-state"
}

// StateBackend returns "file" or "bolt".
func (c *Config) StateBackend() string { return c.v.GetString("state.backend") }

// CheckpointInterval returns the automatic checkpoint period.
func (c *Config) CheckpointInterval() time.Duration {
	return c.v.GetDuration("state.checkpoint_interval")
}

// MaxCheckpoints returns the per-execution retention cap.
func (c *Config) MaxCheckpoints() int {
	return c.v.GetInt("state.max_checkpoints_per_workflow")
}

// BusQueueSize returns the queued-delivery buffer size.
func (c *Config) BusQueueSize() int { return c.v.GetInt("bus.queue_size") }

// BusWorkers returns the async dispatch worker count.
func (c *Config) BusWorkers() int { return c.v.GetInt("bus.workers") }

// LoadTimeout returns the per-plugin load budget.
func (c *Config) LoadTimeout() time.Duration {
	return c.v.GetDuration("plugins.load_timeout")
}

// Validate checks cross-field soundness.
func (c *Config) Validate() error {
	switch c.StateBackend() {
	case "file", "bolt":
	default:
		return fault.New(fault.InvalidConfiguration, "unknown state backend %q", c.StateBackend())
	}
	if c.MaxCheckpoints() < 1 {
		return fault.New(fault.InvalidConfiguration, "max_checkpoints_per_workflow must be at least 1")
	}
	if c.CheckpointInterval() <= 0 {
		return fault.New(fault.InvalidConfiguration, "checkpoint_interval must be positive")
	}
	if c.BusQueueSize() < 1 || c.BusWorkers() < 1 {
		return fault.New(fault.InvalidConfiguration, "bus queue size and workers must be at least 1")
	}
	return nil
}

// Package config loads the receiver's runtime configuration in three
// layers: built-in defaults, an optional YAML file overlaid on top, and
// pflag CLI overrides overlaid on top of that. A missing config file falls
// back to defaults rather than erroring, since most deployments run off
// flags alone.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config holds every recognized runtime option.
type Config struct {
	UDP struct {
		Port int `yaml:"port"`
	} `yaml:"udp"`

	Jitter struct {
		TargetMs int  `yaml:"target_ms"`
		MinMs    int  `yaml:"min_ms"`
		MaxMs    int  `yaml:"max_ms"`
		Adaptive bool `yaml:"adaptive"`
	} `yaml:"jitter"`

	Session struct {
		TimeoutMs         int `yaml:"timeout_ms"`
		CleanupIntervalMs int `yaml:"cleanup_interval_ms"`
	} `yaml:"session"`

	Memory struct {
		PerSessionBytes int64 `yaml:"per_session_bytes"`
		TotalBytes      int64 `yaml:"total_bytes"`
	} `yaml:"memory"`

	Subtitles struct {
		DefaultDurationMs int `yaml:"default_duration_ms"`
	} `yaml:"subtitles"`
}

// Default returns a Config populated with the built-in defaults.
func Default() Config {
	var c Config
	c.UDP.Port = 8001
	c.Jitter.TargetMs = 100
	c.Jitter.MinMs = 50
	c.Jitter.MaxMs = 300
	c.Jitter.Adaptive = true
	c.Session.TimeoutMs = 300000
	c.Session.CleanupIntervalMs = 30000
	c.Memory.PerSessionBytes = 50 * 1024 * 1024
	c.Memory.TotalBytes = 500 * 1024 * 1024
	c.Subtitles.DefaultDurationMs = 5000
	return c
}

// Load reads a YAML config file at path, overlaying it onto Default(). A
// missing file is not an error: Default() alone is returned.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// BindFlags registers pflag overrides for every option on top of an already
// loaded Config, so CLI flags win over the file, which wins over defaults.
func BindFlags(fs *pflag.FlagSet, cfg *Config) {
	fs.IntVar(&cfg.UDP.Port, "udp-port", cfg.UDP.Port, "UDP port for the data plane")
	fs.IntVar(&cfg.Jitter.TargetMs, "jitter-target-ms", cfg.Jitter.TargetMs, "target jitter buffer hold, ms")
	fs.IntVar(&cfg.Jitter.MinMs, "jitter-min-ms", cfg.Jitter.MinMs, "minimum jitter buffer hold, ms")
	fs.IntVar(&cfg.Jitter.MaxMs, "jitter-max-ms", cfg.Jitter.MaxMs, "maximum jitter buffer hold, ms")
	fs.BoolVar(&cfg.Jitter.Adaptive, "jitter-adaptive", cfg.Jitter.Adaptive, "enable adaptive jitter buffer sizing")
	fs.IntVar(&cfg.Session.TimeoutMs, "session-timeout-ms", cfg.Session.TimeoutMs, "idle session timeout, ms")
	fs.IntVar(&cfg.Session.CleanupIntervalMs, "session-cleanup-interval-ms", cfg.Session.CleanupIntervalMs, "idle session sweep interval, ms")
	fs.Int64Var(&cfg.Memory.PerSessionBytes, "memory-per-session-bytes", cfg.Memory.PerSessionBytes, "per-session jitter buffer memory cap")
	fs.Int64Var(&cfg.Memory.TotalBytes, "memory-total-bytes", cfg.Memory.TotalBytes, "total jitter buffer memory cap")
	fs.IntVar(&cfg.Subtitles.DefaultDurationMs, "subtitles-default-duration-ms", cfg.Subtitles.DefaultDurationMs, "fallback subtitle duration, ms")
}

// SessionTimeout returns the configured idle timeout as a time.Duration.
func (c Config) SessionTimeout() time.Duration {
	return time.Duration(c.Session.TimeoutMs) * time.Millisecond
}

// CleanupInterval returns the configured idle-sweep interval.
func (c Config) CleanupInterval() time.Duration {
	return time.Duration(c.Session.CleanupIntervalMs) * time.Millisecond
}

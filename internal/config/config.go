// Package config loads and validates broker configuration from defaults, an
// optional YAML file, and RELAY_-prefixed environment variables.
package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loopback-labs/promptrelay/internal/security"
)

// RateLimitConfig bounds prompt submissions per caller identity.
type RateLimitConfig struct {
	// Limit is the number of admissions allowed per window.
	Limit int `mapstructure:"limit"`
	// Window is the sliding window duration.
	Window time.Duration `mapstructure:"window"`
}

// Config holds the broker's runtime configuration.
type Config struct {
	// ListenAddr is the HTTP/websocket bind address. Must be loopback.
	ListenAddr string `mapstructure:"listen_addr"`
	// WSPath is the path consumers connect to for the persistent channel.
	WSPath string `mapstructure:"ws_path"`
	// ShutdownTimeout bounds graceful shutdown before the process is forced
	// down.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// LogLevel selects the zap configuration (debug, info, warn, error).
	LogLevel string `mapstructure:"log_level"`
	// RateLimit guards the submission endpoint.
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

// Load reads configuration. path may be empty, in which case only defaults
// and environment variables apply.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("listen_addr", "127.0.0.1:8765")
	v.SetDefault("ws_path", "/ws")
	v.SetDefault("shutdown_timeout", 5*time.Second)
	v.SetDefault("log_level", "info")
	v.SetDefault("rate_limit.limit", 10)
	v.SetDefault("rate_limit.window", time.Second)

	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that would expose the broker beyond the
// local machine.
func (c *Config) Validate() error {
	host, _, err := net.SplitHostPort(c.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen_addr %q is not host:port: %w", c.ListenAddr, err)
	}
	if !security.IsLoopbackHost(host) {
		return fmt.Errorf("listen_addr %q is not a loopback address", c.ListenAddr)
	}
	if !strings.HasPrefix(c.WSPath, "/") {
		return fmt.Errorf("ws_path %q must start with /", c.WSPath)
	}
	if c.RateLimit.Limit <= 0 {
		return fmt.Errorf("rate_limit.limit must be positive, got %d", c.RateLimit.Limit)
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("rate_limit.window must be positive, got %s", c.RateLimit.Window)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown_timeout must be positive, got %s", c.ShutdownTimeout)
	}
	return nil
}

package config

import (
	"strings"
	"time"

	"github.com/marmos91/parfs/pkg/adapter/parfs"
	"github.com/marmos91/parfs/pkg/client"
)

// Default values not owned by the parfs or client packages.
const (
	DefaultHome        = "."
	DefaultMetricsHost = "127.0.0.1"
	DefaultMetricsPort = 9090
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// This function is called after loading configuration from file and environment
// variables to fill in any missing values with sensible defaults.
//
// Default Strategy:
//   - Zero values (0, "", false) are replaced with defaults
//   - Explicit values are preserved
//   - Server defaults come from parfs.ParfsConfig.ApplyDefaults
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyServerDefaults(&cfg.Server)
	applyMetricsDefaults(&cfg.Metrics)
	applyClientDefaults(&cfg.Client)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	// Normalize log level to uppercase for consistent internal representation
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

// applyServerDefaults sets parfs server defaults.
func applyServerDefaults(cfg *parfs.ParfsConfig) {
	if cfg.Home == "" {
		cfg.Home = DefaultHome
	}
	cfg.ApplyDefaults()
}

// applyMetricsDefaults sets metrics server defaults.
// Metrics stay disabled unless enabled explicitly.
func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Host == "" {
		cfg.Host = DefaultMetricsHost
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultMetricsPort
	}
}

// applyClientDefaults sets client defaults.
func applyClientDefaults(cfg *ClientConfig) {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = client.DefaultConnectTimeout
	}
	if cfg.ConnectRetries == 0 {
		cfg.ConnectRetries = client.DefaultConnectRetries
	}
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = client.DefaultRetryInterval
	}
}

// GetDefaultConfig returns a Config struct with all default values applied.
//
// This is useful for:
//   - Generating sample configuration files
//   - Testing
//   - Documentation
func GetDefaultConfig() *Config {
	cfg := &Config{
		Client: ClientConfig{
			Address: parfs.DefaultListenAddress,
		},
	}

	ApplyDefaults(cfg)
	return cfg
}

// ClientOptions converts the client section into client.Options.
func (c *ClientConfig) ClientOptions() client.Options {
	return client.Options{
		ConnectTimeout: c.ConnectTimeout,
		ConnectRetries: c.ConnectRetries,
		RetryInterval:  c.RetryInterval,
	}
}

// shutdownGrace is the extra time given to adapters on top of the
// configured session shutdown timeout.
const shutdownGrace = 5 * time.Second

// StopTimeout returns how long the server waits for adapters to stop.
func (c *Config) StopTimeout() time.Duration {
	return c.Server.ShutdownTimeout + shutdownGrace
}

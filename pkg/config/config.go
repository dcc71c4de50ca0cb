package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/marmos91/parfs/pkg/adapter/parfs"
	"github.com/spf13/viper"
)

// Config represents the complete parfs configuration.
//
// This structure captures all configurable aspects of parfs:
//   - Logging configuration
//   - The parfs server (listen address, home directory, worker ports)
//   - The Prometheus metrics endpoint
//   - Client defaults used by the interactive shell
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Environment variables (PARFS_*)
//  3. Configuration file (YAML or TOML)
//  4. Default values (lowest priority)
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging"`

	// Server contains the parfs server settings.
	// Uses the parfs.ParfsConfig type directly to avoid duplication.
	Server parfs.ParfsConfig `mapstructure:"server"`

	// Metrics controls the Prometheus endpoint
	Metrics MetricsConfig `mapstructure:"metrics"`

	// Client contains defaults for parfs-client
	Client ClientConfig `mapstructure:"client"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" validate:"required,oneof=text json"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required"`
}

// MetricsConfig controls the Prometheus metrics HTTP server.
type MetricsConfig struct {
	// Enabled starts the metrics server and records parfs metrics
	Enabled bool `mapstructure:"enabled"`

	// Host to bind the metrics server to
	Host string `mapstructure:"host"`

	// Port for the metrics server
	Port int `mapstructure:"port" validate:"omitempty,min=1,max=65535"`
}

// ClientConfig holds defaults for the interactive client.
type ClientConfig struct {
	// Address is the server to connect to at startup. Empty starts the
	// shell disconnected.
	Address string `mapstructure:"address" validate:"omitempty,hostname_port"`

	// ConnectTimeout bounds each connection attempt
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" validate:"gte=0"`

	// ConnectRetries is the number of attempts to reach the session port
	ConnectRetries int `mapstructure:"connect_retries" validate:"gte=0"`

	// RetryInterval is the pause between attempts
	RetryInterval time.Duration `mapstructure:"retry_interval" validate:"gte=0"`
}

// envKeys lists every configuration key so environment variables apply
// even when the key is absent from the config file.
var envKeys = []string{
	"logging.level",
	"logging.format",
	"logging.output",
	"server.listen_address",
	"server.home",
	"server.ports",
	"server.reject_when_busy",
	"server.accept_rate",
	"server.accept_burst",
	"server.migrate_timeout",
	"server.idle_timeout",
	"server.shutdown_timeout",
	"server.metrics_log_interval",
	"server.buffer_size",
	"metrics.enabled",
	"metrics.host",
	"metrics.port",
	"client.address",
	"client.connect_timeout",
	"client.connect_retries",
	"client.retry_interval",
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (PARFS_*)
//  2. Configuration file
//  3. Default values
//
// Parameters:
//   - configPath: Path to config file (empty string uses default location)
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: Configuration loading or validation error
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	if err := readConfigFile(v, configPath); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHook())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// decodeHook converts configuration strings into durations and port ranges.
func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		portRangeHook(),
	)
}

// portRangeHook accepts "12801-12808", "12801" or a bare number for a
// parfs.PortRange. Maps with first/last keys decode without it.
func portRangeHook() mapstructure.DecodeHookFuncType {
	target := reflect.TypeOf(parfs.PortRange{})
	return func(_ reflect.Type, t reflect.Type, data any) (any, error) {
		if t != target {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return parfs.ParsePortRange(v)
		case int:
			return parfs.ParsePortRange(strconv.Itoa(v))
		case int64:
			return parfs.ParsePortRange(strconv.FormatInt(v, 10))
		}
		return data, nil
	}
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Example: PARFS_SERVER_HOME=/srv/parfs
	v.SetEnvPrefix("PARFS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Default location: $XDG_CONFIG_HOME/parfs/config.{yaml,toml}
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists.
func readConfigFile(v *viper.Viper, configPath string) error {
	if err := v.ReadInConfig(); err != nil {
		// A missing file is acceptable - use defaults
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	return nil
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to current
// directory (.) if home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "parfs")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "parfs")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// ConfigExists checks if a config file exists at the default location.
func ConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path (exposed for init command).
func GetConfigDir() string {
	return getConfigDir()
}

package parfs

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// Defaults applied by New when the corresponding field is zero.
const (
	DefaultListenAddress      = "127.0.0.1:12800"
	DefaultMigrateTimeout     = 10 * time.Second
	DefaultShutdownTimeout    = 30 * time.Second
	DefaultMetricsLogInterval = 5 * time.Minute
	DefaultBufferSize         = 1 << 20
	MaxBufferSize             = 64 << 20
)

// DefaultPorts is the worker port range used when none is configured.
var DefaultPorts = PortRange{First: 12801, Last: 12808}

// ParfsConfig holds configuration parameters for the parfs server.
//
// Default values (applied by New if zero):
//   - ListenAddress: 127.0.0.1:12800
//   - Ports: 12801-12808 (one worker per port)
//   - MigrateTimeout: 10s
//   - IdleTimeout: 0 (sessions never time out)
//   - ShutdownTimeout: 30s
//   - MetricsLogInterval: 5m
//   - BufferSize: 1 MiB
//
// Home has no default and must name an existing directory.
type ParfsConfig struct {
	// ListenAddress is the host:port the acceptor listens on.
	// The host part is also used for the per-session migration listeners.
	ListenAddress string `mapstructure:"listen_address" validate:"required,hostname_port"`

	// Home is the directory tree exposed to clients.
	Home string `mapstructure:"home" validate:"required"`

	// Ports is the reserved range of migration ports. Its size is the
	// number of sessions served concurrently.
	Ports PortRange `mapstructure:"ports"`

	// RejectWhenBusy closes new connections immediately when every worker
	// is busy. When false the acceptor waits for a worker to free up and
	// further clients queue in the kernel backlog.
	RejectWhenBusy bool `mapstructure:"reject_when_busy"`

	// AcceptRate limits new connections per second. 0 disables limiting.
	AcceptRate float64 `mapstructure:"accept_rate" validate:"gte=0"`

	// AcceptBurst is the number of connections admitted at once before
	// AcceptRate applies.
	AcceptBurst int `mapstructure:"accept_burst" validate:"gte=0"`

	// MigrateTimeout bounds how long a worker waits for the client to
	// reconnect on its private port.
	MigrateTimeout time.Duration `mapstructure:"migrate_timeout" validate:"gte=0"`

	// IdleTimeout closes sessions with no request for this long.
	// 0 means no timeout.
	IdleTimeout time.Duration `mapstructure:"idle_timeout" validate:"gte=0"`

	// ShutdownTimeout is the maximum time to wait for active sessions
	// during graceful shutdown before their sockets are force-closed.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gte=0"`

	// MetricsLogInterval is the interval for the periodic status log line.
	// 0 disables it.
	MetricsLogInterval time.Duration `mapstructure:"metrics_log_interval" validate:"gte=0"`

	// BufferSize is the chunk size for file transfers.
	BufferSize int `mapstructure:"buffer_size" validate:"gte=0,lte=67108864"`
}

// ApplyDefaults fills in zero values with defaults.
func (c *ParfsConfig) ApplyDefaults() {
	if c.ListenAddress == "" {
		c.ListenAddress = DefaultListenAddress
	}
	if c.Ports.IsZero() {
		c.Ports = DefaultPorts
	}
	if c.MigrateTimeout == 0 {
		c.MigrateTimeout = DefaultMigrateTimeout
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.MetricsLogInterval == 0 {
		c.MetricsLogInterval = DefaultMetricsLogInterval
	}
	if c.BufferSize == 0 {
		c.BufferSize = DefaultBufferSize
	}
}

// Validate checks the rules that cannot be expressed as struct tags.
func (c *ParfsConfig) Validate() error {
	if c.Home == "" {
		return fmt.Errorf("home directory is required")
	}
	if err := c.Ports.Validate(); err != nil {
		return err
	}

	host, portStr, err := net.SplitHostPort(c.ListenAddress)
	if err != nil {
		return fmt.Errorf("invalid listen address %q: %w", c.ListenAddress, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return fmt.Errorf("invalid listen address %q: bad port", c.ListenAddress)
	}
	if c.Ports.Contains(port) {
		return fmt.Errorf("listen port %d lies inside the worker port range %s", port, c.Ports)
	}
	if host == "" {
		return fmt.Errorf("listen address %q needs an explicit host for migration listeners", c.ListenAddress)
	}

	if c.AcceptRate < 0 || c.AcceptBurst < 0 {
		return fmt.Errorf("invalid accept limit: rate %v burst %d", c.AcceptRate, c.AcceptBurst)
	}
	if c.MigrateTimeout < 0 || c.IdleTimeout < 0 || c.ShutdownTimeout < 0 || c.MetricsLogInterval < 0 {
		return fmt.Errorf("timeouts must be >= 0")
	}
	if c.BufferSize < 0 || c.BufferSize > MaxBufferSize {
		return fmt.Errorf("invalid buffer size %d: must be 0-%d", c.BufferSize, MaxBufferSize)
	}
	return nil
}

// listenHost returns the host part of ListenAddress.
func (c *ParfsConfig) listenHost() string {
	host, _, _ := net.SplitHostPort(c.ListenAddress)
	return host
}

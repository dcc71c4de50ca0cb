package parfs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestApplyDefaults(t *testing.T) {
	cfg := ParfsConfig{Home: "/srv"}
	cfg.ApplyDefaults()

	assert.Equal(t, DefaultListenAddress, cfg.ListenAddress)
	assert.Equal(t, DefaultPorts, cfg.Ports)
	assert.Equal(t, DefaultMigrateTimeout, cfg.MigrateTimeout)
	assert.Equal(t, DefaultShutdownTimeout, cfg.ShutdownTimeout)
	assert.Equal(t, DefaultMetricsLogInterval, cfg.MetricsLogInterval)
	assert.Equal(t, DefaultBufferSize, cfg.BufferSize)
	assert.Zero(t, cfg.IdleTimeout, "idle timeout stays disabled")
	assert.False(t, cfg.RejectWhenBusy)
}

func TestApplyDefaultsKeepsExplicitValues(t *testing.T) {
	cfg := ParfsConfig{
		ListenAddress:  "0.0.0.0:9000",
		Home:           "/srv",
		Ports:          PortRange{First: 9001, Last: 9002},
		MigrateTimeout: time.Second,
		BufferSize:     4096,
	}
	cfg.ApplyDefaults()

	assert.Equal(t, "0.0.0.0:9000", cfg.ListenAddress)
	assert.Equal(t, PortRange{First: 9001, Last: 9002}, cfg.Ports)
	assert.Equal(t, time.Second, cfg.MigrateTimeout)
	assert.Equal(t, 4096, cfg.BufferSize)
}

func TestParfsConfigValidate(t *testing.T) {
	valid := func() ParfsConfig {
		cfg := ParfsConfig{Home: "/srv"}
		cfg.ApplyDefaults()
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(c *ParfsConfig)
		wantErr string
	}{
		{"Defaults", func(c *ParfsConfig) {}, ""},
		{"EphemeralListenPort", func(c *ParfsConfig) { c.ListenAddress = "127.0.0.1:0" }, ""},
		{"MissingHome", func(c *ParfsConfig) { c.Home = "" }, "home directory is required"},
		{"BadPorts", func(c *ParfsConfig) { c.Ports = PortRange{First: 10, Last: 5} }, "first port is after last"},
		{"NoPort", func(c *ParfsConfig) { c.ListenAddress = "127.0.0.1" }, "invalid listen address"},
		{"ListenInsideRange", func(c *ParfsConfig) { c.ListenAddress = "127.0.0.1:12803" }, "inside the worker port range"},
		{"EmptyHost", func(c *ParfsConfig) { c.ListenAddress = ":12800" }, "explicit host"},
		{"NegativeRate", func(c *ParfsConfig) { c.AcceptRate = -1 }, "invalid accept limit"},
		{"NegativeTimeout", func(c *ParfsConfig) { c.IdleTimeout = -time.Second }, "timeouts must be >= 0"},
		{"HugeBuffer", func(c *ParfsConfig) { c.BufferSize = MaxBufferSize + 1 }, "invalid buffer size"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			if assert.Error(t, err) {
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestNewPanicsOnInvalidConfig(t *testing.T) {
	assert.Panics(t, func() {
		New(ParfsConfig{}, nil)
	})
}

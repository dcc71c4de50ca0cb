package config

import (
	"github.com/marmos91/parfs/pkg/metrics"
	promMetrics "github.com/marmos91/parfs/pkg/metrics/prometheus"
)

// MetricsResult contains all metrics-related components created from configuration.
type MetricsResult struct {
	// Server is the HTTP server exposing Prometheus metrics (nil if disabled)
	Server *metrics.Server

	// ParfsMetrics is the metrics collector for the parfs adapter (never nil, uses noop if disabled)
	ParfsMetrics metrics.ParfsMetrics
}

// InitializeMetrics creates and initializes all metrics components based on configuration.
//
// If metrics are enabled in the configuration:
//   - Initializes the global Prometheus registry
//   - Creates the metrics HTTP server
//   - Creates Prometheus-backed parfs metrics
//
// If metrics are disabled:
//   - Returns nil server
//   - Returns no-op metrics implementations (zero overhead)
func InitializeMetrics(cfg *Config) *MetricsResult {
	if !cfg.Metrics.Enabled {
		return &MetricsResult{
			Server:       nil,
			ParfsMetrics: metrics.NewNoopParfsMetrics(),
		}
	}

	metrics.InitRegistry()

	server := metrics.NewServer(metrics.ServerConfig{
		Host: cfg.Metrics.Host,
		Port: cfg.Metrics.Port,
	})

	return &MetricsResult{
		Server:       server,
		ParfsMetrics: promMetrics.NewParfsMetrics(),
	}
}

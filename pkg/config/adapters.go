package config

import (
	"github.com/marmos91/parfs/pkg/adapter"
	"github.com/marmos91/parfs/pkg/adapter/parfs"
	"github.com/marmos91/parfs/pkg/metrics"
)

// CreateAdapters creates the protocol adapters described by the configuration.
//
// Parameters:
//   - cfg: The complete parfs configuration
//   - parfsMetrics: Optional parfs metrics collector (nil = no metrics)
//
// Returns:
//   - []adapter.Adapter: Adapters ready to be added to the server
//   - error: Any error during adapter creation
func CreateAdapters(cfg *Config, parfsMetrics metrics.ParfsMetrics) ([]adapter.Adapter, error) {
	// parfs.New panics on invalid input; surface it as an error here.
	if err := cfg.Server.Validate(); err != nil {
		return nil, err
	}

	return []adapter.Adapter{parfs.New(cfg.Server, parfsMetrics)}, nil
}

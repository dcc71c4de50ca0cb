package adapter

import (
	"context"

	"github.com/marmos91/parfs/pkg/lockregistry"
)

// Adapter is a protocol front end managed by ParfsServer.
//
// Every adapter serves the same local directory tree and shares one file
// lock registry, so transfers through different adapters still exclude
// each other per file.
//
// ParfsServer calls SetLocks once, then Serve in its own goroutine. Stop may
// arrive concurrently with Serve.
type Adapter interface {
	// Serve accepts clients until ctx is cancelled. On cancellation it stops
	// accepting, drains or drops live sessions within its shutdown timeout
	// and returns. Returning early is treated as fatal by ParfsServer.
	Serve(ctx context.Context) error

	// SetLocks injects the registry shared by all adapters.
	SetLocks(locks *lockregistry.Registry)

	// Stop is idempotent and bounded by ctx.
	Stop(ctx context.Context) error

	// Protocol names the adapter in logs and metrics.
	Protocol() string

	// Port is the TCP port clients first connect to.
	Port() int
}

// Package server runs one or more protocol adapters over a shared lock
// registry and coordinates their lifecycle.
package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/marmos91/parfs/internal/logger"
	"github.com/marmos91/parfs/pkg/adapter"
	"github.com/marmos91/parfs/pkg/lockregistry"
)

// DefaultStopTimeout bounds how long stopping all adapters may take.
const DefaultStopTimeout = 30 * time.Second

// ErrAlreadyServed is returned by a second call to Serve.
var ErrAlreadyServed = errors.New("server already served")

// ParfsServer owns the file lock registry and the adapters that use it.
//
// Adapters are started concurrently by Serve. If any adapter fails, every
// other adapter is stopped and Serve returns the failure.
//
// Thread safety:
// AddAdapter must be called before Serve. Adapters() is safe at any time.
type ParfsServer struct {
	// locks is shared by every adapter
	locks *lockregistry.Registry

	// adapters in registration order; stopped in reverse order
	adapters []adapter.Adapter

	// stopTimeout bounds stopAllAdapters
	stopTimeout time.Duration

	mu     sync.RWMutex
	served bool
}

// New creates a server around locks.
//
// Panics if locks is nil.
func New(locks *lockregistry.Registry) *ParfsServer {
	if locks == nil {
		panic("lock registry cannot be nil")
	}

	return &ParfsServer{
		locks:       locks,
		adapters:    make([]adapter.Adapter, 0, 2),
		stopTimeout: DefaultStopTimeout,
	}
}

// SetStopTimeout overrides DefaultStopTimeout.
func (s *ParfsServer) SetStopTimeout(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d > 0 {
		s.stopTimeout = d
	}
}

// AddAdapter registers an adapter and injects the shared lock registry.
//
// Returns an error if another adapter already uses the same protocol or
// port, or if Serve has already been called.
func (s *ParfsServer) AddAdapter(a adapter.Adapter) error {
	if a == nil {
		panic("adapter cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.served {
		return fmt.Errorf("cannot add %s adapter: %w", a.Protocol(), ErrAlreadyServed)
	}

	protocol := a.Protocol()
	port := a.Port()

	for _, existing := range s.adapters {
		if existing.Protocol() == protocol {
			return fmt.Errorf("adapter for protocol %s already registered", protocol)
		}
		if port != 0 && existing.Port() == port {
			return fmt.Errorf("port %d already in use by %s adapter", port, existing.Protocol())
		}
	}

	a.SetLocks(s.locks)
	s.adapters = append(s.adapters, a)

	logger.Info("Registered %s adapter on port %d", protocol, port)
	return nil
}

// Serve starts every adapter and blocks until ctx is cancelled or one of
// them fails.
//
// Returns:
//   - nil when ctx was cancelled and every adapter stopped cleanly
//   - an error naming the failed adapter, combined with any stop errors
func (s *ParfsServer) Serve(ctx context.Context) error {
	s.mu.Lock()
	if s.served {
		s.mu.Unlock()
		return ErrAlreadyServed
	}
	s.served = true
	if len(s.adapters) == 0 {
		s.mu.Unlock()
		return fmt.Errorf("no adapters registered; call AddAdapter() before Serve()")
	}
	adapters := make([]adapter.Adapter, len(s.adapters))
	copy(adapters, s.adapters)
	s.mu.Unlock()

	logger.Info("Starting parfs server with %d adapter(s)", len(adapters))

	errChan := make(chan adapterError, len(adapters))
	var wg sync.WaitGroup

	for _, adp := range adapters {
		wg.Add(1)
		go func(a adapter.Adapter) {
			defer wg.Done()

			protocol := a.Protocol()
			logger.Info("Starting %s adapter on port %d", protocol, a.Port())

			err := a.Serve(ctx)
			switch {
			case err == nil:
				logger.Info("%s adapter stopped", protocol)
			case ctx.Err() != nil:
				logger.Warn("%s adapter stopped with error: %v", protocol, err)
			default:
				logger.Error("%s adapter failed: %v", protocol, err)
			}

			// Returning before cancellation is a failure even without an error.
			if ctx.Err() == nil {
				if err == nil {
					err = errors.New("stopped unexpectedly")
				}
				errChan <- adapterError{protocol: protocol, err: err}
			}
		}(adp)
	}

	var result *multierror.Error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received (reason: %v)", ctx.Err())
		if err := s.stopAllAdapters(adapters); err != nil {
			result = multierror.Append(result, err)
		}

	case adapterErr := <-errChan:
		logger.Error("Adapter %s failed: %v - initiating shutdown of all adapters",
			adapterErr.protocol, adapterErr.err)
		result = multierror.Append(result, fmt.Errorf("%s adapter error: %w", adapterErr.protocol, adapterErr.err))
		if err := s.stopAllAdapters(adapters); err != nil {
			result = multierror.Append(result, err)
		}
	}

	logger.Debug("Waiting for all adapters to complete shutdown")
	wg.Wait()

	if err := s.locks.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close lock registry: %w", err))
	}

	logger.Info("parfs server stopped")
	return result.ErrorOrNil()
}

type adapterError struct {
	protocol string
	err      error
}

// stopAllAdapters stops adapters in reverse registration order and
// aggregates their errors.
func (s *ParfsServer) stopAllAdapters(adapters []adapter.Adapter) error {
	s.mu.RLock()
	timeout := s.stopTimeout
	s.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	logger.Info("Initiating graceful shutdown of %d adapter(s)", len(adapters))

	var result *multierror.Error
	for i := len(adapters) - 1; i >= 0; i-- {
		adp := adapters[i]
		protocol := adp.Protocol()

		logger.Debug("Stopping %s adapter (port %d)", protocol, adp.Port())
		if err := adp.Stop(ctx); err != nil {
			logger.Error("Error stopping %s adapter: %v", protocol, err)
			result = multierror.Append(result, fmt.Errorf("stop %s adapter: %w", protocol, err))
		}
	}

	return result.ErrorOrNil()
}

// Adapters returns a copy of the registered adapters.
func (s *ParfsServer) Adapters() []adapter.Adapter {
	s.mu.RLock()
	defer s.mu.RUnlock()

	adapters := make([]adapter.Adapter, len(s.adapters))
	copy(adapters, s.adapters)
	return adapters
}

// Locks returns the shared lock registry.
func (s *ParfsServer) Locks() *lockregistry.Registry {
	return s.locks
}

package parfs

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/marmos91/parfs/internal/logger"
	"github.com/marmos91/parfs/internal/ratelimiter"
	"github.com/marmos91/parfs/internal/sandbox"
	"github.com/marmos91/parfs/pkg/lockregistry"
	"github.com/marmos91/parfs/pkg/metrics"
	"github.com/marmos91/parfs/pkg/workerpool"
)

// ParfsAdapter implements the adapter.Adapter interface for the parfs
// protocol.
//
// Architecture:
// The adapter owns the acceptor listener and a worker pool with one worker
// per reserved port. Each accepted connection becomes a ParfsSession that
// runs on a worker: the client is told the worker's port, reconnects to it,
// and is served there until it disconnects. The acceptor itself never does
// per-session I/O.
//
// Shutdown flow:
//  1. Context cancelled or Stop() called
//  2. Listener closed (no new connections)
//  3. shutdownCtx cancelled (sessions notify their clients and close)
//  4. Wait for active sessions to finish (up to ShutdownTimeout)
//  5. Force-close any remaining session sockets after timeout
//  6. Worker pool closed and joined
//
// Thread safety:
// All methods are safe for concurrent use. Shutdown is idempotent.
type ParfsAdapter struct {
	// config holds the server configuration
	config ParfsConfig

	// listener accepts new clients on ListenAddress
	listener net.Listener

	// ready is closed once the listener is bound
	ready chan struct{}

	// root confines every session to the home directory
	root *sandbox.Root

	// locks serializes transfers per file, shared across sessions
	locks *lockregistry.Registry

	// ownsLocks is true when the registry was created by Serve
	ownsLocks bool

	// pool runs sessions, one worker per reserved port
	pool *workerpool.Pool

	// limiter throttles accepted connections
	limiter *ratelimiter.RateLimiter

	// metrics records session, request and transfer statistics
	metrics metrics.ParfsMetrics

	// buffers holds reusable transfer buffers of config.BufferSize bytes
	buffers sync.Pool

	// activeSessions tracks every submitted session for graceful shutdown
	activeSessions sync.WaitGroup

	// shutdownOnce ensures shutdown is only initiated once
	shutdownOnce sync.Once

	// shutdown signals that graceful shutdown has been initiated
	shutdown chan struct{}

	// sessionCount is the number of sessions currently running on a worker
	sessionCount atomic.Int32

	// shutdownCtx is cancelled during shutdown to stop every session
	shutdownCtx context.Context

	// cancelSessions cancels shutdownCtx
	cancelSessions context.CancelFunc

	// activeConnections maps session ID to its current connection for
	// forced closure
	activeConnections sync.Map
}

// New creates a new ParfsAdapter with the specified configuration.
//
// The adapter is created in a stopped state. Optionally call SetLocks() to
// share a lock registry, then call Serve() to start accepting connections.
//
// Parameters:
//   - config: Server configuration (addresses, ports, timeouts)
//   - parfsMetrics: Optional metrics collector (nil for no metrics)
//
// Returns a configured but not yet started ParfsAdapter.
//
// Panics if config validation fails.
func New(config ParfsConfig, parfsMetrics metrics.ParfsMetrics) *ParfsAdapter {
	config.ApplyDefaults()

	if err := config.Validate(); err != nil {
		panic(fmt.Sprintf("invalid parfs config: %v", err))
	}

	if parfsMetrics == nil {
		parfsMetrics = metrics.NewNoopParfsMetrics()
	}

	if config.AcceptRate > 0 {
		logger.Debug("parfs accept limit: %.2f/s burst %d", config.AcceptRate, config.AcceptBurst)
	} else {
		logger.Debug("parfs accept limit: unlimited")
	}

	shutdownCtx, cancelSessions := context.WithCancel(context.Background())

	a := &ParfsAdapter{
		config:         config,
		ready:          make(chan struct{}),
		limiter:        ratelimiter.New(config.AcceptRate, config.AcceptBurst),
		metrics:        parfsMetrics,
		shutdown:       make(chan struct{}),
		shutdownCtx:    shutdownCtx,
		cancelSessions: cancelSessions,
	}
	a.buffers.New = func() any {
		buf := make([]byte, a.config.BufferSize)
		return &buf
	}
	return a
}

// SetLocks injects a lock registry shared with other adapters.
//
// Called before Serve(). When no registry is set, Serve creates one and
// closes it on shutdown.
func (s *ParfsAdapter) SetLocks(locks *lockregistry.Registry) {
	s.locks = locks
	logger.Debug("parfs lock registry configured")
}

// Serve starts the parfs server and blocks until the context is cancelled
// or an unrecoverable error occurs.
//
// Parameters:
//   - ctx: Controls the server lifecycle. Cancellation triggers graceful shutdown.
//
// Returns:
//   - nil on graceful shutdown
//   - error if startup fails or shutdown is not graceful
//
// Thread safety:
// Serve() should only be called once per ParfsAdapter instance.
func (s *ParfsAdapter) Serve(ctx context.Context) error {
	root, err := sandbox.New(s.config.Home)
	if err != nil {
		return fmt.Errorf("parfs home: %w", err)
	}
	s.root = root

	if s.locks == nil {
		s.locks = lockregistry.New(lockregistry.WithObserver(s.metrics))
		s.ownsLocks = true
	}

	pool, err := workerpool.New(s.config.Ports.Ports())
	if err != nil {
		return fmt.Errorf("parfs worker pool: %w", err)
	}
	s.pool = pool

	listener, err := net.Listen("tcp", s.config.ListenAddress)
	if err != nil {
		pool.Close()
		return fmt.Errorf("failed to create parfs listener on %s: %w", s.config.ListenAddress, err)
	}
	s.listener = listener
	close(s.ready)

	logger.Info("parfs server listening on %s (home %s, worker ports %s)",
		listener.Addr(), root.Home(), s.config.Ports)
	logger.Debug("parfs config: reject_when_busy=%v migrate_timeout=%v idle_timeout=%v buffer_size=%d",
		s.config.RejectWhenBusy, s.config.MigrateTimeout, s.config.IdleTimeout, s.config.BufferSize)

	go func() {
		select {
		case <-ctx.Done():
			logger.Info("parfs shutdown signal received: %v", ctx.Err())
			s.initiateShutdown()
		case <-s.shutdown:
		}
	}()

	if s.config.MetricsLogInterval > 0 {
		go s.logMetrics(s.shutdownCtx)
	}

	for {
		if err := s.limiter.Wait(s.shutdownCtx); err != nil {
			return s.gracefulShutdown()
		}

		tcpConn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return s.gracefulShutdown()
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				s.initiateShutdown()
				return multierror.Append(fmt.Errorf("parfs listener closed: %w", err), s.gracefulShutdown()).ErrorOrNil()
			}
			logger.Debug("Error accepting parfs connection: %v", err)
			continue
		}

		if err := s.dispatch(tcpConn); err != nil {
			return s.gracefulShutdown()
		}
	}
}

// dispatch hands an accepted connection to the worker pool.
//
// With RejectWhenBusy the connection is closed at once if no worker is
// idle; otherwise dispatch blocks until a worker takes it.
//
// Returns an error only when the pool is shutting down.
func (s *ParfsAdapter) dispatch(tcpConn net.Conn) error {
	session := NewParfsSession(s, tcpConn)

	s.activeSessions.Add(1)
	s.trackConn(session.ID(), tcpConn)

	job := func(port int) {
		current := s.sessionCount.Add(1)
		s.metrics.SetActiveSessions(current)

		defer func() {
			s.activeConnections.Delete(session.ID())
			s.activeSessions.Done()

			current := s.sessionCount.Add(-1)
			s.metrics.RecordSessionClosed()
			s.metrics.SetActiveSessions(current)
			logger.Debug("parfs session %s closed (active: %d)", session.ID(), current)
		}()

		session.Serve(s.shutdownCtx, port)
	}

	var err error
	if s.config.RejectWhenBusy {
		err = s.pool.TrySubmit(job)
	} else {
		err = s.pool.Submit(s.shutdownCtx, job)
	}

	if err != nil {
		s.activeConnections.Delete(session.ID())
		s.activeSessions.Done()
		_ = tcpConn.Close()

		if errors.Is(err, workerpool.ErrPoolSaturated) {
			s.metrics.RecordSessionRejected("saturated")
			logger.Warn("parfs connection from %s rejected: all %d workers busy",
				tcpConn.RemoteAddr(), s.pool.Size())
			return nil
		}
		s.metrics.RecordSessionRejected("shutdown")
		return err
	}

	s.metrics.RecordSessionAccepted()
	logger.Debug("parfs connection from %s handed to a worker (session %s)",
		tcpConn.RemoteAddr(), session.ID())
	return nil
}

// trackConn registers conn as the live connection of a session for
// forced closure.
func (s *ParfsAdapter) trackConn(sessionID string, conn net.Conn) {
	s.activeConnections.Store(sessionID, conn)
}

// initiateShutdown closes the listener and cancels every session.
// Safe to call multiple times.
func (s *ParfsAdapter) initiateShutdown() {
	s.shutdownOnce.Do(func() {
		logger.Debug("parfs shutdown initiated")

		close(s.shutdown)

		if s.listener != nil {
			if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				logger.Debug("Error closing parfs listener: %v", err)
			}
		}

		s.cancelSessions()
	})
}

// gracefulShutdown waits for active sessions, force-closes stragglers after
// ShutdownTimeout, then joins the worker pool.
//
// Returns:
//   - nil if all sessions completed gracefully
//   - error if sessions had to be force-closed or cleanup failed
func (s *ParfsAdapter) gracefulShutdown() error {
	activeCount := s.sessionCount.Load()
	logger.Info("parfs graceful shutdown: waiting for %d active session(s) (timeout: %v)",
		activeCount, s.config.ShutdownTimeout)

	var result *multierror.Error

	if !s.waitSessions(s.config.ShutdownTimeout) {
		remaining := s.sessionCount.Load()
		logger.Warn("parfs shutdown timeout exceeded: %d session(s) still active after %v - forcing closure",
			remaining, s.config.ShutdownTimeout)
		s.forceCloseConnections()
		result = multierror.Append(result, fmt.Errorf("parfs shutdown timeout: %d sessions force-closed", remaining))
	} else {
		logger.Info("parfs graceful shutdown complete: all sessions closed")
	}

	s.pool.Close()

	if s.ownsLocks {
		if err := s.locks.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close lock registry: %w", err))
		}
	}

	return result.ErrorOrNil()
}

// waitSessions waits up to timeout for every session to finish.
func (s *ParfsAdapter) waitSessions(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		s.activeSessions.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// forceCloseConnections closes every tracked session socket so blocked
// reads and writes fail and the sessions exit.
func (s *ParfsAdapter) forceCloseConnections() {
	logger.Info("Force-closing active parfs sessions")

	closedCount := 0
	s.activeConnections.Range(func(key, value any) bool {
		id := key.(string)
		conn := value.(net.Conn)

		if err := conn.Close(); err != nil {
			logger.Debug("Error force-closing session %s: %v", id, err)
		} else {
			closedCount++
		}
		return true
	})

	logger.Info("Force-closed %d session(s)", closedCount)
}

// Stop initiates graceful shutdown of the parfs server.
//
// Stop is safe to call multiple times and concurrently with Serve(). It
// waits for active sessions until ctx is done; Serve performs the final
// cleanup.
//
// Returns:
//   - nil if all sessions finished
//   - ctx error if ctx ended first
func (s *ParfsAdapter) Stop(ctx context.Context) error {
	s.initiateShutdown()

	if ctx == nil {
		ctx = context.Background()
	}

	done := make(chan struct{})
	go func() {
		s.activeSessions.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		remaining := s.sessionCount.Load()
		logger.Warn("parfs shutdown context cancelled: %d session(s) still active: %v",
			remaining, ctx.Err())
		return ctx.Err()
	}
}

// logMetrics periodically logs pool and lock usage.
func (s *ParfsAdapter) logMetrics(ctx context.Context) {
	ticker := time.NewTicker(s.config.MetricsLogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logger.Info("parfs metrics: active_sessions=%d idle_workers=%d/%d lock_entries=%d",
				s.sessionCount.Load(), s.pool.Idle(), s.pool.Size(), s.locks.Len())
		}
	}
}

// GetActiveSessions returns the number of sessions running on a worker.
func (s *ParfsAdapter) GetActiveSessions() int32 {
	return s.sessionCount.Load()
}

// Ready is closed once the listener is bound.
func (s *ParfsAdapter) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the bound listener address, or nil before Ready.
func (s *ParfsAdapter) Addr() net.Addr {
	select {
	case <-s.ready:
		return s.listener.Addr()
	default:
		return nil
	}
}

// Port returns the TCP port the acceptor listens on.
//
// This implements the adapter.Adapter interface.
func (s *ParfsAdapter) Port() int {
	if addr, ok := s.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	_, portStr, _ := net.SplitHostPort(s.config.ListenAddress)
	port, _ := strconv.Atoi(portStr)
	return port
}

// Protocol returns "parfs" as the protocol identifier.
//
// This implements the adapter.Adapter interface.
func (s *ParfsAdapter) Protocol() string {
	return "parfs"
}

func (s *ParfsAdapter) getBuffer() *[]byte {
	return s.buffers.Get().(*[]byte)
}

func (s *ParfsAdapter) putBuffer(buf *[]byte) {
	s.buffers.Put(buf)
}

package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/marmos91/parfs/internal/logger"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultPort is the metrics port used when ServerConfig.Port is zero.
const DefaultPort = 9090

// shutdownGrace bounds the HTTP shutdown triggered by context cancellation.
const shutdownGrace = 5 * time.Second

// Server exposes the global registry over HTTP.
//
// Endpoints:
//   - GET /metrics: Prometheus text or OpenMetrics exposition
//   - GET /healthz: "ok" while the server runs
type Server struct {
	server *http.Server
	addr   string

	mu           sync.Mutex
	listener     net.Listener
	shutdownOnce sync.Once
}

// ServerConfig configures the metrics HTTP server.
type ServerConfig struct {
	// Host to bind. Empty binds all interfaces.
	Host string

	// Port to bind. Zero selects DefaultPort.
	Port int
}

// NewServer creates a stopped metrics server. Call Start to bind and serve.
func NewServer(config ServerConfig) *Server {
	if config.Port == 0 {
		config.Port = DefaultPort
	}

	mux := http.NewServeMux()
	if reg := GetRegistry(); reg != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
			EnableOpenMetrics: true,
		}))
	} else {
		mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics collection is disabled", http.StatusServiceUnavailable)
		})
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = fmt.Fprintln(w, "ok")
	})

	return &Server{
		addr: net.JoinHostPort(config.Host, strconv.Itoa(config.Port)),
		server: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
	}
}

// Start binds the listener and serves until ctx is cancelled.
//
// Bind failures are returned immediately. Cancellation triggers a graceful
// shutdown bounded by a few seconds.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("metrics server failed to listen on %s: %w", s.addr, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	logger.Info("Metrics server listening on %s", ln.Addr())

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return s.Stop(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server failed: %w", err)
	}
}

// Stop shuts the server down. Extra calls are no-ops.
func (s *Server) Stop(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		if err := s.server.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("metrics server shutdown error: %w", err)
			logger.Error("Metrics server shutdown error: %v", err)
			return
		}
		logger.Debug("Metrics server stopped")
	})
	return shutdownErr
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Port returns the bound port, or the configured one before Start.
func (s *Server) Port() int {
	if addr, ok := s.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	_, port, _ := net.SplitHostPort(s.addr)
	n, _ := strconv.Atoi(port)
	return n
}

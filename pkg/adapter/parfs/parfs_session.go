package parfs

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/marmos91/parfs/internal/logger"
	"github.com/marmos91/parfs/internal/protocol/message"
)

// Reply texts sent to clients.
const (
	msgGenericError = "There was an error at the server. Please try again!"
	msgDropped      = "The server has been dropped, and you are now disconnected."
	msgUnsupported  = "Unsupported request"
)

// notifyTimeout bounds the best-effort write of the dropped notification.
const notifyTimeout = time.Second

type sessionState int

const (
	stateAccepting sessionState = iota
	stateMigrating
	stateActive
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateAccepting:
		return "accepting"
	case stateMigrating:
		return "migrating"
	case stateActive:
		return "active"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ParfsSession serves one client from handshake to disconnect.
//
// A session is owned by the worker goroutine running it; only the deadline
// bookkeeping is shared with the shutdown watcher.
type ParfsSession struct {
	server *ParfsAdapter
	id     string
	conn   net.Conn
	log    *logger.Logger

	state sessionState

	// cwd is the canonical current directory, always inside home.
	cwd string

	// mu guards stopping against concurrent deadline updates.
	mu       sync.Mutex
	stopping bool
}

// NewParfsSession wraps a freshly accepted connection.
func NewParfsSession(server *ParfsAdapter, conn net.Conn) *ParfsSession {
	id := uuid.NewString()
	return &ParfsSession{
		server: server,
		id:     id,
		conn:   conn,
		log:    logger.With("session", id, "client", conn.RemoteAddr().String()),
		state:  stateAccepting,
	}
}

// ID returns the session identifier used in logs.
func (s *ParfsSession) ID() string {
	return s.id
}

// Serve migrates the client to port, sends the welcome message and handles
// requests until the client disconnects, the connection fails or ctx is
// cancelled.
//
// Panics are recovered here so the worker running the session survives.
// Serve always closes the connection before returning.
func (s *ParfsSession) Serve(ctx context.Context, port int) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("Panic in session handler: %v", r)
			s.notifyDropped()
		}
		s.close()
	}()

	if err := s.migrate(ctx, port); err != nil {
		s.log.Warn("Migration to port %d failed: %v", port, err)
		s.server.metrics.RecordSessionRejected("migrate")
		return
	}

	stop := context.AfterFunc(ctx, s.interrupt)
	defer stop()

	s.cwd = s.server.root.Home()
	s.state = stateActive
	if err := message.WriteMessage(s.conn, message.KindSuccess, s.server.root.Display(s.cwd)); err != nil {
		s.log.Debug("Failed to send welcome: %v", err)
		return
	}
	s.log.Info("Session started on port %d", port)

	s.serveRequests(ctx)
}

// migrate moves the client from the acceptor connection to a private
// connection on port.
//
// The listener is bound before the port is announced so a prompt client
// never finds it closed.
func (s *ParfsSession) migrate(ctx context.Context, port int) error {
	s.state = stateMigrating

	addr := net.JoinHostPort(s.server.config.listenHost(), strconv.Itoa(port))
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	defer func() { _ = ln.Close() }()

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	if d := s.server.config.MigrateTimeout; d > 0 {
		if tl, ok := ln.(*net.TCPListener); ok {
			_ = tl.SetDeadline(time.Now().Add(d))
		}
	}

	if err := message.WritePort(s.conn, int32(port)); err != nil {
		return err
	}

	migrated, err := ln.Accept()
	if err != nil {
		return fmt.Errorf("accept on %s: %w", addr, err)
	}

	_ = s.conn.Close()
	s.conn = migrated
	s.server.trackConn(s.id, migrated)
	s.log.Debug("Client migrated to %s", migrated.LocalAddr())
	return nil
}

// serveRequests is the Active state loop.
func (s *ParfsSession) serveRequests(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			s.log.Debug("Session closed due to server shutdown")
			s.notifyDropped()
			return
		}

		s.armReadDeadline()
		hdr, err := message.ReadHeader(s.conn)
		if err != nil {
			s.handleReadError(ctx, err)
			return
		}

		if err := s.dispatch(hdr); err != nil {
			switch {
			case message.IsStreamClosed(err):
				s.log.Debug("Client disconnected mid-request")
			case ctx.Err() != nil:
				s.log.Debug("Session closed due to server shutdown: %v", err)
				s.notifyDropped()
			default:
				s.log.Debug("Session ended: %v", err)
			}
			return
		}
	}
}

// handleReadError classifies a failed request read. The stream position is
// unknown afterwards, so every case ends the session.
func (s *ParfsSession) handleReadError(ctx context.Context, err error) {
	var netErr net.Error
	switch {
	case message.IsStreamClosed(err):
		s.log.Debug("Client disconnected")
	case ctx.Err() != nil:
		s.log.Debug("Session closed due to server shutdown")
		s.notifyDropped()
	case errors.Is(err, message.ErrUnknownKind), errors.Is(err, message.ErrMalformedHeader):
		s.log.Warn("Protocol error: %v", err)
	case errors.As(err, &netErr) && netErr.Timeout():
		s.log.Debug("Session idle for %v", s.server.config.IdleTimeout)
		s.notifyDropped()
	default:
		s.log.Debug("Error reading request: %v", err)
		_ = s.replyError(msgGenericError)
	}
}

// dispatch runs the handler registered for hdr.Kind and records metrics.
func (s *ParfsSession) dispatch(hdr *message.Header) error {
	// Requests carry no payload of their own; skip any so the next header
	// is read from the right offset. Upload content arrives in a separate
	// File message.
	if hdr.PayloadLength > 0 {
		if err := message.DiscardPayload(s.conn, hdr.PayloadLength); err != nil {
			return fmt.Errorf("discard payload of %s: %w", hdr.Kind, err)
		}
	}

	info, ok := requestDispatchTable[hdr.Kind]
	if !ok {
		s.log.Debug("Unsupported request %s", hdr)
		return s.replyError(msgUnsupported)
	}

	s.log.Debug("%s %q", info.Name, hdr.Argument)
	start := time.Now()
	err := info.Handler(s, hdr)
	duration := time.Since(start)

	var rerr *requestError
	if errors.As(err, &rerr) {
		s.server.metrics.RecordRequest(info.Name, duration, rerr)
		s.log.Debug("%s %q failed: %v", info.Name, hdr.Argument, rerr)
		return s.replyError(rerr.Message)
	}

	s.server.metrics.RecordRequest(info.Name, duration, err)
	return err
}

// interrupt unblocks a pending read so the session can notice shutdown.
func (s *ParfsSession) interrupt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopping = true
	_ = s.conn.SetReadDeadline(time.Now())
}

// armReadDeadline applies the idle timeout before waiting for a request.
func (s *ParfsSession) armReadDeadline() {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deadline time.Time
	switch {
	case s.stopping:
		deadline = time.Now()
	case s.server.config.IdleTimeout > 0:
		deadline = time.Now().Add(s.server.config.IdleTimeout)
	}
	if err := s.conn.SetReadDeadline(deadline); err != nil {
		s.log.Warn("Failed to set read deadline: %v", err)
	}
}

// clearReadDeadline removes the idle timeout while a transfer is running.
func (s *ParfsSession) clearReadDeadline() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.stopping {
		_ = s.conn.SetReadDeadline(time.Time{})
	}
}

// reply writes a message without payload.
func (s *ParfsSession) reply(kind message.Kind, argument string) error {
	if err := message.WriteMessage(s.conn, kind, argument); err != nil {
		return fmt.Errorf("send %s reply: %w", kind, err)
	}
	return nil
}

func (s *ParfsSession) replySuccess(argument string) error {
	return s.reply(message.KindSuccess, argument)
}

func (s *ParfsSession) replyError(argument string) error {
	return s.reply(message.KindError, argument)
}

// notifyDropped tells the client it is being disconnected. Failures are
// ignored.
func (s *ParfsSession) notifyDropped() {
	if s.state != stateActive {
		return
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(notifyTimeout))
	if err := message.WriteMessage(s.conn, message.KindError, msgDropped); err != nil {
		s.log.Debug("Failed to notify client of disconnect: %v", err)
	}
}

func (s *ParfsSession) close() {
	s.state = stateClosed
	if tc, ok := s.conn.(*net.TCPConn); ok {
		_ = tc.CloseWrite()
		_ = tc.CloseRead()
	}
	_ = s.conn.Close()
}

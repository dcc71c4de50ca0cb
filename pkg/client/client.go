// Package client implements the client side of the parfs protocol.
//
// A Session connects to a server, follows the port migration handshake and
// then maps each command onto one request/reply exchange:
//
//	s, err := client.Dial(ctx, "127.0.0.1:12800", client.Options{})
//	if err != nil {
//	    return err
//	}
//	defer s.Close()
//
//	if err := s.Mkdir("reports"); err != nil {
//	    return err
//	}
//	listing, err := s.Ls()
//
// Failures reported by the server are returned as *RemoteError; failures
// detected locally as *ClientError.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/marmos91/parfs/internal/protocol/message"
)

// Defaults applied to zero Options fields.
const (
	DefaultConnectTimeout = 30 * time.Second
	DefaultConnectRetries = 50
	DefaultRetryInterval  = 100 * time.Millisecond
)

// Options configures a Session.
type Options struct {
	// ConnectTimeout bounds each dial and the handshake reads.
	ConnectTimeout time.Duration

	// ConnectRetries is the number of attempts to reach the private port.
	ConnectRetries int

	// RetryInterval is the pause between attempts.
	RetryInterval time.Duration

	// BufferSize is the chunk size for file transfers.
	BufferSize int
}

func (o *Options) applyDefaults() {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.ConnectRetries <= 0 {
		o.ConnectRetries = DefaultConnectRetries
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = DefaultRetryInterval
	}
	if o.BufferSize <= 0 {
		o.BufferSize = message.DefaultBufferSize
	}
}

// ProgressFunc reports transfer progress after every chunk.
type ProgressFunc func(done, total uint64)

// Status describes the session for display.
type Status struct {
	Connected   bool
	Address     string
	SessionAddr string
	Cwd         string
}

// Session is one client connection. It is not safe for concurrent use.
type Session struct {
	opts Options
	conn net.Conn
	addr string
	cwd  string
	buf  []byte
}

// New creates a disconnected session.
func New(opts Options) *Session {
	opts.applyDefaults()
	return &Session{opts: opts}
}

// Dial creates a session and connects it to addr.
func Dial(ctx context.Context, addr string, opts Options) (*Session, error) {
	s := New(opts)
	if err := s.Connect(ctx, addr); err != nil {
		return nil, err
	}
	return s, nil
}

// ParseAddress validates a host:port server address.
func ParseAddress(addr string) (host string, port int, err error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, &ClientError{Kind: KindInvalidAddress, Detail: addr, Err: err}
	}
	port, err = strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, &ClientError{Kind: KindInvalidAddress, Detail: addr}
	}
	if host == "" {
		return "", 0, &ClientError{Kind: KindInvalidAddress, Detail: addr}
	}
	return host, port, nil
}

// Connect performs the handshake with the server at addr: it reads the
// private port from the first connection, reconnects to it (retrying while
// the server's listener comes up) and reads the welcome message.
//
// An existing connection is closed first.
func (s *Session) Connect(ctx context.Context, addr string) error {
	host, _, err := ParseAddress(addr)
	if err != nil {
		return err
	}

	_ = s.Close()

	dialer := net.Dialer{Timeout: s.opts.ConnectTimeout}
	first, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return &ClientError{Kind: KindNotConnected, Err: err}
	}
	defer func() { _ = first.Close() }()

	_ = first.SetReadDeadline(time.Now().Add(s.opts.ConnectTimeout))
	port, err := message.ReadPort(first)
	if err != nil {
		return &ClientError{Kind: KindNotConnected, Err: fmt.Errorf("read session port: %w", err)}
	}

	conn, err := s.dialRetry(ctx, &dialer, net.JoinHostPort(host, strconv.Itoa(int(port))))
	if err != nil {
		return &ClientError{Kind: KindNotConnected, Err: err}
	}

	_ = conn.SetReadDeadline(time.Now().Add(s.opts.ConnectTimeout))
	welcome, err := message.ReadHeader(conn)
	if err != nil {
		_ = conn.Close()
		return &ClientError{Kind: KindNotConnected, Err: fmt.Errorf("read welcome: %w", err)}
	}
	_ = conn.SetReadDeadline(time.Time{})

	switch welcome.Kind {
	case message.KindSuccess:
	case message.KindError:
		_ = conn.Close()
		return &RemoteError{Op: "connect", Message: welcome.Argument}
	default:
		_ = conn.Close()
		return &ClientError{Kind: KindProtocol, Detail: welcome.Kind.String()}
	}

	s.conn = conn
	s.addr = addr
	s.cwd = welcome.Argument
	return nil
}

func (s *Session) dialRetry(ctx context.Context, dialer *net.Dialer, addr string) (net.Conn, error) {
	var lastErr error
	for attempt := 1; attempt <= s.opts.ConnectRetries; attempt++ {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn, nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.opts.RetryInterval):
		}
	}
	return nil, fmt.Errorf("connect to %s after %d attempts: %w", addr, s.opts.ConnectRetries, lastErr)
}

// Connected reports whether the session has a live connection.
func (s *Session) Connected() bool {
	return s.conn != nil
}

// Cwd returns the working directory as displayed by the server.
func (s *Session) Cwd() string {
	return s.cwd
}

// Status returns a snapshot of the session.
func (s *Session) Status() Status {
	st := Status{Connected: s.conn != nil, Address: s.addr, Cwd: s.cwd}
	if s.conn != nil {
		st.SessionAddr = s.conn.RemoteAddr().String()
	}
	return st
}

// Close closes the connection. Closing a disconnected session is a no-op.
func (s *Session) Close() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	s.cwd = ""
	return err
}

// Cd changes the remote working directory and returns its display form.
func (s *Session) Cd(dir string) (string, error) {
	reply, err := s.roundTrip("cd", message.KindCd, dir)
	if err != nil {
		return "", err
	}
	s.cwd = reply
	return reply, nil
}

// Ls returns the listing of the remote working directory: one entry per
// line, directories suffixed with "/".
func (s *Session) Ls() (string, error) {
	return s.roundTrip("ls", message.KindLs, "")
}

// Mkdir creates a remote directory.
func (s *Session) Mkdir(name string) error {
	_, err := s.roundTrip("mkdir", message.KindMkdir, name)
	return err
}

// Up uploads the local file to remote.
func (s *Session) Up(local, remote string, progress ProgressFunc) error {
	if s.conn == nil {
		return ErrNotConnected
	}

	f, err := os.Open(local)
	if err != nil {
		return &ClientError{Kind: KindLocalFile, Detail: local, Err: err}
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return &ClientError{Kind: KindLocalFile, Detail: local, Err: err}
	}
	if !info.Mode().IsRegular() {
		return &ClientError{Kind: KindLocalFile, Detail: local}
	}

	if _, err := s.roundTrip("up", message.KindUp, remote); err != nil {
		return err
	}

	if err := message.WriteFile(s.conn, f, uint64(info.Size()), s.buffer(), message.ProgressFunc(progress)); err != nil {
		return s.lost(err)
	}

	_, err = s.readReply("up")
	return err
}

// Down downloads remote into dest and returns the local path written.
//
// dest may be an existing directory, in which case the file keeps its
// remote base name, or a file path whose parent directory exists. The
// destination is checked and its temporary file created before anything
// is sent, so an unwritable destination fails without a transfer.
func (s *Session) Down(remote, dest string, progress ProgressFunc) (string, error) {
	if s.conn == nil {
		return "", ErrNotConnected
	}

	target, err := ResolveDestination(remote, dest)
	if err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), "."+filepath.Base(target)+".part-*")
	if err != nil {
		return "", &ClientError{Kind: KindWrite, Detail: target, Err: err}
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	if err := message.WriteMessage(s.conn, message.KindDown, remote); err != nil {
		return "", s.lost(err)
	}
	hdr, err := message.ReadHeader(s.conn)
	if err != nil {
		return "", s.lost(err)
	}

	switch hdr.Kind {
	case message.KindFile:
	case message.KindError:
		return "", s.remote("down", hdr.Argument)
	default:
		return "", s.unexpected(hdr)
	}

	if err := s.receiveFile(tmp, target, hdr.PayloadLength, progress); err != nil {
		return "", err
	}
	return target, nil
}

// receiveFile stores n payload bytes into tmp and renames it to target,
// so an interrupted download leaves no partial file.
func (s *Session) receiveFile(tmp *os.File, target string, n uint64, progress ProgressFunc) error {
	consumed, err := message.CopyPayload(tmp, s.conn, n, s.buffer(), message.ProgressFunc(progress))
	closeErr := tmp.Close()

	if err != nil {
		if !errors.Is(err, message.ErrPayloadWrite) {
			return s.lost(err)
		}
		if derr := message.DiscardPayload(s.conn, n-consumed); derr != nil {
			return s.lost(derr)
		}
		return &ClientError{Kind: KindWrite, Detail: target, Err: err}
	}
	if closeErr != nil {
		return &ClientError{Kind: KindWrite, Detail: target, Err: closeErr}
	}

	if err := os.Rename(tmp.Name(), target); err != nil {
		return &ClientError{Kind: KindWrite, Detail: target, Err: err}
	}
	return nil
}

// ResolveDestination decides where a download of remote into dest is
// written.
//
// An existing directory receives the file under the remote base name. Any
// other destination must have an existing parent directory and must not
// itself be a directory.
func ResolveDestination(remote, dest string) (string, error) {
	base := path.Base(filepath.ToSlash(strings.TrimRight(remote, `/\`)))
	if base == "." || base == "/" || base == ".." || base == "" {
		return "", &ClientError{Kind: KindDestination, Detail: remote}
	}

	if dest == "" {
		dest = "."
	}

	info, err := os.Stat(dest)
	switch {
	case err == nil && info.IsDir():
		target := filepath.Join(dest, base)
		if ti, err := os.Stat(target); err == nil && ti.IsDir() {
			return "", &ClientError{Kind: KindDestination, Detail: target}
		}
		return target, nil

	case err == nil:
		if !info.Mode().IsRegular() {
			return "", &ClientError{Kind: KindDestination, Detail: dest}
		}
		return dest, nil

	case !errors.Is(err, os.ErrNotExist):
		return "", &ClientError{Kind: KindDestination, Detail: dest, Err: err}
	}

	// A missing path named like a directory cannot be created by a download.
	if strings.HasSuffix(dest, "/") || strings.HasSuffix(dest, string(filepath.Separator)) {
		return "", &ClientError{Kind: KindDestination, Detail: dest}
	}

	parent, err := os.Stat(filepath.Dir(dest))
	if err != nil || !parent.IsDir() {
		return "", &ClientError{Kind: KindDestination, Detail: dest, Err: err}
	}
	return dest, nil
}

// roundTrip sends a request without payload and waits for its Success
// reply, returning the reply argument.
func (s *Session) roundTrip(op string, kind message.Kind, argument string) (string, error) {
	if s.conn == nil {
		return "", ErrNotConnected
	}

	if err := message.WriteMessage(s.conn, kind, argument); err != nil {
		return "", s.lost(err)
	}
	return s.readReply(op)
}

// readReply reads a Success or Error reply.
func (s *Session) readReply(op string) (string, error) {
	hdr, err := message.ReadHeader(s.conn)
	if err != nil {
		return "", s.lost(err)
	}

	switch hdr.Kind {
	case message.KindSuccess:
		return hdr.Argument, nil
	case message.KindError:
		return "", s.remote(op, hdr.Argument)
	default:
		return "", s.unexpected(hdr)
	}
}

// remote builds a RemoteError and drops the connection if the server
// announced the disconnect.
func (s *Session) remote(op, text string) error {
	rerr := &RemoteError{Op: op, Message: text}
	if rerr.Dropped() {
		_ = s.Close()
	}
	return rerr
}

// unexpected skips an unexpected message and reports a protocol error.
func (s *Session) unexpected(hdr *message.Header) error {
	if err := message.DiscardPayload(s.conn, hdr.PayloadLength); err != nil {
		return s.lost(err)
	}
	return &ClientError{Kind: KindProtocol, Detail: hdr.Kind.String()}
}

// lost drops a connection whose stream can no longer be trusted.
func (s *Session) lost(err error) error {
	_ = s.Close()
	if message.IsStreamClosed(err) {
		return &ClientError{Kind: KindNotConnected, Err: err}
	}
	return &ClientError{Kind: KindIO, Err: err}
}

func (s *Session) buffer() []byte {
	if s.buf == nil {
		s.buf = make([]byte, s.opts.BufferSize)
	}
	return s.buf
}

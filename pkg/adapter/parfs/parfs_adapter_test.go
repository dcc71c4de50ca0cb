package parfs

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	mrand "math/rand"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/marmos91/parfs/internal/protocol/message"
	"github.com/marmos91/parfs/pkg/client"
	"github.com/marmos91/parfs/pkg/lockregistry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// freePortRange finds n consecutive ports that can currently be bound.
func freePortRange(t *testing.T, n int) PortRange {
	t.Helper()

	for attempt := 0; attempt < 50; attempt++ {
		base := 20000 + mrand.Intn(40000)
		free := true
		for p := base; p < base+n; p++ {
			ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(p)))
			if err != nil {
				free = false
				break
			}
			_ = ln.Close()
		}
		if free {
			return PortRange{First: base, Last: base + n - 1}
		}
	}
	t.Fatalf("no free range of %d ports found", n)
	return PortRange{}
}

type testServer struct {
	adapter *ParfsAdapter
	home    string
	addr    string
	cancel  context.CancelFunc

	// done is closed when Serve returns; serveErr holds its result.
	done     chan struct{}
	serveErr error
}

func startServer(t *testing.T, workers int, configure func(cfg *ParfsConfig), locks *lockregistry.Registry) *testServer {
	t.Helper()

	home := t.TempDir()
	cfg := ParfsConfig{
		ListenAddress:   "127.0.0.1:0",
		Home:            home,
		Ports:           freePortRange(t, workers),
		MigrateTimeout:  5 * time.Second,
		ShutdownTimeout: 2 * time.Second,
		BufferSize:      64 << 10,
	}
	if configure != nil {
		configure(&cfg)
	}

	adapter := New(cfg, nil)
	if locks != nil {
		adapter.SetLocks(locks)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ts := &testServer{
		adapter: adapter,
		home:    home,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go func() {
		ts.serveErr = adapter.Serve(ctx)
		close(ts.done)
	}()

	select {
	case <-adapter.Ready():
	case <-ts.done:
		cancel()
		t.Fatalf("server failed to start: %v", ts.serveErr)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("server did not become ready")
	}

	ts.addr = adapter.Addr().String()
	t.Cleanup(func() { ts.stop(t) })
	return ts
}

func (ts *testServer) stop(t *testing.T) {
	ts.cancel()
	select {
	case <-ts.done:
	case <-time.After(10 * time.Second):
		t.Error("server did not stop")
	}
}

func (ts *testServer) dial(t *testing.T) *client.Session {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := client.Dial(ctx, ts.addr, client.Options{
		ConnectTimeout: 5 * time.Second,
		RetryInterval:  10 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// dialRaw performs the handshake by hand and returns the session
// connection after the welcome message.
func (ts *testServer) dialRaw(t *testing.T) net.Conn {
	t.Helper()

	first, err := net.DialTimeout("tcp", ts.addr, 5*time.Second)
	require.NoError(t, err)
	defer func() { _ = first.Close() }()

	_ = first.SetReadDeadline(time.Now().Add(5 * time.Second))
	port, err := message.ReadPort(first)
	require.NoError(t, err)

	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(int(port))), 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	welcome, err := message.ReadHeader(conn)
	require.NoError(t, err)
	require.Equal(t, message.KindSuccess, welcome.Kind)
	return conn
}

func remoteMessage(t *testing.T, err error) string {
	t.Helper()
	var rerr *client.RemoteError
	require.ErrorAs(t, err, &rerr)
	return rerr.Message
}

func TestWelcomeReportsHome(t *testing.T) {
	ts := startServer(t, 2, nil, nil)
	s := ts.dial(t)

	assert.Equal(t, "~/", s.Cwd())
	assert.Equal(t, "parfs", ts.adapter.Protocol())
	assert.NotZero(t, ts.adapter.Port())
}

func TestMkdirThenLs(t *testing.T) {
	ts := startServer(t, 2, nil, nil)
	s := ts.dial(t)

	require.NoError(t, s.Mkdir("foo"))

	listing, err := s.Ls()
	require.NoError(t, err)
	assert.Equal(t, "foo/", listing)

	info, err := os.Stat(filepath.Join(ts.home, "foo"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	err = s.Mkdir("foo")
	assert.Equal(t, "Cannot create directory foo: file exists", remoteMessage(t, err))
	assert.True(t, s.Connected())
}

func TestMkdirNameResolution(t *testing.T) {
	ts := startServer(t, 2, nil, nil)
	require.NoError(t, os.Mkdir(filepath.Join(ts.home, "sub"), 0o755))

	s := ts.dial(t)

	t.Run("LeadingSeparatorIsRelative", func(t *testing.T) {
		_, err := s.Cd("sub")
		require.NoError(t, err)
		t.Cleanup(func() { _, _ = s.Cd("..") })

		require.NoError(t, s.Mkdir("/foo"))

		info, err := os.Stat(filepath.Join(ts.home, "sub", "foo"))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
		_, err = os.Stat(filepath.Join(ts.home, "foo"))
		assert.True(t, os.IsNotExist(err), "leading separator must not resolve against home")
	})

	t.Run("OutsideHome", func(t *testing.T) {
		err := s.Mkdir("../x")
		assert.Equal(t, "Invalid path: ../x", remoteMessage(t, err))

		_, err = os.Stat(filepath.Join(filepath.Dir(ts.home), "x"))
		assert.True(t, os.IsNotExist(err), "nothing may be created outside home")
		assert.True(t, s.Connected())
	})
}

func TestLsSortedAndIdempotent(t *testing.T) {
	ts := startServer(t, 2, nil, nil)
	require.NoError(t, os.WriteFile(filepath.Join(ts.home, "b.txt"), []byte("b"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(ts.home, "a"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(ts.home, "c.txt"), nil, 0o644))

	s := ts.dial(t)

	first, err := s.Ls()
	require.NoError(t, err)
	assert.Equal(t, "a/\nb.txt\nc.txt", first)

	second, err := s.Ls()
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestCdNavigation(t *testing.T) {
	ts := startServer(t, 2, nil, nil)
	require.NoError(t, os.MkdirAll(filepath.Join(ts.home, "sub", "deeper"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(ts.home, "file.txt"), []byte("x"), 0o644))

	s := ts.dial(t)

	cwd, err := s.Cd("sub")
	require.NoError(t, err)
	assert.Equal(t, "~/sub/", cwd)

	cwd, err = s.Cd("deeper")
	require.NoError(t, err)
	assert.Equal(t, "~/sub/deeper/", cwd)

	cwd, err = s.Cd("../..")
	require.NoError(t, err)
	assert.Equal(t, "~/", cwd)

	tests := []struct {
		name    string
		dir     string
		message string
	}{
		{"EscapeHome", "../../..", "Invalid path: ../../.."},
		{"Missing", "nope", "Cannot access nope: no such file or directory"},
		{"RegularFile", "file.txt", "Cannot access file.txt: not a directory"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Cd(tt.dir)
			assert.Equal(t, tt.message, remoteMessage(t, err))
			assert.Equal(t, "~/", s.Cwd(), "failed cd must not move the session")
		})
	}
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	ts := startServer(t, 2, nil, nil)
	s := ts.dial(t)

	data := make([]byte, 5<<20)
	_, err := rand.Read(data)
	require.NoError(t, err)

	local := filepath.Join(t.TempDir(), "big.bin")
	require.NoError(t, os.WriteFile(local, data, 0o644))

	var progressed uint64
	require.NoError(t, s.Up(local, "big.bin", func(done, total uint64) {
		progressed = done
		assert.Equal(t, uint64(len(data)), total)
	}))
	assert.Equal(t, uint64(len(data)), progressed)

	stored, err := os.ReadFile(filepath.Join(ts.home, "big.bin"))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, stored), "server copy differs")

	dest := t.TempDir()
	target, err := s.Down("big.bin", dest, nil)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dest, "big.bin"), target)

	fetched, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, fetched), "downloaded copy differs")

	assert.Eventually(t, func() bool { return ts.adapter.locks.Len() == 0 }, 5*time.Second, 5*time.Millisecond,
		"lock entries must be released")
}

func TestUploadOverwritesExistingFile(t *testing.T) {
	ts := startServer(t, 2, nil, nil)
	require.NoError(t, os.WriteFile(filepath.Join(ts.home, "f.txt"), []byte("a much longer original body"), 0o644))

	s := ts.dial(t)
	local := filepath.Join(t.TempDir(), "f.txt")
	require.NoError(t, os.WriteFile(local, []byte("short"), 0o644))

	require.NoError(t, s.Up(local, "f.txt", nil))

	stored, err := os.ReadFile(filepath.Join(ts.home, "f.txt"))
	require.NoError(t, err)
	assert.Equal(t, "short", string(stored))
}

func TestEmptyFileTransfer(t *testing.T) {
	ts := startServer(t, 2, nil, nil)
	s := ts.dial(t)

	local := filepath.Join(t.TempDir(), "empty")
	require.NoError(t, os.WriteFile(local, nil, 0o644))
	require.NoError(t, s.Up(local, "empty", nil))

	target, err := s.Down("empty", t.TempDir(), nil)
	require.NoError(t, err)

	info, err := os.Stat(target)
	require.NoError(t, err)
	assert.Zero(t, info.Size())
}

func TestTransferErrors(t *testing.T) {
	ts := startServer(t, 2, nil, nil)
	require.NoError(t, os.Mkdir(filepath.Join(ts.home, "dir"), 0o755))

	s := ts.dial(t)
	local := filepath.Join(t.TempDir(), "f.txt")
	require.NoError(t, os.WriteFile(local, []byte("x"), 0o644))

	t.Run("DownMissing", func(t *testing.T) {
		_, err := s.Down("nope", t.TempDir(), nil)
		assert.Equal(t, "Cannot access nope: no such file or directory", remoteMessage(t, err))
	})

	t.Run("DownDirectory", func(t *testing.T) {
		_, err := s.Down("dir", t.TempDir(), nil)
		assert.Equal(t, "Cannot access dir: not a regular file", remoteMessage(t, err))
	})

	t.Run("UpOntoDirectory", func(t *testing.T) {
		err := s.Up(local, "dir", nil)
		assert.Equal(t, "Invalid path: dir", remoteMessage(t, err))
	})

	t.Run("UpOutsideHome", func(t *testing.T) {
		err := s.Up(local, "../escape.txt", nil)
		assert.Equal(t, "Invalid path: ../escape.txt", remoteMessage(t, err))
	})

	assert.True(t, s.Connected())
	_, err := s.Ls()
	assert.NoError(t, err, "session must stay usable after failed transfers")
}

func TestDownloadWaitsForWriter(t *testing.T) {
	locks := lockregistry.New()
	defer func() { _ = locks.Close() }()

	ts := startServer(t, 2, nil, locks)
	path := filepath.Join(ts.home, "shared.bin")
	require.NoError(t, os.WriteFile(path, []byte("old"), 0o644))

	s := ts.dial(t)

	h, err := locks.Acquire(path, lockregistry.Write)
	require.NoError(t, err)

	w, err := h.Writer()
	require.NoError(t, err)
	_, err = w.Write([]byte("new contents"))
	require.NoError(t, err)

	done := make(chan error, 1)
	dest := t.TempDir()
	go func() {
		_, err := s.Down("shared.bin", dest, nil)
		done <- err
	}()

	require.Eventually(t, func() bool { return locks.Owners(path) == 2 }, 5*time.Second, 5*time.Millisecond,
		"download should be queued on the lock")

	select {
	case err := <-done:
		t.Fatalf("download finished while the writer held the lock: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, h.Release())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("download did not complete after the writer released")
	}

	fetched, err := os.ReadFile(filepath.Join(dest, "shared.bin"))
	require.NoError(t, err)
	assert.Equal(t, "new contents", string(fetched), "reader must observe the completed write")
}

func TestConcurrentSessions(t *testing.T) {
	ts := startServer(t, 4, nil, nil)

	sessions := make([]*client.Session, 4)
	for i := range sessions {
		sessions[i] = ts.dial(t)
	}

	for i, s := range sessions {
		require.NoError(t, s.Mkdir("dir"+strconv.Itoa(i)))
	}

	assert.Eventually(t, func() bool { return ts.adapter.GetActiveSessions() == 4 }, 5*time.Second, 5*time.Millisecond)

	listing, err := sessions[0].Ls()
	require.NoError(t, err)
	assert.Equal(t, "dir0/\ndir1/\ndir2/\ndir3/", listing)
}

func TestUnsupportedRequest(t *testing.T) {
	ts := startServer(t, 2, nil, nil)
	conn := ts.dialRaw(t)

	require.NoError(t, message.WriteMessage(conn, message.KindLogin, "user"))
	reply, err := message.ReadHeader(conn)
	require.NoError(t, err)
	assert.Equal(t, message.KindError, reply.Kind)
	assert.Equal(t, "Unsupported request", reply.Argument)

	// A stray File message has its payload skipped.
	require.NoError(t, message.WriteHeader(conn, message.KindFile, "", 3))
	_, err = conn.Write([]byte("abc"))
	require.NoError(t, err)
	reply, err = message.ReadHeader(conn)
	require.NoError(t, err)
	assert.Equal(t, "Unsupported request", reply.Argument)

	require.NoError(t, message.WriteMessage(conn, message.KindLs, ""))
	reply, err = message.ReadHeader(conn)
	require.NoError(t, err)
	assert.Equal(t, message.KindSuccess, reply.Kind)
}

func TestRequestPayloadIsSkipped(t *testing.T) {
	ts := startServer(t, 2, nil, nil)
	conn := ts.dialRaw(t)

	require.NoError(t, message.WriteHeader(conn, message.KindMkdir, "a", 4))
	_, err := conn.Write([]byte("junk"))
	require.NoError(t, err)
	require.NoError(t, message.WriteMessage(conn, message.KindLs, ""))

	reply, err := message.ReadHeader(conn)
	require.NoError(t, err)
	assert.Equal(t, message.KindSuccess, reply.Kind)

	reply, err = message.ReadHeader(conn)
	require.NoError(t, err)
	assert.Equal(t, message.KindSuccess, reply.Kind)
	assert.Equal(t, "a/", reply.Argument)
}

// abortUpload starts an upload of name announcing size bytes, sends only
// part of them and drops the connection.
func abortUpload(t *testing.T, ts *testServer, name string, size uint64) {
	t.Helper()

	conn := ts.dialRaw(t)
	require.NoError(t, message.WriteMessage(conn, message.KindUp, name))
	reply, err := message.ReadHeader(conn)
	require.NoError(t, err)
	require.Equal(t, message.KindSuccess, reply.Kind)

	require.NoError(t, message.WriteHeader(conn, message.KindFile, "", size))
	_, err = conn.Write([]byte("partial"))
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	assert.Eventually(t, func() bool {
		return ts.adapter.locks.Len() == 0 && ts.adapter.GetActiveSessions() == 0
	}, 5*time.Second, 5*time.Millisecond, "aborted upload must release its lock")
}

func TestInterruptedUploadKeepsPreviousContent(t *testing.T) {
	ts := startServer(t, 2, nil, nil)
	path := filepath.Join(ts.home, "f.txt")
	require.NoError(t, os.WriteFile(path, []byte("previous"), 0o644))

	abortUpload(t, ts, "f.txt", 1024)

	stored, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "previous", string(stored))

	entries, err := os.ReadDir(ts.home)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no staged file may remain")
}

func TestInterruptedUploadOfNewFileLeavesNothing(t *testing.T) {
	ts := startServer(t, 2, nil, nil)

	abortUpload(t, ts, "new.txt", 1024)

	entries, err := os.ReadDir(ts.home)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestUnknownKindClosesSession(t *testing.T) {
	ts := startServer(t, 2, nil, nil)
	conn := ts.dialRaw(t)

	var raw [message.HeaderSize]byte
	binary.BigEndian.PutUint64(raw[0:8], message.HeaderSize)
	raw[8] = 99
	_, err := conn.Write(raw[:])
	require.NoError(t, err)

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = message.ReadHeader(conn)
	assert.True(t, message.IsStreamClosed(err), "expected closed stream, got %v", err)
}

func TestRejectWhenBusy(t *testing.T) {
	ts := startServer(t, 1, func(cfg *ParfsConfig) {
		cfg.RejectWhenBusy = true
	}, nil)

	first := ts.dial(t)
	require.True(t, first.Connected())
	require.Eventually(t, func() bool { return ts.adapter.GetActiveSessions() == 1 }, 5*time.Second, 5*time.Millisecond)

	conn, err := net.DialTimeout("tcp", ts.addr, 5*time.Second)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = message.ReadPort(conn)
	assert.True(t, message.IsStreamClosed(err), "saturated server must close the connection, got %v", err)

	_, err = first.Ls()
	assert.NoError(t, err)
}

func TestQueuedClientServedWhenWorkerFrees(t *testing.T) {
	ts := startServer(t, 1, nil, nil)

	first := ts.dial(t)
	require.Eventually(t, func() bool { return ts.adapter.GetActiveSessions() == 1 }, 5*time.Second, 5*time.Millisecond)

	connected := make(chan error, 1)
	go func() {
		s, err := client.Dial(context.Background(), ts.addr, client.Options{ConnectTimeout: 10 * time.Second})
		if err == nil {
			_ = s.Close()
		}
		connected <- err
	}()

	select {
	case err := <-connected:
		t.Fatalf("second client served while the only worker was busy: %v", err)
	case <-time.After(200 * time.Millisecond):
	}

	require.NoError(t, first.Close())

	select {
	case err := <-connected:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("queued client was never served")
	}
}

func TestShutdownNotifiesClients(t *testing.T) {
	ts := startServer(t, 2, nil, nil)
	conn := ts.dialRaw(t)

	ts.stop(t)
	assert.NoError(t, ts.serveErr, "graceful shutdown must not report an error")

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	hdr, err := message.ReadHeader(conn)
	require.NoError(t, err)
	assert.Equal(t, message.KindError, hdr.Kind)
	assert.Equal(t, client.ServerDroppedMessage, hdr.Argument)

	assert.NoError(t, ts.adapter.Stop(context.Background()), "Stop after shutdown must be a no-op")
}

func TestIdleTimeoutDropsSession(t *testing.T) {
	ts := startServer(t, 1, func(cfg *ParfsConfig) {
		cfg.IdleTimeout = 100 * time.Millisecond
	}, nil)
	conn := ts.dialRaw(t)

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	hdr, err := message.ReadHeader(conn)
	require.NoError(t, err)
	assert.Equal(t, client.ServerDroppedMessage, hdr.Argument)

	require.Eventually(t, func() bool { return ts.adapter.GetActiveSessions() == 0 }, 5*time.Second, 5*time.Millisecond)
}

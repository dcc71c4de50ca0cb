package server

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/marmos91/parfs/pkg/lockregistry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAdapter blocks in Serve until ctx is cancelled or fail is closed.
type fakeAdapter struct {
	protocol string
	port     int
	serveErr error
	fail     chan struct{}

	mu      sync.Mutex
	locks   *lockregistry.Registry
	stopped int
	started chan struct{}
}

func newFakeAdapter(protocol string, port int) *fakeAdapter {
	return &fakeAdapter{
		protocol: protocol,
		port:     port,
		fail:     make(chan struct{}),
		started:  make(chan struct{}),
	}
}

func (f *fakeAdapter) Serve(ctx context.Context) error {
	close(f.started)
	select {
	case <-ctx.Done():
		return nil
	case <-f.fail:
		return f.serveErr
	}
}

func (f *fakeAdapter) SetLocks(locks *lockregistry.Registry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locks = locks
}

func (f *fakeAdapter) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
	return nil
}

func (f *fakeAdapter) Protocol() string { return f.protocol }
func (f *fakeAdapter) Port() int        { return f.port }

func (f *fakeAdapter) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

func TestAddAdapterInjectsLocks(t *testing.T) {
	locks := lockregistry.New()
	srv := New(locks)

	a := newFakeAdapter("parfs", 12800)
	require.NoError(t, srv.AddAdapter(a))

	assert.Same(t, locks, a.locks)
	assert.Len(t, srv.Adapters(), 1)
	assert.Same(t, locks, srv.Locks())
}

func TestAddAdapterRejectsDuplicates(t *testing.T) {
	srv := New(lockregistry.New())
	require.NoError(t, srv.AddAdapter(newFakeAdapter("parfs", 12800)))

	tests := []struct {
		name    string
		adapter *fakeAdapter
	}{
		{"SameProtocol", newFakeAdapter("parfs", 12900)},
		{"SamePort", newFakeAdapter("other", 12800)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, srv.AddAdapter(tt.adapter))
		})
	}
}

func TestServeWithoutAdapters(t *testing.T) {
	srv := New(lockregistry.New())
	assert.Error(t, srv.Serve(context.Background()))
}

func TestServeStopsOnCancel(t *testing.T) {
	srv := New(lockregistry.New())
	a := newFakeAdapter("parfs", 12800)
	b := newFakeAdapter("other", 12900)
	require.NoError(t, srv.AddAdapter(a))
	require.NoError(t, srv.AddAdapter(b))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	<-a.started
	<-b.started
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}

	assert.Equal(t, 1, a.stopCount())
	assert.Equal(t, 1, b.stopCount())

	assert.ErrorIs(t, srv.Serve(context.Background()), ErrAlreadyServed)
	assert.ErrorIs(t, srv.AddAdapter(newFakeAdapter("late", 1)), ErrAlreadyServed)
}

func TestServeStopsOthersWhenOneFails(t *testing.T) {
	srv := New(lockregistry.New())
	healthy := newFakeAdapter("parfs", 12800)
	broken := newFakeAdapter("broken", 12900)
	broken.serveErr = errors.New("listener exploded")
	require.NoError(t, srv.AddAdapter(healthy))
	require.NoError(t, srv.AddAdapter(broken))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	<-healthy.started
	<-broken.started
	close(broken.fail)

	// The healthy adapter only returns once cancelled, like a real one after Stop.
	require.Eventually(t, func() bool { return healthy.stopCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "broken adapter error")
		assert.Contains(t, err.Error(), "listener exploded")
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after adapter failure")
	}
}

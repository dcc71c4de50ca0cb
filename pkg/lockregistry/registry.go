// Package lockregistry serializes access to files by canonical path.
//
// Each path in use has one entry holding an open *os.File, a reader/writer
// lock and the number of owners (holders plus waiters). Any number of
// readers of a path proceed together, a writer excludes everyone else on
// that path, and distinct paths never block each other.
//
// The table mutex only covers entry bookkeeping. Waiting for a busy file
// happens outside it, so a long transfer on one path never stalls acquires
// of other paths.
//
// Usage:
//
//	reg := lockregistry.New()
//	err := reg.Guard(path, lockregistry.Read, func(h *lockregistry.Handle) error {
//	    r, size, err := h.Reader()
//	    ...
//	})
package lockregistry

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/parfs/internal/sandbox"
)

// Mode selects shared or exclusive access.
type Mode int

const (
	Read Mode = iota
	Write
)

func (m Mode) String() string {
	if m == Write {
		return "write"
	}
	return "read"
}

var (
	// ErrPoisoned is returned when a previous holder of the path panicked.
	// The entry is evicted; a later Acquire starts from a fresh entry.
	ErrPoisoned = errors.New("file lock poisoned")

	// ErrNotHeld is returned when releasing an entry that has no owners.
	ErrNotHeld = errors.New("file lock not held")

	// ErrAlreadyReleased is returned when a handle is released twice.
	ErrAlreadyReleased = errors.New("file lock already released")

	// ErrReadOnly is returned when writing through a read handle.
	ErrReadOnly = errors.New("file lock held for reading")
)

// Observer receives lock statistics. Implementations must be safe for
// concurrent use.
type Observer interface {
	// ObserveLockWait records how long an acquire waited for the file lock.
	ObserveLockWait(mode string, wait time.Duration)

	// SetLockEntries records the number of entries in the table.
	SetLockEntries(n int)
}

type entry struct {
	path     string
	owners   int
	lock     sync.RWMutex
	file     *os.File
	poisoned atomic.Bool

	// created is set when the acquire that made this entry also created the
	// file, until a staged write commits content into it. Guarded by lock.
	created bool
}

// Registry is the path-keyed lock table.
type Registry struct {
	mu       sync.Mutex
	entries  map[string]*entry
	observer Observer
}

// Option configures a Registry.
type Option func(*Registry)

// WithObserver reports lock waits and table size to o.
func WithObserver(o Observer) Option {
	return func(r *Registry) {
		r.observer = o
	}
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Acquire locks path in the given mode and returns the handle to release.
//
// The path is canonicalized first so every spelling of one file shares an
// entry. A missing file is created. Acquire blocks until the lock is
// granted.
//
// Returns an error wrapping ErrPoisoned if the entry for path was poisoned,
// or the error from opening the file.
func (r *Registry) Acquire(path string, mode Mode) (*Handle, error) {
	key, err := sandbox.Canonical(path)
	if err != nil {
		return nil, fmt.Errorf("canonicalize %q: %w", path, err)
	}

	r.mu.Lock()
	e, ok := r.entries[key]
	if ok && e.poisoned.Load() {
		// Current owners keep the orphaned entry and release into it.
		delete(r.entries, key)
		r.reportSizeLocked()
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrPoisoned, key)
	}
	if !ok {
		f, created, err := openOrCreate(key)
		if err != nil {
			r.mu.Unlock()
			return nil, fmt.Errorf("open %s: %w", key, err)
		}
		e = &entry{path: key, file: f, created: created}
		r.entries[key] = e
		r.reportSizeLocked()
	}
	e.owners++
	r.mu.Unlock()

	start := time.Now()
	if mode == Write {
		e.lock.Lock()
	} else {
		e.lock.RLock()
	}
	if r.observer != nil {
		r.observer.ObserveLockWait(mode.String(), time.Since(start))
	}

	h := &Handle{registry: r, entry: e, mode: mode}

	// A holder we waited behind may have panicked.
	if e.poisoned.Load() {
		_ = h.Release()
		r.evict(e)
		return nil, fmt.Errorf("%w: %s", ErrPoisoned, key)
	}

	return h, nil
}

// Guard runs fn while holding path in the given mode and always releases.
//
// A panic inside fn poisons the entry and is returned as an error wrapping
// ErrPoisoned instead of propagating.
func (r *Registry) Guard(path string, mode Mode, fn func(h *Handle) error) (err error) {
	h, err := r.Acquire(path, mode)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			h.Poison()
			err = fmt.Errorf("%w: %s: panic: %v", ErrPoisoned, h.Path(), p)
		}
		if relErr := h.Release(); relErr != nil && err == nil {
			err = relErr
		}
	}()

	return fn(h)
}

// Len returns the number of entries in the table.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Owners returns the owner count of the entry for path, 0 if absent.
func (r *Registry) Owners(path string) int {
	key, err := sandbox.Canonical(path)
	if err != nil {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key]; ok {
		return e.owners
	}
	return 0
}

// Close closes the files of all remaining entries and empties the table.
// Outstanding handles must not be used afterwards.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for key, e := range r.entries {
		if err := e.file.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close %s: %w", key, err)
		}
		delete(r.entries, key)
	}
	r.reportSizeLocked()
	return firstErr
}

// openOrCreate opens path for reading and writing, creating it if missing,
// and reports whether it was created.
func openOrCreate(path string) (*os.File, bool, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err == nil {
		return f, true, nil
	}
	if !errors.Is(err, fs.ErrExist) {
		return nil, false, err
	}
	f, err = os.OpenFile(path, os.O_RDWR, 0)
	return f, false, err
}

func (r *Registry) release(e *entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e.owners <= 0 {
		return fmt.Errorf("%w: %s", ErrNotHeld, e.path)
	}
	e.owners--
	if e.owners > 0 {
		return nil
	}

	// Only drop the table slot if it still points at this entry; an evicted
	// entry may have been replaced by a fresh one.
	if cur, ok := r.entries[e.path]; ok && cur == e {
		delete(r.entries, e.path)
		r.reportSizeLocked()
	}
	if err := e.file.Close(); err != nil {
		return fmt.Errorf("close %s: %w", e.path, err)
	}
	return nil
}

func (r *Registry) evict(e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.entries[e.path]; ok && cur == e {
		delete(r.entries, e.path)
		r.reportSizeLocked()
	}
}

func (r *Registry) reportSizeLocked() {
	if r.observer != nil {
		r.observer.SetLockEntries(len(r.entries))
	}
}

// Handle is one granted lock on a path.
type Handle struct {
	registry *Registry
	entry    *entry
	mode     Mode
	released atomic.Bool
}

// Path returns the canonical path the handle locks.
func (h *Handle) Path() string { return h.entry.path }

// Mode returns the mode the lock was granted in.
func (h *Handle) Mode() Mode { return h.mode }

// File returns the shared open file. Readers must use positional I/O.
func (h *Handle) File() *os.File { return h.entry.file }

// Reader returns a reader over the whole file and its current size.
func (h *Handle) Reader() (*io.SectionReader, int64, error) {
	info, err := h.entry.file.Stat()
	if err != nil {
		return nil, 0, fmt.Errorf("stat %s: %w", h.entry.path, err)
	}
	return io.NewSectionReader(h.entry.file, 0, info.Size()), info.Size(), nil
}

// Writer truncates the file and returns a writer starting at offset 0.
func (h *Handle) Writer() (io.Writer, error) {
	if h.mode != Write {
		return nil, fmt.Errorf("%w: %s", ErrReadOnly, h.entry.path)
	}
	if err := h.entry.file.Truncate(0); err != nil {
		return nil, fmt.Errorf("truncate %s: %w", h.entry.path, err)
	}
	h.entry.created = false
	return io.NewOffsetWriter(h.entry.file, 0), nil
}

// Stage starts a replacement of the file content. Writes go to a temporary
// file in the same directory; the locked file is untouched until Commit.
// Only write handles may stage.
func (h *Handle) Stage() (*Staging, error) {
	if h.mode != Write {
		return nil, fmt.Errorf("%w: %s", ErrReadOnly, h.entry.path)
	}

	dir, base := filepath.Split(h.entry.path)
	tmp, err := os.CreateTemp(dir, "."+base+".part-*")
	if err != nil {
		return nil, fmt.Errorf("stage %s: %w", h.entry.path, err)
	}
	return &Staging{handle: h, tmp: tmp}, nil
}

// Staging is a pending replacement of a locked file. It must be finished
// with Commit or Abort before the handle is released.
type Staging struct {
	handle *Handle
	tmp    *os.File
	done   bool
}

// Write appends to the staged content.
func (s *Staging) Write(p []byte) (int, error) {
	return s.tmp.Write(p)
}

// Commit renames the staged content over the locked path and reopens the
// entry file, so later holders of the entry read the new content.
func (s *Staging) Commit() error {
	if s.done {
		return nil
	}
	s.done = true

	e := s.handle.entry
	name := s.tmp.Name()
	if info, err := e.file.Stat(); err == nil {
		_ = s.tmp.Chmod(info.Mode().Perm())
	}
	if err := s.tmp.Close(); err != nil {
		_ = os.Remove(name)
		return fmt.Errorf("close staged %s: %w", e.path, err)
	}
	if err := os.Rename(name, e.path); err != nil {
		_ = os.Remove(name)
		return fmt.Errorf("commit %s: %w", e.path, err)
	}

	f, err := os.OpenFile(e.path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("reopen %s: %w", e.path, err)
	}
	_ = e.file.Close()
	e.file = f
	e.created = false
	return nil
}

// Abort discards the staged content. If the locked file only exists
// because this entry created it, it is removed too. Abort after Commit is
// a no-op.
func (s *Staging) Abort() error {
	if s.done {
		return nil
	}
	s.done = true

	e := s.handle.entry
	_ = s.tmp.Close()
	err := os.Remove(s.tmp.Name())
	if e.created {
		e.created = false
		if rerr := os.Remove(e.path); rerr != nil && err == nil {
			err = rerr
		}
	}
	if err != nil {
		return fmt.Errorf("abort %s: %w", e.path, err)
	}
	return nil
}

// Poison marks the entry as unusable. Later acquires of the path fail with
// ErrPoisoned until the entry has been evicted.
func (h *Handle) Poison() {
	h.entry.poisoned.Store(true)
}

// Release unlocks the file and drops this handle's ownership. The entry is
// removed and its file closed when the last owner releases.
func (h *Handle) Release() error {
	if !h.released.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: %s", ErrAlreadyReleased, h.entry.path)
	}

	if h.mode == Write {
		h.entry.lock.Unlock()
	} else {
		h.entry.lock.RUnlock()
	}
	return h.registry.release(h.entry)
}

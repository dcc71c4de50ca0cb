// Package workerpool runs jobs on a fixed set of workers, each bound to one
// reserved port for the lifetime of the pool.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/marmos91/parfs/internal/logger"
)

var (
	// ErrPoolClosed is returned when submitting to a closed pool.
	ErrPoolClosed = errors.New("worker pool closed")

	// ErrPoolSaturated is returned by TrySubmit when no worker is idle.
	ErrPoolSaturated = errors.New("worker pool saturated")
)

// Job is a unit of work. It receives the port reserved for the worker
// running it.
type Job func(port int)

// Pool is a fixed set of workers sharing one job queue.
//
// The queue is unbuffered: a submitted job is handed directly to an idle
// worker. A job that panics is not recovered and terminates the process.
type Pool struct {
	ports []int
	jobs  chan Job

	// mu orders job sends against closing the queue.
	mu        sync.RWMutex
	closed    chan struct{}
	closeOnce sync.Once
	workers   sync.WaitGroup

	idle atomic.Int32
}

// New starts one worker per port.
//
// Returns an error if ports is empty, contains duplicates or values
// outside 1-65535.
func New(ports []int) (*Pool, error) {
	if len(ports) == 0 {
		return nil, errors.New("worker pool needs at least one port")
	}

	seen := make(map[int]struct{}, len(ports))
	for _, port := range ports {
		if port <= 0 || port > 65535 {
			return nil, fmt.Errorf("invalid worker port %d: must be 1-65535", port)
		}
		if _, dup := seen[port]; dup {
			return nil, fmt.Errorf("duplicate worker port %d", port)
		}
		seen[port] = struct{}{}
	}

	p := &Pool{
		ports:  append([]int(nil), ports...),
		jobs:   make(chan Job),
		closed: make(chan struct{}),
	}

	for _, port := range p.ports {
		p.workers.Add(1)
		p.idle.Add(1)
		go p.run(port)
	}

	logger.Debug("Worker pool started with %d worker(s) on ports %v", len(p.ports), p.ports)
	return p, nil
}

func (p *Pool) run(port int) {
	defer p.workers.Done()

	for job := range p.jobs {
		p.idle.Add(-1)
		job(port)
		p.idle.Add(1)
	}

	logger.Debug("Worker on port %d exiting", port)
}

// Submit hands job to the next idle worker, blocking until one takes it.
//
// Returns ctx.Err() if ctx is done first, or ErrPoolClosed if the pool is
// closed while waiting.
func (p *Pool) Submit(ctx context.Context, job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	select {
	case <-p.closed:
		return ErrPoolClosed
	default:
	}

	select {
	case p.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.closed:
		return ErrPoolClosed
	}
}

// TrySubmit hands job to a worker only if one is idle right now.
func (p *Pool) TrySubmit(job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	select {
	case <-p.closed:
		return ErrPoolClosed
	default:
	}

	select {
	case p.jobs <- job:
		return nil
	default:
		return ErrPoolSaturated
	}
}

// Close stops accepting jobs, lets running jobs finish and waits for every
// worker to exit. Safe to call more than once.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		close(p.closed)

		p.mu.Lock()
		close(p.jobs)
		p.mu.Unlock()
	})

	p.workers.Wait()
}

// Ports returns the reserved ports, one per worker.
func (p *Pool) Ports() []int {
	return append([]int(nil), p.ports...)
}

// Size returns the number of workers.
func (p *Pool) Size() int {
	return len(p.ports)
}

// Idle returns the number of workers waiting for a job.
func (p *Pool) Idle() int {
	return int(p.idle.Load())
}

// Busy returns the number of workers running a job.
func (p *Pool) Busy() int {
	return p.Size() - p.Idle()
}

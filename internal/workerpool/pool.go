// Package workerpool runs post-session jobs (artifact delivery) on a bounded
// set of goroutines.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/meetcap/meetcap/internal/logging"
)

var log = logging.L("workerpool")

var (
	ErrClosed    = errors.New("worker pool closed")
	ErrQueueFull = errors.New("worker pool queue full")
)

// Job is a unit of work. The context is cancelled when the pool is
// shut down past its deadline.
type Job func(ctx context.Context) error

// Pool is a bounded goroutine pool with a fixed-size job queue.
type Pool struct {
	name      string
	queue     chan Job
	wg        sync.WaitGroup
	workers   sync.WaitGroup
	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc

	failed atomic.Int64
}

// New starts maxWorkers goroutines reading from a queue of queueSize.
func New(name string, maxWorkers, queueSize int) *Pool {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		name:   name,
		queue:  make(chan Job, queueSize),
		ctx:    ctx,
		cancel: cancel,
	}
	p.workers.Add(maxWorkers)
	for i := 0; i < maxWorkers; i++ {
		go p.worker()
	}

	log.Debug("worker pool started", "pool", name, "workers", maxWorkers, "queueSize", queueSize)
	return p
}

// Submit enqueues a job without blocking.
func (p *Pool) Submit(job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}

	// Add before enqueue so Shutdown cannot miss the job.
	p.wg.Add(1)
	select {
	case p.queue <- job:
		return nil
	default:
		p.wg.Done()
		log.Warn("worker pool queue full, job rejected", "pool", p.name)
		return ErrQueueFull
	}
}

// Failed returns how many jobs returned an error or panicked.
func (p *Pool) Failed() int64 { return p.failed.Load() }

// Shutdown stops accepting jobs and waits for queued and running jobs. If ctx
// expires first, running jobs see their context cancelled. It reports whether
// every job finished.
func (p *Pool) Shutdown(ctx context.Context) bool {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	drained := true
	select {
	case <-done:
	case <-ctx.Done():
		drained = false
		log.Warn("worker pool shutdown timed out", "pool", p.name)
		p.cancel()
	}

	p.closeOnce.Do(func() {
		close(p.queue)
	})
	if drained {
		p.workers.Wait()
		p.cancel()
	}
	return drained
}

func (p *Pool) worker() {
	defer p.workers.Done()
	for job := range p.queue {
		p.run(job)
	}
}

// run executes one job with panic recovery.
func (p *Pool) run(job Job) {
	defer p.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			p.failed.Add(1)
			log.Error("job panicked", "pool", p.name, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
		}
	}()
	if err := job(p.ctx); err != nil {
		p.failed.Add(1)
		log.Warn("job failed", "pool", p.name, logging.KeyError, err)
	}
}

// Package workers provides a bounded goroutine pool for simulation runs.
package workers

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

var (
	// ErrQueueFull is returned by Submit when the task queue is at capacity.
	ErrQueueFull = errors.New("workers: queue full")
	// ErrStopped is returned by Submit after the pool has been stopped.
	ErrStopped = errors.New("workers: pool stopped")
)

// Task is a unit of work processed by the pool.
type Task interface {
	Execute() error
}

// TaskFunc adapts a plain function to the Task interface.
type TaskFunc func() error

func (f TaskFunc) Execute() error { return f() }

// Stats is a snapshot of pool counters.
type Stats struct {
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// Pool runs submitted tasks on a fixed set of worker goroutines. Backtest
// runs are CPU bound, so the pool caps concurrency instead of spawning one
// goroutine per request.
type Pool struct {
	logger *zap.Logger
	name   string
	wg     sync.WaitGroup

	// mu serializes Submit against Stop so a send can never race the
	// channel close.
	mu      sync.RWMutex
	tasks   chan Task
	stopped bool

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	panics    atomic.Int64
}

// New creates a pool with the given worker count and queue depth. Zero or
// negative values fall back to defaults sized from the machine.
func New(logger *zap.Logger, name string, numWorkers, queueSize int) *Pool {
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	if queueSize <= 0 {
		queueSize = 64
	}

	p := &Pool{
		logger: logger,
		name:   name,
		tasks:  make(chan Task, queueSize),
	}

	p.wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go p.worker(i)
	}

	logger.Info("worker pool started",
		zap.String("pool", name),
		zap.Int("workers", numWorkers),
		zap.Int("queueSize", queueSize),
	)
	return p
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for task := range p.tasks {
		p.run(id, task)
	}
}

func (p *Pool) run(id int, task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.failed.Add(1)
			p.logger.Error("task panicked",
				zap.String("pool", p.name),
				zap.Int("worker", id),
				zap.Any("panic", r),
			)
		}
	}()

	if err := task.Execute(); err != nil {
		p.failed.Add(1)
		p.logger.Debug("task failed",
			zap.String("pool", p.name),
			zap.Error(err),
		)
		return
	}
	p.completed.Add(1)
}

// Submit enqueues a task without blocking. It fails fast when the queue is
// full so callers can reject work instead of stalling.
func (p *Pool) Submit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopped {
		return ErrStopped
	}
	select {
	case p.tasks <- task:
		p.submitted.Add(1)
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop closes the queue and waits for in-flight tasks, bounded by ctx.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.tasks)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped", zap.String("pool", p.name))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("workers: stop %s: %w", p.name, ctx.Err())
	}
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Panics:    p.panics.Load(),
	}
}

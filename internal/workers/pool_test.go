// Package workers_test provides tests for the worker pool.
package workers_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nanlnjz1979/QWeSDK/internal/workers"
)

func TestPoolRunsTasks(t *testing.T) {
	pool := workers.New(zap.NewNop(), "test", 2, 16)

	var counter atomic.Int64
	for i := 0; i < 10; i++ {
		err := pool.Submit(workers.TaskFunc(func() error {
			counter.Add(1)
			return nil
		}))
		if err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
	}

	stats := waitForStats(t, pool, func(s workers.Stats) bool {
		return s.Completed == 10
	})
	if stats.Submitted != 10 || stats.Completed != 10 {
		t.Errorf("Stats incorrect: %+v", stats)
	}
	if counter.Load() != 10 {
		t.Errorf("Expected 10 executions, got %d", counter.Load())
	}

	if err := pool.Stop(context.Background()); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
}

func TestPoolCountsFailures(t *testing.T) {
	pool := workers.New(zap.NewNop(), "test", 1, 16)

	pool.Submit(workers.TaskFunc(func() error { return errors.New("boom") }))
	pool.Submit(workers.TaskFunc(func() error { return nil }))

	stats := waitForStats(t, pool, func(s workers.Stats) bool {
		return s.Failed == 1 && s.Completed == 1
	})
	if stats.Failed != 1 || stats.Completed != 1 {
		t.Errorf("Stats incorrect: %+v", stats)
	}

	pool.Stop(context.Background())
}

func TestPoolRecoversPanics(t *testing.T) {
	pool := workers.New(zap.NewNop(), "test", 1, 16)

	pool.Submit(workers.TaskFunc(func() error { panic("kaboom") }))
	// A second task proves the worker survived.
	pool.Submit(workers.TaskFunc(func() error { return nil }))

	stats := waitForStats(t, pool, func(s workers.Stats) bool {
		return s.Panics == 1 && s.Completed == 1
	})
	if stats.Panics != 1 || stats.Completed != 1 {
		t.Errorf("Stats incorrect: %+v", stats)
	}

	pool.Stop(context.Background())
}

func waitForStats(t *testing.T, pool *workers.Pool, ok func(workers.Stats) bool) workers.Stats {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s := pool.Stats(); ok(s) {
			return s
		}
		time.Sleep(5 * time.Millisecond)
	}
	return pool.Stats()
}

func TestPoolRejectsWhenQueueFull(t *testing.T) {
	pool := workers.New(zap.NewNop(), "test", 1, 1)

	release := make(chan struct{})
	// Occupy the single worker, then fill the single queue slot.
	pool.Submit(workers.TaskFunc(func() error {
		<-release
		return nil
	}))

	var full bool
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if err := pool.Submit(workers.TaskFunc(func() error { return nil })); errors.Is(err, workers.ErrQueueFull) {
			full = true
			break
		}
	}
	close(release)

	if !full {
		t.Error("Submit should eventually return ErrQueueFull")
	}

	pool.Stop(context.Background())
}

func TestPoolSubmitConcurrentWithStop(t *testing.T) {
	// Submitters race Stop's channel close; a send on the closed queue
	// would panic and fail the test.
	for i := 0; i < 25; i++ {
		pool := workers.New(zap.NewNop(), "test", 2, 4)

		var wg sync.WaitGroup
		for g := 0; g < 4; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					err := pool.Submit(workers.TaskFunc(func() error { return nil }))
					if errors.Is(err, workers.ErrStopped) {
						return
					}
				}
			}()
		}

		if err := pool.Stop(context.Background()); err != nil {
			t.Fatalf("Stop failed: %v", err)
		}
		wg.Wait()
	}
}

func TestPoolSubmitAfterStop(t *testing.T) {
	pool := workers.New(zap.NewNop(), "test", 1, 4)
	if err := pool.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	if err := pool.Submit(workers.TaskFunc(func() error { return nil })); !errors.Is(err, workers.ErrStopped) {
		t.Errorf("Expected ErrStopped, got %v", err)
	}
}

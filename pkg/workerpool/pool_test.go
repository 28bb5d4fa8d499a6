package workerpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPoolRunsEveryTask(t *testing.T) {
	var ran int64
	pool, err := New(Config{Workers: 4, QueueSize: 8}, func(ctx context.Context, task *Task) error {
		atomic.AddInt64(&ran, 1)
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	pool.Start()

	ctx := context.Background()
	for i := 0; i < 50; i++ {
		if err := pool.Submit(ctx, &Task{ID: "t"}); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	pool.Stop()

	if got := atomic.LoadInt64(&ran); got != 50 {
		t.Errorf("ran = %d, want 50", got)
	}
	stats := pool.Stats()
	if stats.TasksSubmitted != 50 || stats.TasksCompleted != 50 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestPoolRetriesThenSucceeds(t *testing.T) {
	var calls int64
	pool, _ := New(Config{Workers: 1, MaxRetries: 3, RetryDelay: time.Millisecond}, func(ctx context.Context, task *Task) error {
		if atomic.AddInt64(&calls, 1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, nil)

	var (
		mu     sync.Mutex
		result error = errors.New("unset")
	)
	pool.OnResult(func(task *Task, err error) {
		mu.Lock()
		result = err
		mu.Unlock()
	})
	pool.Start()
	pool.Submit(context.Background(), &Task{ID: "retry"})
	pool.Stop()

	mu.Lock()
	defer mu.Unlock()
	if result != nil {
		t.Errorf("final result = %v, want nil", result)
	}
	if got := atomic.LoadInt64(&calls); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
	if got := pool.Stats().TasksRetried; got != 2 {
		t.Errorf("retried = %d, want 2", got)
	}
}

func TestPoolPermanentErrorStopsRetries(t *testing.T) {
	var calls int64
	fatal := errors.New("bad payload")
	pool, _ := New(Config{Workers: 1, MaxRetries: 5, RetryDelay: time.Millisecond}, func(ctx context.Context, task *Task) error {
		atomic.AddInt64(&calls, 1)
		return Permanent(fatal)
	}, nil)

	var got error
	pool.OnResult(func(task *Task, err error) { got = err })
	pool.Start()
	pool.Submit(context.Background(), &Task{ID: "bad"})
	pool.Stop()

	if !errors.Is(got, fatal) {
		t.Errorf("result = %v, want %v", got, fatal)
	}
	if c := atomic.LoadInt64(&calls); c != 1 {
		t.Errorf("calls = %d, want 1", c)
	}
	if f := pool.Stats().TasksFailed; f != 1 {
		t.Errorf("failed = %d, want 1", f)
	}
}

func TestSubmitAfterStop(t *testing.T) {
	pool, _ := New(DefaultConfig(), func(context.Context, *Task) error { return nil }, nil)
	pool.Start()
	pool.Stop()

	if err := pool.Submit(context.Background(), &Task{ID: "late"}); !errors.Is(err, ErrStopped) {
		t.Errorf("expected ErrStopped, got %v", err)
	}
}

func TestSubmitBlocksUntilContextDone(t *testing.T) {
	release := make(chan struct{})
	pool, _ := New(Config{Workers: 1, QueueSize: 1}, func(ctx context.Context, task *Task) error {
		<-release
		return nil
	}, nil)
	pool.Start()
	defer func() {
		close(release)
		pool.Stop()
	}()

	ctx := context.Background()
	pool.Submit(ctx, &Task{ID: "busy"})
	// Wait for the worker to pick up the first task so the queue slot frees.
	deadline := time.Now().Add(time.Second)
	for pool.Stats().QueueDepth != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	pool.Submit(ctx, &Task{ID: "queued"})

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := pool.Submit(short, &Task{ID: "overflow"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected DeadlineExceeded, got %v", err)
	}
}

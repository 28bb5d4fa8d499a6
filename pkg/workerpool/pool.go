// Package workerpool provides a bounded worker pool with per-task retries.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// Task represents a unit of work to be processed
type Task struct {
	ID      string
	Payload interface{}
	Context context.Context
}

// WorkerFunc processes one task. Returning an error wrapped with Permanent
// stops retries for that task.
type WorkerFunc func(ctx context.Context, task *Task) error

// ResultFunc observes the final outcome of a task.
type ResultFunc func(task *Task, err error)

// Config holds worker pool configuration
type Config struct {
	// Workers is the number of concurrent workers
	Workers int
	// QueueSize is the size of the task queue
	QueueSize int
	// MaxRetries is the number of retries after the first attempt
	MaxRetries int
	// RetryDelay is the initial delay between attempts; it grows exponentially
	RetryDelay time.Duration
	// GracefulShutdownTimeout bounds how long Stop waits for queued work
	GracefulShutdownTimeout time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Workers:                 8,
		QueueSize:               256,
		MaxRetries:              3,
		RetryDelay:              100 * time.Millisecond,
		GracefulShutdownTimeout: 30 * time.Second,
	}
}

// ErrStopped is returned by Submit once Stop has been called.
var ErrStopped = errors.New("worker pool is stopped")

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Pool runs tasks on a fixed set of workers.
type Pool struct {
	config     Config
	workerFunc WorkerFunc
	onResult   ResultFunc
	logger     *zap.Logger

	tasks chan *Task
	wg    sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	stopOnce sync.Once
	mu       sync.RWMutex
	stopped  bool

	submitted int64
	completed int64
	failed    int64
	retried   int64
}

// New creates a new worker pool
func New(cfg Config, fn WorkerFunc, logger *zap.Logger) (*Pool, error) {
	if fn == nil {
		return nil, fmt.Errorf("worker function is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.GracefulShutdownTimeout <= 0 {
		cfg.GracefulShutdownTimeout = def.GracefulShutdownTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		config:     cfg,
		workerFunc: fn,
		logger:     logger,
		tasks:      make(chan *Task, cfg.QueueSize),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// OnResult registers a callback for final task outcomes. Call before Start.
func (p *Pool) OnResult(fn ResultFunc) {
	p.onResult = fn
}

// Start launches all workers
func (p *Pool) Start() {
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.config.Workers),
		zap.Int("queue_size", p.config.QueueSize))
}

// Submit queues a task, blocking while the queue is full until ctx is done.
func (p *Pool) Submit(ctx context.Context, task *Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrStopped
	}

	select {
	case p.tasks <- task:
		atomic.AddInt64(&p.submitted, 1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop stops accepting tasks, drains the queue and waits for workers up to
// GracefulShutdownTimeout. In-flight retries are cancelled on timeout.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
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
			p.logger.Info("worker pool stopped gracefully")
		case <-time.After(p.config.GracefulShutdownTimeout):
			p.logger.Warn("worker pool shutdown timed out")
			p.cancel()
			<-done
		}
		p.cancel()
	})
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for task := range p.tasks {
		p.run(id, task)
	}
}

func (p *Pool) run(workerID int, task *Task) {
	ctx := task.Context
	if ctx == nil {
		ctx = p.ctx
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.config.RetryDelay

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if attempt > 0 {
			atomic.AddInt64(&p.retried, 1)
		}
		attempt++
		return struct{}{}, p.workerFunc(ctx, task)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(p.config.MaxRetries+1)),
		backoff.WithNotify(func(err error, next time.Duration) {
			p.logger.Debug("retrying task",
				zap.String("task_id", task.ID),
				zap.Int("attempt", attempt),
				zap.Duration("retry_in", next),
				zap.Error(err))
		}),
	)

	if err != nil {
		atomic.AddInt64(&p.failed, 1)
		p.logger.Error("task failed",
			zap.String("task_id", task.ID),
			zap.Int("worker_id", workerID),
			zap.Int("attempts", attempt),
			zap.Error(err))
	} else {
		atomic.AddInt64(&p.completed, 1)
	}

	if p.onResult != nil {
		p.onResult(task, err)
	}
}

// Stats holds pool counters
type Stats struct {
	TasksSubmitted int64
	TasksCompleted int64
	TasksFailed    int64
	TasksRetried   int64
	QueueDepth     int
	QueueCapacity  int
	Workers        int
}

// Stats returns current pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		TasksSubmitted: atomic.LoadInt64(&p.submitted),
		TasksCompleted: atomic.LoadInt64(&p.completed),
		TasksFailed:    atomic.LoadInt64(&p.failed),
		TasksRetried:   atomic.LoadInt64(&p.retried),
		QueueDepth:     len(p.tasks),
		QueueCapacity:  p.config.QueueSize,
		Workers:        p.config.Workers,
	}
}

// IsHealthy reports whether the queue is below 90% of capacity
func (p *Pool) IsHealthy() bool {
	s := p.Stats()
	return float64(s.QueueDepth)/float64(s.QueueCapacity) < 0.9
}

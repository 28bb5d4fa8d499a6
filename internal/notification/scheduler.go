package notification

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Runner is one unit of scheduled work.
type Runner interface {
	Run(ctx context.Context) (*Report, error)
}

// SchedulerConfig holds the sweep schedule
type SchedulerConfig struct {
	// Interval is the time between runs
	Interval time.Duration
	// Timeout bounds a single run
	Timeout time.Duration
	// RunOnStart triggers a run immediately instead of after one interval
	RunOnStart bool
}

// DefaultSchedulerConfig runs hourly
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Interval: time.Hour,
		Timeout:  5 * time.Minute,
	}
}

// Scheduler invokes a Runner on a fixed interval. Runs never overlap.
type Scheduler struct {
	runner Runner
	config SchedulerConfig
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler creates a scheduler for runner
func NewScheduler(runner Runner, cfg SchedulerConfig, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultSchedulerConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		runner: runner,
		config: cfg,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Start begins the schedule
func (s *Scheduler) Start() {
	go s.loop()
	s.logger.Info("notification scheduler started",
		zap.Duration("interval", s.config.Interval))
}

// Stop cancels any in-flight run and waits for the loop to exit
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.done
	s.logger.Info("notification scheduler stopped")
}

func (s *Scheduler) loop() {
	defer close(s.done)

	if s.config.RunOnStart {
		s.runOnce()
	}

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.runOnce()
		}
	}
}

func (s *Scheduler) runOnce() {
	ctx, cancel := context.WithTimeout(s.ctx, s.config.Timeout)
	defer cancel()

	if _, err := s.runner.Run(ctx); err != nil && s.ctx.Err() == nil {
		s.logger.Error("scheduled sweep failed", zap.Error(err))
	}
}

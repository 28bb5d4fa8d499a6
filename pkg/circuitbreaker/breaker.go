// Package circuitbreaker wraps sony/gobreaker with tracing, OpenTelemetry
// counters and a state-change hook for exporting breaker state.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// State represents the circuit breaker state
type State string

const (
	StateClosed   State = "closed"
	StateHalfOpen State = "half-open"
	StateOpen     State = "open"
)

// Level maps the state to 0 (closed), 1 (half-open) or 2 (open).
func (s State) Level() int {
	switch s {
	case StateHalfOpen:
		return 1
	case StateOpen:
		return 2
	}
	return 0
}

// Config holds circuit breaker configuration
type Config struct {
	Name string
	// MaxRequests is max requests allowed in half-open state
	MaxRequests uint32
	// Interval is the cyclic period for clearing counts in closed state
	Interval time.Duration
	// Timeout is how long the breaker stays open before probing
	Timeout time.Duration
	// FailureThreshold is the consecutive failures that open the breaker
	// while fewer than MinRequests have been seen
	FailureThreshold uint32
	// FailureRatio opens the breaker once MinRequests have been seen
	FailureRatio float64
	MinRequests  uint32
	// OnStateChange is called after every transition
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns defaults suitable for broker publishing and
// notification delivery
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		MaxRequests:      3,
		Interval:         60 * time.Second,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		FailureRatio:     0.6,
		MinRequests:      10,
	}
}

// ErrOpen is returned while the breaker rejects calls.
var ErrOpen = errors.New("circuit breaker open")

// CircuitBreaker wraps gobreaker with observability
type CircuitBreaker struct {
	cb     *gobreaker.CircuitBreaker
	name   string
	logger *zap.Logger
	tracer trace.Tracer

	calls    metric.Int64Counter
	rejected metric.Int64Counter

	mu    sync.RWMutex
	state State
}

// New creates a new circuit breaker
func New(cfg Config, logger *zap.Logger) (*CircuitBreaker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &CircuitBreaker{
		name:   cfg.Name,
		logger: logger,
		tracer: otel.Tracer("circuit-breaker"),
		state:  StateClosed,
	}

	meter := otel.Meter("circuit-breaker")
	var err error
	c.calls, err = meter.Int64Counter("circuit_breaker_calls_total",
		metric.WithDescription("Calls through the circuit breaker by outcome"))
	if err != nil {
		return nil, fmt.Errorf("create calls counter: %w", err)
	}
	c.rejected, err = meter.Int64Counter("circuit_breaker_rejections_total",
		metric.WithDescription("Calls rejected while the circuit was open"))
	if err != nil {
		return nil, fmt.Errorf("create rejections counter: %w", err)
	}

	c.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return counts.ConsecutiveFailures >= cfg.FailureThreshold
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			f, t := mapState(from), mapState(to)
			c.mu.Lock()
			c.state = t
			c.mu.Unlock()

			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", string(f)),
				zap.String("to", string(t)))
			if cfg.OnStateChange != nil {
				cfg.OnStateChange(name, f, t)
			}
		},
	})

	return c, nil
}

// Do runs fn through the breaker. While open it returns an error wrapping
// ErrOpen without calling fn.
func (c *CircuitBreaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, span := c.tracer.Start(ctx, "circuit_breaker_do",
		trace.WithAttributes(
			attribute.String("breaker_name", c.name),
			attribute.String("state", string(c.State())),
		))
	defer span.End()

	name := metric.WithAttributes(attribute.String("name", c.name))

	_, err := c.cb.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})
	switch {
	case err == nil:
		c.calls.Add(ctx, 1, name, metric.WithAttributes(attribute.String("outcome", "success")))
		return nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		c.rejected.Add(ctx, 1, name)
		span.SetAttributes(attribute.Bool("circuit_open", true))
		return fmt.Errorf("%w: %s: %v", ErrOpen, c.name, err)
	default:
		c.calls.Add(ctx, 1, name, metric.WithAttributes(attribute.String("outcome", "failure")))
		span.RecordError(err)
		return err
	}
}

// State returns the current circuit breaker state
func (c *CircuitBreaker) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Counts returns the current counts from the circuit breaker
func (c *CircuitBreaker) Counts() gobreaker.Counts {
	return c.cb.Counts()
}

func mapState(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// Manager keeps one breaker per name, all built from the same template.
type Manager struct {
	template Config
	logger   *zap.Logger

	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
}

// NewManager creates a circuit breaker manager
func NewManager(template Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		template: template,
		logger:   logger,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for name, creating it on first use
func (m *Manager) Get(name string) (*CircuitBreaker, error) {
	m.mu.RLock()
	cb, ok := m.breakers[name]
	m.mu.RUnlock()
	if ok {
		return cb, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if cb, ok := m.breakers[name]; ok {
		return cb, nil
	}

	cfg := m.template
	cfg.Name = name
	cb, err := New(cfg, m.logger)
	if err != nil {
		return nil, err
	}
	m.breakers[name] = cb
	return cb, nil
}

// HealthStatus describes one breaker
type HealthStatus struct {
	Name     string `json:"name"`
	State    State  `json:"state"`
	Requests uint32 `json:"requests"`
	Failures uint32 `json:"failures"`
}

// Health returns the status of every breaker created so far
func (m *Manager) Health() []HealthStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]HealthStatus, 0, len(m.breakers))
	for name, cb := range m.breakers {
		counts := cb.Counts()
		out = append(out, HealthStatus{
			Name:     name,
			State:    cb.State(),
			Requests: counts.Requests,
			Failures: counts.TotalFailures,
		})
	}
	return out
}

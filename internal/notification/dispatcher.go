package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/drfirst/go-rxfill/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rxfill/internal/observability/metrics"
	"github.com/drfirst/go-rxfill/pkg/idempotency"
	"github.com/drfirst/go-rxfill/pkg/workerpool"
)

// HandlerName identifies the dispatcher in the idempotency inbox.
const HandlerName = "notification-dispatcher"

// Mailer delivers a notification to a person.
type Mailer interface {
	Send(ctx context.Context, n *Notification) error
	Channel() string
}

// Deduper runs fn at most once per key. *idempotency.Inbox satisfies it.
type Deduper interface {
	Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn idempotency.ProcessFunc) (*idempotency.ProcessResult, error)
}

// Guard protects calls to the mailer. *circuitbreaker.CircuitBreaker
// satisfies it.
type Guard interface {
	Do(ctx context.Context, fn func(ctx context.Context) error) error
}

// LogMailer stands in for an email gateway by logging the message.
type LogMailer struct {
	logger *zap.Logger
}

// NewLogMailer creates a log-backed mailer
func NewLogMailer(logger *zap.Logger) *LogMailer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogMailer{logger: logger}
}

// Send implements Mailer
func (m *LogMailer) Send(ctx context.Context, n *Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.logger.Info("email notification: incomplete prescription",
		zap.Int64("prescription_id", n.PrescriptionID),
		zap.String("patient_identifier", n.PatientIdentifier),
		zap.Time("created_at", n.CreatedAt),
		zap.Int("item_count", n.ItemCount),
		zap.Int("pending_items", len(n.PendingBarcodes)))
	return nil
}

// Channel implements Mailer
func (m *LogMailer) Channel() string { return "email-log" }

type delivery struct {
	notification *Notification
	raw          json.RawMessage
}

// Dispatcher consumes notification records and hands them to a Mailer on a
// worker pool, deduplicating redeliveries by event id.
type Dispatcher struct {
	pool    *workerpool.Pool
	mailer  Mailer
	deduper Deduper
	guard   Guard
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// DispatcherConfig wires the dispatcher's collaborators. Deduper, Guard and
// Metrics are optional.
type DispatcherConfig struct {
	Pool    workerpool.Config
	Mailer  Mailer
	Deduper Deduper
	Guard   Guard
	Metrics *metrics.Metrics
}

// NewDispatcher creates a dispatcher and its worker pool. Call Start before
// handing it records.
func NewDispatcher(cfg DispatcherConfig, logger *zap.Logger) (*Dispatcher, error) {
	if cfg.Mailer == nil {
		return nil, errors.New("mailer is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	d := &Dispatcher{
		mailer:  cfg.Mailer,
		deduper: cfg.Deduper,
		guard:   cfg.Guard,
		metrics: cfg.Metrics,
		logger:  logger,
	}

	pool, err := workerpool.New(cfg.Pool, d.deliver, logger.Named("pool"))
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	pool.OnResult(func(task *workerpool.Task, err error) {
		d.metrics.NotificationDelivered(err == nil)
	})
	d.pool = pool
	return d, nil
}

// Start launches the workers
func (d *Dispatcher) Start() { d.pool.Start() }

// Stop drains queued deliveries
func (d *Dispatcher) Stop() { d.pool.Stop() }

// Stats returns worker pool statistics
func (d *Dispatcher) Stats() workerpool.Stats { return d.pool.Stats() }

// IsHealthy reports whether the delivery queue has headroom
func (d *Dispatcher) IsHealthy() bool { return d.pool.IsHealthy() }

// Handle decodes one consumed record and queues it for delivery. Malformed
// records are logged and skipped. It blocks while the queue is full.
func (d *Dispatcher) Handle(ctx context.Context, msg *redpanda.ConsumedMessage) error {
	var n Notification
	if err := json.Unmarshal(msg.Value, &n); err != nil || n.EventID == "" {
		d.logger.Warn("skipping malformed notification",
			zap.String("topic", msg.Topic),
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		return nil
	}

	return d.pool.Submit(ctx, &workerpool.Task{
		ID:      n.EventID,
		Payload: &delivery{notification: &n, raw: msg.Value},
		// Keep trace values but outlive the poll loop's context.
		Context: context.WithoutCancel(ctx),
	})
}

func (d *Dispatcher) deliver(ctx context.Context, task *workerpool.Task) error {
	dl, ok := task.Payload.(*delivery)
	if !ok {
		return workerpool.Permanent(fmt.Errorf("unexpected payload %T", task.Payload))
	}

	if d.deduper == nil {
		return d.send(ctx, dl.notification)
	}

	res, err := d.deduper.Process(ctx, dl.notification.EventID, HandlerName, dl.raw,
		func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
			if err := d.send(ctx, dl.notification); err != nil {
				return nil, err
			}
			return json.Marshal(map[string]string{"channel": d.mailer.Channel()})
		})

	switch {
	case err == nil:
		if !res.IsNew && !res.WasRecovered {
			d.logger.Debug("notification already delivered",
				zap.String("event_id", dl.notification.EventID))
		}
		return nil
	case errors.Is(err, idempotency.ErrDuplicateMessage), errors.Is(err, idempotency.ErrMessageInProgress):
		d.logger.Debug("notification handled elsewhere",
			zap.String("event_id", dl.notification.EventID),
			zap.Error(err))
		return nil
	case errors.Is(err, idempotency.ErrPreviouslyFailed):
		return workerpool.Permanent(err)
	}
	return err
}

func (d *Dispatcher) send(ctx context.Context, n *Notification) error {
	if d.guard == nil {
		return d.mailer.Send(ctx, n)
	}
	return d.guard.Do(ctx, func(ctx context.Context) error {
		return d.mailer.Send(ctx, n)
	})
}

package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxfill/internal/infrastructure/redpanda"
)

// OutboxEntry represents an event to be published via the outbox pattern
type OutboxEntry struct {
	ID            int64
	AggregateID   string
	AggregateType string
	EventType     string
	Payload       json.RawMessage
	KafkaTopic    string
	KafkaKey      string
	CreatedAt     time.Time
	ProcessedAt   *time.Time
	RetryCount    int
	LastError     *string
}

// OutboxConfig holds configuration for the outbox relay
type OutboxConfig struct {
	// BatchSize is the number of entries to process per batch
	BatchSize int
	// PollInterval is how often to poll for new entries
	PollInterval time.Duration
	// MaxRetries is the maximum retries before moving to dead letter
	MaxRetries int
	// MaintenanceInterval is how often dead-lettering, cleanup and stats run
	MaintenanceInterval time.Duration
	// RetainProcessed is how long processed entries are kept
	RetainProcessed time.Duration
}

// DefaultOutboxConfig returns sensible defaults
func DefaultOutboxConfig() OutboxConfig {
	return OutboxConfig{
		BatchSize:           100,
		PollInterval:        100 * time.Millisecond,
		MaxRetries:          5,
		MaintenanceInterval: time.Minute,
		RetainProcessed:     72 * time.Hour,
	}
}

// OutboxPublisher defines the interface for publishing outbox entries
type OutboxPublisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// StatsObserver receives outbox statistics after each maintenance pass.
type StatsObserver func(*OutboxStats)

// Outbox relays committed outbox entries to the broker.
type Outbox struct {
	pool      *pgxpool.Pool
	config    OutboxConfig
	publisher OutboxPublisher
	observer  StatsObserver
	logger    *zap.Logger
	tracer    trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewOutbox creates a new outbox relay
func NewOutbox(pool *pgxpool.Pool, publisher OutboxPublisher, cfg OutboxConfig, logger *zap.Logger) *Outbox {
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Outbox{
		pool:      pool,
		config:    cfg,
		publisher: publisher,
		logger:    logger,
		tracer:    otel.Tracer("outbox"),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// OnStats registers an observer for maintenance statistics. Call before Start.
func (o *Outbox) OnStats(fn StatsObserver) {
	o.observer = fn
}

// WriteEntry writes an outbox entry within a transaction. It must run in the
// same transaction as the state change it describes.
func WriteEntry(ctx context.Context, tx pgx.Tx, entry *OutboxEntry) error {
	query := `
		INSERT INTO outbox (aggregate_id, aggregate_type, event_type, payload, kafka_topic, kafka_key)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`

	err := tx.QueryRow(ctx, query,
		entry.AggregateID,
		entry.AggregateType,
		entry.EventType,
		entry.Payload,
		entry.KafkaTopic,
		entry.KafkaKey,
	).Scan(&entry.ID, &entry.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to write outbox entry: %w", err)
	}

	return nil
}

// Start begins polling and processing outbox entries
func (o *Outbox) Start() {
	go o.processLoop()
	o.logger.Info("outbox relay started",
		zap.Int("batch_size", o.config.BatchSize),
		zap.Duration("poll_interval", o.config.PollInterval))
}

// Stop gracefully stops the outbox relay
func (o *Outbox) Stop() {
	o.cancel()
	<-o.done
	o.logger.Info("outbox relay stopped")
}

func (o *Outbox) processLoop() {
	defer close(o.done)

	ticker := time.NewTicker(o.config.PollInterval)
	defer ticker.Stop()

	maintenance := time.NewTicker(o.config.MaintenanceInterval)
	defer maintenance.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			if _, err := o.ProcessBatch(o.ctx); err != nil {
				o.logger.Error("outbox batch failed", zap.Error(err))
			}
		case <-maintenance.C:
			o.maintain(o.ctx)
		}
	}
}

// ProcessBatch claims up to BatchSize pending entries with SKIP LOCKED so
// several relays can run side by side, publishes them in order and records
// the outcome. It returns how many entries were published.
func (o *Outbox) ProcessBatch(ctx context.Context) (int, error) {
	ctx, span := o.tracer.Start(ctx, "outbox_process_batch")
	defer span.End()

	tx, err := o.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, aggregate_id, aggregate_type, event_type, payload,
		       kafka_topic, kafka_key, created_at, retry_count, last_error
		FROM outbox
		WHERE processed_at IS NULL
		  AND retry_count < $1
		ORDER BY id ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`, o.config.MaxRetries, o.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("query failed: %w", err)
	}
	entries, err := scanEntries(rows)
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}

	span.SetAttributes(attribute.Int("batch_size", len(entries)))

	published := 0
	for _, entry := range entries {
		if err := o.processEntry(ctx, tx, entry); err != nil {
			o.logger.Error("failed to process outbox entry",
				zap.Int64("id", entry.ID),
				zap.String("event_type", entry.EventType),
				zap.Error(err))
			continue
		}
		published++
	}

	if err := tx.Commit(ctx); err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("commit: %w", err)
	}
	return published, nil
}

func scanEntries(rows pgx.Rows) ([]*OutboxEntry, error) {
	defer rows.Close()

	var entries []*OutboxEntry
	for rows.Next() {
		entry := &OutboxEntry{}
		err := rows.Scan(
			&entry.ID, &entry.AggregateID, &entry.AggregateType,
			&entry.EventType, &entry.Payload, &entry.KafkaTopic,
			&entry.KafkaKey, &entry.CreatedAt, &entry.RetryCount, &entry.LastError,
		)
		if err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (o *Outbox) processEntry(ctx context.Context, tx pgx.Tx, entry *OutboxEntry) error {
	ctx, span := o.tracer.Start(ctx, "outbox_process_entry",
		trace.WithAttributes(
			attribute.Int64("entry_id", entry.ID),
			attribute.String("event_type", entry.EventType),
			attribute.String("aggregate_id", entry.AggregateID),
		))
	defer span.End()

	if err := o.publisher.Publish(ctx, entry.KafkaTopic, entry.KafkaKey, entry.Payload); err != nil {
		if _, updateErr := tx.Exec(ctx, `
			UPDATE outbox
			SET retry_count = retry_count + 1, last_error = $1, updated_at = NOW()
			WHERE id = $2
		`, err.Error(), entry.ID); updateErr != nil {
			o.logger.Error("failed to update retry count", zap.Error(updateErr))
		}
		span.RecordError(err)
		return fmt.Errorf("publish failed: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE outbox
		SET processed_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`, entry.ID); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to mark processed: %w", err)
	}

	o.logger.Debug("outbox entry processed",
		zap.Int64("id", entry.ID),
		zap.String("topic", entry.KafkaTopic))
	return nil
}

func (o *Outbox) maintain(ctx context.Context) {
	if n, err := o.MoveToDeadLetter(ctx); err != nil {
		o.logger.Error("dead letter pass failed", zap.Error(err))
	} else if n > 0 {
		o.logger.Warn("outbox entries dead-lettered", zap.Int64("count", n))
	}

	if n, err := o.CleanupProcessed(ctx, o.config.RetainProcessed); err != nil {
		o.logger.Error("outbox cleanup failed", zap.Error(err))
	} else if n > 0 {
		o.logger.Info("outbox cleanup completed", zap.Int64("deleted", n))
	}

	stats, err := o.GetStats(ctx)
	if err != nil {
		o.logger.Error("outbox stats failed", zap.Error(err))
		return
	}
	if o.observer != nil {
		o.observer(stats)
	}
}

// CleanupProcessed removes processed entries older than olderThan
func (o *Outbox) CleanupProcessed(ctx context.Context, olderThan time.Duration) (int64, error) {
	result, err := o.pool.Exec(ctx, `
		DELETE FROM outbox
		WHERE processed_at IS NOT NULL
		  AND processed_at < NOW() - make_interval(secs => $1)
	`, olderThan.Seconds())
	if err != nil {
		return 0, fmt.Errorf("cleanup failed: %w", err)
	}
	return result.RowsAffected(), nil
}

// MoveToDeadLetter publishes entries that exhausted their retries to the
// dead letter topic and marks them processed.
func (o *Outbox) MoveToDeadLetter(ctx context.Context) (int64, error) {
	tx, err := o.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, aggregate_id, aggregate_type, event_type, payload,
		       kafka_topic, kafka_key, created_at, retry_count, last_error
		FROM outbox
		WHERE processed_at IS NULL
		  AND retry_count >= $1
		FOR UPDATE SKIP LOCKED
	`, o.config.MaxRetries)
	if err != nil {
		return 0, fmt.Errorf("query failed: %w", err)
	}
	entries, err := scanEntries(rows)
	if err != nil {
		return 0, err
	}

	var count int64
	for _, entry := range entries {
		dlPayload, err := json.Marshal(map[string]interface{}{
			"original_topic": entry.KafkaTopic,
			"event_type":     entry.EventType,
			"aggregate_id":   entry.AggregateID,
			"payload":        entry.Payload,
			"retry_count":    entry.RetryCount,
			"last_error":     entry.LastError,
			"created_at":     entry.CreatedAt,
		})
		if err != nil {
			o.logger.Error("failed to encode dead letter", zap.Int64("id", entry.ID), zap.Error(err))
			continue
		}

		if err := o.publisher.Publish(ctx, redpanda.TopicDeadLetter, entry.KafkaKey, dlPayload); err != nil {
			o.logger.Error("failed to publish to dead letter", zap.Error(err))
			continue
		}

		if _, err := tx.Exec(ctx, "UPDATE outbox SET processed_at = NOW(), updated_at = NOW() WHERE id = $1", entry.ID); err != nil {
			o.logger.Error("failed to mark DLQ entry", zap.Error(err))
			continue
		}
		count++
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return count, nil
}

// OutboxStats is a point-in-time view of the outbox
type OutboxStats struct {
	Pending       int64
	Processed     int64
	Failed        int64
	OldestPending *time.Time
}

// GetStats returns current outbox statistics
func (o *Outbox) GetStats(ctx context.Context) (*OutboxStats, error) {
	stats := &OutboxStats{}
	err := o.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE processed_at IS NULL AND retry_count < $1),
			COUNT(*) FILTER (WHERE processed_at IS NOT NULL AND processed_at > NOW() - INTERVAL '24 hours'),
			COUNT(*) FILTER (WHERE processed_at IS NULL AND retry_count >= $1),
			MIN(created_at) FILTER (WHERE processed_at IS NULL)
		FROM outbox
	`, o.config.MaxRetries).Scan(&stats.Pending, &stats.Processed, &stats.Failed, &stats.OldestPending)
	if err != nil {
		return nil, err
	}
	return stats, nil
}

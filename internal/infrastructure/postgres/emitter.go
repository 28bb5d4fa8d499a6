package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxfill/internal/domain/prescription"
	"github.com/drfirst/go-rxfill/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rxfill/internal/notification"
)

// OutboxEmitter hands sweep notifications to the outbox relay. Each
// notification is its own transaction so one failure does not roll back
// the rest of the sweep.
type OutboxEmitter struct {
	pool   *pgxpool.Pool
	topic  string
	logger *zap.Logger
}

// NewOutboxEmitter creates an emitter publishing to the notifications topic
func NewOutboxEmitter(pool *pgxpool.Pool, logger *zap.Logger) *OutboxEmitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OutboxEmitter{
		pool:   pool,
		topic:  redpanda.TopicPrescriptionNotifications,
		logger: logger,
	}
}

// Emit implements notification.Emitter
func (e *OutboxEmitter) Emit(ctx context.Context, n *notification.Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", prescription.ErrUnavailable, err)
	}
	defer tx.Rollback(ctx)

	key := strconv.FormatInt(n.PrescriptionID, 10)
	entry := &OutboxEntry{
		AggregateID:   key,
		AggregateType: prescription.AggregateType,
		EventType:     notification.EventType,
		Payload:       payload,
		KafkaTopic:    e.topic,
		KafkaKey:      key,
	}
	if err := WriteEntry(ctx, tx, entry); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit notification: %w", err)
	}

	e.logger.Debug("notification queued",
		zap.String("event_id", n.EventID),
		zap.Int64("outbox_id", entry.ID))
	return nil
}

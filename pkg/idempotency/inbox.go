// Package idempotency provides an inbox table for processing redelivered
// messages at most once per idempotency key.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Status represents the processing status of an inbox entry
type Status string

const (
	StatusStarted     Status = "STARTED"
	StatusFinished    Status = "FINISHED"
	StatusRecoverable Status = "RECOVERABLE"
	StatusFailed      Status = "FAILED"
)

// InboxEntry represents an idempotency inbox record
type InboxEntry struct {
	IdempotencyKey string
	HandlerName    string
	Status         Status
	Payload        json.RawMessage
	Result         json.RawMessage
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ExpiresAt      *time.Time
}

// InboxConfig holds configuration for the inbox
type InboxConfig struct {
	// DefaultTTL is how long entries are kept
	DefaultTTL time.Duration
	// CleanupInterval is how often expired entries are removed
	CleanupInterval time.Duration
	// RecoveryTimeout is when a STARTED entry is considered abandoned
	RecoveryTimeout time.Duration
}

// DefaultInboxConfig returns sensible defaults
func DefaultInboxConfig() InboxConfig {
	return InboxConfig{
		DefaultTTL:      7 * 24 * time.Hour,
		CleanupInterval: time.Hour,
		RecoveryTimeout: 5 * time.Minute,
	}
}

var (
	// ErrDuplicateMessage indicates the key was already processed
	ErrDuplicateMessage = errors.New("duplicate message: already processed")
	// ErrMessageInProgress indicates another handler holds the key
	ErrMessageInProgress = errors.New("message in progress by another handler")
	// ErrPreviouslyFailed indicates the key failed terminally before
	ErrPreviouslyFailed = errors.New("message previously failed permanently")
)

type terminalError struct{ err error }

func (e *terminalError) Error() string { return e.err.Error() }
func (e *terminalError) Unwrap() error { return e.err }

// Terminal marks a handler error as final: the key is stored as FAILED and
// never reprocessed.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &terminalError{err: err}
}

// IsTerminal reports whether err was marked with Terminal.
func IsTerminal(err error) bool {
	var t *terminalError
	return errors.As(err, &t)
}

// ProcessResult represents the result of idempotent processing
type ProcessResult struct {
	IsNew        bool
	WasRecovered bool
	Result       json.RawMessage
}

// ProcessFunc is the function signature for idempotent handlers
type ProcessFunc func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// Inbox manages idempotent message processing
type Inbox struct {
	pool   *pgxpool.Pool
	config InboxConfig
	logger *zap.Logger
	tracer trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewInbox creates a new inbox manager
func NewInbox(pool *pgxpool.Pool, cfg InboxConfig, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Inbox{
		pool:   pool,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("inbox"),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Key derives a stable idempotency key from its parts.
func Key(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// Process runs fn once per key. A finished key returns the stored result
// with IsNew false; a key held by a live handler returns ErrMessageInProgress.
func (i *Inbox) Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn ProcessFunc) (*ProcessResult, error) {
	ctx, span := i.tracer.Start(ctx, "inbox_process",
		trace.WithAttributes(
			attribute.String("idempotency_key", key),
			attribute.String("handler", handlerName),
		))
	defer span.End()

	entry, err := i.getEntry(ctx, key)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to check inbox: %w", err)
	}

	if entry != nil {
		switch entry.Status {
		case StatusFinished:
			span.SetAttributes(attribute.Bool("duplicate", true))
			return &ProcessResult{Result: entry.Result}, nil
		case StatusFailed:
			return nil, fmt.Errorf("%w: %s", ErrPreviouslyFailed, key)
		case StatusStarted:
			if time.Since(entry.UpdatedAt) <= i.config.RecoveryTimeout {
				return nil, ErrMessageInProgress
			}
			if err := i.setStatus(ctx, key, StatusRecoverable, nil); err != nil {
				return nil, fmt.Errorf("failed to mark recoverable: %w", err)
			}
		case StatusRecoverable:
			span.SetAttributes(attribute.Bool("recovered", true))
		}
	}

	if err := i.start(ctx, key, handlerName, payload); err != nil {
		if errors.Is(err, ErrDuplicateMessage) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to start processing: %w", err)
	}

	result, handlerErr := fn(ctx, payload)
	if handlerErr != nil {
		status := StatusRecoverable
		if IsTerminal(handlerErr) {
			status = StatusFailed
		}
		errJSON, _ := json.Marshal(map[string]string{"error": handlerErr.Error()})
		if err := i.setStatus(ctx, key, status, errJSON); err != nil {
			i.logger.Error("failed to mark error status", zap.Error(err))
		}
		span.RecordError(handlerErr)
		return nil, handlerErr
	}

	if err := i.setStatus(ctx, key, StatusFinished, result); err != nil {
		// The handler already succeeded; a redelivery will run it again.
		i.logger.Error("failed to mark finished", zap.String("key", key), zap.Error(err))
	}

	return &ProcessResult{
		IsNew:        entry == nil,
		WasRecovered: entry != nil,
		Result:       result,
	}, nil
}

func (i *Inbox) getEntry(ctx context.Context, key string) (*InboxEntry, error) {
	entry := &InboxEntry{}
	err := i.pool.QueryRow(ctx, `
		SELECT idempotency_key, handler_name, status, payload, result, created_at, updated_at, expires_at
		FROM inbox
		WHERE idempotency_key = $1
	`, key).Scan(
		&entry.IdempotencyKey, &entry.HandlerName, &entry.Status,
		&entry.Payload, &entry.Result, &entry.CreatedAt, &entry.UpdatedAt, &entry.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// start claims key as STARTED. Only new or RECOVERABLE keys can be claimed.
func (i *Inbox) start(ctx context.Context, key, handlerName string, payload json.RawMessage) error {
	var returned string
	err := i.pool.QueryRow(ctx, `
		INSERT INTO inbox (idempotency_key, handler_name, status, payload, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (idempotency_key) DO UPDATE
		SET status = $3, updated_at = NOW()
		WHERE inbox.status = 'RECOVERABLE'
		RETURNING idempotency_key
	`, key, handlerName, StatusStarted, payload, time.Now().Add(i.config.DefaultTTL)).Scan(&returned)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrDuplicateMessage
	}
	return err
}

func (i *Inbox) setStatus(ctx context.Context, key string, status Status, result json.RawMessage) error {
	_, err := i.pool.Exec(ctx, `
		UPDATE inbox
		SET status = $1, result = COALESCE($2, result), updated_at = NOW()
		WHERE idempotency_key = $3
	`, status, result, key)
	return err
}

// StartCleanup starts the background cleanup goroutine
func (i *Inbox) StartCleanup() {
	go i.cleanupLoop()
	i.logger.Info("inbox cleanup started", zap.Duration("interval", i.config.CleanupInterval))
}

// Stop stops the inbox cleanup
func (i *Inbox) Stop() {
	i.cancel()
	<-i.done
	i.logger.Info("inbox stopped")
}

func (i *Inbox) cleanupLoop() {
	defer close(i.done)

	ticker := time.NewTicker(i.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-i.ctx.Done():
			return
		case <-ticker.C:
			if n, err := i.RecoverStaleEntries(i.ctx); err != nil {
				i.logger.Error("inbox recovery failed", zap.Error(err))
			} else if n > 0 {
				i.logger.Info("stale inbox entries recovered", zap.Int64("count", n))
			}
			if err := i.cleanup(i.ctx); err != nil {
				i.logger.Error("inbox cleanup failed", zap.Error(err))
			}
		}
	}
}

func (i *Inbox) cleanup(ctx context.Context) error {
	result, err := i.pool.Exec(ctx, `DELETE FROM inbox WHERE expires_at < NOW()`)
	if err != nil {
		return err
	}
	if result.RowsAffected() > 0 {
		i.logger.Info("inbox cleanup completed", zap.Int64("deleted", result.RowsAffected()))
	}
	return nil
}

// RecoverStaleEntries marks abandoned STARTED entries as RECOVERABLE
func (i *Inbox) RecoverStaleEntries(ctx context.Context) (int64, error) {
	result, err := i.pool.Exec(ctx, `
		UPDATE inbox
		SET status = 'RECOVERABLE', updated_at = NOW()
		WHERE status = 'STARTED'
		  AND updated_at < NOW() - make_interval(secs => $1)
	`, i.config.RecoveryTimeout.Seconds())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

// InboxStats holds entry counts by status
type InboxStats struct {
	TotalEntries int64
	Started      int64
	Finished     int64
	Recoverable  int64
	Failed       int64
}

// GetStats returns current inbox statistics
func (i *Inbox) GetStats(ctx context.Context) (*InboxStats, error) {
	stats := &InboxStats{}
	err := i.pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'STARTED'),
			COUNT(*) FILTER (WHERE status = 'FINISHED'),
			COUNT(*) FILTER (WHERE status = 'RECOVERABLE'),
			COUNT(*) FILTER (WHERE status = 'FAILED')
		FROM inbox
	`).Scan(&stats.TotalEntries, &stats.Started, &stats.Finished, &stats.Recoverable, &stats.Failed)
	if err != nil {
		return nil, err
	}
	return stats, nil
}

package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxfill/internal/domain/prescription"
	"github.com/drfirst/go-rxfill/internal/infrastructure/redpanda"
)

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store is the PostgreSQL prescription.Store. Domain events recorded by the
// aggregate are written to the outbox in the same transaction.
type Store struct {
	pool   *pgxpool.Pool
	topic  string
	logger *zap.Logger
	tracer trace.Tracer
}

// NewStore creates a new PostgreSQL store
func NewStore(pool *pgxpool.Pool, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		pool:   pool,
		topic:  redpanda.TopicPrescriptionEvents,
		logger: logger,
		tracer: otel.Tracer("postgres-store"),
	}
}

// Insert implements prescription.Store
func (s *Store) Insert(ctx context.Context, p *prescription.Prescription) error {
	ctx, span := s.tracer.Start(ctx, "store_insert")
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return s.fail(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx)

	p.Status = prescription.StatusCreated
	err = tx.QueryRow(ctx, `
		INSERT INTO prescriptions (patient_identifier, doctor_id, created_at, status)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, p.PatientIdentifier, p.DoctorID, p.CreatedAt, p.Status).Scan(&p.ID)
	if err != nil {
		return s.fail(span, fmt.Errorf("insert prescription: %w", err))
	}

	for i := range p.Items {
		it := &p.Items[i]
		it.IsSubmitted = false
		err := tx.QueryRow(ctx, `
			INSERT INTO prescription_items
			(prescription_id, position, medicine_barcode, medicine_name, quantity, usage_instructions)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id
		`, p.ID, i, it.MedicineBarcode, it.MedicineName, it.Quantity, it.UsageInstructions).Scan(&it.ID)
		if err != nil {
			return s.fail(span, fmt.Errorf("insert item %d: %w", i, err))
		}
	}

	if err := s.writeEvents(ctx, tx, p); err != nil {
		return s.fail(span, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return s.fail(span, fmt.Errorf("commit: %w", err))
	}

	p.ClearChanges()
	span.SetAttributes(attribute.Int64("prescription_id", p.ID))
	return nil
}

// Update implements prescription.Store. The prescription row is locked for
// the duration of the transaction so concurrent submits against the same id
// are serialized. A serialization failure or deadlock is retried once before
// surfacing as ErrConflict.
func (s *Store) Update(ctx context.Context, id int64, fn prescription.UpdateFunc) (*prescription.Prescription, error) {
	ctx, span := s.tracer.Start(ctx, "store_update",
		trace.WithAttributes(attribute.Int64("prescription_id", id)))
	defer span.End()

	for attempt := 0; ; attempt++ {
		p, err := s.update(ctx, id, fn)
		if err == nil {
			return p, nil
		}
		if !isRetryable(err) {
			span.RecordError(err)
			return nil, err
		}
		if attempt == 0 {
			s.logger.Warn("update conflicted, retrying", zap.Int64("id", id), zap.Error(err))
			continue
		}
		span.SetStatus(codes.Error, "conflict")
		return nil, fmt.Errorf("%w: %v", prescription.ErrConflict, err)
	}
}

func (s *Store) update(ctx context.Context, id int64, fn prescription.UpdateFunc) (*prescription.Prescription, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	p := &prescription.Prescription{}
	err = tx.QueryRow(ctx, `
		SELECT id, patient_identifier, doctor_id, created_at, status
		FROM prescriptions
		WHERE id = $1
		FOR UPDATE
	`, id).Scan(&p.ID, &p.PatientIdentifier, &p.DoctorID, &p.CreatedAt, &p.Status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, prescription.ErrNotFound
		}
		return nil, fmt.Errorf("lock prescription: %w", err)
	}
	if err := loadChildren(ctx, tx, []*prescription.Prescription{p}); err != nil {
		return nil, err
	}

	submitted := make(map[int64]bool, len(p.Items))
	for _, it := range p.Items {
		submitted[it.ID] = it.IsSubmitted
	}

	if err := fn(p); err != nil {
		return nil, err
	}

	// Flags only move forward; only newly set ones are written.
	var flipped []int64
	for i := range p.Items {
		it := &p.Items[i]
		if submitted[it.ID] {
			it.IsSubmitted = true
			continue
		}
		if it.IsSubmitted {
			flipped = append(flipped, it.ID)
		}
	}
	if len(flipped) > 0 {
		if _, err := tx.Exec(ctx, `
			UPDATE prescription_items SET is_submitted = TRUE
			WHERE prescription_id = $1 AND id = ANY($2)
		`, p.ID, flipped); err != nil {
			return nil, fmt.Errorf("flag items: %w", err)
		}
	}

	for i := range p.Submissions {
		sub := &p.Submissions[i]
		if sub.ID != 0 {
			continue
		}
		if sub.SubmittedBarcodes == nil {
			sub.SubmittedBarcodes = []string{}
		}
		err := tx.QueryRow(ctx, `
			INSERT INTO prescription_submissions
			(prescription_id, pharmacy_id, submitted_at, submitted_barcodes)
			VALUES ($1, $2, $3, $4)
			RETURNING id
		`, p.ID, sub.PharmacyID, sub.SubmittedAt, sub.SubmittedBarcodes).Scan(&sub.ID)
		if err != nil {
			return nil, fmt.Errorf("insert submission: %w", err)
		}
	}

	p.Status = prescription.DeriveStatus(p.Items)
	if _, err := tx.Exec(ctx, `UPDATE prescriptions SET status = $1 WHERE id = $2`, p.Status, p.ID); err != nil {
		return nil, fmt.Errorf("update status: %w", err)
	}

	if err := s.writeEvents(ctx, tx, p); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	p.ClearChanges()
	return p, nil
}

// Get implements prescription.Store
func (s *Store) Get(ctx context.Context, id int64) (*prescription.Prescription, error) {
	ctx, span := s.tracer.Start(ctx, "store_get",
		trace.WithAttributes(attribute.Int64("prescription_id", id)))
	defer span.End()

	p := &prescription.Prescription{}
	err := s.snapshot(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			SELECT id, patient_identifier, doctor_id, created_at, status
			FROM prescriptions
			WHERE id = $1
		`, id).Scan(&p.ID, &p.PatientIdentifier, &p.DoctorID, &p.CreatedAt, &p.Status)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return prescription.ErrNotFound
			}
			return fmt.Errorf("get prescription: %w", err)
		}
		return loadChildren(ctx, tx, []*prescription.Prescription{p})
	})
	if errors.Is(err, prescription.ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, s.fail(span, err)
	}
	return p, nil
}

// List implements prescription.Store
func (s *Store) List(ctx context.Context, f prescription.Filter) ([]*prescription.Prescription, error) {
	ctx, span := s.tracer.Start(ctx, "store_list")
	defer span.End()

	where, args := buildWhere(f)
	query := `SELECT p.id, p.patient_identifier, p.doctor_id, p.created_at, p.status FROM prescriptions p` + where
	if f.NewestFirst {
		query += ` ORDER BY p.created_at DESC, p.id DESC`
	} else {
		query += ` ORDER BY p.id ASC`
	}
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(` OFFSET $%d`, len(args))
	}

	out := []*prescription.Prescription{}
	err := s.snapshot(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("list prescriptions: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			p := &prescription.Prescription{}
			if err := rows.Scan(&p.ID, &p.PatientIdentifier, &p.DoctorID, &p.CreatedAt, &p.Status); err != nil {
				return fmt.Errorf("scan prescription: %w", err)
			}
			out = append(out, p)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		rows.Close()

		return loadChildren(ctx, tx, out)
	})
	if err != nil {
		return nil, s.fail(span, err)
	}
	span.SetAttributes(attribute.Int("result_count", len(out)))
	return out, nil
}

// Count implements prescription.Store
func (s *Store) Count(ctx context.Context, f prescription.Filter) (int64, error) {
	where, args := buildWhere(f)
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM prescriptions p`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count prescriptions: %w", err)
	}
	return n, nil
}

// snapshot runs fn in a read-only repeatable-read transaction so a
// prescription row and its items and submissions are read from one snapshot.
func (s *Store) snapshot(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	})
	if err != nil {
		return fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func buildWhere(f prescription.Filter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.DoctorID != nil {
		add(`p.doctor_id = $%d`, *f.DoctorID)
	}
	if f.PharmacyID != nil {
		add(`EXISTS (SELECT 1 FROM prescription_submissions s WHERE s.prescription_id = p.id AND s.pharmacy_id = $%d)`, *f.PharmacyID)
	}
	if f.Status != nil {
		add(`p.status = $%d`, string(*f.Status))
	}
	if f.PatientIdentifier != "" {
		add(`p.patient_identifier = $%d`, f.PatientIdentifier)
	}
	if c := f.After; c != nil {
		if f.NewestFirst {
			args = append(args, c.CreatedAt, c.ID)
			conds = append(conds, fmt.Sprintf(`(p.created_at, p.id) < ($%d, $%d)`, len(args)-1, len(args)))
		} else {
			add(`p.id > $%d`, c.ID)
		}
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// loadChildren eagerly fills items and submissions for ps.
func loadChildren(ctx context.Context, q querier, ps []*prescription.Prescription) error {
	if len(ps) == 0 {
		return nil
	}

	ids := make([]int64, len(ps))
	byID := make(map[int64]*prescription.Prescription, len(ps))
	for i, p := range ps {
		ids[i] = p.ID
		byID[p.ID] = p
		p.Items = []prescription.Item{}
		p.Submissions = []prescription.Submission{}
	}

	rows, err := q.Query(ctx, `
		SELECT prescription_id, id, medicine_barcode, medicine_name, quantity, usage_instructions, is_submitted
		FROM prescription_items
		WHERE prescription_id = ANY($1)
		ORDER BY prescription_id, position
	`, ids)
	if err != nil {
		return fmt.Errorf("load items: %w", err)
	}
	for rows.Next() {
		var (
			pid int64
			it  prescription.Item
		)
		if err := rows.Scan(&pid, &it.ID, &it.MedicineBarcode, &it.MedicineName,
			&it.Quantity, &it.UsageInstructions, &it.IsSubmitted); err != nil {
			rows.Close()
			return fmt.Errorf("scan item: %w", err)
		}
		byID[pid].Items = append(byID[pid].Items, it)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("load items: %w", err)
	}

	rows, err = q.Query(ctx, `
		SELECT prescription_id, id, pharmacy_id, submitted_at, submitted_barcodes
		FROM prescription_submissions
		WHERE prescription_id = ANY($1)
		ORDER BY prescription_id, id
	`, ids)
	if err != nil {
		return fmt.Errorf("load submissions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			pid int64
			sub prescription.Submission
		)
		if err := rows.Scan(&pid, &sub.ID, &sub.PharmacyID, &sub.SubmittedAt, &sub.SubmittedBarcodes); err != nil {
			return fmt.Errorf("scan submission: %w", err)
		}
		byID[pid].Submissions = append(byID[pid].Submissions, sub)
	}
	return rows.Err()
}

func (s *Store) writeEvents(ctx context.Context, tx pgx.Tx, p *prescription.Prescription) error {
	for _, e := range p.Changes() {
		e.PrescriptionID = p.ID
		payload, err := e.Payload()
		if err != nil {
			return fmt.Errorf("encode %s: %w", e.Type, err)
		}
		err = WriteEntry(ctx, tx, &OutboxEntry{
			AggregateID:   p.AggregateKey(),
			AggregateType: e.AggregateType,
			EventType:     string(e.Type),
			Payload:       payload,
			KafkaTopic:    s.topic,
			KafkaKey:      p.AggregateKey(),
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// isRetryable reports serialization failures and deadlocks.
func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

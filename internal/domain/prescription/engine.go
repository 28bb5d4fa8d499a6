package prescription

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// DefaultListBatchSize is how many aggregates List fetches per store round trip.
const DefaultListBatchSize = 100

// Engine applies the prescription lifecycle. It keeps no state between calls
// and trusts the doctor and pharmacy ids it is given.
type Engine struct {
	store  Store
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time

	observer Observer

	rejectUnknownBarcodes bool
	batchSize             int
}

// Observer is told about lifecycle outcomes. *metrics.Metrics satisfies it.
type Observer interface {
	Created()
	Submitted(completed bool)
}

type nopObserver struct{}

func (nopObserver) Created()       {}
func (nopObserver) Submitted(bool) {}

// Option configures an Engine
type Option func(*Engine)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithRejectUnknownBarcodes makes Submit fail when a barcode matches no item.
func WithRejectUnknownBarcodes(reject bool) Option {
	return func(e *Engine) { e.rejectUnknownBarcodes = reject }
}

// WithObserver reports creations and submissions to o.
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		if o != nil {
			e.observer = o
		}
	}
}

// WithListBatchSize sets the page size used while iterating List results.
func WithListBatchSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

// NewEngine creates a new lifecycle engine
func NewEngine(store Store, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		store:     store,
		logger:    logger,
		tracer:    otel.Tracer("prescription-engine"),
		now:       func() time.Time { return time.Now().UTC() },
		observer:  nopObserver{},
		batchSize: DefaultListBatchSize,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Create validates and stores a new prescription in status Created.
func (e *Engine) Create(ctx context.Context, doctorID int64, patientIdentifier string, items []ItemInput) (*Prescription, error) {
	ctx, span := e.tracer.Start(ctx, "prescription.create",
		trace.WithAttributes(
			attribute.Int64("doctor_id", doctorID),
			attribute.Int("item_count", len(items)),
		))
	defer span.End()

	patientIdentifier = strings.TrimSpace(patientIdentifier)

	var fields []string
	if msg := validatePatientIdentifier(patientIdentifier); msg != "" {
		fields = append(fields, msg)
	}
	if len(items) == 0 {
		fields = append(fields, "items: at least one item is required")
	}
	for i, in := range items {
		fields = append(fields, in.validate(i)...)
	}
	if len(fields) > 0 {
		return nil, invalid(fields...)
	}

	p := newPrescription(doctorID, patientIdentifier, items, e.now())
	if err := e.store.Insert(ctx, p); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "insert failed")
		return nil, fmt.Errorf("insert prescription: %w", err)
	}

	span.SetAttributes(attribute.Int64("prescription_id", p.ID))
	e.observer.Created()
	e.logger.Info("prescription created",
		zap.Int64("id", p.ID),
		zap.Int64("doctor_id", doctorID),
		zap.Int("items", len(p.Items)))
	return p, nil
}

// Submit records a pharmacy fulfillment against a prescription and returns
// the refreshed aggregate.
func (e *Engine) Submit(ctx context.Context, pharmacyID, prescriptionID int64, barcodes []string) (*Prescription, error) {
	ctx, span := e.tracer.Start(ctx, "prescription.submit",
		trace.WithAttributes(
			attribute.Int64("pharmacy_id", pharmacyID),
			attribute.Int64("prescription_id", prescriptionID),
			attribute.Int("barcode_count", len(barcodes)),
		))
	defer span.End()

	barcodes, err := normalizeBarcodes(barcodes)
	if err != nil {
		return nil, err
	}

	var (
		flipped   []string
		completed bool
	)
	p, err := e.store.Update(ctx, prescriptionID, func(p *Prescription) error {
		if e.rejectUnknownBarcodes {
			if unknown := p.UnknownBarcodes(barcodes); len(unknown) > 0 {
				return invalid("barcodes: not on prescription: " + strings.Join(unknown, ", "))
			}
		}
		before := p.Status
		flipped = p.RecordSubmission(pharmacyID, barcodes, e.now())
		completed = before != StatusCompleted && p.Status == StatusCompleted
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	e.observer.Submitted(completed)

	span.SetAttributes(attribute.String("status", string(p.Status)))
	e.logger.Info("prescription submitted",
		zap.Int64("id", p.ID),
		zap.Int64("pharmacy_id", pharmacyID),
		zap.Strings("newly_submitted", flipped),
		zap.String("status", string(p.Status)))
	return p, nil
}

// Get returns a single prescription or ErrNotFound.
func (e *Engine) Get(ctx context.Context, id int64) (*Prescription, error) {
	ctx, span := e.tracer.Start(ctx, "prescription.get",
		trace.WithAttributes(attribute.Int64("prescription_id", id)))
	defer span.End()

	return e.store.Get(ctx, id)
}

// List yields every prescription matching f. The sequence is fetched lazily
// in batches and can be ranged over again to re-run the query. Limit and
// Offset on f bound the overall sequence. Batches after the first resume
// strictly after the last yielded row.
func (e *Engine) List(ctx context.Context, f Filter) iter.Seq2[*Prescription, error] {
	return func(yield func(*Prescription, error) bool) {
		remaining := f.Limit
		batch := f
		for {
			batch.Limit = e.batchSize
			if f.Limit > 0 && remaining < batch.Limit {
				batch.Limit = remaining
			}

			page, err := e.store.List(ctx, batch)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, p := range page {
				if !yield(p, nil) {
					return
				}
			}

			if len(page) > 0 {
				batch.After = CursorOf(page[len(page)-1])
				batch.Offset = 0
			}
			if f.Limit > 0 {
				remaining -= len(page)
				if remaining <= 0 {
					return
				}
			}
			if len(page) < batch.Limit {
				return
			}
		}
	}
}

// ListByPatient returns every prescription for a patient, newest first.
func (e *Engine) ListByPatient(ctx context.Context, patientIdentifier string) ([]*Prescription, error) {
	ctx, span := e.tracer.Start(ctx, "prescription.list_by_patient")
	defer span.End()

	patientIdentifier = strings.TrimSpace(patientIdentifier)
	if msg := validatePatientIdentifier(patientIdentifier); msg != "" {
		return nil, invalid(msg)
	}

	return Collect(e.List(ctx, Filter{PatientIdentifier: patientIdentifier, NewestFirst: true}))
}

// Page is one page of a filtered listing.
type Page struct {
	Items      []*Prescription `json:"items"`
	PageNumber int             `json:"pageNumber"`
	PageSize   int             `json:"pageSize"`
	TotalCount int64           `json:"totalCount"`
	TotalPages int             `json:"totalPages"`
}

// ListPage returns the 1-based page of prescriptions matching f.
func (e *Engine) ListPage(ctx context.Context, f Filter, pageNumber, pageSize int) (*Page, error) {
	ctx, span := e.tracer.Start(ctx, "prescription.list_page",
		trace.WithAttributes(
			attribute.Int("page", pageNumber),
			attribute.Int("page_size", pageSize),
		))
	defer span.End()

	if pageNumber < 1 {
		pageNumber = 1
	}
	if pageSize < 1 {
		pageSize = 10
	}

	total, err := e.store.Count(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("count prescriptions: %w", err)
	}

	f.Offset = (pageNumber - 1) * pageSize
	f.Limit = pageSize
	items, err := Collect(e.List(ctx, f))
	if err != nil {
		return nil, err
	}

	return &Page{
		Items:      items,
		PageNumber: pageNumber,
		PageSize:   pageSize,
		TotalCount: total,
		TotalPages: int((total + int64(pageSize) - 1) / int64(pageSize)),
	}, nil
}

// Collect drains a sequence into a slice, stopping at the first error.
func Collect(seq iter.Seq2[*Prescription, error]) ([]*Prescription, error) {
	out := []*Prescription{}
	for p, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// normalizeBarcodes trims submitted barcodes the way Create trims item
// barcodes. Length is not checked: an over-long barcode matches no item and
// is recorded like any other unknown one.
func normalizeBarcodes(barcodes []string) ([]string, error) {
	if len(barcodes) == 0 {
		return nil, invalid("barcodes: at least one barcode is required")
	}
	out := make([]string, len(barcodes))
	var fields []string
	for i, b := range barcodes {
		out[i] = strings.TrimSpace(b)
		if out[i] == "" {
			fields = append(fields, fmt.Sprintf("barcodes[%d]: is required", i))
		}
	}
	if len(fields) > 0 {
		return nil, invalid(fields...)
	}
	return out, nil
}

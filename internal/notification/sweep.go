package notification

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxfill/internal/domain/prescription"
	"github.com/drfirst/go-rxfill/internal/observability/metrics"
)

// Lister is the read side of the lifecycle engine the sweep depends on.
type Lister interface {
	List(ctx context.Context, f prescription.Filter) iter.Seq2[*prescription.Prescription, error]
}

// Report summarizes one sweep run.
type Report struct {
	Found   int `json:"found"`
	Emitted int `json:"emitted"`
	Failed  int `json:"failed"`
}

// Sweeper scans for partially submitted prescriptions and emits one
// notification for each. It keeps no checkpoint; every run rescans.
type Sweeper struct {
	lister  Lister
	emitter Emitter
	metrics *metrics.Metrics
	logger  *zap.Logger
	tracer  trace.Tracer
	now     func() time.Time
	newID   func() string
}

// NewSweeper creates a sweeper. m may be nil.
func NewSweeper(lister Lister, emitter Emitter, m *metrics.Metrics, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		lister:  lister,
		emitter: emitter,
		metrics: m,
		logger:  logger,
		tracer:  otel.Tracer("notification-sweep"),
		now:     func() time.Time { return time.Now().UTC() },
		newID:   func() string { return uuid.NewString() },
	}
}

// Run performs one sweep. A failing emit is logged and counted and the sweep
// moves on; a failing query aborts the run and is returned.
func (s *Sweeper) Run(ctx context.Context) (*Report, error) {
	ctx, span := s.tracer.Start(ctx, "notification.sweep")
	defer span.End()

	status := prescription.StatusPartiallySubmitted
	report := &Report{}
	sweptAt := s.now()

	for p, err := range s.lister.List(ctx, prescription.Filter{Status: &status}) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "list failed")
			s.logger.Error("notification sweep failed",
				zap.Int("found", report.Found),
				zap.Error(err))
			s.metrics.SweepRun("error")
			return report, fmt.Errorf("list incomplete prescriptions: %w", err)
		}

		report.Found++
		n := FromPrescription(s.newID(), p, sweptAt)
		if err := s.emitter.Emit(ctx, n); err != nil {
			report.Failed++
			s.metrics.NotificationEmitted(false)
			s.logger.Error("failed to emit notification",
				zap.Int64("prescription_id", p.ID),
				zap.String("event_id", n.EventID),
				zap.Error(err))
			continue
		}
		report.Emitted++
		s.metrics.NotificationEmitted(true)
	}

	span.SetAttributes(
		attribute.Int("found", report.Found),
		attribute.Int("emitted", report.Emitted),
		attribute.Int("failed", report.Failed),
	)
	s.metrics.SweepRun("ok")
	s.logger.Info("notification sweep finished",
		zap.Int("found", report.Found),
		zap.Int("emitted", report.Emitted),
		zap.Int("failed", report.Failed))
	return report, nil
}

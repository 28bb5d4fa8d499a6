package notification

import (
	"context"
	"errors"
	"iter"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/drfirst/go-rxfill/internal/domain/prescription"
	"github.com/drfirst/go-rxfill/internal/infrastructure/memory"
	"github.com/drfirst/go-rxfill/internal/observability/metrics"
)

type recordingEmitter struct {
	mu     sync.Mutex
	seen   []*Notification
	failID int64
}

func (r *recordingEmitter) Emit(ctx context.Context, n *Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n.PrescriptionID == r.failID {
		return errors.New("outbox unavailable")
	}
	r.seen = append(r.seen, n)
	return nil
}

func items() []prescription.ItemInput {
	return []prescription.ItemInput{
		{Barcode: "A1", Name: "Amoxicillin", Quantity: 2, Usage: "1x1"},
		{Barcode: "B2", Name: "Ibuprofen", Quantity: 1, Usage: "2x1"},
	}
}

// seed creates one Created, two PartiallySubmitted and one Completed
// prescription and returns the ids of the partial ones.
func seed(t *testing.T, engine *prescription.Engine) []int64 {
	t.Helper()
	ctx := context.Background()

	mk := func() *prescription.Prescription {
		p, err := engine.Create(ctx, 7, "12345678901", items())
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		return p
	}
	submit := func(id int64, barcodes ...string) {
		if _, err := engine.Submit(ctx, 3, id, barcodes); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}

	mk()
	p1, p2, p3 := mk(), mk(), mk()
	submit(p1.ID, "A1")
	submit(p2.ID, "B2")
	submit(p3.ID, "A1", "B2")
	return []int64{p1.ID, p2.ID}
}

func TestSweepEmitsOnePerPartiallySubmitted(t *testing.T) {
	engine := prescription.NewEngine(memory.NewStore(nil), nil, prescription.WithListBatchSize(1))
	partial := seed(t, engine)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	emitter := &recordingEmitter{}
	sweeper := NewSweeper(engine, emitter, m, nil)

	report, err := sweeper.Run(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.Found != 2 || report.Emitted != 2 || report.Failed != 0 {
		t.Errorf("report = %+v, want found=2 emitted=2", report)
	}

	if len(emitter.seen) != len(partial) {
		t.Fatalf("emitted %d notifications, want %d", len(emitter.seen), len(partial))
	}
	ids := map[string]bool{}
	for i, n := range emitter.seen {
		if n.PrescriptionID != partial[i] {
			t.Errorf("notification %d for prescription %d, want %d", i, n.PrescriptionID, partial[i])
		}
		if n.ItemCount != 2 || len(n.PendingBarcodes) != 1 {
			t.Errorf("notification %d: items=%d pending=%v", i, n.ItemCount, n.PendingBarcodes)
		}
		if ids[n.EventID] {
			t.Errorf("duplicate event id %s", n.EventID)
		}
		ids[n.EventID] = true
	}

	if got := testutil.ToFloat64(m.NotificationsEmitted.WithLabelValues("ok")); got != 2 {
		t.Errorf("emitted metric = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.SweepRuns.WithLabelValues("ok")); got != 1 {
		t.Errorf("sweep runs metric = %v, want 1", got)
	}

	// A second run rescans and emits again with fresh event ids.
	report, err = sweeper.Run(context.Background())
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if report.Emitted != 2 || len(emitter.seen) != 4 {
		t.Errorf("second run emitted %d (total %d)", report.Emitted, len(emitter.seen))
	}
	if emitter.seen[2].EventID == emitter.seen[0].EventID {
		t.Error("event ids must differ between runs")
	}
}

func TestSweepContinuesAfterEmitFailure(t *testing.T) {
	engine := prescription.NewEngine(memory.NewStore(nil), nil)
	partial := seed(t, engine)

	emitter := &recordingEmitter{failID: partial[0]}
	report, err := NewSweeper(engine, emitter, nil, nil).Run(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.Found != 2 || report.Emitted != 1 || report.Failed != 1 {
		t.Errorf("report = %+v, want found=2 emitted=1 failed=1", report)
	}
	if len(emitter.seen) != 1 || emitter.seen[0].PrescriptionID != partial[1] {
		t.Errorf("unexpected emitted set: %+v", emitter.seen)
	}
}

type failingLister struct{}

func (failingLister) List(ctx context.Context, f prescription.Filter) iter.Seq2[*prescription.Prescription, error] {
	return func(yield func(*prescription.Prescription, error) bool) {
		yield(nil, prescription.ErrUnavailable)
	}
}

func TestSweepReturnsListError(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	_, err := NewSweeper(failingLister{}, &recordingEmitter{}, m, nil).Run(context.Background())
	if !errors.Is(err, prescription.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if got := testutil.ToFloat64(m.SweepRuns.WithLabelValues("error")); got != 1 {
		t.Errorf("sweep error metric = %v, want 1", got)
	}
}

func TestLogEmitterHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := NewLogEmitter(nil).Emit(ctx, &Notification{}); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

type countingRunner struct {
	runs atomic.Int32
	hit  chan struct{}
}

func (c *countingRunner) Run(ctx context.Context) (*Report, error) {
	if c.runs.Add(1) == 2 {
		close(c.hit)
	}
	return &Report{}, nil
}

func TestSchedulerRunsOnInterval(t *testing.T) {
	runner := &countingRunner{hit: make(chan struct{})}
	s := NewScheduler(runner, SchedulerConfig{
		Interval:   10 * time.Millisecond,
		Timeout:    time.Second,
		RunOnStart: true,
	}, nil)
	s.Start()
	defer s.Stop()

	select {
	case <-runner.hit:
	case <-time.After(2 * time.Second):
		t.Fatalf("runs = %d, want at least 2", runner.runs.Load())
	}
}

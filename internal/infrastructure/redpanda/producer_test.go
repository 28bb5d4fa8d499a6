package redpanda

import (
	"context"
	"errors"
	"testing"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/drfirst/go-rxfill/pkg/circuitbreaker"
)

func TestHeaderCarrierRoundTrip(t *testing.T) {
	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	prop := propagation.TraceContext{}
	record := &kgo.Record{Topic: TopicPrescriptionEvents}
	prop.Inject(ctx, headerCarrier{record})

	if got := (headerCarrier{record}).Get("traceparent"); got == "" {
		t.Fatal("traceparent header not set")
	}

	// Setting again replaces rather than duplicates.
	prop.Inject(ctx, headerCarrier{record})
	if n := len(record.Headers); n != 1 {
		t.Errorf("headers = %d, want 1", n)
	}

	extracted := trace.SpanContextFromContext(prop.Extract(context.Background(), headerCarrier{record}))
	if extracted.TraceID() != traceID || extracted.SpanID() != spanID {
		t.Errorf("extracted %v, want trace %v span %v", extracted, traceID, spanID)
	}
}

type fakePublisher struct {
	calls int
	err   error
}

func (f *fakePublisher) Publish(ctx context.Context, topic, key string, value []byte) error {
	f.calls++
	return f.err
}

func TestGuardedPublisherOpensOnFailures(t *testing.T) {
	cfg := circuitbreaker.DefaultConfig("kafka")
	cfg.FailureThreshold = 2
	cb, err := circuitbreaker.New(cfg, nil)
	if err != nil {
		t.Fatalf("breaker: %v", err)
	}

	next := &fakePublisher{err: errors.New("broker unreachable")}
	pub := NewGuardedPublisher(next, cb)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := pub.Publish(ctx, TopicPrescriptionEvents, "1", []byte("{}")); err == nil {
			t.Fatal("expected publish error")
		}
	}

	err = pub.Publish(ctx, TopicPrescriptionEvents, "1", []byte("{}"))
	if !errors.Is(err, circuitbreaker.ErrOpen) {
		t.Errorf("expected ErrOpen, got %v", err)
	}
	if next.calls != 2 {
		t.Errorf("underlying calls = %d, want 2", next.calls)
	}
}

func TestDefaultTopicConfigs(t *testing.T) {
	want := map[string]bool{
		TopicPrescriptionEvents:        false,
		TopicPrescriptionNotifications: false,
		TopicDeadLetter:                false,
	}
	for _, cfg := range DefaultTopicConfigs() {
		if _, ok := want[cfg.Name]; !ok {
			t.Errorf("unexpected topic %s", cfg.Name)
		}
		want[cfg.Name] = true
		if cfg.Partitions < 1 {
			t.Errorf("%s: partitions = %d", cfg.Name, cfg.Partitions)
		}
	}
	for name, seen := range want {
		if !seen {
			t.Errorf("missing topic %s", name)
		}
	}
}

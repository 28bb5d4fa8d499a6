// Package redpanda provides Kafka-compatible streaming with franz-go.
package redpanda

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxfill/pkg/circuitbreaker"
)

// ProducerConfig holds configuration for the Redpanda producer
type ProducerConfig struct {
	Brokers []string
	// BatchMaxBytes is the maximum batch size
	BatchMaxBytes int32
	// Linger is how long to wait for a batch to fill
	Linger time.Duration
	// Compression is one of lz4, snappy, gzip, zstd or empty
	Compression string
	// RequiredAcks is -1 for all replicas, 1 for leader, 0 for none
	RequiredAcks int16
	MaxRetries   int
	RetryBackoff time.Duration
}

// DefaultProducerConfig favours durability: the outbox relay publishes one
// record at a time and waits for every in-sync replica.
func DefaultProducerConfig() ProducerConfig {
	return ProducerConfig{
		Brokers:       []string{"localhost:9092"},
		BatchMaxBytes: 1 << 20,
		Linger:        5 * time.Millisecond,
		Compression:   "lz4",
		RequiredAcks:  -1,
		MaxRetries:    3,
		RetryBackoff:  100 * time.Millisecond,
	}
}

// Producer publishes records and waits for acknowledgement
type Producer struct {
	client *kgo.Client
	logger *zap.Logger
	tracer trace.Tracer

	mu           sync.RWMutex
	messagesSent int64
	bytesSent    int64
	errorCount   int64
}

// NewProducer creates a new Redpanda producer
func NewProducer(cfg ProducerConfig, logger *zap.Logger) (*Producer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ProducerBatchMaxBytes(cfg.BatchMaxBytes),
		kgo.ProducerLinger(cfg.Linger),
		kgo.RecordRetries(cfg.MaxRetries),
		kgo.RetryBackoffFn(func(attempt int) time.Duration {
			return cfg.RetryBackoff * time.Duration(attempt+1)
		}),
	}

	switch cfg.RequiredAcks {
	case 0:
		opts = append(opts, kgo.RequiredAcks(kgo.NoAck()), kgo.DisableIdempotentWrite())
	case 1:
		opts = append(opts, kgo.RequiredAcks(kgo.LeaderAck()), kgo.DisableIdempotentWrite())
	default:
		opts = append(opts, kgo.RequiredAcks(kgo.AllISRAcks()))
	}

	switch cfg.Compression {
	case "lz4":
		opts = append(opts, kgo.ProducerBatchCompression(kgo.Lz4Compression()))
	case "snappy":
		opts = append(opts, kgo.ProducerBatchCompression(kgo.SnappyCompression()))
	case "gzip":
		opts = append(opts, kgo.ProducerBatchCompression(kgo.GzipCompression()))
	case "zstd":
		opts = append(opts, kgo.ProducerBatchCompression(kgo.ZstdCompression()))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	return &Producer{
		client: client,
		logger: logger,
		tracer: otel.Tracer("redpanda-producer"),
	}, nil
}

// Publish sends one record and blocks until the broker acknowledges it.
// Trace context is carried in the record headers.
func (p *Producer) Publish(ctx context.Context, topic, key string, value []byte) error {
	ctx, span := p.tracer.Start(ctx, "produce_message",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("topic", topic),
			attribute.String("key", key),
			attribute.Int("value_size", len(value)),
		))
	defer span.End()

	record := &kgo.Record{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
	}
	otel.GetTextMapPropagator().Inject(ctx, headerCarrier{record})

	res := p.client.ProduceSync(ctx, record)
	if err := res.FirstErr(); err != nil {
		p.record(0, err)
		span.RecordError(err)
		p.logger.Error("failed to produce message",
			zap.String("topic", topic),
			zap.String("key", key),
			zap.Error(err))
		return fmt.Errorf("produce to %s: %w", topic, err)
	}

	r := res[0].Record
	p.record(len(r.Value), nil)
	p.logger.Debug("message produced",
		zap.String("topic", r.Topic),
		zap.Int32("partition", r.Partition),
		zap.Int64("offset", r.Offset))
	return nil
}

// Flush blocks until all buffered records are sent
func (p *Producer) Flush(ctx context.Context) error {
	if err := p.client.Flush(ctx); err != nil {
		return fmt.Errorf("flush failed: %w", err)
	}
	return nil
}

// Ping checks broker connectivity
func (p *Producer) Ping(ctx context.Context) error {
	return p.client.Ping(ctx)
}

// Close flushes and closes the producer
func (p *Producer) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := p.client.Flush(ctx); err != nil {
		p.logger.Warn("error flushing on close", zap.Error(err))
	}
	p.client.Close()
}

// ProducerStats holds producer statistics
type ProducerStats struct {
	MessagesSent int64
	BytesSent    int64
	ErrorCount   int64
}

// Stats returns current producer statistics
func (p *Producer) Stats() ProducerStats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return ProducerStats{
		MessagesSent: p.messagesSent,
		BytesSent:    p.bytesSent,
		ErrorCount:   p.errorCount,
	}
}

func (p *Producer) record(bytes int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.errorCount++
		return
	}
	p.messagesSent++
	p.bytesSent += int64(bytes)
}

// Publisher is anything that can publish one record
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// GuardedPublisher routes publishes through a circuit breaker so a broker
// outage fails fast instead of stalling every outbox entry.
type GuardedPublisher struct {
	next    Publisher
	breaker *circuitbreaker.CircuitBreaker
}

// NewGuardedPublisher wraps next with breaker
func NewGuardedPublisher(next Publisher, breaker *circuitbreaker.CircuitBreaker) *GuardedPublisher {
	return &GuardedPublisher{next: next, breaker: breaker}
}

// Publish implements Publisher
func (g *GuardedPublisher) Publish(ctx context.Context, topic, key string, value []byte) error {
	return g.breaker.Do(ctx, func(ctx context.Context) error {
		return g.next.Publish(ctx, topic, key, value)
	})
}

// headerCarrier adapts record headers to the OpenTelemetry propagator.
type headerCarrier struct {
	r *kgo.Record
}

func (c headerCarrier) Get(key string) string {
	for _, h := range c.r.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c headerCarrier) Set(key, value string) {
	for i, h := range c.r.Headers {
		if h.Key == key {
			c.r.Headers[i].Value = []byte(value)
			return
		}
	}
	c.r.Headers = append(c.r.Headers, kgo.RecordHeader{Key: key, Value: []byte(value)})
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, len(c.r.Headers))
	for i, h := range c.r.Headers {
		keys[i] = h.Key
	}
	return keys
}

package redpanda

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ConsumerConfig holds configuration for the Redpanda consumer
type ConsumerConfig struct {
	Brokers []string
	GroupID string
	Topics  []string
	// SessionTimeout is the group session timeout
	SessionTimeout time.Duration
	// HeartbeatInterval is the group heartbeat interval
	HeartbeatInterval time.Duration
	// FetchMaxBytes is the maximum fetch size
	FetchMaxBytes int32
	// StartOffset is "earliest" or "latest"
	StartOffset string
}

// DefaultConsumerConfig returns sensible defaults
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Brokers:           []string{"localhost:9092"},
		GroupID:           "notification-dispatcher",
		SessionTimeout:    30 * time.Second,
		HeartbeatInterval: 3 * time.Second,
		FetchMaxBytes:     50 << 20,
		StartOffset:       "earliest",
	}
}

// MessageHandler is called for each consumed message
type MessageHandler func(ctx context.Context, msg *ConsumedMessage) error

// ConsumedMessage represents a consumed Kafka message
type ConsumedMessage struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

// Consumer reads records in a consumer group and commits each offset after
// its handler returns. Handler failures are logged and the record is still
// committed, so handlers own their retries.
type Consumer struct {
	client  *kgo.Client
	logger  *zap.Logger
	tracer  trace.Tracer
	handler MessageHandler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.RWMutex
	messagesRead int64
	errorCount   int64
	lastCommit   time.Time
}

// NewConsumer creates a new Redpanda consumer
func NewConsumer(cfg ConsumerConfig, handler MessageHandler, logger *zap.Logger) (*Consumer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if handler == nil {
		return nil, errors.New("message handler is required")
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.SessionTimeout(cfg.SessionTimeout),
		kgo.HeartbeatInterval(cfg.HeartbeatInterval),
		kgo.FetchMaxBytes(cfg.FetchMaxBytes),
		kgo.AutoCommitMarks(),
		kgo.OnPartitionsAssigned(func(ctx context.Context, _ *kgo.Client, assigned map[string][]int32) {
			logger.Info("partitions assigned", zap.Any("partitions", assigned))
		}),
		kgo.OnPartitionsRevoked(func(ctx context.Context, cl *kgo.Client, revoked map[string][]int32) {
			logger.Info("partitions revoked", zap.Any("partitions", revoked))
			if err := cl.CommitMarkedOffsets(ctx); err != nil {
				logger.Warn("commit on revoke failed", zap.Error(err))
			}
		}),
	}

	if cfg.StartOffset == "latest" {
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()))
	} else {
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Consumer{
		client:  client,
		logger:  logger,
		tracer:  otel.Tracer("redpanda-consumer"),
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start begins consuming messages
func (c *Consumer) Start() {
	c.wg.Add(1)
	go c.consumeLoop()
}

// Stop stops polling, commits marked offsets and closes the client
func (c *Consumer) Stop() {
	c.cancel()
	c.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := c.client.CommitMarkedOffsets(ctx); err != nil {
		c.logger.Warn("error committing offsets on stop", zap.Error(err))
	}
	c.client.Close()
}

func (c *Consumer) consumeLoop() {
	defer c.wg.Done()

	for {
		fetches := c.client.PollFetches(c.ctx)
		if fetches.IsClientClosed() || c.ctx.Err() != nil {
			return
		}

		fetches.EachError(func(topic string, partition int32, err error) {
			c.logger.Error("fetch error",
				zap.String("topic", topic),
				zap.Int32("partition", partition),
				zap.Error(err))
			c.incrementErrors()
		})

		fetches.EachRecord(c.processRecord)

		if err := c.client.CommitMarkedOffsets(c.ctx); err != nil && c.ctx.Err() == nil {
			c.logger.Error("failed to commit offsets", zap.Error(err))
		} else {
			c.mu.Lock()
			c.lastCommit = time.Now()
			c.mu.Unlock()
		}
	}
}

func (c *Consumer) processRecord(record *kgo.Record) {
	ctx := otel.GetTextMapPropagator().Extract(c.ctx, headerCarrier{record})
	ctx, span := c.tracer.Start(ctx, "process_message",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("topic", record.Topic),
			attribute.Int64("partition", int64(record.Partition)),
			attribute.Int64("offset", record.Offset),
		))
	defer span.End()

	msg := &ConsumedMessage{
		Topic:     record.Topic,
		Partition: record.Partition,
		Offset:    record.Offset,
		Key:       record.Key,
		Value:     record.Value,
		Headers:   make(map[string]string, len(record.Headers)),
		Timestamp: record.Timestamp,
	}
	for _, h := range record.Headers {
		msg.Headers[h.Key] = string(h.Value)
	}

	if err := c.handler(ctx, msg); err != nil {
		c.logger.Error("message handler failed",
			zap.String("topic", record.Topic),
			zap.Int32("partition", record.Partition),
			zap.Int64("offset", record.Offset),
			zap.Error(err))
		span.RecordError(err)
		c.incrementErrors()
	}

	c.mu.Lock()
	c.messagesRead++
	c.mu.Unlock()
	c.client.MarkCommitRecords(record)
}

// ConsumerStats holds consumer statistics
type ConsumerStats struct {
	MessagesRead   int64
	ErrorCount     int64
	LastCommitTime time.Time
}

// Stats returns current consumer statistics
func (c *Consumer) Stats() ConsumerStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ConsumerStats{
		MessagesRead:   c.messagesRead,
		ErrorCount:     c.errorCount,
		LastCommitTime: c.lastCommit,
	}
}

func (c *Consumer) incrementErrors() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errorCount++
}

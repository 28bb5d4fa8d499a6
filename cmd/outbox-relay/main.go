// Package main provides the outbox relay service entry point.
// It publishes committed outbox entries to Redpanda.
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxfill/internal/config"
	"github.com/drfirst/go-rxfill/internal/infrastructure/postgres"
	"github.com/drfirst/go-rxfill/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rxfill/internal/observability/metrics"
	"github.com/drfirst/go-rxfill/internal/observability/tracing"
	"github.com/drfirst/go-rxfill/pkg/circuitbreaker"
	"github.com/drfirst/go-rxfill/pkg/logger"
)

const serviceName = "outbox-relay"

func main() {
	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("failed to load config", zap.Error(err))
	}

	log, err := logger.New(serviceName, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		zap.NewExample().Fatal("failed to build logger", zap.Error(err))
	}
	defer log.Sync()

	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracingCfg := tracing.DefaultConfig(serviceName)
	tracingCfg.Enabled = cfg.TracingEnabled
	tracingCfg.Environment = cfg.Env
	tracingCfg.OTLPEndpoint = cfg.OTLPEndpoint
	tracingCfg.SampleRate = cfg.TracingSampleRate
	tp, err := tracing.Init(ctx, tracingCfg)
	if err != nil {
		log.Fatal("failed to init tracing", zap.Error(err))
	}

	m := metrics.New(nil)

	pool, err := postgres.Connect(ctx, postgres.PoolConfig{
		URL:            cfg.DatabaseURL,
		MaxConns:       cfg.DBMaxConns,
		ConnectTimeout: cfg.DBConnectTimeout,
	}, log)
	if err != nil {
		log.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()

	if cfg.DBAutoMigrate {
		if err := postgres.EnsureSchema(ctx, pool); err != nil {
			log.Fatal("schema bootstrap failed", zap.Error(err))
		}
	}

	admin, err := redpanda.NewAdmin(cfg.KafkaBrokers, log.Named("admin"))
	if err != nil {
		log.Fatal("admin client creation failed", zap.Error(err))
	}
	if err := admin.EnsureTopics(ctx); err != nil {
		log.Fatal("topic bootstrap failed", zap.Error(err))
	}
	admin.Close()

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.KafkaBrokers
	producer, err := redpanda.NewProducer(producerCfg, log.Named("producer"))
	if err != nil {
		log.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()

	breakerCfg := circuitbreaker.DefaultConfig("redpanda-producer")
	breakerCfg.OnStateChange = func(name string, from, to circuitbreaker.State) {
		m.SetBreakerState(name, to.Level())
	}
	breaker, err := circuitbreaker.New(breakerCfg, log.Named("breaker"))
	if err != nil {
		log.Fatal("circuit breaker creation failed", zap.Error(err))
	}
	m.SetBreakerState(breakerCfg.Name, breaker.State().Level())

	log.Info("connected to Redpanda", zap.Strings("brokers", cfg.KafkaBrokers))

	outboxCfg := postgres.DefaultOutboxConfig()
	outboxCfg.BatchSize = cfg.OutboxBatchSize
	outboxCfg.PollInterval = cfg.OutboxPollInterval
	outbox := postgres.NewOutbox(pool, redpanda.NewGuardedPublisher(producer, breaker), outboxCfg, log.Named("outbox"))
	outbox.OnStats(func(s *postgres.OutboxStats) {
		m.SetOutboxPending(s.Pending)
	})
	outbox.Start()

	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if breaker.State() == circuitbreaker.StateOpen {
			http.Error(w, "broker circuit open", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	})
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := producer.Ping(r.Context()); err != nil {
			http.Error(w, "broker unreachable", http.StatusServiceUnavailable)
			return
		}
		if err := pool.Ping(r.Context()); err != nil {
			http.Error(w, "database unreachable", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ready"))
	})
	r.Handle("/metrics", metrics.Handler(nil))
	server := &http.Server{Addr: ":" + cfg.Port, Handler: r, ReadTimeout: 5 * time.Second}

	go func() {
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	server.Shutdown(shutdownCtx)
	outbox.Stop()
	if err := producer.Flush(shutdownCtx); err != nil {
		log.Warn("producer flush failed", zap.Error(err))
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Warn("tracer shutdown failed", zap.Error(err))
	}
	log.Info("outbox relay stopped")
}

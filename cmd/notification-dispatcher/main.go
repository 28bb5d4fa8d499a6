// Package main provides the notification dispatcher entry point.
// It consumes incomplete-prescription notifications and mails them once
// per event.
package main

import (
	"context"
	"encoding/json"
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
	"github.com/drfirst/go-rxfill/internal/notification"
	"github.com/drfirst/go-rxfill/internal/observability/metrics"
	"github.com/drfirst/go-rxfill/internal/observability/tracing"
	"github.com/drfirst/go-rxfill/pkg/circuitbreaker"
	"github.com/drfirst/go-rxfill/pkg/idempotency"
	"github.com/drfirst/go-rxfill/pkg/logger"
	"github.com/drfirst/go-rxfill/pkg/workerpool"
)

const serviceName = "notification-dispatcher"

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

	inbox := idempotency.NewInbox(pool, idempotency.DefaultInboxConfig(), log.Named("inbox"))
	inbox.StartCleanup()

	breakerTemplate := circuitbreaker.DefaultConfig("")
	breakerTemplate.OnStateChange = func(name string, from, to circuitbreaker.State) {
		m.SetBreakerState(name, to.Level())
	}
	breakers := circuitbreaker.NewManager(breakerTemplate, log.Named("breaker"))

	mailer := notification.NewLogMailer(log.Named("mailer"))
	guard, err := breakers.Get(mailer.Channel())
	if err != nil {
		log.Fatal("circuit breaker creation failed", zap.Error(err))
	}

	poolCfg := workerpool.DefaultConfig()
	poolCfg.Workers = cfg.DispatchWorkers
	dispatcher, err := notification.NewDispatcher(notification.DispatcherConfig{
		Pool:    poolCfg,
		Mailer:  mailer,
		Deduper: inbox,
		Guard:   guard,
		Metrics: m,
	}, log.Named("dispatcher"))
	if err != nil {
		log.Fatal("dispatcher creation failed", zap.Error(err))
	}
	dispatcher.Start()

	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = cfg.KafkaBrokers
	consumerCfg.GroupID = cfg.KafkaGroupID
	consumerCfg.Topics = []string{redpanda.TopicPrescriptionNotifications}
	consumer, err := redpanda.NewConsumer(consumerCfg, dispatcher.Handle, log.Named("consumer"))
	if err != nil {
		log.Fatal("consumer creation failed", zap.Error(err))
	}
	consumer.Start()

	admin, err := redpanda.NewAdmin(cfg.KafkaBrokers, log.Named("admin"))
	if err != nil {
		log.Fatal("admin client creation failed", zap.Error(err))
	}
	defer admin.Close()

	log.Info("notification dispatcher started",
		zap.Strings("brokers", cfg.KafkaBrokers),
		zap.String("group", cfg.KafkaGroupID),
		zap.Int("workers", poolCfg.Workers))

	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		if !dispatcher.IsHealthy() {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]any{
			"consumer": consumer.Stats(),
			"workers":  dispatcher.Stats(),
			"breakers": breakers.Health(),
		})
	})
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := redpanda.HealthCheck(r.Context(), cfg.KafkaBrokers); err != nil {
			http.Error(w, "broker unreachable", http.StatusServiceUnavailable)
			return
		}
		if err := pool.Ping(r.Context()); err != nil {
			http.Error(w, "database unreachable", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ready"))
	})
	r.Get("/lag", func(w http.ResponseWriter, r *http.Request) {
		lag, err := admin.ConsumerGroupLag(r.Context(), cfg.KafkaGroupID)
		if err != nil {
			log.Warn("lag lookup failed", zap.Error(err))
			http.Error(w, "lag unavailable", http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(lag)
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	server.Shutdown(shutdownCtx)

	// Stop polling first so no new work reaches the pool, then drain it.
	consumer.Stop()
	dispatcher.Stop()
	inbox.Stop()

	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Warn("tracer shutdown failed", zap.Error(err))
	}
	log.Info("notification dispatcher stopped")
}

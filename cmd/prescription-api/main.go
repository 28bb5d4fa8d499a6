// Package main provides the prescription API service entry point.
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
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxfill/internal/api/handlers"
	"github.com/drfirst/go-rxfill/internal/api/middleware"
	"github.com/drfirst/go-rxfill/internal/config"
	"github.com/drfirst/go-rxfill/internal/domain/prescription"
	"github.com/drfirst/go-rxfill/internal/identity"
	"github.com/drfirst/go-rxfill/internal/infrastructure/memory"
	"github.com/drfirst/go-rxfill/internal/infrastructure/postgres"
	"github.com/drfirst/go-rxfill/internal/notification"
	"github.com/drfirst/go-rxfill/internal/observability/metrics"
	"github.com/drfirst/go-rxfill/internal/observability/tracing"
	"github.com/drfirst/go-rxfill/pkg/logger"
)

const serviceName = "prescription-api"

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

	// Without a database the service runs on the in-memory store, which is
	// only allowed in development.
	var (
		store prescription.Store
		pool  *pgxpool.Pool
	)
	if cfg.DatabaseURL != "" {
		pool, err = postgres.Connect(ctx, postgres.PoolConfig{
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
		store = postgres.NewStore(pool, log.Named("store"))
	} else {
		log.Warn("DATABASE_URL not set, using in-memory store")
		store = memory.NewStore(log.Named("store"))
	}

	engine := prescription.NewEngine(store, log.Named("engine"),
		prescription.WithRejectUnknownBarcodes(cfg.SubmitRejectUnknownBarcodes),
		prescription.WithObserver(m))

	var emitter notification.Emitter = notification.NewLogEmitter(log.Named("notifications"))
	if cfg.NotificationSink == config.SinkOutbox {
		emitter = postgres.NewOutboxEmitter(pool, log.Named("notifications"))
	}
	sweeper := notification.NewSweeper(engine, emitter, m, log.Named("sweep"))

	var scheduler *notification.Scheduler
	if cfg.SweepEnabled {
		scheduler = notification.NewScheduler(sweeper, notification.SchedulerConfig{
			Interval: cfg.SweepInterval,
			Timeout:  cfg.SweepTimeout,
		}, log.Named("scheduler"))
		scheduler.Start()
	}

	verifier := identity.NewVerifier(cfg.AuthSecret, cfg.AuthIssuer)
	h := handlers.NewPrescriptionHandler(engine, sweeper, m, log.Named("http"))

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS(cfg.CORSOrigins))
	r.Use(middleware.Recover(log))
	r.Use(middleware.Tracing(serviceName))
	r.Use(middleware.Metrics(m))
	r.Use(middleware.Logger(log))

	r.Get("/health", healthHandler)
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if pool != nil {
			if err := pool.Ping(r.Context()); err != nil {
				http.Error(w, "not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})
	r.Handle("/metrics", metrics.Handler(nil))
	r.Mount("/prescriptions", h.Routes(verifier))

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		<-ctx.Done()
		log.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("shutdown error", zap.Error(err))
		}
	}()

	log.Info("starting prescription API",
		zap.String("port", cfg.Port),
		zap.String("env", cfg.Env),
		zap.String("notification_sink", cfg.NotificationSink))
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		log.Fatal("server error", zap.Error(err))
	}
	<-drained

	if scheduler != nil {
		scheduler.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Warn("tracer shutdown failed", zap.Error(err))
	}
	log.Info("server stopped")
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": serviceName,
		"version": "1.0.0",
	})
}

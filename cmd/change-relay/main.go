// Command change-relay publishes collection changes recorded in the Postgres
// outbox to the change topic.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/curebird/curebird/internal/config"
	"github.com/curebird/curebird/internal/infrastructure/postgres"
	"github.com/curebird/curebird/internal/infrastructure/redpanda"
	"github.com/curebird/curebird/internal/observability/metrics"
	"github.com/curebird/curebird/internal/observability/tracing"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	if cfg.DatabaseURL == "" || len(cfg.RedpandaBrokers) == 0 {
		logger.Fatal("DATABASE_URL and REDPANDA_BROKERS are required")
	}
	logger = logger.With(zap.String("service", "change-relay"), zap.String("instance", cfg.InstanceID))

	ctx := context.Background()

	tcfg := tracing.DefaultConfig("change-relay")
	tcfg.Environment = cfg.Env
	tcfg.OTLPEndpoint = cfg.OTLPEndpoint
	tcfg.SampleRate = cfg.TraceSampleRate
	tp, err := tracing.Init(ctx, tcfg)
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}

	pool, err := postgres.NewPool(ctx, postgres.PoolConfig{URL: cfg.DatabaseURL, MaxConns: 4})
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()

	logger.Info("connected to database")

	m := metrics.New()

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.RedpandaBrokers

	producer, err := redpanda.NewProducer(producerCfg, logger, redpanda.WithPublishCounter(m.ChangesPublished))
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()

	logger.Info("connected to Redpanda", zap.Strings("brokers", cfg.RedpandaBrokers))

	outboxCfg := postgres.DefaultOutboxConfig()
	outboxCfg.PollInterval = cfg.OutboxPollInterval
	outboxCfg.BatchSize = cfg.OutboxBatchSize
	outboxCfg.MaxRetries = cfg.OutboxMaxRetries
	outbox := postgres.NewOutbox(pool, producer, outboxCfg, m.OutboxPending, logger)

	outbox.Start()
	logger.Info("change relay started")

	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	server := &http.Server{Addr: ":" + cfg.Port, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	outbox.Stop()
	if err := producer.Flush(shutdownCtx); err != nil {
		logger.Warn("flush failed", zap.Error(err))
	}
	stats := producer.Stats()
	logger.Info("producer totals",
		zap.Int64("messages", stats.MessagesSent),
		zap.Int64("bytes", stats.BytesSent),
		zap.Int64("errors", stats.ErrorCount))
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.Warn("tracer shutdown failed", zap.Error(err))
	}
	logger.Info("change relay stopped")
}

package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/curebird/curebird/internal/analysis"
	"github.com/curebird/curebird/internal/api"
	"github.com/curebird/curebird/internal/api/handlers"
	"github.com/curebird/curebird/internal/api/realtime"
	"github.com/curebird/curebird/internal/attachment"
	"github.com/curebird/curebird/internal/changefeed"
	"github.com/curebird/curebird/internal/config"
	"github.com/curebird/curebird/internal/identity"
	"github.com/curebird/curebird/internal/infrastructure/postgres"
	"github.com/curebird/curebird/internal/infrastructure/redpanda"
	"github.com/curebird/curebird/internal/observability/metrics"
	"github.com/curebird/curebird/internal/observability/tracing"
	"github.com/curebird/curebird/internal/portfolio"
	"github.com/curebird/curebird/internal/store"
	"github.com/curebird/curebird/internal/store/fsstore"
	"github.com/curebird/curebird/internal/store/memstore"
	"github.com/curebird/curebird/internal/store/pgstore"
	"github.com/curebird/curebird/migrations"
	"github.com/curebird/curebird/pkg/circuitbreaker"
	"github.com/curebird/curebird/pkg/idempotency"
	"github.com/curebird/curebird/pkg/workerpool"
)

type serveOptions struct {
	migrate bool
	relay   bool
}

func serveCmd() *cobra.Command {
	var opts serveOptions
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP and socket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync()
			return runServer(cfg, opts, logger)
		},
	}
	cmd.Flags().BoolVar(&opts.migrate, "migrate", false, "apply pending migrations before serving (postgres only)")
	cmd.Flags().BoolVar(&opts.relay, "relay", false, "run the change relay in-process (postgres only)")
	return cmd
}

// closer runs shutdown steps in reverse registration order.
type closer []func()

func (c *closer) add(fn func()) { *c = append(*c, fn) }

func (c closer) run() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

func runServer(cfg *config.Config, opts serveOptions, logger *zap.Logger) error {
	ctx := context.Background()
	var cleanup closer
	defer cleanup.run()

	tcfg := tracing.DefaultConfig(cfg.ServiceName)
	tcfg.Environment = cfg.Env
	tcfg.OTLPEndpoint = cfg.OTLPEndpoint
	tcfg.SampleRate = cfg.TraceSampleRate
	tp, err := tracing.Init(ctx, tcfg)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	cleanup.add(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	})

	m := metrics.New()
	checks := map[string]handlers.Check{}

	var pool *pgxpool.Pool
	if cfg.StoreBackend == config.StorePostgres {
		pool, err = postgres.NewPool(ctx, poolConfig(cfg))
		if err != nil {
			return err
		}
		cleanup.add(pool.Close)
		checks["postgres"] = postgres.PingCheck(pool)
		logger.Info("connected to database")

		if opts.migrate {
			n, err := postgres.NewMigrator(pool, migrations.FS, logger).Up(ctx)
			if err != nil {
				return err
			}
			logger.Info("migrations applied", zap.Int("count", n))
		}
	}

	hub := changefeed.NewHub()
	st, err := openStore(ctx, cfg, pool, hub, logger, &cleanup)
	if err != nil {
		return err
	}

	if cfg.ChangeFeedEnabled() {
		brokers := cfg.RedpandaBrokers
		checks["redpanda"] = func(ctx context.Context) error { return redpanda.HealthCheck(ctx, brokers) }

		if err := startChangeFeed(cfg, hub, m, logger, checks, &cleanup); err != nil {
			return err
		}
		if opts.relay {
			if err := startRelay(cfg, pool, m, logger, &cleanup); err != nil {
				return err
			}
		}
	}

	ids, err := openIdentity(cfg, pool, logger)
	if err != nil {
		return err
	}

	breakers := circuitbreaker.NewRegistry(logger)
	bcfg := circuitbreaker.DefaultConfig("analysis")
	bcfg.OnStateChange = func(name string, to circuitbreaker.State) {
		m.SetBreakerState(name, string(to))
	}
	breaker, err := breakers.GetOrCreate("analysis", bcfg)
	if err != nil {
		return err
	}
	analyzer := meteredAnalyzer{
		next:    analysis.NewClient(cfg.AnalysisURL, &http.Client{Timeout: cfg.AnalysisTimeout}, breaker, logger),
		metrics: m,
	}

	var (
		blobs attachment.BlobStore
		inbox idempotency.Processor
	)
	if pool != nil {
		blobs = attachment.NewPostgresBlobStore(pool)
		pgInbox := idempotency.NewInbox(pool, idempotency.DefaultInboxConfig(), logger)
		pgInbox.StartCleanup()
		cleanup.add(pgInbox.Stop)
		inbox = pgInbox
	} else {
		blobs = attachment.NewMemoryBlobStore()
		inbox = idempotency.NewMemoryInbox(idempotency.DefaultInboxConfig(), logger)
	}
	uploader := attachment.NewUploader(blobs, cfg.PublicURL+"/api/v1/files", logger)

	appCfg := portfolio.Config{AppID: cfg.AppID, PublicURL: cfg.PublicURL}
	sessions := func() realtime.Session {
		return portfolio.New(appCfg, portfolio.Deps{
			Store:    st,
			Identity: ids,
			Analyzer: analyzer,
			Uploader: uploader,
			Logger:   logger,
		})
	}

	router := api.NewRouter(api.Deps{
		ServiceName:    cfg.ServiceName,
		AppID:          cfg.AppID,
		Logger:         logger,
		Identity:       ids,
		Store:          st,
		Inbox:          inbox,
		Uploader:       uploader,
		Blobs:          blobs,
		Metrics:        m,
		Breakers:       breakers,
		Checks:         checks,
		Sessions:       sessions,
		AllowedOrigins: cfg.AllowedOrigins,
	})

	// No WriteTimeout: socket connections are long-lived.
	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
	}()

	logger.Info("starting curebird",
		zap.String("addr", server.Addr),
		zap.String("store", cfg.StoreBackend),
		zap.Bool("change_feed", cfg.ChangeFeedEnabled()),
	)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, hub *changefeed.Hub, logger *zap.Logger, cleanup *closer) (store.Store, error) {
	switch cfg.StoreBackend {
	case config.StorePostgres:
		return pgstore.New(pool,
			pgstore.WithHub(hub),
			pgstore.WithOrigin(cfg.InstanceID),
			pgstore.WithLogger(logger),
		), nil
	case config.StoreFirestore:
		fs, err := fsstore.New(ctx, fsstore.Config{
			ProjectID:       cfg.FirestoreProjectID,
			CredentialsFile: cfg.FirestoreCredentialsFile,
		}, logger)
		if err != nil {
			return nil, err
		}
		cleanup.add(func() { _ = fs.Close() })
		return fs, nil
	default:
		logger.Warn("using in-memory store; data is lost on restart")
		return memstore.New(memstore.WithHub(hub)), nil
	}
}

func openIdentity(cfg *config.Config, pool *pgxpool.Pool, logger *zap.Logger) (*identity.Service, error) {
	secret := []byte(cfg.SessionSecret)
	if len(secret) == 0 {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return nil, err
		}
		secret = []byte(hex.EncodeToString(buf))
		logger.Warn("SESSION_SECRET not set; sessions will not survive a restart")
	}
	tokens, err := identity.NewTokenIssuer(secret, cfg.SessionIssuer, cfg.SessionTTL)
	if err != nil {
		return nil, err
	}

	var dir identity.Directory = identity.NewMemoryDirectory()
	if pool != nil {
		dir = identity.NewPostgresDirectory(pool)
	}

	var opts []identity.ServiceOption
	if cfg.GoogleClientID != "" {
		keys := identity.NewJWKSCache(identity.GoogleJWKSURL, time.Hour, &http.Client{Timeout: 10 * time.Second})
		opts = append(opts, identity.WithFederated(identity.NewGoogleVerifier(cfg.GoogleClientID, keys)))
	}
	return identity.NewService(dir, tokens, logger, opts...), nil
}

// startChangeFeed consumes collection changes from other instances and
// pokes the local hub.
func startChangeFeed(cfg *config.Config, hub *changefeed.Hub, m *metrics.Metrics, logger *zap.Logger, checks map[string]handlers.Check, cleanup *closer) error {
	wcfg := workerpool.DefaultConfig()
	if cfg.FeedWorkers > 0 {
		wcfg.Workers = cfg.FeedWorkers
	}
	feed, err := changefeed.NewFeed(hub, cfg.InstanceID, wcfg, logger, changefeed.WithConsumedCounter(m.ChangesConsumed))
	if err != nil {
		return err
	}
	feed.Start()
	checks["change_feed"] = feed.Check
	cleanup.add(func() {
		s := feed.Stats()
		logger.Info("change feed stopped",
			zap.Int64("delivered", s.TasksCompleted),
			zap.Int64("failed", s.TasksFailed))
		if err := feed.Stop(); err != nil {
			logger.Warn("change feed stop failed", zap.Error(err))
		}
	})

	ccfg := redpanda.DefaultConsumerConfig()
	ccfg.Brokers = cfg.RedpandaBrokers
	ccfg.GroupID = ccfg.GroupID + "-" + cfg.InstanceID
	consumer, err := redpanda.NewConsumer(ccfg, func(ctx context.Context, msg *redpanda.ConsumedMessage) error {
		return feed.Handle(ctx, msg.Value)
	}, logger)
	if err != nil {
		return err
	}
	consumer.Start()
	cleanup.add(func() {
		if err := consumer.Stop(); err != nil {
			logger.Warn("consumer stop failed", zap.Error(err))
		}
		s := consumer.Stats()
		logger.Info("consumer stopped", zap.Int64("consumed", s.Consumed), zap.Int64("failed", s.Failed))
	})

	logger.Info("change feed started", zap.String("group", ccfg.GroupID))
	return nil
}

func startRelay(cfg *config.Config, pool *pgxpool.Pool, m *metrics.Metrics, logger *zap.Logger, cleanup *closer) error {
	pcfg := redpanda.DefaultProducerConfig()
	pcfg.Brokers = cfg.RedpandaBrokers
	producer, err := redpanda.NewProducer(pcfg, logger, redpanda.WithPublishCounter(m.ChangesPublished))
	if err != nil {
		return err
	}
	cleanup.add(func() { _ = producer.Close() })

	ocfg := postgres.DefaultOutboxConfig()
	ocfg.PollInterval = cfg.OutboxPollInterval
	ocfg.BatchSize = cfg.OutboxBatchSize
	ocfg.MaxRetries = cfg.OutboxMaxRetries
	outbox := postgres.NewOutbox(pool, producer, ocfg, m.OutboxPending, logger)
	outbox.Start()
	cleanup.add(outbox.Stop)

	logger.Info("change relay started in-process")
	return nil
}

// Package main wires together the lead crawler service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/leadforge/leadcrawler/internal/api"
	chromedpbrowser "github.com/leadforge/leadcrawler/internal/browser/chromedp"
	"github.com/leadforge/leadcrawler/internal/clock/system"
	"github.com/leadforge/leadcrawler/internal/config"
	"github.com/leadforge/leadcrawler/internal/engine"
	collyfetcher "github.com/leadforge/leadcrawler/internal/fetcher/colly"
	"github.com/leadforge/leadcrawler/internal/id/uuid"
	"github.com/leadforge/leadcrawler/internal/logging"
	"github.com/leadforge/leadcrawler/internal/metrics"
	"github.com/leadforge/leadcrawler/internal/planner"
	"github.com/leadforge/leadcrawler/internal/progress"
	"github.com/leadforge/leadcrawler/internal/progress/sinks"
	"github.com/leadforge/leadcrawler/internal/ratelimit"
	"github.com/leadforge/leadcrawler/internal/session"
	"github.com/leadforge/leadcrawler/internal/solver"
	gcsstorage "github.com/leadforge/leadcrawler/internal/storage/gcs"
	memorystorage "github.com/leadforge/leadcrawler/internal/storage/memory"
	memorystore "github.com/leadforge/leadcrawler/internal/store/memory"
	"github.com/leadforge/leadcrawler/internal/store/postgres"
	"github.com/leadforge/leadcrawler/internal/worker"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("service failed", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := system.New()

	store, leads, closeStores, err := buildStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStores()

	snapshots, closeSnapshots, err := buildSnapshots(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeSnapshots()

	registry := prometheus.NewRegistry()
	promSink, err := sinks.NewPrometheusSink(registry)
	if err != nil {
		return fmt.Errorf("register progress metrics: %w", err)
	}
	subscribers := sinks.NewSubscriberSink()
	hubSinks := []progress.Sink{sinks.NewLogSink(logger), promSink, subscribers}
	if cfg.PubSub.ProjectID != "" && cfg.PubSub.TopicName != "" {
		ps, psErr := sinks.NewPubSubSink(ctx, cfg.PubSub.ProjectID, cfg.PubSub.TopicName)
		if psErr != nil {
			return fmt.Errorf("connect pubsub: %w", psErr)
		}
		hubSinks = append(hubSinks, ps)
	}
	hub := progress.NewHub(progress.HubConfig{Logger: logger}, hubSinks...)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := hub.Close(closeCtx); err != nil {
			logger.Warn("progress hub close failed", zap.Error(err))
		}
	}()

	limiter := ratelimit.New(ratelimit.Config{
		MinInterval:         time.Duration(cfg.RateLimit.MinIntervalMs) * time.Millisecond,
		MaxInterval:         time.Duration(cfg.RateLimit.MaxIntervalMs) * time.Millisecond,
		Window:              time.Duration(cfg.RateLimit.WindowSeconds) * time.Second,
		WindowMaxRequests:   cfg.RateLimit.WindowMaxRequests,
		CooldownBase:        time.Duration(cfg.RateLimit.CooldownBaseSec) * time.Second,
		CooldownMax:         time.Duration(cfg.RateLimit.CooldownMaxSec) * time.Second,
		QuietReset:          time.Duration(cfg.RateLimit.QuietResetSec) * time.Second,
		EscalateAfterBlocks: cfg.RateLimit.EscalateAfterBlock,
	}, ratelimit.NewMemoryStateStore(), clk)

	browser, err := chromedpbrowser.New(chromedpbrowser.Config{
		MaxPages:  cfg.Browser.MaxParallel,
		UserAgent: cfg.Browser.UserAgent,
	})
	if err != nil {
		return fmt.Errorf("init browser: %w", err)
	}
	defer func() {
		if err := browser.Close(); err != nil {
			logger.Warn("browser close failed", zap.Error(err))
		}
	}()

	var challengeSolver engine.Solver
	if cfg.Solver.Endpoint != "" {
		challengeSolver, err = solver.New(solver.Config{
			Endpoint: cfg.Solver.Endpoint,
			APIKey:   cfg.Solver.APIKey,
			Timeout:  time.Duration(cfg.Solver.TimeoutSeconds) * time.Second,
		})
		if err != nil {
			return fmt.Errorf("init solver: %w", err)
		}
	}

	runner, err := session.NewRunner(session.Config{
		MaxListPages:    cfg.Session.MaxListPages,
		PageLoadTimeout: cfg.PageLoadTimeout(),
		DetailDelayMin:  time.Duration(cfg.Session.DetailDelayMinMs) * time.Millisecond,
		DetailDelayMax:  time.Duration(cfg.Session.DetailDelayMaxMs) * time.Millisecond,
		SolveTimeout:    time.Duration(cfg.Solver.TimeoutSeconds) * time.Second,
	}, session.Deps{
		Fetcher:   collyfetcher.New(collyfetcher.Config{UserAgent: cfg.Browser.UserAgent}),
		Browser:   browser,
		Leads:     leads,
		Snapshots: snapshots,
		Solver:    challengeSolver,
		Policy:    limiter,
		Clock:     clk,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("init session runner: %w", err)
	}

	pool := worker.New(worker.Config{
		Slots:          cfg.Pool.Slots,
		LeaseTTL:       cfg.LeaseTTL(),
		ReaperInterval: time.Duration(cfg.Pool.ReaperIntervalMs) * time.Millisecond,
		IdleWaitMax:    time.Duration(cfg.Pool.IdleWaitMaxMs) * time.Millisecond,
		Retry: worker.RetryPolicy{
			MaxAttempts: cfg.Pool.MaxAttempts,
			BaseDelay:   time.Duration(cfg.Pool.BackoffBaseMs) * time.Millisecond,
			MaxDelay:    time.Duration(cfg.Pool.BackoffMaxMs) * time.Millisecond,
		},
	}, store, runner, limiter, clk, hub, logger)

	depthGauge, err := metrics.NewQueueDepthGauge(registry, store, logger)
	if err != nil {
		return fmt.Errorf("register queue depth gauge: %w", err)
	}
	go depthGauge.Run(ctx, 15*time.Second)

	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		pool.Run(ctx)
	}()

	pl := planner.New(planner.Config{
		DefaultSource:    cfg.Planner.DefaultSource,
		MaxTargetsPerJob: cfg.Planner.MaxTargetsPerJob,
		QueueCeiling:     cfg.Planner.QueueCeiling,
		StandardJobs:     cfg.StandardJobs,
	}, store, uuid.New(), clk, hub, logger)

	apiServer := api.NewServer(pl, leads, subscribers, registry, cfg, nil, logger)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.Int("port", cfg.Server.Port))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		stop()
		<-poolDone
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", zap.Error(err))
	}
	<-poolDone
	logger.Info("worker pool drained")
	return nil
}

// buildStores picks Postgres when a DSN is configured, otherwise the
// in-memory store for local runs.
func buildStores(ctx context.Context, cfg config.Config, logger *zap.Logger) (engine.Store, engine.LeadStore, func(), error) {
	if cfg.DB.DSN == "" {
		logger.Info("using in-memory stores, data is not durable")
		return memorystore.NewStore(), memorystore.NewLeadStore(), func() {}, nil
	}
	pg, err := postgres.New(ctx, postgres.Config{
		DSN:      cfg.DB.DSN,
		MaxConns: int32(cfg.DB.MaxOpenConns),
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pg.Migrate(ctx); err != nil {
		pg.Close()
		return nil, nil, nil, fmt.Errorf("migrate: %w", err)
	}
	logger.Info("connected to postgres")
	return pg, pg.LeadStore(), pg.Close, nil
}

func buildSnapshots(ctx context.Context, cfg config.Config, logger *zap.Logger) (engine.SnapshotStore, func(), error) {
	if cfg.Storage.GCSBucket == "" {
		logger.Info("using in-memory snapshot store")
		return memorystorage.NewSnapshotStore(), func() {}, nil
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("init gcs client: %w", err)
	}
	snaps, err := gcsstorage.New(client, gcsstorage.Config{
		Bucket: cfg.Storage.GCSBucket,
		Prefix: cfg.Storage.Prefix,
	})
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	logger.Info("snapshots writing to gcs", zap.String("bucket", cfg.Storage.GCSBucket))
	return snaps, func() {
		if err := client.Close(); err != nil {
			logger.Warn("gcs client close failed", zap.Error(err))
		}
	}, nil
}

// Command exportsrv runs the report export service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/prepstack/exportsrv/internal/api"
	"github.com/prepstack/exportsrv/internal/archive"
	"github.com/prepstack/exportsrv/internal/cache"
	"github.com/prepstack/exportsrv/internal/clock/system"
	"github.com/prepstack/exportsrv/internal/config"
	"github.com/prepstack/exportsrv/internal/export"
	"github.com/prepstack/exportsrv/internal/id/uuid"
	"github.com/prepstack/exportsrv/internal/logging"
	"github.com/prepstack/exportsrv/internal/notify"
	"github.com/prepstack/exportsrv/internal/ratelimit"
	"github.com/prepstack/exportsrv/internal/render"
	"github.com/prepstack/exportsrv/internal/scheduler"
	"github.com/prepstack/exportsrv/internal/store/memory"
	"github.com/prepstack/exportsrv/internal/store/postgres"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "exportsrv: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := system.New()
	idGen := uuid.New()

	store, closeStore, err := buildStore(ctx, cfg, clk)
	if err != nil {
		return err
	}
	defer closeStore()

	arch, err := buildArchive(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = arch.Close() }()

	publisher, err := buildPublisher(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = publisher.Close() }()

	renderer, closeRenderer, err := buildRenderer(cfg, logger)
	if err != nil {
		return err
	}
	defer closeRenderer()

	resultCache := cache.New(cfg.Cache.CapacityBytes, clk)
	limiter := ratelimit.New(ratelimit.Config{
		Window:              cfg.RateLimit.Window,
		HourlyCap:           cfg.RateLimit.HourlyCap,
		DailyCap:            cfg.RateLimit.DailyCap,
		UploadWindow:        cfg.RateLimit.UploadWindow,
		UploadIPCap:         cfg.RateLimit.UploadIPCap,
		UploadUserCap:       cfg.RateLimit.UploadUserCap,
		UploadConcurrentCap: cfg.RateLimit.UploadConcurrentCap,
		MaxUploadBytes:      cfg.RateLimit.MaxUploadBytes,
	}, clk, store)
	limiter.SetEmergencyMode(cfg.RateLimit.Emergency)

	sched := scheduler.New(store, resultCache, limiter, renderer, arch, publisher, clk,
		scheduler.Config{Interval: cfg.Scheduler.Interval, ResultTTL: cfg.Cache.TTL}, logger)
	cleanup := scheduler.NewCleanup(store, resultCache, limiter, clk,
		scheduler.CleanupConfig{Interval: cfg.Cleanup.Interval, Retention: cfg.Jobs.Retention}, logger)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		sched.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		cleanup.Run(ctx)
	}()

	server := api.NewServer(store, resultCache, limiter, arch, idGen, clk, cfg, logger)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.Int("port", cfg.Server.Port))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		stop()
		wg.Wait()
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", zap.Error(err))
	}

	wg.Wait()
	return nil
}

func buildStore(ctx context.Context, cfg config.Config, clk export.Clock) (export.JobStore, func(), error) {
	switch cfg.Store.Provider {
	case "postgres":
		store, err := postgres.NewJobStore(ctx, postgres.Config{
			DSN:      cfg.Store.Postgres.DSN,
			Table:    cfg.Store.Postgres.Table,
			MaxConns: cfg.Store.Postgres.MaxConns,
		}, clk)
		if err != nil {
			return nil, nil, fmt.Errorf("init postgres store: %w", err)
		}
		return store, store.Close, nil
	default:
		return memory.NewJobStore(clk), func() {}, nil
	}
}

func buildArchive(ctx context.Context, cfg config.Config) (export.Archive, error) {
	switch cfg.Archive.Provider {
	case "gcs":
		arch, err := archive.NewGCS(ctx, cfg.Archive.GCS.Bucket)
		if err != nil {
			return nil, fmt.Errorf("init gcs archive: %w", err)
		}
		return arch, nil
	default:
		return archive.NewNoop(), nil
	}
}

func buildPublisher(ctx context.Context, cfg config.Config) (export.Publisher, error) {
	switch cfg.Notify.Provider {
	case "pubsub":
		pub, err := notify.NewPubSub(ctx, cfg.Notify.PubSub.ProjectID, cfg.Notify.PubSub.TopicID)
		if err != nil {
			return nil, fmt.Errorf("init pubsub publisher: %w", err)
		}
		return pub, nil
	default:
		return notify.NewNoop(), nil
	}
}

func buildRenderer(cfg config.Config, logger *zap.Logger) (export.Renderer, func(), error) {
	var (
		pdf     render.Backend
		closeFn = func() {}
	)
	if cfg.Render.PDFEnabled {
		pdfRenderer, err := render.NewPDFRenderer(render.PDFConfig{
			MaxParallel: cfg.Render.PDFMaxParallel,
			Timeout:     cfg.Render.PDFTimeout,
		}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("init pdf renderer: %w", err)
		}
		pdf = pdfRenderer
		closeFn = func() { _ = pdfRenderer.Close() }
	}
	dispatcher := render.NewDispatcher(render.NewStaticProvider(), pdf, render.NewExcelRenderer())
	return dispatcher, closeFn, nil
}

package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/eugener/mithril/internal/auth"
	"github.com/eugener/mithril/internal/backpressure"
	"github.com/eugener/mithril/internal/cache"
	"github.com/eugener/mithril/internal/config"
	"github.com/eugener/mithril/internal/dispatch"
	"github.com/eugener/mithril/internal/logging"
	"github.com/eugener/mithril/internal/parallel"
	"github.com/eugener/mithril/internal/queue"
	"github.com/eugener/mithril/internal/ratelimit"
	"github.com/eugener/mithril/internal/retry"
	"github.com/eugener/mithril/internal/server"
	"github.com/eugener/mithril/internal/storage/sqlite"
	"github.com/eugener/mithril/internal/stream"
	"github.com/eugener/mithril/internal/telemetry"
	"github.com/eugener/mithril/internal/worker"
)

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logCleanup, err := logging.Setup(cfg.Logging)
	if err != nil {
		return err
	}
	defer logCleanup()

	slog.Info("starting mithril", "version", version, "addr", cfg.Server.Addr())

	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()

	if cfg.Telemetry.Tracing.Enabled {
		stopTracing, err := telemetry.SetupTracing(ctx,
			cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate)
		if err != nil {
			return err
		}
		defer stopTracing(context.Background())
	}

	promReg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(promReg)

	registry, err := dispatch.BuildRegistry(ctx, cfg.Providers)
	if err != nil {
		return err
	}

	// Request pipeline
	q := queue.New(store, cfg.Queue.MaxSize, cfg.Queue.MaxConcurrent)
	tracker := retry.NewTracker(retry.TrackerConfig{
		MinReliability: cfg.Retry.ReliabilityMin,
		ReauthFailures: cfg.Retry.ReauthFailures,
	})
	retrier := retry.New(registry, tracker, cfg.Retry)
	fanout := parallel.New(registry, cfg.Parallel)
	cacheMgr, err := cache.New(cfg.Cache, store)
	if err != nil {
		return err
	}
	streams := stream.NewManager(cfg.Stream)

	var pressure *backpressure.Controller
	if cfg.Backpressure.Enabled {
		pressure = backpressure.New(cfg.Backpressure, q)
	}
	limiter := ratelimit.New(cfg.RateLimit)

	apiKeyAuth, err := auth.NewAPIKeyAuth(cfg.Auth, store)
	if err != nil {
		return err
	}

	// Background workers
	recorder := worker.NewMetricRecorder(store)
	janitor := worker.NewCleanupWorker(cfg.Cleanup, store, cacheMgr, limiter)
	runner := worker.NewRunner(recorder, janitor)

	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()
	workersDone := make(chan struct{})
	go func() {
		defer close(workersDone)
		if err := runner.Run(workerCtx); err != nil {
			slog.Error("worker runner exited", "error", err)
		}
	}()

	dispatcher := dispatch.New(dispatch.Deps{
		Config:   cfg,
		Store:    store,
		Queue:    q,
		Registry: registry,
		Retrier:  retrier,
		Tracker:  tracker,
		Fanout:   fanout,
		Cache:    cacheMgr,
		Streams:  streams,
		Pressure: pressure,
		Metrics:  metrics,
		Recorder: recorder,
	})
	if err := dispatcher.Start(ctx); err != nil {
		return err
	}

	var gatherer prometheus.Gatherer
	if cfg.Telemetry.Metrics.Enabled {
		gatherer = promReg
	}
	handler := server.New(server.Deps{
		Service:  dispatcher,
		Auth:     apiKeyAuth,
		Store:    store,
		Queue:    q,
		Cache:    cacheMgr,
		Tracker:  tracker,
		Limiter:  limiter,
		Pressure: pressure,
		Metrics:  metrics,
		Registry: gatherer,
		Ready:    store.Ping,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Config hot reload: only settings that are safe to swap live.
	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go func() {
		err := config.Watch(watchCtx, configPath, func(next *config.Config) {
			logging.SetLevel(next.Logging.Level)
			q.SetMaxConcurrent(next.Queue.MaxConcurrent)
			dispatch.SyncRegistry(watchCtx, registry, next.Providers)
			slog.Info("applied reloadable settings",
				"log_level", next.Logging.Level,
				"max_concurrent", next.Queue.MaxConcurrent)
		})
		if err != nil {
			slog.Warn("config watcher stopped", "error", err)
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("mithril ready", "addr", cfg.Server.Addr(), "providers", len(registry.List()))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		return err
	}

	// Stop accepting traffic first, then drain in-flight work, then stop
	// the background workers.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown", "error", err)
	}
	dispatcher.Shutdown()
	stopWorkers()
	<-workersDone

	slog.Info("mithril stopped")
	return nil
}

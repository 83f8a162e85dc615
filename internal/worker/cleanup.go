package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/eugener/mithril/internal/config"
)

// bucketSweepEvery is how often idle rate-limit buckets are swept.
const bucketSweepEvery = 5 * time.Minute

// CleanupStore is the persistence surface the cleanup job prunes.
type CleanupStore interface {
	CleanupOldRequests(ctx context.Context, age time.Duration) (int64, error)
	CleanupOldMetrics(ctx context.Context, age time.Duration) (int64, error)
}

// CacheJanitor prunes the response cache.
type CacheJanitor interface {
	CleanupExpired(ctx context.Context) (int64, error)
	EnforceMaxEntries(ctx context.Context) (int64, error)
}

// BucketSweeper evicts idle rate-limit buckets.
type BucketSweeper interface {
	Sweep(maxIdle time.Duration) int
}

// CleanupWorker runs the scheduled maintenance job: pruning old requests
// and metrics, expiring cache rows, enforcing the cache cap, and sweeping
// idle rate-limit buckets.
type CleanupWorker struct {
	cfg     config.CleanupConfig
	store   CleanupStore
	cache   CacheJanitor
	sweeper BucketSweeper
}

// NewCleanupWorker creates a CleanupWorker. cache and sweeper may be nil
// when the corresponding subsystem is disabled.
func NewCleanupWorker(cfg config.CleanupConfig, store CleanupStore, cache CacheJanitor, sweeper BucketSweeper) *CleanupWorker {
	return &CleanupWorker{cfg: cfg, store: store, cache: cache, sweeper: sweeper}
}

// Name returns the worker identifier.
func (w *CleanupWorker) Name() string { return "cleanup" }

// Run schedules the maintenance job and blocks until ctx is cancelled.
func (w *CleanupWorker) Run(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(w.cfg.Schedule, func() { w.RunOnce(ctx) }); err != nil {
		return err
	}
	c.Start()

	sweep := time.NewTicker(bucketSweepEvery)
	defer sweep.Stop()

	for {
		select {
		case <-sweep.C:
			if w.sweeper != nil {
				if n := w.sweeper.Sweep(w.cfg.BucketMaxIdle); n > 0 {
					slog.Debug("rate-limit buckets swept", "evicted", n)
				}
			}
		case <-ctx.Done():
			stop := c.Stop()
			<-stop.Done() // wait for an in-flight job
			return nil
		}
	}
}

// RunOnce executes one maintenance pass. Exported so startup and tests can
// trigger it outside the schedule.
func (w *CleanupWorker) RunOnce(ctx context.Context) {
	start := time.Now()

	requests, err := w.store.CleanupOldRequests(ctx, w.cfg.RequestRetention)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "request cleanup failed", slog.String("error", err.Error()))
	}
	metrics, err := w.store.CleanupOldMetrics(ctx, w.cfg.MetricRetention)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "metric cleanup failed", slog.String("error", err.Error()))
	}

	var expired, evicted int64
	if w.cache != nil {
		if expired, err = w.cache.CleanupExpired(ctx); err != nil {
			slog.LogAttrs(ctx, slog.LevelError, "cache expiry cleanup failed", slog.String("error", err.Error()))
		}
		if evicted, err = w.cache.EnforceMaxEntries(ctx); err != nil {
			slog.LogAttrs(ctx, slog.LevelError, "cache cap enforcement failed", slog.String("error", err.Error()))
		}
	}

	slog.LogAttrs(ctx, slog.LevelInfo, "cleanup pass finished",
		slog.Int64("requests_removed", requests),
		slog.Int64("metrics_removed", metrics),
		slog.Int64("cache_expired", expired),
		slog.Int64("cache_evicted", evicted),
		slog.Duration("elapsed", time.Since(start)))
}

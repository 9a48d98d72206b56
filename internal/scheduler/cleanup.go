package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/prepstack/exportsrv/internal/export"
)

// StateSweeper drops idle rate-limiter state.
type StateSweeper interface {
	SweepExpired() int
}

// CleanupConfig controls the retention loop.
type CleanupConfig struct {
	Interval  time.Duration
	Retention time.Duration
}

// Cleanup evicts expired cache entries and deletes terminal jobs past their
// retention window.
type Cleanup struct {
	store   export.JobStore
	cache   export.ResultCache
	sweeper StateSweeper
	clock   export.Clock
	cfg     CleanupConfig
	logger  *zap.Logger
}

// NewCleanup constructs a Cleanup loop.
func NewCleanup(
	store export.JobStore,
	cache export.ResultCache,
	sweeper StateSweeper,
	clock export.Clock,
	cfg CleanupConfig,
	logger *zap.Logger,
) *Cleanup {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Minute
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}
	return &Cleanup{
		store:   store,
		cache:   cache,
		sweeper: sweeper,
		clock:   clock,
		cfg:     cfg,
		logger:  logger,
	}
}

// CleanupReport summarizes one cleanup pass.
type CleanupReport struct {
	CacheEvicted int
	StatesSwept  int
	JobsDeleted  int
	DeleteErrors int
}

// Run blocks, sweeping until the context finishes.
func (c *Cleanup) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := c.Tick(ctx)
			if err != nil {
				c.logger.Error("cleanup tick failed", zap.Error(err))
				continue
			}
			if report.CacheEvicted+report.JobsDeleted+report.StatesSwept > 0 {
				c.logger.Info("cleanup tick",
					zap.Int("cache_evicted", report.CacheEvicted),
					zap.Int("states_swept", report.StatesSwept),
					zap.Int("jobs_deleted", report.JobsDeleted),
					zap.Int("delete_errors", report.DeleteErrors),
				)
			}
		}
	}
}

// Tick runs one retention pass. A job that cannot be deleted is retried on
// the next pass.
func (c *Cleanup) Tick(ctx context.Context) (CleanupReport, error) {
	report := CleanupReport{
		CacheEvicted: c.cache.SweepExpired(),
		StatesSwept:  c.sweeper.SweepExpired(),
	}

	cutoff := c.clock.Now().Add(-c.cfg.Retention)
	expired, err := c.store.ListExpiredTerminal(ctx, cutoff)
	if err != nil {
		return report, fmt.Errorf("list expired jobs: %w", err)
	}

	for _, job := range expired {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		c.cache.Delete(ResultKey(job.ID))
		if err := c.store.Delete(ctx, job.ID); err != nil && !errors.Is(err, export.ErrNotFound) {
			report.DeleteErrors++
			c.logger.Warn("delete expired job failed",
				zap.String("job_id", job.ID),
				zap.Error(err),
			)
			continue
		}
		report.JobsDeleted++
	}
	return report, nil
}

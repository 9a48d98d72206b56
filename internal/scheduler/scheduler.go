// Package scheduler runs the export pipeline and retention loops.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/prepstack/exportsrv/internal/export"
	"github.com/prepstack/exportsrv/internal/metrics"
)

// SlotReleaser gives back an owner's job concurrency slot once a job
// reaches a terminal state.
type SlotReleaser interface {
	Release(ownerID string)
}

// Config controls scheduler behavior.
type Config struct {
	Interval  time.Duration
	ResultTTL time.Duration
}

// Scheduler drains pending jobs in creation order on a fixed interval.
type Scheduler struct {
	store     export.JobStore
	cache     export.ResultCache
	limiter   SlotReleaser
	renderer  export.Renderer
	archive   export.Archive
	publisher export.Publisher
	clock     export.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Scheduler.
func New(
	store export.JobStore,
	cache export.ResultCache,
	limiter SlotReleaser,
	renderer export.Renderer,
	archive export.Archive,
	publisher export.Publisher,
	clock export.Clock,
	cfg Config,
	logger *zap.Logger,
) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = 15 * time.Minute
	}
	return &Scheduler{
		store:     store,
		cache:     cache,
		limiter:   limiter,
		renderer:  renderer,
		archive:   archive,
		publisher: publisher,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// JobOutcome records how one job finished during a tick.
type JobOutcome struct {
	JobID  string
	Status export.JobStatus
	Err    error
}

// TickReport summarizes one scheduler pass.
type TickReport struct {
	Processed int
	Completed int
	Failed    int
	Outcomes  []JobOutcome
}

// Run blocks, processing pending jobs until the context finishes.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := s.Tick(ctx)
			if err != nil {
				s.logger.Error("scheduler tick failed", zap.Error(err))
				continue
			}
			if report.Processed > 0 {
				s.logger.Info("scheduler tick",
					zap.Int("processed", report.Processed),
					zap.Int("completed", report.Completed),
					zap.Int("failed", report.Failed),
				)
			}
		}
	}
}

// Tick processes every currently pending job in creation order. A job that
// fails does not stop the pass.
func (s *Scheduler) Tick(ctx context.Context) (TickReport, error) {
	pending, err := s.store.ListPending(ctx)
	if err != nil {
		return TickReport{}, fmt.Errorf("list pending jobs: %w", err)
	}

	report := TickReport{}
	for _, job := range pending {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		outcome := s.processJob(ctx, job)
		report.Processed++
		report.Outcomes = append(report.Outcomes, outcome)
		switch outcome.Status {
		case export.JobStatusCompleted:
			report.Completed++
		case export.JobStatusFailed:
			report.Failed++
		}
	}
	return report, nil
}

func (s *Scheduler) processJob(ctx context.Context, job export.Job) JobOutcome {
	if err := s.store.MarkInProgress(ctx, job.ID); err != nil {
		// Another pass or a delete got here first.
		s.logger.Warn("skipping job", zap.String("job_id", job.ID), zap.Error(err))
		return JobOutcome{JobID: job.ID, Status: job.Status, Err: err}
	}
	// The owner's concurrency slot is held from admission until the job is
	// terminal, whatever the outcome.
	defer s.limiter.Release(job.OwnerID)

	result, err := s.renderer.Render(ctx, export.RenderRequest{
		JobID:   job.ID,
		OwnerID: job.OwnerID,
		Kind:    job.Kind,
		Format:  job.Format,
		Options: job.Options,
	})
	if err != nil {
		return s.failJob(ctx, job, fmt.Errorf("render: %w", err))
	}

	if err := s.store.SetProgress(ctx, job.ID, 75); err != nil {
		s.logger.Warn("progress update failed", zap.String("job_id", job.ID), zap.Error(err))
	}

	key := ResultKey(job.ID)
	if err := s.cache.Store(key, result.Data, s.cfg.ResultTTL); err != nil {
		return s.failJob(ctx, job, fmt.Errorf("cache result: %w", err))
	}

	// Archiving is best-effort: the download path serves from the cache.
	if err := s.archive.Save(ctx, key+"/"+result.FileName, result.Data, result.ContentType); err != nil {
		s.logger.Warn("archive save failed",
			zap.String("job_id", job.ID),
			zap.Error(err),
		)
	}

	if err := s.store.MarkCompleted(ctx, job.ID, key, result.FileName, int64(len(result.Data))); err != nil {
		s.cache.Delete(key)
		s.logger.Error("mark completed failed", zap.String("job_id", job.ID), zap.Error(err))
		return JobOutcome{JobID: job.ID, Status: export.JobStatusInProgress, Err: err}
	}
	metrics.ObserveJob(string(export.JobStatusCompleted))

	s.publishEvent(ctx, export.Event{
		Type:     export.EventExportCompleted,
		JobID:    job.ID,
		OwnerID:  job.OwnerID,
		Kind:     job.Kind,
		Format:   job.Format,
		FileName: result.FileName,
		FileSize: int64(len(result.Data)),
		At:       s.clock.Now(),
	})
	return JobOutcome{JobID: job.ID, Status: export.JobStatusCompleted}
}

func (s *Scheduler) failJob(ctx context.Context, job export.Job, cause error) JobOutcome {
	s.logger.Error("export job failed",
		zap.String("job_id", job.ID),
		zap.String("owner_id", job.OwnerID),
		zap.Error(cause),
	)
	if err := s.store.MarkFailed(ctx, job.ID, cause.Error()); err != nil {
		s.logger.Error("mark failed failed", zap.String("job_id", job.ID), zap.Error(err))
		return JobOutcome{JobID: job.ID, Status: export.JobStatusInProgress, Err: err}
	}
	metrics.ObserveJob(string(export.JobStatusFailed))

	s.publishEvent(ctx, export.Event{
		Type:    export.EventExportFailed,
		JobID:   job.ID,
		OwnerID: job.OwnerID,
		Kind:    job.Kind,
		Format:  job.Format,
		Error:   cause.Error(),
		At:      s.clock.Now(),
	})
	return JobOutcome{JobID: job.ID, Status: export.JobStatusFailed, Err: cause}
}

func (s *Scheduler) publishEvent(ctx context.Context, event export.Event) {
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Warn("publish event failed",
			zap.String("type", event.Type),
			zap.String("job_id", event.JobID),
			zap.Error(err),
		)
	}
}

// ResultKey is the cache and archive key for a job's artifact. The HTTP
// layer uses it to look up cached results for download.
func ResultKey(jobID string) string {
	return "export/" + jobID
}

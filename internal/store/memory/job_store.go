// Package memory provides the in-memory job store.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prepstack/exportsrv/internal/export"
)

type record struct {
	job export.Job
	seq uint64
}

// JobStore keeps job records in memory and enforces the state machine:
// pending -> in_progress -> completed|failed, terminal records immutable,
// progress monotonically non-decreasing.
type JobStore struct {
	mu      sync.RWMutex
	jobs    map[string]*record
	nextSeq uint64
	clock   export.Clock
}

// NewJobStore constructs a JobStore.
func NewJobStore(clock export.Clock) *JobStore {
	return &JobStore{
		jobs:  make(map[string]*record),
		clock: clock,
	}
}

// Create stores a new pending job.
func (s *JobStore) Create(_ context.Context, job export.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return export.ErrJobExists
	}
	job.Status = export.JobStatusPending
	job.Progress = 0
	s.jobs[job.ID] = &record{job: job, seq: s.nextSeq}
	s.nextSeq++
	return nil
}

// Get fetches a job by ID.
func (s *JobStore) Get(_ context.Context, jobID string) (export.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.jobs[jobID]
	if !ok {
		return export.Job{}, export.ErrNotFound
	}
	return rec.job, nil
}

// ListPending returns pending jobs in creation order.
func (s *JobStore) ListPending(_ context.Context) ([]export.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs := make([]*record, 0)
	for _, rec := range s.jobs {
		if rec.job.Status == export.JobStatusPending {
			recs = append(recs, rec)
		}
	}
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].job.CreatedAt.Equal(recs[j].job.CreatedAt) {
			return recs[i].seq < recs[j].seq
		}
		return recs[i].job.CreatedAt.Before(recs[j].job.CreatedAt)
	})
	out := make([]export.Job, len(recs))
	for i, rec := range recs {
		out[i] = rec.job
	}
	return out, nil
}

// MarkInProgress moves a pending job to in_progress.
func (s *JobStore) MarkInProgress(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[jobID]
	if !ok {
		return export.ErrNotFound
	}
	if rec.job.Status != export.JobStatusPending {
		return fmt.Errorf("%w: %s -> %s", export.ErrInvalidTransition, rec.job.Status, export.JobStatusInProgress)
	}
	rec.job.Status = export.JobStatusInProgress
	return nil
}

// SetProgress updates an in_progress job's progress. Progress never
// decreases.
func (s *JobStore) SetProgress(_ context.Context, jobID string, progress int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[jobID]
	if !ok {
		return export.ErrNotFound
	}
	if rec.job.Status != export.JobStatusInProgress {
		return fmt.Errorf("%w: progress update in status %s", export.ErrInvalidTransition, rec.job.Status)
	}
	if progress < rec.job.Progress || progress > 100 {
		return fmt.Errorf("%w: progress %d -> %d", export.ErrInvalidTransition, rec.job.Progress, progress)
	}
	rec.job.Progress = progress
	return nil
}

// MarkCompleted moves an in_progress job to completed and records the
// artifact location.
func (s *JobStore) MarkCompleted(_ context.Context, jobID, resultKey, fileName string, fileSize int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[jobID]
	if !ok {
		return export.ErrNotFound
	}
	if rec.job.Status != export.JobStatusInProgress {
		return fmt.Errorf("%w: %s -> %s", export.ErrInvalidTransition, rec.job.Status, export.JobStatusCompleted)
	}
	now := s.clock.Now()
	rec.job.Status = export.JobStatusCompleted
	rec.job.Progress = 100
	rec.job.ResultKey = resultKey
	rec.job.ResultFileName = fileName
	rec.job.ResultFileSize = fileSize
	rec.job.CompletedAt = &now
	return nil
}

// MarkFailed moves an in_progress job to failed and records the error.
func (s *JobStore) MarkFailed(_ context.Context, jobID, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[jobID]
	if !ok {
		return export.ErrNotFound
	}
	if rec.job.Status != export.JobStatusInProgress {
		return fmt.Errorf("%w: %s -> %s", export.ErrInvalidTransition, rec.job.Status, export.JobStatusFailed)
	}
	now := s.clock.Now()
	rec.job.Status = export.JobStatusFailed
	rec.job.ErrorMessage = errorMessage
	rec.job.CompletedAt = &now
	return nil
}

// Delete removes a job record.
func (s *JobStore) Delete(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[jobID]; !ok {
		return export.ErrNotFound
	}
	delete(s.jobs, jobID)
	return nil
}

// ListExpiredTerminal returns terminal jobs completed before olderThan.
func (s *JobStore) ListExpiredTerminal(_ context.Context, olderThan time.Time) ([]export.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]export.Job, 0)
	for _, rec := range s.jobs {
		if rec.job.Status.Terminal() && rec.job.CompletedAt != nil && rec.job.CompletedAt.Before(olderThan) {
			out = append(out, rec.job)
		}
	}
	return out, nil
}

// CountCreatedSince counts an owner's jobs created at or after since.
func (s *JobStore) CountCreatedSince(_ context.Context, ownerID string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, rec := range s.jobs {
		if rec.job.OwnerID == ownerID && !rec.job.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

package export

import (
	"context"
	"time"
)

// JobStore is the single source of truth for job records. Implementations
// enforce the state machine: pending -> in_progress -> completed|failed,
// terminal records immutable, progress monotonically non-decreasing.
type JobStore interface {
	Create(ctx context.Context, job Job) error
	Get(ctx context.Context, jobID string) (Job, error)
	// ListPending returns pending jobs in creation order (FIFO).
	ListPending(ctx context.Context) ([]Job, error)
	MarkInProgress(ctx context.Context, jobID string) error
	SetProgress(ctx context.Context, jobID string, progress int) error
	MarkCompleted(ctx context.Context, jobID, resultKey, fileName string, fileSize int64) error
	MarkFailed(ctx context.Context, jobID, errorMessage string) error
	Delete(ctx context.Context, jobID string) error
	// ListExpiredTerminal returns terminal jobs whose completion predates olderThan.
	ListExpiredTerminal(ctx context.Context, olderThan time.Time) ([]Job, error)
	// CountCreatedSince counts an owner's jobs created at or after since,
	// regardless of status. The daily admission cap reads this.
	CountCreatedSince(ctx context.Context, ownerID string, since time.Time) (int, error)
}

// ResultCache holds rendered artifacts until the owner downloads them.
// Total stored bytes never exceed the configured capacity.
type ResultCache interface {
	Store(key string, data []byte, ttl time.Duration) error
	Get(key string) ([]byte, bool)
	Delete(key string)
	// SweepExpired removes expired entries and returns how many were removed.
	SweepExpired() int
}

// Renderer turns job parameters into final artifact bytes. It is the
// external collaborator boundary of the export pipeline.
type Renderer interface {
	Render(ctx context.Context, req RenderRequest) (RenderResult, error)
}

// Archive keeps a durable copy of artifacts and uploaded payloads.
// Calls are best-effort from the pipeline's point of view.
type Archive interface {
	Save(ctx context.Context, objectName string, data []byte, contentType string) error
	Close() error
}

// Publisher emits terminal-state events for downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Clock returns the current time (injectable for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job and upload IDs.
type IDGenerator interface {
	NewID() (string, error)
}

package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/prepstack/exportsrv/internal/export"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func newTestStore() (*JobStore, *fakeClock) {
	clk := &fakeClock{now: time.Unix(1700000000, 0).UTC()}
	return NewJobStore(clk), clk
}

func newJob(id, owner string, createdAt time.Time) export.Job {
	return export.Job{
		ID:        id,
		OwnerID:   owner,
		Kind:      export.KindExamResults,
		Format:    export.FormatPDF,
		Status:    export.JobStatusPending,
		CreatedAt: createdAt,
		ExpiresAt: createdAt.Add(24 * time.Hour),
	}
}

func TestJobLifecycleCompleted(t *testing.T) {
	t.Parallel()

	store, clk := newTestStore()
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, newJob("j1", "u1", clk.now)))
	require.ErrorIs(t, store.Create(ctx, newJob("j1", "u1", clk.now)), export.ErrJobExists)

	require.NoError(t, store.MarkInProgress(ctx, "j1"))
	require.NoError(t, store.SetProgress(ctx, "j1", 50))
	require.ErrorIs(t, store.SetProgress(ctx, "j1", 25), export.ErrInvalidTransition)

	require.NoError(t, store.MarkCompleted(ctx, "j1", "export/j1", "exam_results-j1.pdf", 2048))

	job, err := store.Get(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, export.JobStatusCompleted, job.Status)
	require.Equal(t, 100, job.Progress)
	require.Equal(t, "export/j1", job.ResultKey)
	require.Equal(t, int64(2048), job.ResultFileSize)
	require.NotNil(t, job.CompletedAt)
	require.Empty(t, job.ErrorMessage)
}

func TestJobLifecycleFailed(t *testing.T) {
	t.Parallel()

	store, clk := newTestStore()
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, newJob("j1", "u1", clk.now)))
	require.NoError(t, store.MarkInProgress(ctx, "j1"))
	require.NoError(t, store.MarkFailed(ctx, "j1", "renderer exploded"))

	job, err := store.Get(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, export.JobStatusFailed, job.Status)
	require.Equal(t, "renderer exploded", job.ErrorMessage)
	require.Empty(t, job.ResultKey)
	require.NotNil(t, job.CompletedAt)
}

func TestTerminalStatesAreImmutable(t *testing.T) {
	t.Parallel()

	store, clk := newTestStore()
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, newJob("j1", "u1", clk.now)))
	require.NoError(t, store.MarkInProgress(ctx, "j1"))
	require.NoError(t, store.MarkCompleted(ctx, "j1", "k", "f.pdf", 1))

	require.ErrorIs(t, store.MarkInProgress(ctx, "j1"), export.ErrInvalidTransition)
	require.ErrorIs(t, store.MarkFailed(ctx, "j1", "nope"), export.ErrInvalidTransition)
	require.ErrorIs(t, store.SetProgress(ctx, "j1", 100), export.ErrInvalidTransition)
}

func TestNoTransitionSkipsAState(t *testing.T) {
	t.Parallel()

	store, clk := newTestStore()
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, newJob("j1", "u1", clk.now)))
	require.ErrorIs(t, store.MarkCompleted(ctx, "j1", "k", "f.pdf", 1), export.ErrInvalidTransition)
	require.ErrorIs(t, store.MarkFailed(ctx, "j1", "boom"), export.ErrInvalidTransition)
}

func TestListPendingIsFIFO(t *testing.T) {
	t.Parallel()

	store, clk := newTestStore()
	ctx := context.Background()

	base := clk.now
	require.NoError(t, store.Create(ctx, newJob("j2", "u2", base.Add(time.Second))))
	require.NoError(t, store.Create(ctx, newJob("j1", "u1", base)))
	require.NoError(t, store.Create(ctx, newJob("j3", "u1", base.Add(time.Second))))

	pending, err := store.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	require.Equal(t, "j1", pending[0].ID)
	// Equal timestamps fall back to insertion order.
	require.Equal(t, "j2", pending[1].ID)
	require.Equal(t, "j3", pending[2].ID)

	require.NoError(t, store.MarkInProgress(ctx, "j1"))
	pending, err = store.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
}

func TestDelete(t *testing.T) {
	t.Parallel()

	store, clk := newTestStore()
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, newJob("j1", "u1", clk.now)))
	require.NoError(t, store.Delete(ctx, "j1"))
	require.ErrorIs(t, store.Delete(ctx, "j1"), export.ErrNotFound)
	_, err := store.Get(ctx, "j1")
	require.ErrorIs(t, err, export.ErrNotFound)
}

func TestListExpiredTerminal(t *testing.T) {
	t.Parallel()

	store, clk := newTestStore()
	ctx := context.Background()
	base := clk.now

	require.NoError(t, store.Create(ctx, newJob("old", "u1", base)))
	require.NoError(t, store.MarkInProgress(ctx, "old"))
	require.NoError(t, store.MarkCompleted(ctx, "old", "k1", "f.pdf", 1))

	clk.now = base.Add(25 * time.Hour)
	require.NoError(t, store.Create(ctx, newJob("fresh", "u1", clk.now)))
	require.NoError(t, store.MarkInProgress(ctx, "fresh"))
	require.NoError(t, store.MarkFailed(ctx, "fresh", "boom"))

	require.NoError(t, store.Create(ctx, newJob("pending", "u1", clk.now)))

	expired, err := store.ListExpiredTerminal(ctx, clk.now.Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, expired, 1)
	require.Equal(t, "old", expired[0].ID)
}

func TestCountCreatedSince(t *testing.T) {
	t.Parallel()

	store, clk := newTestStore()
	ctx := context.Background()
	base := clk.now

	require.NoError(t, store.Create(ctx, newJob("a", "u1", base.Add(-25*time.Hour))))
	require.NoError(t, store.Create(ctx, newJob("b", "u1", base.Add(-2*time.Hour))))
	require.NoError(t, store.Create(ctx, newJob("c", "u2", base)))

	count, err := store.CountCreatedSince(ctx, "u1", base.Add(-24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

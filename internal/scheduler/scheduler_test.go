package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/prepstack/exportsrv/internal/cache"
	"github.com/prepstack/exportsrv/internal/export"
	"github.com/prepstack/exportsrv/internal/store/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeRenderer struct {
	err      error
	rendered []string
}

func (r *fakeRenderer) Render(_ context.Context, req export.RenderRequest) (export.RenderResult, error) {
	r.rendered = append(r.rendered, req.JobID)
	if r.err != nil {
		return export.RenderResult{}, r.err
	}
	return export.RenderResult{
		Data:        []byte("artifact-" + req.JobID),
		FileName:    string(req.Kind) + "-" + req.JobID + "." + req.Format.Extension(),
		ContentType: req.Format.ContentType(),
	}, nil
}

type fakeArchive struct {
	err   error
	saved []string
}

func (a *fakeArchive) Save(_ context.Context, objectName string, _ []byte, _ string) error {
	a.saved = append(a.saved, objectName)
	return a.err
}

func (a *fakeArchive) Close() error { return nil }

type fakePublisher struct {
	events []export.Event
	err    error
}

func (p *fakePublisher) Publish(_ context.Context, event export.Event) error {
	p.events = append(p.events, event)
	return p.err
}

func (p *fakePublisher) Close() error { return nil }

type fakeReleaser struct {
	released []string
}

func (r *fakeReleaser) Release(ownerID string) {
	r.released = append(r.released, ownerID)
}

func (r *fakeReleaser) SweepExpired() int { return 0 }

type fixture struct {
	store     *memory.JobStore
	cache     *cache.Cache
	releaser  *fakeReleaser
	renderer  *fakeRenderer
	archive   *fakeArchive
	publisher *fakePublisher
	clock     *fakeClock
	sched     *Scheduler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := &fakeClock{now: time.Unix(1700000000, 0).UTC()}
	f := &fixture{
		store:     memory.NewJobStore(clk),
		cache:     cache.New(1<<20, clk),
		releaser:  &fakeReleaser{},
		renderer:  &fakeRenderer{},
		archive:   &fakeArchive{},
		publisher: &fakePublisher{},
		clock:     clk,
	}
	f.sched = New(f.store, f.cache, f.releaser, f.renderer, f.archive, f.publisher,
		clk, Config{Interval: time.Second, ResultTTL: 15 * time.Minute}, zap.NewNop())
	return f
}

func seedJob(t *testing.T, f *fixture, id, owner string, createdAt time.Time) {
	t.Helper()
	require.NoError(t, f.store.Create(context.Background(), export.Job{
		ID:        id,
		OwnerID:   owner,
		Kind:      export.KindExamResults,
		Format:    export.FormatPDF,
		Options:   export.Options{ExamResults: &export.ExamResultsOptions{ExamID: "e1"}},
		Status:    export.JobStatusPending,
		CreatedAt: createdAt,
		ExpiresAt: createdAt.Add(24 * time.Hour),
	}))
}

func TestTickCompletesJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	seedJob(t, f, "j1", "u1", f.clock.Now())

	report, err := f.sched.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Processed)
	require.Equal(t, 1, report.Completed)

	job, err := f.store.Get(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, export.JobStatusCompleted, job.Status)
	require.Equal(t, 100, job.Progress)
	require.Equal(t, ResultKey("j1"), job.ResultKey)
	require.Equal(t, int64(len("artifact-j1")), job.ResultFileSize)

	data, ok := f.cache.Get(ResultKey("j1"))
	require.True(t, ok)
	require.Equal(t, []byte("artifact-j1"), data)

	require.Equal(t, []string{"u1"}, f.releaser.released)
	require.Len(t, f.publisher.events, 1)
	require.Equal(t, export.EventExportCompleted, f.publisher.events[0].Type)
	require.Len(t, f.archive.saved, 1)
}

func TestTickFailsJobAndReleasesSlot(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	f.renderer.err = errors.New("browser crashed")
	seedJob(t, f, "j1", "u1", f.clock.Now())

	report, err := f.sched.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Failed)

	job, err := f.store.Get(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, export.JobStatusFailed, job.Status)
	require.Contains(t, job.ErrorMessage, "browser crashed")

	// The slot must come back even on failure.
	require.Equal(t, []string{"u1"}, f.releaser.released)
	require.Len(t, f.publisher.events, 1)
	require.Equal(t, export.EventExportFailed, f.publisher.events[0].Type)

	_, ok := f.cache.Get(ResultKey("j1"))
	require.False(t, ok)
}

func TestTickProcessesFIFO(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	base := f.clock.Now()
	seedJob(t, f, "late", "u1", base.Add(time.Minute))
	seedJob(t, f, "early", "u2", base)

	_, err := f.sched.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"early", "late"}, f.renderer.rendered)
}

func TestTickOversizedArtifactFailsJob(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: time.Unix(1700000000, 0).UTC()}
	f := newFixture(t)
	f.cache = cache.New(4, clk) // smaller than any artifact
	f.sched = New(f.store, f.cache, f.releaser, f.renderer, f.archive, f.publisher,
		f.clock, Config{Interval: time.Second, ResultTTL: time.Minute}, zap.NewNop())
	seedJob(t, f, "j1", "u1", f.clock.Now())

	report, err := f.sched.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Failed)

	job, err := f.store.Get(context.Background(), "j1")
	require.NoError(t, err)
	require.Equal(t, export.JobStatusFailed, job.Status)
	require.Equal(t, []string{"u1"}, f.releaser.released)
}

func TestTickArchiveErrorDoesNotFailJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.archive.err = errors.New("bucket gone")
	seedJob(t, f, "j1", "u1", f.clock.Now())

	report, err := f.sched.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Completed)
}

func TestTickPublisherErrorDoesNotFailJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.publisher.err = errors.New("broker down")
	seedJob(t, f, "j1", "u1", f.clock.Now())

	report, err := f.sched.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Completed)
}

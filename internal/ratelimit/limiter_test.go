package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type fakeHistory struct {
	count int
	err   error
}

func (h *fakeHistory) CountCreatedSince(_ context.Context, _ string, _ time.Time) (int, error) {
	return h.count, h.err
}

func testConfig() Config {
	return Config{
		Window:              time.Hour,
		HourlyCap:           5,
		DailyCap:            20,
		UploadWindow:        time.Minute,
		UploadIPCap:         30,
		UploadUserCap:       10,
		UploadConcurrentCap: 2,
		MaxUploadBytes:      10 << 20,
	}
}

func newTestLimiter(history *fakeHistory) (*Limiter, *fakeClock) {
	clk := &fakeClock{now: time.Unix(1700000000, 0).UTC()}
	if history == nil {
		history = &fakeHistory{}
	}
	return New(testConfig(), clk, history), clk
}

func TestAdmitJobCreation_ConcurrencySlot(t *testing.T) {
	t.Parallel()

	l, _ := newTestLimiter(nil)
	ctx := context.Background()

	d, err := l.AdmitJobCreation(ctx, "u1")
	require.NoError(t, err)
	require.True(t, d.Allowed)

	d, err = l.AdmitJobCreation(ctx, "u1")
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Equal(t, DenyAlreadyRunning, d.Reason)

	l.Release("u1")

	d, err = l.AdmitJobCreation(ctx, "u1")
	require.NoError(t, err)
	require.True(t, d.Allowed)
}

func TestAdmitJobCreation_HourlyCap(t *testing.T) {
	t.Parallel()

	l, clk := newTestLimiter(nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		d, err := l.AdmitJobCreation(ctx, "u1")
		require.NoError(t, err)
		require.True(t, d.Allowed, "admission %d", i+1)
		l.Release("u1")
	}

	d, err := l.AdmitJobCreation(ctx, "u1")
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Equal(t, DenyHourlyLimit, d.Reason)
	require.Greater(t, d.RetryAfter, time.Duration(0))

	// Fixed window: the counter resets entirely once the window elapses.
	clk.Advance(time.Hour)
	d, err = l.AdmitJobCreation(ctx, "u1")
	require.NoError(t, err)
	require.True(t, d.Allowed)
}

func TestAdmitJobCreation_DailyCapFromHistory(t *testing.T) {
	t.Parallel()

	history := &fakeHistory{count: 20}
	l, _ := newTestLimiter(history)

	d, err := l.AdmitJobCreation(context.Background(), "u1")
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Equal(t, DenyDailyLimit, d.Reason)
	require.Greater(t, d.RetryAfter, time.Duration(0))

	// The denial must not consume window count or the concurrency slot.
	history.count = 0
	d, err = l.AdmitJobCreation(context.Background(), "u1")
	require.NoError(t, err)
	require.True(t, d.Allowed)
}

// gateHistory parks CountCreatedSince until released, exposing the window
// where the limiter consults history without holding its lock.
type gateHistory struct {
	entered chan struct{}
	release chan struct{}
}

func (h *gateHistory) CountCreatedSince(_ context.Context, _ string, _ time.Time) (int, error) {
	h.entered <- struct{}{}
	<-h.release
	return 0, nil
}

func TestAdmitJobCreation_ConcurrentCallsCannotShareSlot(t *testing.T) {
	t.Parallel()

	history := &gateHistory{
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	clk := &fakeClock{now: time.Unix(1700000000, 0).UTC()}
	l := New(testConfig(), clk, history)

	type outcome struct {
		d   Decision
		err error
	}
	first := make(chan outcome, 1)
	go func() {
		d, err := l.AdmitJobCreation(context.Background(), "u1")
		first <- outcome{d: d, err: err}
	}()
	<-history.entered

	// While the first call waits on history, the slot must already be held.
	d2, err := l.AdmitJobCreation(context.Background(), "u1")
	require.NoError(t, err)
	require.False(t, d2.Allowed)
	require.Equal(t, DenyAlreadyRunning, d2.Reason)

	close(history.release)
	o1 := <-first
	require.NoError(t, o1.err)
	require.True(t, o1.d.Allowed)

	// Exactly one slot is held afterwards.
	d3, err := l.AdmitJobCreation(context.Background(), "u1")
	require.NoError(t, err)
	require.False(t, d3.Allowed)
	require.Equal(t, DenyAlreadyRunning, d3.Reason)

	l.Release("u1")
	d4, err := l.AdmitJobCreation(context.Background(), "u1")
	require.NoError(t, err)
	require.True(t, d4.Allowed)
}

func TestAdmitJobCreation_HistoryError(t *testing.T) {
	t.Parallel()

	l, _ := newTestLimiter(&fakeHistory{err: errors.New("db down")})
	_, err := l.AdmitJobCreation(context.Background(), "u1")
	require.Error(t, err)
}

func TestReleaseFloorsAtZero(t *testing.T) {
	t.Parallel()

	l, _ := newTestLimiter(nil)
	l.Release("u1")
	l.Release("u1")

	d, err := l.AdmitJobCreation(context.Background(), "u1")
	require.NoError(t, err)
	require.True(t, d.Allowed)
}

func TestAdmitUpload_PayloadTooLargeIncrementsNothing(t *testing.T) {
	t.Parallel()

	l, _ := newTestLimiter(nil)

	d, lease := l.AdmitUpload("10.0.0.1", "u1", 11<<20)
	require.False(t, d.Allowed)
	require.Equal(t, DenyPayloadTooLarge, d.Reason)
	require.Nil(t, lease)

	// The full user cap must still be available afterwards.
	for i := 0; i < 10; i++ {
		d, lease := l.AdmitUpload("10.0.0.1", "u1", 1)
		require.True(t, d.Allowed, "upload %d", i+1)
		lease.Release()
	}
}

func TestAdmitUpload_UserWindowCap(t *testing.T) {
	t.Parallel()

	l, clk := newTestLimiter(nil)

	for i := 0; i < 10; i++ {
		d, lease := l.AdmitUpload("10.0.0.1", "u1", 1)
		require.True(t, d.Allowed)
		lease.Release()
	}
	d, lease := l.AdmitUpload("10.0.0.1", "u1", 1)
	require.False(t, d.Allowed)
	require.Equal(t, DenyUserLimit, d.Reason)
	require.Greater(t, d.RetryAfter, time.Duration(0))
	require.Nil(t, lease)

	clk.Advance(time.Minute)
	d, lease = l.AdmitUpload("10.0.0.1", "u1", 1)
	require.True(t, d.Allowed)
	lease.Release()
}

func TestAdmitUpload_IPWindowCap(t *testing.T) {
	t.Parallel()

	l, _ := newTestLimiter(nil)

	// Spread across users so the per-user cap never trips.
	for i := 0; i < 30; i++ {
		user := string(rune('a' + i%26))
		d, lease := l.AdmitUpload("10.0.0.9", user+"-u", 1)
		require.True(t, d.Allowed, "upload %d", i+1)
		lease.Release()
	}
	d, _ := l.AdmitUpload("10.0.0.9", "zz-u", 1)
	require.False(t, d.Allowed)
	require.Equal(t, DenyIPLimit, d.Reason)
}

func TestAdmitUpload_ConcurrentCapAndLeaseIdempotence(t *testing.T) {
	t.Parallel()

	l, _ := newTestLimiter(nil)

	d1, lease1 := l.AdmitUpload("10.0.0.1", "u1", 1)
	require.True(t, d1.Allowed)
	d2, lease2 := l.AdmitUpload("10.0.0.1", "u1", 1)
	require.True(t, d2.Allowed)

	d3, _ := l.AdmitUpload("10.0.0.1", "u1", 1)
	require.False(t, d3.Allowed)
	require.Equal(t, DenyConcurrentUploads, d3.Reason)

	// Double release must not free more than one slot.
	lease1.Release()
	lease1.Release()

	d4, lease4 := l.AdmitUpload("10.0.0.1", "u1", 1)
	require.True(t, d4.Allowed)

	d5, _ := l.AdmitUpload("10.0.0.1", "u1", 1)
	require.False(t, d5.Allowed)

	lease2.Release()
	lease4.Release()
}

func TestEmergencyMode(t *testing.T) {
	t.Parallel()

	l, _ := newTestLimiter(nil)
	l.SetEmergencyMode(true)
	require.True(t, l.EmergencyMode())

	d, lease := l.AdmitUpload("10.0.0.1", "u1", 1)
	require.False(t, d.Allowed)
	require.Equal(t, DenyEmergency, d.Reason)
	require.Nil(t, lease)

	l.SetEmergencyMode(false)
	d, lease = l.AdmitUpload("10.0.0.1", "u1", 1)
	require.True(t, d.Allowed)
	lease.Release()
}

func TestSweepExpired(t *testing.T) {
	t.Parallel()

	l, clk := newTestLimiter(nil)
	ctx := context.Background()

	d, err := l.AdmitJobCreation(ctx, "idle")
	require.NoError(t, err)
	require.True(t, d.Allowed)
	l.Release("idle")

	d, err = l.AdmitJobCreation(ctx, "busy")
	require.NoError(t, err)
	require.True(t, d.Allowed)
	// "busy" keeps its slot; its state must survive the sweep.

	clk.Advance(3 * time.Hour)
	removed := l.SweepExpired()
	require.Equal(t, 1, removed)

	d, err = l.AdmitJobCreation(ctx, "busy")
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Equal(t, DenyAlreadyRunning, d.Reason)
}

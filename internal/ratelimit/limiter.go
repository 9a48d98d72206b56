// Package ratelimit implements fixed-window admission control for export
// jobs and ancillary uploads.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prepstack/exportsrv/internal/export"
	"github.com/prepstack/exportsrv/internal/metrics"
)

// DenyReason classifies an admission denial.
type DenyReason string

// Denial reasons surfaced to callers.
const (
	DenyAlreadyRunning    DenyReason = "already_running"
	DenyHourlyLimit       DenyReason = "hourly_limit"
	DenyDailyLimit        DenyReason = "daily_limit"
	DenyPayloadTooLarge   DenyReason = "payload_too_large"
	DenyIPLimit           DenyReason = "ip_limit"
	DenyUserLimit         DenyReason = "user_limit"
	DenyConcurrentUploads DenyReason = "concurrent_uploads"
	DenyEmergency         DenyReason = "emergency_mode"
)

// Message returns the human-readable denial text.
func (r DenyReason) Message() string {
	switch r {
	case DenyAlreadyRunning:
		return "an export job is already running"
	case DenyHourlyLimit:
		return "hourly export limit exceeded"
	case DenyDailyLimit:
		return "daily export limit exceeded"
	case DenyPayloadTooLarge:
		return "payload too large"
	case DenyIPLimit:
		return "too many uploads from this address"
	case DenyUserLimit:
		return "too many uploads for this user"
	case DenyConcurrentUploads:
		return "too many concurrent uploads"
	case DenyEmergency:
		return "uploads are temporarily disabled"
	default:
		return "request denied"
	}
}

// Decision is the outcome of an admission check. RetryAfter is a hint for
// the client; zero means retry timing depends on in-flight work finishing.
type Decision struct {
	Allowed    bool
	Reason     DenyReason
	RetryAfter time.Duration
}

func allow() Decision { return Decision{Allowed: true} }

func deny(reason DenyReason, retryAfter time.Duration) Decision {
	metrics.ObserveAdmissionDenied(string(reason))
	return Decision{Reason: reason, RetryAfter: retryAfter}
}

// JobHistory supplies the persisted job counts backing the daily cap.
type JobHistory interface {
	CountCreatedSince(ctx context.Context, ownerID string, since time.Time) (int, error)
}

// Config holds admission-control caps and window durations.
type Config struct {
	Window              time.Duration
	HourlyCap           int
	DailyCap            int
	UploadWindow        time.Duration
	UploadIPCap         int
	UploadUserCap       int
	UploadConcurrentCap int
	MaxUploadBytes      int64
}

// state tracks one rate-limited subject. Windows are fixed: the counter
// resets entirely once the window elapses.
type state struct {
	windowStart time.Time
	count       int
	concurrent  int
	window      time.Duration
}

// Limiter decides synchronously whether a request may proceed and tracks
// in-flight work so concurrency caps hold across the request lifetime.
type Limiter struct {
	mu        sync.Mutex
	cfg       Config
	clock     export.Clock
	history   JobHistory
	states    map[string]*state
	emergency atomic.Bool
}

// New creates a Limiter.
func New(cfg Config, clock export.Clock, history JobHistory) *Limiter {
	return &Limiter{
		cfg:     cfg,
		clock:   clock,
		history: history,
		states:  make(map[string]*state),
	}
}

const dailyRetryHint = time.Hour

// AdmitJobCreation decides whether ownerID may create an export job. On
// admit it increments the owner's window count and takes the single
// concurrency slot, which Release must give back when the job terminates.
func (l *Limiter) AdmitJobCreation(ctx context.Context, ownerID string) (Decision, error) {
	now := l.clock.Now()

	l.mu.Lock()
	st := l.subjectLocked("owner:"+ownerID, now, l.cfg.Window)
	if st.concurrent >= 1 {
		l.mu.Unlock()
		return deny(DenyAlreadyRunning, 0), nil
	}
	if st.count >= l.cfg.HourlyCap {
		retry := st.windowStart.Add(st.window).Sub(now)
		l.mu.Unlock()
		return deny(DenyHourlyLimit, retry), nil
	}
	// Take the slot and window count before the lock is released so a
	// concurrent admit for the same owner cannot pass the checks while the
	// history read below is in flight. Undone on denial or error.
	st.count++
	st.concurrent++
	l.mu.Unlock()

	// The daily cap reads persisted job history, not the window counter, so
	// a process restart cannot reset it.
	created, err := l.history.CountCreatedSince(ctx, ownerID, now.Add(-24*time.Hour))
	if err != nil {
		l.undoAdmit(ownerID)
		return Decision{}, fmt.Errorf("count job history: %w", err)
	}
	if created >= l.cfg.DailyCap {
		l.undoAdmit(ownerID)
		return deny(DenyDailyLimit, dailyRetryHint), nil
	}
	return allow(), nil
}

// undoAdmit gives back the slot and window count taken optimistically by
// AdmitJobCreation, floored at zero.
func (l *Limiter) undoAdmit(ownerID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.states["owner:"+ownerID]
	if !ok {
		return
	}
	if st.concurrent > 0 {
		st.concurrent--
	}
	if st.count > 0 {
		st.count--
	}
}

// Release gives back ownerID's job concurrency slot, floored at zero. It
// must be called exactly once per admitted job, whatever the outcome.
func (l *Limiter) Release(ownerID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if st, ok := l.states["owner:"+ownerID]; ok && st.concurrent > 0 {
		st.concurrent--
	}
}

// Lease represents one admitted in-flight upload. Release is idempotent so
// handlers can defer it across success, error and client-abort paths.
type Lease struct {
	once    sync.Once
	release func()
}

// Release gives back the upload slot. Safe to call more than once and on a
// nil lease.
func (le *Lease) Release() {
	if le == nil {
		return
	}
	le.once.Do(le.release)
}

// AdmitUpload decides whether an upload may proceed. Checks run in order:
// payload size, IP window, user window, per-(user,ip) concurrency. Nothing
// is incremented on denial. On admit the returned Lease holds the
// concurrency slot until released.
func (l *Limiter) AdmitUpload(ip, userID string, payloadBytes int64) (Decision, *Lease) {
	if l.emergency.Load() {
		return deny(DenyEmergency, 0), nil
	}
	if payloadBytes > l.cfg.MaxUploadBytes {
		return deny(DenyPayloadTooLarge, 0), nil
	}

	now := l.clock.Now()
	ipKey := "ip:" + ip
	userKey := "user:" + userID
	flightKey := "upload:" + userID + "|" + ip

	l.mu.Lock()
	defer l.mu.Unlock()

	ipState := l.subjectLocked(ipKey, now, l.cfg.UploadWindow)
	if ipState.count >= l.cfg.UploadIPCap {
		return deny(DenyIPLimit, ipState.windowStart.Add(ipState.window).Sub(now)), nil
	}
	userState := l.subjectLocked(userKey, now, l.cfg.UploadWindow)
	if userState.count >= l.cfg.UploadUserCap {
		return deny(DenyUserLimit, userState.windowStart.Add(userState.window).Sub(now)), nil
	}
	flightState := l.subjectLocked(flightKey, now, l.cfg.UploadWindow)
	if flightState.concurrent >= l.cfg.UploadConcurrentCap {
		return deny(DenyConcurrentUploads, 0), nil
	}

	ipState.count++
	userState.count++
	flightState.concurrent++

	lease := &Lease{release: func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if st, ok := l.states[flightKey]; ok && st.concurrent > 0 {
			st.concurrent--
		}
	}}
	return allow(), lease
}

// SweepExpired drops subject states whose window has long elapsed and which
// hold no concurrency, bounding memory growth. Returns how many were removed.
func (l *Limiter) SweepExpired() int {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for key, st := range l.states {
		if st.concurrent == 0 && now.Sub(st.windowStart) >= 2*st.window {
			delete(l.states, key)
			removed++
		}
	}
	return removed
}

// SetEmergencyMode toggles the operator kill switch. While enabled,
// AdmitUpload denies unconditionally.
func (l *Limiter) SetEmergencyMode(enabled bool) {
	l.emergency.Store(enabled)
}

// EmergencyMode reports whether the kill switch is on.
func (l *Limiter) EmergencyMode() bool {
	return l.emergency.Load()
}

// subjectLocked returns the state for key, creating it lazily and resetting
// the counter when its fixed window has elapsed.
func (l *Limiter) subjectLocked(key string, now time.Time, window time.Duration) *state {
	st, ok := l.states[key]
	if !ok {
		st = &state{windowStart: now, window: window}
		l.states[key] = st
		return st
	}
	if now.Sub(st.windowStart) >= st.window {
		st.windowStart = now
		st.count = 0
	}
	return st
}

// Package api exposes the HTTP interface for the export service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/prepstack/exportsrv/internal/config"
	"github.com/prepstack/exportsrv/internal/export"
	"github.com/prepstack/exportsrv/internal/metrics"
	"github.com/prepstack/exportsrv/internal/ratelimit"
	"github.com/prepstack/exportsrv/internal/scheduler"
)

// Limiter is the admission-control surface the handlers need.
type Limiter interface {
	AdmitJobCreation(ctx context.Context, ownerID string) (ratelimit.Decision, error)
	Release(ownerID string)
	AdmitUpload(ip, userID string, payloadBytes int64) (ratelimit.Decision, *ratelimit.Lease)
}

// Server wires HTTP handlers to the job store, cache and limiter.
type Server struct {
	router  chi.Router
	store   export.JobStore
	cache   export.ResultCache
	limiter Limiter
	archive export.Archive
	idGen   export.IDGenerator
	clock   export.Clock
	cfg     config.Config
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	store export.JobStore,
	cache export.ResultCache,
	limiter Limiter,
	archive export.Archive,
	idGen export.IDGenerator,
	clock export.Clock,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	s := &Server{
		store:   store,
		cache:   cache,
		limiter: limiter,
		archive: archive,
		idGen:   idGen,
		clock:   clock,
		cfg:     cfg,
		logger:  logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/exports", func(r chi.Router) {
			r.Post("/", s.createExport)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/status", s.exportStatus)
				r.Get("/download", s.downloadExport)
				r.Delete("/", s.deleteExport)
			})
		})
		r.Post("/uploads/recordings", s.uploadRecording)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type createExportRequest struct {
	Kind    export.ReportKind `json:"kind"`
	Format  export.Format     `json:"format"`
	Options json.RawMessage   `json:"options"`
}

func (s *Server) createExport(w http.ResponseWriter, r *http.Request) {
	ownerID := ownerFromRequest(r)
	if ownerID == "" {
		writeError(w, http.StatusUnauthorized, "missing user identity")
		return
	}

	var req createExportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if !req.Kind.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown report kind %q", req.Kind))
		return
	}
	if !req.Format.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown format %q", req.Format))
		return
	}
	opts, err := export.ParseOptions(req.Kind, req.Options)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	decision, err := s.limiter.AdmitJobCreation(r.Context(), ownerID)
	if err != nil {
		s.logger.Error("admission check failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "admission check failed")
		return
	}
	if !decision.Allowed {
		writeDenied(w, http.StatusTooManyRequests, decision)
		return
	}

	jobID, err := s.idGen.NewID()
	if err != nil {
		s.limiter.Release(ownerID)
		writeError(w, http.StatusInternalServerError, "generate job id")
		return
	}
	now := s.clock.Now()
	job := export.Job{
		ID:        jobID,
		OwnerID:   ownerID,
		Kind:      req.Kind,
		Format:    req.Format,
		Options:   opts,
		Status:    export.JobStatusPending,
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.Jobs.Retention),
	}
	if err := s.store.Create(r.Context(), job); err != nil {
		s.limiter.Release(ownerID)
		s.logger.Error("create job failed", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "create job")
		return
	}
	metrics.ObserveJob(string(export.JobStatusPending))

	writeJSON(w, http.StatusCreated, map[string]string{"job_id": jobID})
}

type jobStatusResponse struct {
	JobID       string     `json:"job_id"`
	Status      string     `json:"status"`
	Progress    int        `json:"progress"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	ExpiresAt   time.Time  `json:"expires_at"`
	DownloadURL string     `json:"download_url,omitempty"`
	FileName    string     `json:"file_name,omitempty"`
	FileSize    int64      `json:"file_size,omitempty"`
	Error       string     `json:"error,omitempty"`
}

func (s *Server) exportStatus(w http.ResponseWriter, r *http.Request) {
	job, ok := s.ownedJob(w, r)
	if !ok {
		return
	}

	resp := jobStatusResponse{
		JobID:       job.ID,
		Status:      string(job.Status),
		Progress:    job.Progress,
		CreatedAt:   job.CreatedAt,
		CompletedAt: job.CompletedAt,
		ExpiresAt:   job.ExpiresAt,
	}
	switch job.Status {
	case export.JobStatusCompleted:
		resp.DownloadURL = "/v1/exports/" + job.ID + "/download"
		resp.FileName = job.ResultFileName
		resp.FileSize = job.ResultFileSize
	case export.JobStatusFailed:
		resp.Error = job.ErrorMessage
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) downloadExport(w http.ResponseWriter, r *http.Request) {
	job, ok := s.ownedJob(w, r)
	if !ok {
		return
	}
	if job.Status != export.JobStatusCompleted {
		writeError(w, http.StatusNotFound, "no downloadable result")
		return
	}
	data, ok := s.cache.Get(scheduler.ResultKey(job.ID))
	if !ok {
		writeError(w, http.StatusNotFound, "result expired")
		return
	}

	w.Header().Set("Content-Type", job.Format.ContentType())
	w.Header().Set("Content-Disposition", `attachment; filename="`+job.ResultFileName+`"`)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		s.logger.Warn("write download failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func (s *Server) deleteExport(w http.ResponseWriter, r *http.Request) {
	job, ok := s.ownedJob(w, r)
	if !ok {
		return
	}

	// A pending job still holds its owner's concurrency slot. An in_progress
	// job's slot belongs to the scheduler, whose deferred release fires when
	// the in-flight render returns; releasing here too would free it twice.
	if job.Status == export.JobStatusPending {
		s.limiter.Release(job.OwnerID)
	}
	s.cache.Delete(scheduler.ResultKey(job.ID))
	if err := s.store.Delete(r.Context(), job.ID); err != nil && !errors.Is(err, export.ErrNotFound) {
		s.logger.Error("delete job failed", zap.String("job_id", job.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "delete job")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ownedJob resolves {job_id} and enforces ownership. Non-owners get the same
// 404 as a missing job so job IDs cannot be probed.
func (s *Server) ownedJob(w http.ResponseWriter, r *http.Request) (export.Job, bool) {
	ownerID := ownerFromRequest(r)
	if ownerID == "" {
		writeError(w, http.StatusUnauthorized, "missing user identity")
		return export.Job{}, false
	}
	jobID := chi.URLParam(r, "job_id")
	job, err := s.store.Get(r.Context(), jobID)
	if err != nil || job.OwnerID != ownerID {
		writeError(w, http.StatusNotFound, "job not found")
		return export.Job{}, false
	}
	return job, true
}

func (s *Server) uploadRecording(w http.ResponseWriter, r *http.Request) {
	userID := ownerFromRequest(r)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "missing user identity")
		return
	}

	decision, lease := s.limiter.AdmitUpload(clientIP(r), userID, r.ContentLength)
	if !decision.Allowed {
		switch decision.Reason {
		case ratelimit.DenyEmergency:
			writeDenied(w, http.StatusServiceUnavailable, decision)
		case ratelimit.DenyPayloadTooLarge:
			writeDenied(w, http.StatusRequestEntityTooLarge, decision)
		default:
			writeDenied(w, http.StatusTooManyRequests, decision)
		}
		return
	}
	defer lease.Release()

	// Content-Length can lie; MaxBytesReader enforces the cap while reading.
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.RateLimit.MaxUploadBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, ratelimit.DenyPayloadTooLarge.Message())
			return
		}
		writeError(w, http.StatusBadRequest, "read body")
		return
	}

	uploadID, err := s.idGen.NewID()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "generate upload id")
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if err := s.archive.Save(r.Context(), "recordings/"+uploadID, body, contentType); err != nil {
		s.logger.Warn("archive recording failed",
			zap.String("upload_id", uploadID),
			zap.Error(err),
		)
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"upload_id": uploadID})
}

func ownerFromRequest(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-User-ID"))
}

// clientIP prefers the first X-Forwarded-For hop, falling back to the
// connection's remote address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type requestIDKey struct{}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			duration := time.Since(start)

			route := chi.RouteContext(r.Context()).RoutePattern()
			if route == "" {
				route = r.URL.Path
			}
			metrics.ObserveHTTPRequest(r.Method, route, ww.status, duration)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Duration("duration", duration),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("panic", rec))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("X-API-Key") != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func writeDenied(w http.ResponseWriter, status int, decision ratelimit.Decision) {
	payload := map[string]any{
		"error":  decision.Reason.Message(),
		"reason": string(decision.Reason),
	}
	if decision.RetryAfter > 0 {
		seconds := int(decision.RetryAfter.Round(time.Second) / time.Second)
		if seconds < 1 {
			seconds = 1
		}
		payload["retry_after_seconds"] = seconds
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Warn("write response failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

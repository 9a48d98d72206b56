// Package postgres provides the Postgres-backed job store.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/prepstack/exportsrv/internal/export"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Schema is the expected shape of the job table.
const Schema = `
CREATE TABLE IF NOT EXISTS export_jobs (
	id               TEXT PRIMARY KEY,
	owner_id         TEXT NOT NULL,
	kind             TEXT NOT NULL,
	format           TEXT NOT NULL,
	options          JSONB NOT NULL DEFAULT '{}',
	status           TEXT NOT NULL,
	progress         INT NOT NULL DEFAULT 0,
	result_key       TEXT NOT NULL DEFAULT '',
	result_file_name TEXT NOT NULL DEFAULT '',
	result_file_size BIGINT NOT NULL DEFAULT 0,
	error_message    TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL,
	completed_at     TIMESTAMPTZ,
	expires_at       TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS export_jobs_owner_created_idx ON export_jobs (owner_id, created_at);
CREATE INDEX IF NOT EXISTS export_jobs_status_idx ON export_jobs (status);
`

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// JobStore implements export.JobStore on Postgres. Job history survives
// restarts, which keeps the daily admission cap honest across deploys.
type JobStore struct {
	pool  pgxPool
	table string
	clock export.Clock
}

// NewJobStore creates a Postgres-backed JobStore using the provided config.
func NewJobStore(ctx context.Context, cfg Config, clock export.Clock) (*JobStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewJobStoreWithPool(pool, cfg.Table, clock)
}

// NewJobStoreWithPool constructs a store from an existing pool (primarily
// for testing).
func NewJobStoreWithPool(pool pgxPool, table string, clock export.Clock) (*JobStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "export_jobs"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &JobStore{pool: pool, table: table, clock: clock}, nil
}

// Close releases the underlying pool resources.
func (s *JobStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

const jobColumns = `id, owner_id, kind, format, options, status, progress,
result_key, result_file_name, result_file_size, error_message,
created_at, completed_at, expires_at`

// Create inserts a new pending job row.
func (s *JobStore) Create(ctx context.Context, job export.Job) error {
	opts, err := json.Marshal(job.Options)
	if err != nil {
		return fmt.Errorf("marshal options: %w", err)
	}
	query := fmt.Sprintf(`INSERT INTO %s (%s)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`, s.table, jobColumns)
	_, err = s.pool.Exec(ctx, query,
		job.ID, job.OwnerID, string(job.Kind), string(job.Format), opts,
		string(export.JobStatusPending), 0, "", "", int64(0), "",
		job.CreatedAt, nil, job.ExpiresAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return export.ErrJobExists
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// Get fetches a job by ID.
func (s *JobStore) Get(ctx context.Context, jobID string) (export.Job, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, jobColumns, s.table)
	job, err := scanJob(s.pool.QueryRow(ctx, query, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return export.Job{}, export.ErrNotFound
		}
		return export.Job{}, fmt.Errorf("select job: %w", err)
	}
	return job, nil
}

// ListPending returns pending jobs in creation order.
func (s *JobStore) ListPending(ctx context.Context) ([]export.Job, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE status = $1 ORDER BY created_at ASC, id ASC`,
		jobColumns, s.table)
	rows, err := s.pool.Query(ctx, query, string(export.JobStatusPending))
	if err != nil {
		return nil, fmt.Errorf("select pending jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// MarkInProgress moves a pending job to in_progress.
func (s *JobStore) MarkInProgress(ctx context.Context, jobID string) error {
	query := fmt.Sprintf(`UPDATE %s SET status = $1 WHERE id = $2 AND status = $3`, s.table)
	tag, err := s.pool.Exec(ctx, query,
		string(export.JobStatusInProgress), jobID, string(export.JobStatusPending))
	if err != nil {
		return fmt.Errorf("mark in progress: %w", err)
	}
	return s.transitionOutcome(ctx, jobID, tag)
}

// SetProgress updates an in_progress job's progress, never decreasing it.
func (s *JobStore) SetProgress(ctx context.Context, jobID string, progress int) error {
	if progress < 0 || progress > 100 {
		return fmt.Errorf("%w: progress %d out of range", export.ErrInvalidTransition, progress)
	}
	query := fmt.Sprintf(`UPDATE %s SET progress = $1
WHERE id = $2 AND status = $3 AND progress <= $1`, s.table)
	tag, err := s.pool.Exec(ctx, query, progress, jobID, string(export.JobStatusInProgress))
	if err != nil {
		return fmt.Errorf("set progress: %w", err)
	}
	return s.transitionOutcome(ctx, jobID, tag)
}

// MarkCompleted moves an in_progress job to completed.
func (s *JobStore) MarkCompleted(ctx context.Context, jobID, resultKey, fileName string, fileSize int64) error {
	query := fmt.Sprintf(`UPDATE %s
SET status = $1, progress = 100, result_key = $2, result_file_name = $3,
	result_file_size = $4, completed_at = $5
WHERE id = $6 AND status = $7`, s.table)
	tag, err := s.pool.Exec(ctx, query,
		string(export.JobStatusCompleted), resultKey, fileName, fileSize,
		s.clock.Now(), jobID, string(export.JobStatusInProgress))
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	return s.transitionOutcome(ctx, jobID, tag)
}

// MarkFailed moves an in_progress job to failed.
func (s *JobStore) MarkFailed(ctx context.Context, jobID, errorMessage string) error {
	query := fmt.Sprintf(`UPDATE %s
SET status = $1, error_message = $2, completed_at = $3
WHERE id = $4 AND status = $5`, s.table)
	tag, err := s.pool.Exec(ctx, query,
		string(export.JobStatusFailed), errorMessage, s.clock.Now(),
		jobID, string(export.JobStatusInProgress))
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return s.transitionOutcome(ctx, jobID, tag)
}

// Delete removes a job row.
func (s *JobStore) Delete(ctx context.Context, jobID string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.table)
	tag, err := s.pool.Exec(ctx, query, jobID)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return export.ErrNotFound
	}
	return nil
}

// ListExpiredTerminal returns terminal jobs completed before olderThan.
func (s *JobStore) ListExpiredTerminal(ctx context.Context, olderThan time.Time) ([]export.Job, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s
WHERE status IN ($1, $2) AND completed_at IS NOT NULL AND completed_at < $3`,
		jobColumns, s.table)
	rows, err := s.pool.Query(ctx, query,
		string(export.JobStatusCompleted), string(export.JobStatusFailed), olderThan)
	if err != nil {
		return nil, fmt.Errorf("select expired jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// CountCreatedSince counts an owner's jobs created at or after since.
func (s *JobStore) CountCreatedSince(ctx context.Context, ownerID string, since time.Time) (int, error) {
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE owner_id = $1 AND created_at >= $2`, s.table)
	var count int
	if err := s.pool.QueryRow(ctx, query, ownerID, since).Scan(&count); err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return count, nil
}

// transitionOutcome maps a zero-row conditional update to the right
// sentinel: missing row vs. state-machine violation.
func (s *JobStore) transitionOutcome(ctx context.Context, jobID string, tag pgconn.CommandTag) error {
	if tag.RowsAffected() > 0 {
		return nil
	}
	if _, err := s.Get(ctx, jobID); err != nil {
		return err
	}
	return export.ErrInvalidTransition
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (export.Job, error) {
	var (
		job       export.Job
		kind      string
		format    string
		status    string
		opts      []byte
		completed *time.Time
	)
	err := row.Scan(
		&job.ID, &job.OwnerID, &kind, &format, &opts, &status, &job.Progress,
		&job.ResultKey, &job.ResultFileName, &job.ResultFileSize, &job.ErrorMessage,
		&job.CreatedAt, &completed, &job.ExpiresAt,
	)
	if err != nil {
		return export.Job{}, err
	}
	job.Kind = export.ReportKind(kind)
	job.Format = export.Format(format)
	job.Status = export.JobStatus(status)
	job.CompletedAt = completed
	if len(opts) > 0 {
		if err := json.Unmarshal(opts, &job.Options); err != nil {
			return export.Job{}, fmt.Errorf("unmarshal options: %w", err)
		}
	}
	return job, nil
}

func collectJobs(rows pgx.Rows) ([]export.Job, error) {
	out := make([]export.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}

// Package export defines core types shared across the report-export subsystems.
package export

import "time"

// JobStatus represents the lifecycle state of an export job.
type JobStatus string

// Job status values persisted in the job store. Pending and in_progress are
// the only non-terminal states; completed and failed are immutable.
const (
	JobStatusPending    JobStatus = "pending"
	JobStatusInProgress JobStatus = "in_progress"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether no further transition is possible from s.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// ReportKind identifies the type of report an export job produces.
type ReportKind string

// Report kinds accepted at job creation.
const (
	KindExamResults     ReportKind = "exam_results"
	KindProgressSummary ReportKind = "progress_summary"
	KindQuestionStats   ReportKind = "question_stats"
)

// Valid reports whether k is a recognized report kind.
func (k ReportKind) Valid() bool {
	switch k {
	case KindExamResults, KindProgressSummary, KindQuestionStats:
		return true
	default:
		return false
	}
}

// Format identifies the artifact format of an export job.
type Format string

// Artifact formats supported by the renderers.
const (
	FormatPDF  Format = "pdf"
	FormatXLSX Format = "xlsx"
)

// Valid reports whether f is a recognized artifact format.
func (f Format) Valid() bool {
	return f == FormatPDF || f == FormatXLSX
}

// ContentType returns the MIME type served for artifacts of this format.
func (f Format) ContentType() string {
	switch f {
	case FormatPDF:
		return "application/pdf"
	case FormatXLSX:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	default:
		return "application/octet-stream"
	}
}

// Extension returns the file extension (without dot) for this format.
func (f Format) Extension() string {
	if f == FormatXLSX {
		return "xlsx"
	}
	return string(f)
}

// Job represents the metadata persisted for each submitted export request.
// ResultKey is set exactly when Status is completed; ErrorMessage is set
// exactly when Status is failed.
type Job struct {
	ID             string     `json:"id"`
	OwnerID        string     `json:"owner_id"`
	Kind           ReportKind `json:"kind"`
	Format         Format     `json:"format"`
	Options        Options    `json:"options"`
	Status         JobStatus  `json:"status"`
	Progress       int        `json:"progress"`
	ResultKey      string     `json:"result_key,omitempty"`
	ResultFileName string     `json:"result_file_name,omitempty"`
	ResultFileSize int64      `json:"result_file_size,omitempty"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	ExpiresAt      time.Time  `json:"expires_at"`
}

// RenderRequest carries everything a Renderer needs to produce an artifact.
type RenderRequest struct {
	JobID   string
	OwnerID string
	Kind    ReportKind
	Format  Format
	Options Options
}

// RenderResult is the artifact returned by a Renderer implementation.
type RenderResult struct {
	Data        []byte
	FileName    string
	ContentType string
}

// Event is published when a job reaches a terminal state.
type Event struct {
	Type     string     `json:"type"`
	JobID    string     `json:"job_id"`
	OwnerID  string     `json:"owner_id"`
	Kind     ReportKind `json:"kind"`
	Format   Format     `json:"format"`
	FileName string     `json:"file_name,omitempty"`
	FileSize int64      `json:"file_size,omitempty"`
	Error    string     `json:"error,omitempty"`
	At       time.Time  `json:"at"`
}

// Event types published on terminal transitions.
const (
	EventExportCompleted = "export.completed"
	EventExportFailed    = "export.failed"
)

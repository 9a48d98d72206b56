package export

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Options is a tagged union keyed by ReportKind. Exactly one member is
// non-nil for a validated job.
type Options struct {
	ExamResults     *ExamResultsOptions     `json:"exam_results,omitempty"`
	ProgressSummary *ProgressSummaryOptions `json:"progress_summary,omitempty"`
	QuestionStats   *QuestionStatsOptions   `json:"question_stats,omitempty"`
}

// ExamResultsOptions selects one exam's result sheet.
type ExamResultsOptions struct {
	ExamID           string `json:"exam_id"`
	IncludeBreakdown bool   `json:"include_breakdown"`
}

// ProgressSummaryOptions selects a date range of study activity.
type ProgressSummaryOptions struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// QuestionStatsOptions selects per-question statistics, optionally by topic.
type QuestionStatsOptions struct {
	Topic string `json:"topic,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

const questionStatsDefaultLimit = 100

// ParseOptions validates a raw options payload against the schema for kind.
// Unknown fields and malformed payloads are rejected here, synchronously,
// so render time never sees an untyped blob.
func ParseOptions(kind ReportKind, raw json.RawMessage) (Options, error) {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	switch kind {
	case KindExamResults:
		var o ExamResultsOptions
		if err := strictUnmarshal(raw, &o); err != nil {
			return Options{}, err
		}
		if o.ExamID == "" {
			return Options{}, errors.New("exam_id is required")
		}
		return Options{ExamResults: &o}, nil
	case KindProgressSummary:
		var o ProgressSummaryOptions
		if err := strictUnmarshal(raw, &o); err != nil {
			return Options{}, err
		}
		from, err := time.Parse(time.RFC3339, o.From)
		if err != nil {
			return Options{}, fmt.Errorf("invalid from: %w", err)
		}
		to, err := time.Parse(time.RFC3339, o.To)
		if err != nil {
			return Options{}, fmt.Errorf("invalid to: %w", err)
		}
		if to.Before(from) {
			return Options{}, errors.New("to must not precede from")
		}
		return Options{ProgressSummary: &o}, nil
	case KindQuestionStats:
		var o QuestionStatsOptions
		if err := strictUnmarshal(raw, &o); err != nil {
			return Options{}, err
		}
		if o.Limit == 0 {
			o.Limit = questionStatsDefaultLimit
		}
		if o.Limit < 1 || o.Limit > 1000 {
			return Options{}, errors.New("limit must be between 1 and 1000")
		}
		return Options{QuestionStats: &o}, nil
	default:
		return Options{}, fmt.Errorf("unknown report kind %q", kind)
	}
}

func strictUnmarshal(raw json.RawMessage, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid options: %w", err)
	}
	return nil
}

// Package render turns report data into downloadable artifacts.
package render

import (
	"context"
	"fmt"

	"github.com/prepstack/exportsrv/internal/export"
)

// ReportData is the tabular content of a report, independent of the output
// format.
type ReportData struct {
	Title    string
	Subtitle string
	Columns  []string
	Rows     [][]string
}

// DataProvider fetches the content for a report. Implementations talk to
// whatever backs the exam platform; the static provider serves dev and tests.
type DataProvider interface {
	Fetch(ctx context.Context, req export.RenderRequest) (ReportData, error)
}

// StaticProvider returns deterministic sample data shaped by the request
// options. Useful wherever a real data backend is not wired up.
type StaticProvider struct{}

// NewStaticProvider constructs a StaticProvider.
func NewStaticProvider() *StaticProvider {
	return &StaticProvider{}
}

// Fetch builds sample report content for the requested kind.
func (p *StaticProvider) Fetch(_ context.Context, req export.RenderRequest) (ReportData, error) {
	switch req.Kind {
	case export.KindExamResults:
		opts := req.Options.ExamResults
		if opts == nil {
			return ReportData{}, fmt.Errorf("missing exam_results options")
		}
		data := ReportData{
			Title:    "Exam Results",
			Subtitle: "Exam " + opts.ExamID,
			Columns:  []string{"Question", "Your Answer", "Correct Answer", "Outcome"},
			Rows: [][]string{
				{"1", "B", "B", "correct"},
				{"2", "A", "C", "incorrect"},
				{"3", "D", "D", "correct"},
			},
		}
		if opts.IncludeBreakdown {
			data.Columns = append(data.Columns, "Topic")
			for i, row := range data.Rows {
				data.Rows[i] = append(row, "general")
			}
		}
		return data, nil
	case export.KindProgressSummary:
		opts := req.Options.ProgressSummary
		if opts == nil {
			return ReportData{}, fmt.Errorf("missing progress_summary options")
		}
		return ReportData{
			Title:    "Progress Summary",
			Subtitle: opts.From + " to " + opts.To,
			Columns:  []string{"Date", "Questions Answered", "Correct", "Accuracy"},
			Rows: [][]string{
				{"day 1", "40", "31", "77.5%"},
				{"day 2", "25", "22", "88.0%"},
			},
		}, nil
	case export.KindQuestionStats:
		opts := req.Options.QuestionStats
		if opts == nil {
			return ReportData{}, fmt.Errorf("missing question_stats options")
		}
		data := ReportData{
			Title:   "Question Statistics",
			Columns: []string{"Question", "Topic", "Attempts", "Correct Rate"},
		}
		topic := opts.Topic
		if topic == "" {
			topic = "all"
		}
		data.Subtitle = "Topic: " + topic
		limit := opts.Limit
		if limit > 5 {
			limit = 5
		}
		for i := 0; i < limit; i++ {
			data.Rows = append(data.Rows, []string{
				fmt.Sprintf("Q%d", i+1), topic, "120", "64.2%",
			})
		}
		return data, nil
	default:
		return ReportData{}, fmt.Errorf("unknown report kind %q", req.Kind)
	}
}

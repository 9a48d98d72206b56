package render

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/prepstack/exportsrv/internal/export"
)

func TestExcelRendererWritesWorkbook(t *testing.T) {
	t.Parallel()

	r := NewExcelRenderer()
	data := ReportData{
		Title:    "Question Statistics",
		Subtitle: "Topic: algebra",
		Columns:  []string{"Question", "Topic", "Attempts"},
		Rows: [][]string{
			{"Q1", "algebra", "120"},
			{"Q2", "algebra", "98"},
		},
	}

	out, err := r.RenderDocument(context.Background(), export.RenderRequest{}, data)
	require.NoError(t, err)
	require.NotEmpty(t, out)

	f, err := excelize.OpenReader(bytes.NewReader(out))
	require.NoError(t, err)
	defer f.Close()

	require.Contains(t, f.GetSheetList(), sheetName)

	title, err := f.GetCellValue(sheetName, "A1")
	require.NoError(t, err)
	require.Equal(t, "Question Statistics - Topic: algebra", title)

	header, err := f.GetCellValue(sheetName, "A2")
	require.NoError(t, err)
	require.Equal(t, "Question", header)

	cell, err := f.GetCellValue(sheetName, "C4")
	require.NoError(t, err)
	require.Equal(t, "98", cell)
}

func TestExcelRendererEmptyReport(t *testing.T) {
	t.Parallel()

	r := NewExcelRenderer()
	out, err := r.RenderDocument(context.Background(), export.RenderRequest{}, ReportData{Title: "Empty"})
	require.NoError(t, err)
	require.NotEmpty(t, out)
}

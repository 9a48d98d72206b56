package render

import (
	"context"
	"fmt"

	"github.com/xuri/excelize/v2"

	"github.com/prepstack/exportsrv/internal/export"
)

const sheetName = "Report"

// ExcelRenderer renders reports as XLSX workbooks.
type ExcelRenderer struct{}

// NewExcelRenderer constructs an ExcelRenderer.
func NewExcelRenderer() *ExcelRenderer {
	return &ExcelRenderer{}
}

// RenderDocument writes the report as a single-sheet workbook: title row,
// header row, then data rows.
func (r *ExcelRenderer) RenderDocument(_ context.Context, _ export.RenderRequest, data ReportData) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", sheetName); err != nil {
		return nil, fmt.Errorf("rename sheet: %w", err)
	}

	title := data.Title
	if data.Subtitle != "" {
		title += " - " + data.Subtitle
	}
	if err := f.SetCellValue(sheetName, "A1", title); err != nil {
		return nil, fmt.Errorf("write title: %w", err)
	}

	header := make([]any, len(data.Columns))
	for i, col := range data.Columns {
		header[i] = col
	}
	if err := f.SetSheetRow(sheetName, "A2", &header); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}

	for i, row := range data.Rows {
		cells := make([]any, len(row))
		for j, v := range row {
			cells[j] = v
		}
		cell, err := excelize.CoordinatesToCellName(1, i+3)
		if err != nil {
			return nil, fmt.Errorf("cell name: %w", err)
		}
		if err := f.SetSheetRow(sheetName, cell, &cells); err != nil {
			return nil, fmt.Errorf("write row %d: %w", i+1, err)
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("serialize workbook: %w", err)
	}
	return buf.Bytes(), nil
}

package render

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prepstack/exportsrv/internal/export"
	"github.com/prepstack/exportsrv/internal/metrics"
)

// ErrPDFDisabled indicates PDF rendering has been disabled via configuration.
var ErrPDFDisabled = errors.New("pdf rendering disabled")

// Backend produces artifact bytes for one output format.
type Backend interface {
	RenderDocument(ctx context.Context, req export.RenderRequest, data ReportData) ([]byte, error)
}

// Dispatcher implements export.Renderer by fetching report data once and
// routing to the backend for the requested format. A nil PDF backend turns
// PDF requests into ErrPDFDisabled so jobs fail with a clear message.
type Dispatcher struct {
	provider DataProvider
	pdf      Backend
	xlsx     Backend
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(provider DataProvider, pdf, xlsx Backend) *Dispatcher {
	return &Dispatcher{provider: provider, pdf: pdf, xlsx: xlsx}
}

// Render produces the artifact for req.
func (d *Dispatcher) Render(ctx context.Context, req export.RenderRequest) (export.RenderResult, error) {
	data, err := d.provider.Fetch(ctx, req)
	if err != nil {
		return export.RenderResult{}, fmt.Errorf("fetch report data: %w", err)
	}

	var backend Backend
	switch req.Format {
	case export.FormatPDF:
		if d.pdf == nil {
			return export.RenderResult{}, ErrPDFDisabled
		}
		backend = d.pdf
	case export.FormatXLSX:
		backend = d.xlsx
	default:
		return export.RenderResult{}, fmt.Errorf("unsupported format %q", req.Format)
	}
	if backend == nil {
		return export.RenderResult{}, fmt.Errorf("no backend for format %q", req.Format)
	}

	start := time.Now()
	artifact, err := backend.RenderDocument(ctx, req, data)
	if err != nil {
		return export.RenderResult{}, fmt.Errorf("render %s: %w", req.Format, err)
	}
	metrics.ObserveRender(string(req.Kind), string(req.Format), time.Since(start))

	return export.RenderResult{
		Data:        artifact,
		FileName:    fmt.Sprintf("%s-%s.%s", req.Kind, req.JobID, req.Format.Extension()),
		ContentType: req.Format.ContentType(),
	}, nil
}

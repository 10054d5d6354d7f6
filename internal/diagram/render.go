package diagram

import (
	"context"
	"fmt"

	"github.com/rendis/crmflow/internal/store"
	"github.com/rendis/crmflow/pkg/schema"
)

// Format names an output format accepted by Render.
type Format string

const (
	FormatMermaid  Format = "mermaid"
	FormatASCII    Format = "ascii"
	FormatImagePNG Format = Format(FormatPNG)
	FormatImageSVG Format = Format(FormatSVG)
)

// ParseFormat validates a format name. An empty name selects Mermaid.
func ParseFormat(s string) (Format, error) {
	switch f := Format(s); f {
	case "":
		return FormatMermaid, nil
	case FormatMermaid, FormatASCII, FormatImagePNG, FormatImageSVG:
		return f, nil
	default:
		return "", schema.NewErrorf(schema.ErrCodeValidation,
			"unknown diagram format %q (want mermaid, ascii, png or svg)", s)
	}
}

// ContentType returns the MIME type of rendered output.
func (f Format) ContentType() string {
	switch f {
	case FormatImagePNG, FormatImageSVG:
		return ImageFormat(f).ContentType()
	case FormatMermaid:
		return "text/vnd.mermaid; charset=utf-8"
	default:
		return "text/plain; charset=utf-8"
	}
}

// Source reads the workflow definitions and run history a diagram needs.
// store.Store satisfies it.
type Source interface {
	GetWorkflow(ctx context.Context, id string) (*store.Workflow, error)
	ListSteps(ctx context.Context, workflowID string) ([]*schema.Step, error)
	GetRun(ctx context.Context, id string) (*store.Run, error)
	ListStepLogs(ctx context.Context, runID string) ([]*store.StepLog, error)
}

// Render loads a workflow and renders it. When runID is set the run's step
// logs are overlaid; the run must belong to the workflow.
func Render(ctx context.Context, src Source, workflowID, runID string, format Format) ([]byte, error) {
	wf, err := src.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	steps, err := src.ListSteps(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	var logs []*store.StepLog
	if runID != "" {
		run, err := src.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		if run.WorkflowID != workflowID {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"run %s belongs to workflow %s, not %s", runID, run.WorkflowID, workflowID)
		}
		if logs, err = src.ListStepLogs(ctx, runID); err != nil {
			return nil, err
		}
	}

	model, err := Build(wf, steps, logs)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, err.Error()).WithCause(err)
	}

	switch format {
	case FormatMermaid:
		return []byte(RenderMermaid(model)), nil
	case FormatASCII:
		return []byte(RenderASCII(model)), nil
	case FormatImagePNG, FormatImageSVG:
		return RenderImage(ctx, model, ImageFormat(format))
	default:
		return nil, fmt.Errorf("diagram: unsupported format %q", format)
	}
}

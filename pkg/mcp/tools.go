package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/crmflow/internal/diagram"
	"github.com/rendis/crmflow/internal/engine"
	"github.com/rendis/crmflow/internal/logging"
	"github.com/rendis/crmflow/pkg/schema"
)

const (
	defaultDueLimit = 50
	maxDueLimit     = 500
)

// handleEmit dispatches one event and its cascade.
func (s *FlowServer) handleEmit(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ev, msg := eventFromRequest(req)
	if msg != "" {
		return mcp.NewToolResultError(msg), nil
	}

	report := s.dispatcher.EmitAll(ctx, []schema.PipelineEvent{ev})
	s.logger.InfoContext(ctx, "event emitted via mcp",
		"event_type", ev.Type, "contact_id", ev.ContactID, "runs", len(report.Runs), "dropped", report.Dropped)
	return marshalResult(report)
}

// eventFromRequest builds an event from the tool arguments. It returns a
// non-empty message when a required argument is missing.
func eventFromRequest(req mcp.CallToolRequest) (schema.PipelineEvent, string) {
	var ev schema.PipelineEvent
	for _, arg := range []string{"type", "contact_id", "organization_id", "pipeline_id"} {
		if _, err := req.RequireString(arg); err != nil {
			return ev, arg + " is required"
		}
	}

	ev = schema.PipelineEvent{
		Type:           schema.TriggerType(req.GetString("type", "")),
		ContactID:      req.GetString("contact_id", ""),
		OrganizationID: req.GetString("organization_id", ""),
		PipelineID:     req.GetString("pipeline_id", ""),
		Data: schema.EventData{
			FromStageID: req.GetString("from_stage_id", ""),
			ToStageID:   req.GetString("to_stage_id", ""),
			TagID:       req.GetString("tag_id", ""),
		},
	}
	if !ev.Type.Valid() {
		return ev, fmt.Sprintf("unknown event type: %s", ev.Type)
	}

	switch ev.Type {
	case schema.TriggerStageChanged:
		if ev.Data.ToStageID == "" {
			return ev, "to_stage_id is required for stage_changed"
		}
	case schema.TriggerTagAdded, schema.TriggerTagRemoved:
		if ev.Data.TagID == "" {
			return ev, fmt.Sprintf("tag_id is required for %s", ev.Type)
		}
	}
	return ev, ""
}

// handleResume continues a waiting run and dispatches its cascade.
func (s *FlowServer) handleResume(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	stepID, err := req.RequireString("step_id")
	if err != nil {
		return mcp.NewToolResultError("step_id is required"), nil
	}

	ctx = logging.WithRunID(ctx, runID)
	res, resumeErr := s.dispatcher.ResumeDelay(ctx, runID, stepID)
	if resumeErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("resume failed: %v", resumeErr)), nil
	}
	return marshalResult(res)
}

// statusResult adds the terminal flag to a run snapshot.
type statusResult struct {
	*engine.RunSnapshot
	Terminal bool `json:"terminal"`
}

// handleStatus returns a run with its step logs.
func (s *FlowServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	snap, statusErr := s.runs.Status(ctx, runID)
	if statusErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", statusErr)), nil
	}
	return marshalResult(statusResult{RunSnapshot: snap, Terminal: engine.IsTerminalRun(snap.Run.Status)})
}

// handleDue lists the delays a scheduler poll at the cutoff would resume.
func (s *FlowServer) handleDue(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	before := s.now()
	if v := req.GetString("before", ""); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("before must be RFC3339: %v", err)), nil
		}
		before = t
	}
	limit := req.GetInt("limit", defaultDueLimit)
	if limit <= 0 {
		limit = defaultDueLimit
	}
	if limit > maxDueLimit {
		limit = maxDueLimit
	}

	logs, err := s.due.ListDueStepLogs(ctx, before, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{
		"before":    before.Format(time.RFC3339),
		"step_logs": logs,
	})
}

// handleDiagram renders a workflow. PNG output is returned as image content.
func (s *FlowServer) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.diagrams == nil {
		return mcp.NewToolResultError("diagrams not configured"), nil
	}
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	format, err := diagram.ParseFormat(req.GetString("format", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	out, renderErr := diagram.Render(ctx, s.diagrams, workflowID, req.GetString("run_id", ""), format)
	if renderErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("render failed: %v", renderErr)), nil
	}
	if format == diagram.FormatImagePNG {
		return mcp.NewToolResultImage("workflow "+workflowID, base64.StdEncoding.EncodeToString(out), format.ContentType()), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}

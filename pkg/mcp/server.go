package mcp

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/crmflow/internal/diagram"
	"github.com/rendis/crmflow/internal/engine"
	"github.com/rendis/crmflow/internal/store"
	"github.com/rendis/crmflow/pkg/schema"
)

// Dispatcher runs events and resumes delays. *engine.Emitter satisfies it.
type Dispatcher interface {
	EmitAll(ctx context.Context, events []schema.PipelineEvent) *engine.DispatchReport
	ResumeDelay(ctx context.Context, runID, stepID string) (*engine.ExecutionResult, error)
}

// RunReader reads run state. *engine.Executor satisfies it.
type RunReader interface {
	Status(ctx context.Context, runID string) (*engine.RunSnapshot, error)
}

// DueLister lists waiting delay step logs. store.Store satisfies it.
type DueLister interface {
	ListDueStepLogs(ctx context.Context, before time.Time, limit int) ([]*store.StepLog, error)
}

// FlowServerDeps holds the dependencies for creating a FlowServer.
type FlowServerDeps struct {
	Dispatcher Dispatcher
	Runs       RunReader
	Due        DueLister
	// Diagrams backs crmflow.diagram; the tool reports an error when nil.
	Diagrams diagram.Source
	Logger   *slog.Logger
	// Now is the default cutoff of crmflow.due.
	Now func() time.Time
}

// FlowServer wraps an MCP server with the crmflow operator tools.
type FlowServer struct {
	dispatcher Dispatcher
	runs       RunReader
	due        DueLister
	diagrams   diagram.Source
	logger     *slog.Logger
	now        func() time.Time
	mcpServer  *server.MCPServer
}

// NewFlowServer creates a new FlowServer with all 5 tools registered.
func NewFlowServer(deps FlowServerDeps, version string) *FlowServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	now := deps.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	s := &FlowServer{
		dispatcher: deps.Dispatcher,
		runs:       deps.Runs,
		due:        deps.Due,
		diagrams:   deps.Diagrams,
		logger:     logger,
		now:        now,
	}

	mcpSrv := server.NewMCPServer(
		"crmflow",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("crmflow runs CRM automation workflows. Use crmflow.emit to dispatch a pipeline event, crmflow.status to inspect a run, crmflow.due to list delays ready to resume, crmflow.resume to continue a waiting run, and crmflow.diagram to draw a workflow."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *FlowServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *FlowServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *FlowServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: emitTool(), Handler: s.handleEmit},
		{Tool: resumeTool(), Handler: s.handleResume},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: dueTool(), Handler: s.handleDue},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

func emitTool() mcp.Tool {
	return mcp.NewTool("crmflow.emit",
		mcp.WithDescription("Dispatch a pipeline event to every matching active workflow"),
		mcp.WithString("type", mcp.Required(),
			mcp.Enum(string(schema.TriggerStageChanged), string(schema.TriggerContactCreated),
				string(schema.TriggerTagAdded), string(schema.TriggerTagRemoved)),
			mcp.Description("Event type"),
		),
		mcp.WithString("contact_id", mcp.Required(), mcp.Description("Contact the event is about")),
		mcp.WithString("organization_id", mcp.Required(), mcp.Description("Owning organization")),
		mcp.WithString("pipeline_id", mcp.Required(), mcp.Description("Pipeline of the contact")),
		mcp.WithString("from_stage_id", mcp.Description("Previous stage (stage_changed)")),
		mcp.WithString("to_stage_id", mcp.Description("New stage (required for stage_changed)")),
		mcp.WithString("tag_id", mcp.Description("Tag (required for tag_added and tag_removed)")),
	)
}

func resumeTool() mcp.Tool {
	return mcp.NewTool("crmflow.resume",
		mcp.WithDescription("Resume a run waiting on a delay step"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the waiting run")),
		mcp.WithString("step_id", mcp.Required(), mcp.Description("ID of the delay step the run waits on")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("crmflow.status",
		mcp.WithDescription("Get a run with its step logs"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to query")),
	)
}

func dueTool() mcp.Tool {
	return mcp.NewTool("crmflow.due",
		mcp.WithDescription("List delay steps whose wake time has passed"),
		mcp.WithString("before", mcp.Description("RFC3339 cutoff (default: now)")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of entries (default: 50)")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("crmflow.diagram",
		mcp.WithDescription("Render a workflow step graph, optionally overlaid with a run's step logs"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("Workflow to render")),
		mcp.WithString("run_id", mcp.Description("Run whose step logs are overlaid")),
		mcp.WithString("format",
			mcp.Enum(string(diagram.FormatMermaid), string(diagram.FormatASCII),
				string(diagram.FormatImageSVG), string(diagram.FormatImagePNG)),
			mcp.Description("Output format (default: mermaid)"),
		),
	)
}

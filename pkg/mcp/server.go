package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/flowrun/internal/actions"
	"github.com/rendis/flowrun/internal/engine"
	"github.com/rendis/flowrun/internal/store"
	"github.com/rendis/flowrun/internal/trigger"
)

// FlowrunServerDeps holds the dependencies for creating a FlowrunServer.
type FlowrunServerDeps struct {
	Engine   *engine.Engine
	Store    store.Store
	Trigger  *trigger.Service
	Registry *actions.Registry
	Logger   *slog.Logger
}

// FlowrunServer wraps an MCP server with flowrun-specific tool handlers.
type FlowrunServer struct {
	engine    *engine.Engine
	store     store.Store
	trigger   *trigger.Service
	registry  *actions.Registry
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewFlowrunServer creates a new FlowrunServer with all tools registered.
func NewFlowrunServer(deps FlowrunServerDeps) *FlowrunServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &FlowrunServer{
		engine:   deps.Engine,
		store:    deps.Store,
		trigger:  deps.Trigger,
		registry: deps.Registry,
		logger:   logger,
	}

	mcpSrv := server.NewMCPServer(
		"flowrun",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Flowrun is a runtime workflow execution engine. Use flowrun.define to register templates, flowrun.trigger to fire a template with a payload, flowrun.create/flowrun.start to instantiate runtimes directly, flowrun.next_step to execute the next ready step, flowrun.mark_done to confirm steps completed externally, flowrun.reset to recover an errored step, flowrun.cancel to abort, and flowrun.status for progress."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *FlowrunServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *FlowrunServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *FlowrunServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: triggerTool(), Handler: s.handleTrigger},
		{Tool: createTool(), Handler: s.handleCreate},
		{Tool: startTool(), Handler: s.handleStart},
		{Tool: nextStepTool(), Handler: s.handleNextStep},
		{Tool: markDoneTool(), Handler: s.handleMarkDone},
		{Tool: resetTool(), Handler: s.handleReset},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: statusTool(), Handler: s.handleStatus},
	}
}

// --- Tool definitions ---

func defineTool() mcp.Tool {
	return mcp.NewTool("flowrun.define",
		mcp.WithDescription("Register a workflow template"),
		mcp.WithString("ref", mcp.Required(), mcp.Description("Unique template reference")),
		mcp.WithString("name", mcp.Description("Human readable template name")),
		mcp.WithObject("template", mcp.Required(), mcp.Description("Template definition: actions plus optional payload_schema, record_getter and filter_condition")),
	)
}

func triggerTool() mcp.Tool {
	return mcp.NewTool("flowrun.trigger",
		mcp.WithDescription("Fire a template trigger with an external payload"),
		mcp.WithString("template_ref", mcp.Required(), mcp.Description("Template to trigger")),
		mcp.WithObject("payload", mcp.Required(), mcp.Description("Delivered trigger payload")),
	)
}

func createTool() mcp.Tool {
	return mcp.NewTool("flowrun.create",
		mcp.WithDescription("Create a draft runtime instance bound to a template and target context"),
		mcp.WithString("template_ref", mcp.Required(), mcp.Description("Template to instantiate")),
		mcp.WithObject("target", mcp.Required(), mcp.Description("Target context; partner_id is required to start")),
	)
}

func startTool() mcp.Tool {
	return mcp.NewTool("flowrun.start",
		mcp.WithDescription("Start a draft runtime: materialize its steps and begin execution"),
		mcp.WithString("runtime_id", mcp.Required(), mcp.Description("Runtime instance to start")),
	)
}

func nextStepTool() mcp.Tool {
	return mcp.NewTool("flowrun.next_step",
		mcp.WithDescription("Execute the single next ready step of a runtime"),
		mcp.WithString("runtime_id", mcp.Required(), mcp.Description("Runtime instance to advance")),
		mcp.WithObject("payload", mcp.Description("Optional payload merged into the step execution context")),
	)
}

func markDoneTool() mcp.Tool {
	return mcp.NewTool("flowrun.mark_done",
		mcp.WithDescription("Mark ready steps as done (work confirmed outside the engine)"),
		mcp.WithString("runtime_id", mcp.Required(), mcp.Description("Owning runtime instance")),
		mcp.WithArray("step_ids", mcp.Required(), mcp.Description("Step instance IDs to mark done")),
	)
}

func resetTool() mcp.Tool {
	return mcp.NewTool("flowrun.reset",
		mcp.WithDescription("Return an errored step to waiting so it can run again"),
		mcp.WithString("runtime_id", mcp.Required(), mcp.Description("Owning runtime instance")),
		mcp.WithString("step_id", mcp.Required(), mcp.Description("Errored step instance to reset")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("flowrun.cancel",
		mcp.WithDescription("Cancel a runtime and all its non-terminal steps"),
		mcp.WithString("runtime_id", mcp.Required(), mcp.Description("Runtime instance to cancel")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("flowrun.status",
		mcp.WithDescription("Get runtime state, per-step states and aggregated progress"),
		mcp.WithString("runtime_id", mcp.Required(), mcp.Description("Runtime instance to query")),
	)
}

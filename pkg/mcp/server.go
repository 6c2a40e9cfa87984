// Package mcp exposes the workflow engine to agents over the Model Context
// Protocol's stdio transport.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/Atypis/runops-v2-sub000/internal/engine"
	"github.com/Atypis/runops-v2-sub000/internal/store"
)

// RunopsServerDeps holds the dependencies for creating a RunopsServer.
type RunopsServerDeps struct {
	Engine *engine.Engine
	Store  store.Store
	Logger *slog.Logger
}

// RunopsServer wraps an MCP server with workflow-engine tool handlers.
type RunopsServer struct {
	engine    *engine.Engine
	store     store.Store
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewRunopsServer creates a new RunopsServer with all tools registered.
func NewRunopsServer(deps RunopsServerDeps) *RunopsServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &RunopsServer{
		engine: deps.Engine,
		store:  deps.Store,
		logger: logger,
	}

	mcpSrv := server.NewMCPServer(
		"runops",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Runops executes DAG-based browser-automation workflows. Use runops.execute to run a node (loops preview by default), runops.status to inspect node states, runops.variables to read stored variables, runops.events to tail the execution journal, and runops.schedule to register cron-gated re-runs."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *RunopsServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *RunopsServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *RunopsServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: executeTool(), Handler: s.handleExecute},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: variablesTool(), Handler: s.handleVariables},
		{Tool: eventsTool(), Handler: s.handleEvents},
		{Tool: scheduleTool(), Handler: s.handleSchedule},
	}
}

// --- Tool definitions ---

func executeTool() mcp.Tool {
	return mcp.NewTool("runops.execute",
		mcp.WithDescription("Execute a workflow node. Iterate nodes run in preview mode unless their config sets previewOnly=false."),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow")),
		mcp.WithString("node_id", mcp.Required(), mcp.Description("ID of the node to execute")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("runops.status",
		mcp.WithDescription("Get the execution status of every node in a workflow"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to query")),
	)
}

func variablesTool() mcp.Tool {
	return mcp.NewTool("runops.variables",
		mcp.WithDescription("Read stored workflow variables"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow")),
		mcp.WithString("key", mcp.Description("Storage key to read (omit to list all keys)")),
	)
}

func eventsTool() mcp.Tool {
	return mcp.NewTool("runops.events",
		mcp.WithDescription("Tail the append-only execution journal"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow")),
		mcp.WithNumber("since", mcp.Description("Return events with ID greater than this (default 0)")),
	)
}

func scheduleTool() mcp.Tool {
	return mcp.NewTool("runops.schedule",
		mcp.WithDescription("Register a cron-gated re-run of a workflow node"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow")),
		mcp.WithString("node_id", mcp.Required(), mcp.Description("ID of the entry node to re-run")),
		mcp.WithString("cron", mcp.Required(), mcp.Description("Five-field cron spec, e.g. \"0 9 * * 1-5\"")),
	)
}

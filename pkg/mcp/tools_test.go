package mcp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Atypis/runops-v2-sub000/internal/engine"
	"github.com/Atypis/runops-v2-sub000/internal/store"
	"github.com/Atypis/runops-v2-sub000/pkg/schema"
)

func newTestServer(t *testing.T) (*RunopsServer, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng := engine.New(engine.Config{Store: st, Logger: logger})
	srv := NewRunopsServer(RunopsServerDeps{Engine: eng, Store: st, Logger: logger})
	return srv, st
}

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func unmarshalResult(t *testing.T, result *mcp.CallToolResult, target any) {
	t.Helper()
	text := extractText(t, result)
	require.NoError(t, json.Unmarshal([]byte(text), target))
}

// --- Tests ---

func TestExecuteTool(t *testing.T) {
	srv, st := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, st.CreateNode(ctx, &schema.Node{
		ID: "n1", WorkflowID: "wf", Position: 1, Type: schema.NodeTypeMemory,
		Config: map[string]any{"operation": "set", "key": "greeting", "value": "hello"},
	}))

	req := buildRequest("runops.execute", map[string]any{
		"workflow_id": "wf",
		"node_id":     "n1",
	})
	result, err := srv.handleExecute(ctx, req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var payload struct {
		OK     bool           `json:"ok"`
		Result map[string]any `json:"result"`
	}
	unmarshalResult(t, result, &payload)
	assert.True(t, payload.OK)
	assert.Equal(t, true, payload.Result["stored"])

	value, err := st.Get(ctx, "wf", "greeting")
	require.NoError(t, err)
	assert.Equal(t, "hello", value)
}

func TestExecuteToolEngineError(t *testing.T) {
	srv, _ := newTestServer(t)

	req := buildRequest("runops.execute", map[string]any{
		"workflow_id": "wf",
		"node_id":     "missing",
	})
	result, err := srv.handleExecute(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var payload struct {
		OK   bool   `json:"ok"`
		Code string `json:"code"`
	}
	unmarshalResult(t, result, &payload)
	assert.False(t, payload.OK)
	assert.Equal(t, schema.ErrCodeNodeNotFound, payload.Code)
}

func TestExecuteToolMissingParams(t *testing.T) {
	srv, _ := newTestServer(t)

	req := buildRequest("runops.execute", map[string]any{"workflow_id": "wf"})
	result, err := srv.handleExecute(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)

	req = buildRequest("runops.execute", map[string]any{"node_id": "n1"})
	result, err = srv.handleExecute(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestStatusTool(t *testing.T) {
	srv, st := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, st.CreateNode(ctx, &schema.Node{
		ID: "n1", WorkflowID: "wf", Position: 1, Type: schema.NodeTypeBrowserAction,
		Status: schema.NodeStatusPending, Alias: "page",
	}))
	require.NoError(t, st.CreateNode(ctx, &schema.Node{
		ID: "n2", WorkflowID: "wf", Position: 2, Type: schema.NodeTypeRoute,
		Status: schema.NodeStatusSuccess,
	}))

	req := buildRequest("runops.status", map[string]any{"workflow_id": "wf"})
	result, err := srv.handleStatus(ctx, req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var payload struct {
		Nodes []map[string]any `json:"nodes"`
	}
	unmarshalResult(t, result, &payload)
	require.Len(t, payload.Nodes, 2)
	assert.Equal(t, "n1", payload.Nodes[0]["id"])
	assert.Equal(t, "page", payload.Nodes[0]["alias"])
	assert.Equal(t, string(schema.NodeStatusSuccess), payload.Nodes[1]["status"])
}

func TestVariablesTool(t *testing.T) {
	srv, st := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, st.Upsert(ctx, "wf", "profile", map[string]any{"email": "a@b.c"}))

	// List keys.
	req := buildRequest("runops.variables", map[string]any{"workflow_id": "wf"})
	result, err := srv.handleVariables(ctx, req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var listed struct {
		Keys []string `json:"keys"`
	}
	unmarshalResult(t, result, &listed)
	assert.Equal(t, []string{"profile"}, listed.Keys)

	// Read one key.
	req = buildRequest("runops.variables", map[string]any{"workflow_id": "wf", "key": "profile"})
	result, err = srv.handleVariables(ctx, req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var read struct {
		Value map[string]any `json:"value"`
	}
	unmarshalResult(t, result, &read)
	assert.Equal(t, "a@b.c", read.Value["email"])

	// Unknown key.
	req = buildRequest("runops.variables", map[string]any{"workflow_id": "wf", "key": "nope"})
	result, err = srv.handleVariables(ctx, req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestEventsTool(t *testing.T) {
	srv, st := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, st.CreateNode(ctx, &schema.Node{
		ID: "n1", WorkflowID: "wf", Position: 1, Type: schema.NodeTypeMemory,
		Config: map[string]any{"operation": "set", "key": "k", "value": 1},
	}))

	req := buildRequest("runops.execute", map[string]any{"workflow_id": "wf", "node_id": "n1"})
	_, err := srv.handleExecute(ctx, req)
	require.NoError(t, err)

	req = buildRequest("runops.events", map[string]any{"workflow_id": "wf", "since": float64(0)})
	result, err := srv.handleEvents(ctx, req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var payload struct {
		Events []map[string]any `json:"events"`
	}
	unmarshalResult(t, result, &payload)
	require.NotEmpty(t, payload.Events)
	assert.Equal(t, schema.EventNodeStarted, payload.Events[0]["event_type"])
}

func TestScheduleTool(t *testing.T) {
	srv, st := newTestServer(t)
	ctx := context.Background()

	req := buildRequest("runops.schedule", map[string]any{
		"workflow_id": "wf",
		"node_id":     "entry",
		"cron":        "0 9 * * 1-5",
	})
	result, err := srv.handleSchedule(ctx, req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var payload struct {
		OK    bool   `json:"ok"`
		JobID string `json:"job_id"`
	}
	unmarshalResult(t, result, &payload)
	assert.True(t, payload.OK)
	assert.NotEmpty(t, payload.JobID)

	jobs, err := st.ListScheduledJobs(ctx, true)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "entry", jobs[0].NodeID)
	assert.Equal(t, "0 9 * * 1-5", jobs[0].CronSpec)
}

func TestScheduleToolRejectsInvalidCron(t *testing.T) {
	srv, st := newTestServer(t)
	ctx := context.Background()

	req := buildRequest("runops.schedule", map[string]any{
		"workflow_id": "wf",
		"node_id":     "entry",
		"cron":        "every now and then",
	})
	result, err := srv.handleSchedule(ctx, req)
	require.NoError(t, err)
	assert.True(t, result.IsError)

	// Nothing was persisted.
	jobs, err := st.ListScheduledJobs(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestScheduleToolMissingCron(t *testing.T) {
	srv, _ := newTestServer(t)

	req := buildRequest("runops.schedule", map[string]any{
		"workflow_id": "wf",
		"node_id":     "entry",
	})
	result, err := srv.handleSchedule(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

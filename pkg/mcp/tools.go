package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/Atypis/runops-v2-sub000/internal/scheduler"
	"github.com/Atypis/runops-v2-sub000/internal/store"
	"github.com/Atypis/runops-v2-sub000/pkg/schema"
)

// handleExecute runs a workflow node through the engine.
func (s *RunopsServer) handleExecute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	nodeID, err := req.RequireString("node_id")
	if err != nil {
		return mcp.NewToolResultError("node_id is required"), nil
	}

	result, runErr := s.engine.Run(ctx, workflowID, nodeID)
	if runErr != nil {
		var ee *schema.EngineError
		if errors.As(runErr, &ee) {
			return marshalResult(map[string]any{
				"ok":      false,
				"code":    ee.Code,
				"error":   ee.Message,
				"node_id": ee.NodeID,
				"details": ee.Details,
			})
		}
		return mcp.NewToolResultError(fmt.Sprintf("execution failed: %v", runErr)), nil
	}

	return marshalResult(map[string]any{
		"ok":          true,
		"workflow_id": workflowID,
		"node_id":     nodeID,
		"result":      result,
	})
}

// handleStatus reports per-node status for a workflow.
func (s *RunopsServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}

	nodes, listErr := s.store.ListNodes(ctx, workflowID)
	if listErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", listErr)), nil
	}

	summaries := make([]map[string]any, 0, len(nodes))
	for _, n := range nodes {
		summary := map[string]any{
			"id":       n.ID,
			"position": n.Position,
			"type":     n.Type,
			"status":   n.Status,
		}
		if n.Description != "" {
			summary["description"] = n.Description
		}
		if n.Alias != "" {
			summary["alias"] = n.Alias
		}
		summaries = append(summaries, summary)
	}

	return marshalResult(map[string]any{
		"workflow_id": workflowID,
		"nodes":       summaries,
	})
}

// handleVariables reads one variable or lists all keys.
func (s *RunopsServer) handleVariables(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	key := req.GetString("key", "")

	if key == "" {
		keys, listErr := s.store.ListKeys(ctx, workflowID)
		if listErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("list keys failed: %v", listErr)), nil
		}
		return marshalResult(map[string]any{"workflow_id": workflowID, "keys": keys})
	}

	value, getErr := s.store.Get(ctx, workflowID, key)
	if getErr != nil {
		if schema.IsCode(getErr, schema.ErrCodeVariableNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("variable %q not found", key)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("read failed: %v", getErr)), nil
	}
	return marshalResult(map[string]any{"key": key, "value": value})
}

// handleEvents tails the execution journal.
func (s *RunopsServer) handleEvents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	since := int64(req.GetFloat("since", 0))

	events, listErr := s.store.ListEvents(ctx, workflowID, since)
	if listErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("event query failed: %v", listErr)), nil
	}
	return marshalResult(map[string]any{"workflow_id": workflowID, "events": events})
}

// handleSchedule registers a cron-gated re-run.
func (s *RunopsServer) handleSchedule(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	nodeID, err := req.RequireString("node_id")
	if err != nil {
		return mcp.NewToolResultError("node_id is required"), nil
	}
	cronSpec, err := req.RequireString("cron")
	if err != nil {
		return mcp.NewToolResultError("cron is required"), nil
	}
	if _, parseErr := scheduler.ParseSpec(cronSpec); parseErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid cron spec %q: %v", cronSpec, parseErr)), nil
	}

	job := &store.ScheduledJob{
		ID:         uuid.New().String(),
		WorkflowID: workflowID,
		NodeID:     nodeID,
		CronSpec:   cronSpec,
		Enabled:    true,
		CreatedAt:  time.Now().UTC(),
	}
	if createErr := s.store.CreateScheduledJob(ctx, job); createErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to create scheduled job: %v", createErr)), nil
	}

	return marshalResult(map[string]any{"ok": true, "job_id": job.ID, "cron": cronSpec})
}

func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}

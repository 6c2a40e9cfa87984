package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextKeys(t *testing.T) {
	ctx := context.Background()

	// Initially empty.
	assert.Equal(t, "", WorkflowID(ctx))
	assert.Equal(t, "", NodeID(ctx))
	_, ok := NodePosition(ctx)
	assert.False(t, ok)

	// Set values.
	ctx = WithNode(ctx, "wf-123", "node-1", 7)

	// Round-trip.
	assert.Equal(t, "wf-123", WorkflowID(ctx))
	assert.Equal(t, "node-1", NodeID(ctx))
	pos, ok := NodePosition(ctx)
	assert.True(t, ok)
	assert.Equal(t, 7, pos)
}

func TestLogWith(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ctx := WithNode(context.Background(), "wf-abc", "node-x", 3)

	enriched := LogWith(ctx, logger)
	enriched.Info("test message")

	output := buf.String()
	assert.Contains(t, output, "workflow_id=wf-abc")
	assert.Contains(t, output, "node_id=node-x")
	assert.Contains(t, output, "position=3")
	assert.Contains(t, output, "test message")
}

func TestLogWithMissingKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	// Only set workflow ID; node and position should not appear.
	ctx := WithWorkflowID(context.Background(), "wf-only")

	enriched := LogWith(ctx, logger)
	enriched.Info("partial context")

	output := buf.String()
	assert.Contains(t, output, "workflow_id=wf-only")
	assert.NotContains(t, output, "node_id")
	assert.NotContains(t, output, "position")
}

func TestCorrelationHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

	ctx := WithNode(context.Background(), "wf-h", "node-h", 2)
	logger.InfoContext(ctx, "handled")

	output := buf.String()
	assert.Contains(t, output, "workflow_id=wf-h")
	assert.Contains(t, output, "node_id=node-h")
	assert.Contains(t, output, "position=2")
}

func TestCorrelationHandler_EmptyContext(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

	logger.InfoContext(context.Background(), "bare")

	output := buf.String()
	assert.NotContains(t, output, "workflow_id")
	assert.Contains(t, output, "bare")
}

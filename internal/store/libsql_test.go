package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Atypis/runops-v2-sub000/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedNode(t *testing.T, s *LibSQLStore, position int, nodeType schema.NodeType) *schema.Node {
	t.Helper()
	n := &schema.Node{
		ID:         uuid.New().String(),
		WorkflowID: "wf-1",
		Position:   position,
		Type:       nodeType,
		Config:     map[string]any{"action": "navigate", "url": "https://example.com"},
	}
	require.NoError(t, s.CreateNode(context.Background(), n))
	return n
}

// --- Node tests ---

func TestLibSQL_CreateAndGetNode(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	parent := 3
	n := &schema.Node{
		ID:             uuid.New().String(),
		WorkflowID:     "wf-1",
		Position:       7,
		Type:           schema.NodeTypeBrowserAction,
		Config:         map[string]any{"action": "click", "selector": "#go"},
		Description:    "click the go button",
		Alias:          "clicked",
		StoreVariable:  true,
		ParentPosition: &parent,
		OutputSchema:   &schema.OutputSchema{Type: "boolean"},
	}
	require.NoError(t, s.CreateNode(ctx, n))

	got, err := s.GetNode(ctx, "wf-1", n.ID)
	require.NoError(t, err)
	assert.Equal(t, n.ID, got.ID)
	assert.Equal(t, 7, got.Position)
	assert.Equal(t, schema.NodeTypeBrowserAction, got.Type)
	assert.Equal(t, schema.NodeStatusPending, got.Status)
	assert.Equal(t, "click", got.Config["action"])
	assert.Equal(t, "clicked", got.Alias)
	assert.True(t, got.StoreVariable)
	require.NotNil(t, got.ParentPosition)
	assert.Equal(t, 3, *got.ParentPosition)
	require.NotNil(t, got.OutputSchema)
	assert.Equal(t, "boolean", got.OutputSchema.Type)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestLibSQL_GetNode_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetNode(context.Background(), "wf-1", "nope")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNodeNotFound))
}

func TestLibSQL_GetNodeByPosition(t *testing.T) {
	s := newTestStore(t)
	n := seedNode(t, s, 4, schema.NodeTypeRoute)

	got, err := s.GetNodeByPosition(context.Background(), "wf-1", 4)
	require.NoError(t, err)
	assert.Equal(t, n.ID, got.ID)

	_, err = s.GetNodeByPosition(context.Background(), "wf-1", 99)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNodeNotFound))
}

func TestLibSQL_ListByPositionRange(t *testing.T) {
	s := newTestStore(t)
	seedNode(t, s, 5, schema.NodeTypeBrowserAction)
	seedNode(t, s, 2, schema.NodeTypeBrowserAction)
	seedNode(t, s, 3, schema.NodeTypeMemory)
	seedNode(t, s, 9, schema.NodeTypeBrowserAction)

	nodes, err := s.ListByPositionRange(context.Background(), "wf-1", 2, 5)
	require.NoError(t, err)
	require.Len(t, nodes, 3)
	assert.Equal(t, 2, nodes[0].Position)
	assert.Equal(t, 3, nodes[1].Position)
	assert.Equal(t, 5, nodes[2].Position)
}

func TestLibSQL_UpdateStatusAndResult(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	n := seedNode(t, s, 1, schema.NodeTypeBrowserQuery)

	result := map[string]any{"rows": []any{"a", "b"}}
	require.NoError(t, s.UpdateStatusAndResult(ctx, n.ID, schema.NodeStatusSuccess, result))

	got, err := s.GetNode(ctx, "wf-1", n.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.NodeStatusSuccess, got.Status)
	assert.Equal(t, []any{"a", "b"}, got.Result.(map[string]any)["rows"])

	err = s.UpdateStatusAndResult(ctx, "missing", schema.NodeStatusFailed, nil)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNodeNotFound))
}

// --- Variable tests ---

func TestLibSQL_VariableUpsertAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, "wf-1", "profile", map[string]any{"email": "a@b.c"}))
	require.NoError(t, s.Upsert(ctx, "wf-1", "profile", map[string]any{"email": "new@b.c"}))

	value, err := s.Get(ctx, "wf-1", "profile")
	require.NoError(t, err)
	assert.Equal(t, "new@b.c", value.(map[string]any)["email"])

	_, err = s.Get(ctx, "wf-1", "missing")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeVariableNotFound))

	// Workflow isolation.
	_, err = s.Get(ctx, "wf-2", "profile")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeVariableNotFound))
}

func TestLibSQL_DeleteMatching(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, "wf-1", "x", 1))
	require.NoError(t, s.Upsert(ctx, "wf-1", "x@iter:4:0", 10))
	require.NoError(t, s.Upsert(ctx, "wf-1", "x@iter:4:1", 20))
	require.NoError(t, s.Upsert(ctx, "wf-1", "x@iter:7:0", 30))

	require.NoError(t, s.DeleteMatching(ctx, "wf-1", "%@iter:4:%"))

	keys, err := s.ListKeys(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "x@iter:7:0"}, keys)
}

// --- Run event tests ---

func TestLibSQL_AppendAndListEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	payload, _ := json.Marshal(map[string]any{"branch": "a"})
	require.NoError(t, s.AppendEvent(ctx, &RunEvent{
		WorkflowID: "wf-1", NodeID: "n1", Position: 2,
		Type: schema.EventNodeStarted,
	}))
	require.NoError(t, s.AppendEvent(ctx, &RunEvent{
		WorkflowID: "wf-1", NodeID: "n1", Position: 2,
		Type: schema.EventBranchTaken, Payload: payload,
	}))

	events, err := s.ListEvents(ctx, "wf-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, schema.EventNodeStarted, events[0].Type)
	assert.Equal(t, schema.EventBranchTaken, events[1].Type)
	assert.JSONEq(t, `{"branch":"a"}`, string(events[1].Payload))
	assert.Greater(t, events[1].ID, events[0].ID)

	// Tail from the first event's ID.
	tail, err := s.ListEvents(ctx, "wf-1", events[0].ID)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, schema.EventBranchTaken, tail[0].Type)
}

// --- Scheduled job tests ---

func TestLibSQL_ScheduledJobs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	enabled := &ScheduledJob{
		ID: uuid.New().String(), WorkflowID: "wf-1", NodeID: "entry",
		CronSpec: "0 9 * * *", Enabled: true,
	}
	disabled := &ScheduledJob{
		ID: uuid.New().String(), WorkflowID: "wf-1", NodeID: "entry",
		CronSpec: "0 10 * * *", Enabled: false,
	}
	require.NoError(t, s.CreateScheduledJob(ctx, enabled))
	require.NoError(t, s.CreateScheduledJob(ctx, disabled))

	jobs, err := s.ListScheduledJobs(ctx, true)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, enabled.ID, jobs[0].ID)
	assert.Nil(t, jobs[0].LastRunAt)

	all, err := s.ListScheduledJobs(ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, s.TouchScheduledJob(ctx, enabled.ID))
	jobs, err = s.ListScheduledJobs(ctx, true)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.NotNil(t, jobs[0].LastRunAt)

	err = s.TouchScheduledJob(ctx, "missing")
	require.Error(t, err)
}

// --- Migration helper tests ---

func TestSplitStatements(t *testing.T) {
	script := `
-- schema comment
CREATE TABLE a (id INTEGER);

-- another comment
CREATE INDEX idx_a ON a(id);
`
	stmts := splitStatements(script)
	require.Len(t, stmts, 2)
	assert.Contains(t, stmts[0], "CREATE TABLE a")
	assert.Contains(t, stmts[1], "CREATE INDEX idx_a")

	assert.Empty(t, splitStatements("-- only a comment;"))
}

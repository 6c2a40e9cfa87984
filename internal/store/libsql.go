package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/Atypis/runops-v2-sub000/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite
// fork). Config, result, and variable values are stored as JSON text.
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path. The path should
// be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Nodes ---

const nodeColumns = `id, workflow_id, position, type, config, description, status, result, alias, store_variable, parent_position, output_schema, created_at, updated_at`

func (s *LibSQLStore) CreateNode(ctx context.Context, node *schema.Node) error {
	config, err := nullableJSON(node.Config)
	if err != nil {
		return fmt.Errorf("marshal node config: %w", err)
	}
	result, err := nullableJSONAny(node.Result)
	if err != nil {
		return fmt.Errorf("marshal node result: %w", err)
	}
	outputSchema, err := nullableJSONAny(node.OutputSchema)
	if err != nil {
		return fmt.Errorf("marshal output schema: %w", err)
	}
	status := node.Status
	if status == "" {
		status = schema.NodeStatusPending
	}
	var parent sql.NullInt64
	if node.ParentPosition != nil {
		parent = sql.NullInt64{Int64: int64(*node.ParentPosition), Valid: true}
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO nodes (id, workflow_id, position, type, config, description, status, result, alias, store_variable, parent_position, output_schema, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		node.ID, node.WorkflowID, node.Position, string(node.Type), config, node.Description,
		string(status), result, node.Alias, boolToInt(node.StoreVariable), parent, outputSchema,
		timeOrNow(node.CreatedAt), timeOrNow(node.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetNode(ctx context.Context, workflowID, id string) (*schema.Node, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+nodeColumns+` FROM nodes WHERE workflow_id = ? AND id = ?`, workflowID, id)
	return scanNode(row)
}

func (s *LibSQLStore) GetNodeByPosition(ctx context.Context, workflowID string, position int) (*schema.Node, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+nodeColumns+` FROM nodes WHERE workflow_id = ? AND position = ?`, workflowID, position)
	return scanNode(row)
}

func (s *LibSQLStore) ListByPositionRange(ctx context.Context, workflowID string, lo, hi int) ([]*schema.Node, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+nodeColumns+` FROM nodes WHERE workflow_id = ? AND position BETWEEN ? AND ? ORDER BY position ASC`,
		workflowID, lo, hi)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanNodes(rows)
}

func (s *LibSQLStore) ListNodes(ctx context.Context, workflowID string) ([]*schema.Node, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+nodeColumns+` FROM nodes WHERE workflow_id = ? ORDER BY position ASC`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanNodes(rows)
}

func (s *LibSQLStore) UpdateStatusAndResult(ctx context.Context, id string, status schema.NodeStatus, result any) error {
	encoded, err := nullableJSONAny(result)
	if err != nil {
		return fmt.Errorf("marshal node result: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE nodes SET status = ?, result = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		string(status), encoded, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "node", id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(row rowScanner) (*schema.Node, error) {
	n := &schema.Node{}
	var nodeType, status string
	var config, result, outputSchema sql.NullString
	var storeVar int
	var parent sql.NullInt64
	err := row.Scan(&n.ID, &n.WorkflowID, &n.Position, &nodeType, &config, &n.Description,
		&status, &result, &n.Alias, &storeVar, &parent, &outputSchema, &n.CreatedAt, &n.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, schema.NewError(schema.ErrCodeNodeNotFound, "node not found")
	}
	if err != nil {
		return nil, err
	}
	n.Type = schema.NodeType(nodeType)
	n.Status = schema.NodeStatus(status)
	n.StoreVariable = storeVar != 0
	if parent.Valid {
		p := int(parent.Int64)
		n.ParentPosition = &p
	}
	if config.Valid && config.String != "" {
		if err := json.Unmarshal([]byte(config.String), &n.Config); err != nil {
			return nil, fmt.Errorf("unmarshal node config: %w", err)
		}
	}
	if result.Valid && result.String != "" {
		if err := json.Unmarshal([]byte(result.String), &n.Result); err != nil {
			return nil, fmt.Errorf("unmarshal node result: %w", err)
		}
	}
	if outputSchema.Valid && outputSchema.String != "" {
		if err := json.Unmarshal([]byte(outputSchema.String), &n.OutputSchema); err != nil {
			return nil, fmt.Errorf("unmarshal output schema: %w", err)
		}
	}
	return n, nil
}

func scanNodes(rows *sql.Rows) ([]*schema.Node, error) {
	var nodes []*schema.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// --- Variables ---

func (s *LibSQLStore) Get(ctx context.Context, workflowID, key string) (any, error) {
	var raw sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM variables WHERE workflow_id = ? AND key = ?`, workflowID, key,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, schema.NewErrorf(schema.ErrCodeVariableNotFound, "variable %q not found", key)
	}
	if err != nil {
		return nil, err
	}
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var value any
	if err := json.Unmarshal([]byte(raw.String), &value); err != nil {
		return nil, fmt.Errorf("unmarshal variable %q: %w", key, err)
	}
	return value, nil
}

func (s *LibSQLStore) Upsert(ctx context.Context, workflowID, key string, value any) error {
	encoded, err := nullableJSONAny(value)
	if err != nil {
		return fmt.Errorf("marshal variable %q: %w", key, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO variables (workflow_id, key, value, updated_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(workflow_id, key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
		workflowID, key, encoded)
	return err
}

func (s *LibSQLStore) DeleteMatching(ctx context.Context, workflowID, keyPattern string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM variables WHERE workflow_id = ? AND key LIKE ?`, workflowID, keyPattern)
	return err
}

func (s *LibSQLStore) ListKeys(ctx context.Context, workflowID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM variables WHERE workflow_id = ? ORDER BY key ASC`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// --- Run events ---

func (s *LibSQLStore) AppendEvent(ctx context.Context, event *RunEvent) error {
	var payload any
	if len(event.Payload) > 0 {
		payload = string(event.Payload)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_events (workflow_id, node_id, position, event_type, payload, timestamp) VALUES (?, ?, ?, ?, ?, ?)`,
		event.WorkflowID, event.NodeID, event.Position, event.Type, payload, timeOrNow(event.Timestamp))
	return err
}

func (s *LibSQLStore) ListEvents(ctx context.Context, workflowID string, since int64) ([]*RunEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_id, node_id, position, event_type, payload, timestamp
		 FROM run_events WHERE workflow_id = ? AND id > ? ORDER BY id ASC`, workflowID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var events []*RunEvent
	for rows.Next() {
		e := &RunEvent{}
		var nodeID, payload sql.NullString
		var position sql.NullInt64
		if err := rows.Scan(&e.ID, &e.WorkflowID, &nodeID, &position, &e.Type, &payload, &e.Timestamp); err != nil {
			return nil, err
		}
		e.NodeID = nodeID.String
		e.Position = int(position.Int64)
		if payload.Valid && payload.String != "" {
			e.Payload = json.RawMessage(payload.String)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Scheduled jobs ---

func (s *LibSQLStore) CreateScheduledJob(ctx context.Context, job *ScheduledJob) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_jobs (id, workflow_id, node_id, cron_spec, enabled, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		job.ID, job.WorkflowID, job.NodeID, job.CronSpec, boolToInt(job.Enabled), timeOrNow(job.CreatedAt))
	return err
}

func (s *LibSQLStore) ListScheduledJobs(ctx context.Context, enabledOnly bool) ([]*ScheduledJob, error) {
	query := `SELECT id, workflow_id, node_id, cron_spec, enabled, last_run_at, created_at FROM scheduled_jobs`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var jobs []*ScheduledJob
	for rows.Next() {
		j := &ScheduledJob{}
		var enabled int
		var lastRun sql.NullTime
		if err := rows.Scan(&j.ID, &j.WorkflowID, &j.NodeID, &j.CronSpec, &enabled, &lastRun, &j.CreatedAt); err != nil {
			return nil, err
		}
		j.Enabled = enabled != 0
		if lastRun.Valid {
			j.LastRunAt = &lastRun.Time
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *LibSQLStore) TouchScheduledJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_jobs SET last_run_at = CURRENT_TIMESTAMP WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled job", id)
}

// --- helpers ---

func nullableJSON(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

func nullableJSONAny(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func checkRowsAffected(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return schema.NewErrorf(schema.ErrCodeNodeNotFound, "%s %q not found", kind, id)
	}
	return nil
}

var _ Store = (*LibSQLStore)(nil)

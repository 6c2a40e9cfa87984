package store

import (
	"encoding/json"
	"time"
)

// RunEvent is an immutable entry in the execution journal.
type RunEvent struct {
	ID         int64           `json:"id"`
	WorkflowID string          `json:"workflow_id"`
	NodeID     string          `json:"node_id,omitempty"`
	Position   int             `json:"position,omitempty"`
	Type       string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// VariableEntry is the persisted form of one workflow variable. Key is unique
// per workflow and may carry an @iter: scoping suffix.
type VariableEntry struct {
	WorkflowID string    `json:"workflow_id"`
	Key        string    `json:"key"`
	Value      any       `json:"value"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ScheduledJob is a cron-gated trigger for re-running a workflow entry node.
type ScheduledJob struct {
	ID         string     `json:"id"`
	WorkflowID string     `json:"workflow_id"`
	NodeID     string     `json:"node_id"`
	CronSpec   string     `json:"cron_spec"`
	Enabled    bool       `json:"enabled"`
	LastRunAt  *time.Time `json:"last_run_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

package store

import (
	"context"

	"github.com/Atypis/runops-v2-sub000/pkg/schema"
)

// NodeStore is the position-addressable node persistence contract.
type NodeStore interface {
	CreateNode(ctx context.Context, node *schema.Node) error
	GetNode(ctx context.Context, workflowID, id string) (*schema.Node, error)
	GetNodeByPosition(ctx context.Context, workflowID string, position int) (*schema.Node, error)
	ListByPositionRange(ctx context.Context, workflowID string, lo, hi int) ([]*schema.Node, error)
	UpdateStatusAndResult(ctx context.Context, id string, status schema.NodeStatus, result any) error
}

// VariableStore is the scoped key→value persistence contract per workflow.
// Get fails with an ErrCodeVariableNotFound EngineError for missing keys.
// DeleteMatching takes a SQL-LIKE pattern ('%' wildcard).
type VariableStore interface {
	Get(ctx context.Context, workflowID, key string) (any, error)
	Upsert(ctx context.Context, workflowID, key string, value any) error
	DeleteMatching(ctx context.Context, workflowID, keyPattern string) error
	ListKeys(ctx context.Context, workflowID string) ([]string, error)
}

// EventLog is the append-only execution journal.
type EventLog interface {
	AppendEvent(ctx context.Context, event *RunEvent) error
	ListEvents(ctx context.Context, workflowID string, since int64) ([]*RunEvent, error)
}

// JobStore persists cron-gated scheduled runs.
type JobStore interface {
	CreateScheduledJob(ctx context.Context, job *ScheduledJob) error
	ListScheduledJobs(ctx context.Context, enabledOnly bool) ([]*ScheduledJob, error)
	TouchScheduledJob(ctx context.Context, id string) error
}

// Store is the full persistence contract. All implementations must be safe
// for concurrent use.
type Store interface {
	NodeStore
	VariableStore
	EventLog
	JobStore

	ListNodes(ctx context.Context, workflowID string) ([]*schema.Node, error)

	Migrate(ctx context.Context) error
	Close() error
}

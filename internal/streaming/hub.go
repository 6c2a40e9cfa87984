package streaming

import "context"

// Event is a real-time notification emitted during workflow execution, most
// importantly variable updates from the dispatcher.
type Event struct {
	WorkflowID string `json:"workflow_id"`
	Kind       string `json:"kind"`
	Key        string `json:"key,omitempty"`
	Alias      string `json:"alias,omitempty"`
	Value      any    `json:"value,omitempty"`
	Position   int    `json:"position,omitempty"`
}

// Event kinds.
const (
	KindVariableUpdated = "variable_updated"
	KindNodeStatus      = "node_status"
)

// Filter specifies which events a subscriber wants to receive.
type Filter struct {
	WorkflowID string   `json:"workflow_id,omitempty"`
	Kinds      []string `json:"kinds,omitempty"`
}

// Hub provides pub/sub for real-time execution events. Publish is
// fire-and-forget from the engine's perspective: failures are never allowed
// to fail node execution.
type Hub interface {
	Publish(ctx context.Context, event Event) error
	Subscribe(ctx context.Context, filter Filter) (<-chan Event, func(), error)
}

// Package driver defines the boundary between the workflow engine and the
// systems that actually touch the outside world: the browser automation
// backend and the model completion service. The engine only depends on these
// interfaces; concrete implementations live with the host process.
package driver

import (
	"context"
	"errors"

	"github.com/Atypis/runops-v2-sub000/pkg/schema"
)

// Typed failures an ActionDriver may surface. The engine wraps them in an
// ACTION_DRIVER_ERROR but callers can still match with errors.Is.
var (
	ErrElementNotFound  = errors.New("element not found")
	ErrTimeout          = errors.New("action timed out")
	ErrNavigationFailed = errors.New("navigation failed")
)

// ActionRequest carries one fully resolved node to the automation backend.
// Config has already been through template resolution; the driver never sees
// a {{...}} placeholder.
type ActionRequest struct {
	WorkflowID string
	NodeID     string
	NodeType   schema.NodeType
	Config     map[string]any
}

// ActionDriver executes browser-facing node types. Perform blocks until the
// action finishes or ctx is cancelled.
type ActionDriver interface {
	Perform(ctx context.Context, req ActionRequest) (any, error)
}

// CompletionRequest asks the model for a structured completion. Schema, when
// set, is the JSON schema the response must satisfy.
type CompletionRequest struct {
	WorkflowID  string
	NodeID      string
	Instruction string
	Schema      map[string]any
}

// CompletionService executes cognition nodes.
type CompletionService interface {
	Complete(ctx context.Context, req CompletionRequest) (any, error)
}

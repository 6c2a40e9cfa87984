package schema

import (
	"encoding/json"
	"time"
)

// NodeType enumerates the kinds of nodes the dispatcher understands.
// The set is closed: unknown tags map to ErrCodeUnsupportedType at dispatch,
// and new kinds are added here rather than by string matching at call sites.
type NodeType string

const (
	NodeTypeBrowserAction   NodeType = "browser_action"
	NodeTypeBrowserQuery    NodeType = "browser_query"
	NodeTypeBrowserAIQuery  NodeType = "browser_ai_query"
	NodeTypeBrowserAIAction NodeType = "browser_ai_action"
	NodeTypeCognition       NodeType = "cognition"
	NodeTypeMemory          NodeType = "memory"
	NodeTypeContext         NodeType = "context"
	NodeTypeTransform       NodeType = "transform"
	NodeTypeRoute           NodeType = "route"
	NodeTypeIterate         NodeType = "iterate"
	NodeTypeGroup           NodeType = "group"
)

// Known reports whether t is a member of the closed variant set.
func (t NodeType) Known() bool {
	switch t {
	case NodeTypeBrowserAction, NodeTypeBrowserQuery, NodeTypeBrowserAIQuery,
		NodeTypeBrowserAIAction, NodeTypeCognition, NodeTypeMemory,
		NodeTypeContext, NodeTypeTransform, NodeTypeRoute, NodeTypeIterate,
		NodeTypeGroup:
		return true
	}
	return false
}

// IsControlFlow reports whether t is handled in-core rather than by a
// primitive handler.
func (t NodeType) IsControlFlow() bool {
	return t == NodeTypeRoute || t == NodeTypeIterate || t == NodeTypeGroup
}

// IsBrowser reports whether t is dispatched to the action driver.
func (t NodeType) IsBrowser() bool {
	return t == NodeTypeBrowserAction || t == NodeTypeBrowserQuery ||
		t == NodeTypeBrowserAIQuery || t == NodeTypeBrowserAIAction
}

// NodeStatus is the persisted execution status of a node.
type NodeStatus string

const (
	NodeStatusPending NodeStatus = "pending"
	NodeStatusSuccess NodeStatus = "success"
	NodeStatusFailed  NodeStatus = "failed"
)

// Node is one step of a workflow, addressed by an integer position that is
// immutable and unique within its workflow. ParentPosition marks a node as
// logically nested inside a route/iterate/group body; the group handler skips
// such nodes when scanning a flat range.
type Node struct {
	ID             string         `json:"id"`
	WorkflowID     string         `json:"workflow_id"`
	Position       int            `json:"position"`
	Type           NodeType       `json:"type"`
	Config         map[string]any `json:"config,omitempty"`
	Description    string         `json:"description,omitempty"`
	Status         NodeStatus     `json:"status"`
	Result         any            `json:"result,omitempty"`
	Alias          string         `json:"alias,omitempty"`
	StoreVariable  bool           `json:"store_variable,omitempty"`
	ParentPosition *int           `json:"parent_position,omitempty"`
	OutputSchema   *OutputSchema  `json:"output_schema,omitempty"`
	CreatedAt      time.Time      `json:"created_at,omitempty"`
	UpdatedAt      time.Time      `json:"updated_at,omitempty"`
}

// OutputSchema declares the shape of a node's result. Type is a JSON Schema
// primitive name; Schema optionally carries a full JSON Schema document used
// to validate driver/completion results.
type OutputSchema struct {
	Type   string         `json:"type,omitempty"`
	Schema map[string]any `json:"schema,omitempty"`
}

// Scalar reports whether the declared output type is a scalar. A scalar
// declaration is what licenses unwrapping a single-key {result: ...} wrapper.
func (s *OutputSchema) Scalar() bool {
	if s == nil {
		return false
	}
	switch s.Type {
	case "string", "number", "integer", "boolean":
		return true
	}
	return false
}

// RouteBranch is one entry of a route node's ordered branch list. Branch is
// either a single node position, a list of positions (preferred), or, for
// backward compatibility, one or more inline node definitions executed
// directly without a store lookup.
type RouteBranch struct {
	Name      string `json:"name"`
	Condition string `json:"condition"`
	Branch    any    `json:"branch"`
}

// IterateConfig is the config block for iterate nodes.
type IterateConfig struct {
	Over            any    `json:"over"`
	Variable        string `json:"variable"`
	Body            any    `json:"body"`
	IndexVariable   string `json:"index,omitempty"`
	Limit           int    `json:"limit,omitempty"`
	ContinueOnError bool   `json:"continueOnError,omitempty"`
	PreviewOnly     *bool  `json:"previewOnly,omitempty"`
}

// Preview reports the effective previewOnly flag. Iteration is preview-by-
// default: a real run must opt in explicitly.
func (c *IterateConfig) Preview() bool {
	return c.PreviewOnly == nil || *c.PreviewOnly
}

// GroupConfig is the config block for group nodes. NodeRange is either a
// "start-end" string or a [start, end] pair.
type GroupConfig struct {
	NodeRange       any            `json:"nodeRange"`
	Params          map[string]any `json:"params,omitempty"`
	ContinueOnError bool           `json:"continueOnError,omitempty"`
}

// TransformConfig is the config block for transform nodes. Expressions run in
// the sandboxed expr VM (map/filter/format/compute) or as jq programs (query);
// there is no host-language eval surface.
type TransformConfig struct {
	Operation  string `json:"operation"`
	Input      any    `json:"input"`
	Expression string `json:"expression"`
	Separator  string `json:"separator,omitempty"`
}

// MemoryConfig is the config block for memory/context nodes.
type MemoryConfig struct {
	Operation string `json:"operation"`
	Key       string `json:"key"`
	Value     any    `json:"value,omitempty"`
}

// DecodeConfig maps a node's structured config into a typed config struct via
// a JSON round-trip. Unknown fields are ignored, matching how recorded
// configurations evolve ahead of the engine.
func DecodeConfig(config map[string]any, out any) error {
	raw, err := json.Marshal(config)
	if err != nil {
		return NewErrorf(ErrCodeValidation, "encode config: %s", err.Error()).WithCause(err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return NewErrorf(ErrCodeValidation, "decode config: %s", err.Error()).WithCause(err)
	}
	return nil
}

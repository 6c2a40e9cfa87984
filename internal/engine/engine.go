// Package engine is the workflow execution core: the node dispatcher, the
// control-flow handlers (route, iterate, group), and the result unwrapping
// policy. Child nodes are executed by recursing through the dispatcher, one at
// a time; all scoping state travels in an explicit ScopeContext value.
package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/Atypis/runops-v2-sub000/internal/driver"
	"github.com/Atypis/runops-v2-sub000/internal/expressions"
	"github.com/Atypis/runops-v2-sub000/internal/logging"
	"github.com/Atypis/runops-v2-sub000/internal/store"
	"github.com/Atypis/runops-v2-sub000/internal/streaming"
	"github.com/Atypis/runops-v2-sub000/internal/validation"
	"github.com/Atypis/runops-v2-sub000/pkg/schema"
)

// Engine executes workflow nodes. Within one workflow run execution is
// strictly sequential; a per-workflow mutex serializes concurrent top-level
// Run calls so nested-loop scoping can never interleave. Independent
// workflows run concurrently.
type Engine struct {
	store       store.Store
	driver      driver.ActionDriver
	completions driver.CompletionService
	hub         streaming.Hub
	resolver    *expressions.Resolver
	eval        *expressions.Evaluator
	exprEngine  *expressions.ExprEngine
	jqEngine    *expressions.GoJQEngine
	validator   *validation.ResultValidator
	logger      *slog.Logger

	// mu guards runLocks.
	mu       sync.Mutex
	runLocks map[string]*sync.Mutex
}

// Config holds the engine's collaborators. Store is required; the rest may be
// nil when the corresponding node types are not used.
type Config struct {
	Store       store.Store
	Driver      driver.ActionDriver
	Completions driver.CompletionService
	Hub         streaming.Hub
	Logger      *slog.Logger
}

// New creates an Engine from cfg.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	resolver := expressions.NewResolver(cfg.Store, cfg.Store)
	return &Engine{
		store:       cfg.Store,
		driver:      cfg.Driver,
		completions: cfg.Completions,
		hub:         cfg.Hub,
		resolver:    resolver,
		eval:        expressions.NewEvaluator(resolver, logger),
		exprEngine:  expressions.NewExprEngine(),
		jqEngine:    expressions.NewGoJQEngine(),
		validator:   validation.NewResultValidator(),
		logger:      logger,
		runLocks:    make(map[string]*sync.Mutex),
	}
}

// Run executes a node as a fresh top-level invocation with an empty scope.
// At most one Run is in flight per workflow at a time.
func (e *Engine) Run(ctx context.Context, workflowID, nodeID string) (any, error) {
	lock := e.runLock(workflowID)
	lock.Lock()
	defer lock.Unlock()

	return e.Execute(ctx, workflowID, nodeID, expressions.NewScopeContext())
}

func (e *Engine) runLock(workflowID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.runLocks[workflowID]
	if !ok {
		lock = &sync.Mutex{}
		e.runLocks[workflowID] = lock
	}
	return lock
}

// Execute is the dispatcher: load the node, resolve its config, dispatch to
// the matching handler, persist status and the unwrapped result, and store the
// aliased variable when requested. Control-flow handlers recurse back through
// Execute for their child nodes, threading an extended scope.
func (e *Engine) Execute(ctx context.Context, workflowID, nodeID string, scope expressions.ScopeContext) (any, error) {
	node, err := e.store.GetNode(ctx, workflowID, nodeID)
	if err != nil {
		if schema.IsCode(err, schema.ErrCodeNodeNotFound) {
			return nil, err
		}
		return nil, schema.NewErrorf(schema.ErrCodeStore,
			"load node %s: %s", nodeID, err.Error()).WithCause(err)
	}
	return e.executeNode(ctx, node, scope)
}

// ExecuteByPosition dispatches the node at position. Used by control-flow
// handlers whose configs reference children by position.
func (e *Engine) ExecuteByPosition(ctx context.Context, workflowID string, position int, scope expressions.ScopeContext) (any, error) {
	node, err := e.store.GetNodeByPosition(ctx, workflowID, position)
	if err != nil {
		return nil, err
	}
	return e.executeNode(ctx, node, scope)
}

func (e *Engine) executeNode(ctx context.Context, node *schema.Node, scope expressions.ScopeContext) (any, error) {
	if !node.Type.Known() {
		err := schema.NewErrorf(schema.ErrCodeUnsupportedType,
			"unsupported node type %q", node.Type).WithNode(node.ID)
		e.persistFailure(ctx, node, err)
		return nil, err
	}

	ctx = logging.WithNode(ctx, node.WorkflowID, node.ID, node.Position)
	log := logging.LogWith(ctx, e.logger)
	log.Info("node started", slog.String("type", string(node.Type)), slog.String("scope", scope.String()))
	e.appendEvent(ctx, node, schema.EventNodeStarted, map[string]any{"type": node.Type})
	started := time.Now()

	result, err := e.dispatch(ctx, node, scope)
	if err != nil {
		log.Error("node failed", slog.String("error", err.Error()),
			slog.Duration("elapsed", time.Since(started)))
		e.persistFailure(ctx, node, err)
		if ee, ok := err.(*schema.EngineError); ok && ee.NodeID == "" {
			ee.NodeID = node.ID
		}
		return nil, err
	}

	unwrapped, err := UnwrapResult(result, node.OutputSchema)
	if err != nil {
		e.persistFailure(ctx, node, err)
		return nil, err
	}
	if node.OutputSchema != nil && (node.OutputSchema.Schema != nil || node.OutputSchema.Type != "") {
		if err := e.validator.Validate(node.OutputSchema, unwrapped); err != nil {
			e.persistFailure(ctx, node, err)
			return nil, err
		}
	}

	if node.ID != "" {
		if err := e.store.UpdateStatusAndResult(ctx, node.ID, schema.NodeStatusSuccess, unwrapped); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"persist result for node %s: %s", node.ID, err.Error()).WithCause(err).WithNode(node.ID)
		}
	}

	if node.StoreVariable && node.Alias != "" {
		if err := e.storeVariable(ctx, node, unwrapped, scope); err != nil {
			return nil, err
		}
	}

	log.Info("node completed", slog.Duration("elapsed", time.Since(started)))
	e.appendEvent(ctx, node, schema.EventNodeCompleted, nil)
	return unwrapped, nil
}

// dispatch routes a node to its handler. Primitive node configs are template-
// resolved up front; control-flow handlers resolve their own pieces (branch
// conditions must reach the evaluator unresolved, and `over` resolves to a
// native array rather than a string).
func (e *Engine) dispatch(ctx context.Context, node *schema.Node, scope expressions.ScopeContext) (any, error) {
	switch node.Type {
	case schema.NodeTypeRoute:
		return e.executeRoute(ctx, node, scope)
	case schema.NodeTypeIterate:
		return e.executeIterate(ctx, node, scope)
	case schema.NodeTypeGroup:
		return e.executeGroup(ctx, node, scope)
	}

	resolved, err := e.resolver.Resolve(ctx, node.WorkflowID, any(node.Config), scope)
	if err != nil {
		return nil, err
	}
	config, _ := resolved.(map[string]any)
	if config == nil {
		config = map[string]any{}
	}

	switch node.Type {
	case schema.NodeTypeBrowserAction, schema.NodeTypeBrowserQuery,
		schema.NodeTypeBrowserAIQuery, schema.NodeTypeBrowserAIAction:
		return e.executeBrowser(ctx, node, config)
	case schema.NodeTypeCognition:
		return e.executeCognition(ctx, node, config)
	case schema.NodeTypeMemory, schema.NodeTypeContext:
		return e.executeMemory(ctx, node, config, scope)
	case schema.NodeTypeTransform:
		return e.executeTransform(ctx, node, config)
	}
	return nil, schema.NewErrorf(schema.ErrCodeUnsupportedType,
		"unsupported node type %q", node.Type).WithNode(node.ID)
}

// storeVariable upserts the node's unwrapped result under its alias, scoped by
// the active iteration frames, and notifies the broadcast hub. Hub failures
// are logged and swallowed, never propagated.
func (e *Engine) storeVariable(ctx context.Context, node *schema.Node, value any, scope expressions.ScopeContext) error {
	key := scope.StorageKey(node.Alias)
	if err := e.store.Upsert(ctx, node.WorkflowID, key, value); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore,
			"store variable %q: %s", key, err.Error()).WithCause(err).WithNode(node.ID)
	}

	e.appendEvent(ctx, node, schema.EventVariableStored, map[string]any{"key": key, "alias": node.Alias})

	if e.hub != nil {
		if err := e.hub.Publish(ctx, streaming.Event{
			WorkflowID: node.WorkflowID,
			Kind:       streaming.KindVariableUpdated,
			Key:        key,
			Alias:      node.Alias,
			Value:      value,
			Position:   node.Position,
		}); err != nil {
			logging.LogWith(ctx, e.logger).Warn("broadcast failed", slog.String("error", err.Error()))
		}
	}
	return nil
}

// persistFailure records status=failed with the error message. Best-effort:
// a store failure here is logged, the original error still propagates.
func (e *Engine) persistFailure(ctx context.Context, node *schema.Node, cause error) {
	e.appendEvent(ctx, node, schema.EventNodeFailed, map[string]any{"error": cause.Error()})
	if node.ID == "" {
		return
	}
	result := map[string]any{"error": cause.Error()}
	if err := e.store.UpdateStatusAndResult(ctx, node.ID, schema.NodeStatusFailed, result); err != nil {
		logging.LogWith(ctx, e.logger).Error("persist failure status",
			slog.String("error", err.Error()))
	}
}

// appendEvent journals an execution event. Best-effort, never fails the node.
func (e *Engine) appendEvent(ctx context.Context, node *schema.Node, eventType string, payload map[string]any) {
	var raw json.RawMessage
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	event := &store.RunEvent{
		WorkflowID: node.WorkflowID,
		NodeID:     node.ID,
		Position:   node.Position,
		Type:       eventType,
		Payload:    raw,
		Timestamp:  time.Now().UTC(),
	}
	if err := e.store.AppendEvent(ctx, event); err != nil {
		logging.LogWith(ctx, e.logger).Warn("append event",
			slog.String("event_type", eventType), slog.String("error", err.Error()))
	}
}

package engine

import (
	"context"

	"github.com/Atypis/runops-v2-sub000/internal/driver"
	"github.com/Atypis/runops-v2-sub000/internal/expressions"
	"github.com/Atypis/runops-v2-sub000/pkg/schema"
)

// executeBrowser hands a resolved config to the action driver. Driver
// failures pass through as ACTION_DRIVER_ERROR with the typed cause intact so
// callers can still match driver.ErrElementNotFound and friends.
func (e *Engine) executeBrowser(ctx context.Context, node *schema.Node, config map[string]any) (any, error) {
	if e.driver == nil {
		return nil, schema.NewError(schema.ErrCodeActionDriver,
			"no action driver configured").WithNode(node.ID)
	}
	result, err := e.driver.Perform(ctx, driver.ActionRequest{
		WorkflowID: node.WorkflowID,
		NodeID:     node.ID,
		NodeType:   node.Type,
		Config:     config,
	})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeActionDriver,
			"%s failed: %s", node.Type, err.Error()).WithCause(err).WithNode(node.ID)
	}
	return result, nil
}

// executeCognition asks the completion service for structured output. The
// declared output schema travels with the request so the service can shape
// its response; the dispatcher still validates the result on the way back.
func (e *Engine) executeCognition(ctx context.Context, node *schema.Node, config map[string]any) (any, error) {
	if e.completions == nil {
		return nil, schema.NewError(schema.ErrCodeActionDriver,
			"no completion service configured").WithNode(node.ID)
	}

	instruction, _ := config["instruction"].(string)
	if instruction == "" {
		instruction, _ = config["prompt"].(string)
	}
	if instruction == "" {
		return nil, schema.NewError(schema.ErrCodeMissingField,
			"cognition node requires instruction or prompt").WithNode(node.ID)
	}

	var schemaDoc map[string]any
	if node.OutputSchema != nil {
		schemaDoc = node.OutputSchema.Schema
	}
	if schemaDoc == nil {
		schemaDoc, _ = config["schema"].(map[string]any)
	}

	result, err := e.completions.Complete(ctx, driver.CompletionRequest{
		WorkflowID:  node.WorkflowID,
		NodeID:      node.ID,
		Instruction: instruction,
		Schema:      schemaDoc,
	})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeActionDriver,
			"completion failed: %s", err.Error()).WithCause(err).WithNode(node.ID)
	}
	return result, nil
}

// executeMemory handles memory and context nodes: direct reads/writes against
// the variable store, keyed through the active scope so loop iterations write
// distinct entries.
func (e *Engine) executeMemory(ctx context.Context, node *schema.Node, config map[string]any, scope expressions.ScopeContext) (any, error) {
	var cfg schema.MemoryConfig
	if err := schema.DecodeConfig(config, &cfg); err != nil {
		return nil, err
	}
	if cfg.Operation == "" {
		return nil, schema.NewError(schema.ErrCodeMissingField,
			"memory node requires operation").WithNode(node.ID)
	}
	if cfg.Key == "" {
		return nil, schema.NewError(schema.ErrCodeMissingField,
			"memory node requires key").WithNode(node.ID)
	}
	// Explicit iteration suffixes must name an active frame.
	if err := expressions.ValidateStorageKey(cfg.Key, scope); err != nil {
		return nil, err
	}

	scopedKey := scope.StorageKey(cfg.Key)

	switch cfg.Operation {
	case "set":
		if err := e.store.Upsert(ctx, node.WorkflowID, scopedKey, cfg.Value); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"set %q: %s", scopedKey, err.Error()).WithCause(err).WithNode(node.ID)
		}
		return map[string]any{"key": scopedKey, "stored": true}, nil

	case "get":
		value, err := e.readVariable(ctx, node.WorkflowID, cfg.Key, scope)
		if err != nil {
			return nil, err
		}
		return value, nil

	case "append":
		existing, err := e.readVariable(ctx, node.WorkflowID, cfg.Key, scope)
		if err != nil {
			if !schema.IsCode(err, schema.ErrCodeVariableNotFound) {
				return nil, err
			}
			existing = []any{}
		}
		list, ok := existing.([]any)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeTypeMismatch,
				"append target %q is %T, not an array", cfg.Key, existing).WithNode(node.ID)
		}
		list = append(list, cfg.Value)
		if err := e.store.Upsert(ctx, node.WorkflowID, scopedKey, list); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"append %q: %s", scopedKey, err.Error()).WithCause(err).WithNode(node.ID)
		}
		return list, nil

	case "delete":
		if err := e.store.DeleteMatching(ctx, node.WorkflowID, scopedKey); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"delete %q: %s", scopedKey, err.Error()).WithCause(err).WithNode(node.ID)
		}
		return map[string]any{"key": scopedKey, "deleted": true}, nil

	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"unknown memory operation %q", cfg.Operation).WithNode(node.ID)
	}
}

// readVariable looks up key from the most-scoped storage key outward, the
// same precedence the resolver applies to template lookups.
func (e *Engine) readVariable(ctx context.Context, workflowID, key string, scope expressions.ScopeContext) (any, error) {
	for _, candidate := range scope.CandidateKeys(key) {
		value, err := e.store.Get(ctx, workflowID, candidate)
		if err == nil {
			return value, nil
		}
		if !schema.IsCode(err, schema.ErrCodeVariableNotFound) {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"read %q: %s", candidate, err.Error()).WithCause(err)
		}
	}
	keys, _ := e.store.ListKeys(ctx, workflowID)
	return nil, schema.NewErrorf(schema.ErrCodeVariableNotFound,
		"variable %q not found", key).
		WithDetails(map[string]any{"available_keys": keys})
}

package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/Atypis/runops-v2-sub000/pkg/schema"
)

// executeTransform runs data-shaping operations over an already-resolved
// input. map/filter/compute/format evaluate sandboxed expressions in the expr
// VM with the variables item, index, and input bound; query runs a jq program.
// There is no host-language eval surface.
func (e *Engine) executeTransform(ctx context.Context, node *schema.Node, config map[string]any) (any, error) {
	var cfg schema.TransformConfig
	if err := schema.DecodeConfig(config, &cfg); err != nil {
		return nil, err
	}
	if cfg.Operation == "" {
		return nil, schema.NewError(schema.ErrCodeMissingField,
			"transform node requires operation").WithNode(node.ID)
	}
	if cfg.Expression == "" {
		return nil, schema.NewError(schema.ErrCodeMissingField,
			"transform node requires expression").WithNode(node.ID)
	}

	switch cfg.Operation {
	case "map":
		items, err := transformItems(cfg.Input, node.ID, cfg.Operation)
		if err != nil {
			return nil, err
		}
		out := make([]any, 0, len(items))
		for i, item := range items {
			v, err := e.exprEngine.Evaluate(ctx, cfg.Expression, transformEnv(item, i, cfg.Input))
			if err != nil {
				return nil, transformEvalError(node.ID, cfg.Operation, i, err)
			}
			out = append(out, v)
		}
		return out, nil

	case "filter":
		items, err := transformItems(cfg.Input, node.ID, cfg.Operation)
		if err != nil {
			return nil, err
		}
		out := make([]any, 0, len(items))
		for i, item := range items {
			v, err := e.exprEngine.Evaluate(ctx, cfg.Expression, transformEnv(item, i, cfg.Input))
			if err != nil {
				return nil, transformEvalError(node.ID, cfg.Operation, i, err)
			}
			if keep, ok := v.(bool); ok && keep {
				out = append(out, item)
			}
		}
		return out, nil

	case "format":
		items, err := transformItems(cfg.Input, node.ID, cfg.Operation)
		if err != nil {
			return nil, err
		}
		sep := cfg.Separator
		if sep == "" {
			sep = "\n"
		}
		parts := make([]string, 0, len(items))
		for i, item := range items {
			v, err := e.exprEngine.Evaluate(ctx, cfg.Expression, transformEnv(item, i, cfg.Input))
			if err != nil {
				return nil, transformEvalError(node.ID, cfg.Operation, i, err)
			}
			parts = append(parts, fmt.Sprintf("%v", v))
		}
		return strings.Join(parts, sep), nil

	case "compute":
		v, err := e.exprEngine.Evaluate(ctx, cfg.Expression, map[string]any{"input": cfg.Input})
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeEval,
				"transform compute failed: %s", err.Error()).WithCause(err).WithNode(node.ID)
		}
		return v, nil

	case "query":
		v, err := e.jqEngine.Query(ctx, cfg.Expression, cfg.Input)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeEval,
				"transform query failed: %s", err.Error()).WithCause(err).WithNode(node.ID)
		}
		return v, nil

	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"unknown transform operation %q", cfg.Operation).WithNode(node.ID)
	}
}

func transformItems(input any, nodeID, op string) ([]any, error) {
	items, ok := input.([]any)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeTypeMismatch,
			"transform %s requires an array input, got %T", op, input).WithNode(nodeID)
	}
	return items, nil
}

func transformEnv(item any, index int, input any) map[string]any {
	return map[string]any{"item": item, "index": index, "input": input}
}

func transformEvalError(nodeID, op string, index int, err error) error {
	return schema.NewErrorf(schema.ErrCodeEval,
		"transform %s failed at index %d: %s", op, index, err.Error()).WithCause(err).WithNode(nodeID)
}

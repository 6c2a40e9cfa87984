package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/Atypis/runops-v2-sub000/internal/expressions"
	"github.com/Atypis/runops-v2-sub000/internal/logging"
	"github.com/Atypis/runops-v2-sub000/pkg/schema"
)

// executeRoute evaluates an ordered list of {name, condition, branch} entries
// and executes the first branch whose condition holds. If no condition
// matches, an entry with the literal condition "true" or the name "default"
// is taken as fallback. No match at all is not an error.
func (e *Engine) executeRoute(ctx context.Context, node *schema.Node, scope expressions.ScopeContext) (any, error) {
	branches, err := routeBranches(node)
	if err != nil {
		return nil, err
	}

	taken := -1
	for i, b := range branches {
		cond := strings.TrimSpace(b.Condition)
		if cond == "" {
			continue
		}
		if e.eval.Evaluate(ctx, node.WorkflowID, cond, scope) {
			taken = i
			break
		}
		e.appendEvent(ctx, node, schema.EventBranchNotTaken,
			map[string]any{"branch": b.Name, "condition": b.Condition})
	}
	if taken == -1 {
		for i, b := range branches {
			if strings.TrimSpace(b.Condition) == "true" || b.Name == "default" {
				taken = i
				break
			}
		}
	}

	if taken == -1 {
		logging.LogWith(ctx, e.logger).Info("no branch taken",
			slog.Int("branches", len(branches)))
		return map[string]any{"branch": nil, "message": "no branch taken"}, nil
	}

	chosen := branches[taken]
	e.appendEvent(ctx, node, schema.EventBranchTaken,
		map[string]any{"branch": chosen.Name, "condition": chosen.Condition})

	results, err := e.executeTargets(ctx, node.WorkflowID, chosen.Branch, scope)
	if err != nil {
		return nil, err
	}
	return map[string]any{"branch": chosen.Name, "results": results}, nil
}

func routeBranches(node *schema.Node) ([]schema.RouteBranch, error) {
	if _, ok := node.Config["branches"]; !ok {
		return nil, schema.NewError(schema.ErrCodeMissingField,
			"route node requires a branches list").WithNode(node.ID)
	}
	var wrapper struct {
		Branches []schema.RouteBranch `json:"branches"`
	}
	if err := schema.DecodeConfig(node.Config, &wrapper); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTypeMismatch,
			"route branches must be a list of {name, condition, branch}: %s", err.Error()).WithNode(node.ID)
	}
	branches := wrapper.Branches
	if len(branches) == 0 {
		return nil, schema.NewError(schema.ErrCodeMissingField,
			"route node requires at least one branch").WithNode(node.ID)
	}
	return branches, nil
}

// executeTargets runs a branch/body target: a single node position, a list of
// positions, or (backward compatibility) inline node definitions executed
// without a store lookup. Children run sequentially; the first failure stops
// the sequence.
func (e *Engine) executeTargets(ctx context.Context, workflowID string, target any, scope expressions.ScopeContext) ([]any, error) {
	entries, err := targetEntries(target)
	if err != nil {
		return nil, err
	}

	results := make([]any, 0, len(entries))
	for _, entry := range entries {
		var (
			result any
			err    error
		)
		switch t := entry.(type) {
		case map[string]any:
			result, err = e.executeInline(ctx, workflowID, t, scope)
		default:
			position, ok := toInt(entry)
			if !ok {
				return nil, schema.NewErrorf(schema.ErrCodeTypeMismatch,
					"branch target must be a node position or inline definition, got %T", entry)
			}
			result, err = e.ExecuteByPosition(ctx, workflowID, position, scope)
		}
		if err != nil {
			return nil, err
		}
		results = append(results, result)
	}
	return results, nil
}

func targetEntries(target any) ([]any, error) {
	switch t := target.(type) {
	case nil:
		return nil, schema.NewError(schema.ErrCodeMissingField, "branch target is empty")
	case []any:
		return t, nil
	default:
		return []any{t}, nil
	}
}

// executeInline runs an inline node definition through the normal dispatch
// path. Inline nodes have no store identity, so no status is persisted, but
// unwrapping and storeVariable behave exactly as for persisted nodes.
func (e *Engine) executeInline(ctx context.Context, workflowID string, def map[string]any, scope expressions.ScopeContext) (any, error) {
	var node schema.Node
	if err := schema.DecodeConfig(def, &node); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTypeMismatch,
			"invalid inline node definition: %s", err.Error()).WithCause(err)
	}
	if node.Type == "" {
		return nil, schema.NewError(schema.ErrCodeMissingField,
			"inline node definition requires a type")
	}
	node.WorkflowID = workflowID
	return e.executeNode(ctx, &node, scope)
}

// executeIterate runs the loop handler. Preview is the default: without an
// explicit previewOnly=false the handler returns the iteration plan and
// executes nothing.
func (e *Engine) executeIterate(ctx context.Context, node *schema.Node, scope expressions.ScopeContext) (any, error) {
	var cfg schema.IterateConfig
	if err := schema.DecodeConfig(node.Config, &cfg); err != nil {
		return nil, err
	}
	if cfg.Over == nil {
		return nil, schema.NewError(schema.ErrCodeMissingField,
			"iterate node requires over").WithNode(node.ID)
	}
	if cfg.Variable == "" {
		return nil, schema.NewError(schema.ErrCodeMissingField,
			"iterate node requires variable").WithNode(node.ID)
	}
	if cfg.Body == nil {
		return nil, schema.NewError(schema.ErrCodeMissingField,
			"iterate node requires body").WithNode(node.ID)
	}

	items, err := e.resolveItems(ctx, node, cfg.Over, scope)
	if err != nil {
		return nil, err
	}
	total := len(items)
	if cfg.Limit > 0 && cfg.Limit < total {
		items = items[:cfg.Limit]
	}

	if cfg.Preview() {
		return e.iterationPlan(ctx, node, cfg, items, total)
	}

	// Clear iteration-scoped keys left behind by a prior run of this loop.
	pattern := expressions.IterationKeyPattern(node.Position)
	if err := e.store.DeleteMatching(ctx, node.WorkflowID, pattern); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore,
			"clear stale iteration variables: %s", err.Error()).WithCause(err).WithNode(node.ID)
	}

	indexVariable := cfg.IndexVariable
	if indexVariable == "" {
		indexVariable = cfg.Variable + "Index"
	}
	totalVariable := cfg.Variable + "Total"

	records := make([]any, 0, len(items))
	results := make([]any, 0, len(items))
	processed := 0
	var loopErr error

	for i, item := range items {
		frame := expressions.IterationFrame{
			LoopPosition: node.Position,
			Index:        i,
			Variable:     cfg.Variable,
			Total:        len(items),
			Item:         item,
		}
		iterScope := scope.WithIteration(frame)

		e.appendEvent(ctx, node, schema.EventLoopIterStarted, map[string]any{"index": i})

		if err := e.seedLoopVariables(ctx, node.WorkflowID, iterScope, cfg.Variable, indexVariable, totalVariable, item, i, len(items)); err != nil {
			return nil, err
		}

		iterResults, err := e.executeTargets(ctx, node.WorkflowID, cfg.Body, iterScope)
		if err != nil {
			records = append(records, map[string]any{
				"index": i, "item": item, "error": err.Error(),
			})
			e.appendEvent(ctx, node, schema.EventLoopIterCompleted,
				map[string]any{"index": i, "error": err.Error()})
			if !cfg.ContinueOnError {
				loopErr = schema.NewErrorf(schema.ErrCodeExecution,
					"iteration %d failed: %s", i, err.Error()).WithCause(err).WithNode(node.ID)
				break
			}
			continue
		}

		var result any = iterResults
		if len(iterResults) == 1 {
			result = iterResults[0]
		}
		records = append(records, map[string]any{
			"index": i, "item": item, "result": result,
		})
		results = append(results, result)
		processed++
		e.appendEvent(ctx, node, schema.EventLoopIterCompleted, map[string]any{"index": i})
	}

	e.appendEvent(ctx, node, schema.EventLoopCompleted,
		map[string]any{"processed": processed, "total": len(items)})

	if loopErr != nil {
		return nil, loopErr
	}
	return map[string]any{
		"processed": processed,
		"total":     len(items),
		"records":   records,
		"results":   results,
	}, nil
}

// resolveItems turns the `over` field into a concrete item list. Strings are
// template/state paths resolved to their native value; anything else must
// already be a list.
func (e *Engine) resolveItems(ctx context.Context, node *schema.Node, over any, scope expressions.ScopeContext) ([]any, error) {
	resolved := over
	if s, ok := over.(string); ok {
		expr := strings.TrimSpace(s)
		var err error
		if strings.Contains(expr, "{{") {
			resolved, err = e.resolver.ResolveString(ctx, node.WorkflowID, expr, scope)
		} else {
			resolved, err = e.resolver.ResolveExpr(ctx, node.WorkflowID, expr, scope)
		}
		if err != nil {
			return nil, err
		}
	}
	items, ok := resolved.([]any)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeTypeMismatch,
			"iterate over must resolve to an array, got %T", resolved).WithNode(node.ID)
	}
	return items, nil
}

// iterationPlan builds the preview result: what would run, without running it.
func (e *Engine) iterationPlan(ctx context.Context, node *schema.Node, cfg schema.IterateConfig, items []any, total int) (any, error) {
	planned := make([]any, 0, len(items))
	for i, item := range items {
		planned = append(planned, map[string]any{
			"index": i, "item": item, "status": "pending",
		})
	}

	entries, err := targetEntries(cfg.Body)
	if err != nil {
		return nil, err
	}
	body := make([]any, 0, len(entries))
	for _, entry := range entries {
		switch t := entry.(type) {
		case map[string]any:
			body = append(body, t)
		default:
			position, ok := toInt(entry)
			if !ok {
				return nil, schema.NewErrorf(schema.ErrCodeTypeMismatch,
					"iterate body must list node positions or inline definitions, got %T", entry)
			}
			child, err := e.store.GetNodeByPosition(ctx, node.WorkflowID, position)
			if err != nil {
				return nil, err
			}
			body = append(body, map[string]any{
				"position":    child.Position,
				"type":        child.Type,
				"description": child.Description,
			})
		}
	}

	return map[string]any{
		"preview":   true,
		"total":     total,
		"planned":   len(items),
		"items":     planned,
		"body":      body,
		"processed": 0,
	}, nil
}

func (e *Engine) seedLoopVariables(ctx context.Context, workflowID string, iterScope expressions.ScopeContext, itemVar, indexVar, totalVar string, item any, index, total int) error {
	pairs := []struct {
		name  string
		value any
	}{
		{itemVar, item},
		{indexVar, index},
		{totalVar, total},
	}
	for _, p := range pairs {
		key := iterScope.StorageKey(p.name)
		if err := e.store.Upsert(ctx, workflowID, key, p.value); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore,
				"seed loop variable %q: %s", key, err.Error()).WithCause(err)
		}
	}
	return nil
}

// executeGroup runs a flat position range through the dispatcher, skipping
// nodes nested inside control-flow bodies (parentPosition set) and nodes that
// belong to a route branch that was not taken.
func (e *Engine) executeGroup(ctx context.Context, node *schema.Node, scope expressions.ScopeContext) (any, error) {
	var cfg schema.GroupConfig
	if err := schema.DecodeConfig(node.Config, &cfg); err != nil {
		return nil, err
	}
	lo, hi, err := parseNodeRange(cfg.NodeRange)
	if err != nil {
		return nil, err.WithNode(node.ID)
	}

	params := cfg.Params
	if params != nil {
		resolved, err := e.resolver.Resolve(ctx, node.WorkflowID, any(params), scope)
		if err != nil {
			return nil, err
		}
		params, _ = resolved.(map[string]any)
	}

	groupScope := scope.WithGroup(expressions.GroupFrame{
		GroupPosition: node.Position,
		GroupID:       node.ID,
		Params:        params,
	})

	nodes, listErr := e.store.ListByPositionRange(ctx, node.WorkflowID, lo, hi)
	if listErr != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore,
			"list nodes %d-%d: %s", lo, hi, listErr.Error()).WithCause(listErr).WithNode(node.ID)
	}

	// Positions claimed by an executed route: the taken branch already ran
	// inside the route handler, untaken branches are skipped outright.
	ranByRoute := map[int]bool{}
	untaken := map[int]bool{}

	outcomes := make([]any, 0, len(nodes))
	executed, skipped, failed := 0, 0, 0
	var groupErr error

	for _, child := range nodes {
		switch {
		case child.Position == node.Position:
			continue
		case child.ParentPosition != nil:
			continue
		case untaken[child.Position]:
			skipped++
			outcomes = append(outcomes, map[string]any{
				"position": child.Position, "status": "skipped", "reason": "branch not taken",
			})
			continue
		case ranByRoute[child.Position]:
			executed++
			outcomes = append(outcomes, map[string]any{
				"position": child.Position, "status": "executed", "via": "route",
			})
			continue
		}

		result, err := e.executeNode(ctx, child, groupScope)
		if err != nil {
			failed++
			outcomes = append(outcomes, map[string]any{
				"position": child.Position, "status": "failed", "error": err.Error(),
			})
			if !cfg.ContinueOnError {
				groupErr = schema.NewErrorf(schema.ErrCodeExecution,
					"group node at position %d failed: %s", child.Position, err.Error()).
					WithCause(err).WithNode(node.ID)
			}
		} else {
			executed++
			outcomes = append(outcomes, map[string]any{
				"position": child.Position, "status": "executed",
			})
			if child.Type == schema.NodeTypeRoute {
				e.recordRouteOutcome(child, result, ranByRoute, untaken)
			}
		}
		if groupErr != nil {
			break
		}
	}

	e.appendEvent(ctx, node, schema.EventGroupCompleted,
		map[string]any{"executed": executed, "skipped": skipped, "failed": failed})

	if groupErr != nil {
		return nil, groupErr
	}
	return map[string]any{
		"range":    fmt.Sprintf("%d-%d", lo, hi),
		"total":    len(outcomes),
		"executed": executed,
		"skipped":  skipped,
		"failed":   failed,
		"outcomes": outcomes,
	}, nil
}

// recordRouteOutcome reads which branch an executed route took and classifies
// every position its branches reference: taken-branch positions already ran
// inside the route handler, the rest are untaken and must be skipped for the
// remainder of the group scan.
func (e *Engine) recordRouteOutcome(route *schema.Node, result any, ranByRoute, untaken map[int]bool) {
	m, ok := result.(map[string]any)
	if !ok {
		return
	}
	takenName, _ := m["branch"].(string)

	branches, err := routeBranches(route)
	if err != nil {
		return
	}
	for _, b := range branches {
		entries, err := targetEntries(b.Branch)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			position, ok := toInt(entry)
			if !ok {
				continue
			}
			if b.Name == takenName {
				ranByRoute[position] = true
			} else if !ranByRoute[position] {
				untaken[position] = true
			}
		}
	}
}

// parseNodeRange accepts "start-end" strings and [start, end] pairs.
func parseNodeRange(nodeRange any) (int, int, *schema.EngineError) {
	switch r := nodeRange.(type) {
	case nil:
		return 0, 0, schema.NewError(schema.ErrCodeMissingField, "group node requires nodeRange")
	case string:
		parts := strings.SplitN(r, "-", 2)
		if len(parts) != 2 {
			return 0, 0, schema.NewErrorf(schema.ErrCodeTypeMismatch,
				"nodeRange %q must be \"start-end\"", r)
		}
		lo, err1 := strconv.Atoi(strings.TrimSpace(parts[0]))
		hi, err2 := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err1 != nil || err2 != nil || lo > hi {
			return 0, 0, schema.NewErrorf(schema.ErrCodeTypeMismatch,
				"nodeRange %q must be \"start-end\" with start <= end", r)
		}
		return lo, hi, nil
	case []any:
		if len(r) != 2 {
			return 0, 0, schema.NewErrorf(schema.ErrCodeTypeMismatch,
				"nodeRange pair must have exactly two elements, got %d", len(r))
		}
		lo, ok1 := toInt(r[0])
		hi, ok2 := toInt(r[1])
		if !ok1 || !ok2 || lo > hi {
			return 0, 0, schema.NewError(schema.ErrCodeTypeMismatch,
				"nodeRange pair must be two integers with start <= end")
		}
		return lo, hi, nil
	default:
		return 0, 0, schema.NewErrorf(schema.ErrCodeTypeMismatch,
			"nodeRange must be a \"start-end\" string or [start, end] pair, got %T", nodeRange)
	}
}

// toInt coerces the numeric shapes JSON decoding produces.
func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n == float64(int(n)) {
			return int(n), true
		}
	case string:
		if i, err := strconv.Atoi(strings.TrimSpace(n)); err == nil {
			return i, true
		}
	}
	return 0, false
}

package expressions

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/Atypis/runops-v2-sub000/pkg/schema"
)

// NodeSource is the slice of the node store the resolver needs for legacy
// position-based lookups.
type NodeSource interface {
	GetNodeByPosition(ctx context.Context, workflowID string, position int) (*schema.Node, error)
}

// VariableSource is the slice of the variable store the resolver needs.
// Get fails with ErrCodeVariableNotFound for missing keys; ListKeys feeds the
// debugging payload attached to resolution errors.
type VariableSource interface {
	Get(ctx context.Context, workflowID, key string) (any, error)
	ListKeys(ctx context.Context, workflowID string) ([]string, error)
}

// Resolver rewrites {{...}} placeholders inside node configuration values
// into concrete values, consulting group params, active iteration frames, and
// the variable/node stores, in that order.
type Resolver struct {
	nodes NodeSource
	vars  VariableSource
}

// NewResolver creates a Resolver over the given sources.
func NewResolver(nodes NodeSource, vars VariableSource) *Resolver {
	return &Resolver{nodes: nodes, vars: vars}
}

var legacyNodeRef = regexp.MustCompile(`^node(\d+)(?:\.(.+))?$`)

// Resolve resolves value recursively. Maps and lists are walked; strings are
// template-scanned; everything else passes through untouched.
func (r *Resolver) Resolve(ctx context.Context, workflowID string, value any, scope ScopeContext) (any, error) {
	switch v := value.(type) {
	case string:
		return r.ResolveString(ctx, workflowID, v, scope)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			resolved, err := r.Resolve(ctx, workflowID, item, scope)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			resolved, err := r.Resolve(ctx, workflowID, item, scope)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return value, nil
	}
}

// ResolveString resolves every {{expr}} span in s. When the whole string is
// exactly one span, the resolved value keeps its native type so booleans,
// numbers, and arrays survive into structured config fields. Mixed spans and
// literal text stringify each resolved value.
func (r *Resolver) ResolveString(ctx context.Context, workflowID, s string, scope ScopeContext) (any, error) {
	return r.resolveTemplate(ctx, workflowID, s, scope, false)
}

// ResolveForEval resolves templates inside a string destined for the
// expression evaluator. Resolved string values are quoted and escaped so they
// parse back as string literals.
func (r *Resolver) ResolveForEval(ctx context.Context, workflowID, s string, scope ScopeContext) (string, error) {
	out, err := r.resolveTemplate(ctx, workflowID, s, scope, true)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%v", out), nil
}

func (r *Resolver) resolveTemplate(ctx context.Context, workflowID, s string, scope ScopeContext, forEval bool) (any, error) {
	start := strings.Index(s, "{{")
	if start == -1 {
		return s, nil
	}

	// Whole-string single span: return the native value.
	if !forEval && start == 0 && strings.HasSuffix(s, "}}") {
		inner := s[2 : len(s)-2]
		if !strings.Contains(inner, "{{") && !strings.Contains(inner, "}}") {
			return r.ResolveExpr(ctx, workflowID, strings.TrimSpace(inner), scope)
		}
	}

	var b strings.Builder
	b.Grow(len(s))
	rest := s
	for {
		idx := strings.Index(rest, "{{")
		if idx == -1 {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:idx])
		end := strings.Index(rest[idx:], "}}")
		if end == -1 {
			return nil, schema.NewErrorf(schema.ErrCodeResolution, "unclosed {{ expression in %q", s)
		}
		expr := strings.TrimSpace(rest[idx+2 : idx+end])
		if expr == "" {
			return nil, schema.NewError(schema.ErrCodeResolution, "empty template expression: {{ }}")
		}
		val, err := r.ResolveExpr(ctx, workflowID, expr, scope)
		if err != nil {
			return nil, err
		}
		b.WriteString(stringify(val, forEval))
		rest = rest[idx+end+2:]
	}
	return b.String(), nil
}

// ResolveExpr resolves a single template expression.
// Order: group params, then iteration frames, then state paths.
func (r *Resolver) ResolveExpr(ctx context.Context, workflowID, expr string, scope ScopeContext) (any, error) {
	// 1. Group parameters.
	if group := scope.ActiveGroup(); group != nil && strings.HasPrefix(expr, "param.") {
		path := strings.TrimPrefix(expr, "param.")
		val, err := traversePath(group.Params, path, expr)
		if err != nil {
			return nil, err
		}
		return val, nil
	}

	// 2. Loop variables, innermost frame first.
	head := expr
	if dot := strings.IndexByte(expr, '.'); dot != -1 {
		head = expr[:dot]
	}
	if frame := scope.IterationNamed(head); frame != nil {
		if head == expr {
			return frame.Item, nil
		}
		return traversePath(frame.Item, expr[len(head)+1:], expr)
	}

	// 3. State path.
	return r.resolveStatePath(ctx, workflowID, expr, scope)
}

// resolveStatePath resolves a (possibly state.-prefixed) path against the
// node and variable stores. node<N> references use legacy position-based
// addressing; anything else treats its first segment as an alias.
func (r *Resolver) resolveStatePath(ctx context.Context, workflowID, expr string, scope ScopeContext) (any, error) {
	path := strings.TrimPrefix(expr, "state.")

	if m := legacyNodeRef.FindStringSubmatch(path); m != nil {
		position, _ := strconv.Atoi(m[1])
		return r.resolveLegacyNode(ctx, workflowID, position, m[2], expr, scope)
	}

	head := path
	rest := ""
	if dot := strings.IndexByte(path, '.'); dot != -1 {
		head = path[:dot]
		rest = path[dot+1:]
	}

	val, ok, err := r.lookupVariable(ctx, workflowID, head, scope)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, r.variableNotFound(ctx, workflowID, expr)
	}
	if rest == "" {
		return val, nil
	}
	return traversePath(val, rest, expr)
}

// resolveLegacyNode handles node<N> references: prefer the aliased variable
// store entry when the node declared storeVariable, fall back to its
// persisted result.
func (r *Resolver) resolveLegacyNode(ctx context.Context, workflowID string, position int, rest, expr string, scope ScopeContext) (any, error) {
	node, err := r.nodes.GetNodeByPosition(ctx, workflowID, position)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeResolution,
			"cannot resolve %q: no node at position %d", expr, position).WithCause(err)
	}

	var root any
	found := false
	if node.StoreVariable && node.Alias != "" {
		if val, ok, err := r.lookupVariable(ctx, workflowID, node.Alias, scope); err != nil {
			return nil, err
		} else if ok {
			root = val
			found = true
		}
	}
	if !found {
		if node.Result == nil {
			return nil, r.variableNotFound(ctx, workflowID, expr)
		}
		root = node.Result
	}

	if rest == "" {
		return root, nil
	}
	return traversePath(root, rest, expr)
}

// lookupVariable tries the alias under progressively less-scoped keys: the
// fully iteration-suffixed key for the current scope first, then each outer
// scope, then the bare alias.
func (r *Resolver) lookupVariable(ctx context.Context, workflowID, alias string, scope ScopeContext) (any, bool, error) {
	for _, key := range scope.CandidateKeys(alias) {
		val, err := r.vars.Get(ctx, workflowID, key)
		if err == nil {
			return val, true, nil
		}
		if !schema.IsCode(err, schema.ErrCodeVariableNotFound) {
			return nil, false, schema.NewErrorf(schema.ErrCodeStore,
				"variable lookup %q: %s", key, err.Error()).WithCause(err)
		}
	}
	return nil, false, nil
}

func (r *Resolver) variableNotFound(ctx context.Context, workflowID, expr string) error {
	keys, _ := r.vars.ListKeys(ctx, workflowID)
	return schema.NewErrorf(schema.ErrCodeVariableNotFound,
		"cannot resolve %q; known variables: [%s]", expr, strings.Join(keys, ", ")).
		WithDetails(map[string]any{"expression": expr, "available_keys": keys})
}

// traversePath navigates a dot-delimited property path into nested maps and
// slices. Numeric segments index into slices.
func traversePath(root any, path, expr string) (any, error) {
	current := root
	for _, seg := range strings.Split(path, ".") {
		if seg == "" {
			return nil, schema.NewErrorf(schema.ErrCodePropertyNotFound,
				"empty segment in path %q", expr)
		}
		switch v := current.(type) {
		case map[string]any:
			val, ok := v[seg]
			if !ok {
				return nil, schema.NewErrorf(schema.ErrCodePropertyNotFound,
					"property %q not found in %q; available: [%s]", seg, expr, strings.Join(sortedKeys(v), ", ")).
					WithDetails(map[string]any{"expression": expr, "available_fields": sortedKeys(v)})
			}
			current = val
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, schema.NewErrorf(schema.ErrCodePropertyNotFound,
					"index %q out of range in %q (len %d)", seg, expr, len(v))
			}
			current = v[idx]
		default:
			return nil, schema.NewErrorf(schema.ErrCodePropertyNotFound,
				"cannot traverse into non-object at %q in %q (type %T)", seg, expr, current)
		}
	}
	return current, nil
}

// stringify renders a resolved value for embedding in a template string.
// In evaluator context strings are quoted and escaped so they parse back as
// string literals.
func stringify(val any, forEval bool) string {
	switch v := val.(type) {
	case nil:
		return "null"
	case string:
		if forEval {
			return strconv.Quote(v)
		}
		return v
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.RawMessage:
		return string(v)
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(raw)
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		k := keys[i]
		j := i - 1
		for j >= 0 && keys[j] > k {
			keys[j+1] = keys[j]
			j--
		}
		keys[j+1] = k
	}
	return keys
}

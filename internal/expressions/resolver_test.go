package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Atypis/runops-v2-sub000/pkg/schema"
)

// --- mock sources ---

type mockNodes struct {
	byPosition map[int]*schema.Node
}

func (m *mockNodes) GetNodeByPosition(_ context.Context, _ string, position int) (*schema.Node, error) {
	node, ok := m.byPosition[position]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNodeNotFound, "no node at position %d", position)
	}
	return node, nil
}

type mockVars struct {
	values map[string]any
}

func (m *mockVars) Get(_ context.Context, _ string, key string) (any, error) {
	val, ok := m.values[key]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeVariableNotFound, "variable %q not found", key)
	}
	return val, nil
}

func (m *mockVars) ListKeys(_ context.Context, _ string) ([]string, error) {
	keys := make([]string, 0, len(m.values))
	for k := range m.values {
		keys = append(keys, k)
	}
	return keys, nil
}

func newTestResolver(nodes map[int]*schema.Node, vars map[string]any) *Resolver {
	if vars == nil {
		vars = map[string]any{}
	}
	return NewResolver(&mockNodes{byPosition: nodes}, &mockVars{values: vars})
}

// --- tests ---

func TestResolver_PlainStringPassesThrough(t *testing.T) {
	r := newTestResolver(nil, nil)

	out, err := r.ResolveString(context.Background(), "wf", "no templates here", NewScopeContext())
	require.NoError(t, err)
	assert.Equal(t, "no templates here", out)
}

func TestResolver_WholeStringSpanKeepsNativeType(t *testing.T) {
	r := newTestResolver(nil, map[string]any{
		"flag":  true,
		"count": float64(42),
		"items": []any{float64(1), float64(2)},
	})
	scope := NewScopeContext()

	out, err := r.ResolveString(context.Background(), "wf", "{{flag}}", scope)
	require.NoError(t, err)
	assert.Equal(t, true, out)

	out, err = r.ResolveString(context.Background(), "wf", "{{count}}", scope)
	require.NoError(t, err)
	assert.Equal(t, float64(42), out)

	out, err = r.ResolveString(context.Background(), "wf", "{{items}}", scope)
	require.NoError(t, err)
	assert.Equal(t, []any{float64(1), float64(2)}, out)
}

func TestResolver_MixedSpansStringify(t *testing.T) {
	r := newTestResolver(nil, map[string]any{"name": "Ada", "count": float64(3)})

	out, err := r.ResolveString(context.Background(), "wf", "hello {{name}}, {{count}} results", NewScopeContext())
	require.NoError(t, err)
	assert.Equal(t, "hello Ada, 3 results", out)
}

func TestResolver_StatePrefixStripped(t *testing.T) {
	r := newTestResolver(nil, map[string]any{"profile": map[string]any{"email": "ada@example.com"}})

	out, err := r.ResolveString(context.Background(), "wf", "{{state.profile.email}}", NewScopeContext())
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", out)
}

func TestResolver_GroupParamsTakePrecedence(t *testing.T) {
	r := newTestResolver(nil, map[string]any{"param": "from store"})
	scope := NewScopeContext().WithGroup(GroupFrame{
		GroupPosition: 2,
		Params:        map[string]any{"region": "eu-west", "page": map[string]any{"size": float64(25)}},
	})

	out, err := r.ResolveString(context.Background(), "wf", "{{param.region}}", scope)
	require.NoError(t, err)
	assert.Equal(t, "eu-west", out)

	out, err = r.ResolveString(context.Background(), "wf", "{{param.page.size}}", scope)
	require.NoError(t, err)
	assert.Equal(t, float64(25), out)
}

func TestResolver_LoopVariableResolvesItem(t *testing.T) {
	r := newTestResolver(nil, nil)
	scope := NewScopeContext().WithIteration(IterationFrame{
		LoopPosition: 4, Index: 1, Variable: "row",
		Item: map[string]any{"id": float64(7), "user": map[string]any{"name": "Grace"}},
	})

	out, err := r.ResolveString(context.Background(), "wf", "{{row.user.name}}", scope)
	require.NoError(t, err)
	assert.Equal(t, "Grace", out)

	out, err = r.ResolveString(context.Background(), "wf", "{{row}}", scope)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"id": float64(7), "user": map[string]any{"name": "Grace"}}, out)
}

func TestResolver_ScopedKeyPreferredOverBare(t *testing.T) {
	r := newTestResolver(nil, map[string]any{
		"v":          "bare",
		"v@iter:4:1": "scoped",
	})
	scope := NewScopeContext().WithIteration(IterationFrame{LoopPosition: 4, Index: 1, Variable: "x"})

	out, err := r.ResolveString(context.Background(), "wf", "{{v}}", scope)
	require.NoError(t, err)
	assert.Equal(t, "scoped", out)
}

func TestResolver_OuterLoopAliasVisibleInInnerLoop(t *testing.T) {
	r := newTestResolver(nil, map[string]any{"v@iter:4:1": "outer value"})
	scope := NewScopeContext().
		WithIteration(IterationFrame{LoopPosition: 4, Index: 1, Variable: "a"}).
		WithIteration(IterationFrame{LoopPosition: 7, Index: 0, Variable: "b"})

	out, err := r.ResolveString(context.Background(), "wf", "{{v}}", scope)
	require.NoError(t, err)
	assert.Equal(t, "outer value", out)
}

func TestResolver_LegacyNodeRef_ResultFallback(t *testing.T) {
	r := newTestResolver(map[int]*schema.Node{
		3: {Position: 3, Result: map[string]any{"status": "done"}},
	}, nil)

	out, err := r.ResolveString(context.Background(), "wf", "{{node3.status}}", NewScopeContext())
	require.NoError(t, err)
	assert.Equal(t, "done", out)
}

func TestResolver_LegacyNodeRef_AliasStorePrecedence(t *testing.T) {
	// Node 7 declares alias "profile" with storeVariable: the variable store
	// entry wins over the node's raw persisted result, even when referenced
	// through the legacy position syntax.
	r := newTestResolver(
		map[int]*schema.Node{
			7: {
				Position:      7,
				Alias:         "profile",
				StoreVariable: true,
				Result:        map[string]any{"user": map[string]any{"email": "stale@example.com"}},
			},
		},
		map[string]any{
			"profile": map[string]any{"user": map[string]any{"email": "fresh@example.com"}},
		},
	)

	out, err := r.ResolveString(context.Background(), "wf", "{{node7.user.email}}", NewScopeContext())
	require.NoError(t, err)
	assert.Equal(t, "fresh@example.com", out)
}

func TestResolver_VariableNotFoundListsKnownKeys(t *testing.T) {
	r := newTestResolver(nil, map[string]any{"alpha": 1, "beta": 2})

	_, err := r.ResolveString(context.Background(), "wf", "{{gamma}}", NewScopeContext())
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeVariableNotFound))

	ee := err.(*schema.EngineError)
	require.NotNil(t, ee.Details)
	assert.ElementsMatch(t, []string{"alpha", "beta"}, ee.Details["available_keys"])
}

func TestResolver_PropertyNotFoundListsFields(t *testing.T) {
	r := newTestResolver(nil, map[string]any{"obj": map[string]any{"a": 1, "b": 2}})

	_, err := r.ResolveString(context.Background(), "wf", "{{obj.missing}}", NewScopeContext())
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodePropertyNotFound))
	assert.Contains(t, err.Error(), "a, b")
}

func TestResolver_SliceIndexTraversal(t *testing.T) {
	r := newTestResolver(nil, map[string]any{
		"rows": []any{
			map[string]any{"name": "first"},
			map[string]any{"name": "second"},
		},
	})

	out, err := r.ResolveString(context.Background(), "wf", "{{rows.1.name}}", NewScopeContext())
	require.NoError(t, err)
	assert.Equal(t, "second", out)

	_, err = r.ResolveString(context.Background(), "wf", "{{rows.9.name}}", NewScopeContext())
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodePropertyNotFound))
}

func TestResolver_RecursesIntoMapsAndLists(t *testing.T) {
	r := newTestResolver(nil, map[string]any{"url": "https://example.com", "depth": float64(2)})

	config := map[string]any{
		"target": "{{url}}",
		"options": map[string]any{
			"depth": "{{depth}}",
		},
		"list": []any{"{{url}}", "literal"},
	}

	out, err := r.Resolve(context.Background(), "wf", config, NewScopeContext())
	require.NoError(t, err)

	resolved := out.(map[string]any)
	assert.Equal(t, "https://example.com", resolved["target"])
	assert.Equal(t, float64(2), resolved["options"].(map[string]any)["depth"])
	assert.Equal(t, []any{"https://example.com", "literal"}, resolved["list"])
}

func TestResolver_ResolveForEvalQuotesStrings(t *testing.T) {
	r := newTestResolver(nil, map[string]any{"status": `needs "review"`})

	out, err := r.ResolveForEval(context.Background(), "wf", `{{status}} == "done"`, NewScopeContext())
	require.NoError(t, err)
	assert.Equal(t, `"needs \"review\"" == "done"`, out)
}

func TestResolver_UnclosedTemplateFails(t *testing.T) {
	r := newTestResolver(nil, nil)

	_, err := r.ResolveString(context.Background(), "wf", "broken {{expr", NewScopeContext())
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeResolution))
}

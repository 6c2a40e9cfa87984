package expressions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScopeContext_Empty(t *testing.T) {
	scope := NewScopeContext()

	assert.Equal(t, 0, scope.Depth())
	assert.Nil(t, scope.ActiveGroup())
	assert.Nil(t, scope.ActiveIteration())
	assert.Equal(t, "results", scope.StorageKey("results"))
}

func TestScopeContext_DerivedCopiesDoNotMutate(t *testing.T) {
	base := NewScopeContext()
	inner := base.WithIteration(IterationFrame{LoopPosition: 4, Index: 0, Variable: "x"})

	assert.Equal(t, 0, base.Depth())
	assert.Equal(t, 1, inner.Depth())

	// Handler call-and-return restores scope automatically: the caller's
	// value is untouched whether the callee succeeded or failed.
	assert.Nil(t, base.ActiveIteration())
	require.NotNil(t, inner.ActiveIteration())
	assert.Equal(t, "x", inner.ActiveIteration().Variable)
}

func TestScopeContext_StorageKey_SingleLoop(t *testing.T) {
	scope := NewScopeContext().WithIteration(IterationFrame{LoopPosition: 4, Index: 2, Variable: "x"})

	assert.Equal(t, "item@iter:4:2", scope.StorageKey("item"))
}

func TestScopeContext_StorageKey_NestedLoops(t *testing.T) {
	scope := NewScopeContext().
		WithIteration(IterationFrame{LoopPosition: 4, Index: 1, Variable: "outer"}).
		WithIteration(IterationFrame{LoopPosition: 7, Index: 3, Variable: "inner"})

	assert.Equal(t, "v@iter:4:1@iter:7:3", scope.StorageKey("v"))
}

func TestScopeContext_StorageKey_GroupFramesDoNotSuffix(t *testing.T) {
	scope := NewScopeContext().
		WithGroup(GroupFrame{GroupPosition: 2, Params: map[string]any{"a": 1}}).
		WithIteration(IterationFrame{LoopPosition: 5, Index: 0, Variable: "x"})

	assert.Equal(t, "x@iter:5:0", scope.StorageKey("x"))
	assert.Equal(t, 2, scope.Depth())
}

func TestScopeContext_IterationNamed_InnerShadowsOuter(t *testing.T) {
	scope := NewScopeContext().
		WithIteration(IterationFrame{LoopPosition: 1, Index: 0, Variable: "x", Item: "outer"}).
		WithIteration(IterationFrame{LoopPosition: 2, Index: 0, Variable: "x", Item: "inner"})

	frame := scope.IterationNamed("x")
	require.NotNil(t, frame)
	assert.Equal(t, "inner", frame.Item)
	assert.Nil(t, scope.IterationNamed("y"))
}

func TestScopeContext_CandidateKeys(t *testing.T) {
	scope := NewScopeContext().
		WithIteration(IterationFrame{LoopPosition: 4, Index: 1, Variable: "outer"}).
		WithIteration(IterationFrame{LoopPosition: 7, Index: 3, Variable: "inner"})

	keys := scope.CandidateKeys("v")
	assert.Equal(t, []string{"v@iter:4:1@iter:7:3", "v@iter:4:1", "v"}, keys)
}

func TestIterationKeyPattern(t *testing.T) {
	assert.Equal(t, "%@iter:7:%", IterationKeyPattern(7))
}

func TestValidateStorageKey(t *testing.T) {
	scope := NewScopeContext().WithIteration(IterationFrame{LoopPosition: 4, Index: 2, Variable: "x"})

	require.NoError(t, ValidateStorageKey("item@iter:4:2", scope))
	require.NoError(t, ValidateStorageKey("item", scope))

	err := ValidateStorageKey("item@iter:9:0", scope)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "@iter:9:0")

	err = ValidateStorageKey("item@iter:broken", scope)
	require.Error(t, err)
}

func TestScopeContext_ActiveGroup_Innermost(t *testing.T) {
	scope := NewScopeContext().
		WithGroup(GroupFrame{GroupPosition: 1, Params: map[string]any{"which": "outer"}}).
		WithGroup(GroupFrame{GroupPosition: 5, Params: map[string]any{"which": "inner"}})

	group := scope.ActiveGroup()
	require.NotNil(t, group)
	assert.Equal(t, "inner", group.Params["which"])
}

package expressions

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/Atypis/runops-v2-sub000/pkg/schema"
)

// IterationFrame records one active loop iteration: which iterate node owns
// it, the current index and item, and the loop variable name used for
// resolution inside the body.
type IterationFrame struct {
	LoopPosition int
	Index        int
	Variable     string
	Total        int
	Item         any
}

// GroupFrame records one active ranged-group scope with its parameter set,
// resolvable inside the body as param.<name>.
type GroupFrame struct {
	GroupPosition int
	GroupID       string
	Params        map[string]any
}

type scopeFrame struct {
	iter  *IterationFrame
	group *GroupFrame
}

// ScopeContext is the in-process stack of iteration and group frames for one
// execution chain. It is a value, not shared engine state: WithIteration and
// WithGroup return derived contexts and never mutate the receiver, so a
// handler's scope is automatically restored when its call returns, and
// push/pop stays balanced even on error paths.
type ScopeContext struct {
	frames []scopeFrame
}

// NewScopeContext returns an empty scope for a top-level execution.
func NewScopeContext() ScopeContext {
	return ScopeContext{}
}

// WithIteration returns a derived scope with f pushed as the innermost frame.
func (c ScopeContext) WithIteration(f IterationFrame) ScopeContext {
	frames := make([]scopeFrame, len(c.frames)+1)
	copy(frames, c.frames)
	frames[len(c.frames)] = scopeFrame{iter: &f}
	return ScopeContext{frames: frames}
}

// WithGroup returns a derived scope with f pushed as the innermost frame.
func (c ScopeContext) WithGroup(f GroupFrame) ScopeContext {
	frames := make([]scopeFrame, len(c.frames)+1)
	copy(frames, c.frames)
	frames[len(c.frames)] = scopeFrame{group: &f}
	return ScopeContext{frames: frames}
}

// Depth returns the current nesting depth of loops and groups.
func (c ScopeContext) Depth() int {
	return len(c.frames)
}

// ActiveGroup returns the innermost group frame, or nil when no group is
// active.
func (c ScopeContext) ActiveGroup() *GroupFrame {
	for i := len(c.frames) - 1; i >= 0; i-- {
		if c.frames[i].group != nil {
			return c.frames[i].group
		}
	}
	return nil
}

// ActiveIteration returns the innermost iteration frame, or nil.
func (c ScopeContext) ActiveIteration() *IterationFrame {
	for i := len(c.frames) - 1; i >= 0; i-- {
		if c.frames[i].iter != nil {
			return c.frames[i].iter
		}
	}
	return nil
}

// IterationNamed returns the innermost iteration frame whose loop variable is
// name, or nil. Inner loops shadow outer loops that reuse a variable name.
func (c ScopeContext) IterationNamed(name string) *IterationFrame {
	for i := len(c.frames) - 1; i >= 0; i-- {
		if f := c.frames[i].iter; f != nil && f.Variable == name {
			return f
		}
	}
	return nil
}

// iterations returns all iteration frames, outermost first.
func (c ScopeContext) iterations() []*IterationFrame {
	var out []*IterationFrame
	for _, f := range c.frames {
		if f.iter != nil {
			out = append(out, f.iter)
		}
	}
	return out
}

// iterSuffix is the marker separating a variable alias from its iteration
// scoping segments in storage keys.
const iterSuffix = "@iter:"

// StorageKey builds the variable-store key for alias under the active scope.
// Each active iteration frame contributes an "@iter:<loopPos>:<index>"
// segment, outermost first, so the same alias written by nested loop
// iterations never collides.
func (c ScopeContext) StorageKey(alias string) string {
	var b strings.Builder
	b.WriteString(alias)
	for _, f := range c.iterations() {
		b.WriteString(iterSuffix)
		b.WriteString(strconv.Itoa(f.LoopPosition))
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(f.Index))
	}
	return b.String()
}

// CandidateKeys lists the storage keys alias may live under, from the fully
// scoped key for the current frames down to the bare alias. Lookups walk this
// list so aliases stored by outer loops stay resolvable inside inner loops.
func (c ScopeContext) CandidateKeys(alias string) []string {
	iters := c.iterations()
	keys := make([]string, 0, len(iters)+1)
	for n := len(iters); n >= 1; n-- {
		var b strings.Builder
		b.WriteString(alias)
		for _, f := range iters[:n] {
			b.WriteString(iterSuffix)
			b.WriteString(strconv.Itoa(f.LoopPosition))
			b.WriteByte(':')
			b.WriteString(strconv.Itoa(f.Index))
		}
		keys = append(keys, b.String())
	}
	return append(keys, alias)
}

// IterationKeyPattern returns the SQL-LIKE pattern matching every storage key
// scoped to any iteration of the iterate node at loopPosition. Used to clear
// stale iteration variables before a fresh run.
func IterationKeyPattern(loopPosition int) string {
	return "%" + iterSuffix + strconv.Itoa(loopPosition) + ":%"
}

// ValidateStorageKey checks that every @iter: segment in key corresponds to an
// active iteration frame in c. A suffix without a matching frame is a
// resolution error, never a silent miss.
func ValidateStorageKey(key string, c ScopeContext) error {
	base, segs, err := splitStorageKey(key)
	if err != nil {
		return err
	}
	_ = base
	for _, seg := range segs {
		matched := false
		for _, f := range c.iterations() {
			if f.LoopPosition == seg.loopPosition && f.Index == seg.index {
				matched = true
				break
			}
		}
		if !matched {
			return schema.NewErrorf(schema.ErrCodeResolution,
				"storage key %q carries iteration suffix @iter:%d:%d with no matching active frame",
				key, seg.loopPosition, seg.index)
		}
	}
	return nil
}

type iterSegment struct {
	loopPosition int
	index        int
}

func splitStorageKey(key string) (string, []iterSegment, error) {
	parts := strings.Split(key, iterSuffix)
	base := parts[0]
	var segs []iterSegment
	for _, p := range parts[1:] {
		fields := strings.SplitN(p, ":", 2)
		if len(fields) != 2 {
			return "", nil, schema.NewErrorf(schema.ErrCodeResolution, "malformed iteration suffix in key %q", key)
		}
		pos, err := strconv.Atoi(fields[0])
		if err != nil {
			return "", nil, schema.NewErrorf(schema.ErrCodeResolution, "malformed loop position in key %q", key)
		}
		idx, err := strconv.Atoi(fields[1])
		if err != nil {
			return "", nil, schema.NewErrorf(schema.ErrCodeResolution, "malformed iteration index in key %q", key)
		}
		segs = append(segs, iterSegment{loopPosition: pos, index: idx})
	}
	return base, segs, nil
}

// String renders the scope for logging.
func (c ScopeContext) String() string {
	if len(c.frames) == 0 {
		return "scope[]"
	}
	var b strings.Builder
	b.WriteString("scope[")
	for i, f := range c.frames {
		if i > 0 {
			b.WriteByte(' ')
		}
		if f.iter != nil {
			fmt.Fprintf(&b, "iter(%s@%d#%d)", f.iter.Variable, f.iter.LoopPosition, f.iter.Index)
		} else {
			fmt.Fprintf(&b, "group(@%d)", f.group.GroupPosition)
		}
	}
	b.WriteByte(']')
	return b.String()
}

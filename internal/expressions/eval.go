package expressions

import (
	"context"
	"log/slog"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/Atypis/runops-v2-sub000/pkg/schema"
)

// Evaluator parses and evaluates the boolean/comparison expressions used by
// route conditions. Grammar, lowest to highest precedence: ternary, ||, &&,
// prefix !, parenthesized sub-expression, comparison, atom. The grammar is
// intentionally restricted to routing logic; arithmetic lives in the
// transform node's sandboxed engines.
type Evaluator struct {
	resolver *Resolver
	logger   *slog.Logger
}

// NewEvaluator creates an Evaluator that resolves operands through r.
func NewEvaluator(r *Resolver, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{resolver: r, logger: logger}
}

// Evaluate evaluates expr to a boolean. Internal errors (unresolvable
// operands, malformed syntax) evaluate to false rather than propagating, so
// one malformed route condition cannot abort an otherwise-valid route.
func (e *Evaluator) Evaluate(ctx context.Context, workflowID, expr string, scope ScopeContext) bool {
	result, err := e.evaluate(ctx, workflowID, expr, scope)
	if err != nil {
		e.logger.Debug("condition evaluated false on error",
			slog.String("expression", expr), slog.String("error", err.Error()))
		return false
	}
	return result
}

func (e *Evaluator) evaluate(ctx context.Context, workflowID, expr string, scope ScopeContext) (bool, error) {
	// Templates resolve first, with string values quote-escaped so they parse
	// back as literals.
	if strings.Contains(expr, "{{") {
		resolved, err := e.resolver.ResolveForEval(ctx, workflowID, expr, scope)
		if err != nil {
			return false, err
		}
		expr = resolved
	}
	return e.evalExpr(ctx, workflowID, expr, scope)
}

func (e *Evaluator) evalExpr(ctx context.Context, workflowID, s string, scope ScopeContext) (bool, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return false, schema.NewError(schema.ErrCodeEval, "empty expression")
	}

	// Ternary: first unparenthesized '?', first unparenthesized ':' after it.
	if q := indexTopLevel(s, "?"); q != -1 {
		c := indexTopLevel(s[q+1:], ":")
		if c == -1 {
			return false, schema.NewErrorf(schema.ErrCodeEval, "ternary without ':' in %q", s)
		}
		c += q + 1
		cond, err := e.evalExpr(ctx, workflowID, s[:q], scope)
		if err != nil {
			return false, err
		}
		if cond {
			return e.evalExpr(ctx, workflowID, s[q+1:c], scope)
		}
		return e.evalExpr(ctx, workflowID, s[c+1:], scope)
	}

	// Logical OR, split at parenthesis depth zero only.
	if parts := splitTopLevel(s, "||"); len(parts) > 1 {
		for _, p := range parts {
			ok, err := e.evalExpr(ctx, workflowID, p, scope)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	}

	// Logical AND.
	if parts := splitTopLevel(s, "&&"); len(parts) > 1 {
		for _, p := range parts {
			ok, err := e.evalExpr(ctx, workflowID, p, scope)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	}

	// Prefix negation. "!=" is a comparison, not a negation.
	if strings.HasPrefix(s, "!") && !strings.HasPrefix(s, "!=") {
		ok, err := e.evalExpr(ctx, workflowID, s[1:], scope)
		if err != nil {
			return false, err
		}
		return !ok, nil
	}

	// Fully parenthesized sub-expression.
	if strings.HasPrefix(s, "(") && matchingParen(s, 0) == len(s)-1 {
		return e.evalExpr(ctx, workflowID, s[1:len(s)-1], scope)
	}

	// Comparison.
	if lhs, op, rhs, found := splitComparison(s); found {
		return e.evalComparison(ctx, workflowID, lhs, op, rhs, scope)
	}

	// Bare atom: truthy test.
	val, err := e.resolveOperand(ctx, workflowID, s, scope)
	if err != nil {
		return false, err
	}
	return truthy(val), nil
}

func (e *Evaluator) evalComparison(ctx context.Context, workflowID, lhs, op, rhs string, scope ScopeContext) (bool, error) {
	left, err := e.resolveOperand(ctx, workflowID, lhs, scope)
	if op == "exists" {
		// exists is satisfied by any resolvable, non-null operand.
		return err == nil && left != nil, nil
	}
	if err != nil {
		return false, err
	}
	right, err := e.resolveOperand(ctx, workflowID, rhs, scope)
	if err != nil {
		return false, err
	}

	switch op {
	case "===":
		return strictEqual(left, right), nil
	case "!==":
		return !strictEqual(left, right), nil
	case "==", "equals":
		return looseEqual(left, right), nil
	case "!=":
		return !looseEqual(left, right), nil
	case ">", "<", ">=", "<=":
		return orderedCompare(left, right, op)
	case "contains":
		return containsValue(left, right)
	case "matches":
		pattern, ok := right.(string)
		if !ok {
			return false, schema.NewErrorf(schema.ErrCodeEval, "matches pattern must be a string, got %T", right)
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, schema.NewErrorf(schema.ErrCodeEval, "invalid pattern %q: %s", pattern, err.Error())
		}
		return re.MatchString(asString(left)), nil
	}
	return false, schema.NewErrorf(schema.ErrCodeEval, "unknown operator %q", op)
}

// resolveOperand turns an atom into a value: boolean/null/numeric/quoted
// string literals parse directly; anything else is a state path resolved
// through the template resolver.
func (e *Evaluator) resolveOperand(ctx context.Context, workflowID, s string, scope ScopeContext) (any, error) {
	s = strings.TrimSpace(s)
	switch s {
	case "":
		return nil, schema.NewError(schema.ErrCodeEval, "empty operand")
	case "true":
		return true, nil
	case "false":
		return false, nil
	case "null", "undefined":
		return nil, nil
	}
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return unquoteLiteral(s), nil
		}
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return n, nil
	}
	return e.resolver.ResolveExpr(ctx, workflowID, s, scope)
}

// --- scanning helpers ---

// indexTopLevel returns the first index of token in s at parenthesis depth
// zero and outside quoted literals, or -1.
func indexTopLevel(s, token string) int {
	depth := 0
	var quote byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '\'', '"':
			quote = c
		case '(':
			depth++
		case ')':
			depth--
		default:
			if depth == 0 && strings.HasPrefix(s[i:], token) {
				return i
			}
		}
	}
	return -1
}

// splitTopLevel splits s on op, never splitting inside (...) or quotes.
func splitTopLevel(s, op string) []string {
	var parts []string
	depth := 0
	var quote byte
	last := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '\'', '"':
			quote = c
		case '(':
			depth++
		case ')':
			depth--
		default:
			if depth == 0 && strings.HasPrefix(s[i:], op) {
				parts = append(parts, s[last:i])
				i += len(op) - 1
				last = i + 1
			}
		}
	}
	parts = append(parts, s[last:])
	return parts
}

// matchingParen returns the index of the ')' closing the '(' at open, or -1.
func matchingParen(s string, open int) int {
	depth := 0
	var quote byte
	for i := open; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '\'', '"':
			quote = c
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// symbolic comparison operators, longest first so "===" wins over "==".
var symbolicOps = []string{"===", "!==", ">=", "<=", "==", "!=", ">", "<"}

// splitComparison finds the top-level comparison operator in s and returns
// both operands. Word operators are space-delimited; "exists" is postfix.
func splitComparison(s string) (lhs, op, rhs string, found bool) {
	depth := 0
	var quote byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '\'', '"':
			quote = c
			continue
		case '(':
			depth++
			continue
		case ')':
			depth--
			continue
		}
		if depth != 0 {
			continue
		}
		for _, cand := range symbolicOps {
			if strings.HasPrefix(s[i:], cand) {
				return strings.TrimSpace(s[:i]), cand, strings.TrimSpace(s[i+len(cand):]), true
			}
		}
		for _, word := range []string{"contains", "matches", "equals", "exists"} {
			if isWordAt(s, i, word) {
				lhs = strings.TrimSpace(s[:i])
				rhs = strings.TrimSpace(s[i+len(word):])
				if word == "exists" && rhs != "" {
					continue
				}
				return lhs, word, rhs, true
			}
		}
	}
	return "", "", "", false
}

// isWordAt reports whether word occurs at i surrounded by whitespace (or end
// of string for postfix operators).
func isWordAt(s string, i int, word string) bool {
	if !strings.HasPrefix(s[i:], word) {
		return false
	}
	if i == 0 || s[i-1] != ' ' {
		return false
	}
	end := i + len(word)
	return end == len(s) || s[end] == ' '
}

func unquoteLiteral(s string) string {
	inner := s[1 : len(s)-1]
	quote := s[0]
	var b strings.Builder
	for i := 0; i < len(inner); i++ {
		if inner[i] == '\\' && i+1 < len(inner) && (inner[i+1] == '\\' || inner[i+1] == quote) {
			i++
		}
		b.WriteByte(inner[i])
	}
	return b.String()
}

// --- comparison semantics ---

// truthy: false for null, empty string, and boolean false; true otherwise.
func truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	}
	return true
}

func strictEqual(a, b any) bool {
	an, aIsNum := asNumber(a)
	bn, bIsNum := asNumber(b)
	if aIsNum != bIsNum {
		return false
	}
	if aIsNum {
		return an == bn
	}
	return reflect.DeepEqual(a, b)
}

// looseEqual coerces numerics, then falls back to stringified comparison.
func looseEqual(a, b any) bool {
	an, aOK := coerceNumber(a)
	bn, bOK := coerceNumber(b)
	if aOK && bOK {
		return an == bn
	}
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return asString(a) == asString(b)
}

func orderedCompare(a, b any, op string) (bool, error) {
	if an, aOK := coerceNumber(a); aOK {
		if bn, bOK := coerceNumber(b); bOK {
			switch op {
			case ">":
				return an > bn, nil
			case "<":
				return an < bn, nil
			case ">=":
				return an >= bn, nil
			case "<=":
				return an <= bn, nil
			}
		}
	}
	as, bs := asString(a), asString(b)
	switch op {
	case ">":
		return as > bs, nil
	case "<":
		return as < bs, nil
	case ">=":
		return as >= bs, nil
	case "<=":
		return as <= bs, nil
	}
	return false, schema.NewErrorf(schema.ErrCodeEval, "unknown ordering operator %q", op)
}

// containsValue: substring for strings, element membership for slices, key
// presence for maps.
func containsValue(container, needle any) (bool, error) {
	switch c := container.(type) {
	case string:
		return strings.Contains(c, asString(needle)), nil
	case []any:
		for _, item := range c {
			if looseEqual(item, needle) {
				return true, nil
			}
		}
		return false, nil
	case map[string]any:
		_, ok := c[asString(needle)]
		return ok, nil
	case nil:
		return false, nil
	}
	return false, schema.NewErrorf(schema.ErrCodeEval, "contains not supported on %T", container)
}

// asNumber returns the numeric value of natively numeric types only.
func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// coerceNumber additionally parses numeric strings.
func coerceNumber(v any) (float64, bool) {
	if n, ok := asNumber(v); ok {
		return n, true
	}
	if s, ok := v.(string); ok {
		if n, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return n, true
		}
	}
	return 0, false
}

func asString(v any) string {
	switch s := v.(type) {
	case nil:
		return "null"
	case string:
		return s
	case bool:
		if s {
			return "true"
		}
		return "false"
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case int:
		return strconv.Itoa(s)
	case int64:
		return strconv.FormatInt(s, 10)
	}
	return stringify(v, false)
}

// Package guard evaluates transition guard expressions against a nested
// context mapping.
//
// Grammar, evaluated left to right with 'or' binding looser than 'and':
//
//	expr     := or_expr
//	or_expr  := and_expr (' or '  and_expr)*
//	and_expr := cmp      (' and ' cmp     )*
//	cmp      := path ('==' | '!=') literal | path
//	literal  := 'true' | 'false' | 'null' | 'none' | integer | quoted-string | bare-word
//	path     := ident ('.' ident)*
//
// Path lookup walks nested mappings; any non-mapping intermediate yields
// undefined. A bare path is truthy iff the resolved value is truthy
// (non-empty string, non-zero number, true). The empty expression is true.
package guard

import (
	"strconv"
	"strings"
)

// Evaluate reports whether expr holds against ctx. Malformed clauses
// evaluate to false rather than erroring; workflow validation flags them
// ahead of time.
func Evaluate(expr string, ctx map[string]any) bool {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return true
	}
	for _, orPart := range splitTop(expr, " or ") {
		ok := true
		for _, andPart := range splitTop(orPart, " and ") {
			if !evalClause(andPart, ctx) {
				ok = false
				break
			}
		}
		if ok {
			return true
		}
	}
	return false
}

func evalClause(clause string, ctx map[string]any) bool {
	clause = strings.TrimSpace(clause)
	if clause == "" {
		return true
	}
	if lhs, rhs, found := cutOperator(clause, "!="); found {
		val, _ := Resolve(ctx, lhs)
		return !literalEquals(rhs, val)
	}
	if lhs, rhs, found := cutOperator(clause, "=="); found {
		val, _ := Resolve(ctx, lhs)
		return literalEquals(rhs, val)
	}
	val, ok := Resolve(ctx, clause)
	return ok && Truthy(val)
}

// cutOperator splits clause on the first occurrence of op outside quotes.
func cutOperator(clause, op string) (lhs, rhs string, found bool) {
	idx := indexOutsideQuotes(clause, op)
	if idx < 0 {
		return "", "", false
	}
	return strings.TrimSpace(clause[:idx]), strings.TrimSpace(clause[idx+len(op):]), true
}

// Resolve walks a dotted path through nested map[string]any values. The
// second return is false when the path is undefined.
func Resolve(ctx map[string]any, path string) (any, bool) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, false
	}
	var cur any = ctx
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Truthy implements the bare-path rule: true, non-zero numbers, non-empty
// strings, and non-empty collections are truthy; nil and everything else is
// not.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case float32:
		return t != 0
	case int:
		return t != 0
	case int64:
		return t != 0
	case map[string]any:
		return len(t) > 0
	case []any:
		return len(t) > 0
	}
	return false
}

// literalEquals compares a resolved value against a literal token. Both
// sides canonicalize to strings so that YAML/JSON scalar flavors (bool vs
// "true", 3 vs 3.0) compare the way workflow authors expect. The null and
// none literals match nil and undefined values.
func literalEquals(literal string, val any) bool {
	lit, isNull := parseLiteral(literal)
	if isNull {
		return val == nil
	}
	return canon(val) == lit
}

// parseLiteral returns the canonical string form of the literal and whether
// it is the null/none literal.
func parseLiteral(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if len(s) >= 2 {
		if (s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"') {
			return s[1 : len(s)-1], false
		}
	}
	switch s {
	case "null", "none":
		return "", true
	case "true", "false":
		return s, false
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return strconv.FormatInt(n, 10), false
	}
	return s, false
}

func canon(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case bool:
		if t {
			return "true"
		}
		return "false"
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	}
	return ""
}

// splitTop splits s on sep occurrences outside quoted strings.
func splitTop(s, sep string) []string {
	var parts []string
	for {
		idx := indexOutsideQuotes(s, sep)
		if idx < 0 {
			parts = append(parts, s)
			return parts
		}
		parts = append(parts, s[:idx])
		s = s[idx+len(sep):]
	}
}

// indexOutsideQuotes finds the first occurrence of sub in s that is not
// inside a single- or double-quoted region.
func indexOutsideQuotes(s, sub string) int {
	var quote byte
	for i := 0; i+len(sub) <= len(s); i++ {
		c := s[i]
		if quote != 0 {
			if c == quote {
				quote = 0
			}
			continue
		}
		if c == '\'' || c == '"' {
			quote = c
			continue
		}
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

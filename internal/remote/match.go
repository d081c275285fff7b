package remote

import (
	"cmp"
	"fmt"
	"regexp"
	"strings"

	"github.com/roach88/entsync/internal/ir"
	"github.com/roach88/entsync/internal/querykey"
)

// Match reports whether entity satisfies every filter of spec, with the
// semantics PostgREST gives the same operators. Raw filters cannot be
// evaluated locally and return an error.
func Match(spec querykey.Spec, entity ir.Object) (bool, error) {
	for field, f := range spec.Filters {
		if f.IsZero() {
			continue
		}
		ok, err := matchFilter(field, f, entity)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func matchFilter(field string, f querykey.Filter, entity ir.Object) (bool, error) {
	v := entity[field]
	switch f.Op {
	case querykey.OpEq:
		return equalValues(v, f.Value), nil
	case querykey.OpNeq:
		return !isNull(v) && !equalValues(v, f.Value), nil
	case querykey.OpGt, querykey.OpGte, querykey.OpLt, querykey.OpLte:
		c, ok := compareValues(v, f.Value)
		if !ok {
			return false, nil
		}
		switch f.Op {
		case querykey.OpGt:
			return c > 0, nil
		case querykey.OpGte:
			return c >= 0, nil
		case querykey.OpLt:
			return c < 0, nil
		default:
			return c <= 0, nil
		}
	case querykey.OpLike, querykey.OpILike:
		s, ok := v.(ir.String)
		if !ok {
			return false, nil
		}
		pattern, _ := f.Value.(ir.String)
		re, err := likePattern(string(pattern), f.Op == querykey.OpILike)
		if err != nil {
			return false, err
		}
		return re.MatchString(string(s)), nil
	case querykey.OpIs:
		return isValue(v, f.Value), nil
	case querykey.OpIsNot:
		return !isValue(v, f.Value), nil
	case querykey.OpIn:
		for _, m := range f.Values {
			if equalValues(v, m) {
				return true, nil
			}
		}
		return false, nil
	case querykey.OpRange:
		if f.Lower != nil {
			if c, ok := compareValues(v, f.Lower); !ok || c < 0 {
				return false, nil
			}
		}
		if f.Upper != nil {
			if c, ok := compareValues(v, f.Upper); !ok || c > 0 {
				return false, nil
			}
		}
		return true, nil
	case querykey.OpSearch:
		s, ok := v.(ir.String)
		if !ok {
			return false, nil
		}
		query, _ := f.Value.(ir.String)
		text := strings.ToLower(string(s))
		for _, word := range strings.Fields(strings.ToLower(string(query))) {
			if !strings.Contains(text, strings.Trim(word, `'"`)) {
				return false, nil
			}
		}
		return true, nil
	case querykey.OpOr:
		expr, _ := f.Value.(ir.String)
		return matchOr(string(expr), entity)
	default:
		return false, fmt.Errorf("filter %q: operator %q cannot be evaluated locally", field, f.Op)
	}
}

// matchOr evaluates a flat PostgREST or-expression: comma separated
// field.op.value terms, any of which may match. Nested groups are not
// supported.
func matchOr(expr string, entity ir.Object) (bool, error) {
	expr = strings.TrimSuffix(strings.TrimPrefix(expr, "("), ")")
	for _, term := range strings.Split(expr, ",") {
		parts := strings.SplitN(strings.TrimSpace(term), ".", 3)
		if len(parts) != 3 {
			return false, fmt.Errorf("or term %q: expected field.op.value", term)
		}
		f, err := termFilter(parts[1], parts[2])
		if err != nil {
			return false, fmt.Errorf("or term %q: %w", term, err)
		}
		ok, err := matchFilter(parts[0], f, entity)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func termFilter(op, raw string) (querykey.Filter, error) {
	val := parseScalar(raw)
	switch querykey.Operator(op) {
	case querykey.OpEq:
		return querykey.Eq(val), nil
	case querykey.OpNeq:
		return querykey.Neq(val), nil
	case querykey.OpGt:
		return querykey.Gt(val), nil
	case querykey.OpGte:
		return querykey.Gte(val), nil
	case querykey.OpLt:
		return querykey.Lt(val), nil
	case querykey.OpLte:
		return querykey.Lte(val), nil
	case querykey.OpLike:
		return querykey.Like(strings.ReplaceAll(raw, "*", "%")), nil
	case querykey.OpILike:
		return querykey.ILike(strings.ReplaceAll(raw, "*", "%")), nil
	case querykey.OpIs:
		return querykey.Filter{Op: querykey.OpIs, Value: ir.MustFromAny(val)}, nil
	default:
		return querykey.Filter{}, fmt.Errorf("unsupported operator %q", op)
	}
}

// parseScalar reads an or-term operand the way PostgREST would coerce it.
func parseScalar(raw string) any {
	switch raw {
	case "null":
		return nil
	case "true":
		return true
	case "false":
		return false
	}
	if v, err := ir.UnmarshalValue([]byte(raw)); err == nil {
		switch n := v.(type) {
		case ir.Int, ir.Float:
			return n
		}
	}
	return raw
}

func isNull(v ir.Value) bool {
	_, null := v.(ir.Null)
	return v == nil || null
}

func isValue(v, want ir.Value) bool {
	if isNull(want) {
		return isNull(v)
	}
	return equalValues(v, want)
}

// equalValues compares numbers across Int and Float.
func equalValues(a, b ir.Value) bool {
	if c, ok := compareNumbers(a, b); ok {
		return c == 0
	}
	return ir.Equal(a, b)
}

func compareValues(a, b ir.Value) (int, bool) {
	if c, ok := compareNumbers(a, b); ok {
		return c, true
	}
	as, aok := a.(ir.String)
	bs, bok := b.(ir.String)
	if aok && bok {
		return strings.Compare(string(as), string(bs)), true
	}
	return 0, false
}

func compareNumbers(a, b ir.Value) (int, bool) {
	af, aok := number(a)
	bf, bok := number(b)
	if !aok || !bok {
		return 0, false
	}
	return cmp.Compare(af, bf), true
}

func number(v ir.Value) (float64, bool) {
	switch n := v.(type) {
	case ir.Int:
		return float64(n), true
	case ir.Float:
		return float64(n), true
	}
	return 0, false
}

// likePattern converts a SQL LIKE pattern to an anchored regexp.
func likePattern(pattern string, insensitive bool) (*regexp.Regexp, error) {
	var b strings.Builder
	if insensitive {
		b.WriteString("(?is)")
	} else {
		b.WriteString("(?s)")
	}
	b.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '%':
			b.WriteString(".*")
		case '_':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}

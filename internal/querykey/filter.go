package querykey

import (
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/entsync/internal/ir"
)

// Operator names a filter comparison. The names match the PostgREST
// operators the HTTP source sends on the wire.
type Operator string

const (
	OpEq     Operator = "eq"
	OpNeq    Operator = "neq"
	OpGt     Operator = "gt"
	OpGte    Operator = "gte"
	OpLt     Operator = "lt"
	OpLte    Operator = "lte"
	OpLike   Operator = "like"
	OpILike  Operator = "ilike"
	OpIs     Operator = "is"
	OpIsNot  Operator = "isnot"
	OpIn     Operator = "in"
	OpRange  Operator = "range"
	OpSearch Operator = "search"
	OpOr     Operator = "or"
	OpRaw    Operator = "raw"
)

// validOperators is consulted by Filter.validate.
var validOperators = map[Operator]bool{
	OpEq: true, OpNeq: true, OpGt: true, OpGte: true, OpLt: true, OpLte: true,
	OpLike: true, OpILike: true, OpIs: true, OpIsNot: true, OpIn: true,
	OpRange: true, OpSearch: true, OpOr: true, OpRaw: true,
}

// Filter is one condition on one field.
//
// The zero Filter (no operator) means "absent" and is omitted from keys.
// Value carries the operand of scalar operators, Values the members of an
// In filter, and Lower/Upper the inclusive bounds of a Range (nil = open).
type Filter struct {
	Op     Operator
	Value  ir.Value
	Values []ir.Value
	Lower  ir.Value
	Upper  ir.Value
}

// IsZero reports whether the filter is absent.
func (f Filter) IsZero() bool {
	return f.Op == ""
}

func scalar(op Operator, v any) Filter {
	return Filter{Op: op, Value: ir.MustFromAny(v)}
}

// Eq matches field == v. Eq(nil) is the null check, not an absent filter.
func Eq(v any) Filter { return scalar(OpEq, v).normalize() }

// Neq matches field != v. Neq(nil) matches non-null values.
func Neq(v any) Filter { return scalar(OpNeq, v).normalize() }

func Gt(v any) Filter  { return scalar(OpGt, v) }
func Gte(v any) Filter { return scalar(OpGte, v) }
func Lt(v any) Filter  { return scalar(OpLt, v) }
func Lte(v any) Filter { return scalar(OpLte, v) }

// Like is a case-sensitive SQL pattern match (% and _ wildcards).
func Like(pattern string) Filter { return scalar(OpLike, pattern) }

// ILike is a case-insensitive SQL pattern match.
func ILike(pattern string) Filter { return scalar(OpILike, pattern) }

// IsNull matches rows where the field is null.
func IsNull() Filter { return Filter{Op: OpIs, Value: ir.Null{}} }

// IsNotNull matches rows where the field is not null.
func IsNotNull() Filter { return Filter{Op: OpIsNot, Value: ir.Null{}} }

// In matches membership in a set of values.
func In(values ...any) Filter {
	vals := make([]ir.Value, len(values))
	for i, v := range values {
		vals[i] = ir.MustFromAny(v)
	}
	return Filter{Op: OpIn, Values: vals}
}

// Between matches lower <= field <= upper; a nil bound is open.
func Between(lower, upper any) Filter {
	f := Filter{Op: OpRange}
	if lower != nil {
		f.Lower = ir.MustFromAny(lower)
	}
	if upper != nil {
		f.Upper = ir.MustFromAny(upper)
	}
	return f
}

// Search is a web-search style full text query.
func Search(query string) Filter { return scalar(OpSearch, query) }

// Or is a PostgREST logical expression, e.g. "name.eq.a,age.gt.3".
func Or(expr string) Filter { return scalar(OpOr, expr) }

// Raw passes an expression through untouched. The cache treats it as
// depending on every field.
func Raw(expr string) Filter { return scalar(OpRaw, expr) }

// normalize folds equality against null into the null checks so that
// Eq(nil) and IsNull() share a key.
func (f Filter) normalize() Filter {
	if _, isNull := f.Value.(ir.Null); isNull {
		switch f.Op {
		case OpEq:
			return IsNull()
		case OpNeq:
			return IsNotNull()
		}
	}
	if f.Op == OpIn {
		f.Values = canonicalSet(f.Values)
	}
	return f
}

// canonicalSet sorts and dedupes In members by canonical encoding.
// Membership is a set, so permutations must share a key.
func canonicalSet(values []ir.Value) []ir.Value {
	type member struct {
		enc string
		v   ir.Value
	}
	members := make([]member, 0, len(values))
	seen := make(map[string]bool, len(values))
	for _, v := range values {
		enc := string(ir.MustMarshalCanonical(v))
		if seen[enc] {
			continue
		}
		seen[enc] = true
		members = append(members, member{enc: enc, v: v})
	}
	slices.SortFunc(members, func(a, b member) int { return strings.Compare(a.enc, b.enc) })

	out := make([]ir.Value, len(members))
	for i, m := range members {
		out[i] = m.v
	}
	return out
}

func (f Filter) validate(field string) error {
	if !validOperators[f.Op] {
		return fmt.Errorf("filter %q: unknown operator %q", field, f.Op)
	}
	switch f.Op {
	case OpIn:
		// an empty set is legal and matches nothing
	case OpRange:
		if f.Lower == nil && f.Upper == nil {
			return fmt.Errorf("filter %q: range needs at least one bound", field)
		}
	case OpOr, OpRaw, OpSearch, OpLike, OpILike:
		if _, ok := f.Value.(ir.String); !ok {
			return fmt.Errorf("filter %q: %s needs a string operand, got %T", field, f.Op, f.Value)
		}
	case OpIs, OpIsNot:
		switch f.Value.(type) {
		case ir.Null, ir.Bool:
		default:
			return fmt.Errorf("filter %q: %s needs null or a boolean, got %T", field, f.Op, f.Value)
		}
	default:
		if f.Value == nil {
			return fmt.Errorf("filter %q: %s needs an operand", field, f.Op)
		}
	}
	return nil
}

// encode renders the filter as a canonical object.
func (f Filter) encode() ir.Object {
	obj := ir.Object{"op": ir.String(f.Op)}
	switch f.Op {
	case OpIn:
		obj["values"] = ir.Array(f.Values)
	case OpRange:
		if f.Lower != nil {
			obj["lower"] = f.Lower
		}
		if f.Upper != nil {
			obj["upper"] = f.Upper
		}
	default:
		obj["value"] = f.Value
	}
	return obj
}

func decodeFilter(field string, v ir.Value) (Filter, error) {
	obj, ok := v.(ir.Object)
	if !ok {
		return Filter{}, fmt.Errorf("filter %q: expected object, got %T", field, v)
	}
	op, ok := obj["op"].(ir.String)
	if !ok {
		return Filter{}, fmt.Errorf("filter %q: missing op", field)
	}
	f := Filter{Op: Operator(op)}
	switch f.Op {
	case OpIn:
		vals, _ := obj["values"].(ir.Array)
		f.Values = []ir.Value(vals)
	case OpRange:
		f.Lower = obj["lower"]
		f.Upper = obj["upper"]
	default:
		f.Value = obj["value"]
	}
	return f, f.validate(field)
}

// orFields extracts the column names referenced by a PostgREST or-expression
// such as "name.eq.a,and(age.gt.3,age.lt.9)".
func orFields(expr string) []string {
	var fields []string
	for _, part := range strings.FieldsFunc(expr, func(r rune) bool {
		return r == ',' || r == '(' || r == ')'
	}) {
		part = strings.TrimSpace(part)
		if part == "" || part == "and" || part == "or" || part == "not" {
			continue
		}
		name, _, found := strings.Cut(part, ".")
		if !found {
			continue
		}
		switch name {
		case "and", "or", "not":
			continue
		}
		fields = append(fields, name)
	}
	return fields
}

package querykey

import (
	"fmt"
	"strconv"
	"strings"
)

// suffixOps maps the flat filter suffixes onto operators. Each suffix
// includes its underscore, so none is a tail of another.
var suffixOps = []struct {
	suffix string
	build  func(v any) (Filter, error)
}{
	{"_neq", func(v any) (Filter, error) { return Neq(v), nil }},
	{"_in", parseIn},
	{"_like", containsPattern},
	{"_ilike", containsPattern},
	{"_search", func(v any) (Filter, error) { return Search(fmt.Sprint(v)), nil }},
	{"_gte", func(v any) (Filter, error) { return Gte(v), nil }},
	{"_lte", func(v any) (Filter, error) { return Lte(v), nil }},
	{"_gt", func(v any) (Filter, error) { return Gt(v), nil }},
	{"_lt", func(v any) (Filter, error) { return Lt(v), nil }},
}

// ParseFilters turns a flat filter map into a Spec.
//
// The reserved keys are "limit", "offset", "order" and "or". Other keys may
// carry an operator suffix (name_neq, age_gte, tags_in, ...). A nil value
// or the string "null" is a null check; anything else is equality.
// Pattern suffixes match case-insensitively on a substring, so
// {"name_like": "av"} becomes name ILIKE '%av%'.
func ParseFilters(resource string, flat map[string]any) (Spec, error) {
	spec := Spec{Resource: resource, Filters: make(map[string]Filter)}

	var offset, limit int
	var hasOffset, hasLimit bool

	for key, value := range flat {
		switch key {
		case "limit":
			n, err := toInt(value)
			if err != nil {
				return Spec{}, fmt.Errorf("querykey: limit: %w", err)
			}
			limit, hasLimit = n, true
			continue
		case "offset":
			n, err := toInt(value)
			if err != nil {
				return Spec{}, fmt.Errorf("querykey: offset: %w", err)
			}
			offset, hasOffset = n, true
			continue
		case "order":
			order, err := parseOrder(value)
			if err != nil {
				return Spec{}, err
			}
			spec.Order = order
			continue
		case "or":
			expr, ok := value.(string)
			if !ok {
				return Spec{}, fmt.Errorf("querykey: or: expected string, got %T", value)
			}
			spec.Filters["or"] = Or(expr)
			continue
		}

		field, f, err := parseFlatFilter(key, value)
		if err != nil {
			return Spec{}, fmt.Errorf("querykey: %s: %w", key, err)
		}
		spec.Filters[field] = f
	}

	if hasOffset || hasLimit {
		spec.Window = Offset(offset, limit)
	}
	return spec, nil
}

func parseFlatFilter(key string, value any) (string, Filter, error) {
	for _, s := range suffixOps {
		field, found := strings.CutSuffix(key, s.suffix)
		if !found || field == "" {
			continue
		}
		f, err := safeFilter(func() (Filter, error) { return s.build(value) })
		return field, f, err
	}
	if value == nil || value == "null" {
		return key, IsNull(), nil
	}
	f, err := safeFilter(func() (Filter, error) { return Eq(value), nil })
	return key, f, err
}

// safeFilter converts a panic from an unsupported operand type into an error.
func safeFilter(build func() (Filter, error)) (f Filter, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v", r)
		}
	}()
	return build()
}

func containsPattern(v any) (Filter, error) {
	return ILike("%" + fmt.Sprint(v) + "%"), nil
}

func parseIn(v any) (Filter, error) {
	switch vals := v.(type) {
	case string:
		parts := strings.Split(vals, ",")
		members := make([]any, len(parts))
		for i, p := range parts {
			members[i] = p
		}
		return In(members...).normalize(), nil
	case []string:
		members := make([]any, len(vals))
		for i, p := range vals {
			members[i] = p
		}
		return In(members...).normalize(), nil
	case []any:
		return In(vals...).normalize(), nil
	default:
		return Filter{}, fmt.Errorf("expected list or comma separated string, got %T", v)
	}
}

// parseOrder accepts "field", "-field", "field.desc", "field.asc" and
// comma separated combinations of those.
func parseOrder(v any) ([]OrderBy, error) {
	var terms []string
	switch o := v.(type) {
	case string:
		terms = strings.Split(o, ",")
	case []string:
		terms = o
	case []any:
		for _, t := range o {
			terms = append(terms, fmt.Sprint(t))
		}
	default:
		return nil, fmt.Errorf("querykey: order: expected string or list, got %T", v)
	}

	var out []OrderBy
	for _, term := range terms {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}
		ob := OrderBy{Field: term}
		if rest, ok := strings.CutPrefix(term, "-"); ok {
			ob = OrderBy{Field: rest, Desc: true}
		} else if rest, ok := strings.CutSuffix(term, ".desc"); ok {
			ob = OrderBy{Field: rest, Desc: true}
		} else if rest, ok := strings.CutSuffix(term, ".asc"); ok {
			ob = OrderBy{Field: rest}
		}
		if ob.Field == "" {
			return nil, fmt.Errorf("querykey: order: empty field in %q", term)
		}
		out = append(out, ob)
	}
	return out, nil
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != float64(int(n)) {
			return 0, fmt.Errorf("not an integer: %v", n)
		}
		return int(n), nil
	case string:
		return strconv.Atoi(n)
	default:
		return 0, fmt.Errorf("expected integer, got %T", v)
	}
}

package querykey

import (
	"fmt"
	"maps"
	"slices"

	"github.com/roach88/entsync/internal/ir"
)

// Key is the canonical encoding of a Spec. Two logically identical specs
// always encode to the same Key.
type Key string

// String returns the key text.
func (k Key) String() string {
	return string(k)
}

// Hash returns a short domain-separated digest of the key, used in logs
// and as a storage identifier.
func (k Key) Hash() string {
	return ir.QueryKeyDigest(string(k))[:16]
}

// Spec is a structured query: a resource, per-field filters, a pagination
// window and an ordering.
type Spec struct {
	Resource string
	Filters  map[string]Filter
	Window   Window
	Order    []OrderBy
}

// WithWindow returns a copy of the spec with a different window.
func (s Spec) WithWindow(w Window) Spec {
	out := s.Clone()
	out.Window = w
	return out
}

// Clone returns a copy that shares no maps or slices with s.
func (s Spec) Clone() Spec {
	out := s
	out.Filters = maps.Clone(s.Filters)
	out.Order = slices.Clone(s.Order)
	return out
}

// FilterFields returns the field names the spec's filters depend on.
// all is true when a raw filter makes the dependency set unknowable.
func (s Spec) FilterFields() (fields []string, all bool) {
	seen := make(map[string]bool)
	add := func(name string) {
		if !seen[name] {
			seen[name] = true
			fields = append(fields, name)
		}
	}
	for field, f := range s.Filters {
		switch f.Op {
		case "":
			continue
		case OpRaw:
			all = true
		case OpOr:
			if str, ok := f.Value.(ir.String); ok {
				for _, name := range orFields(string(str)) {
					add(name)
				}
			}
		default:
			add(field)
		}
	}
	slices.Sort(fields)
	return fields, all
}

// Encode derives the canonical key for a spec.
//
// Filter fields are sorted in UTF-16 code unit order by the canonical
// encoder, absent filters are dropped, and equality against null is
// folded into the null check. The window kind is part of the key.
func Encode(spec Spec) (Key, error) {
	if spec.Resource == "" {
		return "", fmt.Errorf("querykey: empty resource")
	}
	if err := spec.Window.validate(); err != nil {
		return "", fmt.Errorf("querykey: %w", err)
	}

	obj := ir.Object{"resource": ir.String(spec.Resource)}

	filters := ir.Object{}
	for field, f := range spec.Filters {
		if f.IsZero() {
			continue
		}
		if field == "" {
			return "", fmt.Errorf("querykey: filter with empty field name")
		}
		f = f.normalize()
		if err := f.validate(field); err != nil {
			return "", fmt.Errorf("querykey: %w", err)
		}
		filters[field] = f.encode()
	}
	if len(filters) > 0 {
		obj["filters"] = filters
	}

	if w := spec.Window.encode(); w != nil {
		obj["window"] = w
	}

	if len(spec.Order) > 0 {
		order := make(ir.Array, len(spec.Order))
		for i, o := range spec.Order {
			if o.Field == "" {
				return "", fmt.Errorf("querykey: order[%d] has empty field", i)
			}
			order[i] = o.encode()
		}
		obj["order"] = order
	}

	data, err := ir.MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("querykey: %w", err)
	}
	return Key(data), nil
}

// MustEncode is Encode for specs known to be valid.
func MustEncode(spec Spec) Key {
	k, err := Encode(spec)
	if err != nil {
		panic(err)
	}
	return k
}

// Decode parses a key back into its spec. Decode(Encode(s)) is logically
// identical to s, and re-encodes to the same key.
func Decode(key Key) (Spec, error) {
	v, err := ir.UnmarshalValue([]byte(key))
	if err != nil {
		return Spec{}, fmt.Errorf("querykey: decode: %w", err)
	}
	obj, ok := v.(ir.Object)
	if !ok {
		return Spec{}, fmt.Errorf("querykey: decode: expected object, got %T", v)
	}

	resource, _ := obj["resource"].(ir.String)
	if resource == "" {
		return Spec{}, fmt.Errorf("querykey: decode: missing resource")
	}
	spec := Spec{Resource: string(resource)}

	if raw, ok := obj["filters"]; ok {
		fobj, ok := raw.(ir.Object)
		if !ok {
			return Spec{}, fmt.Errorf("querykey: decode: filters must be an object")
		}
		spec.Filters = make(map[string]Filter, len(fobj))
		for field, fv := range fobj {
			f, err := decodeFilter(field, fv)
			if err != nil {
				return Spec{}, fmt.Errorf("querykey: decode: %w", err)
			}
			spec.Filters[field] = f
		}
	}
	if raw, ok := obj["window"]; ok {
		w, err := decodeWindow(raw)
		if err != nil {
			return Spec{}, fmt.Errorf("querykey: decode: %w", err)
		}
		spec.Window = w
	}
	if raw, ok := obj["order"]; ok {
		order, err := decodeOrder(raw)
		if err != nil {
			return Spec{}, fmt.Errorf("querykey: decode: %w", err)
		}
		spec.Order = order
	}
	return spec, nil
}

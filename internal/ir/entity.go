package ir

import (
	"fmt"
	"strconv"
)

// IDField is the only structurally required entity field.
const IDField = "id"

// EntityID extracts the id of an entity. Integer ids are accepted and
// rendered in base 10 since ids are compared as strings everywhere else.
func EntityID(entity Object) (string, error) {
	raw, ok := entity[IDField]
	if !ok {
		return "", fmt.Errorf("entity has no %q field", IDField)
	}
	switch id := raw.(type) {
	case String:
		if id == "" {
			return "", fmt.Errorf("entity has empty %q", IDField)
		}
		return string(id), nil
	case Int:
		return strconv.FormatInt(int64(id), 10), nil
	default:
		return "", fmt.Errorf("entity %q must be a string, got %T", IDField, raw)
	}
}

// WithID returns a copy of entity whose id field is set to id.
func WithID(entity Object, id string) Object {
	out := entity.Clone()
	if out == nil {
		out = Object{}
	}
	out[IDField] = String(id)
	return out
}

// Merge applies patch on top of base and returns a new object.
// Fields absent from patch are kept; a Null in patch sets the field to null.
// Neither input is modified.
func Merge(base, patch Object) Object {
	out := make(Object, len(base)+len(patch))
	for k, v := range base {
		out[k] = Clone(v)
	}
	for k, v := range patch {
		out[k] = Clone(v)
	}
	return out
}

// ChangedFields returns the keys whose values differ between before and
// after, including keys present on only one side.
func ChangedFields(before, after Object) []string {
	var changed []string
	for k, v := range after {
		if w, ok := before[k]; !ok || !Equal(v, w) {
			changed = append(changed, k)
		}
	}
	for k := range before {
		if _, ok := after[k]; !ok {
			changed = append(changed, k)
		}
	}
	return changed
}

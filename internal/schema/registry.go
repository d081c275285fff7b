// Package schema compiles CUE resource definitions into a registry that
// validates queries and entities before they reach the cache.
//
// A registry knows each resource's fields and their types, the default
// ordering, the default page size of infinite queries, and which fields
// queries may filter on. It implements client.Resolver.
package schema

import (
	"errors"
	"fmt"
	"slices"
	"sort"

	"github.com/roach88/entsync/internal/ir"
	"github.com/roach88/entsync/internal/querykey"
)

var (
	// ErrUnknownResource is returned for queries on an undeclared resource.
	ErrUnknownResource = errors.New("schema: unknown resource")

	// ErrInvalidQuery is returned for filters or orderings the resource
	// does not allow.
	ErrInvalidQuery = errors.New("schema: invalid query")

	// ErrInvalidEntity is returned by Check.
	ErrInvalidEntity = errors.New("schema: invalid entity")
)

// Registry holds compiled resources by name.
type Registry struct {
	resources map[string]*Resource
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{resources: make(map[string]*Resource)}
}

// Add registers res, replacing any resource with the same name.
func (r *Registry) Add(res *Resource) {
	r.resources[res.Name] = res
}

// Resource returns the named resource.
func (r *Registry) Resource(name string) (*Resource, bool) {
	res, ok := r.resources[name]
	return res, ok
}

// Names returns the resource names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.resources))
	for name := range r.resources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve checks spec against its resource and applies the default order
// when the query has none. Raw filters cannot be checked and pass through.
func (r *Registry) Resolve(spec querykey.Spec) (querykey.Spec, error) {
	res, ok := r.resources[spec.Resource]
	if !ok {
		return querykey.Spec{}, fmt.Errorf("%w: %q", ErrUnknownResource, spec.Resource)
	}
	fields, _ := spec.FilterFields()
	for _, field := range fields {
		if !res.CanFilter(field) {
			return querykey.Spec{}, fmt.Errorf("%w: %s cannot filter on %q", ErrInvalidQuery, res.Name, field)
		}
	}
	for _, o := range spec.Order {
		if _, ok := res.Fields[o.Field]; !ok {
			return querykey.Spec{}, fmt.Errorf("%w: %s has no field %q to order by", ErrInvalidQuery, res.Name, o.Field)
		}
	}
	if len(spec.Order) == 0 && len(res.Order) > 0 {
		spec = spec.Clone()
		spec.Order = slices.Clone(res.Order)
	}
	return spec, nil
}

// PageSize returns the resource's default page size, or 0.
func (r *Registry) PageSize(resource string) int {
	if res, ok := r.resources[resource]; ok {
		return res.PageSize
	}
	return 0
}

// Check validates an entity against its resource. Absent optional fields
// are fine; undeclared fields and mistyped values are not.
func (r *Registry) Check(resource string, entity ir.Object) error {
	res, ok := r.resources[resource]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownResource, resource)
	}
	if _, err := ir.EntityID(entity); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidEntity, resource, err)
	}
	for _, name := range entity.SortedKeys() {
		f, ok := res.Fields[name]
		if !ok {
			return fmt.Errorf("%w: %s: undeclared field %q", ErrInvalidEntity, resource, name)
		}
		if !f.accepts(entity[name]) {
			return fmt.Errorf("%w: %s.%s: want %s, got %T", ErrInvalidEntity, resource, name, f.Type, entity[name])
		}
	}
	for _, name := range res.FieldNames() {
		f := res.Fields[name]
		if _, ok := entity[name]; !ok && !f.Optional {
			return fmt.Errorf("%w: %s: missing field %q", ErrInvalidEntity, resource, name)
		}
	}
	return nil
}

func (f Field) accepts(v ir.Value) bool {
	switch v.(type) {
	case ir.Null:
		return f.Nullable
	case ir.String:
		return f.Type == TypeString
	case ir.Int:
		return f.Type == TypeInt || f.Type == TypeNumber
	case ir.Float:
		return f.Type == TypeNumber
	case ir.Bool:
		return f.Type == TypeBool
	case ir.Array:
		return f.Type == TypeArray
	case ir.Object:
		return f.Type == TypeObject
	default:
		return false
	}
}

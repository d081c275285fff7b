package schema

import (
	"fmt"
	"slices"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/entsync/internal/ir"
	"github.com/roach88/entsync/internal/querykey"
)

// FieldType is the value type a resource field holds.
type FieldType string

const (
	TypeString FieldType = "string"
	TypeInt    FieldType = "int"
	TypeNumber FieldType = "number"
	TypeBool   FieldType = "bool"
	TypeArray  FieldType = "array"
	TypeObject FieldType = "object"
)

// Field describes one column of a resource.
type Field struct {
	Name     string
	Type     FieldType
	Nullable bool
	Optional bool
}

// Resource is a compiled resource definition.
type Resource struct {
	Name       string
	Fields     map[string]Field
	Order      []querykey.OrderBy
	PageSize   int
	Filterable []string
}

// FieldNames returns the declared field names, sorted.
func (r *Resource) FieldNames() []string {
	names := make([]string, 0, len(r.Fields))
	for name := range r.Fields {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// CanFilter reports whether queries may filter on field. Without an
// explicit filterable list every declared field is filterable.
func (r *Resource) CanFilter(field string) bool {
	if len(r.Filterable) == 0 {
		_, ok := r.Fields[field]
		return ok
	}
	return slices.Contains(r.Filterable, field)
}

// CompileResource parses a CUE value into a Resource. The value is the
// resource struct itself:
//
//	resource: profiles: {
//		fields: {
//			id:        string
//			full_name: string
//			team:      string | null
//			age?:      int
//		}
//		order: ["full_name"]
//		page_size: 20
//		filterable: ["team", "full_name"]
//	}
func CompileResource(v cue.Value) (*Resource, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	res := &Resource{Fields: make(map[string]Field)}
	labels := v.Path().Selectors()
	if len(labels) > 0 {
		res.Name = labels[len(labels)-1].String()
	}

	fieldsVal := v.LookupPath(cue.ParsePath("fields"))
	if !fieldsVal.Exists() {
		return nil, &CompileError{Field: "fields", Message: "fields are required", Pos: v.Pos()}
	}
	iter, err := fieldsVal.Fields(cue.Optional(true))
	if err != nil {
		return nil, formatCUEError(err)
	}
	for iter.Next() {
		f, err := compileField(iter.Label(), iter.Value())
		if err != nil {
			return nil, err
		}
		f.Optional = iter.IsOptional()
		res.Fields[f.Name] = f
	}

	id, ok := res.Fields[ir.IDField]
	if !ok {
		return nil, &CompileError{Field: "fields.id", Message: "an id field is required", Pos: fieldsVal.Pos()}
	}
	if id.Type != TypeString || id.Nullable || id.Optional {
		return nil, &CompileError{Field: "fields.id", Message: "id must be a required string", Pos: fieldsVal.Pos()}
	}

	if res.Order, err = compileOrder(v, res); err != nil {
		return nil, err
	}

	if psVal := v.LookupPath(cue.ParsePath("page_size")); psVal.Exists() {
		n, err := psVal.Int64()
		if err != nil {
			return nil, formatCUEError(err)
		}
		if n <= 0 {
			return nil, &CompileError{Field: "page_size", Message: "page_size must be positive", Pos: psVal.Pos()}
		}
		res.PageSize = int(n)
	}

	if fVal := v.LookupPath(cue.ParsePath("filterable")); fVal.Exists() {
		var names []string
		if err := fVal.Decode(&names); err != nil {
			return nil, formatCUEError(err)
		}
		for _, name := range names {
			if _, ok := res.Fields[name]; !ok {
				return nil, &CompileError{
					Field:   "filterable",
					Message: fmt.Sprintf("unknown field %q", name),
					Pos:     fVal.Pos(),
				}
			}
		}
		slices.Sort(names)
		res.Filterable = slices.Compact(names)
	}

	return res, nil
}

func compileField(name string, v cue.Value) (Field, error) {
	f := Field{Name: name}
	kind := v.IncompleteKind()
	if kind&cue.NullKind != 0 && kind != cue.NullKind {
		f.Nullable = true
		kind &^= cue.NullKind
	}
	switch kind {
	case cue.StringKind:
		f.Type = TypeString
	case cue.IntKind:
		f.Type = TypeInt
	case cue.FloatKind, cue.NumberKind:
		f.Type = TypeNumber
	case cue.BoolKind:
		f.Type = TypeBool
	case cue.ListKind:
		f.Type = TypeArray
	case cue.StructKind:
		f.Type = TypeObject
	default:
		return f, &CompileError{
			Field:   "fields." + name,
			Message: fmt.Sprintf("unsupported type kind: %v", v.IncompleteKind()),
			Pos:     v.Pos(),
		}
	}
	return f, nil
}

// compileOrder reads the default ordering. Terms are "field", "-field",
// "field.asc" or "field.desc".
func compileOrder(v cue.Value, res *Resource) ([]querykey.OrderBy, error) {
	orderVal := v.LookupPath(cue.ParsePath("order"))
	if !orderVal.Exists() {
		return nil, nil
	}
	var terms []string
	if s, err := orderVal.String(); err == nil {
		terms = strings.Split(s, ",")
	} else if err := orderVal.Decode(&terms); err != nil {
		return nil, formatCUEError(err)
	}

	order := make([]querykey.OrderBy, 0, len(terms))
	for _, term := range terms {
		term = strings.TrimSpace(term)
		var o querykey.OrderBy
		switch {
		case strings.HasPrefix(term, "-"):
			o = querykey.OrderBy{Field: term[1:], Desc: true}
		case strings.HasSuffix(term, ".desc"):
			o = querykey.OrderBy{Field: strings.TrimSuffix(term, ".desc"), Desc: true}
		default:
			o = querykey.OrderBy{Field: strings.TrimSuffix(term, ".asc")}
		}
		if _, ok := res.Fields[o.Field]; !ok {
			return nil, &CompileError{
				Field:   "order",
				Message: fmt.Sprintf("unknown field %q", o.Field),
				Pos:     orderVal.Pos(),
			}
		}
		order = append(order, o)
	}
	return order, nil
}

// CompileError is a compilation error with its source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError keeps the position of the first CUE error.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	first := errs[0]
	if positions := errors.Positions(first); len(positions) > 0 {
		return &CompileError{Field: "cue", Message: first.Error(), Pos: positions[0]}
	}
	return err
}

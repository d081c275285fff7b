package querykey

import (
	"fmt"

	"github.com/roach88/entsync/internal/ir"
)

// WindowKind selects the pagination strategy.
type WindowKind string

const (
	WindowNone   WindowKind = ""
	WindowOffset WindowKind = "offset"
	WindowRange  WindowKind = "range"
)

// Window is a pagination window. Offset windows and range windows are
// encoded with their kind, so Offset(0, 10) and Range(0, 9) address the
// same rows but never share a key.
type Window struct {
	Kind WindowKind

	// Offset and Limit apply to WindowOffset. Limit 0 means unbounded.
	Offset int
	Limit  int

	// From and To are inclusive row positions for WindowRange.
	From int
	To   int
}

// Offset returns an offset+limit window.
func Offset(offset, limit int) Window {
	return Window{Kind: WindowOffset, Offset: offset, Limit: limit}
}

// Limit returns the first n rows as an offset window.
func Limit(n int) Window {
	return Offset(0, n)
}

// Range returns an explicit inclusive row range.
func Range(from, to int) Window {
	return Window{Kind: WindowRange, From: from, To: to}
}

// Bounds returns the inclusive row range the window covers. ok is false
// when the window has no upper bound.
func (w Window) Bounds() (from, to int, ok bool) {
	switch w.Kind {
	case WindowOffset:
		if w.Limit == 0 {
			return w.Offset, 0, false
		}
		return w.Offset, w.Offset + w.Limit - 1, true
	case WindowRange:
		return w.From, w.To, true
	default:
		return 0, 0, false
	}
}

// Size is the number of rows the window asks for, or 0 if unbounded.
func (w Window) Size() int {
	from, to, ok := w.Bounds()
	if !ok {
		return 0
	}
	return to - from + 1
}

func (w Window) validate() error {
	switch w.Kind {
	case WindowNone:
		if w.Offset != 0 || w.Limit != 0 || w.From != 0 || w.To != 0 {
			return fmt.Errorf("window: bounds set without a kind")
		}
	case WindowOffset:
		if w.Offset < 0 || w.Limit < 0 {
			return fmt.Errorf("window: negative offset %d or limit %d", w.Offset, w.Limit)
		}
	case WindowRange:
		if w.From < 0 || w.To < w.From {
			return fmt.Errorf("window: invalid range %d-%d", w.From, w.To)
		}
	default:
		return fmt.Errorf("window: unknown kind %q", w.Kind)
	}
	return nil
}

func (w Window) encode() ir.Object {
	switch w.Kind {
	case WindowOffset:
		return ir.Object{
			"kind":   ir.String(w.Kind),
			"offset": ir.Int(w.Offset),
			"limit":  ir.Int(w.Limit),
		}
	case WindowRange:
		return ir.Object{
			"kind": ir.String(w.Kind),
			"from": ir.Int(w.From),
			"to":   ir.Int(w.To),
		}
	}
	return nil
}

func decodeWindow(v ir.Value) (Window, error) {
	obj, ok := v.(ir.Object)
	if !ok {
		return Window{}, fmt.Errorf("window: expected object, got %T", v)
	}
	kind, _ := obj["kind"].(ir.String)
	intField := func(name string) int {
		n, _ := obj[name].(ir.Int)
		return int(n)
	}
	w := Window{Kind: WindowKind(kind)}
	switch w.Kind {
	case WindowOffset:
		w.Offset, w.Limit = intField("offset"), intField("limit")
	case WindowRange:
		w.From, w.To = intField("from"), intField("to")
	}
	return w, w.validate()
}

// OrderBy is one sort term.
type OrderBy struct {
	Field string
	Desc  bool
}

func (o OrderBy) encode() ir.Object {
	return ir.Object{"field": ir.String(o.Field), "desc": ir.Bool(o.Desc)}
}

func decodeOrder(v ir.Value) ([]OrderBy, error) {
	arr, ok := v.(ir.Array)
	if !ok {
		return nil, fmt.Errorf("order: expected array, got %T", v)
	}
	out := make([]OrderBy, 0, len(arr))
	for i, item := range arr {
		obj, ok := item.(ir.Object)
		if !ok {
			return nil, fmt.Errorf("order[%d]: expected object, got %T", i, item)
		}
		field, _ := obj["field"].(ir.String)
		desc, _ := obj["desc"].(ir.Bool)
		if field == "" {
			return nil, fmt.Errorf("order[%d]: missing field", i)
		}
		out = append(out, OrderBy{Field: string(field), Desc: bool(desc)})
	}
	return out, nil
}

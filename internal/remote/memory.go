package remote

import (
	"context"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/roach88/entsync/internal/ir"
	"github.com/roach88/entsync/internal/querykey"
)

// Memory is an in-process Source. Rows keep insertion order unless a spec
// orders them. It is safe for concurrent use.
type Memory struct {
	mu     sync.Mutex
	tables map[string]*memTable
	newID  func() string

	selects int
}

type memTable struct {
	order []string
	rows  map[string]ir.Object
}

// NewMemory creates an empty in-memory source. Inserted rows without an id
// get a random UUID.
func NewMemory() *Memory {
	return &Memory{
		tables: make(map[string]*memTable),
		newID:  func() string { return uuid.NewString() },
	}
}

// WithIDs replaces the id generator used for inserts.
func (m *Memory) WithIDs(next func() string) *Memory {
	m.newID = next
	return m
}

// Seed stores rows as-is, replacing rows with the same id.
func (m *Memory) Seed(resource string, rows ...ir.Object) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range rows {
		id, err := ir.EntityID(row)
		if err != nil {
			return err
		}
		m.putLocked(resource, id, row.Clone())
	}
	return nil
}

// Row returns a copy of one stored row.
func (m *Memory) Row(resource, id string) (ir.Object, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tables[resource]
	if !ok {
		return nil, false
	}
	row, ok := t.rows[id]
	if !ok {
		return nil, false
	}
	return row.Clone(), true
}

// Selects returns how many reads have been served.
func (m *Memory) Selects() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.selects
}

// Select implements Source.
func (m *Memory) Select(ctx context.Context, spec querykey.Spec) (Page, error) {
	if err := ctx.Err(); err != nil {
		return Page{}, NewNetworkError(spec.Resource, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.selects++

	var matched []ir.Object
	if t, ok := m.tables[spec.Resource]; ok {
		for _, id := range t.order {
			row := t.rows[id]
			ok, err := Match(spec, row)
			if err != nil {
				return Page{}, NewServerError(spec.Resource, 400, err.Error())
			}
			if ok {
				matched = append(matched, row.Clone())
			}
		}
	}

	if len(spec.Order) > 0 {
		slices.SortStableFunc(matched, func(a, b ir.Object) int {
			for _, o := range spec.Order {
				c := compareForOrder(a[o.Field], b[o.Field])
				if o.Desc {
					c = -c
				}
				if c != 0 {
					return c
				}
			}
			return 0
		})
	}

	total := len(matched)
	if from, to, ok := spec.Window.Bounds(); ok || spec.Window.Kind == querykey.WindowOffset {
		if !ok {
			to = total - 1
		}
		from = min(from, total)
		to = min(to, total-1)
		if to < from {
			matched = nil
		} else {
			matched = matched[from : to+1]
		}
	}
	return Page{Entities: matched, Total: total}, nil
}

// Insert implements Source.
func (m *Memory) Insert(ctx context.Context, resource string, entity ir.Object) (ir.Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewNetworkError(resource, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	id, err := ir.EntityID(entity)
	if err != nil {
		id = m.newID()
	}
	if t, ok := m.tables[resource]; ok {
		if _, exists := t.rows[id]; exists {
			return nil, NewConflictError(resource, id, "duplicate id")
		}
	}
	row := ir.WithID(entity, id)
	m.putLocked(resource, id, row)
	return row.Clone(), nil
}

// Update implements Source.
func (m *Memory) Update(ctx context.Context, resource, id string, patch ir.Object) (ir.Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewNetworkError(resource, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tables[resource]
	if !ok {
		return nil, NewConflictError(resource, id, "row not found")
	}
	row, ok := t.rows[id]
	if !ok {
		return nil, NewConflictError(resource, id, "row not found")
	}
	next := ir.WithID(ir.Merge(row, patch), id)
	t.rows[id] = next
	return next.Clone(), nil
}

// Delete implements Source.
func (m *Memory) Delete(ctx context.Context, resource, id string) error {
	if err := ctx.Err(); err != nil {
		return NewNetworkError(resource, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tables[resource]; ok {
		if _, exists := t.rows[id]; exists {
			delete(t.rows, id)
			t.order = slices.DeleteFunc(t.order, func(x string) bool { return x == id })
		}
	}
	return nil
}

func (m *Memory) putLocked(resource, id string, row ir.Object) {
	t, ok := m.tables[resource]
	if !ok {
		t = &memTable{rows: make(map[string]ir.Object)}
		m.tables[resource] = t
	}
	if _, exists := t.rows[id]; !exists {
		t.order = append(t.order, id)
	}
	t.rows[id] = row
}

// compareForOrder sorts nulls last, then numbers, strings and booleans.
func compareForOrder(a, b ir.Value) int {
	an, bn := isNull(a), isNull(b)
	switch {
	case an && bn:
		return 0
	case an:
		return 1
	case bn:
		return -1
	}
	if c, ok := compareValues(a, b); ok {
		return c
	}
	ab, aok := a.(ir.Bool)
	bb, bok := b.(ir.Bool)
	if aok && bok && ab != bb {
		if !ab {
			return -1
		}
		return 1
	}
	return 0
}

var _ Source = (*Memory)(nil)
var _ Source = (*HTTPSource)(nil)

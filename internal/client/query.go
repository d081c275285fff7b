package client

import (
	"context"
	"maps"
	"sync"

	"github.com/roach88/entsync/internal/ir"
	"github.com/roach88/entsync/internal/mutate"
	"github.com/roach88/entsync/internal/querykey"
	"github.com/roach88/entsync/internal/store"
)

// Query is a live handle on one cached query.
type Query struct {
	c        *Client
	resource string
	spec     querykey.Spec
	key      querykey.Key
	err      error
	sub      *store.Subscription

	mu    sync.Mutex
	loads []*load
}

type load struct {
	done chan struct{}
	err  error
}

// Entities opens a query over resource. Filters use the flat convention of
// querykey.ParseFilters. An invalid filter map yields a handle whose Error
// reports it.
func (c *Client) Entities(ctx context.Context, resource string, filters map[string]any, cfg Config) *Query {
	return c.open(ctx, resource, filters, cfg)
}

// Entity opens a query for a single entity. With an id the query filters
// on it; without one it is the first row of the filtered query. With
// neither an id nor filters the handle is disabled.
func (c *Client) Entity(ctx context.Context, resource, id string, filters map[string]any, cfg Config) *Query {
	flat := maps.Clone(filters)
	if flat == nil {
		flat = make(map[string]any)
	}
	switch {
	case id != "":
		flat[ir.IDField] = id
	case len(filters) > 0:
		flat["limit"] = 1
	default:
		cfg.Disabled = true
	}
	return c.open(ctx, resource, flat, cfg)
}

func (c *Client) open(ctx context.Context, resource string, filters map[string]any, cfg Config) *Query {
	q := &Query{c: c, resource: resource}
	if cfg.Disabled {
		return q
	}
	spec, err := c.resolve(resource, filters)
	if err != nil {
		q.err = err
		return q
	}
	return c.openSpec(ctx, spec, cfg)
}

func (c *Client) openSpec(ctx context.Context, spec querykey.Spec, cfg Config) *Query {
	q := &Query{c: c, resource: spec.Resource, spec: spec}
	key, err := c.fetcher.Register(spec, c.fetchFn)
	if err != nil {
		q.err = err
		return q
	}
	q.key = key
	q.sub = c.store.Subscribe(key, spec.Resource)

	slot, _ := c.store.Get(key)
	if !slot.Meta.Fetched || slot.Meta.Stale || cfg.RevalidateOnMount {
		q.revalidate(ctx)
	}
	return q
}

// revalidate starts a background load. The load outlives ctx's
// cancellation only as far as the fetch orchestrator allows.
func (q *Query) revalidate(ctx context.Context) {
	l := &load{done: make(chan struct{})}
	q.mu.Lock()
	q.loads = append(q.loads, l)
	q.mu.Unlock()

	go func() {
		defer close(l.done)
		_, l.err = q.c.fetcher.Revalidate(ctx, q.key)
	}()
}

// Wait blocks until every background load started so far has finished,
// and returns the first load error.
func (q *Query) Wait(ctx context.Context) error {
	q.mu.Lock()
	loads := q.loads
	q.loads = nil
	q.mu.Unlock()

	var first error
	for i, l := range loads {
		select {
		case <-l.done:
			if l.err != nil && first == nil {
				first = l.err
			}
		case <-ctx.Done():
			q.mu.Lock()
			q.loads = append(loads[i:], q.loads...)
			q.mu.Unlock()
			return ctx.Err()
		}
	}
	return first
}

func (q *Query) inflight() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, l := range q.loads {
		select {
		case <-l.done:
		default:
			return true
		}
	}
	return false
}

// Key returns the query's cache key. It is empty for disabled or invalid
// queries.
func (q *Query) Key() querykey.Key { return q.key }

// Resource returns the queried resource.
func (q *Query) Resource() string { return q.resource }

// Enabled reports whether the handle is backed by a cache slot.
func (q *Query) Enabled() bool { return q.sub != nil }

func (q *Query) slot() (store.Slot, bool) {
	if q.sub == nil {
		return store.Slot{}, false
	}
	return q.c.store.Get(q.key)
}

// Data returns the current rows, nil before the first result.
func (q *Query) Data() []ir.Object {
	if q.sub == nil {
		return nil
	}
	rows, ok := q.c.store.Resolve(q.key)
	if !ok {
		return nil
	}
	return rows
}

// First returns the first row. Single-entity handles use it as their data.
func (q *Query) First() (ir.Object, bool) {
	rows := q.Data()
	if len(rows) == 0 {
		return nil, false
	}
	return rows[0], true
}

// Total returns the row count reported by the source, or
// store.UnknownTotal.
func (q *Query) Total() int {
	slot, ok := q.slot()
	if !ok {
		return store.UnknownTotal
	}
	return slot.Meta.Total
}

// IsLoading is true until the first result lands.
func (q *Query) IsLoading() bool {
	slot, ok := q.slot()
	if !ok {
		return false
	}
	return !slot.Meta.Fetched && (slot.Meta.Loading || q.inflight())
}

// IsValidating is true while any request for the query is in flight.
func (q *Query) IsValidating() bool {
	slot, ok := q.slot()
	if !ok {
		return false
	}
	return slot.Meta.Loading || slot.Meta.Validating || q.inflight()
}

// Error returns the filter error, or the error of the last failed fetch.
func (q *Query) Error() error {
	if q.err != nil {
		return q.err
	}
	slot, ok := q.slot()
	if !ok {
		return nil
	}
	return slot.Meta.Err
}

// Stale reports whether a write may have changed the query's membership.
func (q *Query) Stale() bool {
	slot, ok := q.slot()
	return ok && slot.Meta.Stale
}

// Changes signals after anything the query resolves to changed. Signals
// coalesce; re-read Data on every wakeup. A disabled handle never signals.
func (q *Query) Changes() <-chan struct{} {
	if q.sub == nil {
		return nil
	}
	return q.sub.C()
}

// Mutate revalidates the query and waits for the result.
func (q *Query) Mutate(ctx context.Context) error {
	if q.err != nil {
		return q.err
	}
	if q.sub == nil {
		return nil
	}
	_, err := q.c.fetcher.Revalidate(ctx, q.key)
	return err
}

// CreateEntity creates an entity and shows it in this query immediately.
func (q *Query) CreateEntity(ctx context.Context, entity ir.Object) mutate.Result {
	var into []querykey.Key
	if q.sub != nil {
		into = append(into, q.key)
	}
	return q.c.engine.Create(ctx, q.resource, entity, into...)
}

// UpdateEntity merges patch onto the entity with id.
func (q *Query) UpdateEntity(ctx context.Context, id string, patch ir.Object) mutate.Result {
	return q.c.engine.Update(ctx, q.resource, id, patch)
}

// DeleteEntity deletes the entity with id.
func (q *Query) DeleteEntity(ctx context.Context, id string) mutate.Result {
	return q.c.engine.Delete(ctx, q.resource, id)
}

// Close unsubscribes. The slot stays cached in the retention list.
func (q *Query) Close() {
	if q.sub != nil {
		q.sub.Close()
	}
}

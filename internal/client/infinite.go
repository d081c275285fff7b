package client

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/entsync/internal/ir"
	"github.com/roach88/entsync/internal/mutate"
	"github.com/roach88/entsync/internal/querykey"
	"github.com/roach88/entsync/internal/store"
)

// Infinite is a paginated query. Page i is the offset window
// [i*pageSize, (i+1)*pageSize) and is cached under its own key, so pages
// are shared with any plain query over the same window.
type Infinite struct {
	c        *Client
	base     querykey.Spec
	pageSize int
	cfg      Config
	err      error
	changes  chan struct{}

	mu    sync.Mutex
	pages []*page
}

type page struct {
	q    *Query
	stop chan struct{}
}

// InfiniteEntities opens a paginated query with one page. A "limit" in
// filters sets the page size unless cfg.PageSize does.
func (c *Client) InfiniteEntities(ctx context.Context, resource string, filters map[string]any, cfg Config) *Infinite {
	inf := &Infinite{c: c, cfg: cfg, changes: make(chan struct{}, 1)}
	if cfg.Disabled {
		inf.base = querykey.Spec{Resource: resource}
		return inf
	}
	spec, err := c.resolve(resource, filters)
	if err != nil {
		inf.err = err
		inf.base = querykey.Spec{Resource: resource}
		return inf
	}

	inf.pageSize = cfg.PageSize
	if inf.pageSize <= 0 && spec.Window.Kind == querykey.WindowOffset {
		inf.pageSize = spec.Window.Limit
	}
	if inf.pageSize <= 0 && c.resolver != nil {
		inf.pageSize = c.resolver.PageSize(resource)
	}
	if inf.pageSize <= 0 {
		inf.pageSize = c.pageSize
	}
	spec.Window = querykey.Window{}
	inf.base = spec

	inf.SetSize(ctx, 1)
	return inf
}

// Resource returns the queried resource.
func (inf *Infinite) Resource() string { return inf.base.Resource }

// Size returns the number of pages.
func (inf *Infinite) Size() int {
	inf.mu.Lock()
	defer inf.mu.Unlock()
	return len(inf.pages)
}

// PageSize returns the number of rows per page.
func (inf *Infinite) PageSize() int { return inf.pageSize }

// SetSize grows or shrinks the query to n pages. New pages load in the
// background; dropped pages stay cached in the retention list.
func (inf *Infinite) SetSize(ctx context.Context, n int) {
	if inf.err != nil || inf.cfg.Disabled {
		return
	}
	n = max(n, 1)

	inf.mu.Lock()
	defer inf.mu.Unlock()
	for len(inf.pages) > n {
		last := inf.pages[len(inf.pages)-1]
		close(last.stop)
		last.q.Close()
		inf.pages = inf.pages[:len(inf.pages)-1]
	}
	for i := len(inf.pages); i < n; i++ {
		spec := inf.base.WithWindow(querykey.Offset(i*inf.pageSize, inf.pageSize))
		q := inf.c.openSpec(ctx, spec, inf.cfg)
		p := &page{q: q, stop: make(chan struct{})}
		if q.sub != nil {
			go inf.forward(q.sub.C(), p.stop)
		}
		inf.pages = append(inf.pages, p)
	}
	inf.notify()
}

func (inf *Infinite) forward(src <-chan struct{}, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-src:
			inf.notify()
		}
	}
}

func (inf *Infinite) notify() {
	select {
	case inf.changes <- struct{}{}:
	default:
	}
}

func (inf *Infinite) snapshot() []*Query {
	inf.mu.Lock()
	defer inf.mu.Unlock()
	out := make([]*Query, len(inf.pages))
	for i, p := range inf.pages {
		out[i] = p.q
	}
	return out
}

// Data returns the rows of every page in order. A row that shifted onto a
// later page since it was fetched is listed once.
func (inf *Infinite) Data() []ir.Object {
	pages := inf.snapshot()
	if len(pages) == 0 {
		return nil
	}
	var out []ir.Object
	seen := make(map[string]bool)
	for _, q := range pages {
		for _, row := range q.Data() {
			id, err := ir.EntityID(row)
			if err == nil {
				if seen[id] {
					continue
				}
				seen[id] = true
			}
			out = append(out, row)
		}
	}
	return out
}

// Pages returns the rows of each page separately.
func (inf *Infinite) Pages() [][]ir.Object {
	pages := inf.snapshot()
	out := make([][]ir.Object, len(pages))
	for i, q := range pages {
		out[i] = q.Data()
	}
	return out
}

// HasMore reports whether another page may exist. It uses the total when
// the source reports one, and otherwise whether the last page is full.
func (inf *Infinite) HasMore() bool {
	pages := inf.snapshot()
	if len(pages) == 0 {
		return false
	}
	last := pages[len(pages)-1]
	slot, ok := last.slot()
	if !ok || !slot.Meta.Fetched {
		return true
	}
	if slot.Meta.Total != store.UnknownTotal {
		return len(pages)*inf.pageSize < slot.Meta.Total
	}
	return len(slot.IDs) >= inf.pageSize
}

// IsLoading is true while any page has not loaded yet.
func (inf *Infinite) IsLoading() bool {
	for _, q := range inf.snapshot() {
		if q.IsLoading() {
			return true
		}
	}
	return false
}

// IsValidating is true while any page request is in flight.
func (inf *Infinite) IsValidating() bool {
	for _, q := range inf.snapshot() {
		if q.IsValidating() {
			return true
		}
	}
	return false
}

// Error returns the first page error.
func (inf *Infinite) Error() error {
	if inf.err != nil {
		return inf.err
	}
	for _, q := range inf.snapshot() {
		if err := q.Error(); err != nil {
			return err
		}
	}
	return nil
}

// Wait blocks until the background loads of every page have finished.
func (inf *Infinite) Wait(ctx context.Context) error {
	var first error
	for _, q := range inf.snapshot() {
		if err := q.Wait(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Changes signals after any page changed or the size changed.
func (inf *Infinite) Changes() <-chan struct{} {
	return inf.changes
}

// Mutate revalidates every page concurrently.
func (inf *Infinite) Mutate(ctx context.Context) error {
	if inf.err != nil {
		return inf.err
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, q := range inf.snapshot() {
		g.Go(func() error { return q.Mutate(ctx) })
	}
	return g.Wait()
}

// CreateEntity creates an entity and shows it on the first page.
func (inf *Infinite) CreateEntity(ctx context.Context, entity ir.Object) mutate.Result {
	pages := inf.snapshot()
	if len(pages) == 0 {
		return inf.c.engine.Create(ctx, inf.base.Resource, entity)
	}
	return pages[0].CreateEntity(ctx, entity)
}

// UpdateEntity merges patch onto the entity with id.
func (inf *Infinite) UpdateEntity(ctx context.Context, id string, patch ir.Object) mutate.Result {
	return inf.c.engine.Update(ctx, inf.base.Resource, id, patch)
}

// DeleteEntity deletes the entity with id.
func (inf *Infinite) DeleteEntity(ctx context.Context, id string) mutate.Result {
	return inf.c.engine.Delete(ctx, inf.base.Resource, id)
}

// Close closes every page.
func (inf *Infinite) Close() {
	inf.mu.Lock()
	defer inf.mu.Unlock()
	for _, p := range inf.pages {
		close(p.stop)
		p.q.Close()
	}
	inf.pages = nil
}

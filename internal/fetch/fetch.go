// Package fetch loads query results into the entity store.
//
// At most one request per query key is in flight at a time. Concurrent
// callers for the same key share it; each caller may stop waiting on its
// own context without cancelling the shared request, whose result still
// lands in the store for everyone else.
//
// Every request takes a sequence number from the store clock when it is
// issued. Entities are written through the reconciler at that seq, so a
// response that was in flight while a newer local write landed cannot
// overwrite it. Rows of an entity with a mutation in flight, or one that
// settled after the request was issued, keep the mutation's value and the
// slot is flagged stale. A slot result older than the slot's current one is
// dropped.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/roach88/entsync/internal/ir"
	"github.com/roach88/entsync/internal/querykey"
	"github.com/roach88/entsync/internal/reconcile"
	"github.com/roach88/entsync/internal/remote"
	"github.com/roach88/entsync/internal/store"
)

// DefaultConcurrency bounds the requests issued by RevalidateAll and
// RevalidateStale.
const DefaultConcurrency = 4

// ErrNotRegistered is returned by Revalidate for a key that was never loaded.
var ErrNotRegistered = errors.New("fetch: key not registered")

// Func performs the remote read for a spec.
type Func func(ctx context.Context, spec querykey.Spec) (remote.Page, error)

// FromSource adapts a remote source's Select as a Func.
func FromSource(src remote.Source) Func {
	return src.Select
}

type registration struct {
	spec querykey.Spec
	fn   Func
}

// Orchestrator deduplicates and lands fetches. It is safe for concurrent use.
type Orchestrator struct {
	rec         *reconcile.Reconciler
	store       *store.Store
	logger      *slog.Logger
	concurrency int

	group singleflight.Group

	mu       sync.Mutex
	registry map[querykey.Key]registration
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithConcurrency sets how many revalidations RevalidateAll runs at once.
func WithConcurrency(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// WithLogger sets the logger. The store's logger is used by default.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// New creates an Orchestrator writing through rec.
func New(rec *reconcile.Reconciler, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		rec:         rec,
		store:       rec.Store(),
		logger:      rec.Store().Logger(),
		concurrency: DefaultConcurrency,
		registry:    make(map[querykey.Key]registration),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Register records the fetch function for spec so the key can later be
// revalidated by key alone. Load registers implicitly.
func (o *Orchestrator) Register(spec querykey.Spec, fn Func) (querykey.Key, error) {
	key, err := querykey.Encode(spec)
	if err != nil {
		return "", err
	}
	o.mu.Lock()
	o.registry[key] = registration{spec: spec.Clone(), fn: fn}
	o.mu.Unlock()
	return key, nil
}

// Registered reports whether key has a fetch function.
func (o *Orchestrator) Registered(key querykey.Key) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.registry[key]
	return ok
}

// Load fetches spec unless a fetch for the same key is already running, in
// which case it waits for that one.
//
// On failure the previous slot contents are kept, the error is recorded in
// the slot metadata and returned together with the slot. When ctx ends
// first, Load returns the slot as it is and ctx's error.
func (o *Orchestrator) Load(ctx context.Context, spec querykey.Spec, fn Func) (store.Slot, error) {
	key, err := o.Register(spec, fn)
	if err != nil {
		return store.Slot{}, err
	}
	return o.load(ctx, key, spec, fn)
}

func (o *Orchestrator) load(ctx context.Context, key querykey.Key, spec querykey.Spec, fn Func) (store.Slot, error) {
	shared := context.WithoutCancel(ctx)
	ch := o.group.DoChan(string(key), func() (any, error) {
		return o.run(shared, key, spec, fn)
	})

	select {
	case res := <-ch:
		slot, _ := res.Val.(store.Slot)
		if res.Shared {
			o.logger.Debug("joined in-flight fetch",
				"event", "fetch_shared",
				"key", key.Hash(),
			)
		}
		return slot, res.Err
	case <-ctx.Done():
		slot, _ := o.store.Get(key)
		return slot, ctx.Err()
	}
}

func (o *Orchestrator) run(ctx context.Context, key querykey.Key, spec querykey.Spec, fn Func) (store.Slot, error) {
	seq := o.store.Clock().Next()
	o.store.UpdateMeta(key, spec.Resource, func(m *store.Meta) {
		if m.Fetched {
			m.Validating = true
		} else {
			m.Loading = true
		}
	})
	o.logger.Debug("fetch started",
		"event", "fetch_start",
		"key", key.Hash(),
		"resource", spec.Resource,
		"seq", seq,
	)

	page, err := fn(ctx, spec)
	if err == nil {
		err = o.land(key, spec.Resource, page, seq)
	}
	if err != nil {
		o.store.UpdateMeta(key, spec.Resource, func(m *store.Meta) {
			m.Loading = false
			m.Validating = false
			if seq >= m.Seq {
				m.Err = err
			}
		})
		o.logger.Warn("fetch failed",
			"event", "fetch_failed",
			"key", key.Hash(),
			"resource", spec.Resource,
			"seq", seq,
			"error", err,
		)
		slot, _ := o.store.Get(key)
		return slot, fmt.Errorf("fetch %s: %w", spec.Resource, err)
	}

	slot, _ := o.store.Get(key)
	return slot, nil
}

// land writes the page's entities through the reconciler and replaces the
// slot's id list. Entities that lose to a later local write keep their
// place in the list with the newer value, and rows deleted since the
// request was issued are left out. If a mutation held any row back, the
// slot is flagged stale so it is read again once the mutation settled.
func (o *Orchestrator) land(key querykey.Key, resource string, page remote.Page, seq int64) error {
	ids := make([]string, 0, len(page.Entities))
	held := 0
	for _, entity := range page.Entities {
		id, err := ir.EntityID(entity)
		if err != nil {
			return remote.NewServerError(resource, 200, err.Error())
		}
		ch, err := o.rec.PropagateFetched(resource, entity, seq)
		if err != nil {
			return err
		}
		if ch.Deleted {
			continue
		}
		if ch.Held {
			held++
		}
		ids = append(ids, id)
	}
	total := page.Total
	if total < 0 {
		total = store.UnknownTotal
	}
	if !o.store.Land(key, resource, ids, total, seq) {
		return nil
	}
	if held > 0 {
		o.store.MarkStale(key)
	}
	o.logger.Debug("fetch landed",
		"event", "fetch_landed",
		"key", key.Hash(),
		"resource", resource,
		"seq", seq,
		"rows", len(ids),
		"held", held,
	)
	return nil
}

// Revalidate re-runs the registered fetch for key through the same
// single-flight path as Load.
func (o *Orchestrator) Revalidate(ctx context.Context, key querykey.Key) (store.Slot, error) {
	o.mu.Lock()
	reg, ok := o.registry[key]
	o.mu.Unlock()
	if !ok {
		return store.Slot{}, fmt.Errorf("%w: %s", ErrNotRegistered, key.Hash())
	}
	return o.load(ctx, key, reg.spec, reg.fn)
}

// RevalidateAll revalidates every subscribed slot of resource, or of all
// resources when resource is empty. It is the focus and reconnect trigger.
// All revalidations run to completion; the first error is returned.
func (o *Orchestrator) RevalidateAll(ctx context.Context, resource string) error {
	return o.revalidateWhere(ctx, resource, func(s store.Slot) bool {
		return s.Subscribers > 0
	})
}

// RevalidateStale revalidates every slot the reconciler flagged as stale.
func (o *Orchestrator) RevalidateStale(ctx context.Context) error {
	return o.revalidateWhere(ctx, "", func(s store.Slot) bool {
		return s.Meta.Stale
	})
}

func (o *Orchestrator) revalidateWhere(ctx context.Context, resource string, pred func(store.Slot) bool) error {
	var keys []querykey.Key
	for _, key := range o.store.Keys(resource) {
		slot, ok := o.store.Get(key)
		if ok && pred(slot) && o.Registered(key) {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)

	var g errgroup.Group
	g.SetLimit(o.concurrency)
	for _, key := range keys {
		g.Go(func() error {
			_, err := o.Revalidate(ctx, key)
			return err
		})
	}
	return g.Wait()
}

// Prefetch loads spec into the cache without subscribing to it. The slot
// goes straight to the warm retention list.
func (o *Orchestrator) Prefetch(ctx context.Context, spec querykey.Spec, fn Func) error {
	_, err := o.Load(ctx, spec, fn)
	return err
}

// Forget drops the registration for key. A later Revalidate of key fails
// with ErrNotRegistered until it is loaded again.
func (o *Orchestrator) Forget(key querykey.Key) {
	o.mu.Lock()
	delete(o.registry, key)
	o.mu.Unlock()
	o.group.Forget(string(key))
}

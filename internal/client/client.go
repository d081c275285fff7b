// Package client is the consumer-facing surface of the cache.
//
// A Client wires one entity store to a remote source: the fetch
// orchestrator, the mutation engine and, optionally, snapshot persistence.
// Consumers open Query and Infinite handles. A handle subscribes to its
// slot, loads it in the background when the cache cannot answer, and
// signals on Changes whenever anything it resolves to changes, whether by
// fetch, local mutation or realtime delta.
package client

import (
	"context"
	"log/slog"
	"time"

	"github.com/roach88/entsync/internal/fetch"
	"github.com/roach88/entsync/internal/mutate"
	"github.com/roach88/entsync/internal/persist"
	"github.com/roach88/entsync/internal/querykey"
	"github.com/roach88/entsync/internal/reconcile"
	"github.com/roach88/entsync/internal/remote"
	"github.com/roach88/entsync/internal/store"
)

// DefaultPageSize is the infinite-query page size when nothing else sets one.
const DefaultPageSize = 20

// Resolver adjusts parsed query specs before they are encoded, for example
// by applying per-resource defaults or rejecting unknown filter fields.
type Resolver interface {
	Resolve(spec querykey.Spec) (querykey.Spec, error)

	// PageSize returns the resource's default page size, or 0.
	PageSize(resource string) int
}

// Config holds per-query settings.
type Config struct {
	// Disabled queries never subscribe or fetch. Their data is always nil.
	Disabled bool

	// RevalidateOnMount fetches even when the cache already holds a result.
	RevalidateOnMount bool

	// PageSize overrides the page size of an infinite query.
	PageSize int
}

// Client is the entry point for consumers.
type Client struct {
	store    *store.Store
	rec      *reconcile.Reconciler
	fetcher  *fetch.Orchestrator
	engine   *mutate.Engine
	fetchFn  fetch.Func
	adapter  *persist.Adapter
	resolver Resolver
	pageSize int
	logger   *slog.Logger
}

type options struct {
	logger      *slog.Logger
	concurrency int
	ids         func() string
	storage     persist.Storage
	interval    time.Duration
	resolver    Resolver
	pageSize    int
}

// Option configures a Client.
type Option func(*options)

// WithLogger sets the logger for the client and everything it creates.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithConcurrency bounds bulk revalidation.
func WithConcurrency(n int) Option {
	return func(o *options) { o.concurrency = n }
}

// WithIDs sets the temporary id generator for optimistic creates.
func WithIDs(next func() string) Option {
	return func(o *options) { o.ids = next }
}

// WithStorage enables snapshot persistence to storage every interval.
func WithStorage(storage persist.Storage, interval time.Duration) Option {
	return func(o *options) {
		o.storage = storage
		o.interval = interval
	}
}

// WithResolver installs a spec resolver, usually a schema registry.
func WithResolver(r Resolver) Option {
	return func(o *options) { o.resolver = r }
}

// WithPageSize sets the default page size of infinite queries.
func WithPageSize(n int) Option {
	return func(o *options) { o.pageSize = n }
}

// New creates a Client over s that loads from src.
func New(s *store.Store, src remote.Source, opts ...Option) *Client {
	o := options{logger: s.Logger(), pageSize: DefaultPageSize}
	for _, opt := range opts {
		opt(&o)
	}

	rec := reconcile.New(s)
	fetchOpts := []fetch.Option{fetch.WithLogger(o.logger)}
	if o.concurrency > 0 {
		fetchOpts = append(fetchOpts, fetch.WithConcurrency(o.concurrency))
	}
	mutOpts := []mutate.Option{mutate.WithLogger(o.logger)}
	if o.ids != nil {
		mutOpts = append(mutOpts, mutate.WithIDs(o.ids))
	}

	c := &Client{
		store:    s,
		rec:      rec,
		fetcher:  fetch.New(rec, fetchOpts...),
		engine:   mutate.New(rec, src, mutOpts...),
		fetchFn:  fetch.FromSource(src),
		resolver: o.resolver,
		pageSize: o.pageSize,
		logger:   o.logger,
	}
	if o.storage != nil {
		c.adapter = persist.New(s, o.storage, persist.WithInterval(o.interval), persist.WithLogger(o.logger))
	}
	return c
}

// Store returns the entity store.
func (c *Client) Store() *store.Store { return c.store }

// Reconciler returns the reconciler shared by every writer, for wiring a
// realtime merger.
func (c *Client) Reconciler() *reconcile.Reconciler { return c.rec }

// Fetcher returns the fetch orchestrator.
func (c *Client) Fetcher() *fetch.Orchestrator { return c.fetcher }

// Mutations returns the mutation engine, for registering commit hooks.
func (c *Client) Mutations() *mutate.Engine { return c.engine }

// Persistence returns the persistence adapter, or nil without storage.
func (c *Client) Persistence() *persist.Adapter { return c.adapter }

// Restore loads the stored snapshot, if persistence is enabled. Call it
// before opening queries so they can be answered from the snapshot.
func (c *Client) Restore(ctx context.Context) error {
	if c.adapter == nil {
		return nil
	}
	return c.adapter.Load(ctx)
}

// Run saves snapshots until ctx ends and flushes once more on the way out.
// Without persistence it just waits for ctx.
func (c *Client) Run(ctx context.Context) error {
	if c.adapter == nil {
		<-ctx.Done()
		return nil
	}
	return c.adapter.Run(ctx)
}

// ClearCache drops every cached entity and slot, and the stored snapshot.
// Open handles stay subscribed and see empty results until revalidated.
func (c *Client) ClearCache(ctx context.Context) error {
	if c.adapter != nil {
		return c.adapter.Clear(ctx)
	}
	c.store.Clear()
	c.logger.Info("cache cleared", "event", "cache_cleared")
	return nil
}

// RevalidateAll refetches every open query of resource, or of every
// resource when resource is empty. Call it on focus or reconnect.
func (c *Client) RevalidateAll(ctx context.Context, resource string) error {
	return c.fetcher.RevalidateAll(ctx, resource)
}

// RevalidateStale refetches slots whose membership may have changed.
func (c *Client) RevalidateStale(ctx context.Context) error {
	return c.fetcher.RevalidateStale(ctx)
}

// Prefetch loads a query into the cache without opening a handle.
func (c *Client) Prefetch(ctx context.Context, resource string, filters map[string]any) error {
	spec, err := c.resolve(resource, filters)
	if err != nil {
		return err
	}
	return c.fetcher.Prefetch(ctx, spec, c.fetchFn)
}

// Key returns the cache key a query with these filters would use.
func (c *Client) Key(resource string, filters map[string]any) (querykey.Key, error) {
	spec, err := c.resolve(resource, filters)
	if err != nil {
		return "", err
	}
	return querykey.Encode(spec)
}

func (c *Client) resolve(resource string, filters map[string]any) (querykey.Spec, error) {
	spec, err := querykey.ParseFilters(resource, filters)
	if err != nil {
		return querykey.Spec{}, err
	}
	if c.resolver != nil {
		return c.resolver.Resolve(spec)
	}
	return spec, nil
}

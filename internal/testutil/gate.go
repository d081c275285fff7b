package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/roach88/entsync/internal/ir"
	"github.com/roach88/entsync/internal/querykey"
	"github.com/roach88/entsync/internal/remote"
)

// WaitTimeout bounds how long NextCall waits for a call to arrive.
const WaitTimeout = 2 * time.Second

// Call is one remote operation held by a GatedSource until the test
// releases or fails it.
type Call struct {
	Op       string
	Resource string
	ID       string
	Spec     querykey.Spec
	Entity   ir.Object

	release chan error
	once    sync.Once
}

// Release lets the call reach the wrapped source.
func (c *Call) Release() { c.finish(nil) }

// Fail makes the call return err without reaching the wrapped source.
func (c *Call) Fail(err error) { c.finish(err) }

func (c *Call) finish(err error) {
	c.once.Do(func() {
		c.release <- err
		close(c.release)
	})
}

// GatedSource wraps a remote.Source and parks every call until the test
// releases it. Tests use it to decide the order in which concurrent remote
// responses complete.
//
// Thread-safety: All methods are safe for concurrent use.
type GatedSource struct {
	inner   remote.Source
	arrived chan *Call

	mu    sync.Mutex
	calls map[string]int
}

// NewGatedSource wraps inner.
func NewGatedSource(inner remote.Source) *GatedSource {
	return &GatedSource{
		inner:   inner,
		arrived: make(chan *Call, 256),
		calls:   make(map[string]int),
	}
}

// NextCall returns the next call to arrive, failing the test after
// WaitTimeout.
func (g *GatedSource) NextCall(t testing.TB) *Call {
	t.Helper()
	select {
	case c := <-g.arrived:
		return c
	case <-time.After(WaitTimeout):
		t.Fatalf("no remote call arrived within %s", WaitTimeout)
		return nil
	}
}

// Calls returns how many calls of op have arrived.
func (g *GatedSource) Calls(op string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[op]
}

func (g *GatedSource) hold(ctx context.Context, c *Call) error {
	c.release = make(chan error, 1)
	g.mu.Lock()
	g.calls[c.Op]++
	g.mu.Unlock()
	g.arrived <- c
	select {
	case err := <-c.release:
		return err
	case <-ctx.Done():
		return remote.NewNetworkError(c.Resource, ctx.Err())
	}
}

// Select implements remote.Source.
func (g *GatedSource) Select(ctx context.Context, spec querykey.Spec) (remote.Page, error) {
	if err := g.hold(ctx, &Call{Op: "select", Resource: spec.Resource, Spec: spec}); err != nil {
		return remote.Page{}, err
	}
	return g.inner.Select(ctx, spec)
}

// Insert implements remote.Source.
func (g *GatedSource) Insert(ctx context.Context, resource string, entity ir.Object) (ir.Object, error) {
	id, _ := ir.EntityID(entity)
	if err := g.hold(ctx, &Call{Op: "insert", Resource: resource, ID: id, Entity: entity}); err != nil {
		return nil, err
	}
	return g.inner.Insert(ctx, resource, entity)
}

// Update implements remote.Source.
func (g *GatedSource) Update(ctx context.Context, resource, id string, patch ir.Object) (ir.Object, error) {
	if err := g.hold(ctx, &Call{Op: "update", Resource: resource, ID: id, Entity: patch}); err != nil {
		return nil, err
	}
	return g.inner.Update(ctx, resource, id, patch)
}

// Delete implements remote.Source.
func (g *GatedSource) Delete(ctx context.Context, resource, id string) error {
	if err := g.hold(ctx, &Call{Op: "delete", Resource: resource, ID: id}); err != nil {
		return err
	}
	return g.inner.Delete(ctx, resource, id)
}

var _ remote.Source = (*GatedSource)(nil)

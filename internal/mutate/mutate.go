// Package mutate applies optimistic create, update and delete operations.
//
// A mutation runs in two phases. The optimistic phase takes a sequence
// number from the store clock, writes the predicted value through the
// reconciler and pins the entity; it is serialized per id, so a second
// mutation of the same id waits for the first one's optimistic write but
// not for its network round trip. The remote phase performs the call and
// then either commits the server's answer at the mutation's seq or rolls
// the entity back to the value captured before the optimistic write.
//
// The seq decides every race. A late response whose seq is below the
// entity's last applied seq is discarded, and a rollback is skipped when
// a later write has landed. Fetched rows never overwrite a pinned entity,
// and Unpin takes a fresh seq so that reads issued
// while the mutation was in flight stay discarded. A committed delete
// records a seq taken at commit time, so neither an earlier mutation's
// response nor an earlier read can bring the row back.
package mutate

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/roach88/entsync/internal/ir"
	"github.com/roach88/entsync/internal/querykey"
	"github.com/roach88/entsync/internal/reconcile"
	"github.com/roach88/entsync/internal/remote"
	"github.com/roach88/entsync/internal/store"
)

// Kind is the mutation operation.
type Kind string

const (
	KindCreate Kind = "create"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

// State is the resolution state of a mutation.
type State string

const (
	StatePending    State = "pending"
	StateCommitted  State = "committed"
	StateRolledBack State = "rolled_back"
)

// ErrInvalidRequest is returned for requests missing a resource or id.
var ErrInvalidRequest = errors.New("mutate: invalid request")

// errNotCached skips the optimistic phase for entities the store does not
// hold.
var errNotCached = errors.New("entity not cached")

// Request describes one mutation.
type Request struct {
	Kind     Kind
	Resource string

	// ID targets updates and deletes. For creates it is optional; a
	// temporary id is generated and remapped once the server answers.
	ID string

	// Patch is the update merged onto the entity, or the new entity for a
	// create. It is what the remote source receives.
	Patch ir.Object

	// Optimistic, when set, is shown instead of the value computed from
	// Patch until the server answers.
	Optimistic ir.Object

	// Into lists slots a created entity is appended to while it is pending.
	Into []querykey.Key
}

// Result is the outcome of a mutation. Data is the server's representation
// of the entity; it is nil for deletes and on error.
type Result struct {
	Data ir.Object
	Err  error
}

// Pending describes an in-flight mutation.
type Pending struct {
	Seq      int64
	Kind     Kind
	Resource string
	ID       string
	Patch    ir.Object
	Previous store.Record
	State    State
}

// Commit is passed to commit hooks after the server accepted a mutation.
type Commit struct {
	Seq      int64
	Kind     Kind
	Resource string
	ID       string

	// Entity is the server representation; nil for deletes.
	Entity ir.Object
}

// Engine runs mutations against a remote source.
type Engine struct {
	rec    *reconcile.Reconciler
	store  *store.Store
	src    remote.Source
	logger *slog.Logger
	newID  func() string
	locks  *keyedMutex

	mu      sync.Mutex
	pending map[int64]*Pending
	hooks   []func(Commit)
}

// Option configures an Engine.
type Option func(*Engine)

// WithIDs sets the generator for temporary create ids. Random UUIDs are
// used by default.
func WithIDs(next func() string) Option {
	return func(e *Engine) {
		if next != nil {
			e.newID = next
		}
	}
}

// WithLogger sets the logger. The store's logger is used by default.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithCommitHook registers fn to run after every committed mutation.
func WithCommitHook(fn func(Commit)) Option {
	return func(e *Engine) {
		e.hooks = append(e.hooks, fn)
	}
}

// New creates an Engine writing through rec and calling src.
func New(rec *reconcile.Reconciler, src remote.Source, opts ...Option) *Engine {
	e := &Engine{
		rec:     rec,
		store:   rec.Store(),
		src:     src,
		logger:  rec.Store().Logger(),
		newID:   func() string { return "tmp-" + uuid.NewString() },
		locks:   newKeyedMutex(),
		pending: make(map[int64]*Pending),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// OnCommit registers fn to run after every committed mutation. Hooks run
// on the mutating goroutine after the store has been updated.
func (e *Engine) OnCommit(fn func(Commit)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hooks = append(e.hooks, fn)
}

// Pending returns the in-flight mutations ordered by seq.
func (e *Engine) Pending() []Pending {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Pending, 0, len(e.pending))
	for _, p := range e.pending {
		cp := *p
		cp.Patch = p.Patch.Clone()
		out = append(out, cp)
	}
	slices.SortFunc(out, func(a, b Pending) int { return cmp.Compare(a.Seq, b.Seq) })
	return out
}

// Create inserts entity. When it carries no id a temporary one is used
// until the server assigns the real id. The entity is appended to the
// slots in into while pending.
func (e *Engine) Create(ctx context.Context, resource string, entity ir.Object, into ...querykey.Key) Result {
	id, _ := ir.EntityID(entity)
	return e.Mutate(ctx, Request{Kind: KindCreate, Resource: resource, ID: id, Patch: entity, Into: into})
}

// Update merges patch onto the entity with id.
func (e *Engine) Update(ctx context.Context, resource, id string, patch ir.Object) Result {
	return e.Mutate(ctx, Request{Kind: KindUpdate, Resource: resource, ID: id, Patch: patch})
}

// Delete removes the entity with id.
func (e *Engine) Delete(ctx context.Context, resource, id string) Result {
	return e.Mutate(ctx, Request{Kind: KindDelete, Resource: resource, ID: id})
}

// Mutate runs req. The optimistic value is visible in the store before
// Mutate performs the remote call. Errors are returned in the Result;
// failed mutations are rolled back and never retried.
func (e *Engine) Mutate(ctx context.Context, req Request) Result {
	if err := validate(req); err != nil {
		return Result{Err: err}
	}

	p, applied, err := e.apply(req)
	if err != nil {
		return Result{Err: err}
	}
	defer e.finish(p, applied)

	data, err := e.call(ctx, req, p)
	if err != nil {
		e.rollback(p, applied, err)
		return Result{Err: fmt.Errorf("%s %s/%s: %w", req.Kind, req.Resource, p.ID, err)}
	}
	if err := e.commit(req, p, applied, data); err != nil {
		return Result{Err: err}
	}
	return Result{Data: data}
}

func validate(req Request) error {
	if req.Resource == "" {
		return fmt.Errorf("%w: empty resource", ErrInvalidRequest)
	}
	switch req.Kind {
	case KindCreate:
	case KindUpdate, KindDelete:
		if req.ID == "" {
			return fmt.Errorf("%w: %s needs an id", ErrInvalidRequest, req.Kind)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidRequest, req.Kind)
	}
	return nil
}

// apply runs the optimistic phase under the id's lock.
func (e *Engine) apply(req Request) (*Pending, bool, error) {
	id := req.ID
	if req.Kind == KindCreate && id == "" {
		id = e.newID()
	}
	unlock := e.locks.Lock(req.Resource + "\x00" + id)
	defer unlock()

	p := &Pending{
		Seq:      e.store.Clock().Next(),
		Kind:     req.Kind,
		Resource: req.Resource,
		ID:       id,
		Patch:    req.Patch.Clone(),
		State:    StatePending,
	}

	ch, err := e.rec.Apply(req.Resource, id, p.Seq, func(cur store.Record) (store.Record, error) {
		return optimistic(req, cur)
	})
	switch {
	case errors.Is(err, errNotCached):
		e.logger.Debug("no cached entity, skipping optimistic write",
			"event", "mutation_not_cached",
			"kind", req.Kind,
			"resource", req.Resource,
			"id", id,
		)
	case err != nil:
		return nil, false, err
	}
	applied := ch.Applied
	if applied {
		p.Previous = ch.Previous
		e.store.Pin(req.Resource, id)
		if req.Kind == KindCreate {
			for _, key := range req.Into {
				e.store.Attach(key, req.Resource, id)
			}
		}
	}

	e.mu.Lock()
	e.pending[p.Seq] = p
	e.mu.Unlock()

	e.logger.Debug("optimistic write applied",
		"event", "mutation_applied",
		"kind", req.Kind,
		"resource", req.Resource,
		"id", id,
		"seq", p.Seq,
		"applied", applied,
	)
	return p, applied, nil
}

func optimistic(req Request, cur store.Record) (store.Record, error) {
	live := cur.Exists && !cur.Tombstoned
	switch req.Kind {
	case KindCreate:
		if live {
			return cur, remote.NewConflictError(req.Resource, req.ID, "entity already exists")
		}
		next := req.Optimistic
		if next == nil {
			next = req.Patch
		}
		return store.Record{Entity: next.Clone()}, nil
	case KindUpdate:
		if !live {
			return cur, errNotCached
		}
		if req.Optimistic != nil {
			cur.Entity = req.Optimistic.Clone()
		} else {
			cur.Entity = ir.Merge(cur.Entity, req.Patch)
		}
		return cur, nil
	default:
		if !live {
			return cur, errNotCached
		}
		cur.Tombstoned = true
		return cur, nil
	}
}

func (e *Engine) call(ctx context.Context, req Request, p *Pending) (ir.Object, error) {
	switch req.Kind {
	case KindCreate:
		body := req.Patch.Clone()
		if body == nil {
			body = ir.Object{}
		}
		if req.ID == "" {
			delete(body, ir.IDField)
		} else {
			body = ir.WithID(body, req.ID)
		}
		return e.src.Insert(ctx, req.Resource, body)
	case KindUpdate:
		patch := req.Patch
		if patch == nil {
			patch = ir.Object{}
		}
		return e.src.Update(ctx, req.Resource, p.ID, patch)
	default:
		return nil, e.src.Delete(ctx, req.Resource, p.ID)
	}
}

func (e *Engine) commit(req Request, p *Pending, applied bool, data ir.Object) error {
	id := p.ID
	switch req.Kind {
	case KindCreate:
		realID, err := ir.EntityID(data)
		if err != nil {
			e.rollback(p, applied, err)
			return remote.NewServerError(req.Resource, 200, "insert returned no id")
		}
		if applied && realID != id {
			if err := e.rec.Remap(req.Resource, id, realID); err == nil {
				e.mu.Lock()
				p.ID = realID
				e.mu.Unlock()
			}
		}
		id = realID
		if _, err := e.rec.Propagate(req.Resource, data, p.Seq); err != nil {
			return err
		}
	case KindUpdate:
		if _, cached := e.store.Lookup(req.Resource, id); cached {
			if _, err := e.rec.Propagate(req.Resource, data, p.Seq); err != nil {
				return err
			}
		}
	case KindDelete:
		e.rec.Remove(req.Resource, id, e.store.Clock().Next())
	}

	e.setState(p, StateCommitted)
	e.logger.Debug("mutation committed",
		"event", "mutation_committed",
		"kind", req.Kind,
		"resource", req.Resource,
		"id", id,
		"seq", p.Seq,
	)

	e.mu.Lock()
	hooks := slices.Clone(e.hooks)
	e.mu.Unlock()
	c := Commit{Seq: p.Seq, Kind: req.Kind, Resource: req.Resource, ID: id, Entity: data.Clone()}
	for _, fn := range hooks {
		fn(c)
	}
	return nil
}

func (e *Engine) rollback(p *Pending, applied bool, cause error) {
	restored := false
	if applied {
		restored = e.rec.Restore(p.Resource, p.ID, p.Previous, p.Seq)
	}
	e.setState(p, StateRolledBack)
	e.logger.Warn("mutation rolled back",
		"event", "mutation_rolled_back",
		"kind", p.Kind,
		"resource", p.Resource,
		"id", p.ID,
		"seq", p.Seq,
		"restored", restored,
		"error", cause,
	)
}

func (e *Engine) setState(p *Pending, s State) {
	e.mu.Lock()
	p.State = s
	e.mu.Unlock()
}

func (e *Engine) finish(p *Pending, applied bool) {
	if applied {
		e.store.Unpin(p.Resource, p.ID)
	}
	e.mu.Lock()
	delete(e.pending, p.Seq)
	e.mu.Unlock()
}

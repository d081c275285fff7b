package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/roach88/entsync/internal/client"
	"github.com/roach88/entsync/internal/ir"
	"github.com/roach88/entsync/internal/mutate"
	"github.com/roach88/entsync/internal/persist"
	"github.com/roach88/entsync/internal/realtime"
	"github.com/roach88/entsync/internal/remote"
	"github.com/roach88/entsync/internal/schema"
	"github.com/roach88/entsync/internal/store"
	"github.com/roach88/entsync/internal/testutil"
)

// StepTimeout bounds every wait inside a step.
const StepTimeout = 5 * time.Second

// handle is the part of Query and Infinite a scenario drives.
type handle interface {
	Wait(ctx context.Context) error
	Data() []ir.Object
	IsLoading() bool
	Error() error
	Mutate(ctx context.Context) error
	Close()
}

type pendingOp struct {
	op       string
	resource string
	id       string
	call     *heldCall
	done     chan mutate.Result
	want     string
}

// Harness runs one scenario. Each run gets a fresh remote, cache and
// snapshot storage.
type Harness struct {
	mem      *remote.Memory
	src      *holdingSource
	storage  *persist.MemoryStorage
	registry *schema.Registry
	logger   *slog.Logger

	client *client.Client
	merger *realtime.Merger
	merged chan realtime.Outcome
	stop   context.CancelFunc
	done   chan struct{}

	handles map[string]handle
	pending map[string]*pendingOp
	result  *Result
}

// Option configures a run.
type Option func(*Harness)

// WithLogger routes cache logs to l. Runs are silent by default.
func WithLogger(l *slog.Logger) Option {
	return func(h *Harness) {
		h.logger = l
	}
}

// Run executes a scenario. Expectation and assertion failures are
// reported in the Result; the error is for scenarios that cannot run.
func Run(s *Scenario, opts ...Option) (*Result, error) {
	mem := remote.NewMemory().WithIDs(testutil.NewDeterministicIDs("srv").Next)
	h := &Harness{
		mem:     mem,
		src:     newHoldingSource(mem),
		storage: persist.NewMemoryStorage(),
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		handles: make(map[string]handle),
		pending: make(map[string]*pendingOp),
		result:  NewResult(),
	}
	for _, opt := range opts {
		opt(h)
	}

	if err := h.setup(s); err != nil {
		return nil, err
	}
	h.start(testutil.NewDeterministicIDs("tmp"))
	defer h.shutdown()

	ctx := context.Background()
	for i, step := range s.Steps {
		if err := h.execute(ctx, step); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
	}

	for _, msg := range h.evaluate(s.Assertions) {
		h.result.AddError(msg)
	}
	return h.result, nil
}

func (h *Harness) setup(s *Scenario) error {
	if len(s.Schemas) > 0 {
		h.registry = schema.NewRegistry()
		for _, dir := range s.Schemas {
			reg, errs := schema.Load(dir, schema.LoadModeCollectAll)
			if len(errs) > 0 {
				return fmt.Errorf("load schema %s: %w", dir, errs[0])
			}
			for _, name := range reg.Names() {
				res, _ := reg.Resource(name)
				h.registry.Add(res)
			}
		}
	}

	for resource, rows := range s.Seed {
		objs := make([]ir.Object, 0, len(rows))
		for i, row := range rows {
			obj, err := ir.ObjectFromMap(row)
			if err != nil {
				return fmt.Errorf("seed %s[%d]: %w", resource, i, err)
			}
			if h.registry != nil {
				if err := h.registry.Check(resource, obj); err != nil {
					return fmt.Errorf("seed %s[%d]: %w", resource, i, err)
				}
			}
			objs = append(objs, obj)
		}
		if err := h.mem.Seed(resource, objs...); err != nil {
			return fmt.Errorf("seed %s: %w", resource, err)
		}
	}
	return nil
}

// start builds a client and its realtime merger over the harness remote.
func (h *Harness) start(ids *testutil.DeterministicIDs) {
	opts := []client.Option{
		client.WithLogger(h.logger),
		client.WithIDs(ids.Next),
		client.WithStorage(h.storage, time.Hour),
	}
	if h.registry != nil {
		opts = append(opts, client.WithResolver(h.registry))
	}
	h.client = client.New(store.New(store.WithLogger(h.logger)), h.src, opts...)

	h.merged = make(chan realtime.Outcome, 1)
	h.merger = realtime.New(h.client.Reconciler(),
		realtime.WithLogger(h.logger),
		realtime.WithObserver(func(_ realtime.Change, o realtime.Outcome) { h.merged <- o }),
	)
	ctx, cancel := context.WithCancel(context.Background())
	h.stop = cancel
	h.done = make(chan struct{})
	go func() {
		defer close(h.done)
		_ = h.merger.Run(ctx)
	}()
}

func (h *Harness) shutdown() {
	for _, hd := range h.handles {
		hd.Close()
	}
	h.handles = make(map[string]handle)
	h.merger.Stop()
	h.stop()
	<-h.done
}

func (h *Harness) execute(ctx context.Context, step Step) error {
	switch {
	case step.Open != nil:
		return h.open(ctx, step.Open)
	case step.Expect != nil:
		h.expect(step.Expect)
	case step.Create != nil:
		return h.write(ctx, "create", step.Create)
	case step.Update != nil:
		return h.write(ctx, "update", step.Update)
	case step.Delete != nil:
		return h.write(ctx, "delete", step.Delete)
	case step.Release != "":
		return h.settle(step.Release, nil)
	case step.Fail != nil:
		p := h.pending[step.Fail.Hold]
		return h.settle(step.Fail.Hold, errorClasses[step.Fail.Error](p.resource))
	case step.Revalidate != "":
		return h.revalidate(ctx, step.Revalidate)
	case step.Server != nil:
		return h.server(ctx, step.Server)
	case step.Delta != nil:
		return h.delta(step.Delta)
	case step.Restart:
		return h.restart(ctx)
	case step.Clear:
		err := h.client.ClearCache(ctx)
		h.result.AddTrace(TraceEvent{Type: EventClear, Error: errString(err)})
	case step.Close != "":
		if hd, ok := h.handles[step.Close]; ok {
			hd.Close()
			delete(h.handles, step.Close)
		}
		h.result.AddTrace(TraceEvent{Type: EventClose, Handle: step.Close})
	}
	return nil
}

func (h *Harness) open(ctx context.Context, o *OpenStep) error {
	if old, ok := h.handles[o.As]; ok {
		old.Close()
	}
	cfg := client.Config{Disabled: o.Disabled, RevalidateOnMount: o.RevalidateOnMount, PageSize: o.PageSize}

	ev := TraceEvent{Type: EventOpen, Handle: o.As, Resource: o.Resource}
	var hd handle
	switch {
	case o.Pages > 0:
		inf := h.client.InfiniteEntities(ctx, o.Resource, o.Filters, cfg)
		if o.Pages > 1 {
			inf.SetSize(ctx, o.Pages)
		}
		hd = inf
	case o.Single || o.ID != "":
		q := h.client.Entity(ctx, o.Resource, o.ID, o.Filters, cfg)
		ev.Key = keyHash(q)
		hd = q
	default:
		q := h.client.Entities(ctx, o.Resource, o.Filters, cfg)
		ev.Key = keyHash(q)
		hd = q
	}
	h.handles[o.As] = hd

	wctx, cancel := context.WithTimeout(ctx, StepTimeout)
	defer cancel()
	if err := hd.Wait(wctx); err != nil && wctx.Err() != nil {
		return fmt.Errorf("open %s: %w", o.As, err)
	}
	ev.Error = errString(hd.Error())
	h.result.AddTrace(ev)
	return nil
}

func keyHash(q *client.Query) string {
	if q.Key() == "" {
		return ""
	}
	return q.Key().Hash()
}

func (h *Harness) expect(e *ExpectStep) {
	hd := h.handles[e.Handle]
	if hd == nil {
		h.result.AddError(fmt.Sprintf("expect %s: handle is closed", e.Handle))
		return
	}
	rows := hd.Data()
	data := make(ir.Array, len(rows))
	for i, row := range rows {
		data[i] = row
	}
	h.result.AddTrace(TraceEvent{Type: EventSnapshot, Handle: e.Handle, Data: data, Error: errString(hd.Error())})

	fail := func(format string, args ...any) {
		h.result.AddError(fmt.Sprintf("expect %s: ", e.Handle) + fmt.Sprintf(format, args...))
	}
	if e.Data != nil {
		want := make(ir.Array, len(e.Data))
		for i, row := range e.Data {
			obj, err := ir.ObjectFromMap(row)
			if err != nil {
				fail("data[%d]: %v", i, err)
				return
			}
			want[i] = obj
		}
		if !ir.Equal(want, data) {
			fail("data = %s, want %s", ir.MustMarshalCanonical(data), ir.MustMarshalCanonical(want))
		}
	}
	if e.Count != nil && len(rows) != *e.Count {
		fail("count = %d, want %d", len(rows), *e.Count)
	}
	if e.Loading != nil && hd.IsLoading() != *e.Loading {
		fail("loading = %v, want %v", hd.IsLoading(), *e.Loading)
	}
	if e.Stale != nil {
		q, ok := hd.(*client.Query)
		if !ok {
			fail("stale applies to plain queries only")
		} else if q.Stale() != *e.Stale {
			fail("stale = %v, want %v", q.Stale(), *e.Stale)
		}
	}
	if e.HasMore != nil {
		inf, ok := hd.(*client.Infinite)
		if !ok {
			fail("has_more applies to infinite queries only")
		} else if inf.HasMore() != *e.HasMore {
			fail("has_more = %v, want %v", inf.HasMore(), *e.HasMore)
		}
	}
	if e.Error != "" {
		got := errorClass(hd.Error())
		if e.Error == "none" && got != "" || e.Error != "none" && got != e.Error {
			fail("error = %q, want %q", got, e.Error)
		}
	}
}

func (h *Harness) write(ctx context.Context, op string, w *WriteStep) error {
	resource := w.Resource
	var q *client.Query
	if w.Handle != "" {
		switch hd := h.handles[w.Handle].(type) {
		case *client.Query:
			q = hd
			if resource == "" {
				resource = hd.Resource()
			}
		case *client.Infinite:
			if resource == "" {
				resource = hd.Resource()
			}
		default:
			return fmt.Errorf("%s: handle %q is closed", op, w.Handle)
		}
	}

	var args ir.Object
	var err error
	switch op {
	case "create":
		args, err = ir.ObjectFromMap(w.Entity)
	case "update":
		args, err = ir.ObjectFromMap(w.Patch)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	engine := h.client.Mutations()
	run := func() mutate.Result {
		switch op {
		case "create":
			if q != nil {
				return q.CreateEntity(ctx, args)
			}
			return engine.Create(ctx, resource, args)
		case "update":
			return engine.Update(ctx, resource, w.ID, args)
		default:
			return engine.Delete(ctx, resource, w.ID)
		}
	}

	if w.Hold == "" {
		h.settled(op, resource, w.ID, w.Error, run())
		return nil
	}

	remoteOp := map[string]string{"create": "insert", "update": "update", "delete": "delete"}[op]
	held := h.src.arm(remoteOp)
	p := &pendingOp{op: op, resource: resource, id: w.ID, done: make(chan mutate.Result, 1), want: w.Error}
	go func() { p.done <- run() }()

	select {
	case p.call = <-held:
	case res := <-p.done:
		// The mutation settled without reaching the remote.
		h.src.disarm(remoteOp)
		p.done <- res
	case <-time.After(StepTimeout):
		return fmt.Errorf("%s %s: remote call never started", op, resource)
	}
	h.pending[w.Hold] = p
	h.result.AddTrace(TraceEvent{Type: EventPending, Op: op, Resource: resource, ID: w.ID, Args: args})
	return nil
}

func (h *Harness) settle(name string, err error) error {
	p := h.pending[name]
	delete(h.pending, name)
	if p.call != nil {
		p.call.release <- err
	}
	select {
	case res := <-p.done:
		h.settled(p.op, p.resource, p.id, p.want, res)
		return nil
	case <-time.After(StepTimeout):
		return fmt.Errorf("%s %s: did not settle", p.op, p.resource)
	}
}

func (h *Harness) settled(op, resource, id, want string, res mutate.Result) {
	if res.Data != nil {
		if got, err := ir.EntityID(res.Data); err == nil {
			id = got
		}
	}
	ev := TraceEvent{Type: EventSettled, Op: op, Resource: resource, ID: id, Error: errorClass(res.Err)}
	if res.Data != nil {
		ev.Data = res.Data
	}
	h.result.AddTrace(ev)
	if got := errorClass(res.Err); got != want {
		h.result.AddError(fmt.Sprintf("%s %s/%s: error = %q (%v), want %q", op, resource, id, got, res.Err, want))
	}
}

func (h *Harness) revalidate(ctx context.Context, name string) error {
	var err error
	if name == "*" {
		err = h.client.RevalidateAll(ctx, "")
	} else {
		hd, ok := h.handles[name]
		if !ok {
			return fmt.Errorf("revalidate: unknown handle %q", name)
		}
		err = hd.Mutate(ctx)
	}
	h.result.AddTrace(TraceEvent{Type: EventRevalidate, Handle: name, Error: errorClass(err)})
	return nil
}

func (h *Harness) server(ctx context.Context, s *ServerStep) error {
	entity, err := ir.ObjectFromMap(s.Entity)
	if err != nil {
		return fmt.Errorf("server %s: %w", s.Op, err)
	}
	switch s.Op {
	case "insert":
		var row ir.Object
		row, err = h.mem.Insert(ctx, s.Resource, entity)
		if err == nil {
			s.ID, _ = ir.EntityID(row)
		}
	case "update":
		_, err = h.mem.Update(ctx, s.Resource, s.ID, entity)
	case "delete":
		err = h.mem.Delete(ctx, s.Resource, s.ID)
	}
	if err != nil {
		return fmt.Errorf("server %s %s/%s: %w", s.Op, s.Resource, s.ID, err)
	}
	h.result.AddTrace(TraceEvent{Type: EventServer, Op: s.Op, Resource: s.Resource, ID: s.ID, Args: entity})
	return nil
}

func (h *Harness) delta(d *DeltaStep) error {
	entity, err := ir.ObjectFromMap(d.Entity)
	if err != nil {
		return fmt.Errorf("delta: %w", err)
	}
	if len(d.Entity) == 0 {
		entity = nil
	}
	data, err := realtime.Change{Resource: d.Resource, Kind: realtime.Kind(d.Kind), ID: d.ID, Entity: entity}.Marshal()
	if err != nil {
		return fmt.Errorf("delta: %w", err)
	}
	change, err := realtime.UnmarshalChange(data)
	if err != nil {
		return fmt.Errorf("delta: %w", err)
	}
	if !h.merger.Push(change) {
		return fmt.Errorf("delta: merger stopped")
	}
	select {
	case outcome := <-h.merged:
		h.result.AddTrace(TraceEvent{
			Type:     EventDelta,
			Op:       string(change.Kind),
			Resource: change.Resource,
			ID:       change.ID,
			Outcome:  string(outcome),
		})
		return nil
	case <-time.After(StepTimeout):
		return fmt.Errorf("delta %s/%s: not merged", change.Resource, change.ID)
	}
}

func (h *Harness) restart(ctx context.Context) error {
	if err := h.client.Persistence().Flush(ctx); err != nil {
		return fmt.Errorf("restart: %w", err)
	}
	h.shutdown()
	h.start(testutil.NewDeterministicIDs("tmp2"))
	if err := h.client.Restore(ctx); err != nil {
		return fmt.Errorf("restart: %w", err)
	}
	h.result.AddTrace(TraceEvent{Type: EventRestart, Data: ir.Int(h.client.Store().Stats().Slots)})
	return nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	return msg
}

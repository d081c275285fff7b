package harness

import (
	"context"
	"errors"
	"sync"

	"github.com/roach88/entsync/internal/ir"
	"github.com/roach88/entsync/internal/querykey"
	"github.com/roach88/entsync/internal/remote"
)

// heldCall is a remote call parked until the scenario releases or fails it.
type heldCall struct {
	op      string
	release chan error
}

// holdingSource counts calls to an in-memory remote and can park the next
// call of an operation.
type holdingSource struct {
	mem *remote.Memory

	mu    sync.Mutex
	armed map[string]chan *heldCall
	calls map[string]int
}

func newHoldingSource(mem *remote.Memory) *holdingSource {
	return &holdingSource{
		mem:   mem,
		armed: make(map[string]chan *heldCall),
		calls: make(map[string]int),
	}
}

// arm makes the next call of op block. The parked call is delivered on the
// returned channel.
func (s *holdingSource) arm(op string) <-chan *heldCall {
	ch := make(chan *heldCall, 1)
	s.mu.Lock()
	s.armed[op] = ch
	s.mu.Unlock()
	return ch
}

func (s *holdingSource) disarm(op string) {
	s.mu.Lock()
	delete(s.armed, op)
	s.mu.Unlock()
}

func (s *holdingSource) count(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

func (s *holdingSource) gate(ctx context.Context, op, resource string) error {
	s.mu.Lock()
	s.calls[op]++
	ch, armed := s.armed[op]
	delete(s.armed, op)
	s.mu.Unlock()
	if !armed {
		return nil
	}

	hc := &heldCall{op: op, release: make(chan error, 1)}
	ch <- hc
	select {
	case err := <-hc.release:
		return err
	case <-ctx.Done():
		return remote.NewNetworkError(resource, ctx.Err())
	}
}

func (s *holdingSource) Select(ctx context.Context, spec querykey.Spec) (remote.Page, error) {
	if err := s.gate(ctx, "select", spec.Resource); err != nil {
		return remote.Page{}, err
	}
	return s.mem.Select(ctx, spec)
}

func (s *holdingSource) Insert(ctx context.Context, resource string, entity ir.Object) (ir.Object, error) {
	if err := s.gate(ctx, "insert", resource); err != nil {
		return nil, err
	}
	return s.mem.Insert(ctx, resource, entity)
}

func (s *holdingSource) Update(ctx context.Context, resource, id string, patch ir.Object) (ir.Object, error) {
	if err := s.gate(ctx, "update", resource); err != nil {
		return nil, err
	}
	return s.mem.Update(ctx, resource, id, patch)
}

func (s *holdingSource) Delete(ctx context.Context, resource, id string) error {
	if err := s.gate(ctx, "delete", resource); err != nil {
		return err
	}
	return s.mem.Delete(ctx, resource, id)
}

// errorClasses builds the error a fail step injects.
var errorClasses = map[string]func(resource string) error{
	"network": func(resource string) error {
		return remote.NewNetworkError(resource, errors.New("connection reset"))
	},
	"server": func(resource string) error {
		return remote.NewServerError(resource, 500, "internal error")
	},
	"conflict": func(resource string) error {
		return remote.NewConflictError(resource, "", "conflict")
	},
}

// errorClass names the class of err for traces and expectations.
func errorClass(err error) string {
	switch {
	case err == nil:
		return ""
	case remote.IsNetworkError(err):
		return "network"
	case remote.IsServerError(err):
		return "server"
	case remote.IsConflictError(err):
		return "conflict"
	default:
		return "invalid"
	}
}

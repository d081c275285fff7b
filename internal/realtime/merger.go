// Package realtime merges changes pushed by peers or the server into the
// entity store.
//
// Transports never touch the store. They push Change values onto the
// merger's queue and a single Run loop applies them in arrival order
// through the reconciler, the same path fetches and mutation commits take.
// Each applied change gets a fresh sequence number, so a delta that
// arrives after a local optimistic write wins over that write's late
// server response.
package realtime

import (
	"context"
	"log/slog"
	"sync"

	"github.com/roach88/entsync/internal/reconcile"
	"github.com/roach88/entsync/internal/store"
)

// Outcome says what the merger did with a change.
type Outcome string

const (
	// OutcomeApplied means the change was written and slots were notified.
	OutcomeApplied Outcome = "applied"
	// OutcomeIgnored means the change named an id the store does not hold.
	OutcomeIgnored Outcome = "ignored"
	// OutcomeSuperseded means a later write or a committed delete won.
	OutcomeSuperseded Outcome = "superseded"
	// OutcomeFlagged means an unknown row was inserted and the resource's
	// slots were flagged stale instead.
	OutcomeFlagged Outcome = "flagged"
	// OutcomeFailed means the store rejected the change.
	OutcomeFailed Outcome = "failed"
)

// Stats counts processed changes by outcome.
type Stats struct {
	Received int
	Outcomes map[Outcome]int
}

// Merger owns the realtime control loop.
type Merger struct {
	rec       *reconcile.Reconciler
	store     *store.Store
	queue     *changeQueue
	logger    *slog.Logger
	observers []func(Change, Outcome)

	mu    sync.Mutex
	stats Stats
}

// Option configures a Merger.
type Option func(*Merger)

// WithLogger sets the logger. The store's logger is used by default.
func WithLogger(l *slog.Logger) Option {
	return func(m *Merger) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithObserver registers fn to run on the loop after each change.
func WithObserver(fn func(Change, Outcome)) Option {
	return func(m *Merger) {
		m.observers = append(m.observers, fn)
	}
}

// New creates a Merger writing through rec.
func New(rec *reconcile.Reconciler, opts ...Option) *Merger {
	m := &Merger{
		rec:    rec,
		store:  rec.Store(),
		queue:  newChangeQueue(),
		logger: rec.Store().Logger(),
		stats:  Stats{Outcomes: make(map[Outcome]int)},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Push queues a change for the loop. Invalid changes are dropped with a
// warning. It returns false once the merger has stopped.
func (m *Merger) Push(c Change) bool {
	nc, err := c.normalize()
	if err != nil {
		m.logger.Warn("dropping invalid change",
			"event", "change_invalid",
			"resource", c.Resource,
			"kind", c.Kind,
			"error", err,
		)
		return true
	}
	return m.queue.Enqueue(nc)
}

// Feed pushes every change received on ch until ch closes or ctx ends.
func (m *Merger) Feed(ctx context.Context, ch <-chan Change) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c, ok := <-ch:
			if !ok {
				return nil
			}
			if !m.Push(c) {
				return nil
			}
		}
	}
}

// Run applies queued changes until ctx ends or Stop is called. It is the
// only goroutine that applies changes.
func (m *Merger) Run(ctx context.Context) error {
	m.logger.Debug("realtime merger starting", "event", "merger_started")
	for {
		if c, ok := m.queue.TryDequeue(); ok {
			m.process(c)
			continue
		}

		select {
		case <-ctx.Done():
			m.queue.Close()
			m.logger.Debug("realtime merger stopping", "event", "merger_stopped", "reason", "context")
			return ctx.Err()
		case <-m.queue.Wait():
			// The signal channel closes with the queue; drain before leaving.
			if m.queue.Len() == 0 && m.queue.Closed() {
				m.logger.Debug("realtime merger stopping", "event", "merger_stopped", "reason", "stopped")
				return nil
			}
		}
	}
}

// Stop closes the queue. Run applies what is already queued and returns.
func (m *Merger) Stop() {
	m.queue.Close()
}

// Stats returns a copy of the counters.
func (m *Merger) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := Stats{Received: m.stats.Received, Outcomes: make(map[Outcome]int, len(m.stats.Outcomes))}
	for k, v := range m.stats.Outcomes {
		out.Outcomes[k] = v
	}
	return out
}

func (m *Merger) process(c Change) {
	outcome := m.apply(c)

	m.mu.Lock()
	m.stats.Received++
	m.stats.Outcomes[outcome]++
	m.mu.Unlock()

	m.logger.Debug("change merged",
		"event", "change_merged",
		"resource", c.Resource,
		"kind", c.Kind,
		"id", c.ID,
		"outcome", outcome,
	)
	for _, fn := range m.observers {
		fn(c, outcome)
	}
}

// apply decides and performs the store write for one change.
//
// Updates and deletes for ids the store does not hold are ignored: no slot
// references them, and fetching them is the next revalidation's job. An
// ignored delete is still recorded, so a read already in flight cannot
// bring the row in afterwards. An
// insert of an unknown id cannot be placed into any slot without
// re-running filters, so the resource's slots are flagged stale instead.
func (m *Merger) apply(c Change) Outcome {
	_, known := m.store.Lookup(c.Resource, c.ID)

	switch c.Kind {
	case KindDelete:
		m.rec.Remove(c.Resource, c.ID, m.store.Clock().Next())
		if !known {
			return OutcomeIgnored
		}
		return OutcomeApplied

	case KindInsert, KindUpdate:
		if !known {
			if c.Kind == KindUpdate {
				return OutcomeIgnored
			}
			keys := m.store.Keys(c.Resource)
			if len(keys) == 0 {
				return OutcomeIgnored
			}
			m.store.MarkStale(keys...)
			return OutcomeFlagged
		}
		applied, err := m.rec.Propagate(c.Resource, c.Entity, m.store.Clock().Next())
		if err != nil {
			return m.fail(c, err)
		}
		if !applied {
			return OutcomeSuperseded
		}
		return OutcomeApplied
	}
	return OutcomeIgnored
}

func (m *Merger) fail(c Change, err error) Outcome {
	m.logger.Warn("change rejected by store",
		"event", "change_failed",
		"resource", c.Resource,
		"kind", c.Kind,
		"id", c.ID,
		"error", err,
	)
	return OutcomeFailed
}

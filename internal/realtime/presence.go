package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/entsync/internal/ir"
	"github.com/roach88/entsync/internal/mutate"
	"github.com/roach88/entsync/internal/store"
)

// DefaultHeartbeat is how often a peer refreshes its presence row.
const DefaultHeartbeat = time.Minute

// DefaultPeersResource is the resource presence rows live in.
const DefaultPeersResource = "peers"

// Presence keeps this peer's row alive in the peers resource. The row is
// created on the first beat, touched on every later one, and deleted when
// Run stops. All writes go through the mutation engine, so they show up
// optimistically and reach other peers through the commit hook.
type Presence struct {
	engine   *mutate.Engine
	store    *store.Store
	resource string
	id       string
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// PresenceOption configures a Presence.
type PresenceOption func(*Presence)

// WithHeartbeat sets the refresh interval.
func WithHeartbeat(d time.Duration) PresenceOption {
	return func(p *Presence) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithPeersResource sets the resource presence rows are written to.
func WithPeersResource(resource string) PresenceOption {
	return func(p *Presence) {
		if resource != "" {
			p.resource = resource
		}
	}
}

// WithNow sets the time source stamped into updated_at.
func WithNow(now func() time.Time) PresenceOption {
	return func(p *Presence) {
		p.now = now
	}
}

// NewPresence announces the peer id through engine.
func NewPresence(engine *mutate.Engine, s *store.Store, id string, opts ...PresenceOption) *Presence {
	p := &Presence{
		engine:   engine,
		store:    s,
		resource: DefaultPeersResource,
		id:       id,
		interval: DefaultHeartbeat,
		now:      time.Now,
		logger:   s.Logger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Beat creates the presence row or refreshes its updated_at.
func (p *Presence) Beat(ctx context.Context) error {
	stamp := ir.String(p.now().UTC().Format(time.RFC3339))
	var res mutate.Result
	if _, ok := p.store.Entity(p.resource, p.id); ok {
		res = p.engine.Update(ctx, p.resource, p.id, ir.Object{"updated_at": stamp})
	} else {
		res = p.engine.Create(ctx, p.resource, ir.Object{ir.IDField: ir.String(p.id), "updated_at": stamp})
	}
	if res.Err != nil {
		return fmt.Errorf("presence %s: %w", p.id, res.Err)
	}
	return nil
}

// Run beats immediately and then on every interval until ctx ends. On the
// way out the presence row is deleted with a fresh deadline.
func (p *Presence) Run(ctx context.Context) error {
	if err := p.Beat(ctx); err != nil {
		p.logger.Warn("presence beat failed", "event", "presence_failed", "peer", p.id, "error", err)
	}
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			leaveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if res := p.engine.Delete(leaveCtx, p.resource, p.id); res.Err != nil {
				return fmt.Errorf("presence %s: leave: %w", p.id, res.Err)
			}
			p.logger.Debug("presence left", "event", "presence_left", "peer", p.id)
			return nil
		case <-ticker.C:
			if err := p.Beat(ctx); err != nil {
				p.logger.Warn("presence beat failed", "event", "presence_failed", "peer", p.id, "error", err)
			}
		}
	}
}

// Package persist snapshots the entity store to durable storage and
// rehydrates it on startup.
//
// A snapshot is the store's exported state as canonical JSON, gzipped and
// tagged with a format version. Writes are coalesced by content digest: a
// periodic save whose canonical JSON hashes to the last written digest is
// skipped. A snapshot that fails to decompress, parse or validate is never
// an error for the caller; the adapter logs it, clears storage and starts
// empty.
package persist

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/entsync/internal/ir"
	"github.com/roach88/entsync/internal/store"
)

// DefaultInterval is the period between snapshot attempts in Run.
const DefaultInterval = 5 * time.Second

// DefaultFlushTimeout bounds the final flush when Run stops.
const DefaultFlushTimeout = 5 * time.Second

// Adapter moves snapshots between a store and a Storage.
type Adapter struct {
	store    *store.Store
	storage  Storage
	logger   *slog.Logger
	interval time.Duration

	mu         sync.Mutex
	lastDigest string
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithInterval sets the snapshot period used by Run.
func WithInterval(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.interval = d
		}
	}
}

// WithLogger sets the logger. The store's logger is used by default.
func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) {
		if l != nil {
			a.logger = l
		}
	}
}

// New creates an Adapter for s backed by storage.
func New(s *store.Store, storage Storage, opts ...Option) *Adapter {
	a := &Adapter{
		store:    s,
		storage:  storage,
		logger:   s.Logger(),
		interval: DefaultInterval,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Snapshot returns the compressed snapshot of the store's current state.
func (a *Adapter) Snapshot() ([]byte, error) {
	raw, err := Encode(a.store.Export())
	if err != nil {
		return nil, err
	}
	return Compress(raw)
}

// Restore decodes a snapshot. Corrupt input yields an empty state and is
// logged; it is never returned as an error.
func (a *Adapter) Restore(data []byte) *store.State {
	st, err := Decode(data)
	if err != nil {
		a.logger.Warn("discarding corrupt snapshot",
			"event", "snapshot_corrupt",
			"bytes", len(data),
			"error", err,
		)
		return &store.State{}
	}
	return st
}

// Load reads the stored snapshot into the store. A corrupt snapshot is
// cleared from storage and the store is left empty. Only storage I/O
// errors are returned.
func (a *Adapter) Load(ctx context.Context) error {
	data, err := a.storage.Get(ctx)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	if len(data) == 0 {
		a.logger.Debug("no snapshot stored", "event", "snapshot_missing")
		return nil
	}

	st, err := Decode(data)
	if err != nil {
		a.logger.Warn("discarding corrupt snapshot",
			"event", "snapshot_corrupt",
			"bytes", len(data),
			"error", err,
		)
		if err := a.storage.Clear(ctx); err != nil {
			return fmt.Errorf("clear corrupt snapshot: %w", err)
		}
		return nil
	}
	if err := a.store.Import(st); err != nil {
		return fmt.Errorf("import snapshot: %w", err)
	}

	raw, err := Encode(st)
	if err == nil {
		a.mu.Lock()
		a.lastDigest = ir.SnapshotDigest(raw)
		a.mu.Unlock()
	}
	a.logger.Info("snapshot restored",
		"event", "snapshot_restored",
		"bytes", len(data),
		"slots", len(st.Slots),
		"clock", st.Clock,
	)
	return nil
}

// Save writes a snapshot unless its content equals the last one written.
// It reports whether storage was written.
func (a *Adapter) Save(ctx context.Context) (bool, error) {
	st := a.store.Export()
	raw, err := Encode(st)
	if err != nil {
		return false, err
	}
	digest := ir.SnapshotDigest(raw)

	a.mu.Lock()
	defer a.mu.Unlock()
	if digest == a.lastDigest {
		return false, nil
	}
	data, err := Compress(raw)
	if err != nil {
		return false, err
	}
	if err := a.storage.Set(ctx, data); err != nil {
		return false, fmt.Errorf("save snapshot: %w", err)
	}
	a.lastDigest = digest

	entities := 0
	for _, rows := range st.Tables {
		entities += len(rows)
	}
	a.logger.Info("snapshot written",
		"event", "snapshot_written",
		"bytes", len(data),
		"raw_bytes", len(raw),
		"entities", entities,
		"slots", len(st.Slots),
		"digest", digest[:16],
	)
	return true, nil
}

// Flush is the teardown hook: it saves whatever changed since the last
// snapshot.
func (a *Adapter) Flush(ctx context.Context) error {
	_, err := a.Save(ctx)
	return err
}

// Run saves on every interval until ctx ends, then flushes once more with
// a fresh deadline. Failed periodic saves are logged and retried on the
// next tick; only a failed final flush is returned.
func (a *Adapter) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DefaultFlushTimeout)
			defer cancel()
			if err := a.Flush(flushCtx); err != nil {
				return fmt.Errorf("final flush: %w", err)
			}
			return nil
		case <-ticker.C:
			if _, err := a.Save(ctx); err != nil {
				a.logger.Error("periodic snapshot failed",
					"event", "snapshot_failed",
					"error", err,
				)
			}
		}
	}
}

// Clear empties the store and removes the stored snapshot.
func (a *Adapter) Clear(ctx context.Context) error {
	a.store.Clear()
	a.mu.Lock()
	a.lastDigest = ""
	a.mu.Unlock()
	if err := a.storage.Clear(ctx); err != nil {
		return fmt.Errorf("clear snapshot: %w", err)
	}
	a.logger.Info("cache cleared", "event", "cache_cleared")
	return nil
}

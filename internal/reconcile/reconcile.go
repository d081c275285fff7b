// Package reconcile propagates entity writes to every cached query that
// references the entity.
//
// Slots hold ids, not copies, so a single table write already changes what
// every slot resolves to. The reconciler's job is to make that visible:
// it wakes the subscribers of each referencing slot, found through the
// store's secondary index, and flags slots whose filters read a changed
// field. It never adds or removes ids from a slot based on the new value;
// membership changes wait for the slot's next revalidation.
package reconcile

import (
	"log/slog"
	"slices"

	"github.com/roach88/entsync/internal/ir"
	"github.com/roach88/entsync/internal/querykey"
	"github.com/roach88/entsync/internal/store"
)

// Reconciler writes entities through the store and fans changes out.
type Reconciler struct {
	store  *store.Store
	logger *slog.Logger
}

// New creates a Reconciler for s.
func New(s *store.Store) *Reconciler {
	return &Reconciler{store: s, logger: s.Logger()}
}

// Store returns the underlying store.
func (r *Reconciler) Store() *store.Store {
	return r.store
}

// Propagate writes entity at seq and notifies every slot referencing it.
// It returns false when the write lost to a later seq.
func (r *Reconciler) Propagate(resource string, entity ir.Object, seq int64) (bool, error) {
	ch, err := r.store.UpsertEntity(resource, entity, seq)
	if err != nil {
		return false, err
	}
	if !ch.Applied {
		return false, nil
	}
	r.fanOut(resource, ch.ID, ch.Changed)
	return true, nil
}

// PropagateFetched is Propagate for a row read by a request issued at seq.
// When an in-flight or since-settled mutation of the row outranks the read,
// the change is Held: the row keeps the mutation's value and the caller is
// expected to flag its slot stale.
func (r *Reconciler) PropagateFetched(resource string, entity ir.Object, seq int64) (store.Change, error) {
	ch, err := r.store.LandEntity(resource, entity, seq)
	if err != nil {
		return ch, err
	}
	if ch.Applied {
		r.fanOut(resource, ch.ID, ch.Changed)
	}
	return ch, nil
}

// Apply is Propagate for a read-modify-write: fn computes the next record
// from the current one atomically.
func (r *Reconciler) Apply(resource, id string, seq int64, fn func(cur store.Record) (store.Record, error)) (store.Change, error) {
	ch, err := r.store.Modify(resource, id, seq, fn)
	if err != nil {
		return ch, err
	}
	if ch.Applied {
		r.fanOut(resource, id, ch.Changed)
	}
	return ch, nil
}

// Restore rolls an entity back to prev unless a write after seq landed.
func (r *Reconciler) Restore(resource, id string, prev store.Record, seq int64) bool {
	restored := r.store.RestoreEntity(resource, id, prev, seq)
	if !restored {
		r.logger.Debug("rollback skipped, entity moved on",
			"event", "rollback_skipped",
			"resource", resource,
			"id", id,
			"seq", seq,
		)
	}
	return restored
}

// Remap moves a temporary id to its real id in every slot.
func (r *Reconciler) Remap(resource, tempID, realID string) error {
	_, err := r.store.RemapID(resource, tempID, realID)
	return err
}

// Remove detaches an id from every slot and removes it from the table at
// seq, which must be taken when the delete is known to the client: any
// read issued earlier can no longer bring the row back. Used by delete
// commits and realtime deletes.
func (r *Reconciler) Remove(resource, id string, seq int64) {
	keys := r.store.DetachAndRemove(resource, id, seq)
	r.logger.Debug("entity removed",
		"event", "entity_removed",
		"resource", resource,
		"id", id,
		"seq", seq,
		"slots", len(keys),
	)
}

// fanOut is O(slots referencing id).
func (r *Reconciler) fanOut(resource, id string, changed []string) {
	keys := r.store.EntityKeys(resource, id)
	if len(keys) == 0 {
		return
	}

	var stale []querykey.Key
	for _, k := range keys {
		slot, ok := r.store.Get(k)
		if ok && !slot.Meta.Stale && readsChanged(slot, changed) {
			stale = append(stale, k)
		}
	}
	if len(stale) > 0 {
		r.store.MarkStale(stale...)
		r.logger.Debug("membership may have changed",
			"event", "slots_marked_stale",
			"resource", resource,
			"id", id,
			"changed", changed,
			"slots", len(stale),
		)
	}
	r.store.Notify(keys...)
}

// readsChanged reports whether a slot's filters depend on a changed field.
func readsChanged(slot store.Slot, changed []string) bool {
	if len(changed) == 0 {
		return false
	}
	if slot.FilterAll {
		return true
	}
	for _, f := range changed {
		if _, found := slices.BinarySearch(slot.FilterFields, f); found {
			return true
		}
	}
	return false
}

package store

import (
	"fmt"
	"slices"

	"github.com/roach88/entsync/internal/ir"
	"github.com/roach88/entsync/internal/querykey"
)

// Record is a copy of one canonical table entry.
type Record struct {
	Entity     ir.Object
	Seq        int64
	Tombstoned bool
	Exists     bool
}

// Change is the outcome of a write to the canonical table.
type Change struct {
	Applied  bool
	ID       string
	Previous Record

	// Changed lists the fields whose values differ from Previous.
	Changed []string

	// Held is set when LandEntity left the entry alone because a mutation
	// of the id was in flight, or finished after the fetch was issued.
	Held bool

	// Deleted is set when the write lost to a delete with a later seq.
	Deleted bool
}

func recordOf(e *entry) Record {
	if e == nil {
		return Record{}
	}
	return Record{
		Entity:     e.entity.Clone(),
		Seq:        e.seq,
		Tombstoned: e.tombstoned,
		Exists:     true,
	}
}

// UpsertEntity writes entity into the resource's table at seq.
//
// This is the only write path into the canonical table; Modify, Tombstone
// and RestoreEntity are read-modify-write forms of it. The write is
// discarded when the id's last applied seq is higher, or when a committed
// delete at a later seq removed the id. A pending delete's tombstone
// survives an upsert; only RestoreEntity lifts it.
//
// Subscribers are not woken here. The reconciler notifies the slots that
// reference the id.
func (s *Store) UpsertEntity(resource string, entity ir.Object, seq int64) (Change, error) {
	id, err := ir.EntityID(entity)
	if err != nil {
		return Change{}, fmt.Errorf("store: upsert %s: %w", resource, err)
	}
	return s.Modify(resource, id, seq, func(cur Record) (Record, error) {
		cur.Entity = entity
		return cur, nil
	})
}

// Modify atomically computes and writes the next value of an entity from
// its current record. fn receives a copy; returning an error aborts the
// write. The resulting entity always carries id.
func (s *Store) Modify(resource, id string, seq int64, fn func(cur Record) (Record, error)) (Change, error) {
	return s.modify(resource, id, seq, false, fn)
}

// LandEntity is UpsertEntity for rows read from the remote source by a
// request issued at seq. A mutation's optimistic value outranks such rows
// until the mutation settles, and so does the value it settled with: the
// write is held, not applied, while the id is pinned or when the last
// Unpin happened after seq was taken.
func (s *Store) LandEntity(resource string, entity ir.Object, seq int64) (Change, error) {
	id, err := ir.EntityID(entity)
	if err != nil {
		return Change{}, fmt.Errorf("store: land %s: %w", resource, err)
	}
	return s.modify(resource, id, seq, true, func(cur Record) (Record, error) {
		cur.Entity = entity
		return cur, nil
	})
}

func (s *Store) modify(resource, id string, seq int64, fetched bool, fn func(cur Record) (Record, error)) (Change, error) {
	var ch Change
	var ferr error
	s.update(func() ([]querykey.Key, bool) {
		ch, ferr = s.writeLocked(resource, id, seq, fetched, fn)
		return nil, ch.Applied
	})
	if ferr != nil {
		return Change{}, ferr
	}
	if ch.Held {
		s.logger.Debug("held fetched write behind mutation",
			"event", "entity_write_held",
			"resource", resource,
			"id", id,
			"seq", seq,
		)
	} else if !ch.Applied {
		s.logger.Debug("discarded out-of-order write",
			"event", "entity_write_discarded",
			"resource", resource,
			"id", id,
			"seq", seq,
		)
	}
	return ch, nil
}

// Tombstone marks an entity deleted without removing it. Resolve skips
// tombstoned rows while the delete is in flight.
func (s *Store) Tombstone(resource, id string, seq int64) (Change, error) {
	return s.Modify(resource, id, seq, func(cur Record) (Record, error) {
		if !cur.Exists || cur.Tombstoned {
			return cur, fmt.Errorf("store: tombstone %s/%s: %w", resource, id, ErrUnknownEntity)
		}
		cur.Tombstoned = true
		return cur, nil
	})
}

func (s *Store) writeLocked(resource, id string, seq int64, fetched bool, fn func(cur Record) (Record, error)) (Change, error) {
	r := ref{resource, id}
	if grave, ok := s.graves[r]; ok {
		if seq <= grave {
			return Change{ID: id, Deleted: true}, nil
		}
		delete(s.graves, r)
	}

	table := s.tableLocked(resource)
	e := table[id]
	if e != nil && seq < e.seq {
		return Change{ID: id}, nil
	}
	if fetched && e != nil && (e.pins > 0 || seq < e.settled) {
		return Change{ID: id, Held: true}, nil
	}

	prev := recordOf(e)
	next, err := fn(recordOf(e))
	if err != nil {
		return Change{ID: id}, err
	}
	if next.Entity == nil {
		return Change{ID: id}, fmt.Errorf("store: write %s/%s: nil entity", resource, id)
	}

	if e == nil {
		e = &entry{}
		table[id] = e
	}
	e.entity = ir.WithID(next.Entity, id)
	e.tombstoned = next.Tombstoned
	e.seq = seq
	e.removed = false

	return Change{
		Applied:  true,
		ID:       id,
		Previous: prev,
		Changed:  ir.ChangedFields(prev.Entity, e.entity),
	}, nil
}

// Lookup returns a copy of the table entry for id, tombstoned or not.
func (s *Store) Lookup(resource, id string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.tables[resource][id]
	if !ok || e.removed {
		return Record{}, false
	}
	return recordOf(e), true
}

// Entity returns a copy of a live (not tombstoned) entity.
func (s *Store) Entity(resource, id string) (ir.Object, bool) {
	rec, ok := s.Lookup(resource, id)
	if !ok || rec.Tombstoned {
		return nil, false
	}
	return rec.Entity, true
}

// RestoreEntity rolls an entity back to prev, but only if no write after
// seq has landed. Restoring a record that did not exist removes the entity
// and detaches it from every slot. The entry keeps seq so that older late
// responses stay discarded. Every slot referencing the id is notified.
func (s *Store) RestoreEntity(resource, id string, prev Record, seq int64) bool {
	restored := false
	s.update(func() ([]querykey.Key, bool) {
		table := s.tables[resource]
		e, ok := table[id]
		if !ok || e.seq != seq {
			return nil, false
		}
		restored = true
		keys := s.entityKeysLocked(resource, id)
		if !prev.Exists {
			s.detachLocked(resource, id)
			s.dropEntryLocked(resource, id)
			return keys, true
		}
		e.entity = prev.Entity.Clone()
		e.tombstoned = prev.Tombstoned
		return keys, true
	})
	return restored
}

// EntityKeys returns the keys of every slot whose id list contains id.
func (s *Store) EntityKeys(resource, id string) []querykey.Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entityKeysLocked(resource, id)
}

func (s *Store) entityKeysLocked(resource, id string) []querykey.Key {
	keys := make([]querykey.Key, 0, len(s.index[ref{resource, id}]))
	for k := range s.index[ref{resource, id}] {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// DetachEntity removes id from every slot's id list and returns the keys
// it was removed from.
func (s *Store) DetachEntity(resource, id string) []querykey.Key {
	var keys []querykey.Key
	s.update(func() ([]querykey.Key, bool) {
		keys = s.detachLocked(resource, id)
		return keys, false
	})
	return keys
}

func (s *Store) detachLocked(resource, id string) []querykey.Key {
	keys := s.entityKeysLocked(resource, id)
	for _, k := range keys {
		sl := s.slots[k]
		sl.ids = slices.DeleteFunc(sl.ids, func(x string) bool { return x == id })
	}
	delete(s.index, ref{resource, id})
	return keys
}

// RemoveEntity deletes an entity from the canonical table. seq is the
// delete's own sequence number; writes issued at or before it are
// discarded afterwards, even for ids the table never held.
//
// Removing an id that a subscribed slot still references is an
// InvariantViolation: deletes must detach first. Unsubscribed slots are
// detached silently. If a mutation still pins the entry it stays behind as
// a tombstone until the last Unpin, so that mutation's late response
// cannot bring the row back.
func (s *Store) RemoveEntity(resource, id string, seq int64) error {
	var violation *InvariantViolation
	s.update(func() ([]querykey.Key, bool) {
		var live []querykey.Key
		for _, k := range s.entityKeysLocked(resource, id) {
			if len(s.slots[k].subs) > 0 {
				live = append(live, k)
			}
		}
		if len(live) > 0 {
			violation = &InvariantViolation{
				Op:       "remove",
				Resource: resource,
				ID:       id,
				Message:  "entity is still referenced by subscribed slots",
				Keys:     live,
			}
			return nil, false
		}
		return nil, s.removeLocked(resource, id, seq)
	})
	if violation != nil {
		return s.violate(violation)
	}
	return nil
}

// DetachAndRemove is DetachEntity followed by RemoveEntity under a single
// lock, so no fetch can land the id in a slot between the two. It returns
// the keys the id was detached from; their subscribers are woken.
func (s *Store) DetachAndRemove(resource, id string, seq int64) []querykey.Key {
	var keys []querykey.Key
	s.update(func() ([]querykey.Key, bool) {
		keys = s.detachLocked(resource, id)
		return keys, s.removeLocked(resource, id, seq)
	})
	return keys
}

func (s *Store) removeLocked(resource, id string, seq int64) bool {
	s.detachLocked(resource, id)
	r := ref{resource, id}
	grave := max(seq, s.graves[r])
	e, ok := s.tables[resource][id]
	if ok {
		grave = max(grave, e.seq)
	}
	s.graves[r] = grave
	if !ok {
		return false
	}
	if e.pins > 0 {
		e.tombstoned = true
		e.removed = true
		return true
	}
	s.dropEntryLocked(resource, id)
	return true
}

// RemapID moves an entity from a temporary id to its real id in the table
// and in every slot. If the real id already exists, the entry with the
// higher seq wins. Returns the keys whose id lists changed.
func (s *Store) RemapID(resource, tempID, realID string) ([]querykey.Key, error) {
	if tempID == realID {
		return nil, nil
	}
	var keys []querykey.Key
	var err error
	s.update(func() ([]querykey.Key, bool) {
		table := s.tables[resource]
		tmp, ok := table[tempID]
		if !ok {
			err = fmt.Errorf("store: remap %s/%s: %w", resource, tempID, ErrUnknownEntity)
			return nil, false
		}

		if existing, ok := table[realID]; ok && existing.seq > tmp.seq {
			existing.pins += tmp.pins
		} else {
			if ok {
				tmp.pins += existing.pins
			}
			tmp.entity = ir.WithID(tmp.entity, realID)
			table[realID] = tmp
		}
		delete(table, tempID)

		keys = s.entityKeysLocked(resource, tempID)
		for _, k := range keys {
			sl := s.slots[k]
			if slices.Contains(sl.ids, realID) {
				sl.ids = slices.DeleteFunc(sl.ids, func(x string) bool { return x == tempID })
			} else {
				for i, x := range sl.ids {
					if x == tempID {
						sl.ids[i] = realID
					}
				}
			}
			s.indexAddLocked(ref{resource, realID}, k)
		}
		delete(s.index, ref{resource, tempID})
		return keys, true
	})
	if err != nil {
		return nil, err
	}
	s.logger.Debug("remapped temporary id",
		"event", "entity_remapped",
		"resource", resource,
		"temp_id", tempID,
		"id", realID,
		"slots", len(keys),
	)
	return keys, nil
}

// Pin marks an entity as having an in-flight mutation. Pinned entities are
// never garbage collected by slot eviction.
func (s *Store) Pin(resource, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.tables[resource][id]; ok {
		e.pins++
	}
}

// Unpin releases a Pin once the mutation has settled. Fetches issued
// before this point no longer overwrite the entry; see LandEntity. An entry
// removed while pinned is dropped here.
func (s *Store) Unpin(resource, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.tables[resource][id]
	if !ok || e.pins == 0 {
		return
	}
	e.pins--
	e.settled = s.clock.Next()
	if e.pins == 0 && e.removed {
		s.dropEntryLocked(resource, id)
		s.version++
	}
}

func (s *Store) dropEntryLocked(resource, id string) {
	table := s.tables[resource]
	delete(table, id)
	if len(table) == 0 {
		delete(s.tables, resource)
	}
}

// violate handles an invariant violation according to the store's mode.
func (s *Store) violate(iv *InvariantViolation) error {
	if s.strict {
		panic(iv)
	}
	s.logger.Error("invariant violation",
		"event", "invariant_violation",
		"op", iv.Op,
		"resource", iv.Resource,
		"id", iv.ID,
		"error", iv.Error(),
	)
	return iv
}

package store

import (
	"cmp"
	"fmt"
	"maps"
	"slices"

	"github.com/roach88/entsync/internal/ir"
	"github.com/roach88/entsync/internal/querykey"
)

// EntityRecord is one exported table row.
type EntityRecord struct {
	ID     string
	Seq    int64
	Entity ir.Object
}

// SlotRecord is one exported slot. Fetch state other than the total and
// seq is not exported.
type SlotRecord struct {
	Key      querykey.Key
	Resource string
	IDs      []string
	Total    int
	Seq      int64
}

// State is a full, deterministic copy of the store's durable contents:
// live entities sorted by id and fetched slots sorted by key.
type State struct {
	Clock  int64
	Tables map[string][]EntityRecord
	Slots  []SlotRecord
}

// Empty reports whether the state holds nothing.
func (st *State) Empty() bool {
	return st == nil || (len(st.Tables) == 0 && len(st.Slots) == 0)
}

// Export copies the durable contents of the store. Tombstoned entities
// belong to in-flight deletes and are left out.
func (s *Store) Export() *State {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := &State{
		Clock:  s.clock.Current(),
		Tables: make(map[string][]EntityRecord, len(s.tables)),
	}
	for resource, table := range s.tables {
		var rows []EntityRecord
		for id, e := range table {
			if e.tombstoned {
				continue
			}
			rows = append(rows, EntityRecord{ID: id, Seq: e.seq, Entity: e.entity.Clone()})
		}
		if len(rows) == 0 {
			continue
		}
		slices.SortFunc(rows, func(a, b EntityRecord) int { return cmp.Compare(a.ID, b.ID) })
		st.Tables[resource] = rows
	}
	for _, key := range slices.Sorted(maps.Keys(s.slots)) {
		sl := s.slots[key]
		if !sl.meta.Fetched {
			continue
		}
		st.Slots = append(st.Slots, SlotRecord{
			Key:      key,
			Resource: sl.resource,
			IDs:      slices.Clone(sl.ids),
			Total:    sl.meta.Total,
			Seq:      sl.meta.Seq,
		})
	}
	return st
}

// Validate checks that a state is internally consistent.
func (st *State) Validate() error {
	for resource, rows := range st.Tables {
		if resource == "" {
			return fmt.Errorf("state: table with empty resource")
		}
		for _, row := range rows {
			id, err := ir.EntityID(row.Entity)
			if err != nil {
				return fmt.Errorf("state: %s/%s: %w", resource, row.ID, err)
			}
			if id != row.ID {
				return fmt.Errorf("state: %s: row %q carries id %q", resource, row.ID, id)
			}
		}
	}
	for _, sl := range st.Slots {
		if sl.Resource == "" {
			return fmt.Errorf("state: slot %s: empty resource", sl.Key.Hash())
		}
		if _, err := querykey.Decode(sl.Key); err != nil {
			return fmt.Errorf("state: slot: %w", err)
		}
	}
	return nil
}

// Import replaces the store's contents with st. Existing subscriptions
// survive: their slots are refilled from st when it holds them and emptied
// otherwise. Imported slots start warm. The clock is advanced past every
// imported seq.
func (s *Store) Import(st *State) error {
	if err := st.Validate(); err != nil {
		return err
	}
	s.update(func() ([]querykey.Key, bool) {
		maxSeq := st.Clock

		s.tables = make(map[string]map[string]*entry)
		s.index = make(map[ref]map[querykey.Key]struct{})
		s.graves = make(map[ref]int64)
		s.warm = nil

		var live []querykey.Key
		for k, sl := range s.slots {
			if len(sl.subs) == 0 {
				delete(s.slots, k)
				continue
			}
			sl.ids = nil
			sl.meta = Meta{Total: UnknownTotal}
			live = append(live, k)
		}

		for resource, rows := range st.Tables {
			table := s.tableLocked(resource)
			for _, row := range rows {
				table[row.ID] = &entry{entity: row.Entity.Clone(), seq: row.Seq}
				maxSeq = max(maxSeq, row.Seq)
			}
		}
		for _, rec := range st.Slots {
			sl := s.ensureSlotLocked(rec.Key, rec.Resource)
			s.replaceIDsLocked(sl, rec.IDs)
			sl.meta = Meta{Total: rec.Total, Seq: rec.Seq, Fetched: true}
			maxSeq = max(maxSeq, rec.Seq)
		}

		s.clock.Observe(maxSeq)
		return live, true
	})
	return nil
}

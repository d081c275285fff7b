package store

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/roach88/entsync/internal/ir"
	"github.com/roach88/entsync/internal/querykey"
)

// DefaultRetention is the number of warm (unsubscribed) slots kept.
const DefaultRetention = 32

// UnknownTotal marks a slot whose total row count was not reported.
const UnknownTotal = -1

// Meta is the fetch state of a slot.
type Meta struct {
	Loading    bool
	Validating bool
	Err        error

	// Total is the row count reported by the source, or UnknownTotal.
	Total int

	// Stale is set when an entity in the slot changed a field the slot
	// filters on. Membership is not recomputed locally; the next
	// revalidation clears the flag.
	Stale bool

	// Seq is the request seq of the result the slot currently holds.
	Seq int64

	// Fetched is true once any result has landed.
	Fetched bool
}

// Slot is a read-only copy of the cached result for one key.
type Slot struct {
	Key         querykey.Key
	Resource    string
	IDs         []string
	Meta        Meta
	Subscribers int

	// FilterFields are the fields the slot's query filters on. FilterAll is
	// set when a raw filter hides them.
	FilterFields []string
	FilterAll    bool
}

// Stats summarizes store contents.
type Stats struct {
	Resources  int
	Entities   int
	Tombstones int
	Slots      int
	Warm       int
	Subscribed int
}

// Option configures a Store.
type Option func(*Store)

// WithRetention sets how many warm slots are kept besides the most
// recently warmed one, which is never evicted by the call that warms it.
// With zero, each newly released slot evicts the previous warm one.
func WithRetention(n int) Option {
	return func(s *Store) {
		s.retain = max(n, 0)
	}
}

// WithStrict makes invariant violations panic.
func WithStrict(strict bool) Option {
	return func(s *Store) {
		s.strict = strict
	}
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// WithClock shares a clock with the store.
func WithClock(c *Clock) Option {
	return func(s *Store) {
		s.clock = c
	}
}

type ref struct {
	resource string
	id       string
}

type entry struct {
	entity     ir.Object
	seq        int64
	tombstoned bool

	// pins counts in-flight mutations. Pinned entries survive eviction.
	pins int

	// settled is the clock reading taken when the last mutation unpinned
	// the entry.
	settled int64

	// removed is set when a committed delete had to leave the entry in
	// place for a pinned mutation. The entry goes away on the last Unpin.
	removed bool
}

type slot struct {
	key       querykey.Key
	resource  string
	ids       []string
	meta      Meta
	fields    []string
	allFields bool
	subs      map[*Subscription]struct{}
}

func (sl *slot) snapshot() Slot {
	return Slot{
		Key:          sl.key,
		Resource:     sl.resource,
		IDs:          slices.Clone(sl.ids),
		Meta:         sl.meta,
		Subscribers:  len(sl.subs),
		FilterFields: sl.fields,
		FilterAll:    sl.allFields,
	}
}

// Store is the process-wide normalized cache. Create one per application
// with New and share it by pointer.
//
// Thread-safety: all methods are safe for concurrent use.
type Store struct {
	mu     sync.Mutex
	clock  *Clock
	logger *slog.Logger
	strict bool
	retain int

	tables map[string]map[string]*entry
	slots  map[querykey.Key]*slot
	index  map[ref]map[querykey.Key]struct{}

	// graves records the seq of the delete that removed an id, so results
	// of requests issued before it cannot resurrect the row.
	graves map[ref]int64

	// warm holds unsubscribed slot keys, oldest first.
	warm []querykey.Key

	version uint64
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		logger: slog.Default(),
		retain: DefaultRetention,
		tables: make(map[string]map[string]*entry),
		slots:  make(map[querykey.Key]*slot),
		index:  make(map[ref]map[querykey.Key]struct{}),
		graves: make(map[ref]int64),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.clock == nil {
		s.clock = NewClock()
	}
	return s
}

// Clock returns the store's logical clock.
func (s *Store) Clock() *Clock {
	return s.clock
}

// Strict reports whether invariant violations panic.
func (s *Store) Strict() bool {
	return s.strict
}

// Logger returns the store's logger.
func (s *Store) Logger() *slog.Logger {
	return s.logger
}

// update runs fn under the lock, bumps the version when fn reports touched
// keys or changed state, and wakes subscribers of the returned keys after
// the lock is released.
func (s *Store) update(fn func() (keys []querykey.Key, changed bool)) {
	s.mu.Lock()
	keys, changed := fn()
	if changed || len(keys) > 0 {
		s.version++
	}
	chans := s.subscribersLocked(keys)
	s.mu.Unlock()
	wake(chans)
}

// Version returns a counter that changes on every state change.
func (s *Store) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Get returns a copy of the slot for key.
func (s *Store) Get(key querykey.Key) (Slot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[key]
	if !ok {
		return Slot{}, false
	}
	return sl.snapshot(), true
}

// Keys returns the keys of every slot, optionally restricted to a resource.
func (s *Store) Keys(resource string) []querykey.Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []querykey.Key
	for k, sl := range s.slots {
		if resource == "" || sl.resource == resource {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return keys
}

// Set replaces the id list and metadata of a slot, creating it if needed.
func (s *Store) Set(key querykey.Key, resource string, ids []string, meta Meta) error {
	if resource == "" {
		return fmt.Errorf("store: set %s: empty resource", key.Hash())
	}
	s.update(func() ([]querykey.Key, bool) {
		sl := s.ensureSlotLocked(key, resource)
		s.replaceIDsLocked(sl, ids)
		sl.meta = meta
		return []querykey.Key{key}, true
	})
	return nil
}

// Land records a fetch result issued at seq. The result is discarded, and
// false returned, if the slot already holds a result from a later request.
func (s *Store) Land(key querykey.Key, resource string, ids []string, total int, seq int64) bool {
	landed := false
	s.update(func() ([]querykey.Key, bool) {
		sl := s.ensureSlotLocked(key, resource)
		if sl.meta.Fetched && sl.meta.Seq > seq {
			return nil, false
		}
		s.replaceIDsLocked(sl, ids)
		sl.meta = Meta{Total: total, Seq: seq, Fetched: true}
		landed = true
		return []querykey.Key{key}, true
	})
	if !landed {
		s.logger.Debug("discarded superseded result",
			"event", "slot_result_discarded",
			"key", key.Hash(),
			"seq", seq,
		)
	}
	return landed
}

// UpdateMeta applies fn to the slot's metadata, creating the slot if needed.
func (s *Store) UpdateMeta(key querykey.Key, resource string, fn func(*Meta)) {
	s.update(func() ([]querykey.Key, bool) {
		sl := s.ensureSlotLocked(key, resource)
		fn(&sl.meta)
		return []querykey.Key{key}, true
	})
}

// MarkStale flags slots for revalidation.
func (s *Store) MarkStale(keys ...querykey.Key) {
	s.update(func() ([]querykey.Key, bool) {
		var touched []querykey.Key
		for _, k := range keys {
			if sl, ok := s.slots[k]; ok && !sl.meta.Stale {
				sl.meta.Stale = true
				touched = append(touched, k)
			}
		}
		return touched, false
	})
}

// Attach appends id to the slot's id list if it is not already present.
// Optimistic creates use it to show new rows in chosen lists.
func (s *Store) Attach(key querykey.Key, resource, id string) bool {
	attached := false
	s.update(func() ([]querykey.Key, bool) {
		sl, ok := s.slots[key]
		if !ok || sl.resource != resource || slices.Contains(sl.ids, id) {
			return nil, false
		}
		sl.ids = append(sl.ids, id)
		s.indexAddLocked(ref{resource, id}, key)
		attached = true
		return []querykey.Key{key}, true
	})
	return attached
}

// Resolve projects a slot onto the canonical table. Missing and tombstoned
// ids are skipped. The returned objects are copies.
func (s *Store) Resolve(key querykey.Key) ([]ir.Object, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[key]
	if !ok {
		return nil, false
	}
	table := s.tables[sl.resource]
	out := make([]ir.Object, 0, len(sl.ids))
	for _, id := range sl.ids {
		e, ok := table[id]
		if !ok || e.tombstoned {
			continue
		}
		out = append(out, e.entity.Clone())
	}
	return out, true
}

// Notify wakes the subscribers of the given keys.
func (s *Store) Notify(keys ...querykey.Key) {
	s.mu.Lock()
	chans := s.subscribersLocked(keys)
	s.mu.Unlock()
	wake(chans)
}

// Clear drops every entity and cached result. Subscribed slots stay in
// place, empty, so their consumers see the reset.
func (s *Store) Clear() {
	s.update(func() ([]querykey.Key, bool) {
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
		s.tables = make(map[string]map[string]*entry)
		s.index = make(map[ref]map[querykey.Key]struct{})
		s.graves = make(map[ref]int64)
		s.warm = nil
		return live, true
	})
	s.logger.Info("cache cleared", "event", "store_cleared")
}

// Stats returns a summary of the store's contents.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{Resources: len(s.tables), Slots: len(s.slots), Warm: len(s.warm)}
	for _, table := range s.tables {
		for _, e := range table {
			if e.tombstoned {
				st.Tombstones++
			} else {
				st.Entities++
			}
		}
	}
	st.Subscribed = st.Slots - st.Warm
	return st
}

// ensureSlotLocked returns the slot for key, creating an unsubscribed one.
func (s *Store) ensureSlotLocked(key querykey.Key, resource string) *slot {
	if sl, ok := s.slots[key]; ok {
		return sl
	}
	sl := &slot{
		key:      key,
		resource: resource,
		meta:     Meta{Total: UnknownTotal},
		subs:     make(map[*Subscription]struct{}),
	}
	if spec, err := querykey.Decode(key); err == nil {
		sl.fields, sl.allFields = spec.FilterFields()
	} else {
		sl.allFields = true
	}
	s.slots[key] = sl
	s.warmLocked(key)
	return sl
}

// replaceIDsLocked swaps a slot's id list and keeps the index in step.
// Duplicate ids keep their first position.
func (s *Store) replaceIDsLocked(sl *slot, ids []string) {
	for _, id := range sl.ids {
		s.indexRemoveLocked(ref{sl.resource, id}, sl.key)
	}
	seen := make(map[string]bool, len(ids))
	next := make([]string, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		next = append(next, id)
		s.indexAddLocked(ref{sl.resource, id}, sl.key)
	}
	sl.ids = next
}

func (s *Store) indexAddLocked(r ref, key querykey.Key) {
	keys, ok := s.index[r]
	if !ok {
		keys = make(map[querykey.Key]struct{})
		s.index[r] = keys
	}
	keys[key] = struct{}{}
}

func (s *Store) indexRemoveLocked(r ref, key querykey.Key) {
	keys, ok := s.index[r]
	if !ok {
		return
	}
	delete(keys, key)
	if len(keys) == 0 {
		delete(s.index, r)
	}
}

func (s *Store) tableLocked(resource string) map[string]*entry {
	table, ok := s.tables[resource]
	if !ok {
		table = make(map[string]*entry)
		s.tables[resource] = table
	}
	return table
}

package store

import (
	"slices"
	"sync"

	"github.com/roach88/entsync/internal/querykey"
)

// Subscription delivers change signals for one slot.
//
// Signals coalesce: the channel has a buffer of one, so a slow consumer
// sees at most one pending signal and re-reads the slot when it wakes.
// The channel is never closed.
type Subscription struct {
	key   querykey.Key
	c     chan struct{}
	store *Store
	once  sync.Once
}

// Key returns the subscribed key.
func (sub *Subscription) Key() querykey.Key {
	return sub.key
}

// C returns the signal channel.
func (sub *Subscription) C() <-chan struct{} {
	return sub.c
}

// Close unsubscribes. It is safe to call more than once.
func (sub *Subscription) Close() {
	sub.once.Do(func() {
		sub.store.unsubscribe(sub)
	})
}

// Subscribe registers interest in a key, creating an empty slot on first
// use. A subscribed slot is never evicted.
func (s *Store) Subscribe(key querykey.Key, resource string) *Subscription {
	sub := &Subscription{key: key, c: make(chan struct{}, 1), store: s}
	s.mu.Lock()
	defer s.mu.Unlock()
	sl := s.ensureSlotLocked(key, resource)
	if len(sl.subs) == 0 {
		s.unwarmLocked(key)
	}
	sl.subs[sub] = struct{}{}
	return sub
}

// Unsubscribe is the same as sub.Close.
func (s *Store) Unsubscribe(sub *Subscription) {
	sub.Close()
}

func (s *Store) unsubscribe(sub *Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[sub.key]
	if !ok {
		return
	}
	delete(sl.subs, sub)
	if len(sl.subs) == 0 {
		s.warmLocked(sub.key)
	}
}

// warmLocked moves key to the newest end of the warm list and evicts the
// oldest warm slots beyond the retention limit. key itself is never evicted
// by the call that warms it.
func (s *Store) warmLocked(key querykey.Key) {
	s.unwarmLocked(key)
	s.warm = append(s.warm, key)
	for len(s.warm) > s.retain && s.warm[0] != key {
		s.evictLocked(s.warm[0])
	}
}

func (s *Store) unwarmLocked(key querykey.Key) {
	if i := slices.Index(s.warm, key); i >= 0 {
		s.warm = slices.Delete(s.warm, i, i+1)
	}
}

// evictLocked drops a warm slot. Entities it referenced that no other slot
// references, and that no mutation pins, are garbage collected.
func (s *Store) evictLocked(key querykey.Key) {
	sl, ok := s.slots[key]
	if !ok {
		s.unwarmLocked(key)
		return
	}
	delete(s.slots, key)
	s.unwarmLocked(key)

	collected := 0
	table := s.tables[sl.resource]
	for _, id := range sl.ids {
		r := ref{sl.resource, id}
		s.indexRemoveLocked(r, key)
		if _, still := s.index[r]; still {
			continue
		}
		if e, ok := table[id]; ok && e.pins == 0 {
			s.dropEntryLocked(sl.resource, id)
			collected++
		}
	}
	s.version++

	s.logger.Debug("evicted warm slot",
		"event", "slot_evicted",
		"key", key.Hash(),
		"resource", sl.resource,
		"collected", collected,
	)
}

func (s *Store) subscribersLocked(keys []querykey.Key) []chan struct{} {
	var chans []chan struct{}
	for _, k := range keys {
		sl, ok := s.slots[k]
		if !ok {
			continue
		}
		for sub := range sl.subs {
			chans = append(chans, sub.c)
		}
	}
	return chans
}

func wake(chans []chan struct{}) {
	for _, c := range chans {
		select {
		case c <- struct{}{}:
		default:
		}
	}
}

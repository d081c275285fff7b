// Package store is the in-memory normalized entity cache.
//
// The store holds, per resource, a canonical table mapping entity id to the
// single authoritative entity, and per query key a slot holding an ordered
// id list plus fetch metadata. A secondary index maps (resource, id) to the
// keys whose slots reference the id.
//
// # Critical Patterns
//
// Single authoritative copy
//   - Slots hold ids only; Resolve projects them onto the table
//   - One entity write is visible through every slot at once
//
// Logical ordering
//   - Every write carries a seq from the store's Clock
//   - A write with a seq lower than the id's last applied seq is discarded
//   - Ordering NEVER depends on wall time or arrival order
//
// Locking
//   - One mutex guards all state; operations run to completion under it
//   - Subscribers are woken after the lock is released
//
// Retention
//   - A slot with no subscribers is "warm"; only the newest N warm slots
//     are kept
//   - Evicting a slot drops entities nothing else references
package store

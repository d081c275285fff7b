// Package harness runs scripted cache scenarios.
//
// A scenario seeds an in-memory remote, then drives a real client through
// a list of steps: opening queries, mutating, holding remote calls open to
// observe optimistic state, delivering realtime deltas, and restarting from
// a persisted snapshot. Every step appends to a trace that can be compared
// against a golden file.
//
// # Scenario Format
//
//	name: profile_rename
//	description: "A rename shows in every handle before the server answers"
//	seed:
//	  profiles:
//	    - { id: u1, full_name: Dave, team: t1 }
//	steps:
//	  - open: { as: q, resource: profiles, filters: { id: u1 } }
//	  - open: { as: w, resource: profiles, id: u1 }
//	  - update: { handle: q, id: u1, patch: { full_name: Dave2 }, hold: rename }
//	  - expect: { handle: w, data: [{ id: u1, full_name: Dave2, team: t1 }] }
//	  - release: rename
//	assertions:
//	  - type: remote_calls
//	    op: select
//	    count: 1
//	  - type: final_state
//	    resource: profiles
//	    id: u1
//	    expect: { full_name: Dave2 }
//
// # Assertion Types
//
//   - trace_contains: an event of the type (optionally "type:op") exists
//   - trace_order: the events appear in order, each after the previous match
//   - trace_count: an event appears exactly N times
//   - final_state: a cached entity matches by subset, or is absent
//   - remote_state: a remote row matches by subset, or is absent
//   - remote_calls: the remote saw exactly N calls of an operation
//
// # Deterministic Testing
//
// Runs are deterministic: server ids and temporary ids come from
// testutil.DeterministicIDs, trace sequence numbers are assigned by the
// harness, and every remote call completes before the next step unless a
// step holds it.
package harness

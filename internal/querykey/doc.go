// Package querykey derives canonical cache keys from structured queries.
//
// A Spec names a resource, per-field filters, a pagination window and an
// ordering. Encode renders it as canonical JSON (see ir.MarshalCanonical),
// so filter insertion order never changes the key and offset windows never
// collide with range windows.
package querykey

// Package ir provides the value model shared by every entsync package.
//
// This package contains value types and pure helpers only. All other
// internal packages import ir; ir imports nothing internal. This keeps it
// the foundational layer with no circular dependencies.
//
// Key design constraints:
//   - Entities are Objects with a string "id" field and nothing else required
//   - Int and Float are distinct so decoded JSON re-encodes to the same bytes
//   - MarshalCanonical is the only encoding used for cache keys and digests
//   - Digests use SHA-256 with domain separation (see hash.go)
package ir

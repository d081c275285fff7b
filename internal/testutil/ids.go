package testutil

import (
	"fmt"
	"sync"
)

// DeterministicIDs generates predictable ids for tests: "<prefix>-1",
// "<prefix>-2", and so on.
//
// Mutation temporary ids and in-memory source inserts use it so that the
// same scenario produces byte-identical traces on every run.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type DeterministicIDs struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewDeterministicIDs creates a generator. An empty prefix becomes "id".
//
// The first call to Next() returns "<prefix>-1".
func NewDeterministicIDs(prefix string) *DeterministicIDs {
	if prefix == "" {
		prefix = "id"
	}
	return &DeterministicIDs{prefix: prefix}
}

// Next returns the next id.
func (g *DeterministicIDs) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%d", g.prefix, g.n)
}

// Count returns how many ids have been generated since the last reset.
func (g *DeterministicIDs) Count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.n
}

// Reset restarts the sequence. After Reset(), Next() returns "<prefix>-1".
func (g *DeterministicIDs) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n = 0
}

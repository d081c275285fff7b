package testutil

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeterministicIDs_Sequence(t *testing.T) {
	ids := NewDeterministicIDs("tmp")
	assert.Equal(t, 0, ids.Count())
	assert.Equal(t, "tmp-1", ids.Next())
	assert.Equal(t, "tmp-2", ids.Next())
	assert.Equal(t, 2, ids.Count())
}

func TestDeterministicIDs_DefaultPrefix(t *testing.T) {
	assert.Equal(t, "id-1", NewDeterministicIDs("").Next())
}

func TestDeterministicIDs_Reset(t *testing.T) {
	ids := NewDeterministicIDs("row")
	ids.Next()
	ids.Next()
	ids.Reset()
	assert.Equal(t, "row-1", ids.Next())
}

func TestDeterministicIDs_ThreadSafe(t *testing.T) {
	ids := NewDeterministicIDs("c")
	const numGoroutines = 50
	const callsPerGoroutine = 20

	var mu sync.Mutex
	seen := make(map[string]bool)
	var wg sync.WaitGroup
	wg.Add(numGoroutines)
	for i := 0; i < numGoroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < callsPerGoroutine; j++ {
				id := ids.Next()
				mu.Lock()
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, seen, numGoroutines*callsPerGoroutine, "every id must be unique")
	assert.Equal(t, numGoroutines*callsPerGoroutine, ids.Count())
}

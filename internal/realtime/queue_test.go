package realtime

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChangeQueue_FIFO(t *testing.T) {
	q := newChangeQueue()
	for _, id := range []string{"A", "B", "C"} {
		require.True(t, q.Enqueue(Change{Resource: "r", Kind: KindDelete, ID: id}))
	}
	assert.Equal(t, 3, q.Len())

	for _, want := range []string{"A", "B", "C"} {
		c, ok := q.TryDequeue()
		require.True(t, ok)
		assert.Equal(t, want, c.ID)
	}
	_, ok := q.TryDequeue()
	assert.False(t, ok)
}

func TestChangeQueue_SignalCoalesces(t *testing.T) {
	q := newChangeQueue()
	q.Enqueue(Change{ID: "a"})
	q.Enqueue(Change{ID: "b"})

	select {
	case <-q.Wait():
	case <-time.After(time.Second):
		t.Fatal("no signal after enqueue")
	}
	select {
	case <-q.Wait():
		t.Fatal("signals should coalesce into one")
	default:
	}
	assert.Equal(t, 2, q.Len())
}

func TestChangeQueue_CloseRejectsAndWakes(t *testing.T) {
	q := newChangeQueue()
	q.Enqueue(Change{ID: "kept"})
	<-q.Wait()

	q.Close()
	q.Close()
	assert.True(t, q.Closed())
	assert.False(t, q.Enqueue(Change{ID: "late"}))

	select {
	case <-q.Wait():
	case <-time.After(time.Second):
		t.Fatal("close should wake waiters")
	}
	c, ok := q.TryDequeue()
	require.True(t, ok, "queued changes survive close")
	assert.Equal(t, "kept", c.ID)
}

func TestChangeQueue_ConcurrentEnqueue(t *testing.T) {
	q := newChangeQueue()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				q.Enqueue(Change{ID: "x"})
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1000, q.Len())
}

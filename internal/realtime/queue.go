package realtime

import "sync"

// changeQueue is an unbounded FIFO of changes.
//
// Transports enqueue from their own goroutines; the merger's Run loop is
// the only consumer. A buffered signal channel of size 1 coalesces wakeups
// so the loop can wait on it next to ctx.Done().
type changeQueue struct {
	mu      sync.Mutex
	changes []Change
	closed  bool
	signal  chan struct{}
}

func newChangeQueue() *changeQueue {
	return &changeQueue{
		changes: make([]Change, 0, 64),
		signal:  make(chan struct{}, 1),
	}
}

// Enqueue appends c. It returns false once the queue is closed.
func (q *changeQueue) Enqueue(c Change) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.changes = append(q.changes, c)

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue pops the front change without blocking.
func (q *changeQueue) TryDequeue() (Change, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.changes) == 0 {
		return Change{}, false
	}
	c := q.changes[0]
	// Drop the reference so the entity can be collected.
	q.changes[0] = Change{}
	if len(q.changes) == 1 {
		q.changes = q.changes[:0]
	} else {
		q.changes = q.changes[1:]
	}
	return c, true
}

// Wait signals that changes may be available. The channel is closed when
// the queue closes.
func (q *changeQueue) Wait() <-chan struct{} {
	return q.signal
}

func (q *changeQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.changes)
}

func (q *changeQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Close stops further enqueues and wakes the consumer.
func (q *changeQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}

package supervisor

import (
	"sync"

	"github.com/kandev/codexbridge/internal/agent/types"
)

// updateQueue is an unbounded FIFO with many producers and one consumer.
// Producers never block, so a slow consumer cannot stall the stdout reader.
type updateQueue struct {
	mu     sync.Mutex
	items  []types.RunUpdate
	closed bool
	notify chan struct{}
}

func newUpdateQueue() *updateQueue {
	return &updateQueue{notify: make(chan struct{}, 1)}
}

// push appends u and reports false if the queue is already closed.
func (q *updateQueue) push(u types.RunUpdate) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, u)
	q.mu.Unlock()
	q.wake()
	return true
}

// close marks the end of the stream. Queued items are still delivered.
func (q *updateQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

// pop blocks for the next item. It returns false once the queue is closed
// and drained.
func (q *updateQueue) pop() (types.RunUpdate, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			u := q.items[0]
			q.items[0] = types.RunUpdate{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return u, true
		}
		if q.closed {
			q.mu.Unlock()
			return types.RunUpdate{}, false
		}
		q.mu.Unlock()
		<-q.notify
	}
}

func (q *updateQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

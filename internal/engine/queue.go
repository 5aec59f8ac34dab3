package engine

import (
	"context"
	"fmt"
	"sync"
)

// taskQueue is the FIFO backlog of pending submissions. Enqueue reports the
// 1-based queue position for observability; Dequeue blocks until an item or
// context cancellation.
type taskQueue struct {
	mu       sync.Mutex
	items    []Submission
	capacity int
	wake     chan struct{}
}

func newTaskQueue(capacity int) *taskQueue {
	if capacity <= 0 {
		capacity = 64
	}
	return &taskQueue{
		capacity: capacity,
		wake:     make(chan struct{}, 1),
	}
}

// Enqueue appends to the tail and returns the submission's queue position.
func (q *taskQueue) Enqueue(sub Submission) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.capacity {
		return 0, fmt.Errorf("task queue full (%d pending)", len(q.items))
	}
	q.items = append(q.items, sub)
	pos := len(q.items)

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return pos, nil
}

// Dequeue pops the head, blocking until an item is available. The second
// return is false when the context is canceled first.
func (q *taskQueue) Dequeue(ctx context.Context) (Submission, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			sub := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return sub, true
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return Submission{}, false
		case <-q.wake:
		}
	}
}

// Len returns the number of queued submissions.
func (q *taskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

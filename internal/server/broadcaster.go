package server

import (
	"sync"

	"github.com/harrison/dispatch/internal/models"
)

// Broadcaster fans task snapshots out to per-task subscribers. It implements
// the engine's status sink; the server uses it both for SSE streams and for
// the blocking peer-message endpoint that waits on a terminal state.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[string]map[chan *models.Task]struct{}
}

// NewBroadcaster creates an empty Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subs: make(map[string]map[chan *models.Task]struct{}),
	}
}

// TaskUpdated delivers a snapshot to every subscriber of the task. Slow
// subscribers miss intermediate updates rather than blocking the pipeline:
// each channel holds the latest pending snapshot only.
func (b *Broadcaster) TaskUpdated(task *models.Task) {
	if task == nil {
		return
	}
	snapshot := *task

	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[task.ID] {
		select {
		case ch <- &snapshot:
		default:
			// Drop the stale pending snapshot and replace it.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- &snapshot:
			default:
			}
		}
	}
}

// Subscribe registers for updates on taskID. The returned cancel function
// must be called to release the subscription.
func (b *Broadcaster) Subscribe(taskID string) (<-chan *models.Task, func()) {
	ch := make(chan *models.Task, 1)

	b.mu.Lock()
	if b.subs[taskID] == nil {
		b.subs[taskID] = make(map[chan *models.Task]struct{})
	}
	b.subs[taskID][ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if set, ok := b.subs[taskID]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(b.subs, taskID)
			}
		}
	}
	return ch, cancel
}

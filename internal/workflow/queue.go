package workflow

import (
	"context"
	"sync"
)

// Queue is a named FIFO task conduit. Enqueue never blocks; Dequeue blocks
// until a message arrives or the context ends. The in-memory implementation
// is the default; the interface is the seam for an external broker.
type Queue interface {
	Enqueue(ctx context.Context, m *message) error
	Dequeue(ctx context.Context) (*message, error)
	Len() int
}

// memoryQueue is an unbounded in-process FIFO.
type memoryQueue struct {
	mu     sync.Mutex
	items  []*message
	notify chan struct{}
}

func newMemoryQueue() *memoryQueue {
	return &memoryQueue{notify: make(chan struct{}, 1)}
}

func (q *memoryQueue) Enqueue(_ context.Context, m *message) error {
	q.mu.Lock()
	q.items = append(q.items, m)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

func (q *memoryQueue) Dequeue(ctx context.Context) (*message, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			m := q.items[0]
			q.items = q.items[1:]
			remaining := len(q.items)
			q.mu.Unlock()
			// Re-signal so sibling workers see the remaining backlog.
			if remaining > 0 {
				select {
				case q.notify <- struct{}{}:
				default:
				}
			}
			return m, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.notify:
		}
	}
}

func (q *memoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

package durable

import (
	"context"
	"sync"
)

// readyQueue hands batches whose history has been fetched to GetNextSession. It is safe for concurrent use.
type readyQueue struct {
	mu      sync.Mutex
	batches []*pendingBatch
	signal  chan struct{}
}

func newReadyQueue() *readyQueue {
	return &readyQueue{
		signal: make(chan struct{}, 1),
	}
}

func (q *readyQueue) Enqueue(b *pendingBatch) {
	q.mu.Lock()
	q.batches = append(q.batches, b)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Dequeue blocks until a batch is available or ctx is done.
func (q *readyQueue) Dequeue(ctx context.Context) (*pendingBatch, error) {
	for {
		q.mu.Lock()
		if len(q.batches) > 0 {
			b := q.batches[0]
			q.batches[0] = nil
			q.batches = q.batches[1:]
			more := len(q.batches) > 0
			q.mu.Unlock()

			// Pass the signal on so that other waiting consumers wake up.
			if more {
				select {
				case q.signal <- struct{}{}:
				default:
				}
			}

			return b, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.signal:
		}
	}
}

func (q *readyQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.batches)
}

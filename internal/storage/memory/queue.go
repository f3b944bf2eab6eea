package memory

import (
	"context"
	"sync"
)

// Queue is a volatile queue with the same delivery contract as the sqlite queue:
// FIFO order, the outstanding pack is served again until acknowledged, and Put
// fails once Limit records are held. A zero Limit means unbounded.
type Queue struct {
	mu        sync.Mutex
	items     []string
	pending   int
	batchSize int
	limit     int
	stopped   bool
}

func NewQueue(batchSize, limit int) *Queue {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Queue{batchSize: batchSize, limit: limit}
}

func (q *Queue) Put(payload string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped || (q.limit > 0 && len(q.items) >= q.limit) {
		return false
	}
	q.items = append(q.items, payload)
	return true
}

func (q *Queue) GetEventPack(context.Context) []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return nil
	}
	if q.pending == 0 {
		q.pending = min(q.batchSize, len(q.items))
	}
	if q.pending == 0 {
		return nil
	}
	return append([]string(nil), q.items[:q.pending]...)
}

func (q *Queue) EventPackProcessingDone(context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = q.items[q.pending:]
	q.pending = 0
}

func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.stopped = true
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

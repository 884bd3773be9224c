package objlog

import (
	"sync"

	"github.com/ehrlich-b/objlog/internal/record"
)

const DefaultQueueCapacity = 100000

// Queue is a bounded FIFO of records waiting to be persisted.
type Queue[T any] struct {
	mu       sync.Mutex
	items    []record.Record[T]
	capacity int
}

// NewQueue returns a queue holding at most capacity records. A capacity of
// zero or less selects DefaultQueueCapacity.
func NewQueue[T any](capacity int) *Queue[T] {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Queue[T]{capacity: capacity}
}

// Offer appends rec unless the queue is full.
func (q *Queue[T]) Offer(rec record.Record[T]) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return false
	}
	q.items = append(q.items, rec)
	return true
}

// Drain removes and returns everything queued, oldest first.
func (q *Queue[T]) Drain() []record.Record[T] {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue[T]) Cap() int {
	return q.capacity
}

package crank

import (
	"sync"

	"github.com/google/uuid"
)

// Target is one unit of crank work: a user's settlement in one market.
type Target struct {
	Market uuid.UUID `json:"market"`
	User   uuid.UUID `json:"user"`
}

func (t Target) String() string { return t.Market.String() + "/" + t.User.String() }

// DedupQueue is a FIFO that holds each item at most once. Safe for
// concurrent use; PopMany never hands the same item to two callers.
type DedupQueue[T comparable] struct {
	mu      sync.Mutex
	items   []T
	present map[T]struct{}
}

func NewDedupQueue[T comparable]() *DedupQueue[T] {
	return &DedupQueue[T]{present: make(map[T]struct{})}
}

// Push appends the items not already queued and reports how many were added.
func (q *DedupQueue[T]) Push(items ...T) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	added := 0
	for _, it := range items {
		if _, ok := q.present[it]; ok {
			continue
		}
		q.present[it] = struct{}{}
		q.items = append(q.items, it)
		added++
	}
	return added
}

// PopMany removes and returns up to n items in queue order.
func (q *DedupQueue[T]) PopMany(n int) []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	if n <= 0 || len(q.items) == 0 {
		return nil
	}
	n = min(n, len(q.items))
	out := make([]T, n)
	copy(out, q.items[:n])
	for _, it := range out {
		delete(q.present, it)
	}
	q.items = append(q.items[:0:0], q.items[n:]...)
	return out
}

func (q *DedupQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *DedupQueue[T]) Contains(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.present[item]
	return ok
}

package queue

import (
	"TermLedger/internal/errs"
	"sync"
)

// Queue is the cursor-based event sequence between the matching primitive
// and the consumption pipeline. Sequence numbers start at 0 and are assigned
// on Push. Cursor is the next sequence to consume and is the only state the
// consumer needs to resume.
type Queue interface {
	// Push appends events atomically and returns them with sequences assigned.
	Push(events ...Event) ([]Event, error)
	// Peek returns up to limit events starting at the cursor without consuming them.
	Peek(limit int) ([]Event, error)
	// Advance consumes the event at the cursor; seq must equal Cursor().
	Advance(seq uint64) error
	// Cursor is the sequence of the next event to consume.
	Cursor() uint64
	// Head is the sequence the next pushed event will receive.
	Head() uint64
	// Len is the number of unconsumed events.
	Len() int
	// Reset moves the cursor back to a retained sequence, used when restoring
	// ledger state from a snapshot taken at that cursor.
	Reset(cursor uint64) error
	// Truncate drops unconsumed events at or above head so they can be
	// regenerated by replaying the instructions that produced them.
	Truncate(head uint64) error
	// Compact drops consumed events below upTo.
	Compact(upTo uint64) error
	Close() error
}

// MemoryQueue is an in-process Queue.
type MemoryQueue struct {
	mu     sync.Mutex
	events []Event // events[i] has Seq floor+i
	floor  uint64
	cursor uint64
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{}
}

func (q *MemoryQueue) Push(events ...Event) ([]Event, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	head := q.floor + uint64(len(q.events))
	out := make([]Event, len(events))
	for i, e := range events {
		e.Seq = head + uint64(i)
		out[i] = e
	}
	q.events = append(q.events, out...)
	return out, nil
}

func (q *MemoryQueue) Peek(limit int) ([]Event, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	start := int(q.cursor - q.floor)
	end := len(q.events)
	if limit >= 0 && start+limit < end {
		end = start + limit
	}
	out := make([]Event, end-start)
	copy(out, q.events[start:end])
	return out, nil
}

func (q *MemoryQueue) Advance(seq uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if seq != q.cursor {
		return errs.ErrCursorMismatch.With("advance %d, cursor at %d", seq, q.cursor)
	}
	if q.cursor >= q.floor+uint64(len(q.events)) {
		return errs.ErrCursorMismatch.With("advance %d past head", seq)
	}
	q.cursor++
	return nil
}

func (q *MemoryQueue) Cursor() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cursor
}

func (q *MemoryQueue) Head() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.floor + uint64(len(q.events))
}

func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int(q.floor + uint64(len(q.events)) - q.cursor)
}

func (q *MemoryQueue) Reset(cursor uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if cursor < q.floor || cursor > q.floor+uint64(len(q.events)) {
		return errs.ErrCursorMismatch.With("reset to %d outside retained range [%d,%d]",
			cursor, q.floor, q.floor+uint64(len(q.events)))
	}
	q.cursor = cursor
	return nil
}

func (q *MemoryQueue) Truncate(head uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	cur := q.floor + uint64(len(q.events))
	if head < q.cursor || head > cur {
		return errs.ErrCursorMismatch.With("truncate to %d outside [%d,%d]", head, q.cursor, cur)
	}
	q.events = q.events[:head-q.floor]
	return nil
}

func (q *MemoryQueue) Compact(upTo uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if upTo > q.cursor {
		return errs.ErrCursorMismatch.With("compact to %d beyond cursor %d", upTo, q.cursor)
	}
	if upTo <= q.floor {
		return nil
	}
	drop := int(upTo - q.floor)
	q.events = append([]Event(nil), q.events[drop:]...)
	q.floor = upTo
	return nil
}

func (q *MemoryQueue) Close() error { return nil }

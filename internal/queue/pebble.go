package queue

import (
	"TermLedger/internal/errs"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"
)

// PebbleQueue is a durable Queue for one market. Records live under
// q:<market>:e:<seq>; cursor, head and floor under q:<market>:m:<name>.
// Several markets can share one pebble.DB.
type PebbleQueue struct {
	db     *pebble.DB
	prefix []byte

	mu     sync.Mutex
	head   uint64
	cursor uint64
	floor  uint64
}

// OpenPebble opens (or creates) the event store at path.
func OpenPebble(path string, opts *pebble.Options) (*pebble.DB, error) {
	if opts == nil {
		opts = &pebble.Options{}
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("open pebble %s: %w", path, err)
	}
	return db, nil
}

// NewPebbleQueue loads the queue state for market from db.
func NewPebbleQueue(db *pebble.DB, market uuid.UUID) (*PebbleQueue, error) {
	prefix := make([]byte, 0, 2+16+1)
	prefix = append(prefix, "q:"...)
	prefix = append(prefix, market[:]...)
	prefix = append(prefix, ':')

	q := &PebbleQueue{db: db, prefix: prefix}
	var err error
	if q.head, err = q.readMeta("head"); err != nil {
		return nil, err
	}
	if q.cursor, err = q.readMeta("cursor"); err != nil {
		return nil, err
	}
	if q.floor, err = q.readMeta("floor"); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *PebbleQueue) eventKey(seq uint64) []byte {
	k := make([]byte, 0, len(q.prefix)+2+8)
	k = append(k, q.prefix...)
	k = append(k, "e:"...)
	return binary.BigEndian.AppendUint64(k, seq)
}

func (q *PebbleQueue) metaKey(name string) []byte {
	k := make([]byte, 0, len(q.prefix)+2+len(name))
	k = append(k, q.prefix...)
	k = append(k, "m:"...)
	return append(k, name...)
}

func (q *PebbleQueue) readMeta(name string) (uint64, error) {
	val, closer, err := q.db.Get(q.metaKey(name))
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read queue %s: %w", name, err)
	}
	defer closer.Close()
	if len(val) != 8 {
		return 0, fmt.Errorf("queue %s: corrupt value of %d bytes", name, len(val))
	}
	return binary.BigEndian.Uint64(val), nil
}

func u64(v uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, v)
}

func (q *PebbleQueue) Push(events ...Event) ([]Event, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(events) == 0 {
		return nil, nil
	}

	b := q.db.NewBatch()
	defer b.Close()

	out := make([]Event, len(events))
	for i, e := range events {
		e.Seq = q.head + uint64(i)
		out[i] = e
		if err := b.Set(q.eventKey(e.Seq), Encode(e), nil); err != nil {
			return nil, fmt.Errorf("stage event %d: %w", e.Seq, err)
		}
	}
	newHead := q.head + uint64(len(events))
	if err := b.Set(q.metaKey("head"), u64(newHead), nil); err != nil {
		return nil, fmt.Errorf("stage head: %w", err)
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return nil, fmt.Errorf("commit events: %w", err)
	}
	q.head = newHead
	return out, nil
}

func (q *PebbleQueue) Peek(limit int) ([]Event, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	iter, err := q.db.NewIter(&pebble.IterOptions{
		LowerBound: q.eventKey(q.cursor),
		UpperBound: q.eventKey(q.head),
	})
	if err != nil {
		return nil, fmt.Errorf("open iterator: %w", err)
	}
	defer iter.Close()

	var out []Event
	for iter.First(); iter.Valid(); iter.Next() {
		if limit >= 0 && len(out) >= limit {
			break
		}
		e, err := Decode(iter.Value())
		if err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		out = append(out, e)
	}
	return out, iter.Error()
}

func (q *PebbleQueue) Advance(seq uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if seq != q.cursor {
		return errs.ErrCursorMismatch.With("advance %d, cursor at %d", seq, q.cursor)
	}
	if q.cursor >= q.head {
		return errs.ErrCursorMismatch.With("advance %d past head", seq)
	}
	if err := q.db.Set(q.metaKey("cursor"), u64(q.cursor+1), pebble.Sync); err != nil {
		return fmt.Errorf("persist cursor: %w", err)
	}
	q.cursor++
	return nil
}

func (q *PebbleQueue) Cursor() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cursor
}

func (q *PebbleQueue) Head() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.head
}

func (q *PebbleQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int(q.head - q.cursor)
}

func (q *PebbleQueue) Reset(cursor uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if cursor < q.floor || cursor > q.head {
		return errs.ErrCursorMismatch.With("reset to %d outside retained range [%d,%d]", cursor, q.floor, q.head)
	}
	if err := q.db.Set(q.metaKey("cursor"), u64(cursor), pebble.Sync); err != nil {
		return fmt.Errorf("persist cursor: %w", err)
	}
	q.cursor = cursor
	return nil
}

func (q *PebbleQueue) Truncate(head uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if head < q.cursor || head > q.head {
		return errs.ErrCursorMismatch.With("truncate to %d outside [%d,%d]", head, q.cursor, q.head)
	}
	if head == q.head {
		return nil
	}
	b := q.db.NewBatch()
	defer b.Close()
	if err := b.DeleteRange(q.eventKey(head), q.eventKey(q.head), nil); err != nil {
		return fmt.Errorf("stage truncate: %w", err)
	}
	if err := b.Set(q.metaKey("head"), u64(head), nil); err != nil {
		return fmt.Errorf("stage head: %w", err)
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("commit truncate: %w", err)
	}
	q.head = head
	return nil
}

func (q *PebbleQueue) Compact(upTo uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if upTo > q.cursor {
		return errs.ErrCursorMismatch.With("compact to %d beyond cursor %d", upTo, q.cursor)
	}
	if upTo <= q.floor {
		return nil
	}

	b := q.db.NewBatch()
	defer b.Close()
	if err := b.DeleteRange(q.eventKey(q.floor), q.eventKey(upTo), nil); err != nil {
		return fmt.Errorf("stage compaction: %w", err)
	}
	if err := b.Set(q.metaKey("floor"), u64(upTo), nil); err != nil {
		return fmt.Errorf("stage floor: %w", err)
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("commit compaction: %w", err)
	}
	q.floor = upTo
	return nil
}

// Close is a no-op: the shared pebble.DB is closed by its owner.
func (q *PebbleQueue) Close() error { return nil }

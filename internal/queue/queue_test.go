package queue_test

import (
	"TermLedger/internal/errs"
	"TermLedger/internal/fixedpoint"
	"TermLedger/internal/queue"
	"TermLedger/internal/tag"
	"errors"
	"testing"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/google/uuid"
)

func memPebble(t *testing.T) *pebble.DB {
	t.Helper()
	db, err := queue.OpenPebble("", &pebble.Options{FS: vfs.NewMem()})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

type queueFactory func(t *testing.T) queue.Queue

func factories() map[string]queueFactory {
	return map[string]queueFactory{
		"memory": func(t *testing.T) queue.Queue { return queue.NewMemoryQueue() },
		"pebble": func(t *testing.T) queue.Queue {
			q, err := queue.NewPebbleQueue(memPebble(t), uuid.New())
			if err != nil {
				t.Fatalf("new pebble queue: %v", err)
			}
			return q
		},
	}
}

func fill(base uint64) queue.Event {
	return queue.Event{Kind: queue.KindFill, Side: queue.SideAsk, Base: base, Quote: base - 1}
}

// ============================================================================
// Test: record codec
// ============================================================================

func TestEncodeDecode(t *testing.T) {
	maker, _ := tag.Encode(uuid.New(), uuid.New(), uuid.New(), tag.FlagLend, 3)
	taker, _ := tag.Encode(uuid.New(), uuid.New(), uuid.New(), tag.FlagMargin|tag.FlagNewDebt, 4)

	events := []queue.Event{
		{Seq: 9, Kind: queue.KindFill, Side: queue.SideAsk, OrderID: 3, Price: fixedpoint.One / 2,
			Base: 1000, Quote: 500, MakerDone: true, MakerTag: maker, TakerTag: taker},
		{Seq: 10, Kind: queue.KindOut, Side: queue.SideBid, OrderID: 3, Price: fixedpoint.One / 2,
			Quote: 1, Reason: queue.OutReasonDust, MakerTag: maker},
	}
	for _, want := range events {
		buf := queue.Encode(want)
		if len(buf) != queue.RecordSize {
			t.Fatalf("record size: got %d, want %d", len(buf), queue.RecordSize)
		}
		got, err := queue.Decode(buf)
		if err != nil {
			t.Fatalf("decode %s: %v", want.Kind, err)
		}
		if got != want {
			t.Errorf("%s: got %+v, want %+v", want.Kind, got, want)
		}
	}
}

func TestDecode_Rejects(t *testing.T) {
	if _, err := queue.Decode(make([]byte, 3)); err == nil {
		t.Error("short record must fail")
	}
	buf := make([]byte, queue.RecordSize)
	buf[0] = 9
	if _, err := queue.Decode(buf); err == nil {
		t.Error("unknown kind must fail")
	}
}

// ============================================================================
// Test: queue semantics (both implementations)
// ============================================================================

func TestQueue_FIFOAndCursor(t *testing.T) {
	for name, newQueue := range factories() {
		t.Run(name, func(t *testing.T) {
			q := newQueue(t)

			pushed, err := q.Push(fill(10), fill(20), fill(30))
			if err != nil {
				t.Fatalf("push: %v", err)
			}
			for i, e := range pushed {
				if e.Seq != uint64(i) {
					t.Errorf("event %d: seq %d", i, e.Seq)
				}
			}
			if q.Len() != 3 || q.Head() != 3 || q.Cursor() != 0 {
				t.Fatalf("len=%d head=%d cursor=%d", q.Len(), q.Head(), q.Cursor())
			}

			batch, err := q.Peek(2)
			if err != nil {
				t.Fatalf("peek: %v", err)
			}
			if len(batch) != 2 || batch[0].Base != 10 || batch[1].Base != 20 {
				t.Fatalf("peek returned %+v", batch)
			}

			if err := q.Advance(0); err != nil {
				t.Fatalf("advance: %v", err)
			}
			if err := q.Advance(0); !errors.Is(err, errs.ErrCursorMismatch) {
				t.Errorf("re-advance should mismatch, got %v", err)
			}

			rest, _ := q.Peek(-1)
			if len(rest) != 2 || rest[0].Seq != 1 {
				t.Errorf("remaining: %+v", rest)
			}
		})
	}
}

func TestQueue_AdvancePastHead(t *testing.T) {
	for name, newQueue := range factories() {
		t.Run(name, func(t *testing.T) {
			q := newQueue(t)
			if err := q.Advance(0); !errors.Is(err, errs.ErrCursorMismatch) {
				t.Errorf("expected cursor mismatch on empty queue, got %v", err)
			}
		})
	}
}

func TestQueue_ResetAndCompact(t *testing.T) {
	for name, newQueue := range factories() {
		t.Run(name, func(t *testing.T) {
			q := newQueue(t)
			q.Push(fill(1), fill(2), fill(3), fill(4))
			q.Advance(0)
			q.Advance(1)
			q.Advance(2)

			if err := q.Compact(1); err != nil {
				t.Fatalf("compact: %v", err)
			}
			if err := q.Compact(4); !errors.Is(err, errs.ErrCursorMismatch) {
				t.Errorf("compact beyond cursor should fail, got %v", err)
			}
			if err := q.Reset(0); !errors.Is(err, errs.ErrCursorMismatch) {
				t.Errorf("reset below floor should fail, got %v", err)
			}
			if err := q.Reset(1); err != nil {
				t.Fatalf("reset: %v", err)
			}
			events, _ := q.Peek(-1)
			if len(events) != 3 || events[0].Base != 2 {
				t.Errorf("after reset: %+v", events)
			}
		})
	}
}

func TestQueue_Truncate(t *testing.T) {
	for name, newQueue := range factories() {
		t.Run(name, func(t *testing.T) {
			q := newQueue(t)
			q.Push(fill(1), fill(2), fill(3))
			q.Advance(0)

			if err := q.Truncate(0); !errors.Is(err, errs.ErrCursorMismatch) {
				t.Errorf("truncate below cursor should fail, got %v", err)
			}
			if err := q.Truncate(2); err != nil {
				t.Fatalf("truncate: %v", err)
			}
			if q.Head() != 2 || q.Len() != 1 {
				t.Fatalf("head=%d len=%d", q.Head(), q.Len())
			}
			pushed, _ := q.Push(fill(9))
			if pushed[0].Seq != 2 {
				t.Errorf("regenerated event seq = %d, want 2", pushed[0].Seq)
			}
		})
	}
}

func TestPebbleQueue_Reopen(t *testing.T) {
	db := memPebble(t)
	market := uuid.New()

	q, err := queue.NewPebbleQueue(db, market)
	if err != nil {
		t.Fatal(err)
	}
	q.Push(fill(5), fill(6))
	q.Advance(0)

	reopened, err := queue.NewPebbleQueue(db, market)
	if err != nil {
		t.Fatal(err)
	}
	if reopened.Cursor() != 1 || reopened.Head() != 2 {
		t.Fatalf("reopened cursor=%d head=%d", reopened.Cursor(), reopened.Head())
	}
	events, _ := reopened.Peek(10)
	if len(events) != 1 || events[0].Base != 6 {
		t.Errorf("reopened events: %+v", events)
	}

	other, _ := queue.NewPebbleQueue(db, uuid.New())
	if other.Len() != 0 {
		t.Error("markets must not share records")
	}
}

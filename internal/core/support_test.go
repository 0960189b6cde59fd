package core_test

import (
	"TermLedger/internal/core"
	"TermLedger/internal/errs"
	"errors"
	"slices"
	"testing"
)

// ============================================================================
// Test: StateHasher
// ============================================================================

func TestStateHasher_Deterministic(t *testing.T) {
	a, b := core.NewStateHasher(), core.NewStateHasher()
	if a.PrevHash() != b.PrevHash() {
		t.Fatal("genesis differs")
	}
	for seq := int64(1); seq <= 5; seq++ {
		d := []byte{byte(seq), 0xAB}
		if a.ComputeHash(seq, d) != b.ComputeHash(seq, d) {
			t.Fatalf("hash %d differs", seq)
		}
	}
}

func TestStateHasher_ChainsOnPrevious(t *testing.T) {
	a, b := core.NewStateHasher(), core.NewStateHasher()
	a.ComputeHash(1, []byte("x"))
	b.ComputeHash(1, []byte("y"))
	if a.ComputeHash(2, []byte("z")) == b.ComputeHash(2, []byte("z")) {
		t.Error("different histories produced the same tip")
	}

	c := core.NewStateHasher()
	c.SetPrevHash(a.PrevHash())
	if a.ComputeHash(3, nil) != c.ComputeHash(3, nil) {
		t.Error("resumed chain diverged")
	}
}

// ============================================================================
// Test: IdempotencyLRU
// ============================================================================

func TestIdempotencyLRU_EvictsOldest(t *testing.T) {
	lru := core.NewIdempotencyLRU(2)
	lru.Add("a")
	lru.Add("b")
	lru.Contains("a") // promote
	lru.Add("c")

	if lru.Contains("b") {
		t.Error("b should have been evicted")
	}
	if !lru.Contains("a") || !lru.Contains("c") {
		t.Error("a and c should be kept")
	}
	if lru.Size() != 2 {
		t.Errorf("size = %d", lru.Size())
	}
}

func TestIdempotencyLRU_WarmKeepsOrder(t *testing.T) {
	src := core.NewIdempotencyLRU(10)
	for _, k := range []string{"k1", "k2", "k3"} {
		src.Add(k)
	}
	keys := src.Keys()
	if !slices.Equal(keys, []string{"k3", "k2", "k1"}) {
		t.Fatalf("keys = %v", keys)
	}

	dst := core.NewIdempotencyLRU(2)
	dst.WarmFromKeys(keys)
	if got := dst.Keys(); !slices.Equal(got, []string{"k3", "k2"}) {
		t.Errorf("warmed keys = %v", got)
	}
}

// ============================================================================
// Test: SequenceValidator
// ============================================================================

func TestSequenceValidator(t *testing.T) {
	sv := core.NewSequenceValidator()

	if err := sv.Check("", 99, false); err != nil {
		t.Errorf("unsourced command checked: %v", err)
	}
	if err := sv.Check("nats", 2, false); !errors.Is(err, errs.ErrSequenceGap) {
		t.Errorf("gap accepted: %v", err)
	}
	if err := sv.Check("nats", 1, false); err != nil {
		t.Fatal(err)
	}
	sv.Advance("nats", 1)
	if sv.Expected("nats") != 2 {
		t.Errorf("expected = %d", sv.Expected("nats"))
	}
	if err := sv.Check("nats", 1, false); !errors.Is(err, errs.ErrSequenceGap) {
		t.Errorf("replayed sequence accepted: %v", err)
	}
	if err := sv.Check("nats", 1, true); err != nil {
		t.Errorf("duplicate redelivery rejected: %v", err)
	}

	restored := core.NewSequenceValidator()
	restored.Restore(sv.State())
	if restored.Expected("nats") != 2 || restored.Expected("other") != 1 {
		t.Errorf("restored state: %v", restored.State())
	}
}

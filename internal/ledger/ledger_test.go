package ledger_test

import (
	"TermLedger/internal/ledger"
	"testing"

	"github.com/google/uuid"
)

func wallet(asset ledger.Asset) ledger.AccountKey {
	return ledger.NewExternalAccountKey(ledger.SubTypeExternalWallet, asset)
}

// ============================================================================
// Test: AccountKey
// ============================================================================

func TestAccountKey_UserPath(t *testing.T) {
	userID := uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")
	key := ledger.NewUserAccountKey(userID, ledger.SubTypeEntitledTickets, ledger.AssetTicket)

	path := key.AccountPath()
	expected := "user:550e8400-e29b-41d4-a716-446655440000:entitled_tickets:ticket"
	if path != expected {
		t.Errorf("got %q, want %q", path, expected)
	}
}

func TestAccountKey_SystemPath(t *testing.T) {
	market := uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	key := ledger.NewSystemAccountKey(market, ledger.SubTypeSystemRepaymentPool, ledger.AssetUnderlying)

	want := "system:6ba7b810-9dad-11d1-80b4-00c04fd430c8:repayment_pool:token"
	if path := key.AccountPath(); path != want {
		t.Errorf("got %q, want %q", path, want)
	}
}

func TestAccountKey_ExternalPath(t *testing.T) {
	key := ledger.NewExternalAccountKey(ledger.SubTypeExternalTicketMint, ledger.AssetTicket)

	if path := key.AccountPath(); path != "external:ticket_mint:ticket" {
		t.Errorf("got %q, want %q", path, "external:ticket_mint:ticket")
	}
}

// ============================================================================
// Test: BalanceTracker
// ============================================================================

func TestBalanceTracker_ApplyBatch(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	gen := ledger.NewJournalGenerator(1)
	userID := uuid.New()
	posted := ledger.NewUserAccountKey(userID, ledger.SubTypeTokensPosted, ledger.AssetUnderlying)

	b := gen.Begin("order:1", 100)
	if err := b.Move(posted, wallet(ledger.AssetUnderlying), 909, ledger.JournalTypeLendReserve); err != nil {
		t.Fatal(err)
	}
	batch := b.Commit()
	if batch.Sequence != 1 || gen.Sequence() != 2 {
		t.Errorf("sequence: batch=%d next=%d", batch.Sequence, gen.Sequence())
	}

	if err := bt.ApplyBatch(batch); err != nil {
		t.Fatalf("ApplyBatch failed: %v", err)
	}
	if got := bt.UserBalance(userID, ledger.SubTypeTokensPosted, ledger.AssetUnderlying); got != 909 {
		t.Errorf("tokens posted: got %d, want 909", got)
	}
	if got := bt.GetBalance(wallet(ledger.AssetUnderlying)); got != -909 {
		t.Errorf("wallet: got %d, want -909", got)
	}
}

func TestBalanceTracker_GlobalBalanceZeroSum(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	v := ledger.NewInvariantValidator(bt)
	gen := ledger.NewJournalGenerator(0)
	lender, borrower := uuid.New(), uuid.New()

	b := gen.Begin("fill:0", 100)
	b.Move(ledger.NewUserAccountKey(lender, ledger.SubTypeTokensPosted, ledger.AssetUnderlying),
		wallet(ledger.AssetUnderlying), 1_000, ledger.JournalTypeLendReserve)
	b.Move(ledger.NewUserAccountKey(borrower, ledger.SubTypeEntitledTokens, ledger.AssetUnderlying),
		ledger.NewUserAccountKey(lender, ledger.SubTypeTokensPosted, ledger.AssetUnderlying), 700, ledger.JournalTypeFillTokens)
	b.Move(ledger.NewUserAccountKey(lender, ledger.SubTypeEntitledTickets, ledger.AssetTicket),
		ledger.NewExternalAccountKey(ledger.SubTypeExternalTicketMint, ledger.AssetTicket), 770, ledger.JournalTypeFillTickets)
	if err := bt.ApplyBatch(b.Commit()); err != nil {
		t.Fatal(err)
	}

	if err := v.ValidateGlobalBalance(); err != nil {
		t.Errorf("zero-sum: %v", err)
	}
	if err := v.ValidateInternalNonNegative(); err != nil {
		t.Errorf("internal accounts: %v", err)
	}
}

func TestBalanceTracker_ValidateSufficient(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	key := ledger.NewUserAccountKey(uuid.New(), ledger.SubTypeEntitledTokens, ledger.AssetUnderlying)

	if err := bt.ValidateSufficient(key, 1); err == nil {
		t.Error("expected error for empty account")
	}

	bt.ApplyJournal(ledger.Journal{
		JournalID:     uuid.New(),
		BatchID:       uuid.New(),
		DebitAccount:  key,
		CreditAccount: wallet(ledger.AssetUnderlying),
		Asset:         ledger.AssetUnderlying,
		Amount:        1_000,
	})

	if err := bt.ValidateSufficient(key, 1_000); err != nil {
		t.Errorf("should have sufficient balance: %v", err)
	}
	if err := bt.ValidateSufficient(key, 1_001); err == nil {
		t.Error("expected error for 1_001 > 1_000")
	}
}

func TestBalanceTracker_SnapshotRestore(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	userID := uuid.New()
	key := ledger.NewUserAccountKey(userID, ledger.SubTypeStakedTickets, ledger.AssetTicket)

	bt.ApplyJournal(ledger.Journal{
		JournalID:     uuid.New(),
		BatchID:       uuid.New(),
		DebitAccount:  key,
		CreditAccount: ledger.NewExternalAccountKey(ledger.SubTypeExternalTicketMint, ledger.AssetTicket),
		Asset:         ledger.AssetTicket,
		Amount:        999,
	})

	snap := bt.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("snapshot should hold 2 balances, got %d", len(snap))
	}
	snap[0].Balance = 0

	if bt.GetBalance(key) != 999 {
		t.Error("tracker balance should not be affected by snapshot mutation")
	}

	restored := ledger.NewBalanceTracker()
	restored.Restore(bt.Snapshot())
	if restored.GetBalance(key) != 999 {
		t.Errorf("restored balance: got %d", restored.GetBalance(key))
	}
}

// ============================================================================
// Test: Batch Validation
// ============================================================================

func singleJournalBatch(mutate func(j *ledger.Journal)) *ledger.Batch {
	batchID := uuid.New()
	j := ledger.Journal{
		JournalID:     uuid.New(),
		BatchID:       batchID,
		DebitAccount:  ledger.NewUserAccountKey(uuid.New(), ledger.SubTypeTokensPosted, ledger.AssetUnderlying),
		CreditAccount: wallet(ledger.AssetUnderlying),
		Asset:         ledger.AssetUnderlying,
		Amount:        100,
	}
	mutate(&j)
	return &ledger.Batch{BatchID: batchID, Journals: []ledger.Journal{j}}
}

func TestBatchValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(j *ledger.Journal)
		wantErr bool
	}{
		{"valid", func(j *ledger.Journal) {}, false},
		{"zero amount", func(j *ledger.Journal) { j.Amount = 0 }, true},
		{"negative amount", func(j *ledger.Journal) { j.Amount = -100 }, true},
		{"self transfer", func(j *ledger.Journal) { j.CreditAccount = j.DebitAccount }, true},
		{"mismatched batch", func(j *ledger.Journal) { j.BatchID = uuid.New() }, true},
		{"asset mismatch", func(j *ledger.Journal) { j.CreditAccount = wallet(ledger.AssetTicket) }, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := singleJournalBatch(tc.mutate).Validate()
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}

	empty := &ledger.Batch{BatchID: uuid.New()}
	if err := empty.Validate(); err == nil {
		t.Error("empty batch should fail validation")
	}
}

func TestBatchBuilder_EmptyCommitsNothing(t *testing.T) {
	gen := ledger.NewJournalGenerator(5)
	b := gen.Begin("noop", 0)
	if err := b.Move(wallet(ledger.AssetUnderlying), wallet(ledger.AssetUnderlying), 0, ledger.JournalTypeRepay); err != nil {
		t.Fatal(err)
	}
	if batch := b.Commit(); batch != nil {
		t.Errorf("expected nil batch, got %+v", batch)
	}
	if gen.Sequence() != 5 {
		t.Errorf("sequence should not advance, got %d", gen.Sequence())
	}
}

// ============================================================================
// Test: InvariantValidator
// ============================================================================

func TestInvariantValidator_UserAssets(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	v := ledger.NewInvariantValidator(bt)
	gen := ledger.NewJournalGenerator(0)
	userID := uuid.New()

	b := gen.Begin("x", 0)
	b.Move(ledger.NewUserAccountKey(userID, ledger.SubTypeEntitledTokens, ledger.AssetUnderlying),
		wallet(ledger.AssetUnderlying), 50, ledger.JournalTypeRelease)
	bt.ApplyBatch(b.Commit())

	if err := v.ValidateUserAssets(userID, ledger.Assets{EntitledTokens: 50}); err != nil {
		t.Errorf("matching assets: %v", err)
	}
	if err := v.ValidateUserAssets(userID, ledger.Assets{EntitledTokens: 49}); err == nil {
		t.Error("diverged assets should fail")
	}
}

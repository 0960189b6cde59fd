package ledger

import (
	"TermLedger/internal/errs"
	"fmt"

	"github.com/google/uuid"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies batch is well-formed
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateGlobalBalance verifies the ledger is zero-sum per asset
func (v *InvariantValidator) ValidateGlobalBalance() error {
	totals := v.tracker.ComputeGlobalBalance()

	for asset, total := range totals {
		if total != 0 {
			return fmt.Errorf("global balance for %s is non-zero: %d", asset, total)
		}
	}

	return nil
}

// ValidateInternalNonNegative checks that no user or system account is overdrawn.
// External accounts are the ledger boundary and carry the negative side.
func (v *InvariantValidator) ValidateInternalNonNegative() error {
	for _, b := range v.tracker.Snapshot() {
		if b.Key.Scope == AccountScopeExternal {
			continue
		}
		if err := v.tracker.ValidateNonNegative(b.Key); err != nil {
			return err
		}
	}
	return nil
}

// ValidateUserAssets checks that a user's journal balances mirror the Assets
// accumulators. A mismatch means the two books diverged.
func (v *InvariantValidator) ValidateUserAssets(userID uuid.UUID, a Assets) error {
	checks := []struct {
		subType AccountSubType
		asset   Asset
		want    uint64
	}{
		{SubTypeTokensPosted, AssetUnderlying, a.TokensPosted},
		{SubTypeEntitledTokens, AssetUnderlying, a.EntitledTokens},
		{SubTypeTicketsPosted, AssetTicket, a.TicketsPosted},
		{SubTypeEntitledTickets, AssetTicket, a.EntitledTickets},
		{SubTypeStakedTickets, AssetTicket, a.TicketsStaked},
	}
	for _, c := range checks {
		got := v.tracker.UserBalance(userID, c.subType, c.asset)
		if got < 0 || uint64(got) != c.want {
			key := NewUserAccountKey(userID, c.subType, c.asset)
			return errs.ErrJournalDivergence.With("%s: journal=%d assets=%d", key.AccountPath(), got, c.want)
		}
	}
	return nil
}

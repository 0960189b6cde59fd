package ledger

import (
	"TermLedger/internal/errs"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// BalanceTracker maintains in-memory account balances
type BalanceTracker struct {
	balances map[AccountKey]int64
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]int64),
	}
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	bt.balances[j.DebitAccount] += j.Amount
	bt.balances[j.CreditAccount] -= j.Amount
}

// ApplyBatch applies all journals in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}

	return nil
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) int64 {
	return bt.balances[key]
}

// UserBalance returns one of a user's account balances.
func (bt *BalanceTracker) UserBalance(userID uuid.UUID, subType AccountSubType, asset Asset) int64 {
	return bt.GetBalance(NewUserAccountKey(userID, subType, asset))
}

// ValidateSufficient checks that an internal account can fund amount.
func (bt *BalanceTracker) ValidateSufficient(key AccountKey, amount uint64) error {
	balance := bt.GetBalance(key)
	if balance < 0 || uint64(balance) < amount {
		return errs.ErrInsufficient.With("%s: have=%d, need=%d", key.AccountPath(), balance, amount)
	}
	return nil
}

// ComputeGlobalBalance sums all account balances per asset (0 for a zero-sum ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() map[Asset]int64 {
	totals := make(map[Asset]int64)

	for key, balance := range bt.balances {
		totals[key.Asset] += balance
	}

	return totals
}

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	balance := bt.GetBalance(key)
	if balance < 0 {
		return fmt.Errorf("account %s has negative balance: %d", key.AccountPath(), balance)
	}
	return nil
}

// Balance is one entry of a tracker snapshot.
type Balance struct {
	Key     AccountKey `json:"key"`
	Balance int64      `json:"balance"`
}

// Snapshot returns all non-zero balances in a stable order (for state hashing
// and persistence).
func (bt *BalanceTracker) Snapshot() []Balance {
	out := make([]Balance, 0, len(bt.balances))
	for k, v := range bt.balances {
		if v != 0 {
			out = append(out, Balance{Key: k, Balance: v})
		}
	}
	sort.Slice(out, func(i, j int) bool { return keyLess(out[i].Key, out[j].Key) })
	return out
}

// Restore replaces every balance with the snapshot.
func (bt *BalanceTracker) Restore(balances []Balance) {
	bt.balances = make(map[AccountKey]int64, len(balances))
	for _, b := range balances {
		bt.balances[b.Key] = b.Balance
	}
}

func keyLess(a, b AccountKey) bool {
	if a.Scope != b.Scope {
		return a.Scope < b.Scope
	}
	if a.EntityID != b.EntityID {
		for i := range a.EntityID {
			if a.EntityID[i] != b.EntityID[i] {
				return a.EntityID[i] < b.EntityID[i]
			}
		}
	}
	if a.SubType != b.SubType {
		return a.SubType < b.SubType
	}
	return a.Asset < b.Asset
}

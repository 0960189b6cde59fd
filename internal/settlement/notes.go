package settlement

import (
	"TermLedger/internal/errs"
	"context"
	"sync"
)

// NoteLedger holds the externally visible note balances (claims and ticket
// collateral) that the margin-risk system reads. Other actors may move these
// balances between settlements, so callers only ever adjust by a delta.
type NoteLedger interface {
	Balance(ctx context.Context, account string) (uint64, error)
	Mint(ctx context.Context, account string, amount uint64) error
	Burn(ctx context.Context, account string, amount uint64) error
}

// MemoryNotes is an in-process NoteLedger.
type MemoryNotes struct {
	mu       sync.Mutex
	balances map[string]uint64
}

func NewMemoryNotes() *MemoryNotes {
	return &MemoryNotes{balances: make(map[string]uint64)}
}

func (n *MemoryNotes) Balance(_ context.Context, account string) (uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.balances[account], nil
}

func (n *MemoryNotes) Mint(_ context.Context, account string, amount uint64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	cur := n.balances[account]
	if cur+amount < cur {
		return errs.ErrOverflow.With("mint %d on %s holding %d", amount, account, cur)
	}
	n.balances[account] = cur + amount
	return nil
}

func (n *MemoryNotes) Burn(_ context.Context, account string, amount uint64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	cur := n.balances[account]
	if amount > cur {
		return errs.ErrVaultInsufficient.With("burn %d from %s holding %d", amount, account, cur)
	}
	n.balances[account] = cur - amount
	return nil
}

// Set overwrites a balance, standing in for an outside actor.
func (n *MemoryNotes) Set(account string, amount uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.balances[account] = amount
}

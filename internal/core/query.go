package core

import (
	"TermLedger/internal/errs"
	"TermLedger/internal/ledger"
	"TermLedger/internal/orderbook"
	"TermLedger/internal/queue"

	"github.com/google/uuid"
)

// Read-only views. Each takes the engine mutex and returns copies.

func (e *Engine) Market() ledger.Market {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.market
}

func (e *Engine) User(id uuid.UUID) (ledger.MarginUser, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	u, ok := e.users[id]
	if !ok {
		return ledger.MarginUser{}, errs.ErrUserNotFound.With("user %s", id)
	}
	return *u, nil
}

func (e *Engine) Loans(owner uuid.UUID) []ledger.TermLoan {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.index.Loans(owner)
}

func (e *Engine) Deposits(owner uuid.UUID) []ledger.TermDeposit {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.index.Deposits(owner)
}

func (e *Engine) Levels(side queue.Side, depth int) []orderbook.Level {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.book.Levels(side, depth)
}

func (e *Engine) Order(id uint64) (orderbook.RestingOrder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.book.Get(id)
	if !ok {
		return orderbook.RestingOrder{}, errs.ErrOrderNotFound.With("order %d", id)
	}
	return o, nil
}

// Orders lists every resting order.
func (e *Engine) Orders() []orderbook.RestingOrder {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.book.Orders()
}

// Balance returns the journal balance of one account.
func (e *Engine) Balance(key ledger.AccountKey) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tracker.GetBalance(key)
}

// QueueState reports the event cursor and backlog.
func (e *Engine) QueueState() (cursor uint64, pending int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.events.Cursor(), e.events.Len()
}

// DirtyUsers lists users changed since their last settlement.
func (e *Engine) DirtyUsers() []uuid.UUID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return sortedIDs(e.dirty)
}

// DueLoans counts matured loans not yet flagged past due.
func (e *Engine) DueLoans(ts int64) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	e.index.AllLoans(func(l ledger.TermLoan) bool {
		if !l.PastDue && l.Matured(ts) {
			n++
		}
		return true
	})
	return n
}

// Sequence is the sequence the next output will carry.
func (e *Engine) Sequence() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sequence
}

// StateHash is the current chain tip.
func (e *Engine) StateHash() [32]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hasher.PrevHash()
}

package core

import (
	"TermLedger/internal/errs"
	"TermLedger/internal/ledger"
	"TermLedger/internal/orderbook"
	"fmt"

	"github.com/google/uuid"
)

// Snapshot is the complete state of one market engine at a sequence.
type Snapshot struct {
	Market          ledger.Market            `json:"market"`
	Sequence        int64                    `json:"sequence"` // last applied
	StateHash       [32]byte                 `json:"state_hash"`
	JournalSequence int64                    `json:"journal_sequence"`
	Users           []ledger.MarginUser      `json:"users"`
	Loans           []ledger.TermLoan        `json:"loans"`
	Deposits        []ledger.TermDeposit     `json:"deposits"`
	Orders          []orderbook.RestingOrder `json:"orders"`
	Balances        []ledger.Balance         `json:"balances"`
	Dirty           []uuid.UUID              `json:"dirty"`
	QueueCursor     uint64                   `json:"queue_cursor"`
	QueueHead       uint64                   `json:"queue_head"`
	SourceSequences map[string]int64         `json:"source_sequences"`
	IdempotencyKeys []string                 `json:"idempotency_keys"`
}

// Snapshot captures the engine state.
func (e *Engine) Snapshot() *Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	snap := &Snapshot{
		Market:          e.market,
		Sequence:        e.sequence - 1,
		StateHash:       e.hasher.PrevHash(),
		JournalSequence: e.journalGen.Sequence(),
		Orders:          e.book.Orders(),
		Balances:        e.tracker.Snapshot(),
		Dirty:           sortedIDs(e.dirty),
		QueueCursor:     e.events.Cursor(),
		QueueHead:       e.events.Head(),
		SourceSequences: e.sequenceValidator.State(),
		IdempotencyKeys: e.idempotency.Keys(),
	}
	for _, id := range sortedIDs(keys(e.users)) {
		snap.Users = append(snap.Users, *e.users[id])
	}
	e.index.AllLoans(func(l ledger.TermLoan) bool {
		snap.Loans = append(snap.Loans, l)
		return true
	})
	e.index.AllDeposits(func(d ledger.TermDeposit) bool {
		snap.Deposits = append(snap.Deposits, d)
		return true
	})
	return snap
}

// Restore loads a snapshot into a fresh engine. The event queue is rewound
// to the snapshot's cursor and head; events past the head are regenerated by
// replaying later commands.
func (e *Engine) Restore(snap *Snapshot) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.sequence != 1 {
		return errs.ErrInvalidRequest.With("restore into an engine that already applied %d instructions", e.sequence-1)
	}
	if snap.Market.ID != e.market.ID {
		return errs.ErrTagMarket.With("snapshot of market %s restored into %s", snap.Market.ID, e.market.ID)
	}
	if err := e.events.Reset(snap.QueueCursor); err != nil {
		return fmt.Errorf("rewind queue cursor: %w", err)
	}
	if err := e.events.Truncate(snap.QueueHead); err != nil {
		return fmt.Errorf("rewind queue head: %w", err)
	}

	book := orderbook.New(bookParams(snap.Market), e.events)
	if err := book.Restore(snap.Orders); err != nil {
		return err
	}
	index := ledger.NewObligationIndex()
	for _, l := range snap.Loans {
		index.PutLoan(l)
	}
	for _, d := range snap.Deposits {
		index.PutDeposit(d)
	}
	users := make(map[uuid.UUID]*ledger.MarginUser, len(snap.Users))
	for i := range snap.Users {
		u := snap.Users[i]
		users[u.ID] = &u
	}

	e.market = snap.Market
	e.book = book
	e.index = index
	e.users = users
	e.dirty = make(map[uuid.UUID]struct{}, len(snap.Dirty))
	for _, id := range snap.Dirty {
		e.dirty[id] = struct{}{}
	}
	e.sequence = snap.Sequence + 1
	e.hasher.SetPrevHash(snap.StateHash)
	e.journalGen = ledger.NewJournalGenerator(snap.JournalSequence)
	e.tracker.Restore(snap.Balances)
	e.sequenceValidator.Restore(snap.SourceSequences)
	e.idempotency.Warm(snap.IdempotencyKeys)

	for _, u := range users {
		if err := e.validator.ValidateUserAssets(u.ID, u.Assets); err != nil {
			return err
		}
	}
	e.logger.Info().
		Int64("sequence", snap.Sequence).
		Int("users", len(users)).
		Int("orders", len(snap.Orders)).
		Msg("engine restored from snapshot")
	return nil
}

// CompactEvents drops consumed queue events below upTo. Callers pass the
// cursor of a snapshot they can restore from.
func (e *Engine) CompactEvents(upTo uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if upTo > e.events.Cursor() {
		return errs.ErrInvalidRequest.With("compact to %d past cursor %d", upTo, e.events.Cursor())
	}
	return e.events.Compact(upTo)
}

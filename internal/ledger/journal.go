package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeLendReserve JournalType = iota
	JournalTypeSellReserve
	JournalTypeFillTokens
	JournalTypeFillTickets
	JournalTypeFee
	JournalTypeRelease
	JournalTypeRepay
	JournalTypeRedeem
	JournalTypeTicketBurn
	JournalTypeDisburse
)

func (t JournalType) String() string {
	switch t {
	case JournalTypeLendReserve:
		return "lend_reserve"
	case JournalTypeSellReserve:
		return "sell_reserve"
	case JournalTypeFillTokens:
		return "fill_tokens"
	case JournalTypeFillTickets:
		return "fill_tickets"
	case JournalTypeFee:
		return "fee"
	case JournalTypeRelease:
		return "release"
	case JournalTypeRepay:
		return "repay"
	case JournalTypeRedeem:
		return "redeem"
	case JournalTypeTicketBurn:
		return "ticket_burn"
	case JournalTypeDisburse:
		return "disburse"
	default:
		return "unknown"
	}
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID   `json:"journal_id"`
	BatchID       uuid.UUID   `json:"batch_id"`
	EventRef      string      `json:"event_ref"` // idempotency key or queue seq of the source
	Sequence      int64       `json:"sequence"`
	DebitAccount  AccountKey  `json:"debit"`  // balance increases
	CreditAccount AccountKey  `json:"credit"` // balance decreases
	Asset         Asset       `json:"asset"`
	Amount        int64       `json:"amount"` // always positive
	JournalType   JournalType `json:"type"`
	Timestamp     int64       `json:"timestamp"` // unix seconds of the instruction
}

// Batch represents a balanced set of journal entries
type Batch struct {
	BatchID   uuid.UUID `json:"batch_id"`
	EventRef  string    `json:"event_ref"`
	Sequence  int64     `json:"sequence"`
	Timestamp int64     `json:"timestamp"`
	Journals  []Journal `json:"journals"`
}

// Validate ensures the batch is well-formed. Every entry moves one positive
// amount from its credit to its debit account, so each entry balances on its own.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if j.Amount <= 0 {
			return fmt.Errorf("journal %s has non-positive amount: %d", j.JournalID, j.Amount)
		}
		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}
		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}
		if j.DebitAccount.Asset != j.Asset || j.CreditAccount.Asset != j.Asset {
			return fmt.Errorf("journal %s moves %s between accounts of another asset", j.JournalID, j.Asset)
		}
	}

	return nil
}

package core

import (
	"TermLedger/internal/ledger"
	"encoding/json"

	"github.com/google/uuid"
)

// EffectKind names one observable consequence of an instruction.
type EffectKind string

const (
	EffectUserRegistered  EffectKind = "user_registered"
	EffectAutoRollSet     EffectKind = "auto_roll_configured"
	EffectOrderPlaced     EffectKind = "order_placed"
	EffectOrderCancelled  EffectKind = "order_cancelled"
	EffectFill            EffectKind = "fill"
	EffectOut             EffectKind = "out"
	EffectLoanCreated     EffectKind = "loan_created"
	EffectLoanRepaid      EffectKind = "loan_repaid"
	EffectLoanClosed      EffectKind = "loan_closed"
	EffectLoanPastDue     EffectKind = "loan_past_due"
	EffectDepositCreated  EffectKind = "deposit_created"
	EffectDepositRedeemed EffectKind = "deposit_redeemed"
	EffectRolled          EffectKind = "rolled"
	EffectNotesReconciled EffectKind = "notes_reconciled"
	EffectDisbursed       EffectKind = "disbursed"
	EffectMarketUpdated   EffectKind = "market_updated"
)

// Effect is a flat record; only the fields relevant to Kind are set.
type Effect struct {
	Kind     EffectKind `json:"kind"`
	User     uuid.UUID  `json:"user,omitempty"`
	Counter  uuid.UUID  `json:"counterparty,omitempty"`
	OrderID  uint64     `json:"order_id,omitempty"`
	TakerID  uint64     `json:"taker_order_id,omitempty"`
	Seq      uint64     `json:"seq,omitempty"`
	Base     uint64     `json:"base,omitempty"`
	Quote    uint64     `json:"quote,omitempty"`
	Fee      uint64     `json:"fee,omitempty"`
	Tickets  uint64     `json:"tickets,omitempty"`
	Maturity int64      `json:"maturity,omitempty"`
	Detail   string     `json:"detail,omitempty"`
	EventSeq uint64     `json:"event_seq,omitempty"`
	Minted   uint64     `json:"minted,omitempty"`
	Burned   uint64     `json:"burned,omitempty"`
	Account  string     `json:"account,omitempty"`
}

// Command is the replayable form of an instruction: the engine can rebuild
// its state from a snapshot plus every later Command, in sequence order.
type Command struct {
	Instruction Instruction     `json:"instruction"`
	Market      uuid.UUID       `json:"market"`
	Source      string          `json:"source,omitempty"`
	SourceSeq   int64           `json:"source_seq,omitempty"`
	Payload     json.RawMessage `json:"payload"`
}

// Output is what a committed instruction emits to persistence and publishers.
type Output struct {
	Market         uuid.UUID     `json:"market"`
	Sequence       int64         `json:"sequence"`
	Instruction    Instruction   `json:"instruction"`
	IdempotencyKey string        `json:"idempotency_key,omitempty"`
	Timestamp      int64         `json:"timestamp"`
	Users          []uuid.UUID   `json:"users"`
	Effects        []Effect      `json:"effects"`
	Batch          *ledger.Batch `json:"batch,omitempty"`
	Command        Command       `json:"command"`
	PrevHash       [32]byte      `json:"prev_hash"`
	StateHash      [32]byte      `json:"state_hash"`
}

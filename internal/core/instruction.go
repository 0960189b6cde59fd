package core

import (
	"TermLedger/internal/fixedpoint"
	"TermLedger/internal/queue"
	"encoding/json"

	"github.com/google/uuid"
)

// Instruction identifies a state-changing operation on a market engine.
type Instruction uint8

const (
	InstructionUnknown Instruction = iota
	InstructionRegisterUser
	InstructionConfigureAutoRoll
	InstructionPlaceOrder
	InstructionCancelOrder
	InstructionConsumeEvents
	InstructionRepay
	InstructionMarkDue
	InstructionRedeemDeposit
	InstructionRollLoan
	InstructionRollDeposit
	InstructionSettle
	InstructionUpdateMarket
)

var instructionNames = map[Instruction]string{
	InstructionRegisterUser:      "register_user",
	InstructionConfigureAutoRoll: "configure_auto_roll",
	InstructionPlaceOrder:        "place_order",
	InstructionCancelOrder:       "cancel_order",
	InstructionConsumeEvents:     "consume_events",
	InstructionRepay:             "repay",
	InstructionMarkDue:           "mark_due",
	InstructionRedeemDeposit:     "redeem_deposit",
	InstructionRollLoan:          "roll_loan",
	InstructionRollDeposit:       "roll_deposit",
	InstructionSettle:            "settle",
	InstructionUpdateMarket:      "update_market",
}

func (i Instruction) String() string {
	if name, ok := instructionNames[i]; ok {
		return name
	}
	return "unknown"
}

// ParseInstruction maps a wire name back to the Instruction.
func ParseInstruction(name string) Instruction {
	for in, n := range instructionNames {
		if n == name {
			return in
		}
	}
	return InstructionUnknown
}

func (i Instruction) MarshalJSON() ([]byte, error) {
	return json.Marshal(i.String())
}

func (i *Instruction) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	*i = ParseInstruction(name)
	return nil
}

// Meta is carried by every request. Timestamp is supplied by the caller so
// replaying the same requests reproduces the same state.
type Meta struct {
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	Timestamp      int64  `json:"timestamp"`
}

type RegisterUserRequest struct {
	Meta
	User        uuid.UUID `json:"user"`
	Destination uuid.UUID `json:"destination"`
}

// ConfigureAutoRollRequest sets the limit prices used by rolls. A zero
// price disables rolling on that side.
type ConfigureAutoRollRequest struct {
	Meta
	User        uuid.UUID        `json:"user"`
	LendPrice   fixedpoint.Price `json:"lend_price"`
	BorrowPrice fixedpoint.Price `json:"borrow_price"`
}

// PlaceOrderRequest places a lend (bid) or borrow (ask). Margin orders are
// booked to the owner's MarginUser; plain orders settle straight to the
// owner's destination.
type PlaceOrderRequest struct {
	Meta
	User        uuid.UUID        `json:"user"`
	Side        queue.Side       `json:"side"`
	Margin      bool             `json:"margin"`
	AutoStake   bool             `json:"auto_stake,omitempty"`
	AutoRoll    bool             `json:"auto_roll,omitempty"`
	MaxBase     uint64           `json:"max_base"`
	MaxQuote    uint64           `json:"max_quote,omitempty"`
	LimitPrice  fixedpoint.Price `json:"limit_price"`
	MatchLimit  uint32           `json:"match_limit"`
	PostOnly    bool             `json:"post_only,omitempty"`
	PostAllowed bool             `json:"post_allowed"`
}

type CancelOrderRequest struct {
	Meta
	User    uuid.UUID `json:"user"`
	OrderID uint64    `json:"order_id"`
}

// ConsumeEventsRequest drains up to Limit queued events. ExpectedCursor, when
// set, must match the queue cursor so two consumers cannot interleave.
type ConsumeEventsRequest struct {
	Meta
	Limit          int     `json:"limit"`
	ExpectedCursor *uint64 `json:"expected_cursor,omitempty"`
}

// RepaymentOrigin says where repaid tokens come from.
type RepaymentOrigin uint8

const (
	// OriginExternal: tokens supplied from the payer's wallet.
	OriginExternal RepaymentOrigin = iota
	// OriginProceeds: tokens already held as entitled tokens.
	OriginProceeds
	// OriginAutoRoll: entitled tokens used by a loan roll.
	OriginAutoRoll
)

func (o RepaymentOrigin) String() string {
	switch o {
	case OriginExternal:
		return "external"
	case OriginProceeds:
		return "proceeds"
	case OriginAutoRoll:
		return "auto_roll"
	default:
		return "unknown"
	}
}

// LoanRef names a loan by owner and sequence.
type LoanRef struct {
	Owner uuid.UUID `json:"owner"`
	Seq   uint64    `json:"seq"`
}

// RepayRequest repays the loan LoanSeq. When the repayment closes the loan
// and the user holds later loans, Successor must name the next one.
type RepayRequest struct {
	Meta
	User      uuid.UUID       `json:"user"`
	LoanSeq   uint64          `json:"loan_seq"`
	Amount    uint64          `json:"amount"`
	Origin    RepaymentOrigin `json:"origin"`
	Successor *LoanRef        `json:"successor,omitempty"`
}

// MarkDueRequest flags matured loans as past due. A nil User sweeps every user.
type MarkDueRequest struct {
	Meta
	User *uuid.UUID `json:"user,omitempty"`
}

type RedeemDepositRequest struct {
	Meta
	User       uuid.UUID `json:"user"`
	DepositSeq uint64    `json:"deposit_seq"`
}

type RollLoanRequest struct {
	Meta
	User       uuid.UUID `json:"user"`
	LoanSeq    uint64    `json:"loan_seq"`
	MatchLimit uint32    `json:"match_limit,omitempty"`
}

type RollDepositRequest struct {
	Meta
	User       uuid.UUID `json:"user"`
	DepositSeq uint64    `json:"deposit_seq"`
	MatchLimit uint32    `json:"match_limit,omitempty"`
}

type SettleRequest struct {
	Meta
	User uuid.UUID `json:"user"`
}

// UpdateMarketRequest changes market parameters. Nil fields are left alone.
type UpdateMarketRequest struct {
	Meta
	OrdersPaused      *bool   `json:"orders_paused,omitempty"`
	RedemptionsPaused *bool   `json:"redemptions_paused,omitempty"`
	FeeBps            *uint16 `json:"fee_bps,omitempty"`
	EventBatchLimit   *int    `json:"event_batch_limit,omitempty"`
	MaxOrdersPerSide  *int    `json:"max_orders_per_side,omitempty"`
	MinOrderSize      *uint64 `json:"min_order_size,omitempty"`
}

// DefaultRollMatchLimit bounds matching for roll placements that do not name a limit.
const DefaultRollMatchLimit = 32

package ledger

import (
	"TermLedger/internal/errs"
	"TermLedger/internal/fixedpoint"

	"github.com/google/uuid"
)

// TermLoan is debt created by a margin borrow fill. Balance is owed in tokens
// at maturity; Principal is what the borrower received. A loan being rolled
// names the roll order and the base that order may still fill.
type TermLoan struct {
	Owner               uuid.UUID `json:"owner"`
	Seq                 uint64    `json:"seq"`
	Market              uuid.UUID `json:"market"`
	OrderID             uint64    `json:"order_id"`
	MaturationTimestamp int64     `json:"maturation_timestamp"`
	Balance             uint64    `json:"balance"`
	Principal           uint64    `json:"principal"`
	Interest            uint64    `json:"interest"`
	AutoRoll            bool      `json:"auto_roll"`
	PastDue             bool      `json:"past_due"`
	RollOrder           uint64    `json:"roll_order,omitempty"`
	RollPending         uint64    `json:"roll_pending,omitempty"`
	CreatedAt           int64     `json:"created_at"`
}

// TermDeposit is a lender's staked claim created by an auto-stake fill.
type TermDeposit struct {
	Owner               uuid.UUID `json:"owner"`
	Seq                 uint64    `json:"seq"`
	Market              uuid.UUID `json:"market"`
	OrderID             uint64    `json:"order_id"`
	MaturationTimestamp int64     `json:"maturation_timestamp"`
	Balance             uint64    `json:"balance"`
	Principal           uint64    `json:"principal"`
	Interest            uint64    `json:"interest"`
	AutoRoll            bool      `json:"auto_roll"`
	Payer               uuid.UUID `json:"payer"`
	CreatedAt           int64     `json:"created_at"`
}

// Terms splits a fill into the obligation amounts: the base (tickets) is the
// balance due, the quote (tokens) is the principal and the rest is interest.
func Terms(base, quote uint64) (balance, principal, interest uint64, err error) {
	interest, err = fixedpoint.Sub(base, quote)
	if err != nil {
		return 0, 0, 0, errs.ErrInvalidPrice.With("fill quote %d exceeds base %d", quote, base)
	}
	return base, quote, interest, nil
}

// Matured reports whether the loan is due at ts.
func (l TermLoan) Matured(ts int64) bool { return ts >= l.MaturationTimestamp }

// Rolling reports whether a roll order is still funding the loan.
func (l TermLoan) Rolling() bool { return l.RollOrder != 0 }

// Matured reports whether the deposit can be redeemed at ts.
func (d TermDeposit) Matured(ts int64) bool { return ts >= d.MaturationTimestamp }

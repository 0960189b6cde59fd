package ledger

import (
	"TermLedger/internal/fixedpoint"

	"github.com/google/uuid"
)

// RollConfig holds the limit prices used when obligations auto-roll.
// A zero price disables rolling on that side.
type RollConfig struct {
	LendPrice   fixedpoint.Price `json:"lend_price"`
	BorrowPrice fixedpoint.Price `json:"borrow_price"`
}

// NoteAccounts name the external note accounts that mirror the user's totals.
type NoteAccounts struct {
	Claims     string `json:"claims"`
	Collateral string `json:"collateral"`
}

// MarginUser is one account's ledger inside a market.
type MarginUser struct {
	ID          uuid.UUID    `json:"id"`
	Market      uuid.UUID    `json:"market"`
	Destination uuid.UUID    `json:"destination"`
	Debt        Debt         `json:"debt"`
	Assets      Assets       `json:"assets"`
	Roll        RollConfig   `json:"roll"`
	Notes       NoteAccounts `json:"notes"`
	CreatedAt   int64        `json:"created_at"`
}

// NewMarginUser creates an empty ledger with note account names derived from the ids.
func NewMarginUser(market, id, destination uuid.UUID, createdAt int64) *MarginUser {
	return &MarginUser{
		ID:          id,
		Market:      market,
		Destination: destination,
		Notes: NoteAccounts{
			Claims:     "claims:" + market.String() + ":" + id.String(),
			Collateral: "collateral:" + market.String() + ":" + id.String(),
		},
		CreatedAt: createdAt,
	}
}

// Clone returns a copy that can be mutated and committed back.
func (u *MarginUser) Clone() *MarginUser {
	c := *u
	return &c
}

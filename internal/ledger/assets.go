package ledger

import (
	"TermLedger/internal/errs"
	"TermLedger/internal/fixedpoint"
)

// Assets accumulates what a user holds inside the market.
type Assets struct {
	// EntitledTokens and EntitledTickets came from fills, redemptions or
	// releases and wait for settlement to disburse them.
	EntitledTokens  uint64 `json:"entitled_tokens"`
	EntitledTickets uint64 `json:"entitled_tickets"`
	// TicketsStaked backs the user's TermDeposits.
	TicketsStaked uint64 `json:"tickets_staked"`
	// TokensPosted are reserved by open lend orders.
	TokensPosted uint64 `json:"tokens_posted"`
	// TicketsPosted are reserved by open ticket sell orders.
	TicketsPosted uint64 `json:"tickets_posted"`

	NextDepositSeq uint64 `json:"next_deposit_seq"`
}

// Collateral is the ticket value backing the user's margin position.
func (a Assets) Collateral() (uint64, error) {
	sum, err := fixedpoint.Add(a.TicketsStaked, a.TokensPosted)
	if err != nil {
		return 0, err
	}
	return fixedpoint.Add(sum, a.TicketsPosted)
}

func (a *Assets) field(sub AccountSubType) (*uint64, error) {
	switch sub {
	case SubTypeEntitledTokens:
		return &a.EntitledTokens, nil
	case SubTypeEntitledTickets:
		return &a.EntitledTickets, nil
	case SubTypeStakedTickets:
		return &a.TicketsStaked, nil
	case SubTypeTokensPosted:
		return &a.TokensPosted, nil
	case SubTypeTicketsPosted:
		return &a.TicketsPosted, nil
	}
	return nil, errs.ErrInvalidRequest.With("sub type %d is not a user asset", sub)
}

// Get returns the accumulator mirrored by a user account sub type.
func (a Assets) Get(sub AccountSubType) uint64 {
	f, err := a.field(sub)
	if err != nil {
		return 0
	}
	return *f
}

// Increase adds amount to the accumulator for sub.
func (a *Assets) Increase(sub AccountSubType, amount uint64) error {
	f, err := a.field(sub)
	if err != nil {
		return err
	}
	v, err := fixedpoint.Add(*f, amount)
	if err != nil {
		return err
	}
	*f = v
	return nil
}

// Decrease removes amount from the accumulator for sub.
func (a *Assets) Decrease(sub AccountSubType, amount uint64) error {
	f, err := a.field(sub)
	if err != nil {
		return err
	}
	if amount > *f {
		return errs.ErrInsufficient.With("%s: have=%d, need=%d", AccountKey{SubType: sub}.subTypeName(), *f, amount)
	}
	*f -= amount
	return nil
}

// NewDepositSeq reserves the next deposit sequence number.
func (a *Assets) NewDepositSeq() uint64 {
	seq := a.NextDepositSeq
	a.NextDepositSeq++
	return seq
}

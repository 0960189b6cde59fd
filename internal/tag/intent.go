package tag

import (
	"TermLedger/internal/errs"

	"github.com/google/uuid"
)

// Kind is the decoded purpose of an order.
type Kind uint8

const (
	KindUnknown Kind = iota
	// KindMarginBorrow sells tickets against a margin account, creating a TermLoan per fill.
	KindMarginBorrow
	// KindMarginLend buys tickets with tokens held for a margin account.
	KindMarginLend
	// KindPlainLend buys tickets with wallet tokens; proceeds go straight to the destination.
	KindPlainLend
	// KindPlainBorrow sells tickets already held in a wallet.
	KindPlainBorrow
)

func (k Kind) String() string {
	switch k {
	case KindMarginBorrow:
		return "margin_borrow"
	case KindMarginLend:
		return "margin_lend"
	case KindPlainLend:
		return "plain_lend"
	case KindPlainBorrow:
		return "plain_borrow"
	default:
		return "unknown"
	}
}

// IsLend reports whether the order sits on the bid side.
func (k Kind) IsLend() bool { return k == KindMarginLend || k == KindPlainLend }

// IsMargin reports whether fills are booked to a MarginUser.
func (k Kind) IsMargin() bool { return k == KindMarginBorrow || k == KindMarginLend }

// Intent is the decoded form of an OrderTag.
type Intent struct {
	Kind        Kind
	Owner       uuid.UUID
	Destination uuid.UUID
	AutoStake   bool
	AutoRoll    bool
	Nonce       uint64
}

// Flags returns the flag set that encodes the intent.
func (in Intent) Flags() (Flags, error) {
	var f Flags
	switch in.Kind {
	case KindMarginBorrow:
		f = FlagMargin | FlagNewDebt
	case KindMarginLend:
		f = FlagMargin | FlagLend
	case KindPlainLend:
		f = FlagLend
	case KindPlainBorrow:
		f = 0
	default:
		return 0, errs.ErrInvalidTag.With("unknown intent kind %d", in.Kind)
	}
	if in.AutoStake {
		f |= FlagAutoStake
	}
	if in.AutoRoll {
		f |= FlagAutoRoll
	}
	return f, f.Validate()
}

// Encode packs the intent into a tag for market.
func (in Intent) Encode(market uuid.UUID) (OrderTag, error) {
	flags, err := in.Flags()
	if err != nil {
		return OrderTag{}, err
	}
	return Encode(market, in.Owner, in.Destination, flags, in.Nonce)
}

// DecodeIntent decodes a tag once into its Intent.
func DecodeIntent(market uuid.UUID, t OrderTag) (Intent, error) {
	owner, destination, flags, nonce, err := Decode(market, t)
	if err != nil {
		return Intent{}, err
	}
	in := Intent{
		Owner:       owner,
		Destination: destination,
		AutoStake:   flags.Has(FlagAutoStake),
		AutoRoll:    flags.Has(FlagAutoRoll),
		Nonce:       nonce,
	}
	switch {
	case flags.Has(FlagMargin) && flags.Has(FlagLend):
		in.Kind = KindMarginLend
	case flags.Has(FlagMargin):
		in.Kind = KindMarginBorrow
	case flags.Has(FlagLend):
		in.Kind = KindPlainLend
	default:
		in.Kind = KindPlainBorrow
	}
	return in, nil
}

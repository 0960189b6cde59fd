package fixedpoint

import (
	"TermLedger/internal/errs"

	"github.com/shopspring/decimal"
)

const secondsPerYear = 365 * 24 * 60 * 60

var twoPow32 = decimal.NewFromInt(int64(One))

// Decimal renders the price as quote per base.
func (p Price) Decimal() decimal.Decimal {
	return decimal.NewFromInt(int64(p)).Div(twoPow32)
}

// String renders the price with 8 decimal places.
func (p Price) String() string {
	return p.Decimal().StringFixed(8)
}

// PriceFromDecimal converts a decimal quote-per-base value to Q32, truncating.
func PriceFromDecimal(d decimal.Decimal) (Price, error) {
	if d.Sign() <= 0 {
		return 0, errs.ErrInvalidPrice.With("price %s must be positive", d.String())
	}
	scaled := d.Mul(twoPow32).Truncate(0)
	if !scaled.BigInt().IsUint64() {
		return 0, errs.ErrOverflow.With("price %s", d.String())
	}
	return Price(scaled.BigInt().Uint64()), nil
}

// ParsePrice parses a decimal string such as "0.9091".
func ParsePrice(s string) (Price, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, errs.ErrInvalidPrice.With("parse %q: %v", s, err)
	}
	return PriceFromDecimal(d)
}

// Rate is the simple interest over one tenor implied by a zero-coupon price:
// 1/price - 1.
func (p Price) Rate() decimal.Decimal {
	if p == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(1).DivRound(p.Decimal(), 16).Sub(decimal.NewFromInt(1))
}

// AnnualYield scales the tenor rate to a 365-day year.
func (p Price) AnnualYield(tenorSeconds int64) decimal.Decimal {
	if tenorSeconds <= 0 {
		return decimal.Zero
	}
	factor := decimal.NewFromInt(secondsPerYear).Div(decimal.NewFromInt(tenorSeconds))
	return p.Rate().Mul(factor)
}

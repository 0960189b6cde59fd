package fixedpoint

import (
	"TermLedger/internal/errs"
	"math"
	"math/big"
	"sync"
)

// PriceBits is the number of fractional bits in a Price.
const PriceBits = 32

// One is the Price representing exactly 1 quote per base.
const One Price = 1 << PriceBits

// Price is quote-per-base as an unsigned Q32 fixed-point number:
// the real value is Price / 2^32.
type Price uint64

// RoundingMode selects how a division remainder is handled.
type RoundingMode int

const (
	RoundDown RoundingMode = iota
	RoundUp
)

// Pooled big.Int for 128-bit intermediates.
var bigPool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getBig() *big.Int {
	return bigPool.Get().(*big.Int)
}

func putBig(v *big.Int) {
	v.SetInt64(0)
	bigPool.Put(v)
}

// PriceFromRatio returns floor(num * 2^32 / den).
func PriceFromRatio(num, den uint64) (Price, error) {
	if den == 0 {
		return 0, errs.ErrDivideByZero.With("price ratio")
	}
	v, err := MulDiv(num, uint64(One), den, RoundDown)
	if err != nil {
		return 0, err
	}
	return Price(v), nil
}

// QuoteFromBase converts a base (ticket) amount to quote (token) at price,
// rounding down.
func QuoteFromBase(base uint64, price Price) (uint64, error) {
	return MulDiv(base, uint64(price), uint64(One), RoundDown)
}

// BaseFromQuote returns the largest base amount purchasable with quote at price.
func BaseFromQuote(quote uint64, price Price) (uint64, error) {
	if price == 0 {
		return 0, errs.ErrDivideByZero.With("zero price")
	}
	return MulDiv(quote, uint64(One), uint64(price), RoundDown)
}

// MulDiv computes a*b/c with a 128-bit intermediate.
func MulDiv(a, b, c uint64, mode RoundingMode) (uint64, error) {
	if c == 0 {
		return 0, errs.ErrDivideByZero
	}

	product := getBig()
	divisor := getBig()
	quotient := getBig()
	remainder := getBig()
	defer func() {
		putBig(product)
		putBig(divisor)
		putBig(quotient)
		putBig(remainder)
	}()

	product.SetUint64(a)
	product.Mul(product, divisor.SetUint64(b))
	divisor.SetUint64(c)
	quotient.QuoRem(product, divisor, remainder)

	if mode == RoundUp && remainder.Sign() != 0 {
		quotient.Add(quotient, big.NewInt(1))
	}
	if !quotient.IsUint64() {
		return 0, errs.ErrOverflow.With("muldiv %d*%d/%d", a, b, c)
	}
	return quotient.Uint64(), nil
}

// Add returns a+b or an overflow error.
func Add(a, b uint64) (uint64, error) {
	if a > math.MaxUint64-b {
		return 0, errs.ErrOverflow.With("%d + %d", a, b)
	}
	return a + b, nil
}

// Sub returns a-b or an underflow error.
func Sub(a, b uint64) (uint64, error) {
	if b > a {
		return 0, errs.ErrUnderflow.With("%d - %d", a, b)
	}
	return a - b, nil
}

// Mul returns a*b or an overflow error.
func Mul(a, b uint64) (uint64, error) {
	if a == 0 || b == 0 {
		return 0, nil
	}
	if a > math.MaxUint64/b {
		return 0, errs.ErrOverflow.With("%d * %d", a, b)
	}
	return a * b, nil
}

// Min returns the smaller of a and b.
func Min(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

// BpsOf returns floor(amount * bps / 10_000).
func BpsOf(amount uint64, bps uint16) (uint64, error) {
	return MulDiv(amount, uint64(bps), 10_000, RoundDown)
}

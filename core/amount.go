package core

import (
	"fmt"
	"math"
)

// AmountDecimals is the number of fractional digits the fixed-point Amount
// represents.
const AmountDecimals = 9

// amountScale converts between the human-facing decimal value and the raw
// u64 integer Amount stores.
var amountScale uint64 = func() uint64 {
	s := uint64(1)
	for i := 0; i < AmountDecimals; i++ {
		s *= 10
	}
	return s
}()

// Amount is an unsigned 64-bit fixed-point balance. All arithmetic is
// checked; only the Saturating* variants clamp instead of erroring, for the
// deliberate operations that call for it (e.g. reward minting caps).
type Amount struct {
	raw uint64
}

// NewAmount builds an Amount from its raw integer representation (already
// scaled by 10^AmountDecimals).
func NewAmount(raw uint64) Amount { return Amount{raw: raw} }

// AmountZero is the zero balance.
var AmountZero = Amount{}

// Raw returns the underlying scaled integer, e.g. for wire encoding.
func (a Amount) Raw() uint64 { return a.raw }

// IsZero reports whether the amount is zero.
func (a Amount) IsZero() bool { return a.raw == 0 }

// Add returns a+b, erroring on overflow.
func (a Amount) Add(b Amount) (Amount, error) {
	sum := a.raw + b.raw
	if sum < a.raw {
		return Amount{}, fmt.Errorf("amount overflow: %d + %d", a.raw, b.raw)
	}
	return Amount{raw: sum}, nil
}

// Sub returns a-b, erroring on underflow.
func (a Amount) Sub(b Amount) (Amount, error) {
	if b.raw > a.raw {
		return Amount{}, fmt.Errorf("amount underflow: %d - %d", a.raw, b.raw)
	}
	return Amount{raw: a.raw - b.raw}, nil
}

// SaturatingAdd clamps to math.MaxUint64 instead of erroring; reserved for
// deliberate saturating operations (e.g. block-reward accumulation caps).
func (a Amount) SaturatingAdd(b Amount) Amount {
	sum := a.raw + b.raw
	if sum < a.raw {
		return Amount{raw: math.MaxUint64}
	}
	return Amount{raw: sum}
}

// SaturatingSub clamps to zero instead of erroring.
func (a Amount) SaturatingSub(b Amount) Amount {
	if b.raw > a.raw {
		return Amount{}
	}
	return Amount{raw: a.raw - b.raw}
}

// MulUint64 returns a*n, erroring on overflow. Used for per-unit pricing
// (e.g. roll count * roll price) rather than general multiplication.
func (a Amount) MulUint64(n uint64) (Amount, error) {
	if a.raw == 0 || n == 0 {
		return Amount{}, nil
	}
	product := a.raw * n
	if product/n != a.raw {
		return Amount{}, fmt.Errorf("amount overflow: %d * %d", a.raw, n)
	}
	return Amount{raw: product}, nil
}

// Cmp compares two amounts, returning -1, 0 or 1.
func (a Amount) Cmp(b Amount) int {
	switch {
	case a.raw < b.raw:
		return -1
	case a.raw > b.raw:
		return 1
	default:
		return 0
	}
}

// LessThan reports whether a < b.
func (a Amount) LessThan(b Amount) bool { return a.raw < b.raw }

func (a Amount) String() string {
	whole := a.raw / amountScale
	frac := a.raw % amountScale
	return fmt.Sprintf("%d.%0*d", whole, AmountDecimals, frac)
}

package domain

import (
	"math"
	"math/bits"
)

// Amount is a monetary value in the smallest indivisible currency unit.
type Amount uint64

func (a Amount) CheckedAdd(b Amount) (Amount, error) {
	sum, carry := bits.Add64(uint64(a), uint64(b), 0)
	if carry != 0 {
		return 0, ErrOverflow
	}
	return Amount(sum), nil
}

func (a Amount) CheckedSub(b Amount) (Amount, error) {
	diff, borrow := bits.Sub64(uint64(a), uint64(b), 0)
	if borrow != 0 {
		return 0, ErrNegativeBalance
	}
	return Amount(diff), nil
}

func (a Amount) CheckedMul(n uint64) (Amount, error) {
	hi, lo := bits.Mul64(uint64(a), n)
	if hi != 0 {
		return 0, ErrOverflow
	}
	return Amount(lo), nil
}

// SaturatingAdd clamps at Unlimited instead of failing.
func (a Amount) SaturatingAdd(b Amount) Amount {
	sum, err := a.CheckedAdd(b)
	if err != nil {
		return Unlimited
	}
	return sum
}

// SaturatingSub clamps at zero instead of failing.
func (a Amount) SaturatingSub(b Amount) Amount {
	diff, err := a.CheckedSub(b)
	if err != nil {
		return 0
	}
	return diff
}

// Percent returns floor(a * pct / 100). pct must be <= 100.
func (a Amount) Percent(pct uint8) Amount {
	if pct > 100 {
		pct = 100
	}
	hi, lo := bits.Mul64(uint64(a), uint64(pct))
	quo, _ := bits.Div64(hi, lo, 100)
	return Amount(quo)
}

// Unlimited is used as the spending limit of viewers without a configured ceiling.
const Unlimited = Amount(math.MaxUint64)

// SaturatingAddTicks adds tick counts, clamping at the maximum instead of wrapping.
func SaturatingAddTicks(a, b uint64) uint64 {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return math.MaxUint64
	}
	return sum
}

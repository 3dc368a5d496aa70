package domain

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAmount_CheckedArithmetic(t *testing.T) {
	sum, err := Amount(40).CheckedAdd(2)
	require.NoError(t, err)
	assert.Equal(t, Amount(42), sum)

	_, err = Amount(math.MaxUint64).CheckedAdd(1)
	assert.ErrorIs(t, err, ErrOverflow)

	diff, err := Amount(50).CheckedSub(20)
	require.NoError(t, err)
	assert.Equal(t, Amount(30), diff)

	_, err = Amount(20).CheckedSub(50)
	assert.ErrorIs(t, err, ErrNegativeBalance)

	product, err := Amount(10).CheckedMul(5)
	require.NoError(t, err)
	assert.Equal(t, Amount(50), product)

	_, err = Amount(math.MaxUint64 / 2).CheckedMul(3)
	assert.ErrorIs(t, err, ErrOverflow)
}

func TestAmount_Saturating(t *testing.T) {
	assert.Equal(t, Unlimited, Unlimited.SaturatingAdd(1))
	assert.Equal(t, Amount(3), Amount(1).SaturatingAdd(2))
	assert.Equal(t, Amount(0), Amount(1).SaturatingSub(2))
	assert.Equal(t, Amount(1), Amount(3).SaturatingSub(2))
}

func TestAmount_Percent(t *testing.T) {
	tests := []struct {
		amount Amount
		pct    uint8
		want   Amount
	}{
		{100, 10, 10},
		{99, 10, 9},
		{0, 50, 0},
		{7, 0, 0},
		{7, 100, 7},
		{Amount(math.MaxUint64), 100, Amount(math.MaxUint64)},
		{Amount(math.MaxUint64), 50, Amount(math.MaxUint64 / 2)},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.amount.Percent(tt.pct), "%d%% of %d", tt.pct, tt.amount)
	}
}

func TestSaturatingAddTicks(t *testing.T) {
	assert.Equal(t, uint64(8), SaturatingAddTicks(5, 3))
	assert.Equal(t, uint64(math.MaxUint64), SaturatingAddTicks(math.MaxUint64-1, 5))
}

func TestPricingConfig_Validate(t *testing.T) {
	valid := PricingConfig{RatePerTick: 10, MinPaymentAmount: 50, PlatformFeePercent: 10}
	assert.NoError(t, valid.Validate())

	for name, p := range map[string]PricingConfig{
		"zero rate":     {RatePerTick: 0, MinPaymentAmount: 1},
		"zero minimum":  {RatePerTick: 1, MinPaymentAmount: 0},
		"fee above 100": {RatePerTick: 1, MinPaymentAmount: 1, PlatformFeePercent: 101},
	} {
		assert.ErrorIs(t, p.Validate(), ErrInvalidConfig, name)
	}

	amount, err := valid.AmountFor(5)
	require.NoError(t, err)
	assert.Equal(t, Amount(50), amount)
}

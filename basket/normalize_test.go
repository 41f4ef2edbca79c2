package basket_test

import (
	"errors"
	"testing"

	"github.com/holiman/uint256"
	"github.com/zeebo/assert"

	"github.com/parallaxfi/basket-engine/basket"
)

func TestNormalize_SixDecimals(t *testing.T) {
	// 1.5 units of a 6-decimal token
	amount := uint256.NewInt(1_500_000)

	normalized, err := basket.Normalize(amount, 6)
	assert.NoError(t, err)
	assert.Equal(t, normalized.Dec(), "1500000000000000000")
}

func TestNormalize_EighteenDecimalsIsIdentity(t *testing.T) {
	amount := uint256.NewInt(123_456_789)

	normalized, err := basket.Normalize(amount, 18)
	assert.NoError(t, err)
	assert.True(t, normalized.Eq(amount))
}

func TestDenormalize_RoundTrip(t *testing.T) {
	cases := []struct {
		name     string
		amount   uint64
		decimals uint8
	}{
		{"six decimals", 42_000_000, 6},
		{"eight decimals", 5_00000000, 8},
		{"eighteen decimals", 1, 18},
		{"zero", 0, 6},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			amount := uint256.NewInt(tc.amount)
			normalized, err := basket.Normalize(amount, tc.decimals)
			assert.NoError(t, err)

			back, err := basket.Denormalize(normalized, tc.decimals)
			assert.NoError(t, err)
			assert.True(t, back.Eq(amount))
		})
	}
}

func TestDenormalize_TruncatesTowardZero(t *testing.T) {
	// 1 wei of normalized value is below the resolution of a 6-decimal token
	normalized := uint256.NewInt(1)

	native, err := basket.Denormalize(normalized, 6)
	assert.NoError(t, err)
	assert.True(t, native.IsZero())
}

func TestRescale_AcrossPrecisions(t *testing.T) {
	// 2.5 units at 6 decimals -> 18 decimals and back
	amount := uint256.NewInt(2_500_000)

	up, err := basket.Rescale(amount, 6, 18)
	assert.NoError(t, err)
	assert.Equal(t, up.Dec(), "2500000000000000000")

	down, err := basket.Rescale(up, 18, 6)
	assert.NoError(t, err)
	assert.True(t, down.Eq(amount))
}

func TestRescale_SamePrecisionReturnsCopy(t *testing.T) {
	amount := uint256.NewInt(777)

	out, err := basket.Rescale(amount, 9, 9)
	assert.NoError(t, err)
	assert.True(t, out.Eq(amount))

	// mutating the result must not touch the input
	out.AddUint64(out, 1)
	assert.Equal(t, amount.Uint64(), uint64(777))
}

func TestNormalize_RejectsAbsurdPrecision(t *testing.T) {
	_, err := basket.Normalize(uint256.NewInt(1), 31)
	assert.Error(t, err)
	assert.True(t, errors.Is(err, basket.ErrArithmetic))
}

func TestCheckedAdd_Overflow(t *testing.T) {
	max := new(uint256.Int).SetAllOne()

	_, err := basket.CheckedAdd(max, uint256.NewInt(1))
	assert.Error(t, err)
	assert.True(t, errors.Is(err, basket.ErrArithmetic))
}

func TestCheckedSub_Underflow(t *testing.T) {
	_, err := basket.CheckedSub(uint256.NewInt(1), uint256.NewInt(2))
	assert.Error(t, err)
	assert.True(t, errors.Is(err, basket.ErrArithmetic))
}

func TestCheckedMul_Overflow(t *testing.T) {
	max := new(uint256.Int).SetAllOne()

	_, err := basket.CheckedMul(max, uint256.NewInt(2))
	assert.Error(t, err)
	assert.True(t, errors.Is(err, basket.ErrArithmetic))
}

func TestCheckedDiv_ByZero(t *testing.T) {
	_, err := basket.CheckedDiv(uint256.NewInt(1), uint256.NewInt(0))
	assert.Error(t, err)
	assert.True(t, errors.Is(err, basket.ErrArithmetic))
}

func TestMulDiv_SurvivesIntermediateOverflow(t *testing.T) {
	// a*b overflows 256 bits but the quotient fits
	max := new(uint256.Int).SetAllOne()

	out, err := basket.MulDiv(max, uint256.NewInt(1000), uint256.NewInt(1000))
	assert.NoError(t, err)
	assert.True(t, out.Eq(max))
}

func TestMulDiv_ResultTooLarge(t *testing.T) {
	max := new(uint256.Int).SetAllOne()

	_, err := basket.MulDiv(max, uint256.NewInt(2), uint256.NewInt(1))
	assert.Error(t, err)
	assert.True(t, errors.Is(err, basket.ErrArithmetic))
}

func TestNormalize_HighPrecisionTruncates(t *testing.T) {
	// a 20-decimal token loses the two extra digits on normalization
	amount := uint256.NewInt(199) // 1.99e-18 units at 20 decimals

	normalized, err := basket.Normalize(amount, 20)
	assert.NoError(t, err)
	assert.Equal(t, normalized.Uint64(), uint64(1))
}

func BenchmarkNormalize(b *testing.B) {
	amount := uint256.NewInt(123_456_789_012)
	for i := 0; i < b.N; i++ {
		_, _ = basket.Normalize(amount, 6)
	}
}

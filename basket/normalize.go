package basket

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

// NormalizedDecimals is the common fixed-point precision every balance is
// rescaled to before cross-asset comparison or summation.
const NormalizedDecimals = 18

// MaxDecimals bounds accepted token precision.
const MaxDecimals = 30

// ErrArithmetic is returned on checked overflow, underflow or division by
// zero in any balance or percentage computation. It is always fatal for the
// operation that hit it.
var ErrArithmetic = errors.New("arithmetic overflow or underflow")

var ten = uint256.NewInt(10)

// Pow10 returns 10^n as a fresh uint256.
func Pow10(n uint8) *uint256.Int {
	return new(uint256.Int).Exp(ten, uint256.NewInt(uint64(n)))
}

// CheckedAdd returns a+b or ErrArithmetic on overflow.
func CheckedAdd(a, b *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).AddOverflow(a, b)
	if overflow {
		return nil, fmt.Errorf("%w: %s + %s", ErrArithmetic, a.Dec(), b.Dec())
	}
	return z, nil
}

// CheckedSub returns a-b or ErrArithmetic on underflow.
func CheckedSub(a, b *uint256.Int) (*uint256.Int, error) {
	z, underflow := new(uint256.Int).SubOverflow(a, b)
	if underflow {
		return nil, fmt.Errorf("%w: %s - %s", ErrArithmetic, a.Dec(), b.Dec())
	}
	return z, nil
}

// CheckedMul returns a*b or ErrArithmetic on overflow.
func CheckedMul(a, b *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).MulOverflow(a, b)
	if overflow {
		return nil, fmt.Errorf("%w: %s * %s", ErrArithmetic, a.Dec(), b.Dec())
	}
	return z, nil
}

// CheckedDiv returns a/b or ErrArithmetic when b is zero.
func CheckedDiv(a, b *uint256.Int) (*uint256.Int, error) {
	if b.IsZero() {
		return nil, fmt.Errorf("%w: division by zero", ErrArithmetic)
	}
	return new(uint256.Int).Div(a, b), nil
}

// MulDiv computes a*b/d with a 512-bit intermediate product, failing loudly
// instead of wrapping when the result does not fit.
func MulDiv(a, b, d *uint256.Int) (*uint256.Int, error) {
	if d.IsZero() {
		return nil, fmt.Errorf("%w: division by zero", ErrArithmetic)
	}
	z, overflow := new(uint256.Int).MulDivOverflow(a, b, d)
	if overflow {
		return nil, fmt.Errorf("%w: %s * %s / %s", ErrArithmetic, a.Dec(), b.Dec(), d.Dec())
	}
	return z, nil
}

// Normalize converts a native token amount into the common fixed-point unit:
// amount * 10^18 / 10^decimals.
func Normalize(amount *uint256.Int, decimals uint8) (*uint256.Int, error) {
	if decimals > MaxDecimals {
		return nil, fmt.Errorf("%w: unsupported precision %d", ErrArithmetic, decimals)
	}
	return MulDiv(amount, Pow10(NormalizedDecimals), Pow10(decimals))
}

// Denormalize converts a normalized amount back into a native token amount,
// truncating toward zero.
func Denormalize(amount *uint256.Int, decimals uint8) (*uint256.Int, error) {
	if decimals > MaxDecimals {
		return nil, fmt.Errorf("%w: unsupported precision %d", ErrArithmetic, decimals)
	}
	return MulDiv(amount, Pow10(decimals), Pow10(NormalizedDecimals))
}

// Rescale converts a native amount from one precision to another, truncating
// toward zero. Rescale(x, d, d) returns x unchanged.
func Rescale(amount *uint256.Int, fromDecimals, toDecimals uint8) (*uint256.Int, error) {
	if fromDecimals > MaxDecimals || toDecimals > MaxDecimals {
		return nil, fmt.Errorf("%w: unsupported precision", ErrArithmetic)
	}
	if fromDecimals == toDecimals {
		return new(uint256.Int).Set(amount), nil
	}
	return MulDiv(amount, Pow10(toDecimals), Pow10(fromDecimals))
}

// Package units converts between raw integer amounts and their display form
// at a token's decimal scale.
package units

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// MaxDecimals bounds the display scale; 10^77 is the largest power of ten below 2^256.
const MaxDecimals = 77

var (
	// ErrNegative is returned when parsing a negative amount.
	ErrNegative = errors.New("amount must not be negative")

	// ErrPrecision is returned when a value has more fractional digits than the scale allows.
	ErrPrecision = errors.New("amount exceeds token precision")

	// ErrOverflow is returned when a value does not fit in 256 bits.
	ErrOverflow = errors.New("amount overflows 256 bits")

	// ErrDecimals is returned for a scale above MaxDecimals.
	ErrDecimals = errors.New("decimals out of range")
)

// Pow10 returns 10^decimals.
func Pow10(decimals uint8) (*uint256.Int, error) {
	if decimals > MaxDecimals {
		return nil, fmt.Errorf("%w: %d", ErrDecimals, decimals)
	}
	return new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(decimals))), nil
}

// Scale returns whole * 10^decimals.
func Scale(whole uint64, decimals uint8) (*uint256.Int, error) {
	factor, err := Pow10(decimals)
	if err != nil {
		return nil, err
	}
	out, overflow := new(uint256.Int).MulOverflow(uint256.NewInt(whole), factor)
	if overflow {
		return nil, ErrOverflow
	}
	return out, nil
}

// MustScale is like Scale but panics on error.
func MustScale(whole uint64, decimals uint8) *uint256.Int {
	out, err := Scale(whole, decimals)
	if err != nil {
		panic(err)
	}
	return out
}

// Format renders a raw amount at the given scale, trimming trailing zeros.
// A nil amount formats as "0".
func Format(amount *uint256.Int, decimals uint8) string {
	if amount == nil {
		return "0"
	}
	return decimal.NewFromBigInt(amount.ToBig(), -int32(decimals)).String()
}

// Parse converts a display value such as "12.5" into raw units at the given scale.
// Values that need more than decimals fractional digits are rejected, never rounded.
func Parse(s string, decimals uint8) (*uint256.Int, error) {
	if decimals > MaxDecimals {
		return nil, fmt.Errorf("%w: %d", ErrDecimals, decimals)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", s, err)
	}
	if d.Sign() < 0 {
		return nil, ErrNegative
	}

	shifted := d.Shift(int32(decimals))
	if !shifted.IsInteger() {
		return nil, fmt.Errorf("%w: %s at %d decimals", ErrPrecision, s, decimals)
	}

	out, overflow := uint256.FromBig(shifted.BigInt())
	if overflow {
		return nil, ErrOverflow
	}
	return out, nil
}

// ParseRaw parses a base-10 integer amount of raw units.
func ParseRaw(s string) (*uint256.Int, error) {
	if s == "" {
		return nil, errors.New("parse raw amount: empty")
	}
	out, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("parse raw amount %q: %w", s, err)
	}
	return out, nil
}

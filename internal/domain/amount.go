package domain

import (
	"math/big"
	"strings"

	"github.com/holiman/uint256"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

const (
	// NativeDecimals is the decimal scale of the native asset.
	NativeDecimals = 18
	// PriceDecimals is the fixed-point scale of the oracle price.
	PriceDecimals = 8
	// DefaultSecondaryDecimals is used when no scale is configured.
	DefaultSecondaryDecimals = 6
)

// ParseAmount parses a base-10 integer string into a 256-bit amount.
// Signs, fractions, hex and values above 2^256-1 are rejected.
func ParseAmount(s string) (uint256.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return uint256.Int{}, errors.Wrap(ErrInvalidAmount, "empty amount")
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return uint256.Int{}, errors.Wrapf(ErrInvalidAmount, "amount %q is not a decimal integer", s)
		}
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return uint256.Int{}, errors.Wrapf(ErrInvalidAmount, "amount %q: %v", s, err)
	}
	return *v, nil
}

// AmountFromBig converts a big integer, rejecting negative and oversized values.
func AmountFromBig(b *big.Int) (uint256.Int, error) {
	if b == nil {
		return uint256.Int{}, errors.Wrap(ErrInvalidAmount, "nil amount")
	}
	if b.Sign() < 0 {
		return uint256.Int{}, errors.Wrapf(ErrInvalidAmount, "negative amount %s", b.String())
	}
	v, overflow := uint256.FromBig(b)
	if overflow {
		return uint256.Int{}, errors.Wrapf(ErrInvalidAmount, "amount %s exceeds 256 bits", b.String())
	}
	return *v, nil
}

// FormatUnits renders raw units at the given scale as a human-readable decimal.
// For logs and status output only; never feed the result back into settlement math.
func FormatUnits(amount uint256.Int, decimals int) string {
	return decimal.NewFromBigInt(amount.ToBig(), int32(-decimals)).String()
}

package engine

import (
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
	"github.com/vadiminshakov/bridgeledger/internal/domain"
)

// maxScale keeps 10^scale inside 256 bits.
const maxScale = 77

// Converter performs fixed-point conversions between the two assets at an oracle price.
//
// With e = nativeDecimals + priceDecimals - secondaryDecimals:
//
//	native -> secondary: out = amount * price / 10^e
//	secondary -> native: out = amount * 10^e / price
//
// Products use a 512-bit intermediate and every result is rounded down, so the
// pool never pays out more than the exact value.
type Converter struct {
	exp   int
	scale uint256.Int
}

// NewConverter validates the decimal scales and precomputes 10^|e|.
func NewConverter(nativeDecimals, secondaryDecimals, priceDecimals int) (Converter, error) {
	if nativeDecimals < 0 || secondaryDecimals < 0 || priceDecimals < 0 {
		return Converter{}, errors.New("decimal scales must not be negative")
	}
	exp := nativeDecimals + priceDecimals - secondaryDecimals
	abs := exp
	if abs < 0 {
		abs = -abs
	}
	if abs > maxScale {
		return Converter{}, errors.Errorf("decimal scale difference %d is out of range", exp)
	}
	return Converter{exp: exp, scale: pow10(abs)}, nil
}

func pow10(n int) uint256.Int {
	var z uint256.Int
	z.Exp(uint256.NewInt(10), uint256.NewInt(uint64(n)))
	return z
}

// NativeToSecondary converts a native amount into secondary units.
func (c Converter) NativeToSecondary(amount, price uint256.Int) (uint256.Int, error) {
	if price.IsZero() {
		return uint256.Int{}, errors.Wrap(domain.ErrInvalidPrice, "price is zero")
	}
	if c.exp >= 0 {
		return mulDiv(&amount, &price, &c.scale)
	}
	var y uint256.Int
	if _, overflow := y.MulOverflow(&price, &c.scale); overflow {
		return uint256.Int{}, errors.Wrap(domain.ErrInvalidAmount, "scaled price overflows")
	}
	return mulDiv(&amount, &y, uint256.NewInt(1))
}

// SecondaryToNative converts a secondary amount into native units.
func (c Converter) SecondaryToNative(amount, price uint256.Int) (uint256.Int, error) {
	if price.IsZero() {
		return uint256.Int{}, errors.Wrap(domain.ErrInvalidPrice, "price is zero")
	}
	if c.exp >= 0 {
		return mulDiv(&amount, &c.scale, &price)
	}
	var d uint256.Int
	if _, overflow := d.MulOverflow(&price, &c.scale); overflow {
		return uint256.Int{}, errors.Wrap(domain.ErrInvalidAmount, "scaled price overflows")
	}
	return mulDiv(&amount, uint256.NewInt(1), &d)
}

func mulDiv(x, y, d *uint256.Int) (uint256.Int, error) {
	var z uint256.Int
	if _, overflow := z.MulDivOverflow(x, y, d); overflow {
		return uint256.Int{}, errors.Wrap(domain.ErrInvalidAmount, "conversion overflows 256 bits")
	}
	return z, nil
}

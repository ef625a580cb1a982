package engine

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/bridgeledger/internal/domain"
)

func mustDec(t *testing.T, s string) uint256.Int {
	t.Helper()
	v, err := uint256.FromDecimal(s)
	require.NoError(t, err)
	return *v
}

func TestConverter_NativeToSecondary(t *testing.T) {
	conv, err := NewConverter(18, 6, 8)
	require.NoError(t, err)

	// 1 ETH at 2000.00000000 is 2000 units of a 6-decimal asset.
	out, err := conv.NativeToSecondary(mustDec(t, "1000000000000000000"), mustDec(t, "200000000000"))
	require.NoError(t, err)
	assert.Equal(t, "2000000000", out.Dec())

	// rounds down
	out, err = conv.NativeToSecondary(mustDec(t, "1"), mustDec(t, "200000000000"))
	require.NoError(t, err)
	assert.True(t, out.IsZero())
}

func TestConverter_SecondaryToNative(t *testing.T) {
	conv, err := NewConverter(18, 6, 8)
	require.NoError(t, err)

	out, err := conv.SecondaryToNative(mustDec(t, "2000000000"), mustDec(t, "200000000000"))
	require.NoError(t, err)
	assert.Equal(t, "1000000000000000000", out.Dec())

	out, err = conv.SecondaryToNative(mustDec(t, "1"), mustDec(t, "300000000000"))
	require.NoError(t, err)
	assert.Equal(t, "333333333", out.Dec(), "1e-6 at 3000 is 3.33e-10 native, floored")
}

func TestConverter_NegativeExponent(t *testing.T) {
	// secondary scale wider than native + price
	conv, err := NewConverter(2, 12, 8)
	require.NoError(t, err)

	out, err := conv.NativeToSecondary(*uint256.NewInt(100), *uint256.NewInt(100_000_000))
	require.NoError(t, err)
	assert.Equal(t, "1000000000000", out.Dec())

	back, err := conv.SecondaryToNative(out, *uint256.NewInt(100_000_000))
	require.NoError(t, err)
	assert.Equal(t, uint64(100), back.Uint64())
}

func TestConverter_Errors(t *testing.T) {
	conv, err := NewConverter(18, 6, 8)
	require.NoError(t, err)

	_, err = conv.NativeToSecondary(*uint256.NewInt(1), uint256.Int{})
	assert.ErrorIs(t, err, domain.ErrInvalidPrice)
	_, err = conv.SecondaryToNative(*uint256.NewInt(1), uint256.Int{})
	assert.ErrorIs(t, err, domain.ErrInvalidPrice)

	max := *new(uint256.Int).SetAllOne()
	_, err = conv.SecondaryToNative(max, *uint256.NewInt(1))
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, err = NewConverter(80, 0, 0)
	assert.Error(t, err)
	_, err = NewConverter(-1, 6, 8)
	assert.Error(t, err)
}

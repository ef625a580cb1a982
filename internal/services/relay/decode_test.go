package relay

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/bridgeledger/internal/domain"
)

func TestDecodeNativeDeposit(t *testing.T) {
	amount, ok := new(big.Int).SetString("1500000000000000000", 10)
	require.True(t, ok)
	data, err := EncodeNativeDeposit(user, amount)
	require.NoError(t, err)

	dep, err := DecodeNativeDeposit(data)
	require.NoError(t, err)
	assert.Equal(t, domain.NativeToken, dep.Token)
	assert.Equal(t, user, dep.Recipient)
	assert.Equal(t, "1500000000000000000", dep.Amount.Dec())
}

func TestDecodeAssetDeposit(t *testing.T) {
	data, err := EncodeAssetDeposit(usdc, user, big.NewInt(2_000_000))
	require.NoError(t, err)

	dep, err := DecodeAssetDeposit(data)
	require.NoError(t, err)
	assert.Equal(t, usdc, dep.Token)
	assert.Equal(t, user, dep.Recipient)
	assert.Equal(t, uint64(2_000_000), dep.Amount.Uint64())

	data, err = EncodeAssetDeposit(common.Address{}, user, big.NewInt(1))
	require.NoError(t, err)
	_, err = DecodeAssetDeposit(data)
	assert.Equal(t, domain.KindMalformedEvent, domain.KindOf(err))
}

func TestDecodePriceFeed(t *testing.T) {
	data, err := EncodePriceFeed(big.NewInt(300000000000))
	require.NoError(t, err)
	upd, err := DecodePriceFeed(data)
	require.NoError(t, err)
	assert.Equal(t, uint64(300000000000), upd.Price.Uint64())

	data, err = EncodePriceFeed(big.NewInt(-1))
	require.NoError(t, err)
	_, err = DecodePriceFeed(data)
	assert.Equal(t, domain.KindMalformedEvent, domain.KindOf(err))
}

func TestDecodeTruncated(t *testing.T) {
	_, err := DecodeNativeDeposit([]byte{1, 2, 3})
	assert.Equal(t, domain.KindMalformedEvent, domain.KindOf(err))

	_, err = DecodeAssetDeposit(make([]byte, 64))
	assert.Equal(t, domain.KindMalformedEvent, domain.KindOf(err))

	_, err = DecodePriceFeed(nil)
	assert.Equal(t, domain.KindMalformedEvent, domain.KindOf(err))
}

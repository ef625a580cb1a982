package clients

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/bridgeledger/internal/domain"
	"github.com/vadiminshakov/bridgeledger/internal/signer"
	"go.uber.org/zap"
)

const operatorKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

// runtime code: PUSH1 0 PUSH1 0 REVERT, wrapped in a constructor that returns it
var revertingContract = hexutil.MustDecode("0x6005600c60003960056000f360006000fd")

var simulatedChainID = big.NewInt(1337)

func newSimulated(t *testing.T) (*simulated.Backend, *signer.Operator) {
	t.Helper()
	op, err := signer.FromHex(operatorKey)
	require.NoError(t, err)

	funds := new(big.Int).Mul(big.NewInt(100), big.NewInt(1e18))
	backend := simulated.NewBackend(types.GenesisAlloc{op.Address(): {Balance: funds}})
	t.Cleanup(func() { _ = backend.Close() })
	return backend, op
}

func newSettlement(t *testing.T, backend *simulated.Backend, op *signer.Operator, contract common.Address, gasLimit uint64) *SettlementClient {
	t.Helper()
	c, err := NewSettlementClient(zap.NewNop(), backend.Client(), op, SettlementConfig{
		Contract:     contract,
		ChainID:      simulatedChainID,
		GasLimit:     gasLimit,
		PollInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	return c
}

func await(t *testing.T, backend *simulated.Backend, c *SettlementClient, tx common.Hash) error {
	t.Helper()
	backend.Commit()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.Await(ctx, tx)
}

func TestSettlementClient_ReleaseAndAwait(t *testing.T) {
	backend, op := newSimulated(t)
	c := newSettlement(t, backend, op, common.HexToAddress("0x00000000000000000000000000000000000b1d9e"), 100_000)

	to := common.HexToAddress("0x00000000000000000000000000000000000000a1")
	first, err := c.Release(context.Background(), domain.NativeToken, to, big.NewInt(500))
	require.NoError(t, err)
	second, err := c.Release(context.Background(), domain.NativeToken, to, big.NewInt(7))
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	require.NoError(t, await(t, backend, c, first))
	require.NoError(t, await(t, backend, c, second))

	tx, _, err := backend.Client().TransactionByHash(context.Background(), second)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), tx.Nonce(), "nonces are assigned sequentially")
}

func TestSettlementClient_RevertIsSettlementFailure(t *testing.T) {
	backend, op := newSimulated(t)
	client := backend.Client()

	gasPrice, err := client.SuggestGasPrice(context.Background())
	require.NoError(t, err)
	deploy, err := op.SignTx(types.NewTx(&types.LegacyTx{
		Nonce:    0,
		GasPrice: gasPrice,
		Gas:      200_000,
		Data:     revertingContract,
	}), simulatedChainID)
	require.NoError(t, err)
	require.NoError(t, client.SendTransaction(context.Background(), deploy))
	backend.Commit()
	contract := crypto.CreateAddress(op.Address(), 0)

	c := newSettlement(t, backend, op, contract, 100_000)
	tx, err := c.Release(context.Background(), domain.NativeToken, op.Address(), big.NewInt(1))
	require.NoError(t, err)

	err = await(t, backend, c, tx)
	require.Error(t, err)
	assert.Equal(t, domain.KindSettlementFailure, domain.KindOf(err))
}

func TestSettlementClient_SendFailureResetsNonce(t *testing.T) {
	backend, op := newSimulated(t)
	// without a gas limit the call is estimated, which fails for an address without code
	c := newSettlement(t, backend, op, common.HexToAddress("0x00000000000000000000000000000000000b1d9e"), 0)

	_, err := c.Release(context.Background(), domain.NativeToken, op.Address(), big.NewInt(1))
	require.Error(t, err)
	assert.Equal(t, domain.KindSettlementFailure, domain.KindOf(err))
	assert.Nil(t, c.nonce)
}

func TestSettlementClient_AwaitHonoursContext(t *testing.T) {
	backend, op := newSimulated(t)
	c := newSettlement(t, backend, op, common.Address{}, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := c.Await(ctx, common.HexToHash("0x1234"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

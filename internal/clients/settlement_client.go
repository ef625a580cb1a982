package clients

import (
	"context"
	"math/big"
	"sync"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"
	"github.com/vadiminshakov/bridgeledger/internal/domain"
	"github.com/vadiminshakov/bridgeledger/internal/signer"
	"go.uber.org/zap"
)

// SettlementBackend is the RPC surface used to send and confirm releases.
type SettlementBackend interface {
	bind.ContractBackend
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// SettlementConfig configures a SettlementClient.
type SettlementConfig struct {
	Contract common.Address
	ChainID  *big.Int
	// GasLimit is used as is when set; otherwise gas is estimated per call.
	GasLimit     uint64
	PollInterval time.Duration
}

// SettlementClient calls releaseTokens on the bridge contract with the operator key.
type SettlementClient struct {
	l        *zap.Logger
	backend  SettlementBackend
	contract *bind.BoundContract
	operator *signer.Operator
	cfg      SettlementConfig

	mu    sync.Mutex
	nonce *uint64
}

// NewSettlementClient binds the bridge contract at cfg.Contract.
func NewSettlementClient(l *zap.Logger, backend SettlementBackend, operator *signer.Operator, cfg SettlementConfig) (*SettlementClient, error) {
	if cfg.ChainID == nil {
		return nil, errors.New("settlement chain id is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &SettlementClient{
		l:        l,
		backend:  backend,
		contract: bind.NewBoundContract(cfg.Contract, bridgeABI, backend, backend, backend),
		operator: operator,
		cfg:      cfg,
	}, nil
}

// Release sends releaseTokens(token, to, amount) and returns the transaction hash.
// Nonces are assigned one at a time so concurrent releases never collide.
func (c *SettlementClient) Release(ctx context.Context, token, to common.Address, amount *big.Int) (common.Hash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.nonce == nil {
		n, err := c.backend.PendingNonceAt(ctx, c.operator.Address())
		if err != nil {
			return common.Hash{}, errors.Wrapf(domain.ErrSettlementFailure, "fetch nonce: %v", err)
		}
		c.nonce = &n
	}

	opts := c.operator.TransactOpts(c.cfg.ChainID)
	opts.Context = ctx
	opts.Nonce = new(big.Int).SetUint64(*c.nonce)
	opts.GasLimit = c.cfg.GasLimit

	tx, err := c.contract.Transact(opts, releaseMethodName, token, to, amount)
	if err != nil {
		// resync from the node on the next call
		c.nonce = nil
		return common.Hash{}, errors.Wrapf(domain.ErrSettlementFailure, "send releaseTokens: %v", err)
	}
	*c.nonce++

	c.l.Info("release sent",
		zap.Stringer("tx", tx.Hash()),
		zap.Uint64("nonce", tx.Nonce()),
		zap.Stringer("to", to),
		zap.String("amount", amount.String()))
	return tx.Hash(), nil
}

// Await polls for the receipt of txHash. A reverted transaction is a settlement failure.
func (c *SettlementClient) Await(ctx context.Context, txHash common.Hash) error {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.backend.TransactionReceipt(ctx, txHash)
		switch {
		case err == nil:
			if receipt.Status != types.ReceiptStatusSuccessful {
				return errors.Wrapf(domain.ErrSettlementFailure, "tx %s reverted in block %s", txHash.Hex(), receipt.BlockNumber)
			}
			return nil
		case !errors.Is(err, ethereum.NotFound):
			return errors.Wrapf(err, "receipt of %s", txHash.Hex())
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

package domain

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Payload is the typed input of one action.
type Payload interface {
	ActionName() ActionName
}

// MintTokenInput credits Recipient; only the operator may submit it.
type MintTokenInput struct {
	Token     common.Address
	Recipient common.Address
	Amount    uint256.Int
	Timestamp uint64
}

// UpdateOraclePriceInput replaces the ledger price.
type UpdateOraclePriceInput struct {
	Price     uint256.Int
	Timestamp uint64
}

// SwapTokenInput exchanges Amount of TokenIn against the pool at the oracle price.
type SwapTokenInput struct {
	TokenIn   common.Address
	TokenOut  common.Address
	Amount    uint256.Int
	Timestamp uint64
}

// WithdrawTokenInput debits the sender; the external payout happens after finality.
type WithdrawTokenInput struct {
	Token     common.Address
	Amount    uint256.Int
	Timestamp uint64
}

func (MintTokenInput) ActionName() ActionName         { return ActionMintToken }
func (UpdateOraclePriceInput) ActionName() ActionName { return ActionUpdateOraclePrice }
func (SwapTokenInput) ActionName() ActionName         { return ActionSwapToken }
func (WithdrawTokenInput) ActionName() ActionName     { return ActionWithdrawToken }

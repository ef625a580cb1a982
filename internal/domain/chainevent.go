package domain

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// EventKind identifies an external-chain event source.
type EventKind int

const (
	EventNativeDeposit EventKind = iota
	EventAssetDeposit
	EventPriceFeed
)

func (k EventKind) String() string {
	switch k {
	case EventNativeDeposit:
		return "native_deposit"
	case EventAssetDeposit:
		return "asset_deposit"
	case EventPriceFeed:
		return "price_feed"
	default:
		return "unknown"
	}
}

// ChainEvent is a raw, ABI-encoded event delivered from the external chain.
type ChainEvent struct {
	Kind        EventKind
	Data        []byte
	TxHash      common.Hash
	LogIndex    uint
	BlockNumber uint64
}

// ID uniquely identifies the log that produced the event.
func (e ChainEvent) ID() string {
	return fmt.Sprintf("%s:%d", e.TxHash.Hex(), e.LogIndex)
}

// Deposit is a decoded native or asset deposit.
type Deposit struct {
	Token     common.Address
	Recipient common.Address
	Amount    uint256.Int
}

// PriceUpdate is a decoded oracle price at PriceDecimals scale.
type PriceUpdate struct {
	Price uint256.Int
}

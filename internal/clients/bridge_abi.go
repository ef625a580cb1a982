package clients

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
)

// BridgeABI is the subset of the bridge contract the service talks to. Every
// bridge message is a BridgeEvent whose indexed identifier names the handler
// and whose data is the ABI-encoded payload.
const BridgeABI = `[
	{"anonymous":false,"name":"BridgeEvent","type":"event","inputs":[
		{"indexed":true,"name":"identifier","type":"string"},
		{"indexed":false,"name":"data","type":"bytes"}]},
	{"name":"releaseTokens","type":"function","stateMutability":"nonpayable","outputs":[],"inputs":[
		{"name":"token","type":"address"},
		{"name":"to","type":"address"},
		{"name":"amount","type":"uint256"}]}
]`

const (
	bridgeEventName   = "BridgeEvent"
	releaseMethodName = "releaseTokens"
)

var bridgeABI = mustParseABI(BridgeABI)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

// BridgeEventTopic is topic0 of every bridge message.
func BridgeEventTopic() common.Hash {
	return bridgeABI.Events[bridgeEventName].ID
}

// IdentifierTopic is the indexed topic of an event identifier such as BRIDGE_ETH.
func IdentifierTopic(identifier string) common.Hash {
	return crypto.Keccak256Hash([]byte(identifier))
}

// PackBridgeEventData encodes the non-indexed part of a BridgeEvent.
func PackBridgeEventData(payload []byte) ([]byte, error) {
	return bridgeABI.Events[bridgeEventName].Inputs.NonIndexed().Pack(payload)
}

func unpackBridgeEventData(data []byte) ([]byte, error) {
	vals, err := bridgeABI.Unpack(bridgeEventName, data)
	if err != nil {
		return nil, errors.Wrap(err, "unpack bridge event")
	}
	if len(vals) != 1 {
		return nil, errors.Errorf("bridge event has %d fields", len(vals))
	}
	payload, ok := vals[0].([]byte)
	if !ok {
		return nil, errors.Errorf("bridge event data is %T", vals[0])
	}
	return payload, nil
}

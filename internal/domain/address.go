package domain

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
)

var (
	// NativeToken is the sentinel token address selecting the native asset.
	NativeToken = common.Address{}
	// PoolAccount is the reserve account providing counter-liquidity for swaps.
	PoolAccount = common.Address{}
)

// ParseAddress parses a 0x-prefixed, 20-byte hex address.
// Unlike common.HexToAddress it rejects malformed input instead of truncating it.
func ParseAddress(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return common.Address{}, errors.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}

// IsNative reports whether token selects the native asset.
func IsNative(token common.Address) bool {
	return token == NativeToken
}

package domain

import "github.com/ethereum/go-ethereum/common"

// Asset is one of the two ledger assets.
type Asset int

const (
	AssetNative Asset = iota
	AssetSecondary
)

// AssetOf maps a token address to the ledger asset it selects.
func AssetOf(token common.Address) Asset {
	if IsNative(token) {
		return AssetNative
	}
	return AssetSecondary
}

// Other returns the counter asset.
func (a Asset) Other() Asset {
	if a == AssetNative {
		return AssetSecondary
	}
	return AssetNative
}

func (a Asset) String() string {
	switch a {
	case AssetNative:
		return "native"
	case AssetSecondary:
		return "secondary"
	default:
		return "unknown"
	}
}

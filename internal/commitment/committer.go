// Package commitment derives the canonical cryptographic root of a ledger snapshot.
//
// Each asset is committed as a binary keccak256 tree over its non-zero balances
// sorted ascending by address. The ledger root binds both asset roots and the price:
//
//	root = keccak256(nativeRoot || secondaryRoot || uint256(price))
package commitment

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
	"github.com/vadiminshakov/bridgeledger/internal/domain"
	"github.com/vadiminshakov/bridgeledger/internal/ledger"
)

// ErrNotInLedger is returned when proving an address with a zero balance.
var ErrNotInLedger = errors.New("address has no balance")

// Commitment is the published form of a snapshot commitment.
type Commitment struct {
	Root          common.Hash `json:"root"`
	NativeRoot    common.Hash `json:"native_root"`
	SecondaryRoot common.Hash `json:"secondary_root"`
	Price         string      `json:"price"`
}

// Proof shows that Address holds Balance of Asset under an asset root.
type Proof struct {
	Asset   domain.Asset   `json:"asset"`
	Address common.Address `json:"address"`
	Balance uint256.Int    `json:"balance"`
	Path    []ProofStep    `json:"path"`
}

func leaves(snap *ledger.Snapshot, asset domain.Asset) ([]common.Hash, []ledger.Entry) {
	entries := snap.Entries(asset)
	out := make([]common.Hash, len(entries))
	for i, e := range entries {
		out[i] = LeafHash(e.Address, e.Balance)
	}
	return out, entries
}

// AssetRoot returns the tree root of one asset's balances.
func AssetRoot(snap *ledger.Snapshot, asset domain.Asset) common.Hash {
	l, _ := leaves(snap, asset)
	return TreeRoot(l)
}

// CombineRoots binds both asset roots and the price into the ledger root.
func CombineRoots(nativeRoot, secondaryRoot common.Hash, price uint256.Int) common.Hash {
	p := price.Bytes32()
	return crypto.Keccak256Hash(nativeRoot[:], secondaryRoot[:], p[:])
}

// ComputeRoot returns the ledger root of snap. It is a pure function of the snapshot.
func ComputeRoot(snap *ledger.Snapshot) common.Hash {
	return Commit(snap).Root
}

// Commit returns the ledger root together with the per-asset roots.
func Commit(snap *ledger.Snapshot) Commitment {
	nativeRoot := AssetRoot(snap, domain.AssetNative)
	secondaryRoot := AssetRoot(snap, domain.AssetSecondary)
	price := snap.Price()
	return Commitment{
		Root:          CombineRoots(nativeRoot, secondaryRoot, price),
		NativeRoot:    nativeRoot,
		SecondaryRoot: secondaryRoot,
		Price:         price.Dec(),
	}
}

// Prove builds a membership proof for addr in asset.
func Prove(snap *ledger.Snapshot, asset domain.Asset, addr common.Address) (Proof, error) {
	l, entries := leaves(snap, asset)
	for i, e := range entries {
		if e.Address != addr {
			continue
		}
		return Proof{
			Asset:   asset,
			Address: addr,
			Balance: e.Balance,
			Path:    pathFor(buildLevels(l), i),
		}, nil
	}
	return Proof{}, errors.Wrapf(ErrNotInLedger, "%s in %s", addr.Hex(), asset)
}

// VerifyProof checks p against the root of its asset tree.
func VerifyProof(assetRoot common.Hash, p Proof) bool {
	return FoldPath(LeafHash(p.Address, p.Balance), p.Path) == assetRoot
}

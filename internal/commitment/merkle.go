package commitment

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// Domain separation prefixes keep a leaf from ever hashing like an inner node.
const (
	leafPrefix byte = 0x00
	nodePrefix byte = 0x01
)

// LeafHash commits to one (address, balance) pair.
func LeafHash(addr common.Address, balance uint256.Int) common.Hash {
	amount := balance.Bytes32()
	return crypto.Keccak256Hash([]byte{leafPrefix}, addr[:], amount[:])
}

func nodeHash(left, right common.Hash) common.Hash {
	return crypto.Keccak256Hash([]byte{nodePrefix}, left[:], right[:])
}

// buildLevels returns every level of the tree, leaves first. A trailing odd
// node is promoted to the next level unchanged.
func buildLevels(leaves []common.Hash) [][]common.Hash {
	if len(leaves) == 0 {
		return nil
	}
	levels := [][]common.Hash{leaves}
	for level := leaves; len(level) > 1; {
		next := make([]common.Hash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i])
				continue
			}
			next = append(next, nodeHash(level[i], level[i+1]))
		}
		levels = append(levels, next)
		level = next
	}
	return levels
}

// TreeRoot returns the root over the ordered leaves; the empty tree has the zero root.
func TreeRoot(leaves []common.Hash) common.Hash {
	levels := buildLevels(leaves)
	if levels == nil {
		return common.Hash{}
	}
	return levels[len(levels)-1][0]
}

// ProofStep is one sibling on the path from a leaf to the root.
type ProofStep struct {
	Hash common.Hash `json:"hash"`
	// Left is set when the sibling sits to the left of the path.
	Left bool `json:"left"`
}

func pathFor(levels [][]common.Hash, index int) []ProofStep {
	var steps []ProofStep
	for _, level := range levels[:len(levels)-1] {
		sibling := index ^ 1
		if sibling < len(level) {
			steps = append(steps, ProofStep{Hash: level[sibling], Left: sibling < index})
		}
		index /= 2
	}
	return steps
}

// FoldPath recomputes a root from a leaf and its sibling path.
func FoldPath(leaf common.Hash, steps []ProofStep) common.Hash {
	acc := leaf
	for _, s := range steps {
		if s.Left {
			acc = nodeHash(s.Hash, acc)
		} else {
			acc = nodeHash(acc, s.Hash)
		}
	}
	return acc
}

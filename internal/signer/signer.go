// Package signer holds the operator credential shared by every relay path.
package signer

import (
	"crypto/ecdsa"
	"math/big"
	"os"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
)

// Operator signs ledger actions and external-chain transactions with one key.
// Every use of the key is serialized.
type Operator struct {
	mu      sync.Mutex
	key     *ecdsa.PrivateKey
	address common.Address
}

// New wraps an existing private key.
func New(key *ecdsa.PrivateKey) (*Operator, error) {
	if key == nil {
		return nil, errors.New("operator key is required")
	}
	return &Operator{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

// FromHex loads the key from a hex string, with or without a 0x prefix.
func FromHex(privateKeyHex string) (*Operator, error) {
	key := strings.TrimSpace(privateKeyHex)
	if len(key) >= 2 && (key[:2] == "0x" || key[:2] == "0X") {
		key = key[2:]
	}

	privateKey, err := crypto.HexToECDSA(key)
	if err != nil {
		return nil, errors.Wrap(err, "parse operator key")
	}
	return New(privateKey)
}

// FromKeystore decrypts a go-ethereum keystore file.
func FromKeystore(path, passphrase string) (*Operator, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read keystore %s", path)
	}
	k, err := keystore.DecryptKey(data, passphrase)
	if err != nil {
		return nil, errors.Wrap(err, "decrypt keystore")
	}
	return New(k.PrivateKey)
}

// Address returns the operator address.
func (o *Operator) Address() common.Address {
	return o.address
}

// SignDigest signs a 32-byte digest. The recovery id is returned as 27/28.
func (o *Operator) SignDigest(digest common.Hash) ([]byte, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	sig, err := crypto.Sign(digest[:], o.key)
	if err != nil {
		return nil, errors.Wrap(err, "sign digest")
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// SignTx signs an external-chain transaction.
func (o *Operator) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), o.key)
	if err != nil {
		return nil, errors.Wrap(err, "sign transaction")
	}
	return signed, nil
}

// TransactOpts returns transactor options that sign through the operator.
func (o *Operator) TransactOpts(chainID *big.Int) *bind.TransactOpts {
	return &bind.TransactOpts{
		From: o.address,
		Signer: func(from common.Address, tx *types.Transaction) (*types.Transaction, error) {
			if from != o.address {
				return nil, errors.Errorf("operator %s cannot sign for %s", o.address.Hex(), from.Hex())
			}
			return o.SignTx(tx, chainID)
		},
	}
}

// RecoverDigestSigner returns the address that produced sig over digest.
// Both 0/1 and 27/28 recovery ids are accepted.
func RecoverDigestSigner(digest common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, errors.Errorf("signature length %d, want %d", len(sig), crypto.SignatureLength)
	}
	normalized := make([]byte, len(sig))
	copy(normalized, sig)
	if normalized[crypto.RecoveryIDOffset] >= 27 {
		normalized[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(digest[:], normalized)
	if err != nil {
		return common.Address{}, errors.Wrap(err, "recover public key")
	}
	return crypto.PubkeyToAddress(*pub), nil
}

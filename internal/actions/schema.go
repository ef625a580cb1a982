// Package actions defines the signed wire form of ledger actions.
//
// Each action is EIP-712 typed data with a fixed, ordered field list. The field
// order and types are part of the wire contract: changing them requires bumping
// the domain version.
package actions

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/pkg/errors"
	"github.com/vadiminshakov/bridgeledger/internal/domain"
)

const domainType = "EIP712Domain"

var domainFields = []apitypes.Type{
	{Name: "name", Type: "string"},
	{Name: "version", Type: "string"},
	{Name: "chainId", Type: "uint256"},
	{Name: "verifyingContract", Type: "address"},
}

// Field lists per action. Order matters.
var schemas = map[domain.ActionName]struct {
	primaryType string
	fields      []apitypes.Type
}{
	domain.ActionMintToken: {"MintToken", []apitypes.Type{
		{Name: "token", Type: "address"},
		{Name: "address", Type: "address"},
		{Name: "amount", Type: "string"},
		{Name: "timestamp", Type: "uint256"},
	}},
	domain.ActionUpdateOraclePrice: {"UpdateOraclePrice", []apitypes.Type{
		{Name: "price", Type: "string"},
		{Name: "timestamp", Type: "uint256"},
	}},
	domain.ActionSwapToken: {"SwapToken", []apitypes.Type{
		{Name: "tokenIn", Type: "address"},
		{Name: "tokenOut", Type: "address"},
		{Name: "amount", Type: "string"},
		{Name: "timestamp", Type: "uint256"},
	}},
	domain.ActionWithdrawToken: {"WithdrawToken", []apitypes.Type{
		{Name: "token", Type: "address"},
		{Name: "amount", Type: "string"},
		{Name: "timestamp", Type: "uint256"},
	}},
}

// Domain is the EIP-712 signing domain shared by all actions.
type Domain struct {
	Name              string
	Version           string
	ChainID           int64
	VerifyingContract common.Address
}

// Schema hashes action payloads under one signing domain.
type Schema struct {
	domain apitypes.TypedDataDomain
}

// NewSchema builds a schema for the given domain.
func NewSchema(d Domain) *Schema {
	return &Schema{domain: apitypes.TypedDataDomain{
		Name:              d.Name,
		Version:           d.Version,
		ChainId:           math.NewHexOrDecimal256(d.ChainID),
		VerifyingContract: d.VerifyingContract.Hex(),
	}}
}

// TypedData returns the EIP-712 document a submitter signs for payload.
func (s *Schema) TypedData(p domain.Payload) (apitypes.TypedData, error) {
	if p == nil {
		return apitypes.TypedData{}, errors.Wrap(domain.ErrUnknownAction, "nil payload")
	}
	schema, ok := schemas[p.ActionName()]
	if !ok {
		return apitypes.TypedData{}, errors.Wrapf(domain.ErrUnknownAction, "%s", p.ActionName())
	}
	msg, err := message(p)
	if err != nil {
		return apitypes.TypedData{}, err
	}
	return apitypes.TypedData{
		Types: apitypes.Types{
			domainType:         domainFields,
			schema.primaryType: schema.fields,
		},
		PrimaryType: schema.primaryType,
		Domain:      s.domain,
		Message:     msg,
	}, nil
}

// Digest returns the EIP-712 digest of payload, the value a submitter signs.
func (s *Schema) Digest(p domain.Payload) (common.Hash, error) {
	td, err := s.TypedData(p)
	if err != nil {
		return common.Hash{}, err
	}
	digest, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "hash typed data")
	}
	return common.BytesToHash(digest), nil
}

// ContentHash identifies an action: keccak256(digest || sender). Two senders
// signing the same payload produce different actions.
func ContentHash(digest common.Hash, sender common.Address) common.Hash {
	return crypto.Keccak256Hash(digest.Bytes(), sender.Bytes())
}

// Hash returns the content hash of a, without checking its signature.
func (s *Schema) Hash(a Action) (common.Hash, error) {
	digest, err := s.Digest(a.Payload)
	if err != nil {
		return common.Hash{}, err
	}
	return ContentHash(digest, a.Sender), nil
}

func message(p domain.Payload) (apitypes.TypedDataMessage, error) {
	switch in := p.(type) {
	case domain.MintTokenInput:
		return apitypes.TypedDataMessage{
			"token":     in.Token.Hex(),
			"address":   in.Recipient.Hex(),
			"amount":    in.Amount.Dec(),
			"timestamp": timestamp(in.Timestamp),
		}, nil
	case domain.UpdateOraclePriceInput:
		return apitypes.TypedDataMessage{
			"price":     in.Price.Dec(),
			"timestamp": timestamp(in.Timestamp),
		}, nil
	case domain.SwapTokenInput:
		return apitypes.TypedDataMessage{
			"tokenIn":   in.TokenIn.Hex(),
			"tokenOut":  in.TokenOut.Hex(),
			"amount":    in.Amount.Dec(),
			"timestamp": timestamp(in.Timestamp),
		}, nil
	case domain.WithdrawTokenInput:
		return apitypes.TypedDataMessage{
			"token":     in.Token.Hex(),
			"amount":    in.Amount.Dec(),
			"timestamp": timestamp(in.Timestamp),
		}, nil
	}
	return nil, errors.Wrapf(domain.ErrUnknownAction, "%T", p)
}

func timestamp(ts uint64) *big.Int {
	return new(big.Int).SetUint64(ts)
}

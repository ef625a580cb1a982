// Package engine applies ledger actions to snapshots deterministically.
package engine

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
	"github.com/vadiminshakov/bridgeledger/internal/domain"
	"github.com/vadiminshakov/bridgeledger/internal/ledger"
)

// Params are the fixed rules of the ledger.
type Params struct {
	Operator          common.Address
	SecondaryDecimals int
	// RejectStalePrice rejects price updates whose timestamp does not advance.
	RejectStalePrice bool
}

// Transitions holds the state transition functions. Every method is pure: it reads
// the given snapshot, and either returns a new one or an error with the input untouched.
type Transitions struct {
	params Params
	conv   Converter
}

// NewTransitions validates params and builds the transition set.
func NewTransitions(params Params) (Transitions, error) {
	conv, err := NewConverter(domain.NativeDecimals, params.SecondaryDecimals, domain.PriceDecimals)
	if err != nil {
		return Transitions{}, err
	}
	return Transitions{params: params, conv: conv}, nil
}

// Converter exposes the fixed-point conversion used for swaps.
func (t Transitions) Converter() Converter {
	return t.conv
}

// MintToken credits the recipient. Operator only.
func (t Transitions) MintToken(snap *ledger.Snapshot, in domain.MintTokenInput, sender common.Address) (*ledger.Snapshot, error) {
	if sender != t.params.Operator {
		return nil, errors.Wrapf(domain.ErrUnauthorized, "mint by %s", sender.Hex())
	}
	if in.Amount.IsZero() {
		return nil, errors.Wrap(domain.ErrInvalidAmount, "mint amount must be greater than 0")
	}

	asset := domain.AssetOf(in.Token)
	upd := snap.Update()
	if err := credit(upd, asset, in.Recipient, in.Amount); err != nil {
		return nil, err
	}
	return upd.Commit(), nil
}

// UpdateOraclePrice overwrites the price. Operator only.
func (t Transitions) UpdateOraclePrice(snap *ledger.Snapshot, in domain.UpdateOraclePriceInput, sender common.Address) (*ledger.Snapshot, error) {
	if sender != t.params.Operator {
		return nil, errors.Wrapf(domain.ErrUnauthorized, "price update by %s", sender.Hex())
	}
	if t.params.RejectStalePrice && in.Timestamp <= snap.PriceTimestamp() {
		return nil, errors.Wrapf(domain.ErrStalePrice, "timestamp %d does not advance past %d", in.Timestamp, snap.PriceTimestamp())
	}

	upd := snap.Update()
	upd.SetPrice(in.Price, in.Timestamp)
	return upd.Commit(), nil
}

// SwapToken exchanges against the pool at the oracle price. All four balance
// changes are computed and checked before any is staged.
func (t Transitions) SwapToken(snap *ledger.Snapshot, in domain.SwapTokenInput, sender common.Address) (*ledger.Snapshot, error) {
	if in.TokenIn == in.TokenOut || (!domain.IsNative(in.TokenIn) && !domain.IsNative(in.TokenOut)) {
		return nil, errors.Wrapf(domain.ErrInvalidPair, "%s -> %s", in.TokenIn.Hex(), in.TokenOut.Hex())
	}
	if in.Amount.IsZero() {
		return nil, errors.Wrap(domain.ErrInvalidAmount, "swap amount must be greater than 0")
	}
	if sender == domain.PoolAccount {
		return nil, errors.Wrap(domain.ErrUnauthorized, "pool account cannot swap")
	}

	assetIn := domain.AssetOf(in.TokenIn)
	assetOut := assetIn.Other()

	out, err := t.Quote(snap, assetIn, in.Amount)
	if err != nil {
		return nil, err
	}

	callerIn := snap.Balance(assetIn, sender)
	if callerIn.Lt(&in.Amount) {
		return nil, errors.Wrapf(domain.ErrInsufficientBalance, "%s balance %s below %s", assetIn, callerIn.Dec(), in.Amount.Dec())
	}
	poolOut := snap.Balance(assetOut, domain.PoolAccount)
	if poolOut.Lt(&out) {
		return nil, errors.Wrapf(domain.ErrInsufficientLiquidity, "pool %s balance %s below %s", assetOut, poolOut.Dec(), out.Dec())
	}

	var callerInAfter, poolOutAfter uint256.Int
	callerInAfter.Sub(&callerIn, &in.Amount)
	poolOutAfter.Sub(&poolOut, &out)

	poolIn := snap.Balance(assetIn, domain.PoolAccount)
	var poolInAfter uint256.Int
	if _, overflow := poolInAfter.AddOverflow(&poolIn, &in.Amount); overflow {
		return nil, errors.Wrap(domain.ErrInvalidAmount, "pool balance overflows")
	}
	callerOut := snap.Balance(assetOut, sender)
	var callerOutAfter uint256.Int
	if _, overflow := callerOutAfter.AddOverflow(&callerOut, &out); overflow {
		return nil, errors.Wrap(domain.ErrInvalidAmount, "caller balance overflows")
	}

	upd := snap.Update()
	upd.SetBalance(assetIn, sender, callerInAfter)
	upd.SetBalance(assetIn, domain.PoolAccount, poolInAfter)
	upd.SetBalance(assetOut, domain.PoolAccount, poolOutAfter)
	upd.SetBalance(assetOut, sender, callerOutAfter)
	return upd.Commit(), nil
}

// Quote returns the amount of the counter asset paid for amount of assetIn at
// the snapshot price. An output that rounds to zero is rejected.
func (t Transitions) Quote(snap *ledger.Snapshot, assetIn domain.Asset, amount uint256.Int) (uint256.Int, error) {
	var (
		out uint256.Int
		err error
	)
	if assetIn == domain.AssetNative {
		out, err = t.conv.NativeToSecondary(amount, snap.Price())
	} else {
		out, err = t.conv.SecondaryToNative(amount, snap.Price())
	}
	if err != nil {
		return uint256.Int{}, err
	}
	if out.IsZero() {
		return uint256.Int{}, errors.Wrapf(domain.ErrInvalidAmount, "swap of %s rounds to zero", amount.Dec())
	}
	return out, nil
}

// WithdrawToken debits the sender. The external release happens only after finality.
func (t Transitions) WithdrawToken(snap *ledger.Snapshot, in domain.WithdrawTokenInput, sender common.Address) (*ledger.Snapshot, error) {
	if in.Amount.IsZero() {
		return nil, errors.Wrap(domain.ErrInvalidAmount, "withdraw amount must be greater than 0")
	}
	if sender == domain.PoolAccount {
		return nil, errors.Wrap(domain.ErrUnauthorized, "pool account cannot withdraw")
	}

	asset := domain.AssetOf(in.Token)
	balance := snap.Balance(asset, sender)
	if balance.Lt(&in.Amount) {
		return nil, errors.Wrapf(domain.ErrInsufficientBalance, "%s balance %s below %s", asset, balance.Dec(), in.Amount.Dec())
	}

	var after uint256.Int
	after.Sub(&balance, &in.Amount)
	upd := snap.Update()
	upd.SetBalance(asset, sender, after)
	return upd.Commit(), nil
}

func credit(upd *ledger.Update, asset domain.Asset, addr common.Address, amount uint256.Int) error {
	current := upd.Balance(asset, addr)
	var next uint256.Int
	if _, overflow := next.AddOverflow(&current, &amount); overflow {
		return errors.Wrapf(domain.ErrInvalidAmount, "%s balance of %s overflows", asset, addr.Hex())
	}
	upd.SetBalance(asset, addr, next)
	return nil
}

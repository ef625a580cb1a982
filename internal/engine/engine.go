package engine

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/vadiminshakov/bridgeledger/internal/domain"
	"github.com/vadiminshakov/bridgeledger/internal/ledger"
)

// Engine owns the current snapshot and applies actions one at a time.
// It is not safe for concurrent use; the sequencing runtime serializes calls.
type Engine struct {
	rules  Transitions
	snap   *ledger.Snapshot
	height uint64
}

// New starts an engine at the genesis snapshot.
func New(genesis *ledger.Snapshot, params Params) (*Engine, error) {
	if genesis == nil {
		return nil, errors.New("genesis snapshot is required")
	}
	rules, err := NewTransitions(params)
	if err != nil {
		return nil, errors.Wrap(err, "invalid engine params")
	}
	return &Engine{rules: rules, snap: genesis}, nil
}

// Snapshot returns the current snapshot.
func (e *Engine) Snapshot() *ledger.Snapshot {
	return e.snap
}

// Height returns the number of accepted actions.
func (e *Engine) Height() uint64 {
	return e.height
}

// Rules returns the transition functions the engine applies.
func (e *Engine) Rules() Transitions {
	return e.rules
}

// Apply runs one action. On success the new snapshot becomes current; on
// rejection the current snapshot is left as it was.
func (e *Engine) Apply(payload domain.Payload, sender common.Address) (*ledger.Snapshot, error) {
	next, err := Transition(e.rules, e.snap, payload, sender)
	if err != nil {
		return nil, err
	}
	e.snap = next
	e.height++
	return next, nil
}

// Advance makes next current. next must come from Transition on the current
// snapshot; callers use it to persist an outcome before committing it.
func (e *Engine) Advance(next *ledger.Snapshot) {
	e.snap = next
	e.height++
}

// Restore resets the engine to a checkpointed snapshot at height.
func (e *Engine) Restore(snap *ledger.Snapshot, height uint64) error {
	if snap == nil {
		return errors.New("restore from nil snapshot")
	}
	e.snap = snap
	e.height = height
	return nil
}

// Transition dispatches payload to its transition function.
func Transition(rules Transitions, snap *ledger.Snapshot, payload domain.Payload, sender common.Address) (*ledger.Snapshot, error) {
	switch in := payload.(type) {
	case domain.MintTokenInput:
		return rules.MintToken(snap, in, sender)
	case domain.UpdateOraclePriceInput:
		return rules.UpdateOraclePrice(snap, in, sender)
	case domain.SwapTokenInput:
		return rules.SwapToken(snap, in, sender)
	case domain.WithdrawTokenInput:
		return rules.WithdrawToken(snap, in, sender)
	case nil:
		return nil, errors.Wrap(domain.ErrUnknownAction, "nil payload")
	default:
		return nil, errors.Wrapf(domain.ErrUnknownAction, "%T", payload)
	}
}

package domain

import "github.com/pkg/errors"

// ErrorKind classifies rejections and failures surfaced by the core.
type ErrorKind string

const (
	KindUnauthorized          ErrorKind = "Unauthorized"
	KindInvalidAmount         ErrorKind = "InvalidAmount"
	KindInvalidPair           ErrorKind = "InvalidPair"
	KindInsufficientBalance   ErrorKind = "InsufficientBalance"
	KindInsufficientLiquidity ErrorKind = "InsufficientLiquidity"
	KindMalformedEvent        ErrorKind = "MalformedEvent"
	KindSettlementFailure     ErrorKind = "SettlementFailure"
	KindInvalidPrice          ErrorKind = "InvalidPrice"
	KindStalePrice            ErrorKind = "StalePrice"
	KindUnknownAction         ErrorKind = "UnknownAction"
	KindInvalidSignature      ErrorKind = "InvalidSignature"
	KindUnknown               ErrorKind = "Unknown"
)

var (
	ErrUnauthorized          = errors.New("unauthorized")
	ErrInvalidAmount         = errors.New("invalid amount")
	ErrInvalidPair           = errors.New("invalid pair")
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")
	ErrMalformedEvent        = errors.New("malformed event")
	ErrSettlementFailure     = errors.New("settlement failure")
	ErrInvalidPrice          = errors.New("invalid price")
	ErrStalePrice            = errors.New("stale price")
	ErrUnknownAction         = errors.New("unknown action")
	ErrInvalidSignature      = errors.New("invalid signature")
)

var kinds = []struct {
	err  error
	kind ErrorKind
}{
	{ErrUnauthorized, KindUnauthorized},
	{ErrInvalidAmount, KindInvalidAmount},
	{ErrInvalidPair, KindInvalidPair},
	{ErrInsufficientBalance, KindInsufficientBalance},
	{ErrInsufficientLiquidity, KindInsufficientLiquidity},
	{ErrMalformedEvent, KindMalformedEvent},
	{ErrSettlementFailure, KindSettlementFailure},
	{ErrInvalidPrice, KindInvalidPrice},
	{ErrStalePrice, KindStalePrice},
	{ErrUnknownAction, KindUnknownAction},
	{ErrInvalidSignature, KindInvalidSignature},
}

// KindOf returns the taxonomy kind carried by err, or KindUnknown.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindUnknown
}

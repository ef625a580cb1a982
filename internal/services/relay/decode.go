package relay

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/vadiminshakov/bridgeledger/internal/domain"
)

var (
	nativeDepositArgs = mustArgs("address", "uint256")
	assetDepositArgs  = mustArgs("address", "address", "uint256")
	priceFeedArgs     = mustArgs("int256")
)

func mustArgs(types ...string) abi.Arguments {
	args := make(abi.Arguments, 0, len(types))
	for _, t := range types {
		typ, err := abi.NewType(t, "", nil)
		if err != nil {
			panic(err)
		}
		args = append(args, abi.Argument{Type: typ})
	}
	return args
}

func unpack(args abi.Arguments, data []byte) ([]any, error) {
	vals, err := args.Unpack(data)
	if err != nil {
		return nil, errors.Wrapf(domain.ErrMalformedEvent, "abi decode: %v", err)
	}
	if len(vals) != len(args) {
		return nil, errors.Wrapf(domain.ErrMalformedEvent, "expected %d values, got %d", len(args), len(vals))
	}
	return vals, nil
}

// DecodeNativeDeposit decodes an (address to, uint256 amount) payload.
func DecodeNativeDeposit(data []byte) (domain.Deposit, error) {
	vals, err := unpack(nativeDepositArgs, data)
	if err != nil {
		return domain.Deposit{}, err
	}
	to, ok1 := vals[0].(common.Address)
	amount, ok2 := vals[1].(*big.Int)
	if !ok1 || !ok2 {
		return domain.Deposit{}, errors.Wrap(domain.ErrMalformedEvent, "unexpected native deposit types")
	}
	v, err := domain.AmountFromBig(amount)
	if err != nil {
		return domain.Deposit{}, errors.Wrapf(domain.ErrMalformedEvent, "%v", err)
	}
	return domain.Deposit{Token: domain.NativeToken, Recipient: to, Amount: v}, nil
}

// DecodeAssetDeposit decodes an (address token, address to, uint256 amount) payload.
func DecodeAssetDeposit(data []byte) (domain.Deposit, error) {
	vals, err := unpack(assetDepositArgs, data)
	if err != nil {
		return domain.Deposit{}, err
	}
	token, ok1 := vals[0].(common.Address)
	to, ok2 := vals[1].(common.Address)
	amount, ok3 := vals[2].(*big.Int)
	if !ok1 || !ok2 || !ok3 {
		return domain.Deposit{}, errors.Wrap(domain.ErrMalformedEvent, "unexpected asset deposit types")
	}
	if domain.IsNative(token) {
		return domain.Deposit{}, errors.Wrap(domain.ErrMalformedEvent, "asset deposit with native token address")
	}
	v, err := domain.AmountFromBig(amount)
	if err != nil {
		return domain.Deposit{}, errors.Wrapf(domain.ErrMalformedEvent, "%v", err)
	}
	return domain.Deposit{Token: token, Recipient: to, Amount: v}, nil
}

// DecodePriceFeed decodes an (int256 price) payload. Negative prices are malformed.
func DecodePriceFeed(data []byte) (domain.PriceUpdate, error) {
	vals, err := unpack(priceFeedArgs, data)
	if err != nil {
		return domain.PriceUpdate{}, err
	}
	price, ok := vals[0].(*big.Int)
	if !ok {
		return domain.PriceUpdate{}, errors.Wrap(domain.ErrMalformedEvent, "unexpected price type")
	}
	if price.Sign() < 0 {
		return domain.PriceUpdate{}, errors.Wrapf(domain.ErrMalformedEvent, "negative price %s", price.String())
	}
	v, err := domain.AmountFromBig(price)
	if err != nil {
		return domain.PriceUpdate{}, errors.Wrapf(domain.ErrMalformedEvent, "%v", err)
	}
	return domain.PriceUpdate{Price: v}, nil
}

// EncodeNativeDeposit is the inverse of DecodeNativeDeposit.
func EncodeNativeDeposit(to common.Address, amount *big.Int) ([]byte, error) {
	return nativeDepositArgs.Pack(to, amount)
}

// EncodeAssetDeposit is the inverse of DecodeAssetDeposit.
func EncodeAssetDeposit(token, to common.Address, amount *big.Int) ([]byte, error) {
	return assetDepositArgs.Pack(token, to, amount)
}

// EncodePriceFeed is the inverse of DecodePriceFeed.
func EncodePriceFeed(price *big.Int) ([]byte, error) {
	return priceFeedArgs.Pack(price)
}

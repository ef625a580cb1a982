package actions

import (
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/pkg/errors"
	"github.com/vadiminshakov/bridgeledger/internal/domain"
	"github.com/vadiminshakov/bridgeledger/internal/signer"
)

// Action is a signed ledger instruction.
type Action struct {
	Payload   domain.Payload
	Signature []byte
	// Sender is the claimed submitter; Verify checks it against the signature.
	Sender common.Address
}

// Name returns the action name.
func (a Action) Name() domain.ActionName {
	if a.Payload == nil {
		return ""
	}
	return a.Payload.ActionName()
}

// DigestSigner signs EIP-712 digests.
type DigestSigner interface {
	Address() common.Address
	SignDigest(digest common.Hash) ([]byte, error)
}

// Sign signs the digest of payload, returning the action and its content hash.
func (s *Schema) Sign(p domain.Payload, by DigestSigner) (Action, common.Hash, error) {
	digest, err := s.Digest(p)
	if err != nil {
		return Action{}, common.Hash{}, err
	}
	sig, err := by.SignDigest(digest)
	if err != nil {
		return Action{}, common.Hash{}, errors.Wrapf(err, "sign %s", p.ActionName())
	}
	return Action{Payload: p, Signature: sig, Sender: by.Address()}, ContentHash(digest, by.Address()), nil
}

// Verify checks that the signature over the payload digest recovers to Sender
// and returns the content hash.
func (s *Schema) Verify(a Action) (common.Hash, error) {
	digest, err := s.Digest(a.Payload)
	if err != nil {
		return common.Hash{}, err
	}
	recovered, err := signer.RecoverDigestSigner(digest, a.Signature)
	if err != nil {
		return common.Hash{}, errors.Wrapf(domain.ErrInvalidSignature, "%v", err)
	}
	if recovered != a.Sender {
		return common.Hash{}, errors.Wrapf(domain.ErrInvalidSignature, "signed by %s, claimed %s", recovered.Hex(), a.Sender.Hex())
	}
	return ContentHash(digest, a.Sender), nil
}

type envelope struct {
	Name      domain.ActionName `json:"name"`
	Payload   json.RawMessage   `json:"payload"`
	Signature hexutil.Bytes     `json:"signature"`
	Sender    common.Address    `json:"msgSender"`
}

type mintPayload struct {
	Token     common.Address `json:"token"`
	Address   common.Address `json:"address"`
	Amount    string         `json:"amount"`
	Timestamp uint64         `json:"timestamp"`
}

type pricePayload struct {
	Price     string `json:"price"`
	Timestamp uint64 `json:"timestamp"`
}

type swapPayload struct {
	TokenIn   common.Address `json:"tokenIn"`
	TokenOut  common.Address `json:"tokenOut"`
	Amount    string         `json:"amount"`
	Timestamp uint64         `json:"timestamp"`
}

type withdrawPayload struct {
	Token     common.Address `json:"token"`
	Amount    string         `json:"amount"`
	Timestamp uint64         `json:"timestamp"`
}

// MarshalJSON encodes the action with string amounts, matching the signed schema.
func (a Action) MarshalJSON() ([]byte, error) {
	var body any
	switch in := a.Payload.(type) {
	case domain.MintTokenInput:
		body = mintPayload{Token: in.Token, Address: in.Recipient, Amount: in.Amount.Dec(), Timestamp: in.Timestamp}
	case domain.UpdateOraclePriceInput:
		body = pricePayload{Price: in.Price.Dec(), Timestamp: in.Timestamp}
	case domain.SwapTokenInput:
		body = swapPayload{TokenIn: in.TokenIn, TokenOut: in.TokenOut, Amount: in.Amount.Dec(), Timestamp: in.Timestamp}
	case domain.WithdrawTokenInput:
		body = withdrawPayload{Token: in.Token, Amount: in.Amount.Dec(), Timestamp: in.Timestamp}
	default:
		return nil, errors.Wrapf(domain.ErrUnknownAction, "%T", a.Payload)
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Name: a.Name(), Payload: raw, Signature: a.Signature, Sender: a.Sender})
}

// UnmarshalJSON decodes an action; amounts must be base-10 integer strings.
func (a *Action) UnmarshalJSON(data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return errors.Wrap(err, "decode action envelope")
	}

	var payload domain.Payload
	switch env.Name {
	case domain.ActionMintToken:
		var p mintPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return errors.Wrap(err, "decode mintToken")
		}
		amount, err := domain.ParseAmount(p.Amount)
		if err != nil {
			return err
		}
		payload = domain.MintTokenInput{Token: p.Token, Recipient: p.Address, Amount: amount, Timestamp: p.Timestamp}
	case domain.ActionUpdateOraclePrice:
		var p pricePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return errors.Wrap(err, "decode updateOraclePrice")
		}
		price, err := domain.ParseAmount(p.Price)
		if err != nil {
			return err
		}
		payload = domain.UpdateOraclePriceInput{Price: price, Timestamp: p.Timestamp}
	case domain.ActionSwapToken:
		var p swapPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return errors.Wrap(err, "decode swapToken")
		}
		amount, err := domain.ParseAmount(p.Amount)
		if err != nil {
			return err
		}
		payload = domain.SwapTokenInput{TokenIn: p.TokenIn, TokenOut: p.TokenOut, Amount: amount, Timestamp: p.Timestamp}
	case domain.ActionWithdrawToken:
		var p withdrawPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return errors.Wrap(err, "decode withdrawToken")
		}
		amount, err := domain.ParseAmount(p.Amount)
		if err != nil {
			return err
		}
		payload = domain.WithdrawTokenInput{Token: p.Token, Amount: amount, Timestamp: p.Timestamp}
	default:
		return errors.Wrapf(domain.ErrUnknownAction, "%q", env.Name)
	}

	*a = Action{Payload: payload, Signature: env.Signature, Sender: env.Sender}
	return nil
}

package ledger

import (
	"bytes"
	"encoding/json"
	"os"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
	"github.com/vadiminshakov/bridgeledger/internal/domain"
)

// GenesisDocument is the persisted form of a ledger snapshot.
type GenesisDocument struct {
	State State `json:"state"`
}

// State is the JSON layout of a snapshot. Amounts are base-10 integer strings.
type State struct {
	NativeBalance    map[string]Amount `json:"nativeBalance"`
	SecondaryBalance map[string]Amount `json:"secondaryBalance"`
	Price            Amount            `json:"price"`
	PriceTimestamp   uint64            `json:"priceTimestamp,omitempty"`
}

// Amount is a JSON integer encoded as a string. Plain JSON integers are accepted on input.
type Amount struct {
	uint256.Int
}

func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.Int.Dec())
}

func (a *Amount) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	raw := string(data)
	if len(data) > 0 && data[0] == '"' {
		s, err := strconv.Unquote(raw)
		if err != nil {
			return errors.Wrap(err, "decode amount string")
		}
		raw = s
	}
	v, err := domain.ParseAmount(raw)
	if err != nil {
		return err
	}
	a.Int = v
	return nil
}

// LoadGenesis reads a genesis document from path.
func LoadGenesis(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read genesis %s", path)
	}
	return ParseGenesis(data)
}

// ParseGenesis decodes a genesis document.
func ParseGenesis(data []byte) (*Snapshot, error) {
	var doc GenesisDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(err, "decode genesis")
	}
	return doc.State.Snapshot()
}

// Snapshot converts the document into a snapshot, validating every address.
func (st State) Snapshot() (*Snapshot, error) {
	native, err := decodeBook(st.NativeBalance)
	if err != nil {
		return nil, errors.Wrap(err, "nativeBalance")
	}
	secondary, err := decodeBook(st.SecondaryBalance)
	if err != nil {
		return nil, errors.Wrap(err, "secondaryBalance")
	}
	snap := NewSnapshot(native, secondary, st.Price.Int)
	snap.priceTime = st.PriceTimestamp
	return snap, nil
}

func decodeBook(in map[string]Amount) (map[common.Address]uint256.Int, error) {
	out := make(map[common.Address]uint256.Int, len(in))
	for k, v := range in {
		addr, err := domain.ParseAddress(k)
		if err != nil {
			return nil, err
		}
		if _, dup := out[addr]; dup {
			return nil, errors.Errorf("duplicate address %s", addr.Hex())
		}
		out[addr] = v.Int
	}
	return out, nil
}

// State returns the JSON layout of the snapshot.
func (s *Snapshot) State() State {
	return State{
		NativeBalance:    encodeBook(s.native),
		SecondaryBalance: encodeBook(s.secondary),
		Price:            Amount{s.price},
		PriceTimestamp:   s.priceTime,
	}
}

func encodeBook(in balances) map[string]Amount {
	out := make(map[string]Amount, len(in))
	for addr, v := range in {
		out[addr.Hex()] = Amount{v}
	}
	return out
}

func (s *Snapshot) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.State())
}

func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return err
	}
	decoded, err := st.Snapshot()
	if err != nil {
		return err
	}
	*s = *decoded
	return nil
}

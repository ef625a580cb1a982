package ledger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/bridgeledger/internal/domain"
)

const genesisJSON = `{
  "state": {
    "nativeBalance": {
      "0x00000000000000000000000000000000000000a1": "10000000000000000000",
      "0x0000000000000000000000000000000000000000": 5
    },
    "secondaryBalance": {
      "0x0000000000000000000000000000000000000000": "1000000000000"
    },
    "price": "200000000000"
  }
}`

func TestParseGenesis(t *testing.T) {
	snap, err := ParseGenesis([]byte(genesisJSON))
	require.NoError(t, err)

	bal := snap.Balance(domain.AssetNative, alice)
	assert.Equal(t, "10000000000000000000", bal.Dec())
	assert.Equal(t, u(5), snap.Balance(domain.AssetNative, domain.PoolAccount))
	pool := snap.Balance(domain.AssetSecondary, domain.PoolAccount)
	assert.Equal(t, "1000000000000", pool.Dec())
	price := snap.Price()
	assert.Equal(t, "200000000000", price.Dec())
}

func TestParseGenesis_Rejects(t *testing.T) {
	cases := map[string]string{
		"negative":      `{"state":{"nativeBalance":{"0x00000000000000000000000000000000000000a1":"-1"},"price":"1"}}`,
		"fraction":      `{"state":{"nativeBalance":{"0x00000000000000000000000000000000000000a1":1.5},"price":"1"}}`,
		"bad address":   `{"state":{"nativeBalance":{"0xnothex":"1"},"price":"1"}}`,
		"too large":     `{"state":{"price":"1000000000000000000000000000000000000000000000000000000000000000000000000000000000"}}`,
		"duplicate key": `{"state":{"nativeBalance":{"0x00000000000000000000000000000000000000a1":"1","0x00000000000000000000000000000000000000A1":"2"}}}`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseGenesis([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestSnapshot_JSONRoundTripPreservesEquality(t *testing.T) {
	snap, err := ParseGenesis([]byte(genesisJSON))
	require.NoError(t, err)
	upd := snap.Update()
	upd.SetPrice(u(123), 99)
	snap = upd.Commit()

	data, err := json.Marshal(snap)
	require.NoError(t, err)

	var decoded Snapshot
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.True(t, snap.Equal(&decoded))
}

func TestLoadGenesis(t *testing.T) {
	path := filepath.Join(t.TempDir(), "genesis.json")
	require.NoError(t, os.WriteFile(path, []byte(genesisJSON), 0o644))

	snap, err := LoadGenesis(path)
	require.NoError(t, err)
	assert.Equal(t, 2, snap.Len(domain.AssetNative))

	_, err = LoadGenesis(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

package checkpoints

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/bridgeledger/internal/commitment"
	"github.com/vadiminshakov/bridgeledger/internal/ledger"
)

func checkpoint(seq uint64, balance uint64) Checkpoint {
	snap := ledger.NewSnapshot(
		map[common.Address]uint256.Int{common.HexToAddress("0xaa"): *uint256.NewInt(balance)},
		nil,
		*uint256.NewInt(300000000000),
	)
	return Checkpoint{
		Seq:        seq,
		Height:     seq * 10,
		Commitment: commitment.Commit(snap),
		Snapshot:   snap,
		Actions:    []common.Hash{common.BytesToHash([]byte{byte(seq)})},
		Time:       time.Unix(1700000000, 0).UTC(),
	}
}

func TestWALStore_LatestSurvivesRestart(t *testing.T) {
	dir := t.TempDir()

	store, err := NewWALStore(dir)
	require.NoError(t, err)

	_, ok := store.Latest()
	assert.False(t, ok)

	require.NoError(t, store.Save(checkpoint(1, 5)))
	require.NoError(t, store.Save(checkpoint(2, 7)))
	require.Error(t, store.Save(checkpoint(2, 9)), "seq must increase")
	require.NoError(t, store.Close())

	reopened, err := NewWALStore(dir)
	require.NoError(t, err)
	defer reopened.Close()

	latest, ok := reopened.Latest()
	require.True(t, ok)
	want := checkpoint(2, 7)
	assert.Equal(t, want.Seq, latest.Seq)
	assert.Equal(t, want.Height, latest.Height)
	assert.Equal(t, want.Commitment, latest.Commitment)
	assert.Equal(t, want.Actions, latest.Actions)
	assert.True(t, want.Snapshot.Equal(latest.Snapshot))
	assert.Equal(t, want.Commitment.Root, commitment.ComputeRoot(latest.Snapshot))
}

func TestWALStore_RejectsEmptySnapshot(t *testing.T) {
	store, err := NewWALStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	assert.Error(t, store.Save(Checkpoint{Seq: 1}))
}

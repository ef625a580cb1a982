package releases

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	hashA = common.HexToHash("0xa1")
	hashB = common.HexToHash("0xb2")
	user  = common.HexToAddress("0x00000000000000000000000000000000000000aa")
)

func TestJournal_Lifecycle(t *testing.T) {
	dir := t.TempDir()

	j, err := Open(dir)
	require.NoError(t, err)

	rec, err := j.Begin(hashA, common.Address{}, user, "500")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, rec.Status)
	assert.False(t, rec.Sent())

	_, err = j.Begin(hashA, common.Address{}, user, "500")
	assert.ErrorIs(t, err, ErrExists)

	tx := common.HexToHash("0xdead")
	require.NoError(t, j.MarkSent(hashA, tx))

	_, err = j.Begin(hashB, common.Address{}, user, "7")
	require.NoError(t, err)
	require.NoError(t, j.MarkAttempt(hashB, errors.New("rpc down")))
	require.NoError(t, j.MarkFailed(hashB, errors.New("retries exhausted")))
	require.NoError(t, j.Close())

	reopened, err := Open(dir)
	require.NoError(t, err)
	defer reopened.Close()

	pending := reopened.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, hashA, pending[0].ActionHash)
	assert.Equal(t, tx, pending[0].TxHash)
	assert.True(t, pending[0].Sent())
	assert.Equal(t, 1, pending[0].Attempts)

	failed := reopened.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, "retries exhausted", failed[0].Error)
	assert.Equal(t, 1, failed[0].Attempts)

	require.NoError(t, reopened.MarkDone(hashA))
	got, ok := reopened.Get(hashA)
	require.True(t, ok)
	assert.Equal(t, StatusDone, got.Status)

	again, err := reopened.Reopen(hashB)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, again.Status)
	assert.Empty(t, reopened.Failed())
}

func TestJournal_ClearTx(t *testing.T) {
	j, err := Open(t.TempDir())
	require.NoError(t, err)
	defer j.Close()

	_, err = j.Begin(hashA, common.Address{}, user, "1")
	require.NoError(t, err)
	require.NoError(t, j.MarkSent(hashA, common.HexToHash("0x01")))
	require.NoError(t, j.ClearTx(hashA, errors.New("reverted")))

	got, ok := j.Get(hashA)
	require.True(t, ok)
	assert.False(t, got.Sent())
	assert.Equal(t, "reverted", got.Error)
}

func TestJournal_UnknownRecord(t *testing.T) {
	j, err := Open(t.TempDir())
	require.NoError(t, err)
	defer j.Close()

	assert.Error(t, j.MarkDone(hashA))
	_, ok := j.Get(hashA)
	assert.False(t, ok)
}

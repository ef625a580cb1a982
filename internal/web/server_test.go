package web

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/bridgeledger/internal/actions"
	"github.com/vadiminshakov/bridgeledger/internal/commitment"
	"github.com/vadiminshakov/bridgeledger/internal/domain"
	"github.com/vadiminshakov/bridgeledger/internal/events"
	"github.com/vadiminshakov/bridgeledger/internal/ledger"
	"github.com/vadiminshakov/bridgeledger/internal/storage/actionlog"
	"github.com/vadiminshakov/bridgeledger/internal/storage/checkpoints"
	"go.uber.org/zap"
)

var alice = common.HexToAddress("0x00000000000000000000000000000000000000a1")

type fakeCheckpoints struct {
	cp *checkpoints.Checkpoint
}

func (f fakeCheckpoints) Latest() (checkpoints.Checkpoint, bool) {
	if f.cp == nil {
		return checkpoints.Checkpoint{}, false
	}
	return *f.cp, true
}

type fakeStatuses map[common.Hash]actionlog.Record

func (f fakeStatuses) Status(hash common.Hash) (actionlog.Record, error) {
	rec, ok := f[hash]
	if !ok {
		return actionlog.Record{}, actionlog.ErrNotFound
	}
	return rec, nil
}

type fakeRetrier struct {
	calls int
	err   error
}

func (f *fakeRetrier) RetryFailed() (int, error) {
	f.calls++
	if f.err != nil {
		return 0, f.err
	}
	return 2, nil
}

func testServer(t *testing.T, cp *checkpoints.Checkpoint) (*Server, *events.NotificationBroadcaster, *fakeRetrier) {
	t.Helper()
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "bridge_test_total", Help: "test"}))

	bus := events.NewNotificationBroadcaster(4)
	retrier := &fakeRetrier{}
	withdraw := common.HexToHash("0x01")
	return &Server{
		L:           zap.NewNop(),
		Gatherer:    reg,
		Checkpoints: fakeCheckpoints{cp: cp},
		Statuses: fakeStatuses{withdraw: {
			Hash: withdraw,
			Action: actions.Action{
				Payload: domain.WithdrawTokenInput{Token: domain.NativeToken, Amount: *uint256.NewInt(1)},
				Sender:  alice,
			},
			Status: domain.StatusFinalized,
			Height: 3,
		}},
		Notifications:     bus,
		Releases:          retrier,
		SecondaryDecimals: 6,
	}, bus, retrier
}

func sampleCheckpoint() *checkpoints.Checkpoint {
	snap := ledger.NewSnapshot(
		map[common.Address]uint256.Int{alice: *uint256.NewInt(2_000_000_000_000_000_000)},
		map[common.Address]uint256.Int{domain.PoolAccount: *uint256.NewInt(5_000_000)},
		*uint256.NewInt(300000000000),
	)
	return &checkpoints.Checkpoint{
		Seq:        4,
		Height:     9,
		Commitment: commitment.Commit(snap),
		Snapshot:   snap,
		Actions:    []common.Hash{common.HexToHash("0x01")},
		Time:       time.Unix(1700000000, 0).UTC(),
	}
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestServer_HealthAndMetrics(t *testing.T) {
	s, _, _ := testServer(t, nil)
	h := s.Handler()

	rec := get(t, h, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	rec = get(t, h, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "bridge_test_total")
}

func TestServer_Checkpoint(t *testing.T) {
	s, _, _ := testServer(t, nil)
	assert.Equal(t, http.StatusNotFound, get(t, s.Handler(), "/checkpoint").Code)

	cp := sampleCheckpoint()
	s, _, _ = testServer(t, cp)
	rec := get(t, s.Handler(), "/checkpoint")
	require.Equal(t, http.StatusOK, rec.Code)

	var got checkpointResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, uint64(4), got.Seq)
	assert.Equal(t, cp.Commitment.Root, got.Root)
	assert.Equal(t, "300000000000", got.Price)
	assert.Equal(t, "3000", got.PriceDisplay)
	assert.Equal(t, "2", got.NativeTotal)
	assert.Equal(t, "5", got.SecondaryTotal)
}

func TestServer_Proof(t *testing.T) {
	cp := sampleCheckpoint()
	s, _, _ := testServer(t, cp)
	h := s.Handler()

	rec := get(t, h, "/proof?asset=native&address="+alice.Hex())
	require.Equal(t, http.StatusOK, rec.Code)
	var got proofResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, cp.Commitment.NativeRoot, got.AssetRoot)
	assert.True(t, commitment.VerifyProof(got.AssetRoot, got.Proof))

	assert.Equal(t, http.StatusNotFound, get(t, h, "/proof?asset=secondary&address="+alice.Hex()).Code)
	assert.Equal(t, http.StatusBadRequest, get(t, h, "/proof?asset=gold&address="+alice.Hex()).Code)
	assert.Equal(t, http.StatusBadRequest, get(t, h, "/proof?address=0x12").Code)
}

func TestServer_ActionStatus(t *testing.T) {
	s, _, _ := testServer(t, nil)
	h := s.Handler()

	rec := get(t, h, "/actions/"+common.HexToHash("0x01").Hex())
	require.Equal(t, http.StatusOK, rec.Code)
	var got actionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "finalized", got.Status)
	assert.Equal(t, domain.ActionWithdrawToken, got.Name)
	assert.Equal(t, alice, got.Sender)

	assert.Equal(t, http.StatusNotFound, get(t, h, "/actions/"+common.HexToHash("0x02").Hex()).Code)
	assert.Equal(t, http.StatusBadRequest, get(t, h, "/actions/0x1234").Code)
}

func TestServer_RetryReleases(t *testing.T) {
	s, _, retrier := testServer(t, nil)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/releases/retry", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"restarted":2}`, rec.Body.String())
	assert.Equal(t, 1, retrier.calls)

	assert.Equal(t, http.StatusMethodNotAllowed, get(t, s.Handler(), "/releases/retry").Code)

	retrier.err = errors.New("relay stopped")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/releases/retry", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, 2, retrier.calls)
}

func TestServer_NotificationStream(t *testing.T) {
	s, bus, _ := testServer(t, nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/notifications/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// the subscription is registered before headers are flushed
	bus.Publish(domain.ActionNotification{
		ActionHash: common.HexToHash("0x01"),
		ActionName: domain.ActionWithdrawToken,
		Status:     domain.StatusAccepted,
	})

	reader := bufio.NewReader(resp.Body)
	var data string
	for data == "" {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data: ") {
			data = strings.TrimPrefix(strings.TrimSpace(line), "data: ")
		}
	}
	assert.Contains(t, data, `"status":"accepted"`)
	assert.Contains(t, data, `"action_name":"withdrawToken"`)
}

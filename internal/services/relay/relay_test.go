package relay

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/bridgeledger/internal/actions"
	"github.com/vadiminshakov/bridgeledger/internal/domain"
	"github.com/vadiminshakov/bridgeledger/internal/events"
	"github.com/vadiminshakov/bridgeledger/internal/signer"
	"github.com/vadiminshakov/bridgeledger/internal/storage/releases"
	relayMock "github.com/vadiminshakov/bridgeledger/mocks/relay"
	"github.com/vadiminshakov/bridgeledger/pkg/retrier"
	"go.uber.org/zap"
)

const (
	operatorKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	userKey     = "8f2a55949038a9610f50fb23b5883af3b4ecb3c3bb792cbcefbd1542c692be63"
)

var (
	user = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	usdc = common.HexToAddress("0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238")
)

type fixture struct {
	relay     *Relay
	schema    *actions.Schema
	operator  *signer.Operator
	submitter *relayMock.Submitter
	lookup    *relayMock.ActionLookup
	settler   *relayMock.Settler
	journal   *releases.Journal
	metrics   *Metrics
}

func newFixture(t *testing.T, dir string) *fixture {
	t.Helper()

	op, err := signer.FromHex(operatorKey)
	require.NoError(t, err)
	journal, err := releases.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = journal.Close() })

	f := &fixture{
		schema:    actions.NewSchema(actions.Domain{Name: "BridgeLedger", Version: "1", ChainID: 1337}),
		operator:  op,
		submitter: relayMock.NewSubmitter(t),
		lookup:    relayMock.NewActionLookup(t),
		settler:   relayMock.NewSettler(t),
		journal:   journal,
		metrics:   NewMetrics(prometheus.NewRegistry()),
	}
	f.relay, err = New(zap.NewNop(),
		Config{FinalizedStatus: domain.StatusFinalized, MaxConcurrentReleases: 2},
		f.schema, op, f.submitter, f.lookup, f.settler, journal, f.metrics,
		retrier.WithInitialInterval(time.Millisecond),
		retrier.WithMaxInterval(2*time.Millisecond),
		retrier.WithMaxRetries(2),
		retrier.WithJitter(0),
	)
	require.NoError(t, err)
	return f
}

// releasePending starts every journaled pending release and waits for them.
func (f *fixture) releasePending(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.relay.startPending(ctx, ctx))
	f.relay.Wait()
}

// signedBy matches actions whose signature verifies for the operator.
func (f *fixture) signedBy(check func(domain.Payload) bool) any {
	return mock.MatchedBy(func(a actions.Action) bool {
		if _, err := f.schema.Verify(a); err != nil {
			return false
		}
		return a.Sender == f.operator.Address() && check(a.Payload)
	})
}

func depositEvent(t *testing.T, amount int64, logIndex uint) domain.ChainEvent {
	data, err := EncodeNativeDeposit(user, big.NewInt(amount))
	require.NoError(t, err)
	return domain.ChainEvent{
		Kind:        domain.EventNativeDeposit,
		Data:        data,
		TxHash:      common.HexToHash("0xfeed"),
		LogIndex:    logIndex,
		BlockNumber: 42,
	}
}

func TestRelay_DepositBecomesMint(t *testing.T) {
	f := newFixture(t, t.TempDir())
	ev := depositEvent(t, 1000, 3)

	f.submitter.On("Submit", mock.Anything, f.signedBy(func(p domain.Payload) bool {
		in, ok := p.(domain.MintTokenInput)
		return ok && in.Token == domain.NativeToken && in.Recipient == user &&
			in.Amount.Uint64() == 1000 && in.Timestamp == EventStamp(ev)
	})).Return(common.HexToHash("0x01"), nil).Once()

	require.NoError(t, f.relay.HandleDeposit(context.Background(), ev))
	// the same log delivered again is dropped
	require.NoError(t, f.relay.HandleDeposit(context.Background(), ev))

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.duplicates.WithLabelValues("chain")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.events.WithLabelValues("native_deposit", "submitted")))
}

func TestRelay_AssetDepositCarriesToken(t *testing.T) {
	f := newFixture(t, t.TempDir())
	data, err := EncodeAssetDeposit(usdc, user, big.NewInt(2_000_000))
	require.NoError(t, err)
	ev := domain.ChainEvent{Kind: domain.EventAssetDeposit, Data: data, TxHash: common.HexToHash("0xab"), BlockNumber: 7}

	f.submitter.On("Submit", mock.Anything, f.signedBy(func(p domain.Payload) bool {
		in, ok := p.(domain.MintTokenInput)
		return ok && in.Token == usdc && in.Amount.Uint64() == 2_000_000
	})).Return(common.HexToHash("0x02"), nil).Once()

	require.NoError(t, f.relay.HandleDeposit(context.Background(), ev))
}

func TestRelay_MalformedEventsAreDropped(t *testing.T) {
	f := newFixture(t, t.TempDir())

	err := f.relay.HandleDeposit(context.Background(), domain.ChainEvent{Kind: domain.EventNativeDeposit, Data: []byte{1}})
	assert.Equal(t, domain.KindMalformedEvent, domain.KindOf(err))

	data, err := EncodePriceFeed(big.NewInt(-5))
	require.NoError(t, err)
	err = f.relay.HandlePrice(context.Background(), domain.ChainEvent{Kind: domain.EventPriceFeed, Data: data, LogIndex: 1})
	assert.Equal(t, domain.KindMalformedEvent, domain.KindOf(err))

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.events.WithLabelValues("price_feed", "malformed")))
}

func TestRelay_PriceBecomesUpdate(t *testing.T) {
	f := newFixture(t, t.TempDir())
	data, err := EncodePriceFeed(big.NewInt(300000000000))
	require.NoError(t, err)
	ev := domain.ChainEvent{Kind: domain.EventPriceFeed, Data: data, TxHash: common.HexToHash("0xcc"), BlockNumber: 9}

	f.submitter.On("Submit", mock.Anything, f.signedBy(func(p domain.Payload) bool {
		in, ok := p.(domain.UpdateOraclePriceInput)
		return ok && in.Price.Uint64() == 300000000000
	})).Return(common.HexToHash("0x03"), nil).Once()

	require.NoError(t, f.relay.HandlePrice(context.Background(), ev))
}

func TestRelay_FailedSubmitCanBeRedelivered(t *testing.T) {
	f := newFixture(t, t.TempDir())
	ev := depositEvent(t, 5, 0)

	f.submitter.On("Submit", mock.Anything, mock.Anything).Return(common.Hash{}, errors.New("inbox closed")).Once()
	f.submitter.On("Submit", mock.Anything, mock.Anything).Return(common.HexToHash("0x04"), nil).Once()

	assert.Error(t, f.relay.HandleDeposit(context.Background(), ev))
	assert.NoError(t, f.relay.HandleDeposit(context.Background(), ev))
}

func withdrawal(t *testing.T, amount uint64) (actions.Action, common.Hash) {
	t.Helper()
	u, err := signer.FromHex(userKey)
	require.NoError(t, err)
	schema := actions.NewSchema(actions.Domain{Name: "BridgeLedger", Version: "1", ChainID: 1337})
	a, hash, err := schema.Sign(domain.WithdrawTokenInput{Token: domain.NativeToken, Amount: *uint256.NewInt(amount), Timestamp: 1}, u)
	require.NoError(t, err)
	return a, hash
}

func finalized(hash common.Hash) domain.ActionNotification {
	return domain.ActionNotification{ActionHash: hash, ActionName: domain.ActionWithdrawToken, Status: domain.StatusFinalized}
}

func TestRelay_DuplicateNotificationsReleaseOnce(t *testing.T) {
	f := newFixture(t, t.TempDir())
	a, hash := withdrawal(t, 500)
	tx := common.HexToHash("0x7a")

	f.lookup.On("GetByHash", hash).Return(a, true)
	f.settler.On("Release", mock.Anything, domain.NativeToken, a.Sender, mock.MatchedBy(func(v *big.Int) bool {
		return v.Cmp(big.NewInt(500)) == 0
	})).Return(tx, nil).Once()
	f.settler.On("Await", mock.Anything, tx).Return(nil).Once()

	f.relay.HandleNotification(finalized(hash))
	f.relay.HandleNotification(finalized(hash))
	f.releasePending(t)
	f.relay.HandleNotification(finalized(hash))
	f.releasePending(t)

	rec, ok := f.journal.Get(hash)
	require.True(t, ok)
	assert.Equal(t, releases.StatusDone, rec.Status)
	assert.Equal(t, tx, rec.TxHash)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.releases.WithLabelValues("done")))
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.duplicates.WithLabelValues("notification")))
}

func TestRelay_IgnoresOtherNotifications(t *testing.T) {
	f := newFixture(t, t.TempDir())
	_, hash := withdrawal(t, 1)

	accepted := finalized(hash)
	accepted.Status = domain.StatusAccepted
	f.relay.HandleNotification(accepted)

	swap := finalized(hash)
	swap.ActionName = domain.ActionSwapToken
	f.relay.HandleNotification(swap)

	f.lookup.On("GetByHash", hash).Return(actions.Action{}, false).Once()
	f.relay.HandleNotification(finalized(hash))
	f.releasePending(t)

	_, ok := f.journal.Get(hash)
	assert.False(t, ok)
}

func TestRelay_RetriesUntilSettled(t *testing.T) {
	f := newFixture(t, t.TempDir())
	a, hash := withdrawal(t, 9)
	reverted := common.HexToHash("0x01")
	settled := common.HexToHash("0x02")

	f.lookup.On("GetByHash", hash).Return(a, true)
	f.settler.On("Release", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(common.Hash{}, errors.Wrap(domain.ErrSettlementFailure, "nonce too low")).Once()
	f.settler.On("Release", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(reverted, nil).Once()
	f.settler.On("Await", mock.Anything, reverted).Return(errors.Wrap(domain.ErrSettlementFailure, "reverted")).Once()
	f.settler.On("Release", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(settled, nil).Once()
	f.settler.On("Await", mock.Anything, settled).Return(nil).Once()

	f.relay.retrier = retrier.New(
		retrier.WithInitialInterval(time.Millisecond),
		retrier.WithMaxRetries(3),
		retrier.WithRetryIf(retryable),
	)

	f.relay.HandleNotification(finalized(hash))
	f.releasePending(t)

	rec, ok := f.journal.Get(hash)
	require.True(t, ok)
	assert.Equal(t, releases.StatusDone, rec.Status)
	assert.Equal(t, settled, rec.TxHash)
	assert.Equal(t, 3, rec.Attempts)
}

func TestRelay_ExhaustedRetriesAlertAndRetryFailed(t *testing.T) {
	f := newFixture(t, t.TempDir())
	a, hash := withdrawal(t, 9)
	tx := common.HexToHash("0x0b")

	f.lookup.On("GetByHash", hash).Return(a, true)
	f.settler.On("Release", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(common.Hash{}, errors.Wrap(domain.ErrSettlementFailure, "rpc unavailable")).Times(3)

	f.relay.HandleNotification(finalized(hash))
	f.releasePending(t)

	rec, ok := f.journal.Get(hash)
	require.True(t, ok)
	assert.Equal(t, releases.StatusFailed, rec.Status)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.alerts))
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.retries))

	f.settler.On("Release", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(tx, nil).Once()
	f.settler.On("Await", mock.Anything, tx).Return(nil).Once()

	reopened, err := f.relay.RetryFailed()
	require.NoError(t, err)
	assert.Equal(t, 1, reopened)
	f.releasePending(t)

	rec, ok = f.journal.Get(hash)
	require.True(t, ok)
	assert.Equal(t, releases.StatusDone, rec.Status)
}

func TestRelay_PendingReleaseAwaitsSentTransaction(t *testing.T) {
	dir := t.TempDir()
	_, hash := withdrawal(t, 3)
	tx := common.HexToHash("0x0c")

	journal, err := releases.Open(dir)
	require.NoError(t, err)
	_, err = journal.Begin(hash, domain.NativeToken, user, "3")
	require.NoError(t, err)
	require.NoError(t, journal.MarkSent(hash, tx))
	require.NoError(t, journal.Close())

	f := newFixture(t, dir)
	// no Release expectation: the broadcast transaction is awaited, not resent
	f.settler.On("Await", mock.Anything, tx).Return(nil).Once()

	f.releasePending(t)

	rec, ok := f.journal.Get(hash)
	require.True(t, ok)
	assert.Equal(t, releases.StatusDone, rec.Status)
}

func TestRelay_RunStopsOnCancel(t *testing.T) {
	f := newFixture(t, t.TempDir())
	a, hash := withdrawal(t, 4)
	tx := common.HexToHash("0x0d")

	native := make(chan domain.ChainEvent)
	notifications := make(chan domain.ActionNotification)
	acked := make(chan struct{})
	releasing := make(chan struct{})
	deposit := depositEvent(t, 10, 0)
	acks := relayMock.NewEventAcker(t)

	f.submitter.On("Submit", mock.Anything, mock.Anything).Return(common.HexToHash("0x05"), nil).Once()
	acks.On("Ack", deposit).Run(func(mock.Arguments) { close(acked) }).Once()
	f.lookup.On("GetByHash", hash).Return(a, true)
	f.settler.On("Release", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(tx, nil).
		Run(func(mock.Arguments) { close(releasing) }).Once()
	f.settler.On("Await", mock.Anything, tx).Return(nil).Once()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- f.relay.Run(ctx, Sources{NativeDeposits: native, Notifications: notifications, Acks: acks})
	}()

	native <- deposit
	<-acked
	notifications <- finalized(hash)
	<-releasing
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop")
	}

	rec, ok := f.journal.Get(hash)
	require.True(t, ok)
	assert.Equal(t, releases.StatusDone, rec.Status, "in-flight release finishes before Run returns")
}

func TestRelay_HangingReleasesDoNotBlockFinality(t *testing.T) {
	f := newFixture(t, t.TempDir())
	tx := common.HexToHash("0x0e")
	gate := make(chan struct{})

	const withdrawals = 6
	hashes := make([]common.Hash, 0, withdrawals)
	for i := uint64(1); i <= withdrawals; i++ {
		a, hash := withdrawal(t, i)
		f.lookup.On("GetByHash", hash).Return(a, true)
		hashes = append(hashes, hash)
	}
	f.settler.On("Release", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(tx, nil).Times(withdrawals)
	f.settler.On("Await", mock.Anything, tx).WaitUntil(gate).Return(nil).Times(withdrawals)

	bus := events.NewNotificationBroadcaster(1)
	sub := bus.SubscribeReliable()
	defer bus.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- f.relay.Run(ctx, Sources{Notifications: sub.C})
	}()

	published := make(chan struct{})
	go func() {
		defer close(published)
		for _, hash := range hashes {
			bus.Publish(finalized(hash))
		}
	}()

	select {
	case <-published:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked behind hanging releases")
	}
	// all journaled while only the two slots are busy
	assert.Eventually(t, func() bool {
		return len(f.journal.Pending()) == withdrawals && testutil.ToFloat64(f.metrics.inflight) == 2
	}, 2*time.Second, 5*time.Millisecond)

	close(gate)
	assert.Eventually(t, func() bool {
		for _, hash := range hashes {
			if rec, _ := f.journal.Get(hash); rec.Status != releases.StatusDone {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop")
	}
}

func TestRelay_AwaitTimeoutKeepsTransaction(t *testing.T) {
	f := newFixture(t, t.TempDir())
	f.relay.cfg.AwaitTimeout = 5 * time.Millisecond
	a, hash := withdrawal(t, 8)
	tx := common.HexToHash("0x0f")

	f.lookup.On("GetByHash", hash).Return(a, true)
	// sent once: the attempt after the timeout awaits the same transaction
	f.settler.On("Release", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(tx, nil).Once()
	f.settler.On("Await", mock.Anything, tx).Run(func(args mock.Arguments) {
		<-args.Get(0).(context.Context).Done()
	}).Return(context.DeadlineExceeded).Once()
	f.settler.On("Await", mock.Anything, tx).Return(nil).Once()

	f.relay.HandleNotification(finalized(hash))
	f.releasePending(t)

	rec, ok := f.journal.Get(hash)
	require.True(t, ok)
	assert.Equal(t, releases.StatusDone, rec.Status)
	assert.Equal(t, tx, rec.TxHash)
	assert.Equal(t, 1, rec.Attempts)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.retries))
}

func TestRelay_AcksOnlyHandledEvents(t *testing.T) {
	f := newFixture(t, t.TempDir())
	acks := relayMock.NewEventAcker(t)

	ok := depositEvent(t, 10, 0)
	malformed := domain.ChainEvent{Kind: domain.EventNativeDeposit, Data: []byte{1}, LogIndex: 1, BlockNumber: 42}
	failing := depositEvent(t, 20, 2)

	f.submitter.On("Submit", mock.Anything, f.signedBy(func(p domain.Payload) bool {
		in, isMint := p.(domain.MintTokenInput)
		return isMint && in.Amount.Uint64() == 10
	})).Return(common.HexToHash("0x06"), nil).Once()
	f.submitter.On("Submit", mock.Anything, f.signedBy(func(p domain.Payload) bool {
		in, isMint := p.(domain.MintTokenInput)
		return isMint && in.Amount.Uint64() == 20
	})).Return(common.Hash{}, errors.New("sequencer stopped")).Once()
	// a redelivered event is a duplicate and is acked again
	acks.On("Ack", ok).Twice()
	acks.On("Ack", malformed).Once()

	native := make(chan domain.ChainEvent, 4)
	native <- ok
	native <- malformed
	native <- failing
	native <- ok
	close(native)

	require.NoError(t, f.relay.listenDeposits(context.Background(), native, nil, acks))
	acks.AssertNotCalled(t, "Ack", failing)
}

func TestRelay_RetryFailedRefusedAfterStop(t *testing.T) {
	f := newFixture(t, t.TempDir())
	_, hash := withdrawal(t, 2)
	_, err := f.journal.Begin(hash, domain.NativeToken, user, "2")
	require.NoError(t, err)
	require.NoError(t, f.journal.MarkFailed(hash, errors.New("rpc unavailable")))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, f.relay.Run(ctx, Sources{}))

	reopened, err := f.relay.RetryFailed()
	assert.ErrorIs(t, err, ErrStopped)
	assert.Zero(t, reopened)

	rec, ok := f.journal.Get(hash)
	require.True(t, ok)
	assert.Equal(t, releases.StatusFailed, rec.Status)
}

// Package relay bridges external-chain events into ledger actions and settles
// finalized withdrawals back on the external chain.
package relay

import (
	"context"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"github.com/vadiminshakov/bridgeledger/internal/actions"
	"github.com/vadiminshakov/bridgeledger/internal/domain"
	"github.com/vadiminshakov/bridgeledger/internal/storage/releases"
	"github.com/vadiminshakov/bridgeledger/pkg/retrier"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const defaultDedupeSize = 4096

// Submitter hands signed actions to the sequencing runtime.
type Submitter interface {
	Submit(ctx context.Context, a actions.Action) (common.Hash, error)
}

// ActionLookup finds a sequenced action by its content hash.
type ActionLookup interface {
	GetByHash(hash common.Hash) (actions.Action, bool)
}

// Settler pays out on the external chain.
type Settler interface {
	// Release broadcasts a payout and returns its transaction hash.
	Release(ctx context.Context, token, to common.Address, amount *big.Int) (common.Hash, error)
	// Await blocks until tx is mined. A reverted transaction is reported as
	// domain.ErrSettlementFailure; other errors leave the outcome unknown.
	Await(ctx context.Context, tx common.Hash) error
}

// EventAcker is told when a chain event no longer needs redelivery.
type EventAcker interface {
	Ack(ev domain.ChainEvent)
}

// Sources are the inputs the relay listens to.
type Sources struct {
	NativeDeposits <-chan domain.ChainEvent
	AssetDeposits  <-chan domain.ChainEvent
	Prices         <-chan domain.ChainEvent
	Notifications  <-chan domain.ActionNotification
	// Acks, when set, receives every event that was submitted or dropped as
	// malformed. Events that failed to submit are never acked.
	Acks EventAcker
}

// Config tunes the relay.
type Config struct {
	// FinalizedStatus is the confirmation level that triggers a release.
	FinalizedStatus       domain.ActionStatus
	MaxConcurrentReleases int64
	DedupeSize            int
	RetryFailedOnStart    bool
	// AwaitTimeout bounds a single wait for a payout receipt. Zero waits
	// until the attempt is cancelled.
	AwaitTimeout time.Duration
}

// Relay is the settlement relay.
type Relay struct {
	l         *zap.Logger
	cfg       Config
	schema    *actions.Schema
	operator  actions.DigestSigner
	submitter Submitter
	lookup    ActionLookup
	settler   Settler
	journal   *releases.Journal
	retrier   *retrier.Retrier
	metrics   *Metrics

	seen     *lru.Cache[string, struct{}]
	sem      *semaphore.Weighted
	inflight sync.WaitGroup
	wake     chan struct{}
	closed   atomic.Bool

	activeMu sync.Mutex
	active   map[common.Hash]struct{}
}

// New creates a relay. retryOpts configure the release backoff.
func New(
	l *zap.Logger,
	cfg Config,
	schema *actions.Schema,
	operator actions.DigestSigner,
	submitter Submitter,
	lookup ActionLookup,
	settler Settler,
	journal *releases.Journal,
	metrics *Metrics,
	retryOpts ...retrier.Option,
) (*Relay, error) {
	if cfg.MaxConcurrentReleases < 1 {
		cfg.MaxConcurrentReleases = 4
	}
	if cfg.DedupeSize < 1 {
		cfg.DedupeSize = defaultDedupeSize
	}
	seen, err := lru.New[string, struct{}](cfg.DedupeSize)
	if err != nil {
		return nil, errors.Wrap(err, "create dedupe cache")
	}

	r := &Relay{
		l:         l,
		cfg:       cfg,
		schema:    schema,
		operator:  operator,
		submitter: submitter,
		lookup:    lookup,
		settler:   settler,
		journal:   journal,
		metrics:   metrics,
		seen:      seen,
		sem:       semaphore.NewWeighted(cfg.MaxConcurrentReleases),
		wake:      make(chan struct{}, 1),
		active:    make(map[common.Hash]struct{}),
	}

	opts := append([]retrier.Option{}, retryOpts...)
	opts = append(opts,
		retrier.WithRetryIf(retryable),
		retrier.WithOnRetry(func(attempt int, err error, wait time.Duration) {
			r.metrics.retries.Inc()
			r.l.Warn("release attempt failed, retrying",
				zap.Int("attempt", attempt),
				zap.Duration("backoff", wait),
				zap.Error(err))
		}),
	)
	r.retrier = retrier.New(opts...)
	return r, nil
}

// Run resumes unfinished releases and listens to src until ctx is cancelled.
// On shutdown intake stops at once, while started releases run to completion.
// Run must be called at most once.
func (r *Relay) Run(ctx context.Context, src Sources) error {
	releaseCtx := context.WithoutCancel(ctx)
	stop := context.AfterFunc(ctx, func() { r.closed.Store(true) })
	defer stop()

	if r.cfg.RetryFailedOnStart {
		// refused only when ctx is already done
		_, _ = r.RetryFailed()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.dispatch(gctx, releaseCtx)
	})
	g.Go(func() error {
		return r.listenDeposits(gctx, src.NativeDeposits, src.AssetDeposits, src.Acks)
	})
	g.Go(func() error {
		return r.listenPrices(gctx, src.Prices, src.Acks)
	})
	g.Go(func() error {
		return r.listenFinality(gctx, src.Notifications)
	})

	err := g.Wait()
	r.closed.Store(true)
	r.l.Info("relay intake stopped, waiting for in-flight releases")
	r.inflight.Wait()

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (r *Relay) listenDeposits(ctx context.Context, native, asset <-chan domain.ChainEvent, acks EventAcker) error {
	for native != nil || asset != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-native:
			if !ok {
				native = nil
				continue
			}
			ack(acks, ev, r.HandleDeposit(ctx, ev))
		case ev, ok := <-asset:
			if !ok {
				asset = nil
				continue
			}
			ack(acks, ev, r.HandleDeposit(ctx, ev))
		}
	}
	return nil
}

func (r *Relay) listenPrices(ctx context.Context, prices <-chan domain.ChainEvent, acks EventAcker) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-prices:
			if !ok {
				return nil
			}
			ack(acks, ev, r.HandlePrice(ctx, ev))
		}
	}
}

func (r *Relay) listenFinality(ctx context.Context, notifications <-chan domain.ActionNotification) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n, ok := <-notifications:
			if !ok {
				return nil
			}
			r.HandleNotification(n)
		}
	}
}

// ack releases ev from redelivery unless handling it failed in a way a later
// delivery could fix.
func ack(acks EventAcker, ev domain.ChainEvent, err error) {
	if acks == nil {
		return
	}
	if err == nil || errors.Is(err, domain.ErrMalformedEvent) {
		acks.Ack(ev)
	}
}

// HandleDeposit turns a native or asset deposit into an operator-signed mint.
func (r *Relay) HandleDeposit(ctx context.Context, ev domain.ChainEvent) error {
	l := r.eventLogger(ev)
	if !r.firstDelivery(ev) {
		l.Debug("duplicate chain event dropped")
		return nil
	}

	var (
		dep domain.Deposit
		err error
	)
	switch ev.Kind {
	case domain.EventNativeDeposit:
		dep, err = DecodeNativeDeposit(ev.Data)
	case domain.EventAssetDeposit:
		dep, err = DecodeAssetDeposit(ev.Data)
	default:
		err = errors.Wrapf(domain.ErrMalformedEvent, "%s is not a deposit", ev.Kind)
	}
	if err != nil {
		r.metrics.events.WithLabelValues(ev.Kind.String(), "malformed").Inc()
		l.Warn("dropping malformed deposit", zap.Error(err))
		return err
	}

	in := domain.MintTokenInput{
		Token:     dep.Token,
		Recipient: dep.Recipient,
		Amount:    dep.Amount,
		Timestamp: EventStamp(ev),
	}
	hash, err := r.submit(ctx, in, ev)
	if err != nil {
		l.Error("failed to submit mint", zap.Error(err))
		return err
	}

	l.Info("deposit submitted",
		zap.Stringer("action_hash", hash),
		zap.Stringer("recipient", dep.Recipient),
		zap.Stringer("token", dep.Token),
		zap.String("amount", dep.Amount.Dec()))
	return nil
}

// HandlePrice turns a price feed event into an operator-signed price update.
func (r *Relay) HandlePrice(ctx context.Context, ev domain.ChainEvent) error {
	l := r.eventLogger(ev)
	if !r.firstDelivery(ev) {
		l.Debug("duplicate chain event dropped")
		return nil
	}

	upd, err := DecodePriceFeed(ev.Data)
	if err != nil {
		r.metrics.events.WithLabelValues(ev.Kind.String(), "malformed").Inc()
		l.Warn("dropping malformed price", zap.Error(err))
		return err
	}

	hash, err := r.submit(ctx, domain.UpdateOraclePriceInput{Price: upd.Price, Timestamp: EventStamp(ev)}, ev)
	if err != nil {
		l.Error("failed to submit price update", zap.Error(err))
		return err
	}

	l.Info("price update submitted",
		zap.Stringer("action_hash", hash),
		zap.String("price", domain.FormatUnits(upd.Price, domain.PriceDecimals)))
	return nil
}

func (r *Relay) submit(ctx context.Context, p domain.Payload, ev domain.ChainEvent) (common.Hash, error) {
	a, _, err := r.schema.Sign(p, r.operator)
	if err != nil {
		r.forget(ev)
		r.metrics.events.WithLabelValues(ev.Kind.String(), "failed").Inc()
		return common.Hash{}, err
	}
	hash, err := r.submitter.Submit(ctx, a)
	if err != nil {
		// allow a redelivery to try again
		r.forget(ev)
		r.metrics.events.WithLabelValues(ev.Kind.String(), "failed").Inc()
		return common.Hash{}, errors.Wrap(err, "submit action")
	}
	r.metrics.events.WithLabelValues(ev.Kind.String(), "submitted").Inc()
	return hash, nil
}

func (r *Relay) firstDelivery(ev domain.ChainEvent) bool {
	if found, _ := r.seen.ContainsOrAdd(ev.ID(), struct{}{}); found {
		r.metrics.duplicates.WithLabelValues("chain").Inc()
		return false
	}
	return true
}

func (r *Relay) forget(ev domain.ChainEvent) {
	r.seen.Remove(ev.ID())
}

func (r *Relay) eventLogger(ev domain.ChainEvent) *zap.Logger {
	return r.l.With(
		zap.String("trace_id", uuid.NewString()),
		zap.String("event_id", ev.ID()),
		zap.Stringer("kind", ev.Kind),
		zap.Uint64("block", ev.BlockNumber))
}

// EventStamp derives the action timestamp from the log position, so a
// redelivered event always produces the same action hash.
func EventStamp(ev domain.ChainEvent) uint64 {
	return ev.BlockNumber<<20 | uint64(ev.LogIndex)&0xfffff
}

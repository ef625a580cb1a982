package relay

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/vadiminshakov/bridgeledger/internal/domain"
	"github.com/vadiminshakov/bridgeledger/internal/storage/releases"
	"go.uber.org/zap"
)

// errJournal marks journal write failures. They are never retried: the payout
// state on disk is no longer trustworthy.
var errJournal = errors.New("release journal")

var errReceiptTimeout = errors.New("receipt not seen in time")

// ErrStopped is returned by RetryFailed after Run has stopped.
var ErrStopped = errors.New("relay stopped")

func retryable(err error) bool {
	return !errors.Is(err, errJournal) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}

// HandleNotification journals the release of a finalized withdrawal and wakes
// the dispatcher. It never waits for a release slot. Each action hash is
// released at most once; later notifications for it are ignored.
func (r *Relay) HandleNotification(n domain.ActionNotification) {
	if n.ActionName != domain.ActionWithdrawToken || n.Status != r.cfg.FinalizedStatus {
		return
	}

	l := r.l.With(zap.Stringer("action_hash", n.ActionHash))
	a, ok := r.lookup.GetByHash(n.ActionHash)
	if !ok {
		l.Debug("finalized withdrawal not found")
		return
	}
	w, ok := a.Payload.(domain.WithdrawTokenInput)
	if !ok {
		l.Warn("notification does not reference a withdrawal", zap.Stringer("action", a.Name()))
		return
	}

	rec, err := r.journal.Begin(n.ActionHash, w.Token, a.Sender, w.Amount.Dec())
	if errors.Is(err, releases.ErrExists) {
		r.metrics.duplicates.WithLabelValues("notification").Inc()
		l.Debug("release already recorded", zap.String("status", string(rec.Status)))
		return
	}
	if err != nil {
		l.Error("failed to journal release", zap.Error(err))
		return
	}
	r.kick()
}

// RetryFailed moves failed releases back to pending and wakes the dispatcher.
// It returns ErrStopped once Run has stopped taking work.
func (r *Relay) RetryFailed() (int, error) {
	if r.closed.Load() {
		return 0, ErrStopped
	}

	reopened := 0
	for _, f := range r.journal.Failed() {
		rec, err := r.journal.Reopen(f.ActionHash)
		if err != nil {
			r.l.Error("failed to reopen release", zap.Stringer("action_hash", f.ActionHash), zap.Error(err))
			continue
		}
		r.l.Info("retrying failed release", zap.Stringer("action_hash", rec.ActionHash))
		reopened++
	}
	if reopened > 0 {
		r.kick()
	}
	return reopened, nil
}

// Wait blocks until all started releases have finished.
func (r *Relay) Wait() {
	r.inflight.Wait()
}

func (r *Relay) kick() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// dispatch starts pending releases as slots free up, until ctx is cancelled.
// Records still pending at that point are resumed on the next start.
func (r *Relay) dispatch(ctx, releaseCtx context.Context) error {
	if pending := r.journal.Pending(); len(pending) > 0 {
		r.l.Info("resuming pending releases", zap.Int("count", len(pending)))
	}
	for {
		if err := r.startPending(ctx, releaseCtx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.wake:
		}
	}
}

// startPending starts every pending release that is not already running,
// waiting for a free slot before each one.
func (r *Relay) startPending(ctx, releaseCtx context.Context) error {
	for _, rec := range r.journal.Pending() {
		if !r.claim(rec.ActionHash) {
			continue
		}
		// the record may have settled since the listing was taken
		if cur, ok := r.journal.Get(rec.ActionHash); !ok || cur.Status != releases.StatusPending {
			r.unclaim(rec.ActionHash)
			continue
		}
		if err := r.sem.Acquire(ctx, 1); err != nil {
			r.unclaim(rec.ActionHash)
			r.l.Info("release deferred to next start", zap.Stringer("action_hash", rec.ActionHash))
			return err
		}

		r.inflight.Add(1)
		r.metrics.inflight.Inc()
		go func(rec releases.Record) {
			defer func() {
				r.unclaim(rec.ActionHash)
				r.metrics.inflight.Dec()
				r.sem.Release(1)
				r.inflight.Done()
			}()
			r.release(releaseCtx, rec)
		}(rec)
	}
	return nil
}

func (r *Relay) claim(hash common.Hash) bool {
	r.activeMu.Lock()
	defer r.activeMu.Unlock()
	if _, ok := r.active[hash]; ok {
		return false
	}
	r.active[hash] = struct{}{}
	return true
}

func (r *Relay) unclaim(hash common.Hash) {
	r.activeMu.Lock()
	delete(r.active, hash)
	r.activeMu.Unlock()
}

func (r *Relay) release(ctx context.Context, rec releases.Record) {
	l := r.l.With(
		zap.Stringer("action_hash", rec.ActionHash),
		zap.Stringer("recipient", rec.Recipient),
		zap.Stringer("token", rec.Token),
		zap.String("amount", rec.Amount))

	amount, err := domain.ParseAmount(rec.Amount)
	if err != nil {
		r.fail(l, rec.ActionHash, err)
		return
	}

	err = r.retrier.Do(ctx, func(ctx context.Context) error {
		return r.attempt(ctx, &rec, amount.ToBig())
	})
	if err != nil {
		r.fail(l, rec.ActionHash, err)
		return
	}

	if err := r.journal.MarkDone(rec.ActionHash); err != nil {
		l.Error("release settled but not journaled", zap.Stringer("tx", rec.TxHash), zap.Error(err))
		return
	}
	r.metrics.releases.WithLabelValues("done").Inc()
	l.Info("tokens released", zap.Stringer("tx", rec.TxHash))
}

// attempt sends the payout unless one is already in flight, then waits for it.
func (r *Relay) attempt(ctx context.Context, rec *releases.Record, amount *big.Int) error {
	if !rec.Sent() {
		tx, err := r.settler.Release(ctx, rec.Token, rec.Recipient, amount)
		if err != nil {
			if jerr := r.journal.MarkAttempt(rec.ActionHash, err); jerr != nil {
				return errors.Wrapf(errJournal, "%v", jerr)
			}
			return err
		}
		if err := r.journal.MarkSent(rec.ActionHash, tx); err != nil {
			return errors.Wrapf(errJournal, "record tx %s: %v", tx.Hex(), err)
		}
		rec.TxHash = tx
	}

	awaitCtx, cancel := ctx, context.CancelFunc(func() {})
	if r.cfg.AwaitTimeout > 0 {
		awaitCtx, cancel = context.WithTimeout(ctx, r.cfg.AwaitTimeout)
	}
	defer cancel()

	err := r.settler.Await(awaitCtx, rec.TxHash)
	if err == nil {
		return nil
	}
	if ctx.Err() == nil && awaitCtx.Err() != nil {
		// still unknown: keep the tx hash so the next attempt awaits it again
		return errors.Wrapf(errReceiptTimeout, "tx %s after %s: %v", rec.TxHash.Hex(), r.cfg.AwaitTimeout, err)
	}
	if errors.Is(err, domain.ErrSettlementFailure) {
		// reverted: nothing was paid, the next attempt sends a fresh transaction
		if jerr := r.journal.ClearTx(rec.ActionHash, err); jerr != nil {
			return errors.Wrapf(errJournal, "%v", jerr)
		}
		rec.TxHash = common.Hash{}
	}
	return err
}

func (r *Relay) fail(l *zap.Logger, actionHash common.Hash, cause error) {
	r.metrics.releases.WithLabelValues("failed").Inc()
	r.metrics.alerts.Inc()
	if err := r.journal.MarkFailed(actionHash, cause); err != nil {
		l.Error("failed to journal release failure", zap.Error(err))
	}
	l.Error("alert: release failed, operator action required",
		zap.String("kind", string(domain.KindOf(cause))),
		zap.Error(cause))
}

package clients

import (
	"context"
	"math/big"
	"sync"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"
	"github.com/vadiminshakov/bridgeledger/internal/domain"
	"go.uber.org/zap"
)

const defaultMaxBlockRange = 2000

// LogSource is the part of an RPC client the watcher needs.
type LogSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// BlockCursor persists the last block whose events were all handled.
type BlockCursor interface {
	Last() (uint64, bool)
	Save(block uint64) error
}

// WatcherConfig configures a ChainWatcher.
type WatcherConfig struct {
	Bridge        common.Address
	EventNames    map[domain.EventKind]string
	Confirmations uint64
	PollInterval  time.Duration
	StartBlock    uint64
	MaxBlockRange uint64
	Buffer        int
}

// ChainWatcher polls the bridge contract logs and emits confirmed bridge events.
// The stored cursor trails the oldest emitted event that was not acked, so a
// restart emits every unacked event again.
type ChainWatcher struct {
	l      *zap.Logger
	src    LogSource
	cursor BlockCursor
	cfg    WatcherConfig

	kinds map[common.Hash]domain.EventKind
	out   map[domain.EventKind]chan domain.ChainEvent
	next  uint64

	mu sync.Mutex
	// outstanding counts emitted, unacked events per block
	outstanding map[uint64]int
	scanned     uint64
	hasScanned  bool
	saved       uint64
	hasSaved    bool
}

// NewChainWatcher creates a watcher. It resumes after the stored cursor, or at
// cfg.StartBlock when there is none.
func NewChainWatcher(l *zap.Logger, src LogSource, cursor BlockCursor, cfg WatcherConfig) (*ChainWatcher, error) {
	if len(cfg.EventNames) == 0 {
		return nil, errors.New("no bridge events configured")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.MaxBlockRange == 0 {
		cfg.MaxBlockRange = defaultMaxBlockRange
	}

	w := &ChainWatcher{
		l:      l,
		src:    src,
		cursor: cursor,
		cfg:    cfg,
		kinds:  make(map[common.Hash]domain.EventKind, len(cfg.EventNames)),
		out:    make(map[domain.EventKind]chan domain.ChainEvent, len(cfg.EventNames)),
		next:   cfg.StartBlock,

		outstanding: make(map[uint64]int),
	}
	for kind, name := range cfg.EventNames {
		w.kinds[IdentifierTopic(name)] = kind
		w.out[kind] = make(chan domain.ChainEvent, cfg.Buffer)
	}
	if last, ok := cursor.Last(); ok {
		w.next = last + 1
		w.scanned, w.hasScanned = last, true
		w.saved, w.hasSaved = last, true
	}
	return w, nil
}

// Events returns the channel of one event kind; nil when the kind is not watched.
func (w *ChainWatcher) Events(kind domain.EventKind) <-chan domain.ChainEvent {
	ch, ok := w.out[kind]
	if !ok {
		return nil
	}
	return ch
}

// Run polls until ctx is cancelled, then closes the event channels.
func (w *ChainWatcher) Run(ctx context.Context) error {
	defer func() {
		for _, ch := range w.out {
			close(ch)
		}
	}()

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	w.l.Info("chain watcher started",
		zap.Stringer("bridge", w.cfg.Bridge),
		zap.Uint64("from_block", w.next),
		zap.Uint64("confirmations", w.cfg.Confirmations))

	for {
		if err := w.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.l.Warn("poll bridge logs", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Poll fetches and emits every confirmed event after the last scanned block, one
// bounded block range per call. The cursor moves once the range is emitted and
// every event up to the new position was acked.
func (w *ChainWatcher) Poll(ctx context.Context) error {
	head, err := w.src.BlockNumber(ctx)
	if err != nil {
		return errors.Wrap(err, "get head block")
	}
	if head < w.cfg.Confirmations {
		return nil
	}
	safe := head - w.cfg.Confirmations
	if w.next > safe {
		return nil
	}
	to := safe
	if to-w.next+1 > w.cfg.MaxBlockRange {
		to = w.next + w.cfg.MaxBlockRange - 1
	}

	identifiers := make([]common.Hash, 0, len(w.kinds))
	for topic := range w.kinds {
		identifiers = append(identifiers, topic)
	}
	logs, err := w.src.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(w.next),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{w.cfg.Bridge},
		Topics:    [][]common.Hash{{BridgeEventTopic()}, identifiers},
	})
	if err != nil {
		return errors.Wrapf(err, "filter logs %d-%d", w.next, to)
	}

	for _, lg := range logs {
		ev, ok := w.toEvent(lg)
		if !ok {
			continue
		}
		w.track(ev.BlockNumber)
		select {
		case w.out[ev.Kind] <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	w.next = to + 1
	w.mu.Lock()
	defer w.mu.Unlock()
	w.scanned, w.hasScanned = to, true
	return w.persist()
}

// Ack marks an emitted event as handled. The cursor may move past its block
// once every earlier event is acked too.
func (w *ChainWatcher) Ack(ev domain.ChainEvent) {
	w.mu.Lock()
	defer w.mu.Unlock()

	n, ok := w.outstanding[ev.BlockNumber]
	if !ok {
		return
	}
	if n <= 1 {
		delete(w.outstanding, ev.BlockNumber)
	} else {
		w.outstanding[ev.BlockNumber] = n - 1
	}
	if err := w.persist(); err != nil {
		w.l.Warn("advance block cursor", zap.Uint64("block", ev.BlockNumber), zap.Error(err))
	}
}

func (w *ChainWatcher) track(block uint64) {
	w.mu.Lock()
	w.outstanding[block]++
	w.mu.Unlock()
}

// persist saves the highest scanned block below every unacked event. w.mu must be held.
func (w *ChainWatcher) persist() error {
	if !w.hasScanned {
		return nil
	}
	mark := w.scanned
	for block := range w.outstanding {
		if block > mark {
			continue
		}
		if block == 0 {
			return nil
		}
		mark = block - 1
	}
	if w.hasSaved && mark <= w.saved {
		return nil
	}
	if err := w.cursor.Save(mark); err != nil {
		return errors.Wrap(err, "save block cursor")
	}
	w.saved, w.hasSaved = mark, true
	return nil
}

func (w *ChainWatcher) toEvent(lg types.Log) (domain.ChainEvent, bool) {
	if lg.Removed || len(lg.Topics) < 2 || lg.Topics[0] != BridgeEventTopic() {
		return domain.ChainEvent{}, false
	}
	kind, ok := w.kinds[lg.Topics[1]]
	if !ok {
		return domain.ChainEvent{}, false
	}

	payload, err := unpackBridgeEventData(lg.Data)
	if err != nil {
		// let the relay reject and count it
		w.l.Warn("undecodable bridge event",
			zap.Stringer("tx", lg.TxHash),
			zap.Uint("log_index", lg.Index),
			zap.Error(err))
		payload = nil
	}

	return domain.ChainEvent{
		Kind:        kind,
		Data:        payload,
		TxHash:      lg.TxHash,
		LogIndex:    lg.Index,
		BlockNumber: lg.BlockNumber,
	}, true
}

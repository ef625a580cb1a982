// Package sequencer is a local, single-node sequencing runtime for the ledger.
//
// One goroutine owns the engine. Submitters enqueue signed actions; Run verifies,
// applies, logs and announces each of them in arrival order, and periodically
// commits the ledger state into a checkpoint that finalizes the batch.
package sequencer

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/vadiminshakov/bridgeledger/internal/actions"
	"github.com/vadiminshakov/bridgeledger/internal/commitment"
	"github.com/vadiminshakov/bridgeledger/internal/domain"
	"github.com/vadiminshakov/bridgeledger/internal/engine"
	"github.com/vadiminshakov/bridgeledger/internal/ledger"
	"github.com/vadiminshakov/bridgeledger/internal/storage/actionlog"
	"github.com/vadiminshakov/bridgeledger/internal/storage/checkpoints"
	"go.uber.org/zap"
)

// ErrStopped is returned by Submit after Run has exited.
var ErrStopped = errors.New("sequencer stopped")

// ActionLog persists sequenced actions.
type ActionLog interface {
	Append(rec actionlog.Record) error
	Get(hash common.Hash) (actionlog.Record, error)
	Has(hash common.Hash) bool
	Accepted(afterHeight uint64) []actionlog.Record
}

// CheckpointStore persists committed states.
type CheckpointStore interface {
	Save(cp checkpoints.Checkpoint) error
	Latest() (checkpoints.Checkpoint, bool)
}

// Publisher delivers action notifications.
type Publisher interface {
	Publish(n domain.ActionNotification)
}

// Config tunes the runtime.
type Config struct {
	InboxSize          int
	CheckpointEvery    int
	CheckpointInterval time.Duration
}

type pending struct {
	hash common.Hash
	name domain.ActionName
}

// Sequencer orders and applies actions.
type Sequencer struct {
	l           *zap.Logger
	schema      *actions.Schema
	eng         *engine.Engine
	log         ActionLog
	checkpoints CheckpointStore
	pub         Publisher
	cfg         Config
	now         func() time.Time

	inbox   chan actions.Action
	closing chan struct{}
	// intake guards closed; Submit holds it shared while enqueueing
	intake sync.RWMutex
	closed bool

	// fields below are owned by the Run goroutine
	batch []pending
	seq   uint64

	mu     sync.RWMutex
	head   *ledger.Snapshot
	height uint64
}

// New creates a sequencer around eng, which must still be at its genesis state.
func New(l *zap.Logger, schema *actions.Schema, eng *engine.Engine, log ActionLog, cps CheckpointStore, pub Publisher, cfg Config) *Sequencer {
	if cfg.InboxSize < 1 {
		cfg.InboxSize = 256
	}
	if cfg.CheckpointEvery < 1 {
		cfg.CheckpointEvery = 16
	}
	return &Sequencer{
		l:           l,
		schema:      schema,
		eng:         eng,
		log:         log,
		checkpoints: cps,
		pub:         pub,
		cfg:         cfg,
		now:         time.Now,
		inbox:       make(chan actions.Action, cfg.InboxSize),
		closing:     make(chan struct{}),
		head:        eng.Snapshot(),
		height:      eng.Height(),
	}
}

// Submit enqueues a signed action and returns its content hash. It blocks while
// the inbox is full. An action Submit accepted is applied even if Run is
// stopping: Run drains the inbox before it returns.
func (s *Sequencer) Submit(ctx context.Context, a actions.Action) (common.Hash, error) {
	hash, err := s.schema.Hash(a)
	if err != nil {
		return common.Hash{}, err
	}

	s.intake.RLock()
	defer s.intake.RUnlock()
	if s.closed {
		return common.Hash{}, ErrStopped
	}

	select {
	case s.inbox <- a:
		return hash, nil
	case <-s.closing:
		return common.Hash{}, ErrStopped
	case <-ctx.Done():
		return common.Hash{}, ctx.Err()
	}
}

// Recover rebuilds the engine from the action log. Call it once before Run.
// When history is complete it is replayed from genesis and the state at the
// last checkpoint height must match its root; when the log was pruned the
// engine restarts from the checkpoint snapshot.
func (s *Sequencer) Recover(ctx context.Context) error {
	cp, hasCP := s.checkpoints.Latest()
	if hasCP {
		s.seq = cp.Seq
	}

	records := s.log.Accepted(0)
	pruned := len(records) > 0 && records[0].Height != 1
	if pruned && !hasCP {
		return errors.Errorf("action log starts at height %d without a checkpoint", records[0].Height)
	}
	if hasCP && (pruned || len(records) == 0) {
		if len(records) == 0 {
			s.l.Warn("action log is empty, restoring from checkpoint", zap.Uint64("checkpoint_seq", cp.Seq))
		}
		if commitment.ComputeRoot(cp.Snapshot) != cp.Commitment.Root {
			return errors.Errorf("checkpoint %d snapshot does not match its root", cp.Seq)
		}
		if err := s.eng.Restore(cp.Snapshot, cp.Height); err != nil {
			return err
		}
		records = s.log.Accepted(cp.Height)
	}

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return err
		}
		if rec.Height != s.eng.Height()+1 {
			return errors.Errorf("action log gap: expected height %d, got %d", s.eng.Height()+1, rec.Height)
		}
		next, err := engine.Transition(s.eng.Rules(), s.eng.Snapshot(), rec.Action.Payload, rec.Action.Sender)
		if err != nil {
			return errors.Wrapf(err, "replay %s at height %d", rec.Hash.Hex(), rec.Height)
		}
		s.eng.Advance(next)

		if hasCP && rec.Height == cp.Height {
			if root := commitment.ComputeRoot(next); root != cp.Commitment.Root {
				return errors.Errorf("replayed root %s differs from checkpoint %d root %s",
					root.Hex(), cp.Seq, cp.Commitment.Root.Hex())
			}
		}
		if !hasCP || rec.Height > cp.Height {
			s.batch = append(s.batch, pending{hash: rec.Hash, name: rec.Action.Name()})
		}
	}

	if hasCP && s.eng.Height() < cp.Height {
		return errors.Errorf("action log ends at height %d, behind checkpoint height %d", s.eng.Height(), cp.Height)
	}

	s.setHead()
	s.l.Info("ledger recovered",
		zap.Uint64("height", s.eng.Height()),
		zap.Uint64("checkpoint_seq", s.seq),
		zap.Int("unfinalized", len(s.batch)))
	return nil
}

// Run processes the inbox until ctx is cancelled. It must run in one goroutine.
// A persistence failure halts the runtime and is returned.
func (s *Sequencer) Run(ctx context.Context) error {
	var tick <-chan time.Time
	if s.cfg.CheckpointInterval > 0 {
		ticker := time.NewTicker(s.cfg.CheckpointInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	s.l.Info("sequencer started", zap.Uint64("height", s.eng.Height()))
	for {
		select {
		case <-ctx.Done():
			return s.drain()
		case a := <-s.inbox:
			if err := s.handle(a); err != nil {
				s.closeIntake()
				return err
			}
		case <-tick:
			if err := s.checkpoint(); err != nil {
				s.closeIntake()
				return err
			}
		}
	}
}

func (s *Sequencer) handle(a actions.Action) error {
	if err := s.process(a); err != nil {
		return err
	}
	if len(s.batch) >= s.cfg.CheckpointEvery {
		return s.checkpoint()
	}
	return nil
}

// closeIntake stops Submit and waits until no submitter can still enqueue.
func (s *Sequencer) closeIntake() {
	close(s.closing)
	s.intake.Lock()
	s.closed = true
	s.intake.Unlock()
}

// drain applies every action that was enqueued before intake closed.
func (s *Sequencer) drain() error {
	s.closeIntake()

	drained := 0
	for {
		select {
		case a := <-s.inbox:
			if err := s.handle(a); err != nil {
				return err
			}
			drained++
		default:
			s.l.Info("sequencer stopped",
				zap.Uint64("height", s.eng.Height()),
				zap.Int("drained", drained))
			return nil
		}
	}
}

func (s *Sequencer) process(a actions.Action) error {
	hash, err := s.schema.Hash(a)
	if err != nil {
		s.l.Warn("dropping undecodable action", zap.Error(err))
		return nil
	}
	if s.log.Has(hash) {
		s.l.Debug("duplicate action ignored", zap.Stringer("hash", hash))
		return nil
	}
	s.notify(hash, a.Name(), domain.StatusSubmitted, "")

	if _, err := s.schema.Verify(a); err != nil {
		// not logged: the claimed sender did not sign it, and a logged record
		// would shadow the sender's own action with the same hash
		kind := domain.KindOf(err)
		s.l.Info("action rejected",
			zap.Stringer("hash", hash),
			zap.Stringer("action", a.Name()),
			zap.String("reason", string(kind)),
			zap.Error(err))
		s.notify(hash, a.Name(), domain.StatusRejected, kind)
		return nil
	}
	next, err := engine.Transition(s.eng.Rules(), s.eng.Snapshot(), a.Payload, a.Sender)
	if err != nil {
		return s.reject(hash, a, err)
	}

	rec := actionlog.Record{
		Hash:   hash,
		Action: a,
		Status: domain.StatusAccepted,
		Height: s.eng.Height() + 1,
		Time:   s.now().UTC(),
	}
	if err := s.log.Append(rec); err != nil {
		return errors.Wrapf(err, "persist action %s", hash.Hex())
	}
	s.eng.Advance(next)
	s.setHead()
	s.batch = append(s.batch, pending{hash: hash, name: a.Name()})

	s.l.Debug("action accepted",
		zap.Stringer("hash", hash),
		zap.Stringer("action", a.Name()),
		zap.Uint64("height", rec.Height))
	s.notify(hash, a.Name(), domain.StatusAccepted, "")
	return nil
}

func (s *Sequencer) reject(hash common.Hash, a actions.Action, cause error) error {
	kind := domain.KindOf(cause)
	rec := actionlog.Record{
		Hash:   hash,
		Action: a,
		Status: domain.StatusRejected,
		Reason: kind,
		Time:   s.now().UTC(),
	}
	if err := s.log.Append(rec); err != nil {
		return errors.Wrapf(err, "persist rejected action %s", hash.Hex())
	}

	s.l.Info("action rejected",
		zap.Stringer("hash", hash),
		zap.Stringer("action", a.Name()),
		zap.String("reason", string(kind)),
		zap.Error(cause))
	s.notify(hash, a.Name(), domain.StatusRejected, kind)
	return nil
}

func (s *Sequencer) checkpoint() error {
	if len(s.batch) == 0 {
		return nil
	}

	snap := s.eng.Snapshot()
	hashes := make([]common.Hash, len(s.batch))
	for i, p := range s.batch {
		hashes[i] = p.hash
	}
	cp := checkpoints.Checkpoint{
		Seq:        s.seq + 1,
		Height:     s.eng.Height(),
		Commitment: commitment.Commit(snap),
		Snapshot:   snap,
		Actions:    hashes,
		Time:       s.now().UTC(),
	}
	if err := s.checkpoints.Save(cp); err != nil {
		return errors.Wrapf(err, "persist checkpoint %d", cp.Seq)
	}
	s.seq = cp.Seq

	s.l.Info("checkpoint committed",
		zap.Uint64("seq", cp.Seq),
		zap.Uint64("height", cp.Height),
		zap.Stringer("root", cp.Commitment.Root),
		zap.Int("actions", len(hashes)))

	batch := s.batch
	s.batch = nil
	for _, p := range batch {
		s.notify(p.hash, p.name, domain.StatusFinalized, "")
	}
	return nil
}

func (s *Sequencer) notify(hash common.Hash, name domain.ActionName, status domain.ActionStatus, reason domain.ErrorKind) {
	if s.pub == nil {
		return
	}
	s.pub.Publish(domain.ActionNotification{
		ActionHash: hash,
		ActionName: name,
		Status:     status,
		Timestamp:  s.now().UTC(),
		Reason:     reason,
	})
}

func (s *Sequencer) setHead() {
	s.mu.Lock()
	s.head = s.eng.Snapshot()
	s.height = s.eng.Height()
	s.mu.Unlock()
}

// Head returns the latest applied snapshot and its height.
func (s *Sequencer) Head() (*ledger.Snapshot, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.head, s.height
}

// GetByHash returns a logged action. Rejected actions are not returned.
func (s *Sequencer) GetByHash(hash common.Hash) (actions.Action, bool) {
	rec, err := s.log.Get(hash)
	if err != nil || rec.Status == domain.StatusRejected {
		return actions.Action{}, false
	}
	return rec.Action, true
}

// Status returns the current record of an action with its finality resolved
// against the latest checkpoint.
func (s *Sequencer) Status(hash common.Hash) (actionlog.Record, error) {
	rec, err := s.log.Get(hash)
	if err != nil {
		return actionlog.Record{}, err
	}
	if rec.Status == domain.StatusAccepted {
		if cp, ok := s.checkpoints.Latest(); ok && rec.Height <= cp.Height {
			rec.Status = domain.StatusFinalized
		}
	}
	return rec, nil
}

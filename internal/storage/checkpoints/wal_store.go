package checkpoints

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/vadiminshakov/bridgeledger/internal/commitment"
	"github.com/vadiminshakov/bridgeledger/internal/ledger"
	"github.com/vadiminshakov/gowal"
)

const (
	defaultCheckpointDir   = "./wal/checkpoints"
	checkpointSegmentLimit = 100
	checkpointMaxSegments  = 100
	checkpointKeyPrefix    = "checkpoint_"
)

// Checkpoint is a committed ledger state. Every action up to Height is final.
type Checkpoint struct {
	Seq        uint64                `json:"seq"`
	Height     uint64                `json:"height"`
	Commitment commitment.Commitment `json:"commitment"`
	Snapshot   *ledger.Snapshot      `json:"snapshot"`
	Actions    []common.Hash         `json:"actions"`
	Time       time.Time             `json:"time"`
}

// WALStore persists checkpoints in a WAL for recovery and status queries.
type WALStore struct {
	wal    *gowal.Wal
	mu     sync.RWMutex
	latest *Checkpoint
}

// NewWALStore opens the checkpoint store under the provided directory.
func NewWALStore(dir string) (*WALStore, error) {
	if dir == "" {
		dir = defaultCheckpointDir
	}

	cfg := gowal.Config{
		Dir:              dir,
		Prefix:           "checkpoint_",
		SegmentThreshold: checkpointSegmentLimit,
		MaxSegments:      checkpointMaxSegments,
		IsInSyncDiskMode: true,
	}

	wal, err := gowal.NewWAL(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "init checkpoint WAL")
	}

	s := &WALStore{wal: wal}
	for msg := range wal.Iterator() {
		if !strings.HasPrefix(msg.Key, checkpointKeyPrefix) {
			continue
		}
		var cp Checkpoint
		if err := json.Unmarshal(msg.Value, &cp); err != nil {
			_ = wal.Close()
			return nil, errors.Wrapf(err, "decode checkpoint %s", msg.Key)
		}
		if s.latest == nil || cp.Seq > s.latest.Seq {
			s.latest = &cp
		}
	}

	return s, nil
}

// Save writes cp to the WAL. Sequence numbers must increase.
func (s *WALStore) Save(cp Checkpoint) error {
	if s == nil || s.wal == nil {
		return errors.New("checkpoint store is not initialized")
	}
	if cp.Snapshot == nil {
		return errors.New("checkpoint snapshot is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.latest != nil && cp.Seq <= s.latest.Seq {
		return errors.Errorf("checkpoint seq %d is not after %d", cp.Seq, s.latest.Seq)
	}

	payload, err := json.Marshal(cp)
	if err != nil {
		return errors.Wrap(err, "marshal checkpoint")
	}

	key := checkpointKeyPrefix + cp.Commitment.Root.Hex()
	if err := s.wal.Write(s.wal.CurrentIndex()+1, key, payload); err != nil {
		return errors.Wrap(err, "write checkpoint")
	}
	s.latest = &cp
	return nil
}

// Latest returns the most recent checkpoint.
func (s *WALStore) Latest() (Checkpoint, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.latest == nil {
		return Checkpoint{}, false
	}
	return *s.latest, true
}

// Close closes the underlying WAL.
func (s *WALStore) Close() error {
	if s == nil || s.wal == nil {
		return errors.New("checkpoint store is not initialized")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.wal.Close()
}

package actionlog

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/vadiminshakov/bridgeledger/internal/actions"
	"github.com/vadiminshakov/bridgeledger/internal/domain"
	"github.com/vadiminshakov/gowal"
)

const (
	DefaultDir   = "./wal/actions"
	segmentLimit = 1000
	maxSegments  = 1000

	actionKeyPrefix = "action_"
)

// ErrNotFound is returned when no record exists for a hash.
var ErrNotFound = errors.New("action not found")

// Record is one sequenced action together with its outcome.
type Record struct {
	Hash   common.Hash         `json:"hash"`
	Action actions.Action      `json:"action"`
	Status domain.ActionStatus `json:"status"`
	// Height is the ledger height after applying the action; zero for rejections.
	Height uint64           `json:"height,omitempty"`
	Reason domain.ErrorKind `json:"reason,omitempty"`
	Time   time.Time        `json:"time"`
}

// WALStore persists sequenced actions in a WAL and indexes them by hash.
type WALStore struct {
	wal    *gowal.Wal
	mu     sync.RWMutex
	order  []common.Hash
	byHash map[common.Hash]Record
}

// NewWALStore opens the action log under dir and rebuilds the hash index.
func NewWALStore(dir string) (*WALStore, error) {
	if dir == "" {
		dir = DefaultDir
	}

	cfg := gowal.Config{
		Dir:              dir,
		Prefix:           "action_",
		SegmentThreshold: segmentLimit,
		MaxSegments:      maxSegments,
		IsInSyncDiskMode: true,
	}

	wal, err := gowal.NewWAL(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "init action WAL")
	}

	s := &WALStore{wal: wal, byHash: make(map[common.Hash]Record)}
	for msg := range wal.Iterator() {
		if !strings.HasPrefix(msg.Key, actionKeyPrefix) {
			continue
		}
		var rec Record
		if err := json.Unmarshal(msg.Value, &rec); err != nil {
			_ = wal.Close()
			return nil, errors.Wrapf(err, "decode action record %s", msg.Key)
		}
		if _, seen := s.byHash[rec.Hash]; !seen {
			s.order = append(s.order, rec.Hash)
		}
		s.byHash[rec.Hash] = rec
	}

	return s, nil
}

// Append writes rec to the log. A hash can be appended only once.
func (s *WALStore) Append(rec Record) error {
	if s == nil || s.wal == nil {
		return errors.New("action store is not initialized")
	}
	if rec.Hash == (common.Hash{}) {
		return errors.New("action hash is required")
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "marshal action record")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byHash[rec.Hash]; ok {
		return errors.Errorf("action %s already logged", rec.Hash.Hex())
	}

	if err := s.wal.Write(s.wal.CurrentIndex()+1, actionKeyPrefix+rec.Hash.Hex(), payload); err != nil {
		return errors.Wrap(err, "write action record")
	}
	s.order = append(s.order, rec.Hash)
	s.byHash[rec.Hash] = rec
	return nil
}

// Get returns the record for hash.
func (s *WALStore) Get(hash common.Hash) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.byHash[hash]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

// Has reports whether hash was already logged.
func (s *WALStore) Has(hash common.Hash) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.byHash[hash]
	return ok
}

// Accepted returns accepted records with height above the given one, in log order.
func (s *WALStore) Accepted(afterHeight uint64) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Record
	for _, h := range s.order {
		rec := s.byHash[h]
		if rec.Status == domain.StatusRejected || rec.Height <= afterHeight {
			continue
		}
		out = append(out, rec)
	}
	return out
}

// Len returns the number of logged actions.
func (s *WALStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.order)
}

// Close closes the underlying WAL.
func (s *WALStore) Close() error {
	if s == nil || s.wal == nil {
		return errors.New("action store is not initialized")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.wal.Close()
}

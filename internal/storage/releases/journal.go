// Package releases journals external payouts so each withdrawal is released once.
package releases

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/vadiminshakov/gowal"
)

const (
	DefaultDir   = "./wal/releases"
	segmentLimit = 1000
	maxSegments  = 1000

	releaseKeyPrefix = "release_"
)

// Status is the lifecycle state of a release intent.
type Status string

const (
	StatusPending Status = "pending"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// ErrExists is returned by Begin when the action already has a release record.
var ErrExists = errors.New("release already recorded")

// Record is the journaled state of one release, keyed by the withdrawal action hash.
type Record struct {
	ActionHash common.Hash    `json:"action_hash"`
	Token      common.Address `json:"token"`
	Recipient  common.Address `json:"recipient"`
	Amount     string         `json:"amount"`
	Status     Status         `json:"status"`
	// TxHash is set once the payout transaction was broadcast.
	TxHash    common.Hash `json:"tx_hash,omitempty"`
	Attempts  int         `json:"attempts"`
	Error     string      `json:"error,omitempty"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Sent reports whether a payout transaction exists for the record.
func (r Record) Sent() bool {
	return r.TxHash != (common.Hash{})
}

// Journal is a WAL-backed release journal. Safe for concurrent use.
type Journal struct {
	wal     *gowal.Wal
	mu      sync.Mutex
	records map[common.Hash]*Record
	now     func() time.Time
}

// Open opens the journal under dir and restores the latest state of every record.
func Open(dir string) (*Journal, error) {
	if dir == "" {
		dir = DefaultDir
	}

	wal, err := gowal.NewWAL(gowal.Config{
		Dir:              dir,
		Prefix:           "release_",
		SegmentThreshold: segmentLimit,
		MaxSegments:      maxSegments,
		IsInSyncDiskMode: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "init release WAL")
	}

	j := &Journal{wal: wal, records: make(map[common.Hash]*Record), now: time.Now}
	for msg := range wal.Iterator() {
		if !strings.HasPrefix(msg.Key, releaseKeyPrefix) {
			continue
		}
		var rec Record
		if err := json.Unmarshal(msg.Value, &rec); err != nil {
			_ = wal.Close()
			return nil, errors.Wrapf(err, "decode release record %s", msg.Key)
		}
		recCopy := rec
		j.records[rec.ActionHash] = &recCopy
	}

	return j, nil
}

// Begin records a new pending release. It returns ErrExists for a known action hash.
func (j *Journal) Begin(actionHash common.Hash, token, recipient common.Address, amount string) (Record, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if existing, ok := j.records[actionHash]; ok {
		return *existing, ErrExists
	}

	rec := &Record{
		ActionHash: actionHash,
		Token:      token,
		Recipient:  recipient,
		Amount:     amount,
		Status:     StatusPending,
	}
	if err := j.persist(rec); err != nil {
		return Record{}, err
	}
	j.records[actionHash] = rec
	return *rec, nil
}

// Get returns the record for actionHash.
func (j *Journal) Get(actionHash common.Hash) (Record, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()

	rec, ok := j.records[actionHash]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// MarkSent stores the broadcast payout transaction hash.
func (j *Journal) MarkSent(actionHash, txHash common.Hash) error {
	return j.update(actionHash, func(r *Record) {
		r.TxHash = txHash
		r.Attempts++
	})
}

// MarkAttempt counts a failed attempt that did not produce a transaction.
func (j *Journal) MarkAttempt(actionHash common.Hash, cause error) error {
	return j.update(actionHash, func(r *Record) {
		r.Attempts++
		if cause != nil {
			r.Error = cause.Error()
		}
	})
}

// ClearTx forgets a reverted transaction so the next attempt sends a new one.
func (j *Journal) ClearTx(actionHash common.Hash, cause error) error {
	return j.update(actionHash, func(r *Record) {
		r.TxHash = common.Hash{}
		if cause != nil {
			r.Error = cause.Error()
		}
	})
}

// MarkDone completes the release.
func (j *Journal) MarkDone(actionHash common.Hash) error {
	return j.update(actionHash, func(r *Record) {
		r.Status = StatusDone
		r.Error = ""
	})
}

// MarkFailed records that retries were exhausted.
func (j *Journal) MarkFailed(actionHash common.Hash, cause error) error {
	return j.update(actionHash, func(r *Record) {
		r.Status = StatusFailed
		if cause != nil {
			r.Error = cause.Error()
		}
	})
}

// Reopen moves a failed record back to pending.
func (j *Journal) Reopen(actionHash common.Hash) (Record, error) {
	var out Record
	err := j.update(actionHash, func(r *Record) {
		r.Status = StatusPending
		out = *r
	})
	if err != nil {
		return Record{}, err
	}
	return out, nil
}

// Pending returns records awaiting completion, oldest first.
func (j *Journal) Pending() []Record {
	return j.byStatus(StatusPending)
}

// Failed returns records whose retries were exhausted.
func (j *Journal) Failed() []Record {
	return j.byStatus(StatusFailed)
}

// Close closes the underlying WAL.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	return j.wal.Close()
}

func (j *Journal) byStatus(status Status) []Record {
	j.mu.Lock()
	defer j.mu.Unlock()

	var out []Record
	for _, r := range j.records {
		if r.Status == status {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		return out[a].UpdatedAt.Before(out[b].UpdatedAt)
	})
	return out
}

func (j *Journal) update(actionHash common.Hash, fn func(*Record)) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	rec, ok := j.records[actionHash]
	if !ok {
		return errors.Errorf("no release record for %s", actionHash.Hex())
	}
	next := *rec
	fn(&next)
	if err := j.persist(&next); err != nil {
		return err
	}
	*rec = next
	return nil
}

func (j *Journal) persist(rec *Record) error {
	rec.UpdatedAt = j.now().UTC()
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "marshal release record")
	}
	key := releaseKeyPrefix + rec.ActionHash.Hex()
	if err := j.wal.Write(j.wal.CurrentIndex()+1, key, data); err != nil {
		return errors.Wrap(err, "write release record")
	}
	return nil
}

package cursors

import (
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/gowal"
)

const (
	defaultCursorDir = "./wal/cursor"
	cursorKey        = "block_cursor"
)

// WALStore remembers the last fully processed block of the chain watcher.
type WALStore struct {
	wal   *gowal.Wal
	mu    sync.Mutex
	block uint64
	set   bool
}

// NewWALStore opens the cursor store under dir.
func NewWALStore(dir string) (*WALStore, error) {
	if dir == "" {
		dir = defaultCursorDir
	}

	wal, err := gowal.NewWAL(gowal.Config{
		Dir:              dir,
		Prefix:           "cursor_",
		SegmentThreshold: 1000,
		MaxSegments:      2,
		IsInSyncDiskMode: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "init cursor WAL")
	}

	s := &WALStore{wal: wal}
	for msg := range wal.Iterator() {
		if msg.Key != cursorKey || len(msg.Value) != 8 {
			continue
		}
		s.block = binary.BigEndian.Uint64(msg.Value)
		s.set = true
	}
	return s, nil
}

// Last returns the stored block, if any.
func (s *WALStore) Last() (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.block, s.set
}

// Save stores block as processed. Moving backwards is rejected.
func (s *WALStore) Save(block uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.set && block < s.block {
		return errors.Errorf("cursor %d is behind %d", block, s.block)
	}
	if s.set && block == s.block {
		return nil
	}

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], block)
	if err := s.wal.Write(s.wal.CurrentIndex()+1, cursorKey, buf[:]); err != nil {
		return errors.Wrap(err, "write block cursor")
	}
	s.block, s.set = block, true
	return nil
}

// Close closes the underlying WAL.
func (s *WALStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.wal.Close()
}

// Package ledgerwal persists committed ledger changes in a write-ahead log.
package ledgerwal

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/gowal"

	"github.com/vadiminshakov/dcacore/internal/domain"
)

const (
	DefaultDir   = "./wal/ledger"
	segmentLimit = 1000
	maxSegments  = 100

	deltaKeyPrefix      = "ledger_delta_"
	checkpointKeyPrefix = "ledger_checkpoint_"
)

// RecordType distinguishes incremental records from full state records.
type RecordType string

const (
	// RecordDelta carries only rows, settings and balances changed by one operation.
	RecordDelta RecordType = "delta"
	// RecordCheckpoint carries the full ledger and vault state.
	RecordCheckpoint RecordType = "checkpoint"
)

// Record one committed ledger operation, or a checkpoint of the whole state.
type Record struct {
	Type      RecordType            `json:"type"`
	Seq       uint64                `json:"seq"`
	Op        string                `json:"op"`
	Timestamp time.Time             `json:"timestamp"`
	NextID    uint64                `json:"next_id"`
	Positions []domain.Position     `json:"positions,omitempty"`
	Settings  *domain.Settings      `json:"settings,omitempty"`
	VaultSeq  uint64                `json:"vault_seq,omitempty"`
	Balances  []domain.BalanceEntry `json:"balances,omitempty"`
}

// WALStore persists ledger records in a WAL.
type WALStore struct {
	wal *gowal.Wal
	mu  sync.RWMutex
}

// NewWALStore initializes a WAL-backed ledger log.
func NewWALStore(dir string) (*WALStore, error) {
	if dir == "" {
		dir = DefaultDir
	}

	cfg := gowal.Config{
		Dir:              dir,
		Prefix:           "ledger_",
		SegmentThreshold: segmentLimit,
		MaxSegments:      maxSegments,
		IsInSyncDiskMode: true,
	}

	wal, err := gowal.NewWAL(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "init ledger WAL")
	}

	return &WALStore{wal: wal}, nil
}

// Append writes rec to the log.
func (s *WALStore) Append(rec Record) error {
	if s == nil || s.wal == nil {
		return errors.New("ledger store is not initialized")
	}

	var prefix string
	switch rec.Type {
	case RecordDelta:
		prefix = deltaKeyPrefix
	case RecordCheckpoint:
		prefix = checkpointKeyPrefix
	default:
		return fmt.Errorf("unknown ledger record type %q", rec.Type)
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "marshal ledger record")
	}

	key := fmt.Sprintf("%s%d", prefix, rec.Seq)

	s.mu.Lock()
	defer s.mu.Unlock()

	nextIndex := s.wal.CurrentIndex() + 1
	return s.wal.Write(nextIndex, key, payload)
}

// Records returns the records needed to rebuild state: the latest checkpoint, if
// any, followed by every delta written after it.
func (s *WALStore) Records() ([]Record, error) {
	if s == nil || s.wal == nil {
		return nil, errors.New("ledger store is not initialized")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var records []Record
	for msg := range s.wal.Iterator() {
		isCheckpoint := strings.HasPrefix(msg.Key, checkpointKeyPrefix)
		if !isCheckpoint && !strings.HasPrefix(msg.Key, deltaKeyPrefix) {
			continue
		}

		var rec Record
		if err := json.Unmarshal(msg.Value, &rec); err != nil {
			return nil, errors.Wrapf(err, "decode ledger record %s", msg.Key)
		}

		if isCheckpoint {
			records = records[:0]
		}
		records = append(records, rec)
	}

	return records, nil
}

// CurrentIndex returns the latest WAL index stored.
func (s *WALStore) CurrentIndex() uint64 {
	if s == nil || s.wal == nil {
		return 0
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.wal.CurrentIndex()
}

// Close closes the underlying WAL.
func (s *WALStore) Close() error {
	if s == nil || s.wal == nil {
		return errors.New("ledger store is not initialized")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.wal.Close()
	s.wal = nil
	return err
}

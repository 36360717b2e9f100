// Package events stores committed ledger events for indexers and the event stream.
package events

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/gowal"

	"github.com/vadiminshakov/dcacore/internal/domain"
)

const (
	DefaultDir     = "./wal/events"
	segmentLimit   = 1000
	maxSegments    = 50
	eventKeyPrefix = "event_"
)

var errNotInitialized = errors.New("event store is not initialized")

// WALStore is an append-only log of ledger events. Indexes start at 1.
type WALStore struct {
	mu      sync.RWMutex
	wal     *gowal.Wal
	updated chan struct{}
}

// NewWALStore opens the event log in dir.
func NewWALStore(dir string) (*WALStore, error) {
	if dir == "" {
		dir = DefaultDir
	}

	wal, err := gowal.NewWAL(gowal.Config{
		Dir:              dir,
		Prefix:           eventKeyPrefix,
		SegmentThreshold: segmentLimit,
		MaxSegments:      maxSegments,
		IsInSyncDiskMode: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "init event WAL")
	}

	return &WALStore{wal: wal, updated: make(chan struct{})}, nil
}

// Append writes evs in order. Nothing is written if any event lacks a type.
func (s *WALStore) Append(evs ...domain.Event) error {
	if s == nil {
		return errNotInitialized
	}

	payloads := make([][]byte, len(evs))
	for i, ev := range evs {
		if ev.Type == "" {
			return errors.Errorf("event %d: type is required", i)
		}
		payload, err := json.Marshal(ev)
		if err != nil {
			return errors.Wrapf(err, "marshal %s event", ev.Type)
		}
		payloads[i] = payload
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.wal == nil {
		return errNotInitialized
	}

	written := 0
	for i, payload := range payloads {
		index := s.wal.CurrentIndex() + 1
		if err := s.wal.Write(index, eventKeyPrefix+string(evs[i].Type), payload); err != nil {
			s.notifyLocked(written)
			return errors.Wrapf(err, "write %s event at %d", evs[i].Type, index)
		}
		written++
	}
	s.notifyLocked(written)

	return nil
}

// Updated returns a channel that is closed by the next successful append.
func (s *WALStore) Updated() <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updated
}

func (s *WALStore) notifyLocked(written int) {
	if written == 0 {
		return
	}
	close(s.updated)
	s.updated = make(chan struct{})
}

// EventsAfter returns every event with an index above index, oldest first.
func (s *WALStore) EventsAfter(index uint64) ([]domain.EventRecord, error) {
	if s == nil {
		return nil, errNotInitialized
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.wal == nil {
		return nil, errNotInitialized
	}

	last := s.wal.CurrentIndex()
	if last <= index {
		return nil, nil
	}

	records := make([]domain.EventRecord, 0, last-index)
	for i := index + 1; i <= last; i++ {
		key, payload, err := s.wal.Get(i)
		if err != nil {
			// segments dropped by rotation
			continue
		}
		if !strings.HasPrefix(key, eventKeyPrefix) {
			continue
		}

		var ev domain.Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, errors.Wrapf(err, "decode event %d", i)
		}
		records = append(records, domain.EventRecord{Index: i, Event: ev})
	}

	return records, nil
}

// CurrentIndex returns the index of the last stored event.
func (s *WALStore) CurrentIndex() uint64 {
	if s == nil {
		return 0
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.wal == nil {
		return 0
	}
	return s.wal.CurrentIndex()
}

// Close closes the log. Closing twice is a no-op.
func (s *WALStore) Close() error {
	if s == nil {
		return errNotInitialized
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.wal == nil {
		return nil
	}
	err := s.wal.Close()
	s.wal = nil
	return err
}

package ledger

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"

	"github.com/vadiminshakov/dcacore/internal/domain"
)

// GetNextPositionID returns the id the next created position will get.
func (l *Ledger) GetNextPositionID() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return uint64(len(l.positions))
}

// GetPosition returns a copy of one position.
func (l *Ledger) GetPosition(id uint64) (domain.Position, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if id >= uint64(len(l.positions)) {
		return domain.Position{}, errors.Wrapf(domain.ErrPositionNotFound, "position %d", id)
	}
	return *l.positions[id], nil
}

// GetPositions returns copies of the positions in the order of ids.
// Any unknown id fails the whole call.
func (l *Ledger) GetPositions(ids []uint64) ([]domain.Position, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]domain.Position, 0, len(ids))
	for _, id := range ids {
		if id >= uint64(len(l.positions)) {
			return nil, errors.Wrapf(domain.ErrPositionNotFound, "position %d", id)
		}
		out = append(out, *l.positions[id])
	}
	return out, nil
}

// GetReadyPositionIDs returns ids of positions eligible for execution now, in id order.
func (l *Ledger) GetReadyPositionIDs() []uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	now := l.now()
	ready := make([]uint64, 0)
	for _, p := range l.positions {
		if p.IsReady(now, l.allowed[p.Pair()]) {
			ready = append(ready, p.ID)
		}
	}
	return ready
}

// PositionsByOwner returns copies of every position owned by owner, in id order.
func (l *Ledger) PositionsByOwner(owner common.Address) []domain.Position {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]domain.Position, 0)
	for _, p := range l.positions {
		if p.Owner == owner {
			out = append(out, *p)
		}
	}
	return out
}

// IsPairAllowed reports whether pair is on the allow list.
func (l *Ledger) IsPairAllowed(pair domain.Pair) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.allowed[pair]
}

// Config returns a snapshot of the configuration store.
func (l *Ledger) Config() domain.LedgerConfig {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return domain.LedgerConfig{
		Admin:         l.admin,
		Executor:      l.executor,
		WrappedNative: l.wrappedNative,
		Custody:       l.custody,
		BatchMode:     l.batchMode,
		Settings:      l.settingsLocked(),
	}
}

// Executor returns the identity allowed to execute positions.
func (l *Ledger) Executor() common.Address {
	return l.executor
}

// Now returns the ledger clock.
func (l *Ledger) Now() time.Time {
	return l.now()
}

// Seq returns the sequence number of the last committed operation.
func (l *Ledger) Seq() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.seq
}

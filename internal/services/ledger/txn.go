package ledger

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/dcacore/internal/domain"
	"github.com/vadiminshakov/dcacore/internal/services/vault"
)

// txn undo journal for one ledger operation. All methods run under the ledger lock.
type txn struct {
	ctx             context.Context
	l               *Ledger
	vtx             *vault.Tx
	now             time.Time
	undo            []func()
	touched         map[uint64]struct{}
	settingsChanged bool
	events          []domain.Event
}

type savepoint struct {
	undo   int
	vault  int
	events int
}

func (t *txn) savepoint() savepoint {
	return savepoint{undo: len(t.undo), vault: t.vtx.Savepoint(), events: len(t.events)}
}

func (t *txn) rollbackTo(sp savepoint) {
	for i := len(t.undo) - 1; i >= sp.undo; i-- {
		t.undo[i]()
	}
	t.undo = t.undo[:sp.undo]
	t.vtx.RollbackTo(sp.vault)
	t.events = t.events[:sp.events]
}

func (t *txn) rollback() {
	t.rollbackTo(savepoint{})
	t.vtx.Rollback()
}

// blockBank exposes the vault transaction together with the operation timestamp.
type blockBank struct {
	*vault.Tx
	now time.Time
}

func (b blockBank) Now() time.Time {
	return b.now
}

func (t *txn) bank() blockBank {
	return blockBank{Tx: t.vtx, now: t.now}
}

// position returns the live row for id.
func (t *txn) position(id uint64) (*domain.Position, error) {
	if id >= uint64(len(t.l.positions)) {
		return nil, errors.Wrapf(domain.ErrPositionNotFound, "position %d", id)
	}
	return t.l.positions[id], nil
}

// modify records the current state of p so it can be restored.
func (t *txn) modify(p *domain.Position) {
	prev := *p
	t.undo = append(t.undo, func() { *p = prev })
	t.touched[p.ID] = struct{}{}
}

func (t *txn) appendPosition(p *domain.Position) {
	t.l.positions = append(t.l.positions, p)
	t.undo = append(t.undo, func() {
		t.l.positions = t.l.positions[:len(t.l.positions)-1]
		delete(t.touched, p.ID)
	})
	t.touched[p.ID] = struct{}{}
}

func (t *txn) setAllowed(pair domain.Pair, allowed bool) {
	prev, existed := t.l.allowed[pair]
	t.undo = append(t.undo, func() {
		if existed {
			t.l.allowed[pair] = prev
		} else {
			delete(t.l.allowed, pair)
		}
	})
	t.l.allowed[pair] = allowed
	t.settingsChanged = true
}

func (t *txn) setMinSlippage(bps int64) {
	prev := t.l.minSlippage
	t.undo = append(t.undo, func() { t.l.minSlippage = prev })
	t.l.minSlippage = bps
	t.settingsChanged = true
}

func (t *txn) setPaused(paused bool) {
	prev := t.l.paused
	t.undo = append(t.undo, func() { t.l.paused = prev })
	t.l.paused = paused
	t.settingsChanged = true
}

func (t *txn) emit(ev domain.Event) {
	t.events = append(t.events, ev)
}

// pullFunds moves amount of token from owner into custody, wrapping native first when asked.
func (t *txn) pullFunds(owner, token common.Address, amount decimal.Decimal, native bool) error {
	if native {
		if err := t.vtx.Wrap(owner, amount); err != nil {
			return errors.Wrap(err, "wrap native deposit")
		}
	}
	if err := t.vtx.Transfer(token, owner, t.l.custody, amount); err != nil {
		return errors.Wrap(err, "transfer deposit into custody")
	}
	return nil
}

// payOut moves amount of token from custody to owner, unwrapping when asked and possible.
func (t *txn) payOut(owner, token common.Address, amount decimal.Decimal, native bool) error {
	if err := t.vtx.Transfer(token, t.l.custody, owner, amount); err != nil {
		return errors.Wrap(err, "transfer from custody")
	}
	if native && token == t.l.wrappedNative {
		if err := t.vtx.Unwrap(owner, amount); err != nil {
			return errors.Wrap(err, "unwrap withdrawal")
		}
	}
	return nil
}

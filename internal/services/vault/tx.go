package vault

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/dcacore/internal/domain"
)

// ErrTxDone is returned when a finished transaction is used again.
var ErrTxDone = errors.New("vault transaction already finished")

type undoRecord struct {
	key     balanceKey
	prev    decimal.Decimal
	existed bool
}

// Tx exclusive vault transaction. It holds the vault write lock until Commit or Rollback.
type Tx struct {
	v       *Vault
	undo    []undoRecord
	touched map[balanceKey]struct{}
	done    bool
}

// Begin starts a transaction, blocking until all readers and writers are gone.
func (v *Vault) Begin() *Tx {
	v.mu.Lock()
	return &Tx{v: v, touched: make(map[balanceKey]struct{})}
}

// BalanceOf returns the balance as seen inside the transaction.
func (tx *Tx) BalanceOf(account, token common.Address) decimal.Decimal {
	return tx.v.get(account, token)
}

// WrappedNative returns the token that native deposits are wrapped into.
func (tx *Tx) WrappedNative() common.Address {
	return tx.v.wrappedNative
}

// Transfer moves amount of token from one account to another.
func (tx *Tx) Transfer(token, from, to common.Address, amount decimal.Decimal) error {
	if tx.done {
		return ErrTxDone
	}
	if amount.IsNegative() {
		return errors.Wrapf(domain.ErrInvalidInputs, "negative transfer %s", amount.String())
	}
	if amount.IsZero() || from == to {
		return nil
	}

	balance := tx.v.get(from, token)
	if balance.LessThan(amount) {
		return errors.Wrapf(domain.ErrInsufficientBalance,
			"%s holds %s of %s, needs %s", from.Hex(), balance.String(), token.Hex(), amount.String())
	}

	tx.set(from, token, balance.Sub(amount))
	tx.set(to, token, tx.v.get(to, token).Add(amount))

	return nil
}

// Wrap converts amount of account's native currency into the wrapped token.
func (tx *Tx) Wrap(account common.Address, amount decimal.Decimal) error {
	if tx.done {
		return ErrTxDone
	}
	native := tx.v.get(account, domain.NativeToken)
	if native.LessThan(amount) {
		return errors.Wrapf(domain.ErrInsufficientBalance,
			"%s holds %s native, needs %s", account.Hex(), native.String(), amount.String())
	}

	tx.set(account, domain.NativeToken, native.Sub(amount))
	tx.set(account, tx.v.wrappedNative, tx.v.get(account, tx.v.wrappedNative).Add(amount))

	return nil
}

// Unwrap converts amount of account's wrapped token back into native currency.
func (tx *Tx) Unwrap(account common.Address, amount decimal.Decimal) error {
	if tx.done {
		return ErrTxDone
	}
	wrapped := tx.v.get(account, tx.v.wrappedNative)
	if wrapped.LessThan(amount) {
		return errors.Wrapf(domain.ErrInsufficientBalance,
			"%s holds %s wrapped, needs %s", account.Hex(), wrapped.String(), amount.String())
	}

	tx.set(account, tx.v.wrappedNative, wrapped.Sub(amount))
	tx.set(account, domain.NativeToken, tx.v.get(account, domain.NativeToken).Add(amount))

	return nil
}

// Savepoint marks the current position of the undo journal.
func (tx *Tx) Savepoint() int {
	return len(tx.undo)
}

// RollbackTo reverts every change made after savepoint sp.
func (tx *Tx) RollbackTo(sp int) {
	if tx.done || sp < 0 || sp > len(tx.undo) {
		return
	}
	for i := len(tx.undo) - 1; i >= sp; i-- {
		rec := tx.undo[i]
		if rec.existed {
			tx.v.balances[rec.key] = rec.prev
		} else {
			delete(tx.v.balances, rec.key)
		}
	}
	tx.undo = tx.undo[:sp]
}

// Dirty reports whether the transaction currently holds any change.
func (tx *Tx) Dirty() bool {
	return len(tx.undo) > 0
}

// Seq returns the sequence number of the last committed change.
func (tx *Tx) Seq() uint64 {
	return tx.v.seq
}

// Snapshot returns all non-zero balances as seen inside the transaction.
func (tx *Tx) Snapshot() []domain.BalanceEntry {
	return tx.v.snapshotLocked()
}

// NextSeq returns the sequence number Commit will assign.
func (tx *Tx) NextSeq() uint64 {
	return tx.v.seq + 1
}

// Touched returns the current balances of every account changed in this transaction.
func (tx *Tx) Touched() []domain.BalanceEntry {
	entries := make([]domain.BalanceEntry, 0, len(tx.touched))
	for k := range tx.touched {
		entries = append(entries, domain.BalanceEntry{Token: k.token, Account: k.account, Balance: tx.v.get(k.account, k.token)})
	}
	return entries
}

// Commit keeps all changes, bumps the sequence and persists a snapshot.
// A snapshot failure is logged and does not revert the committed balances.
func (tx *Tx) Commit() error {
	if tx.done {
		return ErrTxDone
	}
	tx.done = true
	defer tx.v.mu.Unlock()

	if len(tx.undo) == 0 {
		return nil
	}

	tx.v.seq++
	if err := tx.v.saveLocked(); err != nil {
		tx.v.l.Error("failed to persist vault state", zap.Uint64("seq", tx.v.seq), zap.Error(err))
		return errors.Wrap(err, "save vault state")
	}

	return nil
}

// Rollback reverts every change and releases the vault.
func (tx *Tx) Rollback() {
	if tx.done {
		return
	}
	tx.RollbackTo(0)
	tx.done = true
	tx.v.mu.Unlock()
}

func (tx *Tx) set(account, token common.Address, amount decimal.Decimal) {
	key := balanceKey{token: token, account: account}
	prev, existed := tx.v.balances[key]
	tx.undo = append(tx.undo, undoRecord{key: key, prev: prev, existed: existed})
	tx.touched[key] = struct{}{}
	tx.v.balances[key] = amount
}

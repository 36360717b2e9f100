// Package vault holds token balances for every account the engine knows about:
// users, the ledger custody account and AMM pools. All balance changes made by the
// ledger go through a Tx so a failed operation leaves balances untouched.
package vault

import (
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/dcacore/internal/domain"
	"github.com/vadiminshakov/dcacore/internal/storage/simstate"
)

// StateStore persists vault snapshots.
type StateStore interface {
	Load() (*simstate.State, error)
	Save(state simstate.State) error
}

type balanceKey struct {
	token   common.Address
	account common.Address
}

// Vault token balances guarded by a single lock. Writers hold it for the whole Tx.
type Vault struct {
	mu            sync.RWMutex
	balances      map[balanceKey]decimal.Decimal
	wrappedNative common.Address
	seq           uint64
	store         StateStore
	l             *zap.Logger
}

// Option configures a Vault.
type Option func(*Vault)

// WithStore enables snapshot persistence.
func WithStore(store StateStore) Option {
	return func(v *Vault) {
		v.store = store
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(v *Vault) {
		v.l = l
	}
}

// New creates a vault. wrappedNative is the token minted when native currency is wrapped.
func New(wrappedNative common.Address, opts ...Option) *Vault {
	v := &Vault{
		balances:      make(map[balanceKey]decimal.Decimal),
		wrappedNative: wrappedNative,
		l:             zap.NewNop(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Load restores balances from the state store, if any.
func (v *Vault) Load() error {
	if v.store == nil {
		return nil
	}

	state, err := v.store.Load()
	if err != nil {
		return errors.Wrap(err, "load vault state")
	}
	if state == nil {
		return nil
	}

	balances := make(map[balanceKey]decimal.Decimal)
	for token, accounts := range state.Balances {
		if !common.IsHexAddress(token) {
			return errors.Errorf("invalid token address %q in vault state", token)
		}
		for account, raw := range accounts {
			if !common.IsHexAddress(account) {
				return errors.Errorf("invalid account address %q in vault state", account)
			}
			amount, err := decimal.NewFromString(raw)
			if err != nil {
				return errors.Wrapf(err, "decode balance of %s for %s", account, token)
			}
			balances[balanceKey{token: common.HexToAddress(token), account: common.HexToAddress(account)}] = amount
		}
	}

	v.mu.Lock()
	v.balances = balances
	v.seq = state.Seq
	v.mu.Unlock()

	v.l.Info("vault state restored", zap.Uint64("seq", state.Seq), zap.Int("balances", len(balances)))

	return nil
}

// WrappedNative returns the token that native deposits are wrapped into.
func (v *Vault) WrappedNative() common.Address {
	return v.wrappedNative
}

// Seq returns the sequence number of the last committed change.
func (v *Vault) Seq() uint64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.seq
}

// BalanceOf returns the balance of account in token.
func (v *Vault) BalanceOf(account, token common.Address) decimal.Decimal {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.get(account, token)
}

// Mint credits amount of token to account outside of any ledger operation.
// It is used for faucets, fixtures and pool seeding.
func (v *Vault) Mint(token, account common.Address, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return errors.Wrap(domain.ErrZeroAmount, "mint")
	}

	tx := v.Begin()
	tx.set(account, token, tx.BalanceOf(account, token).Add(amount))
	return tx.Commit()
}

// Apply restores balances recorded at seq. Entries at or below the current seq are
// already reflected and are skipped.
func (v *Vault) Apply(seq uint64, entries []domain.BalanceEntry) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	if seq <= v.seq {
		return false
	}
	for _, e := range entries {
		v.balances[balanceKey{token: e.Token, account: e.Account}] = e.Balance
	}
	v.seq = seq
	return true
}

// Reset replaces every balance with entries recorded at seq, unless the vault is
// already at or past seq.
func (v *Vault) Reset(seq uint64, entries []domain.BalanceEntry) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	if seq <= v.seq {
		return false
	}
	v.balances = make(map[balanceKey]decimal.Decimal, len(entries))
	for _, e := range entries {
		v.balances[balanceKey{token: e.Token, account: e.Account}] = e.Balance
	}
	v.seq = seq
	return true
}

// Snapshot returns all non-zero balances sorted by token and account.
func (v *Vault) Snapshot() []domain.BalanceEntry {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.snapshotLocked()
}

// Save persists the current balances.
func (v *Vault) Save() error {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.saveLocked()
}

func (v *Vault) snapshotLocked() []domain.BalanceEntry {
	entries := make([]domain.BalanceEntry, 0, len(v.balances))
	for k, amount := range v.balances {
		if amount.IsZero() {
			continue
		}
		entries = append(entries, domain.BalanceEntry{Token: k.token, Account: k.account, Balance: amount})
	}
	sort.Slice(entries, func(i, j int) bool {
		if c := strings.Compare(entries[i].Token.Hex(), entries[j].Token.Hex()); c != 0 {
			return c < 0
		}
		return entries[i].Account.Hex() < entries[j].Account.Hex()
	})
	return entries
}

func (v *Vault) saveLocked() error {
	if v.store == nil {
		return nil
	}

	state := simstate.State{Seq: v.seq, Balances: make(map[string]map[string]string)}
	for _, e := range v.snapshotLocked() {
		token := e.Token.Hex()
		if state.Balances[token] == nil {
			state.Balances[token] = make(map[string]string)
		}
		state.Balances[token][e.Account.Hex()] = e.Balance.String()
	}

	return v.store.Save(state)
}

func (v *Vault) get(account, token common.Address) decimal.Decimal {
	if amount, ok := v.balances[balanceKey{token: token, account: account}]; ok {
		return amount
	}
	return decimal.Zero
}

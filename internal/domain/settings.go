package domain

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

const (
	// DefaultMinSlippage floor for per-position slippage, in basis points.
	DefaultMinSlippage int64 = 25
	// MaxMinSlippage exclusive upper bound for the slippage floor.
	MaxMinSlippage int64 = 1000
)

// BatchMode controls how a failing position affects the rest of a batch.
type BatchMode string

const (
	// BatchModeAtomic any failure reverts the whole batch.
	BatchModeAtomic BatchMode = "atomic"
	// BatchModeIsolated failing positions are rolled back one by one.
	BatchModeIsolated BatchMode = "isolated"
)

// ParseBatchMode parses a batch mode name; empty means atomic.
func ParseBatchMode(s string) (BatchMode, error) {
	switch BatchMode(s) {
	case "", BatchModeAtomic:
		return BatchModeAtomic, nil
	case BatchModeIsolated:
		return BatchModeIsolated, nil
	default:
		return "", errors.Errorf("unknown batch mode %q", s)
	}
}

// Settings mutable configuration changed only through admin setters.
type Settings struct {
	MinSlippage  int64  `json:"min_slippage"`
	Paused       bool   `json:"paused"`
	AllowedPairs []Pair `json:"allowed_pairs"`
}

// LedgerConfig read-only view of the ledger configuration store.
type LedgerConfig struct {
	Admin         common.Address `json:"admin"`
	Executor      common.Address `json:"executor"`
	WrappedNative common.Address `json:"wrapped_native"`
	Custody       common.Address `json:"custody"`
	BatchMode     BatchMode      `json:"batch_mode"`
	Settings
}

// BalanceEntry absolute balance of one account for one token.
type BalanceEntry struct {
	Token   common.Address  `json:"token"`
	Account common.Address  `json:"account"`
	Balance decimal.Decimal `json:"balance"`
}

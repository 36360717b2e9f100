package domain

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

const (
	// MinInterval is the smallest permitted time between two executions of a position.
	MinInterval = 60 * time.Second
	// BasisPoints is the denominator of slippage values.
	BasisPoints = 10000
)

// PositionState lifecycle stage of a position derived from its balances.
type PositionState int

const (
	// PositionStateUninitialized id has not been allocated yet.
	PositionStateUninitialized PositionState = iota
	// PositionStateFunded holds unconverted tokenIn and nothing converted yet.
	PositionStateFunded
	// PositionStatePartiallyConverted holds both unconverted tokenIn and withdrawable tokenOut.
	PositionStatePartiallyConverted
	// PositionStateExhausted holds no tokenIn; it is reactivated by a new deposit.
	PositionStateExhausted
)

// String returns the string representation of the state.
func (s PositionState) String() string {
	switch s {
	case PositionStateFunded:
		return "funded"
	case PositionStatePartiallyConverted:
		return "partially_converted"
	case PositionStateExhausted:
		return "exhausted"
	default:
		return "uninitialized"
	}
}

// Position recurring conversion order. Rows are never deleted.
type Position struct {
	ID            uint64          `json:"id"`
	Owner         common.Address  `json:"owner"`
	TokenIn       common.Address  `json:"token_in"`
	TokenOut      common.Address  `json:"token_out"`
	AmountIn      decimal.Decimal `json:"amount_in"`
	AmountOut     decimal.Decimal `json:"amount_out"`
	DCAAmount     decimal.Decimal `json:"dca_amount"`
	Interval      time.Duration   `json:"interval"`
	LastExecution time.Time       `json:"last_execution"`
	Slippage      int64           `json:"slippage"`
}

// Pair returns the position's token pair.
func (p *Position) Pair() Pair {
	return Pair{TokenIn: p.TokenIn, TokenOut: p.TokenOut}
}

// State derives the lifecycle state from balances.
func (p *Position) State() PositionState {
	if p == nil {
		return PositionStateUninitialized
	}
	if !p.AmountIn.IsPositive() {
		return PositionStateExhausted
	}
	if p.AmountOut.IsPositive() {
		return PositionStatePartiallyConverted
	}
	return PositionStateFunded
}

// HasFundsForCycle reports whether one more cycle can be paid from AmountIn.
func (p *Position) HasFundsForCycle() bool {
	return p.AmountIn.GreaterThanOrEqual(p.DCAAmount)
}

// IsDue reports whether the interval since the last execution has elapsed at now.
func (p *Position) IsDue(now time.Time) bool {
	if p.LastExecution.IsZero() {
		return true
	}
	return now.Sub(p.LastExecution) >= p.Interval
}

// NextExecution returns the earliest time the position may execute again.
func (p *Position) NextExecution() time.Time {
	if p.LastExecution.IsZero() {
		return time.Time{}
	}
	return p.LastExecution.Add(p.Interval)
}

// IsReady evaluates eligibility: funded for one cycle, pair allowed and due.
func (p *Position) IsReady(now time.Time, pairAllowed bool) bool {
	return p.HasFundsForCycle() && pairAllowed && p.IsDue(now)
}

// CheckInvariants verifies the per-row invariants that must hold after every mutation.
func (p *Position) CheckInvariants() error {
	if p.AmountIn.IsNegative() {
		return fmt.Errorf("position %d: negative amountIn %s", p.ID, p.AmountIn.String())
	}
	if p.AmountOut.IsNegative() {
		return fmt.Errorf("position %d: negative amountOut %s", p.ID, p.AmountOut.String())
	}
	if !p.DCAAmount.IsPositive() {
		return fmt.Errorf("position %d: non-positive dcaAmount %s", p.ID, p.DCAAmount.String())
	}
	if p.Interval < MinInterval {
		return fmt.Errorf("position %d: interval %s below %s", p.ID, p.Interval, MinInterval)
	}
	if p.TokenIn == p.TokenOut {
		return fmt.Errorf("position %d: %w", p.ID, ErrDuplicateTokens)
	}
	return nil
}

// ValidateSchedule checks the mutable schedule parameters shared by creation and update.
func ValidateSchedule(dcaAmount decimal.Decimal, interval time.Duration) error {
	if !IsWholeAmount(dcaAmount) || !dcaAmount.IsPositive() {
		return fmt.Errorf("dcaAmount must be a positive whole amount, got %s: %w", dcaAmount.String(), ErrInvalidInputs)
	}
	if interval < MinInterval || interval%time.Second != 0 {
		return fmt.Errorf("interval must be whole seconds >= %s, got %s: %w", MinInterval, interval, ErrInvalidInputs)
	}
	return nil
}

// IsWholeAmount reports whether amount is a whole number of token base units.
func IsWholeAmount(amount decimal.Decimal) bool {
	return amount.Equal(amount.Truncate(0))
}

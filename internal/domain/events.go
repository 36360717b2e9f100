package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// EventType kind of an observable ledger event.
type EventType string

const (
	EventPositionCreated     EventType = "position_created"
	EventDeposit             EventType = "deposit"
	EventWithdrawTokenIn     EventType = "withdraw_token_in"
	EventWithdrawTokenOut    EventType = "withdraw_token_out"
	EventPositionUpdated     EventType = "position_updated"
	EventExecuteDCA          EventType = "execute_dca"
	EventAllowedTokenPairSet EventType = "allowed_token_pair_set"
	EventMinSlippageSet      EventType = "min_slippage_set"
	EventPausedSet           EventType = "paused_set"
)

// Event is emitted after a ledger operation commits. Only the fields relevant to Type are set.
type Event struct {
	Type       EventType       `json:"type"`
	Timestamp  time.Time       `json:"timestamp"`
	PositionID *uint64         `json:"position_id,omitempty"`
	Owner      *common.Address `json:"owner,omitempty"`
	Pair       *Pair           `json:"pair,omitempty"`
	Amount     decimal.Decimal `json:"amount"`
	AmountIn   decimal.Decimal `json:"amount_in"`
	AmountOut  decimal.Decimal `json:"amount_out"`
	DCAAmount  decimal.Decimal `json:"dca_amount"`
	Interval   time.Duration   `json:"interval,omitempty"`
	Slippage   int64           `json:"slippage,omitempty"`
	Allowed    *bool           `json:"allowed,omitempty"`
	Paused     *bool           `json:"paused,omitempty"`
}

// EventRecord is an event together with its index in the event log.
type EventRecord struct {
	Index uint64 `json:"index"`
	Event Event  `json:"event"`
}

// NewPositionEvent builds an event scoped to a single position.
func NewPositionEvent(t EventType, ts time.Time, p *Position) Event {
	id := p.ID
	owner := p.Owner
	return Event{
		Type:       t,
		Timestamp:  ts,
		PositionID: &id,
		Owner:      &owner,
		Amount:     decimal.Zero,
		AmountIn:   decimal.Zero,
		AmountOut:  decimal.Zero,
		DCAAmount:  decimal.Zero,
	}
}

// BatchResult outcome of a batch execution.
type BatchResult struct {
	Executed []ExecutionResult `json:"executed"`
	Failed   []ExecutionFailure `json:"failed,omitempty"`
}

// ExecutionResult realized amounts of a single committed execution.
type ExecutionResult struct {
	ID        uint64          `json:"id"`
	AmountIn  decimal.Decimal `json:"amount_in"`
	AmountOut decimal.Decimal `json:"amount_out"`
}

// ExecutionFailure position that was rolled back within an isolated batch.
type ExecutionFailure struct {
	ID     uint64 `json:"id"`
	Reason string `json:"reason"`
	Kind   Kind   `json:"kind"`
	err    error
}

// NewExecutionFailure wraps err for position id.
func NewExecutionFailure(id uint64, err error) ExecutionFailure {
	return ExecutionFailure{ID: id, Reason: err.Error(), Kind: ErrorKind(err), err: err}
}

// Err returns the underlying error; it is nil after a JSON round trip.
func (f ExecutionFailure) Err() error {
	return f.err
}

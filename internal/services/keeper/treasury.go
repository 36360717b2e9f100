package keeper

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// ErrTreasuryInsufficient is returned when the treasury cannot pay a batch fee.
var ErrTreasuryInsufficient = errors.New("treasury balance too low for batch fee")

// Treasury prepaid balance that pays the per-batch execution fee. It is separate from
// position balances.
type Treasury struct {
	mu      sync.Mutex
	balance decimal.Decimal
	paid    decimal.Decimal
}

// NewTreasury creates a treasury holding balance.
func NewTreasury(balance decimal.Decimal) *Treasury {
	return &Treasury{balance: balance, paid: decimal.Zero}
}

// Fund adds amount to the treasury.
func (t *Treasury) Fund(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return errors.New("fund amount must be positive")
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.balance = t.balance.Add(amount)
	return nil
}

// Charge takes fee from the balance.
func (t *Treasury) Charge(fee decimal.Decimal) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if fee.IsZero() {
		return nil
	}
	if t.balance.LessThan(fee) {
		return errors.Wrapf(ErrTreasuryInsufficient, "balance %s, fee %s", t.balance.String(), fee.String())
	}

	t.balance = t.balance.Sub(fee)
	t.paid = t.paid.Add(fee)
	return nil
}

// Refund returns a fee charged for a submission that did not execute.
func (t *Treasury) Refund(fee decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.balance = t.balance.Add(fee)
	t.paid = t.paid.Sub(fee)
}

// Balance returns the remaining balance.
func (t *Treasury) Balance() decimal.Decimal {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.balance
}

// Paid returns the total of fees charged so far.
func (t *Treasury) Paid() decimal.Decimal {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.paid
}

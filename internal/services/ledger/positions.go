package ledger

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/dcacore/internal/domain"
)

// CreatePositionRequest parameters of a new position. Exactly one of AmountIn and
// Value funds it: Value for native currency (TokenIn is the native sentinel), AmountIn
// for a token.
type CreatePositionRequest struct {
	TokenIn   common.Address
	TokenOut  common.Address
	AmountIn  decimal.Decimal
	Value     decimal.Decimal
	DCAAmount decimal.Decimal
	Interval  time.Duration
	Slippage  int64
}

type withdrawOptions struct {
	native bool
}

// WithdrawOption adjusts how withdrawn funds are paid.
type WithdrawOption func(*withdrawOptions)

// AsNative unwraps payouts of the wrapped native token into native currency.
func AsNative() WithdrawOption {
	return func(o *withdrawOptions) {
		o.native = true
	}
}

func newWithdrawOptions(opts []WithdrawOption) withdrawOptions {
	var o withdrawOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// CreatePositionAndDeposit allocates the next position id for caller and funds it.
func (l *Ledger) CreatePositionAndDeposit(ctx context.Context, caller common.Address, req CreatePositionRequest) (domain.Position, error) {
	var created domain.Position

	err := l.run(ctx, "create", func(t *txn) error {
		if l.paused {
			return domain.ErrSystemPaused
		}

		tokenIn, amount, native, err := l.normalizeDeposit(req)
		if err != nil {
			return err
		}

		tokenOut := req.TokenOut
		if domain.IsNative(tokenOut) {
			tokenOut = l.wrappedNative
		}

		if err := domain.ValidateSchedule(req.DCAAmount, req.Interval); err != nil {
			return err
		}

		pair, err := domain.NewPair(tokenIn, tokenOut)
		if err != nil {
			return err
		}
		if !l.allowed[pair] {
			return errors.Wrapf(domain.ErrPairNotAllowed, "pair %s", pair)
		}

		if err := domain.ValidateSlippage(req.Slippage, l.minSlippage); err != nil {
			return err
		}

		if amount.LessThan(req.DCAAmount) {
			return errors.Wrapf(domain.ErrDepositBelowDCA, "deposit %s, dca amount %s", amount.String(), req.DCAAmount.String())
		}

		if err := t.pullFunds(caller, tokenIn, amount, native); err != nil {
			return err
		}

		p := &domain.Position{
			ID:        uint64(len(l.positions)),
			Owner:     caller,
			TokenIn:   tokenIn,
			TokenOut:  tokenOut,
			AmountIn:  amount,
			AmountOut: decimal.Zero,
			DCAAmount: req.DCAAmount,
			Interval:  req.Interval,
			Slippage:  req.Slippage,
		}
		t.appendPosition(p)

		ev := domain.NewPositionEvent(domain.EventPositionCreated, t.now, p)
		ev.Pair = &pair
		ev.DCAAmount = p.DCAAmount
		ev.Interval = p.Interval
		ev.Slippage = p.Slippage
		t.emit(ev)

		dep := domain.NewPositionEvent(domain.EventDeposit, t.now, p)
		dep.Amount = amount
		t.emit(dep)

		created = *p
		return nil
	})

	return created, err
}

func (l *Ledger) normalizeDeposit(req CreatePositionRequest) (common.Address, decimal.Decimal, bool, error) {
	if domain.IsNative(req.TokenIn) {
		if !req.AmountIn.IsZero() || !req.Value.IsPositive() {
			return common.Address{}, decimal.Zero, false,
				errors.Wrap(domain.ErrInvalidInputs, "native deposit must carry value and no token amount")
		}
		if !domain.IsWholeAmount(req.Value) {
			return common.Address{}, decimal.Zero, false, errors.Wrapf(domain.ErrInvalidInputs, "value %s", req.Value.String())
		}
		return l.wrappedNative, req.Value, true, nil
	}

	if !req.Value.IsZero() || !req.AmountIn.IsPositive() {
		return common.Address{}, decimal.Zero, false,
			errors.Wrap(domain.ErrInvalidInputs, "token deposit must carry a token amount and no value")
	}
	if !domain.IsWholeAmount(req.AmountIn) {
		return common.Address{}, decimal.Zero, false, errors.Wrapf(domain.ErrInvalidInputs, "amount %s", req.AmountIn.String())
	}

	return req.TokenIn, req.AmountIn, false, nil
}

// Deposit adds amount of the position's input token.
func (l *Ledger) Deposit(ctx context.Context, caller common.Address, id uint64, amount decimal.Decimal) error {
	return l.run(ctx, "deposit", func(t *txn) error {
		return l.deposit(t, caller, id, amount, false)
	})
}

// DepositNative wraps value of native currency and adds it to a position whose input
// token is the wrapped native token.
func (l *Ledger) DepositNative(ctx context.Context, caller common.Address, id uint64, value decimal.Decimal) error {
	return l.run(ctx, "deposit_native", func(t *txn) error {
		return l.deposit(t, caller, id, value, true)
	})
}

func (l *Ledger) deposit(t *txn, caller common.Address, id uint64, amount decimal.Decimal, native bool) error {
	if l.paused {
		return domain.ErrSystemPaused
	}

	p, err := t.position(id)
	if err != nil {
		return err
	}
	if !amount.IsPositive() {
		return domain.ErrZeroAmount
	}
	if !domain.IsWholeAmount(amount) {
		return errors.Wrapf(domain.ErrInvalidInputs, "amount %s", amount.String())
	}
	if p.Owner != caller {
		return domain.ErrNotPositionOwner
	}
	if native && p.TokenIn != l.wrappedNative {
		return domain.ErrTokenInNotWrappedNative
	}

	if err := t.pullFunds(caller, p.TokenIn, amount, native); err != nil {
		return err
	}

	t.modify(p)
	p.AmountIn = p.AmountIn.Add(amount)

	ev := domain.NewPositionEvent(domain.EventDeposit, t.now, p)
	ev.Amount = amount
	t.emit(ev)

	return nil
}

// WithdrawTokenIn returns amount of unconverted input token to the owner.
// It stays available while the system is paused.
func (l *Ledger) WithdrawTokenIn(ctx context.Context, caller common.Address, id uint64, amount decimal.Decimal, opts ...WithdrawOption) error {
	o := newWithdrawOptions(opts)

	return l.run(ctx, "withdraw_token_in", func(t *txn) error {
		p, err := t.position(id)
		if err != nil {
			return err
		}
		if !amount.IsPositive() {
			return domain.ErrZeroAmount
		}
		if !domain.IsWholeAmount(amount) {
			return errors.Wrapf(domain.ErrInvalidInputs, "amount %s", amount.String())
		}
		if p.Owner != caller {
			return domain.ErrNotPositionOwner
		}
		if amount.GreaterThan(p.AmountIn) {
			return errors.Wrapf(domain.ErrInsufficientFund, "withdraw %s, available %s", amount.String(), p.AmountIn.String())
		}

		return l.withdrawIn(t, p, amount, o)
	})
}

// WithdrawTokenOut pays the whole converted balance to the owner and returns it.
// It stays available while the system is paused.
func (l *Ledger) WithdrawTokenOut(ctx context.Context, caller common.Address, id uint64, opts ...WithdrawOption) (decimal.Decimal, error) {
	o := newWithdrawOptions(opts)
	var paid decimal.Decimal

	err := l.run(ctx, "withdraw_token_out", func(t *txn) error {
		p, err := t.position(id)
		if err != nil {
			return err
		}
		if p.Owner != caller {
			return domain.ErrNotPositionOwner
		}
		if !p.AmountOut.IsPositive() {
			return domain.ErrNothingToWithdraw
		}

		paid = p.AmountOut
		return l.withdrawOut(t, p, o)
	})

	return paid, err
}

// Exit pays out both balances of the position. The position row is kept and can be
// funded again later. It stays available while the system is paused.
func (l *Ledger) Exit(ctx context.Context, caller common.Address, id uint64, opts ...WithdrawOption) error {
	o := newWithdrawOptions(opts)

	return l.run(ctx, "exit", func(t *txn) error {
		p, err := t.position(id)
		if err != nil {
			return err
		}
		if p.Owner != caller {
			return domain.ErrNotPositionOwner
		}

		if p.AmountIn.IsPositive() {
			if err := l.withdrawIn(t, p, p.AmountIn, o); err != nil {
				return err
			}
		}
		if p.AmountOut.IsPositive() {
			if err := l.withdrawOut(t, p, o); err != nil {
				return err
			}
		}

		return nil
	})
}

func (l *Ledger) withdrawIn(t *txn, p *domain.Position, amount decimal.Decimal, o withdrawOptions) error {
	t.modify(p)
	p.AmountIn = p.AmountIn.Sub(amount)

	if err := t.payOut(p.Owner, p.TokenIn, amount, o.native); err != nil {
		return err
	}

	ev := domain.NewPositionEvent(domain.EventWithdrawTokenIn, t.now, p)
	ev.Amount = amount
	t.emit(ev)

	return nil
}

func (l *Ledger) withdrawOut(t *txn, p *domain.Position, o withdrawOptions) error {
	amount := p.AmountOut

	t.modify(p)
	p.AmountOut = decimal.Zero

	if err := t.payOut(p.Owner, p.TokenOut, amount, o.native); err != nil {
		return err
	}

	ev := domain.NewPositionEvent(domain.EventWithdrawTokenOut, t.now, p)
	ev.Amount = amount
	t.emit(ev)

	return nil
}

// UpdatePosition changes the per-cycle amount and the interval of a position.
func (l *Ledger) UpdatePosition(ctx context.Context, caller common.Address, id uint64, dcaAmount decimal.Decimal, interval time.Duration) error {
	return l.run(ctx, "update", func(t *txn) error {
		p, err := t.position(id)
		if err != nil {
			return err
		}
		if p.Owner != caller {
			return domain.ErrNotPositionOwner
		}
		if err := domain.ValidateSchedule(dcaAmount, interval); err != nil {
			return err
		}

		t.modify(p)
		p.DCAAmount = dcaAmount
		p.Interval = interval

		ev := domain.NewPositionEvent(domain.EventPositionUpdated, t.now, p)
		ev.DCAAmount = dcaAmount
		ev.Interval = interval
		t.emit(ev)

		return nil
	})
}

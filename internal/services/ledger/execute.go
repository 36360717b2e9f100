package ledger

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vadiminshakov/dcacore/internal/domain"
)

// ExecuteDCA converts one cycle of the position through the router.
func (l *Ledger) ExecuteDCA(ctx context.Context, caller common.Address, id uint64, params domain.SwapParams) (domain.ExecutionResult, error) {
	var res domain.ExecutionResult

	err := l.run(ctx, "execute_dca", func(t *txn) error {
		var err error
		res, err = l.executeOne(t, caller, id, params)
		return err
	})

	return res, err
}

// ExecuteDCAs executes a batch in input order. In atomic mode the first failure
// reverts the whole batch; in isolated mode failing positions are rolled back one
// by one and reported in the result.
func (l *Ledger) ExecuteDCAs(ctx context.Context, caller common.Address, ids []uint64, params []domain.SwapParams) (domain.BatchResult, error) {
	var res domain.BatchResult

	err := l.run(ctx, "execute_dcas", func(t *txn) error {
		if caller != l.executor {
			return domain.ErrOnlyExecutor
		}
		if len(ids) != len(params) {
			return errors.Wrapf(domain.ErrParamsLengthMismatch, "%d ids, %d params", len(ids), len(params))
		}

		l.metrics.ObserveBatchSize(len(ids))
		res = domain.BatchResult{Executed: make([]domain.ExecutionResult, 0, len(ids))}

		for i, id := range ids {
			if l.batchMode == domain.BatchModeIsolated {
				sp := t.savepoint()
				executed, err := l.executeOne(t, caller, id, params[i])
				if err != nil {
					t.rollbackTo(sp)
					res.Failed = append(res.Failed, domain.NewExecutionFailure(id, err))
					l.l.Debug("position skipped in batch", zap.Uint64("id", id), zap.Error(err))
					continue
				}
				res.Executed = append(res.Executed, executed)
				continue
			}

			executed, err := l.executeOne(t, caller, id, params[i])
			if err != nil {
				return errors.Wrapf(err, "position %d", id)
			}
			res.Executed = append(res.Executed, executed)
		}

		return nil
	})
	if err != nil {
		return domain.BatchResult{}, err
	}

	return res, nil
}

// ExecutePayload decodes a batch call built by the resolver and executes it.
func (l *Ledger) ExecutePayload(ctx context.Context, caller common.Address, payload []byte) (domain.BatchResult, error) {
	if caller != l.executor {
		return domain.BatchResult{}, domain.ErrOnlyExecutor
	}

	ids, params, err := l.codec.Decode(payload)
	if err != nil {
		return domain.BatchResult{}, err
	}

	return l.ExecuteDCAs(ctx, caller, ids, params)
}

// executeOne validates and applies a single execution. Row effects are applied before
// the router moves any funds.
func (l *Ledger) executeOne(t *txn, caller common.Address, id uint64, params domain.SwapParams) (res domain.ExecutionResult, err error) {
	defer func() {
		l.metrics.ObserveExecution(err)
	}()

	p, err := t.position(id)
	if err != nil {
		return res, err
	}
	if caller != l.executor {
		return res, domain.ErrOnlyExecutor
	}
	if l.paused {
		return res, domain.ErrSystemPaused
	}
	if !p.HasFundsForCycle() {
		return res, errors.Wrapf(domain.ErrInsufficientFund, "amount in %s, dca amount %s", p.AmountIn.String(), p.DCAAmount.String())
	}
	if err := params.ValidateFor(p); err != nil {
		return res, err
	}
	if !l.allowed[p.Pair()] {
		return res, domain.ErrTokenPairNotAllowed
	}
	if !p.IsDue(t.now) {
		return res, errors.Wrapf(domain.ErrNotTimeToDCA, "next execution at %s", p.NextExecution().UTC().Format("2006-01-02T15:04:05Z"))
	}

	amountIn := p.DCAAmount

	t.modify(p)
	p.AmountIn = p.AmountIn.Sub(amountIn)
	p.LastExecution = t.now

	amounts, err := l.swapper.SwapExactTokensForTokens(t.ctx, t.bank(), amountIn, params.AmountOutMin, params.Path, l.custody, l.custody, t.now)
	if err != nil {
		return res, errors.Wrap(err, "swap")
	}
	amountOut := amounts[len(amounts)-1]

	p.AmountOut = p.AmountOut.Add(amountOut)

	ev := domain.NewPositionEvent(domain.EventExecuteDCA, t.now, p)
	ev.AmountIn = amountIn
	ev.AmountOut = amountOut
	t.emit(ev)

	return domain.ExecutionResult{ID: id, AmountIn: amountIn, AmountOut: amountOut}, nil
}

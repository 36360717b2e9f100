// Package resolver scans the ledger for positions due for execution and builds the
// batch call that executes them.
package resolver

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/dcacore/internal/domain"
	"github.com/vadiminshakov/dcacore/internal/metrics"
	"github.com/vadiminshakov/dcacore/internal/services/calldata"
)

// Quoter quotes swap outputs without moving funds.
type Quoter interface {
	GetAmountsOut(ctx context.Context, amountIn decimal.Decimal, path []common.Address) ([]decimal.Decimal, error)
}

// Ledger read-only view of the position ledger.
type Ledger interface {
	GetNextPositionID() uint64
	GetPositions(ids []uint64) ([]domain.Position, error)
	IsPairAllowed(pair domain.Pair) bool
	Now() time.Time
}

// Batch positions eligible at scan time together with their encoded batch call.
type Batch struct {
	CanExec bool                `json:"can_exec"`
	IDs     []uint64            `json:"ids"`
	Params  []domain.SwapParams `json:"params"`
	Payload []byte              `json:"payload"`
	Skipped []uint64            `json:"skipped,omitempty"`
}

// Resolver builds execution batches. It never mutates the ledger.
type Resolver struct {
	ledger  Ledger
	quoter  Quoter
	codec   *calldata.Codec
	metrics *metrics.EngineMetrics
	l       *zap.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithMetrics records scan metrics.
func WithMetrics(m *metrics.EngineMetrics) Option {
	return func(r *Resolver) {
		r.metrics = m
	}
}

// New creates a resolver over ledger using quoter for expected outputs.
func New(l *zap.Logger, ledger Ledger, quoter Quoter, opts ...Option) (*Resolver, error) {
	if ledger == nil || quoter == nil {
		return nil, errors.New("ledger and quoter are required")
	}

	codec, err := calldata.New()
	if err != nil {
		return nil, err
	}

	r := &Resolver{
		ledger: ledger,
		quoter: quoter,
		codec:  codec,
		l:      l,
	}
	for _, opt := range opts {
		opt(r)
	}

	return r, nil
}

// GetExecutablePositions reports whether any position can execute and returns the
// batch call for all of them. With nothing to do the payload encodes an empty batch.
func (r *Resolver) GetExecutablePositions(ctx context.Context) (bool, []byte, error) {
	batch, err := r.Resolve(ctx)
	if err != nil {
		return false, nil, err
	}
	return batch.CanExec, batch.Payload, nil
}

// Resolve scans every position in id order and quotes the eligible ones.
func (r *Resolver) Resolve(ctx context.Context) (Batch, error) {
	n := r.ledger.GetNextPositionID()
	ids := make([]uint64, n)
	for i := range ids {
		ids[i] = uint64(i)
	}

	positions, err := r.ledger.GetPositions(ids)
	if err != nil {
		return Batch{}, errors.Wrap(err, "read positions")
	}

	now := r.ledger.Now()
	batch := Batch{IDs: make([]uint64, 0), Params: make([]domain.SwapParams, 0)}

	for i := range positions {
		if err := ctx.Err(); err != nil {
			return Batch{}, err
		}

		p := &positions[i]
		if !p.IsReady(now, r.ledger.IsPairAllowed(p.Pair())) {
			continue
		}

		params, err := r.quote(ctx, p)
		if err != nil {
			r.metrics.IncQuoteFailure()
			r.l.Warn("quote failed, position left out of batch",
				zap.Uint64("id", p.ID),
				zap.String("pair", p.Pair().String()),
				zap.Error(err))
			batch.Skipped = append(batch.Skipped, p.ID)
			continue
		}

		batch.IDs = append(batch.IDs, p.ID)
		batch.Params = append(batch.Params, params)
	}

	payload, err := r.codec.Encode(batch.IDs, batch.Params)
	if err != nil {
		return Batch{}, errors.Wrap(err, "encode batch")
	}
	batch.Payload = payload
	batch.CanExec = len(batch.IDs) > 0

	r.metrics.SetEligible(len(batch.IDs))
	r.l.Debug("resolver scan finished",
		zap.Uint64("positions", n),
		zap.Int("eligible", len(batch.IDs)),
		zap.Int("skipped", len(batch.Skipped)))

	return batch, nil
}

func (r *Resolver) quote(ctx context.Context, p *domain.Position) (domain.SwapParams, error) {
	path := p.Pair().Path()

	amounts, err := r.quoter.GetAmountsOut(ctx, p.DCAAmount, path)
	if err != nil {
		return domain.SwapParams{}, err
	}
	if len(amounts) != len(path) {
		return domain.SwapParams{}, errors.Errorf("quoter returned %d amounts for %d hop path", len(amounts), len(path))
	}

	return domain.SwapParams{
		AmountOutMin: domain.MinAmountOut(amounts[len(amounts)-1], p.Slippage),
		Path:         path,
	}, nil
}

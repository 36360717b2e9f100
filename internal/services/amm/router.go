// Package amm implements a constant product (x*y=k) swap router whose pool reserves
// live in the token vault, and a read-only quoter for routers deployed on chain.
package amm

import (
	"bytes"
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/dcacore/internal/domain"
)

// DefaultFeeBps is the pool fee taken from the input amount.
const DefaultFeeBps = 30

// BalanceReader reads token balances.
type BalanceReader interface {
	BalanceOf(account, token common.Address) decimal.Decimal
}

// Bank reads and moves token balances. A vault transaction satisfies it.
type Bank interface {
	BalanceReader
	Transfer(token, from, to common.Address, amount decimal.Decimal) error
}

// BlockClock is implemented by banks that carry the timestamp of the operation they
// belong to. Deadlines are checked against it instead of the router clock.
type BlockClock interface {
	Now() time.Time
}

// Router swaps along a path of constant product pools.
type Router struct {
	reserves BalanceReader
	feeBps   int64
	now      func() time.Time
	l        *zap.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithFeeBps overrides the pool fee.
func WithFeeBps(bps int64) Option {
	return func(r *Router) {
		r.feeBps = bps
	}
}

// WithClock overrides the time source used for deadline checks.
func WithClock(now func() time.Time) Option {
	return func(r *Router) {
		r.now = now
	}
}

// NewRouter creates a router reading pool reserves from reserves.
func NewRouter(l *zap.Logger, reserves BalanceReader, opts ...Option) *Router {
	r := &Router{
		reserves: reserves,
		feeBps:   DefaultFeeBps,
		now:      time.Now,
		l:        l,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// PoolAddress returns the deterministic custody account of the pool for tokens a and b.
func PoolAddress(a, b common.Address) common.Address {
	if bytes.Compare(a.Bytes(), b.Bytes()) > 0 {
		a, b = b, a
	}
	hash := crypto.Keccak256([]byte("dcacore/pool"), a.Bytes(), b.Bytes())
	return common.BytesToAddress(hash[12:])
}

// Reserves returns pool reserves ordered as (tokenIn, tokenOut).
func (r *Router) Reserves(tokenIn, tokenOut common.Address) (decimal.Decimal, decimal.Decimal) {
	pool := PoolAddress(tokenIn, tokenOut)
	return r.reserves.BalanceOf(pool, tokenIn), r.reserves.BalanceOf(pool, tokenOut)
}

// GetAmountsOut quotes amountIn along path without moving funds.
func (r *Router) GetAmountsOut(_ context.Context, amountIn decimal.Decimal, path []common.Address) ([]decimal.Decimal, error) {
	return r.amountsOut(r.reserves, amountIn, path)
}

// SwapExactTokensForTokens sells exactly amountIn of path[0] held by from and credits the
// output of the last hop to to. It fails without moving funds when the output is below
// amountOutMin or the deadline has passed.
func (r *Router) SwapExactTokensForTokens(
	_ context.Context,
	bank Bank,
	amountIn, amountOutMin decimal.Decimal,
	path []common.Address,
	from, to common.Address,
	deadline time.Time,
) ([]decimal.Decimal, error) {
	now := r.now()
	if c, ok := bank.(BlockClock); ok {
		now = c.Now()
	}
	if now.After(deadline) {
		return nil, errors.Wrapf(domain.ErrSwapExpired, "deadline %s", deadline.UTC().Format(time.RFC3339))
	}

	amounts, err := r.amountsOut(bank, amountIn, path)
	if err != nil {
		return nil, err
	}

	out := amounts[len(amounts)-1]
	if out.LessThan(amountOutMin) {
		return nil, errors.Wrapf(domain.ErrInsufficientOutputAmount, "got %s, want at least %s", out.String(), amountOutMin.String())
	}

	if err := bank.Transfer(path[0], from, PoolAddress(path[0], path[1]), amounts[0]); err != nil {
		return nil, errors.Wrap(err, "pay pool")
	}

	for i := 0; i < len(path)-1; i++ {
		recipient := to
		if i < len(path)-2 {
			recipient = PoolAddress(path[i+1], path[i+2])
		}
		if err := bank.Transfer(path[i+1], PoolAddress(path[i], path[i+1]), recipient, amounts[i+1]); err != nil {
			return nil, errors.Wrapf(err, "pool payout hop %d", i)
		}
	}

	r.l.Debug("swap settled",
		zap.String("token_in", path[0].Hex()),
		zap.String("token_out", path[len(path)-1].Hex()),
		zap.String("amount_in", amountIn.String()),
		zap.String("amount_out", out.String()))

	return amounts, nil
}

// AddLiquidity deposits both sides of a pool from provider.
func (r *Router) AddLiquidity(bank Bank, provider, tokenA, tokenB common.Address, amountA, amountB decimal.Decimal) error {
	if tokenA == tokenB {
		return domain.ErrDuplicateTokens
	}
	if !amountA.IsPositive() || !amountB.IsPositive() {
		return errors.Wrap(domain.ErrZeroAmount, "add liquidity")
	}

	pool := PoolAddress(tokenA, tokenB)
	if err := bank.Transfer(tokenA, provider, pool, amountA); err != nil {
		return errors.Wrapf(err, "deposit %s", tokenA.Hex())
	}
	if err := bank.Transfer(tokenB, provider, pool, amountB); err != nil {
		return errors.Wrapf(err, "deposit %s", tokenB.Hex())
	}

	return nil
}

func (r *Router) amountsOut(reserves BalanceReader, amountIn decimal.Decimal, path []common.Address) ([]decimal.Decimal, error) {
	if len(path) < 2 {
		return nil, errors.Wrapf(domain.ErrInvalidSwapPath, "path has %d hops", len(path))
	}
	if !amountIn.IsPositive() || !domain.IsWholeAmount(amountIn) {
		return nil, errors.Wrapf(domain.ErrInvalidInputs, "amount in %s", amountIn.String())
	}

	amounts := make([]decimal.Decimal, len(path))
	amounts[0] = amountIn

	// reserves are read once, so each pool may appear on one hop only
	visited := make(map[common.Address]struct{}, len(path)-1)
	for i := 0; i < len(path)-1; i++ {
		if path[i] == path[i+1] {
			return nil, errors.Wrapf(domain.ErrInvalidSwapPath, "hop %d repeats %s", i, path[i].Hex())
		}

		pool := PoolAddress(path[i], path[i+1])
		if _, ok := visited[pool]; ok {
			return nil, errors.Wrapf(domain.ErrInvalidSwapPath, "hop %d reuses pool %s", i, pool.Hex())
		}
		visited[pool] = struct{}{}
		reserveIn := reserves.BalanceOf(pool, path[i])
		reserveOut := reserves.BalanceOf(pool, path[i+1])
		if reserveIn.IsZero() && reserveOut.IsZero() {
			return nil, errors.Wrapf(domain.ErrNoPool, "%s/%s", path[i].Hex(), path[i+1].Hex())
		}

		out, err := GetAmountOut(amounts[i], reserveIn, reserveOut, r.feeBps)
		if err != nil {
			return nil, errors.Wrapf(err, "hop %d", i)
		}
		amounts[i+1] = out
	}

	return amounts, nil
}

// GetAmountOut returns the output for amountIn against the given reserves after the fee.
func GetAmountOut(amountIn, reserveIn, reserveOut decimal.Decimal, feeBps int64) (decimal.Decimal, error) {
	if !amountIn.IsPositive() {
		return decimal.Zero, errors.Wrap(domain.ErrInvalidInputs, "insufficient input amount")
	}
	if !reserveIn.IsPositive() || !reserveOut.IsPositive() {
		return decimal.Zero, domain.ErrInsufficientLiquidity
	}

	in := amountIn.BigInt()
	inWithFee := new(big.Int).Mul(in, big.NewInt(domain.BasisPoints-feeBps))
	numerator := new(big.Int).Mul(inWithFee, reserveOut.BigInt())
	denominator := new(big.Int).Mul(reserveIn.BigInt(), big.NewInt(domain.BasisPoints))
	denominator.Add(denominator, inWithFee)

	out := new(big.Int).Quo(numerator, denominator)
	if out.Sign() == 0 {
		return decimal.Zero, errors.Wrap(domain.ErrInsufficientOutputAmount, "output rounds to zero")
	}

	return decimal.NewFromBigInt(out, 0), nil
}

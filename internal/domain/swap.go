package domain

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// SwapParams per-position execution parameters computed by the resolver.
type SwapParams struct {
	AmountOutMin decimal.Decimal  `json:"swap_amount_out_min"`
	Path         []common.Address `json:"swap_path"`
}

// ValidateFor checks that the path converts tokenIn of the position into its tokenOut
// without visiting any token twice.
func (s SwapParams) ValidateFor(p *Position) error {
	if len(s.Path) < 2 {
		return fmt.Errorf("path has %d hops: %w", len(s.Path), ErrInvalidSwapPath)
	}
	if s.Path[0] != p.TokenIn || s.Path[len(s.Path)-1] != p.TokenOut {
		return ErrInvalidSwapPath
	}
	seen := make(map[common.Address]struct{}, len(s.Path))
	for _, token := range s.Path {
		if _, ok := seen[token]; ok {
			return fmt.Errorf("path visits %s twice: %w", token.Hex(), ErrInvalidSwapPath)
		}
		seen[token] = struct{}{}
	}
	if s.AmountOutMin.IsNegative() || !IsWholeAmount(s.AmountOutMin) {
		return fmt.Errorf("amountOutMin %s: %w", s.AmountOutMin.String(), ErrInvalidInputs)
	}
	return nil
}

// MinAmountOut returns quote reduced by slippage basis points, floored to whole units:
// quote - quote*slippage/10000.
func MinAmountOut(quote decimal.Decimal, slippageBps int64) decimal.Decimal {
	if !quote.IsPositive() {
		return decimal.Zero
	}
	cut := quote.Mul(decimal.NewFromInt(slippageBps)).Div(decimal.NewFromInt(BasisPoints)).Floor()
	return quote.Floor().Sub(cut)
}

// ValidateSlippage checks a per-position tolerance against the configured floor.
func ValidateSlippage(slippageBps, minSlippageBps int64) error {
	if slippageBps < minSlippageBps || slippageBps >= BasisPoints {
		return fmt.Errorf("slippage %d bps outside [%d, %d): %w", slippageBps, minSlippageBps, BasisPoints, ErrInvalidSlippage)
	}
	return nil
}

// Package domain defines core data structures used throughout the order engine.
package domain

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// NativeToken is the sentinel address standing for the chain's native currency.
// It never appears in a stored position: native deposits are wrapped at the boundary.
var NativeToken = common.HexToAddress("0xEeeeeEeeeEeEeeEeEeEeeEEEeeeeEeeeeeeeEEeE")

// IsNative reports whether token is the native currency sentinel.
func IsNative(token common.Address) bool {
	return token == NativeToken
}

// Pair directional token pair: TokenIn is sold, TokenOut is bought.
type Pair struct {
	TokenIn  common.Address `json:"token_in"`
	TokenOut common.Address `json:"token_out"`
}

// NewPair returns a pair, rejecting identical tokens.
func NewPair(tokenIn, tokenOut common.Address) (Pair, error) {
	if tokenIn == tokenOut {
		return Pair{}, ErrDuplicateTokens
	}
	return Pair{TokenIn: tokenIn, TokenOut: tokenOut}, nil
}

// String returns the string representation.
func (p Pair) String() string {
	return fmt.Sprintf("%s_%s", p.TokenIn.Hex(), p.TokenOut.Hex())
}

// Key returns a map key that is stable across restarts.
func (p Pair) Key() string {
	return strings.ToLower(p.String())
}

// ParsePair parses "0xIN_0xOUT".
func ParsePair(s string) (Pair, error) {
	parts := strings.Split(strings.TrimSpace(s), "_")
	if len(parts) != 2 {
		return Pair{}, fmt.Errorf("invalid pair %q: expected TOKENIN_TOKENOUT", s)
	}
	for _, part := range parts {
		if !common.IsHexAddress(part) {
			return Pair{}, fmt.Errorf("invalid pair %q: %q is not an address", s, part)
		}
	}
	return NewPair(common.HexToAddress(parts[0]), common.HexToAddress(parts[1]))
}

// Path returns the direct swap path for the pair.
func (p Pair) Path() []common.Address {
	return []common.Address{p.TokenIn, p.TokenOut}
}

// Reverse returns the pair converting in the opposite direction.
func (p Pair) Reverse() Pair {
	return Pair{TokenIn: p.TokenOut, TokenOut: p.TokenIn}
}

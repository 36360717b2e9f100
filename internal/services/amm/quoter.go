package amm

import (
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/dcacore/internal/domain"
)

// uniswap v2 router ABI (quote method only)
const routerV2ABI = `[
	{
		"inputs": [
			{"internalType": "uint256", "name": "amountIn", "type": "uint256"},
			{"internalType": "address[]", "name": "path", "type": "address[]"}
		],
		"name": "getAmountsOut",
		"outputs": [
			{"internalType": "uint256[]", "name": "amounts", "type": "uint256[]"}
		],
		"stateMutability": "view",
		"type": "function"
	}
]`

// ContractCaller executes read-only contract calls.
type ContractCaller interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// EthQuoter quotes through a uniswap v2 compatible router over JSON-RPC.
type EthQuoter struct {
	client ContractCaller
	router common.Address
	abi    abi.ABI
	l      *zap.Logger
}

// DialEthQuoter connects to endpoint and returns a quoter for the router at routerAddr.
func DialEthQuoter(l *zap.Logger, endpoint string, routerAddr common.Address) (*EthQuoter, *ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, nil, errors.New("rpc endpoint required")
	}

	client, err := ethclient.Dial(trimmed)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "dial %s", trimmed)
	}

	q, err := NewEthQuoter(l, client, routerAddr)
	if err != nil {
		client.Close()
		return nil, nil, err
	}

	return q, client, nil
}

// NewEthQuoter creates a quoter over an existing client.
func NewEthQuoter(l *zap.Logger, client ContractCaller, routerAddr common.Address) (*EthQuoter, error) {
	parsed, err := abi.JSON(strings.NewReader(routerV2ABI))
	if err != nil {
		return nil, errors.Wrap(err, "parse router abi")
	}

	return &EthQuoter{client: client, router: routerAddr, abi: parsed, l: l}, nil
}

// GetAmountsOut calls getAmountsOut on the router at the latest block.
func (q *EthQuoter) GetAmountsOut(ctx context.Context, amountIn decimal.Decimal, path []common.Address) ([]decimal.Decimal, error) {
	if len(path) < 2 {
		return nil, errors.Wrapf(domain.ErrInvalidSwapPath, "path has %d hops", len(path))
	}
	if !amountIn.IsPositive() || !domain.IsWholeAmount(amountIn) {
		return nil, errors.Wrapf(domain.ErrInvalidInputs, "amount in %s", amountIn.String())
	}

	data, err := q.abi.Pack("getAmountsOut", amountIn.BigInt(), path)
	if err != nil {
		return nil, errors.Wrap(err, "pack getAmountsOut")
	}

	router := q.router
	raw, err := q.client.CallContract(ctx, ethereum.CallMsg{To: &router, Data: data}, nil)
	if err != nil {
		return nil, errors.Wrap(err, "call getAmountsOut")
	}

	values, err := q.abi.Unpack("getAmountsOut", raw)
	if err != nil {
		return nil, errors.Wrap(err, "unpack getAmountsOut")
	}
	if len(values) != 1 {
		return nil, errors.Errorf("getAmountsOut returned %d values", len(values))
	}

	ints, ok := values[0].([]*big.Int)
	if !ok {
		return nil, errors.Errorf("unexpected getAmountsOut result type %T", values[0])
	}
	if len(ints) != len(path) {
		return nil, errors.Errorf("getAmountsOut returned %d amounts for %d hops", len(ints), len(path))
	}

	amounts := make([]decimal.Decimal, len(ints))
	for i, v := range ints {
		amounts[i] = decimal.NewFromBigInt(v, 0)
	}

	q.l.Debug("quote received",
		zap.String("router", q.router.Hex()),
		zap.String("amount_in", amountIn.String()),
		zap.String("amount_out", amounts[len(amounts)-1].String()))

	return amounts, nil
}

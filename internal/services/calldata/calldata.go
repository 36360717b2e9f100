// Package calldata encodes and decodes the batch execution call produced by the resolver.
// The wire format is the ABI encoding of
// executeDCAs(uint256[] positionIds, (uint256 swapAmountOutMin, address[] swapPath)[] params).
package calldata

import (
	"bytes"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/dcacore/internal/domain"
)

// MethodName name of the batch execution method.
const MethodName = "executeDCAs"

const batchABI = `[
	{
		"inputs": [
			{"internalType": "uint256[]", "name": "_positionIds", "type": "uint256[]"},
			{
				"components": [
					{"internalType": "uint256", "name": "swapAmountOutMin", "type": "uint256"},
					{"internalType": "address[]", "name": "swapPath", "type": "address[]"}
				],
				"internalType": "struct IDCACore.DCAExtraData[]",
				"name": "_extraData",
				"type": "tuple[]"
			}
		],
		"name": "executeDCAs",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	}
]`

type extraData struct {
	SwapAmountOutMin *big.Int
	SwapPath         []common.Address
}

// Codec packs and unpacks batch calls.
type Codec struct {
	abi    abi.ABI
	method abi.Method
}

// New parses the batch ABI.
func New() (*Codec, error) {
	parsed, err := abi.JSON(strings.NewReader(batchABI))
	if err != nil {
		return nil, errors.Wrap(err, "parse batch abi")
	}

	method, ok := parsed.Methods[MethodName]
	if !ok {
		return nil, errors.Errorf("method %s missing from abi", MethodName)
	}

	return &Codec{abi: parsed, method: method}, nil
}

// MustNew is New for package initialization; it panics on a broken ABI definition.
func MustNew() *Codec {
	c, err := New()
	if err != nil {
		panic(err)
	}
	return c
}

// Selector returns the 4-byte method id.
func (c *Codec) Selector() []byte {
	return c.method.ID
}

// Encode packs ids and params. Empty inputs produce the empty batch call.
func (c *Codec) Encode(ids []uint64, params []domain.SwapParams) ([]byte, error) {
	if len(ids) != len(params) {
		return nil, errors.Wrapf(domain.ErrParamsLengthMismatch, "%d ids, %d params", len(ids), len(params))
	}

	bigIDs := make([]*big.Int, len(ids))
	for i, id := range ids {
		bigIDs[i] = new(big.Int).SetUint64(id)
	}

	extra := make([]extraData, len(params))
	for i, p := range params {
		if p.AmountOutMin.IsNegative() || !domain.IsWholeAmount(p.AmountOutMin) {
			return nil, errors.Wrapf(domain.ErrInvalidInputs, "amountOutMin %s at %d", p.AmountOutMin.String(), i)
		}
		extra[i] = extraData{SwapAmountOutMin: p.AmountOutMin.BigInt(), SwapPath: p.Path}
	}

	data, err := c.abi.Pack(MethodName, bigIDs, extra)
	if err != nil {
		return nil, errors.Wrap(err, "pack executeDCAs")
	}

	return data, nil
}

// Decode unpacks a batch call.
func (c *Codec) Decode(data []byte) ([]uint64, []domain.SwapParams, error) {
	if len(data) < 4 || !bytes.Equal(data[:4], c.method.ID) {
		return nil, nil, errors.Wrap(domain.ErrInvalidPayload, "unknown method selector")
	}

	values, err := c.method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, nil, errors.Wrapf(domain.ErrInvalidPayload, "unpack: %v", err)
	}
	if len(values) != 2 {
		return nil, nil, errors.Wrapf(domain.ErrInvalidPayload, "expected 2 arguments, got %d", len(values))
	}

	bigIDs, ok := values[0].([]*big.Int)
	if !ok {
		return nil, nil, errors.Wrapf(domain.ErrInvalidPayload, "unexpected ids type %T", values[0])
	}
	extra := *abi.ConvertType(values[1], new([]extraData)).(*[]extraData)

	if len(bigIDs) != len(extra) {
		return nil, nil, errors.Wrapf(domain.ErrParamsLengthMismatch, "%d ids, %d params", len(bigIDs), len(extra))
	}

	ids := make([]uint64, len(bigIDs))
	for i, id := range bigIDs {
		if !id.IsUint64() {
			return nil, nil, errors.Wrapf(domain.ErrInvalidPayload, "position id %s out of range", id.String())
		}
		ids[i] = id.Uint64()
	}

	params := make([]domain.SwapParams, len(extra))
	for i, e := range extra {
		params[i] = domain.SwapParams{
			AmountOutMin: decimal.NewFromBigInt(e.SwapAmountOutMin, 0),
			Path:         e.SwapPath,
		}
	}

	return ids, params, nil
}

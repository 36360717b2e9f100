package web

import (
	"encoding/json"
	"io"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/dcacore/internal/domain"
	"github.com/vadiminshakov/dcacore/internal/services/ledger"
)

// SignatureHeader carries the personal-sign signature over the raw request body.
const SignatureHeader = "X-Signature"

const maxTxBodySize = 64 << 10

var errUnauthenticated = errors.New("unauthenticated request")

// TxRequest signed mutation envelope.
type TxRequest struct {
	Method   string          `json:"method"`
	Params   json.RawMessage `json:"params"`
	Deadline int64           `json:"deadline"`
}

type createParams struct {
	TokenIn   common.Address  `json:"token_in"`
	TokenOut  common.Address  `json:"token_out"`
	AmountIn  decimal.Decimal `json:"amount_in"`
	Value     decimal.Decimal `json:"value"`
	DCAAmount decimal.Decimal `json:"dca_amount"`
	Interval  int64           `json:"interval"`
	Slippage  int64           `json:"slippage"`
}

type depositParams struct {
	ID     uint64          `json:"id"`
	Amount decimal.Decimal `json:"amount"`
	Native bool            `json:"native"`
}

type withdrawParams struct {
	ID     uint64          `json:"id"`
	Amount decimal.Decimal `json:"amount"`
	Native bool            `json:"native"`
}

type updateParams struct {
	ID        uint64          `json:"id"`
	DCAAmount decimal.Decimal `json:"dca_amount"`
	Interval  int64           `json:"interval"`
}

type pairParams struct {
	TokenIn  common.Address `json:"token_in"`
	TokenOut common.Address `json:"token_out"`
	Allowed  bool           `json:"allowed"`
}

type slippageParams struct {
	Bps int64 `json:"bps"`
}

type pauseParams struct {
	Paused bool `json:"paused"`
}

type executeParams struct {
	Payload string `json:"payload"`
}

func (s *Server) handleTx(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxTxBodySize))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	caller, req, err := s.authenticate(body, r.Header.Get(SignatureHeader))
	if err != nil {
		s.l.Warn("rejected tx", zap.Error(err))
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: err.Error()})
		return
	}

	result, err := s.dispatch(r, caller, req)
	if err != nil {
		s.l.Info("tx failed",
			zap.String("method", req.Method),
			zap.String("caller", caller.Hex()),
			zap.String("kind", domain.ErrorKind(err).String()),
			zap.Error(err))
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"caller": caller, "result": result})
}

// authenticate recovers the signer of body and checks the request deadline and replay.
func (s *Server) authenticate(body []byte, sigHex string) (common.Address, TxRequest, error) {
	var req TxRequest
	if strings.TrimSpace(sigHex) == "" {
		return common.Address{}, req, errors.Wrap(errUnauthenticated, "missing signature")
	}

	sig, err := hexutil.Decode(strings.TrimSpace(sigHex))
	if err != nil || len(sig) != crypto.SignatureLength {
		return common.Address{}, req, errors.Wrap(errUnauthenticated, "malformed signature")
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}

	pub, err := crypto.SigToPub(accounts.TextHash(body), sig)
	if err != nil {
		return common.Address{}, req, errors.Wrap(errUnauthenticated, "signature does not recover")
	}
	caller := crypto.PubkeyToAddress(*pub)

	if err := json.Unmarshal(body, &req); err != nil {
		return common.Address{}, req, errors.Wrap(errUnauthenticated, "malformed request body")
	}

	now := s.now()
	deadline := time.Unix(req.Deadline, 0)
	if !deadline.After(now) {
		return common.Address{}, req, errors.Wrap(errUnauthenticated, "request expired")
	}
	if deadline.Sub(now) > s.maxTTL {
		return common.Address{}, req, errors.Wrap(errUnauthenticated, "deadline too far in the future")
	}

	if !s.replay.remember(crypto.Keccak256Hash(caller.Bytes(), body), deadline, now) {
		return common.Address{}, req, errors.Wrap(errUnauthenticated, "request already submitted")
	}

	return caller, req, nil
}

func (s *Server) dispatch(r *http.Request, caller common.Address, req TxRequest) (any, error) {
	ctx := r.Context()

	switch req.Method {
	case "create":
		var p createParams
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		interval, err := intervalFromSeconds(p.Interval)
		if err != nil {
			return nil, err
		}
		return s.ledger.CreatePositionAndDeposit(ctx, caller, ledger.CreatePositionRequest{
			TokenIn:   p.TokenIn,
			TokenOut:  p.TokenOut,
			AmountIn:  p.AmountIn,
			Value:     p.Value,
			DCAAmount: p.DCAAmount,
			Interval:  interval,
			Slippage:  p.Slippage,
		})

	case "deposit":
		var p depositParams
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		if p.Native {
			return nil, s.ledger.DepositNative(ctx, caller, p.ID, p.Amount)
		}
		return nil, s.ledger.Deposit(ctx, caller, p.ID, p.Amount)

	case "withdrawTokenIn":
		var p withdrawParams
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		return nil, s.ledger.WithdrawTokenIn(ctx, caller, p.ID, p.Amount, withdrawOpts(p.Native)...)

	case "withdrawTokenOut":
		var p withdrawParams
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		amount, err := s.ledger.WithdrawTokenOut(ctx, caller, p.ID, withdrawOpts(p.Native)...)
		if err != nil {
			return nil, err
		}
		return map[string]decimal.Decimal{"amount": amount}, nil

	case "exit":
		var p withdrawParams
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		return nil, s.ledger.Exit(ctx, caller, p.ID, withdrawOpts(p.Native)...)

	case "update":
		var p updateParams
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		interval, err := intervalFromSeconds(p.Interval)
		if err != nil {
			return nil, err
		}
		return nil, s.ledger.UpdatePosition(ctx, caller, p.ID, p.DCAAmount, interval)

	case "setAllowedTokenPair":
		var p pairParams
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		return nil, s.ledger.SetAllowedTokenPair(ctx, caller, domain.Pair{TokenIn: p.TokenIn, TokenOut: p.TokenOut}, p.Allowed)

	case "setMinSlippage":
		var p slippageParams
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		return nil, s.ledger.SetMinSlippage(ctx, caller, p.Bps)

	case "setSystemPause":
		var p pauseParams
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		return nil, s.ledger.SetSystemPause(ctx, caller, p.Paused)

	case "execute":
		var p executeParams
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		payload, err := hexutil.Decode(p.Payload)
		if err != nil {
			return nil, errors.Wrap(domain.ErrInvalidPayload, err.Error())
		}
		return s.ledger.ExecutePayload(ctx, caller, payload)

	default:
		return nil, errors.Wrapf(domain.ErrInvalidInputs, "unknown method %q", req.Method)
	}
}

func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return errors.Wrap(domain.ErrInvalidInputs, "params are required")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errors.Wrapf(domain.ErrInvalidInputs, "decode params: %v", err)
	}
	return nil
}

// intervalFromSeconds converts a wire interval, rejecting values a Duration cannot hold.
func intervalFromSeconds(seconds int64) (time.Duration, error) {
	if seconds <= 0 || seconds > math.MaxInt64/int64(time.Second) {
		return 0, errors.Wrapf(domain.ErrInvalidInputs, "interval %d s out of range", seconds)
	}
	return time.Duration(seconds) * time.Second, nil
}

func withdrawOpts(native bool) []ledger.WithdrawOption {
	if native {
		return []ledger.WithdrawOption{ledger.AsNative()}
	}
	return nil
}

// replayCache remembers signed requests until their deadline passes.
type replayCache struct {
	mu   sync.Mutex
	seen map[common.Hash]time.Time
}

func newReplayCache() *replayCache {
	return &replayCache{seen: make(map[common.Hash]time.Time)}
}

// remember returns false when key was already used and has not expired.
func (c *replayCache) remember(key common.Hash, until, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, exp := range c.seen {
		if !exp.After(now) {
			delete(c.seen, k)
		}
	}

	if _, ok := c.seen[key]; ok {
		return false
	}
	c.seen[key] = until
	return true
}

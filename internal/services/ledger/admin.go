package ledger

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"

	"github.com/vadiminshakov/dcacore/internal/domain"
)

// SetAllowedTokenPair enables or disables a directional pair.
func (l *Ledger) SetAllowedTokenPair(ctx context.Context, caller common.Address, pair domain.Pair, allowed bool) error {
	return l.run(ctx, "set_allowed_token_pair", func(t *txn) error {
		if caller != l.admin {
			return domain.ErrNotAdmin
		}
		if pair.TokenIn == pair.TokenOut {
			return domain.ErrDuplicateTokens
		}
		if l.allowed[pair] == allowed {
			return errors.Wrapf(domain.ErrSameValue, "pair %s allowed=%t", pair, allowed)
		}

		t.setAllowed(pair, allowed)

		t.emit(domain.Event{
			Type:      domain.EventAllowedTokenPairSet,
			Timestamp: t.now,
			Pair:      &pair,
			Allowed:   &allowed,
		})

		return nil
	})
}

// SetMinSlippage changes the floor for per-position slippage of new positions.
func (l *Ledger) SetMinSlippage(ctx context.Context, caller common.Address, bps int64) error {
	return l.run(ctx, "set_min_slippage", func(t *txn) error {
		if caller != l.admin {
			return domain.ErrNotAdmin
		}
		if l.minSlippage == bps {
			return errors.Wrapf(domain.ErrSameValue, "min slippage %d", bps)
		}
		if bps >= domain.MaxMinSlippage {
			return errors.Wrapf(domain.ErrMinSlippageTooLarge, "min slippage %d", bps)
		}
		if bps < 0 {
			return errors.Wrapf(domain.ErrInvalidInputs, "min slippage %d", bps)
		}

		t.setMinSlippage(bps)

		t.emit(domain.Event{
			Type:      domain.EventMinSlippageSet,
			Timestamp: t.now,
			Slippage:  bps,
		})

		return nil
	})
}

// SetSystemPause toggles the global pause flag.
func (l *Ledger) SetSystemPause(ctx context.Context, caller common.Address, paused bool) error {
	return l.run(ctx, "set_system_pause", func(t *txn) error {
		if caller != l.admin {
			return domain.ErrNotAdmin
		}
		if l.paused == paused {
			return errors.Wrapf(domain.ErrSameValue, "paused=%t", paused)
		}

		t.setPaused(paused)

		t.emit(domain.Event{
			Type:      domain.EventPausedSet,
			Timestamp: t.now,
			Paused:    &paused,
		})

		return nil
	})
}

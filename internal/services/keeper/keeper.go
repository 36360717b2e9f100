// Package keeper periodically asks the resolver for due positions and submits the
// resulting batch to the ledger on behalf of the executor.
package keeper

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/dcacore/internal/domain"
	"github.com/vadiminshakov/dcacore/internal/metrics"
	"github.com/vadiminshakov/dcacore/pkg/retrier"
)

const (
	DefaultPollInterval = 15 * time.Second
	defaultLockKey      = "keeper"
)

// Outcome result of one keeper tick.
type Outcome string

const (
	OutcomeIdle     Outcome = "idle"
	OutcomeLockHeld Outcome = "lock_held"
	OutcomeUnfunded Outcome = "unfunded"
	OutcomeExecuted Outcome = "executed"
	OutcomeFailed   Outcome = "failed"
)

// Resolver reports whether a batch is due and returns its payload.
type Resolver interface {
	GetExecutablePositions(ctx context.Context) (bool, []byte, error)
}

// Executor runs a batch payload.
type Executor interface {
	ExecutePayload(ctx context.Context, caller common.Address, payload []byte) (domain.BatchResult, error)
}

// Config keeper settings.
type Config struct {
	Executor     common.Address
	PollInterval time.Duration
	LockTTL      time.Duration
	FeePerBatch  decimal.Decimal
}

// Keeper triggers batch execution on a fixed cadence.
type Keeper struct {
	resolver Resolver
	executor Executor
	caller   common.Address
	interval time.Duration
	lockTTL  time.Duration
	fee      decimal.Decimal

	lock     Locker
	treasury *Treasury
	journal  *Journal
	retrier  *retrier.Retrier
	metrics  *metrics.EngineMetrics
	now      func() time.Time
	l        *zap.Logger
}

// Option configures a Keeper.
type Option func(*Keeper)

// WithLocker replaces the in-process lock.
func WithLocker(lock Locker) Option {
	return func(k *Keeper) {
		k.lock = lock
	}
}

// WithTreasury charges FeePerBatch for every submitted batch.
func WithTreasury(t *Treasury) Option {
	return func(k *Keeper) {
		k.treasury = t
	}
}

// WithJournal records every submission.
func WithJournal(j *Journal) Option {
	return func(k *Keeper) {
		k.journal = j
	}
}

// WithRetrier overrides the retry policy for resolver calls.
func WithRetrier(r *retrier.Retrier) Option {
	return func(k *Keeper) {
		k.retrier = r
	}
}

// WithMetrics records tick outcomes.
func WithMetrics(m *metrics.EngineMetrics) Option {
	return func(k *Keeper) {
		k.metrics = m
	}
}

// WithClock overrides the time source used for journal entries.
func WithClock(now func() time.Time) Option {
	return func(k *Keeper) {
		k.now = now
	}
}

// New creates a keeper.
func New(l *zap.Logger, cfg Config, resolver Resolver, executor Executor, opts ...Option) (*Keeper, error) {
	if resolver == nil || executor == nil {
		return nil, errors.New("resolver and executor are required")
	}
	if cfg.Executor == (common.Address{}) {
		return nil, errors.New("executor address is required")
	}
	if cfg.FeePerBatch.IsNegative() {
		return nil, errors.Errorf("fee per batch must not be negative, got %s", cfg.FeePerBatch.String())
	}

	interval := cfg.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	lockTTL := cfg.LockTTL
	if lockTTL <= 0 {
		lockTTL = 2 * interval
	}

	k := &Keeper{
		resolver: resolver,
		executor: executor,
		caller:   cfg.Executor,
		interval: interval,
		lockTTL:  lockTTL,
		fee:      cfg.FeePerBatch,
		lock:     NewLocalLock(),
		retrier:  defaultRetrier(l),
		now:      time.Now,
		l:        l,
	}
	for _, opt := range opts {
		opt(k)
	}

	return k, nil
}

func defaultRetrier(l *zap.Logger) *retrier.Retrier {
	return retrier.New(
		retrier.WithMaxRetries(3),
		retrier.WithInitialInterval(500*time.Millisecond),
		retrier.WithRetryIf(func(err error) bool { return !errors.Is(err, context.Canceled) }),
		retrier.WithOnRetry(func(attempt int, err error, wait time.Duration) {
			l.Warn("resolver call failed, retrying",
				zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
		}),
	)
}

// Run ticks until ctx is done.
func (k *Keeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()

	k.l.Info("Starting keeper loop", zap.Duration("poll_interval", k.interval), zap.String("executor", k.caller.Hex()))

	for {
		select {
		case <-ctx.Done():
			k.l.Info("Context done, stopping keeper loop.")
			return ctx.Err()
		case <-ticker.C:
			outcome, err := k.Tick(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				k.l.Error("keeper tick failed", zap.String("outcome", string(outcome)), zap.Error(err))
				continue
			}
			k.l.Debug("keeper tick", zap.String("outcome", string(outcome)))
		}
	}
}

// Tick runs one resolve and submit cycle.
func (k *Keeper) Tick(ctx context.Context) (outcome Outcome, err error) {
	defer func() {
		k.metrics.ObserveKeeperTick(string(outcome))
	}()

	release, err := k.lock.Acquire(ctx, defaultLockKey, k.lockTTL)
	if err != nil {
		if errors.Is(err, ErrLockHeld) {
			return OutcomeLockHeld, nil
		}
		return OutcomeFailed, errors.Wrap(err, "acquire keeper lock")
	}
	defer release()

	type resolved struct {
		canExec bool
		payload []byte
	}
	res, err := retrier.DoWithData(k.retrier, ctx, func(ctx context.Context) (resolved, error) {
		canExec, payload, err := k.resolver.GetExecutablePositions(ctx)
		return resolved{canExec: canExec, payload: payload}, err
	})
	if err != nil {
		return OutcomeFailed, errors.Wrap(err, "resolve executable positions")
	}
	if !res.canExec {
		return OutcomeIdle, nil
	}

	if k.treasury != nil {
		if err := k.treasury.Charge(k.fee); err != nil {
			k.l.Warn("batch skipped, treasury cannot pay the fee",
				zap.String("fee", k.fee.String()),
				zap.String("balance", k.treasury.Balance().String()))
			return OutcomeUnfunded, nil
		}
	}

	var sub *Submission
	if k.journal != nil {
		sub, err = k.journal.Prepare(res.payload, k.fee, k.now())
		if err != nil {
			k.refund()
			return OutcomeFailed, errors.Wrap(err, "journal submission")
		}
	}

	batch, err := k.executor.ExecutePayload(ctx, k.caller, res.payload)
	if err != nil {
		k.refund()
		if jerr := k.journal.MarkFailed(sub, err); jerr != nil {
			k.l.Error("failed to journal failed submission", zap.Error(jerr))
		}
		return OutcomeFailed, errors.Wrap(err, "execute batch")
	}

	if err := k.journal.MarkDone(sub, batch); err != nil {
		k.l.Error("failed to journal finished submission", zap.Error(err))
	}

	k.l.Info("batch executed",
		zap.Int("executed", len(batch.Executed)),
		zap.Int("failed", len(batch.Failed)),
		zap.String("fee", k.fee.String()))

	return OutcomeExecuted, nil
}

func (k *Keeper) refund() {
	if k.treasury != nil {
		k.treasury.Refund(k.fee)
	}
}

package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vadiminshakov/dcacore/internal/domain"
	"github.com/vadiminshakov/dcacore/internal/storage/ledgerwal"
)

func TestNew_RequiresIdentities(t *testing.T) {
	v, router := newVault(t)

	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "no admin", cfg: Config{Executor: executor, WrappedNative: weth}},
		{name: "no executor", cfg: Config{Admin: admin, WrappedNative: weth}},
		{name: "no wrapped native", cfg: Config{Admin: admin, Executor: executor}},
		{name: "wrapped native differs from vault", cfg: Config{Admin: admin, Executor: executor, WrappedNative: dai}},
		{name: "min slippage too large", cfg: Config{Admin: admin, Executor: executor, WrappedNative: weth, MinSlippage: 1000}},
		{name: "unknown batch mode", cfg: Config{Admin: admin, Executor: executor, WrappedNative: weth, BatchMode: "best-effort"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(zap.NewNop(), tt.cfg, v, router)
			require.Error(t, err)
		})
	}

	l, err := New(zap.NewNop(), Config{Admin: admin, Executor: executor, WrappedNative: weth}, v, router)
	require.NoError(t, err)

	cfg := l.Config()
	assert.Equal(t, domain.DefaultMinSlippage, cfg.MinSlippage)
	assert.Equal(t, domain.BatchModeAtomic, cfg.BatchMode)
	assert.Equal(t, DefaultCustody, cfg.Custody)
	assert.False(t, cfg.Paused)
	assert.Empty(t, cfg.AllowedPairs)
}

func TestCreatePositionAndDeposit_Validation(t *testing.T) {
	base := CreatePositionRequest{
		TokenIn:   usdc,
		TokenOut:  weth,
		AmountIn:  d(10_000),
		DCAAmount: d(1_000),
		Interval:  time.Minute,
		Slippage:  50,
	}

	tests := []struct {
		name   string
		mutate func(*CreatePositionRequest)
		want   error
	}{
		{name: "interval below a minute", mutate: func(r *CreatePositionRequest) { r.Interval = 59 * time.Second }, want: domain.ErrInvalidInputs},
		{name: "fractional interval", mutate: func(r *CreatePositionRequest) { r.Interval = 90*time.Second + time.Millisecond }, want: domain.ErrInvalidInputs},
		{name: "zero dca amount", mutate: func(r *CreatePositionRequest) { r.DCAAmount = decimal.Zero }, want: domain.ErrInvalidInputs},
		{name: "zero deposit", mutate: func(r *CreatePositionRequest) { r.AmountIn = decimal.Zero }, want: domain.ErrInvalidInputs},
		{name: "fractional deposit", mutate: func(r *CreatePositionRequest) { r.AmountIn = decimal.RequireFromString("10.5") }, want: domain.ErrInvalidInputs},
		{name: "value with token deposit", mutate: func(r *CreatePositionRequest) { r.Value = d(1) }, want: domain.ErrInvalidInputs},
		{name: "same tokens", mutate: func(r *CreatePositionRequest) { r.TokenOut = usdc }, want: domain.ErrDuplicateTokens},
		{name: "pair not allowed", mutate: func(r *CreatePositionRequest) { r.TokenOut = dai }, want: domain.ErrPairNotAllowed},
		{name: "slippage below floor", mutate: func(r *CreatePositionRequest) { r.Slippage = 24 }, want: domain.ErrInvalidSlippage},
		{name: "slippage of 100 percent", mutate: func(r *CreatePositionRequest) { r.Slippage = 10_000 }, want: domain.ErrInvalidSlippage},
		{name: "deposit below one cycle", mutate: func(r *CreatePositionRequest) { r.AmountIn = d(999) }, want: domain.ErrDepositBelowDCA},
		{name: "more than the owner holds", mutate: func(r *CreatePositionRequest) { r.AmountIn = d(2_000_000) }, want: domain.ErrInsufficientBalance},
		{name: "native without value", mutate: func(r *CreatePositionRequest) { r.TokenIn = domain.NativeToken }, want: domain.ErrInvalidInputs},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			req := base
			tt.mutate(&req)

			positions, balances, seq := f.snapshot()
			_, err := f.ledger.CreatePositionAndDeposit(context.Background(), alice, req)
			require.ErrorIs(t, err, tt.want)
			f.requireUnchanged(t, positions, balances, seq)
			assert.Equal(t, uint64(0), f.ledger.GetNextPositionID())
			assert.Empty(t, f.sink.Types())
		})
	}
}

func TestCreatePositionAndDeposit_AllocatesSequentialIDs(t *testing.T) {
	f := newFixture(t)

	first := f.create(t, alice, 10_000, 1_000)
	second := f.create(t, bob, 2_000, 1_000)

	assert.Equal(t, uint64(0), first.ID)
	assert.Equal(t, uint64(1), second.ID)
	assert.Equal(t, uint64(2), f.ledger.GetNextPositionID())
	assert.Equal(t, alice, first.Owner)
	assert.True(t, first.LastExecution.IsZero())

	assert.True(t, f.vault.BalanceOf(alice, usdc).Equal(d(990_000)))
	assert.True(t, f.vault.BalanceOf(DefaultCustody, usdc).Equal(d(12_000)))

	owned := f.ledger.PositionsByOwner(alice)
	require.Len(t, owned, 1)
	assert.Equal(t, first.ID, owned[0].ID)

	_, err := f.ledger.GetPositions([]uint64{0, 2})
	require.ErrorIs(t, err, domain.ErrPositionNotFound)

	got, err := f.ledger.GetPositions([]uint64{1, 0})
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 0}, []uint64{got[0].ID, got[1].ID})
}

func TestCreatePositionAndDeposit_Native(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.ledger.CreatePositionAndDeposit(ctx, alice, CreatePositionRequest{
		TokenIn:   domain.NativeToken,
		TokenOut:  usdc,
		Value:     d(5_000),
		DCAAmount: d(1_000),
		Interval:  time.Hour,
		Slippage:  100,
	})
	require.NoError(t, err)
	assert.Equal(t, weth, p.TokenIn)
	assert.True(t, f.vault.BalanceOf(alice, domain.NativeToken).Equal(d(95_000)))
	assert.True(t, f.vault.BalanceOf(DefaultCustody, weth).Equal(d(5_000)))

	_, err = f.ledger.CreatePositionAndDeposit(ctx, alice, CreatePositionRequest{
		TokenIn:   domain.NativeToken,
		TokenOut:  usdc,
		AmountIn:  d(5_000),
		Value:     d(5_000),
		DCAAmount: d(1_000),
		Interval:  time.Hour,
		Slippage:  100,
	})
	require.ErrorIs(t, err, domain.ErrInvalidInputs)

	require.NoError(t, f.ledger.DepositNative(ctx, alice, p.ID, d(1_000)))
	assert.True(t, f.position(t, p.ID).AmountIn.Equal(d(6_000)))

	usdcPosition := f.create(t, alice, 5_000, 1_000)
	err = f.ledger.DepositNative(ctx, alice, usdcPosition.ID, d(1_000))
	require.ErrorIs(t, err, domain.ErrTokenInNotWrappedNative)

	require.NoError(t, f.ledger.WithdrawTokenIn(ctx, alice, p.ID, d(2_000), AsNative()))
	assert.True(t, f.vault.BalanceOf(alice, domain.NativeToken).Equal(d(96_000)))
	assert.True(t, f.vault.BalanceOf(alice, weth).IsZero())

	require.NoError(t, f.ledger.Exit(ctx, alice, p.ID))
	assert.True(t, f.vault.BalanceOf(alice, weth).Equal(d(4_000)))
	assert.True(t, f.position(t, p.ID).AmountIn.IsZero())
}

func TestCreatePositionAndDeposit_NativeTokenOutIsWrapped(t *testing.T) {
	f := newFixture(t)

	p, err := f.ledger.CreatePositionAndDeposit(context.Background(), alice, CreatePositionRequest{
		TokenIn:   usdc,
		TokenOut:  domain.NativeToken,
		AmountIn:  d(5_000),
		DCAAmount: d(1_000),
		Interval:  time.Minute,
		Slippage:  50,
	})
	require.NoError(t, err)
	assert.Equal(t, weth, p.TokenOut)
}

func TestDeposit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.create(t, alice, 5_000, 1_000)

	require.ErrorIs(t, f.ledger.Deposit(ctx, alice, 7, d(100)), domain.ErrPositionNotFound)
	require.ErrorIs(t, f.ledger.Deposit(ctx, alice, p.ID, decimal.Zero), domain.ErrZeroAmount)
	require.ErrorIs(t, f.ledger.Deposit(ctx, bob, p.ID, d(100)), domain.ErrNotPositionOwner)
	require.ErrorIs(t, f.ledger.Deposit(ctx, alice, p.ID, d(10_000_000)), domain.ErrInsufficientBalance)

	f.sink.Reset()
	require.NoError(t, f.ledger.Deposit(ctx, alice, p.ID, d(250)))
	assert.True(t, f.position(t, p.ID).AmountIn.Equal(d(5_250)))
	assert.Equal(t, []domain.EventType{domain.EventDeposit}, f.sink.Types())
}

func TestDepositThenWithdrawTokenIn_RoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.create(t, alice, 5_000, 1_000)

	ownerBefore := f.vault.BalanceOf(alice, usdc)
	custodyBefore := f.vault.BalanceOf(DefaultCustody, usdc)
	amountBefore := f.position(t, p.ID).AmountIn

	for _, x := range []int64{1, 777, 12_345} {
		require.NoError(t, f.ledger.Deposit(ctx, alice, p.ID, d(x)))
		assert.True(t, f.position(t, p.ID).AmountIn.Equal(amountBefore.Add(d(x))))
		assert.True(t, f.vault.BalanceOf(alice, usdc).Equal(ownerBefore.Sub(d(x))))

		require.NoError(t, f.ledger.WithdrawTokenIn(ctx, alice, p.ID, d(x)))
		got := f.position(t, p.ID)
		assert.True(t, got.AmountIn.Equal(amountBefore), "amount %d: got %s", x, got.AmountIn)
		assert.True(t, f.vault.BalanceOf(alice, usdc).Equal(ownerBefore), "amount %d", x)
		assert.True(t, f.vault.BalanceOf(DefaultCustody, usdc).Equal(custodyBefore), "amount %d", x)
	}
}

func TestWithdrawTokenIn(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.create(t, alice, 5_000, 1_000)

	require.ErrorIs(t, f.ledger.WithdrawTokenIn(ctx, bob, p.ID, d(1)), domain.ErrNotPositionOwner)
	require.ErrorIs(t, f.ledger.WithdrawTokenIn(ctx, alice, p.ID, decimal.Zero), domain.ErrZeroAmount)
	require.ErrorIs(t, f.ledger.WithdrawTokenIn(ctx, alice, p.ID, d(5_001)), domain.ErrInsufficientFund)

	require.NoError(t, f.ledger.WithdrawTokenIn(ctx, alice, p.ID, d(5_000)))
	got := f.position(t, p.ID)
	assert.True(t, got.AmountIn.IsZero())
	assert.Equal(t, domain.PositionStateExhausted, got.State())
	assert.True(t, f.vault.BalanceOf(alice, usdc).Equal(d(1_000_000)))

	require.NoError(t, f.ledger.Deposit(ctx, alice, p.ID, d(1_000)))
	assert.Equal(t, []uint64{p.ID}, f.ledger.GetReadyPositionIDs())
}

func TestWithdrawTokenOut(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.create(t, alice, 5_000, 1_000)

	_, err := f.ledger.WithdrawTokenOut(ctx, alice, p.ID)
	require.ErrorIs(t, err, domain.ErrNothingToWithdraw)

	res, err := f.ledger.ExecuteDCA(ctx, executor, p.ID, f.params(t, p))
	require.NoError(t, err)

	_, err = f.ledger.WithdrawTokenOut(ctx, bob, p.ID)
	require.ErrorIs(t, err, domain.ErrNotPositionOwner)

	paid, err := f.ledger.WithdrawTokenOut(ctx, alice, p.ID, AsNative())
	require.NoError(t, err)
	assert.True(t, paid.Equal(res.AmountOut))
	assert.True(t, f.position(t, p.ID).AmountOut.IsZero())
	assert.True(t, f.vault.BalanceOf(alice, domain.NativeToken).Equal(d(100_000).Add(res.AmountOut)))
	assert.True(t, f.vault.BalanceOf(DefaultCustody, weth).IsZero())
}

func TestExit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.create(t, alice, 5_000, 1_000)

	res, err := f.ledger.ExecuteDCA(ctx, executor, p.ID, f.params(t, p))
	require.NoError(t, err)

	require.ErrorIs(t, f.ledger.Exit(ctx, bob, p.ID), domain.ErrNotPositionOwner)

	f.sink.Reset()
	require.NoError(t, f.ledger.Exit(ctx, alice, p.ID))
	assert.Equal(t, []domain.EventType{domain.EventWithdrawTokenIn, domain.EventWithdrawTokenOut}, f.sink.Types())

	got := f.position(t, p.ID)
	assert.True(t, got.AmountIn.IsZero())
	assert.True(t, got.AmountOut.IsZero())
	assert.True(t, f.vault.BalanceOf(alice, usdc).Equal(d(999_000)))
	assert.True(t, f.vault.BalanceOf(alice, weth).Equal(res.AmountOut))

	// an empty position exits without effects
	f.sink.Reset()
	require.NoError(t, f.ledger.Exit(ctx, alice, p.ID))
	assert.Empty(t, f.sink.Types())
	assert.Equal(t, uint64(1), f.ledger.GetNextPositionID())
}

func TestUpdatePosition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.create(t, alice, 5_000, 1_000)

	require.ErrorIs(t, f.ledger.UpdatePosition(ctx, bob, p.ID, d(500), time.Hour), domain.ErrNotPositionOwner)
	require.ErrorIs(t, f.ledger.UpdatePosition(ctx, alice, p.ID, d(500), 30*time.Second), domain.ErrInvalidInputs)
	require.ErrorIs(t, f.ledger.UpdatePosition(ctx, alice, p.ID, decimal.Zero, time.Hour), domain.ErrInvalidInputs)

	// a dca amount above the balance is accepted and makes the position ineligible
	require.NoError(t, f.ledger.UpdatePosition(ctx, alice, p.ID, d(6_000), time.Hour))
	got := f.position(t, p.ID)
	assert.True(t, got.DCAAmount.Equal(d(6_000)))
	assert.Equal(t, time.Hour, got.Interval)
	assert.Empty(t, f.ledger.GetReadyPositionIDs())
}

func TestPause_BlocksFundingAndExecutionOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.create(t, alice, 5_000, 1_000)

	require.ErrorIs(t, f.ledger.SetSystemPause(ctx, alice, true), domain.ErrNotAdmin)
	require.NoError(t, f.ledger.SetSystemPause(ctx, admin, true))
	require.ErrorIs(t, f.ledger.SetSystemPause(ctx, admin, true), domain.ErrSameValue)
	assert.True(t, f.ledger.Config().Paused)

	_, err := f.ledger.CreatePositionAndDeposit(ctx, alice, CreatePositionRequest{
		TokenIn: usdc, TokenOut: weth, AmountIn: d(5_000), DCAAmount: d(1_000), Interval: time.Minute, Slippage: 50,
	})
	require.ErrorIs(t, err, domain.ErrSystemPaused)
	require.ErrorIs(t, f.ledger.Deposit(ctx, alice, p.ID, d(100)), domain.ErrSystemPaused)
	require.ErrorIs(t, f.ledger.DepositNative(ctx, alice, p.ID, d(100)), domain.ErrSystemPaused)

	require.NoError(t, f.ledger.WithdrawTokenIn(ctx, alice, p.ID, d(1_000)))
	require.NoError(t, f.ledger.UpdatePosition(ctx, alice, p.ID, d(2_000), 2*time.Minute))
	require.NoError(t, f.ledger.Exit(ctx, alice, p.ID))
}

func TestAdminSetters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	daiPair := domain.Pair{TokenIn: usdc, TokenOut: dai}

	require.ErrorIs(t, f.ledger.SetAllowedTokenPair(ctx, alice, daiPair, true), domain.ErrNotAdmin)
	require.ErrorIs(t, f.ledger.SetAllowedTokenPair(ctx, admin, domain.Pair{TokenIn: dai, TokenOut: dai}, true), domain.ErrDuplicateTokens)
	require.ErrorIs(t, f.ledger.SetAllowedTokenPair(ctx, admin, daiPair, false), domain.ErrSameValue)
	require.NoError(t, f.ledger.SetAllowedTokenPair(ctx, admin, daiPair, true))
	assert.True(t, f.ledger.IsPairAllowed(daiPair))
	assert.False(t, f.ledger.IsPairAllowed(daiPair.Reverse()))

	tests := []struct {
		name string
		bps  int64
		want error
	}{
		{name: "same value", bps: domain.DefaultMinSlippage, want: domain.ErrSameValue},
		{name: "at the bound", bps: 1000, want: domain.ErrMinSlippageTooLarge},
		{name: "negative", bps: -1, want: domain.ErrInvalidInputs},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.ErrorIs(t, f.ledger.SetMinSlippage(ctx, admin, tt.bps), tt.want)
		})
	}

	require.ErrorIs(t, f.ledger.SetMinSlippage(ctx, bob, 100), domain.ErrNotAdmin)
	require.NoError(t, f.ledger.SetMinSlippage(ctx, admin, 999))
	assert.Equal(t, int64(999), f.ledger.Config().MinSlippage)

	_, err := f.ledger.CreatePositionAndDeposit(ctx, alice, CreatePositionRequest{
		TokenIn: usdc, TokenOut: weth, AmountIn: d(5_000), DCAAmount: d(1_000), Interval: time.Minute, Slippage: 998,
	})
	require.ErrorIs(t, err, domain.ErrInvalidSlippage)

	assert.Equal(t, []domain.EventType{domain.EventAllowedTokenPairSet, domain.EventMinSlippageSet}, f.sink.Types())
}

// An existing position keeps its slippage when the floor is raised later.
func TestSetMinSlippage_DoesNotTouchExistingPositions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.create(t, alice, 5_000, 1_000)

	require.NoError(t, f.ledger.SetMinSlippage(ctx, admin, 500))
	assert.Equal(t, int64(50), f.position(t, p.ID).Slippage)

	_, err := f.ledger.ExecuteDCA(ctx, executor, p.ID, f.params(t, p))
	require.NoError(t, err)
}

type failingJournal struct {
	err error
}

func (j failingJournal) Append(ledgerwal.Record) error {
	return j.err
}

func (j failingJournal) Records() ([]ledgerwal.Record, error) {
	return nil, nil
}

func TestRun_JournalFailureRollsBack(t *testing.T) {
	v, router := newVault(t)
	sink := &recordingSink{}
	l, err := New(zap.NewNop(), Config{Admin: admin, Executor: executor, WrappedNative: weth}, v, router,
		WithJournal(failingJournal{err: errors.New("disk full")}), WithEventSink(sink))
	require.NoError(t, err)

	before := v.Snapshot()
	err = l.SetAllowedTokenPair(context.Background(), admin, usdcWeth, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	assert.False(t, l.IsPairAllowed(usdcWeth))
	assert.Equal(t, uint64(0), l.Seq())
	assert.Empty(t, sink.Types())
	assert.Len(t, v.Snapshot(), len(before))
}

func TestEvents_CarryPositionFields(t *testing.T) {
	f := newFixture(t)
	p := f.create(t, alice, 5_000, 1_000)

	f.sink.mu.Lock()
	events := append([]domain.Event(nil), f.sink.events...)
	f.sink.mu.Unlock()

	require.Len(t, events, 2)
	created := events[0]
	require.NotNil(t, created.PositionID)
	assert.Equal(t, p.ID, *created.PositionID)
	require.NotNil(t, created.Owner)
	assert.Equal(t, alice, *created.Owner)
	require.NotNil(t, created.Pair)
	assert.Equal(t, usdcWeth, *created.Pair)
	assert.True(t, created.DCAAmount.Equal(d(1_000)))
	assert.Equal(t, time.Minute, created.Interval)
	assert.Equal(t, int64(50), created.Slippage)

	assert.True(t, events[1].Amount.Equal(d(5_000)))
	assert.True(t, events[1].Timestamp.Equal(f.clock.Now()))
}

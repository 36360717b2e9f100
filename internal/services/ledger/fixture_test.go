package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vadiminshakov/dcacore/internal/domain"
	"github.com/vadiminshakov/dcacore/internal/services/amm"
	"github.com/vadiminshakov/dcacore/internal/services/vault"
	"github.com/vadiminshakov/dcacore/internal/storage/ledgerwal"
)

var (
	usdc     = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	weth     = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	dai      = common.HexToAddress("0x00000000000000000000000000000000000000d1")
	admin    = common.HexToAddress("0x000000000000000000000000000000000000ad01")
	executor = common.HexToAddress("0x000000000000000000000000000000000000e8ec")
	alice    = common.HexToAddress("0x000000000000000000000000000000000000a11c")
	bob      = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	provider = common.HexToAddress("0x00000000000000000000000000000000000000f1")

	usdcWeth = domain.Pair{TokenIn: usdc, TokenOut: weth}
	wethUsdc = domain.Pair{TokenIn: weth, TokenOut: usdc}
)

func d(v int64) decimal.Decimal {
	return decimal.NewFromInt(v)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(dur time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(dur)
}

type recordingSink struct {
	mu     sync.Mutex
	events []domain.Event
}

func (s *recordingSink) Append(evs ...domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evs...)
	return nil
}

func (s *recordingSink) Types() []domain.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.EventType, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Type
	}
	return out
}

func (s *recordingSink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = nil
}

type fixture struct {
	ledger  *Ledger
	vault   *vault.Vault
	router  *amm.Router
	clock   *fakeClock
	sink    *recordingSink
	journal *ledgerwal.WALStore
	walDir  string
}

type fixtureOption func(*Config)

func withBatchMode(mode domain.BatchMode) fixtureOption {
	return func(c *Config) {
		c.BatchMode = mode
	}
}

func withCheckpointEvery(n int) fixtureOption {
	return func(c *Config) {
		c.CheckpointEvery = n
	}
}

func newVault(t *testing.T) (*vault.Vault, *amm.Router) {
	t.Helper()

	v := vault.New(weth)
	require.NoError(t, v.Mint(usdc, provider, d(10_000_000)))
	require.NoError(t, v.Mint(weth, provider, d(10_000_000)))
	require.NoError(t, v.Mint(usdc, alice, d(1_000_000)))
	require.NoError(t, v.Mint(domain.NativeToken, alice, d(100_000)))
	require.NoError(t, v.Mint(usdc, bob, d(100_000)))

	router := amm.NewRouter(zap.NewNop(), v)
	tx := v.Begin()
	require.NoError(t, router.AddLiquidity(tx, provider, usdc, weth, d(10_000_000), d(10_000_000)))
	require.NoError(t, tx.Commit())

	return v, router
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()

	v, router := newVault(t)
	f := &fixture{
		vault:  v,
		router: router,
		clock:  &fakeClock{now: time.Unix(1_700_000_000, 0)},
		sink:   &recordingSink{},
		walDir: t.TempDir(),
	}

	cfg := Config{Admin: admin, Executor: executor, WrappedNative: weth}
	for _, opt := range opts {
		opt(&cfg)
	}

	journal, err := ledgerwal.NewWALStore(f.walDir)
	require.NoError(t, err)
	f.journal = journal
	t.Cleanup(func() {
		_ = journal.Close()
	})

	l, err := New(zap.NewNop(), cfg, v, router,
		WithJournal(journal), WithEventSink(f.sink), WithClock(f.clock.Now))
	require.NoError(t, err)
	f.ledger = l

	ctx := context.Background()
	require.NoError(t, l.SetAllowedTokenPair(ctx, admin, usdcWeth, true))
	require.NoError(t, l.SetAllowedTokenPair(ctx, admin, wethUsdc, true))
	f.sink.Reset()

	return f
}

func (f *fixture) create(t *testing.T, owner common.Address, amountIn, dcaAmount int64) domain.Position {
	t.Helper()

	p, err := f.ledger.CreatePositionAndDeposit(context.Background(), owner, CreatePositionRequest{
		TokenIn:   usdc,
		TokenOut:  weth,
		AmountIn:  d(amountIn),
		DCAAmount: d(dcaAmount),
		Interval:  time.Minute,
		Slippage:  50,
	})
	require.NoError(t, err)
	return p
}

func (f *fixture) params(t *testing.T, p domain.Position) domain.SwapParams {
	t.Helper()

	path := []common.Address{p.TokenIn, p.TokenOut}
	amounts, err := f.router.GetAmountsOut(context.Background(), p.DCAAmount, path)
	require.NoError(t, err)
	return domain.SwapParams{AmountOutMin: domain.MinAmountOut(amounts[len(amounts)-1], p.Slippage), Path: path}
}

func (f *fixture) position(t *testing.T, id uint64) domain.Position {
	t.Helper()

	p, err := f.ledger.GetPosition(id)
	require.NoError(t, err)
	return p
}

// snapshot captures positions, balances and the commit sequence.
func (f *fixture) snapshot() ([]domain.Position, []domain.BalanceEntry, uint64) {
	ids := make([]uint64, f.ledger.GetNextPositionID())
	for i := range ids {
		ids[i] = uint64(i)
	}
	positions, _ := f.ledger.GetPositions(ids)
	return positions, f.vault.Snapshot(), f.ledger.Seq()
}

// requireUnchanged asserts that positions and balances equal the captured state.
func (f *fixture) requireUnchanged(t *testing.T, positions []domain.Position, balances []domain.BalanceEntry, seq uint64) {
	t.Helper()

	gotPositions, gotBalances, gotSeq := f.snapshot()
	require.Equal(t, seq, gotSeq)
	require.Len(t, gotPositions, len(positions))
	for i := range positions {
		requireSamePosition(t, positions[i], gotPositions[i])
	}
	require.Len(t, gotBalances, len(balances))
	for i := range balances {
		assert.Equal(t, balances[i].Token, gotBalances[i].Token)
		assert.Equal(t, balances[i].Account, gotBalances[i].Account)
		assert.True(t, balances[i].Balance.Equal(gotBalances[i].Balance))
	}
}

func requireSamePosition(t *testing.T, expected, actual domain.Position) {
	t.Helper()

	require.Equal(t, expected.ID, actual.ID)
	require.Equal(t, expected.Owner, actual.Owner)
	require.Equal(t, expected.TokenIn, actual.TokenIn)
	require.Equal(t, expected.TokenOut, actual.TokenOut)
	require.True(t, expected.AmountIn.Equal(actual.AmountIn), "amountIn %s != %s", expected.AmountIn, actual.AmountIn)
	require.True(t, expected.AmountOut.Equal(actual.AmountOut), "amountOut %s != %s", expected.AmountOut, actual.AmountOut)
	require.True(t, expected.DCAAmount.Equal(actual.DCAAmount))
	require.Equal(t, expected.Interval, actual.Interval)
	require.True(t, expected.LastExecution.Equal(actual.LastExecution))
	require.Equal(t, expected.Slippage, actual.Slippage)
}

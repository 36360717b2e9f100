package vault

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/vadiminshakov/dcacore/internal/domain"
	"github.com/vadiminshakov/dcacore/internal/storage/simstate"
)

var (
	weth  = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	usdc  = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	alice = common.HexToAddress("0x000000000000000000000000000000000000a11c")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

func d(v int64) decimal.Decimal {
	return decimal.NewFromInt(v)
}

func requireSameBalances(t *testing.T, expected, actual []domain.BalanceEntry) {
	t.Helper()
	require.Len(t, actual, len(expected))
	for i := range expected {
		require.Equal(t, expected[i].Token, actual[i].Token)
		require.Equal(t, expected[i].Account, actual[i].Account)
		require.True(t, expected[i].Balance.Equal(actual[i].Balance), "%s != %s", expected[i].Balance, actual[i].Balance)
	}
}

func TestVault_TransferCommit(t *testing.T) {
	v := New(weth)
	require.NoError(t, v.Mint(usdc, alice, d(1000)))
	require.Equal(t, uint64(1), v.Seq())

	tx := v.Begin()
	require.NoError(t, tx.Transfer(usdc, alice, bob, d(400)))
	require.Equal(t, uint64(2), tx.NextSeq())
	require.Len(t, tx.Touched(), 2)
	require.NoError(t, tx.Commit())

	require.True(t, v.BalanceOf(alice, usdc).Equal(d(600)))
	require.True(t, v.BalanceOf(bob, usdc).Equal(d(400)))
	require.Equal(t, uint64(2), v.Seq())

	require.ErrorIs(t, tx.Commit(), ErrTxDone)
}

func TestVault_TransferInsufficient(t *testing.T) {
	v := New(weth)
	require.NoError(t, v.Mint(usdc, alice, d(10)))

	tx := v.Begin()
	err := tx.Transfer(usdc, alice, bob, d(11))
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)
	tx.Rollback()

	require.True(t, v.BalanceOf(alice, usdc).Equal(d(10)))
	require.True(t, v.BalanceOf(bob, usdc).IsZero())
}

func TestVault_RollbackRestoresEverything(t *testing.T) {
	v := New(weth)
	require.NoError(t, v.Mint(usdc, alice, d(100)))
	require.NoError(t, v.Mint(domain.NativeToken, alice, d(5)))
	before := v.Snapshot()

	tx := v.Begin()
	require.NoError(t, tx.Transfer(usdc, alice, bob, d(60)))
	require.NoError(t, tx.Wrap(alice, d(5)))
	require.NoError(t, tx.Transfer(weth, alice, bob, d(5)))
	tx.Rollback()

	requireSameBalances(t, before, v.Snapshot())
	require.Equal(t, uint64(2), v.Seq())
}

func TestVault_Savepoints(t *testing.T) {
	v := New(weth)
	require.NoError(t, v.Mint(usdc, alice, d(100)))

	tx := v.Begin()
	require.NoError(t, tx.Transfer(usdc, alice, bob, d(10)))
	sp := tx.Savepoint()
	require.NoError(t, tx.Transfer(usdc, alice, bob, d(20)))
	tx.RollbackTo(sp)
	require.NoError(t, tx.Commit())

	require.True(t, v.BalanceOf(alice, usdc).Equal(d(90)))
	require.True(t, v.BalanceOf(bob, usdc).Equal(d(10)))
}

func TestVault_WrapUnwrap(t *testing.T) {
	v := New(weth)
	require.Equal(t, weth, v.WrappedNative())
	require.NoError(t, v.Mint(domain.NativeToken, alice, d(3)))

	tx := v.Begin()
	require.NoError(t, tx.Wrap(alice, d(3)))
	require.ErrorIs(t, tx.Wrap(alice, d(1)), domain.ErrInsufficientBalance)
	require.NoError(t, tx.Unwrap(alice, d(1)))
	require.NoError(t, tx.Commit())

	require.True(t, v.BalanceOf(alice, weth).Equal(d(2)))
	require.True(t, v.BalanceOf(alice, domain.NativeToken).Equal(d(1)))
}

func TestVault_PersistAndApply(t *testing.T) {
	store, err := simstate.NewStore(t.TempDir(), "vault")
	require.NoError(t, err)

	v := New(weth, WithStore(store))
	require.NoError(t, v.Mint(usdc, alice, d(50)))

	restored := New(weth, WithStore(store))
	require.NoError(t, restored.Load())
	requireSameBalances(t, v.Snapshot(), restored.Snapshot())
	require.Equal(t, uint64(1), restored.Seq())

	require.False(t, restored.Apply(1, []domain.BalanceEntry{{Token: usdc, Account: alice, Balance: d(1)}}))
	require.True(t, restored.Apply(2, []domain.BalanceEntry{{Token: usdc, Account: bob, Balance: d(7)}}))
	require.True(t, restored.BalanceOf(alice, usdc).Equal(d(50)))
	require.True(t, restored.BalanceOf(bob, usdc).Equal(d(7)))
}

func TestVault_MintRejectsZero(t *testing.T) {
	v := New(weth)
	require.ErrorIs(t, v.Mint(usdc, alice, decimal.Zero), domain.ErrZeroAmount)
}

package simstate

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStore_SaveLoad(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir, "Main Vault")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "main_vault.json"), store.Path())

	state, err := store.Load()
	require.NoError(t, err)
	require.Nil(t, state)

	saved := State{
		Seq: 7,
		Balances: map[string]map[string]string{
			"0xa1": {"0xb2": "1000"},
		},
	}
	require.NoError(t, store.Save(saved))

	_, err = os.Stat(store.Path() + ".tmp")
	require.True(t, os.IsNotExist(err))

	loaded, err := store.Load()
	require.NoError(t, err)
	require.Equal(t, FormatVersion, loaded.Version)
	require.Equal(t, saved.Seq, loaded.Seq)
	require.Equal(t, saved.Balances, loaded.Balances)
}

func TestStore_FallsBackToBackup(t *testing.T) {
	store, err := NewStore(t.TempDir(), "vault")
	require.NoError(t, err)

	require.NoError(t, store.Save(State{Seq: 1, Balances: map[string]map[string]string{"t": {"a": "5"}}}))
	require.NoError(t, store.Save(State{Seq: 2, Balances: map[string]map[string]string{"t": {"a": "9"}}}))

	loaded, err := store.Load()
	require.NoError(t, err)
	require.Equal(t, uint64(2), loaded.Seq)

	require.NoError(t, os.WriteFile(store.Path(), []byte("{broken"), 0o644))

	loaded, err = store.Load()
	require.NoError(t, err)
	require.Equal(t, uint64(1), loaded.Seq)
	require.Equal(t, "5", loaded.Balances["t"]["a"])
}

func TestStore_CorruptWithoutBackup(t *testing.T) {
	store, err := NewStore(t.TempDir(), "vault")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(store.Path(), []byte("{broken"), 0o644))

	_, err = store.Load()
	require.Error(t, err)
}

func TestStore_RejectsNewerVersion(t *testing.T) {
	store, err := NewStore(t.TempDir(), "vault")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(store.Path(), []byte(`{"version":99,"seq":3}`), 0o644))

	_, err = store.Load()
	require.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestStore_NilIsNoop(t *testing.T) {
	var store *Store
	require.NoError(t, store.Save(State{}))

	state, err := store.Load()
	require.NoError(t, err)
	require.Nil(t, state)
}

func TestSanitizeScope(t *testing.T) {
	require.Equal(t, "a_b_c", sanitizeScope("  A--b  c "))
	require.Equal(t, "", sanitizeScope("   "))
	require.Equal(t, "", sanitizeScope("--"))
}

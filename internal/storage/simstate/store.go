// Package simstate keeps the token vault's balances in a JSON file between runs.
package simstate

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

const (
	defaultStateDir = "./wal/vault"
	defaultScope    = "vault"

	// FormatVersion is written into every saved state.
	FormatVersion = 1
)

var (
	scopeSeparators = regexp.MustCompile(`[^a-z0-9]+`)

	ErrUnsupportedVersion = errors.New("unsupported vault state version")
)

// State is the persisted vault: token -> account -> balance, plus the commit
// sequence the balances correspond to.
type State struct {
	Version  int                          `json:"version"`
	Seq      uint64                       `json:"seq"`
	Balances map[string]map[string]string `json:"balances"`
}

// Store reads and writes one state file. The previous file is kept as a
// backup and used when the current one cannot be decoded.
type Store struct {
	path string
}

// NewStore creates the state file store for scope inside dir. An empty dir
// falls back to DCACORE_VAULT_STATE_DIR, then to ./wal/vault.
func NewStore(dir, scope string) (*Store, error) {
	if dir == "" {
		dir = os.Getenv("DCACORE_VAULT_STATE_DIR")
	}
	if dir == "" {
		dir = defaultStateDir
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create vault state dir")
	}

	name := sanitizeScope(scope)
	if name == "" {
		name = defaultScope
	}

	return &Store{path: filepath.Join(dir, name+".json")}, nil
}

// Path returns the backing file path.
func (s *Store) Path() string {
	if s == nil {
		return ""
	}
	return s.path
}

func (s *Store) backupPath() string {
	return s.path + ".bak"
}

// Load returns the saved state, or nil when nothing was saved yet.
func (s *Store) Load() (*State, error) {
	if s == nil || s.path == "" {
		return nil, nil
	}

	state, err := readState(s.path)
	if err == nil {
		return state, nil
	}
	if errors.Is(err, ErrUnsupportedVersion) {
		return nil, err
	}

	backup, backupErr := readState(s.backupPath())
	if backupErr != nil || backup == nil {
		return nil, err
	}
	return backup, nil
}

// Save replaces the state file atomically and fsyncs it before the rename.
func (s *Store) Save(state State) error {
	if s == nil || s.path == "" {
		return nil
	}

	state.Version = FormatVersion
	payload, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode vault state")
	}

	tmp := s.path + ".tmp"
	if err := writeSynced(tmp, payload); err != nil {
		_ = os.Remove(tmp)
		return errors.Wrap(err, "write vault state temp file")
	}

	if _, err := os.Stat(s.path); err == nil {
		if err := os.Rename(s.path, s.backupPath()); err != nil {
			return errors.Wrap(err, "back up vault state")
		}
	}

	if err := os.Rename(tmp, s.path); err != nil {
		return errors.Wrap(err, "persist vault state")
	}

	return nil
}

func readState(path string) (*State, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "read %s", filepath.Base(path))
	}
	if len(payload) == 0 {
		return nil, nil
	}

	var state State
	if err := json.Unmarshal(payload, &state); err != nil {
		return nil, errors.Wrapf(err, "decode %s", filepath.Base(path))
	}
	// files written before versioning carry no version field
	if state.Version > FormatVersion {
		return nil, errors.Wrapf(ErrUnsupportedVersion, "%s has version %d", filepath.Base(path), state.Version)
	}

	return &state, nil
}

func writeSynced(path string, payload []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(payload); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func sanitizeScope(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	return strings.Trim(scopeSeparators.ReplaceAllString(value, "_"), "_")
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vadiminshakov/dcacore/internal/domain"
)

const sampleYaml = `
admin: "0x000000000000000000000000000000000000ad01"
executor: "0x000000000000000000000000000000000000e8ec"
wrapped_native: "0x00000000000000000000000000000000000000e1"
min_slippage: 30
batch_mode: isolated
checkpoint_every: 50
allowed_pairs:
  - token_in: "0x00000000000000000000000000000000000000c1"
    token_out: "0x00000000000000000000000000000000000000e1"
pools:
  - token_a: "0x00000000000000000000000000000000000000c1"
    token_b: "0x00000000000000000000000000000000000000e1"
    amount_a: "10000000"
    amount_b: "5000"
balances:
  - token: "0x00000000000000000000000000000000000000c1"
    account: "0x000000000000000000000000000000000000a11c"
    amount: "100000"
http_addr: ":9090"
wal_dir: /var/lib/dcacore
keeper:
  enabled: true
  poll_interval: 30s
  fee_per_batch: "2"
  treasury: "100"
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestGet_Yaml(t *testing.T) {
	cfg, err := Get(Flags{ConfigPath: writeConfig(t, sampleYaml)})
	require.NoError(t, err)

	usdc := common.HexToAddress("0x00000000000000000000000000000000000000c1")
	weth := common.HexToAddress("0x00000000000000000000000000000000000000e1")

	assert.Equal(t, common.HexToAddress("0x000000000000000000000000000000000000ad01"), cfg.Admin)
	assert.Equal(t, weth, cfg.WrappedNative)
	assert.Equal(t, int64(30), cfg.MinSlippage)
	assert.Equal(t, domain.BatchModeIsolated, cfg.BatchMode)
	assert.Equal(t, 50, cfg.CheckpointEvery)
	assert.Equal(t, []domain.Pair{{TokenIn: usdc, TokenOut: weth}}, cfg.AllowedPairs)

	require.Len(t, cfg.Pools, 1)
	assert.True(t, cfg.Pools[0].AmountB.Equal(decimal.NewFromInt(5000)))
	require.Len(t, cfg.Balances, 1)
	assert.True(t, cfg.Balances[0].Balance.Equal(decimal.NewFromInt(100_000)))

	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, filepath.Join("/var/lib/dcacore", "ledger"), cfg.LedgerDir())
	assert.Equal(t, filepath.Join("/var/lib/dcacore", "events"), cfg.EventsDir())

	assert.True(t, cfg.Keeper.Enabled)
	assert.Equal(t, 30*time.Second, cfg.Keeper.PollInterval)
	assert.True(t, cfg.Keeper.FeePerBatch.Equal(decimal.NewFromInt(2)))
	assert.True(t, cfg.Keeper.Treasury.Equal(decimal.NewFromInt(100)))
}

func TestGet_EnvOverrides(t *testing.T) {
	t.Setenv("DCACORE_HTTP_ADDR", ":7070")
	t.Setenv("DCACORE_EXECUTOR", "0x0000000000000000000000000000000000000e0e")
	t.Setenv("DCACORE_WAL_DIR", "/tmp/wal")
	t.Setenv("DCACORE_REDIS_ADDR", "localhost:6379")

	cfg, err := Get(Flags{ConfigPath: writeConfig(t, sampleYaml)})
	require.NoError(t, err)

	assert.Equal(t, ":7070", cfg.HTTPAddr)
	assert.Equal(t, common.HexToAddress("0x0000000000000000000000000000000000000e0e"), cfg.Executor)
	assert.Equal(t, "/tmp/wal", cfg.WALDir)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
}

func TestGet_Flags(t *testing.T) {
	flags, err := ParseFlags([]string{
		"--admin", "0x000000000000000000000000000000000000ad01",
		"--executor", "0x000000000000000000000000000000000000e8ec",
		"--wrapped-native", "0x00000000000000000000000000000000000000e1",
	})
	require.NoError(t, err)

	cfg, err := Get(flags)
	require.NoError(t, err)
	assert.Equal(t, DefaultHTTPAddr, cfg.HTTPAddr)
	assert.Equal(t, DefaultWALDir, cfg.WALDir)
	assert.Equal(t, domain.BatchModeAtomic, cfg.BatchMode)
	assert.Equal(t, DefaultPollInterval, cfg.Keeper.PollInterval)
	assert.False(t, cfg.Keeper.Enabled)

	_, err = ParseFlags([]string{"--unknown"})
	require.Error(t, err)

	_, err = ParseFlags([]string{"extra"})
	require.Error(t, err)
}

func TestGet_Invalid(t *testing.T) {
	base := ConfigTmp{
		Admin:         "0x000000000000000000000000000000000000ad01",
		Executor:      "0x000000000000000000000000000000000000e8ec",
		WrappedNative: "0x00000000000000000000000000000000000000e1",
	}

	tests := []struct {
		name   string
		mutate func(c *ConfigTmp)
	}{
		{"missing admin", func(c *ConfigTmp) { c.Admin = "" }},
		{"bad executor", func(c *ConfigTmp) { c.Executor = "0x12" }},
		{"min slippage too large", func(c *ConfigTmp) { c.MinSlippage = 1000 }},
		{"unknown batch mode", func(c *ConfigTmp) { c.BatchMode = "sometimes" }},
		{"duplicate pair tokens", func(c *ConfigTmp) {
			c.AllowedPairs = []PairTmp{{TokenIn: c.WrappedNative, TokenOut: c.WrappedNative}}
		}},
		{"fractional pool amount", func(c *ConfigTmp) {
			c.Pools = []PoolTmp{{TokenA: c.Admin, TokenB: c.WrappedNative, AmountA: "1.5", AmountB: "1"}}
		}},
		{"rpc without router", func(c *ConfigTmp) { c.RPCURL = "http://localhost:8545" }},
		{"negative fee", func(c *ConfigTmp) { c.Keeper.FeePerBatch = "-1" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base
			tt.mutate(&c)
			_, err := c.parse()
			require.Error(t, err)
		})
	}

	_, err := base.parse()
	require.NoError(t, err)
}

func TestWriteYaml_RoundTrip(t *testing.T) {
	tmp := ConfigTmp{
		Admin:         "0x000000000000000000000000000000000000ad01",
		Executor:      "0x000000000000000000000000000000000000e8ec",
		WrappedNative: "0x00000000000000000000000000000000000000e1",
		BatchMode:     "isolated",
		Keeper:        KeeperTmp{Enabled: true, PollInterval: time.Minute},
	}

	path := filepath.Join(t.TempDir(), GeneratedConfigPath)
	require.NoError(t, WriteYaml(path, tmp))

	cfg, err := Get(Flags{ConfigPath: path})
	require.NoError(t, err)
	assert.Equal(t, domain.BatchModeIsolated, cfg.BatchMode)
	assert.Equal(t, time.Minute, cfg.Keeper.PollInterval)
}

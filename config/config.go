// Package config loads engine settings from a YAML file or command line flags,
// with DCACORE_* environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/vadiminshakov/dcacore/internal/domain"
)

const (
	DefaultHTTPAddr     = ":8080"
	DefaultWALDir       = "./wal"
	DefaultPollInterval = 15 * time.Second
	GeneratedConfigPath = "config.gen.yaml"
)

// Config validated engine settings.
type Config struct {
	Admin           common.Address
	Executor        common.Address
	WrappedNative   common.Address
	Custody         common.Address
	MinSlippage     int64
	BatchMode       domain.BatchMode
	CheckpointEvery int
	AllowedPairs    []domain.Pair

	Pools    []Pool
	Balances []domain.BalanceEntry

	RPCURL        string
	RouterAddress common.Address

	HTTPAddr     string
	TLSDomains   []string
	CertCacheDir string

	WALDir string

	RedisAddr     string
	RedisPassword string

	Keeper KeeperConfig
}

// Pool initial liquidity of a simulated pool.
type Pool struct {
	TokenA  common.Address
	TokenB  common.Address
	AmountA decimal.Decimal
	AmountB decimal.Decimal
}

// KeeperConfig settings of the in-process keeper.
type KeeperConfig struct {
	Enabled      bool
	PollInterval time.Duration
	LockTTL      time.Duration
	FeePerBatch  decimal.Decimal
	Treasury     decimal.Decimal
}

// LedgerDir directory of the ledger delta log.
func (c Config) LedgerDir() string { return filepath.Join(c.WALDir, "ledger") }

// EventsDir directory of the event log.
func (c Config) EventsDir() string { return filepath.Join(c.WALDir, "events") }

// KeeperDir directory of the keeper submission journal.
func (c Config) KeeperDir() string { return filepath.Join(c.WALDir, "keeper") }

// StateDir directory of vault snapshots.
func (c Config) StateDir() string { return filepath.Join(c.WALDir, "state") }

// ConfigTmp raw YAML representation; amounts and addresses are strings.
type ConfigTmp struct {
	Admin           string       `yaml:"admin"`
	Executor        string       `yaml:"executor"`
	WrappedNative   string       `yaml:"wrapped_native"`
	Custody         string       `yaml:"custody,omitempty"`
	MinSlippage     int64        `yaml:"min_slippage,omitempty"`
	BatchMode       string       `yaml:"batch_mode,omitempty"`
	CheckpointEvery int          `yaml:"checkpoint_every,omitempty"`
	AllowedPairs    []PairTmp    `yaml:"allowed_pairs,omitempty"`
	Pools           []PoolTmp    `yaml:"pools,omitempty"`
	Balances        []BalanceTmp `yaml:"balances,omitempty"`

	RPCURL        string `yaml:"rpc_url,omitempty"`
	RouterAddress string `yaml:"router_address,omitempty"`

	HTTPAddr     string   `yaml:"http_addr,omitempty"`
	TLSDomains   []string `yaml:"tls_domains,omitempty"`
	CertCacheDir string   `yaml:"cert_cache_dir,omitempty"`

	WALDir string `yaml:"wal_dir,omitempty"`

	RedisAddr     string `yaml:"redis_addr,omitempty"`
	RedisPassword string `yaml:"redis_password,omitempty"`

	Keeper KeeperTmp `yaml:"keeper,omitempty"`
}

type PairTmp struct {
	TokenIn  string `yaml:"token_in"`
	TokenOut string `yaml:"token_out"`
}

type PoolTmp struct {
	TokenA  string `yaml:"token_a"`
	TokenB  string `yaml:"token_b"`
	AmountA string `yaml:"amount_a"`
	AmountB string `yaml:"amount_b"`
}

type BalanceTmp struct {
	Token   string `yaml:"token"`
	Account string `yaml:"account"`
	Amount  string `yaml:"amount"`
}

type KeeperTmp struct {
	Enabled      bool          `yaml:"enabled"`
	PollInterval time.Duration `yaml:"poll_interval,omitempty"`
	LockTTL      time.Duration `yaml:"lock_ttl,omitempty"`
	FeePerBatch  string        `yaml:"fee_per_batch,omitempty"`
	Treasury     string        `yaml:"treasury,omitempty"`
}

// Get loads the configuration selected by flags. A .env file in the working
// directory is loaded first when present.
func Get(flags Flags) (Config, error) {
	_ = godotenv.Load()

	var tmp ConfigTmp
	if flags.ConfigPath != "" {
		var err error
		tmp, err = readYaml(flags.ConfigPath)
		if err != nil {
			return Config{}, err
		}
	} else {
		tmp = flags.toTmp()
	}

	applyEnvOverrides(&tmp)
	return tmp.parse()
}

// WriteYaml stores tmp at path.
func WriteYaml(path string, tmp ConfigTmp) error {
	data, err := yaml.Marshal(tmp)
	if err != nil {
		return fmt.Errorf("failed to generate yaml: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to save config file: %w", err)
	}
	return nil
}

func readYaml(path string) (ConfigTmp, error) {
	var tmp ConfigTmp

	f, err := os.ReadFile(path)
	if err != nil {
		return tmp, err
	}
	if err := yaml.Unmarshal(f, &tmp); err != nil {
		return tmp, fmt.Errorf("incorrect yaml config %s: %w", path, err)
	}
	return tmp, nil
}

func applyEnvOverrides(c *ConfigTmp) {
	setStr(&c.Admin, "DCACORE_ADMIN")
	setStr(&c.Executor, "DCACORE_EXECUTOR")
	setStr(&c.WrappedNative, "DCACORE_WRAPPED_NATIVE")
	setStr(&c.HTTPAddr, "DCACORE_HTTP_ADDR")
	setStr(&c.RPCURL, "DCACORE_RPC_URL")
	setStr(&c.RouterAddress, "DCACORE_ROUTER_ADDRESS")
	setStr(&c.RedisAddr, "DCACORE_REDIS_ADDR")
	setStr(&c.RedisPassword, "DCACORE_REDIS_PASSWORD")
	setStr(&c.WALDir, "DCACORE_WAL_DIR")
	setStr(&c.BatchMode, "DCACORE_BATCH_MODE")
}

func setStr(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func (c ConfigTmp) parse() (Config, error) {
	var (
		cfg Config
		err error
	)

	if cfg.Admin, err = requiredAddress("admin", c.Admin); err != nil {
		return Config{}, err
	}
	if cfg.Executor, err = requiredAddress("executor", c.Executor); err != nil {
		return Config{}, err
	}
	if cfg.WrappedNative, err = requiredAddress("wrapped_native", c.WrappedNative); err != nil {
		return Config{}, err
	}
	if cfg.Custody, err = optionalAddress("custody", c.Custody); err != nil {
		return Config{}, err
	}

	if c.MinSlippage < 0 || c.MinSlippage >= domain.MaxMinSlippage {
		return Config{}, fmt.Errorf("incorrect 'min_slippage' param in yaml config (must be in [0, %d)): %d", domain.MaxMinSlippage, c.MinSlippage)
	}
	cfg.MinSlippage = c.MinSlippage

	if cfg.BatchMode, err = domain.ParseBatchMode(c.BatchMode); err != nil {
		return Config{}, fmt.Errorf("incorrect 'batch_mode' param in yaml config: %w", err)
	}
	if c.CheckpointEvery < 0 {
		return Config{}, fmt.Errorf("incorrect 'checkpoint_every' param in yaml config (must not be negative): %d", c.CheckpointEvery)
	}
	cfg.CheckpointEvery = c.CheckpointEvery

	for i, p := range c.AllowedPairs {
		tokenIn, err := requiredAddress(fmt.Sprintf("allowed_pairs[%d].token_in", i), p.TokenIn)
		if err != nil {
			return Config{}, err
		}
		tokenOut, err := requiredAddress(fmt.Sprintf("allowed_pairs[%d].token_out", i), p.TokenOut)
		if err != nil {
			return Config{}, err
		}
		pair, err := domain.NewPair(tokenIn, tokenOut)
		if err != nil {
			return Config{}, fmt.Errorf("incorrect 'allowed_pairs[%d]' param in yaml config: %w", i, err)
		}
		cfg.AllowedPairs = append(cfg.AllowedPairs, pair)
	}

	for i, p := range c.Pools {
		pool, err := p.parse(i)
		if err != nil {
			return Config{}, err
		}
		cfg.Pools = append(cfg.Pools, pool)
	}

	for i, b := range c.Balances {
		token, err := requiredAddress(fmt.Sprintf("balances[%d].token", i), b.Token)
		if err != nil {
			return Config{}, err
		}
		account, err := requiredAddress(fmt.Sprintf("balances[%d].account", i), b.Account)
		if err != nil {
			return Config{}, err
		}
		amount, err := positiveAmount(fmt.Sprintf("balances[%d].amount", i), b.Amount)
		if err != nil {
			return Config{}, err
		}
		cfg.Balances = append(cfg.Balances, domain.BalanceEntry{Token: token, Account: account, Balance: amount})
	}

	cfg.RPCURL = strings.TrimSpace(c.RPCURL)
	if cfg.RouterAddress, err = optionalAddress("router_address", c.RouterAddress); err != nil {
		return Config{}, err
	}
	if cfg.RPCURL != "" && cfg.RouterAddress == (common.Address{}) {
		return Config{}, fmt.Errorf("'router_address' is required when 'rpc_url' is set")
	}

	cfg.HTTPAddr = c.HTTPAddr
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = DefaultHTTPAddr
	}
	cfg.TLSDomains = c.TLSDomains
	cfg.CertCacheDir = c.CertCacheDir

	cfg.WALDir = c.WALDir
	if cfg.WALDir == "" {
		cfg.WALDir = DefaultWALDir
	}

	cfg.RedisAddr = c.RedisAddr
	cfg.RedisPassword = c.RedisPassword

	if cfg.Keeper, err = c.Keeper.parse(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (p PoolTmp) parse(i int) (Pool, error) {
	var (
		pool Pool
		err  error
	)

	if pool.TokenA, err = requiredAddress(fmt.Sprintf("pools[%d].token_a", i), p.TokenA); err != nil {
		return Pool{}, err
	}
	if pool.TokenB, err = requiredAddress(fmt.Sprintf("pools[%d].token_b", i), p.TokenB); err != nil {
		return Pool{}, err
	}
	if pool.TokenA == pool.TokenB {
		return Pool{}, fmt.Errorf("incorrect 'pools[%d]' param in yaml config: %w", i, domain.ErrDuplicateTokens)
	}
	if pool.AmountA, err = positiveAmount(fmt.Sprintf("pools[%d].amount_a", i), p.AmountA); err != nil {
		return Pool{}, err
	}
	if pool.AmountB, err = positiveAmount(fmt.Sprintf("pools[%d].amount_b", i), p.AmountB); err != nil {
		return Pool{}, err
	}

	return pool, nil
}

func (k KeeperTmp) parse() (KeeperConfig, error) {
	cfg := KeeperConfig{
		Enabled:      k.Enabled,
		PollInterval: k.PollInterval,
		LockTTL:      k.LockTTL,
		FeePerBatch:  decimal.Zero,
		Treasury:     decimal.Zero,
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.LockTTL < 0 {
		return KeeperConfig{}, fmt.Errorf("incorrect 'keeper.lock_ttl' param in yaml config (must not be negative): %s", k.LockTTL)
	}

	if k.FeePerBatch != "" {
		fee, err := decimal.NewFromString(k.FeePerBatch)
		if err != nil || fee.IsNegative() {
			return KeeperConfig{}, fmt.Errorf("incorrect 'keeper.fee_per_batch' param in yaml config (must be a non-negative decimal): %q", k.FeePerBatch)
		}
		cfg.FeePerBatch = fee
	}
	if k.Treasury != "" {
		treasury, err := decimal.NewFromString(k.Treasury)
		if err != nil || treasury.IsNegative() {
			return KeeperConfig{}, fmt.Errorf("incorrect 'keeper.treasury' param in yaml config (must be a non-negative decimal): %q", k.Treasury)
		}
		cfg.Treasury = treasury
	}

	return cfg, nil
}

func requiredAddress(name, s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return common.Address{}, fmt.Errorf("'%s' is required", name)
	}
	return optionalAddress(name, s)
}

func optionalAddress(name, s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return common.Address{}, nil
	}
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("incorrect '%s' param in yaml config (must be a hex address): %q", name, s)
	}
	return common.HexToAddress(s), nil
}

func positiveAmount(name, s string) (decimal.Decimal, error) {
	amount, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("incorrect '%s' param in yaml config (must be a decimal): %w", name, err)
	}
	if !amount.IsPositive() || !domain.IsWholeAmount(amount) {
		return decimal.Decimal{}, fmt.Errorf("incorrect '%s' param in yaml config (must be a positive whole amount): %s", name, s)
	}
	return amount, nil
}

// Command dcacore runs the recurring order engine: the position ledger, the
// eligibility resolver, the keeper and the HTTP API.
//
// Usage:
//
//	dcacore --config config.yaml
//	dcacore --setup (interactive wizard, writes config.gen.yaml)
//	dcacore --admin 0x.. --executor 0x.. --wrapped-native 0x..
//
// Environment overrides (a .env file is loaded when present):
//
//	DCACORE_ADMIN, DCACORE_EXECUTOR, DCACORE_HTTP_ADDR, DCACORE_RPC_URL,
//	DCACORE_REDIS_ADDR, DCACORE_WAL_DIR
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vadiminshakov/dcacore/config"
	"github.com/vadiminshakov/dcacore/internal/domain"
	"github.com/vadiminshakov/dcacore/internal/metrics"
	"github.com/vadiminshakov/dcacore/internal/services/amm"
	"github.com/vadiminshakov/dcacore/internal/services/keeper"
	"github.com/vadiminshakov/dcacore/internal/services/ledger"
	"github.com/vadiminshakov/dcacore/internal/services/resolver"
	"github.com/vadiminshakov/dcacore/internal/services/vault"
	"github.com/vadiminshakov/dcacore/internal/setup"
	"github.com/vadiminshakov/dcacore/internal/storage/events"
	"github.com/vadiminshakov/dcacore/internal/storage/ledgerwal"
	"github.com/vadiminshakov/dcacore/internal/storage/simstate"
	"github.com/vadiminshakov/dcacore/internal/web"
)

func main() {
	flags, err := config.ParseFlags(os.Args[1:])
	if err != nil {
		log.Fatal(err)
	}

	if flags.Setup {
		if err := setup.RunTUI(config.GeneratedConfigPath); err != nil {
			log.Fatal(err)
		}
		flags.ConfigPath = config.GeneratedConfigPath
	}

	cfg, err := config.Get(flags)
	if err != nil {
		log.Fatal(err)
	}

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, cfg); err != nil {
		logger.Fatal("engine stopped", zap.Error(err))
	}
	logger.Info("engine stopped")
}

func run(ctx context.Context, logger *zap.Logger, cfg config.Config) error {
	m := metrics.Engine()

	store, err := simstate.NewStore(cfg.StateDir(), "vault")
	if err != nil {
		return err
	}
	v := vault.New(cfg.WrappedNative, vault.WithStore(store), vault.WithLogger(logger))
	if err := v.Load(); err != nil {
		return err
	}

	router := amm.NewRouter(logger, v)

	eventStore, err := events.NewWALStore(cfg.EventsDir())
	if err != nil {
		return err
	}
	defer eventStore.Close()

	ledgerLog, err := ledgerwal.NewWALStore(cfg.LedgerDir())
	if err != nil {
		return err
	}
	defer ledgerLog.Close()

	l, err := ledger.New(logger, ledger.Config{
		Admin:           cfg.Admin,
		Executor:        cfg.Executor,
		WrappedNative:   cfg.WrappedNative,
		Custody:         cfg.Custody,
		MinSlippage:     cfg.MinSlippage,
		BatchMode:       cfg.BatchMode,
		CheckpointEvery: cfg.CheckpointEvery,
	}, v, router,
		ledger.WithJournal(ledgerLog),
		ledger.WithEventSink(eventStore),
		ledger.WithMetrics(m))
	if err != nil {
		return err
	}
	if err := l.Recover(ctx); err != nil {
		return errors.Wrap(err, "recover ledger")
	}

	if err := seed(ctx, logger, cfg, v, router, l); err != nil {
		return err
	}

	var quoter resolver.Quoter = router
	if cfg.RPCURL != "" {
		ethQuoter, client, err := amm.DialEthQuoter(logger, cfg.RPCURL, cfg.RouterAddress)
		if err != nil {
			return err
		}
		defer client.Close()
		quoter = ethQuoter
		logger.Info("quoting through on-chain router", zap.String("router", cfg.RouterAddress.Hex()))
	}

	res, err := resolver.New(logger, l, quoter, resolver.WithMetrics(m))
	if err != nil {
		return err
	}

	server := web.NewServer(logger, cfg.HTTPAddr, l, res, eventStore)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if len(cfg.TLSDomains) > 0 {
			return server.StartWithAutoTLS(gctx, cfg.TLSDomains, cfg.CertCacheDir)
		}
		return server.Start(gctx)
	})

	if cfg.Keeper.Enabled {
		k, closeKeeper, err := newKeeper(gctx, logger, cfg, res, l, m)
		if err != nil {
			return err
		}
		defer closeKeeper()

		g.Go(func() error {
			if err := k.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	logger.Info("engine started",
		zap.String("http", cfg.HTTPAddr),
		zap.String("batch_mode", string(cfg.BatchMode)),
		zap.Bool("keeper", cfg.Keeper.Enabled),
		zap.Uint64("positions", l.GetNextPositionID()))

	return g.Wait()
}

func newKeeper(ctx context.Context, logger *zap.Logger, cfg config.Config, res *resolver.Resolver, l *ledger.Ledger,
	m *metrics.EngineMetrics) (*keeper.Keeper, func(), error) {
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	var locker keeper.Locker = keeper.NewLocalLock()
	if cfg.RedisAddr != "" {
		rdb, err := keeper.DialRedis(ctx, cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, func() { _ = rdb.Close() })
		locker = keeper.NewRedisLock(rdb)
		logger.Info("keeper lock in redis", zap.String("addr", cfg.RedisAddr))
	}

	journal, err := keeper.OpenJournal(logger, cfg.KeeperDir())
	if err != nil {
		closeAll()
		return nil, nil, err
	}
	closers = append(closers, func() { _ = journal.Close() })

	k, err := keeper.New(logger, keeper.Config{
		Executor:     cfg.Executor,
		PollInterval: cfg.Keeper.PollInterval,
		LockTTL:      cfg.Keeper.LockTTL,
		FeePerBatch:  cfg.Keeper.FeePerBatch,
	}, res, l,
		keeper.WithLocker(locker),
		keeper.WithTreasury(keeper.NewTreasury(cfg.Keeper.Treasury)),
		keeper.WithJournal(journal),
		keeper.WithMetrics(m))
	if err != nil {
		closeAll()
		return nil, nil, err
	}

	return k, closeAll, nil
}

// seed funds a fresh vault with the configured balances and pools, and allows the
// configured pairs on a ledger that has never committed.
func seed(ctx context.Context, logger *zap.Logger, cfg config.Config, v *vault.Vault, router *amm.Router, l *ledger.Ledger) error {
	if v.Seq() == 0 {
		for _, b := range cfg.Balances {
			if err := v.Mint(b.Token, b.Account, b.Balance); err != nil {
				return errors.Wrapf(err, "mint %s to %s", b.Token.Hex(), b.Account.Hex())
			}
		}

		for _, p := range cfg.Pools {
			if err := v.Mint(p.TokenA, cfg.Admin, p.AmountA); err != nil {
				return err
			}
			if err := v.Mint(p.TokenB, cfg.Admin, p.AmountB); err != nil {
				return err
			}
			tx := v.Begin()
			if err := router.AddLiquidity(tx, cfg.Admin, p.TokenA, p.TokenB, p.AmountA, p.AmountB); err != nil {
				tx.Rollback()
				return errors.Wrapf(err, "seed pool %s", amm.PoolAddress(p.TokenA, p.TokenB).Hex())
			}
			if err := tx.Commit(); err != nil {
				return err
			}
		}
		logger.Info("vault seeded", zap.Int("balances", len(cfg.Balances)), zap.Int("pools", len(cfg.Pools)))
	}

	if l.Seq() > 0 {
		return nil
	}
	for _, pair := range cfg.AllowedPairs {
		if l.IsPairAllowed(pair) {
			continue
		}
		if err := l.SetAllowedTokenPair(ctx, cfg.Admin, pair, true); err != nil && !errors.Is(err, domain.ErrSameValue) {
			return errors.Wrapf(err, "allow pair %s", pair.String())
		}
	}

	return nil
}

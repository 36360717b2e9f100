// Package ledger owns the position arena and the configuration store and applies every
// state change as a single all-or-nothing transaction.
package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/dcacore/internal/domain"
	"github.com/vadiminshakov/dcacore/internal/metrics"
	"github.com/vadiminshakov/dcacore/internal/services/amm"
	"github.com/vadiminshakov/dcacore/internal/services/calldata"
	"github.com/vadiminshakov/dcacore/internal/services/vault"
	"github.com/vadiminshakov/dcacore/internal/storage/ledgerwal"
)

const defaultCheckpointEvery = 256

// DefaultCustody account holding every position's funds when none is configured.
var DefaultCustody = common.BytesToAddress(crypto.Keccak256([]byte("dcacore/custody"))[12:])

// Swapper executes swaps against balances of the given bank.
type Swapper interface {
	SwapExactTokensForTokens(
		ctx context.Context,
		bank amm.Bank,
		amountIn, amountOutMin decimal.Decimal,
		path []common.Address,
		from, to common.Address,
		deadline time.Time,
	) ([]decimal.Decimal, error)
}

// Journal durable log of committed operations.
type Journal interface {
	Append(rec ledgerwal.Record) error
	Records() ([]ledgerwal.Record, error)
}

// EventSink receives events of committed operations.
type EventSink interface {
	Append(evs ...domain.Event) error
}

// Config static part of the configuration store.
type Config struct {
	Admin           common.Address
	Executor        common.Address
	WrappedNative   common.Address
	Custody         common.Address
	MinSlippage     int64
	BatchMode       domain.BatchMode
	CheckpointEvery int
}

// Ledger position ledger and batch execution path.
type Ledger struct {
	mu sync.RWMutex

	positions []*domain.Position

	admin         common.Address
	executor      common.Address
	wrappedNative common.Address
	custody       common.Address
	batchMode     domain.BatchMode
	minSlippage   int64
	paused        bool
	allowed       map[domain.Pair]bool

	vault   *vault.Vault
	swapper Swapper
	codec   *calldata.Codec
	journal Journal
	events  EventSink
	metrics *metrics.EngineMetrics
	now     func() time.Time

	seq             uint64
	checkpointEvery int
	sinceCheckpoint int

	l *zap.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithJournal enables durable commits.
func WithJournal(j Journal) Option {
	return func(l *Ledger) {
		l.journal = j
	}
}

// WithEventSink publishes committed events.
func WithEventSink(s EventSink) Option {
	return func(l *Ledger) {
		l.events = s
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

// WithMetrics records operation metrics.
func WithMetrics(m *metrics.EngineMetrics) Option {
	return func(l *Ledger) {
		l.metrics = m
	}
}

// New creates an empty ledger. Call Recover to rebuild state from the journal.
func New(l *zap.Logger, cfg Config, v *vault.Vault, swapper Swapper, opts ...Option) (*Ledger, error) {
	if cfg.Admin == (common.Address{}) {
		return nil, errors.New("admin address is required")
	}
	if cfg.Executor == (common.Address{}) {
		return nil, errors.New("executor address is required")
	}
	if cfg.WrappedNative == (common.Address{}) {
		return nil, errors.New("wrapped native token address is required")
	}
	if v == nil || swapper == nil {
		return nil, errors.New("vault and swapper are required")
	}
	if v.WrappedNative() != cfg.WrappedNative {
		return nil, errors.Errorf("vault wraps into %s, ledger expects %s", v.WrappedNative().Hex(), cfg.WrappedNative.Hex())
	}

	minSlippage := cfg.MinSlippage
	if minSlippage == 0 {
		minSlippage = domain.DefaultMinSlippage
	}
	if minSlippage < 0 || minSlippage >= domain.MaxMinSlippage {
		return nil, errors.Wrapf(domain.ErrMinSlippageTooLarge, "min slippage %d", minSlippage)
	}

	batchMode, err := domain.ParseBatchMode(string(cfg.BatchMode))
	if err != nil {
		return nil, err
	}

	custody := cfg.Custody
	if custody == (common.Address{}) {
		custody = DefaultCustody
	}

	checkpointEvery := cfg.CheckpointEvery
	if checkpointEvery <= 0 {
		checkpointEvery = defaultCheckpointEvery
	}

	codec, err := calldata.New()
	if err != nil {
		return nil, err
	}

	ledger := &Ledger{
		admin:           cfg.Admin,
		executor:        cfg.Executor,
		wrappedNative:   cfg.WrappedNative,
		custody:         custody,
		batchMode:       batchMode,
		minSlippage:     minSlippage,
		allowed:         make(map[domain.Pair]bool),
		vault:           v,
		swapper:         swapper,
		codec:           codec,
		now:             time.Now,
		checkpointEvery: checkpointEvery,
		l:               l,
	}
	for _, opt := range opts {
		opt(ledger)
	}

	return ledger, nil
}

// Recover rebuilds positions, settings and vault balances from the journal.
func (l *Ledger) Recover(ctx context.Context) error {
	if l.journal == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	records, err := l.journal.Records()
	if err != nil {
		return errors.Wrap(err, "read ledger journal")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	for _, rec := range records {
		switch rec.Type {
		case ledgerwal.RecordCheckpoint:
			l.positions = make([]*domain.Position, 0, len(rec.Positions))
			l.sinceCheckpoint = 0
			l.vault.Reset(rec.VaultSeq, rec.Balances)
		case ledgerwal.RecordDelta:
			l.sinceCheckpoint++
			l.vault.Apply(rec.VaultSeq, rec.Balances)
		default:
			return errors.Errorf("unknown ledger record type %q at seq %d", rec.Type, rec.Seq)
		}

		for i := range rec.Positions {
			p := rec.Positions[i]
			switch {
			case p.ID < uint64(len(l.positions)):
				*l.positions[p.ID] = p
			case p.ID == uint64(len(l.positions)):
				l.positions = append(l.positions, &p)
			default:
				return errors.Errorf("ledger record %d skips position ids: got %d, next is %d", rec.Seq, p.ID, len(l.positions))
			}
		}

		if rec.Settings != nil {
			l.applySettingsLocked(*rec.Settings)
		}

		if uint64(len(l.positions)) != rec.NextID {
			return errors.Errorf("ledger record %d expects next id %d, replay has %d", rec.Seq, rec.NextID, len(l.positions))
		}
		l.seq = rec.Seq
	}

	l.metrics.SetPositions(uint64(len(l.positions)))
	l.l.Info("ledger recovered",
		zap.Int("records", len(records)),
		zap.Uint64("seq", l.seq),
		zap.Int("positions", len(l.positions)))

	return nil
}

// run executes fn as one transaction: all of its ledger, vault and pool changes
// commit together or none of them do.
func (l *Ledger) run(ctx context.Context, op string, fn func(t *txn) error) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	t := &txn{
		ctx:     ctx,
		l:       l,
		vtx:     l.vault.Begin(),
		now:     l.now(),
		touched: make(map[uint64]struct{}),
	}

	defer func() {
		l.metrics.ObserveOperation(op, err)
	}()

	if err := fn(t); err != nil {
		t.rollback()
		l.l.Debug("ledger operation rejected", zap.String("op", op), zap.Error(err))
		return err
	}

	if err := l.checkInvariants(t); err != nil {
		t.rollback()
		l.l.Error("ledger invariant violated", zap.String("op", op), zap.Error(err))
		return err
	}

	if err := l.persist(t, op); err != nil {
		t.rollback()
		l.metrics.IncPersistenceFailure("ledger")
		l.l.Error("failed to persist ledger operation", zap.String("op", op), zap.Error(err))
		return errors.Wrap(err, "persist ledger operation")
	}

	if err := t.vtx.Commit(); err != nil {
		l.metrics.IncPersistenceFailure("vault")
		l.l.Warn("vault snapshot not saved, journal holds the change", zap.String("op", op), zap.Error(err))
	}

	l.metrics.SetPositions(uint64(len(l.positions)))
	l.publish(t.events)

	if len(t.touched) > 0 || t.settingsChanged {
		l.l.Info("ledger operation committed",
			zap.String("op", op),
			zap.Uint64("seq", l.seq),
			zap.Int("positions", len(t.touched)),
			zap.Int("events", len(t.events)))
	}

	return nil
}

func (l *Ledger) persist(t *txn, op string) error {
	if len(t.touched) == 0 && !t.settingsChanged && !t.vtx.Dirty() {
		return nil
	}

	rec := ledgerwal.Record{
		Type:      ledgerwal.RecordDelta,
		Seq:       l.seq + 1,
		Op:        op,
		Timestamp: t.now,
		NextID:    uint64(len(l.positions)),
	}

	checkpoint := l.sinceCheckpoint+1 >= l.checkpointEvery
	if checkpoint {
		rec.Type = ledgerwal.RecordCheckpoint
		rec.Positions = l.copyPositionsLocked()
		settings := l.settingsLocked()
		rec.Settings = &settings
		rec.VaultSeq = t.vtx.Seq()
		if t.vtx.Dirty() {
			rec.VaultSeq = t.vtx.NextSeq()
		}
		rec.Balances = t.vtx.Snapshot()
	} else {
		ids := make([]uint64, 0, len(t.touched))
		for id := range t.touched {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, id := range ids {
			rec.Positions = append(rec.Positions, *l.positions[id])
		}
		if t.settingsChanged {
			settings := l.settingsLocked()
			rec.Settings = &settings
		}
		if t.vtx.Dirty() {
			rec.VaultSeq = t.vtx.NextSeq()
			rec.Balances = t.vtx.Touched()
		}
	}

	if l.journal != nil {
		if err := l.journal.Append(rec); err != nil {
			return err
		}
	}

	l.seq = rec.Seq
	if checkpoint {
		l.sinceCheckpoint = 0
	} else {
		l.sinceCheckpoint++
	}

	return nil
}

// checkInvariants verifies touched rows and that custody covers every claim on the
// tokens they reference.
func (l *Ledger) checkInvariants(t *txn) error {
	tokens := make(map[common.Address]struct{})
	for id := range t.touched {
		p := l.positions[id]
		if err := p.CheckInvariants(); err != nil {
			return errors.Wrap(domain.ErrCustodyInvariant, err.Error())
		}
		tokens[p.TokenIn] = struct{}{}
		tokens[p.TokenOut] = struct{}{}
	}

	for token := range tokens {
		claims := decimal.Zero
		for _, p := range l.positions {
			if p.TokenIn == token {
				claims = claims.Add(p.AmountIn)
			}
			if p.TokenOut == token {
				claims = claims.Add(p.AmountOut)
			}
		}
		held := t.vtx.BalanceOf(l.custody, token)
		if claims.GreaterThan(held) {
			return errors.Wrapf(domain.ErrCustodyInvariant, "token %s: claims %s, custody %s", token.Hex(), claims.String(), held.String())
		}
	}

	return nil
}

func (l *Ledger) publish(evs []domain.Event) {
	if l.events == nil || len(evs) == 0 {
		return
	}
	if err := l.events.Append(evs...); err != nil {
		l.metrics.IncPersistenceFailure("events")
		l.l.Error("failed to publish ledger events", zap.Int("events", len(evs)), zap.Error(err))
	}
}

func (l *Ledger) copyPositionsLocked() []domain.Position {
	out := make([]domain.Position, len(l.positions))
	for i, p := range l.positions {
		out[i] = *p
	}
	return out
}

func (l *Ledger) settingsLocked() domain.Settings {
	pairs := make([]domain.Pair, 0, len(l.allowed))
	for pair, ok := range l.allowed {
		if ok {
			pairs = append(pairs, pair)
		}
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].Key() < pairs[j].Key() })

	return domain.Settings{
		MinSlippage:  l.minSlippage,
		Paused:       l.paused,
		AllowedPairs: pairs,
	}
}

func (l *Ledger) applySettingsLocked(s domain.Settings) {
	l.minSlippage = s.MinSlippage
	l.paused = s.Paused
	l.allowed = make(map[domain.Pair]bool, len(s.AllowedPairs))
	for _, pair := range s.AllowedPairs {
		l.allowed[pair] = true
	}
}

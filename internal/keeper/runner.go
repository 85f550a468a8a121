// Package keeper runs the rebalancing loop: it watches the pool price,
// keeps the slot ledger reconciled with chain state, and executes the
// fill, partial, and full rebalance sequences the policy engine decides on.
package keeper

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"rangeKeeper/internal/allocator"
	"rangeKeeper/internal/dex"
	"rangeKeeper/internal/ledger"
	"rangeKeeper/internal/model"
	"rangeKeeper/internal/policy"
	"rangeKeeper/internal/storage"
	"rangeKeeper/internal/ticks"
)

// Exchange is the venue surface the keeper drives. *dex.Exchange satisfies
// it; tests substitute a fake.
type Exchange interface {
	CurrentPrice(ctx context.Context) (model.Price, error)
	PositionLiquidity(ctx context.Context, tokenID uint64) (*big.Int, error)
	FarmStakedLiquidity(ctx context.Context, tokenID uint64) (*big.Int, error)
	PositionInfo(ctx context.Context, tokenID uint64) (model.PositionInfo, error)
	Balances(ctx context.Context) (base, quote *big.Int, err error)
	MintPosition(ctx context.Context, tickLower, tickUpper int32, baseAmount, quoteAmount *big.Int) (uint64, error)
	TopUp(ctx context.Context, tokenID uint64, baseAmount, quoteAmount *big.Int) error
	ClosePositions(ctx context.Context, items []dex.CloseItem) (*types.Receipt, error)
	Stake(ctx context.Context, tokenID uint64) error
	Unstake(ctx context.Context, tokenID uint64) error
	Swap(ctx context.Context, sellBase bool, amountIn, minOut *big.Int) error
	OwnedPositions(ctx context.Context) ([]model.PositionInfo, error)
}

// Notifier pushes operator-facing messages. A nil Notifier is allowed.
type Notifier interface {
	Notify(ctx context.Context, message string)
}

// RunConfig holds runtime settings for the keeper loop.
type RunConfig struct {
	ChainID           uint64
	Mode              int
	PollInterval      time.Duration
	MaxRetries        int
	RetryBackoff      time.Duration
	StatePath         string
	WaitFundsAttempts int
	WaitFundsInterval time.Duration
	// MinTopUpValue is the leftover wallet value, in quote units, above
	// which idle funds are added to the least-valuable position.
	MinTopUpValue decimal.Decimal
	// TopUpSkew is the one-sided deficit fraction above which a top-up
	// swaps before depositing.
	TopUpSkew decimal.Decimal
	// SwapDust is the wallet imbalance fraction below which the 1:1
	// rebalancing swap is skipped.
	SwapDust decimal.Decimal
	// Slippage bounds the minimum-out of every swap.
	Slippage decimal.Decimal
}

func (cfg *RunConfig) applyDefaults() {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 15 * time.Second
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}
	if cfg.WaitFundsAttempts <= 0 {
		cfg.WaitFundsAttempts = 12
	}
	if cfg.StatePath == "" {
		cfg.StatePath = "keeper_state.json"
	}
	if cfg.WaitFundsInterval <= 0 {
		cfg.WaitFundsInterval = 5 * time.Second
	}
	if cfg.MinTopUpValue.Sign() <= 0 {
		cfg.MinTopUpValue = decimal.NewFromInt(50)
	}
	if cfg.TopUpSkew.Sign() <= 0 {
		cfg.TopUpSkew = decimal.RequireFromString("0.05")
	}
	if cfg.SwapDust.Sign() <= 0 {
		cfg.SwapDust = decimal.RequireFromString("0.01")
	}
	if cfg.Slippage.Sign() <= 0 {
		cfg.Slippage = decimal.RequireFromString("0.01")
	}
}

// Runner owns the ledger and serializes every mutation: polling ticks and
// operator commands funnel through one loop.
type Runner struct {
	cfg      RunConfig
	exchange Exchange
	pair     ticks.Pair
	pool     model.PoolMeta
	book     *ledger.Ledger
	store    *ledger.Store
	policy   *policy.Engine
	layout   *allocator.Layout
	alloc    *allocator.Allocator
	journal  storage.Storage
	notifier Notifier
	logger   *zap.Logger
	commands chan Command
}

// NewRunner builds a Runner, loading the persisted ledger snapshot when one
// exists. A corrupt or missing snapshot starts an empty ledger; reconcile
// rediscovers live positions as orphans.
func NewRunner(cfg RunConfig, exchange Exchange, pair ticks.Pair, pool model.PoolMeta, journal storage.Storage, notifier Notifier, logger *zap.Logger) (*Runner, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.applyDefaults()

	engine, err := policy.New(cfg.Mode, pair)
	if err != nil {
		return nil, err
	}

	store := ledger.NewStore(cfg.StatePath)
	book, err := loadLedger(store, cfg.Mode, logger)
	if err != nil {
		return nil, err
	}

	return &Runner{
		cfg:      cfg,
		exchange: exchange,
		pair:     pair,
		pool:     pool,
		book:     book,
		store:    store,
		policy:   engine,
		layout:   allocator.NewLayout(pair, pool.TickSpacing),
		alloc:    allocator.New(pair),
		journal:  journal,
		notifier: notifier,
		logger:   logger,
		commands: make(chan Command, 8),
	}, nil
}

func loadLedger(store *ledger.Store, mode int, logger *zap.Logger) (*ledger.Ledger, error) {
	snap, ok, err := store.Load()
	if err != nil {
		logger.Warn("ledger snapshot unreadable, starting empty", zap.Error(err))
		return ledger.New(mode)
	}
	if !ok {
		return ledger.New(mode)
	}
	book, err := ledger.FromSnapshot(snap, mode)
	if err != nil {
		logger.Warn("ledger snapshot rejected, starting empty", zap.Error(err))
		return ledger.New(mode)
	}
	logger.Info("ledger snapshot loaded", zap.Int("active_slots", len(book.Active())))
	return book, nil
}

// SetNotifier installs the notifier after construction: the Telegram bot
// needs the runner's command channel before it can be built. Call before
// Run starts.
func (r *Runner) SetNotifier(n Notifier) {
	r.notifier = n
}

// Commands returns the channel operator surfaces feed instructions into.
func (r *Runner) Commands() chan<- Command {
	return r.commands
}

// Ledger exposes the slot book for read-only inspection (status command).
func (r *Runner) Ledger() *ledger.Ledger {
	return r.book
}

// Run executes the keeper loop until the context is cancelled. Individual
// pass failures are logged and notified, not fatal: the next tick
// re-reads state and reassesses.
func (r *Runner) Run(ctx context.Context) error {
	if r.exchange == nil {
		return fmt.Errorf("exchange is nil")
	}

	r.logger.Info("keeper loop starting",
		zap.Int("mode", r.cfg.Mode),
		zap.Duration("poll_interval", r.cfg.PollInterval),
		zap.String("pool", r.pool.Address))

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("keeper loop stopping")
			return ctx.Err()
		case <-ticker.C:
			r.handle(ctx, CommandTick)
		case cmd := <-r.commands:
			r.handle(ctx, cmd)
		}
	}
}

// Execute runs a single command outside the loop, for one-shot CLI use.
// Never call it concurrently with Run.
func (r *Runner) Execute(ctx context.Context, cmd Command) error {
	var err error
	switch cmd {
	case CommandTick:
		err = r.decideAndManage(ctx)
	case CommandFullRebalance:
		err = r.forcedFullRebalance(ctx)
	case CommandResetAll:
		err = r.resetAll(ctx)
	default:
		err = fmt.Errorf("unknown command %d", int(cmd))
	}
	r.persist()
	return err
}

// Status reconciles once and renders a human-readable summary of the slots
// and the current deviation.
func (r *Runner) Status(ctx context.Context) (string, error) {
	price, err := r.readPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("read price: %w", err)
	}
	if err := r.reconcile(ctx); err != nil {
		return "", fmt.Errorf("reconcile: %w", err)
	}
	r.persist()

	dev, side, err := r.policy.Deviation(r.book.Slots(), price)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "pool %s\nprice %s (tick %d)\ndeviation %s side %s\n",
		r.pool.Address, price.Human, price.Tick, dev, side)
	for i, pos := range r.book.Slots() {
		if pos == nil {
			fmt.Fprintf(&b, "slot %d: empty\n", i)
			continue
		}
		low, high, rerr := r.pair.HumanRangeFromTicks(pos.TickLower, pos.TickUpper)
		if rerr != nil {
			return "", rerr
		}
		fmt.Fprintf(&b, "slot %d: #%d [%d, %d] (%s..%s) liquidity %s venue %s value %s\n",
			i, pos.TokenID, pos.TickLower, pos.TickUpper, low, high,
			pos.Liquidity, pos.Venue, r.positionValue(pos, price))
	}
	return b.String(), nil
}

func (r *Runner) handle(ctx context.Context, cmd Command) {
	var err error
	switch cmd {
	case CommandTick:
		err = r.decideAndManage(ctx)
	case CommandFullRebalance:
		err = r.forcedFullRebalance(ctx)
	case CommandResetAll:
		err = r.resetAll(ctx)
	default:
		err = fmt.Errorf("unknown command %d", int(cmd))
	}
	if err != nil && ctx.Err() == nil {
		r.logger.Error("keeper pass failed", zap.String("command", cmd.String()), zap.Error(err))
		r.notify(ctx, fmt.Sprintf("keeper %s failed: %v", cmd, err))
	}
	r.persist()
}

// decideAndManage is one full pass: read price, reconcile, decide, execute.
func (r *Runner) decideAndManage(ctx context.Context) error {
	price, err := r.readPrice(ctx)
	if err != nil {
		return fmt.Errorf("read price: %w", err)
	}

	if err := r.reconcile(ctx); err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}

	decision, err := r.policy.Decide(r.book.Slots(), price)
	if err != nil {
		return fmt.Errorf("decide: %w", err)
	}
	r.logger.Info("policy decision",
		zap.String("kind", decision.Kind.String()),
		zap.String("side", decision.Side.String()),
		zap.Ints("slots", decision.SlotIndex),
		zap.String("deviation", decision.Deviation.String()),
		zap.String("price", price.Human.String()),
		zap.Int32("tick", price.Tick))

	switch decision.Kind {
	case policy.KindHold:
		if len(r.book.Empty()) > 0 {
			return r.fill(ctx, price)
		}
		return r.topUp(ctx, price)
	case policy.KindPartial:
		return r.partialRebalance(ctx, price, decision)
	case policy.KindFull:
		return r.fullRebalance(ctx, price, decision.Deviation, "deviation")
	default:
		return fmt.Errorf("unknown decision kind %d", int(decision.Kind))
	}
}

func (r *Runner) forcedFullRebalance(ctx context.Context) error {
	price, err := r.readPrice(ctx)
	if err != nil {
		return fmt.Errorf("read price: %w", err)
	}
	if err := r.reconcile(ctx); err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	return r.fullRebalance(ctx, price, decimal.Zero, "forced")
}

func (r *Runner) readPrice(ctx context.Context) (model.Price, error) {
	var price model.Price
	err := retryTransient(ctx, r.cfg.MaxRetries, r.cfg.RetryBackoff, func(ctx context.Context) error {
		var err error
		price, err = r.exchange.CurrentPrice(ctx)
		return err
	})
	return price, err
}

func (r *Runner) reconcile(ctx context.Context) error {
	return retryTransient(ctx, r.cfg.MaxRetries, r.cfg.RetryBackoff, func(ctx context.Context) error {
		return r.book.Reconcile(ctx, r.exchange, r.logger)
	})
}

func (r *Runner) persist() {
	if err := r.store.Save(r.book.Snapshot()); err != nil {
		r.logger.Error("ledger snapshot save failed", zap.Error(err))
	}
}

func (r *Runner) notify(ctx context.Context, message string) {
	if r.notifier == nil {
		return
	}
	r.notifier.Notify(ctx, message)
}

func (r *Runner) record(action string, price model.Price, deviation decimal.Decimal, closed, opened []uint64, receipt *types.Receipt, note string) {
	if r.journal == nil {
		return
	}
	rec := model.RebalanceRecord{
		ChainID:   r.cfg.ChainID,
		Pool:      r.pool.Address,
		Action:    action,
		Deviation: deviation.String(),
		Price:     price.Human.String(),
		Tick:      price.Tick,
		ClosedIDs: closed,
		OpenedIDs: opened,
		Note:      note,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if receipt != nil {
		rec.TxHashes = []string{receipt.TxHash.Hex()}
		collectedBase, collectedQuote := r.collectedTotals(receipt)
		if collectedBase.Sign() > 0 || collectedQuote.Sign() > 0 {
			rec.CollectedBase = collectedBase.String()
			rec.CollectedQuote = collectedQuote.String()
		}
	}
	if err := r.journal.PutRebalance(rec); err != nil {
		r.logger.Error("journal write failed", zap.String("action", action), zap.Error(err))
	}
}

// collectedTotals sums what the close receipt's Collect events paid out, in
// base/quote orientation.
func (r *Runner) collectedTotals(receipt *types.Receipt) (base, quote *big.Int) {
	base, quote = big.NewInt(0), big.NewInt(0)
	for _, amounts := range dex.CollectedAmounts(receipt) {
		if r.pair.BaseIsToken0 {
			base.Add(base, amounts[0])
			quote.Add(quote, amounts[1])
		} else {
			base.Add(base, amounts[1])
			quote.Add(quote, amounts[0])
		}
	}
	return base, quote
}

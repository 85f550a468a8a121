package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"rangeKeeper/internal/chain"
	"rangeKeeper/internal/config"
	"rangeKeeper/internal/dex"
	"rangeKeeper/internal/keeper"
	"rangeKeeper/internal/notify"
	"rangeKeeper/internal/storage"
	"rangeKeeper/internal/storage/postgres"
	"rangeKeeper/internal/ticks"
)

func main() {
	// Secrets typically live in a local .env during development.
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:          "keeper",
		Short:        "Concentrated-liquidity position keeper",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the keeper loop",
		RunE:  runKeeper,
	}
	addKeeperFlags(runCmd.Flags())
	root.AddCommand(runCmd)

	closeAllCmd := &cobra.Command{
		Use:   "close-all",
		Short: "Close every managed position and adoptable orphan, then exit",
		RunE:  runCloseAll,
	}
	addKeeperFlags(closeAllCmd.Flags())
	root.AddCommand(closeAllCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Reconcile once and print the slot ledger",
		RunE:  runStatus,
	}
	addKeeperFlags(statusCmd.Flags())
	root.AddCommand(statusCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func addKeeperFlags(flags *pflag.FlagSet) {
	flags.String("rpc", "", "chain RPC URL")
	flags.String("pool", "", "pool contract address")
	flags.String("position-manager", "", "position manager contract address")
	flags.String("farm", "", "farm contract address (empty disables staking)")
	flags.String("router", "", "swap router contract address")
	flags.String("base-token", "", "base token address (quote is the other pool token)")
	flags.Int("mode", 3, "slot count (2 or 3)")
	flags.Duration("poll-interval", 15*time.Second, "price polling interval")
	flags.Int("max-retries", 5, "maximum retry attempts for transient RPC failures")
	flags.Duration("retry-backoff", 500*time.Millisecond, "initial retry backoff")
	flags.Duration("receipt-timeout", 2*time.Minute, "transaction receipt wait timeout")
	flags.String("slippage", "0.01", "swap slippage bound, as a fraction")
	flags.String("state-path", "./data/keeper_state.json", "ledger snapshot path")
	flags.String("journal-path", "./data/rebalances.jsonl", "rebalance journal JSONL path")
	flags.String("pg-dsn", "", "optional Postgres DSN for the journal")
	flags.Int64("telegram-chat-id", 0, "Telegram chat id for alerts and commands")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
}

func runKeeper(cmd *cobra.Command, _ []string) error {
	app, ctx, cleanup, err := buildApp(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	if app.cfg.TelegramToken != "" {
		bot, err := notify.New(app.cfg.TelegramToken, app.cfg.TelegramChatID, app.runner.Commands(), func() string {
			statusCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			defer cancel()
			text, err := app.runner.Status(statusCtx)
			if err != nil {
				return fmt.Sprintf("status failed: %v", err)
			}
			return text
		}, app.logger)
		if err != nil {
			return err
		}
		bot.Start(ctx)
		app.runner.SetNotifier(bot)
	}

	err = app.runner.Run(ctx)
	if err == context.Canceled {
		return nil
	}
	return err
}

func runCloseAll(cmd *cobra.Command, _ []string) error {
	app, ctx, cleanup, err := buildApp(cmd)
	if err != nil {
		return err
	}
	defer cleanup()
	return app.runner.Execute(ctx, keeper.CommandResetAll)
}

func runStatus(cmd *cobra.Command, _ []string) error {
	app, ctx, cleanup, err := buildApp(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	text, err := app.runner.Status(ctx)
	if err != nil {
		return err
	}
	fmt.Print(text)
	return nil
}

type app struct {
	cfg    config.Config
	logger *zap.Logger
	runner *keeper.Runner
}

func buildApp(cmd *cobra.Command) (*app, context.Context, func(), error) {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return nil, nil, nil, err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return nil, nil, nil, err
	}

	if cfg.RPCURL == "" {
		return nil, nil, nil, fmt.Errorf("rpc url is required")
	}
	if cfg.PrivateKey == "" {
		return nil, nil, nil, fmt.Errorf("private key is required (KEEPER_PRIVATE_KEY)")
	}
	for name, addr := range map[string]string{
		"pool":             cfg.Pool,
		"position-manager": cfg.PositionManager,
		"router":           cfg.Router,
		"base-token":       cfg.BaseToken,
	} {
		if !common.IsHexAddress(addr) {
			return nil, nil, nil, fmt.Errorf("%s address %q is invalid", name, addr)
		}
	}
	if cfg.Farm != "" && !common.IsHexAddress(cfg.Farm) {
		return nil, nil, nil, fmt.Errorf("farm address %q is invalid", cfg.Farm)
	}
	slippage, err := decimal.NewFromString(cfg.Slippage)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("slippage: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	chainClient, err := chain.NewClient(ctx, cfg.RPCURL)
	if err != nil {
		stop()
		return nil, nil, nil, fmt.Errorf("connect rpc: %w", err)
	}

	cleanup := func() {
		chainClient.Close()
		stop()
		_ = logger.Sync()
	}
	fail := func(err error) (*app, context.Context, func(), error) {
		cleanup()
		return nil, nil, nil, err
	}

	chainID, err := chainClient.GetChainID(ctx)
	if err != nil {
		return fail(fmt.Errorf("get chain id: %w", err))
	}

	signer, err := chain.NewSigner(cfg.PrivateKey, chainID)
	if err != nil {
		return fail(err)
	}
	logger.Info("keeper account", zap.String("address", signer.Address().Hex()))

	sender := dex.NewSender(
		chainClient,
		signer,
		chain.NewGasManager(chainClient, logger),
		chain.NewNonceCache(chainClient, signer.Address()),
		cfg.ReceiptTimeout,
		logger,
	)

	tokenCache := dex.NewTokenMetaCache()
	pool := common.HexToAddress(cfg.Pool)
	meta, err := dex.FetchPoolMeta(ctx, chainClient, pool, tokenCache, logger)
	if err != nil {
		return fail(fmt.Errorf("fetch pool metadata: %w", err))
	}

	spacing, err := ticks.SpacingForFee(meta.Fee)
	if err != nil {
		return fail(fmt.Errorf("pool %s: %w", cfg.Pool, err))
	}
	if spacing != meta.TickSpacing {
		return fail(fmt.Errorf("pool %s tick spacing %d does not match fee tier %d (want %d)",
			cfg.Pool, meta.TickSpacing, meta.Fee, spacing))
	}

	baseIsToken0 := strings.EqualFold(meta.Token0, cfg.BaseToken)
	if !baseIsToken0 && !strings.EqualFold(meta.Token1, cfg.BaseToken) {
		return fail(fmt.Errorf("base token %s is not in pool %s", cfg.BaseToken, cfg.Pool))
	}
	token0Meta, ok0 := tokenCache.Get(common.HexToAddress(meta.Token0))
	token1Meta, ok1 := tokenCache.Get(common.HexToAddress(meta.Token1))
	if !ok0 || !ok1 {
		return fail(fmt.Errorf("token metadata missing for pool %s", cfg.Pool))
	}
	pair := ticks.Pair{
		BaseIsToken0:  baseIsToken0,
		BaseDecimals:  token0Meta.Decimals,
		QuoteDecimals: token1Meta.Decimals,
	}
	if !baseIsToken0 {
		pair.BaseDecimals, pair.QuoteDecimals = token1Meta.Decimals, token0Meta.Decimals
	}
	if err := pair.Validate(); err != nil {
		return fail(fmt.Errorf("pool %s: %w", cfg.Pool, err))
	}
	logger.Info("pool resolved",
		zap.String("pool", meta.Address),
		zap.String("token0", fmt.Sprintf("%s (%s)", token0Meta.Symbol, meta.Token0)),
		zap.String("token1", fmt.Sprintf("%s (%s)", token1Meta.Symbol, meta.Token1)),
		zap.Uint32("fee", meta.Fee),
		zap.Int32("tick_spacing", meta.TickSpacing),
		zap.Bool("base_is_token0", baseIsToken0))

	positions := dex.NewPositionManager(chainClient, sender, common.HexToAddress(cfg.PositionManager), logger)
	farm := dex.NewFarm(chainClient, sender, common.HexToAddress(cfg.Farm), positions, logger)
	router := dex.NewRouter(sender, common.HexToAddress(cfg.Router), logger)
	tokens := dex.NewERC20(chainClient, sender, logger)
	exchange := dex.NewExchange(chainClient, sender, positions, farm, router, tokens, meta, pair, logger)

	var journal storage.Storage
	if cfg.PGDSN != "" {
		store, err := postgres.NewStore(ctx, cfg.PGDSN)
		if err != nil {
			return fail(fmt.Errorf("connect postgres: %w", err))
		}
		if err := store.EnsureSchema(ctx); err != nil {
			return fail(fmt.Errorf("ensure journal schema: %w", err))
		}
		journal = store
		prev := cleanup
		cleanup = func() {
			store.Close()
			prev()
		}
	} else {
		journal = storage.NewJsonlStorage(cfg.JournalPath)
	}

	runner, err := keeper.NewRunner(keeper.RunConfig{
		ChainID:      chainID.Uint64(),
		Mode:         cfg.Mode,
		PollInterval: cfg.PollInterval,
		MaxRetries:   cfg.MaxRetries,
		RetryBackoff: cfg.RetryBackoff,
		StatePath:    cfg.StatePath,
		Slippage:     slippage,
	}, exchange, pair, meta, journal, nil, logger)
	if err != nil {
		return fail(err)
	}

	return &app{cfg: cfg, logger: logger, runner: runner}, ctx, cleanup, nil
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}

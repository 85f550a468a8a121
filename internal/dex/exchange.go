package dex

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"rangeKeeper/internal/chain"
	"rangeKeeper/internal/model"
	"rangeKeeper/internal/ticks"
)

// Exchange composes the pool, position manager, farm, router, and token
// contracts behind the operations the keeper loop needs. Amounts cross this
// boundary in base/quote orientation; token0/token1 mapping stays in here.
type Exchange struct {
	client    *chain.Client
	sender    *Sender
	positions *PositionManager
	farm      *Farm
	router    *Router
	tokens    *ERC20
	meta      model.PoolMeta
	pair      ticks.Pair
	pool      common.Address
	token0    common.Address
	token1    common.Address
	logger    *zap.Logger
}

func NewExchange(client *chain.Client, sender *Sender, positions *PositionManager, farm *Farm, router *Router, tokens *ERC20, meta model.PoolMeta, pair ticks.Pair, logger *zap.Logger) *Exchange {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exchange{
		client:    client,
		sender:    sender,
		positions: positions,
		farm:      farm,
		router:    router,
		tokens:    tokens,
		meta:      meta,
		pair:      pair,
		pool:      common.HexToAddress(meta.Address),
		token0:    common.HexToAddress(meta.Token0),
		token1:    common.HexToAddress(meta.Token1),
		logger:    logger,
	}
}

func (x *Exchange) Pair() ticks.Pair {
	return x.pair
}

func (x *Exchange) Pool() model.PoolMeta {
	return x.meta
}

func (x *Exchange) Wallet() common.Address {
	return x.sender.From()
}

// CurrentPrice reads slot0 and derives all three price representations.
func (x *Exchange) CurrentPrice(ctx context.Context) (model.Price, error) {
	sqrt, tick, err := FetchPoolSlot0(ctx, x.client, x.pool)
	if err != nil {
		return model.Price{}, err
	}
	raw, err := ticks.RawFromSqrtPriceX96(sqrt)
	if err != nil {
		return model.Price{}, err
	}
	human, err := x.pair.HumanFromRaw(raw)
	if err != nil {
		return model.Price{}, err
	}
	return model.Price{Human: human, Raw: raw, Tick: tick}, nil
}

// PositionLiquidity implements ledger.PositionReader.
func (x *Exchange) PositionLiquidity(ctx context.Context, tokenID uint64) (*big.Int, error) {
	info, err := x.positions.Position(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	return info.Liquidity, nil
}

// FarmStakedLiquidity implements ledger.PositionReader.
func (x *Exchange) FarmStakedLiquidity(ctx context.Context, tokenID uint64) (*big.Int, error) {
	return x.farm.StakedLiquidity(ctx, tokenID)
}

// PositionInfo reads the full on-chain record for a token id.
func (x *Exchange) PositionInfo(ctx context.Context, tokenID uint64) (model.PositionInfo, error) {
	return x.positions.Position(ctx, tokenID)
}

// Balances reads the wallet's base and quote token balances.
func (x *Exchange) Balances(ctx context.Context) (base, quote *big.Int, err error) {
	baseToken, quoteToken := x.baseQuoteTokens()
	base, err = x.tokens.BalanceOf(ctx, baseToken, x.sender.From())
	if err != nil {
		return nil, nil, fmt.Errorf("base balance: %w", err)
	}
	quote, err = x.tokens.BalanceOf(ctx, quoteToken, x.sender.From())
	if err != nil {
		return nil, nil, fmt.Errorf("quote balance: %w", err)
	}
	return base, quote, nil
}

// MintPosition creates a position over [tickLower, tickUpper] funded with
// the given base/quote amounts, granting position-manager allowances first.
func (x *Exchange) MintPosition(ctx context.Context, tickLower, tickUpper int32, baseAmount, quoteAmount *big.Int) (uint64, error) {
	amount0, amount1 := x.toToken01(baseAmount, quoteAmount)
	if err := x.ensureManagerAllowances(ctx, amount0, amount1); err != nil {
		return 0, err
	}
	id, _, err := x.positions.Mint(ctx, MintParams{
		Token0:         x.token0,
		Token1:         x.token1,
		Fee:            x.meta.Fee,
		TickLower:      tickLower,
		TickUpper:      tickUpper,
		Amount0Desired: amount0,
		Amount1Desired: amount1,
	})
	return id, err
}

// TopUp adds base/quote amounts to an existing position.
func (x *Exchange) TopUp(ctx context.Context, tokenID uint64, baseAmount, quoteAmount *big.Int) error {
	amount0, amount1 := x.toToken01(baseAmount, quoteAmount)
	if err := x.ensureManagerAllowances(ctx, amount0, amount1); err != nil {
		return err
	}
	_, err := x.positions.IncreaseLiquidity(ctx, tokenID, amount0, amount1, nil, nil)
	return err
}

// ClosePositions tears down the given positions in one multicall. Staked
// positions must be unstaked first; that is the caller's sequencing.
func (x *Exchange) ClosePositions(ctx context.Context, items []CloseItem) (*types.Receipt, error) {
	return x.positions.CloseBatch(ctx, items)
}

// Stake deposits a position NFT into the farm. No-op without a farm.
func (x *Exchange) Stake(ctx context.Context, tokenID uint64) error {
	return x.farm.Stake(ctx, tokenID)
}

// Unstake withdraws a position NFT from the farm. No-op without a farm.
func (x *Exchange) Unstake(ctx context.Context, tokenID uint64) error {
	return x.farm.Unstake(ctx, tokenID)
}

// Swap sells amountIn of base (sellBase) or quote for the other pool token
// through the pool's own fee tier, with a minimum-out slippage guard.
func (x *Exchange) Swap(ctx context.Context, sellBase bool, amountIn, minOut *big.Int) error {
	baseToken, quoteToken := x.baseQuoteTokens()
	tokenIn, tokenOut := baseToken, quoteToken
	if !sellBase {
		tokenIn, tokenOut = quoteToken, baseToken
	}
	if err := x.tokens.EnsureAllowance(ctx, tokenIn, x.router.Address(), amountIn); err != nil {
		return err
	}
	_, err := x.router.Swap(ctx, SwapParams{
		TokenIn:      tokenIn,
		TokenOut:     tokenOut,
		Fee:          x.meta.Fee,
		AmountIn:     amountIn,
		AmountOutMin: minOut,
	})
	return err
}

// OwnedPositions lists every position NFT the wallet holds directly or has
// staked in the farm, with full on-chain records. The ledger filters these
// down to orphans belonging to the managed pool.
func (x *Exchange) OwnedPositions(ctx context.Context) ([]model.PositionInfo, error) {
	owner := x.sender.From()

	ids, err := x.positions.OwnedTokenIDs(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("wallet positions: %w", err)
	}
	infos := make([]model.PositionInfo, 0, len(ids))
	for _, id := range ids {
		info, err := x.positions.Position(ctx, id)
		if err != nil {
			if errors.Is(err, model.ErrPositionNotFound) {
				continue
			}
			return nil, err
		}
		infos = append(infos, info)
	}

	staked, err := x.farm.PositionInfos(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("staked positions: %w", err)
	}
	return append(infos, staked...), nil
}

func (x *Exchange) baseQuoteTokens() (base, quote common.Address) {
	if x.pair.BaseIsToken0 {
		return x.token0, x.token1
	}
	return x.token1, x.token0
}

func (x *Exchange) toToken01(baseAmount, quoteAmount *big.Int) (amount0, amount1 *big.Int) {
	if x.pair.BaseIsToken0 {
		return orZero(baseAmount), orZero(quoteAmount)
	}
	return orZero(quoteAmount), orZero(baseAmount)
}

func (x *Exchange) ensureManagerAllowances(ctx context.Context, amount0, amount1 *big.Int) error {
	if amount0.Sign() > 0 {
		if err := x.tokens.EnsureAllowance(ctx, x.token0, x.positions.Address(), amount0); err != nil {
			return err
		}
	}
	if amount1.Sign() > 0 {
		if err := x.tokens.EnsureAllowance(ctx, x.token1, x.positions.Address(), amount1); err != nil {
			return err
		}
	}
	return nil
}

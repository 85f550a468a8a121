package keeper

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"rangeKeeper/internal/model"
	"rangeKeeper/internal/ticks"
)

func (r *Runner) readBalances(ctx context.Context) (base, quote *big.Int, err error) {
	err = retryTransient(ctx, r.cfg.MaxRetries, r.cfg.RetryBackoff, func(ctx context.Context) error {
		base, quote, err = r.exchange.Balances(ctx)
		return err
	})
	return base, quote, err
}

// walletValue is the quote-denominated value of raw base and quote amounts.
func (r *Runner) walletValue(base, quote *big.Int, price decimal.Decimal) decimal.Decimal {
	baseHuman := humanAmount(base, r.pair.BaseDecimals)
	quoteHuman := humanAmount(quote, r.pair.QuoteDecimals)
	return baseHuman.Mul(price).Add(quoteHuman)
}

// positionValue values a position's current holdings at the given price.
func (r *Runner) positionValue(pos *model.Position, price model.Price) decimal.Decimal {
	if pos == nil || !pos.HasLiquidity() {
		return decimal.Zero
	}
	amount0, amount1 := ticks.AmountsForLiquidityAtTick(price.Tick, pos.TickLower, pos.TickUpper, pos.Liquidity)
	base, quote := amount0, amount1
	if !r.pair.BaseIsToken0 {
		base, quote = amount1, amount0
	}
	return r.walletValue(base, quote, price.Human)
}

func (r *Runner) slotsValue(idxs []int, price model.Price) decimal.Decimal {
	total := decimal.Zero
	for _, idx := range idxs {
		total = total.Add(r.positionValue(r.book.Position(idx), price))
	}
	return total
}

// leastValuableSlot picks the active slot holding the least value, the
// top-up target. Returns -1 with no active slots.
func (r *Runner) leastValuableSlot(price model.Price) int {
	best := -1
	var bestValue decimal.Decimal
	for _, idx := range r.book.Active() {
		value := r.positionValue(r.book.Position(idx), price)
		if best < 0 || value.LessThan(bestValue) {
			best = idx
			bestValue = value
		}
	}
	return best
}

// fundsFloor is the minimum wallet value expected after a close: the closed
// value less a margin for fees and rounding.
func fundsFloor(closedValue decimal.Decimal) decimal.Decimal {
	return closedValue.Mul(decimal.RequireFromString("0.9"))
}

// waitForFunds polls wallet balances until their value reaches minValue or
// the attempt budget runs out, then returns the last observed balances
// either way: minting with whatever arrived beats stalling forever.
func (r *Runner) waitForFunds(ctx context.Context, minValue decimal.Decimal) (base, quote *big.Int, err error) {
	for attempt := 0; attempt < r.cfg.WaitFundsAttempts; attempt++ {
		base, quote, err = r.readBalances(ctx)
		if err != nil {
			return nil, nil, err
		}
		if minValue.Sign() <= 0 {
			return base, quote, nil
		}

		price, perr := r.readPrice(ctx)
		if perr != nil {
			return nil, nil, perr
		}
		value := r.walletValue(base, quote, price.Human)
		if value.GreaterThanOrEqual(minValue) {
			return base, quote, nil
		}

		r.logger.Info("waiting for funds",
			zap.Int("attempt", attempt+1),
			zap.String("value", value.String()),
			zap.String("min_value", minValue.String()))

		timer := time.NewTimer(r.cfg.WaitFundsInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, nil, ctx.Err()
		case <-timer.C:
		}
	}
	r.logger.Warn("funds below expected value after waiting, proceeding",
		zap.String("min_value", minValue.String()))
	return base, quote, nil
}

// swapToBalance swaps the wallet to an equal value split between base and
// quote. Imbalances below the dust threshold are left alone.
func (r *Runner) swapToBalance(ctx context.Context) error {
	price, err := r.readPrice(ctx)
	if err != nil {
		return err
	}
	base, quote, err := r.readBalances(ctx)
	if err != nil {
		return err
	}

	baseValue := humanAmount(base, r.pair.BaseDecimals).Mul(price.Human)
	quoteValue := humanAmount(quote, r.pair.QuoteDecimals)
	total := baseValue.Add(quoteValue)
	if total.Sign() <= 0 {
		return nil
	}

	diff := baseValue.Sub(quoteValue)
	if diff.Abs().Div(total).LessThan(r.cfg.SwapDust) {
		return nil
	}

	swapValue := diff.Abs().Div(decimal.NewFromInt(2))
	sellBase := diff.Sign() > 0

	var amountIn, expectedOut *big.Int
	if sellBase {
		amountIn = rawAmount(swapValue.Div(price.Human), r.pair.BaseDecimals)
		expectedOut = rawAmount(swapValue, r.pair.QuoteDecimals)
	} else {
		amountIn = rawAmount(swapValue, r.pair.QuoteDecimals)
		expectedOut = rawAmount(swapValue.Div(price.Human), r.pair.BaseDecimals)
	}
	if amountIn.Sign() <= 0 {
		return nil
	}

	r.logger.Info("rebalancing swap",
		zap.Bool("sell_base", sellBase),
		zap.String("amount_in", amountIn.String()),
		zap.String("base_value", baseValue.String()),
		zap.String("quote_value", quoteValue.String()))
	return r.exchange.Swap(ctx, sellBase, amountIn, r.slippageFloor(expectedOut))
}

// ensureMix swaps so the wallet can cover the needed base/quote amounts,
// when the shortfall on one side exceeds the skew fraction of the total.
// It reports whether a swap fired: the caller must re-read the price and
// recompute amounts before minting on top of a moved pool.
func (r *Runner) ensureMix(ctx context.Context, price model.Price, needBase, needQuote *big.Int, skew decimal.Decimal) (bool, error) {
	base, quote, err := r.readBalances(ctx)
	if err != nil {
		return false, err
	}

	needValue := r.walletValue(needBase, needQuote, price.Human)
	if needValue.Sign() <= 0 {
		return false, nil
	}

	switch {
	case base.Cmp(needBase) < 0:
		deficit := new(big.Int).Sub(needBase, base)
		deficitValue := humanAmount(deficit, r.pair.BaseDecimals).Mul(price.Human)
		if deficitValue.Div(needValue).LessThanOrEqual(skew) {
			return false, nil
		}
		amountIn := rawAmount(deficitValue, r.pair.QuoteDecimals)
		if spare := new(big.Int).Sub(quote, needQuote); amountIn.Cmp(spare) > 0 {
			amountIn = spare
		}
		if amountIn.Sign() <= 0 {
			return false, fmt.Errorf("short %s base units with no spare quote to swap", deficit)
		}
		if err := r.exchange.Swap(ctx, false, amountIn, r.slippageFloor(deficit)); err != nil {
			return false, err
		}
		return true, nil
	case quote.Cmp(needQuote) < 0:
		deficit := new(big.Int).Sub(needQuote, quote)
		deficitValue := humanAmount(deficit, r.pair.QuoteDecimals)
		if deficitValue.Div(needValue).LessThanOrEqual(skew) {
			return false, nil
		}
		amountIn := rawAmount(deficitValue.Div(price.Human), r.pair.BaseDecimals)
		if spare := new(big.Int).Sub(base, needBase); amountIn.Cmp(spare) > 0 {
			amountIn = spare
		}
		if amountIn.Sign() <= 0 {
			return false, fmt.Errorf("short %s quote units with no spare base to swap", deficit)
		}
		if err := r.exchange.Swap(ctx, true, amountIn, r.slippageFloor(deficit)); err != nil {
			return false, err
		}
		return true, nil
	default:
		return false, nil
	}
}

// ensureMixFor aggregates the token needs of a batch of pending mints and
// swaps once to cover them. It reports whether a swap fired.
func (r *Runner) ensureMixFor(ctx context.Context, price model.Price, assignments []slotRange) (bool, error) {
	base, quote, err := r.readBalances(ctx)
	if err != nil {
		return false, err
	}
	capital := r.walletValue(base, quote, price.Human)
	if capital.Sign() <= 0 || len(assignments) == 0 {
		return false, nil
	}
	per := capital.Div(decimal.NewFromInt(int64(len(assignments))))

	needBase := big.NewInt(0)
	needQuote := big.NewInt(0)
	for _, a := range assignments {
		amounts, err := r.alloc.Split(a.rng.TickLower, a.rng.TickUpper, price.Human, per)
		if err != nil {
			return false, err
		}
		needBase.Add(needBase, amounts.Base)
		needQuote.Add(needQuote, amounts.Quote)
	}
	return r.ensureMix(ctx, price, needBase, needQuote, r.cfg.SwapDust)
}

// slippageFloor scales an expected output down by the configured slippage.
func (r *Runner) slippageFloor(expected *big.Int) *big.Int {
	factor := decimal.NewFromInt(1).Sub(r.cfg.Slippage)
	return decimal.NewFromBigInt(expected, 0).Mul(factor).Floor().BigInt()
}

func humanAmount(raw *big.Int, decimals uint8) decimal.Decimal {
	if raw == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(raw, -int32(decimals))
}

func rawAmount(human decimal.Decimal, decimals uint8) *big.Int {
	return human.Mul(decimal.New(1, int32(decimals))).Floor().BigInt()
}

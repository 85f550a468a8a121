package ticks

import (
	"math"
	"math/big"

	"github.com/shopspring/decimal"
)

// sqrtRatioAtTick returns sqrt(1.0001^tick) as a decimal.
func sqrtRatioAtTick(tick int32) decimal.Decimal {
	return decimal.NewFromFloat(math.Pow(TickBase, float64(tick)/2))
}

// AmountsForLiquidity converts a position's liquidity into the raw token
// amounts it currently holds, given the pool's sqrtPriceX96. The current
// price is clamped into the range, so positions entirely above or below
// price come out single-sided.
func AmountsForLiquidity(sqrtPriceX96 *big.Int, tickLower, tickUpper int32, liquidity *big.Int) (amount0, amount1 *big.Int, err error) {
	if liquidity == nil || liquidity.Sign() == 0 {
		return big.NewInt(0), big.NewInt(0), nil
	}

	raw, err := RawFromSqrtPriceX96(sqrtPriceX96)
	if err != nil {
		return nil, nil, err
	}
	rawF, _ := raw.Float64()
	sp := decimal.NewFromFloat(math.Sqrt(rawF))
	amount0, amount1 = amountsForSqrtPrice(sp, tickLower, tickUpper, liquidity)
	return amount0, amount1, nil
}

// AmountsForLiquidityAtTick is AmountsForLiquidity for callers that only
// know the pool's current tick.
func AmountsForLiquidityAtTick(currentTick, tickLower, tickUpper int32, liquidity *big.Int) (amount0, amount1 *big.Int) {
	if liquidity == nil || liquidity.Sign() == 0 {
		return big.NewInt(0), big.NewInt(0)
	}
	return amountsForSqrtPrice(sqrtRatioAtTick(currentTick), tickLower, tickUpper, liquidity)
}

func amountsForSqrtPrice(sp decimal.Decimal, tickLower, tickUpper int32, liquidity *big.Int) (amount0, amount1 *big.Int) {
	sa := sqrtRatioAtTick(tickLower)
	sb := sqrtRatioAtTick(tickUpper)
	if sa.GreaterThan(sb) {
		sa, sb = sb, sa
	}
	if sp.LessThan(sa) {
		sp = sa
	}
	if sp.GreaterThan(sb) {
		sp = sb
	}

	liq := decimal.NewFromBigInt(liquidity, 0)

	// amount0 = L * (sb - sp) / (sp * sb); amount1 = L * (sp - sa)
	a0 := liq.Mul(sb.Sub(sp)).Div(sp.Mul(sb))
	a1 := liq.Mul(sp.Sub(sa))

	return a0.Floor().BigInt(), a1.Floor().BigInt()
}

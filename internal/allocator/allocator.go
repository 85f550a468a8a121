// Package allocator sizes liquidity positions: it splits available capital
// into the two token amounts a range needs at the current price, and lays
// out target tick ranges around the price.
package allocator

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"

	"rangeKeeper/internal/ticks"
)

// Amounts is a two-token allocation in raw (smallest-unit) quantities.
type Amounts struct {
	Base  *big.Int
	Quote *big.Int
}

// Allocator converts quote-denominated capital into position amounts.
// It is stateless: identical inputs always produce identical outputs.
type Allocator struct {
	pair ticks.Pair
}

func New(pair ticks.Pair) *Allocator {
	return &Allocator{pair: pair}
}

// Split computes the token amounts a position over [tickLower, tickUpper]
// should hold, given the current human price and capital in quote units.
//
// With the range's human-price interval normalized to [min, max]:
// price at or below min takes all capital in quote, price above max takes
// all capital in base, and inside the range the base share grows linearly
// from 0 at min to 1 at max. The interpolation is a deliberate
// simplification of the exact liquidity-weighted split; see DESIGN.md.
func (a *Allocator) Split(tickLower, tickUpper int32, price, capital decimal.Decimal) (Amounts, error) {
	if capital.Sign() <= 0 {
		return Amounts{}, fmt.Errorf("capital must be positive, got %s", capital)
	}
	if price.Sign() <= 0 {
		return Amounts{}, fmt.Errorf("price must be positive, got %s", price)
	}
	if tickLower >= tickUpper {
		return Amounts{}, fmt.Errorf("degenerate range [%d, %d]", tickLower, tickUpper)
	}

	low, high, err := a.pair.HumanRangeFromTicks(tickLower, tickUpper)
	if err != nil {
		return Amounts{}, err
	}
	if !low.LessThan(high) {
		return Amounts{}, fmt.Errorf("range [%d, %d] collapses to a single price %s", tickLower, tickUpper, low)
	}

	var baseShare decimal.Decimal
	switch {
	case price.LessThanOrEqual(low):
		baseShare = decimal.Zero
	case price.GreaterThan(high):
		baseShare = decimal.NewFromInt(1)
	default:
		baseShare = price.Sub(low).Div(high.Sub(low))
	}
	quoteShare := decimal.NewFromInt(1).Sub(baseShare)

	baseHuman := capital.Mul(baseShare).Div(price)
	quoteHuman := capital.Mul(quoteShare)

	base := toRawAmount(baseHuman, a.pair.BaseDecimals)
	quote := toRawAmount(quoteHuman, a.pair.QuoteDecimals)
	return Amounts{Base: base, Quote: quote}, nil
}

// toRawAmount floors a human token amount to raw units, keeping at least
// one unit so a mint never submits a zero amount.
func toRawAmount(human decimal.Decimal, decimals uint8) *big.Int {
	raw := human.Mul(decimal.New(1, int32(decimals))).Floor().BigInt()
	if raw.Sign() <= 0 {
		return big.NewInt(1)
	}
	return raw
}

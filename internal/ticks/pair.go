package ticks

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// Pair binds the configured base/quote orientation of a trading pair to the
// pool's token0/token1 storage order. Human prices are quoted as quote units
// per whole base unit; raw prices are the pool-native token1-per-token0
// ratio in smallest units. Each conversion direction has exactly one
// implementation here.
type Pair struct {
	// BaseIsToken0 is true when the base token sorts as the pool's token0.
	BaseIsToken0  bool
	BaseDecimals  uint8
	QuoteDecimals uint8
}

// Validate rejects a pair built from incomplete token metadata. A zero
// decimals value comes from a failed ERC20 read, not a real pool token, and
// every conversion built on it would be off by orders of magnitude.
func (p Pair) Validate() error {
	if p.BaseDecimals == 0 {
		return fmt.Errorf("base token decimals are zero")
	}
	if p.QuoteDecimals == 0 {
		return fmt.Errorf("quote token decimals are zero")
	}
	return nil
}

func (p Pair) decimals01() (int32, int32) {
	if p.BaseIsToken0 {
		return int32(p.BaseDecimals), int32(p.QuoteDecimals)
	}
	return int32(p.QuoteDecimals), int32(p.BaseDecimals)
}

// RawFromHuman converts a human price to the pool's raw price.
func (p Pair) RawFromHuman(human decimal.Decimal) (decimal.Decimal, error) {
	if human.Sign() <= 0 {
		return decimal.Decimal{}, fmt.Errorf("human price must be positive, got %s", human)
	}
	d0, d1 := p.decimals01()
	scale := decimal.New(1, d1-d0)
	if p.BaseIsToken0 {
		return human.Mul(scale), nil
	}
	return scale.Div(human), nil
}

// HumanFromRaw converts the pool's raw price back to a human price. It is
// the exact inverse of RawFromHuman up to the decimal precision in use.
func (p Pair) HumanFromRaw(raw decimal.Decimal) (decimal.Decimal, error) {
	if raw.Sign() <= 0 {
		return decimal.Decimal{}, fmt.Errorf("raw price must be positive, got %s", raw)
	}
	d0, d1 := p.decimals01()
	scale := decimal.New(1, d1-d0)
	if p.BaseIsToken0 {
		return raw.Div(scale), nil
	}
	return scale.Div(raw), nil
}

// TickFromHuman maps a human price to the tick at or below its raw price.
func (p Pair) TickFromHuman(human decimal.Decimal) (int32, error) {
	raw, err := p.RawFromHuman(human)
	if err != nil {
		return 0, err
	}
	return PriceToTick(raw)
}

// HumanFromTick maps a tick to the human price at its lower raw boundary.
func (p Pair) HumanFromTick(tick int32) (decimal.Decimal, error) {
	return p.HumanFromRaw(TickToRawPrice(tick))
}

// HumanRangeFromTicks returns the human-price interval covered by a tick
// range, min/max normalized: tick order does not imply human price order
// when the quote token is token0.
func (p Pair) HumanRangeFromTicks(tickLower, tickUpper int32) (low, high decimal.Decimal, err error) {
	a, err := p.HumanFromTick(tickLower)
	if err != nil {
		return decimal.Decimal{}, decimal.Decimal{}, err
	}
	b, err := p.HumanFromTick(tickUpper)
	if err != nil {
		return decimal.Decimal{}, decimal.Decimal{}, err
	}
	if a.LessThanOrEqual(b) {
		return a, b, nil
	}
	return b, a, nil
}

var q96 = decimal.NewFromBigInt(new(big.Int).Lsh(big.NewInt(1), 96), 0)

// RawFromSqrtPriceX96 converts a pool's sqrtPriceX96 reading to the raw
// price: (sqrt / 2^96)^2.
func RawFromSqrtPriceX96(sqrtPriceX96 *big.Int) (decimal.Decimal, error) {
	if sqrtPriceX96 == nil || sqrtPriceX96.Sign() <= 0 {
		return decimal.Decimal{}, fmt.Errorf("sqrtPriceX96 must be positive")
	}
	ratio := decimal.NewFromBigInt(sqrtPriceX96, 0).Div(q96)
	return ratio.Mul(ratio), nil
}

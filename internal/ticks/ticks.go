package ticks

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// TickBase is the price ratio between two adjacent ticks.
const TickBase = 1.0001

// MinTick and MaxTick bound the usable tick domain.
const (
	MinTick int32 = -887272
	MaxTick int32 = 887272
)

func init() {
	// Repeated human<->raw round-trips need more headroom than the
	// library default of 16 digits.
	if decimal.DivisionPrecision < 38 {
		decimal.DivisionPrecision = 38
	}
}

// AlignMode selects the rounding direction for AlignToSpacing.
type AlignMode int

const (
	AlignDown AlignMode = iota
	AlignUp
	AlignClosest
)

func (m AlignMode) String() string {
	switch m {
	case AlignDown:
		return "down"
	case AlignUp:
		return "up"
	case AlignClosest:
		return "closest"
	default:
		return fmt.Sprintf("align(%d)", int(m))
	}
}

// feeTierSpacing maps a pool fee (hundredths of a bip) to its tick spacing.
var feeTierSpacing = map[uint32]int32{
	100:   1,
	500:   10,
	2500:  50,
	3000:  60,
	10000: 200,
}

// SpacingForFee returns the tick spacing for a fee tier. Unknown tiers are
// rejected rather than defaulted.
func SpacingForFee(fee uint32) (int32, error) {
	spacing, ok := feeTierSpacing[fee]
	if !ok {
		return 0, fmt.Errorf("unknown fee tier %d", fee)
	}
	return spacing, nil
}

// PriceToTick converts a raw pool price to the tick at or below it:
// floor(log_1.0001(raw)).
func PriceToTick(raw decimal.Decimal) (int32, error) {
	if raw.Sign() <= 0 {
		return 0, fmt.Errorf("raw price must be positive, got %s", raw)
	}
	f, _ := raw.Float64()
	exact := math.Log(f) / math.Log(TickBase)

	// Snap values that are a boundary up to float error, so the
	// tick->price->tick round-trip is exact.
	nearest := math.Round(exact)
	if math.Abs(exact-nearest) < 1e-8 {
		exact = nearest
	}
	tick := int32(math.Floor(exact))
	if tick < MinTick || tick > MaxTick {
		return 0, fmt.Errorf("price %s maps to tick %d outside usable range", raw, tick)
	}
	return tick, nil
}

// TickToRawPrice converts a tick to its raw pool price: 1.0001^tick.
func TickToRawPrice(tick int32) decimal.Decimal {
	return decimal.NewFromFloat(math.Pow(TickBase, float64(tick)))
}

// AlignToSpacing rounds a tick to a multiple of spacing in the requested
// direction. Closest rounds up at the midpoint. Ticks that are already
// aligned are returned unchanged by every mode.
func AlignToSpacing(tick, spacing int32, mode AlignMode) int32 {
	if spacing <= 0 {
		return tick
	}
	rem := ((tick % spacing) + spacing) % spacing
	if rem == 0 {
		return tick
	}
	down := tick - rem
	switch mode {
	case AlignDown:
		return down
	case AlignUp:
		return down + spacing
	default:
		if rem*2 >= spacing {
			return down + spacing
		}
		return down
	}
}

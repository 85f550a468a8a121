package allocator

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"rangeKeeper/internal/model"
	"rangeKeeper/internal/ticks"
)

// Range is a candidate position range in tick space.
type Range struct {
	TickLower int32
	TickUpper int32
}

// Layout computes target tick ranges around the current price.
type Layout struct {
	pair    ticks.Pair
	spacing int32

	// blockHalfWidth is the half-width, as a price fraction, of the full
	// block a three-slot layout covers.
	blockHalfWidth decimal.Decimal
	// nominalWidth is the unaligned width in ticks of a single recreated
	// range; spacing alignment may widen it.
	nominalWidth int32
}

// DefaultBlockHalfWidth gives a three-slot block a total width of 0.12%
// of price, split into three equal sub-ranges.
var DefaultBlockHalfWidth = decimal.RequireFromString("0.0006")

const defaultNominalWidthTicks = 4

func NewLayout(pair ticks.Pair, spacing int32) *Layout {
	return &Layout{
		pair:           pair,
		spacing:        spacing,
		blockHalfWidth: DefaultBlockHalfWidth,
		nominalWidth:   defaultNominalWidthTicks,
	}
}

// widthTicks is the effective width of one recreated range: the nominal
// width rounded up to a whole number of spacings.
func (l *Layout) widthTicks() int32 {
	w := ticks.AlignToSpacing(l.nominalWidth, l.spacing, ticks.AlignUp)
	if w <= 0 {
		w = l.spacing
	}
	return w
}

// ThreeSlotBlock lays out three contiguous ranges covering one price block
// centered on the current price. Bounds are computed in human-price space,
// mapped to ticks, aligned outward to spacing, and then de-gapped: per-range
// rounding can open tick gaps between neighbours, so after sorting each
// range's lower bound is snapped to its predecessor's upper bound.
func (l *Layout) ThreeSlotBlock(price model.Price) ([]Range, error) {
	if price.Human.Sign() <= 0 {
		return nil, fmt.Errorf("price must be positive, got %s", price.Human)
	}

	one := decimal.NewFromInt(1)
	third := l.blockHalfWidth.Div(decimal.NewFromInt(3))
	offsets := []decimal.Decimal{
		l.blockHalfWidth.Neg(),
		third.Neg(),
		third,
		l.blockHalfWidth,
	}

	bounds := make([]int32, len(offsets))
	for i, off := range offsets {
		human := price.Human.Mul(one.Add(off))
		tick, err := l.pair.TickFromHuman(human)
		if err != nil {
			return nil, fmt.Errorf("block bound %d: %w", i, err)
		}
		bounds[i] = tick
	}

	ranges := make([]Range, 0, 3)
	for i := 0; i < 3; i++ {
		lo, hi := bounds[i], bounds[i+1]
		if lo > hi {
			lo, hi = hi, lo
		}
		lo = ticks.AlignToSpacing(lo, l.spacing, ticks.AlignDown)
		hi = ticks.AlignToSpacing(hi, l.spacing, ticks.AlignUp)
		if hi <= lo {
			hi = lo + l.spacing
		}
		ranges = append(ranges, Range{TickLower: lo, TickUpper: hi})
	}

	sort.Slice(ranges, func(i, j int) bool { return ranges[i].TickLower < ranges[j].TickLower })
	for i := 1; i < len(ranges); i++ {
		ranges[i].TickLower = ranges[i-1].TickUpper
		if ranges[i].TickUpper <= ranges[i].TickLower {
			ranges[i].TickUpper = ranges[i].TickLower + l.spacing
		}
	}
	return ranges, nil
}

// TwoSlotFlush lays out two touching ranges, one ending at the aligned
// current tick and one starting there.
func (l *Layout) TwoSlotFlush(price model.Price) []Range {
	aligned := ticks.AlignToSpacing(price.Tick, l.spacing, ticks.AlignDown)
	w := l.widthTicks()
	return []Range{
		{TickLower: aligned - w, TickUpper: aligned},
		{TickLower: aligned, TickUpper: aligned + w},
	}
}

// AdjacentRanges places count ranges flush against existing coverage
// [coverLow, coverHigh], on the side the current tick sits on. With the
// tick inside the coverage the ranges alternate, first above then below.
func (l *Layout) AdjacentRanges(coverLow, coverHigh, currentTick int32, count int) []Range {
	w := l.widthTicks()
	out := make([]Range, 0, count)

	switch {
	case currentTick >= coverHigh:
		for i := 0; i < count; i++ {
			lo := coverHigh + int32(i)*w
			out = append(out, Range{TickLower: lo, TickUpper: lo + w})
		}
	case currentTick <= coverLow:
		for i := 0; i < count; i++ {
			hi := coverLow - int32(i)*w
			out = append(out, Range{TickLower: hi - w, TickUpper: hi})
		}
	default:
		above, below := coverHigh, coverLow
		for i := 0; i < count; i++ {
			if i%2 == 0 {
				out = append(out, Range{TickLower: above, TickUpper: above + w})
				above += w
			} else {
				out = append(out, Range{TickLower: below - w, TickUpper: below})
				below -= w
			}
		}
	}
	return out
}

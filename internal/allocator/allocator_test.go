package allocator

import (
	"math/big"
	"testing"

	"github.com/shopspring/decimal"

	"rangeKeeper/internal/model"
	"rangeKeeper/internal/ticks"
)

var testPair = ticks.Pair{BaseIsToken0: true, BaseDecimals: 18, QuoteDecimals: 18}

func testRange(t *testing.T, a *Allocator, tickLower, tickUpper int32) (low, high decimal.Decimal) {
	t.Helper()
	low, high, err := a.pair.HumanRangeFromTicks(tickLower, tickUpper)
	if err != nil {
		t.Fatalf("human range: %v", err)
	}
	return low, high
}

func TestSplitBelowRangeAllQuote(t *testing.T) {
	a := New(testPair)
	low, _ := testRange(t, a, 115129, 115141)

	capital := decimal.NewFromInt(1000)
	got, err := a.Split(115129, 115141, low, capital)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Price exactly at the range minimum resolves to the all-quote branch,
	// matching the inside-range formula's limit at t=0.
	wantQuote := capital.Mul(decimal.New(1, 18)).Floor().BigInt()
	if got.Quote.Cmp(wantQuote) != 0 {
		t.Fatalf("quote = %s, want %s", got.Quote, wantQuote)
	}
	if got.Base.Cmp(big.NewInt(1)) != 0 {
		t.Fatalf("base = %s, want starvation floor of 1", got.Base)
	}
}

func TestSplitAboveRangeAllBase(t *testing.T) {
	a := New(testPair)
	_, high := testRange(t, a, 115129, 115141)

	capital := decimal.NewFromInt(1000)
	price := high.Mul(decimal.RequireFromString("1.001"))
	got, err := a.Split(115129, 115141, price, capital)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	wantBase := capital.Div(price).Mul(decimal.New(1, 18)).Floor().BigInt()
	if got.Base.Cmp(wantBase) != 0 {
		t.Fatalf("base = %s, want %s", got.Base, wantBase)
	}
	if got.Quote.Cmp(big.NewInt(1)) != 0 {
		t.Fatalf("quote = %s, want starvation floor of 1", got.Quote)
	}
}

func TestSplitInsideRangeInterpolates(t *testing.T) {
	a := New(testPair)
	low, high := testRange(t, a, 115129, 115141)

	mid := low.Add(high).Div(decimal.NewFromInt(2))
	capital := decimal.NewFromInt(1000)
	got, err := a.Split(115129, 115141, mid, capital)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Midpoint puts half the capital on each side.
	wantQuote := capital.Div(decimal.NewFromInt(2)).Mul(decimal.New(1, 18))
	quoteDec := decimal.NewFromBigInt(got.Quote, 0)
	diff := quoteDec.Sub(wantQuote).Abs()
	if diff.GreaterThan(decimal.New(1, 18)) {
		t.Fatalf("quote = %s, want about %s", quoteDec, wantQuote)
	}

	baseValue := decimal.NewFromBigInt(got.Base, -18).Mul(mid)
	quoteValue := decimal.NewFromBigInt(got.Quote, -18)
	valueDiff := baseValue.Sub(quoteValue).Abs()
	if valueDiff.GreaterThan(decimal.NewFromInt(1)) {
		t.Fatalf("midpoint split not value-balanced: base %s vs quote %s", baseValue, quoteValue)
	}
}

func TestSplitBoundaryContinuity(t *testing.T) {
	a := New(testPair)
	low, high := testRange(t, a, 115129, 115141)
	capital := decimal.NewFromInt(1000)

	eps := high.Sub(low).Mul(decimal.RequireFromString("0.0001"))

	atMin, err := a.Split(115129, 115141, low, capital)
	if err != nil {
		t.Fatalf("at min: %v", err)
	}
	justInside, err := a.Split(115129, 115141, low.Add(eps), capital)
	if err != nil {
		t.Fatalf("just inside: %v", err)
	}

	// Stepping epsilon into the range must not jump the allocation.
	quoteA := decimal.NewFromBigInt(atMin.Quote, -18)
	quoteB := decimal.NewFromBigInt(justInside.Quote, -18)
	if quoteA.Sub(quoteB).Abs().GreaterThan(decimal.NewFromInt(1)) {
		t.Fatalf("discontinuity at range min: %s vs %s", quoteA, quoteB)
	}
}

func TestSplitIdempotent(t *testing.T) {
	a := New(testPair)
	price := decimal.NewFromInt(100000)
	capital := decimal.RequireFromString("1234.56")

	first, err := a.Split(115129, 115141, price, capital)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := a.Split(115129, 115141, price, capital)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.Base.Cmp(second.Base) != 0 || first.Quote.Cmp(second.Quote) != 0 {
		t.Fatalf("repeated split diverged: %+v vs %+v", first, second)
	}
}

func TestSplitRejectsBadInputs(t *testing.T) {
	a := New(testPair)
	if _, err := a.Split(115129, 115141, decimal.NewFromInt(100000), decimal.Zero); err == nil {
		t.Fatalf("expected error for zero capital")
	}
	if _, err := a.Split(115141, 115129, decimal.NewFromInt(100000), decimal.NewFromInt(100)); err == nil {
		t.Fatalf("expected error for inverted range")
	}
	if _, err := a.Split(115129, 115129, decimal.NewFromInt(100000), decimal.NewFromInt(100)); err == nil {
		t.Fatalf("expected error for degenerate range")
	}
}

func priceAt(t *testing.T, pair ticks.Pair, human string) model.Price {
	t.Helper()
	h := decimal.RequireFromString(human)
	raw, err := pair.RawFromHuman(h)
	if err != nil {
		t.Fatalf("raw from human: %v", err)
	}
	tick, err := ticks.PriceToTick(raw)
	if err != nil {
		t.Fatalf("price to tick: %v", err)
	}
	return model.Price{Human: h, Raw: raw, Tick: tick}
}

func TestThreeSlotBlockContiguous(t *testing.T) {
	layout := NewLayout(testPair, 1)
	price := priceAt(t, testPair, "100000")

	ranges, err := layout.ThreeSlotBlock(price)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ranges) != 3 {
		t.Fatalf("got %d ranges, want 3", len(ranges))
	}
	for i, r := range ranges {
		if r.TickUpper <= r.TickLower {
			t.Fatalf("range %d degenerate: %+v", i, r)
		}
		if i > 0 && r.TickLower != ranges[i-1].TickUpper {
			t.Fatalf("gap between range %d and %d: %+v %+v", i-1, i, ranges[i-1], r)
		}
	}

	// A 0.0012-wide block is about 12 ticks at spacing 1.
	total := ranges[2].TickUpper - ranges[0].TickLower
	if total < 10 || total > 14 {
		t.Fatalf("block spans %d ticks, want about 12", total)
	}
	if price.Tick < ranges[0].TickLower || price.Tick >= ranges[2].TickUpper {
		t.Fatalf("price tick %d outside block [%d, %d)", price.Tick, ranges[0].TickLower, ranges[2].TickUpper)
	}
}

func TestThreeSlotBlockRespectsSpacing(t *testing.T) {
	layout := NewLayout(testPair, 10)
	price := priceAt(t, testPair, "100000")

	ranges, err := layout.ThreeSlotBlock(price)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i, r := range ranges {
		if r.TickLower%10 != 0 || r.TickUpper%10 != 0 {
			t.Fatalf("range %d not spacing-aligned: %+v", i, r)
		}
		if i > 0 && r.TickLower != ranges[i-1].TickUpper {
			t.Fatalf("gap between range %d and %d", i-1, i)
		}
	}
}

func TestTwoSlotFlush(t *testing.T) {
	layout := NewLayout(testPair, 10)
	price := priceAt(t, testPair, "100000")

	ranges := layout.TwoSlotFlush(price)
	if len(ranges) != 2 {
		t.Fatalf("got %d ranges, want 2", len(ranges))
	}
	if ranges[0].TickUpper != ranges[1].TickLower {
		t.Fatalf("ranges not touching: %+v", ranges)
	}
	for i, r := range ranges {
		if r.TickLower%10 != 0 || r.TickUpper%10 != 0 {
			t.Fatalf("range %d not spacing-aligned: %+v", i, r)
		}
	}
}

func TestAdjacentRanges(t *testing.T) {
	layout := NewLayout(testPair, 10)

	above := layout.AdjacentRanges(100, 200, 250, 2)
	want := []Range{{TickLower: 200, TickUpper: 210}, {TickLower: 210, TickUpper: 220}}
	if len(above) != 2 || above[0] != want[0] || above[1] != want[1] {
		t.Fatalf("above coverage: got %+v, want %+v", above, want)
	}

	below := layout.AdjacentRanges(100, 200, 50, 2)
	want = []Range{{TickLower: 90, TickUpper: 100}, {TickLower: 80, TickUpper: 90}}
	if len(below) != 2 || below[0] != want[0] || below[1] != want[1] {
		t.Fatalf("below coverage: got %+v, want %+v", below, want)
	}

	inside := layout.AdjacentRanges(100, 200, 150, 2)
	if inside[0].TickLower != 200 || inside[1].TickUpper != 100 {
		t.Fatalf("inside coverage should flank both sides: %+v", inside)
	}
}

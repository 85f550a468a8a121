// Package policy decides, from price deviation against the managed
// coverage, how much of the position set to rebalance. Decisions are pure:
// no I/O, no retained state.
package policy

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"rangeKeeper/internal/model"
	"rangeKeeper/internal/ticks"
)

// Kind is the scope of a rebalance decision, ordered by severity.
type Kind int

const (
	// KindHold leaves active positions alone; empty slots may still be
	// filled with ranges adjacent to the existing coverage.
	KindHold Kind = iota
	KindPartial
	KindFull
)

func (k Kind) String() string {
	switch k {
	case KindHold:
		return "hold"
	case KindPartial:
		return "partial"
	case KindFull:
		return "full"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Side says which end of the coverage the rebalanced slots sit on.
type Side int

const (
	SideNone Side = iota
	// SideLower: price drifted above coverage, the lowest-priced slots move.
	SideLower
	// SideUpper: price drifted below coverage, the highest-priced slots move.
	SideUpper
)

func (s Side) String() string {
	switch s {
	case SideLower:
		return "lower"
	case SideUpper:
		return "upper"
	default:
		return "none"
	}
}

// Decision is the outcome of one policy evaluation.
type Decision struct {
	Kind      Kind
	Side      Side
	SlotIndex []int // slots to close, farthest from price first
	Deviation decimal.Decimal
}

// Thresholds are deviation levels, as fractions of price, at which the
// rebalance scope escalates. TwoSlot is unused in two-slot mode.
type Thresholds struct {
	OneSlot decimal.Decimal
	TwoSlot decimal.Decimal
	Full    decimal.Decimal
}

// ThresholdsForMode returns the default escalation levels per slot count.
func ThresholdsForMode(mode int) (Thresholds, error) {
	switch mode {
	case 3:
		return Thresholds{
			OneSlot: decimal.RequireFromString("0.0002"),
			TwoSlot: decimal.RequireFromString("0.0008"),
			Full:    decimal.RequireFromString("0.0019"),
		}, nil
	case 2:
		return Thresholds{
			OneSlot: decimal.RequireFromString("0.0002"),
			Full:    decimal.RequireFromString("0.0004"),
		}, nil
	default:
		return Thresholds{}, fmt.Errorf("unsupported slot mode %d", mode)
	}
}

// Engine evaluates the rebalance policy for one pool pair and slot mode.
type Engine struct {
	mode       int
	pair       ticks.Pair
	thresholds Thresholds
}

func New(mode int, pair ticks.Pair) (*Engine, error) {
	thresholds, err := ThresholdsForMode(mode)
	if err != nil {
		return nil, err
	}
	return &Engine{mode: mode, pair: pair, thresholds: thresholds}, nil
}

// Thresholds returns the engine's escalation levels.
func (e *Engine) Thresholds() Thresholds {
	return e.thresholds
}

// Deviation measures how far the price has drifted outside the human-price
// interval covered by the union of active slots: zero inside, otherwise
// the relative distance to the nearer bound.
func (e *Engine) Deviation(slots []*model.Position, price model.Price) (dev decimal.Decimal, side Side, err error) {
	low, high, ok, err := e.coverage(slots)
	if err != nil {
		return decimal.Decimal{}, SideNone, err
	}
	if !ok {
		return decimal.Decimal{}, SideNone, nil
	}

	switch {
	case price.Human.GreaterThan(high):
		return price.Human.Sub(high).Div(high), SideLower, nil
	case price.Human.LessThan(low):
		return low.Sub(price.Human).Div(low), SideUpper, nil
	default:
		return decimal.Zero, SideNone, nil
	}
}

// Decide maps the current price and slot occupancy to a rebalance scope.
func (e *Engine) Decide(slots []*model.Position, price model.Price) (Decision, error) {
	if len(slots) != e.mode {
		return Decision{}, fmt.Errorf("slot count %d does not match mode %d", len(slots), e.mode)
	}

	active := activeIndexes(slots)
	if len(active) == 0 {
		return Decision{Kind: KindFull}, nil
	}

	dev, side, err := e.Deviation(slots, price)
	if err != nil {
		return Decision{}, err
	}

	// A single surviving position cannot anchor a partial move: fill the
	// empty slots around it, unless drift already warrants a full reset.
	if len(active) == 1 {
		if dev.GreaterThanOrEqual(e.thresholds.Full) {
			return Decision{Kind: KindFull, Side: side, Deviation: dev}, nil
		}
		return Decision{Kind: KindHold, Side: side, Deviation: dev}, nil
	}

	kind, count := e.bracket(dev)
	decision := Decision{Kind: kind, Side: side, Deviation: dev}
	if kind == KindPartial {
		if count > len(active) {
			count = len(active)
		}
		farthest, err := e.farthest(slots, active, price, count)
		if err != nil {
			return Decision{}, err
		}
		decision.SlotIndex = farthest
	}
	return decision, nil
}

// bracket maps a deviation to a scope and, for partial scopes, the number
// of slots to move.
func (e *Engine) bracket(dev decimal.Decimal) (Kind, int) {
	if dev.GreaterThanOrEqual(e.thresholds.Full) {
		return KindFull, 0
	}
	if e.mode == 3 && dev.GreaterThanOrEqual(e.thresholds.TwoSlot) {
		return KindPartial, 2
	}
	if dev.GreaterThanOrEqual(e.thresholds.OneSlot) {
		return KindPartial, 1
	}
	return KindHold, 0
}

// coverage returns the min/max human prices spanned by active slots.
func (e *Engine) coverage(slots []*model.Position) (low, high decimal.Decimal, ok bool, err error) {
	for _, pos := range slots {
		if pos == nil {
			continue
		}
		slotLow, slotHigh, err := e.pair.HumanRangeFromTicks(pos.TickLower, pos.TickUpper)
		if err != nil {
			return decimal.Decimal{}, decimal.Decimal{}, false, fmt.Errorf("slot coverage for position %d: %w", pos.TokenID, err)
		}
		if !ok {
			low, high, ok = slotLow, slotHigh, true
			continue
		}
		if slotLow.LessThan(low) {
			low = slotLow
		}
		if slotHigh.GreaterThan(high) {
			high = slotHigh
		}
	}
	return low, high, ok, nil
}

// farthest picks the count active slots whose range midpoints are farthest
// from the current price.
func (e *Engine) farthest(slots []*model.Position, active []int, price model.Price, count int) ([]int, error) {
	type slotDistance struct {
		index    int
		distance decimal.Decimal
	}
	distances := make([]slotDistance, 0, len(active))
	for _, idx := range active {
		pos := slots[idx]
		low, high, err := e.pair.HumanRangeFromTicks(pos.TickLower, pos.TickUpper)
		if err != nil {
			return nil, fmt.Errorf("slot %d range: %w", idx, err)
		}
		mid := low.Add(high).Div(decimal.NewFromInt(2))
		distances = append(distances, slotDistance{index: idx, distance: mid.Sub(price.Human).Abs()})
	}
	sort.Slice(distances, func(i, j int) bool {
		return distances[i].distance.GreaterThan(distances[j].distance)
	})
	out := make([]int, 0, count)
	for i := 0; i < count && i < len(distances); i++ {
		out = append(out, distances[i].index)
	}
	return out, nil
}

func activeIndexes(slots []*model.Position) []int {
	out := make([]int, 0, len(slots))
	for i, pos := range slots {
		if pos != nil {
			out = append(out, i)
		}
	}
	return out
}

package keeper

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"rangeKeeper/internal/allocator"
	"rangeKeeper/internal/dex"
	"rangeKeeper/internal/model"
	"rangeKeeper/internal/policy"
)

// slotRange assigns a target range to a ledger slot; the order of a batch
// of assignments is the mint order.
type slotRange struct {
	slot int
	rng  allocator.Range
}

// fill mints positions for empty slots while price stays inside coverage.
// Orphaned positions belonging to the managed pool are adopted into empty
// slots first, so a lost snapshot recovers without closing anything.
func (r *Runner) fill(ctx context.Context, price model.Price) error {
	adopted, err := r.adoptOrphans(ctx)
	if err != nil {
		r.logger.Warn("orphan adoption failed", zap.Error(err))
	}

	empty := r.book.Empty()
	if len(empty) == 0 {
		if len(adopted) > 0 {
			r.record("adopt", price, decimal.Zero, nil, adopted, nil, "orphans adopted into empty slots")
		}
		return nil
	}

	var ranges []allocator.Range
	if len(r.book.Active()) == 0 {
		ranges, err = r.fullLayoutRanges(price)
		if err != nil {
			return err
		}
		ranges = ranges[:len(empty)]
	} else {
		coverLow, coverHigh := r.coverageTicks()
		ranges = r.layout.AdjacentRanges(coverLow, coverHigh, price.Tick, len(empty))
	}

	assignments := make([]slotRange, len(empty))
	for i, slot := range empty {
		assignments[i] = slotRange{slot: slot, rng: ranges[i]}
	}

	opened, err := r.openPositions(ctx, price, assignments)
	if len(opened) > 0 || len(adopted) > 0 {
		r.record("fill", price, decimal.Zero, nil, append(adopted, opened...), nil, "")
	}
	return err
}

// partialRebalance closes the chosen slots, waits for the proceeds, swaps
// when the recreated ranges need a different token mix, and recreates the
// slots flush against the remaining coverage on the price side.
func (r *Runner) partialRebalance(ctx context.Context, price model.Price, decision policy.Decision) error {
	closedValue := r.slotsValue(decision.SlotIndex, price)

	closedIDs, receipt, err := r.closeSlots(ctx, decision.SlotIndex)
	if err != nil {
		return fmt.Errorf("close slots %v: %w", decision.SlotIndex, err)
	}

	if _, _, err := r.waitForFunds(ctx, fundsFloor(closedValue)); err != nil {
		return err
	}

	price, err = r.readPrice(ctx)
	if err != nil {
		return fmt.Errorf("re-read price: %w", err)
	}

	var ranges []allocator.Range
	if len(r.book.Active()) == 0 {
		aligned := price.Tick
		ranges = r.layout.AdjacentRanges(aligned, aligned, price.Tick, len(decision.SlotIndex))
	} else {
		coverLow, coverHigh := r.coverageTicks()
		ranges = r.layout.AdjacentRanges(coverLow, coverHigh, price.Tick, len(decision.SlotIndex))
	}

	assignments := make([]slotRange, len(decision.SlotIndex))
	for i, slot := range decision.SlotIndex {
		assignments[i] = slotRange{slot: slot, rng: ranges[i]}
	}

	swapped, err := r.ensureMixFor(ctx, price, assignments)
	if err != nil {
		r.logger.Warn("pre-mint swap failed, minting with current balances", zap.Error(err))
	}
	if swapped {
		// The swap moved the pool; amounts must come from the new price.
		price, err = r.readPrice(ctx)
		if err != nil {
			return fmt.Errorf("re-read price after swap: %w", err)
		}
	}

	opened, err := r.openPositions(ctx, price, assignments)
	r.record("partial_rebalance", price, decision.Deviation, closedIDs, opened, receipt, "")
	return err
}

// fullRebalance tears everything down and rebuilds the layout around the
// current price: close all slots and adoptable orphans in one batch, wait
// for the proceeds, swap the wallet to a 1:1 value split, then re-read the
// price and mint fresh ranges. Post-swap amounts are always computed from
// the re-read price.
func (r *Runner) fullRebalance(ctx context.Context, price model.Price, deviation decimal.Decimal, note string) error {
	closedValue := r.slotsValue(r.book.Active(), price)

	closedIDs, receipt, err := r.closeEverything(ctx)
	if err != nil {
		return fmt.Errorf("close all: %w", err)
	}

	if len(closedIDs) > 0 {
		if _, _, err := r.waitForFunds(ctx, fundsFloor(closedValue)); err != nil {
			return err
		}
	}

	if err := r.swapToBalance(ctx); err != nil {
		r.logger.Warn("rebalancing swap failed, minting with current balances", zap.Error(err))
	}

	price, err = r.readPrice(ctx)
	if err != nil {
		return fmt.Errorf("re-read price: %w", err)
	}

	ranges, err := r.fullLayoutRanges(price)
	if err != nil {
		return err
	}
	assignments := make([]slotRange, 0, len(ranges))
	for _, slot := range mintOrder(len(ranges)) {
		assignments = append(assignments, slotRange{slot: slot, rng: ranges[slot]})
	}

	opened, err := r.openPositions(ctx, price, assignments)
	r.record("full_rebalance", price, deviation, closedIDs, opened, receipt, note)
	r.notify(ctx, fmt.Sprintf("full rebalance at %s: closed %d, opened %d", price.Human, len(closedIDs), len(opened)))
	return err
}

// resetAll closes every managed position and adoptable orphan without
// reopening anything.
func (r *Runner) resetAll(ctx context.Context) error {
	price, err := r.readPrice(ctx)
	if err != nil {
		return fmt.Errorf("read price: %w", err)
	}
	if err := r.reconcile(ctx); err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}

	closedIDs, receipt, err := r.closeEverything(ctx)
	if err != nil {
		return fmt.Errorf("close all: %w", err)
	}
	r.record("reset_all", price, decimal.Zero, closedIDs, nil, receipt, "")
	r.notify(ctx, fmt.Sprintf("reset complete: %d positions closed", len(closedIDs)))
	return nil
}

// topUp adds idle wallet value into the least-valuable position once all
// slots are active and the leftover clears the configured minimum.
func (r *Runner) topUp(ctx context.Context, price model.Price) error {
	base, quote, err := r.readBalances(ctx)
	if err != nil {
		return fmt.Errorf("read balances: %w", err)
	}
	leftover := r.walletValue(base, quote, price.Human)
	if leftover.LessThan(r.cfg.MinTopUpValue) {
		return nil
	}

	slot := r.leastValuableSlot(price)
	if slot < 0 {
		return nil
	}
	pos := r.book.Position(slot)

	amounts, err := r.alloc.Split(pos.TickLower, pos.TickUpper, price.Human, leftover)
	if err != nil {
		return fmt.Errorf("split top-up: %w", err)
	}

	swapped, err := r.ensureMix(ctx, price, amounts.Base, amounts.Quote, r.cfg.TopUpSkew)
	if err != nil {
		r.logger.Warn("top-up swap failed, depositing current balances", zap.Error(err))
	}
	if swapped {
		price, err = r.readPrice(ctx)
		if err != nil {
			return fmt.Errorf("re-read price after swap: %w", err)
		}
		amounts, err = r.alloc.Split(pos.TickLower, pos.TickUpper, price.Human, leftover)
		if err != nil {
			return fmt.Errorf("re-split top-up: %w", err)
		}
	}
	base, quote, err = r.readBalances(ctx)
	if err != nil {
		return fmt.Errorf("re-read balances: %w", err)
	}

	depositBase := minBig(amounts.Base, base)
	depositQuote := minBig(amounts.Quote, quote)
	if depositBase.Sign() <= 0 && depositQuote.Sign() <= 0 {
		return nil
	}

	if err := r.exchange.TopUp(ctx, pos.TokenID, depositBase, depositQuote); err != nil {
		return fmt.Errorf("top up %d: %w", pos.TokenID, err)
	}
	if err := r.refreshSlot(ctx, slot); err != nil {
		r.logger.Warn("slot refresh after top-up failed", zap.Int("slot", slot), zap.Error(err))
	}

	r.logger.Info("position topped up",
		zap.Uint64("token_id", pos.TokenID),
		zap.Int("slot", slot),
		zap.String("value", leftover.String()))
	r.record("top_up", price, decimal.Zero, nil, []uint64{pos.TokenID}, nil, fmt.Sprintf("value %s", leftover))
	return nil
}

// openPositions mints one position per assignment, staking and recording
// each before moving to the next. Balances are re-read before every mint so
// later slots split what actually remains.
func (r *Runner) openPositions(ctx context.Context, price model.Price, assignments []slotRange) ([]uint64, error) {
	opened := make([]uint64, 0, len(assignments))
	for i, a := range assignments {
		if err := ctx.Err(); err != nil {
			return opened, err
		}

		if active := r.book.Position(a.slot); active != nil {
			if active.TickLower == a.rng.TickLower && active.TickUpper == a.rng.TickUpper {
				continue
			}
			return opened, fmt.Errorf("slot %d already occupied by %d", a.slot, active.TokenID)
		}

		base, quote, err := r.readBalances(ctx)
		if err != nil {
			return opened, fmt.Errorf("read balances: %w", err)
		}
		remaining := len(assignments) - i
		capital := r.walletValue(base, quote, price.Human).Div(decimal.NewFromInt(int64(remaining)))
		if capital.Sign() <= 0 {
			return opened, fmt.Errorf("no capital left for slot %d", a.slot)
		}

		amounts, err := r.alloc.Split(a.rng.TickLower, a.rng.TickUpper, price.Human, capital)
		if err != nil {
			return opened, fmt.Errorf("split slot %d: %w", a.slot, err)
		}
		mintBase := minBig(amounts.Base, base)
		mintQuote := minBig(amounts.Quote, quote)
		if mintBase.Sign() <= 0 && mintQuote.Sign() <= 0 {
			return opened, fmt.Errorf("no funds for slot %d", a.slot)
		}

		id, err := r.exchange.MintPosition(ctx, a.rng.TickLower, a.rng.TickUpper, mintBase, mintQuote)
		if err != nil {
			return opened, fmt.Errorf("mint slot %d [%d, %d]: %w", a.slot, a.rng.TickLower, a.rng.TickUpper, err)
		}
		opened = append(opened, id)

		info, err := r.exchange.PositionInfo(ctx, id)
		if err != nil {
			return opened, fmt.Errorf("read minted position %d: %w", id, err)
		}
		pos := info.Position()

		if err := r.exchange.Stake(ctx, id); err != nil {
			r.logger.Warn("stake failed, keeping position in wallet",
				zap.Uint64("token_id", id), zap.Error(err))
		} else {
			pos.Venue = model.VenueFarm
		}

		opening := model.OpeningSnapshot{
			TokenID:      id,
			TickLower:    pos.TickLower,
			TickUpper:    pos.TickUpper,
			HumanPrice:   price.Human.String(),
			BaseBalance:  mintBase.String(),
			QuoteBalance: mintQuote.String(),
			CreatedAt:    time.Now().UTC().Format(time.RFC3339),
		}
		if err := r.book.Set(a.slot, pos, &opening); err != nil {
			return opened, fmt.Errorf("record slot %d: %w", a.slot, err)
		}
		r.persist()
	}
	return opened, nil
}

// closeSlots unstakes and closes the given slots in one multicall. Slots
// are cleared only after the close receipt confirms.
func (r *Runner) closeSlots(ctx context.Context, idxs []int) ([]uint64, *types.Receipt, error) {
	items := make([]dex.CloseItem, 0, len(idxs))
	ids := make([]uint64, 0, len(idxs))
	for _, idx := range idxs {
		pos := r.book.Position(idx)
		if pos == nil {
			continue
		}
		if pos.Staked() {
			if err := r.exchange.Unstake(ctx, pos.TokenID); err != nil {
				return nil, nil, fmt.Errorf("unstake %d: %w", pos.TokenID, err)
			}
			pos.Venue = model.VenueWallet
			r.persist()
		}
		items = append(items, dex.CloseItem{TokenID: pos.TokenID, Liquidity: pos.Liquidity})
		ids = append(ids, pos.TokenID)
	}
	if len(items) == 0 {
		return nil, nil, nil
	}

	receipt, err := r.exchange.ClosePositions(ctx, items)
	if err != nil {
		return nil, receipt, err
	}
	for _, idx := range idxs {
		r.book.Clear(idx)
	}
	r.persist()
	return ids, receipt, nil
}

// closeEverything closes all active slots plus any orphans belonging to the
// managed pool, in a single batch.
func (r *Runner) closeEverything(ctx context.Context) ([]uint64, *types.Receipt, error) {
	items := make([]dex.CloseItem, 0, r.cfg.Mode)
	ids := make([]uint64, 0, r.cfg.Mode)

	for _, idx := range r.book.Active() {
		pos := r.book.Position(idx)
		if pos.Staked() {
			if err := r.exchange.Unstake(ctx, pos.TokenID); err != nil {
				return nil, nil, fmt.Errorf("unstake %d: %w", pos.TokenID, err)
			}
			pos.Venue = model.VenueWallet
			r.persist()
		}
		items = append(items, dex.CloseItem{TokenID: pos.TokenID, Liquidity: pos.Liquidity})
		ids = append(ids, pos.TokenID)
	}

	orphans, err := r.findOrphans(ctx)
	if err != nil {
		r.logger.Warn("orphan scan failed, closing managed slots only", zap.Error(err))
	}
	for _, orphan := range orphans {
		if orphan.Venue == model.VenueFarm {
			if err := r.exchange.Unstake(ctx, orphan.TokenID); err != nil {
				return nil, nil, fmt.Errorf("unstake orphan %d: %w", orphan.TokenID, err)
			}
		}
		items = append(items, dex.CloseItem{TokenID: orphan.TokenID, Liquidity: orphan.Liquidity})
		ids = append(ids, orphan.TokenID)
	}

	if len(items) == 0 {
		return nil, nil, nil
	}
	receipt, err := r.exchange.ClosePositions(ctx, items)
	if err != nil {
		return nil, receipt, err
	}
	r.book.ClearAll()
	r.persist()
	return ids, receipt, nil
}

// adoptOrphans fills empty slots from live positions the ledger lost track
// of, instead of minting duplicates next to them.
func (r *Runner) adoptOrphans(ctx context.Context) ([]uint64, error) {
	empty := r.book.Empty()
	if len(empty) == 0 {
		return nil, nil
	}
	orphans, err := r.findOrphans(ctx)
	if err != nil {
		return nil, err
	}

	adopted := make([]uint64, 0, len(orphans))
	for _, orphan := range orphans {
		if len(empty) == 0 {
			break
		}
		slot := empty[0]
		if err := r.book.Set(slot, orphan.Position(), nil); err != nil {
			return adopted, fmt.Errorf("adopt %d into slot %d: %w", orphan.TokenID, slot, err)
		}
		r.logger.Info("orphan adopted",
			zap.Uint64("token_id", orphan.TokenID),
			zap.Int("slot", slot),
			zap.Int32("tick_lower", orphan.TickLower),
			zap.Int32("tick_upper", orphan.TickUpper))
		adopted = append(adopted, orphan.TokenID)
		empty = empty[1:]
	}
	return adopted, nil
}

func (r *Runner) findOrphans(ctx context.Context) ([]model.PositionInfo, error) {
	var infos []model.PositionInfo
	err := retryTransient(ctx, r.cfg.MaxRetries, r.cfg.RetryBackoff, func(ctx context.Context) error {
		var err error
		infos, err = r.exchange.OwnedPositions(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return r.book.FindOrphans(infos, r.pool), nil
}

// refreshSlot re-reads a slot's position from chain after a mutation.
func (r *Runner) refreshSlot(ctx context.Context, slot int) error {
	pos := r.book.Position(slot)
	if pos == nil {
		return nil
	}
	info, err := r.exchange.PositionInfo(ctx, pos.TokenID)
	if err != nil {
		return err
	}
	liq := info.Liquidity
	if pos.Staked() {
		if staked, err := r.exchange.FarmStakedLiquidity(ctx, pos.TokenID); err == nil && staked.Sign() > 0 {
			liq = staked
		}
	}
	pos.Liquidity = liq
	return nil
}

// fullLayoutRanges is the from-scratch target layout for the current mode.
func (r *Runner) fullLayoutRanges(price model.Price) ([]allocator.Range, error) {
	if r.cfg.Mode == 3 {
		return r.layout.ThreeSlotBlock(price)
	}
	return r.layout.TwoSlotFlush(price), nil
}

// coverageTicks is the tick union of the active slots.
func (r *Runner) coverageTicks() (low, high int32) {
	first := true
	for _, idx := range r.book.Active() {
		pos := r.book.Position(idx)
		if first {
			low, high = pos.TickLower, pos.TickUpper
			first = false
			continue
		}
		if pos.TickLower < low {
			low = pos.TickLower
		}
		if pos.TickUpper > high {
			high = pos.TickUpper
		}
	}
	return low, high
}

// mintOrder mints the center range first in a three-range creation, so the
// in-range position exists even if a later mint fails.
func mintOrder(n int) []int {
	if n == 3 {
		return []int{1, 0, 2}
	}
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	return order
}

func minBig(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

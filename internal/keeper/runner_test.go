package keeper

import (
	"context"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"rangeKeeper/internal/allocator"
	"rangeKeeper/internal/dex"
	"rangeKeeper/internal/model"
	"rangeKeeper/internal/ticks"
)

var testPair = ticks.Pair{BaseIsToken0: true, BaseDecimals: 6, QuoteDecimals: 6}

var testPool = model.PoolMeta{
	Address:     "0x000000000000000000000000000000000000P001",
	Token0:      "0x0000000000000000000000000000000000000A01",
	Token1:      "0x0000000000000000000000000000000000000B02",
	Fee:         100,
	TickSpacing: 1,
}

// fakeExchange is an in-memory venue: mints assign sequential ids, closes
// delete, balances are plentiful so funding never blocks a test.
type fakeExchange struct {
	t         *testing.T
	pair      ticks.Pair
	price     model.Price
	positions map[uint64]model.PositionInfo
	staked    map[uint64]bool
	base      *big.Int
	quote     *big.Int
	nextID    uint64

	// priceAfterSwap, when set, moves the pool price on every swap, the
	// way a real swap with price impact would.
	priceAfterSwap *model.Price

	minted []uint64
	closed []uint64
	swaps  int
	topUps []uint64
}

func newFakeExchange(t *testing.T) *fakeExchange {
	t.Helper()
	f := &fakeExchange{
		t:         t,
		pair:      testPair,
		positions: make(map[uint64]model.PositionInfo),
		staked:    make(map[uint64]bool),
		base:      big.NewInt(1_000_000_000_000),
		quote:     big.NewInt(1_000_000_000_000),
	}
	f.setPriceAtTick(t, 0)
	return f
}

func (f *fakeExchange) setPriceAtTick(t *testing.T, tick int32) {
	t.Helper()
	human, err := f.pair.HumanFromTick(tick)
	if err != nil {
		t.Fatalf("price at tick %d: %v", tick, err)
	}
	f.price = model.Price{Human: human, Raw: human, Tick: tick}
}

func (f *fakeExchange) setPrice(t *testing.T, human decimal.Decimal) {
	t.Helper()
	tick, err := f.pair.TickFromHuman(human)
	if err != nil {
		t.Fatalf("tick for price %s: %v", human, err)
	}
	f.price = model.Price{Human: human, Raw: human, Tick: tick}
}

func (f *fakeExchange) setPriceAfterSwap(t *testing.T, human decimal.Decimal) {
	t.Helper()
	tick, err := f.pair.TickFromHuman(human)
	if err != nil {
		t.Fatalf("tick for price %s: %v", human, err)
	}
	f.priceAfterSwap = &model.Price{Human: human, Raw: human, Tick: tick}
}

func (f *fakeExchange) CurrentPrice(context.Context) (model.Price, error) {
	return f.price, nil
}

func (f *fakeExchange) PositionLiquidity(_ context.Context, id uint64) (*big.Int, error) {
	info, ok := f.positions[id]
	if !ok {
		return nil, model.ErrPositionNotFound
	}
	return info.Liquidity, nil
}

func (f *fakeExchange) FarmStakedLiquidity(_ context.Context, id uint64) (*big.Int, error) {
	if f.staked[id] {
		return f.positions[id].Liquidity, nil
	}
	return big.NewInt(0), nil
}

func (f *fakeExchange) PositionInfo(_ context.Context, id uint64) (model.PositionInfo, error) {
	info, ok := f.positions[id]
	if !ok {
		return model.PositionInfo{}, model.ErrPositionNotFound
	}
	return info, nil
}

func (f *fakeExchange) Balances(context.Context) (*big.Int, *big.Int, error) {
	return new(big.Int).Set(f.base), new(big.Int).Set(f.quote), nil
}

func (f *fakeExchange) MintPosition(_ context.Context, tickLower, tickUpper int32, baseAmount, quoteAmount *big.Int) (uint64, error) {
	f.nextID++
	id := f.nextID
	f.positions[id] = model.PositionInfo{
		TokenID:   id,
		Token0:    testPool.Token0,
		Token1:    testPool.Token1,
		Fee:       testPool.Fee,
		TickLower: tickLower,
		TickUpper: tickUpper,
		Liquidity: big.NewInt(1_000_000),
		Venue:     model.VenueWallet,
	}
	f.base.Sub(f.base, baseAmount)
	f.quote.Sub(f.quote, quoteAmount)
	if f.base.Sign() < 0 {
		f.base.SetInt64(0)
	}
	if f.quote.Sign() < 0 {
		f.quote.SetInt64(0)
	}
	f.minted = append(f.minted, id)
	return id, nil
}

func (f *fakeExchange) TopUp(_ context.Context, id uint64, _, _ *big.Int) error {
	f.topUps = append(f.topUps, id)
	return nil
}

func (f *fakeExchange) ClosePositions(_ context.Context, items []dex.CloseItem) (*types.Receipt, error) {
	logs := make([]*types.Log, 0, len(items))
	for _, item := range items {
		info, ok := f.positions[item.TokenID]
		if ok {
			amount0, amount1 := ticks.AmountsForLiquidityAtTick(f.price.Tick, info.TickLower, info.TickUpper, info.Liquidity)
			f.base.Add(f.base, amount0)
			f.quote.Add(f.quote, amount1)
		}
		delete(f.positions, item.TokenID)
		delete(f.staked, item.TokenID)
		f.closed = append(f.closed, item.TokenID)
		logs = append(logs, collectEventLog(f.t, item.TokenID, big.NewInt(5), big.NewInt(7)))
	}
	return &types.Receipt{
		Status: types.ReceiptStatusSuccessful,
		TxHash: common.HexToHash("0xc105e"),
		Logs:   logs,
	}, nil
}

// collectEventLog packs a position manager Collect event the way a close
// receipt carries it.
func collectEventLog(t *testing.T, tokenID uint64, amount0, amount1 *big.Int) *types.Log {
	t.Helper()
	parsed, err := dex.PositionManagerABI()
	if err != nil {
		t.Fatalf("position manager abi: %v", err)
	}
	event, ok := parsed.Events["Collect"]
	if !ok {
		t.Fatal("position manager abi lacks Collect")
	}
	data, err := event.Inputs.NonIndexed().Pack(common.Address{}, amount0, amount1)
	if err != nil {
		t.Fatalf("pack collect data: %v", err)
	}
	return &types.Log{
		Topics: []common.Hash{event.ID, common.BigToHash(new(big.Int).SetUint64(tokenID))},
		Data:   data,
	}
}

func (f *fakeExchange) Stake(_ context.Context, id uint64) error {
	f.staked[id] = true
	return nil
}

func (f *fakeExchange) Unstake(_ context.Context, id uint64) error {
	delete(f.staked, id)
	return nil
}

func (f *fakeExchange) Swap(_ context.Context, sellBase bool, amountIn, _ *big.Int) error {
	f.swaps++
	if sellBase {
		f.base.Sub(f.base, amountIn)
		f.quote.Add(f.quote, amountIn)
	} else {
		f.quote.Sub(f.quote, amountIn)
		f.base.Add(f.base, amountIn)
	}
	if f.priceAfterSwap != nil {
		f.price = *f.priceAfterSwap
	}
	return nil
}

func (f *fakeExchange) OwnedPositions(context.Context) ([]model.PositionInfo, error) {
	out := make([]model.PositionInfo, 0, len(f.positions))
	for id, info := range f.positions {
		if f.staked[id] {
			info.Venue = model.VenueFarm
		}
		out = append(out, info)
	}
	return out, nil
}

type captureJournal struct {
	records []model.RebalanceRecord
}

func (j *captureJournal) PutRebalance(record model.RebalanceRecord) error {
	j.records = append(j.records, record)
	return nil
}

func (j *captureJournal) actions() []string {
	out := make([]string, len(j.records))
	for i, rec := range j.records {
		out[i] = rec.Action
	}
	return out
}

func newTestRunner(t *testing.T, fake *fakeExchange) (*Runner, *captureJournal) {
	t.Helper()
	journal := &captureJournal{}
	runner, err := NewRunner(RunConfig{
		Mode:              3,
		PollInterval:      time.Hour,
		MaxRetries:        1,
		RetryBackoff:      time.Millisecond,
		StatePath:         filepath.Join(t.TempDir(), "state.json"),
		WaitFundsInterval: time.Millisecond,
	}, fake, testPair, testPool, journal, nil, nil)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	return runner, journal
}

func TestTickOnEmptyLedgerBuildsFullLayout(t *testing.T) {
	fake := newFakeExchange(t)
	runner, journal := newTestRunner(t, fake)
	ctx := context.Background()

	if err := runner.Execute(ctx, CommandTick); err != nil {
		t.Fatalf("tick: %v", err)
	}

	book := runner.Ledger()
	if got := len(book.Active()); got != 3 {
		t.Fatalf("active slots = %d, want 3", got)
	}
	if len(fake.minted) != 3 {
		t.Fatalf("minted %d positions, want 3", len(fake.minted))
	}
	// Center range is minted first, so the first id lands in slot 1.
	if center := book.Position(1); center.TokenID != fake.minted[0] {
		t.Fatalf("slot 1 holds %d, want first-minted %d", center.TokenID, fake.minted[0])
	}
	for _, idx := range book.Active() {
		pos := book.Position(idx)
		if !pos.Staked() {
			t.Fatalf("slot %d not staked after creation", idx)
		}
		if !fake.staked[pos.TokenID] {
			t.Fatalf("position %d not staked on the venue", pos.TokenID)
		}
	}
	// Contiguous coverage spanning the current tick.
	slots := book.Slots()
	for i := 1; i < len(slots); i++ {
		if slots[i].TickLower != slots[i-1].TickUpper {
			t.Fatalf("gap between slot %d and %d: %d != %d",
				i-1, i, slots[i-1].TickUpper, slots[i].TickLower)
		}
	}
	if fake.price.Tick < slots[0].TickLower || fake.price.Tick >= slots[2].TickUpper {
		t.Fatalf("price tick %d outside coverage [%d, %d)",
			fake.price.Tick, slots[0].TickLower, slots[2].TickUpper)
	}
	if got := journal.actions(); len(got) != 1 || got[0] != "full_rebalance" {
		t.Fatalf("journal actions = %v, want [full_rebalance]", got)
	}
}

func TestTickHoldsInsideCoverage(t *testing.T) {
	fake := newFakeExchange(t)
	runner, journal := newTestRunner(t, fake)
	ctx := context.Background()

	if err := runner.Execute(ctx, CommandTick); err != nil {
		t.Fatalf("setup tick: %v", err)
	}
	mintedBefore := len(fake.minted)
	journalBefore := len(journal.records)

	if err := runner.Execute(ctx, CommandTick); err != nil {
		t.Fatalf("second tick: %v", err)
	}
	if len(fake.minted) != mintedBefore {
		t.Fatalf("hold tick minted %d new positions", len(fake.minted)-mintedBefore)
	}
	if len(fake.closed) != 0 {
		t.Fatalf("hold tick closed positions: %v", fake.closed)
	}
	if len(journal.records) != journalBefore {
		t.Fatalf("hold tick journaled %v", journal.actions()[journalBefore:])
	}
}

func TestPartialRebalanceReplacesFarthestSlot(t *testing.T) {
	fake := newFakeExchange(t)
	runner, _ := newTestRunner(t, fake)
	ctx := context.Background()

	if err := runner.Execute(ctx, CommandTick); err != nil {
		t.Fatalf("setup tick: %v", err)
	}
	book := runner.Ledger()
	slots := book.Slots()
	lowestID := slots[0].TokenID
	coverHigh := slots[2].TickUpper

	// Drift above coverage into the one-slot band.
	high, err := testPair.HumanFromTick(coverHigh)
	if err != nil {
		t.Fatalf("coverage price: %v", err)
	}
	fake.setPrice(t, high.Mul(decimal.RequireFromString("1.0004")))

	if err := runner.Execute(ctx, CommandTick); err != nil {
		t.Fatalf("partial tick: %v", err)
	}

	if len(fake.closed) != 1 || fake.closed[0] != lowestID {
		t.Fatalf("closed %v, want [%d] (farthest slot)", fake.closed, lowestID)
	}
	if got := len(book.Active()); got != 3 {
		t.Fatalf("active slots = %d, want 3 after recreation", got)
	}
	replacement := book.Position(0)
	if replacement.TokenID == lowestID {
		t.Fatal("farthest slot was not replaced")
	}
	if replacement.TickLower < coverHigh {
		t.Fatalf("replacement range [%d, %d] not flush above old coverage %d",
			replacement.TickLower, replacement.TickUpper, coverHigh)
	}
}

func TestFullRebalanceRecentersOnLargeDrift(t *testing.T) {
	fake := newFakeExchange(t)
	runner, journal := newTestRunner(t, fake)
	ctx := context.Background()

	if err := runner.Execute(ctx, CommandTick); err != nil {
		t.Fatalf("setup tick: %v", err)
	}
	book := runner.Ledger()
	oldIDs := make(map[uint64]bool)
	for _, idx := range book.Active() {
		oldIDs[book.Position(idx).TokenID] = true
	}
	coverHigh := book.Slots()[2].TickUpper

	high, err := testPair.HumanFromTick(coverHigh)
	if err != nil {
		t.Fatalf("coverage price: %v", err)
	}
	fake.setPrice(t, high.Mul(decimal.RequireFromString("1.0030")))

	if err := runner.Execute(ctx, CommandTick); err != nil {
		t.Fatalf("full tick: %v", err)
	}

	if len(fake.closed) != len(oldIDs) {
		t.Fatalf("closed %d positions, want %d", len(fake.closed), len(oldIDs))
	}
	if got := len(book.Active()); got != 3 {
		t.Fatalf("active slots = %d, want 3 after recenter", got)
	}
	slots := book.Slots()
	for _, pos := range slots {
		if oldIDs[pos.TokenID] {
			t.Fatalf("old position %d survived a full rebalance", pos.TokenID)
		}
	}
	if fake.price.Tick < slots[0].TickLower || fake.price.Tick >= slots[2].TickUpper {
		t.Fatalf("new coverage [%d, %d) does not contain price tick %d",
			slots[0].TickLower, slots[2].TickUpper, fake.price.Tick)
	}
	acts := journal.actions()
	if acts[len(acts)-1] != "full_rebalance" {
		t.Fatalf("journal actions = %v, want trailing full_rebalance", acts)
	}
}

func TestFillAdoptsOrphans(t *testing.T) {
	fake := newFakeExchange(t)
	runner, _ := newTestRunner(t, fake)
	ctx := context.Background()

	if err := runner.Execute(ctx, CommandTick); err != nil {
		t.Fatalf("setup tick: %v", err)
	}
	book := runner.Ledger()

	// Lose track of one slot and leave its NFT alive on chain.
	lost := book.Position(2)
	book.Clear(2)
	mintedBefore := len(fake.minted)

	if err := runner.Execute(ctx, CommandTick); err != nil {
		t.Fatalf("fill tick: %v", err)
	}

	if !book.Contains(lost.TokenID) {
		t.Fatalf("orphan %d not adopted back into the ledger", lost.TokenID)
	}
	if len(fake.minted) != mintedBefore {
		t.Fatalf("fill minted %d new positions instead of adopting", len(fake.minted)-mintedBefore)
	}
}

func TestResetAllClosesWithoutReopening(t *testing.T) {
	fake := newFakeExchange(t)
	runner, journal := newTestRunner(t, fake)
	ctx := context.Background()

	if err := runner.Execute(ctx, CommandTick); err != nil {
		t.Fatalf("setup tick: %v", err)
	}
	mintedBefore := len(fake.minted)

	if err := runner.Execute(ctx, CommandResetAll); err != nil {
		t.Fatalf("reset: %v", err)
	}

	if got := len(runner.Ledger().Active()); got != 0 {
		t.Fatalf("active slots = %d after reset, want 0", got)
	}
	if len(fake.positions) != 0 {
		t.Fatalf("%d positions still open on the venue", len(fake.positions))
	}
	if len(fake.minted) != mintedBefore {
		t.Fatal("reset minted new positions")
	}
	acts := journal.actions()
	if acts[len(acts)-1] != "reset_all" {
		t.Fatalf("journal actions = %v, want trailing reset_all", acts)
	}
}

func TestSnapshotSurvivesRestart(t *testing.T) {
	fake := newFakeExchange(t)
	journal := &captureJournal{}
	statePath := filepath.Join(t.TempDir(), "state.json")
	cfg := RunConfig{
		Mode:              3,
		MaxRetries:        1,
		RetryBackoff:      time.Millisecond,
		StatePath:         statePath,
		WaitFundsInterval: time.Millisecond,
	}

	runner, err := NewRunner(cfg, fake, testPair, testPool, journal, nil, nil)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	ctx := context.Background()
	if err := runner.Execute(ctx, CommandTick); err != nil {
		t.Fatalf("tick: %v", err)
	}
	want := runner.Ledger().Slots()

	restarted, err := NewRunner(cfg, fake, testPair, testPool, journal, nil, nil)
	if err != nil {
		t.Fatalf("restart NewRunner: %v", err)
	}
	got := restarted.Ledger().Slots()
	for i := range want {
		if got[i] == nil || got[i].TokenID != want[i].TokenID {
			t.Fatalf("slot %d lost across restart: got %+v want %+v", i, got[i], want[i])
		}
		if got[i].TickLower != want[i].TickLower || got[i].TickUpper != want[i].TickUpper {
			t.Fatalf("slot %d range changed across restart", i)
		}
	}
}

func TestTopUpFeedsLeastValuableSlot(t *testing.T) {
	fake := newFakeExchange(t)
	runner, journal := newTestRunner(t, fake)
	ctx := context.Background()

	if err := runner.Execute(ctx, CommandTick); err != nil {
		t.Fatalf("setup tick: %v", err)
	}

	// Plenty of idle wallet value left over; next hold tick should deposit
	// it into a position rather than let it sit.
	fake.base = big.NewInt(1_000_000_000_000)
	fake.quote = big.NewInt(1_000_000_000_000)

	if err := runner.Execute(ctx, CommandTick); err != nil {
		t.Fatalf("top-up tick: %v", err)
	}

	if len(fake.topUps) != 1 {
		t.Fatalf("top-ups = %v, want exactly one", fake.topUps)
	}
	if !runner.Ledger().Contains(fake.topUps[0]) {
		t.Fatalf("top-up went to unmanaged position %d", fake.topUps[0])
	}
	acts := journal.actions()
	if acts[len(acts)-1] != "top_up" {
		t.Fatalf("journal actions = %v, want trailing top_up", acts)
	}
}

func TestPartialRebalanceMintsAtPostSwapPrice(t *testing.T) {
	fake := newFakeExchange(t)
	runner, journal := newTestRunner(t, fake)
	ctx := context.Background()

	if err := runner.Execute(ctx, CommandTick); err != nil {
		t.Fatalf("setup tick: %v", err)
	}
	coverHigh := runner.Ledger().Slots()[2].TickUpper

	high, err := testPair.HumanFromTick(coverHigh)
	if err != nil {
		t.Fatalf("coverage price: %v", err)
	}
	drift := high.Mul(decimal.RequireFromString("1.0004"))
	fake.setPrice(t, drift)
	// An empty base side forces the pre-mint swap, and the swap moves the
	// pool: the mint must price off the moved pool, not the stale read.
	fake.base = big.NewInt(0)
	post := drift.Mul(decimal.RequireFromString("1.0001"))
	fake.setPriceAfterSwap(t, post)

	if err := runner.Execute(ctx, CommandTick); err != nil {
		t.Fatalf("partial tick: %v", err)
	}

	if fake.swaps == 0 {
		t.Fatal("expected a pre-mint swap to fire")
	}
	rec := journal.records[len(journal.records)-1]
	if rec.Action != "partial_rebalance" {
		t.Fatalf("trailing action = %s, want partial_rebalance", rec.Action)
	}
	if rec.Price != post.String() {
		t.Fatalf("journaled price %s is the pre-swap read, want %s", rec.Price, post)
	}
}

func TestTopUpRecomputesAfterSwap(t *testing.T) {
	fake := newFakeExchange(t)
	runner, journal := newTestRunner(t, fake)
	ctx := context.Background()

	if err := runner.Execute(ctx, CommandTick); err != nil {
		t.Fatalf("setup tick: %v", err)
	}
	book := runner.Ledger()

	// Make slot 0 the cheapest top-up target. Its range sits below the
	// price, so the deposit needs base only, and the wallet has none.
	starved := book.Position(0)
	info := fake.positions[starved.TokenID]
	info.Liquidity = big.NewInt(1_000)
	fake.positions[starved.TokenID] = info
	starved.Liquidity = big.NewInt(1_000)

	fake.base = big.NewInt(0)
	fake.quote = big.NewInt(2_000_000_000_000)
	post := fake.price.Human.Mul(decimal.RequireFromString("1.0001"))
	fake.setPriceAfterSwap(t, post)

	if err := runner.Execute(ctx, CommandTick); err != nil {
		t.Fatalf("top-up tick: %v", err)
	}

	if fake.swaps == 0 {
		t.Fatal("expected the top-up swap to fire")
	}
	if len(fake.topUps) != 1 || fake.topUps[0] != starved.TokenID {
		t.Fatalf("top-ups = %v, want [%d]", fake.topUps, starved.TokenID)
	}
	rec := journal.records[len(journal.records)-1]
	if rec.Action != "top_up" {
		t.Fatalf("trailing action = %s, want top_up", rec.Action)
	}
	if rec.Price != post.String() {
		t.Fatalf("journaled price %s is the pre-swap read, want %s", rec.Price, post)
	}
}

func TestOpenPositionsSkipsIdenticalRange(t *testing.T) {
	fake := newFakeExchange(t)
	runner, _ := newTestRunner(t, fake)
	ctx := context.Background()

	if err := runner.Execute(ctx, CommandTick); err != nil {
		t.Fatalf("setup tick: %v", err)
	}
	book := runner.Ledger()
	held := book.Position(1)
	mintedBefore := len(fake.minted)

	opened, err := runner.openPositions(ctx, fake.price, []slotRange{{
		slot: 1,
		rng:  allocator.Range{TickLower: held.TickLower, TickUpper: held.TickUpper},
	}})
	if err != nil {
		t.Fatalf("openPositions: %v", err)
	}
	if len(opened) != 0 {
		t.Fatalf("opened %v over an identical live range", opened)
	}
	if len(fake.minted) != mintedBefore {
		t.Fatal("minted a duplicate of an identical live range")
	}
	if got := book.Position(1); got.TokenID != held.TokenID {
		t.Fatalf("slot 1 holds %d, want untouched %d", got.TokenID, held.TokenID)
	}
}

func TestCloseJournalsCollectedAmounts(t *testing.T) {
	fake := newFakeExchange(t)
	runner, journal := newTestRunner(t, fake)
	ctx := context.Background()

	if err := runner.Execute(ctx, CommandTick); err != nil {
		t.Fatalf("setup tick: %v", err)
	}
	if err := runner.Execute(ctx, CommandResetAll); err != nil {
		t.Fatalf("reset: %v", err)
	}

	rec := journal.records[len(journal.records)-1]
	if rec.Action != "reset_all" {
		t.Fatalf("trailing action = %s, want reset_all", rec.Action)
	}
	// Three closed positions, each Collect paying 5 base / 7 quote units.
	if rec.CollectedBase != "15" {
		t.Fatalf("collected base = %q, want 15", rec.CollectedBase)
	}
	if rec.CollectedQuote != "21" {
		t.Fatalf("collected quote = %q, want 21", rec.CollectedQuote)
	}
}

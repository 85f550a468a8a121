package ledger

import (
	"context"
	"math/big"
	"path/filepath"
	"testing"

	"rangeKeeper/internal/model"
)

type fakeReader struct {
	manager map[uint64]*big.Int // nil entry means not found
	farm    map[uint64]*big.Int
}

func (f *fakeReader) PositionLiquidity(_ context.Context, tokenID uint64) (*big.Int, error) {
	liq, ok := f.manager[tokenID]
	if !ok {
		return nil, model.ErrPositionNotFound
	}
	return liq, nil
}

func (f *fakeReader) FarmStakedLiquidity(_ context.Context, tokenID uint64) (*big.Int, error) {
	if liq, ok := f.farm[tokenID]; ok {
		return liq, nil
	}
	return big.NewInt(0), nil
}

func pos(id uint64, lower, upper int32, liq int64) *model.Position {
	return &model.Position{
		TokenID:   id,
		TickLower: lower,
		TickUpper: upper,
		Liquidity: big.NewInt(liq),
		Venue:     model.VenueWallet,
	}
}

func TestReconcileEvictsDrainedAndBurned(t *testing.T) {
	l, err := New(3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := l.Set(0, pos(1, 100, 110, 500), nil); err != nil {
		t.Fatalf("set slot 0: %v", err)
	}
	if err := l.Set(1, pos(2, 110, 120, 500), nil); err != nil {
		t.Fatalf("set slot 1: %v", err)
	}
	if err := l.Set(2, pos(3, 120, 130, 500), nil); err != nil {
		t.Fatalf("set slot 2: %v", err)
	}

	reader := &fakeReader{
		manager: map[uint64]*big.Int{
			1: big.NewInt(777), // alive with updated liquidity
			2: big.NewInt(0),   // drained and not staked
			// 3 missing: burned
		},
	}

	if err := l.Reconcile(context.Background(), reader, nil); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	if got := l.Position(0); got == nil || got.Liquidity.Int64() != 777 {
		t.Fatalf("slot 0 = %+v, want liquidity 777", got)
	}
	if l.Position(1) != nil {
		t.Fatalf("slot 1 should be evicted")
	}
	if l.Position(2) != nil {
		t.Fatalf("slot 2 should be evicted")
	}

	// Post-invariant: every occupied slot has liquidity.
	for _, idx := range l.Active() {
		if !l.Position(idx).HasLiquidity() {
			t.Fatalf("slot %d occupied without liquidity", idx)
		}
	}
}

func TestReconcileFallsBackToFarm(t *testing.T) {
	l, err := New(2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := l.Set(0, pos(7, 100, 110, 500), nil); err != nil {
		t.Fatalf("set: %v", err)
	}

	reader := &fakeReader{
		manager: map[uint64]*big.Int{7: big.NewInt(0)},
		farm:    map[uint64]*big.Int{7: big.NewInt(900)},
	}

	if err := l.Reconcile(context.Background(), reader, nil); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	got := l.Position(0)
	if got == nil || got.Liquidity.Int64() != 900 {
		t.Fatalf("slot 0 = %+v, want staked liquidity 900", got)
	}
	if got.Venue != model.VenueFarm {
		t.Fatalf("venue = %s, want farm", got.Venue)
	}
}

func TestSetRejectsZeroLiquidity(t *testing.T) {
	l, err := New(2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := l.Set(0, pos(1, 100, 110, 0), nil); err == nil {
		t.Fatalf("expected error for zero-liquidity position")
	}
}

func TestFindOrphans(t *testing.T) {
	l, err := New(3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := l.Set(0, pos(10, 100, 110, 500), nil); err != nil {
		t.Fatalf("set: %v", err)
	}

	pool := model.PoolMeta{
		Token0: "0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA",
		Token1: "0xBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB",
		Fee:    500,
	}
	external := []model.PositionInfo{
		{ // managed, not an orphan
			TokenID: 10, Token0: pool.Token0, Token1: pool.Token1, Fee: 500,
			Liquidity: big.NewInt(500),
		},
		{ // matching unmanaged position: the orphan
			TokenID: 11, Token0: pool.Token0, Token1: pool.Token1, Fee: 500,
			Liquidity: big.NewInt(300), Venue: model.VenueFarm,
		},
		{ // wrong fee tier
			TokenID: 12, Token0: pool.Token0, Token1: pool.Token1, Fee: 2500,
			Liquidity: big.NewInt(300),
		},
		{ // drained
			TokenID: 13, Token0: pool.Token0, Token1: pool.Token1, Fee: 500,
			Liquidity: big.NewInt(0),
		},
		{ // different pair
			TokenID: 14, Token0: pool.Token1, Token1: pool.Token0, Fee: 500,
			Liquidity: big.NewInt(300),
		},
	}

	orphans := l.FindOrphans(external, pool)
	if len(orphans) != 1 || orphans[0].TokenID != 11 {
		t.Fatalf("orphans = %+v, want exactly token 11", orphans)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	l, err := New(3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	opening := &model.OpeningSnapshot{TokenID: 5, HumanPrice: "100000", CreatedAt: "2026-01-01T00:00:00Z"}
	if err := l.Set(1, pos(5, 100, 110, 12345), opening); err != nil {
		t.Fatalf("set: %v", err)
	}

	store := NewStore(filepath.Join(t.TempDir(), "state", "ledger.json"))
	if err := store.Save(l.Snapshot()); err != nil {
		t.Fatalf("save: %v", err)
	}

	snap, ok, err := store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !ok {
		t.Fatalf("expected snapshot present")
	}

	restored, err := FromSnapshot(snap, 3)
	if err != nil {
		t.Fatalf("from snapshot: %v", err)
	}
	if restored.Position(0) != nil || restored.Position(2) != nil {
		t.Fatalf("empty slots not preserved")
	}
	got := restored.Position(1)
	if got == nil || got.TokenID != 5 || got.Liquidity.Int64() != 12345 {
		t.Fatalf("slot 1 = %+v", got)
	}
	if _, ok := restored.Opening(5); !ok {
		t.Fatalf("opening snapshot lost")
	}
}

func TestLoadMissingFile(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "absent.json"))
	_, ok, err := store.Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expected no snapshot for missing file")
	}
}

func TestFromSnapshotRejectsMismatchedMode(t *testing.T) {
	l, err := New(2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := FromSnapshot(l.Snapshot(), 3); err == nil {
		t.Fatalf("expected error for mode mismatch")
	}
}

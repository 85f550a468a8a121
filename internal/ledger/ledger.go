// Package ledger tracks the fixed set of slots the keeper manages, keeps
// them reconciled against on-chain position state, and persists them.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"go.uber.org/zap"

	"rangeKeeper/internal/model"
)

// PositionReader supplies the on-chain liquidity reads reconciliation needs.
type PositionReader interface {
	// PositionLiquidity returns the liquidity recorded by the position
	// manager, or model.ErrPositionNotFound for a burned/unknown id.
	PositionLiquidity(ctx context.Context, tokenID uint64) (*big.Int, error)
	// FarmStakedLiquidity returns the liquidity the farm has on record for
	// a staked position, zero when the id is not staked.
	FarmStakedLiquidity(ctx context.Context, tokenID uint64) (*big.Int, error)
}

// Ledger is the N-slot position book. It is not safe for concurrent use:
// exactly one orchestration sequence mutates it at a time.
type Ledger struct {
	mode     int
	slots    []*model.Position
	openings map[uint64]model.OpeningSnapshot
}

func New(mode int) (*Ledger, error) {
	if mode != 2 && mode != 3 {
		return nil, fmt.Errorf("unsupported slot mode %d", mode)
	}
	return &Ledger{
		mode:     mode,
		slots:    make([]*model.Position, mode),
		openings: make(map[uint64]model.OpeningSnapshot),
	}, nil
}

// Mode returns the slot count.
func (l *Ledger) Mode() int {
	return l.mode
}

// Slots returns the slot array; nil entries are empty slots. The returned
// slice is a copy, the positions are shared.
func (l *Ledger) Slots() []*model.Position {
	out := make([]*model.Position, len(l.slots))
	copy(out, l.slots)
	return out
}

// Active returns the occupied slot indexes.
func (l *Ledger) Active() []int {
	out := make([]int, 0, len(l.slots))
	for i, pos := range l.slots {
		if pos != nil {
			out = append(out, i)
		}
	}
	return out
}

// Empty returns the empty slot indexes.
func (l *Ledger) Empty() []int {
	out := make([]int, 0, len(l.slots))
	for i, pos := range l.slots {
		if pos == nil {
			out = append(out, i)
		}
	}
	return out
}

// Position returns the slot's position, nil when empty.
func (l *Ledger) Position(idx int) *model.Position {
	if idx < 0 || idx >= len(l.slots) {
		return nil
	}
	return l.slots[idx]
}

// Contains reports whether any slot holds the given position id.
func (l *Ledger) Contains(tokenID uint64) bool {
	for _, pos := range l.slots {
		if pos != nil && pos.TokenID == tokenID {
			return true
		}
	}
	return false
}

// Set places a position in a slot, replacing any previous occupant, and
// records its opening snapshot when given.
func (l *Ledger) Set(idx int, pos *model.Position, opening *model.OpeningSnapshot) error {
	if idx < 0 || idx >= len(l.slots) {
		return fmt.Errorf("slot index %d out of range for mode %d", idx, l.mode)
	}
	if pos != nil && !pos.HasLiquidity() {
		return fmt.Errorf("refusing to store zero-liquidity position %d", pos.TokenID)
	}
	if prev := l.slots[idx]; prev != nil {
		delete(l.openings, prev.TokenID)
	}
	l.slots[idx] = pos
	if pos != nil && opening != nil {
		l.openings[pos.TokenID] = *opening
	}
	return nil
}

// Clear empties a slot and drops its opening snapshot.
func (l *Ledger) Clear(idx int) {
	if idx < 0 || idx >= len(l.slots) {
		return
	}
	if pos := l.slots[idx]; pos != nil {
		delete(l.openings, pos.TokenID)
	}
	l.slots[idx] = nil
}

// ClearAll empties every slot.
func (l *Ledger) ClearAll() {
	for i := range l.slots {
		l.Clear(i)
	}
}

// Opening returns the opening snapshot recorded for a position id.
func (l *Ledger) Opening(tokenID uint64) (model.OpeningSnapshot, bool) {
	snap, ok := l.openings[tokenID]
	return snap, ok
}

// Reconcile re-reads every occupied slot's liquidity from chain. Positions
// with zero liquidity on the manager are checked against the farm before
// being evicted; unresolvable ids are evicted. After a pass every occupied
// slot holds liquidity > 0.
func (l *Ledger) Reconcile(ctx context.Context, reader PositionReader, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	for idx, pos := range l.slots {
		if pos == nil {
			continue
		}

		liq, err := reader.PositionLiquidity(ctx, pos.TokenID)
		if err != nil {
			if errors.Is(err, model.ErrPositionNotFound) {
				logger.Info("evict unresolvable position",
					zap.Int("slot", idx),
					zap.Uint64("token_id", pos.TokenID))
				l.Clear(idx)
				continue
			}
			return fmt.Errorf("reconcile slot %d position %d: %w", idx, pos.TokenID, err)
		}

		if liq != nil && liq.Sign() > 0 {
			pos.Liquidity = liq
			if pos.Venue == "" {
				pos.Venue = model.VenueWallet
			}
			continue
		}

		staked, err := reader.FarmStakedLiquidity(ctx, pos.TokenID)
		if err != nil {
			return fmt.Errorf("reconcile slot %d farm check %d: %w", idx, pos.TokenID, err)
		}
		if staked != nil && staked.Sign() > 0 {
			pos.Liquidity = staked
			pos.Venue = model.VenueFarm
			continue
		}

		logger.Info("evict drained position",
			zap.Int("slot", idx),
			zap.Uint64("token_id", pos.TokenID))
		l.Clear(idx)
	}
	return nil
}

// FindOrphans returns externally held positions that belong to the signer
// and match the configured pool's token pair and fee, carry liquidity, but
// are absent from every slot. They come from crashed runs or manual mints
// and must be folded back in or closed rather than silently abandoned.
func (l *Ledger) FindOrphans(external []model.PositionInfo, pool model.PoolMeta) []model.PositionInfo {
	var out []model.PositionInfo
	seen := make(map[uint64]struct{})
	for _, info := range external {
		if _, dup := seen[info.TokenID]; dup {
			continue
		}
		seen[info.TokenID] = struct{}{}

		if info.Liquidity == nil || info.Liquidity.Sign() <= 0 {
			continue
		}
		if !strings.EqualFold(info.Token0, pool.Token0) || !strings.EqualFold(info.Token1, pool.Token1) {
			continue
		}
		if info.Fee != pool.Fee {
			continue
		}
		if l.Contains(info.TokenID) {
			continue
		}
		out = append(out, info)
	}
	return out
}

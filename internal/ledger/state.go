package ledger

import (
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"rangeKeeper/internal/model"
)

// snapshotVersion is bumped on schema changes; older readable versions are
// accepted, newer ones are rejected.
const snapshotVersion = 1

// SlotRecord is the persisted form of one occupied slot.
type SlotRecord struct {
	TokenID   uint64 `json:"token_id"`
	TickLower int32  `json:"tick_lower"`
	TickUpper int32  `json:"tick_upper"`
	Liquidity string `json:"liquidity"`
	Venue     string `json:"venue"`
}

// Snapshot is the durable form of the ledger.
type Snapshot struct {
	Version   int                              `json:"version"`
	Mode      int                              `json:"mode"`
	Slots     []*SlotRecord                    `json:"slots"`
	Openings  map[string]model.OpeningSnapshot `json:"openings,omitempty"`
	UpdatedAt string                           `json:"updated_at"`
}

// Snapshot captures the ledger's current state for persistence.
func (l *Ledger) Snapshot() Snapshot {
	slots := make([]*SlotRecord, len(l.slots))
	for i, pos := range l.slots {
		if pos == nil {
			continue
		}
		liq := "0"
		if pos.Liquidity != nil {
			liq = pos.Liquidity.String()
		}
		slots[i] = &SlotRecord{
			TokenID:   pos.TokenID,
			TickLower: pos.TickLower,
			TickUpper: pos.TickUpper,
			Liquidity: liq,
			Venue:     string(pos.Venue),
		}
	}

	openings := make(map[string]model.OpeningSnapshot, len(l.openings))
	for id, snap := range l.openings {
		openings[strconv.FormatUint(id, 10)] = snap
	}

	return Snapshot{
		Version:   snapshotVersion,
		Mode:      l.mode,
		Slots:     slots,
		Openings:  openings,
		UpdatedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// FromSnapshot rebuilds a ledger from a persisted snapshot. A snapshot
// whose mode disagrees with the configured mode is rejected; the caller
// decides whether to start empty instead.
func FromSnapshot(snap Snapshot, mode int) (*Ledger, error) {
	if snap.Version > snapshotVersion {
		return nil, fmt.Errorf("snapshot version %d is newer than supported %d", snap.Version, snapshotVersion)
	}
	if snap.Mode != mode {
		return nil, fmt.Errorf("snapshot mode %d does not match configured mode %d", snap.Mode, mode)
	}

	l, err := New(mode)
	if err != nil {
		return nil, err
	}
	for i, rec := range snap.Slots {
		if rec == nil || i >= mode {
			continue
		}
		liq, ok := new(big.Int).SetString(rec.Liquidity, 10)
		if !ok {
			return nil, fmt.Errorf("slot %d: bad liquidity %q", i, rec.Liquidity)
		}
		if liq.Sign() <= 0 {
			continue
		}
		venue := model.PositionVenue(rec.Venue)
		if venue != model.VenueFarm {
			venue = model.VenueWallet
		}
		l.slots[i] = &model.Position{
			TokenID:   rec.TokenID,
			TickLower: rec.TickLower,
			TickUpper: rec.TickUpper,
			Liquidity: liq,
			Venue:     venue,
		}
	}
	for key, opening := range snap.Openings {
		id, err := strconv.ParseUint(key, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("opening key %q: %w", key, err)
		}
		l.openings[id] = opening
	}
	return l, nil
}

// Store persists ledger snapshots to a JSON file.
type Store struct {
	path string
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load reads the snapshot from disk. A missing file reports ok=false with
// no error; an unreadable or corrupt file reports the error so the caller
// can log it and start empty.
func (s *Store) Load() (Snapshot, bool, error) {
	stat, err := os.Stat(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Snapshot{}, false, nil
		}
		return Snapshot{}, false, fmt.Errorf("stat ledger state: %w", err)
	}
	if stat.IsDir() {
		return Snapshot{}, false, fmt.Errorf("ledger state path is a directory")
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("read ledger state: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, false, fmt.Errorf("parse ledger state: %w", err)
	}
	return snap, true, nil
}

// Save writes the snapshot atomically: temp file then rename.
func (s *Store) Save(snap Snapshot) error {
	dir := filepath.Dir(s.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create ledger state dir: %w", err)
		}
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal ledger state: %w", err)
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write ledger state tmp: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("rename ledger state: %w", err)
	}
	return nil
}

package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"rangeKeeper/internal/model"
)

// Store provides Postgres persistence for the rebalance journal. It keeps
// the full action history queryable across restarts, unlike the local
// JSONL sink.
type Store struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{pool: pool, timeout: 10 * time.Second}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// EnsureSchema creates the journal table when it does not exist yet.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS rebalance_events (
			id BIGSERIAL PRIMARY KEY,
			chain_id BIGINT NOT NULL,
			pool TEXT NOT NULL,
			action TEXT NOT NULL,
			deviation TEXT NOT NULL,
			price TEXT NOT NULL,
			tick INTEGER NOT NULL,
			closed_ids BIGINT[] NOT NULL DEFAULT '{}',
			opened_ids BIGINT[] NOT NULL DEFAULT '{}',
			tx_hashes TEXT[] NOT NULL DEFAULT '{}',
			collected_base TEXT NOT NULL DEFAULT '',
			collected_quote TEXT NOT NULL DEFAULT '',
			note TEXT NOT NULL DEFAULT '',
			event_ts TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	return err
}

// PutRebalance inserts one journal record. It satisfies storage.Storage,
// so it carries its own bounded context.
func (s *Store) PutRebalance(record model.RebalanceRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	return s.InsertRebalance(ctx, record)
}

// InsertRebalance inserts one journal record with the caller's context.
func (s *Store) InsertRebalance(ctx context.Context, record model.RebalanceRecord) error {
	eventTS, err := time.Parse(time.RFC3339, record.Timestamp)
	if err != nil {
		eventTS = time.Now().UTC()
	}

	closed := int64Slice(record.ClosedIDs)
	opened := int64Slice(record.OpenedIDs)
	hashes := record.TxHashes
	if hashes == nil {
		hashes = []string{}
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO rebalance_events (
			chain_id, pool, action, deviation, price, tick,
			closed_ids, opened_ids, tx_hashes, collected_base,
			collected_quote, note, event_ts
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`,
		int64(record.ChainID),
		record.Pool,
		record.Action,
		record.Deviation,
		record.Price,
		record.Tick,
		closed,
		opened,
		hashes,
		record.CollectedBase,
		record.CollectedQuote,
		record.Note,
		eventTS,
	)
	return err
}

func int64Slice(ids []uint64) []int64 {
	out := make([]int64, len(ids))
	for i, id := range ids {
		out[i] = int64(id)
	}
	return out
}

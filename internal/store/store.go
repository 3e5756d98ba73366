package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tradewatch/internal/model"
)

// checkpointID is the stable document id of the scanner checkpoint.
const checkpointID = "lastCheckedBlock"

// Store persists trade records and the scanner checkpoint in Postgres.
// Records are keyed by their stable id, so every write is an idempotent
// replacement.
type Store struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// EnsureSchema creates the tables and the descending block-number index
// used by historical queries.
func (s *Store) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS trades (
			id text PRIMARY KEY,
			token text NOT NULL DEFAULT '',
			hash text NOT NULL,
			block_number bigint NOT NULL,
			pool text NOT NULL,
			client text NOT NULL,
			action text NOT NULL,
			token_amount text NOT NULL,
			vtru_amount text NOT NULL,
			ts bigint NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			id text PRIMARY KEY,
			value bigint NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS trades_block_number_idx ON trades (block_number DESC)`,
		`CREATE INDEX IF NOT EXISTS trades_token_idx ON trades (token)`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// LoadCheckpoint returns the persisted checkpoint, reporting absence
// separately from failure.
func (s *Store) LoadCheckpoint(ctx context.Context) (uint64, bool, error) {
	var value int64
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM checkpoints WHERE id = $1`, checkpointID).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("load checkpoint: %w", err)
	}
	return uint64(value), true, nil
}

// SaveBatch upserts the checkpoint and all records in a single batch.
// The two writes are one logical unit but not transactional across each
// other; record keys absorb any replay.
func (s *Store) SaveBatch(ctx context.Context, checkpoint uint64, records []model.TradeRecord) error {
	batch := &pgx.Batch{}

	batch.Queue(`
		INSERT INTO checkpoints (id, value) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET value = EXCLUDED.value
	`, checkpointID, int64(checkpoint))

	for _, r := range records {
		batch.Queue(`
			INSERT INTO trades (
				id, token, hash, block_number, pool, client, action,
				token_amount, vtru_amount, ts
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
			ON CONFLICT (id) DO UPDATE SET
				token = EXCLUDED.token,
				hash = EXCLUDED.hash,
				block_number = EXCLUDED.block_number,
				pool = EXCLUDED.pool,
				client = EXCLUDED.client,
				action = EXCLUDED.action,
				token_amount = EXCLUDED.token_amount,
				vtru_amount = EXCLUDED.vtru_amount,
				ts = EXCLUDED.ts
		`,
			r.ID,
			r.Token,
			r.Hash,
			int64(r.BlockNumber),
			r.Pool,
			r.Client,
			r.Action,
			r.TokenAmount,
			r.VtruAmount,
			r.Timestamp,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("save batch: %w", err)
		}
	}
	return nil
}

// ListTrades returns one page of records, newest blocks first.
func (s *Store) ListTrades(ctx context.Context, filter Filter, page, limit int) ([]model.TradeRecord, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 100
	}

	where, args := filter.clause()
	args = append(args, limit, (page-1)*limit)
	query := fmt.Sprintf(`
		SELECT id, token, hash, block_number, pool, client, action,
		       token_amount, vtru_amount, ts
		FROM trades %s
		ORDER BY block_number DESC
		LIMIT $%d OFFSET $%d
	`, where, len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	defer rows.Close()

	return scanTrades(rows)
}

// TradesSince returns all records at or after sinceMillis, newest first.
func (s *Store) TradesSince(ctx context.Context, filter Filter, sinceMillis int64) ([]model.TradeRecord, error) {
	filter.SinceMillis = sinceMillis
	where, args := filter.clause()
	query := fmt.Sprintf(`
		SELECT id, token, hash, block_number, pool, client, action,
		       token_amount, vtru_amount, ts
		FROM trades %s
		ORDER BY block_number DESC
	`, where)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("trades since: %w", err)
	}
	defer rows.Close()

	return scanTrades(rows)
}

// CountTrades returns the total record count for a filter.
func (s *Store) CountTrades(ctx context.Context, filter Filter) (int64, error) {
	where, args := filter.clause()
	var count int64
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM trades %s`, where), args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count trades: %w", err)
	}
	return count, nil
}

// SumVolume returns the decimal-string sum of native-currency amounts
// across records at or after sinceMillis (0 means all records).
func (s *Store) SumVolume(ctx context.Context, sinceMillis int64) (string, error) {
	var sum string
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(vtru_amount::numeric), 0)::text
		FROM trades
		WHERE vtru_amount <> '' AND ts >= $1
	`, sinceMillis).Scan(&sum)
	if err != nil {
		return "", fmt.Errorf("sum volume: %w", err)
	}
	return sum, nil
}

func scanTrades(rows pgx.Rows) ([]model.TradeRecord, error) {
	records := make([]model.TradeRecord, 0)
	for rows.Next() {
		var r model.TradeRecord
		var blockNumber int64
		if err := rows.Scan(
			&r.ID, &r.Token, &r.Hash, &blockNumber, &r.Pool, &r.Client,
			&r.Action, &r.TokenAmount, &r.VtruAmount, &r.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		r.BlockNumber = uint64(blockNumber)
		records = append(records, r)
	}
	return records, rows.Err()
}

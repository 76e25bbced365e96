package storage

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const blocksTable = "synochain_blocks"

const createBlocksTable = `CREATE TABLE IF NOT EXISTS ` + blocksTable + ` (
	block_index   BIGINT PRIMARY KEY,
	timestamp     TEXT   NOT NULL,
	commitments   TEXT[] NOT NULL,
	previous_hash TEXT   NOT NULL,
	merkle_root   TEXT   NOT NULL,
	hash          TEXT   NOT NULL,
	nonce         BIGINT NOT NULL
)`

var blockColumns = []string{"block_index", "timestamp", "commitments", "previous_hash", "merkle_root", "hash", "nonce"}

// PostgresStore keeps the snapshot in a single table, one row per block.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	if connString == "" {
		return nil, fmt.Errorf("postgres connection string is required")
	}

	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if _, err := pool.Exec(ctx, createBlocksTable); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create %s table: %w", blocksTable, err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Save replaces every row in one transaction.
func (s *PostgresStore) Save(ctx context.Context, records []BlockRecord) error {
	rows, err := recordRows(records)
	if err != nil {
		return err
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "DELETE FROM "+blocksTable); err != nil {
			return fmt.Errorf("failed to clear blocks: %w", err)
		}

		_, err := tx.CopyFrom(ctx, pgx.Identifier{blocksTable}, blockColumns, pgx.CopyFromRows(rows))
		if err != nil {
			return fmt.Errorf("failed to copy blocks: %w", err)
		}
		return nil
	})
}

// Quarantine renames the blocks table to synochain_blocks_corrupt_<unixnano>
// and recreates an empty one in its place.
func (s *PostgresStore) Quarantine(ctx context.Context) (string, error) {
	name := fmt.Sprintf("%s_corrupt_%d", blocksTable, time.Now().UnixNano())

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		rename := "ALTER TABLE " + blocksTable + " RENAME TO " + pgx.Identifier{name}.Sanitize()
		if _, err := tx.Exec(ctx, rename); err != nil {
			return fmt.Errorf("failed to rename %s: %w", blocksTable, err)
		}
		// The primary key index keeps its name across a table rename.
		renameIndex := "ALTER INDEX " + blocksTable + "_pkey RENAME TO " + pgx.Identifier{name + "_pkey"}.Sanitize()
		if _, err := tx.Exec(ctx, renameIndex); err != nil {
			return fmt.Errorf("failed to rename %s index: %w", blocksTable, err)
		}
		if _, err := tx.Exec(ctx, createBlocksTable); err != nil {
			return fmt.Errorf("failed to recreate %s: %w", blocksTable, err)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to quarantine snapshot: %w", err)
	}

	return name, nil
}

func (s *PostgresStore) Load(ctx context.Context) ([]BlockRecord, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT block_index, timestamp, commitments, previous_hash, merkle_root, hash, nonce FROM "+blocksTable+" ORDER BY block_index")
	if err != nil {
		return nil, fmt.Errorf("failed to query blocks: %w", err)
	}

	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (BlockRecord, error) {
		var (
			r            BlockRecord
			index, nonce int64
		)
		if err := row.Scan(&index, &r.Timestamp, &r.Commitments, &r.PreviousHash, &r.MerkleRoot, &r.Hash, &nonce); err != nil {
			return r, err
		}
		if index < 0 || nonce < 0 {
			return r, fmt.Errorf("%w: negative index or nonce in row %d", ErrCorruptSnapshot, index)
		}
		r.Index = uint64(index)
		r.Nonce = uint64(nonce)
		return r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read blocks: %w", err)
	}

	if len(records) == 0 {
		return nil, ErrNoSnapshot
	}
	if err := checkSequence(records); err != nil {
		return nil, err
	}

	return records, nil
}

func recordRows(records []BlockRecord) ([][]any, error) {
	rows := make([][]any, 0, len(records))
	for _, r := range records {
		if r.Index > math.MaxInt64 || r.Nonce > math.MaxInt64 {
			return nil, fmt.Errorf("block %d does not fit a BIGINT column", r.Index)
		}
		commitments := r.Commitments
		if commitments == nil {
			commitments = []string{}
		}
		rows = append(rows, []any{
			int64(r.Index), r.Timestamp, commitments, r.PreviousHash, r.MerkleRoot, r.Hash, int64(r.Nonce),
		})
	}
	return rows, nil
}

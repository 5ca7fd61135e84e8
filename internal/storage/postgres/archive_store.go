// Package postgres provides the Postgres-backed resolution archive.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/iqm-resolution-archiver/internal/resolution"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "resolutions"

// Config controls the Postgres connection pool used for archive rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// pool is the subset of pgxpool.Pool the store needs; pgxmock satisfies it too.
type pool interface {
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// ArchiveStore implements resolution.Store on Postgres. Each unit of work runs in a
// transaction holding a transaction-scoped advisory lock on the identifier, so
// concurrent archivers over overlapping ranges serialize per resolution.
type ArchiveStore struct {
	pool  pool
	table string
}

// NewArchiveStore connects to Postgres and ensures the archive table exists.
func NewArchiveStore(ctx context.Context, cfg Config) (*ArchiveStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("archive dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewArchiveStoreWithPool(p, cfg.Table)
	if err != nil {
		p.Close()
		return nil, err
	}
	if err := store.EnsureSchema(ctx); err != nil {
		p.Close()
		return nil, err
	}
	return store, nil
}

// NewArchiveStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewArchiveStoreWithPool(p pool, table string) (*ArchiveStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &ArchiveStore{pool: p, table: table}, nil
}

// EnsureSchema creates the archive table when it does not exist yet.
func (s *ArchiveStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id BIGINT PRIMARY KEY,
	quality TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	record JSONB NOT NULL,
	failure_reason TEXT NOT NULL DEFAULT '',
	source_url TEXT NOT NULL DEFAULT '',
	first_seen_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create table %s: %w", s.table, err)
	}
	return nil
}

// Atomically runs fn inside a transaction that holds the identifier's advisory lock.
func (s *ArchiveStore) Atomically(
	ctx context.Context,
	id resolution.ID,
	fn func(ctx context.Context, tx resolution.StoreTx) error,
) (err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				err = errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
			}
		}
	}()

	if _, err = tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", int64(id)); err != nil {
		return fmt.Errorf("lock resolution %d: %w", id, err)
	}
	if err = fn(ctx, &pgTx{tx: tx, table: s.table}); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Count returns the number of archived rows.
func (s *ArchiveStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, fmt.Sprintf("SELECT count(*) FROM %s", s.table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", s.table, err)
	}
	return n, nil
}

// Ping verifies the pool can reach Postgres.
func (s *ArchiveStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *ArchiveStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

type pgTx struct {
	tx    pgx.Tx
	table string
}

func (t *pgTx) Get(ctx context.Context, id resolution.ID) (resolution.StoredRecord, error) {
	query := fmt.Sprintf(
		"SELECT record, content_hash, first_seen_at, updated_at FROM %s WHERE id = $1 FOR UPDATE", t.table)
	var (
		payload []byte
		row     resolution.StoredRecord
	)
	err := t.tx.QueryRow(ctx, query, int64(id)).Scan(&payload, &row.ContentHash, &row.FirstSeenAt, &row.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return resolution.StoredRecord{}, resolution.ErrNotFound
	}
	if err != nil {
		return resolution.StoredRecord{}, fmt.Errorf("select resolution %d: %w", id, err)
	}
	if err := json.Unmarshal(payload, &row.Record); err != nil {
		return resolution.StoredRecord{}, fmt.Errorf("decode resolution %d: %w", id, err)
	}
	row.FirstSeenAt = row.FirstSeenAt.UTC()
	row.UpdatedAt = row.UpdatedAt.UTC()
	return row, nil
}

func (t *pgTx) Put(ctx context.Context, row resolution.StoredRecord) error {
	payload, err := json.Marshal(row.Record)
	if err != nil {
		return fmt.Errorf("encode resolution %d: %w", row.ID, err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	quality,
	content_hash,
	record,
	failure_reason,
	source_url,
	first_seen_at,
	updated_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8
)
ON CONFLICT (id) DO UPDATE SET
	quality = EXCLUDED.quality,
	content_hash = EXCLUDED.content_hash,
	record = EXCLUDED.record,
	failure_reason = EXCLUDED.failure_reason,
	source_url = EXCLUDED.source_url,
	updated_at = EXCLUDED.updated_at`, t.table)

	args := []any{
		int64(row.ID),
		string(row.Quality),
		row.ContentHash,
		payload,
		row.FailureReason,
		row.SourceURL,
		row.FirstSeenAt,
		row.UpdatedAt,
	}
	if _, err := t.tx.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert resolution %d: %w", row.ID, err)
	}
	return nil
}

// Package sqlite provides a single-file resolution archive on modernc.org/sqlite.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/JakeFAU/iqm-resolution-archiver/internal/resolution"
)

const schema = `
CREATE TABLE IF NOT EXISTS resolutions (
	id             INTEGER PRIMARY KEY,
	quality        TEXT NOT NULL,
	content_hash   TEXT NOT NULL,
	record         TEXT NOT NULL,
	failure_reason TEXT NOT NULL DEFAULT '',
	source_url     TEXT NOT NULL DEFAULT '',
	first_seen_at  TEXT NOT NULL,
	updated_at     TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_resolutions_quality ON resolutions(quality);
`

// ArchiveStore implements resolution.Store on a SQLite file. Transactions start
// with BEGIN IMMEDIATE, which takes the database write lock up front, so separate
// archiver processes sharing one file cannot interleave a read and write.
type ArchiveStore struct {
	db *sql.DB
}

// Open opens (or creates) the archive at path and migrates the schema.
func Open(ctx context.Context, path string) (*ArchiveStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite: path is required")
	}
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: exec %s: %w", pragma, err)
		}
	}
	store := NewWithDB(db)
	if err := store.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewWithDB wraps an already-open database (primarily for testing).
func NewWithDB(db *sql.DB) *ArchiveStore {
	return &ArchiveStore{db: db}
}

func dsn(path string) string {
	if strings.Contains(path, "_txlock=") {
		return path
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_txlock=immediate"
}

// Migrate creates the archive table when it does not exist yet.
func (s *ArchiveStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("sqlite: migrate: %w", err)
	}
	return nil
}

// Atomically runs fn inside one write transaction.
func (s *ArchiveStore) Atomically(
	ctx context.Context,
	_ resolution.ID,
	fn func(ctx context.Context, tx resolution.StoreTx) error,
) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	if err := fn(ctx, &sqliteTx{tx: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return errors.Join(err, fmt.Errorf("sqlite: rollback: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	return nil
}

// Count returns the number of archived rows.
func (s *ArchiveStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM resolutions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite: count: %w", err)
	}
	return n, nil
}

// Ping verifies the database is reachable.
func (s *ArchiveStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("sqlite: ping: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *ArchiveStore) Close() error {
	return s.db.Close()
}

type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) Get(ctx context.Context, id resolution.ID) (resolution.StoredRecord, error) {
	var (
		payload, firstSeen, updated string
		row                         resolution.StoredRecord
	)
	err := t.tx.QueryRowContext(ctx,
		`SELECT record, content_hash, first_seen_at, updated_at FROM resolutions WHERE id = ?`,
		int64(id),
	).Scan(&payload, &row.ContentHash, &firstSeen, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return resolution.StoredRecord{}, resolution.ErrNotFound
	}
	if err != nil {
		return resolution.StoredRecord{}, fmt.Errorf("sqlite: select %d: %w", id, err)
	}
	if err := json.Unmarshal([]byte(payload), &row.Record); err != nil {
		return resolution.StoredRecord{}, fmt.Errorf("sqlite: decode %d: %w", id, err)
	}
	if row.FirstSeenAt, err = time.Parse(time.RFC3339Nano, firstSeen); err != nil {
		return resolution.StoredRecord{}, fmt.Errorf("sqlite: first_seen_at %d: %w", id, err)
	}
	if row.UpdatedAt, err = time.Parse(time.RFC3339Nano, updated); err != nil {
		return resolution.StoredRecord{}, fmt.Errorf("sqlite: updated_at %d: %w", id, err)
	}
	return row, nil
}

func (t *sqliteTx) Put(ctx context.Context, row resolution.StoredRecord) error {
	payload, err := json.Marshal(row.Record)
	if err != nil {
		return fmt.Errorf("sqlite: encode %d: %w", row.ID, err)
	}
	_, err = t.tx.ExecContext(ctx, `
INSERT INTO resolutions (id, quality, content_hash, record, failure_reason, source_url, first_seen_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	quality = excluded.quality,
	content_hash = excluded.content_hash,
	record = excluded.record,
	failure_reason = excluded.failure_reason,
	source_url = excluded.source_url,
	updated_at = excluded.updated_at`,
		int64(row.ID),
		string(row.Quality),
		row.ContentHash,
		string(payload),
		row.FailureReason,
		row.SourceURL,
		row.FirstSeenAt.UTC().Format(time.RFC3339Nano),
		row.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("sqlite: upsert %d: %w", row.ID, err)
	}
	return nil
}

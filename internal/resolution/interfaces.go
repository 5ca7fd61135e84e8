package resolution

import (
	"context"
	"io"
	"time"
)

// Fetcher retrieves the rendered detail page for one identifier.
type Fetcher interface {
	Fetch(ctx context.Context, id ID) (Document, error)
}

// Store is the persisted archive. Only the reconciler uses it.
type Store interface {
	// Atomically runs fn inside a unit of work that no other caller can interleave
	// with for the same identifier.
	Atomically(ctx context.Context, id ID, fn func(ctx context.Context, tx StoreTx) error) error
	Count(ctx context.Context) (int, error)
	Ping(ctx context.Context) error
	Close() error
}

// StoreTx reads and writes one identifier's row inside Store.Atomically.
type StoreTx interface {
	Get(ctx context.Context, id ID) (StoredRecord, error)
	Put(ctx context.Context, row StoredRecord) error
}

// SnapshotStore keeps the raw document bytes and returns a URI.
type SnapshotStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// ChangeEvent is published whenever the archive inserts or updates a row.
type ChangeEvent struct {
	RunID       string  `json:"run_id"`
	ID          ID      `json:"resolution_id"`
	Decision    string  `json:"decision"`
	Quality     Quality `json:"quality"`
	ContentHash string  `json:"content_hash"`
	SourceURL   string  `json:"source_url,omitempty"`
	Timestamp   string  `json:"timestamp"`
}

// Notifier pushes change events to downstream consumers.
type Notifier interface {
	Publish(ctx context.Context, event ChangeEvent) (string, error)
}

// Clock supplies timestamps for archive rows and run summaries.
type Clock interface {
	Now() time.Time
}

// IDGenerator mints run identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

// Hasher digests raw documents for snapshot object names.
type Hasher interface {
	Hash(data []byte) (string, error)
}

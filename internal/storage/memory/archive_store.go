package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/iqm-resolution-archiver/internal/resolution"
)

// ArchiveStore keeps archive rows in-memory for development and tests. Rows are
// kept JSON-encoded so callers never share memory with the store.
type ArchiveStore struct {
	mu   sync.Mutex
	rows map[resolution.ID][]byte
}

// NewArchiveStore constructs an empty ArchiveStore.
func NewArchiveStore() *ArchiveStore {
	return &ArchiveStore{rows: make(map[resolution.ID][]byte)}
}

// Atomically runs fn with the whole store locked. Writes are applied only when
// fn returns nil.
func (s *ArchiveStore) Atomically(
	ctx context.Context,
	_ resolution.ID,
	fn func(ctx context.Context, tx resolution.StoreTx) error,
) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memoryTx{store: s, staged: make(map[resolution.ID][]byte)}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	for id, data := range tx.staged {
		s.rows[id] = data
	}
	return nil
}

// Count returns the number of archived rows.
func (s *ArchiveStore) Count(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows), nil
}

// Ping always succeeds.
func (s *ArchiveStore) Ping(_ context.Context) error {
	return nil
}

// Close is a no-op.
func (s *ArchiveStore) Close() error {
	return nil
}

// Snapshot returns every row ordered by identifier.
func (s *ArchiveStore) Snapshot() []resolution.StoredRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]resolution.ID, 0, len(s.rows))
	for id := range s.rows {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]resolution.StoredRecord, 0, len(ids))
	for _, id := range ids {
		var row resolution.StoredRecord
		if err := json.Unmarshal(s.rows[id], &row); err == nil {
			out = append(out, row)
		}
	}
	return out
}

type memoryTx struct {
	store  *ArchiveStore
	staged map[resolution.ID][]byte
}

func (t *memoryTx) Get(_ context.Context, id resolution.ID) (resolution.StoredRecord, error) {
	data, ok := t.staged[id]
	if !ok {
		data, ok = t.store.rows[id]
	}
	if !ok {
		return resolution.StoredRecord{}, resolution.ErrNotFound
	}
	var row resolution.StoredRecord
	if err := json.Unmarshal(data, &row); err != nil {
		return resolution.StoredRecord{}, fmt.Errorf("decode row %d: %w", id, err)
	}
	return row, nil
}

func (t *memoryTx) Put(_ context.Context, row resolution.StoredRecord) error {
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("encode row %d: %w", row.ID, err)
	}
	t.staged[row.ID] = data
	return nil
}

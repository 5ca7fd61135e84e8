package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/iqm-resolution-archiver/internal/resolution"
)

func openTemp(t *testing.T) *ArchiveStore {
	t.Helper()
	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "archive.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func storedRow(id resolution.ID, status string, at time.Time) resolution.StoredRecord {
	fields := resolution.CanonicalFields{
		Title:    resolution.Set("Approve Budget"),
		Sponsors: resolution.Set([]string{"J. Doe"}),
		Meetings: resolution.Set([]resolution.Meeting{{MeetingID: 1201, Body: "Town Board", Date: at}}),
	}
	if status != "" {
		fields.Status = resolution.Set(status)
	}
	rec := resolution.Build(resolution.BuildInput{ID: id, Fields: fields}, resolution.DefaultRequired)
	return resolution.StoredRecord{Record: rec, ContentHash: rec.Fingerprint(), FirstSeenAt: at, UpdatedAt: at}
}

func TestArchiveStoreUpsertRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := openTemp(t)
	first := time.Date(2024, 3, 1, 12, 0, 0, 123456000, time.UTC)

	require.NoError(t, store.Atomically(ctx, 100, func(ctx context.Context, tx resolution.StoreTx) error {
		_, err := tx.Get(ctx, 100)
		require.ErrorIs(t, err, resolution.ErrNotFound)
		return tx.Put(ctx, storedRow(100, "", first))
	}))

	later := first.Add(time.Hour)
	update := storedRow(100, "Adopted", later)
	update.FirstSeenAt = first
	require.NoError(t, store.Atomically(ctx, 100, func(ctx context.Context, tx resolution.StoreTx) error {
		return tx.Put(ctx, update)
	}))

	require.NoError(t, store.Atomically(ctx, 100, func(ctx context.Context, tx resolution.StoreTx) error {
		got, err := tx.Get(ctx, 100)
		require.NoError(t, err)
		assert.Equal(t, resolution.QualityComplete, got.Quality)
		assert.Equal(t, "Adopted", got.Fields.Status.OrZero())
		assert.Equal(t, update.ContentHash, got.ContentHash)
		assert.Equal(t, update.Fingerprint(), got.Fingerprint())
		assert.True(t, got.FirstSeenAt.Equal(first))
		assert.True(t, got.UpdatedAt.Equal(later))
		return nil
	}))

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, store.Ping(ctx))
}

func TestArchiveStoreRollsBackOnError(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := openTemp(t)
	boom := errors.New("boom")

	err := store.Atomically(ctx, 5, func(ctx context.Context, tx resolution.StoreTx) error {
		require.NoError(t, tx.Put(ctx, storedRow(5, "", time.Now().UTC())))
		return boom
	})
	require.ErrorIs(t, err, boom)

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestArchiveStoreConcurrentWriters(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := openTemp(t)
	now := time.Now().UTC()

	var wg sync.WaitGroup
	for i := 1; i <= 20; i++ {
		wg.Add(1)
		go func(id resolution.ID) {
			defer wg.Done()
			err := store.Atomically(ctx, id, func(ctx context.Context, tx resolution.StoreTx) error {
				if _, err := tx.Get(ctx, id); !errors.Is(err, resolution.ErrNotFound) {
					return err
				}
				return tx.Put(ctx, storedRow(id, "Adopted", now))
			})
			assert.NoError(t, err)
		}(resolution.ID(i))
	}
	wg.Wait()

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 20, n)
}

func TestArchiveStoreSurfacesDriverErrors(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewWithDB(db)
	boom := errors.New("disk I/O error")

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT record").WithArgs(int64(9)).WillReturnError(boom)
	mock.ExpectRollback()

	err = store.Atomically(context.Background(), 9, func(ctx context.Context, tx resolution.StoreTx) error {
		_, err := tx.Get(ctx, 9)
		return err
	})
	require.ErrorIs(t, err, boom)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO resolutions").WillReturnError(boom)
	mock.ExpectRollback()

	err = store.Atomically(context.Background(), 9, func(ctx context.Context, tx resolution.StoreTx) error {
		return tx.Put(ctx, storedRow(9, "", time.Now().UTC()))
	})
	require.ErrorIs(t, err, boom)

	mock.ExpectBegin()
	mock.ExpectCommit().WillReturnError(boom)
	err = store.Atomically(context.Background(), 9, func(context.Context, resolution.StoreTx) error { return nil })
	require.ErrorIs(t, err, boom)

	mock.ExpectQuery("SELECT count").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow("x"))
	_, err = store.Count(context.Background())
	require.Error(t, err)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestArchiveStoreCorruptRow(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT record").
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"record", "content_hash", "first_seen_at", "updated_at"}).
			AddRow("{not json", "h", "2024-03-01T12:00:00Z", "2024-03-01T12:00:00Z"))
	mock.ExpectRollback()

	err = NewWithDB(db).Atomically(context.Background(), 3, func(ctx context.Context, tx resolution.StoreTx) error {
		_, err := tx.Get(ctx, 3)
		return err
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode 3")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), "")
	require.Error(t, err)
	assert.Equal(t, "file.db?_txlock=immediate", dsn("file.db"))
	assert.Equal(t, "file:x.db?mode=rwc&_txlock=immediate", dsn("file:x.db?mode=rwc"))
	assert.Equal(t, "x.db?_txlock=deferred", dsn("x.db?_txlock=deferred"))
}

// Package storage opens the archive store and snapshot store named in configuration.
package storage

import (
	"context"
	"fmt"
	"io"
	"strings"

	"google.golang.org/api/option"

	"github.com/JakeFAU/iqm-resolution-archiver/internal/resolution"
	"github.com/JakeFAU/iqm-resolution-archiver/internal/storage/gcs"
	"github.com/JakeFAU/iqm-resolution-archiver/internal/storage/local"
	"github.com/JakeFAU/iqm-resolution-archiver/internal/storage/memory"
	"github.com/JakeFAU/iqm-resolution-archiver/internal/storage/postgres"
	"github.com/JakeFAU/iqm-resolution-archiver/internal/storage/sqlite"
)

// ArchiveOptions tunes the archive connection.
type ArchiveOptions struct {
	MaxConns int32
	Table    string
}

// OpenArchive opens the persistence target. Supported forms are memory://,
// sqlite://<path> and postgres:// (or postgresql://) DSNs.
func OpenArchive(ctx context.Context, target string, opts ArchiveOptions) (resolution.Store, error) {
	scheme, rest, ok := strings.Cut(target, "://")
	if !ok {
		return nil, fmt.Errorf("persistence target %q has no scheme", target)
	}
	switch strings.ToLower(scheme) {
	case "memory":
		return memory.NewArchiveStore(), nil
	case "sqlite":
		store, err := sqlite.Open(ctx, rest)
		if err != nil {
			return nil, fmt.Errorf("open sqlite archive: %w", err)
		}
		return store, nil
	case "postgres", "postgresql":
		store, err := postgres.NewArchiveStore(ctx, postgres.Config{
			DSN:      target,
			Table:    opts.Table,
			MaxConns: opts.MaxConns,
		})
		if err != nil {
			return nil, fmt.Errorf("open postgres archive: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported persistence target scheme %q", scheme)
	}
}

// Snapshot providers.
const (
	SnapshotsNone   = "none"
	SnapshotsMemory = "memory"
	SnapshotsLocal  = "local"
	SnapshotsGCS    = "gcs"
)

// SnapshotOptions selects where raw pages are kept. Object names arrive fully
// formed from the caller, so no store adds a prefix of its own.
type SnapshotOptions struct {
	Provider string
	BaseDir  string
	Bucket   string
	// GCSOptions are extra client options, such as a custom endpoint.
	GCSOptions []option.ClientOption
}

// SnapshotStore is a resolution.SnapshotStore that may own resources.
type SnapshotStore interface {
	resolution.SnapshotStore
	io.Closer
}

// OpenSnapshots builds the snapshot store. It returns nil for the none provider.
func OpenSnapshots(ctx context.Context, opts SnapshotOptions) (SnapshotStore, error) {
	switch strings.ToLower(opts.Provider) {
	case "", SnapshotsNone:
		return nil, nil
	case SnapshotsMemory:
		return nopCloser{memory.NewBlobStore()}, nil
	case SnapshotsLocal:
		store, err := local.New(local.Config{BaseDir: opts.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("open local snapshots: %w", err)
		}
		return nopCloser{store}, nil
	case SnapshotsGCS:
		store, err := gcs.Open(ctx, gcs.Config{Bucket: opts.Bucket}, opts.GCSOptions...)
		if err != nil {
			return nil, fmt.Errorf("open gcs snapshots: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported snapshot provider %q", opts.Provider)
	}
}

type nopCloser struct {
	resolution.SnapshotStore
}

func (nopCloser) Close() error { return nil }

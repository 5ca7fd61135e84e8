// Package app initializes and holds long-lived application services, acting as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/iqm-resolution-archiver/internal/api"
	"github.com/JakeFAU/iqm-resolution-archiver/internal/clock/system"
	"github.com/JakeFAU/iqm-resolution-archiver/internal/config"
	"github.com/JakeFAU/iqm-resolution-archiver/internal/extract"
	collyfetcher "github.com/JakeFAU/iqm-resolution-archiver/internal/fetcher/colly"
	"github.com/JakeFAU/iqm-resolution-archiver/internal/fetcher/resilient"
	"github.com/JakeFAU/iqm-resolution-archiver/internal/hash/sha256"
	"github.com/JakeFAU/iqm-resolution-archiver/internal/id/uuid"
	"github.com/JakeFAU/iqm-resolution-archiver/internal/normalize"
	memorynotify "github.com/JakeFAU/iqm-resolution-archiver/internal/notify/memory"
	pubsubnotify "github.com/JakeFAU/iqm-resolution-archiver/internal/notify/pubsub"
	"github.com/JakeFAU/iqm-resolution-archiver/internal/orchestrator"
	"github.com/JakeFAU/iqm-resolution-archiver/internal/policy/ratelimit"
	"github.com/JakeFAU/iqm-resolution-archiver/internal/reconcile"
	"github.com/JakeFAU/iqm-resolution-archiver/internal/resolution"
	"github.com/JakeFAU/iqm-resolution-archiver/internal/storage"
)

type notifier interface {
	resolution.Notifier
	io.Closer
}

// App holds all the shared, long-lived services for one archiver process.
// It is built once at startup from a validated Config and closed on exit.
type App struct {
	cfg          config.Config
	logger       *zap.Logger
	store        resolution.Store
	snapshots    storage.SnapshotStore
	notifier     notifier
	fetcher      *resilient.Fetcher
	orchestrator *orchestrator.Orchestrator
	server       *api.Server
}

// New creates the services named in cfg. It fails fast if any of them cannot be
// initialized and releases whatever was already opened.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	logger.Info("initializing application services",
		zap.String("portal", cfg.Portal.RootURL),
		zap.String("snapshots", cfg.Snapshots.Provider),
		zap.String("notify", cfg.Notify.Provider),
	)

	a.store, err = storage.OpenArchive(ctx, cfg.Archive.Target, storage.ArchiveOptions{
		MaxConns: cfg.Archive.MaxConns,
		Table:    cfg.Archive.Table,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize archive: %w", err)
	}

	a.snapshots, err = storage.OpenSnapshots(ctx, storage.SnapshotOptions{
		Provider: cfg.Snapshots.Provider,
		BaseDir:  cfg.Snapshots.BaseDir,
		Bucket:   cfg.Snapshots.Bucket,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize snapshots: %w", err)
	}

	a.notifier, err = openNotifier(ctx, cfg.Notify)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize notifier: %w", err)
	}

	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.Fetch.RatePerSecond,
		DefaultBurst: cfg.Fetch.Burst,
	})
	portal, err := collyfetcher.New(collyfetcher.Config{
		RootURL:            cfg.Portal.RootURL,
		DetailPath:         cfg.Portal.DetailPath,
		UserAgent:          cfg.Portal.UserAgent,
		Timeout:            cfg.Fetch.Timeout,
		UnavailableMarkers: cfg.Portal.UnavailableMarkers,
	}, limiter)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize fetcher: %w", err)
	}
	a.fetcher = resilient.New(portal, resilient.Config{
		MaxRetries:          cfg.Fetch.MaxRetries,
		BaseDelay:           cfg.Fetch.BackoffInitial,
		MaxDelay:            cfg.Fetch.BackoffMax,
		BreakerFailureRatio: cfg.Fetch.BreakerFailureRatio,
		BreakerMinRequests:  cfg.Fetch.BreakerMinRequests,
		BreakerOpenTimeout:  cfg.Fetch.BreakerOpenTimeout,
	}, logger)

	rules, err := cfg.Extraction.Rules()
	if err != nil {
		return nil, err
	}
	normalizer, err := normalize.New(rules)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize normalizer: %w", err)
	}
	required, err := cfg.Extraction.RequiredAttributes()
	if err != nil {
		return nil, err
	}

	clock := system.New()
	deps := orchestrator.Deps{
		Fetcher:    a.fetcher,
		Extractor:  extract.New(cfg.Extraction.ExtractorConfig()),
		Normalizer: normalizer,
		Reconciler: reconcile.New(a.store, clock, logger),
		Hasher:     sha256.New(),
		Clock:      clock,
		IDs:        uuid.NewUUIDGenerator(),
	}
	if a.snapshots != nil {
		deps.Snapshots = a.snapshots
	}
	if a.notifier != nil {
		deps.Notifier = a.notifier
	}
	a.orchestrator, err = orchestrator.New(orchestrator.Config{
		Concurrency:             cfg.Run.Concurrency,
		FetchTimeout:            fetchBudget(cfg.Fetch),
		AbortOnPersistenceError: cfg.Run.AbortOnPersistenceError,
		Required:                required,
		SnapshotPrefix:          cfg.Snapshots.Prefix,
	}, deps, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize orchestrator: %w", err)
	}

	if cfg.Ops.Addr != "" {
		a.server = api.NewServer(a.store, a.orchestrator, logger)
	}

	logger.Info("application services initialized")
	return a, nil
}

func openNotifier(ctx context.Context, cfg config.NotifyConfig) (notifier, error) {
	switch cfg.Provider {
	case "", "none":
		return nil, nil
	case "memory":
		return memorynotify.New(), nil
	case "pubsub":
		n, err := pubsubnotify.Open(ctx, cfg.ProjectID, cfg.Topic)
		if err != nil {
			return nil, err
		}
		return n, nil
	default:
		return nil, fmt.Errorf("unknown notify provider: %s", cfg.Provider)
	}
}

// fetchBudget bounds one identifier's fetch including every retry and backoff.
func fetchBudget(cfg config.FetchConfig) time.Duration {
	attempts := time.Duration(cfg.MaxRetries + 1)
	return cfg.Timeout*attempts + cfg.BackoffMax*time.Duration(cfg.MaxRetries)
}

// Identifiers returns the configured identifier range.
func (a *App) Identifiers() []resolution.ID {
	return a.cfg.Range.Identifiers()
}

// Run archives ids, or the configured range when ids is empty. The ops server,
// if configured, serves for the duration of the run.
func (a *App) Run(ctx context.Context, ids []resolution.ID) (orchestrator.Summary, error) {
	if len(ids) == 0 {
		ids = a.Identifiers()
	}
	if len(ids) == 0 {
		return orchestrator.Summary{}, errors.New("no identifiers to archive")
	}

	serveCtx, stopServe := context.WithCancel(context.WithoutCancel(ctx))
	served := make(chan error, 1)
	if a.server != nil {
		go func() { served <- a.server.Serve(serveCtx, a.cfg.Ops.Addr) }()
	} else {
		served <- nil
	}

	summary, runErr := a.orchestrator.Run(ctx, ids)

	stopServe()
	if err := <-served; err != nil {
		a.logger.Warn("ops server stopped with error", zap.Error(err))
	}
	return summary, runErr
}

// Preview builds the record for id without touching the archive.
func (a *App) Preview(ctx context.Context, id resolution.ID) (resolution.Record, error) {
	rec, err := a.orchestrator.Preview(ctx, id)
	if err != nil {
		return resolution.Record{}, fmt.Errorf("preview %d: %w", id, err)
	}
	return rec, nil
}

// Orchestrator exposes the pipeline, mainly for the ops server and tests.
func (a *App) Orchestrator() *orchestrator.Orchestrator {
	return a.orchestrator
}

// Store exposes the archive store.
func (a *App) Store() resolution.Store {
	return a.store
}

// Notifier exposes the change notifier; nil when notifications are off.
func (a *App) Notifier() resolution.Notifier {
	if a.notifier == nil {
		return nil
	}
	return a.notifier
}

// Close shuts down every service in the container. It is safe on a partially
// built App.
func (a *App) Close() error {
	var errs []error
	if a.notifier != nil {
		if err := a.notifier.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close notifier: %w", err))
		}
	}
	if a.snapshots != nil {
		if err := a.snapshots.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close snapshots: %w", err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close archive: %w", err))
		}
	}
	_ = a.logger.Sync()
	return errors.Join(errs...)
}

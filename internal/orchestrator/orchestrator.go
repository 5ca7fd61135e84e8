// Package orchestrator runs the fetch, extract, normalize, build and reconcile
// pipeline over a range of resolution identifiers.
package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/iqm-resolution-archiver/internal/extract"
	"github.com/JakeFAU/iqm-resolution-archiver/internal/metrics"
	"github.com/JakeFAU/iqm-resolution-archiver/internal/reconcile"
	"github.com/JakeFAU/iqm-resolution-archiver/internal/resolution"
)

// Extractor turns a raw document into labeled fields.
type Extractor interface {
	Extract(body []byte) (extract.RawFieldMap, error)
}

// Normalizer maps labeled fields onto the canonical schema.
type Normalizer interface {
	Normalize(raw extract.RawFieldMap) (resolution.CanonicalFields, []resolution.Diagnostic, error)
}

// Reconciler persists candidate records.
type Reconciler interface {
	Reconcile(ctx context.Context, candidate resolution.Record) (reconcile.Result, error)
}

// Config controls a run.
type Config struct {
	Concurrency             int
	FetchTimeout            time.Duration
	AbortOnPersistenceError bool
	// Required lists the attributes a record needs to be graded complete.
	Required []resolution.Attribute
	// SnapshotPrefix is prepended to raw document object names.
	SnapshotPrefix string
}

// Deps are the collaborators a run needs. Snapshots and Notifier may be nil.
type Deps struct {
	Fetcher    resolution.Fetcher
	Extractor  Extractor
	Normalizer Normalizer
	Reconciler Reconciler
	Snapshots  resolution.SnapshotStore
	Notifier   resolution.Notifier
	Hasher     resolution.Hasher
	Clock      resolution.Clock
	IDs        resolution.IDGenerator
}

// Orchestrator executes runs. A single Orchestrator may serve several runs in sequence.
type Orchestrator struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger

	mu   sync.RWMutex
	last *Summary
}

// New constructs an Orchestrator.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Orchestrator, error) {
	switch {
	case deps.Fetcher == nil:
		return nil, errors.New("orchestrator: fetcher is required")
	case deps.Extractor == nil || deps.Normalizer == nil:
		return nil, errors.New("orchestrator: extractor and normalizer are required")
	case deps.Reconciler == nil:
		return nil, errors.New("orchestrator: reconciler is required")
	case deps.Hasher == nil || deps.Clock == nil || deps.IDs == nil:
		return nil, errors.New("orchestrator: hasher, clock and id generator are required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	if cfg.Required == nil {
		cfg.Required = resolution.DefaultRequired
	}
	if cfg.SnapshotPrefix == "" {
		cfg.SnapshotPrefix = "resolutions"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{cfg: cfg, deps: deps, logger: logger.Named("orchestrator")}, nil
}

// Run processes ids and returns the summary. Individual identifier failures never
// fail the run. Cancelling ctx stops dispatch; identifiers already in flight finish
// and are reported. When AbortOnPersistenceError is set, the first persistence
// failure stops dispatch and is returned alongside the summary.
func (o *Orchestrator) Run(ctx context.Context, ids []resolution.ID) (Summary, error) {
	runID, err := o.deps.IDs.NewID()
	if err != nil {
		return Summary{}, fmt.Errorf("generate run id: %w", err)
	}
	ids = NormalizeIDs(ids)
	started := o.deps.Clock.Now()
	logger := o.logger.With(zap.String("run_id", runID))
	logger.Info("run started", zap.Int("identifiers", len(ids)), zap.Int("concurrency", o.cfg.Concurrency))

	dispatchCtx, stopDispatch := context.WithCancel(ctx)
	defer stopDispatch()
	// In-flight pipelines outlive cancellation; each fetch is still bounded by FetchTimeout.
	workCtx := context.WithoutCancel(ctx)

	var (
		mu         sync.Mutex
		outcomes   = make([]Outcome, 0, len(ids))
		dispatched = make(map[resolution.ID]bool, len(ids))
		abortErr   error
	)

	queue := make(chan resolution.ID)
	g := new(errgroup.Group)
	g.SetLimit(o.cfg.Concurrency + 1)

	g.Go(func() error {
		defer close(queue)
		for _, id := range ids {
			if dispatchCtx.Err() != nil {
				return nil
			}
			select {
			case <-dispatchCtx.Done():
				return nil
			case queue <- id:
			}
		}
		return nil
	})

	for i := 0; i < o.cfg.Concurrency; i++ {
		g.Go(func() error {
			for id := range queue {
				// select may still hand over an id after dispatch stopped; drop it
				// so it is reported as not attempted.
				mu.Lock()
				if dispatchCtx.Err() != nil {
					mu.Unlock()
					continue
				}
				dispatched[id] = true
				mu.Unlock()

				metrics.IncActiveWorkers()
				out := o.process(workCtx, runID, id)
				metrics.DecActiveWorkers()

				mu.Lock()
				outcomes = append(outcomes, out)
				if out.Reason == ReasonPersistence && o.cfg.AbortOnPersistenceError && abortErr == nil {
					abortErr = out.err
					stopDispatch()
				}
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	summary := summarize(outcomes, dispatched, ids)
	summary.RunID = runID
	summary.StartedAt = started
	summary.FinishedAt = o.deps.Clock.Now()
	summary.Canceled = ctx.Err() != nil

	o.mu.Lock()
	o.last = &summary
	o.mu.Unlock()

	status := "completed"
	switch {
	case abortErr != nil:
		status = "aborted"
	case summary.Canceled:
		status = "canceled"
	}
	metrics.ObserveRun(status)
	logger.Info("run finished",
		zap.String("status", status),
		zap.Int("inserted", summary.Counts.Inserted),
		zap.Int("updated", summary.Counts.Updated),
		zap.Int("skipped", summary.Counts.Skipped),
		zap.Int("failed", summary.Counts.Failed),
		zap.Int("not_attempted", len(summary.NotAttempted)),
		zap.Duration("elapsed", summary.FinishedAt.Sub(started)),
	)

	if abortErr != nil {
		return summary, fmt.Errorf("run %s aborted: %w", runID, abortErr)
	}
	return summary, nil
}

// Last returns the most recently finished run.
func (o *Orchestrator) Last() (Summary, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.last == nil {
		return Summary{}, false
	}
	return *o.last, true
}

// Preview fetches and builds the record for id without snapshotting, persisting
// or notifying.
func (o *Orchestrator) Preview(ctx context.Context, id resolution.ID) (resolution.Record, error) {
	doc, err := o.fetch(ctx, id)
	if err != nil {
		return resolution.Record{}, err
	}
	return o.build(doc, ""), nil
}

func (o *Orchestrator) process(ctx context.Context, runID string, id resolution.ID) Outcome {
	logger := o.logger.With(zap.String("run_id", runID), zap.Int64("resolution_id", int64(id)))
	out := Outcome{ID: id}

	doc, err := o.fetch(ctx, id)
	if err != nil {
		logger.Warn("fetch failed", zap.Error(err))
		out.Quality = resolution.QualityFailed
		out.Reason = ReasonFetch
		out.Error = err.Error()
		out.err = err
		metrics.ObserveResolution("none", string(resolution.QualityFailed))
		return out
	}

	snapshotURI := o.snapshot(ctx, doc, logger)
	rec := o.build(doc, snapshotURI)
	out.Quality = rec.Quality
	out.Diagnostics = len(rec.Diagnostics)
	out.SnapshotURI = snapshotURI
	if rec.Quality == resolution.QualityFailed {
		out.Reason = ReasonExtraction
		out.Error = rec.FailureReason
	}

	res, err := o.deps.Reconciler.Reconcile(ctx, rec)
	if err != nil {
		logger.Error("reconcile failed", zap.Error(err))
		out.Reason = ReasonPersistence
		out.Error = err.Error()
		out.err = err
		return out
	}
	out.Decision = res.Decision
	out.Changed = res.Changed
	metrics.ObserveResolution(string(res.Decision), string(rec.Quality))

	logger.Info("resolution processed",
		zap.String("decision", string(res.Decision)),
		zap.String("quality", string(rec.Quality)),
		zap.Int("diagnostics", len(rec.Diagnostics)),
	)

	if res.Decision != reconcile.DecisionSkip {
		o.notify(ctx, runID, res, logger)
	}
	return out
}

func (o *Orchestrator) fetch(ctx context.Context, id resolution.ID) (resolution.Document, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, o.cfg.FetchTimeout)
	defer cancel()
	doc, err := o.deps.Fetcher.Fetch(fetchCtx, id)
	if err != nil {
		var ferr *resolution.FetchError
		if !errors.As(err, &ferr) {
			reason := "transport"
			if errors.Is(err, context.DeadlineExceeded) {
				reason = "timeout"
			}
			err = &resolution.FetchError{ID: id, Reason: reason, Err: err}
		}
		return resolution.Document{}, err
	}
	return doc, nil
}

// build runs the CPU-only stages. Extraction and normalization errors become a
// failed record rather than an error.
func (o *Orchestrator) build(doc resolution.Document, snapshotURI string) resolution.Record {
	in := resolution.BuildInput{ID: doc.ID, SourceURL: doc.URL, SnapshotURI: snapshotURI}
	raw, err := o.deps.Extractor.Extract(doc.Body)
	if err == nil {
		in.Fields, in.Diagnostics, err = o.deps.Normalizer.Normalize(raw)
	}
	in.Err = err
	return resolution.Build(in, o.cfg.Required)
}

func (o *Orchestrator) snapshot(ctx context.Context, doc resolution.Document, logger *zap.Logger) string {
	if o.deps.Snapshots == nil {
		return ""
	}
	sum, err := o.deps.Hasher.Hash(doc.Body)
	if err != nil {
		logger.Warn("hash snapshot failed", zap.Error(err))
		return ""
	}
	path := fmt.Sprintf("%s/%d/%s.html", o.cfg.SnapshotPrefix, doc.ID, sum)
	uri, err := o.deps.Snapshots.PutObject(ctx, path, "text/html; charset=utf-8", bytes.NewReader(doc.Body))
	if err != nil {
		logger.Warn("store snapshot failed", zap.String("path", path), zap.Error(err))
		return ""
	}
	return uri
}

func (o *Orchestrator) notify(ctx context.Context, runID string, res reconcile.Result, logger *zap.Logger) {
	if o.deps.Notifier == nil {
		return
	}
	event := resolution.ChangeEvent{
		RunID:       runID,
		ID:          res.Record.ID,
		Decision:    string(res.Decision),
		Quality:     res.Record.Quality,
		ContentHash: res.Record.ContentHash,
		SourceURL:   res.Record.SourceURL,
		Timestamp:   o.deps.Clock.Now().Format(time.RFC3339Nano),
	}
	if _, err := o.deps.Notifier.Publish(ctx, event); err != nil {
		logger.Warn("publish change event failed", zap.Error(err))
	}
}

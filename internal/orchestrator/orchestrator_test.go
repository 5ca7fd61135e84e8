package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/iqm-resolution-archiver/internal/clock/system"
	"github.com/JakeFAU/iqm-resolution-archiver/internal/extract"
	"github.com/JakeFAU/iqm-resolution-archiver/internal/hash/sha256"
	"github.com/JakeFAU/iqm-resolution-archiver/internal/id/uuid"
	"github.com/JakeFAU/iqm-resolution-archiver/internal/normalize"
	notifymemory "github.com/JakeFAU/iqm-resolution-archiver/internal/notify/memory"
	"github.com/JakeFAU/iqm-resolution-archiver/internal/reconcile"
	"github.com/JakeFAU/iqm-resolution-archiver/internal/resolution"
	"github.com/JakeFAU/iqm-resolution-archiver/internal/storage/memory"
)

func page(title, sponsor, status string) []byte {
	rows := fmt.Sprintf(`<tr><th>Resolution Title:</th><td>%s</td></tr><tr><th>Sponsor:</th><td>%s</td></tr>`, title, sponsor)
	if status != "" {
		rows += fmt.Sprintf(`<tr><th>Status:</th><td>%s</td></tr>`, status)
	}
	return []byte(`<html><body><table class="LegiFileInfo">` + rows + `</table></body></html>`)
}

type portal struct {
	mu    sync.Mutex
	pages map[resolution.ID][]byte
	errs  map[resolution.ID]error
	calls atomic.Int32
}

func newPortal() *portal {
	return &portal{pages: map[resolution.ID][]byte{}, errs: map[resolution.ID]error{}}
}

func (p *portal) set(id resolution.ID, body []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pages[id] = body
}

func (p *portal) Fetch(_ context.Context, id resolution.ID) (resolution.Document, error) {
	p.calls.Add(1)
	p.mu.Lock()
	defer p.mu.Unlock()
	if err, ok := p.errs[id]; ok {
		return resolution.Document{}, err
	}
	body, ok := p.pages[id]
	if !ok {
		return resolution.Document{}, &resolution.FetchError{ID: id, StatusCode: 404, Reason: "unexpected status"}
	}
	return resolution.Document{
		ID:         id,
		URL:        fmt.Sprintf("https://sample.iqm2.com/Citizens/Detail_LegiFile.aspx?ID=%d", id),
		StatusCode: 200,
		Body:       body,
	}, nil
}

type harness struct {
	store     *memory.ArchiveStore
	snapshots *memory.BlobStore
	notifier  *notifymemory.Notifier
	orch      *Orchestrator
}

func newHarness(t *testing.T, fetcher resolution.Fetcher, cfg Config) *harness {
	t.Helper()
	return newHarnessWithReconciler(t, fetcher, cfg, nil)
}

func newHarnessWithReconciler(t *testing.T, fetcher resolution.Fetcher, cfg Config, rec Reconciler) *harness {
	t.Helper()
	h := &harness{
		store:     memory.NewArchiveStore(),
		snapshots: memory.NewBlobStore(),
		notifier:  notifymemory.New(),
	}
	norm, err := normalize.New(normalize.DefaultRules())
	require.NoError(t, err)
	if rec == nil {
		rec = reconcile.New(h.store, system.New(), zap.NewNop())
	}
	h.orch, err = New(cfg, Deps{
		Fetcher:    fetcher,
		Extractor:  extract.New(extract.DefaultConfig()),
		Normalizer: norm,
		Reconciler: rec,
		Snapshots:  h.snapshots,
		Notifier:   h.notifier,
		Hasher:     sha256.New(),
		Clock:      system.New(),
		IDs:        uuid.NewUUIDGenerator(),
	}, zap.NewNop())
	require.NoError(t, err)
	return h
}

func TestRunInsertsThenSkips(t *testing.T) {
	t.Parallel()

	p := newPortal()
	p.set(100, page("Approve Budget", "J. Doe", ""))
	h := newHarness(t, p, Config{Concurrency: 2})

	_, ok := h.orch.Last()
	assert.False(t, ok)

	first, err := h.orch.Run(context.Background(), []resolution.ID{100})
	require.NoError(t, err)
	assert.Equal(t, []resolution.ID{100}, first.Inserted)
	assert.Empty(t, first.Failed)
	require.Len(t, first.Outcomes, 1)
	assert.Equal(t, resolution.QualityPartial, first.Outcomes[0].Quality)
	assert.NotEmpty(t, first.RunID)

	rows := h.store.Snapshot()
	require.Len(t, rows, 1)
	assert.Equal(t, "Approve Budget", rows[0].Fields.Title.OrZero())
	assert.Equal(t, []string{"J. Doe"}, rows[0].Fields.Sponsors.OrZero())
	assert.Equal(t, resolution.StateAbsent, rows[0].Fields.Status.State())
	assert.True(t, strings.HasPrefix(rows[0].SnapshotURI, "memory://resolutions/100/"))
	assert.Equal(t, 1, h.snapshots.Len())

	second, err := h.orch.Run(context.Background(), []resolution.ID{100})
	require.NoError(t, err)
	assert.Equal(t, []resolution.ID{100}, second.Skipped)
	assert.Empty(t, second.Inserted)
	assert.NotEqual(t, first.RunID, second.RunID)
	assert.Equal(t, rows, h.store.Snapshot(), "second run leaves the archive unchanged")

	events := h.notifier.Events()
	require.Len(t, events, 1, "skips publish nothing")
	assert.Equal(t, "insert", events[0].Decision)
	assert.Equal(t, first.RunID, events[0].RunID)

	last, ok := h.orch.Last()
	require.True(t, ok)
	assert.Equal(t, second.RunID, last.RunID)
}

func TestRunQualityOnlyImproves(t *testing.T) {
	t.Parallel()

	p := newPortal()
	p.set(7, page("Approve Budget", "J. Doe", ""))
	h := newHarness(t, p, Config{})

	_, err := h.orch.Run(context.Background(), []resolution.ID{7})
	require.NoError(t, err)

	p.set(7, page("Approve Budget", "J. Doe", "Adopted"))
	s, err := h.orch.Run(context.Background(), []resolution.ID{7})
	require.NoError(t, err)
	assert.Equal(t, []resolution.ID{7}, s.Updated)
	assert.Equal(t, []resolution.Attribute{resolution.AttrStatus}, s.Outcomes[0].Changed)

	p.set(7, nil)
	s, err = h.orch.Run(context.Background(), []resolution.ID{7})
	require.NoError(t, err)
	assert.Equal(t, []resolution.ID{7}, s.Failed)
	assert.Equal(t, ReasonExtraction, s.Outcomes[0].Reason)
	assert.Equal(t, reconcile.DecisionSkip, s.Outcomes[0].Decision)

	rows := h.store.Snapshot()
	require.Len(t, rows, 1)
	assert.Equal(t, resolution.QualityComplete, rows[0].Quality)
	assert.Equal(t, "Adopted", rows[0].Fields.Status.OrZero())
}

func TestRunIsolatesFailures(t *testing.T) {
	t.Parallel()

	p := newPortal()
	p.set(41, page("First", "A", "Adopted"))
	p.set(42, []byte{})
	p.set(43, page("Third", "C", "Adopted"))
	p.errs[44] = &resolution.FetchError{ID: 44, Reason: "unavailable"}
	h := newHarness(t, p, Config{Concurrency: 4})

	s, err := h.orch.Run(context.Background(), []resolution.ID{44, 43, 42, 41})
	require.NoError(t, err)
	assert.Equal(t, []resolution.ID{41, 43}, s.Inserted)
	assert.Equal(t, []resolution.ID{42, 44}, s.Failed)
	assert.Equal(t, Counts{Inserted: 2, Failed: 2}, s.Counts)

	byID := map[resolution.ID]Outcome{}
	for _, o := range s.Outcomes {
		byID[o.ID] = o
	}
	assert.Equal(t, ReasonExtraction, byID[42].Reason)
	assert.Contains(t, byID[42].Error, "malformed document")
	assert.Equal(t, ReasonFetch, byID[44].Reason)

	count, err := h.store.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, count, "malformed documents leave a failed placeholder, fetch failures leave nothing")
}

func TestRunConcurrentDistinctIdentifiers(t *testing.T) {
	t.Parallel()

	p := newPortal()
	ids := make([]resolution.ID, 0, 40)
	for i := 40; i >= 1; i-- {
		id := resolution.ID(i)
		p.set(id, page(fmt.Sprintf("Resolution %d", i), "J. Doe", "Adopted"))
		ids = append(ids, id, id)
	}
	h := newHarness(t, p, Config{Concurrency: 8})

	s, err := h.orch.Run(context.Background(), ids)
	require.NoError(t, err)
	require.Len(t, s.Inserted, 40)
	for i := 1; i < len(s.Inserted); i++ {
		assert.Less(t, s.Inserted[i-1], s.Inserted[i], "buckets are sorted ascending")
	}
	count, err := h.store.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 40, count)
	assert.Equal(t, int32(40), p.calls.Load(), "duplicate identifiers are processed once")
}

type gatedFetcher struct {
	*portal
	started chan resolution.ID
	release chan struct{}
}

func (g *gatedFetcher) Fetch(ctx context.Context, id resolution.ID) (resolution.Document, error) {
	g.started <- id
	<-g.release
	return g.portal.Fetch(ctx, id)
}

func TestRunCancellationFinishesInFlight(t *testing.T) {
	t.Parallel()

	p := newPortal()
	for i := 1; i <= 10; i++ {
		p.set(resolution.ID(i), page("T", "S", "Adopted"))
	}
	g := &gatedFetcher{portal: p, started: make(chan resolution.ID, 10), release: make(chan struct{})}
	h := newHarness(t, g, Config{Concurrency: 2})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Summary, 1)
	go func() {
		s, err := h.orch.Run(ctx, []resolution.ID{1, 2, 3, 4, 5, 6, 7, 8, 9, 10})
		assert.NoError(t, err)
		done <- s
	}()

	<-g.started
	<-g.started
	cancel()
	close(g.release)

	var s Summary
	select {
	case s = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish after cancellation")
	}
	assert.True(t, s.Canceled)
	assert.GreaterOrEqual(t, len(s.Inserted), 2, "in-flight identifiers complete and are persisted")
	assert.Empty(t, s.Failed)
	assert.NotEmpty(t, s.NotAttempted)
	assert.Equal(t, 10, len(s.Inserted)+len(s.NotAttempted))
	assert.Equal(t, resolution.ID(10), s.NotAttempted[len(s.NotAttempted)-1])
}

type flakyReconciler struct {
	inner  Reconciler
	failOn resolution.ID
}

func (f *flakyReconciler) Reconcile(ctx context.Context, candidate resolution.Record) (reconcile.Result, error) {
	if candidate.ID == f.failOn {
		return reconcile.Result{}, &resolution.PersistenceError{ID: candidate.ID, Op: "put", Err: errors.New("disk full")}
	}
	return f.inner.Reconcile(ctx, candidate)
}

func TestRunPersistenceErrors(t *testing.T) {
	t.Parallel()

	newRun := func(abort bool) (Summary, error) {
		p := newPortal()
		for i := 1; i <= 5; i++ {
			p.set(resolution.ID(i), page("T", "S", "Adopted"))
		}
		store := memory.NewArchiveStore()
		rec := &flakyReconciler{inner: reconcile.New(store, system.New(), nil), failOn: 2}
		h := newHarnessWithReconciler(t, p, Config{Concurrency: 1, AbortOnPersistenceError: abort}, rec)
		return h.orch.Run(context.Background(), []resolution.ID{1, 2, 3, 4, 5})
	}

	s, err := newRun(false)
	require.NoError(t, err)
	assert.Equal(t, []resolution.ID{1, 3, 4, 5}, s.Inserted)
	assert.Equal(t, []resolution.ID{2}, s.Failed)

	s, err = newRun(true)
	require.Error(t, err)
	assert.True(t, resolution.IsPersistence(err))
	assert.Equal(t, []resolution.ID{2}, s.Failed)
	assert.Contains(t, s.NotAttempted, resolution.ID(4))
	assert.Contains(t, s.NotAttempted, resolution.ID(5))
	for _, o := range s.Outcomes {
		if o.ID == 2 {
			assert.Equal(t, ReasonPersistence, o.Reason)
		}
	}
}

func TestRunAbortStopsDispatchDeterministically(t *testing.T) {
	t.Parallel()

	// With one worker the dispatcher is already blocked handing over 3 when 2
	// aborts; 3 must never be processed.
	for i := 0; i < 25; i++ {
		p := newPortal()
		for id := 1; id <= 5; id++ {
			p.set(resolution.ID(id), page("T", "S", "Adopted"))
		}
		store := memory.NewArchiveStore()
		rec := &flakyReconciler{inner: reconcile.New(store, system.New(), nil), failOn: 2}
		h := newHarnessWithReconciler(t, p, Config{Concurrency: 1, AbortOnPersistenceError: true}, rec)

		s, err := h.orch.Run(context.Background(), []resolution.ID{1, 2, 3, 4, 5})
		require.Error(t, err)
		require.Equal(t, []resolution.ID{1}, s.Inserted, "iteration %d", i)
		require.Equal(t, []resolution.ID{2}, s.Failed, "iteration %d", i)
		require.Equal(t, []resolution.ID{3, 4, 5}, s.NotAttempted, "iteration %d", i)
		require.Equal(t, int32(2), p.calls.Load(), "iteration %d", i)
		require.Len(t, s.Outcomes, 2)
	}
}

type slowFetcher struct{}

func (slowFetcher) Fetch(ctx context.Context, _ resolution.ID) (resolution.Document, error) {
	<-ctx.Done()
	return resolution.Document{}, ctx.Err()
}

func TestRunFetchTimeoutIsAFetchFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, slowFetcher{}, Config{FetchTimeout: 20 * time.Millisecond})
	s, err := h.orch.Run(context.Background(), []resolution.ID{9})
	require.NoError(t, err)
	assert.Equal(t, []resolution.ID{9}, s.Failed)
	assert.Equal(t, ReasonFetch, s.Outcomes[0].Reason)
	assert.Contains(t, s.Outcomes[0].Error, "timeout")
}

func TestPreviewDoesNotPersist(t *testing.T) {
	t.Parallel()

	p := newPortal()
	p.set(100, page("Approve Budget", "J. Doe", ""))
	h := newHarness(t, p, Config{})

	rec, err := h.orch.Preview(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, resolution.QualityPartial, rec.Quality)
	assert.Equal(t, "Approve Budget", rec.Fields.Title.OrZero())

	count, err := h.store.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Zero(t, h.snapshots.Len())

	_, err = h.orch.Preview(context.Background(), 404)
	var ferr *resolution.FetchError
	require.True(t, errors.As(err, &ferr))
}

func TestNewValidatesDeps(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, Deps{}, nil)
	require.Error(t, err)
}

func TestNormalizeIDs(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []resolution.ID{1, 2, 5}, NormalizeIDs([]resolution.ID{5, 1, 2, 5, 1}))
	assert.Empty(t, NormalizeIDs(nil))
}

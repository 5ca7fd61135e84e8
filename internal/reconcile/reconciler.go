// Package reconcile decides whether a freshly built record replaces the archived one.
package reconcile

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/iqm-resolution-archiver/internal/resolution"
)

// Decision is the outcome of reconciling one candidate.
type Decision string

// Decisions.
const (
	DecisionInsert Decision = "insert"
	DecisionUpdate Decision = "update"
	DecisionSkip   Decision = "skip"
)

// Result reports what happened to one identifier.
type Result struct {
	Decision Decision
	// Record is the row as it stands after reconciliation.
	Record resolution.StoredRecord
	// Changed lists the attributes that differ from the previously stored row.
	Changed []resolution.Attribute
}

// Decide applies the reconciliation policy. stored is nil when no row exists.
//
// A missing row is always inserted, even for a failed candidate, so the
// identifier is known to the archive. An existing row is replaced only when the
// candidate's quality is strictly higher, or when its content differs and its
// quality is not lower. A failed candidate never replaces anything.
func Decide(stored *resolution.StoredRecord, candidate resolution.Record) (Decision, []resolution.Attribute) {
	if stored == nil {
		return DecisionInsert, nil
	}
	if candidate.Quality == resolution.QualityFailed {
		return DecisionSkip, nil
	}
	changed := stored.Fields.Diff(candidate.Fields)
	have, want := stored.Quality.Rank(), candidate.Quality.Rank()
	switch {
	case want > have:
		return DecisionUpdate, changed
	case want == have && len(changed) > 0:
		return DecisionUpdate, changed
	default:
		return DecisionSkip, nil
	}
}

// Reconciler is the only component that reads or writes the archive.
type Reconciler struct {
	store  resolution.Store
	clock  resolution.Clock
	logger *zap.Logger
	locks  *keyedMutex
}

// New constructs a Reconciler.
func New(store resolution.Store, clock resolution.Clock, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		store:  store,
		clock:  clock,
		logger: logger.Named("reconciler"),
		locks:  newKeyedMutex(),
	}
}

// Reconcile compares candidate with the stored row and inserts, updates or skips.
// Reconciliations for the same identifier never interleave; distinct identifiers
// proceed concurrently.
func (r *Reconciler) Reconcile(ctx context.Context, candidate resolution.Record) (Result, error) {
	unlock := r.locks.lock(candidate.ID)
	defer unlock()

	var res Result
	err := r.store.Atomically(ctx, candidate.ID, func(ctx context.Context, tx resolution.StoreTx) error {
		res = Result{}
		var stored *resolution.StoredRecord
		row, err := tx.Get(ctx, candidate.ID)
		switch {
		case err == nil:
			stored = &row
		case errors.Is(err, resolution.ErrNotFound):
		default:
			return &resolution.PersistenceError{ID: candidate.ID, Op: "get", Err: err}
		}

		decision, changed := Decide(stored, candidate)
		res.Decision = decision
		res.Changed = changed
		if decision == DecisionSkip {
			res.Record = *stored
			return nil
		}

		now := r.clock.Now()
		next := resolution.StoredRecord{
			Record:      candidate,
			ContentHash: candidate.Fingerprint(),
			FirstSeenAt: now,
			UpdatedAt:   now,
		}
		if stored != nil {
			next.FirstSeenAt = stored.FirstSeenAt
		}
		if err := tx.Put(ctx, next); err != nil {
			return &resolution.PersistenceError{ID: candidate.ID, Op: "put", Err: err}
		}
		res.Record = next
		return nil
	})
	if err != nil {
		if !resolution.IsPersistence(err) {
			err = &resolution.PersistenceError{ID: candidate.ID, Op: "transaction", Err: err}
		}
		return Result{}, err
	}

	r.logger.Debug("reconciled",
		zap.Int64("resolution_id", int64(candidate.ID)),
		zap.String("decision", string(res.Decision)),
		zap.String("quality", string(candidate.Quality)),
		zap.Int("changed", len(res.Changed)),
	)
	return res, nil
}

// keyedMutex serializes work per identifier and forgets identifiers nobody holds.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[resolution.ID]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[resolution.ID]*refMutex)}
}

func (k *keyedMutex) lock(id resolution.ID) func() {
	k.mu.Lock()
	m, ok := k.locks[id]
	if !ok {
		m = &refMutex{}
		k.locks[id] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

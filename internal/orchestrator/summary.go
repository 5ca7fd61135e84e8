package orchestrator

import (
	"sort"
	"time"

	"github.com/JakeFAU/iqm-resolution-archiver/internal/reconcile"
	"github.com/JakeFAU/iqm-resolution-archiver/internal/resolution"
)

// Failure reasons reported on an Outcome.
const (
	ReasonFetch       = "fetch"
	ReasonExtraction  = "extraction"
	ReasonPersistence = "persistence"
)

// Outcome is what happened to one identifier.
type Outcome struct {
	ID          resolution.ID          `json:"id"`
	Decision    reconcile.Decision     `json:"decision,omitempty"`
	Quality     resolution.Quality     `json:"quality,omitempty"`
	Reason      string                 `json:"reason,omitempty"`
	Error       string                 `json:"error,omitempty"`
	Changed     []resolution.Attribute `json:"changed,omitempty"`
	Diagnostics int                    `json:"diagnostics,omitempty"`
	SnapshotURI string                 `json:"snapshot_uri,omitempty"`

	err error
}

// Failed reports whether the identifier lands in the failed bucket.
func (o Outcome) Failed() bool {
	return o.Reason != "" || o.Quality == resolution.QualityFailed
}

// Summary reports a whole run. Identifier lists are sorted ascending.
type Summary struct {
	RunID        string          `json:"run_id"`
	StartedAt    time.Time       `json:"started_at"`
	FinishedAt   time.Time       `json:"finished_at"`
	Canceled     bool            `json:"canceled,omitempty"`
	Inserted     []resolution.ID `json:"inserted"`
	Updated      []resolution.ID `json:"updated"`
	Skipped      []resolution.ID `json:"skipped"`
	Failed       []resolution.ID `json:"failed"`
	NotAttempted []resolution.ID `json:"not_attempted,omitempty"`
	Counts       Counts          `json:"counts"`
	Outcomes     []Outcome       `json:"outcomes"`
}

// Counts mirrors the bucket sizes.
type Counts struct {
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
}

// summarize buckets outcomes by identifier, independent of completion order.
func summarize(outcomes []Outcome, dispatched map[resolution.ID]bool, ids []resolution.ID) Summary {
	sorted := append([]Outcome(nil), outcomes...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	s := Summary{
		Inserted: []resolution.ID{},
		Updated:  []resolution.ID{},
		Skipped:  []resolution.ID{},
		Failed:   []resolution.ID{},
		Outcomes: sorted,
	}
	for _, o := range sorted {
		switch {
		case o.Failed():
			s.Failed = append(s.Failed, o.ID)
		case o.Decision == reconcile.DecisionInsert:
			s.Inserted = append(s.Inserted, o.ID)
		case o.Decision == reconcile.DecisionUpdate:
			s.Updated = append(s.Updated, o.ID)
		default:
			s.Skipped = append(s.Skipped, o.ID)
		}
	}
	for _, id := range ids {
		if !dispatched[id] {
			s.NotAttempted = append(s.NotAttempted, id)
		}
	}
	s.Counts = Counts{
		Inserted: len(s.Inserted),
		Updated:  len(s.Updated),
		Skipped:  len(s.Skipped),
		Failed:   len(s.Failed),
	}
	return s
}

// NormalizeIDs de-duplicates ids and sorts them ascending.
func NormalizeIDs(ids []resolution.ID) []resolution.ID {
	seen := make(map[resolution.ID]struct{}, len(ids))
	out := make([]resolution.ID, 0, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

package reconcile

import (
	"time"

	"github.com/fentz26/vaultsync/internal/connectors"
)

// SourceResult is the outcome of one source within a cycle.
type SourceResult struct {
	Source  string               `json:"source"`
	Success bool                 `json:"success"`
	Skipped bool                 `json:"skipped,omitempty"`
	Kind    connectors.ErrorKind `json:"error_kind,omitempty"`
	Error   string               `json:"error,omitempty"`

	Upserted int `json:"upserted"`
	Pruned   int `json:"pruned"`
	// Written counts entries handed to the write command.
	Written int `json:"written,omitempty"`
	// Incremental is true when the adapter was given a last sync time.
	Incremental bool `json:"incremental"`

	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// CycleReport summarises a sync cycle. Failures are recorded here, never raised.
type CycleReport struct {
	ID        string         `json:"id"`
	StartedAt time.Time      `json:"started_at"`
	EndedAt   time.Time      `json:"ended_at"`
	Results   []SourceResult `json:"results"`
}

// Failed returns the results of sources that did not sync.
func (r *CycleReport) Failed() []SourceResult {
	var out []SourceResult
	for _, res := range r.Results {
		if !res.Success && !res.Skipped {
			out = append(out, res)
		}
	}
	return out
}

// OK reports whether every attempted source succeeded.
func (r *CycleReport) OK() bool {
	return len(r.Failed()) == 0
}

// Result returns the result for a source id.
func (r *CycleReport) Result(source string) (SourceResult, bool) {
	for _, res := range r.Results {
		if res.Source == source {
			return res, true
		}
	}
	return SourceResult{}, false
}

// Totals sums upserts and prunes across sources.
func (r *CycleReport) Totals() (upserted, pruned int) {
	for _, res := range r.Results {
		upserted += res.Upserted
		pruned += res.Pruned
	}
	return upserted, pruned
}

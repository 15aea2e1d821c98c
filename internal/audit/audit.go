// Package audit records an audit trail of sync runs for vaultsync.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/fentz26/vaultsync/internal/models"
)

// Outcomes recorded for a sync run.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeSkipped = "skipped"
)

// RunStore persists sync runs.
type RunStore interface {
	RecordSyncRun(ctx context.Context, run *models.SyncRun) error
}

// Recorder writes sync run records for audit trails.
type Recorder struct {
	store RunStore
}

// NewRecorder creates a new sync run recorder.
func NewRecorder(s RunStore) *Recorder {
	return &Recorder{store: s}
}

// Inputs identifies what an adapter was asked to do.
type Inputs struct {
	Source     string         `json:"source"`
	Settings   map[string]any `json:"settings,omitempty"`
	LastSync   *time.Time     `json:"last_sync,omitempty"`
	FileFilter []string       `json:"file_filter,omitempty"`
}

// Record writes one run. A nil Recorder records nothing.
func (r *Recorder) Record(ctx context.Context, cycleID string, inputs Inputs, run models.SyncRun) (*models.SyncRun, error) {
	if r == nil || r.store == nil {
		return &run, nil
	}
	run.CycleID = cycleID
	run.Source = inputs.Source
	run.InputsHash = HashInputs(inputs)
	if err := r.store.RecordSyncRun(ctx, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// HashInputs creates a SHA256 hash of the inputs for reproducibility.
func HashInputs(inputs interface{}) string {
	data, err := json.Marshal(inputs)
	if err != nil {
		return "hash_error"
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// Package models defines the core domain types for vaultsync.
package models

import (
	"time"
)

// Capability declares which directions a source supports.
type Capability string

const (
	CapabilityReadOnly  Capability = "read-only"
	CapabilityWriteOnly Capability = "write-only"
	CapabilityReadWrite Capability = "read-write"
)

// Valid reports whether c is a known capability. The empty value means read-only.
func (c Capability) Valid() bool {
	switch c {
	case "", CapabilityReadOnly, CapabilityWriteOnly, CapabilityReadWrite:
		return true
	}
	return false
}

// CanRead reports whether the source produces entries.
func (c Capability) CanRead() bool {
	return c != CapabilityWriteOnly
}

// CanWrite reports whether the source consumes store entries.
func (c Capability) CanWrite() bool {
	return c == CapabilityWriteOnly || c == CapabilityReadWrite
}

// EntryType is the declared payload type of a source's entries.
type EntryType string

const (
	EntryTypeTasks         EntryType = "tasks"
	EntryTypeIssues        EntryType = "issues"
	EntryTypeTimeLogs      EntryType = "time-logs"
	EntryTypeHealthMetrics EntryType = "health-metrics"
	EntryTypeContext       EntryType = "context"
)

// Source is one configured instance of a plugin, e.g. markdown-tasks/work.
// Sources are immutable for the duration of a sync cycle.
type Source struct {
	Plugin       string         `json:"plugin"`
	Name         string         `json:"name"`
	Enabled      bool           `json:"enabled"`
	ReadCommand  []string       `json:"read_command,omitempty"`
	WriteCommand []string       `json:"write_command,omitempty"`
	WorkDir      string         `json:"work_dir,omitempty"`
	Settings     map[string]any `json:"settings,omitempty"`
	Required     []string       `json:"required,omitempty"`
	Capability   Capability     `json:"capability"`
	EntryType    EntryType      `json:"entry_type"`
	Incremental  bool           `json:"incremental"`
	Timeout      time.Duration  `json:"timeout"`
}

// ID returns the plugin/name identifier used as the store key.
func (s Source) ID() string {
	return s.Plugin + "/" + s.Name
}

// MissingSettings returns the required settings that are absent or empty.
func (s Source) MissingSettings() []string {
	var missing []string
	for _, key := range s.Required {
		v, ok := s.Settings[key]
		if !ok || v == nil {
			missing = append(missing, key)
			continue
		}
		if str, isStr := v.(string); isStr && str == "" {
			missing = append(missing, key)
		}
	}
	return missing
}

// Watermark is the per-source record of the last successful sync.
type Watermark struct {
	Source         string     `json:"source"`
	LastSync       *time.Time `json:"last_sync,omitempty"`
	FilesProcessed []string   `json:"files_processed,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// SyncRun is the audit record of one source's sync attempt.
type SyncRun struct {
	ID         string    `json:"id"`
	CycleID    string    `json:"cycle_id"`
	Source     string    `json:"source"`
	InputsHash string    `json:"inputs_hash"`
	Outcome    string    `json:"outcome"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	Details    string    `json:"details,omitempty"`
	Upserted   int       `json:"upserted"`
	Pruned     int       `json:"pruned"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
}

// Package connectors defines the adapter contract for vaultsync sources.
package connectors

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fentz26/vaultsync/internal/models"
)

// Request is everything an adapter receives for one invocation.
type Request struct {
	Source      models.Source
	ProjectRoot string
	// LastSync is nil on a full read.
	LastSync *time.Time
	// FileFilter restricts the adapter to these project-relative paths.
	FileFilter []string
}

// Response is the JSON envelope an adapter prints on success.
//
// FilesProcessed distinguishes nil (whole-source semantics, no pruning) from
// an empty list (scope given, nothing in it).
type Response struct {
	Entries        []json.RawMessage `json:"entries"`
	FilesProcessed []string          `json:"files_processed,omitempty"`
	Incremental    bool              `json:"incremental"`
	Metadata       map[string]any    `json:"metadata,omitempty"`
	Error          string            `json:"error,omitempty"`
}

// Scoped reports whether the adapter declared which files it processed.
func (r *Response) Scoped() bool {
	return r.FilesProcessed != nil
}

// Outcome tells a Finisher how its source's merge went.
type Outcome struct {
	Success  bool
	Err      error
	Upserted int
	Pruned   int
}

// Adapter produces entries for one source.
type Adapter interface {
	// Name returns the adapter identifier.
	Name() string

	// Read runs the adapter and returns its envelope.
	Read(ctx context.Context, req Request) (*Response, error)
}

// Writer is implemented by adapters that push store entries back out.
type Writer interface {
	Write(ctx context.Context, req Request, entries []json.RawMessage) error
}

// Finisher is implemented by adapters that need to know whether the merge of
// their output committed.
type Finisher interface {
	Finish(ctx context.Context, req Request, outcome Outcome)
}

// ExecResult holds the raw result of a subprocess execution.
type ExecResult struct {
	Command  string   `json:"command"`
	Args     []string `json:"args"`
	ExitCode int      `json:"exit_code"`
	Stdout   string   `json:"stdout"`
	Stderr   string   `json:"stderr"`
}

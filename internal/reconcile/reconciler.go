// Package reconcile runs sync cycles: every configured source is read through
// its adapter and merged into the store with its watermark, one transaction
// per source.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/fentz26/vaultsync/internal/audit"
	"github.com/fentz26/vaultsync/internal/connectors"
	"github.com/fentz26/vaultsync/internal/metrics"
	"github.com/fentz26/vaultsync/internal/models"
	"github.com/fentz26/vaultsync/internal/store"
)

// Store is what the reconciler needs from persistence.
type Store interface {
	GetWatermark(ctx context.Context, source string) (*models.Watermark, error)
	ApplySourceBatch(ctx context.Context, b store.SourceBatch) (*store.ApplyResult, error)
	EntriesOfType(ctx context.Context, typ models.EntryType) ([]store.StoredEntry, error)
	RecordSyncRun(ctx context.Context, run *models.SyncRun) error
}

// Config configures a Reconciler.
type Config struct {
	ProjectRoot string
	// Concurrency bounds how many sources run at once (default 1).
	Concurrency int
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
}

// CycleOptions tune one cycle.
type CycleOptions struct {
	// Only restricts the cycle to these source ids.
	Only []string
	// Full ignores watermarks so every source does a full read.
	Full bool
}

// Reconciler owns all store-side rows; adapters own their sources.
type Reconciler struct {
	store    Store
	registry *Registry
	recorder *audit.Recorder
	cfg      Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// New creates a Reconciler.
func New(st Store, reg *Registry, cfg Config) *Reconciler {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		store:    st,
		registry: reg,
		recorder: audit.NewRecorder(st),
		cfg:      cfg,
		logger:   logger,
		metrics:  cfg.Metrics,
		now:      time.Now,
	}
}

// RunCycle syncs every enabled source and always returns a report.
func (r *Reconciler) RunCycle(ctx context.Context, sources []models.Source, opts CycleOptions) *CycleReport {
	report := &CycleReport{ID: uuid.New().String(), StartedAt: r.now()}
	only := make(map[string]bool, len(opts.Only))
	for _, id := range opts.Only {
		only[id] = true
	}

	var selected []models.Source
	for _, src := range sources {
		if len(only) > 0 && !only[src.ID()] {
			continue
		}
		selected = append(selected, src)
	}
	report.Results = make([]SourceResult, len(selected))

	r.logger.Info("Sync cycle started", "cycle", report.ID, "sources", len(selected))

	var g errgroup.Group
	g.SetLimit(r.cfg.Concurrency)
	for i, src := range selected {
		i, src := i, src
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				report.Results[i] = r.finish(ctx, report.ID, src, audit.Inputs{Source: src.ID()}, SourceResult{
					Source:    src.ID(),
					StartedAt: r.now(),
					Kind:      connectors.KindCancelled,
					Error:     err.Error(),
				})
				return nil
			}
			report.Results[i] = r.SyncSource(ctx, report.ID, src, opts.Full)
			return nil
		})
	}
	_ = g.Wait()

	report.EndedAt = r.now()
	failed := len(report.Failed())
	r.metrics.ObserveCycle(failed, report.EndedAt.Sub(report.StartedAt))
	upserted, pruned := report.Totals()
	r.logger.Info("Sync cycle finished",
		"cycle", report.ID,
		"failed", failed,
		"upserted", upserted,
		"pruned", pruned,
		"duration", report.EndedAt.Sub(report.StartedAt))
	return report
}

// SyncSource runs read, merge and write-back for one source. It never
// returns an error; failures are classified in the result.
func (r *Reconciler) SyncSource(ctx context.Context, cycleID string, src models.Source, full bool) SourceResult {
	res := SourceResult{Source: src.ID(), StartedAt: r.now()}
	inputs := audit.Inputs{Source: src.ID(), Settings: src.Settings}
	logger := r.logger.With("source", src.ID())

	if !src.Enabled {
		res.Skipped = true
		return res
	}

	fail := func(kind connectors.ErrorKind, err error) SourceResult {
		res.Kind = kind
		res.Error = err.Error()
		return r.finish(ctx, cycleID, src, inputs, res)
	}

	if missing := src.MissingSettings(); len(missing) > 0 {
		return fail(connectors.KindNotConfigured, fmt.Errorf("missing required settings %v", missing))
	}
	adapter, err := r.registry.Resolve(src)
	if err != nil {
		return fail(connectors.KindNotConfigured, err)
	}

	req := connectors.Request{Source: src, ProjectRoot: r.cfg.ProjectRoot}

	if src.Capability.CanRead() {
		wm, err := r.store.GetWatermark(ctx, src.ID())
		if err != nil {
			return fail(connectors.KindStoreWrite, err)
		}
		if src.Incremental && !full && wm != nil && wm.LastSync != nil {
			last := *wm.LastSync
			req.LastSync = &last
			res.Incremental = true
		}
		inputs.LastSync = req.LastSync
		inputs.FileFilter = req.FileFilter

		invokedAt := r.now()
		resp, err := adapter.Read(ctx, req)
		if err != nil {
			return fail(connectors.KindOf(err), err)
		}

		applied, err := r.merge(ctx, src, req, resp, invokedAt, logger)
		if finisher, ok := adapter.(connectors.Finisher); ok {
			outcome := connectors.Outcome{Success: err == nil, Err: err}
			if applied != nil {
				outcome.Upserted, outcome.Pruned = applied.Upserted, applied.Pruned
			}
			finisher.Finish(ctx, req, outcome)
		}
		if err != nil {
			return fail(connectors.KindOf(err), err)
		}
		res.Upserted, res.Pruned = applied.Upserted, applied.Pruned
	}

	if src.Capability.CanWrite() {
		n, err := r.writeBack(ctx, adapter, req)
		if err != nil {
			return fail(connectors.KindOf(err), err)
		}
		res.Written = n
	}

	res.Success = true
	return r.finish(ctx, cycleID, src, inputs, res)
}

// merge validates the envelope's entries and applies them in one transaction.
func (r *Reconciler) merge(ctx context.Context, src models.Source, req connectors.Request, resp *connectors.Response, invokedAt time.Time, logger *slog.Logger) (*store.ApplyResult, error) {
	entries, err := decodeEntries(resp.Entries, src.EntryType)
	if err != nil {
		return nil, connectors.NewError(connectors.KindBadOutput, src.ID(), err)
	}

	if req.LastSync != nil && !resp.Scoped() {
		logger.Warn("Incremental response without files_processed, skipping prune")
	}

	applied, err := r.store.ApplySourceBatch(ctx, store.SourceBatch{
		Source:         src.ID(),
		EntryType:      src.EntryType,
		Entries:        entries,
		FilesProcessed: resp.FilesProcessed,
		SyncedAt:       invokedAt,
	})
	if err != nil {
		return nil, connectors.NewError(connectors.KindStoreWrite, src.ID(), err)
	}
	return applied, nil
}

// decodeEntries validates every entry. A later entry with the same id
// replaces an earlier one.
func decodeEntries(raw []json.RawMessage, typ models.EntryType) ([]models.Entry, error) {
	out := make([]models.Entry, 0, len(raw))
	index := make(map[string]int, len(raw))
	for i, doc := range raw {
		e, err := models.DecodeEntry(doc, typ)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		if j, dup := index[e.ID]; dup {
			out[j] = e
			continue
		}
		index[e.ID] = len(out)
		out = append(out, e)
	}
	return out, nil
}

func (r *Reconciler) writeBack(ctx context.Context, adapter connectors.Adapter, req connectors.Request) (int, error) {
	writer, ok := adapter.(connectors.Writer)
	if !ok {
		return 0, connectors.NewError(connectors.KindNotConfigured, req.Source.ID(),
			errors.New("adapter cannot write"))
	}
	stored, err := r.store.EntriesOfType(ctx, req.Source.EntryType)
	if err != nil {
		return 0, connectors.NewError(connectors.KindStoreWrite, req.Source.ID(), err)
	}
	payloads := make([]json.RawMessage, 0, len(stored))
	for _, e := range stored {
		payloads = append(payloads, e.Payload)
	}
	if err := writer.Write(ctx, req, payloads); err != nil {
		return 0, err
	}
	return len(payloads), nil
}

// finish stamps the duration, then logs, meters and audits the result.
func (r *Reconciler) finish(ctx context.Context, cycleID string, src models.Source, inputs audit.Inputs, res SourceResult) SourceResult {
	ended := r.now()
	res.Duration = ended.Sub(res.StartedAt)

	logger := r.logger.With("source", src.ID(), "cycle", cycleID)
	outcome := audit.OutcomeSuccess
	if res.Success {
		logger.Info("Source synced",
			"upserted", res.Upserted,
			"pruned", res.Pruned,
			"incremental", res.Incremental,
			"duration", res.Duration)
	} else {
		outcome = audit.OutcomeFailure
		logger.Warn("Source failed", "kind", res.Kind, "error", res.Error)
	}
	r.metrics.ObserveSource(src.ID(), res.Success, string(res.Kind), res.Upserted, res.Pruned, res.Duration)

	// The audit write must not be lost to a cancelled cycle.
	auditCtx := context.WithoutCancel(ctx)
	if _, err := r.recorder.Record(auditCtx, cycleID, inputs, models.SyncRun{
		Outcome:   outcome,
		ErrorKind: string(res.Kind),
		Details:   res.Error,
		Upserted:  res.Upserted,
		Pruned:    res.Pruned,
		StartedAt: res.StartedAt,
		EndedAt:   ended,
	}); err != nil {
		logger.Warn("Failed to record sync run", "error", err)
	}
	return res
}

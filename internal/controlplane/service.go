// Package controlplane provides the HTTP API and service layer for vaultsync.
package controlplane

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fentz26/vaultsync/internal/models"
	"github.com/fentz26/vaultsync/internal/reconcile"
	"github.com/fentz26/vaultsync/internal/store"
)

// Version is reported by /health. It is set at build time.
var Version = "dev"

// Cycles starts and reports sync cycles. *scheduler.Scheduler implements it.
type Cycles interface {
	Trigger(origin string, opts reconcile.CycleOptions)
	LastReport() *reconcile.CycleReport
	GetStats() map[string]interface{}
}

// SourceFunc returns the configured sources.
type SourceFunc func() ([]models.Source, error)

// Service wraps the store and the scheduler with business logic.
type Service struct {
	store   *store.Store
	cycles  Cycles
	sources SourceFunc
	logger  *slog.Logger
	now     func() time.Time
}

// NewService creates a new service. logger may be nil.
func NewService(st *store.Store, cycles Cycles, sources SourceFunc, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   st,
		cycles:  cycles,
		sources: sources,
		logger:  logger,
		now:     time.Now,
	}
}

// HealthResponse is the /health payload.
type HealthResponse struct {
	OK        bool                   `json:"ok"`
	DB        string                 `json:"db"`
	Version   string                 `json:"version"`
	Time      string                 `json:"time"`
	Scheduler map[string]interface{} `json:"scheduler,omitempty"`
}

// Health reports whether the store answers.
func (s *Service) Health(ctx context.Context) HealthResponse {
	h := HealthResponse{
		OK:      true,
		DB:      "ok",
		Version: Version,
		Time:    s.now().UTC().Format(time.RFC3339),
	}
	if err := s.store.Ping(ctx); err != nil {
		h.OK = false
		h.DB = err.Error()
	}
	if s.cycles != nil {
		h.Scheduler = s.cycles.GetStats()
	}
	return h
}

// --- Source Operations ---

// SourceStatus is a configured source with its sync state.
type SourceStatus struct {
	ID          string            `json:"id"`
	Plugin      string            `json:"plugin"`
	Name        string            `json:"name"`
	Enabled     bool              `json:"enabled"`
	EntryType   models.EntryType  `json:"entry_type"`
	Capability  models.Capability `json:"capability"`
	Incremental bool              `json:"incremental"`
	Entries     int               `json:"entries"`
	LastSync    *time.Time        `json:"last_sync,omitempty"`
	LastRun     *models.SyncRun   `json:"last_run,omitempty"`
}

// Sources lists every configured source with its watermark, entry count
// and latest sync run.
func (s *Service) Sources(ctx context.Context) ([]SourceStatus, error) {
	sources, err := s.sources()
	if err != nil {
		return nil, fmt.Errorf("load sources: %w", err)
	}
	counts, err := s.store.CountEntries(ctx)
	if err != nil {
		return nil, err
	}
	watermarks, err := s.store.ListWatermarks(ctx)
	if err != nil {
		return nil, err
	}
	lastSync := make(map[string]*time.Time, len(watermarks))
	for _, wm := range watermarks {
		lastSync[wm.Source] = wm.LastSync
	}

	out := make([]SourceStatus, 0, len(sources))
	for _, src := range sources {
		id := src.ID()
		st := SourceStatus{
			ID:          id,
			Plugin:      src.Plugin,
			Name:        src.Name,
			Enabled:     src.Enabled,
			EntryType:   src.EntryType,
			Capability:  src.Capability,
			Incremental: src.Incremental,
			Entries:     counts[id],
			LastSync:    lastSync[id],
		}
		runs, err := s.store.ListSyncRuns(ctx, id, 1)
		if err != nil {
			return nil, err
		}
		if len(runs) > 0 {
			st.LastRun = &runs[0]
		}
		out = append(out, st)
	}
	return out, nil
}

// ResetSource forgets a source's watermark so its next read is full.
func (s *Service) ResetSource(ctx context.Context, source string) error {
	if err := s.checkSource(source); err != nil {
		return err
	}
	if err := s.store.ResetWatermark(ctx, source); err != nil {
		return fmt.Errorf("reset watermark: %w", err)
	}
	s.logger.Info("Watermark reset", "source", source)
	return nil
}

// Entries returns the stored entries of one source.
func (s *Service) Entries(ctx context.Context, source string) ([]store.StoredEntry, error) {
	if err := s.checkSource(source); err != nil {
		return nil, err
	}
	return s.store.ListEntries(ctx, source)
}

func (s *Service) checkSource(ids ...string) error {
	sources, err := s.sources()
	if err != nil {
		return fmt.Errorf("load sources: %w", err)
	}
	known := make(map[string]bool, len(sources))
	for _, src := range sources {
		known[src.ID()] = true
	}
	for _, id := range ids {
		if !known[id] {
			return fmt.Errorf("%w: %s", ErrUnknownSource, id)
		}
	}
	return nil
}

// SyncRuns returns the audit trail, newest first.
func (s *Service) SyncRuns(ctx context.Context, source string, limit int) ([]models.SyncRun, error) {
	return s.store.ListSyncRuns(ctx, source, limit)
}

// --- Cycle Operations ---

// RequestSync asks the scheduler for a cycle. Unknown source ids are rejected.
func (s *Service) RequestSync(origin string, opts reconcile.CycleOptions) error {
	if len(opts.Only) > 0 {
		if err := s.checkSource(opts.Only...); err != nil {
			return err
		}
	}
	s.cycles.Trigger(origin, opts)
	s.logger.Info("Sync requested", "origin", origin, "only", opts.Only, "full", opts.Full)
	return nil
}

// LastCycle returns the report of the most recent cycle.
func (s *Service) LastCycle() (*reconcile.CycleReport, error) {
	report := s.cycles.LastReport()
	if report == nil {
		return nil, ErrNoCycle
	}
	return report, nil
}

// --- Task Operations ---

// ListTasks returns tasks matching the filter.
func (s *Service) ListTasks(ctx context.Context, f store.TaskFilter) ([]models.Task, error) {
	return s.store.ListTasks(ctx, f)
}

// Today returns open tasks due today.
func (s *Service) Today(ctx context.Context) ([]models.Task, error) {
	return s.store.DueOn(ctx, s.now().Format(models.DateLayout))
}

// GetTask returns one task.
func (s *Service) GetTask(ctx context.Context, source, id string) (*models.Task, error) {
	task, err := s.store.GetTask(ctx, source, id)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, ErrTaskNotFound
	}
	return task, nil
}

// SetStage moves a task to a new stage and asks for a cycle of its source
// so the change reaches the markdown.
func (s *Service) SetStage(ctx context.Context, source, id, stage string) (*models.Task, error) {
	st, ok := models.ParseStage(stage)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStage, stage)
	}
	if err := s.store.SetTaskStage(ctx, source, id, st); err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}
	s.logger.Info("Task stage changed", "source", source, "task", id, "stage", st)
	if s.cycles != nil {
		s.cycles.Trigger("stage", reconcile.CycleOptions{Only: []string{source}})
	}
	return s.GetTask(ctx, source, id)
}

// Hold sets or clears a task's hold flag.
func (s *Service) Hold(ctx context.Context, source, id string, held bool) (*models.Task, error) {
	if err := s.store.HoldTask(ctx, source, id, held); err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}
	s.logger.Info("Task hold changed", "source", source, "task", id, "held", held)
	return s.GetTask(ctx, source, id)
}

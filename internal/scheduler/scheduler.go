// Package scheduler runs sync cycles on an interval and on demand.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/fentz26/vaultsync/internal/metrics"
	"github.com/fentz26/vaultsync/internal/models"
	"github.com/fentz26/vaultsync/internal/reconcile"
)

// ErrCycleRunning is returned when another cycle holds the cycle lock.
var ErrCycleRunning = errors.New("another sync cycle is in progress")

// Runner runs one sync cycle.
type Runner interface {
	RunCycle(ctx context.Context, sources []models.Source, opts reconcile.CycleOptions) *reconcile.CycleReport
}

// SourceFunc returns the sources for the next cycle. It is called before
// every cycle so configuration edits apply without a restart.
type SourceFunc func() ([]models.Source, error)

// Scheduler starts cycles on a ticker and on triggers, one at a time.
type Scheduler struct {
	runner  Runner
	sources SourceFunc
	config  *Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	lock    *flock.Flock

	cycleMu sync.Mutex

	// Trigger state; requests that arrive while a cycle runs are merged.
	mu          sync.Mutex
	pending     bool
	pendingAll  bool
	pendingIDs  map[string]bool
	pendingFull bool
	wake        chan struct{}
	retryDelay  time.Duration

	// Stats
	running  bool
	cycles   int
	failures int
	last     *reconcile.CycleReport
	lastErr  error

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithMetrics records triggers on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// New creates a new scheduler.
func New(runner Runner, sources SourceFunc, cfg *Config, opts ...Option) *Scheduler {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	sch := &Scheduler{
		runner:     runner,
		sources:    sources,
		config:     cfg,
		logger:     slog.Default(),
		pendingIDs: make(map[string]bool),
		wake:       make(chan struct{}, 1),
		retryDelay: time.Second,
	}
	for _, opt := range opts {
		opt(sch)
	}
	if cfg.LockPath != "" {
		sch.lock = flock.New(cfg.LockPath)
	}
	return sch
}

// Start begins the scheduler loop.
func (sch *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	sch.cancel = cancel
	sch.wg.Add(1)
	go sch.loop(ctx)
	sch.logger.Info("Scheduler started", "interval", sch.config.Interval)
}

// Stop cancels the running cycle, if any, and waits for the loop to exit.
func (sch *Scheduler) Stop() {
	if sch.cancel == nil {
		return
	}
	sch.cancel()
	sch.wg.Wait()
	sch.logger.Info("Scheduler stopped")
}

func (sch *Scheduler) loop(ctx context.Context) {
	defer sch.wg.Done()

	var tick <-chan time.Time
	if sch.config.Interval > 0 {
		ticker := time.NewTicker(sch.config.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	if sch.config.RunOnStart {
		sch.metrics.ObserveTrigger("start")
		sch.runLogged(ctx, reconcile.CycleOptions{})
	}

	var retry <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			sch.metrics.ObserveTrigger("interval")
			sch.runLogged(ctx, reconcile.CycleOptions{})
		case <-sch.wake:
			if r := sch.runPending(ctx); r != nil {
				retry = r
			}
		case <-retry:
			retry = sch.runPending(ctx)
		}
	}
}

// runPending runs the merged triggers. When the cycle lock is busy they are
// put back and the returned channel fires when to try again.
func (sch *Scheduler) runPending(ctx context.Context) <-chan time.Time {
	opts, ok := sch.takePending()
	if !ok {
		return nil
	}
	_, err := sch.RunOnce(ctx, opts)
	switch {
	case errors.Is(err, ErrCycleRunning):
		sch.mu.Lock()
		sch.merge(opts)
		sch.mu.Unlock()
		sch.logger.Info("Cycle lock busy, triggered cycle deferred", "retry_in", sch.retryDelay)
		return time.After(sch.retryDelay)
	case err != nil && ctx.Err() == nil:
		sch.logger.Error("Sync cycle failed to start", "error", err)
	}
	return nil
}

func (sch *Scheduler) runLogged(ctx context.Context, opts reconcile.CycleOptions) {
	_, err := sch.RunOnce(ctx, opts)
	switch {
	case errors.Is(err, ErrCycleRunning):
		sch.logger.Info("Skipping cycle", "reason", err)
	case err != nil && ctx.Err() == nil:
		sch.logger.Error("Sync cycle failed to start", "error", err)
	}
}

// Trigger requests a cycle as soon as the current one, if any, finishes.
// Requests made in the meantime are merged into one cycle.
func (sch *Scheduler) Trigger(origin string, opts reconcile.CycleOptions) {
	sch.metrics.ObserveTrigger(origin)

	sch.mu.Lock()
	sch.merge(opts)
	sch.mu.Unlock()

	select {
	case sch.wake <- struct{}{}:
	default:
	}
	sch.logger.Debug("Cycle requested", "origin", origin, "only", opts.Only, "full", opts.Full)
}

// merge adds opts to the pending request. The caller holds sch.mu.
func (sch *Scheduler) merge(opts reconcile.CycleOptions) {
	sch.pending = true
	if len(opts.Only) == 0 {
		sch.pendingAll = true
	}
	for _, id := range opts.Only {
		sch.pendingIDs[id] = true
	}
	sch.pendingFull = sch.pendingFull || opts.Full
}

func (sch *Scheduler) takePending() (reconcile.CycleOptions, bool) {
	sch.mu.Lock()
	defer sch.mu.Unlock()

	if !sch.pending {
		return reconcile.CycleOptions{}, false
	}
	opts := reconcile.CycleOptions{Full: sch.pendingFull}
	if !sch.pendingAll {
		for id := range sch.pendingIDs {
			opts.Only = append(opts.Only, id)
		}
		sort.Strings(opts.Only)
	}
	sch.pending = false
	sch.pendingAll = false
	sch.pendingFull = false
	sch.pendingIDs = make(map[string]bool)
	return opts, true
}

// RunOnce runs one cycle now. It fails with ErrCycleRunning instead of
// waiting when another cycle, in this or another process, is running.
func (sch *Scheduler) RunOnce(ctx context.Context, opts reconcile.CycleOptions) (*reconcile.CycleReport, error) {
	if !sch.cycleMu.TryLock() {
		return nil, ErrCycleRunning
	}
	defer sch.cycleMu.Unlock()

	if sch.lock != nil {
		locked, err := sch.lock.TryLock()
		if err != nil {
			return nil, fmt.Errorf("acquire cycle lock: %w", err)
		}
		if !locked {
			return nil, ErrCycleRunning
		}
		defer sch.lock.Unlock()
	}

	sources, err := sch.sources()
	if err != nil {
		sch.mu.Lock()
		sch.lastErr = err
		sch.mu.Unlock()
		return nil, fmt.Errorf("load sources: %w", err)
	}

	sch.setRunning(true)
	report := sch.runner.RunCycle(ctx, sources, opts)
	sch.setRunning(false)

	sch.mu.Lock()
	sch.cycles++
	sch.failures += len(report.Failed())
	sch.last = report
	sch.lastErr = nil
	sch.mu.Unlock()
	return report, nil
}

func (sch *Scheduler) setRunning(v bool) {
	sch.mu.Lock()
	sch.running = v
	sch.mu.Unlock()
}

// LastReport returns the report of the most recent cycle, or nil.
func (sch *Scheduler) LastReport() *reconcile.CycleReport {
	sch.mu.Lock()
	defer sch.mu.Unlock()
	return sch.last
}

// GetStats returns current scheduler statistics.
func (sch *Scheduler) GetStats() map[string]interface{} {
	sch.mu.Lock()
	defer sch.mu.Unlock()

	stats := map[string]interface{}{
		"running":         sch.running,
		"cycles":          sch.cycles,
		"source_failures": sch.failures,
		"interval":        sch.config.Interval.String(),
		"pending":         sch.pending,
	}
	if sch.last != nil {
		stats["last_cycle"] = sch.last.ID
		stats["last_cycle_ended_at"] = sch.last.EndedAt
	}
	if sch.lastErr != nil {
		stats["last_error"] = sch.lastErr.Error()
	}
	return stats
}

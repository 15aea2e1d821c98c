package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/natefinch/atomic"

	"github.com/fentz26/vaultsync/internal/connectors"
	"github.com/fentz26/vaultsync/internal/models"
	"github.com/fentz26/vaultsync/internal/store"
	"github.com/fentz26/vaultsync/internal/vault"
)

// Plugin is the plugin name the engine serves.
const Plugin = "markdown-tasks"

// Store is the task state the engine reads before touching files.
type Store interface {
	ListTasks(ctx context.Context, f store.TaskFilter) ([]models.Task, error)
	SyncRecords(ctx context.Context, source string) (map[string]models.SyncRecord, error)
}

// Config configures an Engine.
type Config struct {
	ProjectRoot string
	// StateDir holds one change baseline per source.
	StateDir string
	Include  []string
	Exclude  []string
	Git      vault.GitRunner
	Store    Store
	Logger   *slog.Logger
}

// Settings are the per-source options of a markdown-tasks source.
type Settings struct {
	// Directory is the task tree, relative to the project root.
	Directory string
	// TodayView is where the "due today" view is written; empty disables it.
	TodayView  string
	IncludeGit bool
	TodayOnly  bool
}

// ParseSettings reads the source settings map.
func ParseSettings(m map[string]any) (Settings, error) {
	s := Settings{Directory: "."}
	var err error
	if v, ok := m["directory"]; ok {
		if s.Directory, err = stringSetting("directory", v); err != nil {
			return s, err
		}
		if s.Directory == "" {
			s.Directory = "."
		}
	}
	if v, ok := m["today_view"]; ok {
		if s.TodayView, err = stringSetting("today_view", v); err != nil {
			return s, err
		}
	}
	if v, ok := m["include_git"]; ok {
		if s.IncludeGit, err = boolSetting("include_git", v); err != nil {
			return s, err
		}
	}
	if v, ok := m["today_only"]; ok {
		if s.TodayOnly, err = boolSetting("today_only", v); err != nil {
			return s, err
		}
	}
	return s, nil
}

func stringSetting(key string, v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("setting %s must be a string", key)
	}
	return s, nil
}

func boolSetting(key string, v any) (bool, error) {
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		parsed, err := strconv.ParseBool(b)
		if err != nil {
			return false, fmt.Errorf("setting %s: %w", key, err)
		}
		return parsed, nil
	}
	return false, fmt.Errorf("setting %s must be a boolean", key)
}

// Engine is the built-in adapter for markdown task sources. Read annotates
// and decodes the vault; Finish commits the change baseline and refreshes the
// today view once the store merge went through.
type Engine struct {
	cfg    Config
	logger *slog.Logger
	newID  func() string
	now    func() time.Time

	mu        sync.Mutex
	detectors map[string]*vault.Detector
	pending   map[string]*pendingRun
}

type pendingRun struct {
	changes  *vault.ChangeSet
	commit   bool
	viewPath string
}

// New creates an Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errors.New("tasks: store is required")
	}
	if cfg.StateDir == "" {
		return nil, errors.New("tasks: state dir is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:       cfg,
		logger:    logger,
		newID:     NewID,
		now:       time.Now,
		detectors: make(map[string]*vault.Detector),
		pending:   make(map[string]*pendingRun),
	}, nil
}

// Name returns the adapter identifier.
func (e *Engine) Name() string {
	return Plugin
}

// Adapter validates a source's settings and returns the engine. It has the
// shape of a reconcile.Factory.
func (e *Engine) Adapter(src models.Source) (connectors.Adapter, error) {
	if _, err := ParseSettings(src.Settings); err != nil {
		return nil, connectors.NewError(connectors.KindNotConfigured, src.ID(), err)
	}
	return e, nil
}

func (e *Engine) detector(source string) (*vault.Detector, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if d, ok := e.detectors[source]; ok {
		return d, nil
	}
	d, err := vault.New(vault.Config{
		StateDir: filepath.Join(e.cfg.StateDir, "sources", strings.ReplaceAll(source, "/", "_")),
		Include:  e.cfg.Include,
		Exclude:  e.cfg.Exclude,
		Git:      e.cfg.Git,
		Logger:   e.logger,
	})
	if err != nil {
		return nil, err
	}
	e.detectors[source] = d
	return d, nil
}

// Read scans the source's directory, assigns identities, applies pending
// store-side stage changes and returns one entry per task line.
func (e *Engine) Read(ctx context.Context, req connectors.Request) (*connectors.Response, error) {
	srcID := req.Source.ID()
	logger := e.logger.With("source", srcID)

	s, err := ParseSettings(req.Source.Settings)
	if err != nil {
		return nil, connectors.NewError(connectors.KindNotConfigured, srcID, err)
	}
	lay, err := newLayout(req.ProjectRoot, e.cfg.ProjectRoot, s.Directory)
	if err != nil {
		return nil, connectors.NewError(connectors.KindNotConfigured, srcID, err)
	}
	det, err := e.detector(srcID)
	if err != nil {
		return nil, connectors.NewError(connectors.KindNotConfigured, srcID, err)
	}

	cs, err := det.Scan(ctx, lay.dir, vault.Options{TodayOnly: s.TodayOnly, IncludeGit: s.IncludeGit})
	if err != nil {
		if ctx.Err() != nil {
			return nil, connectors.NewError(connectors.KindCancelled, srcID, ctx.Err())
		}
		return nil, connectors.NewError(connectors.KindNotConfigured, srcID, err)
	}

	stored, err := e.cfg.Store.ListTasks(ctx, store.TaskFilter{Source: srcID})
	if err != nil {
		return nil, connectors.NewError(connectors.KindStoreWrite, srcID, err)
	}
	records, err := e.cfg.Store.SyncRecords(ctx, srcID)
	if err != nil {
		return nil, connectors.NewError(connectors.KindStoreWrite, srcID, err)
	}

	full := req.LastSync == nil || cs.FirstRun
	present := make(map[string]bool, len(cs.Files))
	for _, f := range cs.Files {
		present[f] = true
	}
	targets := make(map[string]bool)
	if full {
		for _, f := range cs.Files {
			targets[f] = true
		}
	} else {
		for _, f := range cs.Changed {
			targets[f] = true
		}
		for _, t := range stored {
			if !t.StageDirty {
				continue
			}
			if rel, ok := lay.toVault(t.File); ok && present[rel] {
				targets[rel] = true
			}
		}
	}
	deleted := append([]string(nil), cs.Deleted...)

	viewPath := ""
	if s.TodayView != "" {
		viewPath = lay.abs(s.TodayView)
		if rel, ok := lay.toVault(s.TodayView); ok {
			delete(targets, rel)
			deleted = remove(deleted, rel)
		}
	}

	commit := true
	if len(req.FileFilter) > 0 {
		allowed := make(map[string]bool, len(req.FileFilter))
		for _, f := range req.FileFilter {
			allowed[filepath.ToSlash(filepath.Clean(f))] = true
		}
		for rel := range targets {
			if !allowed[lay.toProject(rel)] {
				delete(targets, rel)
			}
		}
		var kept []string
		for _, rel := range deleted {
			if allowed[lay.toProject(rel)] {
				kept = append(kept, rel)
			}
		}
		deleted = kept
		// Files outside the filter stay unseen until a run covers them.
		commit = false
	}

	scope := make(map[string]bool, len(targets)+len(deleted))
	for rel := range targets {
		scope[lay.toProject(rel)] = true
	}
	for _, rel := range deleted {
		scope[lay.toProject(rel)] = true
	}

	st := &runState{
		today:   e.now().Format(models.DateLayout),
		tasks:   make(map[string]models.Task, len(stored)),
		records: records,
		logger:  logger,
	}
	owners := make(map[string]string, len(stored))
	for _, t := range stored {
		st.tasks[t.ID] = t
		owners[t.ID] = t.File
	}
	st.ids = newIDPool(e.newID, owners, scope)

	files := make([]string, 0, len(targets))
	for rel := range targets {
		files = append(files, rel)
	}
	sort.Strings(files)

	entries := []json.RawMessage{}
	processed := make([]string, 0, len(files)+len(deleted))
	for _, rel := range files {
		if err := ctx.Err(); err != nil {
			return nil, connectors.NewError(connectors.KindCancelled, srcID, err)
		}
		abs := filepath.Join(lay.dir, filepath.FromSlash(rel))
		data, err := os.ReadFile(abs)
		if errors.Is(err, fs.ErrNotExist) {
			deleted = append(deleted, rel)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", rel, err)
		}

		file := lay.toProject(rel)
		out, docs, changed, err := st.processFile(file, string(data))
		if err != nil {
			return nil, err
		}
		if changed {
			if err := atomic.WriteFile(abs, strings.NewReader(out)); err != nil {
				return nil, fmt.Errorf("write back %s: %w", rel, err)
			}
			if err := cs.Track(rel); err != nil {
				return nil, err
			}
		}
		if st.retry[file] {
			cs.Forget(rel)
		}
		entries = append(entries, docs...)
		processed = append(processed, file)
	}
	for _, rel := range deleted {
		processed = append(processed, lay.toProject(rel))
	}
	sort.Strings(processed)

	e.mu.Lock()
	e.pending[srcID] = &pendingRun{changes: cs, commit: commit, viewPath: viewPath}
	e.mu.Unlock()

	logger.Info("Markdown tasks read",
		"files", len(files),
		"deleted", len(deleted),
		"entries", len(entries),
		"annotated", st.stats.Annotated,
		"applied", st.stats.Applied,
		"spawned", st.stats.Spawned,
		"full", full)

	return &connectors.Response{
		Entries:        entries,
		FilesProcessed: processed,
		Incremental:    !full,
		Metadata: map[string]any{
			"first_run":  cs.FirstRun,
			"changed":    len(cs.Changed),
			"deleted":    len(deleted),
			"annotated":  st.stats.Annotated,
			"applied":    st.stats.Applied,
			"discarded":  st.stats.Discarded,
			"spawned":    st.stats.Spawned,
			"collisions": st.stats.Collisions,
		},
	}, nil
}

// Finish commits the baseline captured by Read and rewrites the today view.
// After a failed merge the baseline is left alone so the same files are read
// again next cycle.
func (e *Engine) Finish(ctx context.Context, req connectors.Request, outcome connectors.Outcome) {
	srcID := req.Source.ID()
	e.mu.Lock()
	run := e.pending[srcID]
	delete(e.pending, srcID)
	e.mu.Unlock()
	if run == nil {
		return
	}

	logger := e.logger.With("source", srcID)
	if !outcome.Success {
		logger.Warn("Merge failed, keeping previous baseline", "error", outcome.Err)
		return
	}
	if run.commit {
		if err := run.changes.Commit(ctx); err != nil {
			logger.Warn("Failed to save baseline", "error", err)
		}
	}
	if run.viewPath != "" {
		if err := e.WriteToday(ctx, srcID, run.viewPath); err != nil {
			logger.Warn("Failed to write today view", "path", run.viewPath, "error", err)
		}
	}
}

// WriteToday renders the source's open tasks due today into path.
func (e *Engine) WriteToday(ctx context.Context, source, path string) error {
	today := e.now().Format(models.DateLayout)
	due, err := e.cfg.Store.ListTasks(ctx, store.TaskFilter{Source: source, OpenOnly: true, Due: today})
	if err != nil {
		return err
	}
	return WriteView(path, RenderToday(due, today))
}

// layout converts between paths relative to the task directory (what the
// detector reports) and paths relative to the project root (what entries
// carry).
type layout struct {
	root    string
	dir     string
	outside bool
}

func newLayout(reqRoot, defaultRoot, directory string) (layout, error) {
	root := reqRoot
	if root == "" {
		root = defaultRoot
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return layout{}, err
	}
	dir := directory
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(root, dir)
	}
	dir = filepath.Clean(dir)
	rel, err := filepath.Rel(root, dir)
	outside := err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator))
	return layout{root: root, dir: dir, outside: outside}, nil
}

func (l layout) abs(file string) string {
	if filepath.IsAbs(file) {
		return filepath.Clean(file)
	}
	return filepath.Join(l.root, filepath.FromSlash(file))
}

func (l layout) toProject(rel string) string {
	if l.outside {
		return rel
	}
	r, err := filepath.Rel(l.root, filepath.Join(l.dir, filepath.FromSlash(rel)))
	if err != nil {
		return rel
	}
	return filepath.ToSlash(r)
}

func (l layout) toVault(file string) (string, bool) {
	if file == "" {
		return "", false
	}
	if l.outside && !filepath.IsAbs(file) {
		return file, true
	}
	r, err := filepath.Rel(l.dir, l.abs(file))
	if err != nil || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.ToSlash(r), true
}

func remove(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}

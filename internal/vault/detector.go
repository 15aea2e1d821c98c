// Package vault detects which files of a markdown vault changed between runs.
//
// A Detector keeps one baseline per watched directory. Scan compares the
// directory against the baseline and returns a ChangeSet that holds the new
// baseline until the caller commits it, so a failed consumer sees the same
// changes again on the next run.
package vault

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// RacyWindow is how close to the previous scan an mtime must be before the
// detector stops trusting mtime and size alone.
const RacyWindow = 2 * time.Second

var timeNow = time.Now

// Config configures a Detector.
type Config struct {
	// StateDir holds the baselines directory.
	StateDir string
	Include  []string
	Exclude  []string
	// Git runs git for IncludeGit scans (default: ExecGit).
	Git    GitRunner
	Logger *slog.Logger
}

// Options tune a single scan.
type Options struct {
	// TodayOnly reports only changed files modified on the current local day.
	TodayOnly bool
	// IncludeGit adds paths git reports as modified to the candidates.
	IncludeGit bool
}

// Detector compares vault directories against their baselines.
type Detector struct {
	stateDir string
	matcher  *Matcher
	git      GitRunner
	logger   *slog.Logger

	// scans of the same root are serialised in-process; flock covers other processes.
	mu    sync.Mutex
	roots map[string]*sync.Mutex
}

// New creates a Detector.
func New(cfg Config) (*Detector, error) {
	if cfg.StateDir == "" {
		return nil, errors.New("vault: state dir is required")
	}
	exclude := cfg.Exclude
	if exclude == nil {
		exclude = DefaultExclude
	}
	matcher, err := NewMatcher(cfg.Include, exclude)
	if err != nil {
		return nil, err
	}
	git := cfg.Git
	if git == nil {
		git = ExecGit{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{
		stateDir: cfg.StateDir,
		matcher:  matcher,
		git:      git,
		logger:   logger,
		roots:    make(map[string]*sync.Mutex),
	}, nil
}

// Matcher returns the include/exclude filter the detector applies.
func (d *Detector) Matcher() *Matcher {
	return d.matcher
}

// ChangeSet is the result of one scan.
type ChangeSet struct {
	Root     string
	Changed  []string
	Deleted  []string
	FirstRun bool
	// Files lists every watched file present at scan time.
	Files []string

	pending *Baseline
	path    string
	mu      sync.Mutex
}

// GetChangedFilePaths scans dir and immediately commits the new baseline.
func (d *Detector) GetChangedFilePaths(ctx context.Context, dir string, opts Options) (*ChangeSet, error) {
	cs, err := d.Scan(ctx, dir, opts)
	if err != nil {
		return nil, err
	}
	if err := cs.Commit(ctx); err != nil {
		return nil, err
	}
	return cs, nil
}

// Scan compares dir against its baseline without persisting anything.
func (d *Detector) Scan(ctx context.Context, dir string, opts Options) (*ChangeSet, error) {
	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", dir, err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("stat vault: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", root)
	}

	unlock := d.lockRoot(root)
	defer unlock()

	path := BaselinePath(d.stateDir, root)
	old, err := LoadBaseline(path, root)
	if err != nil {
		d.logger.Warn("Ignoring unusable baseline", "path", path, "error", err)
		old = nil
	}

	scannedAt := timeNow()
	next := &Baseline{
		Version:   baselineVersion,
		Root:      root,
		ScannedAt: scannedAt.UTC(),
		Files:     make(map[string]FileState),
	}
	cs := &ChangeSet{Root: root, FirstRun: old == nil, pending: next, path: path}

	changed := make(map[string]bool)
	mtimes := make(map[string]time.Time)

	err = filepath.WalkDir(root, func(p string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if p == root {
				return walkErr
			}
			d.logger.Warn("Skipping unreadable path", "path", p, "error", walkErr)
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if entry.IsDir() {
			if p != root && d.matcher.SkipDir(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if !entry.Type().IsRegular() || !d.matcher.Match(rel) {
			return nil
		}

		fi, err := entry.Info()
		if err != nil {
			// Removed between readdir and stat.
			return nil
		}
		state, isChanged, err := compare(p, fi, old, rel)
		if err != nil {
			d.logger.Warn("Skipping unreadable file", "path", rel, "error", err)
			return nil
		}
		next.Files[rel] = state
		mtimes[rel] = fi.ModTime()
		if isChanged {
			changed[rel] = true
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk vault: %w", err)
	}

	if old != nil {
		for rel := range old.Files {
			if _, ok := next.Files[rel]; !ok {
				cs.Deleted = append(cs.Deleted, rel)
			}
		}
	}

	if opts.IncludeGit {
		oldHead := ""
		if old != nil {
			oldHead = old.GitHead
		}
		d.applyGit(ctx, root, oldHead, old, next, changed)
	} else if old != nil {
		next.GitHead = old.GitHead
	}

	today := scannedAt.In(time.Local)
	for rel := range changed {
		if opts.TodayOnly && !sameDay(mtimes[rel].In(time.Local), today) {
			continue
		}
		cs.Changed = append(cs.Changed, rel)
	}
	for rel := range next.Files {
		cs.Files = append(cs.Files, rel)
	}
	sort.Strings(cs.Changed)
	sort.Strings(cs.Deleted)
	sort.Strings(cs.Files)

	d.logger.Debug("Vault scanned",
		"root", root,
		"files", len(cs.Files),
		"changed", len(cs.Changed),
		"deleted", len(cs.Deleted),
		"first_run", cs.FirstRun)
	return cs, nil
}

// compare decides whether a file differs from its baseline entry. The
// fingerprint is only computed when mtime and size cannot settle it.
func compare(path string, fi fs.FileInfo, old *Baseline, rel string) (FileState, bool, error) {
	if old == nil {
		st, err := stateOf(path, fi)
		return st, true, err
	}
	prev, ok := old.Files[rel]
	if !ok || prev.Size != fi.Size() {
		st, err := stateOf(path, fi)
		return st, true, err
	}

	mtimeMs := fi.ModTime().UnixMilli()
	racy := mtimeMs >= old.ScannedAt.UnixMilli()-RacyWindow.Milliseconds()
	if mtimeMs == prev.MtimeMs && !racy {
		return prev, false, nil
	}

	st, err := stateOf(path, fi)
	if err != nil {
		return FileState{}, false, err
	}
	return st, st.Fingerprint != prev.Fingerprint, nil
}

// applyGit verifies git's candidate paths by fingerprint. Git never marks a
// file changed on its own word.
func (d *Detector) applyGit(ctx context.Context, root, oldHead string, old, next *Baseline, changed map[string]bool) {
	paths, head, err := gitEvidence(ctx, d.git, root, oldHead)
	if err != nil {
		d.logger.Debug("Git evidence unavailable", "root", root, "error", err)
		if old != nil {
			next.GitHead = old.GitHead
		}
		return
	}
	next.GitHead = head
	if old == nil {
		return
	}

	for _, rel := range paths {
		rel = filepath.ToSlash(rel)
		if changed[rel] {
			continue
		}
		cur, ok := next.Files[rel]
		if !ok {
			continue
		}
		fp, err := Fingerprint(filepath.Join(root, filepath.FromSlash(rel)))
		if err != nil {
			continue
		}
		if prev, had := old.Files[rel]; !had || prev.Fingerprint != fp {
			changed[rel] = true
			cur.Fingerprint = fp
			next.Files[rel] = cur
		}
	}
}

// Track refreshes the pending baseline entry for a file the caller rewrote,
// so the caller's own write is not reported as a change next time.
func (cs *ChangeSet) Track(rel string) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	rel = filepath.ToSlash(rel)
	p := filepath.Join(cs.Root, filepath.FromSlash(rel))
	fi, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		delete(cs.pending.Files, rel)
		return nil
	}
	if err != nil {
		return fmt.Errorf("track %s: %w", rel, err)
	}
	st, err := stateOf(p, fi)
	if err != nil {
		return fmt.Errorf("track %s: %w", rel, err)
	}
	cs.pending.Files[rel] = st
	return nil
}

// Forget blanks the pending baseline entry for a file, so the next scan
// reports it as changed (or deleted) whatever its current content.
func (cs *ChangeSet) Forget(rel string) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	rel = filepath.ToSlash(rel)
	if _, ok := cs.pending.Files[rel]; ok {
		cs.pending.Files[rel] = FileState{}
	}
}

// Commit persists the baseline captured by Scan.
func (cs *ChangeSet) Commit(ctx context.Context) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.pending.Save(ctx, cs.path)
}

// Baseline returns a copy of the pending baseline.
func (cs *ChangeSet) Baseline() Baseline {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	b := *cs.pending
	b.Files = make(map[string]FileState, len(cs.pending.Files))
	for k, v := range cs.pending.Files {
		b.Files[k] = v
	}
	return b
}

// Reset forgets the baseline of dir so the next scan is a first run.
func (d *Detector) Reset(dir string) error {
	root, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	err = os.Remove(BaselinePath(d.stateDir, root))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove baseline: %w", err)
	}
	return nil
}

func (d *Detector) lockRoot(root string) func() {
	d.mu.Lock()
	m, ok := d.roots[root]
	if !ok {
		m = &sync.Mutex{}
		d.roots[root] = m
	}
	d.mu.Unlock()
	m.Lock()
	return m.Unlock
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

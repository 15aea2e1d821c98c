package vault

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatcherConfig configures the file watcher.
type WatcherConfig struct {
	// Root is the vault directory to watch.
	Root string

	// Matcher filters which files produce events (default: DefaultInclude/DefaultExclude).
	Matcher *Matcher

	// DebounceDelay is how long to wait for more changes before emitting.
	DebounceDelay time.Duration

	// Ignore reports paths the watcher should not emit, e.g. files the
	// sync engine writes itself.
	Ignore func(rel string) bool

	Logger *slog.Logger
}

// Watcher emits debounced batches of changed vault-relative paths.
type Watcher struct {
	config  WatcherConfig
	watcher *fsnotify.Watcher
	logger  *slog.Logger

	pendingMu sync.Mutex
	pending   map[string]struct{}

	batches chan []string
	done    chan struct{}
	started bool
}

// NewWatcher creates a new file watcher.
func NewWatcher(config WatcherConfig) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if config.DebounceDelay == 0 {
		config.DebounceDelay = 500 * time.Millisecond
	}
	if config.Matcher == nil {
		config.Matcher, _ = NewMatcher(DefaultInclude, DefaultExclude)
	}

	return &Watcher{
		config:  config,
		watcher: fsw,
		logger:  logger,
		pending: make(map[string]struct{}),
		batches: make(chan []string, 16),
		done:    make(chan struct{}),
	}, nil
}

// Batches returns the channel of changed path batches. It is closed when the
// watcher stops.
func (w *Watcher) Batches() <-chan []string {
	return w.batches
}

// Start adds watches recursively and begins processing events until ctx ends.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.addWatchesRecursive(w.config.Root); err != nil {
		return err
	}

	w.started = true
	go w.processEvents(ctx)

	w.logger.Info("Vault watcher started",
		"root", w.config.Root,
		"debounce", w.config.DebounceDelay)
	return nil
}

// Stop closes the underlying watcher and waits for the event loop to exit.
func (w *Watcher) Stop() error {
	err := w.watcher.Close()
	if w.started {
		<-w.done
	}
	return err
}

func (w *Watcher) addWatchesRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if rel, ok := w.rel(path); ok && rel != "." && w.config.Matcher.SkipDir(rel) {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			w.logger.Warn("Failed to watch directory", "path", path, "error", err)
		}
		return nil
	})
}

func (w *Watcher) processEvents(ctx context.Context) {
	defer close(w.done)
	defer close(w.batches)

	ticker := time.NewTicker(w.config.DebounceDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleFSEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Watcher error", "error", err)

		case <-ticker.C:
			w.flushPending()
		}
	}
}

func (w *Watcher) handleFSEvent(event fsnotify.Event) {
	rel, ok := w.rel(event.Name)
	if !ok {
		return
	}

	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if !w.config.Matcher.SkipDir(rel) {
				if err := w.addWatchesRecursive(event.Name); err != nil {
					w.logger.Warn("Failed to watch new directory", "path", rel, "error", err)
				}
			}
			return
		}
	}

	if !w.config.Matcher.Match(rel) {
		return
	}
	if w.config.Ignore != nil && w.config.Ignore(rel) {
		return
	}

	w.pendingMu.Lock()
	w.pending[rel] = struct{}{}
	w.pendingMu.Unlock()

	w.logger.Debug("Vault change detected", "path", rel, "op", event.Op.String())
}

func (w *Watcher) flushPending() {
	w.pendingMu.Lock()
	if len(w.pending) == 0 {
		w.pendingMu.Unlock()
		return
	}
	batch := make([]string, 0, len(w.pending))
	for rel := range w.pending {
		batch = append(batch, rel)
	}
	w.pending = make(map[string]struct{})
	w.pendingMu.Unlock()

	sort.Strings(batch)
	select {
	case w.batches <- batch:
	default:
		w.logger.Warn("Batch channel full, dropping batch", "paths", len(batch))
	}
}

func (w *Watcher) rel(path string) (string, bool) {
	rel, err := filepath.Rel(w.config.Root, path)
	if err != nil {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

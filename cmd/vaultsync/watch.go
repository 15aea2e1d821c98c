package main

import (
	"context"
	"path"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fentz26/vaultsync/internal/models"
	"github.com/fentz26/vaultsync/internal/reconcile"
	"github.com/fentz26/vaultsync/internal/scheduler"
	"github.com/fentz26/vaultsync/internal/tasks"
	"github.com/fentz26/vaultsync/internal/vault"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Sync task sources whenever vault files change",
	Long: `Runs one cycle, then watches the vault and syncs the markdown-tasks sources
whose directory saw changes. Stops on Ctrl-C.`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext()
	defer cancel()

	sch := scheduler.New(a.reconciler, a.sources, &scheduler.Config{
		LockPath:   filepath.Join(cfg.StateDir, "cycle.lock"),
		RunOnStart: true,
	}, scheduler.WithLogger(a.logger), scheduler.WithMetrics(a.metrics))

	w, err := startWatcher(ctx, a, sch)
	if err != nil {
		return err
	}
	defer w.Stop()

	sch.Start(ctx)
	<-ctx.Done()
	sch.Stop()
	return nil
}

// taskDir is a markdown-tasks source and the project-relative directory it reads.
type taskDir struct {
	id  string
	dir string
}

// watchTargets lists task sources by directory and the view files the
// engine writes itself.
func watchTargets(root string, sources []models.Source) ([]taskDir, map[string]bool) {
	var dirs []taskDir
	views := make(map[string]bool)
	for _, src := range sources {
		if src.Plugin != tasks.Plugin || !src.Enabled {
			continue
		}
		settings, err := tasks.ParseSettings(src.Settings)
		if err != nil {
			continue
		}
		dirs = append(dirs, taskDir{id: src.ID(), dir: projectRel(root, settings.Directory)})
		if settings.TodayView != "" {
			views[projectRel(root, settings.TodayView)] = true
		}
	}
	return dirs, views
}

// projectRel returns p relative to root in slash form.
func projectRel(root, p string) string {
	if filepath.IsAbs(p) {
		if rel, err := filepath.Rel(root, p); err == nil {
			p = rel
		}
	}
	return path.Clean(filepath.ToSlash(p))
}

// affectedSources returns the ids of task sources whose directory holds
// any path of the batch.
func affectedSources(dirs []taskDir, batch []string) []string {
	var ids []string
	for _, td := range dirs {
		for _, rel := range batch {
			if td.dir == "." || rel == td.dir || strings.HasPrefix(rel, td.dir+"/") {
				ids = append(ids, td.id)
				break
			}
		}
	}
	return ids
}

// startWatcher watches the project root and triggers a cycle for the task
// sources each batch of changes touches.
func startWatcher(ctx context.Context, a *app, sch *scheduler.Scheduler) (*vault.Watcher, error) {
	matcher, err := vault.NewMatcher(cfg.Vault.Include, cfg.Vault.Exclude)
	if err != nil {
		return nil, err
	}
	dirs, views := watchTargets(cfg.ProjectRoot, cfg.ListSources())

	w, err := vault.NewWatcher(vault.WatcherConfig{
		Root:    cfg.ProjectRoot,
		Matcher: matcher,
		Ignore:  func(rel string) bool { return views[rel] },
		Logger:  a.logger,
	})
	if err != nil {
		return nil, err
	}
	if err := w.Start(ctx); err != nil {
		return nil, err
	}

	go func() {
		for batch := range w.Batches() {
			ids := affectedSources(dirs, batch)
			if len(ids) == 0 {
				continue
			}
			a.logger.Debug("Vault changes", "paths", len(batch), "sources", ids)
			sch.Trigger("watch", reconcile.CycleOptions{Only: ids})
		}
	}()
	return w, nil
}

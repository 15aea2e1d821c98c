package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fentz26/vaultsync/internal/models"
	"github.com/fentz26/vaultsync/internal/reconcile"
	"github.com/fentz26/vaultsync/internal/store"
	"github.com/fentz26/vaultsync/internal/tasks"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Inspect and move tasks",
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	Args:  cobra.NoArgs,
	RunE:  runTaskList,
}

var taskTodayCmd = &cobra.Command{
	Use:   "today",
	Short: "List open tasks due today",
	Args:  cobra.NoArgs,
	RunE:  runTaskToday,
}

var taskStageCmd = &cobra.Command{
	Use:   "stage [task-id] [stage]",
	Short: "Move a task to another stage",
	Long: `Records a stage change in the store. The markdown line is updated on the next
sync of the task's source, or immediately with --sync.`,
	Args: cobra.ExactArgs(2),
	RunE: runTaskStage,
}

var taskHoldCmd = &cobra.Command{
	Use:   "hold [task-id]",
	Short: "Keep a task in the store when its line disappears",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskHold,
}

var (
	taskSourceID string
	taskStage    string
	taskProject  string
	taskTag      string
	taskOpen     bool
	taskDirty    bool
	taskSyncNow  bool
	taskRelease  bool
)

func init() {
	taskCmd.AddCommand(taskListCmd, taskTodayCmd, taskStageCmd, taskHoldCmd)
	taskCmd.PersistentFlags().StringVar(&taskSourceID, "source", "", "Task source id (default: the only markdown-tasks source)")

	taskListCmd.Flags().StringVar(&taskStage, "stage", "", "Filter by stage")
	taskListCmd.Flags().StringVar(&taskProject, "project", "", "Filter by project")
	taskListCmd.Flags().StringVar(&taskTag, "tag", "", "Filter by tag")
	taskListCmd.Flags().BoolVar(&taskOpen, "open", false, "Only tasks that are not done or archived")
	taskListCmd.Flags().BoolVar(&taskDirty, "dirty", false, "Only tasks with a stage change not yet written to markdown")

	taskStageCmd.Flags().BoolVar(&taskSyncNow, "sync", false, "Sync the source right away")
	taskHoldCmd.Flags().BoolVar(&taskRelease, "release", false, "Clear the hold instead")
}

// resolveTaskSource returns the --source value or the only task source.
func resolveTaskSource(required bool) (string, error) {
	if taskSourceID != "" {
		if _, ok := cfg.Source(taskSourceID); !ok {
			return "", fmt.Errorf("unknown source %q", taskSourceID)
		}
		return taskSourceID, nil
	}
	var ids []string
	for _, src := range cfg.ListSources() {
		if src.Plugin == tasks.Plugin {
			ids = append(ids, src.ID())
		}
	}
	switch {
	case len(ids) == 1:
		return ids[0], nil
	case !required:
		return "", nil
	case len(ids) == 0:
		return "", errors.New("no markdown-tasks source configured")
	default:
		return "", fmt.Errorf("several task sources configured, pick one with --source: %v", ids)
	}
}

func runTaskList(cmd *cobra.Command, args []string) error {
	source, err := resolveTaskSource(false)
	if err != nil {
		return err
	}
	f := store.TaskFilter{
		Source:    source,
		Project:   taskProject,
		Tag:       taskTag,
		OpenOnly:  taskOpen,
		DirtyOnly: taskDirty,
	}
	if taskStage != "" {
		st, ok := models.ParseStage(taskStage)
		if !ok {
			return fmt.Errorf("unknown stage %q, must be one of %v", taskStage, models.Stages)
		}
		f.Stage = st
	}

	st, err := store.New(cfg.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	list, err := st.ListTasks(context.Background(), f)
	if err != nil {
		return err
	}
	renderTasks(cmd.OutOrStdout(), list)
	return nil
}

func runTaskToday(cmd *cobra.Command, args []string) error {
	st, err := store.New(cfg.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	today := time.Now().Format(models.DateLayout)
	list, err := st.DueOn(context.Background(), today)
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), string(tasks.RenderToday(list, today)))
	return nil
}

func runTaskStage(cmd *cobra.Command, args []string) error {
	id, stageArg := args[0], args[1]
	stage, ok := models.ParseStage(stageArg)
	if !ok {
		return fmt.Errorf("unknown stage %q, must be one of %v", stageArg, models.Stages)
	}
	source, err := resolveTaskSource(true)
	if err != nil {
		return err
	}

	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext()
	defer cancel()

	if err := a.store.SetTaskStage(ctx, source, id, stage); err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			return fmt.Errorf("task %s not found in %s", id, source)
		}
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s -> %s\n", id, okStyle.Render(string(stage)))

	if !taskSyncNow {
		fmt.Fprintln(out, mutedStyle.Render("The markdown line changes on the next sync."))
		return nil
	}
	report, err := a.scheduler(false).RunOnce(ctx, reconcile.CycleOptions{Only: []string{source}})
	if err != nil {
		return err
	}
	renderReport(out, report)
	if !report.OK() {
		return errors.New("sync failed")
	}
	return nil
}

func runTaskHold(cmd *cobra.Command, args []string) error {
	source, err := resolveTaskSource(true)
	if err != nil {
		return err
	}
	st, err := store.New(cfg.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.HoldTask(context.Background(), source, args[0], !taskRelease); err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			return fmt.Errorf("task %s not found in %s", args[0], source)
		}
		return err
	}
	if taskRelease {
		fmt.Fprintf(cmd.OutOrStdout(), "Released %s\n", args[0])
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "Holding %s\n", args[0])
	}
	return nil
}

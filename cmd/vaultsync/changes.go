package main

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/fentz26/vaultsync/internal/vault"
)

var changesCmd = &cobra.Command{
	Use:   "changes [dir]",
	Short: "List vault files changed since the last run",
	Long: `Compares a vault directory against the baseline stored by the previous run
and prints the changed files, one per line. The first run reports every file.
The new baseline is saved unless --dry-run is given.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runChanges,
}

var (
	changesToday  bool
	changesGit    bool
	changesDryRun bool
	changesReset  bool
	changesJSON   bool
)

func init() {
	changesCmd.Flags().BoolVar(&changesToday, "today", false, "Only report files modified today")
	changesCmd.Flags().BoolVar(&changesGit, "git", false, "Also report files git shows as modified")
	changesCmd.Flags().BoolVar(&changesDryRun, "dry-run", false, "Do not save the new baseline")
	changesCmd.Flags().BoolVar(&changesReset, "reset", false, "Forget the baseline before scanning")
	changesCmd.Flags().BoolVar(&changesJSON, "json", false, "Print the change set as JSON")
}

type changesOutput struct {
	Root     string   `json:"root"`
	FirstRun bool     `json:"first_run"`
	Changed  []string `json:"changed"`
	Deleted  []string `json:"deleted"`
}

func runChanges(cmd *cobra.Command, args []string) error {
	dir := cfg.ProjectRoot
	if len(args) == 1 {
		dir = args[0]
	}

	d, err := vault.New(vault.Config{
		StateDir: filepath.Join(cfg.StateDir, "changes"),
		Include:  cfg.Vault.Include,
		Exclude:  cfg.Vault.Exclude,
	})
	if err != nil {
		return err
	}
	if changesReset {
		if err := d.Reset(dir); err != nil {
			return err
		}
	}

	ctx := context.Background()
	opts := vault.Options{TodayOnly: changesToday, IncludeGit: changesGit}
	var cs *vault.ChangeSet
	if changesDryRun {
		cs, err = d.Scan(ctx, dir, opts)
	} else {
		cs, err = d.GetChangedFilePaths(ctx, dir, opts)
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if changesJSON {
		result := changesOutput{
			Root:     cs.Root,
			FirstRun: cs.FirstRun,
			Changed:  cs.Changed,
			Deleted:  cs.Deleted,
		}
		if result.Changed == nil {
			result.Changed = []string{}
		}
		if result.Deleted == nil {
			result.Deleted = []string{}
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	for _, rel := range cs.Changed {
		fmt.Fprintln(out, rel)
	}
	for _, rel := range cs.Deleted {
		fmt.Fprintln(out, mutedStyle.Render("deleted: "+rel))
	}
	return nil
}

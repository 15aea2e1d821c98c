package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/fentz26/vaultsync/internal/config"
	"github.com/fentz26/vaultsync/internal/models"
	"github.com/fentz26/vaultsync/internal/tasks"
)

var initCmd = &cobra.Command{
	Use:   "init [dir]",
	Short: "Write a starter vaultsync.yaml",
	Long: `Writes vaultsync.yaml into the vault directory (default: current directory)
with one markdown-tasks source reading the whole vault.`,
	Args: cobra.MaximumNArgs(1),
	// The config does not exist yet.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger(logLevel, logJSON)
		if err != nil {
			return err
		}
		slog.SetDefault(logger)
		return nil
	},
	RunE: runInit,
}

var initForce bool

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing config")
}

func runInit(cmd *cobra.Command, args []string) error {
	dir := "."
	if len(args) == 1 {
		dir = args[0]
	}
	root, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	path := filepath.Join(root, config.ProjectConfigFile)
	if _, err := os.Stat(path); err == nil && !initForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}

	c := config.DefaultConfig()
	c.Sources = []config.SourceConfig{{
		Plugin:      tasks.Plugin,
		Name:        "default",
		Type:        models.EntryTypeTasks,
		Capability:  models.CapabilityReadWrite,
		Incremental: true,
		Settings: map[string]any{
			"directory":  ".",
			"today_view": "Today.md",
		},
	}}
	if err := c.Validate(); err != nil {
		return err
	}
	if err := c.SaveToFile(path); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
	return nil
}

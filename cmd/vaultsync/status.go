package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fentz26/vaultsync/internal/audit"
	"github.com/fentz26/vaultsync/internal/controlplane"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configured sources and their last sync",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	list, err := localService(a.store).Sources(context.Background())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, headingStyle.Render("vaultsync "+version))
	fmt.Fprintln(out, mutedStyle.Render("root:     "+cfg.ProjectRoot))
	fmt.Fprintln(out, mutedStyle.Render("database: "+cfg.Database))
	fmt.Fprintln(out, mutedStyle.Render("plugins:  "+strings.Join(a.registry.Plugins(), ", ")))
	if cfg.Path != "" {
		fmt.Fprintln(out, mutedStyle.Render("config:   "+cfg.Path))
	}
	fmt.Fprintln(out)

	if len(list) == 0 {
		fmt.Fprintln(out, mutedStyle.Render("No sources configured"))
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SOURCE\tTYPE\tCAPABILITY\tENTRIES\tLAST SYNC\tLAST RUN")
	for _, s := range list {
		lastSync := "never"
		if s.LastSync != nil {
			lastSync = s.LastSync.Local().Format(time.DateTime)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			s.ID, s.EntryType, s.Capability, s.Entries, lastSync, runLabel(s))
	}
	return tw.Flush()
}

func runLabel(s controlplane.SourceStatus) string {
	switch {
	case !s.Enabled:
		return mutedStyle.Render("disabled")
	case s.LastRun == nil:
		return mutedStyle.Render("-")
	case s.LastRun.Outcome == audit.OutcomeSuccess:
		return okStyle.Render("ok")
	default:
		return failStyle.Render(s.LastRun.ErrorKind)
	}
}

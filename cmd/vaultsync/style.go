package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/fentz26/vaultsync/internal/models"
	"github.com/fentz26/vaultsync/internal/reconcile"
)

var (
	successColor = lipgloss.Color("#10B981")
	warningColor = lipgloss.Color("#F59E0B")
	errorColor   = lipgloss.Color("#EF4444")
	mutedColor   = lipgloss.Color("#6B7280")
	primaryColor = lipgloss.Color("#7C3AED")

	headingStyle = lipgloss.NewStyle().Bold(true).Foreground(primaryColor)
	okStyle      = lipgloss.NewStyle().Foreground(successColor)
	warnStyle    = lipgloss.NewStyle().Foreground(warningColor)
	failStyle    = lipgloss.NewStyle().Foreground(errorColor)
	mutedStyle   = lipgloss.NewStyle().Foreground(mutedColor)
)

// renderReport prints one line per source and a totals line.
func renderReport(w io.Writer, report *reconcile.CycleReport) {
	fmt.Fprintln(w, headingStyle.Render("Cycle "+report.ID))

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SOURCE\tUPSERTED\tPRUNED\tMODE\tRESULT")
	for _, res := range report.Results {
		mode := "full"
		if res.Incremental {
			mode = "incremental"
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%s\n", res.Source, res.Upserted, res.Pruned, mode, resultLabel(res))
	}
	tw.Flush()

	upserted, pruned := report.Totals()
	summary := fmt.Sprintf("%d upserted, %d pruned, %d failed in %s",
		upserted, pruned, len(report.Failed()), report.EndedAt.Sub(report.StartedAt).Round(time.Millisecond))
	if len(report.Failed()) > 0 {
		fmt.Fprintln(w, warnStyle.Render(summary))
	} else {
		fmt.Fprintln(w, okStyle.Render(summary))
	}
}

func resultLabel(res reconcile.SourceResult) string {
	switch {
	case res.Skipped:
		return mutedStyle.Render("skipped")
	case res.Success:
		return okStyle.Render("ok")
	default:
		return failStyle.Render(fmt.Sprintf("%s: %s", res.Kind, truncate(res.Error, 60)))
	}
}

// renderTasks prints tasks as a table.
func renderTasks(w io.Writer, tasks []models.Task) {
	if len(tasks) == 0 {
		fmt.Fprintln(w, mutedStyle.Render("No tasks found"))
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTAGE\tPRI\tDUE\tTITLE\tFILE")
	for _, t := range tasks {
		stage := string(t.Stage)
		if t.StageDirty {
			stage += "*"
		}
		if t.Held {
			stage += " (held)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			t.ID, stage, t.Priority, t.Due, truncate(t.Title, 50), fileRef(t))
	}
	tw.Flush()
}

func fileRef(t models.Task) string {
	if t.File == "" {
		return ""
	}
	if t.Line > 0 {
		return fmt.Sprintf("%s:%d", t.File, t.Line)
	}
	return t.File
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-3]) + "..."
}

package main

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/vaultsync/internal/connectors"
	"github.com/fentz26/vaultsync/internal/models"
	"github.com/fentz26/vaultsync/internal/reconcile"
)

func TestNewLogger(t *testing.T) {
	logger, err := newLogger("debug", false)
	require.NoError(t, err)
	assert.True(t, logger.Enabled(context.Background(), slog.LevelDebug))

	logger, err = newLogger("warn", true)
	require.NoError(t, err)
	assert.False(t, logger.Enabled(context.Background(), slog.LevelInfo))

	_, err = newLogger("loud", false)
	assert.Error(t, err)
}

func TestAffectedSources(t *testing.T) {
	dirs, views := watchTargets("/vault", []models.Source{
		{Plugin: "markdown-tasks", Name: "work", Enabled: true, Settings: map[string]any{"directory": "work", "today_view": "/vault/views/today.md"}},
		{Plugin: "markdown-tasks", Name: "all", Enabled: true},
		{Plugin: "markdown-tasks", Name: "off", Enabled: false, Settings: map[string]any{"directory": "off"}},
		{Plugin: "calendar", Name: "default", Enabled: true},
	})
	require.Len(t, dirs, 2)
	assert.True(t, views["views/today.md"])

	assert.Equal(t, []string{"markdown-tasks/work", "markdown-tasks/all"}, affectedSources(dirs, []string{"work/a.md"}))
	assert.Equal(t, []string{"markdown-tasks/all"}, affectedSources(dirs, []string{"workshop/a.md"}))
	assert.Empty(t, affectedSources(dirs[:1], []string{"home/a.md"}))
}

func TestRenderReport(t *testing.T) {
	start := time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC)
	report := &reconcile.CycleReport{
		ID:        "c-1",
		StartedAt: start,
		EndedAt:   start.Add(1500 * time.Millisecond),
		Results: []reconcile.SourceResult{
			{Source: "markdown-tasks/default", Success: true, Upserted: 3, Pruned: 1, Incremental: true},
			{Source: "calendar/default", Kind: connectors.KindTimeout, Error: "read timed out"},
		},
	}

	var buf bytes.Buffer
	renderReport(&buf, report)
	out := buf.String()
	assert.Contains(t, out, "markdown-tasks/default")
	assert.Contains(t, out, "incremental")
	assert.Contains(t, out, "read timed out")
	assert.Contains(t, out, "3 upserted, 1 pruned, 1 failed in 1.5s")
}

func TestRenderTasks(t *testing.T) {
	var buf bytes.Buffer
	renderTasks(&buf, nil)
	assert.Contains(t, buf.String(), "No tasks found")

	buf.Reset()
	renderTasks(&buf, []models.Task{{ID: "t-000000000001", Title: "Pay rent", Stage: models.StageNext, StageDirty: true, File: "a.md", Line: 3}})
	assert.Contains(t, buf.String(), "next*")
	assert.Contains(t, buf.String(), "a.md:3")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
	assert.Equal(t, "a b", truncate("a\nb", 10))
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/vaultsync/internal/models"
)

const sampleConfig = `
project_root: vault
concurrency: 2
interval: 5m
sources:
  - plugin: markdown-tasks
    settings:
      directory: notes
      today_view: Today.md
  - plugin: calendar
    name: work
    type: time-logs
    incremental: true
    timeout: 30s
    read: ["./bin/calendar", "--json"]
    required: [token]
    settings:
      token: abc
  - plugin: habits
    enabled: false
    type: health-metrics
`

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, ProjectConfigFile)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadFromFile(writeConfig(t, dir, sampleConfig))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	root := filepath.Join(dir, "vault")
	assert.Equal(t, root, cfg.ProjectRoot)
	assert.Equal(t, filepath.Join(root, ".vaultsync"), cfg.StateDir)
	assert.Equal(t, filepath.Join(root, ".vaultsync", "vaultsync.db"), cfg.Database)
	assert.Equal(t, filepath.Join(root, "plugins"), cfg.PluginsDir)
	assert.Equal(t, 2, cfg.Concurrency)
	assert.Equal(t, 5*time.Minute, cfg.Interval)
	assert.Equal(t, []string{"**/*.md"}, cfg.Vault.Include, "defaults survive a partial file")

	sources := cfg.ListSources()
	require.Len(t, sources, 3)

	tasks := sources[0]
	assert.Equal(t, "markdown-tasks/default", tasks.ID())
	assert.Equal(t, models.EntryTypeTasks, tasks.EntryType)
	assert.Equal(t, models.CapabilityReadOnly, tasks.Capability)
	assert.True(t, tasks.Enabled)
	assert.Equal(t, 60*time.Second, tasks.Timeout)
	assert.Equal(t, "notes", tasks.Settings["directory"])

	cal := sources[1]
	assert.Equal(t, "calendar/work", cal.ID())
	assert.True(t, cal.Incremental)
	assert.Equal(t, 30*time.Second, cal.Timeout)
	assert.Equal(t, []string{"./bin/calendar", "--json"}, cal.ReadCommand)
	assert.Empty(t, cal.MissingSettings())

	assert.False(t, sources[2].Enabled)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero concurrency", func(c *Config) { c.Concurrency = 0 }},
		{"negative interval", func(c *Config) { c.Interval = -time.Second }},
		{"no plugin", func(c *Config) { c.Sources = []SourceConfig{{Type: models.EntryTypeTasks}} }},
		{"bad capability", func(c *Config) {
			c.Sources = []SourceConfig{{Plugin: "x", Name: "a", Type: "tasks", Capability: "sideways"}}
		}},
		{"missing type", func(c *Config) { c.Sources = []SourceConfig{{Plugin: "x", Name: "a"}} }},
		{"duplicate", func(c *Config) {
			c.Sources = []SourceConfig{
				{Plugin: "x", Name: "a", Type: "tasks"},
				{Plugin: "x", Name: "a", Type: "tasks"},
			}
		}},
		{"slash in name", func(c *Config) { c.Sources = []SourceConfig{{Plugin: "x", Name: "a/b", Type: "tasks"}} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	assert.NoError(t, DefaultConfig().Validate())
}

func TestLoader_FindsProjectConfigInParent(t *testing.T) {
	t.Setenv(EnvProjectRoot, "")
	dir := t.TempDir()
	writeConfig(t, dir, "sources:\n  - plugin: markdown-tasks\n")
	nested := filepath.Join(dir, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0o755))

	l := NewLoader(nil)
	l.wd = func() (string, error) { return nested, nil }
	l.home = func() (string, error) { return t.TempDir(), nil }

	cfg, err := l.Load("")
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.ProjectRoot)
	assert.Len(t, cfg.Sources, 1)
}

func TestLoader_UserConfigFallback(t *testing.T) {
	t.Setenv(EnvProjectRoot, "")
	home := t.TempDir()
	userDir := filepath.Join(home, UserConfigDir)
	require.NoError(t, os.MkdirAll(userDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(userDir, UserConfigFile), []byte("concurrency: 7\n"), 0o644))

	l := NewLoader(nil)
	l.wd = func() (string, error) { return t.TempDir(), nil }
	l.home = func() (string, error) { return home, nil }

	cfg, err := l.Load("")
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Concurrency)
}

func TestLoader_DefaultsAndEnvOverride(t *testing.T) {
	cwd := t.TempDir()
	override := t.TempDir()
	t.Setenv(EnvProjectRoot, override)

	l := NewLoader(nil)
	l.wd = func() (string, error) { return cwd, nil }
	l.home = func() (string, error) { return t.TempDir(), nil }

	cfg, err := l.Load("")
	require.NoError(t, err)
	assert.Equal(t, override, cfg.ProjectRoot)
	assert.Equal(t, filepath.Join(override, ".vaultsync", "vaultsync.db"), cfg.Database)
}

func TestLoader_ExplicitMissing(t *testing.T) {
	_, err := NewLoader(nil).Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestSaveToFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadFromFile(writeConfig(t, dir, sampleConfig))
	require.NoError(t, err)

	out := filepath.Join(t.TempDir(), "nested", "copy.yaml")
	require.NoError(t, cfg.SaveToFile(out))

	again, err := LoadFromFile(out)
	require.NoError(t, err)
	assert.Equal(t, cfg.ProjectRoot, again.ProjectRoot)
	assert.Equal(t, cfg.ListSources(), again.ListSources())
}

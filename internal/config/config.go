// Package config provides configuration loading for vaultsync.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fentz26/vaultsync/internal/models"
)

// TasksPlugin is the built-in markdown task adapter.
const TasksPlugin = "markdown-tasks"

// ErrNoSources is returned by Validate when nothing is configured to sync.
var ErrNoSources = errors.New("no sources configured")

// Config represents the complete vaultsync configuration.
type Config struct {
	// ProjectRoot is the vault directory. Relative paths elsewhere resolve against it.
	ProjectRoot string `yaml:"project_root"`
	// StateDir holds baselines and locks (default: <project_root>/.vaultsync).
	StateDir string `yaml:"state_dir"`
	// Database is the SQLite file (default: <state_dir>/vaultsync.db).
	Database string `yaml:"database"`
	// PluginsDir is searched for <plugin>/read and <plugin>/write executables.
	PluginsDir string `yaml:"plugins_dir"`
	// Concurrency bounds how many sources sync at once.
	Concurrency int `yaml:"concurrency"`
	// Interval between scheduled cycles; zero disables the ticker.
	Interval time.Duration `yaml:"interval"`
	// DefaultTimeout applies to sources without their own timeout.
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	// Listen is the control plane address.
	Listen string `yaml:"listen"`
	// MetricsAddr serves /metrics separately when set.
	MetricsAddr string `yaml:"metrics_addr"`

	Vault   VaultConfig    `yaml:"vault"`
	Sources []SourceConfig `yaml:"sources"`

	// Path is the file this config was read from, if any.
	Path string `yaml:"-"`
}

// VaultConfig filters which files the change detector looks at.
type VaultConfig struct {
	Include []string `yaml:"include"`
	Exclude []string `yaml:"exclude"`
}

// SourceConfig is the YAML form of one source.
type SourceConfig struct {
	Plugin      string            `yaml:"plugin"`
	Name        string            `yaml:"name"`
	Enabled     *bool             `yaml:"enabled,omitempty"`
	Type        models.EntryType  `yaml:"type"`
	Capability  models.Capability `yaml:"capability,omitempty"`
	Incremental bool              `yaml:"incremental"`
	Timeout     time.Duration     `yaml:"timeout,omitempty"`
	Read        []string          `yaml:"read,omitempty"`
	Write       []string          `yaml:"write,omitempty"`
	WorkDir     string            `yaml:"work_dir,omitempty"`
	Required    []string          `yaml:"required,omitempty"`
	Settings    map[string]any    `yaml:"settings,omitempty"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Concurrency:    4,
		Interval:       15 * time.Minute,
		DefaultTimeout: 60 * time.Second,
		Listen:         "127.0.0.1:7467",
		Vault: VaultConfig{
			Include: []string{"**/*.md"},
			Exclude: []string{".git/**", ".obsidian/**", ".trash/**"},
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1")
	}
	if c.Interval < 0 {
		return fmt.Errorf("interval must not be negative")
	}
	if c.DefaultTimeout <= 0 {
		return fmt.Errorf("default_timeout must be positive")
	}

	seen := make(map[string]bool)
	for i, sc := range c.Sources {
		if sc.Plugin == "" {
			return fmt.Errorf("sources[%d]: plugin is required", i)
		}
		if strings.ContainsAny(sc.Plugin, "/ ") || strings.ContainsAny(sc.Name, "/ ") {
			return fmt.Errorf("sources[%d]: plugin and name must not contain '/' or spaces", i)
		}
		if !sc.Capability.Valid() {
			return fmt.Errorf("sources[%d]: invalid capability %q, must be: read-only, write-only, or read-write", i, sc.Capability)
		}
		if sc.Type == "" {
			return fmt.Errorf("sources[%d]: type is required", i)
		}
		if sc.Timeout < 0 {
			return fmt.Errorf("sources[%d]: timeout must not be negative", i)
		}
		id := sc.Plugin + "/" + sc.Name
		if seen[id] {
			return fmt.Errorf("duplicate source %s", id)
		}
		seen[id] = true
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file. Defaults fill unset
// fields and relative paths are resolved against the file's directory.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	cfg.Path = abs
	cfg.normalize()
	if err := cfg.Resolve(filepath.Dir(abs)); err != nil {
		return nil, err
	}
	return cfg, nil
}

// normalize fills per-source defaults.
func (c *Config) normalize() {
	for i := range c.Sources {
		sc := &c.Sources[i]
		if sc.Name == "" {
			sc.Name = "default"
		}
		if sc.Type == "" && sc.Plugin == TasksPlugin {
			sc.Type = models.EntryTypeTasks
		}
		if sc.Capability == "" {
			sc.Capability = models.CapabilityReadOnly
		}
	}
}

// Resolve makes every path absolute. ProjectRoot resolves against base; the
// rest resolve against ProjectRoot.
func (c *Config) Resolve(base string) error {
	root := c.ProjectRoot
	switch {
	case root == "":
		root = base
	case !filepath.IsAbs(root):
		root = filepath.Join(base, root)
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("resolve project_root: %w", err)
	}
	c.ProjectRoot = root

	if c.StateDir == "" {
		c.StateDir = ".vaultsync"
	}
	c.StateDir = c.under(c.StateDir)
	if c.Database == "" {
		c.Database = filepath.Join(c.StateDir, "vaultsync.db")
	}
	c.Database = c.under(c.Database)
	if c.PluginsDir == "" {
		c.PluginsDir = "plugins"
	}
	c.PluginsDir = c.under(c.PluginsDir)

	for i := range c.Sources {
		if wd := c.Sources[i].WorkDir; wd != "" {
			c.Sources[i].WorkDir = c.under(wd)
		}
	}
	return nil
}

func (c *Config) under(p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(c.ProjectRoot, p)
}

// ListSources converts the configured sources into domain values.
func (c *Config) ListSources() []models.Source {
	out := make([]models.Source, 0, len(c.Sources))
	for _, sc := range c.Sources {
		enabled := true
		if sc.Enabled != nil {
			enabled = *sc.Enabled
		}
		timeout := sc.Timeout
		if timeout == 0 {
			timeout = c.DefaultTimeout
		}
		settings := make(map[string]any, len(sc.Settings))
		for k, v := range sc.Settings {
			settings[k] = v
		}
		capability := sc.Capability
		if capability == "" {
			capability = models.CapabilityReadOnly
		}
		out = append(out, models.Source{
			Plugin:       sc.Plugin,
			Name:         sc.Name,
			Enabled:      enabled,
			ReadCommand:  append([]string(nil), sc.Read...),
			WriteCommand: append([]string(nil), sc.Write...),
			WorkDir:      sc.WorkDir,
			Settings:     settings,
			Required:     append([]string(nil), sc.Required...),
			Capability:   capability,
			EntryType:    sc.Type,
			Incremental:  sc.Incremental,
			Timeout:      timeout,
		})
	}
	return out
}

// Source returns the source with the given plugin/name id.
func (c *Config) Source(id string) (models.Source, bool) {
	for _, src := range c.ListSources() {
		if src.ID() == id {
			return src, true
		}
	}
	return models.Source{}, false
}

// SaveToFile writes the configuration as YAML, creating parent directories.
func (c *Config) SaveToFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

const (
	// ProjectConfigFile is the name of the project-level config file.
	ProjectConfigFile = "vaultsync.yaml"
	// UserConfigDir is the directory for user-level config.
	UserConfigDir = ".config/vaultsync"
	// UserConfigFile is the name of the user-level config file.
	UserConfigFile = "config.yaml"
	// EnvProjectRoot overrides project_root from any config file.
	EnvProjectRoot = "VAULTSYNC_PROJECT_ROOT"
)

// Loader finds and loads the active configuration.
type Loader struct {
	logger *slog.Logger
	// wd and home are overridable for tests.
	wd   func() (string, error)
	home func() (string, error)
}

// NewLoader creates a new configuration loader.
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger, wd: os.Getwd, home: os.UserHomeDir}
}

// Load returns the configuration from the first of:
// 1. explicit (when non-empty; it must exist)
// 2. vaultsync.yaml in the current or a parent directory
// 3. ~/.config/vaultsync/config.yaml
// 4. defaults rooted at the current directory
// VAULTSYNC_PROJECT_ROOT then overrides the project root.
func (l *Loader) Load(explicit string) (*Config, error) {
	var (
		cfg *Config
		err error
	)

	switch {
	case explicit != "":
		cfg, err = LoadFromFile(explicit)
		if err != nil {
			return nil, err
		}
		l.logger.Debug("Loaded config", slog.String("path", cfg.Path))
	default:
		if path := l.findProjectConfig(); path != "" {
			cfg, err = LoadFromFile(path)
			if err != nil {
				return nil, err
			}
			l.logger.Debug("Loaded project config", slog.String("path", path))
		} else if path := l.userConfigPath(); path != "" {
			if _, statErr := os.Stat(path); statErr == nil {
				cfg, err = LoadFromFile(path)
				if err != nil {
					return nil, err
				}
				l.logger.Debug("Loaded user config", slog.String("path", path))
			}
		}
	}

	if cfg == nil {
		l.logger.Debug("No config file found, using defaults")
		cwd, err := l.wd()
		if err != nil {
			return nil, fmt.Errorf("get working directory: %w", err)
		}
		cfg = DefaultConfig()
		if err := cfg.Resolve(cwd); err != nil {
			return nil, err
		}
	}

	if root := os.Getenv(EnvProjectRoot); root != "" {
		l.logger.Debug("Project root overridden from environment", slog.String("path", root))
		override := *cfg
		override.ProjectRoot = root
		override.StateDir, override.Database, override.PluginsDir = "", "", ""
		if err := override.Resolve(root); err != nil {
			return nil, err
		}
		cfg = &override
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (l *Loader) userConfigPath() string {
	home, err := l.home()
	if err != nil {
		return ""
	}
	return filepath.Join(home, UserConfigDir, UserConfigFile)
}

// findProjectConfig searches for vaultsync.yaml in current and parent directories.
func (l *Loader) findProjectConfig() string {
	dir, err := l.wd()
	if err != nil {
		return ""
	}
	for {
		path := filepath.Join(dir, ProjectConfigFile)
		if _, err := os.Stat(path); err == nil {
			return path
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

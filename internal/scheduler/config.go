package scheduler

import (
	"errors"
	"time"
)

// Config defines the scheduler configuration.
type Config struct {
	// Interval is the time between periodic cycles. Zero leaves only
	// triggered cycles.
	Interval time.Duration `yaml:"interval"`
	// LockPath is the cycle lock shared with other vaultsync processes.
	// Empty disables the cross-process lock.
	LockPath string `yaml:"lock_path"`
	// RunOnStart runs a cycle as soon as the scheduler starts.
	RunOnStart bool `yaml:"run_on_start"`
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() *Config {
	return &Config{
		Interval:   15 * time.Minute,
		RunOnStart: true,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Interval < 0 {
		return errors.New("scheduler: interval must not be negative")
	}
	return nil
}

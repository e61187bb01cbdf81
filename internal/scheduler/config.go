package scheduler

import (
	"time"

	"github.com/smallbiznis/threadscout/internal/config"
)

// Config controls scheduler intervals and batch sizes.
type Config struct {
	RunInterval time.Duration
	BatchSize   int
	// StaleLease is how long a running job may hold its lease before recovery.
	StaleLease time.Duration
	// LockTTL bounds how long one instance owns a tick.
	LockTTL     time.Duration
	EnabledJobs []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval: time.Minute,
		BatchSize:   100,
		StaleLease:  15 * time.Minute,
		LockTTL:     50 * time.Second,
	}
}

func ProvideConfig(cfg config.Config) Config {
	c := DefaultConfig()
	if cfg.Scheduler.Interval > 0 {
		c.RunInterval = cfg.Scheduler.Interval
	}
	c.EnabledJobs = cfg.Scheduler.Jobs
	return c
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.StaleLease <= 0 {
		c.StaleLease = defaults.StaleLease
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaults.LockTTL
	}
	return c
}

package scheduler

import (
	"time"

	"github.com/smallbiznis/arbiter/internal/config"
)

// Config controls sweep cadence, batch sizes and leader election.
type Config struct {
	RunInterval time.Duration
	BatchSize   int
	JobTimeout  time.Duration
	// GenerationTimeout bounds the jobs that wait on the AI models.
	GenerationTimeout time.Duration
	LeaderTTL         time.Duration
	LeaderKey         string
	EnabledJobs       []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval:       time.Minute,
		BatchSize:         50,
		JobTimeout:        30 * time.Second,
		GenerationTimeout: 5 * time.Minute,
		LeaderTTL:         10 * time.Minute,
		LeaderKey:         "scheduler:leader",
	}
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		RunInterval: cfg.Scheduler.RunInterval,
		BatchSize:   cfg.Scheduler.BatchSize,
		EnabledJobs: cfg.Scheduler.EnabledJobs,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.GenerationTimeout <= 0 {
		c.GenerationTimeout = defaults.GenerationTimeout
	}
	if c.LeaderTTL <= 0 {
		c.LeaderTTL = defaults.LeaderTTL
	}
	if c.LeaderKey == "" {
		c.LeaderKey = defaults.LeaderKey
	}
	return c
}

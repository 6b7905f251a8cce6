package scheduler

import (
	"strings"
	"time"

	"github.com/smallbiznis/subchain/internal/config"
)

// Config controls job intervals and batch sizes.
type Config struct {
	OutboxInterval   time.Duration
	RecoveryInterval time.Duration
	SweepInterval    time.Duration
	SweepBatchSize   int
	JobTimeout       time.Duration
	// EnabledJobs limits which jobs run; empty runs all of them.
	EnabledJobs []string
}

func DefaultConfig() Config {
	return Config{
		OutboxInterval:   5 * time.Second,
		RecoveryInterval: 30 * time.Second,
		SweepInterval:    15 * time.Minute,
		SweepBatchSize:   100,
		JobTimeout:       30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.OutboxInterval <= 0 {
		c.OutboxInterval = defaults.OutboxInterval
	}
	if c.RecoveryInterval <= 0 {
		c.RecoveryInterval = defaults.RecoveryInterval
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaults.SweepInterval
	}
	if c.SweepBatchSize <= 0 {
		c.SweepBatchSize = defaults.SweepBatchSize
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	return c
}

func ProvideConfig(cfg config.Config) Config {
	out := DefaultConfig()
	for _, job := range strings.Split(cfg.SchedulerJobs, ",") {
		if job = strings.TrimSpace(job); job != "" {
			out.EnabledJobs = append(out.EnabledJobs, job)
		}
	}
	return out
}

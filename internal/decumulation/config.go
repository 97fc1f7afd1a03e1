package decumulation

import (
	"time"

	"github.com/smallbiznis/turnstile/internal/config"
)

const (
	DefaultEntriesThreshold int64 = 7000
	DefaultExitsThreshold   int64 = 6000
)

// Config controls the outlier policy. Thresholds are per 4-hour interval.
type Config struct {
	EntriesThreshold int64
	ExitsThreshold   int64
	// MaxSeedAge disables seeding from continuity records older than this,
	// measured against the device's first reading in the batch. Zero keeps
	// every seed.
	MaxSeedAge time.Duration
	Workers    int
}

func DefaultConfig() Config {
	return Config{
		EntriesThreshold: DefaultEntriesThreshold,
		ExitsThreshold:   DefaultExitsThreshold,
		Workers:          1,
	}
}

func ConfigFrom(cfg config.DecumulationConfig) Config {
	return Config{
		EntriesThreshold: cfg.EntriesThreshold,
		ExitsThreshold:   cfg.ExitsThreshold,
		MaxSeedAge:       cfg.MaxSeedAge,
		Workers:          cfg.Workers,
	}
}

func (c Config) withDefaults() Config {
	if c.EntriesThreshold <= 0 {
		c.EntriesThreshold = DefaultEntriesThreshold
	}
	if c.ExitsThreshold <= 0 {
		c.ExitsThreshold = DefaultExitsThreshold
	}
	if c.MaxSeedAge < 0 {
		c.MaxSeedAge = 0
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	return c
}

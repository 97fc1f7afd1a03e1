package ingest

import (
	"time"

	"github.com/smallbiznis/turnstile/internal/config"
)

// Config controls how a run walks its files.
type Config struct {
	BatchTimeout   time.Duration
	MaxDiagnostics int
	SkipCommitted  bool
	// Force re-ingests files whose checksum already committed.
	Force   bool
	LockKey string
	LockTTL time.Duration
}

func DefaultConfig() Config {
	return Config{
		BatchTimeout:   10 * time.Minute,
		MaxDiagnostics: 200,
		SkipCommitted:  true,
		LockKey:        "turnstile:ingest:lock",
		LockTTL:        2 * time.Hour,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = defaults.BatchTimeout
	}
	if c.MaxDiagnostics < 0 {
		c.MaxDiagnostics = 0
	}
	if c.LockKey == "" {
		c.LockKey = defaults.LockKey
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaults.LockTTL
	}
	// the lock is renewed between batches, so it must outlive the longest one
	if minTTL := 2 * c.BatchTimeout; c.LockTTL < minTTL {
		c.LockTTL = minTTL
	}
	return c
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		BatchTimeout:   cfg.Ingest.BatchTimeout,
		MaxDiagnostics: cfg.Ingest.MaxDiagnostics,
		SkipCommitted:  cfg.Ingest.SkipCommitted,
		LockKey:        cfg.AppName + ":ingest:lock",
		LockTTL:        cfg.Ingest.LockTTL,
	}
}

package config

import (
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// DecumulationConfig tunes the outlier policy of the decumulation engine.
type DecumulationConfig struct {
	EntriesThreshold int64         `mapstructure:"entriesThreshold"`
	ExitsThreshold   int64         `mapstructure:"exitsThreshold"`
	MaxSeedAge       time.Duration `mapstructure:"maxSeedAge"`
	Workers          int           `mapstructure:"workers"`
}

func DefaultDecumulationConfig() DecumulationConfig {
	return DecumulationConfig{
		EntriesThreshold: 7000,
		ExitsThreshold:   6000,
		MaxSeedAge:       0,
		Workers:          1,
	}
}

type DecumulationConfigHolder struct {
	current atomic.Value // holds DecumulationConfig
}

// NewStaticDecumulationConfigHolder returns a holder that never reloads.
func NewStaticDecumulationConfigHolder(cfg DecumulationConfig) *DecumulationConfigHolder {
	holder := &DecumulationConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func NewDecumulationConfigHolder(log *zap.Logger) (*DecumulationConfigHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("config.decumulation")

	v := viper.New()

	v.SetConfigName("turnstile")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/turnstile")
	v.AddConfigPath(".")

	v.SetEnvPrefix("TURNSTILE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultDecumulationConfig()
	v.SetDefault("decumulation.entriesThreshold", defaults.EntriesThreshold)
	v.SetDefault("decumulation.exitsThreshold", defaults.ExitsThreshold)
	v.SetDefault("decumulation.maxSeedAge", defaults.MaxSeedAge)
	v.SetDefault("decumulation.workers", defaults.Workers)

	fileFound := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fileFound = false
	}

	var cfg DecumulationConfig
	if err := v.UnmarshalKey("decumulation", &cfg); err != nil {
		return nil, err
	}
	if err := validateDecumulationConfig(cfg); err != nil {
		return nil, err
	}

	holder := NewStaticDecumulationConfigHolder(cfg)
	if !fileFound {
		log.Info("no config file found, using defaults",
			zap.Int64("entries_threshold", cfg.EntriesThreshold),
			zap.Int64("exits_threshold", cfg.ExitsThreshold),
		)
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated DecumulationConfig
		if err := v.UnmarshalKey("decumulation", &updated); err != nil {
			log.Warn("reload failed", zap.String("file", e.Name), zap.Error(err))
			return
		}
		if err := validateDecumulationConfig(updated); err != nil {
			log.Warn("invalid config ignored", zap.String("file", e.Name), zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

func (h *DecumulationConfigHolder) Get() DecumulationConfig {
	return h.current.Load().(DecumulationConfig)
}

func validateDecumulationConfig(cfg DecumulationConfig) error {
	if cfg.EntriesThreshold <= 0 {
		return errors.New("decumulation.entriesThreshold must be positive")
	}
	if cfg.ExitsThreshold <= 0 {
		return errors.New("decumulation.exitsThreshold must be positive")
	}
	if cfg.MaxSeedAge < 0 {
		return errors.New("decumulation.maxSeedAge cannot be negative")
	}
	if cfg.Workers < 0 {
		return errors.New("decumulation.workers cannot be negative")
	}
	return nil
}

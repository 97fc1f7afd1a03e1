package lock

import (
	"context"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/turnstile/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("run.lock",
	fx.Provide(New),
)

// New returns a Redis-backed locker when REDIS_ADDR is set, else NoopLocker.
func New(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) Locker {
	log = log.Named("run.lock")

	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		log.Info("redis not configured, run lock disabled")
		return NoopLocker{}
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(cfg.RedisPassword),
		DB:       cfg.RedisDB,
	})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		},
		OnStop: func(ctx context.Context) error {
			return client.Close()
		},
	})

	log.Info("run lock uses redis", zap.String("addr", addr), zap.Int("db", cfg.RedisDB))
	return NewRedisLocker(client)
}

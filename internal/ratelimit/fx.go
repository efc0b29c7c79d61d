package ratelimit

import (
	"context"

	redis "github.com/redis/go-redis/v9"
	"github.com/tillworks/licensing/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module wires the Redis client and the token bucket. Both resolve to nil
// when no Redis address is configured; callers treat a nil bucket as
// limiting disabled.
var Module = fx.Module("ratelimit",
	fx.Provide(newRedisClient),
	fx.Provide(NewTokenBucket),
)

func newRedisClient(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) *redis.Client {
	if cfg.RedisAddr == "" {
		log.Named("ratelimit").Info("redis not configured, rate limiting disabled")
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		},
		OnStop: func(ctx context.Context) error {
			return client.Close()
		},
	})
	return client
}

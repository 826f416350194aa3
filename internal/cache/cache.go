// Package cache is a best-effort Redis cache. Failures are logged and
// reported as a miss or a no-op, never as errors to the caller.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/smukkama/weather-monitor/internal/logging"
	"github.com/smukkama/weather-monitor/internal/metrics"
	"github.com/smukkama/weather-monitor/pkg/config"
)

// Cache is the subset of the gateway used by other components.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key, value string, ttl time.Duration)
	Delete(ctx context.Context, keys ...string)
	DeleteByPattern(ctx context.Context, pattern string) int
	Exists(ctx context.Context, key string) bool
	GetJSON(ctx context.Context, key string, dest any) bool
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration)
}

// Gateway implements Cache over a go-redis client
type Gateway struct {
	redis      *redis.Client
	logger     zerolog.Logger
	timeout    time.Duration
	defaultTTL time.Duration
}

// NewClient builds a go-redis client from config. It does not connect.
func NewClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.CommandTimeout,
		WriteTimeout: cfg.CommandTimeout,
	})
}

// NewGateway creates a cache gateway. A zero timeout disables the per-call deadline.
func NewGateway(client *redis.Client, timeout, defaultTTL time.Duration, logger zerolog.Logger) *Gateway {
	return &Gateway{
		redis:      client,
		logger:     logging.Component(logger, "cache"),
		timeout:    timeout,
		defaultTTL: defaultTTL,
	}
}

func (g *Gateway) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, g.timeout)
}

// Ping reports whether Redis is reachable.
func (g *Gateway) Ping(ctx context.Context) error {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()
	return g.redis.Ping(ctx).Err()
}

func (g *Gateway) Close() error {
	return g.redis.Close()
}

// Get returns the value of key, or false when absent or on failure.
func (g *Gateway) Get(ctx context.Context, key string) (string, bool) {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	val, err := g.redis.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		metrics.IncCache(metrics.CacheMiss)
		return "", false
	}
	if err != nil {
		metrics.IncCache(metrics.CacheError)
		g.logger.Warn().Err(err).Str("key", key).Msg("cache get failed")
		return "", false
	}
	metrics.IncCache(metrics.CacheHit)
	return val, true
}

// Set stores value under key. A non-positive ttl uses the default TTL.
func (g *Gateway) Set(ctx context.Context, key, value string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = g.defaultTTL
	}
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	if err := g.redis.Set(ctx, key, value, ttl).Err(); err != nil {
		g.logger.Warn().Err(err).Str("key", key).Msg("cache set failed")
	}
}

func (g *Gateway) Delete(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	if err := g.redis.Del(ctx, keys...).Err(); err != nil {
		g.logger.Warn().Err(err).Strs("keys", keys).Msg("cache delete failed")
	}
}

// DeleteByPattern removes every key matching a glob pattern and returns
// how many were deleted.
func (g *Gateway) DeleteByPattern(ctx context.Context, pattern string) int {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	var (
		cursor  uint64
		deleted int
	)
	for {
		keys, next, err := g.redis.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			g.logger.Warn().Err(err).Str("pattern", pattern).Msg("cache scan failed")
			return deleted
		}
		if len(keys) > 0 {
			n, err := g.redis.Del(ctx, keys...).Result()
			if err != nil {
				g.logger.Warn().Err(err).Str("pattern", pattern).Msg("cache pattern delete failed")
				return deleted
			}
			deleted += int(n)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	if deleted > 0 {
		g.logger.Debug().Str("pattern", pattern).Int("deleted", deleted).Msg("cache keys invalidated")
	}
	return deleted
}

func (g *Gateway) Exists(ctx context.Context, key string) bool {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	n, err := g.redis.Exists(ctx, key).Result()
	if err != nil {
		g.logger.Warn().Err(err).Str("key", key).Msg("cache exists failed")
		return false
	}
	return n > 0
}

// GetJSON decodes the cached value of key into dest. It returns false on
// a miss or when the stored value cannot be decoded.
func (g *Gateway) GetJSON(ctx context.Context, key string, dest any) bool {
	val, ok := g.Get(ctx, key)
	if !ok {
		return false
	}
	if err := json.Unmarshal([]byte(val), dest); err != nil {
		g.logger.Warn().Err(err).Str("key", key).Msg("cache value is not valid JSON")
		return false
	}
	return true
}

func (g *Gateway) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) {
	data, err := json.Marshal(value)
	if err != nil {
		g.logger.Warn().Err(err).Str("key", key).Msg("failed to marshal cache value")
		return
	}
	g.Set(ctx, key, string(data), ttl)
}

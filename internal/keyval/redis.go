package keyval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"pkt.systems/pslog"
)

// Redis implements Store on a Redis server via go-redis.
type Redis struct {
	client *redis.Client
	logger pslog.Logger
}

// NewRedis connects a Store to the Redis server at url
// (redis://[user:pass@]host:port/db).
func NewRedis(url string, logger pslog.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Redis{
		client: redis.NewClient(opts),
		logger: logger.With("subsystem", "keyval.redis"),
	}, nil
}

// NewRedisWithClient wraps an existing client (useful for tests against
// miniredis or a shared pool).
func NewRedisWithClient(client *redis.Client, logger pslog.Logger) *Redis {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Redis{client: client, logger: logger.With("subsystem", "keyval.redis")}
}

// Ping verifies connectivity to the Redis server.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// SetIfAbsent performs SET key value NX EX ttl.
func (r *Redis) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %q: %w", key, err)
	}
	return ok, nil
}

// Set performs SET key value EX ttl, overwriting any prior entry.
func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// Get returns the value under key; a redis.Nil reply maps to found=false.
func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get %q: %w", key, err)
	}
	return val, true, nil
}

// MGet fetches all keys in one round trip; nil replies are dropped.
func (r *Redis) MGet(ctx context.Context, keys []string) (map[string]string, error) {
	if len(keys) == 0 {
		return map[string]string{}, nil
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget: %w", err)
	}
	found := make(map[string]string, len(keys))
	for i, v := range vals {
		if v == nil {
			continue
		}
		s, ok := v.(string)
		if !ok {
			r.logger.Warn("keyval.redis.mget_unexpected_type", "key", keys[i])
			continue
		}
		found[keys[i]] = s
	}
	return found, nil
}

// Del removes key; the reply count tells whether anything was deleted.
func (r *Redis) Del(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Del(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("redis del %q: %w", key, err)
	}
	return n > 0, nil
}

// Close shuts down the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}

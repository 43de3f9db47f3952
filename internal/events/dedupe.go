package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const dedupePrefix = "events:dedupe:"

// RedisDeduper remembers message keys in Redis for a bounded time. Redis
// failures fail open: the message is processed.
type RedisDeduper struct {
	client redis.Cmdable
	ttl    time.Duration
	logger *slog.Logger
}

func NewRedisDeduper(client redis.Cmdable, ttl time.Duration, logger *slog.Logger) *RedisDeduper {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisDeduper{client: client, ttl: ttl, logger: logger}
}

// Seen records key and reports whether it was already present.
func (d *RedisDeduper) Seen(ctx context.Context, key string) bool {
	ok, err := d.client.SetNX(ctx, dedupePrefix+key, 1, d.ttl).Result()
	if err != nil {
		d.logger.Warn("dedupe check failed", "error", err, "key", key)
		return false
	}
	return !ok
}

// NewRedisClient parses url and verifies the server is reachable.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

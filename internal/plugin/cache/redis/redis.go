package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/recallhq/user-memory-service/internal/config"
	registrycache "github.com/recallhq/user-memory-service/internal/registry/cache"
	goredis "github.com/redis/go-redis/v9"
)

const defaultTTL = 30 * time.Second

func init() {
	registrycache.Register(registrycache.Plugin{
		Name:   "redis",
		Loader: load,
	})
}

func load(ctx context.Context) (registrycache.ListCache, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.RedisURL == "" {
		return nil, fmt.Errorf("redis cache: MEMORY_EXTRACTOR_REDIS_URL is required")
	}
	opts, err := goredis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("redis cache: invalid URL: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis cache: ping failed: %w", err)
	}
	return &redisListCache{client: client}, nil
}

type redisListCache struct {
	client *goredis.Client
}

func (c *redisListCache) Available() bool { return true }

func (c *redisListCache) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	return data, err
}

func (c *redisListCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return c.client.Set(ctx, key, value, ttl).Err()
}

var _ registrycache.ListCache = (*redisListCache)(nil)

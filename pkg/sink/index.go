package sink

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisKeyProcessed is the Redis set holding processed slugs.
const RedisKeyProcessed = "event_search:processed_slugs"

// RedisIndex mirrors the processed-slug set in a Redis set so large output
// files need not be rescanned on every resume.
type RedisIndex struct {
	redis *redis.Client
}

// NewRedisIndex creates a processed-slug index backed by Redis.
func NewRedisIndex(client *redis.Client) *RedisIndex {
	if client == nil {
		panic("redis client cannot be nil")
	}
	return &RedisIndex{redis: client}
}

// Len returns the number of indexed slugs.
func (i *RedisIndex) Len(ctx context.Context) (int64, error) {
	n, err := i.redis.SCard(ctx, RedisKeyProcessed).Result()
	if err != nil {
		return 0, fmt.Errorf("redis scard: %w", err)
	}
	return n, nil
}

// Members returns all indexed slugs.
func (i *RedisIndex) Members(ctx context.Context) ([]string, error) {
	slugs, err := i.redis.SMembers(ctx, RedisKeyProcessed).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers: %w", err)
	}
	return slugs, nil
}

// Add records a slug as processed. Idempotent.
func (i *RedisIndex) Add(ctx context.Context, slug string) error {
	if err := i.redis.SAdd(ctx, RedisKeyProcessed, slug).Err(); err != nil {
		return fmt.Errorf("redis sadd: %w", err)
	}
	return nil
}

// Contains reports whether a slug is indexed.
func (i *RedisIndex) Contains(ctx context.Context, slug string) (bool, error) {
	ok, err := i.redis.SIsMember(ctx, RedisKeyProcessed, slug).Result()
	if err != nil {
		return false, fmt.Errorf("redis sismember: %w", err)
	}
	return ok, nil
}

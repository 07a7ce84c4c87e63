package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore shares fixed-window counters across API processes. The window
// is the key's TTL: the first increment sets it, later increments ride it
// until Redis expires the key.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client), nil
}

// NewRedisStoreWithClient wraps an existing Redis client.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: "ratelimit:",
	}
}

func (s *RedisStore) TryConsume(ctx context.Context, key string, limit int, window time.Duration) error {
	counterKey := s.prefix + key

	count, err := s.client.Incr(ctx, counterKey).Result()
	if err != nil {
		return fmt.Errorf("increment %s: %w", key, err)
	}
	if count == 1 {
		if err := s.client.Expire(ctx, counterKey, window).Err(); err != nil {
			return fmt.Errorf("set window %s: %w", key, err)
		}
	}
	if count > int64(limit) {
		retryAfter, err := s.client.TTL(ctx, counterKey).Result()
		if err != nil || retryAfter <= 0 {
			retryAfter = window
		}
		return &LimitError{RetryAfter: retryAfter}
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

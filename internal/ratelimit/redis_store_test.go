package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	store, err := NewRedisStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	return store, s
}

func TestRedisStoreEnforcesLimit(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := store.TryConsume(ctx, "vote:sam@example.com", 5, time.Hour); err != nil {
			t.Fatalf("TryConsume() call %d error = %v", i+1, err)
		}
	}

	err := store.TryConsume(ctx, "vote:sam@example.com", 5, time.Hour)
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("TryConsume() error = %v, want ErrRateLimited", err)
	}
	var limitErr *LimitError
	if !errors.As(err, &limitErr) {
		t.Fatalf("TryConsume() error = %T, want *LimitError", err)
	}
	if limitErr.RetryAfter <= 0 || limitErr.RetryAfter > time.Hour {
		t.Fatalf("RetryAfter = %s, want within (0, 1h]", limitErr.RetryAfter)
	}
}

func TestRedisStoreWindowReset(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := store.TryConsume(ctx, "vote:k", 5, time.Hour); err != nil {
			t.Fatalf("TryConsume() error = %v", err)
		}
	}
	if err := store.TryConsume(ctx, "vote:k", 5, time.Hour); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("TryConsume() error = %v, want ErrRateLimited", err)
	}

	// Fast-forward time in miniredis past the window
	s.FastForward(time.Hour + time.Second)

	if err := store.TryConsume(ctx, "vote:k", 5, time.Hour); err != nil {
		t.Fatalf("TryConsume() after window error = %v", err)
	}
}

func TestRedisStoreKeysAreIndependent(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := store.TryConsume(ctx, "comment:a", 5, time.Hour); err != nil {
			t.Fatalf("TryConsume(a) error = %v", err)
		}
	}
	if err := store.TryConsume(ctx, "comment:b", 5, time.Hour); err != nil {
		t.Fatalf("TryConsume(b) error = %v, want separate window", err)
	}
}

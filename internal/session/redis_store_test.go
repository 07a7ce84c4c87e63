package session

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

func TestNewRedisStore(t *testing.T) {
	s := miniredis.RunT(t)
	defer s.Close()

	store, err := NewRedisStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("NewRedisStore failed: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.Ping(ctx); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestSaveAndLookup(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	data := TokenData{UserID: "user-123", Email: "sam@example.com", Name: "Sam"}

	if err := store.Save(ctx, "test-token-hash", data, 24*time.Hour); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := store.Lookup(ctx, "test-token-hash")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if got != data {
		t.Errorf("Lookup = %+v, want %+v", got, data)
	}
}

func TestLookupExpiredSession(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	data := TokenData{UserID: "user-456", Email: "lee@example.com", Name: "Lee"}

	if err := store.Save(ctx, "expired-token", data, time.Millisecond); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	// Fast-forward time in miniredis
	s.FastForward(2 * time.Millisecond)

	if _, err := store.Lookup(ctx, "expired-token"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Lookup error = %v, want ErrNotFound", err)
	}
}

func TestLookupNonExistentSession(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	if _, err := store.Lookup(ctx, "non-existent-token"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Lookup error = %v, want ErrNotFound", err)
	}
}

func TestRevokeSession(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	data := TokenData{UserID: "user-789", Email: "max@example.com", Name: "Max"}

	if err := store.Save(ctx, "token-to-revoke", data, 24*time.Hour); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if _, err := store.Lookup(ctx, "token-to-revoke"); err != nil {
		t.Fatalf("Lookup before revoke failed: %v", err)
	}

	if err := store.Revoke(ctx, "token-to-revoke"); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}
	if _, err := store.Lookup(ctx, "token-to-revoke"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Lookup after revoke error = %v, want ErrNotFound", err)
	}
}

func TestRevokeNonExistentSession(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	if err := store.Revoke(ctx, "non-existent-token"); err != nil {
		t.Errorf("Revoke for non-existent token failed: %v", err)
	}
}

func TestSessionIsolation(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()

	if err := store.Save(ctx, "token-1", TokenData{UserID: "user-1"}, 24*time.Hour); err != nil {
		t.Fatalf("Save token-1 failed: %v", err)
	}
	if err := store.Save(ctx, "token-2", TokenData{UserID: "user-2"}, 24*time.Hour); err != nil {
		t.Fatalf("Save token-2 failed: %v", err)
	}

	if err := store.Revoke(ctx, "token-1"); err != nil {
		t.Fatalf("Revoke token-1 failed: %v", err)
	}
	if _, err := store.Lookup(ctx, "token-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Lookup token-1 after revoke error = %v, want ErrNotFound", err)
	}

	data, err := store.Lookup(ctx, "token-2")
	if err != nil {
		t.Fatalf("Lookup token-2 after revoke failed: %v", err)
	}
	if data.UserID != "user-2" {
		t.Errorf("expected user-2 after revoke, got %s", data.UserID)
	}
}

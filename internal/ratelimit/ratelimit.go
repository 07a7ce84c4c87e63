// Package ratelimit implements the fixed-window admission limiter applied in
// front of vote and comment mutations. Counters live behind the CounterStore
// interface: process-local memory by default, Redis when several API
// processes must share one window. A fixed window can admit up to twice the
// limit across a window boundary; that is acceptable for abuse deterrence,
// not for hard quota enforcement.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrRateLimited matches any limit rejection via errors.Is.
var ErrRateLimited = errors.New("rate limited")

// LimitError reports an exhausted window and how long until it resets.
type LimitError struct {
	RetryAfter time.Duration
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("rate limited, retry in %s", e.RetryAfter.Round(time.Second))
}

func (e *LimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// CounterStore records one consumption per call for a key, or rejects the
// call when the key's fixed window is exhausted.
type CounterStore interface {
	TryConsume(ctx context.Context, key string, limit int, window time.Duration) error
}

type entry struct {
	count   int
	resetAt time.Time
}

// MemoryStore is a process-local counter table. Safe for concurrent use.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]entry
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithClock(time.Now)
}

// NewMemoryStoreWithClock injects the clock, which tests use to advance
// windows deterministically.
func NewMemoryStoreWithClock(now func() time.Time) *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]entry),
		now:     now,
	}
}

func (s *MemoryStore) TryConsume(_ context.Context, key string, limit int, window time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	current, ok := s.entries[key]
	if !ok || now.After(current.resetAt) {
		s.entries[key] = entry{count: 1, resetAt: now.Add(window)}
		return nil
	}
	if current.count >= limit {
		return &LimitError{RetryAfter: current.resetAt.Sub(now)}
	}
	current.count++
	s.entries[key] = current
	return nil
}

// Sweep drops entries whose window has expired, bounding memory. It only
// removes state that TryConsume would reset anyway, so concurrent checks stay
// correct.
func (s *MemoryStore) Sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for key, current := range s.entries {
		if now.After(current.resetAt) {
			delete(s.entries, key)
		}
	}
}

// StartSweeper runs Sweep on a ticker until ctx is cancelled.
func (s *MemoryStore) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Sweep()
			}
		}
	}()
}

func (s *MemoryStore) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Package schedule parks approved delete-tier erasures until their deferral
// deadline. The schedule holds only erasure request IDs and timestamps.
package schedule

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	platformredis "caseguard/internal/platform/redis"
	id "caseguard/pkg/domain"
)

// Scheduler defers, cancels and drains pending executions.
type Scheduler interface {
	// Defer parks the request until at.
	Defer(ctx context.Context, erasureID id.ErasureID, at time.Time) error
	// Cancel removes the request from the schedule. Cancelling an absent
	// entry is not an error.
	Cancel(ctx context.Context, erasureID id.ErasureID) error
	// Due returns every request whose deadline is at or before now.
	Due(ctx context.Context, now time.Time) ([]id.ErasureID, error)
}

const deferredKey = "caseguard:erasure:deferred"

// RedisScheduler keeps the schedule in a redis sorted set scored by the
// execution deadline, so it survives process restarts.
type RedisScheduler struct {
	client *platformredis.Client
}

func NewRedis(client *platformredis.Client) *RedisScheduler {
	if client == nil {
		panic("redis scheduler requires a client")
	}
	return &RedisScheduler{client: client}
}

func (s *RedisScheduler) Defer(ctx context.Context, erasureID id.ErasureID, at time.Time) error {
	err := s.client.ZAdd(ctx, deferredKey, goredis.Z{
		Score:  float64(at.Unix()),
		Member: erasureID.String(),
	}).Err()
	if err != nil {
		return fmt.Errorf("defer erasure: %w", err)
	}
	return nil
}

func (s *RedisScheduler) Cancel(ctx context.Context, erasureID id.ErasureID) error {
	if err := s.client.ZRem(ctx, deferredKey, erasureID.String()).Err(); err != nil {
		return fmt.Errorf("cancel deferred erasure: %w", err)
	}
	return nil
}

func (s *RedisScheduler) Due(ctx context.Context, now time.Time) ([]id.ErasureID, error) {
	members, err := s.client.ZRangeByScore(ctx, deferredKey, &goredis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now.Unix()),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list due erasures: %w", err)
	}
	out := make([]id.ErasureID, 0, len(members))
	for _, member := range members {
		erasureID, err := id.ParseErasureID(member)
		if err != nil {
			return nil, fmt.Errorf("parse scheduled erasure id: %w", err)
		}
		out = append(out, erasureID)
	}
	return out, nil
}

// InMemoryScheduler backs tests and redis-less local runs.
type InMemoryScheduler struct {
	mu      sync.Mutex
	entries map[id.ErasureID]time.Time
}

func NewInMemory() *InMemoryScheduler {
	return &InMemoryScheduler{entries: make(map[id.ErasureID]time.Time)}
}

func (s *InMemoryScheduler) Defer(_ context.Context, erasureID id.ErasureID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[erasureID] = at
	return nil
}

func (s *InMemoryScheduler) Cancel(_ context.Context, erasureID id.ErasureID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, erasureID)
	return nil
}

func (s *InMemoryScheduler) Due(_ context.Context, now time.Time) ([]id.ErasureID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []id.ErasureID
	for erasureID, at := range s.entries {
		if !at.After(now) {
			out = append(out, erasureID)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return s.entries[out[i]].Before(s.entries[out[j]])
	})
	return out, nil
}

// Package claimcache provides the optional claim-miss cache: a short-lived
// record of cases this machine just lost a claim race on, so the poll loop
// can skip re-attempting them until the entry expires instead of hammering
// the Case Registry every tick with claims it already knows will fail.
package claimcache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is the narrow interface the Scheduler/Lifecycle Engine depends on.
// A nil Cache is a valid no-op: every case is always attempted.
type Cache interface {
	RecentlyLost(ctx context.Context, caseID string) bool
	MarkLost(ctx context.Context, caseID string, ttl time.Duration)
}

// Redis backs the claim-miss cache with Redis (or a wire-compatible
// alternative such as Valkey or DragonflyDB).
type Redis struct {
	client *redis.Client
}

// New dials url and verifies connectivity with a ping.
func New(url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return &Redis{client: client}, nil
}

func (r *Redis) key(caseID string) string { return "claimmiss:" + caseID }

// RecentlyLost reports whether this machine lost a claim race on caseID
// within the cache's TTL window. A Redis error is treated as a cache miss:
// the poll loop falls back to attempting the claim directly against the
// registry, which is always correct, just slower under contention.
func (r *Redis) RecentlyLost(ctx context.Context, caseID string) bool {
	exists, err := r.client.Exists(ctx, r.key(caseID)).Result()
	if err != nil {
		return false
	}
	return exists > 0
}

// MarkLost records that caseID was just lost, for ttl. Failures are
// swallowed: the cache is an optimization, never a source of correctness.
func (r *Redis) MarkLost(ctx context.Context, caseID string, ttl time.Duration) {
	r.client.Set(ctx, r.key(caseID), 1, ttl)
}

// Close closes the underlying connection.
func (r *Redis) Close() error { return r.client.Close() }

// Package kv is the C1 component: a typed surface over a Redis-compatible
// key-value/stream store, plus the atomic script runner used by
// internal/scripts. Grounded on control_plane/store/redis.go.
package kv

import (
	"context"
	"time"
)

// Store is the typed primitive surface spec.md section 4.1 requires.
// internal/scripts depends only on RunScript; the rest of the surface
// is used directly by internal/bus, internal/middleware, and
// internal/instance for operations that don't need cross-key atomicity.
type Store interface {
	// Strings
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Hashes
	HGet(ctx context.Context, key, field string) (string, error)
	HSet(ctx context.Context, key string, fields map[string]string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error)
	HDel(ctx context.Context, key string, fields ...string) error

	// Sorted sets
	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRangeByScore(ctx context.Context, key string, min, max string, offset, count int64) ([]string, error)
	ZRevRangeByScore(ctx context.Context, key string, max, min string, offset, count int64) ([]string, error)
	ZRemRangeByScore(ctx context.Context, key string, min, max string) (int64, error)
	ZRem(ctx context.Context, key string, member string) error
	ZCard(ctx context.Context, key string) (int64, error)
	ZScore(ctx context.Context, key, member string) (float64, bool, error)

	// Lists
	LPush(ctx context.Context, key string, values ...string) error
	RPush(ctx context.Context, key string, values ...string) error
	LTrim(ctx context.Context, key string, start, stop int64) error
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	LRem(ctx context.Context, key string, count int64, value string) error
	LLen(ctx context.Context, key string) (int64, error)

	// Sets
	SAdd(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SIsMember(ctx context.Context, key, member string) (bool, error)

	// Streams
	XAdd(ctx context.Context, key string, maxLen int64, values map[string]string) (string, error)
	XRange(ctx context.Context, key, start, stop string, count int64) ([]StreamEntry, error)
	XRevRange(ctx context.Context, key, stop, start string, count int64) ([]StreamEntry, error)
	XLen(ctx context.Context, key string) (int64, error)

	// Keys
	Scan(ctx context.Context, pattern string) ([]string, error)
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Atomic scripts (C2)
	RunScript(ctx context.Context, name string, keys []string, args ...interface{}) (interface{}, error)
}

// StreamEntry is one record read back off a Redis stream.
type StreamEntry struct {
	ID     string
	Values map[string]string
}

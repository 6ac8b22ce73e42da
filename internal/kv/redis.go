package kv

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store against a real (or miniredis-fake) Redis
// server. Grounded on control_plane/store/redis.go's NewRedisStore:
// the same "ping on connect, preload every Lua script's SHA up front"
// shape, generalized from two hardcoded scripts to an open registry so
// internal/scripts can register as many named transitions as spec.md
// section 4.2 needs.
type RedisStore struct {
	client *redis.Client

	mu      sync.RWMutex
	sources map[string]string // script name -> Lua source
	shas    map[string]string // script name -> preloaded SHA
}

// NewRedisStore dials addr and returns a Store. Scripts must be
// registered via RegisterScript before RunScript can use them; the
// caller (internal/scripts.Install) is expected to do this immediately
// after construction, mirroring the teacher's "CRITICAL: Preload all Lua
// scripts for atomic operations" comment in NewRedisStore.
func NewRedisStore(ctx context.Context, addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("kv: ping %s: %w", addr, err)
	}

	return &RedisStore{
		client:  client,
		sources: make(map[string]string),
		shas:    make(map[string]string),
	}, nil
}

// NewRedisStoreFromClient wraps an already-constructed *redis.Client.
// Used by tests against a miniredis instance.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client:  client,
		sources: make(map[string]string),
		shas:    make(map[string]string),
	}
}

// Client exposes the underlying redis.Client for callers that need
// primitives beyond the Store interface,
// such as XAdd with approximate trimming or pipeline batching.
func (s *RedisStore) Client() *redis.Client { return s.client }

// RegisterScript preloads a named Lua script's SHA via SCRIPT LOAD. Safe
// to call multiple times; re-registering the same name overwrites the
// source and re-loads the SHA.
func (s *RedisStore) RegisterScript(ctx context.Context, name, source string) error {
	sha, err := s.client.ScriptLoad(ctx, source).Result()
	if err != nil {
		return fmt.Errorf("kv: preload script %s: %w", name, err)
	}
	s.mu.Lock()
	s.sources[name] = source
	s.shas[name] = sha
	s.mu.Unlock()
	return nil
}

// RunScript executes a registered script via EVALSHA, falling back to
// EVAL (and re-caching the SHA) on a NOSCRIPT miss — the same recovery
// path go-redis recommends and that a Redis restart without a
// script-load warm-up would otherwise break.
func (s *RedisStore) RunScript(ctx context.Context, name string, keys []string, args ...interface{}) (interface{}, error) {
	s.mu.RLock()
	sha, ok := s.shas[name]
	source := s.sources[name]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("kv: script %q not registered", name)
	}

	res, err := s.client.EvalSha(ctx, sha, keys, args...).Result()
	if err != nil && strings.Contains(err.Error(), "NOSCRIPT") {
		res, err = s.client.Eval(ctx, source, keys, args...).Result()
		if err == nil {
			if newSha, shaErr := s.client.ScriptLoad(ctx, source).Result(); shaErr == nil {
				s.mu.Lock()
				s.shas[name] = newSha
				s.mu.Unlock()
			}
		}
	}
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	return res, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	v, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return v, err
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.client.Del(ctx, keys...).Err()
}

func (s *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	return s.client.Incr(ctx, key).Result()
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.client.Expire(ctx, key, ttl).Err()
}

func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	return s.client.TTL(ctx, key).Result()
}

func (s *RedisStore) HGet(ctx context.Context, key, field string) (string, error) {
	v, err := s.client.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return v, err
}

func (s *RedisStore) HSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return s.client.HSet(ctx, key, args...).Err()
}

func (s *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return s.client.HGetAll(ctx, key).Result()
}

func (s *RedisStore) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	return s.client.HIncrBy(ctx, key, field, delta).Result()
}

func (s *RedisStore) HDel(ctx context.Context, key string, fields ...string) error {
	return s.client.HDel(ctx, key, fields...).Err()
}

func (s *RedisStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return s.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

func (s *RedisStore) ZRangeByScore(ctx context.Context, key string, min, max string, offset, count int64) ([]string, error) {
	return s.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: min, Max: max, Offset: offset, Count: count}).Result()
}

func (s *RedisStore) ZRevRangeByScore(ctx context.Context, key string, max, min string, offset, count int64) ([]string, error) {
	return s.client.ZRevRangeByScore(ctx, key, &redis.ZRangeBy{Min: min, Max: max, Offset: offset, Count: count}).Result()
}

func (s *RedisStore) ZRemRangeByScore(ctx context.Context, key string, min, max string) (int64, error) {
	return s.client.ZRemRangeByScore(ctx, key, min, max).Result()
}

func (s *RedisStore) ZRem(ctx context.Context, key string, member string) error {
	return s.client.ZRem(ctx, key, member).Err()
}

func (s *RedisStore) ZCard(ctx context.Context, key string) (int64, error) {
	return s.client.ZCard(ctx, key).Result()
}

func (s *RedisStore) ZScore(ctx context.Context, key, member string) (float64, bool, error) {
	v, err := s.client.ZScore(ctx, key, member).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return v, true, nil
}

func (s *RedisStore) LPush(ctx context.Context, key string, values ...string) error {
	vals := make([]interface{}, len(values))
	for i, v := range values {
		vals[i] = v
	}
	return s.client.LPush(ctx, key, vals...).Err()
}

func (s *RedisStore) RPush(ctx context.Context, key string, values ...string) error {
	vals := make([]interface{}, len(values))
	for i, v := range values {
		vals[i] = v
	}
	return s.client.RPush(ctx, key, vals...).Err()
}

func (s *RedisStore) LTrim(ctx context.Context, key string, start, stop int64) error {
	return s.client.LTrim(ctx, key, start, stop).Err()
}

func (s *RedisStore) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return s.client.LRange(ctx, key, start, stop).Result()
}

func (s *RedisStore) LRem(ctx context.Context, key string, count int64, value string) error {
	return s.client.LRem(ctx, key, count, value).Err()
}

func (s *RedisStore) LLen(ctx context.Context, key string) (int64, error) {
	return s.client.LLen(ctx, key).Result()
}

func (s *RedisStore) SAdd(ctx context.Context, key string, members ...string) error {
	vals := make([]interface{}, len(members))
	for i, v := range members {
		vals[i] = v
	}
	return s.client.SAdd(ctx, key, vals...).Err()
}

func (s *RedisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	return s.client.SMembers(ctx, key).Result()
}

func (s *RedisStore) SIsMember(ctx context.Context, key, member string) (bool, error) {
	return s.client.SIsMember(ctx, key, member).Result()
}

func (s *RedisStore) XAdd(ctx context.Context, key string, maxLen int64, values map[string]string) (string, error) {
	args := &redis.XAddArgs{
		Stream: key,
		MaxLen: maxLen,
		Approx: true,
		Values: values,
	}
	return s.client.XAdd(ctx, args).Result()
}

func (s *RedisStore) XRange(ctx context.Context, key, start, stop string, count int64) ([]StreamEntry, error) {
	var msgs []redis.XMessage
	var err error
	if count > 0 {
		msgs, err = s.client.XRangeN(ctx, key, start, stop, count).Result()
	} else {
		msgs, err = s.client.XRange(ctx, key, start, stop).Result()
	}
	if err != nil {
		return nil, err
	}
	out := make([]StreamEntry, 0, len(msgs))
	for _, m := range msgs {
		values := make(map[string]string, len(m.Values))
		for k, v := range m.Values {
			if s, ok := v.(string); ok {
				values[k] = s
			} else {
				values[k] = fmt.Sprintf("%v", v)
			}
		}
		out = append(out, StreamEntry{ID: m.ID, Values: values})
	}
	return out, nil
}

func (s *RedisStore) XRevRange(ctx context.Context, key, stop, start string, count int64) ([]StreamEntry, error) {
	var msgs []redis.XMessage
	var err error
	if count > 0 {
		msgs, err = s.client.XRevRangeN(ctx, key, stop, start, count).Result()
	} else {
		msgs, err = s.client.XRevRange(ctx, key, stop, start).Result()
	}
	if err != nil {
		return nil, err
	}
	out := make([]StreamEntry, 0, len(msgs))
	for _, m := range msgs {
		values := make(map[string]string, len(m.Values))
		for k, v := range m.Values {
			if s, ok := v.(string); ok {
				values[k] = s
			} else {
				values[k] = fmt.Sprintf("%v", v)
			}
		}
		out = append(out, StreamEntry{ID: m.ID, Values: values})
	}
	return out, nil
}

func (s *RedisStore) XLen(ctx context.Context, key string) (int64, error) {
	return s.client.XLen(ctx, key).Result()
}

func (s *RedisStore) Scan(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, key, value, ttl).Result()
}

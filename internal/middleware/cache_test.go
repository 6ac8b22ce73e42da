package middleware

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/fblgit/claudebench/internal/kv"
	"github.com/fblgit/claudebench/internal/registry"
)

func newTestCacheStore(t *testing.T) kv.Store {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return kv.NewRedisStoreFromClient(client)
}

func TestWithCacheServesSecondCallFromCache(t *testing.T) {
	store := newTestCacheStore(t)
	stage := WithCache(store)
	desc := registry.Descriptor{Event: "system.health", Cacheable: true, CacheTTL: time.Minute}

	calls := 0
	handler := stage(desc, func(c *registry.Context, params json.RawMessage) (interface{}, error) {
		calls++
		return map[string]interface{}{"status": "healthy"}, nil
	})

	if _, err := handler(&registry.Context{Context: context.Background()}, json.RawMessage(`{}`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := handler(&registry.Context{Context: context.Background()}, json.RawMessage(`{}`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Fatalf("handler body ran %d times, want 1 (second call should be served from cache)", calls)
	}
}

func TestWithCacheNonCacheableAlwaysRunsBody(t *testing.T) {
	store := newTestCacheStore(t)
	stage := WithCache(store)
	desc := registry.Descriptor{Event: "task.create"}

	calls := 0
	handler := stage(desc, func(c *registry.Context, params json.RawMessage) (interface{}, error) {
		calls++
		return nil, nil
	})
	handler(&registry.Context{Context: context.Background()}, json.RawMessage(`{}`))
	handler(&registry.Context{Context: context.Background()}, json.RawMessage(`{}`))
	if calls != 2 {
		t.Fatalf("handler body ran %d times, want 2 for a non-cacheable event", calls)
	}
}

func TestWithCacheDistinctParamsMissIndependently(t *testing.T) {
	store := newTestCacheStore(t)
	stage := WithCache(store)
	desc := registry.Descriptor{Event: "task.list", Cacheable: true, CacheTTL: time.Minute}

	calls := 0
	handler := stage(desc, func(c *registry.Context, params json.RawMessage) (interface{}, error) {
		calls++
		return nil, nil
	})
	handler(&registry.Context{Context: context.Background()}, json.RawMessage(`{"status":"pending"}`))
	handler(&registry.Context{Context: context.Background()}, json.RawMessage(`{"status":"completed"}`))
	if calls != 2 {
		t.Fatalf("handler body ran %d times, want 2 for two distinct param sets", calls)
	}
}

package scripts

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/fblgit/claudebench/internal/kv"
)

// newTestRunner spins up a miniredis instance, preloads every atomic
// script against it, and returns a ready-to-use Runner, the way
// cmd/server/main.go does against a real Redis at startup.
func newTestRunner(t *testing.T) *Runner {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := kv.NewRedisStoreFromClient(client)
	r := NewRunner(store)
	if err := r.Install(context.Background()); err != nil {
		t.Fatalf("Install: %v", err)
	}
	return r
}

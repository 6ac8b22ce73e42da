package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/fblgit/claudebench/internal/bferrors"
	"github.com/fblgit/claudebench/internal/domain"
	"github.com/fblgit/claudebench/internal/kv"
	"github.com/fblgit/claudebench/internal/registry"
)

func newTestAuditStore(t *testing.T) kv.Store {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return kv.NewRedisStoreFromClient(client)
}

func lastAuditResult(t *testing.T, store kv.Store) string {
	t.Helper()
	entries, err := store.XRange(context.Background(), kv.AuditStreamKey, "-", "+", 0)
	if err != nil {
		t.Fatalf("XRange: %v", err)
	}
	if len(entries) == 0 {
		t.Fatal("expected at least one audit entry")
	}
	return entries[len(entries)-1].Values["result"]
}

func TestWithAuditRecordsSuccess(t *testing.T) {
	store := newTestAuditStore(t)
	stage := WithAudit(store)
	desc := registry.Descriptor{Event: "task.create"}
	handler := stage(desc, func(c *registry.Context, params json.RawMessage) (interface{}, error) {
		return "ok", nil
	})

	if _, err := handler(&registry.Context{Context: context.Background()}, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := lastAuditResult(t, store); got != string(domain.AuditSuccess) {
		t.Fatalf("result = %q, want %q", got, domain.AuditSuccess)
	}
}

func TestWithAuditRecordsTimeout(t *testing.T) {
	store := newTestAuditStore(t)
	stage := WithAudit(store)
	desc := registry.Descriptor{Event: "task.claim"}
	handler := stage(desc, func(c *registry.Context, params json.RawMessage) (interface{}, error) {
		return nil, &bferrors.Timeout{LimitMs: 5000}
	})

	handler(&registry.Context{Context: context.Background()}, nil)
	if got := lastAuditResult(t, store); got != string(domain.AuditTimeout) {
		t.Fatalf("result = %q, want %q", got, domain.AuditTimeout)
	}
}

func TestWithAuditRecordsBlockedForRejection(t *testing.T) {
	store := newTestAuditStore(t)
	stage := WithAudit(store)
	desc := registry.Descriptor{Event: "task.claim"}
	handler := stage(desc, func(c *registry.Context, params json.RawMessage) (interface{}, error) {
		return nil, &bferrors.RateLimitExceeded{Limit: 10, WindowMs: 60000, RetryAfter: 1000}
	})

	handler(&registry.Context{Context: context.Background()}, nil)
	if got := lastAuditResult(t, store); got != string(domain.AuditBlocked) {
		t.Fatalf("result = %q, want %q", got, domain.AuditBlocked)
	}
}

func TestWithAuditRecordsFailureForOtherErrors(t *testing.T) {
	store := newTestAuditStore(t)
	stage := WithAudit(store)
	desc := registry.Descriptor{Event: "task.complete"}
	handler := stage(desc, func(c *registry.Context, params json.RawMessage) (interface{}, error) {
		return nil, errors.New("boom")
	})

	handler(&registry.Context{Context: context.Background()}, nil)
	if got := lastAuditResult(t, store); got != string(domain.AuditFailure) {
		t.Fatalf("result = %q, want %q", got, domain.AuditFailure)
	}
}

func TestWithAuditPropagatesResultAndError(t *testing.T) {
	store := newTestAuditStore(t)
	stage := WithAudit(store)
	desc := registry.Descriptor{Event: "task.create"}
	want := errors.New("boom")
	handler := stage(desc, func(c *registry.Context, params json.RawMessage) (interface{}, error) {
		return "payload", want
	})

	res, err := handler(&registry.Context{Context: context.Background()}, nil)
	if res != "payload" {
		t.Fatalf("result = %v, want payload", res)
	}
	if err != want {
		t.Fatalf("error = %v, want %v", err, want)
	}
}

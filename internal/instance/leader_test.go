package instance

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/fblgit/claudebench/internal/kv"
)

func newTestElector(t *testing.T, nodeID string, store kv.Store) *Elector {
	t.Helper()
	return NewElector(store, nodeID, time.Minute)
}

func newTestElectorStore(t *testing.T) kv.Store {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return kv.NewRedisStoreFromClient(client)
}

func TestElectorFirstAcquireSucceeds(t *testing.T) {
	store := newTestElectorStore(t)
	el := newTestElector(t, "node-1", store)

	ctx := context.Background()
	acquired, err := el.acquire(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !acquired {
		t.Fatal("the first instance to attempt acquire should succeed")
	}
}

func TestElectorSecondNodeCannotAcquireHeldLease(t *testing.T) {
	store := newTestElectorStore(t)
	ctx := context.Background()

	first := newTestElector(t, "node-1", store)
	if acquired, err := first.acquire(ctx); err != nil || !acquired {
		t.Fatalf("node-1 acquire: acquired=%v err=%v", acquired, err)
	}

	second := newTestElector(t, "node-2", store)
	acquired, err := second.acquire(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if acquired {
		t.Fatal("a second node should not acquire a lease already held by another")
	}
}

func TestElectorRenewSucceedsWhileHeld(t *testing.T) {
	store := newTestElectorStore(t)
	el := newTestElector(t, "node-1", store)
	ctx := context.Background()

	if _, err := el.acquire(ctx); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	renewed, err := el.renew(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !renewed {
		t.Fatal("renew should succeed while this node still holds the lease")
	}
}

func TestElectorRenewFailsAfterLeaseStolen(t *testing.T) {
	store := newTestElectorStore(t)
	ctx := context.Background()

	first := newTestElector(t, "node-1", store)
	if _, err := first.acquire(ctx); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	// Simulate the lease expiring and a second node winning it.
	if err := store.Del(ctx, kv.LeaderLockKey); err != nil {
		t.Fatalf("del: %v", err)
	}
	second := newTestElector(t, "node-2", store)
	if _, err := second.acquire(ctx); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	renewed, err := first.renew(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if renewed {
		t.Fatal("the original holder should not be able to renew once another node has the lease")
	}
}

func TestElectorBecomeLeaderAndStepDown(t *testing.T) {
	store := newTestElectorStore(t)
	el := newTestElector(t, "node-1", store)

	electedCh := make(chan struct{}, 1)
	lostCh := make(chan struct{}, 1)
	el.SetCallbacks(
		func(ctx context.Context) { electedCh <- struct{}{} },
		func() { lostCh <- struct{}{} },
	)

	el.becomeLeader()
	if !el.IsLeader() {
		t.Fatal("expected IsLeader() to report true after becomeLeader")
	}
	select {
	case <-electedCh:
	case <-time.After(time.Second):
		t.Fatal("expected the onElected callback to run")
	}

	el.stepDown()
	if el.IsLeader() {
		t.Fatal("expected IsLeader() to report false after stepDown")
	}
	select {
	case <-lostCh:
	case <-time.After(time.Second):
		t.Fatal("expected the onLost callback to run")
	}
}

func TestElectorReleaseClearsOwnedLease(t *testing.T) {
	store := newTestElectorStore(t)
	el := newTestElector(t, "node-1", store)
	ctx := context.Background()

	if _, err := el.acquire(ctx); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	el.release()
	val, err := store.Get(ctx, kv.LeaderLockKey)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if val != "" {
		t.Fatal("expected release to clear the lease this node owned")
	}
}

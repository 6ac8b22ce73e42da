package queue

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/fblgit/claudebench/internal/bferrors"
	"github.com/fblgit/claudebench/internal/kv"
)

func newTestGate(t *testing.T) *Gate {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewGate(kv.NewRedisStoreFromClient(client))
}

func TestGateDefaultsToNormal(t *testing.T) {
	gate := newTestGate(t)
	ctx := context.Background()
	if m := gate.Mode(ctx); m != ModeNormal {
		t.Fatalf("Mode = %s, want NORMAL when the key is unset", m)
	}
	if err := gate.AdmitCreate(ctx, 0); err != nil {
		t.Fatalf("NORMAL mode must admit any priority, got %v", err)
	}
}

func TestGateRejectsUnknownMode(t *testing.T) {
	gate := newTestGate(t)
	if err := gate.SetMode(context.Background(), Mode("SIDEWAYS")); err == nil {
		t.Fatal("SetMode must reject modes outside the four known values")
	}
}

func TestGateReadOnlyAndDrainingRejectCreates(t *testing.T) {
	gate := newTestGate(t)
	ctx := context.Background()
	for _, mode := range []Mode{ModeReadOnly, ModeDraining} {
		if err := gate.SetMode(ctx, mode); err != nil {
			t.Fatalf("SetMode(%s): %v", mode, err)
		}
		err := gate.AdmitCreate(ctx, 100)
		var pf *bferrors.PreconditionFailed
		if !errors.As(err, &pf) {
			t.Fatalf("%s mode: err = %v, want PreconditionFailed", mode, err)
		}
	}
}

func TestGateDegradedShedsLowPriority(t *testing.T) {
	gate := newTestGate(t)
	ctx := context.Background()
	if err := gate.SetMode(ctx, ModeDegraded); err != nil {
		t.Fatalf("SetMode: %v", err)
	}
	if err := gate.AdmitCreate(ctx, DegradedMinPriority-1); err == nil {
		t.Fatal("DEGRADED mode must shed the low-priority band")
	}
	if err := gate.AdmitCreate(ctx, DegradedMinPriority); err != nil {
		t.Fatalf("DEGRADED mode must still admit at the threshold, got %v", err)
	}
}

func TestGateDrainingStopsPushes(t *testing.T) {
	gate := newTestGate(t)
	ctx := context.Background()
	if !gate.AllowPush(ctx) {
		t.Fatal("NORMAL mode must allow push assignment")
	}
	if err := gate.SetMode(ctx, ModeDraining); err != nil {
		t.Fatalf("SetMode: %v", err)
	}
	if gate.AllowPush(ctx) {
		t.Fatal("DRAINING mode must stop push assignment")
	}
}

func TestNilGateAdmitsEverything(t *testing.T) {
	var gate *Gate
	ctx := context.Background()
	if err := gate.AdmitCreate(ctx, 0); err != nil {
		t.Fatalf("nil gate must admit, got %v", err)
	}
	if !gate.AllowPush(ctx) {
		t.Fatal("nil gate must allow pushes")
	}
	if m := gate.Mode(ctx); m != ModeNormal {
		t.Fatalf("nil gate Mode = %s, want NORMAL", m)
	}
}

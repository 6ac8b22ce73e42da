package scripts

import (
	"context"
	"testing"
	"time"
)

func TestAggregateGlobalMetrics(t *testing.T) {
	r := newTestRunner(t)
	ctx := context.Background()

	if _, err := r.TaskCreate(ctx, newTestTask("t-1", 5)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := r.InstanceRegister(ctx, "inst-1", []string{"worker"}, time.Minute); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := r.EventDelivered(ctx, "evt-1"); err != nil {
		t.Fatalf("delivered: %v", err)
	}
	if _, err := r.EventDelivered(ctx, "evt-1"); err != nil { // duplicate
		t.Fatalf("delivered: %v", err)
	}

	metrics, err := r.AggregateGlobalMetrics(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if metrics.PendingTasks != 1 {
		t.Errorf("PendingTasks = %d, want 1", metrics.PendingTasks)
	}
	if metrics.ActiveInstances != 1 {
		t.Errorf("ActiveInstances = %d, want 1", metrics.ActiveInstances)
	}
	if metrics.DuplicatesPrevented != 1 {
		t.Errorf("DuplicatesPrevented = %d, want 1", metrics.DuplicatesPrevented)
	}
	if metrics.ProcessedEvents != 1 {
		t.Errorf("ProcessedEvents = %d, want 1", metrics.ProcessedEvents)
	}
}

func TestGetSystemHealthNoLeader(t *testing.T) {
	r := newTestRunner(t)
	health, err := r.GetSystemHealth(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if health.HasLeader {
		t.Error("expected no leader in a fresh cluster")
	}
	if health.ActiveInstances != 0 {
		t.Errorf("ActiveInstances = %d, want 0", health.ActiveInstances)
	}
}

func TestGetSystemStateListsInstancesAndPending(t *testing.T) {
	r := newTestRunner(t)
	ctx := context.Background()

	if err := r.InstanceRegister(ctx, "inst-1", []string{"worker"}, time.Minute); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := r.TaskCreate(ctx, newTestTask("t-1", 5)); err != nil {
		t.Fatalf("create: %v", err)
	}

	state, err := r.GetSystemState(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state.PendingTasks != 1 {
		t.Errorf("PendingTasks = %d, want 1", state.PendingTasks)
	}
	if len(state.InstanceIDs) != 1 || state.InstanceIDs[0] != "inst-1" {
		t.Errorf("InstanceIDs = %v, want [inst-1]", state.InstanceIDs)
	}
}

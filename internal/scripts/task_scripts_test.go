package scripts

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fblgit/claudebench/internal/domain"
	"github.com/fblgit/claudebench/internal/kv"
)

func newTestTask(id string, priority int) domain.Task {
	return domain.Task{
		ID:        id,
		Text:      "do the thing",
		Priority:  priority,
		CreatedAt: time.Now().UTC(),
	}
}

func TestTaskCreateAndDuplicate(t *testing.T) {
	r := newTestRunner(t)
	ctx := context.Background()

	created, err := r.TaskCreate(ctx, newTestTask("t-1", 5))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !created {
		t.Fatal("expected the first create to succeed")
	}

	created, err = r.TaskCreate(ctx, newTestTask("t-1", 5))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created {
		t.Fatal("creating the same id twice should report false, not overwrite")
	}
}

func TestTaskClaimHighestPriorityFirst(t *testing.T) {
	r := newTestRunner(t)
	ctx := context.Background()

	if _, err := r.TaskCreate(ctx, newTestTask("t-low", 1)); err != nil {
		t.Fatalf("create low: %v", err)
	}
	if _, err := r.TaskCreate(ctx, newTestTask("t-high", 9)); err != nil {
		t.Fatalf("create high: %v", err)
	}

	claim, err := r.TaskClaim(ctx, "worker-1", nil, 50)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !claim.Found {
		t.Fatal("expected a task to be claimed")
	}
	if claim.TaskID != "t-high" {
		t.Fatalf("claimed %q, want the higher priority task t-high", claim.TaskID)
	}
	if claim.Fields["status"] != "in_progress" {
		t.Fatalf("claimed task status = %q, want in_progress", claim.Fields["status"])
	}
	if claim.Fields["assignedTo"] != "worker-1" {
		t.Fatalf("claimed task assignedTo = %q, want worker-1", claim.Fields["assignedTo"])
	}
}

func TestTaskClaimSkipsDenyList(t *testing.T) {
	r := newTestRunner(t)
	ctx := context.Background()

	if _, err := r.TaskCreate(ctx, newTestTask("t-a", 5)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := r.TaskCreate(ctx, newTestTask("t-b", 5)); err != nil {
		t.Fatalf("create: %v", err)
	}

	claim, err := r.TaskClaim(ctx, "worker-1", []string{"t-a"}, 50)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !claim.Found || claim.TaskID != "t-b" {
		t.Fatalf("expected t-b to be claimed past the deny list, got %+v", claim)
	}
}

func TestTaskClaimEmptyQueue(t *testing.T) {
	r := newTestRunner(t)
	claim, err := r.TaskClaim(context.Background(), "worker-1", nil, 50)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if claim.Found {
		t.Fatal("claiming from an empty queue should report not found")
	}
}

func TestTaskCompleteRequiresInProgress(t *testing.T) {
	r := newTestRunner(t)
	ctx := context.Background()
	if _, err := r.TaskCreate(ctx, newTestTask("t-1", 5)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := r.TaskComplete(ctx, "t-1", map[string]interface{}{"ok": true}, ""); err == nil {
		t.Fatal("completing a still-pending task should fail its precondition")
	}
}

func TestTaskCompleteSuccessAndFailure(t *testing.T) {
	r := newTestRunner(t)
	ctx := context.Background()
	if _, err := r.TaskCreate(ctx, newTestTask("t-1", 5)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := r.TaskClaim(ctx, "worker-1", nil, 50); err != nil {
		t.Fatalf("claim: %v", err)
	}
	status, err := r.TaskComplete(ctx, "t-1", map[string]interface{}{"answer": 42}, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != domain.TaskCompleted {
		t.Fatalf("status = %q, want completed", status)
	}

	if _, err := r.TaskCreate(ctx, newTestTask("t-2", 5)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := r.TaskClaim(ctx, "worker-1", nil, 50); err != nil {
		t.Fatalf("claim: %v", err)
	}
	status, err = r.TaskComplete(ctx, "t-2", nil, "boom")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != domain.TaskFailed {
		t.Fatalf("status = %q, want failed", status)
	}
}

func TestTaskCompleteDoubleCompleteFails(t *testing.T) {
	r := newTestRunner(t)
	ctx := context.Background()
	if _, err := r.TaskCreate(ctx, newTestTask("t-1", 5)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := r.TaskClaim(ctx, "worker-1", nil, 50); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := r.TaskComplete(ctx, "t-1", map[string]interface{}{"ok": true}, ""); err != nil {
		t.Fatalf("first complete: %v", err)
	}
	if _, err := r.TaskComplete(ctx, "t-1", map[string]interface{}{"ok": true}, ""); err == nil {
		t.Fatal("completing an already-completed task a second time should fail")
	}
}

func TestTaskUpdateTextAndPriority(t *testing.T) {
	r := newTestRunner(t)
	ctx := context.Background()
	if _, err := r.TaskCreate(ctx, newTestTask("t-1", 5)); err != nil {
		t.Fatalf("create: %v", err)
	}
	ok, err := r.TaskUpdate(ctx, "t-1", 9, "new text", "", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected update to succeed")
	}

	claim, err := r.TaskClaim(ctx, "worker-1", nil, 50)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claim.Fields["text"] != "new text" {
		t.Fatalf("text = %q, want updated text", claim.Fields["text"])
	}
	if claim.Fields["priority"] != "9" {
		t.Fatalf("priority = %q, want 9", claim.Fields["priority"])
	}
}

func TestTaskUpdateNotFound(t *testing.T) {
	r := newTestRunner(t)
	ok, err := r.TaskUpdate(context.Background(), "nonexistent", 1, "", "", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("updating a nonexistent task should report false")
	}
}

func TestTaskUpdateRejectsIllegalStatusTransition(t *testing.T) {
	r := newTestRunner(t)
	ctx := context.Background()
	if _, err := r.TaskCreate(ctx, newTestTask("t-1", 5)); err != nil {
		t.Fatalf("create: %v", err)
	}

	// pending -> completed skips in_progress and is not a DAG edge.
	ok, err := r.TaskUpdate(ctx, "t-1", 0, "", "completed", "")
	if !errors.Is(err, ErrBadTransition) {
		t.Fatalf("err = %v, want ErrBadTransition", err)
	}
	if ok {
		t.Fatal("an illegal transition must not report success")
	}

	// The rejection must leave the task untouched and claimable.
	claim, err := r.TaskClaim(ctx, "worker-1", nil, 50)
	if err != nil || !claim.Found {
		t.Fatalf("claim after rejected update: %+v, %v", claim, err)
	}
	if claim.Fields["status"] != "in_progress" {
		t.Fatalf("status = %q, want in_progress", claim.Fields["status"])
	}

	// in_progress -> pending is only reachable via TASK_REASSIGN.
	if _, err := r.TaskUpdate(ctx, "t-1", 0, "", "pending", ""); !errors.Is(err, ErrBadTransition) {
		t.Fatalf("err = %v, want ErrBadTransition for in_progress->pending", err)
	}
}

func TestTaskUpdateStatusAndMetadataApplied(t *testing.T) {
	r := newTestRunner(t)
	ctx := context.Background()
	if _, err := r.TaskCreate(ctx, newTestTask("t-1", 5)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := r.TaskClaim(ctx, "worker-1", nil, 50); err != nil {
		t.Fatalf("claim: %v", err)
	}

	ok, err := r.TaskUpdate(ctx, "t-1", 0, "", "completed", `{"source":"update"}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("in_progress -> completed is a DAG edge and must succeed")
	}

	fields, err := r.store.HGetAll(ctx, kv.TaskKey("t-1"))
	if err != nil {
		t.Fatalf("HGetAll: %v", err)
	}
	if fields["status"] != "completed" {
		t.Fatalf("status = %q, want completed", fields["status"])
	}
	if fields["completedAt"] == "" {
		t.Fatal("a terminal status set via update must stamp completedAt")
	}
	if fields["metadata"] != `{"source":"update"}` {
		t.Fatalf("metadata = %q, want the updated blob", fields["metadata"])
	}
}

func TestTaskReassignToPending(t *testing.T) {
	r := newTestRunner(t)
	ctx := context.Background()
	if _, err := r.TaskCreate(ctx, newTestTask("t-1", 5)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := r.TaskClaim(ctx, "worker-1", nil, 50); err != nil {
		t.Fatalf("claim: %v", err)
	}
	ok, err := r.TaskReassign(ctx, "t-1", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected reassign to pending to succeed")
	}
	claim, err := r.TaskClaim(ctx, "worker-2", nil, 50)
	if err != nil {
		t.Fatalf("re-claim: %v", err)
	}
	if !claim.Found || claim.TaskID != "t-1" {
		t.Fatal("expected t-1 to be reclaimable after being reassigned to pending")
	}
}

func TestTaskReassignToNamedWorker(t *testing.T) {
	r := newTestRunner(t)
	ctx := context.Background()
	if _, err := r.TaskCreate(ctx, newTestTask("t-1", 5)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := r.TaskClaim(ctx, "worker-1", nil, 50); err != nil {
		t.Fatalf("claim: %v", err)
	}
	ok, err := r.TaskReassign(ctx, "t-1", "worker-2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected reassign to a named worker to succeed")
	}
}

func TestRescueStuckTaskRequeuesExpectedOwner(t *testing.T) {
	r := newTestRunner(t)
	ctx := context.Background()
	if _, err := r.TaskCreate(ctx, newTestTask("t-1", 5)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := r.TaskClaim(ctx, "worker-1", nil, 50); err != nil {
		t.Fatalf("claim: %v", err)
	}
	ok, err := r.RescueStuckTask(ctx, "t-1", "worker-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected requeue when the owner still matches")
	}
}

func TestRescueStuckTaskRacedOwnerMismatch(t *testing.T) {
	r := newTestRunner(t)
	ctx := context.Background()
	if _, err := r.TaskCreate(ctx, newTestTask("t-1", 5)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := r.TaskClaim(ctx, "worker-1", nil, 50); err != nil {
		t.Fatalf("claim: %v", err)
	}
	ok, err := r.RescueStuckTask(ctx, "t-1", "worker-2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected no requeue when the expected owner does not match the current one")
	}
}

// TestCheckDelayedTasksReturnsOnlyOverduePending replays spec.md
// section 4.2's CHECK_DELAYED_TASKS contract: pending tasks older than
// the delay cutoff are returned for push-assignment; a task created
// just now is not.
func TestCheckDelayedTasksReturnsOnlyOverduePending(t *testing.T) {
	r := newTestRunner(t)
	ctx := context.Background()

	old := newTestTask("t-old", 5)
	old.CreatedAt = time.Now().UTC().Add(-time.Hour)
	if _, err := r.TaskCreate(ctx, old); err != nil {
		t.Fatalf("create old: %v", err)
	}
	if _, err := r.TaskCreate(ctx, newTestTask("t-fresh", 5)); err != nil {
		t.Fatalf("create fresh: %v", err)
	}

	overdue, err := r.CheckDelayedTasks(ctx, time.Minute, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(overdue) != 1 || overdue[0] != "t-old" {
		t.Fatalf("overdue = %v, want [t-old]", overdue)
	}
}

// TestCheckDelayedTasksClaimedTaskNotReturned confirms a task that has
// already been claimed (and so left the pending queue) never shows up
// in a later CHECK_DELAYED_TASKS sweep, even if it was created long
// ago.
func TestCheckDelayedTasksClaimedTaskNotReturned(t *testing.T) {
	r := newTestRunner(t)
	ctx := context.Background()

	old := newTestTask("t-old", 5)
	old.CreatedAt = time.Now().UTC().Add(-time.Hour)
	if _, err := r.TaskCreate(ctx, old); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := r.TaskClaim(ctx, "worker-1", nil, 50); err != nil {
		t.Fatalf("claim: %v", err)
	}

	overdue, err := r.CheckDelayedTasks(ctx, time.Minute, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(overdue) != 0 {
		t.Fatalf("overdue = %v, want none (task already claimed)", overdue)
	}
}

// TestCheckDelayedTasksRespectsMaxTasks confirms the maxTasks cap is
// honored when more pending tasks are overdue than the caller asked
// for.
func TestCheckDelayedTasksRespectsMaxTasks(t *testing.T) {
	r := newTestRunner(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		task := newTestTask(string(rune('a'+i)), 5)
		task.CreatedAt = time.Now().UTC().Add(-time.Hour)
		if _, err := r.TaskCreate(ctx, task); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	overdue, err := r.CheckDelayedTasks(ctx, time.Minute, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(overdue) != 2 {
		t.Fatalf("overdue = %d tasks, want 2 (maxTasks cap)", len(overdue))
	}
}

func TestAutoAssignTasksDrainsPending(t *testing.T) {
	r := newTestRunner(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := r.TaskCreate(ctx, newTestTask(string(rune('a'+i)), 5)); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	assigned, err := r.AutoAssignTasks(ctx, "worker-1", 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(assigned) != 3 {
		t.Fatalf("assigned %d tasks, want 3", len(assigned))
	}
}

func TestAutoAssignTasksEmptyQueue(t *testing.T) {
	r := newTestRunner(t)
	assigned, err := r.AutoAssignTasks(context.Background(), "worker-1", 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(assigned) != 0 {
		t.Fatalf("assigned %d tasks from an empty queue, want 0", len(assigned))
	}
}

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/fblgit/claudebench/internal/bferrors"
	"github.com/fblgit/claudebench/internal/bus"
	"github.com/fblgit/claudebench/internal/instance"
	"github.com/fblgit/claudebench/internal/kv"
	"github.com/fblgit/claudebench/internal/queue"
	"github.com/fblgit/claudebench/internal/registry"
	"github.com/fblgit/claudebench/internal/scripts"
)

// newTestSet wires a full handlers.Set against a miniredis-backed
// store, the same collaborators cmd/server/main.go assembles, minus
// the optional persistence sink and any middleware envelope (dispatch
// goes straight to the handler bodies so these tests exercise the
// domain logic, not the envelope policy already covered under
// internal/middleware).
func newTestSet(t *testing.T) (*Set, *registry.Registry) {
	t.Helper()
	s, reg, _ := newTestSetWithStore(t)
	return s, reg
}

func newTestSetWithStore(t *testing.T) (*Set, *registry.Registry, kv.Store) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := kv.NewRedisStoreFromClient(client)
	runner := scripts.NewRunner(store)
	if err := runner.Install(context.Background()); err != nil {
		t.Fatalf("Install: %v", err)
	}
	b := bus.New(store, "test-instance")
	mgr := instance.NewManager(store, runner)
	elector := instance.NewElector(store, "test-instance", instance.DefaultTTL)

	s := &Set{
		Instances: mgr,
		Scripts:   runner,
		Bus:       b,
		Elector:   elector,
		Hooks:     PermissiveValidator{},
		Queue:     queue.NewGate(store),
	}
	reg := registry.New(store, b, "test-instance", nil)
	RegisterAll(reg, s)
	return s, reg, store
}

func dispatch(t *testing.T, reg *registry.Registry, event string, params interface{}) (interface{}, error) {
	t.Helper()
	raw, err := json.Marshal(params)
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	return reg.Dispatch(context.Background(), event, "", json.RawMessage(raw), nil)
}

// TestTaskLifecycleCreateClaimComplete reproduces the core flow spec.md
// section 6 describes: create a task, have a worker claim it, complete
// it, and verify a second completion attempt is rejected.
func TestTaskLifecycleCreateClaimComplete(t *testing.T) {
	_, reg := newTestSet(t)

	createRes, err := dispatch(t, reg, "task.create", map[string]interface{}{
		"text":     "do the thing",
		"priority": 75,
	})
	if err != nil {
		t.Fatalf("task.create: %v", err)
	}
	out, ok := createRes.(taskCreateOutput)
	if !ok {
		t.Fatalf("task.create result type = %T, want taskCreateOutput", createRes)
	}
	if out.Status != "pending" {
		t.Fatalf("status = %q, want pending", out.Status)
	}

	claimRes, err := dispatch(t, reg, "task.claim", map[string]interface{}{"workerId": "worker-1"})
	if err != nil {
		t.Fatalf("task.claim: %v", err)
	}
	claimOut, ok := claimRes.(taskClaimOutput)
	if !ok {
		t.Fatalf("task.claim result type = %T, want taskClaimOutput", claimRes)
	}
	if !claimOut.Claimed || claimOut.TaskID != out.ID {
		t.Fatalf("expected to claim %s, got %+v", out.ID, claimOut)
	}

	completeRes, err := dispatch(t, reg, "task.complete", map[string]interface{}{
		"id":     out.ID,
		"result": map[string]interface{}{"ok": true},
	})
	if err != nil {
		t.Fatalf("task.complete: %v", err)
	}
	completeOut, ok := completeRes.(taskCompleteOutput)
	if !ok {
		t.Fatalf("task.complete result type = %T, want taskCompleteOutput", completeRes)
	}
	if completeOut.Status != "completed" {
		t.Fatalf("status = %q, want completed", completeOut.Status)
	}

	if _, err := dispatch(t, reg, "task.complete", map[string]interface{}{
		"id":     out.ID,
		"result": map[string]interface{}{"ok": true},
	}); err == nil {
		t.Fatal("completing an already-completed task a second time should fail")
	}
}

func TestTaskCreateDuplicateTextIsIndependent(t *testing.T) {
	_, reg := newTestSet(t)
	res1, err := dispatch(t, reg, "task.create", map[string]interface{}{"text": "a"})
	if err != nil {
		t.Fatalf("task.create: %v", err)
	}
	res2, err := dispatch(t, reg, "task.create", map[string]interface{}{"text": "a"})
	if err != nil {
		t.Fatalf("task.create: %v", err)
	}
	id1 := res1.(taskCreateOutput).ID
	id2 := res2.(taskCreateOutput).ID
	if id1 == id2 {
		t.Fatal("each task.create call should mint a distinct id")
	}
}

func TestTaskClaimEmptyQueueReportsNotClaimed(t *testing.T) {
	_, reg := newTestSet(t)
	res, err := dispatch(t, reg, "task.claim", map[string]interface{}{"workerId": "worker-1"})
	if err != nil {
		t.Fatalf("task.claim: %v", err)
	}
	out := res.(taskClaimOutput)
	if out.Claimed {
		t.Fatal("claiming from an empty queue should report claimed=false")
	}
}

// TestQuorumVoteLatchesAcrossInstances exercises the multi-vote
// quorum.vote path end to end, including the explicit totalInstances
// override.
func TestQuorumVoteLatchesAcrossInstances(t *testing.T) {
	_, reg := newTestSet(t)

	res1, err := dispatch(t, reg, "system.quorum.vote", map[string]interface{}{
		"instanceId":     "inst-a",
		"decision":       "rollout-v2",
		"value":          "approve",
		"totalInstances": 2,
	})
	if err != nil {
		t.Fatalf("quorum vote 1: %v", err)
	}
	if res1.(systemQuorumVoteOutput).QuorumReached {
		t.Fatal("one of two votes should not reach quorum yet")
	}

	res2, err := dispatch(t, reg, "system.quorum.vote", map[string]interface{}{
		"instanceId":     "inst-b",
		"decision":       "rollout-v2",
		"value":          "approve",
		"totalInstances": 2,
	})
	if err != nil {
		t.Fatalf("quorum vote 2: %v", err)
	}
	out2 := res2.(systemQuorumVoteOutput)
	if !out2.QuorumReached {
		t.Fatal("the second of two votes should reach quorum")
	}
	if out2.FinalDecision != "approve" {
		t.Fatalf("FinalDecision = %q, want the voted value latched verbatim", out2.FinalDecision)
	}
}

func TestSystemRegisterAndHeartbeat(t *testing.T) {
	_, reg := newTestSet(t)
	if _, err := dispatch(t, reg, "system.register", map[string]interface{}{
		"id":    "inst-1",
		"roles": []string{"worker"},
	}); err != nil {
		t.Fatalf("system.register: %v", err)
	}
	res, err := dispatch(t, reg, "system.heartbeat", map[string]interface{}{"instanceId": "inst-1"})
	if err != nil {
		t.Fatalf("system.heartbeat: %v", err)
	}
	if !res.(systemHeartbeatOutput).Alive {
		t.Fatal("heartbeat for a just-registered instance should report alive")
	}
}

func TestSystemHeartbeatUnknownInstance(t *testing.T) {
	_, reg := newTestSet(t)
	if _, err := dispatch(t, reg, "system.heartbeat", map[string]interface{}{"instanceId": "ghost"}); err == nil {
		t.Fatal("heartbeat for an instance that never registered should fail")
	}
}

func TestHookPreToolPermissiveByDefault(t *testing.T) {
	_, reg := newTestSet(t)
	res, err := dispatch(t, reg, "hook.pre_tool", map[string]interface{}{"toolName": "Bash"})
	if err != nil {
		t.Fatalf("hook.pre_tool: %v", err)
	}
	if !res.(hookPreToolOutput).Allow {
		t.Fatal("the permissive validator should allow every tool by default")
	}
}

func TestTaskCreateRejectedWhileDraining(t *testing.T) {
	s, reg := newTestSet(t)
	if err := s.Queue.SetMode(context.Background(), queue.ModeDraining); err != nil {
		t.Fatalf("SetMode: %v", err)
	}
	if _, err := dispatch(t, reg, "task.create", map[string]interface{}{
		"text":     "late arrival",
		"priority": 90,
	}); err == nil {
		t.Fatal("a DRAINING queue must reject new tasks")
	}

	if err := s.Queue.SetMode(context.Background(), queue.ModeNormal); err != nil {
		t.Fatalf("SetMode: %v", err)
	}
	if _, err := dispatch(t, reg, "task.create", map[string]interface{}{
		"text":     "back to normal",
		"priority": 90,
	}); err != nil {
		t.Fatalf("task.create after returning to NORMAL: %v", err)
	}
}

func TestSystemGetStateIncludesRecentEvents(t *testing.T) {
	_, reg := newTestSet(t)
	if _, err := dispatch(t, reg, "task.create", map[string]interface{}{"text": "visible"}); err != nil {
		t.Fatalf("task.create: %v", err)
	}
	res, err := dispatch(t, reg, "system.get_state", map[string]interface{}{})
	if err != nil {
		t.Fatalf("system.get_state: %v", err)
	}
	out := res.(systemStateOutput)
	if out.PendingTasks != 1 {
		t.Fatalf("PendingTasks = %d, want 1", out.PendingTasks)
	}
	found := false
	for _, ev := range out.RecentEvents {
		if ev.Type == "task.created" {
			found = true
		}
	}
	if !found {
		t.Fatal("recentEvents should replay the task.created announcement")
	}
}

func TestHookDecisionRecordAppendedToAuditStream(t *testing.T) {
	_, reg, store := newTestSetWithStore(t)
	if _, err := dispatch(t, reg, "hook.pre_tool", map[string]interface{}{"toolName": "Bash"}); err != nil {
		t.Fatalf("hook.pre_tool: %v", err)
	}

	entries, err := store.XRange(context.Background(), kv.AuditStreamKey, "-", "+", 0)
	if err != nil {
		t.Fatalf("XRange: %v", err)
	}
	var decision map[string]string
	for _, e := range entries {
		if e.Values["action"] == "hook.decision" {
			decision = e.Values
		}
	}
	if decision == nil {
		t.Fatal("expected a specialized hook.decision record on the audit stream")
	}
	if decision["tool"] != "Bash" || decision["allow"] != "true" || decision["phase"] != "pre" {
		t.Fatalf("decision record = %v, want tool=Bash allow=true phase=pre", decision)
	}
}

func TestTaskUpdateRejectsIllegalStatus(t *testing.T) {
	_, reg := newTestSet(t)
	res, err := dispatch(t, reg, "task.create", map[string]interface{}{"text": "sit tight"})
	if err != nil {
		t.Fatalf("task.create: %v", err)
	}
	id := res.(taskCreateOutput).ID

	_, err = dispatch(t, reg, "task.update", map[string]interface{}{
		"id":      id,
		"updates": map[string]interface{}{"status": "completed"},
	})
	var pf *bferrors.PreconditionFailed
	if !errors.As(err, &pf) {
		t.Fatalf("err = %v, want PreconditionFailed for pending->completed", err)
	}
}

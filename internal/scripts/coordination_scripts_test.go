package scripts

import (
	"context"
	"testing"
	"time"
)

func TestEventDeliveredFirstTimeAndDuplicate(t *testing.T) {
	r := newTestRunner(t)
	ctx := context.Background()

	first, err := r.EventDelivered(ctx, "evt-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !first {
		t.Fatal("first delivery of an event id should report true")
	}

	second, err := r.EventDelivered(ctx, "evt-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second {
		t.Fatal("redelivering the same event id should report false")
	}
}

// TestQuorumVoteScenarioS5 replays spec.md section 8's worked scenario:
// three instances vote A, A, B; quorum (floor(3/2)+1 = 2) is reached at
// the *second* vote with finalDecision "A", and a later vote for "B"
// never changes it.
func TestQuorumVoteScenarioS5(t *testing.T) {
	r := newTestRunner(t)
	ctx := context.Background()

	result, err := r.QuorumVote(ctx, "decision-1", "voter-a", "A", 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Decided {
		t.Fatal("one vote out of three should not decide yet")
	}

	result, err = r.QuorumVote(ctx, "decision-1", "voter-b", "A", 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Decided {
		t.Fatal("expected quorum (2 of 3) reached at the second matching vote")
	}
	if result.Decision != "A" {
		t.Fatalf("decision = %q, want A", result.Decision)
	}
	if !result.JustDecided {
		t.Fatal("the latching vote should report JustDecided")
	}

	result, err = r.QuorumVote(ctx, "decision-1", "voter-c", "B", 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Decided || result.Decision != "A" {
		t.Fatalf("a later vote for B must not change the latched decision, got %+v", result)
	}
	if result.JustDecided {
		t.Fatal("a replay against a latched decision must not report JustDecided again")
	}
}

func TestQuorumVoteSameVoterTwiceDoesNotDoubleCount(t *testing.T) {
	r := newTestRunner(t)
	ctx := context.Background()

	if _, err := r.QuorumVote(ctx, "decision-1", "voter-a", "A", 3); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	result, err := r.QuorumVote(ctx, "decision-1", "voter-a", "A", 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Total != 1 {
		t.Fatalf("total votes = %d, want 1 after the same voter votes twice", result.Total)
	}
}

func TestQuorumVoteTwoInstanceUnanimous(t *testing.T) {
	r := newTestRunner(t)
	ctx := context.Background()

	r.QuorumVote(ctx, "decision-1", "voter-a", "A", 2)
	result, err := r.QuorumVote(ctx, "decision-1", "voter-b", "A", 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Decided || result.Decision != "A" {
		t.Fatalf("expected a decided value of A, got %+v", result)
	}
}

func TestGossipHealthUpdateHealthyCluster(t *testing.T) {
	r := newTestRunner(t)
	ctx := context.Background()

	for _, id := range []string{"inst-1", "inst-2", "inst-3"} {
		if err := r.InstanceRegister(ctx, id, []string{"worker"}, time.Minute); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}
	res, err := r.GossipHealthUpdate(ctx, "inst-1", true, `{"status":"healthy"}`, time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.PartitionDetected {
		t.Fatalf("no unhealthy reports, yet partition flagged: %+v", res)
	}
	if res.Known != 3 {
		t.Fatalf("Known = %d, want 3 registered instances", res.Known)
	}
}

func TestGossipHealthUpdateDetectsPartition(t *testing.T) {
	r := newTestRunner(t)
	ctx := context.Background()

	for _, id := range []string{"inst-1", "inst-2", "inst-3"} {
		if err := r.InstanceRegister(ctx, id, []string{"worker"}, time.Minute); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}

	// One unhealthy report out of three is a minority: no partition.
	res, err := r.GossipHealthUpdate(ctx, "inst-1", false, `{"status":"unreachable"}`, time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.PartitionDetected {
		t.Fatalf("one of three unhealthy should not flag a partition: %+v", res)
	}

	// A second unhealthy report crosses the strict-majority line.
	res, err = r.GossipHealthUpdate(ctx, "inst-2", false, `{"status":"unreachable"}`, time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.PartitionDetected {
		t.Fatalf("two of three unhealthy within the window must flag a partition: %+v", res)
	}
	if res.Unhealthy != 2 || res.Known != 3 {
		t.Fatalf("tally = %d/%d, want 2/3", res.Unhealthy, res.Known)
	}

	// A recovery report drops the tally back under the line.
	res, err = r.GossipHealthUpdate(ctx, "inst-2", true, `{"status":"healthy"}`, time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.PartitionDetected {
		t.Fatalf("partition must clear once the majority is healthy again: %+v", res)
	}
}

func TestCoordinateBatchAcquiresOnce(t *testing.T) {
	r := newTestRunner(t)
	ctx := context.Background()

	first, err := r.CoordinateBatch(ctx, "inst-1", 10, time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !first.Acquired {
		t.Fatal("the first instance to attempt a batch should acquire it")
	}

	second, err := r.CoordinateBatch(ctx, "inst-2", 10, time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.Acquired {
		t.Fatal("a second instance should not acquire the batch lock while it is held")
	}
}

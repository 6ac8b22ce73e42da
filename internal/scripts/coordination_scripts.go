package scripts

import (
	"context"
	"fmt"
	"time"

	"github.com/fblgit/claudebench/internal/kv"
)

const (
	nameExactlyOnceDelivery = "EXACTLY_ONCE_DELIVERY"
	nameQuorumVote          = "QUORUM_VOTE"
	nameGossipHealthUpdate  = "GOSSIP_HEALTH_UPDATE"
	nameCoordinateBatch     = "COORDINATE_BATCH"
)

func init() {
	registerSource(nameExactlyOnceDelivery, exactlyOnceDeliveryScript)
	registerSource(nameQuorumVote, quorumVoteScript)
	registerSource(nameGossipHealthUpdate, gossipHealthUpdateScript)
	registerSource(nameCoordinateBatch, coordinateBatchScript)
}

// exactlyOnceDeliveryScript is the admission gate spec.md section 4.6
// requires in front of any handler whose side effects must not repeat
// for the same event id: SADD reports whether the id was new, and a
// separate counter tracks how many times a duplicate was turned away
// for observability.
//
// KEYS[1] = cb:processed:events
// KEYS[2] = cb:duplicates:prevented
// ARGV[1] = event id
//
// Returns {1} (first delivery, proceed) or {0} (duplicate, skip).
const exactlyOnceDeliveryScript = `
local added = redis.call("SADD", KEYS[1], ARGV[1])
if added == 1 then
  return {1}
end
redis.call("INCR", KEYS[2])
return {0}
`

// quorumVoteScript records one vote toward value and, once a simple
// majority (floor(expectedVoters/2)+1) of recorded votes has landed on
// the same value, latches that value as the decision so later votes
// observe a fixed outcome instead of a shifting tally. Grounded on
// coordination/leader.go's CAS-on-a-hash-field pattern for making a
// one-time transition durable, generalized from a binary approve/reject
// tally to a value -> count hash per spec.md section 3's quorum
// decision data model. Because quorum is a strict majority, at most one
// value can ever cross the threshold, so the value that pushes the
// running count over the line is necessarily the decision.
//
// KEYS[1] = cb:quorum:decision:<id>
// ARGV[1] = voter id
// ARGV[2] = value
// ARGV[3] = expected voter count
// ARGV[4] = now
//
// Returns {decided(0/1), decision, voteCountForDecidedOrVotedValue,
// totalVotes, justDecided(0/1)} — justDecided is 1 only on the single
// call whose vote pushed the count over the quorum line, so callers
// can count latches without double-counting replays.
const quorumVoteScript = `
local existing = redis.call("HGET", KEYS[1], "decision")
if existing and existing ~= false and existing ~= "" then
  local count = tonumber(redis.call("HGET", KEYS[1], "count:" .. existing) or "0")
  local total = tonumber(redis.call("HGET", KEYS[1], "total") or "0")
  return {1, existing, count, total, 0}
end
local voteField = "vote:" .. ARGV[1]
local countField = "count:" .. ARGV[2]
if redis.call("HEXISTS", KEYS[1], voteField) == 0 then
  redis.call("HSET", KEYS[1], voteField, ARGV[2], "updatedAt", ARGV[4])
  redis.call("HINCRBY", KEYS[1], "total", 1)
  redis.call("HINCRBY", KEYS[1], countField, 1)
end
local count = tonumber(redis.call("HGET", KEYS[1], countField) or "0")
local total = tonumber(redis.call("HGET", KEYS[1], "total") or "0")
local expected = tonumber(ARGV[3])
local quorum = math.floor(expected / 2) + 1
if count >= quorum then
  redis.call("HSET", KEYS[1], "decision", ARGV[2])
  return {1, ARGV[2], count, total, 1}
end
return {0, "", count, total, 0}
`

// gossipHealthUpdateScript merges one instance's health report into
// the shared health hash, then tallies the cluster's view: an instance
// counts as unhealthy when its most recent report inside the gossip
// window says so, and a partition is flagged once more than half of
// the known (active-set) instances are in that state. Tallying inside
// the same script keeps the report and the verdict it feeds atomic.
//
// KEYS[1] = cb:gossip:health
// KEYS[2] = cb:instances:active
// ARGV[1] = reporter instance id
// ARGV[2] = status json blob for that reporter's view
// ARGV[3] = healthy flag ("1"/"0")
// ARGV[4] = now (unix seconds)
// ARGV[5] = gossip window (seconds)
//
// Returns {1, partitionDetected(0/1), unhealthyCount, knownCount}.
const gossipHealthUpdateScript = `
redis.call("HSET", KEYS[1],
  ARGV[1], ARGV[2],
  ARGV[1] .. ":healthy", ARGV[3],
  ARGV[1] .. ":at", ARGV[4])
local known = redis.call("ZRANGE", KEYS[2], 0, -1)
local now = tonumber(ARGV[4])
local window = tonumber(ARGV[5])
local total = 0
local unhealthy = 0
for _, id in ipairs(known) do
  total = total + 1
  local at = tonumber(redis.call("HGET", KEYS[1], id .. ":at") or "0")
  local flag = redis.call("HGET", KEYS[1], id .. ":healthy")
  if flag == "0" and at >= now - window then
    unhealthy = unhealthy + 1
  end
end
local partition = 0
if total > 0 and unhealthy * 2 > total then
  partition = 1
end
return {1, partition, unhealthy, total}
`

// coordinateBatchScript implements the try-acquire-then-track pattern
// a single coordinating instance needs to drive a multi-step batch
// without two instances racing to start the same batch: SETNX the
// lock, and if acquired, seed the progress counters; if not acquired,
// report current progress so the caller can just observe instead.
//
// KEYS[1] = cb:batch:lock
// KEYS[2] = cb:batch:progress
// KEYS[3] = cb:batch:current
// ARGV[1] = instance id requesting coordination
// ARGV[2] = total steps
// ARGV[3] = lock ttl seconds
// ARGV[4] = now
//
// Returns {acquired(0/1), current, total}.
const coordinateBatchScript = `
local acquired = redis.call("SETNX", KEYS[1], ARGV[1])
if acquired == 1 then
  redis.call("EXPIRE", KEYS[1], tonumber(ARGV[3]))
  redis.call("SET", KEYS[2], ARGV[2])
  redis.call("SET", KEYS[3], "0")
  return {1, "0", ARGV[2]}
end
local current = redis.call("GET", KEYS[3]) or "0"
local total = redis.call("GET", KEYS[2]) or "0"
return {0, current, total}
`

// EventDelivered reports whether this is the first delivery of
// eventID. false means the caller must skip the handler's side effects
// entirely (the duplicate has already been counted).
func (r *Runner) EventDelivered(ctx context.Context, eventID string) (bool, error) {
	res, err := r.run(ctx, nameExactlyOnceDelivery,
		[]string{kv.ProcessedEventsKey, kv.DuplicatesPreventedKey},
		eventID)
	if err != nil {
		return false, err
	}
	arr := asSlice(res)
	return len(arr) > 0 && asInt64(arr[0]) == 1, nil
}

// QuorumVoteResult is the outcome of one vote cast in QuorumVote.
// JustDecided is true only for the call whose vote latched the
// decision; replays against an already-latched decision report
// Decided without it.
type QuorumVoteResult struct {
	Decided     bool
	JustDecided bool
	Decision    string
	ValueCount  int64
	Total       int64
}

// QuorumVote records voterID's vote for value toward decisionID and
// returns the latched decision once a simple majority of
// expectedVoters has landed on the same value (spec.md section 4.2:
// quorum = floor(total/2)+1).
func (r *Runner) QuorumVote(ctx context.Context, decisionID, voterID, value string, expectedVoters int) (QuorumVoteResult, error) {
	res, err := r.run(ctx, nameQuorumVote,
		[]string{kv.QuorumDecisionKey(decisionID)},
		voterID, value, expectedVoters, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return QuorumVoteResult{}, err
	}
	arr := asSlice(res)
	if len(arr) < 5 {
		return QuorumVoteResult{}, fmt.Errorf("scripts: QUORUM_VOTE: malformed reply")
	}
	return QuorumVoteResult{
		Decided:     asInt64(arr[0]) == 1,
		JustDecided: asInt64(arr[4]) == 1,
		Decision:    asString(arr[1]),
		ValueCount:  asInt64(arr[2]),
		Total:       asInt64(arr[3]),
	}, nil
}

// GossipResult is the cluster-wide verdict one gossip report comes
// back with.
type GossipResult struct {
	PartitionDetected bool
	Unhealthy         int64
	Known             int64
}

// GossipHealthUpdate merges reporterID's health report into the shared
// gossip table and returns whether a majority of the known instance
// set currently reports unhealthy within window (spec.md section 4.2's
// partitionDetected signal).
func (r *Runner) GossipHealthUpdate(ctx context.Context, reporterID string, healthy bool, statusJSON string, window time.Duration) (GossipResult, error) {
	healthyArg := "1"
	if !healthy {
		healthyArg = "0"
	}
	res, err := r.run(ctx, nameGossipHealthUpdate,
		[]string{kv.GossipHealthKey, kv.ActiveInstancesKey},
		reporterID, statusJSON, healthyArg, time.Now().UTC().Unix(), int64(window.Seconds()))
	if err != nil {
		return GossipResult{}, err
	}
	arr := asSlice(res)
	if len(arr) < 4 {
		return GossipResult{}, fmt.Errorf("scripts: GOSSIP_HEALTH_UPDATE: malformed reply")
	}
	return GossipResult{
		PartitionDetected: asInt64(arr[1]) == 1,
		Unhealthy:         asInt64(arr[2]),
		Known:             asInt64(arr[3]),
	}, nil
}

// BatchCoordination is the outcome of a CoordinateBatch attempt.
type BatchCoordination struct {
	Acquired bool
	Current  int64
	Total    int64
}

// CoordinateBatch tries to become the coordinating instance for a
// batch of totalSteps; instances that lose the race get back the
// current progress of whoever did acquire it.
func (r *Runner) CoordinateBatch(ctx context.Context, instanceID string, totalSteps int, lockTTL time.Duration) (BatchCoordination, error) {
	res, err := r.run(ctx, nameCoordinateBatch,
		[]string{kv.BatchLockKey, kv.BatchProgressKey, kv.BatchCurrentKey},
		instanceID, totalSteps, int64(lockTTL.Seconds()), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return BatchCoordination{}, err
	}
	arr := asSlice(res)
	if len(arr) < 3 {
		return BatchCoordination{}, fmt.Errorf("scripts: COORDINATE_BATCH: malformed reply")
	}
	return BatchCoordination{
		Acquired: asInt64(arr[0]) == 1,
		Current:  asInt64(arr[1]),
		Total:    asInt64(arr[2]),
	}, nil
}

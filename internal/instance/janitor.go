package instance

import (
	"context"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/fblgit/claudebench/internal/kv"
)

// artifactRetention bounds how long a latched quorum decision or a
// circuit-state mirror may sit untouched before the janitor reclaims
// it. Long enough that an operator inspecting an incident still finds
// the record, short enough that a busy cluster doesn't accumulate
// hashes forever.
const artifactRetention = time.Hour

// Janitor periodically clears coordination artifacts whose staleness
// can't be expressed as a plain Redis TTL: a batch lock whose holder
// died mid-batch (the lock key itself expires, but cb:batch:progress/
// cb:batch:current would otherwise linger forever), gossip health
// reports past a staleness bound, quorum decisions nothing has voted
// on within artifactRetention, and circuit-state mirrors left behind
// by a crashed process. Grounded on
// control_plane/coordination/janitor.go's ScanLocks-then-fencing-check
// loop, adapted from "fence or expire leader locks" (redundant here
// since our lease already carries a Redis TTL) to "clear orphaned
// coordination state".
type Janitor struct {
	store          kv.Store
	interval       time.Duration
	gossipStaleTTL time.Duration
}

// NewJanitor builds a Janitor.
func NewJanitor(store kv.Store, interval, gossipStaleTTL time.Duration) *Janitor {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	if gossipStaleTTL <= 0 {
		gossipStaleTTL = 2 * time.Minute
	}
	return &Janitor{store: store, interval: interval, gossipStaleTTL: gossipStaleTTL}
}

// Start runs the cleanup loop until ctx is cancelled. Like
// DeathSweeper, isLeader is polled each tick so only the elected
// leader performs cleanup.
func (j *Janitor) Start(ctx context.Context, isLeader func() bool) {
	go j.loop(ctx, isLeader)
}

func (j *Janitor) loop(ctx context.Context, isLeader func() bool) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if isLeader != nil && !isLeader() {
				continue
			}
			j.clean(ctx)
		}
	}
}

func (j *Janitor) clean(ctx context.Context) {
	j.cleanBatch(ctx)
	j.cleanGossip(ctx)
	j.cleanStaleHashes(ctx, kv.QuorumDecisionKey("*"), "quorum decision")
	j.cleanStaleHashes(ctx, kv.CircuitKey("*"), "circuit mirror")
}

func (j *Janitor) cleanBatch(ctx context.Context) {
	held, err := j.store.Get(ctx, kv.BatchLockKey)
	if err != nil {
		log.Printf("instance: janitor: read batch lock: %v", err)
		return
	}
	if held == "" {
		// Lock expired (or was never held); clear any leftover progress
		// counters so the next CoordinateBatch caller starts clean.
		_ = j.store.Del(ctx, kv.BatchProgressKey, kv.BatchCurrentKey)
	}
}

// cleanGossip drops health reports from instances that have gone quiet
// past gossipStaleTTL, so a long-dead instance's last unhealthy report
// can't keep skewing the partition tally after its record and
// active-set membership are gone.
func (j *Janitor) cleanGossip(ctx context.Context) {
	fields, err := j.store.HGetAll(ctx, kv.GossipHealthKey)
	if err != nil {
		log.Printf("instance: janitor: read gossip health: %v", err)
		return
	}
	cutoff := time.Now().UTC().Add(-j.gossipStaleTTL).Unix()
	for field, value := range fields {
		id, isAt := strings.CutSuffix(field, ":at")
		if !isAt {
			continue
		}
		reportedAt, err := strconv.ParseInt(value, 10, 64)
		if err != nil || reportedAt >= cutoff {
			continue
		}
		if err := j.store.HDel(ctx, kv.GossipHealthKey, id, id+":healthy", id+":at"); err != nil {
			log.Printf("instance: janitor: drop stale gossip for %s: %v", id, err)
			continue
		}
		log.Printf("instance: janitor: dropped stale gossip report from %s", id)
	}
}

// cleanStaleHashes reclaims hashes under pattern whose updatedAt has
// aged past artifactRetention: latched quorum decisions nobody votes
// on any more, and circuit-state mirrors whose owning process is gone.
func (j *Janitor) cleanStaleHashes(ctx context.Context, pattern, kind string) {
	keys, err := j.store.Scan(ctx, pattern)
	if err != nil {
		log.Printf("instance: janitor: scan %s keys: %v", kind, err)
		return
	}
	cutoff := time.Now().UTC().Add(-artifactRetention)
	for _, key := range keys {
		updatedAt, err := j.store.HGet(ctx, key, "updatedAt")
		if err != nil || updatedAt == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, updatedAt)
		if err != nil || ts.After(cutoff) {
			continue
		}
		if err := j.store.Del(ctx, key); err != nil {
			log.Printf("instance: janitor: reclaim %s %s: %v", kind, key, err)
			continue
		}
		log.Printf("instance: janitor: reclaimed stale %s %s", kind, key)
	}
}

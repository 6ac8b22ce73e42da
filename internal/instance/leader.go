// Package instance is the C7 component: instance registration,
// heartbeat-driven liveness, leader election with a durable fencing
// epoch, and the two background sweepers that reclaim work and locks
// an instance abandoned. Grounded on control_plane/coordination/
// leader.go, agent_monitor.go, and janitor.go.
package instance

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/fblgit/claudebench/internal/kv"
	"github.com/fblgit/claudebench/internal/observability"
	"github.com/google/uuid"
)

// leaderEpochKey holds the monotonic fencing counter. Grounded on
// leader.go's store.IncrementDurableEpoch, collapsed onto the same
// Redis backend as the lease itself since ClaudeBench runs a single
// coordination store rather than the teacher's Redis-lease/
// Postgres-epoch split.
const leaderEpochKey = "cb:leader:epoch"

// LeaseMetadata is the JSON value stored under kv.LeaderLockKey while
// an instance holds leadership, mirroring leader.go's LockMetadata.
type LeaseMetadata struct {
	OwnerID   string    `json:"ownerId"`
	Epoch     int64     `json:"epoch"`
	ReqID     string    `json:"reqId"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Elector runs the acquire/renew/release loop for the sweeper
// leadership lease. Only the elected leader runs CHECK_DELAYED_TASKS,
// REASSIGN_FAILED_TASKS, and the lock janitor, so a cluster of N
// instances performs exactly one sweep pass per interval.
type Elector struct {
	store  kv.Store
	nodeID string
	ttl    time.Duration

	onElected func(context.Context)
	onLost    func()

	mu           sync.RWMutex
	isLeader     bool
	currentValue string
	currentEpoch int64
	leaderCancel context.CancelFunc
	leaderCtx    context.Context

	stepDownTime time.Time
}

// NewElector builds an Elector. Call SetCallbacks before Start if the
// caller wants to react to transitions.
func NewElector(store kv.Store, nodeID string, ttl time.Duration) *Elector {
	return &Elector{store: store, nodeID: nodeID, ttl: ttl}
}

// SetCallbacks registers the functions run on acquiring (with a
// context cancelled the moment leadership is lost) and losing
// leadership.
func (l *Elector) SetCallbacks(onElected func(context.Context), onLost func()) {
	l.onElected = onElected
	l.onLost = onLost
}

// IsLeader reports whether this instance currently holds the lease.
func (l *Elector) IsLeader() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.isLeader
}

// Start runs the election loop until ctx is cancelled.
func (l *Elector) Start(ctx context.Context) {
	go l.loop(ctx)
}

func (l *Elector) loop(ctx context.Context) {
	interval := l.ttl / 3
	minInterval := l.ttl / 3
	maxInterval := 10 * l.ttl

	renewFailures := 0
	const maxRenewFailures = 3

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if l.IsLeader() {
				l.release()
			}
			return
		case <-timer.C:
			var err error
			if l.IsLeader() {
				var renewed bool
				renewed, err = l.renew(ctx)
				if err == nil {
					renewFailures = 0
					if !renewed {
						l.stepDown()
					}
				} else {
					renewFailures++
					log.Printf("instance: leader renew failed (%d/%d): %v", renewFailures, maxRenewFailures, err)
					if renewFailures >= maxRenewFailures {
						l.stepDown()
						renewFailures = 0
					}
				}
			} else {
				var acquired bool
				acquired, err = l.acquire(ctx)
				if err == nil && acquired {
					l.becomeLeader()
					renewFailures = 0
				}
			}

			if err != nil {
				interval *= 2
				if interval > maxInterval {
					interval = maxInterval
				}
			} else {
				interval = minInterval
			}
			timer.Reset(interval)
		}
	}
}

func (l *Elector) acquire(ctx context.Context) (bool, error) {
	epoch, err := l.store.Incr(ctx, leaderEpochKey)
	if err != nil {
		return false, fmt.Errorf("instance: increment epoch: %w", err)
	}

	l.mu.Lock()
	l.currentEpoch = epoch
	l.mu.Unlock()

	meta := LeaseMetadata{
		OwnerID:   l.nodeID,
		Epoch:     epoch,
		ReqID:     uuid.NewString(),
		CreatedAt: time.Now().UTC(),
		ExpiresAt: time.Now().UTC().Add(l.ttl),
	}
	valBytes, err := json.Marshal(meta)
	if err != nil {
		return false, err
	}
	val := string(valBytes)

	acquired, err := l.store.SetNX(ctx, kv.LeaderLockKey, val, l.ttl)
	if err != nil {
		return false, fmt.Errorf("instance: acquire lease: %w", err)
	}
	if acquired {
		l.mu.Lock()
		l.currentValue = val
		l.mu.Unlock()
	}
	return acquired, nil
}

func (l *Elector) renew(ctx context.Context) (bool, error) {
	l.mu.RLock()
	val := l.currentValue
	l.mu.RUnlock()
	if val == "" {
		return false, nil
	}

	current, err := l.store.Get(ctx, kv.LeaderLockKey)
	if err != nil {
		return false, err
	}
	if current != val {
		// Someone else holds the key (or it expired and was re-acquired).
		return false, nil
	}
	if err := l.store.Expire(ctx, kv.LeaderLockKey, l.ttl); err != nil {
		return false, err
	}
	return true, nil
}

func (l *Elector) release() {
	l.mu.RLock()
	val := l.currentValue
	l.mu.RUnlock()
	if val == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	current, err := l.store.Get(ctx, kv.LeaderLockKey)
	if err == nil && current == val {
		_ = l.store.Del(ctx, kv.LeaderLockKey)
	}
}

func (l *Elector) becomeLeader() {
	l.mu.Lock()
	l.isLeader = true
	ctx, cancel := context.WithCancel(context.Background())
	l.leaderCancel = cancel
	l.leaderCtx = ctx
	epoch := l.currentEpoch
	l.mu.Unlock()

	observability.LeaderStatus.Set(1)
	observability.LeadershipTransitions.WithLabelValues(l.nodeID, "acquired").Inc()
	log.Printf("instance: %s acquired leadership (epoch %d)", l.nodeID, epoch)

	if l.onElected != nil {
		go l.onElected(ctx)
	}
}

func (l *Elector) stepDown() {
	l.mu.Lock()
	if !l.isLeader {
		l.mu.Unlock()
		return
	}
	l.isLeader = false
	if l.leaderCancel != nil {
		l.leaderCancel()
	}
	l.mu.Unlock()

	observability.LeaderStatus.Set(0)
	observability.LeadershipTransitions.WithLabelValues(l.nodeID, "lost").Inc()
	log.Printf("instance: %s lost leadership", l.nodeID)
	if l.onLost != nil {
		l.onLost()
	}
}

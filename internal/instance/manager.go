package instance

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/fblgit/claudebench/internal/domain"
	"github.com/fblgit/claudebench/internal/kv"
	"github.com/fblgit/claudebench/internal/observability"
	"github.com/fblgit/claudebench/internal/scripts"
)

// DefaultTTL is how long an instance is considered alive without a
// heartbeat, mirroring spec.md section 4.3's default liveness window.
const DefaultTTL = 15 * time.Second

// Manager owns instance registration, heartbeats, and reads of the
// active-instance set. It delegates every state transition to the
// named atomic scripts in internal/scripts so registration and
// heartbeat handling never race the active-set view.
type Manager struct {
	store   kv.Store
	scripts *scripts.Runner
}

// NewManager builds a Manager.
func NewManager(store kv.Store, runner *scripts.Runner) *Manager {
	return &Manager{store: store, scripts: runner}
}

// Register creates or refreshes an instance's record with the given
// role set and liveness TTL.
func (m *Manager) Register(ctx context.Context, id string, roles []string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if err := m.scripts.InstanceRegister(ctx, id, roles, ttl); err != nil {
		return fmt.Errorf("instance: register %s: %w", id, err)
	}
	return nil
}

// Heartbeat refreshes id's liveness TTL. ok is false if the record had
// already expired — the caller (handlers.SystemHeartbeat) should then
// tell the instance to re-register instead of assuming it is still
// known to the cluster.
func (m *Manager) Heartbeat(ctx context.Context, id string, ttl time.Duration) (ok bool, err error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return m.scripts.InstanceHeartbeat(ctx, id, ttl)
}

// Get reads back one instance's hash record.
func (m *Manager) Get(ctx context.Context, id string) (domain.Instance, bool, error) {
	fields, err := m.store.HGetAll(ctx, kv.InstanceKey(id))
	if err != nil {
		return domain.Instance{}, false, err
	}
	if len(fields) == 0 {
		return domain.Instance{}, false, nil
	}
	return fieldsToInstance(fields), true, nil
}

// Active lists every instance currently in the active set, oldest
// registration first.
func (m *Manager) Active(ctx context.Context) ([]domain.Instance, error) {
	ids, err := m.store.ZRangeByScore(ctx, kv.ActiveInstancesKey, "-inf", "+inf", 0, -1)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Instance, 0, len(ids))
	for _, id := range ids {
		inst, ok, err := m.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, inst)
		}
	}
	observability.InstancesActive.Set(float64(len(out)))
	return out, nil
}

// ActiveWorkerIDs lists the ids of every instance currently in the
// active set, without the per-instance hash reads Active does — all
// queue.Sweeper's delayed-task pass needs is the id set to rank by
// claimed-task count. Satisfies internal/queue's liveWorkerLister.
func (m *Manager) ActiveWorkerIDs(ctx context.Context) ([]string, error) {
	return m.store.ZRangeByScore(ctx, kv.ActiveInstancesKey, "-inf", "+inf", 0, -1)
}

func fieldsToInstance(fields map[string]string) domain.Instance {
	var roles []string
	if r := fields["roles"]; r != "" {
		start := 0
		for i := 0; i <= len(r); i++ {
			if i == len(r) || r[i] == ',' {
				if i > start {
					roles = append(roles, r[start:i])
				}
				start = i + 1
			}
		}
	}
	registeredAt, _ := time.Parse(time.RFC3339, fields["registeredAt"])
	lastHeartbeat, _ := time.Parse(time.RFC3339, fields["lastHeartbeat"])
	return domain.Instance{
		ID:            fields["id"],
		Roles:         roles,
		Status:        domain.InstanceStatus(fields["status"]),
		RegisteredAt:  registeredAt,
		LastHeartbeat: lastHeartbeat,
	}
}

// DeathSweeper periodically scans the active set for instances whose
// hash record has expired (meaning their TTL lapsed without a
// heartbeat) and requeues any task still claimed by them. Only the
// elected leader should run this — see Elector.
type DeathSweeper struct {
	store    kv.Store
	scripts  *scripts.Runner
	interval time.Duration
}

// NewDeathSweeper builds a DeathSweeper.
func NewDeathSweeper(store kv.Store, runner *scripts.Runner, interval time.Duration) *DeathSweeper {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &DeathSweeper{store: store, scripts: runner, interval: interval}
}

// Start runs the sweep loop until ctx is cancelled. isLeader is polled
// once per tick so the sweeper starts/stops cleanly across leadership
// transitions without a separate goroutine per instance.
func (s *DeathSweeper) Start(ctx context.Context, isLeader func() bool) {
	go s.loop(ctx, isLeader)
}

func (s *DeathSweeper) loop(ctx context.Context, isLeader func() bool) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if isLeader != nil && !isLeader() {
				continue
			}
			s.sweep(ctx)
		}
	}
}

// sweep finds active-set members whose hash record has expired (GET on
// a member the zset still lists but whose key TTL lapsed) and reassigns
// their claimed tasks back to pending.
func (s *DeathSweeper) sweep(ctx context.Context) {
	ids, err := s.store.ZRangeByScore(ctx, kv.ActiveInstancesKey, "-inf", "+inf", 0, -1)
	if err != nil {
		log.Printf("instance: death sweep: list active: %v", err)
		return
	}
	for _, id := range ids {
		exists, err := s.store.HGetAll(ctx, kv.InstanceKey(id))
		if err != nil {
			continue
		}
		if len(exists) > 0 {
			continue // still alive
		}
		requeued, err := s.scripts.ReassignFailedTasks(ctx, id)
		if err != nil {
			log.Printf("instance: death sweep: reassign tasks for %s: %v", id, err)
			continue
		}
		if len(requeued) > 0 {
			observability.TasksReassignedTotal.Add(float64(len(requeued)))
			log.Printf("instance: %s confirmed dead, requeued %d task(s)", id, len(requeued))
		}
	}
}

// Package queue is the C6 component: the pending task queue's
// worker-facing surface plus its background sweepers. The
// authoritative ordering and every mutating transition already live in
// internal/scripts (TASK_CREATE/TASK_CLAIM/TASK_COMPLETE/
// TASK_REASSIGN/CHECK_DELAYED_TASKS/AUTO_ASSIGN_TASKS); this package
// adds the pieces that are not a single atomic script — the delayed
// pending-task SLA sweep spec.md section 4.6 describes ("a periodic
// sweeper calls CHECK_DELAYED_TASKS to rescue tasks that have been
// pending past an SLA and assigns them to the least-loaded live
// worker"), plus a non-atomic scan that discovers in_progress tasks
// whose owner looks wedged, before handing each candidate to its own
// atomic rescue decision.
//
// Grounded on scheduler/queue.go's heap-based priority queue (the
// authoritative order lives in the Redis zset per spec.md section 4.1;
// no aging is applied, and neither sweep ranks its candidates), and
// scheduler/scheduler.go's poller/RehydrateQueue sweep-on-interval
// shape for both sweep loops.
package queue

import (
	"context"
	"log"
	"time"

	"github.com/fblgit/claudebench/internal/kv"
	"github.com/fblgit/claudebench/internal/scripts"
)

// DefaultStaleAfter is how long a task may sit in_progress without its
// owning instance completing or heartbeating it before the sweeper
// treats it as a rescue candidate. This is distinct from instance TTL
// expiry (internal/instance.DeathSweeper) — a task can go stale while
// its owner is still alive but wedged.
const DefaultStaleAfter = 2 * time.Minute

// DefaultDelaySLA is how long a task may sit pending, never claimed or
// auto-assigned, before the sweeper's CHECK_DELAYED_TASKS pass treats
// it as overdue for a push assignment.
const DefaultDelaySLA = time.Minute

// DefaultDelayBatch bounds how many overdue pending tasks one sweep
// tick pushes onto workers, per spec.md section 4.2's maxTasks cap.
const DefaultDelayBatch = 20

// liveWorkerLister reports the instance ids currently eligible to
// receive pushed work. internal/instance.Manager.ActiveWorkerIDs satisfies
// this; it is narrowed to an interface here so this package does not
// import internal/instance (which itself depends on internal/scripts,
// not internal/queue).
type liveWorkerLister interface {
	ActiveWorkerIDs(ctx context.Context) ([]string, error)
}

// Sweeper periodically rescues two distinct kinds of abandoned work:
// pending tasks that have aged past an SLA without ever being claimed
// (spec.md section 4.2/4.6's CHECK_DELAYED_TASKS, pushed to the
// least-loaded live worker), and in_progress tasks whose owner appears
// stuck even though the owning instance itself is still alive (not
// named in spec.md; internal/instance.DeathSweeper covers the dead-
// instance case).
type Sweeper struct {
	store      kv.Store
	scripts    *scripts.Runner
	workers    liveWorkerLister
	gate       *Gate
	interval   time.Duration
	staleAfter time.Duration
	delaySLA   time.Duration
	delayBatch int64
}

// NewSweeper builds a Sweeper with no worker source. Until
// WithWorkerLister supplies one, the delayed-pending-task pass is
// skipped (no live-worker source to push to) and only the
// stuck-in-progress pass runs.
func NewSweeper(store kv.Store, runner *scripts.Runner, interval, staleAfter time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Sweeper{
		store:      store,
		scripts:    runner,
		interval:   interval,
		staleAfter: staleAfter,
		delaySLA:   DefaultDelaySLA,
		delayBatch: DefaultDelayBatch,
	}
}

// WithWorkerLister enables the delayed-pending-task pass, sourcing the
// live-worker set it pushes overdue tasks to from workers.
func (s *Sweeper) WithWorkerLister(workers liveWorkerLister) *Sweeper {
	s.workers = workers
	return s
}

// WithGate makes the delayed-pending-task pass respect the queue's
// admission mode: a DRAINING queue stops pushing work onto workers.
func (s *Sweeper) WithGate(gate *Gate) *Sweeper {
	s.gate = gate
	return s
}

// Start runs the sweep loop until ctx is cancelled. Like the instance
// sweepers, isLeader is polled per tick so only the elected leader
// performs rescues.
func (s *Sweeper) Start(ctx context.Context, isLeader func() bool) {
	go s.loop(ctx, isLeader)
}

func (s *Sweeper) loop(ctx context.Context, isLeader func() bool) {
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
			s.sweepDelayed(ctx)
			s.sweep(ctx)
		}
	}
}

// sweepDelayed implements spec.md section 4.6's SLA rescue: ask
// CHECK_DELAYED_TASKS for pending tasks overdue for assignment, then
// push each onto whichever live worker currently holds the fewest
// claimed tasks (TASK_REASSIGN targets a specific worker the same way
// task.assign does, so this reuses that atomic transition rather than
// inventing a new one).
func (s *Sweeper) sweepDelayed(ctx context.Context) {
	if s.workers == nil {
		return
	}
	if !s.gate.AllowPush(ctx) {
		return
	}
	overdue, err := s.scripts.CheckDelayedTasks(ctx, s.delaySLA, s.delayBatch)
	if err != nil {
		log.Printf("queue: sweepDelayed: CHECK_DELAYED_TASKS: %v", err)
		return
	}
	if len(overdue) == 0 {
		return
	}
	workerIDs, err := s.workers.ActiveWorkerIDs(ctx)
	if err != nil || len(workerIDs) == 0 {
		return
	}
	for _, taskID := range overdue {
		worker, err := s.leastLoadedWorker(ctx, workerIDs)
		if err != nil {
			log.Printf("queue: sweepDelayed: pick worker for %s: %v", taskID, err)
			continue
		}
		ok, err := s.scripts.TaskReassign(ctx, taskID, worker)
		if err != nil {
			log.Printf("queue: sweepDelayed: assign %s to %s: %v", taskID, worker, err)
			continue
		}
		if ok {
			log.Printf("queue: auto-assigned overdue pending task %s to %s", taskID, worker)
		}
	}
}

// leastLoadedWorker picks the worker id with the shortest claimed-task
// list (cb:queue:instance:<id>), the "fair share" distribution spec.md
// section 4.2 calls for.
func (s *Sweeper) leastLoadedWorker(ctx context.Context, workerIDs []string) (string, error) {
	best := workerIDs[0]
	bestLen, err := s.store.LLen(ctx, kv.InstanceQueueKey(best))
	if err != nil {
		return "", err
	}
	for _, id := range workerIDs[1:] {
		n, err := s.store.LLen(ctx, kv.InstanceQueueKey(id))
		if err != nil {
			continue
		}
		if n < bestLen {
			best, bestLen = id, n
		}
	}
	return best, nil
}

// sweep scans every task key (a cheap, non-atomic read) for
// in_progress entries whose updatedAt has aged past staleAfter, then
// asks the atomic RESCUE_STUCK_TASK transition to rescue each one —
// the scan's staleness verdict is advisory; the script re-checks
// ownership before moving anything so a task completed between the
// scan and the rescue call is left alone.
func (s *Sweeper) sweep(ctx context.Context) {
	keys, err := s.store.Scan(ctx, "cb:task:*")
	if err != nil {
		log.Printf("queue: sweep: scan: %v", err)
		return
	}
	cutoff := time.Now().UTC().Add(-s.staleAfter)
	for _, key := range keys {
		fields, err := s.store.HGetAll(ctx, key)
		if err != nil || len(fields) == 0 {
			continue
		}
		if fields["status"] != "in_progress" {
			continue
		}
		owner := fields["assignedTo"]
		if owner == "" {
			continue
		}
		updatedAt, err := time.Parse(time.RFC3339, fields["updatedAt"])
		if err != nil || updatedAt.After(cutoff) {
			continue
		}
		taskID := fields["id"]
		requeued, err := s.scripts.RescueStuckTask(ctx, taskID, owner)
		if err != nil {
			log.Printf("queue: sweep: rescue %s: %v", taskID, err)
			continue
		}
		if requeued {
			log.Printf("queue: rescued stale task %s from %s", taskID, owner)
		}
	}
}

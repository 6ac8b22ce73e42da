package queue

import (
	"context"
	"fmt"
	"log"

	"github.com/fblgit/claudebench/internal/bferrors"
	"github.com/fblgit/claudebench/internal/kv"
)

// Mode is the queue's operating mode. Grounded on scheduler/types.go's
// SchedulerMode, retargeted from reconciliation-task intake to
// ClaudeBench's task.create intake.
type Mode string

const (
	ModeNormal   Mode = "NORMAL"
	ModeDegraded Mode = "DEGRADED"  // shed low-priority creates
	ModeReadOnly Mode = "READ_ONLY" // no new tasks, keep serving claims
	ModeDraining Mode = "DRAINING"  // no new tasks, no push assignment, drain claims
)

// DegradedMinPriority is the lowest priority still admitted while the
// queue is DEGRADED. The teacher sheds its low-priority band the same
// way (scheduler.go's ModeDegraded check); ClaudeBench's priority
// scale runs 0-100 with higher meaning more important, so the band
// below the default priority of 50 is the one shed first.
const DegradedMinPriority = 50

func parseMode(s string) (Mode, bool) {
	switch Mode(s) {
	case ModeNormal, ModeDegraded, ModeReadOnly, ModeDraining:
		return Mode(s), true
	}
	return "", false
}

// Gate is the queue's admission-control surface. The current mode
// lives under a single KV key so every server process in the cluster
// observes one operator decision, not a per-process flag; an operator
// flips it with SetMode (seeded from QUEUE_MODE at startup in
// cmd/server) or by writing the key out-of-band.
//
// A nil *Gate admits everything, so handlers built without one (tests,
// embedded use) need no branching.
type Gate struct {
	store kv.Store
}

// NewGate builds a Gate over store.
func NewGate(store kv.Store) *Gate {
	return &Gate{store: store}
}

// Mode reads the current mode, defaulting to NORMAL when the key is
// unset or holds garbage.
func (g *Gate) Mode(ctx context.Context) Mode {
	if g == nil {
		return ModeNormal
	}
	v, err := g.store.Get(ctx, kv.QueueModeKey)
	if err != nil {
		log.Printf("queue: read mode: %v, assuming NORMAL", err)
		return ModeNormal
	}
	if m, ok := parseMode(v); ok {
		return m
	}
	return ModeNormal
}

// SetMode switches the queue's operating mode cluster-wide.
func (g *Gate) SetMode(ctx context.Context, m Mode) error {
	if _, ok := parseMode(string(m)); !ok {
		return fmt.Errorf("queue: unknown mode %q", m)
	}
	if err := g.store.Set(ctx, kv.QueueModeKey, string(m), 0); err != nil {
		return err
	}
	log.Printf("queue: switched to %s mode", m)
	return nil
}

// AdmitCreate decides whether a task.create at the given priority is
// accepted under the current mode. Mirrors the teacher's Submit-time
// mode checks: READ_ONLY and DRAINING reject all new tasks, DEGRADED
// sheds the low-priority band.
func (g *Gate) AdmitCreate(ctx context.Context, priority int) error {
	switch mode := g.Mode(ctx); mode {
	case ModeReadOnly, ModeDraining:
		return &bferrors.PreconditionFailed{Reason: fmt.Sprintf("queue is in %s mode, not accepting new tasks", mode)}
	case ModeDegraded:
		if priority < DegradedMinPriority {
			return &bferrors.PreconditionFailed{Reason: fmt.Sprintf("queue is DEGRADED, shedding tasks below priority %d", DegradedMinPriority)}
		}
	}
	return nil
}

// AllowPush reports whether the sweeper's push-assignment passes may
// run. DRAINING keeps the pull path (claims drain the queue) but stops
// pushing work onto workers that are being wound down.
func (g *Gate) AllowPush(ctx context.Context) bool {
	return g.Mode(ctx) != ModeDraining
}

// Package handlers is the C8 component: the thin, first-class handler
// bodies (system.*, task.*, hook.*) spec.md section 6 names. Grounded
// on control_plane/api.go's handleRegister/handleHeartbeat/
// handleSubmitJob bodies — parse params, call the domain layer
// (internal/instance, internal/queue, internal/scripts), marshal a
// result — generalized from HTTP handlers to registry.Handler values.
package handlers

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/fblgit/claudebench/internal/bferrors"
	"github.com/fblgit/claudebench/internal/bus"
	"github.com/fblgit/claudebench/internal/domain"
	"github.com/fblgit/claudebench/internal/instance"
	"github.com/fblgit/claudebench/internal/observability"
	"github.com/fblgit/claudebench/internal/persist"
	"github.com/fblgit/claudebench/internal/queue"
	"github.com/fblgit/claudebench/internal/registry"
	"github.com/fblgit/claudebench/internal/scripts"
)

// Set bundles every collaborator the handler bodies close over. One
// Set is built at startup and its methods registered by name; see
// cmd/server/main.go.
type Set struct {
	Instances *instance.Manager
	Scripts   *scripts.Runner
	Bus       *bus.Bus
	Elector   *instance.Elector
	Hooks     HookValidator
	// Queue gates task.create intake by the cluster's admission mode.
	// A nil Gate admits everything.
	Queue *queue.Gate
	// Persist is the optional relational sink for Descriptor.Persist
	// handlers (spec.md section 3); nil or a nil *persist.Store both
	// make every call below a no-op, so handler bodies never branch on
	// whether persistence is configured.
	Persist *persist.Store
}

type systemRegisterInput struct {
	ID    string   `json:"id" validate:"required"`
	Roles []string `json:"roles"`
}

type systemRegisterOutput struct {
	Registered bool `json:"registered"`
}

// SystemRegister implements system.register.
func (s *Set) SystemRegister(c *registry.Context, raw json.RawMessage) (interface{}, error) {
	var in systemRegisterInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, &bferrors.InvalidInput{Field: "params", Reason: err.Error()}
	}
	if err := registry.Validate(&in); err != nil {
		return nil, err
	}
	if err := s.Instances.Register(c.Context, in.ID, in.Roles, instance.DefaultTTL); err != nil {
		return nil, &bferrors.Internal{Cause: err}
	}
	if _, err := s.Scripts.AutoAssignTasks(c.Context, in.ID, 5); err != nil {
		return nil, &bferrors.Internal{Cause: err}
	}
	if c.Persist {
		now := time.Now().UTC()
		if err := s.Persist.UpsertInstance(c.Context, domain.Instance{
			ID:            in.ID,
			Roles:         in.Roles,
			Status:        domain.InstanceActive,
			RegisteredAt:  now,
			LastHeartbeat: now,
		}); err != nil {
			return nil, &bferrors.Internal{Cause: err}
		}
	}
	_ = c.Publish("system.registered", map[string]interface{}{"id": in.ID, "roles": in.Roles})
	return systemRegisterOutput{Registered: true}, nil
}

type systemHeartbeatInput struct {
	InstanceID string `json:"instanceId" validate:"required"`
}

type systemHeartbeatOutput struct {
	Alive bool `json:"alive"`
}

// SystemHeartbeat implements system.heartbeat.
func (s *Set) SystemHeartbeat(c *registry.Context, raw json.RawMessage) (interface{}, error) {
	var in systemHeartbeatInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, &bferrors.InvalidInput{Field: "params", Reason: err.Error()}
	}
	if err := registry.Validate(&in); err != nil {
		return nil, err
	}
	ok, err := s.Instances.Heartbeat(c.Context, in.InstanceID, instance.DefaultTTL)
	if err != nil {
		return nil, &bferrors.Internal{Cause: err}
	}
	if !ok {
		return nil, &bferrors.NotFound{Resource: "instance", ID: in.InstanceID}
	}
	return systemHeartbeatOutput{Alive: true}, nil
}

type systemHealthOutput struct {
	Status   string                 `json:"status" validate:"required,oneof=healthy degraded"`
	Services map[string]interface{} `json:"services"`
}

// SystemHealth implements system.health.
func (s *Set) SystemHealth(c *registry.Context, _ json.RawMessage) (interface{}, error) {
	health, err := s.Scripts.GetSystemHealth(c.Context)
	if err != nil {
		return nil, &bferrors.Internal{Cause: err}
	}
	status := "healthy"
	if !health.HasLeader || health.ActiveInstances == 0 {
		status = "degraded"
	}
	return systemHealthOutput{
		Status: status,
		Services: map[string]interface{}{
			"leader":          health.LeaderID,
			"activeInstances": health.ActiveInstances,
			"queueMode":       string(s.Queue.Mode(c.Context)),
		},
	}, nil
}

type systemStateOutput struct {
	Instances    []string       `json:"instances"`
	PendingTasks int64          `json:"pendingTasks"`
	LeaderID     string         `json:"leaderId"`
	RecentEvents []domain.Event `json:"recentEvents,omitempty"`
}

// stateEventTypes are the streams SystemGetState replays into
// recentEvents: the first-class announcements the handler bodies
// publish, not the hook firehose.
var stateEventTypes = []string{
	"task.created", "task.updated", "task.assigned",
	"task.claimed", "task.completed", "system.registered",
}

const stateRecentEventCap = 20

// SystemGetState implements system.get_state.
func (s *Set) SystemGetState(c *registry.Context, _ json.RawMessage) (interface{}, error) {
	state, err := s.Scripts.GetSystemState(c.Context)
	if err != nil {
		return nil, &bferrors.Internal{Cause: err}
	}
	var recent []domain.Event
	for _, eventType := range stateEventTypes {
		evs, err := s.Bus.Recent(c.Context, eventType, stateRecentEventCap)
		if err != nil {
			return nil, &bferrors.Internal{Cause: err}
		}
		recent = append(recent, evs...)
	}
	sort.Slice(recent, func(i, j int) bool { return recent[i].Time.After(recent[j].Time) })
	if len(recent) > stateRecentEventCap {
		recent = recent[:stateRecentEventCap]
	}
	return systemStateOutput{
		Instances:    state.InstanceIDs,
		PendingTasks: state.PendingTasks,
		LeaderID:     state.LeaderID,
		RecentEvents: recent,
	}, nil
}

type systemMetricsOutput struct {
	EventsProcessed     int64 `json:"eventsProcessed"`
	TasksCompleted      int64 `json:"tasksCompleted"`
	DuplicatesPrevented int64 `json:"duplicatesPrevented"`
	PendingTasks        int64 `json:"pendingTasks"`
	ActiveInstances     int64 `json:"activeInstances"`
}

// SystemMetrics implements system.metrics.
func (s *Set) SystemMetrics(c *registry.Context, _ json.RawMessage) (interface{}, error) {
	m, err := s.Scripts.AggregateGlobalMetrics(c.Context)
	if err != nil {
		return nil, &bferrors.Internal{Cause: err}
	}
	return systemMetricsOutput{
		EventsProcessed:     m.ProcessedEvents,
		DuplicatesPrevented: m.DuplicatesPrevented,
		PendingTasks:        m.PendingTasks,
		ActiveInstances:     m.ActiveInstances,
	}, nil
}

type systemQuorumVoteInput struct {
	InstanceID     string `json:"instanceId" validate:"required"`
	Decision       string `json:"decision" validate:"required"`
	Value          string `json:"value" validate:"required"`
	TotalInstances int    `json:"totalInstances"`
}

type systemQuorumVoteOutput struct {
	Voted          bool   `json:"voted"`
	QuorumReached  bool   `json:"quorumReached"`
	FinalDecision  string `json:"finalDecision,omitempty"`
	VoteCount      int64  `json:"voteCount,omitempty"`
}

// SystemQuorumVote implements system.quorum.vote.
func (s *Set) SystemQuorumVote(c *registry.Context, raw json.RawMessage) (interface{}, error) {
	var in systemQuorumVoteInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, &bferrors.InvalidInput{Field: "params", Reason: err.Error()}
	}
	if err := registry.Validate(&in); err != nil {
		return nil, err
	}
	expected := in.TotalInstances
	if expected <= 0 {
		active, err := s.Instances.Active(c.Context)
		if err != nil {
			return nil, &bferrors.Internal{Cause: err}
		}
		expected = len(active)
	}
	result, err := s.Scripts.QuorumVote(c.Context, in.Decision, in.InstanceID, in.Value, expected)
	if err != nil {
		return nil, &bferrors.Internal{Cause: err}
	}
	out := systemQuorumVoteOutput{Voted: true, QuorumReached: result.Decided, VoteCount: result.Total}
	if result.JustDecided {
		observability.QuorumDecisionsTotal.Inc()
	}
	if result.Decided {
		out.FinalDecision = result.Decision
		if c.Persist {
			if err := s.Persist.RecordQuorumDecision(c.Context, in.Decision, result.Decision, int(result.Total)); err != nil {
				return nil, &bferrors.Internal{Cause: err}
			}
		}
	}
	return out, nil
}

type systemBatchProcessInput struct {
	BatchID    string   `json:"batchId" validate:"required"`
	InstanceID string   `json:"instanceId" validate:"required"`
	Items      []string `json:"items"`
}

type systemBatchProcessOutput struct {
	Processed      bool   `json:"processed"`
	ProcessorID    string `json:"processorId,omitempty"`
	ItemsProcessed int    `json:"itemsProcessed,omitempty"`
}

// SystemBatchProcess implements system.batch.process.
func (s *Set) SystemBatchProcess(c *registry.Context, raw json.RawMessage) (interface{}, error) {
	var in systemBatchProcessInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, &bferrors.InvalidInput{Field: "params", Reason: err.Error()}
	}
	if err := registry.Validate(&in); err != nil {
		return nil, err
	}
	coord, err := s.Scripts.CoordinateBatch(c.Context, in.InstanceID, len(in.Items), 30*time.Second)
	if err != nil {
		return nil, &bferrors.Internal{Cause: err}
	}
	if !coord.Acquired {
		return systemBatchProcessOutput{Processed: false}, nil
	}
	return systemBatchProcessOutput{
		Processed:      true,
		ProcessorID:    in.InstanceID,
		ItemsProcessed: len(in.Items),
	}, nil
}

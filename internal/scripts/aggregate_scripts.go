package scripts

import (
	"context"
	"fmt"

	"github.com/fblgit/claudebench/internal/kv"
)

const (
	nameAggregateGlobalMetrics = "AGGREGATE_GLOBAL_METRICS"
	nameGetSystemHealth        = "GET_SYSTEM_HEALTH"
	nameGetSystemState         = "GET_SYSTEM_STATE"
)

func init() {
	registerSource(nameAggregateGlobalMetrics, aggregateGlobalMetricsScript)
	registerSource(nameGetSystemHealth, getSystemHealthScript)
	registerSource(nameGetSystemState, getSystemStateScript)
}

// aggregateGlobalMetricsScript reads the cluster-wide counters spec.md
// section 4.7's system.metrics handler reports, in one round trip so
// the numbers describe a single instant instead of drifting across
// several sequential GETs.
//
// KEYS[1] = cb:queue:tasks:pending
// KEYS[2] = cb:instances:active
// KEYS[3] = cb:duplicates:prevented
// KEYS[4] = cb:processed:events
//
// Returns {pendingCount, activeInstanceCount, duplicatesPrevented, processedEventCount}.
const aggregateGlobalMetricsScript = `
local pending = redis.call("ZCARD", KEYS[1])
local instances = redis.call("ZCARD", KEYS[2])
local dupes = tonumber(redis.call("GET", KEYS[3]) or "0")
local processed = redis.call("SCARD", KEYS[4])
return {pending, instances, dupes, processed}
`

// getSystemHealthScript reports whether the cluster currently has a
// leader and how many instances are active, the minimum spec.md
// section 4.7's system.health handler needs without requiring the
// caller to make two separate round trips.
//
// KEYS[1] = cb:leader:lock
// KEYS[2] = cb:instances:active
//
// Returns {hasLeader(0/1), leaderId, activeInstanceCount}.
const getSystemHealthScript = `
local leader = redis.call("GET", KEYS[1])
local hasLeader = 0
if leader and leader ~= false then hasLeader = 1 end
local count = redis.call("ZCARD", KEYS[2])
return {hasLeader, leader or "", count}
`

// getSystemStateScript is the heavier companion to GET_SYSTEM_HEALTH:
// it additionally lists every active instance id, used by
// system.get_state to render a full cluster snapshot.
//
// KEYS[1] = cb:instances:active
// KEYS[2] = cb:queue:tasks:pending
// KEYS[3] = cb:leader:lock
//
// Returns {leaderId, pendingCount, instanceId, instanceId, ...}.
const getSystemStateScript = `
local leader = redis.call("GET", KEYS[3]) or ""
local pending = redis.call("ZCARD", KEYS[2])
local instances = redis.call("ZRANGE", KEYS[1], 0, -1)
local out = {leader, pending}
for _, id in ipairs(instances) do table.insert(out, id) end
return out
`

// GlobalMetrics is the outcome of AggregateGlobalMetrics.
type GlobalMetrics struct {
	PendingTasks        int64
	ActiveInstances     int64
	DuplicatesPrevented int64
	ProcessedEvents     int64
}

// AggregateGlobalMetrics reads the cluster-wide counters in one pass.
func (r *Runner) AggregateGlobalMetrics(ctx context.Context) (GlobalMetrics, error) {
	res, err := r.run(ctx, nameAggregateGlobalMetrics,
		[]string{kv.PendingQueueKey, kv.ActiveInstancesKey, kv.DuplicatesPreventedKey, kv.ProcessedEventsKey})
	if err != nil {
		return GlobalMetrics{}, err
	}
	arr := asSlice(res)
	if len(arr) < 4 {
		return GlobalMetrics{}, fmt.Errorf("scripts: AGGREGATE_GLOBAL_METRICS: malformed reply")
	}
	return GlobalMetrics{
		PendingTasks:        asInt64(arr[0]),
		ActiveInstances:     asInt64(arr[1]),
		DuplicatesPrevented: asInt64(arr[2]),
		ProcessedEvents:     asInt64(arr[3]),
	}, nil
}

// SystemHealth is the outcome of GetSystemHealth.
type SystemHealth struct {
	HasLeader       bool
	LeaderID        string
	ActiveInstances int64
}

// GetSystemHealth reports leader presence and active instance count.
func (r *Runner) GetSystemHealth(ctx context.Context) (SystemHealth, error) {
	res, err := r.run(ctx, nameGetSystemHealth, []string{kv.LeaderLockKey, kv.ActiveInstancesKey})
	if err != nil {
		return SystemHealth{}, err
	}
	arr := asSlice(res)
	if len(arr) < 3 {
		return SystemHealth{}, fmt.Errorf("scripts: GET_SYSTEM_HEALTH: malformed reply")
	}
	return SystemHealth{
		HasLeader:       asInt64(arr[0]) == 1,
		LeaderID:        asString(arr[1]),
		ActiveInstances: asInt64(arr[2]),
	}, nil
}

// SystemState is the outcome of GetSystemState.
type SystemState struct {
	LeaderID    string
	PendingTasks int64
	InstanceIDs []string
}

// GetSystemState renders a full cluster snapshot.
func (r *Runner) GetSystemState(ctx context.Context) (SystemState, error) {
	res, err := r.run(ctx, nameGetSystemState,
		[]string{kv.ActiveInstancesKey, kv.PendingQueueKey, kv.LeaderLockKey})
	if err != nil {
		return SystemState{}, err
	}
	arr := asSlice(res)
	if len(arr) < 2 {
		return SystemState{}, fmt.Errorf("scripts: GET_SYSTEM_STATE: malformed reply")
	}
	state := SystemState{
		LeaderID:     asString(arr[0]),
		PendingTasks: asInt64(arr[1]),
	}
	for _, v := range arr[2:] {
		state.InstanceIDs = append(state.InstanceIDs, asString(v))
	}
	return state, nil
}

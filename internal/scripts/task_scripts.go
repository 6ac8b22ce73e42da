package scripts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fblgit/claudebench/internal/domain"
	"github.com/fblgit/claudebench/internal/kv"
)

const (
	nameTaskCreate        = "TASK_CREATE"
	nameTaskClaim         = "TASK_CLAIM"
	nameTaskComplete      = "TASK_COMPLETE"
	nameTaskUpdate        = "TASK_UPDATE"
	nameTaskReassign      = "TASK_REASSIGN"
	nameCheckDelayedTasks = "CHECK_DELAYED_TASKS"
	nameRescueStuckTask   = "RESCUE_STUCK_TASK"
	nameAutoAssignTasks   = "AUTO_ASSIGN_TASKS"
)

// priorityWeight spaces priority bands far enough apart that insertion
// sequence (which never exceeds this range over a cluster's lifetime in
// practice) can never cross a priority boundary. Grounded on
// scheduler/queue.go's score = priority*bigConstant - ageBonus idea,
// inverted here since spec.md section 4.1 requires ZRANGE ascending to
// yield highest-priority-first.
const priorityWeight = 1e13

func init() {
	registerSource(nameTaskCreate, taskCreateScript)
	registerSource(nameTaskClaim, taskClaimScript)
	registerSource(nameTaskComplete, taskCompleteScript)
	registerSource(nameTaskUpdate, taskUpdateScript)
	registerSource(nameTaskReassign, taskReassignScript)
	registerSource(nameCheckDelayedTasks, checkDelayedTasksScript)
	registerSource(nameRescueStuckTask, rescueStuckTaskScript)
	registerSource(nameAutoAssignTasks, autoAssignTasksScript)
}

// taskCreateScript inserts a new task hash and admits it into the
// pending priority queue in one step, so a crash between the HSET and
// the ZADD can never leave a task record with no queue membership.
//
// KEYS[1] = cb:task:<id>
// KEYS[2] = cb:queue:tasks:pending
// KEYS[3] = cb:task:seq
// ARGV[1] = task id
// ARGV[2] = text
// ARGV[3] = priority (integer)
// ARGV[4] = createdAt (RFC3339)
// ARGV[5] = metadata json
//
// Returns {1} on success, {0, "exists"} if the id is already taken.
const taskCreateScript = `
if redis.call("EXISTS", KEYS[1]) == 1 then
  return {0, "exists"}
end
local seq = redis.call("INCR", KEYS[3])
local priority = tonumber(ARGV[3])
local score = -(priority * ` + "1e13" + `) + seq
redis.call("HSET", KEYS[1],
  "id", ARGV[1],
  "text", ARGV[2],
  "status", "pending",
  "priority", ARGV[3],
  "createdAt", ARGV[4],
  "updatedAt", ARGV[4],
  "metadata", ARGV[5])
redis.call("ZADD", KEYS[2], score, ARGV[1])
return {1}
`

// taskClaimScript finds the highest-priority eligible pending task
// (skipping any id present in the caller's deny list, used by
// task.assign to exclude instances a task was already reassigned away
// from) and atomically hands it to the claiming worker: removed from
// the pending zset, marked in_progress, pushed onto the worker's
// claimed-task list.
//
// KEYS[1] = cb:queue:tasks:pending
// ARGV[1] = worker/instance id
// ARGV[2] = now (RFC3339)
// ARGV[3] = deny-list json array of task ids (use "[]" for none)
// ARGV[4] = scan window (how many pending candidates to consider)
//
// Returns {1, taskId, field, value, field, value, ...} or {0}.
const taskClaimScript = `
local deny = cjson.decode(ARGV[3])
local denySet = {}
for _, id in ipairs(deny) do denySet[id] = true end
local window = tonumber(ARGV[4])
local candidates = redis.call("ZRANGE", KEYS[1], 0, window - 1)
for _, taskId in ipairs(candidates) do
  if not denySet[taskId] then
    local taskKey = "cb:task:" .. taskId
    if redis.call("EXISTS", taskKey) == 1 then
      redis.call("ZREM", KEYS[1], taskId)
      redis.call("HSET", taskKey, "status", "in_progress", "assignedTo", ARGV[1], "updatedAt", ARGV[2])
      redis.call("RPUSH", "cb:queue:instance:" .. ARGV[1], taskId)
      local fields = redis.call("HGETALL", taskKey)
      local out = {1, taskId}
      for _, f in ipairs(fields) do table.insert(out, f) end
      return out
    else
      redis.call("ZREM", KEYS[1], taskId)
    end
  end
end
return {0}
`

// taskCompleteScript transitions an in_progress task to completed or
// failed depending on whether a result payload is present, per
// spec.md's completed-iff-result-present resolution, and releases the
// task from its owning worker's claimed-task list in the same step.
//
// KEYS[1] = cb:task:<id>
// ARGV[1] = task id
// ARGV[2] = result json ("" if none -> failure)
// ARGV[3] = error message (used only when ARGV[2] is empty)
// ARGV[4] = completedAt (RFC3339)
//
// Returns {1, newStatus} or {0, "precondition_failed"}.
const taskCompleteScript = `
local status = redis.call("HGET", KEYS[1], "status")
if status ~= "in_progress" then
  return {0, "precondition_failed"}
end
local newStatus
if ARGV[2] ~= "" then
  newStatus = "completed"
  redis.call("HSET", KEYS[1], "status", newStatus, "result", ARGV[2], "completedAt", ARGV[4], "updatedAt", ARGV[4])
else
  newStatus = "failed"
  redis.call("HSET", KEYS[1], "status", newStatus, "error", ARGV[3], "completedAt", ARGV[4], "updatedAt", ARGV[4])
end
local assignedTo = redis.call("HGET", KEYS[1], "assignedTo")
if assignedTo and assignedTo ~= false and assignedTo ~= "" then
  redis.call("LREM", "cb:queue:instance:" .. assignedTo, 0, ARGV[1])
end
return {1, newStatus}
`

// taskUpdateScript applies a partial field update to a task hash,
// re-scoring the pending queue entry when priority changes so a
// priority bump takes effect without a claim/re-create round trip.
// A status change is validated against the lifecycle DAG
// (pending -> in_progress -> completed|failed) before any field is
// touched, so a rejected transition leaves the task byte-identical.
//
// KEYS[1] = cb:task:<id>
// KEYS[2] = cb:queue:tasks:pending
// ARGV[1] = task id
// ARGV[2] = updatedAt
// ARGV[3] = new priority ("" = unchanged)
// ARGV[4] = new text ("" = unchanged)
// ARGV[5] = new status ("" = unchanged)
// ARGV[6] = new metadata json ("" = unchanged)
//
// Returns {1} or {0, "not_found"} or {0, "bad_transition:<cur>-><new>"}.
const taskUpdateScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return {0, "not_found"}
end
if ARGV[5] ~= "" then
  local cur = redis.call("HGET", KEYS[1], "status")
  local legal = ARGV[5] == cur
    or (cur == "pending" and ARGV[5] == "in_progress")
    or (cur == "in_progress" and (ARGV[5] == "completed" or ARGV[5] == "failed"))
  if not legal then
    return {0, "bad_transition:" .. cur .. "->" .. ARGV[5]}
  end
end
if ARGV[4] ~= "" then
  redis.call("HSET", KEYS[1], "text", ARGV[4])
end
if ARGV[3] ~= "" then
  redis.call("HSET", KEYS[1], "priority", ARGV[3])
  local score = redis.call("ZSCORE", KEYS[2], ARGV[1])
  if score then
    local seq = tonumber(score) % ` + "1e13" + `
    local priority = tonumber(ARGV[3])
    local newScore = -(priority * ` + "1e13" + `) + seq
    redis.call("ZADD", KEYS[2], newScore, ARGV[1])
  end
end
if ARGV[5] ~= "" then
  redis.call("HSET", KEYS[1], "status", ARGV[5])
  if ARGV[5] ~= "pending" then
    redis.call("ZREM", KEYS[2], ARGV[1])
  end
  if ARGV[5] == "completed" or ARGV[5] == "failed" then
    redis.call("HSET", KEYS[1], "completedAt", ARGV[2])
  end
end
if ARGV[6] ~= "" then
  redis.call("HSET", KEYS[1], "metadata", ARGV[6])
end
redis.call("HSET", KEYS[1], "updatedAt", ARGV[2])
return {1}
`

// taskReassignScript pulls a task off its current owner's claimed list
// and either hands it straight to a named worker or drops it back onto
// the pending queue at its original priority for the next claim.
//
// KEYS[1] = cb:task:<id>
// KEYS[2] = cb:queue:tasks:pending
// KEYS[3] = cb:task:seq
// ARGV[1] = task id
// ARGV[2] = now
// ARGV[3] = new owner id ("" = requeue to pending instead)
//
// Returns {1} or {0, "not_found"}.
const taskReassignScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return {0, "not_found"}
end
local prevOwner = redis.call("HGET", KEYS[1], "assignedTo")
if prevOwner and prevOwner ~= false and prevOwner ~= "" then
  redis.call("LREM", "cb:queue:instance:" .. prevOwner, 0, ARGV[1])
end
if ARGV[3] ~= "" then
  redis.call("HSET", KEYS[1], "status", "in_progress", "assignedTo", ARGV[3], "updatedAt", ARGV[2])
  redis.call("RPUSH", "cb:queue:instance:" .. ARGV[3], ARGV[1])
  redis.call("ZREM", KEYS[2], ARGV[1])
else
  local seq = redis.call("INCR", KEYS[3])
  local priority = tonumber(redis.call("HGET", KEYS[1], "priority"))
  local score = -(priority * ` + "1e13" + `) + seq
  redis.call("HSET", KEYS[1], "status", "pending", "assignedTo", "", "updatedAt", ARGV[2])
  redis.call("ZADD", KEYS[2], score, ARGV[1])
end
return {1}
`

// checkDelayedTasksScript implements spec.md section 4.2's
// CHECK_DELAYED_TASKS exactly: it scans the pending queue (every
// pending task has no assignee by definition — see spec.md section 3's
// task invariants) for ids whose createdAt is older than the caller's
// cutoff, returning up to maxTasks of them so the scheduler can push
// them onto a live worker instead of waiting for that worker to pull.
// createdAt/cutoff are both RFC3339-without-fractional-seconds UTC
// strings, which sort lexicographically in time order, so a plain Lua
// string comparison is a correct "older than" test without a date
// parser.
//
// KEYS[1] = cb:queue:tasks:pending
// ARGV[1] = cutoff (RFC3339, now - delayMs)
// ARGV[2] = maxTasks
//
// Returns a list of up to maxTasks task ids, in pending-queue order
// (highest priority first, then insertion order).
const checkDelayedTasksScript = `
local max = tonumber(ARGV[2])
local cutoff = ARGV[1]
local ids = redis.call("ZRANGE", KEYS[1], 0, -1)
local out = {}
for _, id in ipairs(ids) do
  if #out >= max then break end
  local createdAt = redis.call("HGET", "cb:task:" .. id, "createdAt")
  if createdAt and createdAt ~= false and createdAt < cutoff then
    table.insert(out, id)
  end
end
return out
`

// rescueStuckTaskScript finds in_progress tasks whose owner's
// claimed-list entry has outlived a staleness threshold even though
// the owning instance is still alive (the caller passes each candidate
// task id/owner pair it discovered via a cheap non-atomic scan; this
// script only performs the atomic rescue-decision part to avoid
// double-reassignment races between concurrent sweepers). This is
// internal/queue's own addition for the "owner alive but task
// abandoned" gap — distinct from spec.md's CHECK_DELAYED_TASKS (which
// rescues tasks never claimed at all) and from REASSIGN_FAILED_TASKS
// (which drains a dead instance's entire claimed list).
//
// KEYS[1] = cb:task:<id>
// KEYS[2] = cb:queue:tasks:pending
// KEYS[3] = cb:task:seq
// ARGV[1] = task id
// ARGV[2] = expected stale owner id
// ARGV[3] = now
//
// Returns {1, "requeued"} if the task was still owned by the expected
// stale owner and has been moved back to pending, {0, "raced"}
// otherwise (another sweeper or the owner itself already acted).
const rescueStuckTaskScript = `
local status = redis.call("HGET", KEYS[1], "status")
local owner = redis.call("HGET", KEYS[1], "assignedTo")
if status ~= "in_progress" or owner ~= ARGV[2] then
  return {0, "raced"}
end
redis.call("LREM", "cb:queue:instance:" .. owner, 0, ARGV[1])
local seq = redis.call("INCR", KEYS[3])
local priority = tonumber(redis.call("HGET", KEYS[1], "priority"))
local score = -(priority * ` + "1e13" + `) + seq
redis.call("HSET", KEYS[1], "status", "pending", "assignedTo", "", "updatedAt", ARGV[3])
redis.call("ZADD", KEYS[2], score, ARGV[1])
return {1, "requeued"}
`

// autoAssignTasksScript drains up to ARGV[2] pending tasks onto a
// named worker's claimed list in one round trip, used by the trickle
// admission mode described in spec.md's scheduler discussion instead
// of one claim call per task.
//
// KEYS[1] = cb:queue:tasks:pending
// ARGV[1] = worker id
// ARGV[2] = max tasks to assign
// ARGV[3] = now
//
// Returns the list of task ids assigned (possibly empty).
const autoAssignTasksScript = `
local n = tonumber(ARGV[2])
local assigned = {}
local candidates = redis.call("ZRANGE", KEYS[1], 0, n * 3 - 1)
for _, taskId in ipairs(candidates) do
  if #assigned >= n then break end
  local taskKey = "cb:task:" .. taskId
  if redis.call("EXISTS", taskKey) == 1 then
    redis.call("ZREM", KEYS[1], taskId)
    redis.call("HSET", taskKey, "status", "in_progress", "assignedTo", ARGV[1], "updatedAt", ARGV[3])
    redis.call("RPUSH", "cb:queue:instance:" .. ARGV[1], taskId)
    table.insert(assigned, taskId)
  else
    redis.call("ZREM", KEYS[1], taskId)
  end
end
return assigned
`

// TaskCreate inserts a new task and admits it to the pending queue.
// Returns false, nil if a task with this id already exists.
func (r *Runner) TaskCreate(ctx context.Context, t domain.Task) (bool, error) {
	metaJSON, err := toJSON(t.Metadata)
	if err != nil {
		return false, err
	}
	res, err := r.run(ctx, nameTaskCreate,
		[]string{kv.TaskKey(t.ID), kv.PendingQueueKey, kv.TaskSeqKey},
		t.ID, t.Text, t.Priority, t.CreatedAt.Format(time.RFC3339), metaJSON)
	if err != nil {
		return false, err
	}
	arr := asSlice(res)
	if len(arr) == 0 {
		return false, fmt.Errorf("scripts: TASK_CREATE: empty reply")
	}
	return asInt64(arr[0]) == 1, nil
}

// TaskClaimResult is the outcome of a TaskClaim call.
type TaskClaimResult struct {
	Found  bool
	TaskID string
	Fields map[string]string
}

// TaskClaim finds and assigns the highest-priority eligible pending
// task to workerID, skipping any id in deny. window bounds how many
// zset candidates are scanned before giving up (spec.md does not
// require a full-queue scan per claim; a bounded window keeps claim
// latency flat under a large backlog).
func (r *Runner) TaskClaim(ctx context.Context, workerID string, deny []string, window int64) (TaskClaimResult, error) {
	if deny == nil {
		deny = []string{}
	}
	denyJSON, err := toJSON(deny)
	if err != nil {
		return TaskClaimResult{}, err
	}
	if window <= 0 {
		window = 50
	}
	res, err := r.run(ctx, nameTaskClaim,
		[]string{kv.PendingQueueKey},
		workerID, time.Now().UTC().Format(time.RFC3339), denyJSON, window)
	if err != nil {
		return TaskClaimResult{}, err
	}
	arr := asSlice(res)
	if len(arr) == 0 || asInt64(arr[0]) == 0 {
		return TaskClaimResult{Found: false}, nil
	}
	taskID := asString(arr[1])
	fields := asStringMap(arr[2:])
	return TaskClaimResult{Found: true, TaskID: taskID, Fields: fields}, nil
}

// TaskComplete transitions an in_progress task to completed (when
// result is non-nil) or failed (when result is nil, using errMsg).
// Returns the resulting status, or an error wrapping
// bferrors.PreconditionFailed if the task was not in_progress.
func (r *Runner) TaskComplete(ctx context.Context, taskID string, result map[string]interface{}, errMsg string) (domain.TaskStatus, error) {
	resultJSON := ""
	if result != nil {
		j, err := toJSON(result)
		if err != nil {
			return "", err
		}
		resultJSON = j
	}
	res, err := r.run(ctx, nameTaskComplete,
		[]string{kv.TaskKey(taskID)},
		taskID, resultJSON, errMsg, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return "", err
	}
	arr := asSlice(res)
	if len(arr) < 2 {
		return "", fmt.Errorf("scripts: TASK_COMPLETE: malformed reply")
	}
	if asInt64(arr[0]) == 0 {
		return "", fmt.Errorf("task %s: %s", taskID, asString(arr[1]))
	}
	return domain.TaskStatus(asString(arr[1])), nil
}

// ErrBadTransition marks a TASK_UPDATE rejected because the requested
// status change is not an edge of the pending -> in_progress ->
// (completed|failed) lifecycle.
var ErrBadTransition = errors.New("status transition not allowed")

// TaskUpdate applies a partial update. Pass priority <= 0, text "",
// status "" or metadataJSON "" to leave that field unchanged. A status
// change outside the lifecycle DAG returns ErrBadTransition with the
// attempted edge in the message.
func (r *Runner) TaskUpdate(ctx context.Context, taskID string, priority int, text, status, metadataJSON string) (bool, error) {
	priorityArg := ""
	if priority > 0 {
		priorityArg = fmt.Sprintf("%d", priority)
	}
	res, err := r.run(ctx, nameTaskUpdate,
		[]string{kv.TaskKey(taskID), kv.PendingQueueKey},
		taskID, time.Now().UTC().Format(time.RFC3339), priorityArg, text, status, metadataJSON)
	if err != nil {
		return false, err
	}
	arr := asSlice(res)
	if len(arr) > 0 && asInt64(arr[0]) == 1 {
		return true, nil
	}
	if len(arr) > 1 {
		if reason := asString(arr[1]); strings.HasPrefix(reason, "bad_transition:") {
			return false, fmt.Errorf("task %s: %w: %s", taskID, ErrBadTransition, strings.TrimPrefix(reason, "bad_transition:"))
		}
	}
	return false, nil
}

// TaskReassign moves a task from its current owner to newOwner, or
// back onto the pending queue if newOwner is "".
func (r *Runner) TaskReassign(ctx context.Context, taskID, newOwner string) (bool, error) {
	res, err := r.run(ctx, nameTaskReassign,
		[]string{kv.TaskKey(taskID), kv.PendingQueueKey, kv.TaskSeqKey},
		taskID, time.Now().UTC().Format(time.RFC3339), newOwner)
	if err != nil {
		return false, err
	}
	arr := asSlice(res)
	return len(arr) > 0 && asInt64(arr[0]) == 1, nil
}

// CheckDelayedTasks returns up to maxTasks pending task ids whose
// createdAt is older than delay and which have no assignee (spec.md
// section 4.2's CHECK_DELAYED_TASKS), for the scheduler to push onto a
// live worker instead of waiting for a pull.
func (r *Runner) CheckDelayedTasks(ctx context.Context, delay time.Duration, maxTasks int64) ([]string, error) {
	cutoff := time.Now().UTC().Add(-delay).Format(time.RFC3339)
	res, err := r.run(ctx, nameCheckDelayedTasks,
		[]string{kv.PendingQueueKey},
		cutoff, maxTasks)
	if err != nil {
		return nil, err
	}
	arr := asSlice(res)
	out := make([]string, 0, len(arr))
	for _, v := range arr {
		out = append(out, asString(v))
	}
	return out, nil
}

// RescueStuckTask atomically requeues taskID if it is still owned by
// staleOwner, returning false if another actor already raced it. This
// is internal/queue's own "owner alive but task abandoned" addition,
// not spec.md's CHECK_DELAYED_TASKS (see rescueStuckTaskScript).
func (r *Runner) RescueStuckTask(ctx context.Context, taskID, staleOwner string) (bool, error) {
	res, err := r.run(ctx, nameRescueStuckTask,
		[]string{kv.TaskKey(taskID), kv.PendingQueueKey, kv.TaskSeqKey},
		taskID, staleOwner, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return false, err
	}
	arr := asSlice(res)
	return len(arr) > 0 && asInt64(arr[0]) == 1, nil
}

// AutoAssignTasks drains up to max pending tasks onto workerID's
// claimed list, returning the assigned task ids.
func (r *Runner) AutoAssignTasks(ctx context.Context, workerID string, max int64) ([]string, error) {
	res, err := r.run(ctx, nameAutoAssignTasks,
		[]string{kv.PendingQueueKey},
		workerID, max, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return nil, err
	}
	arr := asSlice(res)
	out := make([]string, 0, len(arr))
	for _, v := range arr {
		out = append(out, asString(v))
	}
	return out, nil
}

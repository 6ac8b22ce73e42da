package scripts

import (
	"context"
	"time"

	"github.com/fblgit/claudebench/internal/kv"
)

const (
	nameInstanceRegister    = "INSTANCE_REGISTER"
	nameInstanceHeartbeat   = "INSTANCE_HEARTBEAT"
	nameReassignFailedTasks = "REASSIGN_FAILED_TASKS"
)

func init() {
	registerSource(nameInstanceRegister, instanceRegisterScript)
	registerSource(nameInstanceHeartbeat, instanceHeartbeatScript)
	registerSource(nameReassignFailedTasks, reassignFailedTasksScript)
}

// instanceRegisterScript creates or refreshes an instance record and
// adds it to the active set (a zset scored by registration time, so
// ZRANGE also gives a stable oldest-first enumeration order) in one
// step, so a reader of the active set never observes a member whose
// hash record has not been written yet.
//
// KEYS[1] = cb:instance:<id>
// KEYS[2] = cb:instances:active
// ARGV[1] = instance id
// ARGV[2] = roles (comma-joined)
// ARGV[3] = now (RFC3339)
// ARGV[4] = ttl seconds
// ARGV[5] = now (unix epoch, used as the zset score)
//
// Returns {1}.
const instanceRegisterScript = `
redis.call("HSET", KEYS[1],
  "id", ARGV[1],
  "roles", ARGV[2],
  "status", "ACTIVE",
  "registeredAt", ARGV[3],
  "lastHeartbeat", ARGV[3])
redis.call("EXPIRE", KEYS[1], tonumber(ARGV[4]))
redis.call("ZADD", KEYS[2], tonumber(ARGV[5]), ARGV[1])
return {1}
`

// instanceHeartbeatScript refreshes lastHeartbeat and the hash TTL.
// Returns {0, "not_found"} if the instance record already expired,
// signaling the caller to re-register instead of silently reviving a
// record that a sweeper may already be treating as gone.
//
// KEYS[1] = cb:instance:<id>
// ARGV[1] = now
// ARGV[2] = ttl seconds
const instanceHeartbeatScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return {0, "not_found"}
end
redis.call("HSET", KEYS[1], "lastHeartbeat", ARGV[1], "status", "ACTIVE")
redis.call("EXPIRE", KEYS[1], tonumber(ARGV[2]))
return {1}
`

// reassignFailedTasksScript drains every task id still sitting on a
// dead instance's claimed-task list back onto the pending queue at its
// recorded priority, then deletes the empty list and removes the
// instance from the active set. Intended to run once per confirmed-
// dead instance (after TTL expiry), not on a live heartbeat path.
//
// KEYS[1] = cb:queue:instance:<deadId>
// KEYS[2] = cb:queue:tasks:pending
// KEYS[3] = cb:task:seq
// KEYS[4] = cb:instances:active
// ARGV[1] = dead instance id
// ARGV[2] = now
//
// Returns the list of task ids requeued.
const reassignFailedTasksScript = `
local taskIds = redis.call("LRANGE", KEYS[1], 0, -1)
local requeued = {}
for _, taskId in ipairs(taskIds) do
  local taskKey = "cb:task:" .. taskId
  if redis.call("EXISTS", taskKey) == 1 and redis.call("HGET", taskKey, "status") == "in_progress" then
    local seq = redis.call("INCR", KEYS[3])
    local priority = tonumber(redis.call("HGET", taskKey, "priority"))
    local score = -(priority * ` + "1e13" + `) + seq
    redis.call("HSET", taskKey, "status", "pending", "assignedTo", "", "updatedAt", ARGV[2])
    redis.call("ZADD", KEYS[2], score, taskId)
    table.insert(requeued, taskId)
  end
end
redis.call("DEL", KEYS[1])
redis.call("ZREM", KEYS[4], ARGV[1])
return requeued
`

// InstanceRegister creates or refreshes an instance record.
func (r *Runner) InstanceRegister(ctx context.Context, id string, roles []string, ttl time.Duration) error {
	rolesJoined := joinRoles(roles)
	now := time.Now().UTC()
	_, err := r.run(ctx, nameInstanceRegister,
		[]string{kv.InstanceKey(id), kv.ActiveInstancesKey},
		id, rolesJoined, now.Format(time.RFC3339), int64(ttl.Seconds()), now.Unix())
	return err
}

// InstanceHeartbeat refreshes an instance's liveness TTL. Returns
// false if the instance record had already expired.
func (r *Runner) InstanceHeartbeat(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	res, err := r.run(ctx, nameInstanceHeartbeat,
		[]string{kv.InstanceKey(id)},
		time.Now().UTC().Format(time.RFC3339), int64(ttl.Seconds()))
	if err != nil {
		return false, err
	}
	arr := asSlice(res)
	return len(arr) > 0 && asInt64(arr[0]) == 1, nil
}

// ReassignFailedTasks requeues every task still claimed by a confirmed-
// dead instance and removes it from the active set.
func (r *Runner) ReassignFailedTasks(ctx context.Context, deadInstanceID string) ([]string, error) {
	res, err := r.run(ctx, nameReassignFailedTasks,
		[]string{kv.InstanceQueueKey(deadInstanceID), kv.PendingQueueKey, kv.TaskSeqKey, kv.ActiveInstancesKey},
		deadInstanceID, time.Now().UTC().Format(time.RFC3339))
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

func joinRoles(roles []string) string {
	out := ""
	for i, r := range roles {
		if i > 0 {
			out += ","
		}
		out += r
	}
	return out
}

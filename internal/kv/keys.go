package kv

import "fmt"

// Key builders for the cb: keyspace described in spec.md section 4.1.
// Grounded on control_plane/store/keys.go's TenantKey/TenantPrefix
// pattern, flattened from the teacher's per-tenant namespace down to
// ClaudeBench's single-cluster cb: namespace.

func TaskKey(id string) string { return "cb:task:" + id }

const PendingQueueKey = "cb:queue:tasks:pending"

func InstanceQueueKey(instanceID string) string { return "cb:queue:instance:" + instanceID }

func InstanceKey(id string) string { return "cb:instance:" + id }

const ActiveInstancesKey = "cb:instances:active"

const LeaderLockKey = "cb:leader:lock"

func CircuitKey(event string) string { return "cb:circuit:" + event }

func RateLimitKey(event, actor string) string {
	return fmt.Sprintf("cb:ratelimit:%s:%s", event, actor)
}

func CacheKey(event, hash string) string {
	return fmt.Sprintf("cb:cache:handler:%s:%s", event, hash)
}

func StreamKey(eventType string) string { return "cb:stream:" + eventType }

const (
	MetricsPrefix = "cb:metrics:"
	AuditStreamKey = "cb:audit:log"
)

const GossipHealthKey = "cb:gossip:health"

const (
	ProcessedEventsKey    = "cb:processed:events"
	DuplicatesPreventedKey = "cb:duplicates:prevented"
)

func QuorumDecisionKey(decisionID string) string { return "cb:quorum:decision:" + decisionID }

const (
	BatchLockKey     = "cb:batch:lock"
	BatchProgressKey = "cb:batch:progress"
	BatchCurrentKey  = "cb:batch:current"
)

const TaskSeqKey = "cb:task:seq"

// QueueModeKey holds the cluster-wide queue admission mode
// (internal/queue.Mode); unset means NORMAL.
const QueueModeKey = "cb:queue:mode"

// TaskIDSeqKey is incremented once per task.create call to mint the
// "t-<n>" id format spec.md section 6 requires, independent of
// TaskSeqKey's use as the pending-queue tie-break counter.
const TaskIDSeqKey = "cb:task:idseq"

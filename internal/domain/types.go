// Package domain holds the shared entity types from spec.md section 3,
// used by internal/scripts, internal/queue, internal/instance, and
// internal/handlers. Grounded on control_plane/store/types.go's
// Agent/Job/DesiredState shape (struct per entity, JSON field tags,
// string-typed status enums), retargeted at ClaudeBench's task/instance
// domain instead of FluxForge's reconciliation domain.
package domain

import "time"

// TaskStatus enumerates the DAG spec.md section 3 defines:
// pending -> in_progress -> (completed|failed), plus the explicit
// reassign transition back to pending.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// Task mirrors the cb:task:<id> hash record.
type Task struct {
	ID          string                 `json:"id"`
	Text        string                 `json:"text"`
	Status      TaskStatus             `json:"status"`
	Priority    int                    `json:"priority"`
	AssignedTo  string                 `json:"assignedTo,omitempty"`
	Result      map[string]interface{} `json:"result,omitempty"`
	Error       string                 `json:"error,omitempty"`
	CreatedAt   time.Time              `json:"createdAt"`
	UpdatedAt   time.Time              `json:"updatedAt"`
	CompletedAt *time.Time             `json:"completedAt,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// InstanceStatus enumerates spec.md section 3's instance lifecycle
// states. OFFLINE is never actually stored — it is implied by the
// record's absence once the KV TTL expires.
type InstanceStatus string

const (
	InstanceActive  InstanceStatus = "ACTIVE"
	InstanceIdle    InstanceStatus = "IDLE"
	InstanceBusy    InstanceStatus = "BUSY"
	InstanceOffline InstanceStatus = "OFFLINE"
)

// Instance mirrors the cb:instance:<id> hash record.
type Instance struct {
	ID            string         `json:"id"`
	Roles         []string       `json:"roles"`
	Status        InstanceStatus `json:"status"`
	RegisteredAt  time.Time      `json:"registeredAt"`
	LastHeartbeat time.Time      `json:"lastHeartbeat"`
	TTL           time.Duration  `json:"ttl"`
}

// CircuitState enumerates the three states spec.md section 4.5 defines.
type CircuitState string

const (
	CircuitClosed   CircuitState = "CLOSED"
	CircuitOpen     CircuitState = "OPEN"
	CircuitHalfOpen CircuitState = "HALF_OPEN"
)

// Circuit mirrors the cb:circuit:<event> hash record.
type Circuit struct {
	Event             string       `json:"event"`
	State             CircuitState `json:"state"`
	Failures          int          `json:"failures"`
	Successes         int          `json:"successes"`
	OpenedAt          time.Time    `json:"openedAt"`
	AllowedInHalfOpen int          `json:"allowedInHalfOpen"`
}

// AuditResult enumerates spec.md section 4.5's audit outcome values.
type AuditResult string

const (
	AuditSuccess AuditResult = "success"
	AuditFailure AuditResult = "failure"
	AuditBlocked AuditResult = "blocked"
	AuditTimeout AuditResult = "timeout"
)

// AuditEntry mirrors one record appended to the audit stream.
type AuditEntry struct {
	Action    string                 `json:"action"`
	Actor     string                 `json:"actor"`
	Resource  string                 `json:"resource"`
	Result    AuditResult            `json:"result"`
	Reason    string                 `json:"reason,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Event is the payload internal/bus publishes and records onto a
// per-type stream.
type Event struct {
	ID       string                 `json:"id"`
	Type     string                 `json:"type"`
	Payload  map[string]interface{} `json:"payload"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
	Time     time.Time              `json:"time"`
}

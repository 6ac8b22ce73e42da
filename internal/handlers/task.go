package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/fblgit/claudebench/internal/bferrors"
	"github.com/fblgit/claudebench/internal/domain"
	"github.com/fblgit/claudebench/internal/kv"
	"github.com/fblgit/claudebench/internal/registry"
	"github.com/fblgit/claudebench/internal/scripts"
)

// taskFromFields rebuilds a domain.Task from the cb:task:<id> hash, the
// same field names taskCreateScript/taskClaimScript/taskCompleteScript
// write. Used wherever a handler needs the full record to push to
// internal/persist, rather than re-deriving it from its own local
// mutation (which would miss fields another concurrent script write
// touched).
func taskFromFields(fields map[string]string) domain.Task {
	t := domain.Task{
		ID:         fields["id"],
		Text:       fields["text"],
		Status:     domain.TaskStatus(fields["status"]),
		AssignedTo: fields["assignedTo"],
		Error:      fields["error"],
	}
	if p, err := strconv.Atoi(fields["priority"]); err == nil {
		t.Priority = p
	}
	if fields["result"] != "" {
		_ = json.Unmarshal([]byte(fields["result"]), &t.Result)
	}
	if fields["metadata"] != "" {
		_ = json.Unmarshal([]byte(fields["metadata"]), &t.Metadata)
	}
	if ts, err := time.Parse(time.RFC3339, fields["createdAt"]); err == nil {
		t.CreatedAt = ts
	}
	if ts, err := time.Parse(time.RFC3339, fields["updatedAt"]); err == nil {
		t.UpdatedAt = ts
	}
	if ts, err := time.Parse(time.RFC3339, fields["completedAt"]); err == nil {
		t.CompletedAt = &ts
	}
	return t
}

type taskCreateInput struct {
	Text     string                 `json:"text" validate:"required,max=500"`
	Priority int                    `json:"priority" validate:"min=0,max=100"`
	Metadata map[string]interface{} `json:"metadata"`
}

type taskCreateOutput struct {
	ID        string `json:"id" validate:"required"`
	Text      string `json:"text" validate:"required"`
	Status    string `json:"status" validate:"required"`
	Priority  int    `json:"priority"`
	CreatedAt string `json:"createdAt" validate:"required"`
}

// TaskCreate implements task.create. The monotonic "t-<n>" id is minted
// from a dedicated counter (kv.TaskIDSeqKey) kept separate from the
// pending-queue tie-break counter TASK_CREATE increments internally, so
// id allocation never collides with queue ordering.
func (s *Set) TaskCreate(c *registry.Context, raw json.RawMessage) (interface{}, error) {
	var in taskCreateInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, &bferrors.InvalidInput{Field: "params", Reason: err.Error()}
	}
	if in.Priority == 0 {
		in.Priority = 50
	}
	if err := registry.Validate(&in); err != nil {
		return nil, err
	}
	if err := s.Queue.AdmitCreate(c.Context, in.Priority); err != nil {
		return nil, err
	}

	n, err := c.Store.Incr(c.Context, kv.TaskIDSeqKey)
	if err != nil {
		return nil, &bferrors.Internal{Cause: err}
	}
	id := fmt.Sprintf("t-%d", n)
	now := time.Now().UTC()
	t := domain.Task{
		ID:        id,
		Text:      in.Text,
		Status:    domain.TaskPending,
		Priority:  in.Priority,
		CreatedAt: now,
		UpdatedAt: now,
		Metadata:  in.Metadata,
	}
	created, err := s.Scripts.TaskCreate(c.Context, t)
	if err != nil {
		return nil, &bferrors.Internal{Cause: err}
	}
	if !created {
		return nil, &bferrors.Conflict{Reason: fmt.Sprintf("task %s already exists", id)}
	}
	if c.Persist {
		if err := s.Persist.UpsertTask(c.Context, t); err != nil {
			return nil, &bferrors.Internal{Cause: err}
		}
	}
	_ = c.Publish("task.created", map[string]interface{}{"id": id, "priority": in.Priority})
	return taskCreateOutput{
		ID:        id,
		Text:      in.Text,
		Status:    string(domain.TaskPending),
		Priority:  in.Priority,
		CreatedAt: now.Format(time.RFC3339),
	}, nil
}

type taskUpdateInput struct {
	ID      string `json:"id" validate:"required"`
	Updates struct {
		Text     string                 `json:"text"`
		Priority int                    `json:"priority"`
		Status   string                 `json:"status"`
		Metadata map[string]interface{} `json:"metadata"`
	} `json:"updates"`
}

// TaskUpdate implements task.update.
func (s *Set) TaskUpdate(c *registry.Context, raw json.RawMessage) (interface{}, error) {
	var in taskUpdateInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, &bferrors.InvalidInput{Field: "params", Reason: err.Error()}
	}
	if err := registry.Validate(&in); err != nil {
		return nil, err
	}
	if st := in.Updates.Status; st != "" {
		switch domain.TaskStatus(st) {
		case domain.TaskPending, domain.TaskInProgress, domain.TaskCompleted, domain.TaskFailed:
		default:
			return nil, &bferrors.InvalidInput{Field: "updates.status", Reason: "unknown status " + st}
		}
	}
	metadataJSON := ""
	if in.Updates.Metadata != nil {
		raw, err := json.Marshal(in.Updates.Metadata)
		if err != nil {
			return nil, &bferrors.InvalidInput{Field: "updates.metadata", Reason: err.Error()}
		}
		metadataJSON = string(raw)
	}
	ok, err := s.Scripts.TaskUpdate(c.Context, in.ID, in.Updates.Priority, in.Updates.Text, in.Updates.Status, metadataJSON)
	if err != nil {
		if errors.Is(err, scripts.ErrBadTransition) {
			return nil, &bferrors.PreconditionFailed{Reason: err.Error()}
		}
		return nil, &bferrors.Internal{Cause: err}
	}
	if !ok {
		return nil, &bferrors.NotFound{Resource: "task", ID: in.ID}
	}
	fields, err := c.Store.HGetAll(c.Context, kv.TaskKey(in.ID))
	if err != nil {
		return nil, &bferrors.Internal{Cause: err}
	}
	if c.Persist {
		if err := s.Persist.UpsertTask(c.Context, taskFromFields(fields)); err != nil {
			return nil, &bferrors.Internal{Cause: err}
		}
	}
	_ = c.Publish("task.updated", map[string]interface{}{"id": in.ID})
	return fields, nil
}

type taskAssignInput struct {
	TaskID     string `json:"taskId" validate:"required"`
	InstanceID string `json:"instanceId" validate:"required"`
}

type taskAssignOutput struct {
	TaskID     string `json:"taskId" validate:"required"`
	InstanceID string `json:"instanceId" validate:"required"`
	AssignedAt string `json:"assignedAt" validate:"required"`
}

// TaskAssign implements task.assign, a direct reassignment to a named
// instance rather than the priority-queue pop task.claim performs.
func (s *Set) TaskAssign(c *registry.Context, raw json.RawMessage) (interface{}, error) {
	var in taskAssignInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, &bferrors.InvalidInput{Field: "params", Reason: err.Error()}
	}
	if err := registry.Validate(&in); err != nil {
		return nil, err
	}
	ok, err := s.Scripts.TaskReassign(c.Context, in.TaskID, in.InstanceID)
	if err != nil {
		return nil, &bferrors.Internal{Cause: err}
	}
	if !ok {
		return nil, &bferrors.NotFound{Resource: "task", ID: in.TaskID}
	}
	now := time.Now().UTC()
	if c.Persist {
		fields, err := c.Store.HGetAll(c.Context, kv.TaskKey(in.TaskID))
		if err == nil {
			_ = s.Persist.UpsertTask(c.Context, taskFromFields(fields))
		}
	}
	_ = c.Publish("task.assigned", map[string]interface{}{"taskId": in.TaskID, "instanceId": in.InstanceID})
	return taskAssignOutput{TaskID: in.TaskID, InstanceID: in.InstanceID, AssignedAt: now.Format(time.RFC3339)}, nil
}

type taskClaimInput struct {
	WorkerID string `json:"workerId" validate:"required"`
	MaxTasks int    `json:"maxTasks" validate:"max=10"`
}

type taskClaimOutput struct {
	Claimed bool              `json:"claimed"`
	TaskID  string            `json:"taskId,omitempty"`
	Task    map[string]string `json:"task,omitempty"`
}

// TaskClaim implements task.claim. maxTasks beyond the first is served
// via AutoAssignTasks so a worker requesting a batch doesn't pay one
// round trip per task; the first claimed task is reported individually
// per spec.md section 6's {claimed, taskId?, task?} shape.
func (s *Set) TaskClaim(c *registry.Context, raw json.RawMessage) (interface{}, error) {
	var in taskClaimInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, &bferrors.InvalidInput{Field: "params", Reason: err.Error()}
	}
	if in.MaxTasks == 0 {
		in.MaxTasks = 1
	}
	if err := registry.Validate(&in); err != nil {
		return nil, err
	}

	result, err := s.Scripts.TaskClaim(c.Context, in.WorkerID, nil, 50)
	if err != nil {
		return nil, &bferrors.Internal{Cause: err}
	}
	if !result.Found {
		return taskClaimOutput{Claimed: false}, nil
	}
	if in.MaxTasks > 1 {
		if _, err := s.Scripts.AutoAssignTasks(c.Context, in.WorkerID, int64(in.MaxTasks-1)); err != nil {
			return nil, &bferrors.Internal{Cause: err}
		}
	}
	if c.Persist {
		if err := s.Persist.UpsertTask(c.Context, taskFromFields(result.Fields)); err != nil {
			return nil, &bferrors.Internal{Cause: err}
		}
	}
	_ = c.Publish("task.claimed", map[string]interface{}{"taskId": result.TaskID, "workerId": in.WorkerID})
	return taskClaimOutput{Claimed: true, TaskID: result.TaskID, Task: result.Fields}, nil
}

type taskCompleteInput struct {
	ID     string                 `json:"id"`
	TaskID string                 `json:"taskId"`
	Result map[string]interface{} `json:"result"`
	Error  string                 `json:"error"`
}

type taskCompleteOutput struct {
	ID          string `json:"id" validate:"required"`
	Status      string `json:"status" validate:"required"`
	CompletedAt string `json:"completedAt" validate:"required"`
}

// TaskComplete implements task.complete. Accepts either id or taskId
// per spec.md section 6's `{id|taskId, result?}` shape.
func (s *Set) TaskComplete(c *registry.Context, raw json.RawMessage) (interface{}, error) {
	var in taskCompleteInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, &bferrors.InvalidInput{Field: "params", Reason: err.Error()}
	}
	id := in.ID
	if id == "" {
		id = in.TaskID
	}
	if id == "" {
		return nil, &bferrors.InvalidInput{Field: "id", Reason: "required"}
	}
	status, err := s.Scripts.TaskComplete(c.Context, id, in.Result, in.Error)
	if err != nil {
		return nil, &bferrors.PreconditionFailed{Reason: err.Error()}
	}
	now := time.Now().UTC()
	if c.Persist {
		fields, hErr := c.Store.HGetAll(c.Context, kv.TaskKey(id))
		if hErr == nil {
			if err := s.Persist.UpsertTask(c.Context, taskFromFields(fields)); err != nil {
				return nil, &bferrors.Internal{Cause: err}
			}
		}
	}
	_ = c.Publish("task.completed", map[string]interface{}{"id": id, "status": string(status)})
	return taskCompleteOutput{ID: id, Status: string(status), CompletedAt: now.Format(time.RFC3339)}, nil
}

type taskListInput struct {
	Status string `json:"status"`
	Limit  int    `json:"limit"`
	Offset int    `json:"offset"`
}

type taskListOutput struct {
	Tasks      []map[string]string `json:"tasks"`
	TotalCount int                 `json:"totalCount"`
	HasMore    bool                `json:"hasMore"`
}

// TaskList implements task.list. The queue's own zset only orders
// pending tasks, so listing scans the cb:task:* keyspace directly —
// acceptable for the bounded, operator-facing use this handler serves,
// not a hot path spec.md's throughput properties apply to.
func (s *Set) TaskList(c *registry.Context, raw json.RawMessage) (interface{}, error) {
	var in taskListInput
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &in); err != nil {
			return nil, &bferrors.InvalidInput{Field: "params", Reason: err.Error()}
		}
	}
	if in.Limit <= 0 {
		in.Limit = 50
	}
	keys, err := c.Store.Scan(c.Context, "cb:task:*")
	if err != nil {
		return nil, &bferrors.Internal{Cause: err}
	}
	var matched []map[string]string
	for _, key := range keys {
		fields, err := c.Store.HGetAll(c.Context, key)
		if err != nil || len(fields) == 0 {
			continue
		}
		if in.Status != "" && fields["status"] != in.Status {
			continue
		}
		matched = append(matched, fields)
	}
	total := len(matched)
	start := in.Offset
	if start > total {
		start = total
	}
	end := start + in.Limit
	if end > total {
		end = total
	}
	return taskListOutput{
		Tasks:      matched[start:end],
		TotalCount: total,
		HasMore:    end < total,
	}, nil
}


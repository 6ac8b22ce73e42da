package handlers

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/fblgit/claudebench/internal/bferrors"
	"github.com/fblgit/claudebench/internal/kv"
	"github.com/fblgit/claudebench/internal/registry"
)

// HookValidator decides whether a proposed tool invocation is safe to
// run. spec.md section 9's Open Question (c) leaves the exact rule set
// ("safe pattern" matching against command text, paths, etc.) as
// pluggable policy rather than core behavior; this interface is the
// seam. Swap in a stricter implementation without touching the
// dispatcher wiring.
type HookValidator interface {
	Validate(c *registry.Context, toolName string, toolInput map[string]interface{}) (allow bool, reason string)
}

// PermissiveValidator allows everything. It is the default so a fresh
// deployment is usable before an operator has written a real policy,
// mirroring the "pluggable, not part of the core" framing.
type PermissiveValidator struct{}

func (PermissiveValidator) Validate(*registry.Context, string, map[string]interface{}) (bool, string) {
	return true, ""
}

// recordHookDecision appends the specialized hook-decision record the
// audit stream carries alongside the generic per-dispatch entry the
// audit middleware writes for the same call: the tool-level verdict
// (which tool, allowed or not, why), which the middleware's
// action/result fields cannot express.
func recordHookDecision(c *registry.Context, phase, toolName string, allow bool, reason string) {
	values := map[string]string{
		"action":    "hook.decision",
		"phase":     phase,
		"tool":      toolName,
		"allow":     strconv.FormatBool(allow),
		"reason":    reason,
		"eventId":   c.EventID,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}
	_, _ = c.Store.XAdd(c.Context, kv.AuditStreamKey, 50000, values)
}

type hookPreToolInput struct {
	ToolName  string                 `json:"toolName" validate:"required"`
	ToolInput map[string]interface{} `json:"toolInput"`
	InstanceID string                `json:"instanceId"`
}

type hookPreToolOutput struct {
	Allow  bool   `json:"allow"`
	Reason string `json:"reason,omitempty"`
}

// HookPreTool implements hook.pre_tool: runs the configured
// HookValidator before a tool call is allowed to proceed, and audits
// the decision through the normal middleware envelope regardless of
// the outcome.
func (s *Set) HookPreTool(c *registry.Context, raw json.RawMessage) (interface{}, error) {
	var in hookPreToolInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, &bferrors.InvalidInput{Field: "params", Reason: err.Error()}
	}
	if err := registry.Validate(&in); err != nil {
		return nil, err
	}
	validator := s.Hooks
	if validator == nil {
		validator = PermissiveValidator{}
	}
	allow, reason := validator.Validate(c, in.ToolName, in.ToolInput)
	recordHookDecision(c, "pre", in.ToolName, allow, reason)
	_ = c.Publish("hook.pre_tool", map[string]interface{}{
		"toolName": in.ToolName,
		"allow":    allow,
	})
	return hookPreToolOutput{Allow: allow, Reason: reason}, nil
}

type hookPostToolInput struct {
	ToolName   string                 `json:"toolName" validate:"required"`
	ToolOutput map[string]interface{} `json:"toolOutput"`
	Success    bool                   `json:"success"`
}

type hookPostToolOutput struct {
	Recorded  bool   `json:"recorded"`
	Timestamp string `json:"timestamp" validate:"required"`
}

// HookPostTool implements hook.post_tool: a record-only handler, since
// by the time a tool has run there is nothing left to gate — it exists
// to feed the audit stream and event bus a uniform after-the-fact
// trail alongside hook.pre_tool's before-the-fact one.
func (s *Set) HookPostTool(c *registry.Context, raw json.RawMessage) (interface{}, error) {
	var in hookPostToolInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, &bferrors.InvalidInput{Field: "params", Reason: err.Error()}
	}
	if err := registry.Validate(&in); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	recordHookDecision(c, "post", in.ToolName, in.Success, "")
	_ = c.Publish("hook.post_tool", map[string]interface{}{
		"toolName": in.ToolName,
		"success":  in.Success,
	})
	return hookPostToolOutput{Recorded: true, Timestamp: now.Format(time.RFC3339)}, nil
}

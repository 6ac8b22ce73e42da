package handlers

import (
	"time"

	"github.com/fblgit/claudebench/internal/registry"
)

// RegisterAll wires every handler body this package defines into reg,
// with the cacheability/persistence policy spec.md section 4.4/6
// assigns per event. Called once at startup from cmd/server/main.go
// after reg's middleware chain has been assembled.
func RegisterAll(reg *registry.Registry, s *Set) {
	reg.Register(registry.Descriptor{Event: "system.register", Handler: s.SystemRegister, Persist: true})
	reg.Register(registry.Descriptor{Event: "system.heartbeat", Handler: s.SystemHeartbeat})
	reg.Register(registry.Descriptor{Event: "system.health", Handler: s.SystemHealth, Cacheable: true, CacheTTL: 2 * time.Second})
	reg.Register(registry.Descriptor{Event: "system.get_state", Handler: s.SystemGetState, Cacheable: true, CacheTTL: 2 * time.Second})
	reg.Register(registry.Descriptor{Event: "system.metrics", Handler: s.SystemMetrics, Cacheable: true, CacheTTL: 5 * time.Second})
	reg.Register(registry.Descriptor{Event: "system.quorum.vote", Handler: s.SystemQuorumVote, Persist: true})
	reg.Register(registry.Descriptor{Event: "system.batch.process", Handler: s.SystemBatchProcess})

	reg.Register(registry.Descriptor{Event: "task.create", Handler: s.TaskCreate, Persist: true})
	reg.Register(registry.Descriptor{Event: "task.update", Handler: s.TaskUpdate, Persist: true})
	reg.Register(registry.Descriptor{Event: "task.assign", Handler: s.TaskAssign, Persist: true})
	reg.Register(registry.Descriptor{Event: "task.claim", Handler: s.TaskClaim, Persist: true})
	reg.Register(registry.Descriptor{Event: "task.complete", Handler: s.TaskComplete, Persist: true})
	reg.Register(registry.Descriptor{Event: "task.list", Handler: s.TaskList, Cacheable: true, CacheTTL: time.Second})

	reg.Register(registry.Descriptor{Event: "hook.pre_tool", Handler: s.HookPreTool})
	reg.Register(registry.Descriptor{Event: "hook.post_tool", Handler: s.HookPostTool})
}

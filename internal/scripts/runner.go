// Package scripts is the C2 component: the named, all-or-nothing
// multi-key state transitions spec.md section 4.2 requires. Each
// transition is a Lua script executed via kv.Store.RunScript so the
// whole body runs without interleaving against any other operation on
// the same keys, matching spec.md section 5's "no ad-hoc multi-key
// sequences are permitted in handler bodies" rule.
//
// Grounded on control_plane/store/redis.go's RenewLock/ReleaseLock Lua
// scripts (get-then-conditionally-mutate shape) and scheduler.go's
// admission-order checks, generalized into one script per named
// transition instead of two bespoke lock scripts.
package scripts

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fblgit/claudebench/internal/kv"
)

// Runner executes the named atomic scripts against a kv.Store.
type Runner struct {
	store kv.Store
}

// NewRunner builds a Runner. Callers must call Install before any
// script is invoked.
func NewRunner(store kv.Store) *Runner {
	return &Runner{store: store}
}

// registerer is satisfied by *kv.RedisStore; the plain kv.Store
// interface has no RegisterScript method since most callers only need
// RunScript. Scripts.Install type-asserts for it the same way the
// teacher's main.go type-asserts store.Store down to *store.RedisStore
// when it needs Redis-specific behavior (leader election, epochs).
type registerer interface {
	RegisterScript(ctx context.Context, name, source string) error
}

// Install preloads every named script's SHA. Call once at startup,
// immediately after constructing the Store, mirroring
// control_plane/store/redis.go's NewRedisStore preload comment.
func (r *Runner) Install(ctx context.Context) error {
	reg, ok := r.store.(registerer)
	if !ok {
		return fmt.Errorf("scripts: store does not support script registration")
	}
	for name, source := range sources {
		if err := reg.RegisterScript(ctx, name, source); err != nil {
			return fmt.Errorf("scripts: install %s: %w", name, err)
		}
	}
	return nil
}

// sources maps every script name to its Lua body. Populated by
// init() in each *_scripts.go file via registerSource.
var sources = map[string]string{}

func registerSource(name, body string) {
	sources[name] = body
}

// run is a small helper that executes a script and returns its raw
// decoded Lua reply (typically []interface{} or a scalar).
func (r *Runner) run(ctx context.Context, name string, keys []string, args ...interface{}) (interface{}, error) {
	return r.store.RunScript(ctx, name, keys, args...)
}

// toJSON is used for ARGV payloads that must carry structured data
// (metadata maps, denylists) through to the Lua side via cjson.decode.
func toJSON(v interface{}) (string, error) {
	if v == nil {
		return "{}", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// asSlice normalizes a Lua array reply into []interface{}, tolerating
// a nil reply (e.g. redis.Nil on an empty RunScript call).
func asSlice(v interface{}) []interface{} {
	if v == nil {
		return nil
	}
	if s, ok := v.([]interface{}); ok {
		return s
	}
	return nil
}

func asInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case string:
		var n int64
		fmt.Sscanf(t, "%d", &n)
		return n
	default:
		return 0
	}
}

func asString(v interface{}) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func asStringMap(v interface{}) map[string]string {
	out := map[string]string{}
	arr := asSlice(v)
	for i := 0; i+1 < len(arr); i += 2 {
		out[asString(arr[i])] = asString(arr[i+1])
	}
	return out
}

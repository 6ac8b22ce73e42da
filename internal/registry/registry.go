// Package registry is the C4 component: handler registration and
// dispatch. Grounded on control_plane/api.go's API struct (one struct
// holding every collaborator a handler body needs) and main.go's
// explicit top-level wiring, generalized from FluxForge's fixed set of
// HTTP handlers into an open table of named event handlers so
// internal/middleware's fixed envelope wraps every one of them
// uniformly instead of each HTTP method reimplementing its own
// recover/log/metrics boilerplate.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/fblgit/claudebench/internal/bferrors"
	"github.com/fblgit/claudebench/internal/bus"
	"github.com/fblgit/claudebench/internal/kv"
	"github.com/google/uuid"
)

// Handler implements one event's business logic. It receives the
// already-unmarshaled params and a Context carrying every collaborator
// and per-call identity the body might need, and returns a result that
// will be marshaled back as the JSON-RPC "result" field.
type Handler func(ctx *Context, params json.RawMessage) (interface{}, error)

// Context is passed to every Handler invocation. It is built fresh per
// dispatch by the Registry, mirroring control_plane/api.go's single
// *API receiver but scoped to one call instead of the process
// lifetime, so it can also carry call-specific identity (EventID,
// Timestamp).
type Context struct {
	context.Context

	Store      kv.Store
	Bus        *bus.Bus
	InstanceID string
	Persist    bool

	EventID   string
	EventType string
	Timestamp time.Time
	Metadata  map[string]interface{}
}

// Publish is a convenience wrapper so handler bodies don't need to
// reach into ctx.Bus directly for the common case of announcing their
// own completion.
func (c *Context) Publish(eventType string, payload map[string]interface{}) error {
	_, err := c.Bus.Publish(c.Context, eventType, payload)
	return err
}

// Descriptor documents one registered event beyond just its Handler,
// used by the rate-limit/circuit-breaker/cache middleware to look up
// per-event policy without a second table.
type Descriptor struct {
	Event      string
	Handler    Handler
	Persist    bool // whether this handler's result should also land in internal/persist
	Cacheable  bool // whether the cache middleware may serve stale results for this event
	CacheTTL   time.Duration
}

// Registry holds every registered event and the collaborators dispatch
// needs to build a Context and run the middleware envelope.
type Registry struct {
	store      kv.Store
	bus        *bus.Bus
	instanceID string

	mu    sync.RWMutex
	descs map[string]Descriptor

	// chain wraps every dispatch; internal/middleware.Compose supplies
	// this at wiring time so Registry itself stays policy-free.
	chain func(d Descriptor, next Handler) Handler
}

// New builds a Registry. chain is the fully composed middleware
// envelope (rate-limit -> timeout -> circuit-breaker -> cache ->
// audit -> measured -> body); pass middleware.Compose(...).
func New(store kv.Store, b *bus.Bus, instanceID string, chain func(d Descriptor, next Handler) Handler) *Registry {
	return &Registry{
		store:      store,
		bus:        b,
		instanceID: instanceID,
		descs:      make(map[string]Descriptor),
		chain:      chain,
	}
}

// Register adds an event handler. Panics on duplicate registration —
// a programmer error caught at startup, not a runtime condition.
func (r *Registry) Register(d Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.descs[d.Event]; exists {
		panic(fmt.Sprintf("registry: %s already registered", d.Event))
	}
	r.descs[d.Event] = d
}

// Lookup returns the descriptor for an event, or false if unregistered
// (the -32601 method-not-found case).
func (r *Registry) Lookup(event string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descs[event]
	return d, ok
}

// Dispatch runs the full envelope for one call: builds a Context,
// wraps the registered Handler in the middleware chain, and invokes
// it. eventID, when empty, is generated (the entry point for calls
// that don't arrive with a caller-supplied JSON-RPC id worth reusing
// as the event id).
func (r *Registry) Dispatch(ctx context.Context, event, eventID string, params json.RawMessage, metadata map[string]interface{}) (interface{}, error) {
	d, ok := r.Lookup(event)
	if !ok {
		return nil, &bferrors.MethodNotFound{Event: event}
	}
	if eventID == "" {
		eventID = uuid.NewString()
	}
	hctx := &Context{
		Context:    ctx,
		Store:      r.store,
		Bus:        r.bus,
		InstanceID: r.instanceID,
		Persist:    d.Persist,
		EventID:    eventID,
		EventType:  event,
		Timestamp:  time.Now().UTC(),
		Metadata:   metadata,
	}
	body := withOutputValidation(d.Event, d.Handler)
	wrapped := body
	if r.chain != nil {
		wrapped = r.chain(d, body)
	}
	return wrapped(hctx, params)
}

// withOutputValidation wraps a handler body so its result is checked
// against the output struct's validate tags before it ever reaches the
// middleware envelope (spec.md section 4.4 step 5: "validate output
// against outputShape; failure is a server error and DOES count
// against the circuit"). It wraps the body itself, underneath
// r.chain, so WithCircuitBreaker — which sits in the chain around this
// — counts an output-validation failure exactly like any other
// bferrors.ClassError failure.
func withOutputValidation(event string, body Handler) Handler {
	return func(c *Context, params json.RawMessage) (interface{}, error) {
		result, err := body(c, params)
		if err != nil {
			return result, err
		}
		if verr := Validate(result); verr != nil {
			return nil, &bferrors.OutputInvalid{Event: event, Cause: verr}
		}
		return result, nil
	}
}

// Events lists every registered event name, used by system.get_state
// to report the handler surface.
func (r *Registry) Events() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.descs))
	for e := range r.descs {
		out = append(out, e)
	}
	return out
}

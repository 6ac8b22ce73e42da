package middleware

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/fblgit/claudebench/internal/bferrors"
	"github.com/fblgit/claudebench/internal/domain"
	"github.com/fblgit/claudebench/internal/kv"
	"github.com/fblgit/claudebench/internal/observability"
	"github.com/fblgit/claudebench/internal/registry"
)

// CircuitConfig is one event's breaker policy.
type CircuitConfig struct {
	FailureThreshold int           // consecutive failures before opening
	CooldownPeriod   time.Duration // OPEN duration before a HALF_OPEN probe is allowed
	HalfOpenLimit    int           // concurrent probes allowed while HALF_OPEN
	SuccessesToClose int           // consecutive HALF_OPEN successes needed to close

	// Fallback, when HasFallback is true, is returned (alongside a
	// still-recorded bferrors.CircuitOpen failure) instead of leaving
	// the caller with a bare error while the circuit is open, per
	// spec.md section 4.5.
	Fallback    interface{}
	HasFallback bool
}

// DefaultCircuitConfig mirrors scheduler/circuit_breaker.go's
// production defaults (30s cooldown, 5 successful probes to close),
// reinterpreted here as consecutive-failure/success counts per event
// instead of queue-depth/saturation thresholds.
var DefaultCircuitConfig = CircuitConfig{
	FailureThreshold: 5,
	CooldownPeriod:   30 * time.Second,
	HalfOpenLimit:    1,
	SuccessesToClose: 5,
}

type circuitEntry struct {
	mu sync.Mutex

	state        domain.CircuitState
	failures     int
	successes    int
	openedAt     time.Time
	halfOpenUsed int
}

// CircuitBreaker tracks one breaker per event, independent of every
// other event, per spec.md section 4.5's "circuits are scoped per
// event, not per domain" rule. Grounded on scheduler/circuit_breaker.go's
// CLOSED/HALF_OPEN/OPEN state machine and cooldown-then-probe shape.
type CircuitBreaker struct {
	configs map[string]CircuitConfig
	store   kv.Store

	mu      sync.Mutex
	circuit map[string]*circuitEntry
}

// NewCircuitBreaker builds a CircuitBreaker. configs overrides
// DefaultCircuitConfig per event; events absent from configs use the
// default policy.
func NewCircuitBreaker(configs map[string]CircuitConfig) *CircuitBreaker {
	return &CircuitBreaker{
		configs: configs,
		circuit: make(map[string]*circuitEntry),
	}
}

// WithStore makes the breaker mirror each event's state into the
// cb:circuit:<event> hash on every counter change, so other processes
// (system.get_state, the janitor) can observe it. The in-memory state
// stays authoritative for admission; the mirror is best-effort.
func (b *CircuitBreaker) WithStore(store kv.Store) *CircuitBreaker {
	b.store = store
	return b
}

// mirror writes a snapshot of one event's circuit fields. Called with
// the entry's mutex held; the write uses its own short deadline so a
// slow store can't wedge the admission path for long.
func (b *CircuitBreaker) mirror(event string, e *circuitEntry) {
	if b.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	values := map[string]string{
		"state":     string(e.state),
		"failures":  strconv.Itoa(e.failures),
		"successes": strconv.Itoa(e.successes),
		"updatedAt": time.Now().UTC().Format(time.RFC3339),
	}
	if e.openedAt.IsZero() {
		values["openedAt"] = ""
	} else {
		values["openedAt"] = e.openedAt.UTC().Format(time.RFC3339)
	}
	_ = b.store.HSet(ctx, kv.CircuitKey(event), values)
}

func (b *CircuitBreaker) entry(event string) (*circuitEntry, CircuitConfig) {
	cfg, ok := b.configs[event]
	if !ok {
		cfg = DefaultCircuitConfig
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.circuit[event]
	if !ok {
		e = &circuitEntry{state: domain.CircuitClosed}
		b.circuit[event] = e
	}
	return e, cfg
}

// State reports an event's current circuit state without mutating it
// (HALF_OPEN transition checks happen only on the admission path, in
// admit, so a pure read never opens a probe window).
func (b *CircuitBreaker) State(event string) domain.CircuitState {
	e, _ := b.entry(event)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (b *CircuitBreaker) admit(event string) (bool, *circuitEntry, CircuitConfig) {
	e, cfg := b.entry(event)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == domain.CircuitOpen && time.Since(e.openedAt) >= cfg.CooldownPeriod {
		e.state = domain.CircuitHalfOpen
		e.halfOpenUsed = 0
		e.successes = 0
		b.mirror(event, e)
	}

	switch e.state {
	case domain.CircuitOpen:
		return false, e, cfg
	case domain.CircuitHalfOpen:
		if e.halfOpenUsed >= cfg.HalfOpenLimit {
			return false, e, cfg
		}
		e.halfOpenUsed++
		return true, e, cfg
	default:
		return true, e, cfg
	}
}

func (b *CircuitBreaker) recordSuccess(event string) {
	e, cfg := b.entry(event)
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case domain.CircuitHalfOpen:
		if e.halfOpenUsed > 0 {
			e.halfOpenUsed--
		}
		e.successes++
		if e.successes >= cfg.SuccessesToClose {
			e.state = domain.CircuitClosed
			e.failures = 0
			e.successes = 0
		}
	default:
		e.failures = 0
	}
	b.mirror(event, e)
	observability.CircuitState.WithLabelValues(event).Set(circuitStateMetric(e.state))
}

func (b *CircuitBreaker) recordFailure(event string) {
	e, cfg := b.entry(event)
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case domain.CircuitHalfOpen:
		e.state = domain.CircuitOpen
		e.openedAt = time.Now()
		e.halfOpenUsed = 0
	default:
		e.failures++
		if e.failures >= cfg.FailureThreshold {
			e.state = domain.CircuitOpen
			e.openedAt = time.Now()
		}
	}
	b.mirror(event, e)
	observability.CircuitState.WithLabelValues(event).Set(circuitStateMetric(e.state))
}

func circuitStateMetric(s domain.CircuitState) float64 {
	switch s {
	case domain.CircuitHalfOpen:
		return 1
	case domain.CircuitOpen:
		return 2
	default:
		return 0
	}
}

// WithCircuitBreaker returns a stage enforcing b's per-event policy.
// Only failures classified bferrors.ClassTimeout or bferrors.ClassError
// count against the breaker, per spec.md section 4.5; rejections
// (rate limit, circuit-open itself) and invalid input never do.
func WithCircuitBreaker(b *CircuitBreaker) Stage {
	return func(d registry.Descriptor, next registry.Handler) registry.Handler {
		return func(c *registry.Context, params json.RawMessage) (interface{}, error) {
			ok, _, cfg := b.admit(d.Event)
			if !ok {
				observability.CircuitRejections.WithLabelValues(d.Event, "open").Inc()
				openErr := &bferrors.CircuitOpen{Event: d.Event, Fallback: cfg.HasFallback}
				if cfg.HasFallback {
					return cfg.Fallback, openErr
				}
				return nil, openErr
			}

			res, err := next(c, params)
			if err == nil {
				b.recordSuccess(d.Event)
				return res, nil
			}
			class := bferrors.Classify(err)
			if class == bferrors.ClassTimeout || class == bferrors.ClassError {
				b.recordFailure(d.Event)
			}
			return res, err
		}
	}
}

package middleware

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fblgit/claudebench/internal/bferrors"
	"github.com/fblgit/claudebench/internal/registry"
)

// DefaultTimeout bounds any handler body lacking an explicit override
// in timeouts. Grounded on scheduler/types.go's
// SchedulerConfig.MaxTaskExecutionTime (there a hard per-task
// execution bound; here a hard per-dispatch bound).
const DefaultTimeout = 5 * time.Second

// TimeoutConfig is one event's wall-clock budget, plus an optional
// fallback value to return instead of a bare error on expiry — spec.md
// section 4.5: "if a fallback value is configured, return it and still
// record the failure" against the circuit.
type TimeoutConfig struct {
	Limit       time.Duration
	Fallback    interface{}
	HasFallback bool
}

// WithTimeout returns a stage enforcing a wall-clock budget per event.
// configs maps event name to an override; events absent from the map
// get DefaultTimeout with no fallback.
func WithTimeout(configs map[string]TimeoutConfig) Stage {
	return func(d registry.Descriptor, next registry.Handler) registry.Handler {
		cfg, ok := configs[d.Event]
		if !ok {
			cfg = TimeoutConfig{Limit: DefaultTimeout}
		}
		limit := cfg.Limit
		if limit <= 0 {
			limit = DefaultTimeout
		}
		return func(c *registry.Context, params json.RawMessage) (interface{}, error) {
			ctx, cancel := context.WithTimeout(c.Context, limit)
			defer cancel()

			inner := *c
			inner.Context = ctx

			type result struct {
				val interface{}
				err error
			}
			done := make(chan result, 1)
			go func() {
				v, err := next(&inner, params)
				done <- result{v, err}
			}()

			select {
			case r := <-done:
				return r.val, r.err
			case <-ctx.Done():
				timeoutErr := &bferrors.Timeout{LimitMs: limit.Milliseconds(), Fallback: cfg.HasFallback}
				if cfg.HasFallback {
					return cfg.Fallback, timeoutErr
				}
				return nil, timeoutErr
			}
		}
	}
}

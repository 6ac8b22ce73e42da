package middleware

import (
	"encoding/json"
	"time"

	"github.com/fblgit/claudebench/internal/observability"
	"github.com/fblgit/claudebench/internal/registry"
)

// WithMeasured returns the innermost stage: it records dispatch count
// and latency for every call that reaches the handler body, labeled by
// outcome so cb_events_total{outcome="success|failure"} distinguishes
// business failures from a healthy dispatch.
func WithMeasured() Stage {
	return func(d registry.Descriptor, next registry.Handler) registry.Handler {
		return func(c *registry.Context, params json.RawMessage) (interface{}, error) {
			start := time.Now()
			res, err := next(c, params)
			observability.EventLatencySeconds.WithLabelValues(d.Event).Observe(time.Since(start).Seconds())
			outcome := "success"
			if err != nil {
				outcome = "failure"
			}
			observability.EventsTotal.WithLabelValues(d.Event, outcome).Inc()
			return res, err
		}
	}
}

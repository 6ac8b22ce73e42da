package middleware

import "github.com/fblgit/claudebench/internal/registry"

// Stage wraps a Handler with one concern. Its shape matches
// registry.Registry's chain callback exactly so a Stage can be handed
// straight to Compose.
type Stage func(d registry.Descriptor, next registry.Handler) registry.Handler

// Compose builds the fixed dispatch envelope spec.md section 5
// requires: rate-limit, then timeout, then circuit-breaker, then
// cache, then audit, then measured, then finally the handler body.
// Stages are applied outermost-first in the order passed, so callers
// write Compose(rateLimit, timeout, circuit, cache, audit, measured)
// and the resulting chain func, applied to a Descriptor's Handler,
// runs exactly in that order before reaching the body.
func Compose(stages ...Stage) func(d registry.Descriptor, next registry.Handler) registry.Handler {
	return func(d registry.Descriptor, body registry.Handler) registry.Handler {
		wrapped := body
		for i := len(stages) - 1; i >= 0; i-- {
			wrapped = stages[i](d, wrapped)
		}
		return wrapped
	}
}

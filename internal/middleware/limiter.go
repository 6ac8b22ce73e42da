// Package middleware is the C5 component: the fixed envelope every
// dispatched event passes through — rate-limit, timeout,
// circuit-breaker, cache, audit, measured, then the handler body
// itself. Grounded on control_plane/scheduler/limiter.go's
// TokenBucketLimiter (per-key golang.org/x/time/rate buckets) and
// scheduler/circuit_breaker.go's CircuitBreaker, generalized from
// FluxForge's single global limiter/breaker pair into one instance
// per (event, actor) / per event respectively.
package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/fblgit/claudebench/internal/bferrors"
	"github.com/fblgit/claudebench/internal/kv"
	"github.com/fblgit/claudebench/internal/observability"
	"github.com/fblgit/claudebench/internal/registry"
)

// RateLimitConfig is the per-event sliding-window policy.
type RateLimitConfig struct {
	Limit  int
	Window time.Duration

	// SkipSuccessfulRequests, when true, means a call that the handler
	// body completes without error is not recorded against the window
	// (only failures consume budget).
	SkipSuccessfulRequests bool
	// SkipFailedRequests, when true, means a call the handler body
	// returns an error for is not recorded against the window (only
	// successes consume budget).
	SkipFailedRequests bool
}

// RateLimiter enforces a per-(event,actor) sliding window, authoritative
// across the whole cluster via Redis sorted sets (score = call
// timestamp, member = a unique per-call token), so two instances
// sharing a Redis backend agree on one actor's remaining budget instead
// of each keeping its own local token bucket.
type RateLimiter struct {
	store kv.Store
	// configs maps event -> policy. An event absent from this map is
	// not rate limited.
	configs map[string]RateLimitConfig

	// local provides a fast in-process pre-check (burst shaping) before
	// the Redis round trip, grounded on TokenBucketLimiter's map of
	// per-key *rate.Limiter.
	mu    sync.Mutex
	local map[string]*rate.Limiter
}

// NewRateLimiter builds a RateLimiter. configs maps event name to its
// policy; events not present are never throttled.
func NewRateLimiter(store kv.Store, configs map[string]RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		store:   store,
		configs: configs,
		local:   make(map[string]*rate.Limiter),
	}
}

func (l *RateLimiter) localLimiter(key string, cfg RateLimitConfig) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.local[key]
	if !ok {
		perSecond := float64(cfg.Limit) / cfg.Window.Seconds()
		lim = rate.NewLimiter(rate.Limit(perSecond), cfg.Limit)
		l.local[key] = lim
	}
	return lim
}

// Allow reports whether event/actor may proceed right now, and if not,
// how long until the window has room. It only reads the window — per
// spec.md §4.5, admission is recorded afterward by Record, once the
// call's outcome is known, not here. This is what lets a burst of
// rejected calls age out of the window on its own schedule instead of
// occupying slots a successful retry could have used.
func (l *RateLimiter) Allow(ctx context.Context, event, actor string) (bool, time.Duration, error) {
	cfg, ok := l.configs[event]
	if !ok {
		return true, 0, nil
	}

	key := event + ":" + actor
	if !l.localLimiter(key, cfg).Allow() {
		return false, cfg.Window, nil
	}

	rlKey := kv.RateLimitKey(event, actor)
	now := time.Now()
	cutoff := now.Add(-cfg.Window)
	if _, err := l.store.ZRemRangeByScore(ctx, rlKey, "-inf", fmt.Sprintf("%d", cutoff.UnixNano())); err != nil {
		return false, 0, err
	}
	count, err := l.store.ZCard(ctx, rlKey)
	if err != nil {
		return false, 0, err
	}
	if count >= int64(cfg.Limit) {
		return false, cfg.Window, nil
	}
	return true, 0, nil
}

// Record adds one entry to event/actor's sliding window, honoring
// SkipSuccessfulRequests/SkipFailedRequests: pass the body's outcome
// via failed so a call that should not count toward the limit (per
// the event's config) is skipped entirely.
func (l *RateLimiter) Record(ctx context.Context, event, actor string, failed bool) error {
	cfg, ok := l.configs[event]
	if !ok {
		return nil
	}
	if failed && cfg.SkipFailedRequests {
		return nil
	}
	if !failed && cfg.SkipSuccessfulRequests {
		return nil
	}

	rlKey := kv.RateLimitKey(event, actor)
	now := time.Now()
	member := fmt.Sprintf("%d-%s", now.UnixNano(), actor)
	if err := l.store.ZAdd(ctx, rlKey, float64(now.UnixNano()), member); err != nil {
		return err
	}
	return l.store.Expire(ctx, rlKey, cfg.Window)
}

// actorOf extracts the rate-limit partition key from a Context.
// Metadata carries an explicit "actor" (e.g. instance id) when a
// handler is invoked on behalf of one; callers that omit it are
// partitioned by event type alone.
func actorOf(c *registry.Context) string {
	if c.Metadata != nil {
		if a, ok := c.Metadata["actor"].(string); ok && a != "" {
			return a
		}
	}
	return c.InstanceID
}

// WithRateLimit returns a middleware stage enforcing l's policy: admit
// if the sliding window has room, run the body, then record now in the
// window per spec.md §4.5 — conditioned on the body's outcome and the
// event's skipSuccessfulRequests/skipFailedRequests config.
func WithRateLimit(l *RateLimiter) Stage {
	return func(d registry.Descriptor, next registry.Handler) registry.Handler {
		return func(c *registry.Context, params json.RawMessage) (interface{}, error) {
			actor := actorOf(c)
			allowed, retryAfter, err := l.Allow(c.Context, d.Event, actor)
			if err != nil {
				return nil, &bferrors.Internal{Cause: err}
			}
			if !allowed {
				observability.RateLimitRejections.WithLabelValues(d.Event).Inc()
				cfg := l.configs[d.Event]
				return nil, &bferrors.RateLimitExceeded{
					Limit:      cfg.Limit,
					WindowMs:   cfg.Window.Milliseconds(),
					RetryAfter: retryAfter.Milliseconds(),
				}
			}
			result, err := next(c, params)
			if recErr := l.Record(c.Context, d.Event, actor, err != nil); recErr != nil {
				log.Printf("middleware: rate limiter: record %s/%s: %v", d.Event, actor, recErr)
			}
			return result, err
		}
	}
}

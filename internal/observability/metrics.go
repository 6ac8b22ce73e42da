// Package observability holds the Prometheus metric definitions shared
// across the dispatcher, middleware stack, task queue, and instance
// manager. Metric names are all prefixed cb_ (ClaudeBench), mirroring
// how the teacher namespaces its own flux_ metrics.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsTotal counts every call that reaches the measured stage,
	// labeled by event and outcome (success or failure).
	EventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cb_events_total",
		Help: "Total number of handler dispatch attempts",
	}, []string{"event", "outcome"})

	// EventLatencySeconds is the per-event latency histogram backing
	// p50/p95/p99 derivation for the "measured" middleware.
	EventLatencySeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cb_event_latency_seconds",
		Help:    "Handler dispatch latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"event"})

	// RateLimitRejections counts requests rejected by the sliding-window
	// rate limiter, labeled by event.
	RateLimitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cb_rate_limit_rejections_total",
		Help: "Requests rejected by the rate limiter",
	}, []string{"event"})

	// CircuitState tracks the circuit breaker state per event
	// (0=closed, 1=half_open, 2=open).
	CircuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cb_circuit_state",
		Help: "Circuit breaker state per event (0=closed,1=half_open,2=open)",
	}, []string{"event"})

	// CircuitRejections counts calls rejected while a circuit is open or
	// its half-open probe budget is exhausted.
	CircuitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cb_circuit_rejections_total",
		Help: "Calls rejected by an open or saturated circuit",
	}, []string{"event", "reason"})

	// CacheHits / CacheMisses track the cache middleware's effectiveness.
	CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cb_cache_hits_total",
		Help: "Handler cache hits",
	}, []string{"event"})
	CacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cb_cache_misses_total",
		Help: "Handler cache misses",
	}, []string{"event"})

	// QueueDepth tracks the pending-task queue length.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cb_queue_depth",
		Help: "Current number of pending tasks",
	})

	// TasksClaimedTotal / TasksCompletedTotal / TasksFailedTotal count
	// task lifecycle transitions.
	TasksClaimedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cb_tasks_claimed_total",
		Help: "Total tasks claimed by a worker",
	})
	TasksCompletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cb_tasks_completed_total",
		Help: "Total tasks completed successfully",
	})
	TasksFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cb_tasks_failed_total",
		Help: "Total tasks that ended in failed status",
	})
	TasksReassignedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cb_tasks_reassigned_total",
		Help: "Total tasks reassigned after an instance failure",
	})

	// InstancesActive tracks the number of instances with a live TTL.
	InstancesActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cb_instances_active",
		Help: "Current number of instances with a live heartbeat TTL",
	})

	// LeaderStatus is 1 on the process currently holding the sweeper
	// leadership lease, 0 otherwise.
	LeaderStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cb_leader_status",
		Help: "1 if this process is the elected sweeper leader",
	})

	// LeadershipTransitions counts acquire/lose events, labeled by
	// instance id and event type.
	LeadershipTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cb_leader_transitions_total",
		Help: "Total leadership acquire/lose transitions",
	}, []string{"instance_id", "event"})

	// DuplicatesPrevented counts exactly-once delivery collisions.
	DuplicatesPrevented = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cb_duplicates_prevented_total",
		Help: "Total duplicate event deliveries detected and suppressed",
	})

	// QuorumDecisionsTotal counts latched quorum decisions.
	QuorumDecisionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cb_quorum_decisions_total",
		Help: "Total quorum decisions latched",
	})

	// GossipPartitionsDetected counts suspected network partitions
	// flagged by the gossip health sweep.
	GossipPartitionsDetected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cb_gossip_partitions_total",
		Help: "Total suspected partitions detected via gossip health",
	})
)

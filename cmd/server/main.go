// Command server is ClaudeBench's process entry point: it wires C1-C8
// together, installs the atomic scripts, starts the leader-gated
// background sweepers, and serves the JSON-RPC/SSE transport. Grounded
// on control_plane/main.go's explicit env-var-driven wiring and banner
// style, retargeted from FluxForge's reconciliation stack onto
// ClaudeBench's handler dispatch stack.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/fblgit/claudebench/internal/bus"
	"github.com/fblgit/claudebench/internal/handlers"
	"github.com/fblgit/claudebench/internal/instance"
	"github.com/fblgit/claudebench/internal/kv"
	"github.com/fblgit/claudebench/internal/middleware"
	"github.com/fblgit/claudebench/internal/persist"
	"github.com/fblgit/claudebench/internal/queue"
	"github.com/fblgit/claudebench/internal/registry"
	"github.com/fblgit/claudebench/internal/scripts"
	"github.com/fblgit/claudebench/internal/transport"
	"github.com/google/uuid"
)

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	// GOMAXPROCS should track the container's CPU cgroup, not the host's,
	// the same concern control_plane/main.go's shard-count env plumbing
	// addresses for scheduler concurrency; automaxprocs covers the
	// runtime-scheduler half of that story.
	if _, err := maxprocs.Set(maxprocs.Logger(log.Printf)); err != nil {
		log.Printf("server: maxprocs: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	instanceID := getenv("INSTANCE_ID", "cb-"+uuid.NewString()[:8])

	redisAddr := getenv("REDIS_ADDR", "localhost:6379")
	store, err := kv.NewRedisStore(ctx, redisAddr, os.Getenv("REDIS_PASSWORD"), 0)
	if err != nil {
		log.Fatalf("server: connect redis at %s: %v", redisAddr, err)
	}
	log.Printf("server: connected to redis at %s", redisAddr)

	runner := scripts.NewRunner(store)
	if err := runner.Install(ctx); err != nil {
		log.Fatalf("server: install atomic scripts: %v", err)
	}

	var persistStore *persist.Store
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		persistStore, err = persist.New(ctx, dsn)
		if err != nil {
			log.Fatalf("server: connect postgres: %v", err)
		}
		defer persistStore.Close()
		log.Println("server: persistence sink enabled")
	} else {
		log.Println("server: DATABASE_URL unset, persist=true handlers run KV-only")
	}

	eventBus := bus.New(store, instanceID)
	instances := instance.NewManager(store, runner)
	elector := instance.NewElector(store, instanceID, 15*time.Second)

	// Every instance gossips its own health; the partition verdict is
	// only meaningful when the whole cluster keeps reporting, so this
	// is not leader-gated.
	gossip := instance.NewGossip(runner, instanceID, 15*time.Second, 45*time.Second)
	gossip.Start(ctx)

	gate := queue.NewGate(store)
	if mode := os.Getenv("QUEUE_MODE"); mode != "" {
		if err := gate.SetMode(ctx, queue.Mode(mode)); err != nil {
			log.Fatalf("server: QUEUE_MODE: %v", err)
		}
	}

	deathSweeper := instance.NewDeathSweeper(store, runner, 10*time.Second)
	janitor := instance.NewJanitor(store, 60*time.Second, 2*time.Minute)
	taskSweeper := queue.NewSweeper(store, runner, 30*time.Second, 2*time.Minute).
		WithWorkerLister(instances).
		WithGate(gate)

	elector.SetCallbacks(
		func(leaderCtx context.Context) {
			log.Println("server: elected leader, starting cluster-wide sweepers")
			deathSweeper.Start(leaderCtx, elector.IsLeader)
			janitor.Start(leaderCtx, elector.IsLeader)
			taskSweeper.Start(leaderCtx, elector.IsLeader)
		},
		func() {
			log.Println("server: lost leadership, sweepers stop with the lease context")
		},
	)
	elector.Start(ctx)

	handlerSet := &handlers.Set{
		Instances: instances,
		Scripts:   runner,
		Bus:       eventBus,
		Elector:   elector,
		Hooks:     handlers.PermissiveValidator{},
		Queue:     gate,
		Persist:   persistStore,
	}

	rateLimiter := middleware.NewRateLimiter(store, defaultRateLimits())
	circuitBreaker := middleware.NewCircuitBreaker(map[string]middleware.CircuitConfig{
		// A tripped circuit for system.metrics would otherwise turn a
		// dashboard poll into a hard error; a zeroed snapshot is a safe
		// stand-in per spec.md section 4.5's optional fallback.
		"system.metrics": {
			FailureThreshold: middleware.DefaultCircuitConfig.FailureThreshold,
			CooldownPeriod:   middleware.DefaultCircuitConfig.CooldownPeriod,
			HalfOpenLimit:    middleware.DefaultCircuitConfig.HalfOpenLimit,
			SuccessesToClose: middleware.DefaultCircuitConfig.SuccessesToClose,
			HasFallback:      true,
			Fallback: map[string]interface{}{
				"eventsProcessed":     int64(0),
				"tasksCompleted":      int64(0),
				"duplicatesPrevented": int64(0),
				"pendingTasks":        int64(0),
				"activeInstances":     int64(0),
			},
		},
	}).WithStore(store)
	chain := middleware.Compose(
		middleware.WithRateLimit(rateLimiter),
		middleware.WithTimeout(defaultTimeouts()),
		middleware.WithCircuitBreaker(circuitBreaker),
		middleware.WithCache(store),
		middleware.WithAudit(store),
		middleware.WithMeasured(),
	)

	reg := registry.New(store, eventBus, instanceID, chain)
	handlers.RegisterAll(reg, handlerSet)

	srv := transport.New(reg, eventBus)
	mux := srv.Mux()
	mux.Handle("/metrics", promhttp.Handler())

	addr := getenv("LISTEN_ADDR", ":8080")
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("server: claudebench %s listening on %s", instanceID, addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server: listen: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("server: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("server: graceful shutdown: %v", err)
	}
}

// defaultRateLimits gives the five high-traffic events below a sane
// sliding-window budget; anything not listed here is unlimited,
// matching internal/middleware.RateLimiter's "absent from the map ==
// not rate limited" contract.
func defaultRateLimits() map[string]middleware.RateLimitConfig {
	return map[string]middleware.RateLimitConfig{
		"task.create":      {Limit: 100, Window: time.Second},
		"task.claim":       {Limit: 200, Window: time.Second},
		"task.complete":    {Limit: 200, Window: time.Second},
		"system.heartbeat": {Limit: 10, Window: time.Second},
		"hook.pre_tool":    {Limit: 500, Window: time.Second},
	}
}

// defaultTimeouts overrides middleware.DefaultTimeout for handlers
// whose body does more than one round trip to the store. system.health
// additionally opts into a fallback value per spec.md section 4.5:
// a caller polling cluster health would rather get a stale "unknown"
// verdict back than a bare timeout error.
func defaultTimeouts() map[string]middleware.TimeoutConfig {
	return map[string]middleware.TimeoutConfig{
		"system.batch.process": {Limit: 15 * time.Second},
		"system.get_state":     {Limit: 2 * time.Second},
		"system.health": {
			Limit:       2 * time.Second,
			HasFallback: true,
			Fallback:    map[string]interface{}{"status": "unknown", "services": map[string]interface{}{}},
		},
	}
}

// Command worker is a reference ClaudeBench instance: it registers
// itself, heartbeats on a fixed interval, and polls task.claim on a
// fixed interval until the process is signalled to stop. It exists to exercise the
// worker side of the protocol end to end (the spec treats an actual
// instance as an external collaborator, but the loop shape itself is
// part of what the system needs to support). Grounded on
// fluxforge/agent/main.go's registration-then-heartbeat-then-serve
// wiring, with the agent's HTTP job-push server replaced by
// task.claim's pull model (spec.md section 4.6).
package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
)

func main() {
	cfg, err := LoadConfig()
	if err != nil {
		log.Fatalf("worker: load config: %v", err)
	}
	log.Printf("worker: starting, instance id %s, server %s", cfg.InstanceID, cfg.ServerURL)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := newRPCClient(cfg.ServerURL, cfg.InstanceID)

	if err := register(ctx, client, cfg); err != nil {
		log.Printf("worker: exiting before registration completed: %v", err)
		return
	}

	go startHeartbeatLoop(ctx, client, cfg)
	go runClaimLoop(ctx, client, cfg, EchoExecutor{})

	<-ctx.Done()
	log.Println("worker: shutting down")
}

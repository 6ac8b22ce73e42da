package main

import (
	"context"
	"log"
	"time"
)

// heartbeatInterval must stay under instance.DefaultTTL/2 per spec.md
// section 4.7 ("Heartbeats must arrive at interval < ttl/2"); the
// server's default TTL is 15s so 5s leaves comfortable margin.
const heartbeatInterval = 5 * time.Second

// register calls system.register with exponential backoff, the same
// retry shape as fluxforge/agent/main.go's registration loop.
func register(ctx context.Context, c *rpcClient, cfg *Config) error {
	backoff := time.Second
	const maxBackoff = 30 * time.Second
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := c.call(ctx, "system.register", map[string]interface{}{
			"id":    cfg.InstanceID,
			"roles": cfg.Roles,
		}, nil)
		if err == nil {
			log.Printf("worker: registered as %s (roles=%v)", cfg.InstanceID, cfg.Roles)
			return nil
		}
		log.Printf("worker: registration failed: %v, retrying in %s", err, backoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// startHeartbeatLoop sends system.heartbeat on a fixed interval until
// ctx is cancelled, mirroring fluxforge/agent/heartbeat.go's
// startHeartbeatLoop.
func startHeartbeatLoop(ctx context.Context, c *rpcClient, cfg *Config) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.call(ctx, "system.heartbeat", map[string]interface{}{
				"instanceId": cfg.InstanceID,
			}, nil); err != nil {
				log.Printf("worker: heartbeat failed: %v", err)
			}
		case <-ctx.Done():
			log.Println("worker: heartbeat loop stopping")
			return
		}
	}
}

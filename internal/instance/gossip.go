package instance

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/fblgit/claudebench/internal/observability"
	"github.com/fblgit/claudebench/internal/scripts"
)

// Gossip periodically publishes this instance's health report through
// GOSSIP_HEALTH_UPDATE and surfaces the cluster-wide partition verdict
// the script tallies. Every instance runs one (not leader-gated): the
// partition signal only means anything when a majority of instances
// keeps reporting. Reaching the store at all is the health verdict —
// an instance that can't is exactly the one whose report should go
// stale and count against the majority. Grounded on
// coordination/agent_monitor.go's report-on-interval loop, with the
// verdict moved server-side into the script.
type Gossip struct {
	scripts    *scripts.Runner
	instanceID string
	interval   time.Duration
	window     time.Duration

	partitioned bool
}

// NewGossip builds a Gossip reporter for instanceID. window should
// cover at least two report intervals so one missed tick doesn't read
// as an unhealthy instance.
func NewGossip(runner *scripts.Runner, instanceID string, interval, window time.Duration) *Gossip {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if window < 2*interval {
		window = 2 * interval
	}
	return &Gossip{scripts: runner, instanceID: instanceID, interval: interval, window: window}
}

// Start runs the report loop until ctx is cancelled.
func (g *Gossip) Start(ctx context.Context) {
	go g.loop(ctx)
}

func (g *Gossip) loop(ctx context.Context) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.report(ctx)
		}
	}
}

func (g *Gossip) report(ctx context.Context) {
	status, _ := json.Marshal(map[string]interface{}{
		"status":     "healthy",
		"reportedAt": time.Now().UTC().Format(time.RFC3339),
	})
	res, err := g.scripts.GossipHealthUpdate(ctx, g.instanceID, true, string(status), g.window)
	if err != nil {
		log.Printf("instance: gossip report: %v", err)
		return
	}
	switch {
	case res.PartitionDetected && !g.partitioned:
		observability.GossipPartitionsDetected.Inc()
		log.Printf("⚠️ instance: gossip flags a partition: %d/%d instances unhealthy", res.Unhealthy, res.Known)
	case !res.PartitionDetected && g.partitioned:
		log.Printf("✅ instance: gossip partition cleared: %d/%d instances unhealthy", res.Unhealthy, res.Known)
	}
	g.partitioned = res.PartitionDetected
}

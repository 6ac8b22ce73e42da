package main

import (
	"context"
	"log"
	"time"
)

// claimInterval is how often an idle worker polls task.claim. The pull
// model (spec.md section 4.6) means a worker never blocks the queue: it
// asks for work, and gets nothing back if the queue is empty.
const claimInterval = 2 * time.Second

// claimedTask is the subset of task.claim's output this reference
// worker needs.
type claimedTask struct {
	Claimed bool   `json:"claimed"`
	TaskID  string `json:"taskId"`
	Task    struct {
		ID   string `json:"id"`
		Text string `json:"text"`
	} `json:"task"`
}

// Executor runs a claimed task's work and produces its result. It is
// the pluggable-policy seam spec.md section 9(c) describes for
// hook validators, mirrored here for task bodies: spec.md treats
// per-handler business logic as a contract, not core semantics, so
// this reference worker ships one default implementation rather than
// inventing a job-execution DSL the way fluxforge/agent/executor.go's
// shell-command Executor does for FluxForge reconciliation jobs.
type Executor interface {
	Execute(ctx context.Context, taskID, text string) (result map[string]interface{}, err error)
}

// EchoExecutor is the default Executor: it does no real work and
// reports success, useful for exercising the claim/complete protocol
// end to end without a domain-specific job runner.
type EchoExecutor struct{}

func (EchoExecutor) Execute(_ context.Context, taskID, text string) (map[string]interface{}, error) {
	return map[string]interface{}{"echo": text, "taskId": taskID}, nil
}

// runClaimLoop polls task.claim, executes whatever it gets with exec,
// and reports the outcome via task.complete, until ctx is cancelled.
// Grounded on fluxforge/agent/executor.go's Execute/sendResult split
// (run the job, then report exit status back to the control plane),
// adapted from a one-shot push-delivered job to a pull-polled task.
func runClaimLoop(ctx context.Context, c *rpcClient, cfg *Config, exec Executor) {
	ticker := time.NewTicker(claimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Println("worker: claim loop stopping")
			return
		case <-ticker.C:
			claimAndRun(ctx, c, cfg, exec)
		}
	}
}

func claimAndRun(ctx context.Context, c *rpcClient, cfg *Config, exec Executor) {
	var claim claimedTask
	if err := c.call(ctx, "task.claim", map[string]interface{}{
		"workerId": cfg.InstanceID,
		"maxTasks": 1,
	}, &claim); err != nil {
		log.Printf("worker: task.claim failed: %v", err)
		return
	}
	if !claim.Claimed {
		return
	}

	log.Printf("worker: claimed task %s", claim.TaskID)
	result, err := exec.Execute(ctx, claim.Task.ID, claim.Task.Text)
	if err != nil {
		log.Printf("worker: task %s failed: %v", claim.TaskID, err)
		if cerr := c.call(ctx, "task.complete", map[string]interface{}{
			"id": claim.TaskID,
		}, nil); cerr != nil {
			log.Printf("worker: reporting failure for task %s: %v", claim.TaskID, cerr)
		}
		return
	}
	if cerr := c.call(ctx, "task.complete", map[string]interface{}{
		"id":     claim.TaskID,
		"result": result,
	}, nil); cerr != nil {
		log.Printf("worker: reporting completion for task %s: %v", claim.TaskID, cerr)
	}
}

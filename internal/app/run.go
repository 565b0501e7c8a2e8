package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/vk/blockflow/internal/config"
	"github.com/vk/blockflow/internal/graph"
	"github.com/vk/blockflow/internal/hclgraph"
	"github.com/vk/blockflow/internal/job"
)

// ErrNoScheduler is returned by job operations when Start was called without
// the scheduler component.
var ErrNoScheduler = errors.New("scheduler is not running")

// drainTimeout bounds how long RunGraph waits for a stopped job to settle.
const drainTimeout = 10 * time.Second

// RunGraph loads the graph defined under paths, runs it and waits for it to
// finish. When ctx ends first the job is force-stopped and its drained
// snapshot is returned along with ctx's error.
func (a *App) RunGraph(ctx context.Context, paths []string, jc job.Context) (job.Snapshot, error) {
	g, err := hclgraph.Load(a.ctx, paths...)
	if err != nil {
		return job.Snapshot{}, fmt.Errorf("failed to load graph: %w", err)
	}
	id, err := a.Submit(ctx, g, jc)
	if err != nil {
		return job.Snapshot{}, err
	}

	snap, err := a.scheduler.Wait(ctx, id)
	if err == nil {
		return snap, nil
	}

	a.logger.Warn("Run interrupted, stopping job.", "job_id", id, "reason", err)
	if _, stopErr := a.scheduler.Stop(id); stopErr != nil {
		return job.Snapshot{}, errors.Join(err, stopErr)
	}
	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drainTimeout)
	defer cancel()
	snap, drainErr := a.scheduler.Wait(drainCtx, id)
	if drainErr != nil {
		return job.Snapshot{}, errors.Join(err, fmt.Errorf("job %s did not drain: %w", id, drainErr))
	}
	return snap, err
}

// Submit creates and starts a job over g without waiting for it. It warns
// about nodes whose block no executor can run, which fail when dispatched,
// and about cycles, which deadlock.
func (a *App) Submit(ctx context.Context, g *graph.Graph, jc job.Context) (string, error) {
	if a.scheduler == nil {
		return "", ErrNoScheduler
	}
	for _, n := range g.Nodes() {
		if !a.registry.Has(n.Block) && !a.remoteBlock(n.Block) {
			a.logger.Warn("Node uses an unknown block.", "node_id", n.ID, "block", n.Block)
		}
	}

	var cycle *graph.CycleError
	if err := g.DetectCycles(); errors.As(err, &cycle) {
		a.logger.Warn("Graph has a dependency cycle; its nodes will deadlock.", "graph_id", g.ID, "node_id", cycle.NodeID)
	}

	j, err := a.scheduler.CreateJob(ctx, g, jc)
	if err != nil {
		return "", err
	}
	if err := a.scheduler.StartJob(ctx, j.ID); err != nil {
		return "", err
	}
	return j.ID, nil
}

// remoteBlock reports whether block is explicitly routed to workers.
// Without an explicit list only registered blocks go remote.
func (a *App) remoteBlock(block string) bool {
	return a.cfg.Execution.Mode == config.ModeRemote && slices.Contains(a.cfg.Execution.RemoteBlocks, block)
}

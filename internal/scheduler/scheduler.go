package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/vk/blockflow/internal/ctxlog"
	"github.com/vk/blockflow/internal/events"
	"github.com/vk/blockflow/internal/executor"
	"github.com/vk/blockflow/internal/graph"
	"github.com/vk/blockflow/internal/job"
)

var (
	// ErrJobNotFound is returned for ids that were never created or have
	// already been removed after their retention window.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobCancelled is returned by CreateJob when the pre-start hook vetoes
	// the job.
	ErrJobCancelled = errors.New("job cancelled before start")
)

// DefaultRetention is how long a finished job stays queryable.
const DefaultRetention = 5 * time.Minute

// PreStartHook inspects a job before it is registered. Setting
// actions.Cancel aborts creation.
type PreStartHook func(ctx context.Context, snapshot *graph.Graph, jc job.Context, actions *job.StartActions)

// Options configures a Scheduler.
type Options struct {
	// Concurrency bounds concurrent node executions. Zero is unbounded.
	Concurrency int
	// Retention is how long finished jobs stay in the job table.
	Retention time.Duration
	PreStart  PreStartHook
	// Bus receives progress events. Nil creates a private bus.
	Bus *events.Bus
}

// Scheduler runs many jobs concurrently.
type Scheduler struct {
	exec executor.NodeExecutor
	opts Options
	bus  *events.Bus
	sem  *semaphore.Weighted

	// ctx is the parent of every node execution. Cancelled by Close.
	ctx    context.Context
	cancel context.CancelFunc
	loops  sync.WaitGroup

	mu   sync.Mutex
	runs map[string]*run
}

// run is the scheduler's bookkeeping for one job.
type run struct {
	job     *job.Job
	logger  *slog.Logger
	advance chan struct{}
	results chan nodeResult
	done    chan struct{}
	started bool
	expiry  *time.Timer
}

// New creates a scheduler executing nodes through exec. ctx carries the
// logger and bounds node executions.
func New(ctx context.Context, exec executor.NodeExecutor, opts Options) *Scheduler {
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.Bus == nil {
		opts.Bus = events.NewBus()
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &Scheduler{
		exec:   exec,
		opts:   opts,
		bus:    opts.Bus,
		ctx:    ctx,
		cancel: cancel,
		runs:   make(map[string]*run),
	}
	if opts.Concurrency > 0 {
		s.sem = semaphore.NewWeighted(int64(opts.Concurrency))
	}
	return s
}

// Bus returns the bus progress events are published on.
func (s *Scheduler) Bus() *events.Bus { return s.bus }

// CreateJob registers a ready job over a snapshot of g. The pre-start hook,
// when set, may veto it, in which case ErrJobCancelled is returned.
func (s *Scheduler) CreateJob(ctx context.Context, g *graph.Graph, jc job.Context) (*job.Job, error) {
	if g == nil || g.Len() == 0 {
		return nil, fmt.Errorf("graph must contain at least one node")
	}
	snapshot := g.Clone()
	for _, n := range snapshot.Nodes() {
		n.State = graph.StateUnset
		n.Outputs = nil
	}

	if s.opts.PreStart != nil {
		actions := &job.StartActions{}
		s.opts.PreStart(ctx, snapshot, jc, actions)
		if actions.Cancel {
			return nil, fmt.Errorf("%w: %s", ErrJobCancelled, actions.CancelReason)
		}
	}

	id := uuid.NewString()
	r := &run{
		logger:  ctxlog.FromContext(s.ctx).With("job_id", id, "graph_id", snapshot.ID),
		advance: make(chan struct{}, 1),
		results: make(chan nodeResult, snapshot.Len()),
		done:    make(chan struct{}),
	}
	r.job = job.New(id, snapshot, jc, func(snap job.Snapshot) {
		s.publish(events.Event{Kind: events.JobUpdate, JobID: id, Job: &snap, Context: jc})
	})

	s.mu.Lock()
	s.runs[id] = r
	s.mu.Unlock()

	r.logger.Debug("Job created.", "nodes", snapshot.Len())
	return r.job, nil
}

// StartJob moves a created job to running and launches its dispatch loop.
// A job stopped before it started is finalized as stopped right away.
func (s *Scheduler) StartJob(ctx context.Context, id string) error {
	s.mu.Lock()
	r, ok := s.runs[id]
	if ok && r.started {
		s.mu.Unlock()
		return fmt.Errorf("job %s already started", id)
	}
	if ok {
		r.started = true
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}

	if r.job.State() == job.StateForceStop {
		s.finishJob(r)
		return nil
	}
	if err := r.job.Start(); err != nil {
		return err
	}

	snap := r.job.Snapshot()
	s.publish(events.Event{Kind: events.JobStarted, JobID: id, Job: &snap, Context: r.job.Context})
	r.logger.Info("🚀 Starting job.", "nodes", r.job.Graph.Len())

	s.loops.Add(1)
	go func() {
		defer s.loops.Done()
		s.loop(r)
	}()
	return nil
}

// Run creates and starts a job over g, then waits for it to finish.
func (s *Scheduler) Run(ctx context.Context, g *graph.Graph, jc job.Context) (job.Snapshot, error) {
	j, err := s.CreateJob(ctx, g, jc)
	if err != nil {
		return job.Snapshot{}, err
	}
	if err := s.StartJob(ctx, j.ID); err != nil {
		return job.Snapshot{}, err
	}
	return s.Wait(ctx, j.ID)
}

// Advance asks the job's loop to reconsider every pending node. Requests
// made while one is outstanding are coalesced.
func (s *Scheduler) Advance(id string) error {
	r, err := s.lookup(id)
	if err != nil {
		return err
	}
	select {
	case r.advance <- struct{}{}:
	default:
	}
	return nil
}

// Stop force-stops a job. Running nodes drain; nothing new is launched. It
// reports whether the job was stopping as a result of this call.
func (s *Scheduler) Stop(id string) (bool, error) {
	r, err := s.lookup(id)
	if err != nil {
		return false, err
	}
	if !r.job.ForceStop() {
		return false, nil
	}
	r.logger.Info("🛑 Stopping job.", "running", r.job.RunningNodeCount())
	select {
	case r.advance <- struct{}{}:
	default:
	}
	return true, nil
}

// Wait blocks until the job finishes or ctx ends, and returns its final
// snapshot.
func (s *Scheduler) Wait(ctx context.Context, id string) (job.Snapshot, error) {
	r, err := s.lookup(id)
	if err != nil {
		return job.Snapshot{}, err
	}
	select {
	case <-r.done:
		return r.job.Snapshot(), nil
	case <-ctx.Done():
		return job.Snapshot{}, ctx.Err()
	}
}

// Done returns a channel closed when the job has finished.
func (s *Scheduler) Done(id string) (<-chan struct{}, error) {
	r, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	return r.done, nil
}

// Job returns a snapshot of the job with the given id.
func (s *Scheduler) Job(id string) (job.Snapshot, error) {
	r, err := s.lookup(id)
	if err != nil {
		return job.Snapshot{}, err
	}
	return r.job.Snapshot(), nil
}

// Jobs returns snapshots of every job in the table.
func (s *Scheduler) Jobs() []job.Snapshot {
	s.mu.Lock()
	runs := make([]*run, 0, len(s.runs))
	for _, r := range s.runs {
		runs = append(runs, r)
	}
	s.mu.Unlock()

	out := make([]job.Snapshot, 0, len(runs))
	for _, r := range runs {
		out = append(out, r.job.Snapshot())
	}
	return out
}

// Close force-stops every job, cancels in-flight node executions and waits
// for the dispatch loops to exit.
func (s *Scheduler) Close() {
	s.mu.Lock()
	runs := make([]*run, 0, len(s.runs))
	for _, r := range s.runs {
		runs = append(runs, r)
	}
	s.mu.Unlock()

	for _, r := range runs {
		if r.job.ForceStop() {
			select {
			case r.advance <- struct{}{}:
			default:
			}
		}
	}
	s.cancel()
	s.loops.Wait()

	s.mu.Lock()
	for _, r := range s.runs {
		if r.expiry != nil {
			r.expiry.Stop()
		}
	}
	s.mu.Unlock()
}

func (s *Scheduler) lookup(id string) (*run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return r, nil
}

// finishJob finalizes the job, publishes job-finished and schedules its
// removal from the table.
func (s *Scheduler) finishJob(r *run) {
	g := r.job.Graph
	artifacts := make(map[string]any)
	for _, id := range g.Sinks() {
		n, _ := g.Node(id)
		if n.State == graph.StateFinished {
			artifacts[id] = n.Outputs
		}
	}
	r.job.SetArtifacts(artifacts)

	state := r.job.Finish()
	snap := r.job.Snapshot()
	s.publish(events.Event{Kind: events.JobFinished, JobID: r.job.ID, Job: &snap, Context: r.job.Context})
	r.logger.Info("🏁 Job finished.", "state", state, "errors", len(snap.Errors))
	close(r.done)

	s.mu.Lock()
	r.expiry = time.AfterFunc(s.opts.Retention, func() {
		s.mu.Lock()
		delete(s.runs, r.job.ID)
		s.mu.Unlock()
	})
	s.mu.Unlock()
}

func (s *Scheduler) publish(ev events.Event) {
	s.bus.Publish(s.ctx, ev)
}

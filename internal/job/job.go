// Package job holds the in-memory record of one workflow execution and its
// lifecycle state machine.
package job

import (
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/vk/blockflow/internal/graph"
)

// State is the lifecycle state of a job.
type State string

const (
	StateReady     State = "ready"
	StateRunning   State = "running"
	StateSuccess   State = "success"
	StateError     State = "error"
	StateStopped   State = "stopped"
	StateForceStop State = "forceStop"
)

// Terminal reports whether the job has finished for good.
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateError || s == StateStopped
}

// Context is caller-supplied identity carried through a job.
type Context struct {
	UserID     string `json:"userId,omitempty"`
	SessionID  string `json:"sessionId,omitempty"`
	WorkflowID string `json:"workflowId,omitempty"`
}

// Error is one recorded failure.
type Error struct {
	NodeID   string `json:"nodeId,omitempty"`
	NodeName string `json:"nodeName,omitempty"`
	Message  string `json:"message"`
	Details  any    `json:"details,omitempty"`
}

// StartActions lets a pre-start hook veto job creation.
type StartActions struct {
	Cancel       bool
	CancelReason string
}

// Snapshot is a consistent, copy-on-read view of a job.
type Snapshot struct {
	ID               string                    `json:"id"`
	GraphID          string                    `json:"graphId,omitempty"`
	State            State                     `json:"state"`
	ActiveNodes      []string                  `json:"activeNodes"`
	Errors           []Error                   `json:"errors"`
	RunningNodeCount int                       `json:"runningNodeCount"`
	NodeStates       map[string]graph.RunState `json:"nodeStates"`
	Artifacts        map[string]any            `json:"artifacts,omitempty"`
	Context          Context                   `json:"context"`
	CreatedAt        time.Time                 `json:"createdAt"`
	StartedAt        time.Time                 `json:"startedAt,omitzero"`
	FinishedAt       time.Time                 `json:"finishedAt,omitzero"`
}

// Job is one execution of a graph. Its Graph is owned by the scheduler's
// dispatch loop; everything else is guarded by the job's mutex and may be
// read from any goroutine through Snapshot.
type Job struct {
	ID      string
	Graph   *graph.Graph
	Context Context

	notify func(Snapshot)

	mu          sync.Mutex
	state       State
	activeNodes []string
	errors      []Error
	running     int
	nodeStates  map[string]graph.RunState
	artifacts   map[string]any
	createdAt   time.Time
	startedAt   time.Time
	finishedAt  time.Time
}

// New creates a ready job over g. notify, when non-nil, receives a snapshot
// after every mutation.
func New(id string, g *graph.Graph, jc Context, notify func(Snapshot)) *Job {
	states := make(map[string]graph.RunState, g.Len())
	for _, n := range g.Nodes() {
		states[n.ID] = n.State
	}
	return &Job{
		ID:         id,
		Graph:      g,
		Context:    jc,
		notify:     notify,
		state:      StateReady,
		nodeStates: states,
		createdAt:  time.Now(),
	}
}

// State returns the current lifecycle state.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Start moves a ready job to running.
func (j *Job) Start() error {
	j.mu.Lock()
	if j.state != StateReady {
		s := j.state
		j.mu.Unlock()
		return fmt.Errorf("job %s cannot start from state %s", j.ID, s)
	}
	j.state = StateRunning
	j.startedAt = time.Now()
	j.mu.Unlock()
	j.changed()
	return nil
}

// ForceStop asks the job to stop launching nodes. It reports false, and
// changes nothing, when the job has already finished or is already stopping.
func (j *Job) ForceStop() bool {
	j.mu.Lock()
	if j.state != StateReady && j.state != StateRunning {
		j.mu.Unlock()
		return false
	}
	j.state = StateForceStop
	j.mu.Unlock()
	j.changed()
	return true
}

// Stopping reports whether ForceStop has been requested.
func (j *Job) Stopping() bool {
	return j.State() == StateForceStop
}

// MarkError flags a running job as failed. Scheduling continues; Finish keeps
// the error state.
func (j *Job) MarkError() {
	j.mu.Lock()
	if j.state != StateRunning {
		j.mu.Unlock()
		return
	}
	j.state = StateError
	j.mu.Unlock()
	j.changed()
}

// Finish moves the job to its terminal state and returns it. A job marked
// error stays error. Calling Finish again returns the existing state.
func (j *Job) Finish() State {
	j.mu.Lock()
	switch {
	case !j.finishedAt.IsZero():
		s := j.state
		j.mu.Unlock()
		return s
	case j.state == StateError:
	case j.state == StateForceStop:
		j.state = StateStopped
	case len(j.errors) > 0:
		j.state = StateError
	default:
		j.state = StateSuccess
	}
	j.finishedAt = time.Now()
	s := j.state
	j.mu.Unlock()
	j.changed()
	return s
}

// AddError records a failure without changing the lifecycle state.
func (j *Job) AddError(e Error) {
	j.mu.Lock()
	j.errors = append(j.errors, e)
	j.mu.Unlock()
	j.changed()
}

// Errors returns a copy of the recorded errors.
func (j *Job) Errors() []Error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return slices.Clone(j.errors)
}

// AddActiveNode records that nodeID started. The most recent comes first.
func (j *Job) AddActiveNode(nodeID string) {
	j.mu.Lock()
	j.activeNodes = append([]string{nodeID}, j.activeNodes...)
	j.running++
	j.mu.Unlock()
	j.changed()
}

// RemoveActiveNode records that nodeID is no longer executing.
func (j *Job) RemoveActiveNode(nodeID string) {
	j.mu.Lock()
	if i := slices.Index(j.activeNodes, nodeID); i >= 0 {
		j.activeNodes = slices.Delete(j.activeNodes, i, i+1)
		j.running--
	}
	j.mu.Unlock()
	j.changed()
}

// RunningNodeCount returns the number of nodes currently executing.
func (j *Job) RunningNodeCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.running
}

// SetNodeState mirrors a node's run state for snapshots.
func (j *Job) SetNodeState(nodeID string, s graph.RunState) {
	j.mu.Lock()
	j.nodeStates[nodeID] = s
	j.mu.Unlock()
}

// SetArtifacts records the job's published outputs.
func (j *Job) SetArtifacts(artifacts map[string]any) {
	j.mu.Lock()
	j.artifacts = artifacts
	j.mu.Unlock()
}

// Snapshot returns a copy of the job's observable state.
func (j *Job) Snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	return Snapshot{
		ID:               j.ID,
		GraphID:          j.Graph.ID,
		State:            j.state,
		ActiveNodes:      slices.Clone(j.activeNodes),
		Errors:           slices.Clone(j.errors),
		RunningNodeCount: j.running,
		NodeStates:       maps.Clone(j.nodeStates),
		Artifacts:        maps.Clone(j.artifacts),
		Context:          j.Context,
		CreatedAt:        j.createdAt,
		StartedAt:        j.startedAt,
		FinishedAt:       j.finishedAt,
	}
}

func (j *Job) changed() {
	if j.notify != nil {
		j.notify(j.Snapshot())
	}
}

package scheduler

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/vk/blockflow/internal/ctxlog"
	"github.com/vk/blockflow/internal/events"
	"github.com/vk/blockflow/internal/executor"
	"github.com/vk/blockflow/internal/graph"
	"github.com/vk/blockflow/internal/job"
	"github.com/vk/blockflow/internal/transport"
)

// Job error messages recorded by the loop.
const (
	MsgDeadlocked = "graph has deadlocked, forcing progress"
	MsgStalled    = "graph has stalled, forcing completion"
)

type nodeResult struct {
	nodeID  string
	outputs map[string]any
	err     error
}

// verdict is the outcome of evaluating one pending node.
type verdict int

const (
	verdictWait verdict = iota
	verdictDispatch
	verdictSkip
	verdictDeadlock
)

// dispatcher is the state owned by one job's loop goroutine.
type dispatcher struct {
	s          *Scheduler
	r          *run
	g          *graph.Graph
	pos        map[string]int
	dependents map[string][]string
	// pending holds nodes that may have become eligible.
	pending map[string]bool
	// disabled holds skipped nodes whose outputs downstream nodes may consume.
	disabled map[string]bool
	running  int
}

func (s *Scheduler) loop(r *run) {
	d := &dispatcher{
		s:          s,
		r:          r,
		g:          r.job.Graph,
		pos:        make(map[string]int),
		dependents: r.job.Graph.Dependents(),
		pending:    make(map[string]bool),
		disabled:   make(map[string]bool),
	}

	order, cyclic := d.g.TopologicalOrder()
	for i, id := range order {
		d.pos[id] = i
		d.pending[id] = true
	}
	for _, id := range order {
		if cyclic[id] {
			d.deadlock(id, "node is part of a dependency cycle")
		}
	}

	for {
		if !d.r.job.Stopping() {
			d.pass()
		}
		if d.running == 0 {
			break
		}
		select {
		case res := <-r.results:
			d.complete(res)
		case <-r.advance:
			d.requeueUnset()
		}
	}

	d.finalize()
}

// pass evaluates pending nodes in topological order until a pass changes
// nothing. Nodes that resolve without running unblock their successors
// within the same pass.
func (d *dispatcher) pass() {
	for len(d.pending) > 0 {
		ids := slices.SortedFunc(maps.Keys(d.pending), func(a, b string) int {
			return cmp.Compare(d.pos[a], d.pos[b])
		})
		progressed := false
		for _, id := range ids {
			if d.r.job.Stopping() {
				return
			}
			n, _ := d.g.Node(id)
			if n.State != graph.StateUnset {
				delete(d.pending, id)
				continue
			}
			if d.evaluate(n) {
				delete(d.pending, id)
				progressed = true
			}
		}
		if !progressed {
			return
		}
	}
}

// evaluate resolves or dispatches n and reports whether n left the unset
// state.
func (d *dispatcher) evaluate(n *graph.Node) bool {
	if n.Disabled {
		d.disabled[n.ID] = true
		d.settle(n, graph.StateSkipped, map[string]any{})
		return true
	}

	v, reason, inputs := d.resolve(n)
	switch v {
	case verdictWait:
		return false
	case verdictSkip:
		d.r.logger.Debug("Skipping node.", "node_id", n.ID, "reason", reason)
		d.settle(n, graph.StateSkipped, nil)
		return true
	case verdictDeadlock:
		d.deadlock(n.ID, reason)
		return true
	}

	if !d.s.exec.Supports(n.Block) {
		err := fmt.Errorf("no executor for block '%s'", n.Block)
		d.r.logger.Error("Node cannot be dispatched.", "node_id", n.ID, "error", err)
		d.fail(n, err)
		return true
	}

	d.launch(n, inputs)
	return true
}

// resolve follows n's input connections. It returns verdictDispatch with the
// resolved inputs once every upstream has finished.
func (d *dispatcher) resolve(n *graph.Node) (verdict, string, map[string]any) {
	waiting := false
	skip := ""
	inputs := make(map[string]any, len(n.Inputs))

	for _, key := range slices.Sorted(maps.Keys(n.Inputs)) {
		conns := n.Inputs[key]
		values := make([]any, 0, len(conns))
		for _, c := range conns {
			up, ok := d.g.Node(c.SourceNodeID)
			if !ok {
				return verdictDeadlock, fmt.Sprintf("input '%s' references unknown node '%s'", key, c.SourceNodeID), nil
			}
			switch up.State {
			case graph.StateDeadlocked:
				return verdictDeadlock, fmt.Sprintf("upstream node '%s' is deadlocked", up.ID), nil
			case graph.StateError:
				skip = fmt.Sprintf("upstream node '%s' failed", up.ID)
			case graph.StateSkipped:
				if !d.disabled[up.ID] {
					skip = fmt.Sprintf("upstream node '%s' was skipped", up.ID)
				}
				values = append(values, up.Outputs[c.SourceOutputKey])
			case graph.StateFinished:
				values = append(values, up.Outputs[c.SourceOutputKey])
			default:
				waiting = true
			}
		}
		switch len(conns) {
		case 0:
		case 1:
			if len(values) == 1 {
				inputs[key] = values[0]
			}
		default:
			inputs[key] = values
		}
	}

	switch {
	case skip != "":
		return verdictSkip, skip, nil
	case waiting:
		return verdictWait, "", nil
	default:
		return verdictDispatch, "", inputs
	}
}

func (d *dispatcher) launch(n *graph.Node, inputs map[string]any) {
	j := d.r.job
	n.State = graph.StateRunning
	d.running++
	d.r.logger.Debug("Dispatching node.", "node_id", n.ID, "block", n.Block)

	// The node is handed to its goroutine by value; only the loop touches
	// the graph.
	node := *n
	ec := executor.ExecutionContext{JobID: j.ID, GraphID: d.g.ID, NodeID: n.ID, Context: j.Context}
	started := func() {
		j.SetNodeState(node.ID, graph.StateRunning)
		j.AddActiveNode(node.ID)
		d.s.publish(events.Event{
			Kind: events.NodeStarted, JobID: j.ID, NodeID: node.ID, NodeName: node.DisplayName(),
			Block: node.Block, NodeState: graph.StateRunning, Context: j.Context,
		})
	}
	go func() {
		outputs, err := d.s.execute(d.r, &node, inputs, ec, started)
		d.r.results <- nodeResult{nodeID: node.ID, outputs: outputs, err: err}
	}()
}

// execute runs one node under the concurrency bound. started is called once
// a slot is held, right before the executor. Panics become errors.
func (s *Scheduler) execute(r *run, n *graph.Node, inputs map[string]any, ec executor.ExecutionContext, started func()) (out map[string]any, err error) {
	ctx := ctxlog.WithLogger(s.ctx, r.logger.With("node_id", n.ID, "block", n.Block))
	if s.sem != nil {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return nil, fmt.Errorf("node %s was not started: %w", n.ID, err)
		}
		defer s.sem.Release(1)
	}
	started()
	defer func() {
		if p := recover(); p != nil {
			out, err = nil, &executor.PanicError{Value: p}
		}
	}()
	return s.exec.Execute(ctx, n, inputs, ec)
}

func (d *dispatcher) complete(res nodeResult) {
	d.running--
	n, _ := d.g.Node(res.nodeID)
	d.r.job.RemoveActiveNode(n.ID)

	if res.err != nil {
		d.r.logger.Warn("Node failed.", "node_id", n.ID, "error", res.err)
		d.fail(n, res.err)
		return
	}
	if res.outputs == nil {
		res.outputs = map[string]any{}
	}
	d.settle(n, graph.StateFinished, res.outputs)
}

// requeueUnset puts every node that has not run back on the pending set.
func (d *dispatcher) requeueUnset() {
	for _, n := range d.g.Nodes() {
		if n.State == graph.StateUnset {
			d.pending[n.ID] = true
		}
	}
}

// settle moves n to a terminal state and queues its successors.
func (d *dispatcher) settle(n *graph.Node, state graph.RunState, outputs map[string]any) {
	n.State = state
	n.Outputs = outputs
	j := d.r.job
	j.SetNodeState(n.ID, state)

	ev := events.Event{
		Kind: events.NodeFinished, JobID: j.ID, NodeID: n.ID, NodeName: n.DisplayName(),
		Block: n.Block, NodeState: state, Context: j.Context,
	}
	if state == graph.StateError || state == graph.StateDeadlocked {
		if errs := j.Errors(); len(errs) > 0 {
			ev.Error = errs[len(errs)-1].Message
		}
	}
	d.s.publish(ev)

	for _, dep := range d.dependents[n.ID] {
		d.pending[dep] = true
	}
}

func (d *dispatcher) fail(n *graph.Node, err error) {
	d.record(job.Error{NodeID: n.ID, NodeName: n.DisplayName(), Message: errorMessage(err), Details: errorDetails(err)})
	d.r.job.MarkError()
	d.settle(n, graph.StateError, nil)
}

func (d *dispatcher) deadlock(id, reason string) {
	n, _ := d.g.Node(id)
	if n.State != graph.StateUnset {
		return
	}
	d.r.logger.Warn("Node deadlocked.", "node_id", id, "reason", reason)
	d.record(job.Error{NodeID: id, NodeName: n.DisplayName(), Message: MsgDeadlocked, Details: reason})
	d.settle(n, graph.StateDeadlocked, nil)
	delete(d.pending, id)
}

func (d *dispatcher) record(e job.Error) {
	j := d.r.job
	j.AddError(e)
	d.s.publish(events.Event{
		Kind: events.JobError, JobID: j.ID, NodeID: e.NodeID, NodeName: e.NodeName,
		Error: e.Message, Context: j.Context,
	})
}

// finalize runs once nothing is running and nothing more can launch.
func (d *dispatcher) finalize() {
	if !d.r.job.Stopping() {
		var stalled []string
		for _, n := range d.g.Nodes() {
			if !n.State.Terminal() {
				stalled = append(stalled, n.ID)
			}
		}
		if len(stalled) > 0 {
			d.r.logger.Error("Job stalled with unresolved nodes.", "nodes", stalled)
			d.record(job.Error{Message: MsgStalled, Details: stalled})
		}
	}
	d.s.finishJob(d.r)
}

func errorMessage(err error) string {
	var re *transport.RemoteError
	if errors.As(err, &re) {
		return re.Message
	}
	return err.Error()
}

func errorDetails(err error) any {
	var re *transport.RemoteError
	if errors.As(err, &re) {
		return map[string]any{"taskId": re.TaskID, "code": re.Code, "server": re.Server.Hostname}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "cancelled"
	}
	return nil
}

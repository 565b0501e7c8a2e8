package executor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/vk/blockflow/internal/ctxlog"
	"github.com/vk/blockflow/internal/graph"
	"github.com/vk/blockflow/internal/transport"
)

// OperationExecute is the operation id of node execution tasks.
const OperationExecute = "execute"

// TaskBody is the body of a node execution task.
type TaskBody struct {
	Data   map[string]any `json:"data,omitempty"`
	Inputs map[string]any `json:"inputs,omitempty"`
}

// Publisher is the part of the transport a Remote executor needs.
type Publisher interface {
	PublishAwaitable(ctx context.Context, exchange, routingKey string, msg transport.TaskMessage) (json.RawMessage, error)
}

// RemoteOptions configures a Remote executor.
type RemoteOptions struct {
	// Exchange defaults to the transport's task exchange.
	Exchange string
	// RoutingKey defaults to the transport's default routing key.
	RoutingKey string
	// Blocks limits the executor to these block names.
	Blocks []string
	// Known reports whether a block exists at all. It decides Supports when
	// Blocks is empty; with neither set every block is supported.
	Known func(block string) bool
}

// Remote executes nodes on workers reached through the task transport. The
// wait for a result is bounded only by ctx.
type Remote struct {
	pub    Publisher
	opts   RemoteOptions
	blocks map[string]bool
}

// NewRemote creates a remote executor publishing through pub.
func NewRemote(pub Publisher, opts RemoteOptions) *Remote {
	r := &Remote{pub: pub, opts: opts}
	if len(opts.Blocks) > 0 {
		r.blocks = make(map[string]bool, len(opts.Blocks))
		for _, b := range opts.Blocks {
			r.blocks[b] = true
		}
	}
	return r
}

// Supports implements NodeExecutor.
func (r *Remote) Supports(block string) bool {
	switch {
	case r.blocks != nil:
		return r.blocks[block]
	case r.opts.Known != nil:
		return r.opts.Known(block)
	default:
		return true
	}
}

// Execute implements NodeExecutor.
func (r *Remote) Execute(ctx context.Context, node *graph.Node, inputs map[string]any, ec ExecutionContext) (map[string]any, error) {
	body, err := json.Marshal(TaskBody{Data: node.Data, Inputs: inputs})
	if err != nil {
		return nil, fmt.Errorf("failed to encode task body for node %s: %w", node.ID, err)
	}
	msg := transport.TaskMessage{
		Integration: transport.Integration{
			Key:         node.Block,
			OperationID: OperationExecute,
			Block:       node.Block,
		},
		Body: body,
		JobContext: &transport.JobContext{
			JobID:      ec.JobID,
			GraphID:    ec.GraphID,
			NodeID:     ec.NodeID,
			UserID:     ec.Context.UserID,
			SessionID:  ec.Context.SessionID,
			WorkflowID: ec.Context.WorkflowID,
		},
	}

	ctxlog.FromContext(ctx).Debug("Dispatching node to worker.", "job_id", ec.JobID, "node_id", node.ID, "block", node.Block)
	raw, err := r.pub.PublishAwaitable(ctx, r.opts.Exchange, r.opts.RoutingKey, msg)
	if err != nil {
		return nil, err
	}

	out := map[string]any{}
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("failed to decode result of node %s: %w", node.ID, err)
		}
	}
	return out, nil
}

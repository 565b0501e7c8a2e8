package executor

import (
	"context"
	"fmt"

	"github.com/vk/blockflow/internal/ctxlog"
	"github.com/vk/blockflow/internal/graph"
	"github.com/vk/blockflow/internal/registry"
)

// Local runs blocks in the current process.
type Local struct {
	registry *registry.Registry
}

// NewLocal creates an executor over the blocks in r.
func NewLocal(r *registry.Registry) *Local {
	return &Local{registry: r}
}

// Supports implements NodeExecutor.
func (l *Local) Supports(block string) bool {
	_, ok := l.registry.Lookup(block)
	return ok
}

// Execute implements NodeExecutor.
func (l *Local) Execute(ctx context.Context, node *graph.Node, inputs map[string]any, ec ExecutionContext) (map[string]any, error) {
	b, ok := l.registry.Lookup(node.Block)
	if !ok {
		return nil, fmt.Errorf("unknown block '%s'", node.Block)
	}
	ctx, logger := ctxlog.With(ctx, "job_id", ec.JobID, "node_id", ec.NodeID, "block", node.Block)
	logger.Debug("Running block.", "inputs", inputs)
	return runBlock(ctx, b, registry.Input{Data: node.Data, Inputs: inputs})
}

// runBlock calls b, turning a panic into a PanicError.
func runBlock(ctx context.Context, b *registry.Block, in registry.Input) (out map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, &PanicError{Value: r}
		}
	}()
	out, err = b.Run(ctx, in)
	if err == nil && out == nil {
		out = map[string]any{}
	}
	return out, err
}

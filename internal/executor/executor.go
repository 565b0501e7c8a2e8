// Package executor runs a single node. Local executes blocks in-process from
// the registry; Remote ships them to a Worker through the task transport.
package executor

import (
	"context"
	"fmt"

	"github.com/vk/blockflow/internal/graph"
	"github.com/vk/blockflow/internal/job"
)

// ExecutionContext identifies the node execution a call belongs to.
type ExecutionContext struct {
	JobID   string
	GraphID string
	NodeID  string
	Context job.Context
}

// NodeExecutor executes one node with its resolved inputs and returns the
// node's outputs. Implementations are called concurrently.
type NodeExecutor interface {
	Supports(block string) bool
	Execute(ctx context.Context, node *graph.Node, inputs map[string]any, ec ExecutionContext) (map[string]any, error)
}

// Chain tries each executor in order and uses the first that supports the
// block.
type Chain []NodeExecutor

// Supports implements NodeExecutor.
func (c Chain) Supports(block string) bool {
	return c.pick(block) != nil
}

// Execute implements NodeExecutor.
func (c Chain) Execute(ctx context.Context, node *graph.Node, inputs map[string]any, ec ExecutionContext) (map[string]any, error) {
	e := c.pick(node.Block)
	if e == nil {
		return nil, fmt.Errorf("no executor for block '%s'", node.Block)
	}
	return e.Execute(ctx, node, inputs, ec)
}

func (c Chain) pick(block string) NodeExecutor {
	for _, e := range c {
		if e.Supports(block) {
			return e
		}
	}
	return nil
}

package integration_tests

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/blockflow/internal/app"
	"github.com/vk/blockflow/internal/graph"
	"github.com/vk/blockflow/internal/integration_tests/harness"
	"github.com/vk/blockflow/internal/job"
	"github.com/vk/blockflow/internal/registry"
	"github.com/vk/blockflow/internal/testutil"
	"github.com/vk/blockflow/modules/constant"
)

// Test for: a failing node records its error and skips its dependents while
// independent branches still finish.
func TestErrorHandling_NodeFailure_SkipsDependents(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	var spyRuns atomic.Int32
	failing := &testutil.SimpleModule{
		Name: "failing",
		Run: func(context.Context, registry.Input) (map[string]any, error) {
			return nil, errors.New("resource creation failed as expected")
		},
	}
	counting := &testutil.SimpleModule{
		Name: "counting",
		Run: func(context.Context, registry.Input) (map[string]any, error) {
			spyRuns.Add(1)
			return map[string]any{}, nil
		},
	}
	a, _ := harness.Setup(t, harness.Config(t), app.Components{Scheduler: true}, failing, counting, &constant.Module{})

	gridHCL := `
		node "A" {
			block = "failing"
		}
		node "B" {
			block  = "counting"
			inputs = { r = A.handle }
		}
		node "C" {
			block  = "counting"
			inputs = { r = B.anything }
		}
		node "independent" {
			block = "constant"
			data  = { value = 1 }
		}
	`

	// --- Act ---
	snap := harness.Run(t, a, gridHCL)

	// --- Assert ---
	require.Equal(t, job.StateError, snap.State)
	assert.Equal(t, graph.StateError, snap.NodeStates["A"])
	assert.Equal(t, graph.StateSkipped, snap.NodeStates["B"])
	assert.Equal(t, graph.StateSkipped, snap.NodeStates["C"])
	assert.Equal(t, graph.StateFinished, snap.NodeStates["independent"])
	assert.Zero(t, spyRuns.Load(), "dependents of a failed node must not run")

	require.Len(t, snap.Errors, 1)
	assert.Equal(t, "A", snap.Errors[0].NodeID)
	assert.Contains(t, snap.Errors[0].Message, "resource creation failed as expected")
}

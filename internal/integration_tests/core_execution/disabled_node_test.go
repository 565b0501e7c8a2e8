package integration_tests

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/blockflow/internal/app"
	"github.com/vk/blockflow/internal/graph"
	"github.com/vk/blockflow/internal/integration_tests/harness"
	"github.com/vk/blockflow/internal/job"
	"github.com/vk/blockflow/modules/constant"
)

// Test for: a disabled node is skipped without failing the job, and its
// consumers still run with the missing value.
func TestCoreExecution_DisabledNodeIsBypassed(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	spy := &harness.SpyModule{}
	a, _ := harness.Setup(t, harness.Config(t), app.Components{Scheduler: true}, &constant.Module{}, spy)

	gridHCL := `
		node "off" {
			block    = "constant"
			disabled = true
			data     = { value = "never" }
		}

		node "on" {
			block = "constant"
			data  = { value = "always" }
		}

		node "consumer" {
			block  = "spy"
			data   = { id = "consumer" }
			inputs = {
				off = off.value
				on  = on.value
			}
		}
	`

	// --- Act ---
	snap := harness.Run(t, a, gridHCL)

	// --- Assert ---
	require.Equal(t, job.StateSuccess, snap.State)
	assert.Equal(t, graph.StateSkipped, snap.NodeStates["off"])
	assert.Equal(t, graph.StateFinished, snap.NodeStates["consumer"])

	captured, ok := spy.Captured("consumer")
	require.True(t, ok)
	assert.Equal(t, "always", captured["on"])
	assert.Nil(t, captured["off"])
}

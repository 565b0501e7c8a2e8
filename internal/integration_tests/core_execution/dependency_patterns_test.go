package integration_tests

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/vk/blockflow/internal/app"
	"github.com/vk/blockflow/internal/graph"
	"github.com/vk/blockflow/internal/integration_tests/harness"
	"github.com/vk/blockflow/internal/job"
	"github.com/vk/blockflow/modules/constant"
	"github.com/vk/blockflow/modules/text"
)

// Test for: chains, diamonds and multi-producer inputs resolve in
// dependency order with each producer's outputs.
func TestCoreExecution_DependencyPatterns(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	spy := &harness.SpyModule{}
	a, _ := harness.Setup(t, harness.Config(t), app.Components{Scheduler: true},
		&constant.Module{}, &text.Module{}, spy)

	gridHCL := `
		node "root" {
			block = "constant"
			data  = { value = "Go" }
		}

		node "left" {
			block  = "text"
			data   = { op = "upper" }
			inputs = { value = root.value }
		}

		node "right" {
			block  = "text"
			data   = { op = "lower" }
			inputs = { value = root.value }
		}

		node "joined" {
			block  = "text"
			data   = { op = "concat", separator = "+" }
			inputs = { values = [left.value, right.value] }
		}

		node "sink" {
			block  = "spy"
			data   = { id = "sink" }
			inputs = {
				joined = joined.value
				both   = ["left.value", "right.value"]
			}
		}
	`

	// --- Act ---
	snap := harness.Run(t, a, gridHCL)

	// --- Assert ---
	require.Equal(t, job.StateSuccess, snap.State)
	for _, id := range []string{"root", "left", "right", "joined", "sink"} {
		require.Equal(t, graph.StateFinished, snap.NodeStates[id], "node %s", id)
	}

	captured, _ := spy.Captured("sink")
	want := map[string]any{
		"joined": "GO+go",
		"both":   []any{"GO", "go"},
	}
	if diff := cmp.Diff(want, captured); diff != "" {
		t.Errorf("sink inputs mismatch (-want +got):\n%s", diff)
	}
}

package integration_tests

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/vk/blockflow/internal/app"
	"github.com/vk/blockflow/internal/integration_tests/harness"
	"github.com/vk/blockflow/internal/job"
	"github.com/vk/blockflow/modules/constant"
)

// Test for: Complex data (objects, lists) passes correctly between nodes.
func TestCoreExecution_ComplexDataPassing(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	spy := &harness.SpyModule{}
	a, _ := harness.Setup(t, harness.Config(t), app.Components{Scheduler: true}, &constant.Module{}, spy)

	gridHCL := `
		node "source" {
			block = "constant"
			data = {
				payload = {
					id      = 99
					name    = "complex-object"
					enabled = true
					metadata = { owner = "test-suite" }
					items = [{ item_id = 1 }, { item_id = 2 }]
				}
			}
		}

		node "B" {
			block  = "spy"
			data   = { id = "B" }
			inputs = { input = source.payload }
		}
	`

	// --- Act ---
	snap := harness.Run(t, a, gridHCL)

	// --- Assert ---
	require.Equal(t, job.StateSuccess, snap.State)
	expected := map[string]any{
		"id":       float64(99),
		"name":     "complex-object",
		"enabled":  true,
		"metadata": map[string]any{"owner": "test-suite"},
		"items": []any{
			map[string]any{"item_id": float64(1)},
			map[string]any{"item_id": float64(2)},
		},
	}
	captured, ok := spy.Captured("B")
	require.True(t, ok, "spy never ran")
	if diff := cmp.Diff(expected, captured["input"]); diff != "" {
		t.Errorf("Captured complex data mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(map[string]any{"B": map[string]any{"input": expected}}, snap.Artifacts); diff != "" {
		t.Errorf("Artifacts mismatch (-want +got):\n%s", diff)
	}
}

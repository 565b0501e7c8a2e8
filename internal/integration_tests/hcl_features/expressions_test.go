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

// Test for: data expressions are evaluated with the function library at
// load time.
func TestHCLFeatures_DataExpressions(t *testing.T) {
	t.Parallel()

	a, _ := harness.Setup(t, harness.Config(t), app.Components{Scheduler: true}, &constant.Module{})

	snap := harness.Run(t, a, `
		node "computed" {
			block = "constant"
			data = {
				greeting = format("%s, %s!", "Hello", upper("world"))
				csv      = join(",", ["a", "b", "c"])
				count    = length(["x", "y"])
				encoded  = jsonencode({ k = "v" })
				smallest = min(4, 2, 9)
				merged   = merge({ a = 1 }, { b = 2 })
			}
		}
	`)

	require.Equal(t, job.StateSuccess, snap.State)
	want := map[string]any{
		"greeting": "Hello, WORLD!",
		"csv":      "a,b,c",
		"count":    float64(2),
		"encoded":  `{"k":"v"}`,
		"smallest": float64(2),
		"merged":   map[string]any{"a": float64(1), "b": float64(2)},
	}
	if diff := cmp.Diff(want, snap.Artifacts["computed"]); diff != "" {
		t.Errorf("evaluated data mismatch (-want +got):\n%s", diff)
	}
}

// Test for: env exposes the process environment to data expressions.
// Not parallel: it sets an environment variable.
func TestHCLFeatures_EnvironmentReference(t *testing.T) {
	t.Setenv("BLOCKFLOW_IT_TARGET", "staging")
	a, _ := harness.Setup(t, harness.Config(t), app.Components{Scheduler: true}, &constant.Module{})

	snap := harness.Run(t, a, `
		node "target" {
			block = "constant"
			data  = { url = "https://${env.BLOCKFLOW_IT_TARGET}.example.com" }
		}
	`)

	require.Equal(t, job.StateSuccess, snap.State)
	require.Equal(t, map[string]any{"url": "https://staging.example.com"}, snap.Artifacts["target"])
}

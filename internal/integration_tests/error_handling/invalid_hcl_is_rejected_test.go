package integration_tests

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/blockflow/internal/app"
	"github.com/vk/blockflow/internal/integration_tests/harness"
	"github.com/vk/blockflow/internal/job"
)

// Test for: malformed definitions are rejected before any job is created.
func TestErrorHandling_InvalidHCLIsRejected(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		src  string
		want string
	}{
		"syntax error": {
			src:  `node "A" {`,
			want: "failed to parse graph file",
		},
		"missing block attribute": {
			src:  `node "A" {}`,
			want: "failed to decode graph file",
		},
		"unknown producer": {
			src: `node "A" {
				block  = "print"
				inputs = { x = ghost.value }
			}`,
			want: `references unknown node "ghost"`,
		},
		"duplicate node": {
			src: `
				node "A" { block = "print" }
				node "A" { block = "print" }`,
			want: "duplicate node id",
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			a, _ := harness.Setup(t, harness.Config(t), app.Components{Scheduler: true})
			dir := harness.WriteFiles(t, map[string]string{"main.hcl": tc.src})

			_, err := a.RunGraph(context.Background(), []string{dir}, job.Context{})

			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
			assert.Empty(t, a.Scheduler().Jobs(), "no job may be created from a rejected definition")
		})
	}
}

// Package env_vars provides the "env_vars" block, which exposes the process
// environment.
package env_vars

import (
	"context"
	"os"
	"strings"

	"github.com/vk/blockflow/internal/registry"
)

// Module implements the registry.Module interface for this package.
type Module struct{}

// Run returns the environment under "all". A data "prefix" keeps only the
// variables starting with it. Each name listed in data "names" is also
// published as its own output, empty when unset.
func Run(_ context.Context, in registry.Input) (map[string]any, error) {
	prefix := in.Text("prefix")
	all := make(map[string]any)
	for _, e := range os.Environ() {
		k, v, ok := strings.Cut(e, "=")
		if !ok || !strings.HasPrefix(k, prefix) {
			continue
		}
		all[k] = v
	}

	out := map[string]any{"all": all}
	if names, ok := in.Data["names"].([]any); ok {
		for _, n := range names {
			name, ok := n.(string)
			if !ok {
				continue
			}
			out[name] = os.Getenv(name)
		}
	}
	return out, nil
}

// Register registers the block with the registry.
func (m *Module) Register(r *registry.Registry) {
	r.Register(registry.Block{
		Name:        "env_vars",
		Description: "Publishes environment variables.",
		Run:         Run,
	})
}

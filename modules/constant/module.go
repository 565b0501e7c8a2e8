// Package constant provides the "constant" block, which publishes its data as
// outputs.
package constant

import (
	"context"
	"maps"

	"github.com/vk/blockflow/internal/registry"
)

// Module implements the registry.Module interface for this package.
type Module struct{}

// Run returns a copy of the node data. Upstream inputs with the same key
// replace the data value.
func Run(_ context.Context, in registry.Input) (map[string]any, error) {
	out := make(map[string]any, len(in.Data)+len(in.Inputs))
	maps.Copy(out, in.Data)
	for k, v := range in.Inputs {
		if v != nil {
			out[k] = v
		}
	}
	return out, nil
}

// Register registers the block with the registry.
func (m *Module) Register(r *registry.Registry) {
	r.Register(registry.Block{
		Name:        "constant",
		Description: "Publishes its data entries as outputs.",
		Run:         Run,
	})
}

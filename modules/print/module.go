// Package print provides the "print" block, which writes its inputs to a
// writer, stdout by default.
package print

import (
	"context"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"sync"

	"github.com/vk/blockflow/internal/ctxlog"
	"github.com/vk/blockflow/internal/registry"
)

// Module implements the registry.Module interface for this package.
type Module struct {
	// Out defaults to os.Stdout.
	Out io.Writer

	mu sync.Mutex
}

// Run prints the data "message" entry, when set, followed by every input in
// key order. Inputs are passed through as outputs.
func (m *Module) Run(ctx context.Context, in registry.Input) (map[string]any, error) {
	ctxlog.FromContext(ctx).Info("Printing input", "inputs", len(in.Inputs))

	out := m.Out
	if out == nil {
		out = os.Stdout
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if msg, ok := in.Data["message"]; ok {
		fmt.Fprintf(out, "      %v\n", msg)
	}
	if len(in.Inputs) == 0 {
		if _, ok := in.Data["message"]; !ok {
			fmt.Fprintln(out, "      (null)")
		}
		return map[string]any{}, nil
	}
	for _, k := range slices.Sorted(maps.Keys(in.Inputs)) {
		fmt.Fprintf(out, "      %s = %s\n", k, format(in.Inputs[k]))
	}
	return maps.Clone(in.Inputs), nil
}

func format(v any) string {
	if s, ok := v.(string); ok {
		return fmt.Sprintf("%q", s)
	}
	return fmt.Sprintf("%v", v)
}

// Register registers the block with the registry.
func (m *Module) Register(r *registry.Registry) {
	r.Register(registry.Block{
		Name:        "print",
		Description: "Writes its inputs to standard output and passes them through.",
		Run:         m.Run,
	})
}

// Package text provides the "text" block for small string transformations.
// The data "op" selects the operation:
//
//	upper, lower  transform input "value"
//	concat        join input "values" (or "value") with data "separator"
//	template      render data "template" with text/template; the template
//	              sees .Inputs and .Data
//
// Every operation publishes its result as "value".
package text

import (
	"context"
	"fmt"
	"strings"
	"text/template"

	"github.com/vk/blockflow/internal/registry"
)

// Operations.
const (
	OpUpper    = "upper"
	OpLower    = "lower"
	OpConcat   = "concat"
	OpTemplate = "template"
)

// Module implements the registry.Module interface for this package.
type Module struct{}

// Run applies the configured operation.
func Run(_ context.Context, in registry.Input) (map[string]any, error) {
	var (
		result string
		err    error
	)
	switch op := in.Text("op"); op {
	case OpUpper:
		result = strings.ToUpper(in.Text("value"))
	case OpLower:
		result = strings.ToLower(in.Text("value"))
	case OpConcat:
		result = concat(in)
	case OpTemplate:
		result, err = render(in)
	case "":
		return nil, fmt.Errorf("op is required")
	default:
		return nil, fmt.Errorf("unknown op '%s'", op)
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{"value": result}, nil
}

func concat(in registry.Input) string {
	v, ok := in.Get("values")
	if !ok {
		v, _ = in.Get("value")
	}
	parts, ok := v.([]any)
	if !ok {
		if v == nil {
			return ""
		}
		return fmt.Sprint(v)
	}
	strs := make([]string, 0, len(parts))
	for _, p := range parts {
		if p == nil {
			continue
		}
		strs = append(strs, fmt.Sprint(p))
	}
	return strings.Join(strs, in.Text("separator"))
}

func render(in registry.Input) (string, error) {
	src := in.Text("template")
	if src == "" {
		return "", fmt.Errorf("template is required")
	}
	tmpl, err := template.New("text").Option("missingkey=zero").Parse(src)
	if err != nil {
		return "", fmt.Errorf("failed to parse template: %w", err)
	}
	var sb strings.Builder
	if err := tmpl.Execute(&sb, map[string]any{"Inputs": in.Inputs, "Data": in.Data}); err != nil {
		return "", fmt.Errorf("failed to render template: %w", err)
	}
	return sb.String(), nil
}

// Register registers the block with the registry.
func (m *Module) Register(r *registry.Registry) {
	r.Register(registry.Block{
		Name:        "text",
		Description: "Transforms strings: upper, lower, concat, template.",
		Run:         Run,
	})
}

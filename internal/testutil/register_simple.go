package testutil

import "github.com/vk/blockflow/internal/registry"

// SimpleModule is a test helper for easily creating a mock module that
// registers a single block.
type SimpleModule struct {
	Name string
	Run  registry.Func
}

// Register implements the registry.Module interface.
func (m *SimpleModule) Register(r *registry.Registry) {
	r.Register(registry.Block{Name: m.Name, Run: m.Run})
}

// Registry returns a registry holding the given modules.
func Registry(modules ...registry.Module) *registry.Registry {
	r := registry.New()
	r.RegisterModules(modules...)
	return r
}

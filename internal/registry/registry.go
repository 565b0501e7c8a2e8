package registry

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
)

// Input is what a block receives for one execution.
type Input struct {
	// Data is the node's static configuration.
	Data map[string]any
	// Inputs holds resolved upstream values keyed by input socket. A socket
	// fed by one connection holds that value; one fed by several holds []any
	// in connection order.
	Inputs map[string]any
}

// Func executes a block and returns its outputs keyed by output socket.
type Func func(ctx context.Context, in Input) (map[string]any, error)

// Block describes one executable block type.
type Block struct {
	Name        string
	Description string
	Run         Func
}

// Module is the interface that all core modules must implement to be registered.
type Module interface {
	Register(r *Registry)
}

// Registry holds the block table for a single application instance.
type Registry struct {
	mu     sync.RWMutex
	blocks map[string]*Block
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{blocks: make(map[string]*Block)}
}

// Register adds a block. It panics when the name is empty, already taken, or
// has no Run function.
func (r *Registry) Register(b Block) {
	if b.Name == "" || b.Run == nil {
		panic(fmt.Sprintf("block '%s' must have a name and a run function", b.Name))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.blocks[b.Name]; exists {
		panic(fmt.Sprintf("block with name '%s' already registered", b.Name))
	}
	slog.Debug("Registering block.", "name", b.Name)
	r.blocks[b.Name] = &b
}

// RegisterModules lets every module add its blocks.
func (r *Registry) RegisterModules(modules ...Module) {
	for _, m := range modules {
		m.Register(r)
	}
}

// Lookup returns the block registered under name.
func (r *Registry) Lookup(name string) (*Block, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.blocks[name]
	return b, ok
}

// Has reports whether a block is registered under name.
func (r *Registry) Has(name string) bool {
	_, ok := r.Lookup(name)
	return ok
}

// Names returns the registered block names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.blocks))
	for name := range r.blocks {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

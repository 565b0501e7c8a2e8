package integration_tests

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/vk/blockflow/internal/executor"
	"github.com/vk/blockflow/internal/registry"
)

// flakyModule registers a "flaky" block that fails with a retryable error
// until it has been called data "fail_times" times for its data "id".
type flakyModule struct {
	mu    sync.Mutex
	calls map[string]int
}

func (m *flakyModule) Register(r *registry.Registry) {
	r.Register(registry.Block{
		Name:        "flaky",
		Description: "Fails a configurable number of times before succeeding.",
		Run:         m.run,
	})
}

func (m *flakyModule) run(_ context.Context, in registry.Input) (map[string]any, error) {
	id, _ := in.Data["id"].(string)
	failTimes, _ := in.Data["fail_times"].(float64)

	m.mu.Lock()
	if m.calls == nil {
		m.calls = make(map[string]int)
	}
	m.calls[id]++
	n := m.calls[id]
	m.mu.Unlock()

	if n <= int(failTimes) {
		return nil, executor.Retry(fmt.Errorf("upstream unavailable (attempt %d)", n))
	}
	return map[string]any{"attempts": n}, nil
}

func (m *flakyModule) Calls(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[id]
}

// fatalModule registers a "fatal" block that always fails without retry.
type fatalModule struct{}

func (fatalModule) Register(r *registry.Registry) {
	r.Register(registry.Block{
		Name: "fatal",
		Run: func(context.Context, registry.Input) (map[string]any, error) {
			return nil, errors.New("credentials rejected")
		},
	})
}

package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/vk/blockflow/internal/registry"
)

// SleeperModule is a shared, self-contained module for concurrency tests. Its
// "sleeper" block sleeps, records the execution time under the node's `id`
// data field, and counts how many executions overlap.
type SleeperModule struct {
	mu             sync.Mutex
	executionTimes map[string]*ExecutionRecord
	calls          map[string]int
	active         int
	maxActive      int
	sleepDuration  time.Duration
	completionChan chan<- string
}

// NewSleeperModule creates a new sleeper module. completionChan, when not
// nil, receives the id of every finished execution.
func NewSleeperModule(completionChan chan<- string, sleep time.Duration) *SleeperModule {
	return &SleeperModule{
		executionTimes: make(map[string]*ExecutionRecord),
		calls:          make(map[string]int),
		sleepDuration:  sleep,
		completionChan: completionChan,
	}
}

// Register registers the "sleeper" block.
func (m *SleeperModule) Register(r *registry.Registry) {
	r.Register(registry.Block{
		Name:        "sleeper",
		Description: "Sleeps and records when it ran.",
		Run:         m.run,
	})
}

func (m *SleeperModule) run(ctx context.Context, in registry.Input) (map[string]any, error) {
	id, _ := in.Data["id"].(string)

	m.mu.Lock()
	m.calls[id]++
	m.active++
	m.maxActive = max(m.maxActive, m.active)
	m.mu.Unlock()

	start := time.Now()
	select {
	case <-time.After(m.sleepDuration):
	case <-ctx.Done():
	}
	end := time.Now()

	m.mu.Lock()
	m.active--
	m.executionTimes[id] = &ExecutionRecord{Start: start, End: end}
	m.mu.Unlock()

	if m.completionChan != nil {
		m.completionChan <- id
	}
	return map[string]any{"id": id}, ctx.Err()
}

// Record returns the execution record for id.
func (m *SleeperModule) Record(id string) (*ExecutionRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.executionTimes[id]
	return rec, ok
}

// Calls returns how many times the block ran for id.
func (m *SleeperModule) Calls(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[id]
}

// MaxConcurrent returns the highest number of overlapping executions seen.
func (m *SleeperModule) MaxConcurrent() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxActive
}

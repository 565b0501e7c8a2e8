// Package harness starts a complete application for the end-to-end suites
// under integration_tests.
package harness

import (
	"context"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vk/blockflow/internal/app"
	"github.com/vk/blockflow/internal/config"
	"github.com/vk/blockflow/internal/job"
	"github.com/vk/blockflow/internal/registry"
	"github.com/vk/blockflow/internal/testutil"
)

// RunTimeout bounds every graph run of the suites.
const RunTimeout = 15 * time.Second

// Config returns a debug-level configuration over a private data dir with
// short queue timings.
func Config(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Log.Level = "debug"
	cfg.Queue.PollInterval = 20 * time.Millisecond
	cfg.Worker.RetryDelay = 50 * time.Millisecond
	return cfg
}

// Setup creates an app over cfg with the given modules (the core modules
// when none are given), starts the components and closes it when the test
// ends. The returned buffer holds everything the app wrote.
func Setup(t *testing.T, cfg *config.Config, c app.Components, modules ...registry.Module) (*app.App, *testutil.SafeBuffer) {
	t.Helper()
	ctx, _ := testutil.Context(t)
	out := &testutil.SafeBuffer{}
	a := app.New(out, cfg, modules...)
	t.Cleanup(func() {
		if err := a.Close(); err != nil {
			t.Errorf("closing app: %v", err)
		}
		if t.Failed() || os.Getenv("BLOCKFLOW_TEST_LOGS") == "true" {
			t.Logf("--- App output for %s ---\n%s", t.Name(), out.String())
		}
	})
	require.NoError(t, a.Start(ctx, c))
	return a, out
}

// WriteFiles writes name->source pairs into a fresh directory and returns it.
func WriteFiles(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, src := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(src), 0o600))
	}
	return dir
}

// Run writes src as main.hcl, runs it to completion and returns the final
// snapshot. Load and wait errors fail the test; job failures do not.
func Run(t *testing.T, a *app.App, src string) job.Snapshot {
	t.Helper()
	dir := WriteFiles(t, map[string]string{"main.hcl": src})
	ctx, cancel := context.WithTimeout(context.Background(), RunTimeout)
	defer cancel()
	snap, err := a.RunGraph(ctx, []string{dir}, job.Context{})
	require.NoError(t, err)
	return snap
}

// SpyModule registers a "spy" block that records the inputs it receives
// under its data "id" and passes them through as outputs.
type SpyModule struct {
	mu       sync.Mutex
	captured map[string]map[string]any
}

// Register implements registry.Module.
func (m *SpyModule) Register(r *registry.Registry) {
	r.Register(registry.Block{
		Name:        "spy",
		Description: "Records its inputs.",
		Run: func(_ context.Context, in registry.Input) (map[string]any, error) {
			m.mu.Lock()
			defer m.mu.Unlock()
			if m.captured == nil {
				m.captured = make(map[string]map[string]any)
			}
			id, _ := in.Data["id"].(string)
			m.captured[id] = maps.Clone(in.Inputs)
			return maps.Clone(in.Inputs), nil
		},
	})
}

// Captured returns the inputs the spy with the given id received.
func (m *SpyModule) Captured(id string) (map[string]any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.captured[id]
	return in, ok
}

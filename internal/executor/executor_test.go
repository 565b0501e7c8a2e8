package executor

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/blockflow/internal/graph"
	"github.com/vk/blockflow/internal/job"
	"github.com/vk/blockflow/internal/queuestore"
	"github.com/vk/blockflow/internal/registry"
	"github.com/vk/blockflow/internal/testutil"
	"github.com/vk/blockflow/internal/transport"
)

func testRegistry(t *testing.T, flakyCalls *atomic.Int32, flakyFailures int32) *registry.Registry {
	t.Helper()
	r := registry.New()
	r.Register(registry.Block{
		Name: "upper",
		Run: func(_ context.Context, in registry.Input) (map[string]any, error) {
			s, _ := in.Inputs["value"].(string)
			prefix, _ := in.Data["prefix"].(string)
			return map[string]any{"value": prefix + s + "!"}, nil
		},
	})
	r.Register(registry.Block{
		Name: "boom",
		Run: func(context.Context, registry.Input) (map[string]any, error) {
			return nil, errors.New("boom")
		},
	})
	r.Register(registry.Block{
		Name: "panics",
		Run: func(context.Context, registry.Input) (map[string]any, error) {
			panic("kaput")
		},
	})
	r.Register(registry.Block{
		Name: "flaky",
		Run: func(context.Context, registry.Input) (map[string]any, error) {
			if n := flakyCalls.Add(1); n <= flakyFailures {
				return nil, Retry(errors.New("upstream unavailable"))
			}
			return map[string]any{"ok": true}, nil
		},
	})
	return r
}

func TestLocal_Execute(t *testing.T) {
	t.Parallel()
	ctx, _ := testutil.Context(t)
	var calls atomic.Int32
	l := NewLocal(testRegistry(t, &calls, 0))

	assert.True(t, l.Supports("upper"))
	assert.False(t, l.Supports("missing"))

	out, err := l.Execute(ctx,
		&graph.Node{ID: "n", Block: "upper", Data: map[string]any{"prefix": ">"}},
		map[string]any{"value": "hi"},
		ExecutionContext{JobID: "j", NodeID: "n"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"value": ">hi!"}, out)

	_, err = l.Execute(ctx, &graph.Node{ID: "n", Block: "boom"}, nil, ExecutionContext{})
	require.EqualError(t, err, "boom")

	_, err = l.Execute(ctx, &graph.Node{ID: "n", Block: "panics"}, nil, ExecutionContext{})
	var pe *PanicError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "kaput", pe.Value)
}

type fixedExecutor struct {
	block string
	out   map[string]any
}

func (f fixedExecutor) Supports(block string) bool { return block == f.block }

func (f fixedExecutor) Execute(context.Context, *graph.Node, map[string]any, ExecutionContext) (map[string]any, error) {
	return f.out, nil
}

func TestChain_PicksFirstSupporting(t *testing.T) {
	t.Parallel()
	c := Chain{
		fixedExecutor{block: "a", out: map[string]any{"from": "first"}},
		fixedExecutor{block: "a", out: map[string]any{"from": "second"}},
		fixedExecutor{block: "b", out: map[string]any{"from": "b"}},
	}
	assert.True(t, c.Supports("b"))
	assert.False(t, c.Supports("c"))

	out, err := c.Execute(context.Background(), &graph.Node{Block: "a"}, nil, ExecutionContext{})
	require.NoError(t, err)
	assert.Equal(t, "first", out["from"])

	_, err = c.Execute(context.Background(), &graph.Node{Block: "c"}, nil, ExecutionContext{})
	require.Error(t, err)
}

func TestRetryable(t *testing.T) {
	t.Parallel()
	assert.Nil(t, Retry(nil))
	assert.True(t, Retryable(Retry(errors.New("x"))))
	assert.True(t, Retryable(errors.Join(errors.New("a"), Retry(errors.New("b")))))
	assert.False(t, Retryable(errors.New("x")))
}

type remoteFixture struct {
	ctx    context.Context
	remote *Remote
	calls  *atomic.Int32
}

func newRemoteFixture(t *testing.T, maxRetries int, flakyFailures int32) remoteFixture {
	t.Helper()
	ctx, _ := testutil.Context(t)
	store, err := queuestore.Open(ctx, filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	tr, err := transport.New(ctx, store, transport.Options{ShardID: "test-shard", PollInterval: 10 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(tr.Close)

	calls := &atomic.Int32{}
	w := NewWorker(tr, testRegistry(t, calls, flakyFailures), WorkerOptions{
		Concurrency: 2,
		MaxRetries:  maxRetries,
		RetryDelay:  30 * time.Millisecond,
		Hostname:    "worker-1",
	})
	require.NoError(t, w.Start(ctx))
	t.Cleanup(w.Stop)

	return remoteFixture{ctx: ctx, remote: NewRemote(tr, RemoteOptions{}), calls: calls}
}

func (f remoteFixture) run(t *testing.T, block string, inputs map[string]any) (map[string]any, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(f.ctx, 5*time.Second)
	defer cancel()
	node := &graph.Node{ID: "n1", Block: block, Data: map[string]any{"prefix": "~"}}
	return f.remote.Execute(ctx, node, inputs, ExecutionContext{
		JobID: "job-1", GraphID: "g", NodeID: "n1", Context: job.Context{UserID: "u"},
	})
}

func TestRemote_RoundTripThroughWorker(t *testing.T) {
	t.Parallel()
	f := newRemoteFixture(t, 0, 0)

	out, err := f.run(t, "upper", map[string]any{"value": "abc"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"value": "~abc!"}, out)
}

func TestRemote_WorkerErrors(t *testing.T) {
	t.Parallel()
	f := newRemoteFixture(t, 0, 0)

	cases := []struct {
		block   string
		code    string
		message string
	}{
		{block: "boom", code: CodeFailed, message: "boom"},
		{block: "missing", code: CodeUnknownBlock, message: "unknown block 'missing'"},
		{block: "panics", code: CodeFailed, message: "block panicked: kaput"},
	}
	for _, tc := range cases {
		_, err := f.run(t, tc.block, nil)
		var re *transport.RemoteError
		require.ErrorAs(t, err, &re, tc.block)
		assert.Equal(t, tc.code, re.Code, tc.block)
		assert.Equal(t, tc.message, re.Message, tc.block)
		assert.Equal(t, "worker-1", re.Server.Hostname)
	}
}

func TestWorker_RetriesRetryableFailures(t *testing.T) {
	t.Parallel()
	f := newRemoteFixture(t, 2, 2)

	out, err := f.run(t, "flaky", nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ok": true}, out)
	assert.Equal(t, int32(3), f.calls.Load())
}

func TestWorker_GivesUpAfterMaxRetries(t *testing.T) {
	t.Parallel()
	f := newRemoteFixture(t, 1, 10)

	_, err := f.run(t, "flaky", nil)
	var re *transport.RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, CodeRetriesExhausted, re.Code)
	assert.Equal(t, int32(2), f.calls.Load())
}

func TestRemote_Supports(t *testing.T) {
	t.Parallel()
	reg := testRegistry(t, new(atomic.Int32), 0)

	all := NewRemote(nil, RemoteOptions{})
	assert.True(t, all.Supports("anything"))

	known := NewRemote(nil, RemoteOptions{Known: reg.Has})
	assert.True(t, known.Supports("upper"))
	assert.False(t, known.Supports("nosuch"), "unregistered blocks stay local and fail there")

	listed := NewRemote(nil, RemoteOptions{Blocks: []string{"gpu"}, Known: reg.Has})
	assert.True(t, listed.Supports("gpu"), "an explicit list wins over the registry")
	assert.False(t, listed.Supports("upper"))
}

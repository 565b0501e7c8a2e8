package job

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/blockflow/internal/graph"
)

func newJob(t *testing.T) (*Job, *[]Snapshot) {
	t.Helper()
	g := graph.New("g1")
	require.NoError(t, g.AddNode(&graph.Node{ID: "a", Block: "noop"}))
	require.NoError(t, g.AddNode(&graph.Node{ID: "b", Block: "noop"}))

	var (
		mu    sync.Mutex
		snaps []Snapshot
	)
	j := New("job-1", g, Context{UserID: "u1"}, func(s Snapshot) {
		mu.Lock()
		snaps = append(snaps, s)
		mu.Unlock()
	})
	return j, &snaps
}

func TestLifecycle_Success(t *testing.T) {
	t.Parallel()
	j, snaps := newJob(t)

	assert.Equal(t, StateReady, j.State())
	require.NoError(t, j.Start())
	assert.Equal(t, StateRunning, j.State())
	require.Error(t, j.Start(), "a running job cannot start again")

	assert.Equal(t, StateSuccess, j.Finish())
	assert.Equal(t, StateSuccess, j.Finish(), "finish is idempotent")
	assert.NotEmpty(t, *snaps)
	assert.Equal(t, StateSuccess, (*snaps)[len(*snaps)-1].State)
}

func TestFinish_WithErrors(t *testing.T) {
	t.Parallel()
	j, _ := newJob(t)
	require.NoError(t, j.Start())

	j.AddError(Error{NodeID: "a", Message: "boom"})
	assert.Equal(t, StateRunning, j.State(), "recording an error does not stop the job")
	assert.Equal(t, StateError, j.Finish())
	assert.Equal(t, []Error{{NodeID: "a", Message: "boom"}}, j.Errors())
}

func TestMarkError_StaysError(t *testing.T) {
	t.Parallel()
	j, _ := newJob(t)
	require.NoError(t, j.Start())

	j.MarkError()
	assert.Equal(t, StateError, j.State())
	assert.Equal(t, StateError, j.Finish())
}

func TestForceStop(t *testing.T) {
	t.Parallel()

	t.Run("running job drains to stopped", func(t *testing.T) {
		j, _ := newJob(t)
		require.NoError(t, j.Start())

		assert.True(t, j.ForceStop())
		assert.Equal(t, StateForceStop, j.State())
		assert.True(t, j.Stopping())
		assert.False(t, j.ForceStop(), "second call is a no-op")

		j.MarkError()
		assert.Equal(t, StateForceStop, j.State(), "a failing node does not override a stop")
		assert.Equal(t, StateStopped, j.Finish())
	})

	for _, terminal := range []func(j *Job){
		func(j *Job) { j.Finish() },
		func(j *Job) { j.AddError(Error{Message: "x"}); j.Finish() },
		func(j *Job) { j.ForceStop(); j.Finish() },
		func(j *Job) { j.MarkError() },
	} {
		j, _ := newJob(t)
		require.NoError(t, j.Start())
		terminal(j)
		before := j.State()

		assert.False(t, j.ForceStop())
		assert.Equal(t, before, j.State())
	}
}

func TestActiveNodes(t *testing.T) {
	t.Parallel()
	j, _ := newJob(t)

	j.AddActiveNode("a")
	j.AddActiveNode("b")
	snap := j.Snapshot()
	assert.Equal(t, []string{"b", "a"}, snap.ActiveNodes)
	assert.Equal(t, 2, snap.RunningNodeCount)

	j.RemoveActiveNode("a")
	j.RemoveActiveNode("a")
	assert.Equal(t, 1, j.RunningNodeCount(), "removal is counted once")
	assert.Equal(t, []string{"b"}, j.Snapshot().ActiveNodes)
}

func TestSnapshot_IsACopy(t *testing.T) {
	t.Parallel()
	j, _ := newJob(t)
	j.SetNodeState("a", graph.StateFinished)
	j.SetArtifacts(map[string]any{"b": map[string]any{"x": 1}})

	snap := j.Snapshot()
	snap.NodeStates["a"] = graph.StateError
	snap.ActiveNodes = append(snap.ActiveNodes, "zzz")

	again := j.Snapshot()
	assert.Equal(t, graph.StateFinished, again.NodeStates["a"])
	assert.Equal(t, graph.StateUnset, again.NodeStates["b"])
	assert.Empty(t, again.ActiveNodes)
	assert.Equal(t, "g1", again.GraphID)
	assert.Equal(t, "u1", again.Context.UserID)
	assert.Contains(t, again.Artifacts, "b")
}

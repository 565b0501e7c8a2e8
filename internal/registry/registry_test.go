package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoModule struct{}

func (echoModule) Register(r *Registry) {
	r.Register(Block{
		Name: "echo",
		Run: func(_ context.Context, in Input) (map[string]any, error) {
			return in.Inputs, nil
		},
	})
}

func TestRegistry_RegisterAndLookup(t *testing.T) {
	t.Parallel()
	r := New()
	r.RegisterModules(echoModule{})

	b, ok := r.Lookup("echo")
	require.True(t, ok)
	out, err := b.Run(context.Background(), Input{Inputs: map[string]any{"x": 1}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"x": 1}, out)

	_, ok = r.Lookup("missing")
	assert.False(t, ok)
	assert.True(t, r.Has("echo"))
	assert.False(t, r.Has("missing"))
	assert.Equal(t, []string{"echo"}, r.Names())
}

func TestRegistry_PanicsOnMisuse(t *testing.T) {
	t.Parallel()
	r := New()
	r.RegisterModules(echoModule{})

	assert.Panics(t, func() { r.RegisterModules(echoModule{}) }, "duplicate name")
	assert.Panics(t, func() { r.Register(Block{Name: "nil-run"}) })
	assert.Panics(t, func() {
		r.Register(Block{Run: func(context.Context, Input) (map[string]any, error) { return nil, nil }})
	})
}

func TestInput_Accessors(t *testing.T) {
	t.Parallel()
	in := Input{
		Data:   map[string]any{"url": "http://data", "timeout": "2s", "retries": 3.0, "bad": true},
		Inputs: map[string]any{"url": "http://upstream", "empty": nil},
	}

	v, ok := in.Get("url")
	assert.True(t, ok)
	assert.Equal(t, "http://upstream", v, "inputs win over data")

	_, ok = in.Get("empty")
	assert.False(t, ok)
	assert.Equal(t, "3", in.Text("retries"))
	assert.Empty(t, in.Text("nothing"))

	d, err := in.Duration("timeout", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, d)

	d, err = in.Duration("retries", 0)
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, d)

	d, err = in.Duration("missing", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, d)

	_, err = in.Duration("bad", 0)
	require.Error(t, err)
}

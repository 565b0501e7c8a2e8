package progress

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/blockflow/internal/events"
	"github.com/vk/blockflow/internal/job"
	"github.com/vk/blockflow/internal/testutil"
)

func TestDecodeSubscription(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		arg  any
		want Subscription
		ok   bool
	}{
		{name: "job id string", arg: "job-1", want: Subscription{JobID: "job-1"}, ok: true},
		{name: "empty string", arg: "", ok: false},
		{name: "object", arg: map[string]any{"jobId": "j", "sessionId": "s"}, want: Subscription{JobID: "j", SessionID: "s"}, ok: true},
		{name: "session only", arg: map[string]any{"sessionId": "s"}, want: Subscription{SessionID: "s"}, ok: true},
		{name: "empty object", arg: map[string]any{}, ok: false},
		{name: "wrong type", arg: 42.0, ok: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, ok := decodeSubscription(tc.arg)
			assert.Equal(t, tc.ok, ok)
			if tc.ok {
				assert.Equal(t, tc.want, got)
			}
		})
	}
}

func TestRooms(t *testing.T) {
	t.Parallel()
	assert.EqualValues(t, "job:abc", JobRoom("abc"))
	assert.EqualValues(t, "session:xyz", SessionRoom("xyz"))
	assert.Equal(t, "a", first([]string{"a", "b"}))
	assert.Empty(t, first(nil))
}

func TestServer_HandleWithoutClients(t *testing.T) {
	t.Parallel()
	ctx, _ := testutil.Context(t)
	s := NewServer(ctx)
	t.Cleanup(s.Close)

	assert.NotPanics(t, func() {
		s.Handle(ctx, events.Event{Kind: events.JobStarted, JobID: "nobody-listens"})
	})
}

func TestServer_DeliversToSubscribedClient(t *testing.T) {
	t.Parallel()
	ctx, _ := testutil.Context(t)
	s := NewServer(ctx)
	t.Cleanup(s.Close)

	mux := http.NewServeMux()
	mux.Handle("/socket.io/", s.Handler())
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	client, err := Dial(ctx, ts.URL+"/socket.io/", Subscription{JobID: "job-7"})
	require.NoError(t, err)
	t.Cleanup(client.Close)

	// The room is joined by the server's connection handler, which may run
	// just after the client sees its connect ack.
	var got events.Event
	require.Eventually(t, func() bool {
		s.Handle(ctx, events.Event{Kind: events.NodeStarted, JobID: "other-job", NodeID: "x"})
		s.Handle(ctx, events.Event{
			Kind: events.NodeStarted, JobID: "job-7", NodeID: "fetch", Block: "http_request",
			Context: job.Context{SessionID: "s1"},
		})
		select {
		case got = <-client.Events():
			return true
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 10*time.Second, 100*time.Millisecond)

	assert.Equal(t, events.NodeStarted, got.Kind)
	assert.Equal(t, "job-7", got.JobID)
	assert.Equal(t, "fetch", got.NodeID)
	assert.Equal(t, "http_request", got.Block)
	assert.Equal(t, "s1", got.Context.SessionID)
}

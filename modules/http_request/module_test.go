package http_request

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/blockflow/internal/executor"
	"github.com/vk/blockflow/internal/registry"
	"github.com/vk/blockflow/internal/testutil"
)

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/echo", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Method", r.Method)
		w.Header().Set("X-Content-Type", r.Header.Get("Content-Type"))
		w.Header().Set("X-Token", r.Header.Get("X-Token"))
		_, _ = w.Write(body)
	})
	mux.HandleFunc("/missing", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	})
	mux.HandleFunc("/down", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "later", http.StatusServiceUnavailable)
	})
	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestRun_PostsJSONAndPublishesResponse(t *testing.T) {
	t.Parallel()
	ctx, _ := testutil.Context(t)
	srv := newServer(t)

	out, err := New().Run(ctx, registry.Input{
		Data: map[string]any{
			"method":  "post",
			"headers": map[string]any{"X-Token": "abc"},
		},
		Inputs: map[string]any{
			"url":  srv.URL + "/echo",
			"body": map[string]any{"k": "v"},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, out["status_code"])
	assert.Equal(t, `{"k":"v"}`, out["body"])
	headers := out["headers"].(map[string]any)
	assert.Equal(t, "POST", headers["X-Method"])
	assert.Equal(t, "application/json", headers["X-Content-Type"])
	assert.Equal(t, "abc", headers["X-Token"])
}

func TestRun_StatusHandling(t *testing.T) {
	t.Parallel()
	ctx, _ := testutil.Context(t)
	srv := newServer(t)
	m := New()

	_, err := m.Run(ctx, registry.Input{Data: map[string]any{"url": srv.URL + "/missing"}})
	require.ErrorContains(t, err, "404")
	assert.False(t, executor.Retryable(err))

	_, err = m.Run(ctx, registry.Input{Data: map[string]any{"url": srv.URL + "/down"}})
	require.ErrorContains(t, err, "503")
	assert.True(t, executor.Retryable(err))

	out, err := m.Run(ctx, registry.Input{Data: map[string]any{"url": srv.URL + "/missing", "fail_on_status": false}})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, out["status_code"])
}

func TestRun_TimeoutIsRetryable(t *testing.T) {
	t.Parallel()
	ctx, _ := testutil.Context(t)
	srv := newServer(t)

	_, err := New().Run(ctx, registry.Input{Data: map[string]any{"url": srv.URL + "/slow", "timeout": "50ms"}})
	require.Error(t, err)
	assert.True(t, executor.Retryable(err))
}

func TestRun_RequiresURL(t *testing.T) {
	t.Parallel()
	ctx, _ := testutil.Context(t)
	_, err := New().Run(ctx, registry.Input{})
	require.EqualError(t, err, "url is required")
}

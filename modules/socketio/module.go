// Package socketio provides the "socketio" block: connect to a socket.io
// server, optionally emit one event, and wait for a reply event.
package socketio

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/zishang520/engine.io-client-go/transports"
	"github.com/zishang520/engine.io/v2/types"
	"github.com/zishang520/socket.io-client-go/socket"

	"github.com/vk/blockflow/internal/ctxlog"
	"github.com/vk/blockflow/internal/executor"
	"github.com/vk/blockflow/internal/registry"
)

const defaultTimeout = 10 * time.Second

// Module implements the registry.Module interface for this package.
type Module struct{}

type opResult struct {
	value any
	err   error
}

// Run reads url, namespace, emit_event, emit_data, on_event, timeout and
// insecure_skip_verify. The first payload of on_event is published as
// response_data.
func Run(ctx context.Context, in registry.Input) (map[string]any, error) {
	rawURL := in.Text("url")
	onEvent := in.Text("on_event")
	emitEvent := in.Text("emit_event")
	if rawURL == "" || onEvent == "" {
		return nil, errors.New("url and on_event are required")
	}
	timeout, err := in.Duration("timeout", defaultTimeout)
	if err != nil {
		return nil, err
	}
	emitData, _ := in.Get("emit_data")

	logger := ctxlog.FromContext(ctx).With("block", "socketio", "url", rawURL, "onEvent", onEvent, "emitEvent", emitEvent)
	logger.Debug("Handler started")
	defer logger.Debug("Handler finished")

	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL: %w", err)
	}
	baseURL := fmt.Sprintf("%s://%s", parsedURL.Scheme, parsedURL.Host)
	opts := socket.DefaultOptions()
	if parsedURL.Path != "" && parsedURL.Path != "/" {
		opts.SetPath(parsedURL.Path)
	}
	if skip, _ := in.Data["insecure_skip_verify"].(bool); skip {
		logger.Warn("Skipping TLS certificate verification")
		opts.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
	}
	opts.SetTransports(types.NewSet(transports.WebSocket))
	opts.SetReconnection(false)

	namespace := in.Text("namespace")
	if namespace == "" {
		namespace = "/"
	}
	io := socket.NewManager(baseURL, opts).Socket(namespace, opts)
	defer func() {
		logger.Debug("Disconnecting socket client")
		io.Disconnect()
	}()

	var connected atomic.Bool
	done := make(chan opResult, 1)
	finish := func(r opResult) {
		select {
		case done <- r:
		default:
		}
	}

	io.On(types.EventName("connect"), func(...any) {
		connected.Store(true)
		logger.Info("Successfully connected", "namespace", namespace, "sid", io.Id())
		if emitEvent != "" {
			logger.Info("Emitting event", "event", emitEvent)
			if err := io.Emit(emitEvent, emitData); err != nil {
				finish(opResult{err: fmt.Errorf("failed to emit '%s': %w", emitEvent, err)})
			}
		}
	})
	io.On(types.EventName("connect_error"), func(errs ...any) {
		err := errors.New("connection refused")
		if len(errs) > 0 {
			if e, ok := errs[0].(error); ok {
				err = e
			}
		}
		finish(opResult{err: executor.Retry(fmt.Errorf("socket.io connection failed: %w", err))})
	})
	io.On(types.EventName(onEvent), func(data ...any) {
		var v any
		if len(data) > 0 {
			v = data[0]
		}
		finish(opResult{value: v})
	})

	io.Connect()

	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	select {
	case <-opCtx.Done():
		if connected.Load() {
			return nil, fmt.Errorf("timed out after connecting while waiting for event '%s'", onEvent)
		}
		return nil, executor.Retry(errors.New("timed out while waiting for initial connection"))
	case res := <-done:
		if res.err != nil {
			return nil, res.err
		}
		return map[string]any{"response_data": res.value}, nil
	}
}

// Register registers the block with the registry.
func (m *Module) Register(r *registry.Registry) {
	r.Register(registry.Block{
		Name:        "socketio",
		Description: "Emits a socket.io event and waits for a reply event.",
		Run:         Run,
	})
}

package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/zishang520/engine.io-client-go/transports"
	"github.com/zishang520/engine.io/v2/types"
	"github.com/zishang520/socket.io-client-go/socket"

	"github.com/vk/blockflow/internal/ctxlog"
	"github.com/vk/blockflow/internal/events"
)

const (
	clientBuffer   = 256
	connectTimeout = 15 * time.Second
)

// Client is a socket.io connection to a progress Server, subscribed to one
// job or session.
type Client struct {
	io     *socket.Socket
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	events chan events.Event
}

// Dial connects to the progress endpoint at rawURL (for example
// http://localhost:8080/socket.io/) and subscribes to sub.
func Dial(ctx context.Context, rawURL string, sub Subscription) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL: %w", err)
	}
	logger := ctxlog.FromContext(ctx).With("component", "progress_client", "url", rawURL)

	opts := socket.DefaultOptions()
	if parsed.Path != "" && parsed.Path != "/" {
		opts.SetPath(parsed.Path)
	}
	opts.SetTransports(types.NewSet(transports.WebSocket))
	query := url.Values{}
	if sub.JobID != "" {
		query.Set("jobId", sub.JobID)
	}
	if sub.SessionID != "" {
		query.Set("sessionId", sub.SessionID)
	}
	opts.SetQuery(query)

	baseURL := fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host)
	io := socket.NewManager(baseURL, opts).Socket("/", opts)

	c := &Client{
		io:     io,
		logger: logger,
		events: make(chan events.Event, clientBuffer),
	}
	io.OnAny(c.onEvent)

	connected := make(chan error, 1)
	io.Once(types.EventName("connect"), func(...any) {
		connected <- nil
	})
	io.Once(types.EventName("connect_error"), func(errs ...any) {
		err := fmt.Errorf("connection refused")
		if len(errs) > 0 {
			if e, ok := errs[0].(error); ok {
				err = e
			}
		}
		connected <- err
	})

	logger.Debug("Connecting to progress endpoint.")
	io.Connect()

	select {
	case err := <-connected:
		if err != nil {
			io.Disconnect()
			return nil, fmt.Errorf("socket.io connection failed: %w", err)
		}
		logger.Debug("Connected to progress endpoint.", "sid", io.Id())
		return c, nil
	case <-ctx.Done():
		io.Disconnect()
		return nil, ctx.Err()
	case <-time.After(connectTimeout):
		io.Disconnect()
		return nil, fmt.Errorf("timed out after %s waiting for socket.io connection", connectTimeout)
	}
}

// Events returns the stream of received events. It is closed by Close.
func (c *Client) Events() <-chan events.Event {
	return c.events
}

// Close disconnects and closes the event stream.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.io.Disconnect()
	close(c.events)
}

func (c *Client) onEvent(args ...any) {
	if len(args) < 2 {
		return
	}
	raw, err := json.Marshal(args[1])
	if err != nil {
		return
	}
	var ev events.Event
	if err := json.Unmarshal(raw, &ev); err != nil || ev.Kind == "" {
		c.logger.Debug("Ignoring unrecognised message.", "name", args[0])
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.events <- ev:
	default:
		c.logger.Warn("Progress client is falling behind, dropping event.", "kind", ev.Kind)
	}
}

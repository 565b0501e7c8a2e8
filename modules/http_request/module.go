// Package http_request provides the "http_request" block.
//
// Data (each may also arrive as an upstream input):
//
//	url            required
//	method         defaults to GET
//	headers        map of header values
//	body           request body; maps and lists are sent as JSON
//	timeout        "10s" or a number of seconds, default 30s
//	fail_on_status defaults to true; responses of 400 and above fail the node
//
// Outputs are status_code, status, headers and body. Server errors,
// throttling and timeouts are reported as retryable so queue workers can try
// again.
package http_request

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/vk/blockflow/internal/ctxlog"
	"github.com/vk/blockflow/internal/executor"
	"github.com/vk/blockflow/internal/registry"
)

const defaultTimeout = 30 * time.Second

// Module implements the registry.Module interface for this package.
type Module struct {
	// Client defaults to a pooled client shared by every request.
	Client *http.Client
}

// New creates the module with a pooled client.
func New() *Module {
	return &Module{Client: &http.Client{
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}}
}

// Run performs the request.
func (m *Module) Run(ctx context.Context, in registry.Input) (map[string]any, error) {
	url := in.Text("url")
	if url == "" {
		return nil, errors.New("url is required")
	}
	method := strings.ToUpper(in.Text("method"))
	if method == "" {
		method = http.MethodGet
	}
	timeout, err := in.Duration("timeout", defaultTimeout)
	if err != nil {
		return nil, err
	}

	body, contentType, err := requestBody(in)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if headers, ok := in.Data["headers"].(map[string]any); ok {
		for k, v := range headers {
			req.Header.Set(k, fmt.Sprint(v))
		}
	}

	logger := ctxlog.FromContext(ctx)
	logger.Info("Making HTTP request", "method", method, "url", url)

	client := m.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		err = fmt.Errorf("failed to execute request: %w", err)
		if transient(err) {
			return nil, executor.Retry(err)
		}
		return nil, err
	}
	defer resp.Body.Close()

	logger.Info("Received HTTP response", "status", resp.Status)

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, executor.Retry(fmt.Errorf("failed to read response body: %w", err))
	}

	if resp.StatusCode >= 400 && failOnStatus(in) {
		err := fmt.Errorf("%s %s returned %s", method, url, resp.Status)
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, executor.Retry(err)
		}
		return nil, err
	}

	headers := make(map[string]any, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	return map[string]any{
		"status_code": resp.StatusCode,
		"status":      resp.Status,
		"headers":     headers,
		"body":        string(respBody),
	}, nil
}

func requestBody(in registry.Input) (io.Reader, string, error) {
	v, ok := in.Get("body")
	if !ok {
		return nil, "", nil
	}
	switch b := v.(type) {
	case string:
		return strings.NewReader(b), "", nil
	case map[string]any, []any:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, "", fmt.Errorf("failed to encode body: %w", err)
		}
		return bytes.NewReader(data), "application/json", nil
	default:
		return strings.NewReader(fmt.Sprint(b)), "", nil
	}
}

func failOnStatus(in registry.Input) bool {
	v, ok := in.Data["fail_on_status"].(bool)
	return !ok || v
}

func transient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Register registers the block with the registry.
func (m *Module) Register(r *registry.Registry) {
	r.Register(registry.Block{
		Name:        "http_request",
		Description: "Performs an HTTP request and publishes the response.",
		Run:         m.Run,
	})
}

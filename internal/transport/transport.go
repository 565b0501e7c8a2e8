// Package transport dispatches node-execution tasks through the queue store
// and correlates asynchronous results back to the caller by task id.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vk/blockflow/internal/ctxlog"
	"github.com/vk/blockflow/internal/queuestore"
)

// Broker is the subset of the queue store the transport depends on.
type Broker interface {
	AssertExchange(ctx context.Context, name, kind string, options map[string]any) error
	AssertQueue(ctx context.Context, name string, opts queuestore.QueueOptions) error
	BindQueue(ctx context.Context, queue, exchange, routingKey string) error
	Publish(ctx context.Context, exchange, routingKey string, payload []byte, opts queuestore.PublishOptions) (int64, error)
	Consume(ctx context.Context, queue string, handler queuestore.Handler, opts queuestore.ConsumeOptions) (string, error)
	Cancel(tag string)
}

// Options configures a Transport. Zero values fall back to the defaults below.
type Options struct {
	// ShardID scopes the results queue to this process. Empty generates one.
	ShardID           string
	TaskExchange      string
	ResultExchange    string
	DefaultRoutingKey string
	// PinnedConsumers maps an integration key to a routing key that always
	// wins over the requested one.
	PinnedConsumers map[string]string
	// FixedQueueSuffix, when set, is appended as "_<suffix>" to every
	// routing key that is not pinned.
	FixedQueueSuffix  string
	ResultConcurrency int
	PollInterval      time.Duration
}

const (
	DefaultTaskExchange      = "tasks"
	DefaultResultExchange    = "results"
	DefaultRoutingKey        = "tasks"
	defaultResultConcurrency = 16
)

type outcome struct {
	payload json.RawMessage
	err     error
}

// Transport publishes tasks and waits for their results.
type Transport struct {
	broker       Broker
	opts         Options
	resultsQueue string
	tag          string
	logger       *slog.Logger

	mu        sync.Mutex
	closed    bool
	listeners map[string]chan outcome
}

// New declares the results topology for this shard and starts consuming it.
func New(ctx context.Context, broker Broker, opts Options) (*Transport, error) {
	if opts.ShardID == "" {
		opts.ShardID = uuid.NewString()
	}
	if opts.TaskExchange == "" {
		opts.TaskExchange = DefaultTaskExchange
	}
	if opts.ResultExchange == "" {
		opts.ResultExchange = DefaultResultExchange
	}
	if opts.DefaultRoutingKey == "" {
		opts.DefaultRoutingKey = DefaultRoutingKey
	}
	if opts.ResultConcurrency < 1 {
		opts.ResultConcurrency = defaultResultConcurrency
	}

	ctx, logger := ctxlog.With(ctx, "component", "transport", "shard", opts.ShardID)
	t := &Transport{
		broker:       broker,
		opts:         opts,
		resultsQueue: ResultRoutingKey(opts.ShardID),
		logger:       logger,
		listeners:    make(map[string]chan outcome),
	}

	if err := broker.AssertExchange(ctx, opts.TaskExchange, queuestore.ExchangeDirect, nil); err != nil {
		return nil, err
	}
	if err := broker.AssertExchange(ctx, opts.ResultExchange, queuestore.ExchangeDirect, nil); err != nil {
		return nil, err
	}
	if err := broker.AssertQueue(ctx, t.resultsQueue, queuestore.QueueOptions{}); err != nil {
		return nil, err
	}
	if err := broker.BindQueue(ctx, t.resultsQueue, opts.ResultExchange, t.resultsQueue); err != nil {
		return nil, err
	}

	tag, err := broker.Consume(ctx, t.resultsQueue, t.handleResult, queuestore.ConsumeOptions{
		Concurrency:  opts.ResultConcurrency,
		PollInterval: opts.PollInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to consume results queue %s: %w", t.resultsQueue, err)
	}
	t.tag = tag

	logger.Debug("Transport ready.", "results_queue", t.resultsQueue)
	return t, nil
}

// ShardID returns the shard this transport receives results on.
func (t *Transport) ShardID() string { return t.opts.ShardID }

// TaskExchange returns the exchange tasks are published to by default.
func (t *Transport) TaskExchange() string { return t.opts.TaskExchange }

// Route applies the routing overrides to a requested routing key.
func (t *Transport) Route(integrationKey, routingKey string) string {
	if routingKey == "" {
		routingKey = t.opts.DefaultRoutingKey
	}
	if pinned := t.opts.PinnedConsumers[integrationKey]; pinned != "" {
		return pinned
	}
	if t.opts.FixedQueueSuffix != "" {
		return routingKey + "_" + t.opts.FixedQueueSuffix
	}
	return routingKey
}

// Publish sends msg without waiting for a result.
func (t *Transport) Publish(ctx context.Context, exchange, routingKey string, msg TaskMessage) error {
	if exchange == "" {
		exchange = t.opts.TaskExchange
	}
	if msg.ShardID == "" {
		msg.ShardID = t.opts.ShardID
	}
	routingKey = t.Route(msg.Integration.Key, routingKey)
	return t.send(ctx, exchange, routingKey, msg)
}

// PublishAwaitable sends msg under a fresh task id and blocks until the
// matching result arrives or ctx ends. There is no built-in timeout; the
// caller bounds the wait through ctx.
func (t *Transport) PublishAwaitable(ctx context.Context, exchange, routingKey string, msg TaskMessage) (json.RawMessage, error) {
	if exchange == "" {
		exchange = t.opts.TaskExchange
	}
	msg.TaskID = uuid.NewString()
	msg.ShardID = t.opts.ShardID
	routingKey = t.Route(msg.Integration.Key, routingKey)

	ch := make(chan outcome, 1)
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrTransportClosed
	}
	t.listeners[msg.TaskID] = ch
	t.mu.Unlock()
	defer t.forget(msg.TaskID)

	if err := t.send(ctx, exchange, routingKey, msg); err != nil {
		return nil, err
	}
	t.logger.Debug("Awaiting task result.", "task_id", msg.TaskID, "routing_key", routingKey)

	select {
	case o := <-ch:
		return o.payload, o.err
	case <-ctx.Done():
		return nil, fmt.Errorf("task %s abandoned: %w", msg.TaskID, ctx.Err())
	}
}

// PublishResult sends a worker's result to the shard named in the task.
func (t *Transport) PublishResult(ctx context.Context, shardID string, res Result) error {
	payload, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("failed to encode result for task %s: %w", res.TaskID, err)
	}
	key := ResultRoutingKey(shardID)
	if _, err := t.broker.Publish(ctx, t.opts.ResultExchange, key, payload, queuestore.PublishOptions{
		Headers: map[string]string{HeaderTaskID: res.TaskID, HeaderShardID: shardID},
	}); err != nil {
		return fmt.Errorf("failed to publish result for task %s: %w", res.TaskID, err)
	}
	return nil
}

// Pending returns the number of callers currently waiting for a result.
func (t *Transport) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.listeners)
}

// Close stops consuming results and releases every waiting caller with
// ErrTransportClosed.
func (t *Transport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	listeners := t.listeners
	t.listeners = make(map[string]chan outcome)
	t.mu.Unlock()

	t.broker.Cancel(t.tag)
	for _, ch := range listeners {
		ch <- outcome{err: ErrTransportClosed}
	}
	t.logger.Debug("Transport closed.", "released", len(listeners))
}

func (t *Transport) send(ctx context.Context, exchange, routingKey string, msg TaskMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode task: %w", err)
	}
	headers := map[string]string{
		HeaderShardID:               msg.ShardID,
		queuestore.HeaderRetryCount: strconv.Itoa(0),
	}
	if msg.TaskID != "" {
		headers[HeaderTaskID] = msg.TaskID
	}
	if _, err := t.broker.Publish(ctx, exchange, routingKey, payload, queuestore.PublishOptions{Headers: headers}); err != nil {
		return fmt.Errorf("failed to publish task to %s/%s: %w", exchange, routingKey, err)
	}
	return nil
}

func (t *Transport) forget(taskID string) {
	t.mu.Lock()
	delete(t.listeners, taskID)
	t.mu.Unlock()
}

// handleResult resolves the listener for a result. Every result is acked,
// including malformed ones and results nobody waits for.
func (t *Transport) handleResult(_ context.Context, d *queuestore.Delivery) {
	defer d.Ack()

	var res Result
	if err := json.Unmarshal(d.Payload, &res); err != nil {
		t.logger.Warn("Dropping malformed result.", "id", d.ID, "error", err)
		return
	}

	t.mu.Lock()
	ch, ok := t.listeners[res.TaskID]
	delete(t.listeners, res.TaskID)
	t.mu.Unlock()
	if !ok {
		t.logger.Warn("Dropping result for unknown task.", "task_id", res.TaskID)
		return
	}

	if res.Error != nil {
		ch <- outcome{err: &RemoteError{TaskID: res.TaskID, Message: res.Error.Message, Code: res.Error.Code, Server: res.Server}}
		return
	}
	ch <- outcome{payload: res.Result}
	t.logger.Debug("Task result delivered.", "task_id", res.TaskID, "server", res.Server.Hostname)
}

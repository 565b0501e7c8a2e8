package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/vk/blockflow/internal/ctxlog"
	"github.com/vk/blockflow/internal/queuestore"
	"github.com/vk/blockflow/internal/registry"
	"github.com/vk/blockflow/internal/transport"
)

// ProtocolQueue is the protocol a Worker reports in its results.
const ProtocolQueue = "queue"

// TaskTransport is the part of the transport a Worker needs.
type TaskTransport interface {
	DeclareTaskQueue(ctx context.Context, queue, routingKey string, retryDelay time.Duration) error
	ConsumeTasks(ctx context.Context, queue string, concurrency int, handler queuestore.Handler) (string, error)
	StopConsuming(tag string)
	PublishResult(ctx context.Context, shardID string, res transport.Result) error
	Retry(ctx context.Context, routingKey string, payload []byte, headers map[string]string, attempt int) error
}

// WorkerOptions configures a Worker.
type WorkerOptions struct {
	// Queues to consume. Each is bound to the task exchange under its own
	// name as routing key.
	Queues      []string
	Concurrency int
	// MaxRetries is the number of extra attempts a retryable failure gets.
	MaxRetries int
	RetryDelay time.Duration
	// Hostname defaults to os.Hostname.
	Hostname string
}

// Worker consumes task queues and executes the blocks they name.
type Worker struct {
	tr       TaskTransport
	registry *registry.Registry
	opts     WorkerOptions
	server   transport.Server

	mu   sync.Mutex
	tags []string
}

// NewWorker creates a worker. Call Start to begin consuming.
func NewWorker(tr TaskTransport, r *registry.Registry, opts WorkerOptions) *Worker {
	if len(opts.Queues) == 0 {
		opts.Queues = []string{transport.DefaultRoutingKey}
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	if opts.Hostname == "" {
		opts.Hostname, _ = os.Hostname()
	}
	return &Worker{
		tr:       tr,
		registry: r,
		opts:     opts,
		server:   transport.Server{Hostname: opts.Hostname, Protocol: ProtocolQueue},
	}
}

// Start declares the task queues and starts one consumer per queue. The
// consumers run until ctx ends or Stop is called.
func (w *Worker) Start(ctx context.Context) error {
	logger := ctxlog.FromContext(ctx)
	for _, q := range w.opts.Queues {
		if err := w.tr.DeclareTaskQueue(ctx, q, q, w.opts.RetryDelay); err != nil {
			return fmt.Errorf("failed to declare task queue %s: %w", q, err)
		}
		tag, err := w.tr.ConsumeTasks(ctx, q, w.opts.Concurrency, w.handle)
		if err != nil {
			w.Stop()
			return err
		}
		w.mu.Lock()
		w.tags = append(w.tags, tag)
		w.mu.Unlock()
		logger.Info("👷 Worker consuming queue.", "queue", q, "concurrency", w.opts.Concurrency, "max_retries", w.opts.MaxRetries)
	}
	return nil
}

// Stop cancels every consumer started by Start.
func (w *Worker) Stop() {
	w.mu.Lock()
	tags := w.tags
	w.tags = nil
	w.mu.Unlock()
	for _, tag := range tags {
		w.tr.StopConsuming(tag)
	}
}

func (w *Worker) handle(ctx context.Context, d *queuestore.Delivery) {
	defer d.Ack()

	var msg transport.TaskMessage
	if err := json.Unmarshal(d.Payload, &msg); err != nil {
		ctxlog.FromContext(ctx).Warn("Dropping malformed task.", "id", d.ID, "error", err)
		return
	}
	logger := ctxlog.FromContext(ctx).With("task_id", msg.TaskID, "block", msg.Integration.Block, "attempt", d.RetryCount)
	if jc := msg.JobContext; jc != nil {
		logger = logger.With("job_id", jc.JobID, "node_id", jc.NodeID)
	}
	ctx = ctxlog.WithLogger(ctx, logger)

	out, err := w.execute(ctx, msg)
	if err != nil && Retryable(err) && d.RetryCount < w.opts.MaxRetries {
		logger.Warn("Task failed, scheduling retry.", "error", err, "delay", w.opts.RetryDelay)
		rerr := w.tr.Retry(ctx, d.RoutingKey, d.Payload, d.Headers, d.RetryCount+1)
		if rerr == nil {
			return
		}
		logger.Error("Failed to schedule retry.", "error", rerr)
	}

	res := transport.Result{TaskID: msg.TaskID, Server: w.server}
	switch {
	case err != nil:
		res.Error = w.errorPayload(err, d.RetryCount)
		logger.Warn("Task failed.", "error", err, "code", res.Error.Code)
	default:
		payload, merr := json.Marshal(out)
		if merr != nil {
			res.Error = &transport.ErrorPayload{Message: fmt.Sprintf("failed to encode outputs: %v", merr), Code: CodeFailed}
		} else {
			res.Result = payload
		}
		logger.Debug("Task succeeded.")
	}

	if msg.TaskID == "" {
		return
	}
	if err := w.tr.PublishResult(ctx, msg.ShardID, res); err != nil {
		logger.Error("Failed to publish task result.", "error", err)
	}
}

func (w *Worker) execute(ctx context.Context, msg transport.TaskMessage) (map[string]any, error) {
	b, ok := w.registry.Lookup(msg.Integration.Block)
	if !ok {
		return nil, &taskError{code: CodeUnknownBlock, err: fmt.Errorf("unknown block '%s'", msg.Integration.Block)}
	}
	var body TaskBody
	if len(msg.Body) > 0 {
		if err := json.Unmarshal(msg.Body, &body); err != nil {
			return nil, &taskError{code: CodeBadRequest, err: fmt.Errorf("failed to decode task body: %w", err)}
		}
	}
	return runBlock(ctx, b, registry.Input{Data: body.Data, Inputs: body.Inputs})
}

func (w *Worker) errorPayload(err error, attempt int) *transport.ErrorPayload {
	var te *taskError
	switch {
	case errors.As(err, &te):
		return &transport.ErrorPayload{Message: te.err.Error(), Code: te.code}
	case Retryable(err) && w.opts.MaxRetries > 0 && attempt >= w.opts.MaxRetries:
		return &transport.ErrorPayload{Message: err.Error(), Code: CodeRetriesExhausted}
	default:
		return &transport.ErrorPayload{Message: err.Error(), Code: CodeFailed}
	}
}

type taskError struct {
	code string
	err  error
}

func (e *taskError) Error() string { return e.err.Error() }

func (e *taskError) Unwrap() error { return e.err }

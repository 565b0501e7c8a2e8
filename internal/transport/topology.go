package transport

import (
	"context"
	"fmt"
	"maps"
	"strconv"
	"time"

	"github.com/vk/blockflow/internal/queuestore"
)

// RetryExchange is the exchange retried tasks are parked on until their
// delay expires.
func (t *Transport) RetryExchange() string {
	return t.opts.TaskExchange + ".retry"
}

// DeclareTaskQueue asserts queue and binds it to the task exchange under
// routingKey. With a positive retryDelay it also declares "<queue>.retry",
// whose messages dead-letter back to the task exchange after retryDelay.
func (t *Transport) DeclareTaskQueue(ctx context.Context, queue, routingKey string, retryDelay time.Duration) error {
	if err := t.broker.AssertQueue(ctx, queue, queuestore.QueueOptions{}); err != nil {
		return err
	}
	if err := t.broker.BindQueue(ctx, queue, t.opts.TaskExchange, routingKey); err != nil {
		return err
	}
	if retryDelay <= 0 {
		return nil
	}

	retryQueue := queue + ".retry"
	if err := t.broker.AssertExchange(ctx, t.RetryExchange(), queuestore.ExchangeDirect, nil); err != nil {
		return err
	}
	if err := t.broker.AssertQueue(ctx, retryQueue, queuestore.QueueOptions{
		DeadLetterExchange:   t.opts.TaskExchange,
		DeadLetterRoutingKey: routingKey,
		MessageTTL:           retryDelay,
	}); err != nil {
		return err
	}
	if err := t.broker.BindQueue(ctx, retryQueue, t.RetryExchange(), routingKey); err != nil {
		return err
	}
	t.logger.Debug("Task queue declared.", "queue", queue, "routing_key", routingKey, "retry_delay", retryDelay)
	return nil
}

// Retry parks a task on the retry exchange with its retry counter set to
// attempt. It comes back on routingKey once the retry queue's TTL expires.
func (t *Transport) Retry(ctx context.Context, routingKey string, payload []byte, headers map[string]string, attempt int) error {
	h := maps.Clone(headers)
	if h == nil {
		h = map[string]string{}
	}
	h[queuestore.HeaderRetryCount] = strconv.Itoa(attempt)
	if _, err := t.broker.Publish(ctx, t.RetryExchange(), routingKey, payload, queuestore.PublishOptions{Headers: h}); err != nil {
		return fmt.Errorf("failed to schedule retry %d on %s: %w", attempt, routingKey, err)
	}
	return nil
}

// ConsumeTasks delivers tasks routed to queue to handler, at most
// concurrency at a time. Stop the consumer with StopConsuming.
func (t *Transport) ConsumeTasks(ctx context.Context, queue string, concurrency int, handler queuestore.Handler) (string, error) {
	tag, err := t.broker.Consume(ctx, queue, handler, queuestore.ConsumeOptions{
		Concurrency:  concurrency,
		PollInterval: t.opts.PollInterval,
	})
	if err != nil {
		return "", fmt.Errorf("failed to consume task queue %s: %w", queue, err)
	}
	return tag, nil
}

// StopConsuming cancels a consumer started with ConsumeTasks.
func (t *Transport) StopConsuming(tag string) {
	t.broker.Cancel(tag)
}

package queuestore

import (
	"errors"
	"time"
)

var (
	// ErrClosed is returned by operations on a store that has been closed.
	ErrClosed = errors.New("queue store is closed")
	// ErrUnknownQueue is returned when consuming a queue that was never asserted.
	ErrUnknownQueue = errors.New("unknown queue")
)

// HeaderRetryCount is the header the retry counter is mirrored from.
const HeaderRetryCount = "retry_count"

// ExchangeDirect is the only exchange type with routing semantics.
const ExchangeDirect = "direct"

// Status is the delivery status of a stored message.
type Status string

const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
)

// Message is a single persisted message.
type Message struct {
	ID         int64
	Exchange   string
	RoutingKey string
	Status     Status
	Payload    []byte
	Headers    map[string]string
	RetryCount int
	CreatedAt  time.Time
}

// QueueOptions configures a queue at assertion time.
type QueueOptions struct {
	DeadLetterExchange   string
	DeadLetterRoutingKey string
	// MessageTTL of zero disables expiry.
	MessageTTL time.Duration
}

// PublishOptions carries per-message metadata.
type PublishOptions struct {
	Headers map[string]string
}

// ConsumeOptions bounds a consumer.
type ConsumeOptions struct {
	// Concurrency is the number of unacknowledged deliveries a consumer may
	// hold at once. Values below one are treated as one.
	Concurrency int
	// PollInterval is the fallback polling period. Zero uses DefaultPollInterval.
	PollInterval time.Duration
}

// DefaultPollInterval is used when ConsumeOptions.PollInterval is zero.
const DefaultPollInterval = time.Second

// QueueStats summarizes the messages currently routed to a queue.
type QueueStats struct {
	Queue     string
	Sent      int
	Delivered int
}

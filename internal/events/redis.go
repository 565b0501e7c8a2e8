package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vk/blockflow/internal/ctxlog"
	"github.com/vk/blockflow/internal/job"
)

// DefaultRedisPrefix namespaces every key and channel the Redis sink writes.
const DefaultRedisPrefix = "blockflow"

const redisSinkBuffer = 256

// OpenRedis connects to the Redis server at url and verifies it answers.
func OpenRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to reach redis: %w", err)
	}
	return client, nil
}

// RedisChannel is the pub/sub channel events for jobID are published on.
func RedisChannel(prefix, jobID string) string {
	return prefix + ":jobs:" + jobID
}

func redisSnapshotKey(prefix, jobID string) string {
	return prefix + ":jobs:" + jobID + ":snapshot"
}

// RedisSink publishes events to per-job Redis channels and keeps the latest
// job snapshot under a key that expires after ttl. Publishing happens on a
// background goroutine; Handle never blocks.
type RedisSink struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	queue  chan Event
	done   chan struct{}
}

// NewRedisSink starts a sink writing through client.
func NewRedisSink(ctx context.Context, client *redis.Client, prefix string, ttl time.Duration) *RedisSink {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	s := &RedisSink{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		logger: ctxlog.FromContext(ctx).With("component", "redis_sink"),
		queue:  make(chan Event, redisSinkBuffer),
		done:   make(chan struct{}),
	}
	go s.run(context.WithoutCancel(ctx))
	return s
}

// Handle implements Sink.
func (s *RedisSink) Handle(_ context.Context, ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.queue <- ev:
	default:
		s.logger.Warn("Redis sink is saturated, dropping event.", "kind", ev.Kind, "job_id", ev.JobID)
	}
}

// Close flushes queued events and stops the sink. It does not close the client.
func (s *RedisSink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()
	<-s.done
}

func (s *RedisSink) run(ctx context.Context) {
	defer close(s.done)
	for ev := range s.queue {
		payload, err := json.Marshal(ev)
		if err != nil {
			s.logger.Error("Failed to encode event.", "error", err)
			continue
		}
		if err := s.client.Publish(ctx, RedisChannel(s.prefix, ev.JobID), payload).Err(); err != nil {
			s.logger.Error("Failed to publish event to redis.", "kind", ev.Kind, "error", err)
			continue
		}
		if ev.Job == nil {
			continue
		}
		snap, err := json.Marshal(ev.Job)
		if err != nil {
			continue
		}
		if err := s.client.Set(ctx, redisSnapshotKey(s.prefix, ev.JobID), snap, s.ttl).Err(); err != nil {
			s.logger.Error("Failed to store job snapshot in redis.", "error", err)
		}
	}
}

// LatestSnapshot returns the last snapshot the sink stored for jobID, or
// nil when none is stored.
func LatestSnapshot(ctx context.Context, client *redis.Client, prefix, jobID string) (*job.Snapshot, error) {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	data, err := client.Get(ctx, redisSnapshotKey(prefix, jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var snap job.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot of job %s: %w", jobID, err)
	}
	return &snap, nil
}

// SubscribeRedis streams events for jobID published by any RedisSink using
// prefix. The channel closes when ctx ends.
func SubscribeRedis(ctx context.Context, client *redis.Client, prefix, jobID string) (<-chan Event, error) {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	pubsub := client.Subscribe(ctx, RedisChannel(prefix, jobID))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to job %s: %w", jobID, err)
	}

	logger := ctxlog.FromContext(ctx)
	out := make(chan Event, 16)
	go func() {
		defer close(out)
		defer pubsub.Close()
		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil {
					logger.Warn("Ignoring malformed event from redis.", "error", err)
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

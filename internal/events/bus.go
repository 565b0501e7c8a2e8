// Package events carries job progress notifications from the scheduler to
// whoever is watching: in-process subscribers, logs, socket.io rooms and
// Redis channels.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/vk/blockflow/internal/ctxlog"
	"github.com/vk/blockflow/internal/graph"
	"github.com/vk/blockflow/internal/job"
)

// Kind names a progress notification.
type Kind string

const (
	JobStarted   Kind = "job-started"
	JobFinished  Kind = "job-finished"
	NodeStarted  Kind = "node-started"
	NodeFinished Kind = "node-finished"
	JobError     Kind = "job-error"
	JobUpdate    Kind = "job-update"
)

// Event is one progress notification.
type Event struct {
	Kind      Kind           `json:"kind"`
	JobID     string         `json:"jobId"`
	NodeID    string         `json:"nodeId,omitempty"`
	NodeName  string         `json:"nodeName,omitempty"`
	Block     string         `json:"block,omitempty"`
	NodeState graph.RunState `json:"nodeState,omitempty"`
	Error     string         `json:"error,omitempty"`
	Job       *job.Snapshot  `json:"job,omitempty"`
	Context   job.Context    `json:"context"`
	Time      time.Time      `json:"time"`
}

// Key selects events. An empty Kind or JobID matches any value.
type Key struct {
	Kind  Kind
	JobID string
}

func (k Key) matches(ev Event) bool {
	return (k.Kind == "" || k.Kind == ev.Kind) && (k.JobID == "" || k.JobID == ev.JobID)
}

// Sink receives every published event. Handle must not block for long; slow
// sinks buffer internally.
type Sink interface {
	Handle(ctx context.Context, ev Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev Event)

// Handle implements Sink.
func (f SinkFunc) Handle(ctx context.Context, ev Event) { f(ctx, ev) }

type subscription struct {
	key Key
	ch  chan Event
}

// Bus fans events out to sinks and subscribers.
type Bus struct {
	mu     sync.RWMutex
	sinks  []Sink
	subs   map[int]*subscription
	nextID int
}

// NewBus creates an empty bus.
func NewBus(sinks ...Sink) *Bus {
	return &Bus{
		sinks: sinks,
		subs:  make(map[int]*subscription),
	}
}

// AddSink registers a sink for all future events.
func (b *Bus) AddSink(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, s)
}

// Subscribe returns a channel receiving events matching key, and a function
// that cancels the subscription and closes the channel. When the subscriber
// falls more than buffer events behind, new events are dropped for it.
func (b *Bus) Subscribe(key Key, buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	sub := &subscription{key: key, ch: make(chan Event, buffer)}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(sub.ch)
		})
	}
}

// Publish stamps ev and delivers it to every sink and matching subscriber.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, s := range b.sinks {
		s.Handle(ctx, ev)
	}
	for _, sub := range b.subs {
		if !sub.key.matches(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			ctxlog.FromContext(ctx).Warn("Dropping event for slow subscriber.", "kind", ev.Kind, "job_id", ev.JobID)
		}
	}
}

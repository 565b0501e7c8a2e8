package queuestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vk/blockflow/internal/ctxlog"
)

// Handler processes one delivery. It must settle the delivery with Ack or
// Nack, possibly from another goroutine; the slot it occupies is held until
// then.
type Handler func(ctx context.Context, d *Delivery)

// Delivery is a message handed to a consumer.
type Delivery struct {
	Message

	store   *Store
	release func()
	once    sync.Once
}

// Ack removes the message from the store. Only the first settle call has an
// effect.
func (d *Delivery) Ack() error {
	return d.settle()
}

// Nack rejects the message. Rejected messages are dropped, not requeued.
func (d *Delivery) Nack() error {
	return d.settle()
}

func (d *Delivery) settle() error {
	var err error
	d.once.Do(func() {
		defer d.release()
		if _, execErr := d.store.db.ExecContext(d.store.bgCtx, `delete from messages where id = ?`, d.ID); execErr != nil {
			err = fmt.Errorf("failed to settle message %d: %w", d.ID, execErr)
			return
		}
		d.store.disarmExpiry(d.ID)
	})
	return err
}

type consumer struct {
	store   *Store
	tag     string
	queue   string
	handler Handler
	limit   int
	poll    time.Duration

	mu     sync.Mutex
	active int

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Consume registers handler on queue and returns a consumer tag for Cancel.
// The consumer stops when ctx is cancelled, when Cancel is called with its
// tag, or when the store is closed.
func (s *Store) Consume(ctx context.Context, queue string, handler Handler, opts ConsumeOptions) (string, error) {
	if err := s.checkOpen(); err != nil {
		return "", err
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `select count(*) from queues where name = ?`, queue).Scan(&n); err != nil {
		return "", fmt.Errorf("failed to look up queue %s: %w", queue, err)
	}
	if n == 0 {
		return "", fmt.Errorf("%w: %s", ErrUnknownQueue, queue)
	}

	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}

	tag := "ctag-" + uuid.NewString()
	cctx, logger := ctxlog.With(ctx, "queue", queue, "consumer", tag)
	cctx, cancel := context.WithCancel(cctx)
	c := &consumer{
		store:   s,
		tag:     tag,
		queue:   queue,
		handler: handler,
		limit:   opts.Concurrency,
		poll:    opts.PollInterval,
		wake:    make(chan struct{}, 1),
		ctx:     cctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return "", ErrClosed
	}
	s.consumers[tag] = c
	s.mu.Unlock()

	go c.run()
	logger.Debug("Consumer started.", "concurrency", c.limit, "poll_interval", c.poll)
	return tag, nil
}

// Cancel stops the consumer with the given tag. Deliveries already handed out
// stay valid and can still be settled.
func (s *Store) Cancel(tag string) {
	s.mu.Lock()
	c, ok := s.consumers[tag]
	delete(s.consumers, tag)
	s.mu.Unlock()
	if ok {
		c.stop()
	}
}

func (c *consumer) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *consumer) stop() {
	c.cancel()
	<-c.done
}

func (c *consumer) run() {
	logger := ctxlog.FromContext(c.ctx)
	defer close(c.done)
	defer func() {
		c.store.mu.Lock()
		if cur, ok := c.store.consumers[c.tag]; ok && cur == c {
			delete(c.store.consumers, c.tag)
		}
		c.store.mu.Unlock()
		logger.Debug("Consumer stopped.")
	}()

	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	for {
		c.drain()
		select {
		case <-c.ctx.Done():
			return
		case <-c.wake:
		case <-ticker.C:
		}
	}
}

// drain claims messages until the queue is empty or every slot is taken.
func (c *consumer) drain() {
	for c.ctx.Err() == nil {
		free := c.free()
		if free == 0 {
			return
		}
		msgs, err := c.store.claim(c.ctx, c.queue, free)
		if err != nil {
			if c.ctx.Err() == nil {
				ctxlog.FromContext(c.ctx).Error("Failed to claim messages.", "error", err)
			}
			return
		}
		if len(msgs) == 0 {
			return
		}
		for _, m := range msgs {
			c.deliver(m)
		}
	}
}

func (c *consumer) free() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.limit - c.active
}

func (c *consumer) release() {
	c.mu.Lock()
	c.active--
	c.mu.Unlock()
	c.signal()
}

func (c *consumer) deliver(m *Message) {
	c.mu.Lock()
	c.active++
	c.mu.Unlock()

	if !c.store.track() {
		// The row stays delivered and is returned to the queue on the next Open.
		c.release()
		return
	}

	d := &Delivery{Message: *m, store: c.store, release: c.release}
	go func() {
		defer c.store.handlers.Done()
		defer func() {
			if r := recover(); r != nil {
				ctxlog.FromContext(c.ctx).Error("Consumer handler panicked, rejecting message.", "id", d.ID, "panic", r)
				d.Nack()
			}
		}()
		c.handler(c.ctx, d)
	}()
}

// claim marks up to limit messages routed to queue as delivered, at most one
// per binding, oldest first.
func (s *Store) claim(ctx context.Context, queue string, limit int) ([]*Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	type binding struct{ exchange, routingKey string }
	rows, err := tx.QueryContext(ctx,
		`select exchange, routing_key from bindings where queue = ? order by exchange, routing_key`, queue)
	if err != nil {
		return nil, fmt.Errorf("failed to list bindings of %s: %w", queue, err)
	}
	var bindings []binding
	for rows.Next() {
		var b binding
		if err := rows.Scan(&b.exchange, &b.routingKey); err != nil {
			rows.Close()
			return nil, err
		}
		bindings = append(bindings, b)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var out []*Message
	for _, b := range bindings {
		if len(out) >= limit {
			break
		}
		m, err := scanMessage(tx.QueryRowContext(ctx,
			`select `+messageColumns+` from messages
			 where exchange = ? and routing_key = ? and status = ? order by id limit 1`,
			b.exchange, b.routingKey, StatusSent))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, `update messages set status = ? where id = ?`, StatusDelivered, m.ID); err != nil {
			return nil, fmt.Errorf("failed to mark message %d delivered: %w", m.ID, err)
		}
		m.Status = StatusDelivered
		out = append(out, m)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

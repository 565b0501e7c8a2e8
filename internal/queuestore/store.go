package queuestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/vk/blockflow/internal/ctxlog"
)

const schema = `
create table if not exists exchanges (
	name text primary key,
	type text not null,
	options text not null default '{}'
);
create table if not exists queues (
	name text primary key,
	dead_letter_exchange text not null default '',
	dead_letter_routing_key text not null default '',
	message_ttl_ms integer not null default 0
);
create table if not exists bindings (
	exchange text not null,
	queue text not null,
	routing_key text not null,
	primary key (exchange, queue, routing_key)
);
create table if not exists messages (
	id integer primary key autoincrement,
	exchange text not null,
	routing_key text not null,
	status text not null default 'sent',
	payload blob not null,
	headers text not null default '{}',
	retry_count integer not null default 0,
	created_at integer not null
);
create index if not exists messages_route on messages (exchange, routing_key, status, id);
`

// Store is a SQLite-backed message broker. It is safe for concurrent use.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	// bgCtx carries the logger into timer callbacks and consumer loops.
	bgCtx context.Context

	mu        sync.Mutex
	closed    bool
	consumers map[string]*consumer
	timers    map[int64]*time.Timer
	handlers  sync.WaitGroup
}

// Open opens (or creates) the store at path. Use ":memory:" for a throwaway
// store.
func Open(ctx context.Context, path string) (*Store, error) {
	logger := ctxlog.FromContext(ctx).With("component", "queuestore")
	logger.Debug("Opening queue store.", "path", path)

	db, err := sql.Open("sqlite3", fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach queue database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create queue schema: %w", err)
	}

	s := &Store{
		db:        db,
		logger:    logger,
		bgCtx:     ctxlog.WithLogger(context.WithoutCancel(ctx), logger),
		consumers: make(map[string]*consumer),
		timers:    make(map[int64]*time.Timer),
	}

	res, err := db.ExecContext(ctx, `update messages set status = ? where status = ?`, StatusSent, StatusDelivered)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reset in-flight messages: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		logger.Warn("Returned unacknowledged messages to the queue.", "count", n)
	}

	if err := s.rearmExpiries(ctx); err != nil {
		db.Close()
		return nil, err
	}

	logger.Debug("Queue store ready.")
	return s, nil
}

// AssertExchange creates the exchange if it does not exist. Asserting an
// existing exchange is a no-op.
func (s *Store) AssertExchange(ctx context.Context, name, kind string, options map[string]any) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if kind == "" {
		kind = ExchangeDirect
	}
	opts, err := json.Marshal(options)
	if err != nil {
		return fmt.Errorf("failed to encode options for exchange %s: %w", name, err)
	}
	if _, err := s.db.ExecContext(ctx,
		`insert into exchanges (name, type, options) values (?, ?, ?) on conflict(name) do nothing`,
		name, kind, string(opts)); err != nil {
		return fmt.Errorf("failed to assert exchange %s: %w", name, err)
	}
	s.logger.Debug("Exchange asserted.", "exchange", name, "type", kind)
	return nil
}

// AssertQueue creates the queue if it does not exist. Asserting an existing
// queue keeps its original options.
func (s *Store) AssertQueue(ctx context.Context, name string, opts QueueOptions) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		`insert into queues (name, dead_letter_exchange, dead_letter_routing_key, message_ttl_ms)
		 values (?, ?, ?, ?) on conflict(name) do nothing`,
		name, opts.DeadLetterExchange, opts.DeadLetterRoutingKey, opts.MessageTTL.Milliseconds()); err != nil {
		return fmt.Errorf("failed to assert queue %s: %w", name, err)
	}
	s.logger.Debug("Queue asserted.", "queue", name, "dlx", opts.DeadLetterExchange, "ttl", opts.MessageTTL)
	return nil
}

// BindQueue links queue to exchange for routingKey. Binding twice is a no-op.
func (s *Store) BindQueue(ctx context.Context, queue, exchange, routingKey string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		`insert into bindings (exchange, queue, routing_key) values (?, ?, ?) on conflict do nothing`,
		exchange, queue, routingKey); err != nil {
		return fmt.Errorf("failed to bind queue %s to %s/%s: %w", queue, exchange, routingKey, err)
	}
	s.logger.Debug("Queue bound.", "queue", queue, "exchange", exchange, "routing_key", routingKey)
	return nil
}

// Publish persists a message addressed to (exchange, routingKey) and wakes
// every consumer. A routing key without bindings still stores the row; it is
// simply never delivered. It returns the new message id.
func (s *Store) Publish(ctx context.Context, exchange, routingKey string, payload []byte, opts PublishOptions) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	headers := opts.Headers
	if headers == nil {
		headers = map[string]string{}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin publish: %w", err)
	}
	defer tx.Rollback()

	id, err := insertMessage(ctx, tx, exchange, routingKey, payload, headers, time.Now())
	if err != nil {
		return 0, err
	}
	targets, err := expiryTargets(ctx, tx, exchange, routingKey)
	if err != nil {
		return 0, err
	}
	// Armed before commit so a consumer settling the row right away always
	// finds the timer to disarm.
	for _, t := range targets {
		s.armExpiry(id, t, t.ttl)
	}
	if err := tx.Commit(); err != nil {
		s.disarmExpiry(id)
		return 0, fmt.Errorf("failed to commit publish: %w", err)
	}
	s.wakeAll()
	s.logger.Debug("Message published.", "id", id, "exchange", exchange, "routing_key", routingKey, "bytes", len(payload))
	return id, nil
}

// Close stops all consumers and pending timers, waits for running handlers
// to return and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	consumers := make([]*consumer, 0, len(s.consumers))
	for _, c := range s.consumers {
		consumers = append(consumers, c)
	}
	s.consumers = map[string]*consumer{}
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()

	for _, c := range consumers {
		c.stop()
	}
	s.handlers.Wait()
	s.logger.Debug("Queue store closed.")
	return s.db.Close()
}

func (s *Store) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func (s *Store) wakeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.consumers {
		c.signal()
	}
}

func insertMessage(ctx context.Context, tx *sql.Tx, exchange, routingKey string, payload []byte, headers map[string]string, at time.Time) (int64, error) {
	encoded, err := json.Marshal(headers)
	if err != nil {
		return 0, fmt.Errorf("failed to encode headers: %w", err)
	}
	if payload == nil {
		payload = []byte{}
	}
	res, err := tx.ExecContext(ctx,
		`insert into messages (exchange, routing_key, status, payload, headers, retry_count, created_at)
		 values (?, ?, ?, ?, ?, ?, ?)`,
		exchange, routingKey, StatusSent, payload, string(encoded), retryCount(headers), at.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to insert message: %w", err)
	}
	return res.LastInsertId()
}

func retryCount(headers map[string]string) int {
	n, err := strconv.Atoi(headers[HeaderRetryCount])
	if err != nil {
		return 0
	}
	return n
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var (
		m       Message
		status  string
		headers string
		created int64
	)
	if err := row.Scan(&m.ID, &m.Exchange, &m.RoutingKey, &status, &m.Payload, &headers, &m.RetryCount, &created); err != nil {
		return nil, err
	}
	m.Status = Status(status)
	m.CreatedAt = time.UnixMilli(created)
	m.Headers = map[string]string{}
	if err := json.Unmarshal([]byte(headers), &m.Headers); err != nil {
		return nil, fmt.Errorf("failed to decode headers of message %d: %w", m.ID, err)
	}
	return &m, nil
}

const messageColumns = `id, exchange, routing_key, status, payload, headers, retry_count, created_at`

package queuestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// expiryTarget is where an expired message is moved to.
type expiryTarget struct {
	exchange   string
	routingKey string
	ttl        time.Duration
}

// expiryTargets returns the dead-letter destination with the shortest TTL
// among the queues bound to (exchange, routingKey), or nil when none of them
// expires messages.
func expiryTargets(ctx context.Context, tx *sql.Tx, exchange, routingKey string) ([]expiryTarget, error) {
	row := tx.QueryRowContext(ctx, `
		select q.dead_letter_exchange, q.dead_letter_routing_key, q.message_ttl_ms
		from bindings b join queues q on q.name = b.queue
		where b.exchange = ? and b.routing_key = ? and q.message_ttl_ms > 0 and q.dead_letter_exchange != ''
		order by q.message_ttl_ms asc limit 1`, exchange, routingKey)

	var (
		t     expiryTarget
		ttlMs int64
	)
	if err := row.Scan(&t.exchange, &t.routingKey, &ttlMs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to look up expiry for %s/%s: %w", exchange, routingKey, err)
	}
	t.ttl = time.Duration(ttlMs) * time.Millisecond
	return []expiryTarget{t}, nil
}

func (s *Store) armExpiry(id int64, t expiryTarget, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if delay < 0 {
		delay = 0
	}
	s.timers[id] = time.AfterFunc(delay, func() { s.expire(id, t) })
}

// disarmExpiry stops the TTL timer of a settled message.
func (s *Store) disarmExpiry(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
}

// expire moves message id to its dead-letter destination if it is still
// waiting for a consumer.
func (s *Store) expire(id int64, t expiryTarget) {
	if !s.track() {
		return
	}
	defer s.handlers.Done()

	s.mu.Lock()
	delete(s.timers, id)
	s.mu.Unlock()

	ctx := s.bgCtx
	moved, target, err := s.moveToDeadLetter(ctx, id, t)
	if err != nil {
		s.logger.Error("Failed to dead-letter expired message.", "id", id, "error", err)
		return
	}
	if moved == 0 {
		return
	}

	s.wakeAll()
	s.logger.Debug("Message expired to dead-letter exchange.", "id", id, "new_id", moved, "exchange", target.exchange, "routing_key", target.routingKey)
}

func (s *Store) moveToDeadLetter(ctx context.Context, id int64, t expiryTarget) (int64, expiryTarget, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, t, err
	}
	defer tx.Rollback()

	m, err := scanMessage(tx.QueryRowContext(ctx, `select `+messageColumns+` from messages where id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, t, nil
		}
		return 0, t, err
	}
	if m.Status != StatusSent {
		return 0, t, nil
	}
	if t.routingKey == "" {
		t.routingKey = m.RoutingKey
	}

	newID, err := insertMessage(ctx, tx, t.exchange, t.routingKey, m.Payload, m.Headers, time.Now())
	if err != nil {
		return 0, t, err
	}
	if _, err := tx.ExecContext(ctx, `delete from messages where id = ?`, id); err != nil {
		return 0, t, fmt.Errorf("failed to delete expired message: %w", err)
	}
	next, err := expiryTargets(ctx, tx, t.exchange, t.routingKey)
	if err != nil {
		return 0, t, err
	}
	for _, n := range next {
		s.armExpiry(newID, n, n.ttl)
	}
	if err := tx.Commit(); err != nil {
		s.disarmExpiry(newID)
		return 0, t, err
	}
	return newID, t, nil
}

// rearmExpiries restores TTL timers for messages persisted by a previous
// process. Overdue messages expire immediately.
func (s *Store) rearmExpiries(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `
		select m.id, m.created_at, q.dead_letter_exchange, q.dead_letter_routing_key, min(q.message_ttl_ms)
		from messages m
		join bindings b on b.exchange = m.exchange and b.routing_key = m.routing_key
		join queues q on q.name = b.queue
		where m.status = ? and q.message_ttl_ms > 0 and q.dead_letter_exchange != ''
		group by m.id`, StatusSent)
	if err != nil {
		return fmt.Errorf("failed to scan expiring messages: %w", err)
	}
	defer rows.Close()

	type pending struct {
		id    int64
		t     expiryTarget
		delay time.Duration
	}
	var all []pending
	now := time.Now()
	for rows.Next() {
		var (
			p       pending
			created int64
			ttlMs   int64
		)
		if err := rows.Scan(&p.id, &created, &p.t.exchange, &p.t.routingKey, &ttlMs); err != nil {
			return fmt.Errorf("failed to read expiring message: %w", err)
		}
		p.t.ttl = time.Duration(ttlMs) * time.Millisecond
		p.delay = time.UnixMilli(created).Add(p.t.ttl).Sub(now)
		all = append(all, p)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, p := range all {
		s.armExpiry(p.id, p.t, p.delay)
	}
	if len(all) > 0 {
		s.logger.Debug("Re-armed message expiry timers.", "count", len(all))
	}
	return nil
}

// track registers a background operation so Close can wait for it. It
// reports false once the store is closed.
func (s *Store) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.handlers.Add(1)
	return true
}

package queuestore

import (
	"context"
	"fmt"
)

// PurgeQueue deletes every message routed to queue and returns how many rows
// were removed.
func (s *Store) PurgeQueue(ctx context.Context, queue string) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `
		delete from messages where id in (
			select m.id from messages m
			join bindings b on b.exchange = m.exchange and b.routing_key = m.routing_key
			where b.queue = ?)`, queue)
	if err != nil {
		return 0, fmt.Errorf("failed to purge queue %s: %w", queue, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	s.logger.Info("Queue purged.", "queue", queue, "removed", n)
	return n, nil
}

// ListMessages returns up to limit messages routed to queue, oldest first.
// A limit of zero or less returns all of them.
func (s *Store) ListMessages(ctx context.Context, queue string, limit int) ([]Message, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		select distinct m.id, m.exchange, m.routing_key, m.status, m.payload, m.headers, m.retry_count, m.created_at
		from messages m
		join bindings b on b.exchange = m.exchange and b.routing_key = m.routing_key
		where b.queue = ?
		order by m.id limit ?`, queue, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages of %s: %w", queue, err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// Stats returns per-queue message counts for every asserted queue.
func (s *Store) Stats(ctx context.Context) ([]QueueStats, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		select q.name,
			coalesce(sum(case when m.status = 'sent' then 1 else 0 end), 0),
			coalesce(sum(case when m.status = 'delivered' then 1 else 0 end), 0)
		from queues q
		left join bindings b on b.queue = q.name
		left join messages m on m.exchange = b.exchange and m.routing_key = b.routing_key
		group by q.name
		order by q.name`)
	if err != nil {
		return nil, fmt.Errorf("failed to compute queue stats: %w", err)
	}
	defer rows.Close()

	var out []QueueStats
	for rows.Next() {
		var st QueueStats
		if err := rows.Scan(&st.Queue, &st.Sent, &st.Delivered); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

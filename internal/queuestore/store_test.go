package queuestore

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/blockflow/internal/testutil"
)

func openTestStore(t *testing.T) (context.Context, *Store, string) {
	t.Helper()
	ctx, _ := testutil.Context(t)
	path := filepath.Join(t.TempDir(), "queue.db")
	s, err := Open(ctx, path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return ctx, s, path
}

func declareTasks(t *testing.T, ctx context.Context, s *Store) {
	t.Helper()
	require.NoError(t, s.AssertExchange(ctx, "tasks", ExchangeDirect, nil))
	require.NoError(t, s.AssertQueue(ctx, "work", QueueOptions{}))
	require.NoError(t, s.BindQueue(ctx, "work", "tasks", "k"))
}

func TestAssertAndBind_Idempotent(t *testing.T) {
	t.Parallel()
	ctx, s, _ := openTestStore(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.AssertExchange(ctx, "tasks", ExchangeDirect, map[string]any{"durable": true}))
		require.NoError(t, s.AssertQueue(ctx, "work", QueueOptions{}))
		require.NoError(t, s.BindQueue(ctx, "work", "tasks", "k"))
	}

	var n int
	require.NoError(t, s.db.QueryRowContext(ctx, `select count(*) from bindings`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestPublish_UnboundRoutingKeyIsStoredButNeverDelivered(t *testing.T) {
	t.Parallel()
	ctx, s, _ := openTestStore(t)
	declareTasks(t, ctx, s)

	var calls atomic.Int32
	_, err := s.Consume(ctx, "work", func(_ context.Context, d *Delivery) {
		calls.Add(1)
		d.Ack()
	}, ConsumeOptions{PollInterval: 10 * time.Millisecond})
	require.NoError(t, err)

	id, err := s.Publish(ctx, "tasks", "nobody-listens", []byte("x"), PublishOptions{})
	require.NoError(t, err)
	assert.Positive(t, id)

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, calls.Load())

	var status string
	require.NoError(t, s.db.QueryRowContext(ctx, `select status from messages where id = ?`, id).Scan(&status))
	assert.Equal(t, string(StatusSent), status)
}

func TestConsume_DeliversInOrderAndAckDeletes(t *testing.T) {
	t.Parallel()
	ctx, s, _ := openTestStore(t)
	declareTasks(t, ctx, s)

	for _, body := range []string{"a", "b", "c"} {
		_, err := s.Publish(ctx, "tasks", "k", []byte(body), PublishOptions{Headers: map[string]string{"h": body}})
		require.NoError(t, err)
	}

	got := make(chan string, 3)
	_, err := s.Consume(ctx, "work", func(_ context.Context, d *Delivery) {
		assert.Equal(t, StatusDelivered, d.Status)
		assert.Equal(t, string(d.Payload), d.Headers["h"])
		got <- string(d.Payload)
		assert.NoError(t, d.Ack())
	}, ConsumeOptions{Concurrency: 1})
	require.NoError(t, err)

	var order []string
	for i := 0; i < 3; i++ {
		select {
		case v := <-got:
			order = append(order, v)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for deliveries")
		}
	}
	assert.Equal(t, []string{"a", "b", "c"}, order)

	require.Eventually(t, func() bool {
		msgs, err := s.ListMessages(ctx, "work", 0)
		return err == nil && len(msgs) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestConsume_RespectsConcurrency(t *testing.T) {
	t.Parallel()
	ctx, s, _ := openTestStore(t)
	require.NoError(t, s.AssertExchange(ctx, "tasks", ExchangeDirect, nil))
	require.NoError(t, s.AssertQueue(ctx, "work", QueueOptions{}))
	for _, key := range []string{"a", "b", "c", "d"} {
		require.NoError(t, s.BindQueue(ctx, "work", "tasks", key))
		for i := 0; i < 3; i++ {
			_, err := s.Publish(ctx, "tasks", key, []byte(key), PublishOptions{})
			require.NoError(t, err)
		}
	}

	var (
		mu      sync.Mutex
		active  int
		maxSeen int
		done    sync.WaitGroup
	)
	done.Add(12)
	_, err := s.Consume(ctx, "work", func(_ context.Context, d *Delivery) {
		defer done.Done()
		mu.Lock()
		active++
		if active > maxSeen {
			maxSeen = active
		}
		mu.Unlock()

		time.Sleep(20 * time.Millisecond)

		mu.Lock()
		active--
		mu.Unlock()
		d.Ack()
	}, ConsumeOptions{Concurrency: 2, PollInterval: 10 * time.Millisecond})
	require.NoError(t, err)

	waitGroupWithTimeout(t, &done, 5*time.Second)
	assert.LessOrEqual(t, maxSeen, 2)
	assert.Equal(t, 2, maxSeen)
}

func TestConsume_UnknownQueue(t *testing.T) {
	t.Parallel()
	ctx, s, _ := openTestStore(t)

	_, err := s.Consume(ctx, "missing", func(context.Context, *Delivery) {}, ConsumeOptions{})
	require.ErrorIs(t, err, ErrUnknownQueue)
}

func TestCancel_StopsDelivery(t *testing.T) {
	t.Parallel()
	ctx, s, _ := openTestStore(t)
	declareTasks(t, ctx, s)

	var calls atomic.Int32
	tag, err := s.Consume(ctx, "work", func(_ context.Context, d *Delivery) {
		calls.Add(1)
		d.Ack()
	}, ConsumeOptions{PollInterval: 10 * time.Millisecond})
	require.NoError(t, err)

	s.Cancel(tag)
	_, err = s.Publish(ctx, "tasks", "k", []byte("late"), PublishOptions{})
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, calls.Load())
}

func TestNack_DropsMessage(t *testing.T) {
	t.Parallel()
	ctx, s, _ := openTestStore(t)
	declareTasks(t, ctx, s)

	_, err := s.Publish(ctx, "tasks", "k", []byte("bad"), PublishOptions{})
	require.NoError(t, err)

	var calls atomic.Int32
	_, err = s.Consume(ctx, "work", func(_ context.Context, d *Delivery) {
		calls.Add(1)
		assert.NoError(t, d.Nack())
		assert.NoError(t, d.Ack(), "second settle is a no-op")
	}, ConsumeOptions{PollInterval: 10 * time.Millisecond})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		msgs, err := s.ListMessages(ctx, "work", 0)
		return err == nil && len(msgs) == 0
	}, time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestTTL_DeadLettersUnconsumedMessage(t *testing.T) {
	t.Parallel()
	ctx, s, _ := openTestStore(t)

	require.NoError(t, s.AssertExchange(ctx, "delay", ExchangeDirect, nil))
	require.NoError(t, s.AssertExchange(ctx, "dlx", ExchangeDirect, nil))
	require.NoError(t, s.AssertQueue(ctx, "waiting", QueueOptions{
		DeadLetterExchange:   "dlx",
		DeadLetterRoutingKey: "expired",
		MessageTTL:           50 * time.Millisecond,
	}))
	require.NoError(t, s.AssertQueue(ctx, "graveyard", QueueOptions{}))
	require.NoError(t, s.BindQueue(ctx, "waiting", "delay", "k"))
	require.NoError(t, s.BindQueue(ctx, "graveyard", "dlx", "expired"))

	got := make(chan Message, 1)
	_, err := s.Consume(ctx, "graveyard", func(_ context.Context, d *Delivery) {
		got <- d.Message
		d.Ack()
	}, ConsumeOptions{PollInterval: 10 * time.Millisecond})
	require.NoError(t, err)

	origID, err := s.Publish(ctx, "delay", "k", []byte("payload"), PublishOptions{Headers: map[string]string{HeaderRetryCount: "2"}})
	require.NoError(t, err)

	select {
	case m := <-got:
		assert.Equal(t, "dlx", m.Exchange)
		assert.Equal(t, "expired", m.RoutingKey)
		assert.Equal(t, []byte("payload"), m.Payload)
		assert.Equal(t, 2, m.RetryCount)
		assert.NotEqual(t, origID, m.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("message was not dead-lettered")
	}

	var n int
	require.NoError(t, s.db.QueryRowContext(ctx, `select count(*) from messages where id = ?`, origID).Scan(&n))
	assert.Zero(t, n)
}

func TestTTL_DeliveredMessageIsNotDeadLettered(t *testing.T) {
	t.Parallel()
	ctx, s, _ := openTestStore(t)

	require.NoError(t, s.AssertExchange(ctx, "tasks", ExchangeDirect, nil))
	require.NoError(t, s.AssertExchange(ctx, "dlx", ExchangeDirect, nil))
	require.NoError(t, s.AssertQueue(ctx, "work", QueueOptions{DeadLetterExchange: "dlx", MessageTTL: 30 * time.Millisecond}))
	require.NoError(t, s.BindQueue(ctx, "work", "tasks", "k"))

	held := make(chan *Delivery, 1)
	_, err := s.Consume(ctx, "work", func(_ context.Context, d *Delivery) { held <- d }, ConsumeOptions{PollInterval: 5 * time.Millisecond})
	require.NoError(t, err)

	_, err = s.Publish(ctx, "tasks", "k", []byte("x"), PublishOptions{})
	require.NoError(t, err)

	d := <-held
	time.Sleep(100 * time.Millisecond)

	var dead int
	require.NoError(t, s.db.QueryRowContext(ctx, `select count(*) from messages where exchange = 'dlx'`).Scan(&dead))
	assert.Zero(t, dead)
	require.NoError(t, d.Ack())
}

func TestAck_DisarmsExpiryTimer(t *testing.T) {
	t.Parallel()
	ctx, s, _ := openTestStore(t)

	require.NoError(t, s.AssertExchange(ctx, "tasks", ExchangeDirect, nil))
	require.NoError(t, s.AssertExchange(ctx, "dlx", ExchangeDirect, nil))
	require.NoError(t, s.AssertQueue(ctx, "work", QueueOptions{DeadLetterExchange: "dlx", MessageTTL: time.Hour}))
	require.NoError(t, s.BindQueue(ctx, "work", "tasks", "k"))

	timers := func() int {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.timers)
	}

	acked := make(chan struct{})
	_, err := s.Consume(ctx, "work", func(_ context.Context, d *Delivery) {
		assert.NoError(t, d.Ack())
		close(acked)
	}, ConsumeOptions{PollInterval: 5 * time.Millisecond})
	require.NoError(t, err)

	_, err = s.Publish(ctx, "tasks", "k", []byte("x"), PublishOptions{})
	require.NoError(t, err)

	select {
	case <-acked:
	case <-time.After(2 * time.Second):
		t.Fatal("message was not delivered")
	}
	assert.Zero(t, timers(), "a settled message keeps no expiry timer")
}

func TestOpen_RestoresStateAfterRestart(t *testing.T) {
	t.Parallel()
	ctx, _ := testutil.Context(t)
	path := filepath.Join(t.TempDir(), "queue.db")

	s, err := Open(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.AssertExchange(ctx, "tasks", ExchangeDirect, nil))
	require.NoError(t, s.AssertExchange(ctx, "dlx", ExchangeDirect, nil))
	require.NoError(t, s.AssertQueue(ctx, "work", QueueOptions{}))
	require.NoError(t, s.AssertQueue(ctx, "slow", QueueOptions{DeadLetterExchange: "dlx", DeadLetterRoutingKey: "k", MessageTTL: time.Hour}))
	require.NoError(t, s.AssertQueue(ctx, "fast", QueueOptions{DeadLetterExchange: "dlx", DeadLetterRoutingKey: "k", MessageTTL: 20 * time.Millisecond}))
	require.NoError(t, s.AssertQueue(ctx, "dead", QueueOptions{}))
	require.NoError(t, s.BindQueue(ctx, "work", "tasks", "k"))
	require.NoError(t, s.BindQueue(ctx, "dead", "dlx", "k"))

	// A delivered-but-unacked message must come back after a restart.
	held := make(chan *Delivery, 1)
	tag, err := s.Consume(ctx, "work", func(_ context.Context, d *Delivery) { held <- d }, ConsumeOptions{PollInterval: 5 * time.Millisecond})
	require.NoError(t, err)
	_, err = s.Publish(ctx, "tasks", "k", []byte("in-flight"), PublishOptions{})
	require.NoError(t, err)
	<-held
	s.Cancel(tag)
	require.NoError(t, s.Close())

	// The expiry timer dies with Close and must be re-armed by the next Open.
	s, err = Open(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.BindQueue(ctx, "fast", "tasks", "expiring"))
	_, err = s.Publish(ctx, "tasks", "expiring", []byte("ttl"), PublishOptions{})
	require.NoError(t, err)
	require.NoError(t, s.Close())
	time.Sleep(50 * time.Millisecond)

	s, err = Open(ctx, path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	msgs, err := s.ListMessages(ctx, "work", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, StatusSent, msgs[0].Status)
	assert.Equal(t, []byte("in-flight"), msgs[0].Payload)

	require.Eventually(t, func() bool {
		dead, err := s.ListMessages(ctx, "dead", 0)
		return err == nil && len(dead) == 1 && string(dead[0].Payload) == "ttl"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPurgeAndStats(t *testing.T) {
	t.Parallel()
	ctx, s, _ := openTestStore(t)
	declareTasks(t, ctx, s)
	require.NoError(t, s.AssertQueue(ctx, "idle", QueueOptions{}))

	for i := 0; i < 4; i++ {
		_, err := s.Publish(ctx, "tasks", "k", []byte{byte(i)}, PublishOptions{})
		require.NoError(t, err)
	}

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, []QueueStats{{Queue: "idle"}, {Queue: "work", Sent: 4}}, stats)

	limited, err := s.ListMessages(ctx, "work", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	n, err := s.PurgeQueue(ctx, "work")
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)

	msgs, err := s.ListMessages(ctx, "work", 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestClosedStore(t *testing.T) {
	t.Parallel()
	ctx, s, _ := openTestStore(t)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "closing twice is harmless")

	_, err := s.Publish(ctx, "tasks", "k", nil, PublishOptions{})
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, s.AssertQueue(ctx, "q", QueueOptions{}), ErrClosed)
}

func waitGroupWithTimeout(t *testing.T, wg *sync.WaitGroup, timeout time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatal("timed out waiting for handlers")
	}
}

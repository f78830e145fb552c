package queue_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/snehjoshi/cacheq/internal/connection"
	"github.com/snehjoshi/cacheq/internal/lease"
	"github.com/snehjoshi/cacheq/internal/logger"
	"github.com/snehjoshi/cacheq/internal/metrics"
	"github.com/snehjoshi/cacheq/internal/queue"
	"github.com/snehjoshi/cacheq/internal/storage"
	"github.com/snehjoshi/cacheq/internal/storage/memory"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

func testConfig() queue.Config {
	cfg := queue.DefaultConfig()
	cfg.Owner = "test"
	cfg.Connection = connection.Config{
		Servers:    []string{"mem:0"},
		ShortSleep: time.Millisecond,
	}
	cfg.Lease = lease.Config{
		TTL:          10 * time.Second,
		PollInterval: 100 * time.Microsecond,
		MaxAttempts:  20000,
	}
	return cfg
}

// openQueue returns a handle on name against srv, closed on cleanup.
func openQueue(t *testing.T, srv *memory.Server, name string, opts ...func(*queue.Config)) *queue.Queue {
	t.Helper()
	cfg := testConfig()
	for _, o := range opts {
		o(&cfg)
	}
	q, err := queue.New(name, memory.New(srv), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close(context.Background()) })
	return q
}

// raw returns a plain connected session for seeding and inspecting keys.
func raw(t *testing.T, srv *memory.Server) *memory.Store {
	t.Helper()
	st := memory.New(srv)
	require.NoError(t, st.Connect(context.Background(), []string{"mem:0"}))
	return st
}

func peek(t *testing.T, srv *memory.Server, key string) string {
	t.Helper()
	v, ok := srv.Peek(key)
	if !ok {
		return ""
	}
	return string(v)
}

func enqueue(t *testing.T, q *queue.Queue, payload string) string {
	t.Helper()
	key, err := q.Enqueue(context.Background(), []byte(payload))
	require.NoError(t, err)
	return key
}

func dequeue(t *testing.T, q *queue.Queue) *queue.Message {
	t.Helper()
	msg, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	return msg
}

func size(t *testing.T, q *queue.Queue) int64 {
	t.Helper()
	n, err := q.Size(context.Background())
	require.NoError(t, err)
	return n
}

// ─── Queue tests ─────────────────────────────────────────────────────────────

func TestQueue_OrdersScenario(t *testing.T) {
	srv := memory.NewServer()
	q := openQueue(t, srv, "orders")

	assert.Equal(t, "orders_1", enqueue(t, q, "A"))
	assert.Equal(t, "orders_2", enqueue(t, q, "B"))
	assert.Equal(t, int64(2), size(t, q))

	msg := dequeue(t, q)
	require.NotNil(t, msg)
	assert.Equal(t, "A", string(msg.Payload))
	assert.Equal(t, "orders_1", msg.Key)

	msg = dequeue(t, q)
	require.NotNil(t, msg)
	assert.Equal(t, "B", string(msg.Payload))
	assert.Equal(t, "1", peek(t, srv, "orders_head"), "compacted")
	assert.Equal(t, "1", peek(t, srv, "orders_tail"), "compacted")

	assert.Nil(t, dequeue(t, q))
	assert.Equal(t, int64(0), size(t, q))
}

func TestQueue_PositionsFollowInitialTail(t *testing.T) {
	srv := memory.NewServer()
	ctx := context.Background()
	st := raw(t, srv)
	require.NoError(t, st.Set(ctx, "jobs_head", []byte("3"), storage.NoExpiry))
	require.NoError(t, st.Set(ctx, "jobs_tail", []byte("5"), storage.NoExpiry))
	require.NoError(t, st.Set(ctx, "jobs_3", []byte("x"), storage.NoExpiry))
	require.NoError(t, st.Set(ctx, "jobs_4", []byte("y"), storage.NoExpiry))

	q := openQueue(t, srv, "jobs")
	for k := 1; k <= 3; k++ {
		assert.Equal(t, fmt.Sprintf("jobs_%d", 5+k-1), enqueue(t, q, "p"))
	}
	assert.Equal(t, int64(5), size(t, q))
	assert.Equal(t, "x", string(dequeue(t, q).Payload))
}

func TestQueue_FIFO(t *testing.T) {
	q := openQueue(t, memory.NewServer(), "fifo")
	for i := 0; i < 20; i++ {
		enqueue(t, q, fmt.Sprintf("m%02d", i))
	}
	for i := 0; i < 20; i++ {
		msg := dequeue(t, q)
		require.NotNil(t, msg)
		assert.Equal(t, fmt.Sprintf("m%02d", i), string(msg.Payload))
	}
	assert.Nil(t, dequeue(t, q))
}

func TestQueue_SizeTracksEnqueuesMinusDequeues(t *testing.T) {
	q := openQueue(t, memory.NewServer(), "sz")
	for i := 0; i < 10; i++ {
		enqueue(t, q, "x")
	}
	for i := 0; i < 4; i++ {
		require.NotNil(t, dequeue(t, q))
	}
	assert.Equal(t, int64(6), size(t, q))
}

func TestQueue_EmptyDequeueNeverMovesHead(t *testing.T) {
	srv := memory.NewServer()
	q := openQueue(t, srv, "empty")
	for i := 0; i < 3; i++ {
		assert.Nil(t, dequeue(t, q))
	}
	assert.Equal(t, "1", peek(t, srv, "empty_head"))
	assert.Equal(t, "1", peek(t, srv, "empty_tail"))
}

func TestQueue_EnqueueCompactsConvergedPointers(t *testing.T) {
	srv := memory.NewServer()
	ctx := context.Background()
	st := raw(t, srv)
	require.NoError(t, st.Set(ctx, "c_head", []byte("5"), storage.NoExpiry))
	require.NoError(t, st.Set(ctx, "c_tail", []byte("5"), storage.NoExpiry))

	var reg metrics.Registry
	cfg := testConfig()
	q, err := queue.New("c", memory.New(srv), cfg, queue.WithMetrics(&reg))
	require.NoError(t, err)
	defer q.Close(ctx)

	assert.Equal(t, "c_1", enqueue(t, q, "x"))
	assert.Equal(t, "1", peek(t, srv, "c_head"))
	assert.Equal(t, "2", peek(t, srv, "c_tail"))
	assert.Equal(t, int64(1), reg.Compacted.Value("c"))
}

func TestQueue_EmptyDequeueCompacts(t *testing.T) {
	srv := memory.NewServer()
	ctx := context.Background()
	st := raw(t, srv)
	require.NoError(t, st.Set(ctx, "d_head", []byte("9"), storage.NoExpiry))
	require.NoError(t, st.Set(ctx, "d_tail", []byte("9"), storage.NoExpiry))

	q := openQueue(t, srv, "d")
	assert.Nil(t, dequeue(t, q))
	assert.Equal(t, "1", peek(t, srv, "d_head"))
	assert.Equal(t, "1", peek(t, srv, "d_tail"))
}

func TestQueue_UninitializedPointers(t *testing.T) {
	srv := memory.NewServer()
	q := openQueue(t, srv, "u")
	require.True(t, q.Connect(context.Background()))

	srv.Evict("u_head")
	assert.Equal(t, int64(0), size(t, q))
	assert.Nil(t, dequeue(t, q))

	assert.Equal(t, "u_1", enqueue(t, q, "x"))
	assert.Equal(t, "1", peek(t, srv, "u_head"))
	assert.Equal(t, "2", peek(t, srv, "u_tail"))
}

func TestQueue_MissingPayloadIsSkipped(t *testing.T) {
	srv := memory.NewServer()
	var reg metrics.Registry
	q, err := queue.New("skip", memory.New(srv), testConfig(), queue.WithMetrics(&reg))
	require.NoError(t, err)
	defer q.Close(context.Background())

	enqueue(t, q, "a")
	enqueue(t, q, "b")
	enqueue(t, q, "c")
	srv.Evict("skip_1")

	msg := dequeue(t, q)
	require.NotNil(t, msg)
	assert.Equal(t, "b", string(msg.Payload))
	assert.Equal(t, int64(1), reg.Skipped.Value("skip"))
	assert.Equal(t, int64(1), size(t, q))
}

func TestQueue_AllPayloadsMissingIsEmpty(t *testing.T) {
	srv := memory.NewServer()
	q := openQueue(t, srv, "gone")
	enqueue(t, q, "a")
	enqueue(t, q, "b")
	srv.Evict("gone_1")
	srv.Evict("gone_2")

	assert.Nil(t, dequeue(t, q))
	assert.Equal(t, "1", peek(t, srv, "gone_head"))
	assert.Equal(t, "1", peek(t, srv, "gone_tail"))
}

func TestQueue_ReadErrorDoesNotAdvanceHead(t *testing.T) {
	srv := memory.NewServer()
	q := openQueue(t, srv, "rerr")
	enqueue(t, q, "a")

	boom := errors.New("boom")
	srv.SetFault(func(op, key string) error {
		if op == memory.OpGet && key == "rerr_1" {
			return boom
		}
		return nil
	})
	msg, err := q.Dequeue(context.Background())
	assert.Nil(t, msg)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, "1", peek(t, srv, "rerr_head"))

	srv.SetFault(nil)
	msg = dequeue(t, q)
	require.NotNil(t, msg)
	assert.Equal(t, "a", string(msg.Payload))
}

func TestQueue_DeleteFailureLeavesMessageAtHead(t *testing.T) {
	srv := memory.NewServer()
	q := openQueue(t, srv, "wedge")
	enqueue(t, q, "a")

	boom := errors.New("boom")
	srv.SetFault(func(op, key string) error {
		if op == memory.OpDelete && key == "wedge_1" {
			return boom
		}
		return nil
	})
	msg, err := q.Dequeue(context.Background())
	assert.Nil(t, msg)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, "1", peek(t, srv, "wedge_head"))
	assert.Equal(t, "2", peek(t, srv, "wedge_tail"))

	srv.SetFault(nil)
	msg = dequeue(t, q)
	require.NotNil(t, msg)
	assert.Equal(t, "a", string(msg.Payload))

	for i, want := range []string{"wedge_1", "wedge_2", "wedge_3"} {
		assert.Equal(t, want, enqueue(t, q, fmt.Sprint(i)))
	}
	assert.Equal(t, int64(3), size(t, q))
}

func TestQueue_UndeletedPayloadDefersCompaction(t *testing.T) {
	srv := memory.NewServer()
	q := openQueue(t, srv, "stuck")
	enqueue(t, q, "a")

	boom := errors.New("boom")
	headWrites := 0
	srv.SetFault(func(op, key string) error {
		switch {
		case op == memory.OpDelete && key == "stuck_1":
			return boom
		case op == memory.OpSet && key == "stuck_head":
			// The advance succeeds, putting head back does not.
			headWrites++
			if headWrites == 2 {
				return boom
			}
		}
		return nil
	})

	msg := dequeue(t, q)
	require.NotNil(t, msg)
	assert.Equal(t, "a", string(msg.Payload))
	assert.Equal(t, "2", peek(t, srv, "stuck_head"))
	assert.Equal(t, "2", peek(t, srv, "stuck_tail"))
	assert.Equal(t, "a", peek(t, srv, "stuck_1"))

	// Position 1 is still occupied, so the queue keeps growing upwards.
	assert.Equal(t, "stuck_2", enqueue(t, q, "b"))

	srv.SetFault(nil)
	msg = dequeue(t, q)
	require.NotNil(t, msg)
	assert.Equal(t, "b", string(msg.Payload))
	assert.Equal(t, "", peek(t, srv, "stuck_1"))
	assert.Equal(t, "1", peek(t, srv, "stuck_head"))

	assert.Equal(t, "stuck_1", enqueue(t, q, "c"))
	assert.Equal(t, "c", string(dequeue(t, q).Payload))
}

func TestQueue_SkipsAreBatchedPerLease(t *testing.T) {
	srv := memory.NewServer()
	var reg metrics.Registry
	cfg := testConfig()
	cfg.MaxSkips = 2
	q, err := queue.New("backlog", memory.New(srv), cfg, queue.WithMetrics(&reg))
	require.NoError(t, err)
	defer q.Close(context.Background())

	for _, p := range []string{"a", "b", "c", "d", "e"} {
		enqueue(t, q, p)
	}
	for i := 1; i <= 4; i++ {
		srv.Evict(fmt.Sprintf("backlog_%d", i))
	}

	before := reg.LeaseAcquired.Value("backlog")
	msg := dequeue(t, q)
	require.NotNil(t, msg)
	assert.Equal(t, "e", string(msg.Payload))
	assert.Equal(t, int64(3), reg.LeaseAcquired.Value("backlog")-before, "two skip batches, then the read")
	assert.Equal(t, int64(4), reg.Skipped.Value("backlog"))
	assert.Equal(t, "1", peek(t, srv, "backlog_head"))
	assert.Equal(t, "1", peek(t, srv, "backlog_tail"))
}

func TestQueue_FailureLogCarriesStack(t *testing.T) {
	srv := memory.NewServer()
	path := filepath.Join(t.TempDir(), "queue.log")
	cfg := testConfig()
	cfg.Lease.MaxAttempts = 2
	q, err := queue.New("held", memory.New(srv), cfg,
		queue.WithLogger(logger.New(logger.Config{Output: path, Level: "error"})))
	require.NoError(t, err)
	defer q.Close(context.Background())

	require.NoError(t, raw(t, srv).Add(context.Background(), "held_access", []byte("other/1"), 10*time.Second))
	_, err = q.Enqueue(context.Background(), []byte("x"))
	require.ErrorIs(t, err, lease.ErrTimeout)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"stack":`)
}

func TestQueue_PointerReadError(t *testing.T) {
	srv := memory.NewServer()
	q := openQueue(t, srv, "perr")
	require.True(t, q.Connect(context.Background()))

	boom := errors.New("boom")
	srv.SetFault(func(op, key string) error {
		if op == memory.OpGet && key == "perr_tail" {
			return boom
		}
		return nil
	})

	n, err := q.Size(context.Background())
	assert.Zero(t, n)
	assert.ErrorIs(t, err, queue.ErrPointerRead)
	assert.ErrorIs(t, err, boom)

	_, err = q.Enqueue(context.Background(), []byte("x"))
	assert.ErrorIs(t, err, queue.ErrPointerRead)
	_, ok := srv.Peek("perr_1")
	assert.False(t, ok)
}

func TestQueue_PositionTaken(t *testing.T) {
	srv := memory.NewServer()
	ctx := context.Background()
	require.NoError(t, raw(t, srv).Set(ctx, "pt_1", []byte("squatter"), storage.NoExpiry))

	q := openQueue(t, srv, "pt")
	_, err := q.Enqueue(ctx, []byte("x"))
	assert.ErrorIs(t, err, queue.ErrPositionTaken)
	assert.Equal(t, "1", peek(t, srv, "pt_tail"))
	assert.Equal(t, "squatter", peek(t, srv, "pt_1"))
}

func TestQueue_TailWriteFailureRemovesMessage(t *testing.T) {
	srv := memory.NewServer()
	q := openQueue(t, srv, "tw")
	require.True(t, q.Connect(context.Background()))

	boom := errors.New("boom")
	srv.SetFault(func(op, key string) error {
		if op == memory.OpSet && key == "tw_tail" {
			return boom
		}
		return nil
	})
	_, err := q.Enqueue(context.Background(), []byte("x"))
	assert.ErrorIs(t, err, boom)
	_, ok := srv.Peek("tw_1")
	assert.False(t, ok)

	srv.SetFault(nil)
	assert.Equal(t, "tw_1", enqueue(t, q, "y"))
}

func TestQueue_PayloadTooLarge(t *testing.T) {
	q := openQueue(t, memory.NewServer(), "big", func(c *queue.Config) { c.MaxPayloadBytes = 4 })
	_, err := q.Enqueue(context.Background(), []byte("12345"))
	assert.ErrorIs(t, err, queue.ErrPayloadTooLarge)
	assert.False(t, q.Connected(), "rejected before connecting")
}

func TestQueue_LockTimeoutLeavesPointers(t *testing.T) {
	srv := memory.NewServer()
	ctx := context.Background()
	require.NoError(t, raw(t, srv).Add(ctx, "lk_access", []byte("other/1"), 10*time.Second))

	q := openQueue(t, srv, "lk", func(c *queue.Config) {
		c.Lease.MaxAttempts = 3
		c.Lease.PollInterval = time.Millisecond
	})
	_, err := q.Enqueue(ctx, []byte("x"))
	assert.ErrorIs(t, err, lease.ErrTimeout)
	assert.Equal(t, "1", peek(t, srv, "lk_tail"))
	assert.Equal(t, "other/1", peek(t, srv, "lk_access"))
}

func TestQueue_NotConnected(t *testing.T) {
	srv := memory.NewServer()
	srv.SetDown(true)
	q := openQueue(t, srv, "down")

	_, err := q.Enqueue(context.Background(), []byte("x"))
	assert.ErrorIs(t, err, connection.ErrNotConnected)
	_, err = q.Dequeue(context.Background())
	assert.ErrorIs(t, err, connection.ErrNotConnected)
	n, err := q.Size(context.Background())
	assert.Zero(t, n)
	assert.ErrorIs(t, err, connection.ErrNotConnected)
	assert.False(t, q.Connected())
}

func TestQueue_ReconnectsAfterUnavailable(t *testing.T) {
	srv := memory.NewServer()
	q := openQueue(t, srv, "rc")
	require.True(t, q.Connect(context.Background()))

	fail := true
	srv.SetFault(func(op, key string) error {
		if op == memory.OpGet && key == "rc_head" && fail {
			fail = false
			return storage.Unavailable(errors.New("reset by peer"), op)
		}
		return nil
	})

	_, err := q.Size(context.Background())
	assert.ErrorIs(t, err, storage.ErrUnavailable)
	assert.False(t, q.Connected())

	assert.Equal(t, int64(0), size(t, q))
	assert.True(t, q.Connected())
}

func TestQueue_LeaseReleasedAfterEachOperation(t *testing.T) {
	srv := memory.NewServer()
	q := openQueue(t, srv, "rel")
	enqueue(t, q, "a")
	_, ok := srv.Peek("rel_access")
	assert.False(t, ok)
	dequeue(t, q)
	_, ok = srv.Peek("rel_access")
	assert.False(t, ok)
}

func TestQueue_MessageTTL(t *testing.T) {
	srv := memory.NewServer()
	now := time.Unix(1_700_000_000, 0)
	var mu sync.Mutex
	srv.SetClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	})

	q := openQueue(t, srv, "ttl", func(c *queue.Config) { c.MessageTTL = 5 * time.Second })
	enqueue(t, q, "a")
	enqueue(t, q, "b")

	mu.Lock()
	now = now.Add(6 * time.Second)
	mu.Unlock()

	assert.Nil(t, dequeue(t, q))
	assert.Equal(t, int64(0), size(t, q))
}

func TestQueue_CloseIsIdempotent(t *testing.T) {
	srv := memory.NewServer()
	q := openQueue(t, srv, "cl")
	enqueue(t, q, "a")

	require.NoError(t, q.Close(context.Background()))
	require.NoError(t, q.Close(context.Background()))
	assert.False(t, q.Connected())

	msg := dequeue(t, q)
	require.NotNil(t, msg, "operations reconnect after Close")
	assert.Equal(t, "a", string(msg.Payload))
}

func TestQueue_InvalidName(t *testing.T) {
	for _, name := range []string{"", "has space", "tab\tname"} {
		_, err := queue.New(name, memory.New(memory.NewServer()), testConfig())
		assert.ErrorIs(t, err, queue.ErrInvalidName, "%q", name)
	}
}

func TestQueue_Metrics(t *testing.T) {
	var reg metrics.Registry
	q, err := queue.New("met", memory.New(memory.NewServer()), testConfig(), queue.WithMetrics(&reg))
	require.NoError(t, err)
	defer q.Close(context.Background())

	enqueue(t, q, "a")
	dequeue(t, q)
	dequeue(t, q)

	assert.Equal(t, int64(1), reg.Enqueued.Value("met"))
	assert.Equal(t, int64(1), reg.Dequeued.Value("met"))
	assert.Equal(t, int64(1), reg.EmptyPolls.Value("met"))
	assert.Equal(t, int64(3), reg.LeaseAcquired.Value("met"))
	assert.Equal(t, int64(1), reg.ConnectAttempts.Value("met"))
}

// ─── Concurrency ─────────────────────────────────────────────────────────────

func TestQueue_ConcurrentSessionsNeverSharePosition(t *testing.T) {
	srv := memory.NewServer()
	const sessions, perSession = 4, 25

	var (
		mu   sync.Mutex
		keys = make(map[string]string)
	)
	g, ctx := errgroup.WithContext(context.Background())
	for s := 0; s < sessions; s++ {
		q := openQueue(t, srv, "shared")
		s := s
		g.Go(func() error {
			for i := 0; i < perSession; i++ {
				payload := fmt.Sprintf("s%d-%d", s, i)
				key, err := q.Enqueue(ctx, []byte(payload))
				if err != nil {
					return err
				}
				mu.Lock()
				if prev, dup := keys[key]; dup {
					mu.Unlock()
					return fmt.Errorf("position %s given to %s and %s", key, prev, payload)
				}
				keys[key] = payload
				mu.Unlock()
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Len(t, keys, sessions*perSession)

	consumer := openQueue(t, srv, "shared")
	assert.Equal(t, int64(sessions*perSession), size(t, consumer))

	seen := make(map[string]bool)
	for {
		msg := dequeue(t, consumer)
		if msg == nil {
			break
		}
		assert.Equal(t, keys[msg.Key], string(msg.Payload))
		seen[string(msg.Payload)] = true
	}
	assert.Len(t, seen, sessions*perSession)
}

func TestQueue_PerSessionOrderUnderContention(t *testing.T) {
	srv := memory.NewServer()
	g, ctx := errgroup.WithContext(context.Background())
	for s := 0; s < 3; s++ {
		q := openQueue(t, srv, "order")
		s := s
		g.Go(func() error {
			for i := 0; i < 10; i++ {
				if _, err := q.Enqueue(ctx, []byte(fmt.Sprintf("%d:%02d", s, i))); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	consumer := openQueue(t, srv, "order")
	last := map[byte]string{}
	for {
		msg := dequeue(t, consumer)
		if msg == nil {
			break
		}
		p := string(msg.Payload)
		assert.Greater(t, p, last[p[0]], "producer order preserved")
		last[p[0]] = p
	}
}

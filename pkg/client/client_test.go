package client_test

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snehjoshi/cacheq/internal/config"
	"github.com/snehjoshi/cacheq/internal/connection"
	"github.com/snehjoshi/cacheq/internal/lease"
	"github.com/snehjoshi/cacheq/internal/metrics"
	"github.com/snehjoshi/cacheq/internal/queue"
	"github.com/snehjoshi/cacheq/internal/storage"
	"github.com/snehjoshi/cacheq/internal/storage/memory"
	transphttp "github.com/snehjoshi/cacheq/internal/transport/http"
	"github.com/snehjoshi/cacheq/pkg/client"
)

// ─── helpers ──────────────────────────────────────────────────────────────────

// ctx is a convenience context for tests.
func ctx() context.Context { return context.Background() }

func newQueue(t *testing.T, srv *memory.Server, name string, opts ...client.Option) *client.Queue {
	t.Helper()
	opts = append([]client.Option{
		client.WithStore(memory.New(srv)),
		client.WithPollInterval(time.Millisecond),
	}, opts...)
	q, err := client.New(name, "localhost", 11211, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

// newGateway serves a memory-backed cacheq HTTP stack and returns a Gateway
// pointed at it.
func newGateway(t *testing.T, opts ...client.GatewayOption) *client.Gateway {
	t.Helper()
	srv := memory.NewServer()

	qcfg := queue.DefaultConfig()
	qcfg.Owner = "gateway-test"
	qcfg.Connection = connection.Config{Servers: []string{"mem:0"}, ShortSleep: time.Millisecond}
	qcfg.Lease = lease.Config{TTL: 10 * time.Second, PollInterval: time.Millisecond, MaxAttempts: 3}

	mgr := queue.NewManager(func(name string) (*queue.Queue, error) {
		return queue.New(name, memory.New(srv), qcfg)
	})
	t.Cleanup(func() { _ = mgr.Close(ctx()) })

	scfg := config.Default().Server
	scfg.RateLimit.RPS = 0
	scfg.Auth.Enabled = true
	scfg.Auth.APIKey = "k"

	ts := httptest.NewServer(transphttp.New(mgr, scfg, &metrics.Registry{}, zerolog.Nop(), "n1").Handler())
	t.Cleanup(ts.Close)
	return client.NewGateway(ts.URL, opts...)
}

// ─── Queue ────────────────────────────────────────────────────────────────────

func TestQueue_ConnectsOnConstruction(t *testing.T) {
	srv := memory.NewServer()
	q := newQueue(t, srv, "orders")

	assert.True(t, q.IsConnected())
	head, ok := srv.Peek("orders_head")
	require.True(t, ok)
	assert.Equal(t, "1", string(head))
	_, ok = srv.Peek("orders_tail")
	assert.True(t, ok)
}

func TestQueue_OrdersScenario(t *testing.T) {
	srv := memory.NewServer()
	q := newQueue(t, srv, "orders")

	key, err := q.AddMessage(ctx(), []byte("A"))
	require.NoError(t, err)
	assert.Equal(t, "orders_1", key)
	key, err = q.AddMessage(ctx(), []byte("B"))
	require.NoError(t, err)
	assert.Equal(t, "orders_2", key)

	n, err := q.Size(ctx())
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	body, err := q.GetMessage(ctx())
	require.NoError(t, err)
	assert.Equal(t, "A", string(body))
	body, err = q.GetMessage(ctx())
	require.NoError(t, err)
	assert.Equal(t, "B", string(body))

	head, _ := srv.Peek("orders_head")
	tail, _ := srv.Peek("orders_tail")
	assert.Equal(t, "1", string(head))
	assert.Equal(t, "1", string(tail))

	body, err = q.GetMessage(ctx())
	require.NoError(t, err)
	assert.Nil(t, body)

	n, err = q.Size(ctx())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestQueue_StoreDownAtConstruction(t *testing.T) {
	srv := memory.NewServer()
	srv.SetDown(true)
	q := newQueue(t, srv, "orders", client.WithConnectRetries(1))

	assert.False(t, q.IsConnected())

	_, err := q.AddMessage(ctx(), []byte("A"))
	assert.True(t, errors.Is(err, client.ErrNotConnected), "got %v", err)

	srv.SetDown(false)
	_, err = q.AddMessage(ctx(), []byte("A"))
	require.NoError(t, err)
	assert.True(t, q.IsConnected())
}

func TestQueue_SetOwner(t *testing.T) {
	srv := memory.NewServer()
	q := newQueue(t, srv, "jobs", client.WithOwner("worker-a"))

	require.NoError(t, q.SetOwner("worker-b"))
	_, err := q.AddMessage(ctx(), []byte("x"))
	require.NoError(t, err)

	assert.Error(t, q.SetOwner("has space"))
	assert.Error(t, q.SetOwner(""))
}

func TestQueue_InvalidInputs(t *testing.T) {
	_, err := client.New("bad name", "localhost", 11211)
	assert.True(t, errors.Is(err, client.ErrInvalidName))

	_, err = client.New("q", "localhost", 11211, client.WithBackend("nope"))
	assert.Error(t, err)

	_, err = client.New("q", "localhost", 11211, client.WithOwner("a/b"))
	assert.Error(t, err)
}

func TestQueue_PayloadLimit(t *testing.T) {
	srv := memory.NewServer()
	q := newQueue(t, srv, "small", client.WithMaxPayload(4))

	_, err := q.AddMessage(ctx(), []byte("12345"))
	assert.True(t, errors.Is(err, client.ErrPayloadTooLarge))
}

func TestQueue_LockTimeout(t *testing.T) {
	srv := memory.NewServer()
	q := newQueue(t, srv, "busy")

	other := memory.New(srv)
	require.NoError(t, other.Connect(ctx(), []string{"mem:0"}))
	require.NoError(t, other.Add(ctx(), "busy_access", []byte("other/1"), 10*time.Second))

	_, err := q.AddMessage(ctx(), []byte("x"))
	assert.True(t, errors.Is(err, client.ErrLockTimeout), "got %v", err)
}

func TestQueue_MessageTTL(t *testing.T) {
	srv := memory.NewServer()
	now := time.Now()
	srv.SetClock(func() time.Time { return now })
	q := newQueue(t, srv, "ttl", client.WithMessageTTL(time.Minute))

	_, err := q.AddMessage(ctx(), []byte("x"))
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	body, err := q.GetMessage(ctx())
	require.NoError(t, err)
	assert.Nil(t, body, "expired payload is skipped")
}

func TestQueue_CloseIsIdempotent(t *testing.T) {
	srv := memory.NewServer()
	q := newQueue(t, srv, "c")
	require.NoError(t, q.Close())
	require.NoError(t, q.Close())
	assert.False(t, q.IsConnected())
}

func TestQueue_SharedAcrossHandles(t *testing.T) {
	srv := memory.NewServer()
	producer := newQueue(t, srv, "shared", client.WithOwner("p"))
	consumer := newQueue(t, srv, "shared", client.WithOwner("c"))

	for _, p := range []string{"1", "2", "3"} {
		_, err := producer.AddMessage(ctx(), []byte(p))
		require.NoError(t, err)
	}
	for _, want := range []string{"1", "2", "3"} {
		body, err := consumer.GetMessage(ctx())
		require.NoError(t, err)
		assert.Equal(t, want, string(body))
	}
}

// ─── Gateway ──────────────────────────────────────────────────────────────────

func TestGateway_RoundTrip(t *testing.T) {
	g := newGateway(t, client.WithAPIKey("k"))

	h, err := g.Health(ctx())
	require.NoError(t, err)
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, "n1", h.NodeID)

	key, err := g.Enqueue(ctx(), "orders", []byte(`{"id":1}`))
	require.NoError(t, err)
	assert.Equal(t, "orders_1", key)

	n, err := g.Size(ctx(), "orders")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	qs, err := g.Queues(ctx())
	require.NoError(t, err)
	assert.Equal(t, []string{"orders"}, qs)

	msg, err := g.Dequeue(ctx(), "orders")
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "orders_1", msg.Key)
	assert.Equal(t, `{"id":1}`, string(msg.Body))

	msg, err = g.Dequeue(ctx(), "orders")
	require.NoError(t, err)
	assert.Nil(t, msg)
}

func TestGateway_Unauthorized(t *testing.T) {
	g := newGateway(t)

	_, err := g.Enqueue(ctx(), "orders", []byte("x"))
	var ae *client.APIError
	require.True(t, errors.As(err, &ae), "got %v", err)
	assert.Equal(t, 401, ae.StatusCode)
	assert.Equal(t, "unauthorized", ae.Message)
}

func TestGateway_ErrorHelpers(t *testing.T) {
	assert.True(t, client.IsUnavailable(errors.Wrap(&client.APIError{StatusCode: 503}, "x")))
	assert.True(t, client.IsConflict(&client.APIError{StatusCode: 409}))
	assert.False(t, client.IsConflict(storage.ErrNotFound))
}

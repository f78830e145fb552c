// Package client is the Go SDK for CacheQ.
//
// It offers two ways in. Queue talks to the cache directly and is what
// producers and consumers embed:
//
//	q, err := client.New("orders", "localhost", 11211)
//	if err != nil { ... }
//	defer q.Close()
//
//	key, err := q.AddMessage(ctx, []byte(`{"id":42}`))
//	body, err := q.GetMessage(ctx) // nil, nil when the queue is empty
//
// Gateway talks to a cacheq server over HTTP, for callers that cannot reach
// the cache themselves:
//
//	g := client.NewGateway("http://localhost:8080", client.WithAPIKey("secret"))
//	key, err := g.Enqueue(ctx, "orders", []byte(`{"id":42}`))
//
// # Error handling
//
// Queue methods return the engine's sentinel errors (ErrNotConnected,
// ErrLockTimeout, ErrPositionTaken, ...) wrapped with context; match them
// with errors.Is. Gateway methods return an *APIError for non-2xx replies.
package client

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/snehjoshi/cacheq/internal/connection"
	"github.com/snehjoshi/cacheq/internal/lease"
	"github.com/snehjoshi/cacheq/internal/node"
	"github.com/snehjoshi/cacheq/internal/queue"
	"github.com/snehjoshi/cacheq/internal/storage"
	"github.com/snehjoshi/cacheq/internal/storage/backend"
)

// Sentinel errors re-exported for errors.Is checks.
var (
	ErrNotConnected    = connection.ErrNotConnected
	ErrLockTimeout     = lease.ErrTimeout
	ErrPointerRead     = queue.ErrPointerRead
	ErrPositionTaken   = queue.ErrPositionTaken
	ErrPayloadTooLarge = queue.ErrPayloadTooLarge
	ErrInvalidName     = queue.ErrInvalidName
	ErrUnavailable     = storage.ErrUnavailable
)

// Backend names accepted by WithBackend.
const (
	BackendMemcache = string(backend.Memcache)
	BackendRedis    = string(backend.Redis)
	BackendLocal    = string(backend.Local)
	BackendMemory   = string(backend.Memory)
)

// ─── Options ──────────────────────────────────────────────────────────────────

type settings struct {
	backend      backend.Options
	servers      []string
	store        storage.Store
	pollInterval time.Duration
	timeout      time.Duration
	retries      int
	owner        string
	messageTTL   time.Duration
	maxPayload   int
	log          zerolog.Logger
}

// Option configures a Queue.
type Option func(*settings)

// WithPollInterval sets the pause between lease acquisition attempts.
// The default is 30ms.
func WithPollInterval(d time.Duration) Option {
	return func(s *settings) { s.pollInterval = d }
}

// WithStoreTimeout sets the store I/O timeout. A value above one second is
// also used as the pause between connect attempts.
func WithStoreTimeout(d time.Duration) Option {
	return func(s *settings) { s.timeout = d }
}

// WithConnectRetries sets how many times a failed connect is retried.
func WithConnectRetries(n int) Option {
	return func(s *settings) { s.retries = n }
}

// WithOwner sets the identity written into lease tokens. The default is a
// fresh ULID per Queue.
func WithOwner(owner string) Option {
	return func(s *settings) { s.owner = owner }
}

// WithBackend selects the cache backend by name. The default is memcache.
func WithBackend(name string) Option {
	return func(s *settings) { s.backend.Kind = backend.Kind(name) }
}

// WithRedisAuth sets the password and database for the redis backend.
func WithRedisAuth(password string, db int) Option {
	return func(s *settings) {
		s.backend.Password = password
		s.backend.DB = db
	}
}

// WithServers replaces the host:port given to New with an explicit server
// list. For the local backend the single entry is a file path.
func WithServers(servers ...string) Option {
	return func(s *settings) { s.servers = servers }
}

// WithStore uses st instead of building a store from WithBackend.
func WithStore(st storage.Store) Option {
	return func(s *settings) { s.store = st }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l zerolog.Logger) Option {
	return func(s *settings) { s.log = l }
}

// WithMessageTTL bounds how long an unconsumed payload lives in the cache.
func WithMessageTTL(d time.Duration) Option {
	return func(s *settings) { s.messageTTL = d }
}

// WithMaxPayload overrides the payload size limit (1 MiB by default). 0
// disables the check.
func WithMaxPayload(n int) Option {
	return func(s *settings) { s.maxPayload = n }
}

// ─── Queue ────────────────────────────────────────────────────────────────────

// Queue is a handle on one named queue. Calls on a Queue are serialized;
// use one Queue per goroutine for parallelism.
type Queue struct {
	q *queue.Queue
}

// New returns a handle on queueName stored on the cache at host:port and
// attempts the connection right away. A failed connect is not an error here:
// check IsConnected, or let the first operation retry it.
func New(queueName, host string, port int, opts ...Option) (*Queue, error) {
	s := settings{
		pollInterval: lease.DefaultConfig().PollInterval,
		maxPayload:   queue.DefaultMaxPayloadBytes,
		log:          zerolog.Nop(),
	}
	for _, o := range opts {
		o(&s)
	}
	if len(s.servers) == 0 {
		s.servers = []string{net.JoinHostPort(host, strconv.Itoa(port))}
	}
	if s.owner == "" {
		s.owner = node.Ephemeral().String()
	} else if err := node.ValidateOwner(s.owner); err != nil {
		return nil, err
	}

	st := s.store
	if st == nil {
		s.backend.IOTimeout = s.timeout
		var err error
		if st, err = backend.New(s.backend); err != nil {
			return nil, err
		}
	}

	conn := connection.DefaultConfig(s.servers...)
	conn.Timeout = s.timeout
	conn.ConnectRetries = s.retries

	lcfg := lease.DefaultConfig()
	lcfg.PollInterval = s.pollInterval

	q, err := queue.New(queueName, st, queue.Config{
		Owner:           s.owner,
		Connection:      conn,
		Lease:           lcfg,
		MessageTTL:      s.messageTTL,
		MaxPayloadBytes: s.maxPayload,
	}, queue.WithLogger(s.log.With().Str("component", "client").Logger()))
	if err != nil {
		return nil, err
	}
	q.Connect(context.Background())
	return &Queue{q: q}, nil
}

// Name returns the queue name.
func (c *Queue) Name() string { return c.q.Name() }

// IsConnected reports whether the cache session is up.
func (c *Queue) IsConnected() bool { return c.q.Connected() }

// SetOwner changes the lease owner from the next operation on.
func (c *Queue) SetOwner(owner string) error {
	if err := node.ValidateOwner(owner); err != nil {
		return err
	}
	c.q.SetOwner(owner)
	return nil
}

// Size returns the number of messages waiting.
func (c *Queue) Size(ctx context.Context) (int64, error) {
	return c.q.Size(ctx)
}

// AddMessage appends payload and returns the cache key it was stored under.
func (c *Queue) AddMessage(ctx context.Context, payload []byte) (string, error) {
	return c.q.Enqueue(ctx, payload)
}

// GetMessage removes and returns the oldest payload. It returns nil, nil
// when the queue is empty.
func (c *Queue) GetMessage(ctx context.Context) ([]byte, error) {
	msg, err := c.q.Dequeue(ctx)
	if err != nil || msg == nil {
		return nil, err
	}
	return msg.Payload, nil
}

// Close releases any held lease and disconnects. It is safe to call twice.
func (c *Queue) Close() error {
	return c.q.Close(context.Background())
}

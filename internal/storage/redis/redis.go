// Package redis is the Redis backend for CacheQ.
//
// Add maps to SET NX, which gives the same create-if-absent guarantee as
// memcached's add. Because Redis can run scripts atomically, this backend
// also implements storage.CompareAndDeleter, so lease release never removes
// a lease that has passed to another owner.
package redis

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	goredis "github.com/redis/go-redis/v9"

	"github.com/snehjoshi/cacheq/internal/storage"
)

// compareAndDelete removes KEYS[1] only when it still holds ARGV[1].
// Returns 1 on delete, 0 on mismatch, -1 when the key is absent.
var compareAndDelete = goredis.NewScript(`
local v = redis.call("GET", KEYS[1])
if not v then
	return -1
end
if v == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Config tunes the underlying client.
type Config struct {
	Username  string
	Password  string
	DB        int
	IOTimeout time.Duration
}

// Store is a Redis session. Only the first server in the list is used;
// clustering is out of scope.
type Store struct {
	cfg Config

	mu  sync.RWMutex
	rdb *goredis.Client
}

var _ storage.Store = (*Store)(nil)
var _ storage.CompareAndDeleter = (*Store)(nil)

// New returns a disconnected Redis store.
func New(cfg Config) *Store {
	return &Store{cfg: cfg}
}

// Connect dials servers[0] and verifies it with PING.
func (s *Store) Connect(ctx context.Context, servers []string) error {
	if len(servers) == 0 {
		return errors.New("redis: no servers configured")
	}
	opts := &goredis.Options{
		Addr:     servers[0],
		Username: s.cfg.Username,
		Password: s.cfg.Password,
		DB:       s.cfg.DB,
	}
	if s.cfg.IOTimeout > 0 {
		opts.DialTimeout = s.cfg.IOTimeout
		opts.ReadTimeout = s.cfg.IOTimeout
		opts.WriteTimeout = s.cfg.IOTimeout
	}
	rdb := goredis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return storage.Unavailable(err, "connect")
	}

	s.mu.Lock()
	old := s.rdb
	s.rdb = rdb
	s.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	return nil
}

func (s *Store) client(ctx context.Context, op string) (*goredis.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.rdb == nil {
		return nil, storage.Unavailable(errors.New("session closed"), op)
	}
	return s.rdb, nil
}

// Get implements storage.Store.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	rdb, err := s.client(ctx, "get")
	if err != nil {
		return nil, err
	}
	v, err := rdb.Get(ctx, key).Bytes()
	if err != nil {
		return nil, translate(err, "get", key)
	}
	return v, nil
}

// Set implements storage.Store.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	rdb, err := s.client(ctx, "set")
	if err != nil {
		return err
	}
	return translate(rdb.Set(ctx, key, value, expiration(ttl)).Err(), "set", key)
}

// Add implements storage.Store.
func (s *Store) Add(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	rdb, err := s.client(ctx, "add")
	if err != nil {
		return err
	}
	ok, err := rdb.SetNX(ctx, key, value, expiration(ttl)).Result()
	if err != nil {
		return translate(err, "add", key)
	}
	if !ok {
		return storage.ErrNotStored
	}
	return nil
}

// Delete implements storage.Store.
func (s *Store) Delete(ctx context.Context, key string) error {
	rdb, err := s.client(ctx, "delete")
	if err != nil {
		return err
	}
	n, err := rdb.Del(ctx, key).Result()
	if err != nil {
		return translate(err, "delete", key)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// CompareAndDelete implements storage.CompareAndDeleter.
func (s *Store) CompareAndDelete(ctx context.Context, key string, expected []byte) error {
	rdb, err := s.client(ctx, "delete")
	if err != nil {
		return err
	}
	res, err := compareAndDelete.Run(ctx, rdb, []string{key}, expected).Int()
	if err != nil {
		return translate(err, "compare-and-delete", key)
	}
	switch res {
	case -1:
		return storage.ErrNotFound
	case 0:
		return storage.ErrMismatch
	}
	return nil
}

// Close implements storage.Store.
func (s *Store) Close() error {
	s.mu.Lock()
	rdb := s.rdb
	s.rdb = nil
	s.mu.Unlock()
	if rdb == nil {
		return nil
	}
	return rdb.Close()
}

// expiration clamps negative ttls to zero, which go-redis sends as "no expiry".
func expiration(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return 0
	}
	return ttl
}

func translate(err error, op, key string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, goredis.Nil) {
		return storage.ErrNotFound
	}
	var ne net.Error
	if errors.As(err, &ne) || errors.Is(err, goredis.ErrClosed) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return storage.Unavailable(err, op)
	}
	return errors.Wrapf(err, "redis: %s %q", op, key)
}

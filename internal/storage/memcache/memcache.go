// Package memcache is the memcached backend for CacheQ.
//
// It maps the Store capability set one-to-one onto the memcached text
// protocol through gomemcache: get, set, add (create-if-absent) and delete.
// Server selection across several servers is left to gomemcache's own
// ServerList hashing; CacheQ keeps all keys of one queue together by design
// of the key names, not by routing.
package memcache

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	gomemcache "github.com/bradfitz/gomemcache/memcache"
	"github.com/pkg/errors"

	"github.com/snehjoshi/cacheq/internal/storage"
)

// maxRelativeExpiry is the largest ttl memcached interprets as relative
// seconds; anything longer is read as an absolute unix timestamp.
const maxRelativeExpiry = 30 * 24 * time.Hour

// Config tunes the underlying client.
type Config struct {
	// IOTimeout bounds every socket read/write. Zero uses gomemcache's default.
	IOTimeout time.Duration
	// MaxIdleConns per server. Zero uses gomemcache's default.
	MaxIdleConns int
}

// Store is a memcached session.
type Store struct {
	cfg Config

	mu sync.RWMutex
	mc *gomemcache.Client
}

var _ storage.Store = (*Store)(nil)

// New returns a disconnected memcached store.
func New(cfg Config) *Store {
	return &Store{cfg: cfg}
}

// Connect builds a client for servers and pings every one of them; the
// session is only considered open when all servers answer.
func (s *Store) Connect(ctx context.Context, servers []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(servers) == 0 {
		return errors.New("memcache: no servers configured")
	}

	var sl gomemcache.ServerList
	if err := sl.SetServers(servers...); err != nil {
		return errors.Wrapf(err, "memcache: resolve servers %v", servers)
	}
	mc := gomemcache.NewFromSelector(&sl)
	if s.cfg.IOTimeout > 0 {
		mc.Timeout = s.cfg.IOTimeout
	}
	if s.cfg.MaxIdleConns > 0 {
		mc.MaxIdleConns = s.cfg.MaxIdleConns
	}
	if err := mc.Ping(); err != nil {
		closeClient(mc)
		return storage.Unavailable(err, "connect")
	}

	s.mu.Lock()
	old := s.mc
	s.mc = mc
	s.mu.Unlock()
	if old != nil {
		closeClient(old)
	}
	return nil
}

func (s *Store) client(ctx context.Context, op string) (*gomemcache.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.mc == nil {
		return nil, storage.Unavailable(errors.New("session closed"), op)
	}
	return s.mc, nil
}

// Get implements storage.Store.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	mc, err := s.client(ctx, "get")
	if err != nil {
		return nil, err
	}
	it, err := mc.Get(key)
	if err != nil {
		return nil, translate(err, "get", key)
	}
	return it.Value, nil
}

// Set implements storage.Store.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	mc, err := s.client(ctx, "set")
	if err != nil {
		return err
	}
	return translate(mc.Set(&gomemcache.Item{Key: key, Value: value, Expiration: expiration(ttl)}), "set", key)
}

// Add implements storage.Store.
func (s *Store) Add(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	mc, err := s.client(ctx, "add")
	if err != nil {
		return err
	}
	return translate(mc.Add(&gomemcache.Item{Key: key, Value: value, Expiration: expiration(ttl)}), "add", key)
}

// Delete implements storage.Store.
func (s *Store) Delete(ctx context.Context, key string) error {
	mc, err := s.client(ctx, "delete")
	if err != nil {
		return err
	}
	return translate(mc.Delete(key), "delete", key)
}

// Close drops the client and its idle connections.
func (s *Store) Close() error {
	s.mu.Lock()
	mc := s.mc
	s.mc = nil
	s.mu.Unlock()
	if mc != nil {
		closeClient(mc)
	}
	return nil
}

// closeClient releases idle connections on gomemcache versions that expose
// Close; older ones drop them with the client.
func closeClient(mc *gomemcache.Client) {
	if c, ok := any(mc).(io.Closer); ok {
		_ = c.Close()
	}
}

// expiration converts ttl to memcached seconds, rounding up so that a short
// lease never turns into "no expiry".
func expiration(ttl time.Duration) int32 {
	if ttl <= 0 {
		return 0
	}
	if ttl > maxRelativeExpiry {
		return int32(time.Now().Add(ttl).Unix())
	}
	secs := int32((ttl + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// translate maps gomemcache errors onto the storage sentinels.
func translate(err error, op, key string) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, gomemcache.ErrCacheMiss):
		return storage.ErrNotFound
	case errors.Is(err, gomemcache.ErrNotStored):
		return storage.ErrNotStored
	case errors.Is(err, gomemcache.ErrMalformedKey):
		return errors.Wrapf(err, "memcache: %s %q", op, key)
	case errors.Is(err, gomemcache.ErrNoServers), isNetError(err):
		return storage.Unavailable(err, op)
	}
	return errors.Wrapf(err, "memcache: %s %q", op, key)
}

func isNetError(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	var cte *gomemcache.ConnectTimeoutError
	if errors.As(err, &cte) {
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

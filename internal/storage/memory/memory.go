// Package memory is an in-process stand-in for a networked cache.
//
// A Server holds the shared key space; every Store is an independent client
// session against it, so several queue handles in one process behave exactly
// like several processes sharing one memcached. The server clock can be
// replaced so TTL expiry is testable without sleeping, and faults can be
// injected per operation.
package memory

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/snehjoshi/cacheq/internal/storage"
)

// Op names passed to a FaultFunc.
const (
	OpConnect = "connect"
	OpGet     = "get"
	OpSet     = "set"
	OpAdd     = "add"
	OpDelete  = "delete"
)

// FaultFunc is consulted before every operation. A non-nil return is handed
// back to the caller instead of executing the operation. It runs with the
// server lock held and must not call back into the Server.
type FaultFunc func(op, key string) error

type item struct {
	value   []byte
	expires time.Time // zero: never
}

// Server is the shared key space.
type Server struct {
	mu    sync.Mutex
	items map[string]item
	now   func() time.Time
	down  bool
	fault FaultFunc
}

// NewServer returns an empty, reachable server using the wall clock.
func NewServer() *Server {
	return &Server{
		items: make(map[string]item),
		now:   time.Now,
	}
}

// SetClock replaces the clock used for expiry decisions.
func (s *Server) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SetDown makes the server unreachable (true) or reachable again (false).
// While down every operation fails with storage.ErrUnavailable.
func (s *Server) SetDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = down
}

// SetFault installs (or clears, with nil) a fault injector.
func (s *Server) SetFault(f FaultFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = f
}

// Len returns the number of live (unexpired) keys.
func (s *Server) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	now := s.now()
	for _, it := range s.items {
		if !it.expired(now) {
			n++
		}
	}
	return n
}

// Peek returns the raw value under key without going through a session.
func (s *Server) Peek(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.lookup(key)
	if !ok {
		return nil, false
	}
	return clone(it.value), true
}

// Evict drops key as if the cache had evicted it under memory pressure.
func (s *Server) Evict(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
}

func (it item) expired(now time.Time) bool {
	return !it.expires.IsZero() && !now.Before(it.expires)
}

// lookup must be called with s.mu held. Expired entries are dropped lazily.
func (s *Server) lookup(key string) (item, bool) {
	it, ok := s.items[key]
	if !ok {
		return item{}, false
	}
	if it.expired(s.now()) {
		delete(s.items, key)
		return item{}, false
	}
	return it, true
}

func (s *Server) check(op, key string) error {
	if s.down {
		return storage.Unavailable(errors.New("connection refused"), op)
	}
	if s.fault != nil {
		if err := s.fault(op, key); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

// Store is one client session against a Server.
type Store struct {
	srv *Server

	mu        sync.Mutex
	connected bool
}

var _ storage.Store = (*Store)(nil)
var _ storage.CompareAndDeleter = (*Store)(nil)

// New returns a disconnected session against srv.
func New(srv *Server) *Store {
	return &Store{srv: srv}
}

// Connect marks the session usable. servers must be non-empty to mirror the
// network backends; the names themselves are not interpreted.
func (st *Store) Connect(ctx context.Context, servers []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(servers) == 0 {
		return errors.New("memory: no servers configured")
	}
	st.srv.mu.Lock()
	err := st.srv.check(OpConnect, "")
	st.srv.mu.Unlock()
	if err != nil {
		return err
	}

	st.mu.Lock()
	st.connected = true
	st.mu.Unlock()
	return nil
}

func (st *Store) begin(ctx context.Context, op, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	st.mu.Lock()
	connected := st.connected
	st.mu.Unlock()
	if !connected {
		return storage.Unavailable(errors.New("session closed"), op)
	}
	return st.srv.check(op, key)
}

// Get implements storage.Store.
func (st *Store) Get(ctx context.Context, key string) ([]byte, error) {
	st.srv.mu.Lock()
	defer st.srv.mu.Unlock()
	if err := st.begin(ctx, OpGet, key); err != nil {
		return nil, err
	}
	it, ok := st.srv.lookup(key)
	if !ok {
		return nil, storage.ErrNotFound
	}
	return clone(it.value), nil
}

// Set implements storage.Store.
func (st *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	st.srv.mu.Lock()
	defer st.srv.mu.Unlock()
	if err := st.begin(ctx, OpSet, key); err != nil {
		return err
	}
	st.srv.items[key] = item{value: clone(value), expires: st.srv.expiry(ttl)}
	return nil
}

// Add implements storage.Store.
func (st *Store) Add(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	st.srv.mu.Lock()
	defer st.srv.mu.Unlock()
	if err := st.begin(ctx, OpAdd, key); err != nil {
		return err
	}
	if _, ok := st.srv.lookup(key); ok {
		return storage.ErrNotStored
	}
	st.srv.items[key] = item{value: clone(value), expires: st.srv.expiry(ttl)}
	return nil
}

// Delete implements storage.Store.
func (st *Store) Delete(ctx context.Context, key string) error {
	st.srv.mu.Lock()
	defer st.srv.mu.Unlock()
	if err := st.begin(ctx, OpDelete, key); err != nil {
		return err
	}
	if _, ok := st.srv.lookup(key); !ok {
		return storage.ErrNotFound
	}
	delete(st.srv.items, key)
	return nil
}

// CompareAndDelete implements storage.CompareAndDeleter.
func (st *Store) CompareAndDelete(ctx context.Context, key string, expected []byte) error {
	st.srv.mu.Lock()
	defer st.srv.mu.Unlock()
	if err := st.begin(ctx, OpDelete, key); err != nil {
		return err
	}
	it, ok := st.srv.lookup(key)
	if !ok {
		return storage.ErrNotFound
	}
	if !bytes.Equal(it.value, expected) {
		return storage.ErrMismatch
	}
	delete(st.srv.items, key)
	return nil
}

// Close implements storage.Store.
func (st *Store) Close() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.connected = false
	return nil
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

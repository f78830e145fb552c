// Package storage defines the Store abstraction every CacheQ queue talks to.
//
// Design principle: the connection supervisor, the lease lock and the queue
// engine only ever reach the backing cache through this interface. The four
// primitive operations (get, set, add, delete) are all the queue algorithm
// needs; anything richer is a backend detail.
//
// Backends:
//   - memcache.Store  memcached via gomemcache
//   - redis.Store     Redis via go-redis (SET NX for add)
//   - local.Store     single-node bbolt file with TTLs
//   - memory.Store    in-process map, used by tests and dev setups
package storage

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// ErrNotFound is returned by Get and Delete when the key does not exist
// (never written, deleted, expired or evicted).
var ErrNotFound = errors.New("storage: key not found")

// ErrNotStored is returned by Add when the key already exists.
var ErrNotStored = errors.New("storage: key already exists")

// ErrUnavailable wraps transport-level failures: the server could not be
// reached, the session was closed, or the connection broke mid-operation.
// Callers treat it as "disconnected" and must reconnect before retrying.
var ErrUnavailable = errors.New("storage: server unavailable")

// ErrMismatch is returned by CompareAndDelete when the stored value differs
// from the expected one.
var ErrMismatch = errors.New("storage: value mismatch")

// NoExpiry is the ttl value for entries that must never expire on their own.
const NoExpiry time.Duration = 0

// Store is a session against one key-value cache.
//
// A Store is created disconnected; Connect must succeed before any other
// method is used. Connect after Close re-opens the session. Implementations
// must be safe for concurrent use, although CacheQ drives one Store from one
// goroutine at a time.
type Store interface {
	// Connect opens the session against servers. The meaning of each entry is
	// backend specific ("host:port" for network caches, a file path for local).
	Connect(ctx context.Context, servers []string) error

	// Get returns the value stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set writes value under key unconditionally. ttl <= 0 means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Add writes value under key only if the key does not exist yet. It
	// returns ErrNotStored when the key is present. The check and the write
	// are atomic at the server.
	Add(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. It returns ErrNotFound when the key is absent.
	Delete(ctx context.Context, key string) error

	// Close tears the session down. It is safe to call more than once.
	Close() error
}

// CompareAndDeleter is implemented by backends that can delete a key only
// when it still holds an expected value, atomically at the server.
type CompareAndDeleter interface {
	CompareAndDelete(ctx context.Context, key string, expected []byte) error
}

// IsUnavailable reports whether err is a transport failure that should drop
// the session back to the disconnected state.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// Unavailable wraps cause so that errors.Is(err, ErrUnavailable) holds while
// the underlying message stays readable in logs.
func Unavailable(cause error, op string) error {
	if cause == nil {
		return nil
	}
	return &unavailableError{op: op, cause: cause}
}

type unavailableError struct {
	op    string
	cause error
}

func (e *unavailableError) Error() string {
	return "storage: " + e.op + ": server unavailable: " + e.cause.Error()
}

func (e *unavailableError) Unwrap() []error { return []error{ErrUnavailable, e.cause} }

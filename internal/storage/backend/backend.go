// Package backend turns a backend name from configuration into a Store.
package backend

import (
	"time"

	"github.com/pkg/errors"

	"github.com/snehjoshi/cacheq/internal/storage"
	"github.com/snehjoshi/cacheq/internal/storage/local"
	"github.com/snehjoshi/cacheq/internal/storage/memcache"
	"github.com/snehjoshi/cacheq/internal/storage/memory"
	"github.com/snehjoshi/cacheq/internal/storage/redis"
)

// Kind names a backend.
type Kind string

const (
	Memcache Kind = "memcache"
	Redis    Kind = "redis"
	Local    Kind = "local"
	Memory   Kind = "memory"
)

// ErrUnknownKind is returned for a backend name New does not recognise.
var ErrUnknownKind = errors.New("backend: unknown kind")

// Options carries the settings shared by all backends. Fields that do not
// apply to the chosen kind are ignored.
type Options struct {
	Kind      Kind
	IOTimeout time.Duration

	// Redis only.
	Password string
	DB       int

	// Memory only. Nil uses a process-wide shared server so that every
	// handle opened with the memory backend sees the same key space.
	MemoryServer *memory.Server
}

var sharedMemory = memory.NewServer()

// New returns a disconnected Store for opts.Kind.
func New(opts Options) (storage.Store, error) {
	switch opts.Kind {
	case Memcache, "":
		return memcache.New(memcache.Config{IOTimeout: opts.IOTimeout}), nil
	case Redis:
		return redis.New(redis.Config{
			Password:  opts.Password,
			DB:        opts.DB,
			IOTimeout: opts.IOTimeout,
		}), nil
	case Local:
		return local.New(local.Config{OpenTimeout: opts.IOTimeout}), nil
	case Memory:
		srv := opts.MemoryServer
		if srv == nil {
			srv = sharedMemory
		}
		return memory.New(srv), nil
	}
	return nil, errors.Wrapf(ErrUnknownKind, "%q", opts.Kind)
}

// Valid reports whether k names a known backend.
func Valid(k Kind) bool {
	switch k {
	case Memcache, Redis, Local, Memory:
		return true
	}
	return false
}

// Package local is a single-node CacheQ backend on top of a bbolt file.
//
// It gives the queue durable state without running a cache server, which is
// handy for development and for one-box deployments. bbolt takes an exclusive
// file lock, so only one process can have a given file open at a time. Stores
// inside that process share one *bbolt.DB per path, reference counted.
//
// Entries carry their own expiry so leases behave as they do in memcached:
//
//	[expiresUnixNano : 8 bytes, int64, 0 = never]
//	[value           : remaining bytes          ]
//
// Expired entries read as absent and are removed lazily or by Sweep.
package local

import (
	"bytes"
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.etcd.io/bbolt"

	"github.com/snehjoshi/cacheq/internal/storage"
)

var bucketKV = []byte("kv")

const headerLen = 8

// Config tunes the local store.
type Config struct {
	// OpenTimeout bounds the wait for bbolt's file lock. Zero waits 1s.
	OpenTimeout time.Duration
	// Now overrides the clock used for expiry. Nil uses time.Now.
	Now func() time.Time
}

// Store is a bbolt-backed session.
type Store struct {
	cfg Config

	mu   sync.RWMutex
	db   *bbolt.DB
	path string
}

type sharedDB struct {
	db   *bbolt.DB
	refs int
}

var (
	poolMu sync.Mutex
	pool   = make(map[string]*sharedDB)
)

// openShared returns the process-wide handle for path, opening the file on
// first use.
func openShared(path string, timeout time.Duration) (*bbolt.DB, error) {
	poolMu.Lock()
	defer poolMu.Unlock()
	if sh, ok := pool[path]; ok {
		sh.refs++
		return sh.db, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, errors.Wrapf(err, "local: create dir for %s", path)
	}
	db, err := bbolt.Open(path, 0o640, &bbolt.Options{Timeout: timeout})
	if err != nil {
		return nil, storage.Unavailable(errors.Wrapf(err, "open %s", path), "connect")
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketKV)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "local: init bucket")
	}
	pool[path] = &sharedDB{db: db, refs: 1}
	return db, nil
}

// closeShared drops one reference and closes the file with the last one.
func closeShared(path string) error {
	poolMu.Lock()
	defer poolMu.Unlock()
	sh, ok := pool[path]
	if !ok {
		return nil
	}
	sh.refs--
	if sh.refs > 0 {
		return nil
	}
	delete(pool, path)
	return sh.db.Close()
}

var _ storage.Store = (*Store)(nil)
var _ storage.CompareAndDeleter = (*Store)(nil)

// New returns a closed local store.
func New(cfg Config) *Store {
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Store{cfg: cfg}
}

// Connect opens (or creates) the bbolt file at servers[0].
func (s *Store) Connect(ctx context.Context, servers []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(servers) == 0 || servers[0] == "" {
		return errors.New("local: no database path configured")
	}
	path, err := filepath.Abs(servers[0])
	if err != nil {
		return errors.Wrapf(err, "local: resolve %s", servers[0])
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return nil
	}

	db, err := openShared(path, s.cfg.OpenTimeout)
	if err != nil {
		return err
	}
	s.db = db
	s.path = path
	return nil
}

func (s *Store) handle(ctx context.Context, op string) (*bbolt.DB, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, storage.Unavailable(errors.New("database closed"), op)
	}
	return s.db, nil
}

// Get implements storage.Store.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	db, err := s.handle(ctx, "get")
	if err != nil {
		return nil, err
	}
	var out []byte
	err = db.View(func(tx *bbolt.Tx) error {
		v, ok := s.live(tx.Bucket(bucketKV).Get([]byte(key)))
		if !ok {
			return storage.ErrNotFound
		}
		out = append([]byte(nil), v...)
		return nil
	})
	return out, err
}

// Set implements storage.Store.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	db, err := s.handle(ctx, "set")
	if err != nil {
		return err
	}
	return db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketKV).Put([]byte(key), s.encode(value, ttl))
	})
}

// Add implements storage.Store.
func (s *Store) Add(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	db, err := s.handle(ctx, "add")
	if err != nil {
		return err
	}
	return db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketKV)
		if _, ok := s.live(b.Get([]byte(key))); ok {
			return storage.ErrNotStored
		}
		return b.Put([]byte(key), s.encode(value, ttl))
	})
}

// Delete implements storage.Store.
func (s *Store) Delete(ctx context.Context, key string) error {
	db, err := s.handle(ctx, "delete")
	if err != nil {
		return err
	}
	return db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketKV)
		if _, ok := s.live(b.Get([]byte(key))); !ok {
			return storage.ErrNotFound
		}
		return b.Delete([]byte(key))
	})
}

// CompareAndDelete implements storage.CompareAndDeleter.
func (s *Store) CompareAndDelete(ctx context.Context, key string, expected []byte) error {
	db, err := s.handle(ctx, "delete")
	if err != nil {
		return err
	}
	return db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketKV)
		v, ok := s.live(b.Get([]byte(key)))
		if !ok {
			return storage.ErrNotFound
		}
		if !bytes.Equal(v, expected) {
			return storage.ErrMismatch
		}
		return b.Delete([]byte(key))
	})
}

// Sweep removes every expired entry and returns how many were dropped.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	db, err := s.handle(ctx, "sweep")
	if err != nil {
		return 0, err
	}
	n := 0
	err = db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketKV)
		// Deleting under a live cursor skips entries; collect first.
		var expired [][]byte
		if err := b.ForEach(func(k, v []byte) error {
			if _, ok := s.live(v); !ok {
				expired = append(expired, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range expired {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		n = len(expired)
		return nil
	})
	return n, err
}

// Close implements storage.Store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	s.db = nil
	return closeShared(s.path)
}

func (s *Store) encode(value []byte, ttl time.Duration) []byte {
	buf := make([]byte, headerLen+len(value))
	var exp int64
	if ttl > 0 {
		exp = s.cfg.Now().Add(ttl).UnixNano()
	}
	binary.BigEndian.PutUint64(buf, uint64(exp))
	copy(buf[headerLen:], value)
	return buf
}

// live decodes a raw bbolt value and reports whether it is present and
// unexpired. The returned slice aliases bbolt memory and is only valid
// inside the transaction.
func (s *Store) live(raw []byte) ([]byte, bool) {
	if len(raw) < headerLen {
		return nil, false
	}
	exp := int64(binary.BigEndian.Uint64(raw))
	if exp != 0 && s.cfg.Now().UnixNano() >= exp {
		return nil, false
	}
	return raw[headerLen:], true
}

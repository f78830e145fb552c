// Package lease implements a mutual-exclusion lock on top of a cache that
// only offers create-if-absent.
//
// The lock is a single well-known key. Acquiring it means creating the key
// with a short TTL; the TTL frees the lock if its holder dies. Every
// acquisition writes a fresh token "<owner>/<uuid>" and release only deletes
// the key while it still carries that token, so a holder whose lease already
// expired cannot release somebody else's.
package lease

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/snehjoshi/cacheq/internal/metrics"
	"github.com/snehjoshi/cacheq/internal/storage"
)

// ErrTimeout is returned when the lock stayed taken for every attempt.
var ErrTimeout = errors.New("lease: timed out waiting for lock")

// Config controls acquisition.
type Config struct {
	TTL          time.Duration // lifetime of the lease key
	PollInterval time.Duration // pause between contended attempts
	MaxAttempts  int
}

// DefaultConfig returns a 10s lease polled every 30ms, 50 times.
func DefaultConfig() Config {
	return Config{
		TTL:          10 * time.Second,
		PollInterval: 30 * time.Millisecond,
		MaxAttempts:  50,
	}
}

// Option configures a Lock.
type Option func(*Lock)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(k *Lock) { k.log = l }
}

// WithMetrics records acquisitions under name.
func WithMetrics(reg *metrics.Registry, name string) Option {
	return func(k *Lock) {
		k.metrics = reg
		k.name = name
	}
}

// Lock is one session's handle on a lease key. It is safe for concurrent use
// but a session holds the lease at most once.
type Lock struct {
	store   storage.Store
	key     string
	cfg     Config
	log     zerolog.Logger
	metrics *metrics.Registry
	name    string

	mu    sync.Mutex
	owner string
	token []byte // nil while not held
}

// New returns an unheld Lock on key.
func New(store storage.Store, key, owner string, cfg Config, opts ...Option) *Lock {
	def := DefaultConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	k := &Lock{
		store: store,
		key:   key,
		cfg:   cfg,
		owner: owner,
		log:   zerolog.Nop(),
	}
	for _, o := range opts {
		o(k)
	}
	k.log = k.log.With().Str("component", "lease").Str("key", key).Logger()
	return k
}

// Key returns the lease key.
func (k *Lock) Key() string { return k.key }

// Owner returns the owner written into new tokens.
func (k *Lock) Owner() string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.owner
}

// SetOwner changes the owner used by the next acquisition.
func (k *Lock) SetOwner(owner string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.owner = owner
}

// Held reports whether this session believes it holds the lease. The belief
// can be stale once the TTL has passed.
func (k *Lock) Held() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.token != nil
}

// Acquire takes the lease, polling while another session holds it. It
// returns nil at once if this session already holds it.
func (k *Lock) Acquire(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.token != nil {
		return nil
	}
	token := []byte(k.owner + "/" + uuid.NewString())

	contended := 0
	for attempt := 1; attempt <= k.cfg.MaxAttempts; attempt++ {
		err := k.store.Add(ctx, k.key, token, k.cfg.TTL)
		if err == nil {
			k.token = token
			k.metrics.RecordLease(k.name, contended)
			k.log.Debug().Int("attempt", attempt).Msg("lease acquired")
			return nil
		}
		if !errors.Is(err, storage.ErrNotStored) {
			return errors.Wrap(err, "lease: acquire")
		}

		contended++
		if contended == 1 {
			k.logHolder(ctx)
		}
		if attempt == k.cfg.MaxAttempts {
			break
		}
		if err := sleep(ctx, k.cfg.PollInterval); err != nil {
			return err
		}
	}

	k.metrics.RecordLeaseTimeout(k.name)
	k.metrics.RecordError(k.name, metrics.KindLease)
	k.log.Warn().Int("attempts", k.cfg.MaxAttempts).Msg("unable to acquire lease")
	return errors.Wrapf(ErrTimeout, "%s after %d attempts", k.key, k.cfg.MaxAttempts)
}

func (k *Lock) logHolder(ctx context.Context) {
	holder, err := k.store.Get(ctx, k.key)
	switch {
	case err == nil:
		k.log.Debug().Str("holder", string(holder)).Msg("lease taken, waiting")
	case errors.Is(err, storage.ErrNotFound):
		k.log.Debug().Msg("lease freed while checking holder")
	default:
		k.log.Debug().Err(err).Msg("lease taken, holder unreadable")
	}
}

// Holder returns the token currently stored under the lease key, or "" if
// the lease is free.
func (k *Lock) Holder(ctx context.Context) (string, error) {
	v, err := k.store.Get(ctx, k.key)
	if errors.Is(err, storage.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(v), nil
}

// Release gives the lease up. It is a no-op when not held. A lease that
// expired, or now belongs to another session, is left alone.
func (k *Lock) Release(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	token := k.token
	if token == nil {
		return nil
	}
	k.token = nil

	var err error
	if cad, ok := k.store.(storage.CompareAndDeleter); ok {
		err = cad.CompareAndDelete(ctx, k.key, token)
	} else {
		err = k.getCompareDelete(ctx, token)
	}

	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrNotFound):
		k.log.Warn().Msg("lease expired before release")
		return nil
	case errors.Is(err, storage.ErrMismatch):
		k.log.Warn().Msg("lease expired and was taken by another session")
		return nil
	}
	k.log.Error().Stack().Err(err).Msg("lease release failed")
	return errors.Wrap(err, "lease: release")
}

// getCompareDelete is not atomic: the lease can change hands between the
// read and the delete. The window is the store round trip, far inside the TTL.
func (k *Lock) getCompareDelete(ctx context.Context, token []byte) error {
	cur, err := k.store.Get(ctx, k.key)
	if err != nil {
		return err
	}
	if !bytes.Equal(cur, token) {
		return storage.ErrMismatch
	}
	return k.store.Delete(ctx, k.key)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

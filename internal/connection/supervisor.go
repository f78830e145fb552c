// Package connection owns the lifecycle of one store session: lazy connect,
// bounded retries with a sleep between attempts, and reconnect on demand
// after the session is closed or found broken.
//
// State machine:
//
//	disconnected ──EnsureConnected──▶ connecting ──ok──▶ connected
//	     ▲                                │ retries exhausted     │
//	     └────────────────────────────────┘                       │
//	     └──────────────── Disconnect / MarkBroken ◀──────────────┘
//
// Individual get/set calls are never retried here; retry belongs to the
// connect phase only.
package connection

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/snehjoshi/cacheq/internal/metrics"
	"github.com/snehjoshi/cacheq/internal/storage"
)

// ErrNotConnected is returned by operations attempted without a session.
var ErrNotConnected = errors.New("connection: not connected")

// DefaultShortSleep is the pause between connect attempts when the configured
// timeout is one second or less.
const DefaultShortSleep = 250 * time.Millisecond

// pointerInit is the value written into absent pointer keys.
var pointerInit = []byte("1")

// State of a Supervisor.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return "unknown"
}

// Config controls connection behaviour.
type Config struct {
	// Servers is the store server list, e.g. "localhost:11211".
	Servers []string
	// Timeout is the store timeout. When it exceeds one second it is also the
	// pause between connect attempts.
	Timeout time.Duration
	// ConnectRetries is the number of retries after the first attempt.
	ConnectRetries int
	// ShortSleep is the pause between attempts when Timeout <= 1s.
	ShortSleep time.Duration
	// Pointers are created with value "1" when absent after every connect.
	Pointers []string
}

// DefaultConfig returns a single-attempt configuration for servers.
func DefaultConfig(servers ...string) Config {
	return Config{
		Servers:    servers,
		ShortSleep: DefaultShortSleep,
	}
}

func (c Config) pause() time.Duration {
	if c.Timeout > time.Second {
		return c.Timeout
	}
	if c.ShortSleep > 0 {
		return c.ShortSleep
	}
	return DefaultShortSleep
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Supervisor) { s.log = l }
}

// WithMetrics records connect attempts under name.
func WithMetrics(reg *metrics.Registry, name string) Option {
	return func(s *Supervisor) {
		s.metrics = reg
		s.name = name
	}
}

// Supervisor guards one storage.Store session.
type Supervisor struct {
	cfg     Config
	store   storage.Store
	log     zerolog.Logger
	metrics *metrics.Registry
	name    string

	mu    sync.Mutex
	state State
}

// New returns a disconnected Supervisor. It does not dial.
func New(store storage.Store, cfg Config, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:   cfg,
		store: store,
		log:   zerolog.Nop(),
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With().Str("component", "connection").Strs("servers", cfg.Servers).Logger()
	return s
}

// Store returns the supervised session. Callers must check Connected first.
func (s *Supervisor) Store() storage.Store { return s.store }

// State returns the current state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connected reports whether the session is usable.
func (s *Supervisor) Connected() bool { return s.State() == Connected }

// EnsureConnected connects if needed and reports whether the session is
// usable. It never panics; after the retry budget is spent the Supervisor
// stays disconnected and a later call starts over.
func (s *Supervisor) EnsureConnected(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Connected {
		return true
	}
	s.state = Connecting

	attempts := s.cfg.ConnectRetries + 1
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		err := s.connectOnce(ctx)
		s.metrics.RecordConnect(s.name, err != nil)
		if err == nil {
			s.state = Connected
			s.log.Debug().Int("attempt", attempt).Msg("connected")
			return true
		}
		s.log.Warn().Err(err).Int("attempt", attempt).Int("of", attempts).Msg("connect failed")
		if ctx.Err() != nil || attempt == attempts {
			break
		}
		if err := sleep(ctx, s.cfg.pause()); err != nil {
			break
		}
	}

	s.state = Disconnected
	s.metrics.RecordError(s.name, metrics.KindConnect)
	s.log.Error().Int("attempts", attempts).Msg("unable to connect to store")
	return false
}

func (s *Supervisor) connectOnce(ctx context.Context) error {
	if err := s.store.Connect(ctx, s.cfg.Servers); err != nil {
		return err
	}
	if err := s.initPointers(ctx); err != nil {
		_ = s.store.Close()
		return err
	}
	return nil
}

// initPointers creates absent pointer keys. Add is create-if-absent, so a
// session that initialised them first is never overwritten.
func (s *Supervisor) initPointers(ctx context.Context) error {
	for _, key := range s.cfg.Pointers {
		err := s.store.Add(ctx, key, pointerInit, storage.NoExpiry)
		switch {
		case err == nil:
			s.log.Debug().Str("key", key).Msg("pointer initialised")
		case errors.Is(err, storage.ErrNotStored):
		default:
			return errors.Wrapf(err, "connection: init %s", key)
		}
	}
	return nil
}

// Disconnect closes the session. It is safe to call in any state.
func (s *Supervisor) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Disconnected {
		return nil
	}
	s.state = Disconnected
	return s.store.Close()
}

// MarkBroken drops the session when err says the store is unreachable, so
// the next EnsureConnected dials again. It reports whether it did.
func (s *Supervisor) MarkBroken(err error) bool {
	if !storage.IsUnavailable(err) {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Connected {
		return false
	}
	s.state = Disconnected
	_ = s.store.Close()
	s.log.Warn().Err(err).Msg("store unreachable, session dropped")
	return true
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

// Package queue implements a FIFO queue whose entire state lives in a shared
// key-value cache, so producers and consumers in separate processes can share
// it without a broker.
//
// Layout for a queue named q:
//
//	q_head    position of the oldest message, decimal text
//	q_tail    next free position, decimal text
//	q_access  lease key; every mutation happens while it is held
//	q_<n>     payload stored at position n
//
// head == tail means empty. When they meet above 1 both are reset to 1.
package queue

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/snehjoshi/cacheq/internal/connection"
	"github.com/snehjoshi/cacheq/internal/lease"
	"github.com/snehjoshi/cacheq/internal/metrics"
	"github.com/snehjoshi/cacheq/internal/storage"
)

var (
	// ErrPointerRead is returned when head or tail could not be read. It wraps
	// the store error; an absent pointer is not an error.
	ErrPointerRead = errors.New("queue: pointer read failed")
	// ErrPositionTaken is returned when the tail position already holds a
	// message. The tail is left untouched.
	ErrPositionTaken = errors.New("queue: position already taken")
	// ErrPayloadTooLarge is returned for payloads over Config.MaxPayloadBytes.
	ErrPayloadTooLarge = errors.New("queue: payload too large")
	// ErrInvalidName is returned for names that cannot form store keys.
	ErrInvalidName = errors.New("queue: invalid name")
)

// DefaultMaxPayloadBytes is memcached's default item size limit.
const DefaultMaxPayloadBytes = 1 << 20

// DefaultMaxSkips bounds how many missing payloads one lease may step over.
const DefaultMaxSkips = 256

// ─── Config ───────────────────────────────────────────────────────────────────

// Config holds the tunables of one queue handle.
type Config struct {
	// Owner identifies this process in lease tokens.
	Owner string

	// Connection carries the server list and connect retry policy. Its
	// Pointers field is filled in by New.
	Connection connection.Config

	Lease lease.Config

	// MessageTTL bounds how long an unconsumed payload lives in the store.
	// 0 keeps payloads until they are dequeued or evicted.
	MessageTTL time.Duration

	// MaxPayloadBytes rejects larger payloads before touching the store.
	// 0 disables the check.
	MaxPayloadBytes int

	// MaxSkips caps the missing payloads Dequeue steps over while holding one
	// lease. Past it the lease is released and taken again before going on.
	// 0 uses DefaultMaxSkips.
	MaxSkips int
}

// DefaultConfig returns a Config for a local memcached.
func DefaultConfig() Config {
	return Config{
		Connection:      connection.DefaultConfig("localhost:11211"),
		Lease:           lease.DefaultConfig(),
		MaxPayloadBytes: DefaultMaxPayloadBytes,
		MaxSkips:        DefaultMaxSkips,
	}
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(q *Queue) { q.log = l }
}

// WithMetrics records operations in reg.
func WithMetrics(reg *metrics.Registry) Option {
	return func(q *Queue) { q.metrics = reg }
}

// ─── Queue ────────────────────────────────────────────────────────────────────

// Queue is one session's handle on a named queue. Operations on a handle are
// serialized; concurrency comes from several handles, usually in several
// processes, sharing the store.
type Queue struct {
	name    string
	keys    Keys
	cfg     Config
	store   storage.Store
	sup     *connection.Supervisor
	lock    *lease.Lock
	log     zerolog.Logger
	metrics *metrics.Registry

	mu sync.Mutex
	// orphans are delivered payloads whose delete failed. Position 1 is not
	// reused until they are gone.
	orphans []string
}

// New returns a handle on queue name backed by store. It does not connect;
// the first operation (or Connect) does.
func New(name string, store storage.Store, cfg Config, opts ...Option) (*Queue, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	q := &Queue{
		name:  name,
		keys:  NewKeys(name),
		cfg:   cfg,
		store: store,
		log:   zerolog.Nop(),
	}
	for _, o := range opts {
		o(q)
	}
	q.log = q.log.With().Str("queue", name).Logger()

	connCfg := cfg.Connection
	connCfg.Pointers = []string{q.keys.Head, q.keys.Tail}
	q.sup = connection.New(store, connCfg,
		connection.WithLogger(q.log),
		connection.WithMetrics(q.metrics, name),
	)
	q.lock = lease.New(store, q.keys.Access, cfg.Owner, cfg.Lease,
		lease.WithLogger(q.log),
		lease.WithMetrics(q.metrics, name),
	)
	return q, nil
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// Keys returns the store keys of this queue.
func (q *Queue) Keys() Keys { return q.keys }

// Connect establishes the session if needed and reports whether it is usable.
func (q *Queue) Connect(ctx context.Context) bool {
	return q.sup.EnsureConnected(ctx)
}

// Connected reports whether the session is currently usable.
func (q *Queue) Connected() bool { return q.sup.Connected() }

// SetOwner changes the owner written into lease tokens from the next
// acquisition on.
func (q *Queue) SetOwner(owner string) { q.lock.SetOwner(owner) }

// ─── Size ─────────────────────────────────────────────────────────────────────

// Size returns tail − head. An uninitialized or inverted pointer pair reports 0.
func (q *Queue) Size(ctx context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var size int64
	err := q.withLease(ctx, "size", func() error {
		head, tail, err := q.readPointers(ctx)
		if err != nil {
			return err
		}
		switch {
		case head == 0 || tail == 0:
			q.log.Debug().Int64("head", head).Int64("tail", tail).Msg("size: pointers uninitialized")
		case tail < head:
			q.log.Warn().Int64("head", head).Int64("tail", tail).Msg("size: tail behind head")
		default:
			size = tail - head
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return size, nil
}

// ─── Enqueue ──────────────────────────────────────────────────────────────────

// Enqueue stores payload at the tail and returns the key it was stored under.
func (q *Queue) Enqueue(ctx context.Context, payload []byte) (string, error) {
	if limit := q.cfg.MaxPayloadBytes; limit > 0 && len(payload) > limit {
		return "", errors.Wrapf(ErrPayloadTooLarge, "%d bytes, limit %d", len(payload), limit)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	var key string
	err := q.withLease(ctx, "enqueue", func() error {
		head, tail, err := q.readPointers(ctx)
		if err != nil {
			return err
		}
		switch {
		case head == 0 || tail == 0:
			q.log.Info().Int64("head", head).Int64("tail", tail).Msg("initialising pointers")
			if err := q.resetPointers(ctx); err != nil {
				return err
			}
			tail = 1
		case head == tail && head > 1:
			compacted, err := q.compact(ctx, head, tail)
			if err != nil {
				return err
			}
			if compacted {
				tail = 1
			}
		}

		position := tail
		k := q.keys.Message(position)
		err = q.store.Add(ctx, k, payload, q.cfg.MessageTTL)
		if errors.Is(err, storage.ErrNotStored) {
			q.metrics.RecordError(q.name, metrics.KindConflict)
			q.log.Error().Str("key", k).Msg("enqueue: position already holds a message")
			return errors.Wrapf(ErrPositionTaken, "%s", k)
		}
		if err != nil {
			return errors.Wrapf(err, "queue: add %s", k)
		}

		if err := q.writePointer(ctx, q.keys.Tail, position+1); err != nil {
			if derr := q.store.Delete(ctx, k); derr != nil {
				q.log.Warn().Err(derr).Str("key", k).Msg("enqueue: rollback delete failed")
			}
			return err
		}
		key = k
		return nil
	})
	if err != nil {
		return "", err
	}

	q.metrics.RecordEnqueue(q.name)
	q.log.Debug().Str("key", key).Int("bytes", len(payload)).Msg("enqueued")
	return key, nil
}

// ─── Dequeue ──────────────────────────────────────────────────────────────────

// Dequeue removes and returns the oldest message. It returns (nil, nil) when
// the queue is empty.
//
// A position whose payload is gone (expired or evicted) is skipped. A payload
// that cannot be read or deleted because of a store error stays at head and
// is retried next time.
func (q *Queue) Dequeue(ctx context.Context) (*Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		msg, more, err := q.dequeueOnce(ctx)
		if err != nil {
			return nil, err
		}
		if msg != nil {
			q.metrics.RecordDequeue(q.name)
			q.log.Debug().Str("key", msg.Key).Msg("dequeued")
			return msg, nil
		}
		if !more {
			q.metrics.RecordEmpty(q.name)
			return nil, nil
		}
	}
}

// dequeueOnce runs one leased pass. more reports that the skip budget ran out
// before a payload or the tail was reached.
func (q *Queue) dequeueOnce(ctx context.Context) (msg *Message, more bool, err error) {
	maxSkips := int64(q.cfg.MaxSkips)
	if maxSkips <= 0 {
		maxSkips = DefaultMaxSkips
	}

	err = q.withLease(ctx, "dequeue", func() error {
		head, tail, err := q.readPointers(ctx)
		if err != nil {
			return err
		}
		if head == 0 || tail == 0 {
			q.log.Debug().Int64("head", head).Int64("tail", tail).Msg("dequeue: pointers uninitialized")
			return nil
		}
		if head >= tail {
			if head > tail {
				q.log.Warn().Int64("head", head).Int64("tail", tail).Msg("dequeue: head beyond tail")
			}
			_, err := q.compact(ctx, head, tail)
			return err
		}

		start := head
		for head < tail {
			k := q.keys.Message(head)
			payload, err := q.store.Get(ctx, k)
			if err == nil {
				msg = &Message{Key: k, Position: head, Payload: payload}
				head++
				break
			}
			if !errors.Is(err, storage.ErrNotFound) {
				q.metrics.RecordError(q.name, metrics.KindStore)
				if head != start {
					q.saveHead(ctx, head)
				}
				return errors.Wrapf(err, "queue: get %s", k)
			}
			q.log.Warn().Str("key", k).Msg("dequeue: payload missing, skipping position")
			head++
			if head-start >= maxSkips && head < tail {
				more = true
				break
			}
		}
		q.metrics.RecordSkipped(q.name, head-start-boolToInt(msg != nil))

		// Head moves before the payload is deleted: if the write fails the
		// message stays at head and is delivered again.
		if err := q.writePointer(ctx, q.keys.Head, head); err != nil {
			msg, more = nil, false
			return err
		}
		if more {
			return nil
		}
		if msg != nil {
			if err := q.store.Delete(ctx, msg.Key); err != nil && !errors.Is(err, storage.ErrNotFound) {
				// A consumed payload must not outlive its position: put head back
				// so the message is delivered by a later call instead.
				if rerr := q.writePointer(ctx, q.keys.Head, msg.Position); rerr == nil {
					key := msg.Key
					msg = nil
					return errors.Wrapf(err, "queue: delete %s", key)
				}
				q.log.Error().Stack().Err(err).Str("key", msg.Key).Msg("dequeue: delete failed and head could not be restored")
				q.orphans = append(q.orphans, msg.Key)
			}
		}
		if _, err := q.compact(ctx, head, tail); err != nil {
			q.log.Error().Stack().Err(err).Msg("dequeue: compaction failed")
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return msg, more, nil
}

// ─── Close ────────────────────────────────────────────────────────────────────

// Close releases the lease if held and disconnects. It is idempotent; a
// later operation reconnects.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	var first error
	if q.lock.Held() {
		if err := q.lock.Release(ctx); err != nil {
			first = err
		}
	}
	if err := q.sup.Disconnect(); err != nil && first == nil {
		first = errors.Wrap(err, "queue: disconnect")
	}
	return first
}

// ─── internals ────────────────────────────────────────────────────────────────

// withLease connects, takes the lease, runs fn, and releases the lease even
// when ctx has been cancelled in the meantime.
func (q *Queue) withLease(ctx context.Context, op string, fn func() error) error {
	if !q.sup.EnsureConnected(ctx) {
		return errors.Wrapf(connection.ErrNotConnected, "queue %s: %s", q.name, op)
	}
	if err := q.lock.Acquire(ctx); err != nil {
		q.broken(err)
		q.log.Error().Stack().Err(err).Str("op", op).Msg("lease not acquired")
		return err
	}

	err := fn()

	if rerr := q.lock.Release(context.WithoutCancel(ctx)); rerr != nil {
		q.broken(rerr)
	}
	if err != nil {
		q.broken(err)
		q.log.Error().Stack().Err(err).Str("op", op).Msg("operation failed")
	}
	return err
}

func (q *Queue) broken(err error) {
	if q.sup.MarkBroken(err) {
		q.metrics.RecordError(q.name, metrics.KindConnect)
	}
}

func (q *Queue) readPointers(ctx context.Context) (head, tail int64, err error) {
	if head, err = q.readPointer(ctx, q.keys.Head); err != nil {
		return 0, 0, err
	}
	if tail, err = q.readPointer(ctx, q.keys.Tail); err != nil {
		return 0, 0, err
	}
	return head, tail, nil
}

// readPointer returns 0 for an absent key.
func (q *Queue) readPointer(ctx context.Context, key string) (int64, error) {
	raw, err := q.store.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		q.metrics.RecordError(q.name, metrics.KindPointer)
		return 0, &pointerError{key: key, cause: err}
	}
	n, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil || n < 0 {
		q.metrics.RecordError(q.name, metrics.KindPointer)
		if err == nil {
			err = errors.Errorf("negative value %d", n)
		}
		return 0, &pointerError{key: key, cause: err}
	}
	return n, nil
}

func (q *Queue) writePointer(ctx context.Context, key string, v int64) error {
	if err := q.store.Set(ctx, key, []byte(strconv.FormatInt(v, 10)), storage.NoExpiry); err != nil {
		return errors.Wrapf(err, "queue: set %s", key)
	}
	return nil
}

// resetPointers sets both pointers to 1, head first.
func (q *Queue) resetPointers(ctx context.Context) error {
	if err := q.writePointer(ctx, q.keys.Head, 1); err != nil {
		return err
	}
	return q.writePointer(ctx, q.keys.Tail, 1)
}

// compact resets the pointers when they have met above 1 and reports whether
// it did. It waits while a delivered payload is still stored, since the next
// enqueue would find its position taken.
func (q *Queue) compact(ctx context.Context, head, tail int64) (bool, error) {
	if head != tail || head <= 1 {
		return false, nil
	}
	if !q.clearOrphans(ctx) {
		return false, nil
	}
	if err := q.resetPointers(ctx); err != nil {
		return false, err
	}
	q.metrics.RecordCompaction(q.name)
	q.log.Debug().Int64("from", head).Msg("pointers compacted")
	return true, nil
}

// clearOrphans retries the deletes that failed after delivery and reports
// whether none are left.
func (q *Queue) clearOrphans(ctx context.Context) bool {
	kept := q.orphans[:0]
	for _, k := range q.orphans {
		if err := q.store.Delete(ctx, k); err != nil && !errors.Is(err, storage.ErrNotFound) {
			kept = append(kept, k)
		}
	}
	q.orphans = kept
	if len(kept) > 0 {
		q.log.Warn().Strs("keys", kept).Msg("compaction deferred: delivered payloads still stored")
		return false
	}
	return true
}

// saveHead persists head after skipped positions; failure only costs a
// re-skip on the next dequeue.
func (q *Queue) saveHead(ctx context.Context, head int64) {
	if err := q.writePointer(ctx, q.keys.Head, head); err != nil {
		q.log.Warn().Err(err).Int64("head", head).Msg("dequeue: could not save head")
	}
}

type pointerError struct {
	key   string
	cause error
}

func (e *pointerError) Error() string {
	return "queue: read " + e.key + ": " + e.cause.Error()
}

func (e *pointerError) Unwrap() []error { return []error{ErrPointerRead, e.cause} }

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

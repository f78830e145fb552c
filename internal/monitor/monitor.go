// Package monitor samples queue depth on a cron schedule and publishes it as
// the cacheq_queue_depth gauge. When given a Sweeper it also purges expired
// entries on the same schedule.
package monitor

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/snehjoshi/cacheq/internal/metrics"
	"github.com/snehjoshi/cacheq/internal/queue"
)

// DefaultSchedule samples twice a minute.
const DefaultSchedule = "@every 30s"

// Sweeper drops expired entries from a store that does not expire them itself.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// Monitor periodically records the size of a set of queues.
type Monitor struct {
	mgr     *queue.Manager
	queues  []string // empty: every queue the manager has open
	metrics *metrics.Registry
	log     zerolog.Logger
	timeout time.Duration
	sweeper Sweeper

	cron *cron.Cron
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Monitor) { m.log = l }
}

// WithTimeout bounds one queue's sample.
func WithTimeout(d time.Duration) Option {
	return func(m *Monitor) { m.timeout = d }
}

// WithSweeper sweeps s after every sample.
func WithSweeper(s Sweeper) Option {
	return func(m *Monitor) { m.sweeper = s }
}

// New returns a stopped Monitor. An empty schedule uses DefaultSchedule.
func New(mgr *queue.Manager, reg *metrics.Registry, schedule string, queues []string, opts ...Option) (*Monitor, error) {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	sched, err := cron.ParseStandard(schedule)
	if err != nil {
		return nil, errors.Wrapf(err, "monitor: schedule %q", schedule)
	}

	m := &Monitor{
		mgr:     mgr,
		queues:  queues,
		metrics: reg,
		log:     zerolog.Nop(),
		timeout: 5 * time.Second,
		cron:    cron.New(),
	}
	for _, o := range opts {
		o(m)
	}
	m.log = m.log.With().Str("component", "monitor").Logger()
	m.cron.Schedule(sched, cron.FuncJob(func() {
		ctx := context.Background()
		m.Sample(ctx)
		m.Sweep(ctx)
	}))
	return m, nil
}

// Sample records the current size of every monitored queue once.
func (m *Monitor) Sample(ctx context.Context) {
	names := m.queues
	if len(names) == 0 {
		names = m.mgr.Names()
	}
	for _, name := range names {
		q, err := m.mgr.Get(name)
		if err != nil {
			m.log.Error().Err(err).Str("queue", name).Msg("monitor: open queue")
			continue
		}
		sctx, cancel := context.WithTimeout(ctx, m.timeout)
		n, err := q.Size(sctx)
		cancel()
		if err != nil {
			m.log.Warn().Err(err).Str("queue", name).Msg("monitor: size failed")
			continue
		}
		m.metrics.SetDepth(name, n)
		m.log.Info().Str("queue", name).Int64("depth", n).Msg("queue depth")
	}
}

// Sweep runs the sweeper once, if there is one.
func (m *Monitor) Sweep(ctx context.Context) {
	if m.sweeper == nil {
		return
	}
	sctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	n, err := m.sweeper.Sweep(sctx)
	if err != nil {
		m.log.Warn().Err(err).Msg("monitor: sweep failed")
		return
	}
	m.log.Debug().Int("dropped", n).Msg("expired entries swept")
}

// Run samples on schedule until ctx is cancelled, then waits for a running
// sample to finish.
func (m *Monitor) Run(ctx context.Context) error {
	m.cron.Start()
	<-ctx.Done()
	<-m.cron.Stop().Done()
	return nil
}

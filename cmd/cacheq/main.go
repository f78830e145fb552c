// Command cacheq is the CacheQ HTTP gateway. It serves queues stored in a
// shared cache (memcached, Redis, or a local bbolt file) over HTTP and
// WebSocket, and samples queue depth on a schedule.
//
// Usage:
//
//	cacheq [--config path/to/config.yaml]
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/snehjoshi/cacheq/internal/config"
	"github.com/snehjoshi/cacheq/internal/logger"
	"github.com/snehjoshi/cacheq/internal/metrics"
	"github.com/snehjoshi/cacheq/internal/monitor"
	"github.com/snehjoshi/cacheq/internal/node"
	"github.com/snehjoshi/cacheq/internal/queue"
	"github.com/snehjoshi/cacheq/internal/storage/backend"
	transphttp "github.com/snehjoshi/cacheq/internal/transport/http"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "cacheq: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	// ── 1. Load configuration ────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		return errors.Wrap(err, "load config")
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "invalid config")
	}

	// ── 2. Set up structured logger ──────────────────────────────────────────
	log := logger.New(cfg.LoggerConfig())

	// ── 3. Initialise node identity ──────────────────────────────────────────
	n, err := node.New(cfg.Node.DataDir, cfg.Node.ID)
	if err != nil {
		return errors.Wrap(err, "init node")
	}
	log = log.With().Str("node_id", n.Owner()).Logger()

	log.Info().
		Str("backend", string(cfg.Store.Backend)).
		Strs("servers", cfg.ServerList()).
		Str("data_dir", n.DataDir()).
		Msg("cacheq starting")

	// ── 4. Initialise metrics registry ───────────────────────────────────────
	reg := &metrics.Registry{}

	// ── 5. Initialise queue manager ──────────────────────────────────────────
	qcfg := cfg.QueueConfig(n.Owner())
	mgr := queue.NewManager(func(name string) (*queue.Queue, error) {
		st, err := backend.New(cfg.BackendOptions())
		if err != nil {
			return nil, err
		}
		return queue.New(name, st, qcfg,
			queue.WithLogger(log),
			queue.WithMetrics(reg),
		)
	})

	// ── 6. Build depth monitor ───────────────────────────────────────────────
	var mon *monitor.Monitor
	if cfg.Monitor.Enabled {
		opts := []monitor.Option{monitor.WithLogger(log)}
		if cfg.Store.Backend == backend.Local {
			// bbolt entries do not expire on their own.
			st, err := backend.New(cfg.BackendOptions())
			if err != nil {
				return err
			}
			if err := st.Connect(context.Background(), cfg.ServerList()); err != nil {
				return errors.Wrap(err, "open local store for sweeping")
			}
			defer st.Close()
			if sw, ok := st.(monitor.Sweeper); ok {
				opts = append(opts, monitor.WithSweeper(sw))
			}
		}
		mon, err = monitor.New(mgr, reg, cfg.Monitor.Schedule, cfg.Monitor.Queues, opts...)
		if err != nil {
			return errors.Wrap(err, "init monitor")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	eg, ctx := errgroup.WithContext(ctx)

	// ── 7. Start HTTP / WebSocket transport ──────────────────────────────────
	srv := transphttp.New(mgr, cfg.Server, reg, log, n.Owner())
	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	eg.Go(func() error {
		log.Info().Str("addr", addr).Msg("cacheq ready")
		if err := srv.ListenAndServe(addr); !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http server")
		}
		return nil
	})

	// ── 8. Start dedicated Prometheus metrics listener ───────────────────────
	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		metricsSrv = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
			Handler:           reg.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		eg.Go(func() error {
			log.Info().Str("addr", metricsSrv.Addr).Msg("metrics server listening")
			if err := metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				log.Warn().Err(err).Msg("metrics server error")
			}
			return nil
		})
	}

	if mon != nil {
		eg.Go(func() error { return mon.Run(ctx) })
	}

	// ── 9. Graceful shutdown on SIGINT / SIGTERM ─────────────────────────────
	eg.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("shutting down")

		grace := time.Duration(cfg.Server.ShutdownSec) * time.Second
		shutCtx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()

		if err := srv.Shutdown(shutCtx); err != nil {
			log.Warn().Err(err).Msg("server shutdown error")
		}
		if metricsSrv != nil {
			_ = metricsSrv.Shutdown(shutCtx)
		}
		if err := mgr.Close(shutCtx); err != nil {
			log.Warn().Err(err).Msg("queue close error")
		}
		return nil
	})

	if err := eg.Wait(); err != nil {
		return err
	}
	log.Info().Msg("cacheq stopped")
	return nil
}

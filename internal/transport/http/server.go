// Package http provides the HTTP gateway in front of the cache-backed queues.
//
// Routes (Go 1.22+ method-qualified patterns):
//
//	GET    /health
//	GET    /queues
//	POST   /queues/{name}/messages   raw body → 201 {"key":...}
//	GET    /queues/{name}/messages   200 {"key","body"} or 204 when empty
//	GET    /queues/{name}/size
//	GET    /queues/{name}/ws
//	GET    /metrics
package http

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/snehjoshi/cacheq/internal/config"
	"github.com/snehjoshi/cacheq/internal/metrics"
	"github.com/snehjoshi/cacheq/internal/queue"
	transportws "github.com/snehjoshi/cacheq/internal/transport/websocket"
)

// Server wraps the stdlib HTTP server with CacheQ route wiring.
type Server struct {
	inner *http.Server
}

// New builds a Server. The caller is responsible for calling
// ListenAndServe / Shutdown. reg may be nil.
func New(mgr *queue.Manager, cfg config.ServerConfig, reg *metrics.Registry, log zerolog.Logger, nodeID string) *Server {
	h := &Handler{mgr: mgr, nodeID: nodeID, start: time.Now()}
	ws := &transportws.Handler{
		Manager:      mgr,
		PollInterval: time.Duration(cfg.WSPollMs) * time.Millisecond,
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.health)

	mux.HandleFunc("GET /queues", h.listQueues)
	mux.HandleFunc("GET /queues/{name}/size", h.size)

	mux.HandleFunc("POST /queues/{name}/messages", h.enqueue)
	mux.HandleFunc("GET /queues/{name}/messages", h.dequeue)

	mux.Handle("GET /queues/{name}/ws", ws)

	if reg != nil {
		mux.Handle("GET /metrics", reg.Handler())
	}

	maxBody := int64(cfg.MaxBodyKB) * 1024
	if maxBody <= 0 {
		maxBody = queue.DefaultMaxPayloadBytes
	}

	handler := chain(mux,
		CORSMiddleware,
		RequestIDMiddleware(log.With().Str("component", "http").Logger()),
		LoggingMiddleware(reg),
		AuthMiddleware(cfg.Auth.APIKey, cfg.Auth.Enabled),
		RateLimitMiddleware(cfg.RateLimit.RPS, cfg.RateLimit.Burst),
		MaxBodyMiddleware(maxBody),
	)

	return &Server{
		inner: &http.Server{
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
	}
}

// Handler returns the composed http.Handler (useful for testing).
func (s *Server) Handler() http.Handler { return s.inner.Handler }

// ListenAndServe starts the server on addr (e.g. ":8080"). It returns
// http.ErrServerClosed after Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	s.inner.Addr = addr
	return s.inner.ListenAndServe()
}

// Shutdown gracefully stops the server, waiting up to ctx's deadline for
// in-flight requests to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.inner.Shutdown(ctx)
}

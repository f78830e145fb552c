package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/snehjoshi/cacheq/internal/connection"
	"github.com/snehjoshi/cacheq/internal/lease"
	"github.com/snehjoshi/cacheq/internal/logger"
	"github.com/snehjoshi/cacheq/internal/queue"
	"github.com/snehjoshi/cacheq/internal/storage"
)

// Handler groups all HTTP request handlers around a queue.Manager.
type Handler struct {
	mgr    *queue.Manager
	nodeID string
	start  time.Time
}

// ─── DTOs ─────────────────────────────────────────────────────────────────────

type enqueueResp struct {
	Key string `json:"key"`
}

type messageResp struct {
	Key  string `json:"key"`
	Body []byte `json:"body"` // base64 in JSON
}

type sizeResp struct {
	Queue string `json:"queue"`
	Size  int64  `json:"size"`
}

type queueListResp struct {
	Queues []string `json:"queues"`
}

type healthResp struct {
	Status   string `json:"status"`
	NodeID   string `json:"node_id"`
	Queues   int    `json:"queues"`
	Uptime   string `json:"uptime"`
	UptimeMs int64  `json:"uptime_ms"`
	Version  string `json:"version"`
}

type errorResp struct {
	Error string `json:"error"`
}

// ─── Health ───────────────────────────────────────────────────────────────────

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	elapsed := time.Since(h.start)
	writeJSON(w, http.StatusOK, healthResp{
		Status:   "ok",
		NodeID:   h.nodeID,
		Queues:   len(h.mgr.Names()),
		Uptime:   elapsed.Round(time.Second).String(),
		UptimeMs: elapsed.Milliseconds(),
		Version:  logger.Version,
	})
}

// ─── Queues ───────────────────────────────────────────────────────────────────

func (h *Handler) listQueues(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, queueListResp{Queues: h.mgr.Names()})
}

func (h *Handler) size(w http.ResponseWriter, r *http.Request) {
	q, ok := h.queue(w, r)
	if !ok {
		return
	}
	n, err := q.Size(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sizeResp{Queue: q.Name(), Size: n})
}

// ─── Messages ─────────────────────────────────────────────────────────────────

// enqueue stores the raw request body as one message.
func (h *Handler) enqueue(w http.ResponseWriter, r *http.Request) {
	q, ok := h.queue(w, r)
	if !ok {
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResp{Error: "request body too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "unreadable body"})
		return
	}
	key, err := q.Enqueue(r.Context(), body)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, enqueueResp{Key: key})
}

// dequeue returns the oldest message, or 204 when the queue is empty.
func (h *Handler) dequeue(w http.ResponseWriter, r *http.Request) {
	q, ok := h.queue(w, r)
	if !ok {
		return
	}
	msg, err := q.Dequeue(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if msg == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, messageResp{Key: msg.Key, Body: msg.Payload})
}

// ─── helpers ──────────────────────────────────────────────────────────────────

func (h *Handler) queue(w http.ResponseWriter, r *http.Request) (*queue.Queue, bool) {
	q, err := h.mgr.Get(r.PathValue("name"))
	if err != nil {
		writeError(w, r, err)
		return nil, false
	}
	return q, true
}

// StatusFor maps an engine error to an HTTP status code.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, queue.ErrInvalidName):
		return http.StatusBadRequest
	case errors.Is(err, queue.ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, queue.ErrPositionTaken):
		return http.StatusConflict
	case errors.Is(err, connection.ErrNotConnected),
		errors.Is(err, lease.ErrTimeout),
		errors.Is(err, storage.ErrUnavailable),
		errors.Is(err, queue.ErrManagerClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := StatusFor(err)
	if code >= http.StatusInternalServerError {
		zerolog.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	if code == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, code, errorResp{Error: err.Error()})
}

// Package websocket provides WebSocket push delivery for CacheQ.
//
// Clients open a WebSocket connection to:
//
//	GET /queues/{name}/ws
//
// The server drains the queue every poll interval and pushes each message as
// it is dequeued. Dequeue is destructive, so there is no ack: a message is
// gone from the queue once its frame has been written.
//
// Server → client message frame:
//
//	{"type":"message","queue":"orders","key":"orders_7","body":"<base64>"}
//
// Client → server control frame:
//
//	{"type":"close"}
package websocket

import (
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/snehjoshi/cacheq/internal/queue"
)

// DefaultPollInterval is how often an idle connection re-checks the queue.
const DefaultPollInterval = 200 * time.Millisecond

// defaultBatch caps the messages pushed per tick so one busy queue cannot
// starve the control frame reader.
const defaultBatch = 10

var upgrader = gorillaws.Upgrader{
	// Same-origin browsers only; requests without Origin are native clients.
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		host, err := parseHost(origin)
		if err != nil {
			return false
		}
		return host == r.Host
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

func parseHost(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "", errors.Errorf("invalid origin %q", rawURL)
	}
	return u.Host, nil
}

// Handler serves the WebSocket endpoint. It reads the queue name from
// r.PathValue("name").
type Handler struct {
	Manager      *queue.Manager
	PollInterval time.Duration
	// Batch caps the messages pushed per tick. 0 uses 10.
	Batch int
}

// MessageFrame is the JSON frame the server sends for each message.
type MessageFrame struct {
	Type  string `json:"type"` // "message"
	Queue string `json:"queue"`
	Key   string `json:"key"`
	Body  []byte `json:"body"` // base64 in JSON
}

// ControlFrame is the JSON frame a client may send.
type ControlFrame struct {
	Type string `json:"type"` // "close"
}

// ServeHTTP upgrades the connection and starts the push loop.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := zerolog.Ctx(r.Context())
	name := r.PathValue("name")

	q, err := h.Manager.Get(name)
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, queue.ErrInvalidName) {
			code = http.StatusBadRequest
		}
		http.Error(w, err.Error(), code)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("queue", name).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	controlCh := make(chan ControlFrame, 8)
	go func() {
		defer close(controlCh)
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var cf ControlFrame
			if json.Unmarshal(raw, &cf) == nil {
				controlCh <- cf
			}
		}
	}()

	interval := h.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	batch := h.Batch
	if batch <= 0 {
		batch = defaultBatch
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case cf, ok := <-controlCh:
			if !ok {
				return // client disconnected
			}
			if cf.Type == "close" {
				_ = conn.WriteControl(gorillaws.CloseMessage,
					gorillaws.FormatCloseMessage(gorillaws.CloseNormalClosure, ""),
					time.Now().Add(time.Second))
				return
			}

		case <-ticker.C:
			for i := 0; i < batch; i++ {
				msg, err := q.Dequeue(r.Context())
				if err != nil {
					log.Warn().Err(err).Str("queue", name).Msg("ws dequeue failed")
					break
				}
				if msg == nil {
					break
				}
				data, _ := json.Marshal(MessageFrame{
					Type:  "message",
					Queue: name,
					Key:   msg.Key,
					Body:  msg.Payload,
				})
				if err := conn.WriteMessage(gorillaws.TextMessage, data); err != nil {
					log.Error().Err(err).Str("key", msg.Key).Msg("ws write failed, message dropped")
					return
				}
			}
		}
	}
}

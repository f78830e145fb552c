package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"
)

// ─── Error type ───────────────────────────────────────────────────────────────

// APIError is returned when the cacheq server responds with a non-2xx status.
type APIError struct {
	StatusCode int    // HTTP status code
	Message    string // "error" field from the JSON response body
}

func (e *APIError) Error() string {
	return fmt.Sprintf("cacheq: server returned %d: %s", e.StatusCode, e.Message)
}

// IsUnavailable reports whether the server answered 503: the cache is down
// or the queue lease could not be taken. The call may be retried.
func IsUnavailable(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusServiceUnavailable
}

// IsConflict reports whether the server answered 409 (position taken).
func IsConflict(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusConflict
}

// ─── Gateway options ──────────────────────────────────────────────────────────

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithAPIKey sets the API key sent in every request as the X-Api-Key header.
// Required when the server has auth.enabled = true.
func WithAPIKey(key string) GatewayOption {
	return func(g *Gateway) { g.apiKey = key }
}

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) GatewayOption {
	return func(g *Gateway) { g.http = hc }
}

// WithTimeout sets the per-request timeout. The default is 30 seconds.
func WithTimeout(d time.Duration) GatewayOption {
	return func(g *Gateway) { g.http.Timeout = d }
}

// ─── Gateway ──────────────────────────────────────────────────────────────────

// Gateway is an HTTP client for a cacheq server. It is safe for concurrent use.
type Gateway struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// Message is a dequeued message as returned by the server.
type Message struct {
	Key  string `json:"key"`
	Body []byte `json:"body"`
}

// HealthInfo is the server's /health reply.
type HealthInfo struct {
	Status   string `json:"status"`
	NodeID   string `json:"node_id"`
	Queues   int    `json:"queues"`
	Uptime   string `json:"uptime"`
	UptimeMs int64  `json:"uptime_ms"`
	Version  string `json:"version"`
}

// NewGateway returns a Gateway for the server at baseURL.
//
//	g := client.NewGateway("http://localhost:8080")
func NewGateway(baseURL string, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Enqueue appends body to queue and returns the message key.
func (g *Gateway) Enqueue(ctx context.Context, queue string, body []byte) (string, error) {
	var resp struct {
		Key string `json:"key"`
	}
	if _, err := g.do(ctx, http.MethodPost, queuePath(queue, "messages"), bytes.NewReader(body), &resp); err != nil {
		return "", err
	}
	return resp.Key, nil
}

// Dequeue removes and returns the oldest message of queue, or nil, nil when
// the queue is empty.
func (g *Gateway) Dequeue(ctx context.Context, queue string) (*Message, error) {
	var msg Message
	status, err := g.do(ctx, http.MethodGet, queuePath(queue, "messages"), nil, &msg)
	if err != nil || status == http.StatusNoContent {
		return nil, err
	}
	return &msg, nil
}

// Size returns the number of messages waiting in queue.
func (g *Gateway) Size(ctx context.Context, queue string) (int64, error) {
	var resp struct {
		Size int64 `json:"size"`
	}
	if _, err := g.do(ctx, http.MethodGet, queuePath(queue, "size"), nil, &resp); err != nil {
		return 0, err
	}
	return resp.Size, nil
}

// Queues lists the queues the server has opened so far.
func (g *Gateway) Queues(ctx context.Context) ([]string, error) {
	var resp struct {
		Queues []string `json:"queues"`
	}
	if _, err := g.do(ctx, http.MethodGet, "/queues", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Queues, nil
}

// Health returns the server's health report.
func (g *Gateway) Health(ctx context.Context) (*HealthInfo, error) {
	var h HealthInfo
	if _, err := g.do(ctx, http.MethodGet, "/health", nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

func queuePath(queue, leaf string) string {
	return "/queues/" + url.PathEscape(queue) + "/" + leaf
}

// do sends one request and decodes a JSON reply into resp. body, when set, is
// sent as an opaque octet stream.
func (g *Gateway) do(ctx context.Context, method, path string, body io.Reader, resp any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, body)
	if err != nil {
		return 0, errors.Wrap(err, "cacheq: build request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/octet-stream")
	}
	if g.apiKey != "" {
		req.Header.Set("X-Api-Key", g.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	httpResp, err := g.http.Do(req)
	if err != nil {
		return 0, errors.Wrapf(err, "cacheq: request %s %s", method, path)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode == http.StatusNoContent {
		return httpResp.StatusCode, nil
	}

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return httpResp.StatusCode, errors.Wrap(err, "cacheq: read response body")
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(respBody, &errResp)
		msg := errResp.Error
		if msg == "" {
			msg = http.StatusText(httpResp.StatusCode)
		}
		return httpResp.StatusCode, &APIError{StatusCode: httpResp.StatusCode, Message: msg}
	}

	if resp != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, resp); err != nil {
			return httpResp.StatusCode, errors.Wrap(err, "cacheq: decode response")
		}
	}
	return httpResp.StatusCode, nil
}

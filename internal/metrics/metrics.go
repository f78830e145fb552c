// Package metrics provides a lightweight Prometheus-compatible metrics
// registry for CacheQ. It renders the text exposition format itself instead
// of pulling in prometheus/client_golang.
//
// # Label keys
//
// Counters are keyed by a tab-separated label string held in a sync.Map:
//
//	Enqueued / Dequeued / EmptyPolls / Lease* / Connect* → key = "queue"
//	Errors                                                → key = "queue\tkind"
//	HTTPReqs                                              → key = "method\tpath\tstatus"
//	HTTPDurMs / HTTPDurCnt                                → key = "method\tpath"
//
// Every recording method is nil-safe so engine code can hold a nil *Registry.
package metrics

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
)

// ─── labelCounter ─────────────────────────────────────────────────────────────

// labelCounter is a lock-free, label-keyed counter map backed by sync.Map and
// atomic.Int64 values. It doubles as a gauge through Set.
type labelCounter struct {
	vals sync.Map // key string → *atomic.Int64
}

func (lc *labelCounter) get(key string) *atomic.Int64 {
	v, _ := lc.vals.LoadOrStore(key, new(atomic.Int64))
	return v.(*atomic.Int64)
}

// Inc increments the counter for key by 1.
func (lc *labelCounter) Inc(key string) { lc.get(key).Add(1) }

// Add increments the counter for key by n.
func (lc *labelCounter) Add(key string, n int64) { lc.get(key).Add(n) }

// Set overwrites the value for key.
func (lc *labelCounter) Set(key string, n int64) { lc.get(key).Store(n) }

// Value returns the current value for key (0 if never touched).
func (lc *labelCounter) Value(key string) int64 {
	v, ok := lc.vals.Load(key)
	if !ok {
		return 0
	}
	return v.(*atomic.Int64).Load()
}

// Each calls fn for every key/value pair. The order is non-deterministic.
func (lc *labelCounter) Each(fn func(key string, val int64)) {
	lc.vals.Range(func(k, v any) bool {
		fn(k.(string), v.(*atomic.Int64).Load())
		return true
	})
}

// ─── Registry ─────────────────────────────────────────────────────────────────

// Error kinds recorded under Errors.
const (
	KindConnect  = "connect"
	KindLease    = "lease"
	KindPointer  = "pointer"
	KindConflict = "conflict"
	KindStore    = "store"
)

// Registry holds all CacheQ application metrics.
type Registry struct {
	// Queue operations. key = "queue"
	Enqueued   labelCounter
	Dequeued   labelCounter
	EmptyPolls labelCounter
	Skipped    labelCounter // positions whose payload had been evicted
	Compacted  labelCounter

	// Lease lock. key = "queue"
	LeaseAcquired  labelCounter
	LeaseContended labelCounter
	LeaseTimeouts  labelCounter

	// Connection supervisor. key = "queue"
	ConnectAttempts labelCounter
	ConnectFailures labelCounter

	// Failures by kind. key = "queue\tkind"
	Errors labelCounter

	// Sampled queue depth (gauge). key = "queue"
	Depth labelCounter

	// HTTP gateway.
	HTTPReqs   labelCounter
	HTTPDurMs  labelCounter
	HTTPDurCnt labelCounter
}

// RecordEnqueue counts a successful enqueue.
func (r *Registry) RecordEnqueue(queue string) {
	if r != nil {
		r.Enqueued.Inc(queue)
	}
}

// RecordDequeue counts a delivered message.
func (r *Registry) RecordDequeue(queue string) {
	if r != nil {
		r.Dequeued.Inc(queue)
	}
}

// RecordEmpty counts a dequeue that found nothing.
func (r *Registry) RecordEmpty(queue string) {
	if r != nil {
		r.EmptyPolls.Inc(queue)
	}
}

// RecordSkipped counts positions skipped because the payload was gone.
func (r *Registry) RecordSkipped(queue string, n int64) {
	if r != nil && n > 0 {
		r.Skipped.Add(queue, n)
	}
}

// RecordCompaction counts a head/tail reset to 1.
func (r *Registry) RecordCompaction(queue string) {
	if r != nil {
		r.Compacted.Inc(queue)
	}
}

// RecordLease counts one acquisition; contended is the number of polls it took.
func (r *Registry) RecordLease(queue string, contended int) {
	if r == nil {
		return
	}
	r.LeaseAcquired.Inc(queue)
	if contended > 0 {
		r.LeaseContended.Add(queue, int64(contended))
	}
}

// RecordLeaseTimeout counts an acquisition that ran out of attempts.
func (r *Registry) RecordLeaseTimeout(queue string) {
	if r != nil {
		r.LeaseTimeouts.Inc(queue)
	}
}

// RecordConnect counts one connect attempt and whether it failed.
func (r *Registry) RecordConnect(queue string, failed bool) {
	if r == nil {
		return
	}
	r.ConnectAttempts.Inc(queue)
	if failed {
		r.ConnectFailures.Inc(queue)
	}
}

// RecordError counts a failure of the given kind.
func (r *Registry) RecordError(queue, kind string) {
	if r != nil {
		r.Errors.Inc(ErrorKey(queue, kind))
	}
}

// SetDepth stores the latest sampled depth.
func (r *Registry) SetDepth(queue string, depth int64) {
	if r != nil {
		r.Depth.Set(queue, depth)
	}
}

// ─── Prometheus text serialisation ────────────────────────────────────────────

// Handler returns an http.Handler that renders all metrics in the Prometheus
// plain-text exposition format (text/plain; version=0.0.4).
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, r.Render())
	})
}

// Render returns the exposition text.
func (r *Registry) Render() string {
	var b strings.Builder

	perQueue := []struct {
		name, help, typ string
		lc              *labelCounter
	}{
		{"cacheq_messages_enqueued_total", "Total messages enqueued", "counter", &r.Enqueued},
		{"cacheq_messages_dequeued_total", "Total messages dequeued", "counter", &r.Dequeued},
		{"cacheq_empty_polls_total", "Dequeue calls that found the queue empty", "counter", &r.EmptyPolls},
		{"cacheq_positions_skipped_total", "Positions skipped because the payload had been evicted", "counter", &r.Skipped},
		{"cacheq_compactions_total", "Head/tail resets to 1", "counter", &r.Compacted},
		{"cacheq_lease_acquired_total", "Lease acquisitions", "counter", &r.LeaseAcquired},
		{"cacheq_lease_contended_total", "Lease polls that found the lease taken", "counter", &r.LeaseContended},
		{"cacheq_lease_timeouts_total", "Lease acquisitions that gave up", "counter", &r.LeaseTimeouts},
		{"cacheq_connect_attempts_total", "Store connect attempts", "counter", &r.ConnectAttempts},
		{"cacheq_connect_failures_total", "Failed store connect attempts", "counter", &r.ConnectFailures},
		{"cacheq_queue_depth", "Last sampled queue depth", "gauge", &r.Depth},
	}
	for _, f := range perQueue {
		lc := f.lc
		writeFamily(&b, f.name, f.help, f.typ, func(fn func(labels, val string)) {
			lc.Each(func(key string, val int64) {
				fn(fmt.Sprintf(`queue=%q`, key), fmt.Sprintf("%d", val))
			})
		})
	}

	writeFamily(&b, "cacheq_errors_total",
		"Failures by queue and kind", "counter",
		func(fn func(labels, val string)) {
			r.Errors.Each(func(key string, val int64) {
				q, kind := splitTwo(key)
				fn(fmt.Sprintf(`queue=%q,kind=%q`, q, kind), fmt.Sprintf("%d", val))
			})
		})

	writeFamily(&b, "cacheq_http_requests_total",
		"Total HTTP requests by method, path, and status code", "counter",
		func(fn func(labels, val string)) {
			r.HTTPReqs.Each(func(key string, val int64) {
				method, path, status := splitThree(key)
				fn(fmt.Sprintf(`method=%q,path=%q,status=%q`, method, path, status),
					fmt.Sprintf("%d", val))
			})
		})

	writeFamily(&b, "cacheq_http_request_duration_milliseconds_sum",
		"Sum of HTTP request durations in milliseconds", "counter",
		func(fn func(labels, val string)) {
			r.HTTPDurMs.Each(func(key string, val int64) {
				method, path := splitTwo(key)
				fn(fmt.Sprintf(`method=%q,path=%q`, method, path), fmt.Sprintf("%d", val))
			})
		})

	writeFamily(&b, "cacheq_http_request_duration_milliseconds_count",
		"Count of observed HTTP request durations", "counter",
		func(fn func(labels, val string)) {
			r.HTTPDurCnt.Each(func(key string, val int64) {
				method, path := splitTwo(key)
				fn(fmt.Sprintf(`method=%q,path=%q`, method, path), fmt.Sprintf("%d", val))
			})
		})

	return b.String()
}

// ─── helpers ──────────────────────────────────────────────────────────────────

// writeFamily writes a single Prometheus metric family to b, skipping the
// header when the family has no samples.
func writeFamily(
	b *strings.Builder,
	name, help, typ string,
	fill func(fn func(labels, val string)),
) {
	var lines []string
	fill(func(labels, val string) {
		lines = append(lines, fmt.Sprintf("%s{%s} %s\n", name, labels, val))
	})
	if len(lines) == 0 {
		return
	}
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s %s\n", name, typ)
	for _, l := range lines {
		b.WriteString(l)
	}
}

func splitTwo(key string) (string, string) {
	i := strings.IndexByte(key, '\t')
	if i < 0 {
		return key, ""
	}
	return key[:i], key[i+1:]
}

func splitThree(key string) (string, string, string) {
	a, rest := splitTwo(key)
	b, c := splitTwo(rest)
	return a, b, c
}

// ─── Key builders ─────────────────────────────────────────────────────────────

// ErrorKey builds the label key used by Errors.
func ErrorKey(queue, kind string) string {
	return queue + "\t" + kind
}

// HTTPKey builds the label key used by HTTPReqs.
func HTTPKey(method, path, status string) string {
	return method + "\t" + path + "\t" + status
}

// HTTPDurKey builds the label key used by HTTPDurMs / HTTPDurCnt.
func HTTPDurKey(method, path string) string {
	return method + "\t" + path
}

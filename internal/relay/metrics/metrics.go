// Package metrics provides Prometheus instrumentation for the Relay Core.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "happy_relay_http_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "happy_relay_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// Connection / scope metrics.
var (
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "happy_relay_active_connections",
		Help: "Number of currently authenticated relay connections.",
	})

	ActiveMachines = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "happy_relay_active_machines",
		Help: "Number of machines currently online.",
	})

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "happy_relay_active_sessions",
		Help: "Number of sessions currently in the running lifecycle state.",
	})
)

// Update-log / RPC metrics.
var (
	UpdatesPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "happy_relay_updates_published_total",
		Help: "Total number of updates accepted by publishUpdate.",
	}, []string{"entity_kind"})

	VersionMismatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "happy_relay_version_mismatch_total",
		Help: "Total number of publishUpdate calls rejected for version mismatch.",
	}, []string{"entity_kind"})

	RPCCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "happy_relay_rpc_calls_total",
		Help: "Total number of rpcCall invocations by terminal outcome.",
	}, []string{"method", "outcome"})

	RPCCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "happy_relay_rpc_call_duration_seconds",
		Help:    "rpcCall round-trip duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})

	EphemeralEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "happy_relay_ephemeral_events_total",
		Help: "Total number of ephemeral events fanned out.",
	}, []string{"kind"})

	SubscriberDisconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "happy_relay_subscriber_disconnects_total",
		Help: "Total number of connections dropped for outbound buffer overflow.",
	})
)

// HTTPMiddleware records request count and duration for every plain
// HTTP request (the websocket upgrade itself, and the REST snapshot
// endpoints), labeled by a path normalized to avoid per-entity cardinality.
func HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)

		path := normalizePath(r.URL.Path)
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rw.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.wroteHeader = true
	}
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func normalizePath(path string) string {
	switch {
	case path == "/ws/connect":
		return path
	case path == "/metrics":
		return path
	case strings.HasPrefix(path, "/snapshot/"):
		return "/snapshot/:entity"
	default:
		return "/other"
	}
}

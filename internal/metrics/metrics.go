package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts total HTTP requests
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "murmur_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// RequestDuration tracks request latency
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "murmur_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ActiveSessions tracks instructions currently being relayed
	ActiveSessions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "murmur_active_sessions",
			Help: "Number of sessions with a running instruction",
		},
		[]string{"source"},
	)

	// Connections tracks open duplex connections
	Connections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "murmur_ws_connections",
			Help: "Number of open WebSocket connections",
		},
	)

	// RelayChunks counts agent chunks by filter outcome
	RelayChunks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "murmur_relay_chunks_total",
			Help: "Agent output chunks by outcome (emitted, empty, duplicate, suppressed)",
		},
		[]string{"outcome"},
	)

	// RelayRuns tracks how relay runs end
	RelayRuns = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "murmur_relay_run_duration_seconds",
			Help:    "Relay run duration in seconds by result",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"result"},
	)

	// Cancellations counts cancellation requests by source
	Cancellations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "murmur_cancellations_total",
			Help: "Total number of session cancellations",
		},
		[]string{"source"},
	)

	// ToolCalls tracks MCP tool invocations
	ToolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "murmur_tool_calls_total",
			Help: "Total number of MCP tool calls",
		},
		[]string{"tool", "status"},
	)
)

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush implements http.Flusher for SSE support
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for WebSocket upgrades
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("underlying ResponseWriter does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

// Unwrap lets http.ResponseController reach the underlying writer
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware creates an HTTP middleware that records metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := normalizePath(r.URL.Path)

		RequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		RequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// normalizePath normalizes URL paths to avoid high cardinality
func normalizePath(path string) string {
	switch path {
	case "/", "/health", "/ready", "/metrics", "/ws", "/stream", "/execute", "/mcp":
		return path
	}
	switch {
	case strings.HasPrefix(path, "/stop/"):
		return "/stop"
	case strings.HasPrefix(path, "/mcp/"):
		return "/mcp"
	case strings.HasPrefix(path, "/static/"):
		return "/static"
	default:
		return "other"
	}
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordSessionStart increments the active session gauge
func RecordSessionStart(source string) {
	ActiveSessions.WithLabelValues(source).Inc()
}

// RecordSessionEnd decrements the active session gauge
func RecordSessionEnd(source string) {
	ActiveSessions.WithLabelValues(source).Dec()
}

// RecordConnect increments the open connection gauge
func RecordConnect() {
	Connections.Inc()
}

// RecordDisconnect decrements the open connection gauge
func RecordDisconnect() {
	Connections.Dec()
}

// RecordChunk records one relay filter decision
func RecordChunk(outcome string) {
	RelayChunks.WithLabelValues(outcome).Inc()
}

// RecordRun records a finished relay run
func RecordRun(result string, duration time.Duration) {
	RelayRuns.WithLabelValues(result).Observe(duration.Seconds())
}

// RecordCancellation records a cancellation request
func RecordCancellation(source string) {
	Cancellations.WithLabelValues(source).Inc()
}

// RecordToolCall records an MCP tool invocation
func RecordToolCall(tool, status string) {
	ToolCalls.WithLabelValues(tool, status).Inc()
}

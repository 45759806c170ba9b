// Package metrics provides Prometheus instrumentation for the keeper and the
// settlement engine.
package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// KeeperCreations counts creation ticks by outcome
	// (created, skipped_open, failed).
	KeeperCreations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "keeper_creations_total",
		Help: "Market creation attempts by outcome",
	}, []string{"outcome"})

	// KeeperResolutions counts per-market resolution outcomes
	// (resolved, skipped, failed).
	KeeperResolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "keeper_resolutions_total",
		Help: "Per-market resolution outcomes",
	}, []string{"outcome"})

	// KeeperTickDuration tracks how long each task tick takes.
	KeeperTickDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "keeper_tick_duration_seconds",
		Help:    "Keeper task tick duration in seconds",
		Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"task"})

	SettlementItems = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_items_total",
		Help: "Settlement items attempted by action and outcome",
	}, []string{"action", "outcome"})

	SettlementRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_runs_total",
		Help: "Settlement runs by outcome (clean, partial, empty, rejected)",
	}, []string{"outcome"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "keeper_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120},
	}, []string{"method", "path"})
)

// ObserveTick records a task tick that started at start.
func ObserveTick(task string, start time.Time) {
	KeeperTickDuration.WithLabelValues(task).Observe(time.Since(start).Seconds())
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		// The mux pattern keeps user ids out of the label set.
		path := r.Pattern
		if path == "" {
			path = "unmatched"
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// Hijack lets WebSocket upgrades pass through the wrapper.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// Package metrics provides Prometheus instrumentation for the credit engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// LedgerEntriesTotal counts entries accepted into a ledger, by kind and
	// the producer that inserted them first.
	LedgerEntriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "credit_ledger_entries_total",
		Help: "Ledger entries inserted",
	}, []string{"kind", "source"})

	// LedgerDuplicatesTotal counts inserts dropped because the id existed.
	LedgerDuplicatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "credit_ledger_duplicates_total",
		Help: "Ledger inserts ignored because the id was already present",
	}, []string{"source"})

	// LedgerIntegrityWarnings counts conflicting records for one id.
	LedgerIntegrityWarnings = promauto.NewCounter(prometheus.CounterOpts{
		Name: "credit_ledger_integrity_warnings_total",
		Help: "Conflicting ledger records observed for the same transaction hash",
	})

	// BackfillFailures counts failed historical scans by event kind.
	BackfillFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "credit_backfill_failures_total",
		Help: "Historical event scans that failed",
	}, []string{"kind"})

	// ActionsTotal counts write actions reaching each phase.
	ActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "credit_actions_total",
		Help: "Write actions by kind and phase reached",
	}, []string{"kind", "phase"})

	// ActionLatency tracks submit-to-terminal time of write actions.
	ActionLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "credit_action_latency_seconds",
		Help:    "Time from signature request to confirmation or failure",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
	}, []string{"kind", "phase"})

	// ValidationRejections counts actions rejected before signing.
	ValidationRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "credit_validation_rejections_total",
		Help: "Actions rejected by pre-flight validation",
	}, []string{"kind", "code"})

	// ActiveSessions tracks addresses with a live session.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "credit_active_sessions",
		Help: "Number of addresses with a running session",
	})

	// SessionsRejected counts session starts refused at the session cap.
	SessionsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "credit_sessions_rejected_total",
		Help: "Session starts refused because every slot was busy",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "credit_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "credit_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "credit_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
// The path label uses the chi route pattern when one is supplied by
// routePattern, to keep per-address paths from exploding cardinality.
func Middleware(routePattern func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &statusWriter{ResponseWriter: w, status: 200}
			next.ServeHTTP(wrapped, r)
			duration := time.Since(start).Seconds()

			path := r.URL.Path
			if routePattern != nil {
				if p := routePattern(r); p != "" {
					path = p
				}
			}
			HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
			HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
		})
	}
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

// Hijack lets WebSocket upgrades pass through the wrapper.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

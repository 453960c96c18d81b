// Package metrics provides Prometheus instrumentation for the economy engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// LedgerMutations counts committed balance mutations by reason and token.
	LedgerMutations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pmx_ledger_mutations_total",
		Help: "Committed ledger mutations",
	}, []string{"reason", "token"})

	// LedgerRejections counts mutations refused before commit, by error class.
	LedgerRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pmx_ledger_rejections_total",
		Help: "Ledger mutations rejected",
	}, []string{"error"})

	// Compensations counts compensating mutations issued after a partial unit of work.
	Compensations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pmx_ledger_compensations_total",
		Help: "Compensating mutations issued to undo partially applied units of work",
	})

	// Settlements counts settlement attempts by outcome.
	Settlements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pmx_settlements_total",
		Help: "Game settlement attempts",
	}, []string{"outcome"})

	// SettlementLatency tracks how long settling a whole game takes.
	SettlementLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pmx_settlement_latency_seconds",
		Help:    "Game settlement latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// WaveRuns counts MoneyWave stage runs by stage and outcome.
	WaveRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pmx_wave_runs_total",
		Help: "MoneyWave stage runs",
	}, []string{"stage", "outcome"})

	// WaveDistributed accumulates units moved by each stage.
	WaveDistributed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pmx_wave_distributed_units_total",
		Help: "Token units distributed by MoneyWave stage",
	}, []string{"stage", "token"})

	// IncentiveTransitions counts Wave 3 request state changes.
	IncentiveTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pmx_incentive_transitions_total",
		Help: "Custom incentive request state transitions",
	}, []string{"to"})

	// SchedulerTicks counts worker ticks by outcome.
	SchedulerTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pmx_scheduler_ticks_total",
		Help: "Distribution worker ticks",
	}, []string{"outcome"})

	// StakeLimitRejections counts stakes refused by the stake limiter.
	StakeLimitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pmx_stake_limit_rejections_total",
		Help: "Stakes rejected by the stake limiter",
	}, []string{"limit"})

	// EventPublishFailures counts sink failures by sink name.
	EventPublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pmx_event_publish_failures_total",
		Help: "Domain event deliveries that failed",
	}, []string{"sink"})

	// EventsPublished counts events accepted by the bus by type.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pmx_events_published_total",
		Help: "Domain events published",
	}, []string{"type"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pmx_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pmx_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pmx_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
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

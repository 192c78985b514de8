// Package metrics provides Prometheus instrumentation for the game engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// PlaysTotal counts recorded plays, partitioned by game.
	PlaysTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gg_plays_total",
		Help: "Total number of plays recorded",
	}, []string{"game"})

	// RiskDenialsTotal counts wagers denied by the risk engine, by reason.
	RiskDenialsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gg_risk_denials_total",
		Help: "Wagers denied by the risk control engine",
	}, []string{"reason"})

	// RoundsSettledTotal counts settled rounds per game.
	RoundsSettledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gg_rounds_settled_total",
		Help: "Total number of rounds settled",
	}, []string{"game"})

	// SettlementDuration tracks how long one round's settlement takes.
	SettlementDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gg_settlement_duration_seconds",
		Help:    "Round settlement duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"game"})

	// PayoutRate reports the most recent simulated payout ratio per game —
	// the continuous production guard against payout-table drift.
	PayoutRate = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gg_simulated_payout_rate",
		Help: "Realized payout ratio from the latest economics simulation",
	}, []string{"game"})

	// OpenRounds tracks rounds currently accepting plays.
	OpenRounds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gg_open_rounds",
		Help: "Number of currently open rounds",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gg_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gg_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gg_http_request_duration_seconds",
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

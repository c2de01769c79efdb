// Package metrics provides Prometheus instrumentation for the synthetic
// asset engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TradesTotal counts settled trades, partitioned by side and the
	// position transition they applied.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "synth_trades_total",
		Help: "Total number of trades executed",
	}, []string{"side", "transition"})

	// TradeLatency measures ExecuteTrade end to end, retries included.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "synth_trade_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})

	// TradeRejections counts failed trades by error kind.
	TradeRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "synth_trade_rejections_total",
		Help: "Trades rejected, by failure kind",
	}, []string{"kind"})

	// TxRetries counts transaction attempts retried after a serialization
	// conflict or lock timeout.
	TxRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "synth_tx_retries_total",
		Help: "Transactions retried after a concurrency conflict",
	})

	// FeesTotal accumulates routed fees by destination (lp, treasury).
	FeesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "synth_fees_total",
		Help: "Cumulative trade fees routed, in currency units",
	}, []string{"destination"})

	// TreasurySwept accumulates platform fees moved from pools to the
	// treasury wallet.
	TreasurySwept = promauto.NewCounter(prometheus.CounterOpts{
		Name: "synth_treasury_swept_total",
		Help: "Platform fees swept into the treasury wallet, in currency units",
	})

	// AssetVolume tracks cumulative traded notional per asset.
	AssetVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "synth_asset_volume_total",
		Help: "Cumulative trade notional in currency units",
	}, []string{"asset_id"})

	// ActiveAssets tracks the number of tradeable assets.
	ActiveAssets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "synth_active_assets",
		Help: "Number of currently tradeable assets",
	})

	// PriceTicks counts price recomputations by trigger.
	PriceTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "synth_price_ticks_total",
		Help: "Price ticks recorded, by trigger",
	}, []string{"trigger"})

	// SignalsDropped counts fundamental signals rejected before use.
	SignalsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "synth_signals_dropped_total",
		Help: "Fundamental signals dropped, by reason",
	}, []string{"reason"})

	// TargetFires counts stop-loss/take-profit closes by outcome.
	TargetFires = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "synth_target_fires_total",
		Help: "Target-triggered closes, by kind and outcome",
	}, []string{"kind", "outcome"})

	// ExitSlices counts gradual-exit slices by outcome.
	ExitSlices = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "synth_exit_slices_total",
		Help: "Gradual exit slices executed, by outcome",
	}, []string{"outcome"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "synth_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "synth_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "synth_http_request_duration_seconds",
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
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
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

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}

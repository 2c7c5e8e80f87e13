// Package metrics provides Prometheus instrumentation for the ledger engine.
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
	// GatewayCacheHits counts gateway calls served from the TTL cache.
	GatewayCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "veilhedge_gateway_cache_hits_total",
		Help: "Gateway calls served from the TTL cache without contacting upstream",
	})

	// GatewayUpstreamCalls counts invocations that reached the upstream RPC.
	GatewayUpstreamCalls = promauto.NewCounter(prometheus.CounterOpts{
		Name: "veilhedge_gateway_upstream_calls_total",
		Help: "Gateway invocations that contacted the upstream RPC endpoint",
	})

	// GatewayRetries counts retry attempts after rate-limit responses.
	GatewayRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "veilhedge_gateway_retries_total",
		Help: "Retry attempts triggered by rate-limit-class upstream failures",
	})

	// GatewayInFlight tracks upstream calls currently holding a semaphore slot.
	GatewayInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "veilhedge_gateway_in_flight",
		Help: "Upstream calls currently in flight",
	})

	// ResolvedTxHashes counts transaction hashes resolved per tier.
	ResolvedTxHashes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "veilhedge_resolved_tx_hashes_total",
		Help: "Transaction hashes resolved, partitioned by resolution source",
	}, []string{"source"})

	// UnresolvedTxHashes counts hedge ids that missed every resolution tier.
	UnresolvedTxHashes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "veilhedge_unresolved_tx_hashes_total",
		Help: "Hedge ids left unresolved after all resolution tiers",
	})

	// ScanChunks counts event-log chunks fetched during backward scans.
	ScanChunks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "veilhedge_scan_chunks_total",
		Help: "Event-log block-range chunks fetched during reconciliation scans",
	})

	// PriceFallbacks counts enrichment passes that fell back to static prices.
	PriceFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "veilhedge_price_fallbacks_total",
		Help: "Enrichment passes served from static reference prices",
	})

	// WritebackErrors counts swallowed cache-writeback failures.
	WritebackErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "veilhedge_writeback_errors_total",
		Help: "Cache writeback failures (logged and swallowed, never propagated)",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "veilhedge_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "veilhedge_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "veilhedge_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
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

		// Use the raw path for the label; route cardinality is small.
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

package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sbi_engine_build_info",
			Help: "Build information of the SBI engine",
		},
		[]string{"version", "commit", "date"},
	)

	CycleRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sbi_engine_cycle_runs_total",
			Help: "Total number of cycle runs",
		},
		[]string{"stage", "status"},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sbi_engine_stage_duration_seconds",
			Help:    "Duration of cycle stages",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14), // 0.1s to ~27 minutes
		},
		[]string{"stage"},
	)

	EventsMergedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sbi_engine_events_merged_total",
			Help: "Total number of stake change events merged into the ledger",
		},
	)

	SyncCursor = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sbi_engine_sync_cursor",
			Help: "Highest event index fully processed",
		},
	)

	EligibleContributors = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sbi_engine_eligible_contributors",
			Help: "Number of contributors with eligible stake in the latest summary",
		},
	)

	DistributableEarnings = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sbi_engine_distributable_earnings",
			Help: "Distributable earnings in the latest summary",
		},
	)

	OutstandingBalance = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sbi_engine_outstanding_balance",
			Help: "Sum of all contributor balances after the latest payout pass",
		},
	)

	PayoutsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sbi_engine_payouts_total",
			Help: "Total number of payout attempts by outcome",
		},
		[]string{"status"}, // "sent", "dry_run", "abandoned", "excluded"
	)

	RPCRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sbi_engine_rpc_requests_total",
			Help: "Total number of chain RPC requests",
		},
		[]string{"endpoint", "method", "status"},
	)

	RPCRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sbi_engine_rpc_request_duration_seconds",
			Help:    "Duration of chain RPC requests",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~41s
		},
		[]string{"method"},
	)

	StoreCorruptionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sbi_engine_store_corruptions_total",
			Help: "Total number of persisted documents that failed to parse",
		},
		[]string{"document"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sbi_engine_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
)

// RecordRPC records metrics for a chain RPC request.
func RecordRPC(endpoint, method string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	RPCRequestsTotal.WithLabelValues(endpoint, method, status).Inc()
	RPCRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// Middleware returns a chi middleware that records HTTP metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := chi.RouteContext(r.Context()).RoutePattern()
		if path == "" {
			path = r.URL.Path
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(ww.Status())).Inc()
	})
}

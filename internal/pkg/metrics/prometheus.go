package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "storefront"

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)

	// Provisioning runs
	provisionRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provision",
			Name:      "runs_total",
			Help:      "Provisioning runs by operation and terminal state",
		},
		[]string{"operation", "state"},
	)

	provisionRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "provision",
			Name:      "run_duration_seconds",
			Help:      "Duration of provisioning runs",
			Buckets:   []float64{.5, 1, 2, 5, 10, 15, 20, 30, 60},
		},
		[]string{"operation"},
	)

	provisionedServers = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "provision",
			Name:      "servers_per_bundle",
			Help:      "Number of servers in successfully built bundles",
			Buckets:   []float64{1, 2, 3, 5, 8, 13, 21},
		},
	)

	// Gateway panel calls
	gatewayCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "calls_total",
			Help:      "Gateway panel calls by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	gatewayCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "call_duration_seconds",
			Help:      "Gateway panel call duration in seconds",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2, 5, 10, 15},
		},
		[]string{"operation"},
	)

	sessionCacheTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "session_cache_total",
			Help:      "Panel session cache lookups by result",
		},
		[]string{"result"},
	)

	// Fleet probing
	probeResultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fleet",
			Name:      "probe_results_total",
			Help:      "Reachability probe results",
		},
		[]string{"result"},
	)

	reachableServers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "fleet",
			Name:      "reachable_servers",
			Help:      "Servers reachable at the last probe",
		},
	)

	promoRedemptionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "promo",
			Name:      "validations_total",
			Help:      "Promo code validations by result",
		},
		[]string{"result"},
	)
)

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// GinMiddleware records request count and latency keyed by route template.
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())
		httpRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		httpRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// RecordProvisionRun records a terminal orchestrator state.
func RecordProvisionRun(operation, state string, duration time.Duration) {
	provisionRunsTotal.WithLabelValues(operation, state).Inc()
	provisionRunDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordBundleSize records how many servers made it into a bundle.
func RecordBundleSize(n int) {
	provisionedServers.Observe(float64(n))
}

// RecordGatewayCall records one panel HTTP call.
func RecordGatewayCall(operation, outcome string, duration time.Duration) {
	gatewayCallsTotal.WithLabelValues(operation, outcome).Inc()
	gatewayCallDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordSessionCache records a session cache hit or miss.
func RecordSessionCache(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	sessionCacheTotal.WithLabelValues(result).Inc()
}

// RecordProbe records a single reachability probe.
func RecordProbe(reachable bool) {
	result := "unreachable"
	if reachable {
		result = "reachable"
	}
	probeResultsTotal.WithLabelValues(result).Inc()
}

// SetReachableServers sets the reachable servers gauge.
func SetReachableServers(n int) {
	reachableServers.Set(float64(n))
}

// RecordPromoValidation records a promo validation outcome (ok or error code).
func RecordPromoValidation(result string) {
	promoRedemptionsTotal.WithLabelValues(result).Inc()
}

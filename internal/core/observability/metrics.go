package observability

import (
	"errors"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
		},
		[]string{"method", "route", "status"},
	)

	cacheResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "viewport_cache_results_total",
			Help: "Local cache lookups and evictions by cache and outcome.",
		},
		[]string{"cache", "outcome"},
	)

	inflightTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inflight_requests_total",
			Help: "In-flight registry calls by outcome (leader, shared, linger).",
		},
		[]string{"outcome"},
	)

	inflightPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "inflight_pending",
			Help: "Entries currently held by the in-flight registry.",
		},
	)

	batchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "batch_flush_size",
			Help:    "Number of requests executed per batch flush.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		},
	)

	batchWaitSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "batch_wait_seconds",
			Help:    "Time between the first addition of a batch and its flush.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 10),
		},
	)

	cacheOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_op_total",
			Help: "Redis operations by op and result.",
		},
		[]string{"op", "result"},
	)

	redisOpSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "redis_operation_duration_seconds",
			Help:    "Latency of redis operations in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		},
		[]string{"op"},
	)

	distcacheErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "distcache_errors_total",
			Help: "Distributed cache operations that failed open.",
		},
		[]string{"op"},
	)

	rateLimitDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ratelimit_decisions_total",
			Help: "Rate limiter decisions by endpoint.",
		},
		[]string{"endpoint", "decision"},
	)

	resolverLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "resolver_latency_seconds",
			Help:    "Latency of backend resolver calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"result"},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		httpRequestsTotal, httpRequestDurationSeconds,
		cacheResults, inflightTotal, inflightPending,
		batchSize, batchWaitSeconds,
		cacheOps, redisOpSeconds, distcacheErrors,
		rateLimitDecisions, resolverLatencySeconds,
	}
}

var initMu sync.Mutex

// Init registers every collector with reg. Observations made before Init, or
// with enabled=false, are still recorded but never exported.
func Init(reg prometheus.Registerer, enabled bool) {
	if !enabled || reg == nil {
		return
	}
	initMu.Lock()
	defer initMu.Unlock()
	for _, c := range collectors() {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			panic(err)
		}
	}
}

func ObserveHTTP(method, route string, status int, durationSeconds float64) {
	st := strconv.Itoa(status)
	httpRequestsTotal.WithLabelValues(method, route, st).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route, st).Observe(durationSeconds)
}

func ObserveCacheResult(cache, outcome string) {
	cacheResults.WithLabelValues(cache, outcome).Inc()
}

func ObserveInflight(outcome string) {
	inflightTotal.WithLabelValues(outcome).Inc()
}

func SetInflightPending(n int) {
	inflightPending.Set(float64(n))
}

func ObserveBatchFlush(size int, waitSeconds float64) {
	batchSize.Observe(float64(size))
	batchWaitSeconds.Observe(waitSeconds)
}

func ObserveCacheOp(op string, err error, durationSeconds float64) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	cacheOps.WithLabelValues(op, result).Inc()
	redisOpSeconds.WithLabelValues(op).Observe(durationSeconds)
}

func IncDistCacheError(op string) {
	distcacheErrors.WithLabelValues(op).Inc()
}

func ObserveRateLimit(endpoint, decision string) {
	if endpoint == "" {
		endpoint = "unknown"
	}
	rateLimitDecisions.WithLabelValues(endpoint, decision).Inc()
}

func ObserveResolver(err error, durationSeconds float64) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	resolverLatencySeconds.WithLabelValues(result).Observe(durationSeconds)
}

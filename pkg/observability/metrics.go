package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Authorization metrics
	PermissionChecksTotal   *prometheus.CounterVec
	PermissionCheckDuration *prometheus.HistogramVec
	PermissionCheckErrors   *prometheus.CounterVec

	// Decision cache metrics
	CacheHitsTotal          *prometheus.CounterVec
	CacheMissesTotal        *prometheus.CounterVec
	CacheInvalidationsTotal *prometheus.CounterVec

	// Override workflow metrics
	OverrideTransitionsTotal *prometheus.CounterVec

	// Database metrics
	DBConnectionsActive prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge

	// Janitor metrics
	JanitorRunsTotal   *prometheus.CounterVec
	JanitorPurgedTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "warden_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		PermissionChecksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_permission_checks_total",
				Help: "Total number of permission checks",
			},
			[]string{"permission", "result", "source"},
		),
		PermissionCheckDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "warden_permission_check_duration_seconds",
				Help:    "Permission check duration in seconds",
				Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"cached"},
		),
		PermissionCheckErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_permission_check_errors_total",
				Help: "Total number of permission checks that failed closed",
			},
			[]string{"kind"},
		),

		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_decision_cache_hits_total",
				Help: "Total number of decision cache hits",
			},
			[]string{"backend"},
		),
		CacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_decision_cache_misses_total",
				Help: "Total number of decision cache misses",
			},
			[]string{"backend"},
		),
		CacheInvalidationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_decision_cache_invalidations_total",
				Help: "Total number of decision cache invalidations",
			},
			[]string{"scope"},
		),

		OverrideTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_override_transitions_total",
				Help: "Total number of override approval transitions",
			},
			[]string{"event", "result"},
		),

		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "warden_db_connections_active",
				Help: "Number of active database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "warden_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),

		JanitorRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_janitor_runs_total",
				Help: "Total number of janitor runs",
			},
			[]string{"status"},
		),
		JanitorPurgedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_janitor_purged_rows_total",
				Help: "Total number of expired rows removed by the janitor",
			},
			[]string{"table"},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.PermissionChecksTotal,
		m.PermissionCheckDuration,
		m.PermissionCheckErrors,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.CacheInvalidationsTotal,
		m.OverrideTransitionsTotal,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
		m.JanitorRunsTotal,
		m.JanitorPurgedTotal,
	)

	return m
}

// The Record helpers are safe to call on a nil *Metrics so that library
// callers can run without a registry.

// RecordPermissionCheck records the outcome of one evaluation
func (m *Metrics) RecordPermissionCheck(permission string, allowed bool, source string, cached bool, d time.Duration) {
	if m == nil {
		return
	}
	result := "deny"
	if allowed {
		result = "allow"
	}
	if source == "" {
		source = "none"
	}
	m.PermissionChecksTotal.WithLabelValues(permission, result, source).Inc()
	m.PermissionCheckDuration.WithLabelValues(strconv.FormatBool(cached)).Observe(d.Seconds())
}

// RecordCheckError counts a fail-closed evaluation by kind (store, configuration)
func (m *Metrics) RecordCheckError(kind string) {
	if m == nil {
		return
	}
	m.PermissionCheckErrors.WithLabelValues(kind).Inc()
}

// RecordCacheLookup counts a decision cache hit or miss
func (m *Metrics) RecordCacheLookup(backend string, hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheHitsTotal.WithLabelValues(backend).Inc()
		return
	}
	m.CacheMissesTotal.WithLabelValues(backend).Inc()
}

// RecordCacheInvalidation counts an invalidation by scope (user, all)
func (m *Metrics) RecordCacheInvalidation(scope string) {
	if m == nil {
		return
	}
	m.CacheInvalidationsTotal.WithLabelValues(scope).Inc()
}

// RecordOverrideTransition counts an approve/reject attempt
func (m *Metrics) RecordOverrideTransition(event string, ok bool) {
	if m == nil {
		return
	}
	result := "rejected"
	if ok {
		result = "applied"
	}
	m.OverrideTransitionsTotal.WithLabelValues(event, result).Inc()
}

// RecordJanitorRun records a janitor pass and the rows it removed per table
func (m *Metrics) RecordJanitorRun(err error, purged map[string]int64) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.JanitorRunsTotal.WithLabelValues(status).Inc()
	for table, n := range purged {
		m.JanitorPurgedTotal.WithLabelValues(table).Add(float64(n))
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics.
// The route template is used as the path label when pathLabel is set, to keep
// label cardinality bounded.
func HTTPMetricsMiddleware(metrics *Metrics, pathLabel func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			path := r.URL.Path
			if pathLabel != nil {
				path = pathLabel(r)
			}
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		})
	}
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(mux *http.ServeMux, registry *prometheus.Registry) {
	mux.Handle("/metrics", MetricsHandler(registry))
}

// MetricsHandler serves the registry in the Prometheus exposition format
func MetricsHandler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

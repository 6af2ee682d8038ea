package observability

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordPermissionCheck(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordPermissionCheck("courses.view", true, "role", false, time.Millisecond)
	m.RecordPermissionCheck("courses.view", false, "", true, time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.PermissionChecksTotal.WithLabelValues("courses.view", "allow", "role")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PermissionChecksTotal.WithLabelValues("courses.view", "deny", "none")))
}

func TestRecordCacheLookup(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordCacheLookup("memory", true)
	m.RecordCacheLookup("memory", false)
	m.RecordCacheLookup("memory", false)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheHitsTotal.WithLabelValues("memory")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CacheMissesTotal.WithLabelValues("memory")))
}

func TestRecordOverrideTransitionAndErrors(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordOverrideTransition("approve", true)
	m.RecordOverrideTransition("approve", false)
	m.RecordCheckError("store")
	m.RecordCacheInvalidation("user")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.OverrideTransitionsTotal.WithLabelValues("approve", "applied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OverrideTransitionsTotal.WithLabelValues("approve", "rejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PermissionCheckErrors.WithLabelValues("store")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheInvalidationsTotal.WithLabelValues("user")))
}

func TestRecordJanitorRun(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordJanitorRun(nil, map[string]int64{"permission_overrides": 3})
	m.RecordJanitorRun(errors.New("db down"), nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.JanitorRunsTotal.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.JanitorRunsTotal.WithLabelValues("error")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.JanitorPurgedTotal.WithLabelValues("permission_overrides")))
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordPermissionCheck("a.b", true, "role", false, time.Second)
		m.RecordCacheLookup("memory", true)
		m.RecordCacheInvalidation("all")
		m.RecordCheckError("store")
		m.RecordOverrideTransition("reject", true)
		m.RecordJanitorRun(nil, nil)
	})
}

func TestHTTPMetricsMiddleware(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)

	handler := HTTPMetricsMiddleware(m, func(*http.Request) string { return "/rbac/check" })(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
		}),
	)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/rbac/check", nil))

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/rbac/check", "403")))

	mux := http.NewServeMux()
	RegisterMetricsEndpoint(mux, registry)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "warden_http_requests_total"))
}

package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthMetricsCounts(t *testing.T) {
	registry := prometheus.NewRegistry()
	m, err := NewAuthMetrics(registry)
	require.NoError(t, err)

	m.CodeRequested("issued")
	m.CodeRequested("rate_limited")
	m.CodeRequested("issued")
	m.LoggedIn("password", "success")
	m.Swept(3)
	m.Swept(0)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.CodeRequests.WithLabelValues("issued")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Logins.WithLabelValues("password", "success")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.CodesSwept))
}

func TestAuthMetricsReusesRegisteredCollectors(t *testing.T) {
	registry := prometheus.NewRegistry()
	first, err := NewAuthMetrics(registry)
	require.NoError(t, err)
	second, err := NewAuthMetrics(registry)
	require.NoError(t, err)

	first.Registered("success")
	assert.Equal(t, 1.0, testutil.ToFloat64(second.Registrations.WithLabelValues("success")))
}

func TestNilAuthMetricsIsNoop(t *testing.T) {
	var m *AuthMetrics
	m.CodeRequested("issued")
	m.CodeVerified("valid")
	m.Registered("success")
	m.LoggedIn("code", "failure")
	m.Swept(1)
}

func TestHTTPMetricsMiddleware(t *testing.T) {
	registry := prometheus.NewRegistry()
	m, err := NewHTTPMetrics(registry)
	require.NoError(t, err)

	router := chi.NewRouter()
	router.Use(m.Middleware)
	router.Get("/items/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/items/42", nil))
	require.Equal(t, http.StatusCreated, rr.Code)

	labels := prometheus.Labels{"method": http.MethodGet, "route": "/items/{id}", "status": "201"}
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Requests.With(labels)))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.InFlight))
}

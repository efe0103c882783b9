package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestInit(t *testing.T) {
	Init("v1.0.0", "mlx5_0")
	Init("v1.0.1", "mlx5_1")

	assert.Equal(t, 1, testutil.CollectAndCount(ProbeInfo))
	assert.Equal(t, float64(1), testutil.ToFloat64(ProbeInfo.WithLabelValues("v1.0.1", "mlx5_1")))
}

func TestRecordProbe(t *testing.T) {
	ProbeRunsTotal.Reset()

	RecordProbe(ResultConnected, 2*time.Millisecond)
	RecordProbe(ResultFailed, time.Millisecond)
	RecordProbe(ResultFailed, time.Millisecond)

	assert.Equal(t, float64(1), testutil.ToFloat64(ProbeRunsTotal.WithLabelValues(ResultConnected)))
	assert.Equal(t, float64(2), testutil.ToFloat64(ProbeRunsTotal.WithLabelValues(ResultFailed)))
	assert.Equal(t, float64(0), testutil.ToFloat64(ProbeRunsTotal.WithLabelValues(ResultTimeout)))
}

func TestRecordRequest(t *testing.T) {
	RequestsTotal.Reset()
	RequestDuration.Reset()

	RecordRequest("GET", "/healthz", 200, 10*time.Millisecond)
	RecordRequest("GET", "/healthz", 503, 10*time.Millisecond)

	assert.Equal(t, float64(1), testutil.ToFloat64(RequestsTotal.WithLabelValues("GET", "/healthz", "2xx")))
	assert.Equal(t, float64(1), testutil.ToFloat64(RequestsTotal.WithLabelValues("GET", "/healthz", "5xx")))
}

func TestMiddleware(t *testing.T) {
	RequestsTotal.Reset()

	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/items/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	r.Get("/ok", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	for _, path := range []string{"/items/1", "/items/2", "/ok", "/missing"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	assert.Equal(t, float64(2), testutil.ToFloat64(RequestsTotal.WithLabelValues("GET", "/items/{id}", "4xx")))
	assert.Equal(t, float64(1), testutil.ToFloat64(RequestsTotal.WithLabelValues("GET", "/ok", "2xx")))
	assert.Equal(t, float64(1), testutil.ToFloat64(RequestsTotal.WithLabelValues("GET", "unmatched", "4xx")))
}

func TestStatusCodeToString(t *testing.T) {
	tests := []struct {
		status   int
		expected string
	}{
		{200, "2xx"},
		{204, "2xx"},
		{301, "3xx"},
		{404, "4xx"},
		{500, "5xx"},
		{100, "unknown"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, statusCodeToString(tt.status))
	}
}

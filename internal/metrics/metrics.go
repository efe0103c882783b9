// Package metrics provides the process-level Prometheus metrics of rdmacm-probe.
//
// Endpoint and event metrics live with the transport; this package covers:
//
//   - rdmacm_probe_info: Build version and configured device
//   - rdmacm_probe_runs_total: Connect probes by result
//   - rdmacm_probe_connect_duration_seconds: Time from endpoint creation to the connect callback
//   - rdmacm_http_requests_total: Requests served by the metrics listener
//   - rdmacm_http_request_duration_seconds: Latency of those requests
package metrics

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Probe results.
const (
	ResultConnected = "connected"
	ResultFailed    = "failed"
	ResultTimeout   = "timeout"
)

var (
	// ProbeInfo is always 1, labelled with the build and device.
	ProbeInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rdmacm_probe_info",
			Help: "Probe build and device information",
		},
		[]string{"version", "device"},
	)

	// ProbeRunsTotal counts connect probes by result
	ProbeRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rdmacm_probe_runs_total",
			Help: "Total number of connect probes",
		},
		[]string{"result"},
	)

	// ProbeConnectDuration tracks how long connection establishment took
	ProbeConnectDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rdmacm_probe_connect_duration_seconds",
			Help:    "Time from endpoint creation to the connect callback",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		},
	)

	// RequestsTotal counts requests served by the metrics listener
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rdmacm_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	// RequestDuration tracks request latency
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rdmacm_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

// Init records the build version and the configured device.
func Init(version, device string) {
	ProbeInfo.Reset()
	ProbeInfo.WithLabelValues(version, device).Set(1)
}

// RecordProbe records the result of one connect probe.
func RecordProbe(result string, duration time.Duration) {
	ProbeRunsTotal.WithLabelValues(result).Inc()

	if result == ResultConnected {
		ProbeConnectDuration.Observe(duration.Seconds())
	}
}

// RecordRequest records a request with its method, route, status, and duration
func RecordRequest(method, route string, status int, duration time.Duration) {
	RequestsTotal.WithLabelValues(method, route, statusCodeToString(status)).Inc()
	RequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Middleware records every request passing through a chi router. Requests
// that matched no route are recorded under "unmatched".
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		RecordRequest(r.Method, route, status, time.Since(start))
	})
}

func statusCodeToString(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

package rdma

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for endpoint lifecycle monitoring.
var (
	// endpointsCreated counts endpoints constructed successfully, by role.
	endpointsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rdmacm_endpoints_created_total",
		Help: "Total number of rdmacm endpoints created",
	}, []string{"role"})

	// endpointErrors counts failed endpoint operations.
	endpointErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rdmacm_endpoint_errors_total",
		Help: "Total number of failed rdmacm endpoint operations",
	}, []string{"op", "kind"})

	// endpointsActive tracks endpoints not yet destroyed.
	endpointsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rdmacm_endpoints_active",
		Help: "Number of rdmacm endpoints not yet destroyed",
	})

	// dummyQPsActive tracks dummy UD queue pairs held for QP numbers.
	dummyQPsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rdmacm_dummy_qps_active",
		Help: "Number of dummy UD queue pairs held to reserve a QP number",
	})

	// eventsTotal counts delivered connection manager events by type.
	eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rdmacm_events_total",
		Help: "Total number of connection manager events delivered",
	}, []string{"type"})

	// eventsDropped counts events whose identifier was no longer registered.
	eventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rdmacm_events_dropped_total",
		Help: "Total number of events dropped for unknown identifiers",
	})
)

func recordError(op string, err error) {
	endpointErrors.WithLabelValues(op, errorKind(err)).Inc()
}

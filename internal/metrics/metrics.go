// Package metrics exposes Prometheus instrumentation for the sync engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SnapshotsPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fieldmap_snapshots_published_total",
		Help: "Total pin collection snapshots published by synchronizers",
	})
	ChangeTicksPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fieldmap_change_ticks_total",
		Help: "Total change notifications published after writes",
	})
	WriteFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fieldmap_write_failures_total",
		Help: "Total remote writes rejected by the store",
	})
	GeocodeRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldmap_geocode_requests_total",
		Help: "Total forward-geocoding requests by backend",
	}, []string{"backend"})
	RouteComputations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fieldmap_route_computations_total",
		Help: "Total route computations started",
	})
	RouteTeardowns = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fieldmap_route_teardowns_total",
		Help: "Total route computations torn down before completion",
	})
	RequestDurationMs = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "fieldmap_request_duration_ms",
		Help:    "HTTP request duration in milliseconds",
		Buckets: []float64{1, 5, 10, 20, 50, 100, 200, 500, 1000},
	})
)

func init() {
	prometheus.MustRegister(
		SnapshotsPublished,
		ChangeTicksPublished,
		WriteFailures,
		GeocodeRequests,
		RouteComputations,
		RouteTeardowns,
		RequestDurationMs,
	)
}

// Handler serves the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

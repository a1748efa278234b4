// Package metrics exposes the service's Prometheus collectors.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "svsettings_api_requests_total",
			Help: "API requests by method and response status.",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "svsettings_api_request_duration_seconds",
			Help:    "API request latency by method.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	ConfigWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "svsettings_config_writes_total",
			Help: "Configuration mutations by action.",
		},
		[]string{"action"},
	)

	StatusProbeFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "svsettings_status_probe_failures_total",
			Help: "Status source probes that failed or timed out.",
		},
	)
)

var registerOnce sync.Once

// Register installs the collectors on the default registry. Safe to
// call more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			APIRequestsTotal,
			APIRequestDuration,
			ConfigWritesTotal,
			StatusProbeFailures,
		)
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

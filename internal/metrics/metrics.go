// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carbonpaper_http_requests_total",
		Help: "HTTP requests by method, route and status",
	}, []string{"method", "route", "status"})

	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "carbonpaper_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	aiCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carbonpaper_ai_calls_total",
		Help: "AI gateway calls by operation and outcome",
	}, []string{"operation", "outcome"})

	// AI calls are slow; buckets run from 100ms to ~100s.
	aiDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "carbonpaper_ai_call_duration_seconds",
		Help:    "AI gateway call duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 11),
	}, []string{"operation"})

	resolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carbonpaper_tracked_change_resolutions_total",
		Help: "Tracked changes resolved, by resolution",
	}, []string{"resolution"})
)

func ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

func ObserveAI(operation, outcome string, elapsed time.Duration) {
	aiCalls.WithLabelValues(operation, outcome).Inc()
	aiDuration.WithLabelValues(operation).Observe(elapsed.Seconds())
}

// ObserveResolution counts accept, reject and discard.
func ObserveResolution(resolution string) {
	resolutions.WithLabelValues(resolution).Inc()
}

// Package metrics owns the Prometheus registry and the instrumented
// decorators for audit events, challenge stores and HTTP handlers.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds every metric the service exports.
type Collector struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	httpInFlight prometheus.Gauge

	// AuthAttempts labels: action, method, result ("success"|"failure").
	AuthAttempts *prometheus.CounterVec
	// Sessions labels: event ("issued"|"rotated"|"reuse_detected"|"revoked").
	Sessions *prometheus.CounterVec
	// Challenges labels: op ("issue"|"consume"), result.
	Challenges *prometheus.CounterVec
	// ScoreActions labels: action, result.
	ScoreActions *prometheus.CounterVec
	// LevelChanges labels: level (the level reached).
	LevelChanges *prometheus.CounterVec
}

// NewCollector builds a Collector on a fresh registry. namespace prefixes
// every metric name.
func NewCollector(namespace string) *Collector {
	c := &Collector{registry: prometheus.NewRegistry()}

	c.httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total number of HTTP requests"},
		[]string{"method", "route", "status"},
	)
	c.httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Namespace: namespace, Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds", Buckets: prometheus.DefBuckets},
		[]string{"method", "route"},
	)
	c.httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{Namespace: namespace, Name: "http_requests_in_flight", Help: "Requests currently being served"},
	)
	c.AuthAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "auth_attempts_total", Help: "Authentication attempts by action, method and result"},
		[]string{"action", "method", "result"},
	)
	c.Sessions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "sessions_total", Help: "Session lifecycle events"},
		[]string{"event"},
	)
	c.Challenges = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "challenges_total", Help: "Challenge store operations by result"},
		[]string{"op", "result"},
	)
	c.ScoreActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "score_actions_total", Help: "Reputation actions by action key and result"},
		[]string{"action", "result"},
	)
	c.LevelChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "score_level_changes_total", Help: "Level transitions by level reached"},
		[]string{"level"},
	)

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.httpRequests,
		c.httpDuration,
		c.httpInFlight,
		c.AuthAttempts,
		c.Sessions,
		c.Challenges,
		c.ScoreActions,
		c.LevelChanges,
	)
	return c
}

// Registry exposes the underlying registry for tests and extra collectors.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

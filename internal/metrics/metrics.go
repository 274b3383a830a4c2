// Package metrics defines the prometheus collectors exported at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Set bundles every collector the relay maintains. Created once at startup
// and handed to the engine and the reaper.
type Set struct {
	ConnectedDrivers prometheus.Gauge
	ConnectedUsers   prometheus.Gauge
	TrackedDrivers   prometheus.Gauge
	Sessions         prometheus.Gauge
	RateBuckets      prometheus.Gauge

	Broadcasts  *prometheus.CounterVec // by event
	Unicasts    *prometheus.CounterVec // by event
	RateLimited prometheus.Counter
	Preemptions prometheus.Counter

	ReapedDrivers prometheus.Counter
	ReapedUsers   prometheus.Counter

	ProtocolErrors *prometheus.CounterVec // by kind
}

// New registers the collector set on reg. Pass prometheus.DefaultRegisterer
// in production; tests use a private registry so parallel tests do not
// collide.
func New(reg prometheus.Registerer) *Set {
	factory := promauto.With(reg)
	return &Set{
		ConnectedDrivers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_connected_drivers",
			Help: "Driver connections currently live (excludes grace).",
		}),
		ConnectedUsers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_connected_users",
			Help: "User connections currently live (excludes grace).",
		}),
		TrackedDrivers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_tracked_drivers",
			Help: "Driver records in the table, live or in grace.",
		}),
		Sessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_sessions",
			Help: "Session records in the table, including resumable ones.",
		}),
		RateBuckets: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_rate_buckets",
			Help: "Rate-gate windows currently tracked.",
		}),
		Broadcasts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_broadcasts_total",
			Help: "Events fanned out to the user cohort.",
		}, []string{"event"}),
		Unicasts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_unicasts_total",
			Help: "Events unicast to a single driver.",
		}, []string{"event"}),
		RateLimited: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_rate_limited_total",
			Help: "Producer updates rejected by the rate gate.",
		}),
		Preemptions: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_preemptions_total",
			Help: "Incumbent connections closed in favor of a newer one.",
		}),
		ReapedDrivers: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_reaped_drivers_total",
			Help: "Driver records purged by the reaper.",
		}),
		ReapedUsers: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_reaped_users_total",
			Help: "User records purged by the reaper.",
		}),
		ProtocolErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_protocol_errors_total",
			Help: "Errors reported back to clients, by kind.",
		}, []string{"kind"}),
	}
}

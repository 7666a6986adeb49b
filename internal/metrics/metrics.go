// Package metrics exposes the service's Prometheus counters and gauges:
// job throughput, hydration outcomes, and proxy/token health, all
// process-global (no unbounded label cardinality).
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// JobsClaimed counts jobs claimed by type.
	JobsClaimed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "imgserve_jobs_claimed_total",
		Help: "Total jobs claimed by a worker, labeled by job type",
	}, []string{"type"})

	// JobsCompleted counts jobs reaching a terminal or deferred state,
	// labeled by type and outcome (completed, failed, dlq, deferred).
	JobsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "imgserve_jobs_completed_total",
		Help: "Total jobs reaching a terminal state, labeled by job type and outcome",
	}, []string{"type", "outcome"})

	// HydrationLatency observes the wall-clock time of a single illust
	// hydration attempt, successful or not.
	HydrationLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "imgserve_hydration_duration_seconds",
		Help:    "Duration of a single illust hydration attempt",
		Buckets: prometheus.DefBuckets,
	})

	// TokensInBackoff gauges how many Pixiv tokens are currently in
	// backoff, the clearest single signal of credential-pool exhaustion.
	TokensInBackoff = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "imgserve_tokens_in_backoff",
		Help: "Number of Pixiv tokens currently in backoff",
	})

	// ProxyEndpointsOpen gauges how many proxy endpoints have a tripped
	// circuit breaker.
	ProxyEndpointsOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "imgserve_proxy_endpoints_open",
		Help: "Number of proxy endpoints currently circuit-broken",
	})

	// StreamRequests counts image stream requests by outcome class.
	StreamRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "imgserve_stream_requests_total",
		Help: "Total image stream requests, labeled by outcome",
	}, []string{"outcome"})
)

// Register adds every metric to reg. Call once at startup with
// prometheus.DefaultRegisterer (or a dedicated registry in tests).
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		JobsClaimed,
		JobsCompleted,
		HydrationLatency,
		TokensInBackoff,
		ProxyEndpointsOpen,
		StreamRequests,
	)
}

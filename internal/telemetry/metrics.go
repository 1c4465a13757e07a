package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration tracks HTTP request latency. Shared across the API surface.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "orchestrator",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

var JobsSubmittedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "orchestrator",
		Subsystem: "jobs",
		Name:      "submitted_total",
		Help:      "Total number of jobs submitted upstream, by aspect ratio.",
	},
	[]string{"aspect_ratio"},
)

var JobsCompletedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "orchestrator",
		Subsystem: "jobs",
		Name:      "completed_total",
		Help:      "Total number of jobs that reached status=completed.",
	},
)

var JobsFailedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "orchestrator",
		Subsystem: "jobs",
		Name:      "failed_total",
		Help:      "Total number of jobs that reached status=failed, by reason kind.",
	},
	[]string{"reason"},
)

var PollingWorkersActive = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "orchestrator",
		Subsystem: "polling",
		Name:      "workers_active",
		Help:      "Current number of active polling workers.",
	},
)

var TokensInCooldown = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "orchestrator",
		Subsystem: "tokenpool",
		Name:      "tokens_in_cooldown",
		Help:      "Current number of tokens in cooldown.",
	},
)

var TokenDispenseFailuresTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "orchestrator",
		Subsystem: "tokenpool",
		Name:      "dispense_failures_total",
		Help:      "Total number of dispense attempts that failed with NoTokensAvailable.",
	},
)

var UploadDedupHitsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "orchestrator",
		Subsystem: "upload",
		Name:      "dedup_hits_total",
		Help:      "Total number of upload calls that joined an in-flight upload for the same scene.",
	},
)

var TokenSwitchoversTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "orchestrator",
		Subsystem: "polling",
		Name:      "token_switchovers_total",
		Help:      "Total number of mid-flight token switchovers performed during polling.",
	},
)

// All returns all orchestrator-specific metrics for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		JobsSubmittedTotal,
		JobsCompletedTotal,
		JobsFailedTotal,
		PollingWorkersActive,
		TokensInCooldown,
		TokenDispenseFailuresTotal,
		UploadDedupHitsTotal,
		TokenSwitchoversTotal,
	}
}

// NewMetricsRegistry creates a Prometheus registry with Go/process collectors,
// the shared HTTPRequestDuration metric, and any additional service-specific
// collectors passed as arguments.
func NewMetricsRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		HTTPRequestDuration,
	)
	for _, c := range extra {
		reg.MustRegister(c)
	}
	return reg
}

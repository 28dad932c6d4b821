// internal/common/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_jobs_enqueued_total",
			Help: "Total number of dispatch jobs accepted per lane",
		},
		[]string{"lane"},
	)

	JobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_jobs_completed_total",
			Help: "Total number of dispatch jobs reaching a terminal state",
		},
		[]string{"lane", "state"},
	)

	JobsRetried = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_jobs_retried_total",
			Help: "Total number of dispatch job requeues",
		},
		[]string{"lane", "reason"},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dispatch_job_duration_seconds",
			Help:    "Duration of one dispatch job attempt in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"lane"},
	)

	JobsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dispatch_jobs_active",
			Help: "Number of in-flight jobs per lane",
		},
		[]string{"lane"},
	)

	JobsPending = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dispatch_jobs_pending",
			Help: "Number of queued or retrying jobs per lane",
		},
		[]string{"lane"},
	)

	PushOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "push_outcomes_total",
			Help: "Push provider outcomes per message",
		},
		[]string{"provider", "outcome"},
	)

	CredentialRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credential_refresh_total",
			Help: "Push provider credential refresh attempts",
		},
		[]string{"result"},
	)

	PresenceConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "presence_connections",
			Help: "Number of live real-time connections",
		},
	)

	PresenceDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "presence_deliveries_total",
			Help: "Real-time payload deliveries per result",
		},
		[]string{"result"},
	)

	IdempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "idempotency_hits_total",
			Help: "Submissions suppressed as duplicates",
		},
	)

	IdempotencyFailOpen = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "idempotency_fail_open_total",
			Help: "Idempotency backend failures that were treated as fresh submissions",
		},
		[]string{"operation"},
	)

	SessionsDeactivated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessions_deactivated_total",
			Help: "Device sessions deactivated per reason",
		},
		[]string{"reason"},
	)
)

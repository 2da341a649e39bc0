// internal/common/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WorkerJobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_jobs_completed_total",
			Help: "Total number of jobs completed by worker",
		},
		[]string{"task_type"},
	)

	WorkerJobsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_jobs_failed_total",
			Help: "Total number of jobs failed by worker",
		},
		[]string{"task_type", "error_code"},
	)

	WorkerJobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "worker_job_duration_seconds",
			Help: "Duration of job processing in seconds",
		},
		[]string{"task_type"},
	)

	WorkerJobsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "worker_jobs_active",
			Help: "Number of active jobs per worker",
		},
		[]string{"task_type"},
	)

	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lifecycle_transitions_total",
			Help: "Committed state transitions",
		},
		[]string{"vocabulary", "channel", "to"},
	)

	IllegalTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lifecycle_illegal_transitions_total",
			Help: "Transition requests rejected by the state machines",
		},
		[]string{"vocabulary", "from", "to"},
	)

	ConcurrencyConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lifecycle_concurrency_conflicts_total",
			Help: "Version conflicts detected on state updates",
		},
	)

	HookFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lifecycle_hook_failures_total",
			Help: "Post-commit hooks that returned an error or panicked",
		},
		[]string{"hook"},
	)

	CacheRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lifecycle_cache_requests_total",
			Help: "Cache lookups by keyspace and result",
		},
		[]string{"keyspace", "result"},
	)

	SweepRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lifecycle_sweep_states_total",
			Help: "States expired or purged by the sweep",
		},
		[]string{"action"},
	)

	ApplicationsFinalized = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lifecycle_applications_finalized_total",
			Help: "Applications created from completed conversations",
		},
		[]string{"channel"},
	)

	ChannelLinks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lifecycle_channel_links_total",
			Help: "Cross-channel link, sync and merge operations",
		},
		[]string{"kind"},
	)

	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lifecycle_notifications_total",
			Help: "Status notifications by delivery channel and result",
		},
		[]string{"channel", "result"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lifecycle_api_request_duration_seconds",
			Help:    "HTTP API latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method", "status"},
	)
)

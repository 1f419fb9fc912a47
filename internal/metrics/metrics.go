package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collectors are registered with the default registry through promauto.

var (
	// ==================== HTTP METRICS ====================

	// HTTPRequestDuration tracks the duration of HTTP requests
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"method", "endpoint", "status"},
	)

	// HTTPRequestsTotal counts total HTTP requests
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	// HTTPRequestsInFlight tracks currently processing requests
	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	// ==================== KV / LINK CACHE METRICS ====================

	// LinkCacheLookupsTotal counts slug lookups by result: hit, miss,
	// fallback_hit, error.
	LinkCacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "link_cache_lookups_total",
			Help: "Total number of link cache lookups by result",
		},
		[]string{"result"},
	)

	// KVOperationDuration tracks key-value store latency
	KVOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kv_operation_duration_seconds",
			Help:    "Duration of key-value store operations in seconds",
			Buckets: []float64{.0001, .0005, .001, .0025, .005, .01, .025, .05},
		},
		[]string{"backend", "operation"}, // get, put, delete
	)

	// ==================== RATE LIMITING METRICS ====================

	// RateLimitedRequestsTotal counts rate-limited requests
	RateLimitedRequestsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rate_limited_requests_total",
			Help: "Total number of rate-limited requests",
		},
	)

	// RateLimitAllowedRequestsTotal counts allowed requests
	RateLimitAllowedRequestsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rate_limit_allowed_requests_total",
			Help: "Total number of requests allowed by rate limiter",
		},
	)

	// ==================== EDGE METRICS ====================

	// EdgeResponsesTotal counts edge responses by mode: redirect, pixel,
	// cloak, expired, protected, not_found.
	EdgeResponsesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edge_responses_total",
			Help: "Total number of edge responses by mode",
		},
		[]string{"mode"},
	)

	// TargetingMatchesTotal counts which targeting rule kind picked the destination
	TargetingMatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "targeting_matches_total",
			Help: "Destination resolutions by matching rule kind",
		},
		[]string{"kind"},
	)

	// ClicksTotal counts click outcomes: recorded, counted_only, bot
	ClicksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clicks_total",
			Help: "Total number of clicks by outcome",
		},
		[]string{"outcome"},
	)

	// DedupDecisionsTotal counts unique vs duplicate click decisions
	DedupDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dedup_decisions_total",
			Help: "Click deduplication decisions",
		},
		[]string{"decision"},
	)

	// ClickStepFailuresTotal counts failed recording steps (analytics,
	// event, counter, pointer)
	ClickStepFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "click_step_failures_total",
			Help: "Click recording steps that failed",
		},
		[]string{"step"},
	)

	// DetachedTaskFailuresTotal counts background tasks that errored or panicked
	DetachedTaskFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "detached_task_failures_total",
			Help: "Detached background tasks that failed",
		},
		[]string{"task", "kind"}, // kind: error, panic
	)

	// ==================== SCHEDULER METRICS ====================

	// SchedulerJobRunsTotal counts job runs by result: success, error, panic
	SchedulerJobRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_job_runs_total",
			Help: "Scheduled job runs by result",
		},
		[]string{"job", "result"},
	)

	// SchedulerJobDuration tracks job duration
	SchedulerJobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scheduler_job_duration_seconds",
			Help:    "Duration of scheduled jobs in seconds",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 60, 300},
		},
		[]string{"job"},
	)

	// HealthProbesTotal counts destination probes by status
	HealthProbesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "health_probes_total",
			Help: "Destination health probes by resulting status",
		},
		[]string{"status"},
	)

	// ==================== QUEUE METRICS ====================

	// QueueMessagesTotal counts queue deliveries by outcome: ack, retry, terminate
	QueueMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_messages_total",
			Help: "Queue deliveries by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	// EmailsSentTotal counts email sends by template and result
	EmailsSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emails_sent_total",
			Help: "Email provider calls by template and result",
		},
		[]string{"template", "result"},
	)

	// ==================== DATABASE METRICS ====================

	// DatabaseQueryDuration tracks database query latency
	DatabaseQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "database_query_duration_seconds",
			Help:    "Duration of database queries in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"operation"},
	)

	// DatabaseErrorsTotal counts database errors
	DatabaseErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "database_errors_total",
			Help: "Total number of database errors",
		},
		[]string{"operation"},
	)
)

// RecordLinkLookup increments the link cache lookup counter
func RecordLinkLookup(result string) {
	LinkCacheLookupsTotal.WithLabelValues(result).Inc()
}

// RecordEdgeResponse increments the edge response counter
func RecordEdgeResponse(mode string) {
	EdgeResponsesTotal.WithLabelValues(mode).Inc()
}

// RecordClick increments the click outcome counter
func RecordClick(outcome string) {
	ClicksTotal.WithLabelValues(outcome).Inc()
}

// RecordDedup increments the dedup decision counter
func RecordDedup(unique bool) {
	if unique {
		DedupDecisionsTotal.WithLabelValues("unique").Inc()
		return
	}
	DedupDecisionsTotal.WithLabelValues("duplicate").Inc()
}

// RecordRateLimited increments rate-limited requests counter
func RecordRateLimited() {
	RateLimitedRequestsTotal.Inc()
}

// RecordRateLimitAllowed increments allowed requests counter
func RecordRateLimitAllowed() {
	RateLimitAllowedRequestsTotal.Inc()
}

// RecordQueueOutcome increments the queue outcome counter
func RecordQueueOutcome(msgType, outcome string) {
	QueueMessagesTotal.WithLabelValues(msgType, outcome).Inc()
}

// RecordDBError increments the database error counter
func RecordDBError(operation string) {
	DatabaseErrorsTotal.WithLabelValues(operation).Inc()
}

// Package metrics provides Prometheus metrics for Kiln — counters, gauges,
// and histograms for task flow, queue depth, VRAM, cache effectiveness,
// webhook delivery, and health.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── Tasks ──────────────────────────────────────────────────────────────────

// TasksSubmitted tracks accepted submissions by priority.
var TasksSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "kiln",
	Name:      "tasks_submitted_total",
	Help:      "Total tasks accepted for scheduling.",
}, []string{"priority"})

// TasksCompleted tracks successfully finished tasks.
var TasksCompleted = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "kiln",
	Name:      "tasks_completed_total",
	Help:      "Total completed tasks.",
})

// TasksFailed tracks permanently failed tasks by error code.
var TasksFailed = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "kiln",
	Name:      "tasks_failed_total",
	Help:      "Total permanently failed tasks.",
}, []string{"reason"})

// TasksCancelled tracks cancelled tasks.
var TasksCancelled = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "kiln",
	Name:      "tasks_cancelled_total",
	Help:      "Total cancelled tasks.",
})

// TasksRetried tracks transient failures sent back for another attempt.
var TasksRetried = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "kiln",
	Name:      "tasks_retried_total",
	Help:      "Total retry dispatches after transient failures.",
})

// TasksRunning tracks tasks currently holding VRAM.
var TasksRunning = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "kiln",
	Name:      "tasks_running",
	Help:      "Number of tasks currently running.",
})

// TaskAdmitLatency tracks time from enqueue to VRAM admission.
var TaskAdmitLatency = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "kiln",
	Name:      "task_admit_latency_seconds",
	Help:      "Time from task enqueue to admission.",
	Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 15, 60},
})

// GenerationDuration tracks wall time per completed generation.
var GenerationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "kiln",
	Name:      "generation_duration_seconds",
	Help:      "Wall time from dispatch to completion.",
	Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
})

// StallsReaped tracks tasks force-failed by the stall watchdog.
var StallsReaped = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "kiln",
	Name:      "stalls_reaped_total",
	Help:      "Total running tasks reaped after going silent.",
})

// ─── Queue ──────────────────────────────────────────────────────────────────

// QueueDepth tracks waiting tasks per priority tier.
var QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "kiln",
	Name:      "queue_depth",
	Help:      "Tasks waiting for admission, by priority.",
}, []string{"priority"})

// QueueSkips tracks admissions that bypassed a larger task ahead in line.
var QueueSkips = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "kiln",
	Name:      "queue_skips_total",
	Help:      "Total skip-ahead admissions past tasks that did not fit.",
})

// InboxDepth tracks buffered worker events awaiting the scheduler loop.
var InboxDepth = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "kiln",
	Name:      "scheduler_inbox_depth",
	Help:      "Worker events buffered in the scheduler inbox.",
})

// ─── VRAM ───────────────────────────────────────────────────────────────────

// VRAMTotal is the configured VRAM budget in MB.
var VRAMTotal = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "kiln",
	Name:      "vram_total_mb",
	Help:      "Configured VRAM budget in MB.",
})

// VRAMReserved tracks VRAM currently reserved by admitted tasks.
var VRAMReserved = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "kiln",
	Name:      "vram_reserved_mb",
	Help:      "VRAM currently reserved in MB.",
})

// ─── Similarity Cache ───────────────────────────────────────────────────────

// CacheHits tracks fingerprint lookups served from cache.
var CacheHits = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "kiln",
	Name:      "cache_hits_total",
	Help:      "Total similarity cache hits.",
})

// CacheMisses tracks fingerprint lookups that missed.
var CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "kiln",
	Name:      "cache_misses_total",
	Help:      "Total similarity cache misses.",
})

// CacheEvictions tracks entries evicted under the byte budget.
var CacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "kiln",
	Name:      "cache_evictions_total",
	Help:      "Total similarity cache evictions.",
})

// CacheBytes tracks bytes held by the similarity cache.
var CacheBytes = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "kiln",
	Name:      "cache_bytes",
	Help:      "Bytes currently held by the similarity cache.",
})

// ─── Webhooks ───────────────────────────────────────────────────────────────

// WebhookDelivered tracks successful webhook deliveries.
var WebhookDelivered = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "kiln",
	Name:      "webhook_delivered_total",
	Help:      "Total webhook deliveries acknowledged by receivers.",
})

// WebhookRetries tracks delivery attempts after the first.
var WebhookRetries = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "kiln",
	Name:      "webhook_retries_total",
	Help:      "Total webhook redelivery attempts.",
})

// WebhookAbandoned tracks events dropped after the retry schedule.
var WebhookAbandoned = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "kiln",
	Name:      "webhook_abandoned_total",
	Help:      "Total webhook events abandoned after exhausting retries.",
})

// WebhookPending tracks events waiting for delivery or retry.
var WebhookPending = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "kiln",
	Name:      "webhook_pending",
	Help:      "Webhook events queued or waiting out a retry delay.",
})

// ─── Rate Limiting ──────────────────────────────────────────────────────────

// RateLimited tracks submissions rejected by the rate limiter.
var RateLimited = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "kiln",
	Name:      "rate_limited_total",
	Help:      "Total submissions rejected by the per-identity rate limiter.",
})

// ─── Batches ────────────────────────────────────────────────────────────────

// BatchesSubmitted tracks accepted batch submissions.
var BatchesSubmitted = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "kiln",
	Name:      "batches_submitted_total",
	Help:      "Total batches accepted.",
})

// BatchesSettled tracks batches reaching a terminal status.
var BatchesSettled = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "kiln",
	Name:      "batches_settled_total",
	Help:      "Total batches settled, by terminal status.",
}, []string{"status"})

// ─── Health ─────────────────────────────────────────────────────────────────

// HealthCheckStatus tracks health check results (1=healthy, 0=unhealthy).
var HealthCheckStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "kiln",
	Name:      "health_check_status",
	Help:      "Health check result per component (1=healthy, 0=unhealthy).",
}, []string{"check"})

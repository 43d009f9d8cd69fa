package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func gatherNames(t *testing.T) map[string]bool {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	return names
}

func TestTaskMetrics(t *testing.T) {
	TasksSubmitted.WithLabelValues("normal").Inc()
	TasksCompleted.Inc()
	TasksFailed.WithLabelValues("transient_worker").Inc()
	TasksCancelled.Inc()
	TasksRetried.Inc()
	TasksRunning.Set(2)
	TaskAdmitLatency.Observe(0.8)
	GenerationDuration.Observe(42)
	StallsReaped.Inc()

	names := gatherNames(t)
	expected := []string{
		"kiln_tasks_submitted_total",
		"kiln_tasks_completed_total",
		"kiln_tasks_failed_total",
		"kiln_tasks_cancelled_total",
		"kiln_tasks_retried_total",
		"kiln_tasks_running",
		"kiln_task_admit_latency_seconds",
		"kiln_generation_duration_seconds",
		"kiln_stalls_reaped_total",
	}
	for _, name := range expected {
		if !names[name] {
			t.Errorf("metric %q not found", name)
		}
	}
}

func TestQueueAndVRAMMetrics(t *testing.T) {
	QueueDepth.WithLabelValues("urgent").Set(1)
	QueueDepth.WithLabelValues("low").Set(4)
	QueueSkips.Inc()
	InboxDepth.Set(0)
	VRAMTotal.Set(24576)
	VRAMReserved.Set(8192)

	names := gatherNames(t)
	expected := []string{
		"kiln_queue_depth",
		"kiln_queue_skips_total",
		"kiln_scheduler_inbox_depth",
		"kiln_vram_total_mb",
		"kiln_vram_reserved_mb",
	}
	for _, name := range expected {
		if !names[name] {
			t.Errorf("metric %q not found", name)
		}
	}
}

func TestCacheMetrics(t *testing.T) {
	CacheHits.Inc()
	CacheMisses.Inc()
	CacheEvictions.Inc()
	CacheBytes.Set(1 << 20)

	names := gatherNames(t)
	for _, name := range []string{
		"kiln_cache_hits_total",
		"kiln_cache_misses_total",
		"kiln_cache_evictions_total",
		"kiln_cache_bytes",
	} {
		if !names[name] {
			t.Errorf("metric %q not found", name)
		}
	}
}

func TestWebhookMetrics(t *testing.T) {
	WebhookDelivered.Inc()
	WebhookRetries.Inc()
	WebhookAbandoned.Inc()
	WebhookPending.Set(3)

	names := gatherNames(t)
	for _, name := range []string{
		"kiln_webhook_delivered_total",
		"kiln_webhook_retries_total",
		"kiln_webhook_abandoned_total",
		"kiln_webhook_pending",
	} {
		if !names[name] {
			t.Errorf("metric %q not found", name)
		}
	}
}

func TestBatchAndLimiterMetrics(t *testing.T) {
	RateLimited.Inc()
	BatchesSubmitted.Inc()
	BatchesSettled.WithLabelValues("completed").Inc()
	BatchesSettled.WithLabelValues("partial").Inc()

	names := gatherNames(t)
	for _, name := range []string{
		"kiln_rate_limited_total",
		"kiln_batches_submitted_total",
		"kiln_batches_settled_total",
	} {
		if !names[name] {
			t.Errorf("metric %q not found", name)
		}
	}
}

func TestHealthMetrics(t *testing.T) {
	HealthCheckStatus.WithLabelValues("sqlite").Set(1)
	HealthCheckStatus.WithLabelValues("vram_ledger").Set(1)
	HealthCheckStatus.WithLabelValues("webhook_backlog").Set(0)

	names := gatherNames(t)
	if !names["kiln_health_check_status"] {
		t.Error("kiln_health_check_status not found")
	}
}

func TestAllMetricsGatherable(t *testing.T) {
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}

	kilnMetrics := 0
	for _, f := range families {
		if strings.HasPrefix(f.GetName(), "kiln_") {
			kilnMetrics++
		}
	}
	if kilnMetrics < 20 {
		t.Errorf("expected at least 20 kiln_ metric families, got %d", kilnMetrics)
	}
}

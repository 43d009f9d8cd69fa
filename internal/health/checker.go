// Package health provides periodic daemon health checks.
// Results are exposed on /healthz and mirrored to Prometheus.
package health

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/kiln-media/kiln/internal/infra/metrics"
	"github.com/kiln-media/kiln/internal/infra/scheduler"
	"github.com/kiln-media/kiln/internal/infra/sqlite"
	"github.com/kiln-media/kiln/internal/infra/webhook"
)

// maxWebhookBacklog is the pending-delivery count above which webhook
// delivery is considered degraded.
const maxWebhookBacklog = 512

// Check defines a single health check with optional recovery action.
type Check struct {
	Name      string
	CheckFn   func(ctx context.Context) error
	RecoverFn func(ctx context.Context) error
}

// Status represents the result of a health check.
type Status struct {
	Name      string    `json:"name"`
	Healthy   bool      `json:"healthy"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Checker runs periodic health checks with auto-recovery.
type Checker struct {
	mu       sync.RWMutex
	checks   []Check
	statuses []Status
	interval time.Duration
}

// NewChecker creates a health checker with the standard 5 checks.
func NewChecker(db *sqlite.DB, sched *scheduler.Scheduler, hooks *webhook.Dispatcher, dataDir string) *Checker {
	return &Checker{
		interval: 30 * time.Second,
		checks: []Check{
			{
				Name: "sqlite",
				CheckFn: func(ctx context.Context) error {
					return db.Ping()
				},
				RecoverFn: func(ctx context.Context) error {
					return nil // SQLite auto-recovers via WAL
				},
			},
			{
				Name: "vram_ledger",
				CheckFn: func(ctx context.Context) error {
					return checkVRAMLedger(sched)
				},
			},
			{
				Name: "webhook_backlog",
				CheckFn: func(ctx context.Context) error {
					return checkWebhookBacklog(hooks, maxWebhookBacklog)
				},
			},
			{
				Name: "scheduler_inbox",
				CheckFn: func(ctx context.Context) error {
					return checkInbox(sched)
				},
			},
			{
				Name: "data_dir",
				CheckFn: func(ctx context.Context) error {
					return checkDataDir(dataDir)
				},
				RecoverFn: func(ctx context.Context) error {
					return os.MkdirAll(dataDir, 0700)
				},
			},
		},
	}
}

// Run starts the health check loop. Call in a goroutine.
func (c *Checker) Run(ctx context.Context) {
	// Run immediately on start
	c.runAll(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.runAll(ctx)
		}
	}
}

func (c *Checker) runAll(ctx context.Context) {
	statuses := make([]Status, len(c.checks))
	for i, check := range c.checks {
		s := Status{
			Name:      check.Name,
			CheckedAt: time.Now(),
		}
		if err := check.CheckFn(ctx); err != nil {
			s.Healthy = false
			s.Error = err.Error()
			// Attempt recovery
			if check.RecoverFn != nil {
				_ = check.RecoverFn(ctx)
			}
		} else {
			s.Healthy = true
		}
		statuses[i] = s

		v := 0.0
		if s.Healthy {
			v = 1.0
		}
		metrics.HealthCheckStatus.WithLabelValues(check.Name).Set(v)
	}

	c.mu.Lock()
	c.statuses = statuses
	c.mu.Unlock()
}

// Statuses returns the latest health check results.
func (c *Checker) Statuses() []Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make([]Status, len(c.statuses))
	copy(result, c.statuses)
	return result
}

// IsHealthy returns true if all checks pass.
func (c *Checker) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.statuses {
		if !s.Healthy {
			return false
		}
	}
	return true
}

// ─── Check Implementations ──────────────────────────────────────────────────

// checkVRAMLedger flags reservation leaks: reserved VRAM outside the budget,
// or VRAM still held while nothing is running.
func checkVRAMLedger(sched *scheduler.Scheduler) error {
	st := sched.Stats()
	if st.VRAMReservedMB < 0 || st.VRAMReservedMB > st.VRAMTotalMB {
		return fmt.Errorf("reserved %d MB outside budget %d MB", st.VRAMReservedMB, st.VRAMTotalMB)
	}
	if st.Running == 0 && st.VRAMReservedMB > 0 {
		return fmt.Errorf("%d MB reserved with no running tasks", st.VRAMReservedMB)
	}
	return nil
}

func checkWebhookBacklog(hooks *webhook.Dispatcher, limit int) error {
	if pending := hooks.Pending(); pending > limit {
		return fmt.Errorf("%d deliveries pending (limit %d)", pending, limit)
	}
	return nil
}

// checkInbox flags a worker event buffer at or above 90% capacity. A full
// inbox drops progress events and can starve completion handling.
func checkInbox(sched *scheduler.Scheduler) error {
	length, capacity := sched.InboxLen(), sched.InboxCap()
	if capacity > 0 && length*10 >= capacity*9 {
		return fmt.Errorf("inbox at %d/%d events", length, capacity)
	}
	return nil
}

func checkDataDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // Not created yet, that's fine
		}
		return fmt.Errorf("check data dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}
	return nil
}

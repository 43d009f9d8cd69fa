package health

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kiln-media/kiln/internal/domain"
	"github.com/kiln-media/kiln/internal/infra/scheduler"
	"github.com/kiln-media/kiln/internal/infra/sqlite"
	"github.com/kiln-media/kiln/internal/infra/webhook"
	"github.com/kiln-media/kiln/internal/infra/worker"
	"github.com/kiln-media/kiln/internal/security"
)

// idleSender never gets called in these tests; deliveries require Publish.
type idleSender struct{}

func (idleSender) Send(ctx context.Context, endpoint string, body []byte, headers map[string]string) error {
	return nil
}

// blockingSender holds every delivery until release is closed.
type blockingSender struct {
	release chan struct{}
}

func (s *blockingSender) Send(ctx context.Context, endpoint string, body []byte, headers map[string]string) error {
	<-s.release
	return nil
}

func newTestDB(t *testing.T) *sqlite.DB {
	t.Helper()
	db, err := sqlite.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestScheduler(t *testing.T) *scheduler.Scheduler {
	t.Helper()
	sim := &worker.Sim{StepEvery: time.Millisecond, Steps: 4}
	return scheduler.New(scheduler.Config{TotalVRAMMB: 100}, sim, nil, nil)
}

func newTestDispatcher(t *testing.T, sender webhook.Sender) *webhook.Dispatcher {
	t.Helper()
	d := webhook.NewDispatcher(security.NewSigner([]byte("test-secret")), sender, nil)
	t.Cleanup(d.Close)
	return d
}

// ─── Checker Tests ──────────────────────────────────────────────────────────

func TestNewChecker(t *testing.T) {
	c := NewChecker(newTestDB(t), newTestScheduler(t), newTestDispatcher(t, idleSender{}), t.TempDir())
	if c == nil {
		t.Fatal("NewChecker() returned nil")
	}
	if len(c.checks) != 5 {
		t.Errorf("checks = %d, want 5", len(c.checks))
	}
}

func TestChecker_RunAllHealthy(t *testing.T) {
	c := NewChecker(newTestDB(t), newTestScheduler(t), newTestDispatcher(t, idleSender{}), t.TempDir())
	c.runAll(context.Background())

	statuses := c.Statuses()
	if len(statuses) != 5 {
		t.Fatalf("Statuses() = %d, want 5", len(statuses))
	}
	for _, s := range statuses {
		if !s.Healthy {
			t.Errorf("check %q should be healthy, got error: %s", s.Name, s.Error)
		}
	}
	if !c.IsHealthy() {
		t.Error("IsHealthy() should be true when all checks pass")
	}
}

func TestChecker_IsHealthy_BeforeRun(t *testing.T) {
	c := NewChecker(newTestDB(t), newTestScheduler(t), newTestDispatcher(t, idleSender{}), t.TempDir())

	// Before any run there are no statuses; IsHealthy is vacuously true.
	if !c.IsHealthy() {
		t.Error("IsHealthy() should be true before first run")
	}
}

func TestChecker_SQLiteCheckFailsAfterClose(t *testing.T) {
	db, err := sqlite.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	c := NewChecker(db, newTestScheduler(t), newTestDispatcher(t, idleSender{}), t.TempDir())
	db.Close()

	c.runAll(context.Background())

	for _, s := range c.Statuses() {
		if s.Name == "sqlite" {
			if s.Healthy {
				t.Error("sqlite check should fail on a closed database")
			}
			if s.Error == "" {
				t.Error("error message should be populated")
			}
			return
		}
	}
	t.Error("sqlite check not found in statuses")
}

func TestChecker_DataDirFileNotDir(t *testing.T) {
	dataDir := filepath.Join(t.TempDir(), "kiln")
	if err := os.WriteFile(dataDir, []byte("not a dir"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	c := NewChecker(newTestDB(t), newTestScheduler(t), newTestDispatcher(t, idleSender{}), dataDir)
	c.runAll(context.Background())

	if c.IsHealthy() {
		t.Error("checker should be unhealthy when data dir is a file")
	}
	for _, s := range c.Statuses() {
		if s.Name == "data_dir" && s.Healthy {
			t.Error("data_dir check should fail when path is a file")
		}
	}
}

func TestChecker_DataDirMissingIsFine(t *testing.T) {
	dataDir := filepath.Join(t.TempDir(), "not-created-yet")
	c := NewChecker(newTestDB(t), newTestScheduler(t), newTestDispatcher(t, idleSender{}), dataDir)
	c.runAll(context.Background())

	for _, s := range c.Statuses() {
		if s.Name == "data_dir" && !s.Healthy {
			t.Errorf("missing data dir should pass, got error: %s", s.Error)
		}
	}
}

func TestChecker_WebhookBacklog(t *testing.T) {
	sender := &blockingSender{release: make(chan struct{})}
	d := webhook.NewDispatcher(security.NewSigner([]byte("test-secret")), sender, nil)

	d.Publish("https://example.com/hooks", domain.Event{Kind: domain.EventTaskCompleted, TaskID: "t-1"})
	if got := d.Pending(); got != 1 {
		t.Fatalf("Pending() = %d, want 1", got)
	}

	if err := checkWebhookBacklog(d, 0); err == nil {
		t.Error("expected backlog error with one delivery pending and limit 0")
	}
	if err := checkWebhookBacklog(d, 10); err != nil {
		t.Errorf("backlog within limit should pass, got: %v", err)
	}

	close(sender.release)
	d.Close()
}

func TestChecker_VRAMLedgerHealthyWhenIdle(t *testing.T) {
	if err := checkVRAMLedger(newTestScheduler(t)); err != nil {
		t.Errorf("idle scheduler should pass ledger check, got: %v", err)
	}
}

func TestChecker_CustomCheck(t *testing.T) {
	c := &Checker{
		checks: []Check{
			{
				Name: "always_pass",
				CheckFn: func(ctx context.Context) error {
					return nil
				},
			},
		},
	}

	c.runAll(context.Background())

	statuses := c.Statuses()
	if len(statuses) != 1 {
		t.Fatalf("statuses = %d, want 1", len(statuses))
	}
	if !statuses[0].Healthy {
		t.Error("always_pass check should be healthy")
	}
}

func TestChecker_FailingCheck(t *testing.T) {
	recovered := false
	c := &Checker{
		checks: []Check{
			{
				Name: "always_fail",
				CheckFn: func(ctx context.Context) error {
					return os.ErrPermission
				},
				RecoverFn: func(ctx context.Context) error {
					recovered = true
					return nil
				},
			},
		},
	}

	c.runAll(context.Background())

	statuses := c.Statuses()
	if statuses[0].Healthy {
		t.Error("always_fail check should not be healthy")
	}
	if statuses[0].Error == "" {
		t.Error("error message should be populated")
	}
	if !recovered {
		t.Error("recovery should be attempted on failure")
	}
}

func TestChecker_StatusesCopy(t *testing.T) {
	c := NewChecker(newTestDB(t), newTestScheduler(t), newTestDispatcher(t, idleSender{}), t.TempDir())
	c.runAll(context.Background())

	s1 := c.Statuses()
	s2 := c.Statuses()

	if len(s1) > 0 {
		s1[0].Healthy = false
		if !s2[0].Healthy {
			t.Error("Statuses() should return a copy, not a reference")
		}
	}
}

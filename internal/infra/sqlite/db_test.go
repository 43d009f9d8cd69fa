package sqlite

import (
	"testing"
	"time"

	"github.com/kiln-media/kiln/internal/domain"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func makeTask(id string, status domain.TaskStatus, created time.Time) domain.Task {
	return domain.Task{
		ID:     id,
		Prompt: "a slow pan over dunes at dusk",
		Options: domain.GenOptions{
			DurationSec: 4,
			Resolution:  "720p",
			FPS:         24,
		},
		Priority:  domain.PriorityNormal,
		VRAMMB:    92,
		Status:    status,
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func TestOpenAndReopen(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := db.Ping(); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if db.Path() == "" {
		t.Fatal("expected non-empty database path")
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Migrations are idempotent; reopening the same directory must work.
	db2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	db2.Close()
}

func TestTaskRoundTrip(t *testing.T) {
	db := newTestDB(t)

	created := time.Now().Add(-time.Minute).Truncate(time.Second)
	task := makeTask("t-1", domain.TaskQueued, created)
	task.BatchID = "b-1"
	task.IdempotencyKey = "key-1"
	task.WebhookURL = "https://example.com/hooks"
	task.Fingerprint = "abcd1234abcd1234"

	if err := db.SaveTask(task); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}

	got, err := db.GetTask("t-1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got == nil {
		t.Fatal("expected task, got nil")
	}
	if got.Prompt != task.Prompt {
		t.Errorf("prompt = %q, want %q", got.Prompt, task.Prompt)
	}
	if got.Options.DurationSec != 4 || got.Options.Resolution != "720p" || got.Options.FPS != 24 {
		t.Errorf("options = %+v, want duration 4 / 720p / 24fps", got.Options)
	}
	if got.Priority != domain.PriorityNormal {
		t.Errorf("priority = %q, want %q", got.Priority, domain.PriorityNormal)
	}
	if got.VRAMMB != 92 {
		t.Errorf("vram = %d, want 92", got.VRAMMB)
	}
	if got.Status != domain.TaskQueued {
		t.Errorf("status = %q, want queued", got.Status)
	}
	if got.BatchID != "b-1" || got.IdempotencyKey != "key-1" {
		t.Errorf("batch/key = %q/%q, want b-1/key-1", got.BatchID, got.IdempotencyKey)
	}
	if got.Fingerprint != task.Fingerprint {
		t.Errorf("fingerprint = %q, want %q", got.Fingerprint, task.Fingerprint)
	}
	if got.CreatedAt.Unix() != created.Unix() {
		t.Errorf("created_at = %v, want %v", got.CreatedAt.Unix(), created.Unix())
	}
	if !got.StartedAt.IsZero() || !got.CompletedAt.IsZero() {
		t.Error("expected zero started_at/completed_at for a queued task")
	}
	if got.LastError != nil || got.Result != nil {
		t.Error("expected no error and no result on a fresh task")
	}
}

func TestTaskUpsertUpdatesTerminalFields(t *testing.T) {
	db := newTestDB(t)

	created := time.Now().Add(-time.Minute).Truncate(time.Second)
	task := makeTask("t-2", domain.TaskQueued, created)
	if err := db.SaveTask(task); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}

	task.Status = domain.TaskCompleted
	task.Progress = 1.0
	task.Attempts = 2
	task.StartedAt = created.Add(2 * time.Second)
	task.CompletedAt = created.Add(10 * time.Second)
	task.UpdatedAt = task.CompletedAt
	task.Result = &domain.Result{
		ArtifactURL: "sim://artifacts/t-2.mp4",
		SizeBytes:   16 << 20,
		Frames:      96,
	}
	if err := db.SaveTask(task); err != nil {
		t.Fatalf("SaveTask update: %v", err)
	}

	got, err := db.GetTask("t-2")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != domain.TaskCompleted {
		t.Errorf("status = %q, want completed", got.Status)
	}
	if got.Progress != 1.0 || got.Attempts != 2 {
		t.Errorf("progress/attempts = %v/%d, want 1.0/2", got.Progress, got.Attempts)
	}
	if got.StartedAt.Unix() != task.StartedAt.Unix() {
		t.Errorf("started_at = %v, want %v", got.StartedAt.Unix(), task.StartedAt.Unix())
	}
	if got.CompletedAt.Unix() != task.CompletedAt.Unix() {
		t.Errorf("completed_at = %v, want %v", got.CompletedAt.Unix(), task.CompletedAt.Unix())
	}
	if got.Result == nil {
		t.Fatal("expected result after completion")
	}
	if got.Result.ArtifactURL != "sim://artifacts/t-2.mp4" {
		t.Errorf("artifact = %q", got.Result.ArtifactURL)
	}
	if got.Result.SizeBytes != 16<<20 || got.Result.Frames != 96 {
		t.Errorf("size/frames = %d/%d", got.Result.SizeBytes, got.Result.Frames)
	}
	if got.Result.FromCache {
		t.Error("from_cache should be false")
	}
}

func TestTaskErrorColumns(t *testing.T) {
	db := newTestDB(t)

	created := time.Now().Truncate(time.Second)
	task := makeTask("t-3", domain.TaskFailed, created)
	task.Attempts = 3
	task.LastError = &domain.TaskError{
		Code:   domain.CodeTransientWorker,
		Detail: "worker wedged after step 5",
	}
	if err := db.SaveTask(task); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}

	got, err := db.GetTask("t-3")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.LastError == nil {
		t.Fatal("expected last error")
	}
	if got.LastError.Code != domain.CodeTransientWorker {
		t.Errorf("code = %q, want %q", got.LastError.Code, domain.CodeTransientWorker)
	}
	if got.LastError.Detail != "worker wedged after step 5" {
		t.Errorf("detail = %q", got.LastError.Detail)
	}
}

func TestGetTaskMissing(t *testing.T) {
	db := newTestDB(t)
	got, err := db.GetTask("ghost")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for unknown id, got %+v", got)
	}
}

func TestListTasksNewestFirstAndFiltered(t *testing.T) {
	db := newTestDB(t)

	base := time.Now().Add(-time.Hour).Truncate(time.Second)
	for i, st := range []domain.TaskStatus{domain.TaskCompleted, domain.TaskQueued, domain.TaskCompleted} {
		task := makeTask([]string{"t-a", "t-b", "t-c"}[i], st, base.Add(time.Duration(i)*time.Second))
		if err := db.SaveTask(task); err != nil {
			t.Fatalf("SaveTask %d: %v", i, err)
		}
	}

	all, err := db.ListTasks("", 0)
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("len = %d, want 3", len(all))
	}
	if all[0].ID != "t-c" || all[2].ID != "t-a" {
		t.Errorf("order = [%s %s %s], want newest first", all[0].ID, all[1].ID, all[2].ID)
	}

	completed, err := db.ListTasks(domain.TaskCompleted, 0)
	if err != nil {
		t.Fatalf("ListTasks completed: %v", err)
	}
	if len(completed) != 2 {
		t.Fatalf("completed len = %d, want 2", len(completed))
	}
	for _, task := range completed {
		if task.Status != domain.TaskCompleted {
			t.Errorf("task %s status = %q, want completed", task.ID, task.Status)
		}
	}

	limited, err := db.ListTasks("", 2)
	if err != nil {
		t.Fatalf("ListTasks limit: %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("limited len = %d, want 2", len(limited))
	}
}

func TestBatchTasksCreationOrder(t *testing.T) {
	db := newTestDB(t)

	base := time.Now().Add(-time.Hour).Truncate(time.Second)
	for i, id := range []string{"m-1", "m-2", "m-3"} {
		task := makeTask(id, domain.TaskQueued, base.Add(time.Duration(i)*time.Second))
		task.BatchID = "b-7"
		if err := db.SaveTask(task); err != nil {
			t.Fatalf("SaveTask: %v", err)
		}
	}
	loner := makeTask("solo", domain.TaskQueued, base)
	if err := db.SaveTask(loner); err != nil {
		t.Fatalf("SaveTask solo: %v", err)
	}

	members, err := db.BatchTasks("b-7")
	if err != nil {
		t.Fatalf("BatchTasks: %v", err)
	}
	if len(members) != 3 {
		t.Fatalf("len = %d, want 3", len(members))
	}
	for i, want := range []string{"m-1", "m-2", "m-3"} {
		if members[i].ID != want {
			t.Errorf("members[%d] = %s, want %s", i, members[i].ID, want)
		}
	}
}

func TestPruneTasksKeepsLiveRows(t *testing.T) {
	db := newTestDB(t)

	old := time.Now().Add(-48 * time.Hour).Truncate(time.Second)
	recent := time.Now().Truncate(time.Second)

	stale := makeTask("old-done", domain.TaskCompleted, old)
	stale.UpdatedAt = old
	fresh := makeTask("new-done", domain.TaskCompleted, recent)
	fresh.UpdatedAt = recent
	liveOld := makeTask("old-queued", domain.TaskQueued, old)
	liveOld.UpdatedAt = old
	for _, task := range []domain.Task{stale, fresh, liveOld} {
		if err := db.SaveTask(task); err != nil {
			t.Fatalf("SaveTask %s: %v", task.ID, err)
		}
	}

	n, err := db.PruneTasks(time.Now().Add(-24 * time.Hour))
	if err != nil {
		t.Fatalf("PruneTasks: %v", err)
	}
	if n != 1 {
		t.Fatalf("pruned = %d, want 1", n)
	}

	if got, _ := db.GetTask("old-done"); got != nil {
		t.Error("stale terminal task should be pruned")
	}
	if got, _ := db.GetTask("new-done"); got == nil {
		t.Error("recent terminal task should survive")
	}
	if got, _ := db.GetTask("old-queued"); got == nil {
		t.Error("non-terminal task should survive regardless of age")
	}
}

func TestBatchRoundTrip(t *testing.T) {
	db := newTestDB(t)

	created := time.Now().Add(-time.Minute).Truncate(time.Second)
	batch := domain.Batch{
		ID:            "b-1",
		TaskIDs:       []string{"m-2", "m-1", "m-3"},
		Priority:      domain.PriorityHigh,
		Status:        domain.BatchPending,
		Total:         3,
		MaxConcurrent: 2,
		WebhookURL:    "https://example.com/hooks",
		CreatedAt:     created,
	}
	if err := db.SaveBatch(batch); err != nil {
		t.Fatalf("SaveBatch: %v", err)
	}

	batch.Status = domain.BatchPartial
	batch.Completed = 2
	batch.Failed = 1
	if err := db.SaveBatch(batch); err != nil {
		t.Fatalf("SaveBatch update: %v", err)
	}

	got, err := db.GetBatch("b-1")
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if got == nil {
		t.Fatal("expected batch, got nil")
	}
	if got.Status != domain.BatchPartial {
		t.Errorf("status = %q, want partial", got.Status)
	}
	if got.Completed != 2 || got.Failed != 1 || got.Total != 3 {
		t.Errorf("counts = %d/%d of %d, want 2/1 of 3", got.Completed, got.Failed, got.Total)
	}
	if got.MaxConcurrent != 2 {
		t.Errorf("max_concurrent = %d, want 2", got.MaxConcurrent)
	}
	// Submission order survives the JSON round trip.
	for i, want := range []string{"m-2", "m-1", "m-3"} {
		if got.TaskIDs[i] != want {
			t.Errorf("task_ids[%d] = %s, want %s", i, got.TaskIDs[i], want)
		}
	}

	missing, err := db.GetBatch("ghost")
	if err != nil {
		t.Fatalf("GetBatch ghost: %v", err)
	}
	if missing != nil {
		t.Fatal("expected nil for unknown batch")
	}
}

func TestListBatches(t *testing.T) {
	db := newTestDB(t)

	base := time.Now().Add(-time.Hour).Truncate(time.Second)
	for i, id := range []string{"b-old", "b-mid", "b-new"} {
		b := domain.Batch{
			ID:        id,
			TaskIDs:   []string{},
			Priority:  domain.PriorityNormal,
			Status:    domain.BatchCompleted,
			Total:     1,
			Completed: 1,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := db.SaveBatch(b); err != nil {
			t.Fatalf("SaveBatch: %v", err)
		}
	}

	got, err := db.ListBatches(2)
	if err != nil {
		t.Fatalf("ListBatches: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].ID != "b-new" || got[1].ID != "b-mid" {
		t.Errorf("order = [%s %s], want newest first", got[0].ID, got[1].ID)
	}
}

func TestAlertLog(t *testing.T) {
	db := newTestDB(t)

	base := time.Now().Add(-time.Hour).Truncate(time.Second)
	first := domain.Alert{
		Event:       domain.EventTaskCompleted,
		SubjectID:   "t-1",
		Endpoint:    "https://example.com/hooks",
		Attempts:    5,
		LastError:   "status 503",
		AbandonedAt: base,
	}
	second := domain.Alert{
		Event:       domain.EventBatchFailed,
		SubjectID:   "b-1",
		Endpoint:    "https://example.com/hooks",
		Attempts:    5,
		LastError:   "connection refused",
		AbandonedAt: base.Add(30 * time.Minute),
	}
	if err := db.SaveAlert(first); err != nil {
		t.Fatalf("SaveAlert: %v", err)
	}
	if err := db.SaveAlert(second); err != nil {
		t.Fatalf("SaveAlert: %v", err)
	}

	alerts, err := db.ListAlerts(0)
	if err != nil {
		t.Fatalf("ListAlerts: %v", err)
	}
	if len(alerts) != 2 {
		t.Fatalf("len = %d, want 2", len(alerts))
	}
	if alerts[0].SubjectID != "b-1" {
		t.Errorf("newest first: got %s, want b-1", alerts[0].SubjectID)
	}
	if alerts[0].Event != domain.EventBatchFailed {
		t.Errorf("event = %q, want %q", alerts[0].Event, domain.EventBatchFailed)
	}
	if alerts[1].Attempts != 5 || alerts[1].LastError != "status 503" {
		t.Errorf("oldest = %+v", alerts[1])
	}

	n, err := db.CountAlertsSince(base.Add(15 * time.Minute))
	if err != nil {
		t.Fatalf("CountAlertsSince: %v", err)
	}
	if n != 1 {
		t.Fatalf("count = %d, want 1", n)
	}
}

func TestStoreInterfaces(t *testing.T) {
	var _ domain.StateStore = (*DB)(nil)
	var _ domain.AlertSink = (*DB)(nil)
}

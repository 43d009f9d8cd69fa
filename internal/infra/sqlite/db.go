// Package sqlite provides SQLite-based persistent storage for Kiln.
// Uses WAL mode for concurrent reads and crash-safe writes.
//
// The database is a durable snapshot of the in-memory scheduler, not its
// source of truth: callers treat save errors as non-fatal and reads may
// lag the live state by one save.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver (no CGO required)

	"github.com/kiln-media/kiln/internal/domain"
)

// DB wraps a SQLite connection with WAL mode and migrations. It implements
// domain.StateStore and domain.AlertSink.
type DB struct {
	db   *sql.DB
	path string
}

// Open creates or opens the SQLite database at dir/state.db.
// Enables WAL mode, foreign keys, and 5-second busy timeout.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dir, "state.db")
	dsn := dbPath + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// Connection pool settings for SQLite
	db.SetMaxOpenConns(1) // SQLite is single-writer
	db.SetMaxIdleConns(1)

	d := &DB{db: db, path: dbPath}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return d, nil
}

// Close cleanly shuts down the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Ping checks database connectivity.
func (d *DB) Ping() error {
	return d.db.Ping()
}

// Path returns the filesystem location of the database file.
func (d *DB) Path() string {
	return d.path
}

// migrate runs idempotent schema migrations.
func (d *DB) migrate() error {
	migrations := []string{
		// Task snapshots. Generation options and the result are flattened
		// into columns so rows stay queryable without JSON extraction.
		`CREATE TABLE IF NOT EXISTS tasks (
			id              TEXT PRIMARY KEY,
			prompt          TEXT NOT NULL,
			duration_sec    INTEGER NOT NULL,
			resolution      TEXT NOT NULL,
			fps             INTEGER NOT NULL DEFAULT 0,
			cache_bypass    BOOLEAN NOT NULL DEFAULT 0,
			priority        TEXT NOT NULL,
			vram_mb         INTEGER NOT NULL,
			status          TEXT NOT NULL,
			progress        REAL NOT NULL DEFAULT 0,
			attempts        INTEGER NOT NULL DEFAULT 0,
			error_code      TEXT NOT NULL DEFAULT '',
			error_detail    TEXT NOT NULL DEFAULT '',
			batch_id        TEXT NOT NULL DEFAULT '',
			idempotency_key TEXT NOT NULL DEFAULT '',
			webhook_url     TEXT NOT NULL DEFAULT '',
			fingerprint     TEXT NOT NULL DEFAULT '',
			artifact_url    TEXT NOT NULL DEFAULT '',
			size_bytes      INTEGER NOT NULL DEFAULT 0,
			frames          INTEGER NOT NULL DEFAULT 0,
			from_cache      BOOLEAN NOT NULL DEFAULT 0,
			created_at      INTEGER NOT NULL,
			updated_at      INTEGER NOT NULL,
			started_at      INTEGER,
			completed_at    INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_batch ON tasks(batch_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_created ON tasks(created_at)`,

		// Batch snapshots. Member IDs ride along as a JSON array so a
		// batch row is self-contained.
		`CREATE TABLE IF NOT EXISTS batches (
			id             TEXT PRIMARY KEY,
			task_ids       TEXT NOT NULL DEFAULT '[]',
			priority       TEXT NOT NULL,
			status         TEXT NOT NULL,
			completed      INTEGER NOT NULL DEFAULT 0,
			failed         INTEGER NOT NULL DEFAULT 0,
			cancelled      INTEGER NOT NULL DEFAULT 0,
			total          INTEGER NOT NULL,
			max_concurrent INTEGER NOT NULL DEFAULT 0,
			webhook_url    TEXT NOT NULL DEFAULT '',
			resumed_from   INTEGER NOT NULL DEFAULT 0,
			created_at     INTEGER NOT NULL,
			cancelled_at   INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_batches_created ON batches(created_at)`,

		// Webhook deliveries abandoned after the retry schedule.
		`CREATE TABLE IF NOT EXISTS webhook_alerts (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			event        TEXT NOT NULL,
			subject_id   TEXT NOT NULL,
			endpoint     TEXT NOT NULL,
			attempts     INTEGER NOT NULL DEFAULT 0,
			last_error   TEXT NOT NULL DEFAULT '',
			abandoned_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_abandoned ON webhook_alerts(abandoned_at)`,
	}

	for _, m := range migrations {
		if _, err := d.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}

// ─── Tasks ──────────────────────────────────────────────────────────────────

const taskColumns = `id, prompt, duration_sec, resolution, fps, cache_bypass,
	priority, vram_mb, status, progress, attempts, error_code, error_detail,
	batch_id, idempotency_key, webhook_url, fingerprint, artifact_url,
	size_bytes, frames, from_cache, created_at, updated_at, started_at, completed_at`

// SaveTask inserts or updates a task snapshot.
func (d *DB) SaveTask(t domain.Task) error {
	var errCode, errDetail string
	if t.LastError != nil {
		errCode = string(t.LastError.Code)
		errDetail = t.LastError.Detail
	}
	var artifactURL string
	var sizeBytes int64
	var frames int
	var fromCache bool
	if t.Result != nil {
		artifactURL = t.Result.ArtifactURL
		sizeBytes = t.Result.SizeBytes
		frames = t.Result.Frames
		fromCache = t.Result.FromCache
	}

	_, err := d.db.Exec(
		`INSERT INTO tasks (`+taskColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			status=excluded.status,
			progress=excluded.progress,
			attempts=excluded.attempts,
			error_code=excluded.error_code,
			error_detail=excluded.error_detail,
			artifact_url=excluded.artifact_url,
			size_bytes=excluded.size_bytes,
			frames=excluded.frames,
			from_cache=excluded.from_cache,
			updated_at=excluded.updated_at,
			started_at=excluded.started_at,
			completed_at=excluded.completed_at`,
		t.ID, t.Prompt, t.Options.DurationSec, t.Options.Resolution,
		t.Options.FPS, t.Options.CacheBypass,
		string(t.Priority), t.VRAMMB, string(t.Status), t.Progress, t.Attempts,
		errCode, errDetail, t.BatchID, t.IdempotencyKey, t.WebhookURL,
		t.Fingerprint, artifactURL, sizeBytes, frames, fromCache,
		t.CreatedAt.Unix(), t.UpdatedAt.Unix(),
		nullableUnix(t.StartedAt), nullableUnix(t.CompletedAt),
	)
	return err
}

// GetTask retrieves a single task snapshot by ID.
func (d *DB) GetTask(id string) (*domain.Task, error) {
	row := d.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

// ListTasks returns stored task snapshots, newest first. An empty status
// matches all statuses; limit <= 0 defaults to 100.
func (d *DB) ListTasks(status domain.TaskStatus, limit int) ([]domain.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows *sql.Rows
	var err error
	if status == "" {
		rows, err = d.db.Query(
			`SELECT `+taskColumns+` FROM tasks ORDER BY created_at DESC, id LIMIT ?`, limit)
	} else {
		rows, err = d.db.Query(
			`SELECT `+taskColumns+` FROM tasks WHERE status = ? ORDER BY created_at DESC, id LIMIT ?`,
			string(status), limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// BatchTasks returns the stored snapshots of a batch's member tasks in
// creation order.
func (d *DB) BatchTasks(batchID string) ([]domain.Task, error) {
	rows, err := d.db.Query(
		`SELECT `+taskColumns+` FROM tasks WHERE batch_id = ? ORDER BY created_at, id`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// PruneTasks deletes terminal task rows whose last update is older than
// cutoff. Returns the number of rows removed.
func (d *DB) PruneTasks(cutoff time.Time) (int, error) {
	res, err := d.db.Exec(
		`DELETE FROM tasks WHERE status IN (?, ?, ?) AND updated_at < ?`,
		string(domain.TaskCompleted), string(domain.TaskFailed),
		string(domain.TaskCancelled), cutoff.Unix(),
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ─── Batches ────────────────────────────────────────────────────────────────

const batchColumns = `id, task_ids, priority, status, completed, failed,
	cancelled, total, max_concurrent, webhook_url, resumed_from, created_at, cancelled_at`

// SaveBatch inserts or updates a batch snapshot.
func (d *DB) SaveBatch(b domain.Batch) error {
	ids, err := json.Marshal(b.TaskIDs)
	if err != nil {
		return fmt.Errorf("encode task ids: %w", err)
	}
	_, err = d.db.Exec(
		`INSERT INTO batches (`+batchColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			status=excluded.status,
			completed=excluded.completed,
			failed=excluded.failed,
			cancelled=excluded.cancelled,
			resumed_from=excluded.resumed_from,
			cancelled_at=excluded.cancelled_at`,
		b.ID, string(ids), string(b.Priority), string(b.Status),
		b.Completed, b.Failed, b.Cancelled, b.Total, b.MaxConcurrent,
		b.WebhookURL, b.ResumedFrom,
		b.CreatedAt.Unix(), nullableUnix(b.CancelledAt),
	)
	return err
}

// GetBatch retrieves a single batch snapshot by ID.
func (d *DB) GetBatch(id string) (*domain.Batch, error) {
	row := d.db.QueryRow(`SELECT `+batchColumns+` FROM batches WHERE id = ?`, id)
	return scanBatch(row)
}

// ListBatches returns stored batch snapshots, newest first.
// limit <= 0 defaults to 100.
func (d *DB) ListBatches(limit int) ([]domain.Batch, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.db.Query(
		`SELECT `+batchColumns+` FROM batches ORDER BY created_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var batches []domain.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, *b)
	}
	return batches, rows.Err()
}

// ─── Webhook alerts ─────────────────────────────────────────────────────────

// SaveAlert records a webhook delivery that exhausted its retry schedule.
func (d *DB) SaveAlert(a domain.Alert) error {
	_, err := d.db.Exec(
		`INSERT INTO webhook_alerts (event, subject_id, endpoint, attempts, last_error, abandoned_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		string(a.Event), a.SubjectID, a.Endpoint, a.Attempts, a.LastError,
		a.AbandonedAt.Unix(),
	)
	return err
}

// ListAlerts returns abandoned-webhook records, newest first.
// limit <= 0 defaults to 100.
func (d *DB) ListAlerts(limit int) ([]domain.Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.db.Query(
		`SELECT event, subject_id, endpoint, attempts, last_error, abandoned_at
		 FROM webhook_alerts ORDER BY abandoned_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []domain.Alert
	for rows.Next() {
		var a domain.Alert
		var event string
		var abandoned int64
		if err := rows.Scan(&event, &a.SubjectID, &a.Endpoint, &a.Attempts, &a.LastError, &abandoned); err != nil {
			return nil, err
		}
		a.Event = domain.EventKind(event)
		a.AbandonedAt = time.Unix(abandoned, 0)
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// CountAlertsSince returns how many webhook deliveries were abandoned at or
// after cutoff. The health checker uses this as a delivery-degradation signal.
func (d *DB) CountAlertsSince(cutoff time.Time) (int, error) {
	var n int
	err := d.db.QueryRow(
		`SELECT COUNT(*) FROM webhook_alerts WHERE abandoned_at >= ?`,
		cutoff.Unix(),
	).Scan(&n)
	return n, err
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (*domain.Task, error) {
	var t domain.Task
	var priority, status, errCode, errDetail string
	var artifactURL string
	var sizeBytes int64
	var frames int
	var fromCache bool
	var created, updated int64
	var started, completed sql.NullInt64

	err := s.Scan(
		&t.ID, &t.Prompt, &t.Options.DurationSec, &t.Options.Resolution,
		&t.Options.FPS, &t.Options.CacheBypass,
		&priority, &t.VRAMMB, &status, &t.Progress, &t.Attempts,
		&errCode, &errDetail, &t.BatchID, &t.IdempotencyKey, &t.WebhookURL,
		&t.Fingerprint, &artifactURL, &sizeBytes, &frames, &fromCache,
		&created, &updated, &started, &completed,
	)
	if err == sql.ErrNoRows {
		return nil, nil // Not found, no error
	}
	if err != nil {
		return nil, err
	}

	t.Priority = domain.Priority(priority)
	t.Status = domain.TaskStatus(status)
	if errCode != "" {
		t.LastError = &domain.TaskError{Code: domain.ErrorCode(errCode), Detail: errDetail}
	}
	if artifactURL != "" {
		t.Result = &domain.Result{
			ArtifactURL: artifactURL,
			SizeBytes:   sizeBytes,
			Frames:      frames,
			FromCache:   fromCache,
		}
	}
	t.CreatedAt = time.Unix(created, 0)
	t.UpdatedAt = time.Unix(updated, 0)
	if started.Valid {
		t.StartedAt = time.Unix(started.Int64, 0)
	}
	if completed.Valid {
		t.CompletedAt = time.Unix(completed.Int64, 0)
	}
	return &t, nil
}

func scanBatch(s scanner) (*domain.Batch, error) {
	var b domain.Batch
	var ids, priority, status string
	var created int64
	var cancelled sql.NullInt64

	err := s.Scan(
		&b.ID, &ids, &priority, &status, &b.Completed, &b.Failed,
		&b.Cancelled, &b.Total, &b.MaxConcurrent, &b.WebhookURL,
		&b.ResumedFrom, &created, &cancelled,
	)
	if err == sql.ErrNoRows {
		return nil, nil // Not found, no error
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(ids), &b.TaskIDs); err != nil {
		return nil, fmt.Errorf("decode task ids: %w", err)
	}
	b.Priority = domain.Priority(priority)
	b.Status = domain.BatchStatus(status)
	b.CreatedAt = time.Unix(created, 0)
	if cancelled.Valid {
		b.CancelledAt = time.Unix(cancelled.Int64, 0)
	}
	return &b, nil
}

func nullableUnix(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

// Package domain holds the pure scheduling types: tasks, batches, generation
// options, lifecycle events, and the error taxonomy. No infrastructure imports.
package domain

import (
	"strings"
	"time"
)

// TaskStatus tracks the task lifecycle:
// queued → admitted → running → {completed | failed | cancelled}.
// A transient failure with retry budget left moves back to queued.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskAdmitted  TaskStatus = "admitted"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Priority orders admission: urgent > high > normal > low.
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// NumPriorities is the number of queue tiers.
const NumPriorities = 4

// Tier maps a priority to its queue tier index (0 = most urgent).
func (p Priority) Tier() int {
	switch p {
	case PriorityUrgent:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 3
	default:
		return 2
	}
}

// ParsePriority parses a caller-supplied priority, case-insensitive.
// Empty or unknown values fall back to normal.
func ParsePriority(s string) Priority {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "urgent":
		return PriorityUrgent
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// Task is one unit of generation work.
type Task struct {
	ID             string     `json:"task_id"`
	Prompt         string     `json:"prompt"`
	Options        GenOptions `json:"options"`
	Priority       Priority   `json:"priority"`
	VRAMMB         int64      `json:"vram_mb"`
	Status         TaskStatus `json:"status"`
	Progress       float64    `json:"progress"`
	Attempts       int        `json:"attempts"`
	LastError      *TaskError `json:"last_error,omitempty"`
	BatchID        string     `json:"batch_id,omitempty"`
	IdempotencyKey string     `json:"idempotency_key,omitempty"`
	WebhookURL     string     `json:"webhook_url,omitempty"`
	Fingerprint    string     `json:"-"`
	Result         *Result    `json:"result,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	StartedAt      time.Time  `json:"started_at,omitempty"`
	CompletedAt    time.Time  `json:"completed_at,omitempty"`
}

// TaskError is the caller-visible failure record: a stable code plus detail.
// Detail never contains secrets.
type TaskError struct {
	Code   ErrorCode `json:"code"`
	Detail string    `json:"detail"`
}

// Result is the handle to a finished artifact. The scheduler never looks
// inside it; SizeBytes feeds the similarity-cache budget.
type Result struct {
	ArtifactURL string `json:"artifact_url"`
	SizeBytes   int64  `json:"size_bytes"`
	Frames      int    `json:"frames,omitempty"`
	FromCache   bool   `json:"from_cache,omitempty"`
}

// IsTerminal returns true once the task has reached a final state.
func (t *Task) IsTerminal() bool {
	return t.Status == TaskCompleted || t.Status == TaskFailed || t.Status == TaskCancelled
}

// Started reports whether the task was ever dispatched to a worker.
func (t *Task) Started() bool {
	return !t.StartedAt.IsZero()
}

// Duration returns wall time from first dispatch to completion (0 if either
// endpoint is missing).
func (t *Task) Duration() time.Duration {
	if t.StartedAt.IsZero() || t.CompletedAt.IsZero() {
		return 0
	}
	return t.CompletedAt.Sub(t.StartedAt)
}

package domain

import "time"

// EventKind names a lifecycle transition bound for webhook delivery.
type EventKind string

const (
	EventTaskCreated   EventKind = "task.created"
	EventTaskStarted   EventKind = "task.started"
	EventTaskProgress  EventKind = "task.progress"
	EventTaskCompleted EventKind = "task.completed"
	EventTaskFailed    EventKind = "task.failed"
	EventTaskCancelled EventKind = "task.cancelled"

	EventBatchCreated   EventKind = "batch.created"
	EventBatchProgress  EventKind = "batch.progress"
	EventBatchCompleted EventKind = "batch.completed"
	EventBatchFailed    EventKind = "batch.failed"
	EventBatchCancelled EventKind = "batch.cancelled"
)

// Event is the webhook wire payload. The signature covers the exact JSON
// bytes produced from this struct, so delivery must serialize it once and
// reuse those bytes on every retry.
type Event struct {
	Kind      EventKind      `json:"event"`
	TaskID    string         `json:"task_id,omitempty"`
	BatchID   string         `json:"batch_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// SubjectID returns the task or batch id the event is about.
func (e Event) SubjectID() string {
	if e.TaskID != "" {
		return e.TaskID
	}
	return e.BatchID
}

// Alert records a webhook delivery abandoned after the full retry schedule.
// Surfaced operationally (log, metric, alert store), never to the caller.
type Alert struct {
	Event       EventKind `json:"event"`
	SubjectID   string    `json:"subject_id"`
	Endpoint    string    `json:"endpoint"`
	Attempts    int       `json:"attempts"`
	LastError   string    `json:"last_error"`
	AbandonedAt time.Time `json:"abandoned_at"`
}

package domain

// ─── Service Interfaces ─────────────────────────────────────────────────────
// These interfaces define boundaries between layers.
// Infrastructure implements them; the scheduling core depends on them.

// EventSink receives lifecycle events bound for a webhook endpoint.
// Implementations must not block the caller; an empty endpoint drops the
// event. The webhook dispatcher is the production implementation.
type EventSink interface {
	Publish(endpoint string, evt Event)
}

// StateStore persists scheduling-state snapshots. Writes are best-effort:
// the scheduler logs and continues on store errors.
type StateStore interface {
	SaveTask(t Task) error
	SaveBatch(b Batch) error
}

// AlertSink records webhook deliveries abandoned after the retry schedule.
type AlertSink interface {
	SaveAlert(a Alert) error
}

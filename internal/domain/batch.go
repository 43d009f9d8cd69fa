package domain

import "time"

// BatchStatus tracks the aggregate lifecycle of a batch submission.
type BatchStatus string

const (
	BatchPending    BatchStatus = "pending"
	BatchProcessing BatchStatus = "processing"
	BatchCompleted  BatchStatus = "completed"
	BatchPartial    BatchStatus = "partial"
	BatchFailed     BatchStatus = "failed"
	BatchCancelling BatchStatus = "cancelling"
	BatchCancelled  BatchStatus = "cancelled"
)

// Batch groups member tasks submitted together. Members are referenced by id;
// the batch never owns task pointers.
type Batch struct {
	ID            string      `json:"batch_id"`
	TaskIDs       []string    `json:"task_ids"`
	Priority      Priority    `json:"priority"`
	Status        BatchStatus `json:"status"`
	Completed     int         `json:"completed"`
	Failed        int         `json:"failed"`
	Cancelled     int         `json:"cancelled"`
	Total         int         `json:"total"`
	MaxConcurrent int         `json:"max_concurrent"`
	WebhookURL    string      `json:"webhook_url,omitempty"`
	ResumedFrom   int         `json:"resumed_from,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	CancelledAt   time.Time   `json:"cancelled_at,omitempty"`
}

// Resolved returns how many members have reached a terminal state.
func (b *Batch) Resolved() int {
	return b.Completed + b.Failed + b.Cancelled
}

// IsTerminal returns true once the batch has settled.
func (b *Batch) IsTerminal() bool {
	switch b.Status {
	case BatchCompleted, BatchPartial, BatchFailed, BatchCancelled:
		return true
	}
	return false
}

// SettleStatus derives the terminal status from final counts.
// cancelRequested and neverStarted describe the cancellation path: a batch
// settles cancelled when cancellation arrived before full completion and at
// least one member never started, or when members were cancelled and nothing
// completed. A member cancelled individually does not demote a batch whose
// remaining members all completed.
func (b *Batch) SettleStatus(cancelRequested bool, neverStarted int) BatchStatus {
	switch {
	case cancelRequested && neverStarted > 0:
		return BatchCancelled
	case b.Failed > 0 && b.Completed > 0:
		return BatchPartial
	case b.Failed > 0:
		return BatchFailed
	case cancelRequested && b.Cancelled > 0:
		return BatchCancelled
	case b.Cancelled > 0 && b.Completed == 0:
		return BatchCancelled
	default:
		return BatchCompleted
	}
}

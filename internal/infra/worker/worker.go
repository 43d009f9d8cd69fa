// Package worker abstracts the generation backend. The scheduler starts a
// task and consumes an asynchronous event stream keyed by task id; the
// backend behind the interface may be a local GPU process or a remote
// render farm. Kiln ships with the simulated backend; tests use it too.
package worker

import (
	"context"

	"github.com/kiln-media/kiln/internal/domain"
)

// EventKind classifies one update from a running generation.
type EventKind string

const (
	EventProgress  EventKind = "progress"
	EventCompleted EventKind = "completed"
	EventFailed    EventKind = "failed"
)

// Event is one update from a running generation. Completed and failed are
// terminal; the handle's channel closes after emitting one of them.
type Event struct {
	TaskID    string
	Kind      EventKind
	Progress  float64        // fraction in [0,1]
	Result    *domain.Result // set when Kind == EventCompleted
	Err       error          // set when Kind == EventFailed
	Transient bool           // failed only: a retry may succeed
}

// Handle controls one running generation.
type Handle interface {
	// Events streams progress and exactly one terminal event, then closes.
	// A cancelled generation may close without a terminal event.
	Events() <-chan Event
	// Cancel stops the generation promptly. Idempotent.
	Cancel()
}

// Worker starts generations. Start returns once the work is accepted;
// outcomes arrive on the handle's event stream.
type Worker interface {
	Start(ctx context.Context, task domain.Task) (Handle, error)
}

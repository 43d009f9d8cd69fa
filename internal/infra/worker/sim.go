package worker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kiln-media/kiln/internal/domain"
)

// ─── Simulated Backend ───────────────────────────────────────────────────────
// Generates fake artifacts on a timer instead of GPU work. Prompt directives
// drive failure paths:
//
//	!permanent   fail mid-run, not retryable
//	!transient   fail mid-run, retryable (every attempt)
//	!flaky       fail the first attempt, succeed on retry
//	!stall       emit one progress event, then go silent until cancelled
type Sim struct {
	StepEvery time.Duration // delay between progress steps
	Steps     int           // progress steps per run
	Realtime  bool          // pace steps by the task's ETA model instead of StepEvery
}

// NewSim returns a simulated worker with quick defaults.
func NewSim() *Sim {
	return &Sim{StepEvery: 250 * time.Millisecond, Steps: 8}
}

// Start begins a simulated generation for task.
func (s *Sim) Start(ctx context.Context, task domain.Task) (Handle, error) {
	if task.ID == "" {
		return nil, fmt.Errorf("start generation: empty task id")
	}

	h := &simHandle{
		events: make(chan Event, 16),
		cancel: make(chan struct{}),
	}
	go s.run(ctx, task, h)
	return h, nil
}

func (s *Sim) run(ctx context.Context, task domain.Task, h *simHandle) {
	defer close(h.events)

	steps := s.Steps
	if steps < 1 {
		steps = 1
	}
	stepEvery := s.StepEvery
	if s.Realtime {
		stepEvery = task.Options.EstimateETA() / time.Duration(steps)
	}
	if stepEvery <= 0 {
		stepEvery = time.Millisecond
	}

	failAt := steps / 2
	mode := directive(task.Prompt)

	for i := 1; i <= steps; i++ {
		select {
		case <-ctx.Done():
			return
		case <-h.cancel:
			return
		case <-time.After(stepEvery):
		}

		if mode == "stall" && i > 1 {
			// Go silent. Only cancellation ends the run.
			select {
			case <-ctx.Done():
			case <-h.cancel:
			}
			return
		}

		if i == failAt {
			switch mode {
			case "permanent":
				h.emit(ctx, Event{
					TaskID: task.ID,
					Kind:   EventFailed,
					Err:    fmt.Errorf("simulated decode fault: %w", domain.ErrPermanentWorker),
				})
				return
			case "transient":
				h.emit(ctx, Event{
					TaskID:    task.ID,
					Kind:      EventFailed,
					Err:       fmt.Errorf("simulated device reset: %w", domain.ErrTransientWorker),
					Transient: true,
				})
				return
			case "flaky":
				if task.Attempts < 2 {
					h.emit(ctx, Event{
						TaskID:    task.ID,
						Kind:      EventFailed,
						Err:       fmt.Errorf("simulated device reset: %w", domain.ErrTransientWorker),
						Transient: true,
					})
					return
				}
			}
		}

		h.emit(ctx, Event{
			TaskID:   task.ID,
			Kind:     EventProgress,
			Progress: float64(i) / float64(steps),
		})
	}

	h.emit(ctx, Event{
		TaskID: task.ID,
		Kind:   EventCompleted,
		Result: &domain.Result{
			ArtifactURL: fmt.Sprintf("sim://artifacts/%s.mp4", task.ID),
			SizeBytes:   int64(task.Options.DurationSec) * 4 << 20,
			Frames:      task.Options.Frames(),
		},
	})
}

func directive(prompt string) string {
	for _, d := range []string{"permanent", "transient", "flaky", "stall"} {
		if strings.Contains(prompt, "!"+d) {
			return d
		}
	}
	return ""
}

type simHandle struct {
	events     chan Event
	cancel     chan struct{}
	cancelOnce sync.Once
}

func (h *simHandle) Events() <-chan Event { return h.events }

func (h *simHandle) Cancel() {
	h.cancelOnce.Do(func() { close(h.cancel) })
}

// emit delivers an event unless the run is being torn down.
func (h *simHandle) emit(ctx context.Context, evt Event) {
	select {
	case h.events <- evt:
	case <-ctx.Done():
	case <-h.cancel:
	}
}

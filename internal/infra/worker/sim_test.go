package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kiln-media/kiln/internal/domain"
)

func newTestSim() *Sim {
	return &Sim{StepEvery: time.Millisecond, Steps: 4}
}

func testTask(id, prompt string, attempts int) domain.Task {
	return domain.Task{
		ID:       id,
		Prompt:   prompt,
		Attempts: attempts,
		Options:  domain.GenOptions{DurationSec: 4, Resolution: "720p", FPS: 24},
	}
}

// drain collects every event until the stream closes.
func drain(t *testing.T, h Handle) []Event {
	t.Helper()
	var events []Event
	deadline := time.After(5 * time.Second)
	for {
		select {
		case evt, ok := <-h.Events():
			if !ok {
				return events
			}
			events = append(events, evt)
		case <-deadline:
			t.Fatal("event stream did not close")
		}
	}
}

func TestSimCompletes(t *testing.T) {
	s := newTestSim()
	h, err := s.Start(context.Background(), testTask("t-1", "a serene lake at dawn", 1))
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	events := drain(t, h)
	if len(events) == 0 {
		t.Fatal("no events emitted")
	}

	last := events[len(events)-1]
	if last.Kind != EventCompleted {
		t.Fatalf("last event = %s, want completed", last.Kind)
	}
	if last.Result == nil || last.Result.ArtifactURL != "sim://artifacts/t-1.mp4" {
		t.Errorf("Result = %+v, want sim://artifacts/t-1.mp4", last.Result)
	}
	if last.Result.SizeBytes != 4*4<<20 {
		t.Errorf("Result.SizeBytes = %d, want %d", last.Result.SizeBytes, 4*4<<20)
	}

	// Progress only climbs.
	prev := 0.0
	for _, evt := range events[:len(events)-1] {
		if evt.Kind != EventProgress {
			t.Fatalf("non-terminal event = %s, want progress", evt.Kind)
		}
		if evt.Progress < prev {
			t.Errorf("progress went backwards: %v after %v", evt.Progress, prev)
		}
		prev = evt.Progress
	}
}

func TestSimPermanentFailure(t *testing.T) {
	s := newTestSim()
	h, err := s.Start(context.Background(), testTask("t-1", "glitch city !permanent", 1))
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	events := drain(t, h)
	last := events[len(events)-1]
	if last.Kind != EventFailed {
		t.Fatalf("last event = %s, want failed", last.Kind)
	}
	if last.Transient {
		t.Error("permanent failure marked transient")
	}
	if !errors.Is(last.Err, domain.ErrPermanentWorker) {
		t.Errorf("Err = %v, want ErrPermanentWorker", last.Err)
	}
}

func TestSimTransientFailure(t *testing.T) {
	s := newTestSim()
	h, err := s.Start(context.Background(), testTask("t-1", "glitch city !transient", 1))
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	events := drain(t, h)
	last := events[len(events)-1]
	if last.Kind != EventFailed || !last.Transient {
		t.Fatalf("last event = %s transient=%v, want failed/transient", last.Kind, last.Transient)
	}
	if !errors.Is(last.Err, domain.ErrTransientWorker) {
		t.Errorf("Err = %v, want ErrTransientWorker", last.Err)
	}
}

func TestSimFlakySucceedsOnRetry(t *testing.T) {
	s := newTestSim()

	h1, err := s.Start(context.Background(), testTask("t-1", "windy dunes !flaky", 1))
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	events := drain(t, h1)
	if last := events[len(events)-1]; last.Kind != EventFailed || !last.Transient {
		t.Fatalf("attempt 1 last event = %s transient=%v, want failed/transient", last.Kind, last.Transient)
	}

	h2, err := s.Start(context.Background(), testTask("t-1", "windy dunes !flaky", 2))
	if err != nil {
		t.Fatalf("Start() retry error: %v", err)
	}
	events = drain(t, h2)
	if last := events[len(events)-1]; last.Kind != EventCompleted {
		t.Fatalf("attempt 2 last event = %s, want completed", last.Kind)
	}
}

func TestSimCancel(t *testing.T) {
	s := &Sim{StepEvery: 5 * time.Millisecond, Steps: 1000}
	h, err := s.Start(context.Background(), testTask("t-1", "endless zoom", 1))
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	// Let it make some progress, then cancel.
	select {
	case <-h.Events():
	case <-time.After(time.Second):
		t.Fatal("no first event")
	}
	h.Cancel()
	h.Cancel() // idempotent

	deadline := time.After(time.Second)
	for {
		select {
		case evt, ok := <-h.Events():
			if !ok {
				return // closed without terminal event
			}
			if evt.Kind != EventProgress {
				t.Fatalf("event after cancel = %s, want stream close", evt.Kind)
			}
		case <-deadline:
			t.Fatal("stream did not close after Cancel")
		}
	}
}

func TestSimStallGoesSilent(t *testing.T) {
	s := &Sim{StepEvery: time.Millisecond, Steps: 8}
	h, err := s.Start(context.Background(), testTask("t-1", "frozen frame !stall", 1))
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	select {
	case evt := <-h.Events():
		if evt.Kind != EventProgress {
			t.Fatalf("first event = %s, want progress", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("no first event")
	}

	select {
	case evt, ok := <-h.Events():
		if ok {
			t.Fatalf("stalled run emitted %s, want silence", evt.Kind)
		}
		t.Fatal("stalled run closed its stream, want silence")
	case <-time.After(50 * time.Millisecond):
	}

	h.Cancel()
	select {
	case _, ok := <-h.Events():
		if ok {
			t.Fatal("event after cancel, want close")
		}
	case <-time.After(time.Second):
		t.Fatal("stream did not close after Cancel")
	}
}

func TestSimRealtimePacing(t *testing.T) {
	// Realtime derives the step interval from the task's ETA model and
	// ignores StepEvery. A 4s 720p clip estimates a minute of wall time, so
	// no step can land inside this test's watch window.
	s := &Sim{StepEvery: time.Millisecond, Steps: 8, Realtime: true}
	h, err := s.Start(context.Background(), testTask("t-1", "a long take", 1))
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	select {
	case evt := <-h.Events():
		t.Fatalf("event %s before the model interval elapsed", evt.Kind)
	case <-time.After(100 * time.Millisecond):
	}

	h.Cancel()
	select {
	case _, ok := <-h.Events():
		if ok {
			t.Fatal("event after cancel, want close")
		}
	case <-time.After(time.Second):
		t.Fatal("stream did not close after Cancel")
	}
}

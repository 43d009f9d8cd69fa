package domain

import (
	"testing"
	"time"
)

// ─── Task Tests ─────────────────────────────────────────────────────────────

func TestTask_IsTerminal(t *testing.T) {
	tests := []struct {
		status   TaskStatus
		terminal bool
	}{
		{TaskQueued, false},
		{TaskAdmitted, false},
		{TaskRunning, false},
		{TaskCompleted, true},
		{TaskFailed, true},
		{TaskCancelled, true},
	}

	for _, tt := range tests {
		task := &Task{Status: tt.status}
		if got := task.IsTerminal(); got != tt.terminal {
			t.Errorf("IsTerminal(%s) = %v, want %v", tt.status, got, tt.terminal)
		}
	}
}

func TestTask_Duration(t *testing.T) {
	now := time.Now()
	task := &Task{StartedAt: now, CompletedAt: now.Add(3 * time.Second)}
	if got := task.Duration(); got != 3*time.Second {
		t.Errorf("Duration() = %v, want 3s", got)
	}

	unstarted := &Task{}
	if got := unstarted.Duration(); got != 0 {
		t.Errorf("Duration() for unstarted task = %v, want 0", got)
	}
}

// ─── Priority Tests ─────────────────────────────────────────────────────────

func TestPriority_Tier(t *testing.T) {
	tests := []struct {
		priority Priority
		tier     int
	}{
		{PriorityUrgent, 0},
		{PriorityHigh, 1},
		{PriorityNormal, 2},
		{PriorityLow, 3},
		{Priority("bogus"), 2},
	}

	for _, tt := range tests {
		if got := tt.priority.Tier(); got != tt.tier {
			t.Errorf("Tier(%s) = %d, want %d", tt.priority, got, tt.tier)
		}
	}
}

func TestParsePriority(t *testing.T) {
	tests := []struct {
		in   string
		want Priority
	}{
		{"urgent", PriorityUrgent},
		{"URGENT", PriorityUrgent},
		{" High ", PriorityHigh},
		{"normal", PriorityNormal},
		{"low", PriorityLow},
		{"", PriorityNormal},
		{"whatever", PriorityNormal},
	}

	for _, tt := range tests {
		if got := ParsePriority(tt.in); got != tt.want {
			t.Errorf("ParsePriority(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestTask_Started(t *testing.T) {
	task := &Task{}
	if task.Started() {
		t.Error("Started() = true for a task never dispatched")
	}
	task.StartedAt = time.Now()
	if !task.Started() {
		t.Error("Started() = false after dispatch timestamp set")
	}
}

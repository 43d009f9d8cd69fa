// Package vram tracks the shared accelerator-memory budget. A single Ledger
// is the one authority on how much VRAM is reserved at any instant; grants
// and releases are atomic, so the sum of active reservations can never exceed
// the total. The same contract holds whether the accelerator behind the
// worker is real or simulated.
package vram

import "sync"

// Ledger tracks a fixed total budget and the active reservations against it.
type Ledger struct {
	mu       sync.Mutex
	totalMB  int64
	reserved int64
	holders  map[string]int64 // task id → reserved MB
}

// NewLedger creates a ledger with the given total budget in MB.
func NewLedger(totalMB int64) *Ledger {
	if totalMB < 1 {
		totalMB = 1
	}
	return &Ledger{
		totalMB: totalMB,
		holders: make(map[string]int64),
	}
}

// Reserve grants mb to taskID iff it fits the remaining budget. The check
// and the grant are one atomic step. Reserving again under the same id is a
// no-op returning true. Callers that cannot reserve must wait for a release
// (the scheduler's wake/poll loop), never spin.
func (l *Ledger) Reserve(taskID string, mb int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, held := l.holders[taskID]; held {
		return true
	}
	if l.reserved+mb > l.totalMB {
		return false
	}
	l.holders[taskID] = mb
	l.reserved += mb
	return true
}

// Release returns taskID's reservation to the budget. Releasing an id with
// no active reservation is a no-op, so a reservation is returned exactly once
// no matter how many paths release it.
func (l *Ledger) Release(taskID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	mb, held := l.holders[taskID]
	if !held {
		return
	}
	delete(l.holders, taskID)
	l.reserved -= mb
}

// Fits reports whether mb could ever be granted. A request over the total
// budget is permanently unsatisfiable and must not be queued.
func (l *Ledger) Fits(mb int64) bool {
	return mb <= l.totalMB
}

// Available returns the unreserved budget in MB.
func (l *Ledger) Available() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.totalMB - l.reserved
}

// Reserved returns the currently reserved MB.
func (l *Ledger) Reserved() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reserved
}

// Total returns the fixed budget in MB.
func (l *Ledger) Total() int64 {
	return l.totalMB
}

// Holders returns the number of active reservations.
func (l *Ledger) Holders() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.holders)
}

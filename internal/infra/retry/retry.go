// Package retry decides whether a failed task runs again and when. Permanent
// failures never retry; transient failures retry with exponential backoff
// until the attempt budget is spent. The Queue half holds tasks while their
// backoff elapses — a min-heap keyed on ready time that the scheduler drains
// back into the admission queue at the tail of the task's tier.
package retry

import (
	"container/heap"
	"sync"
	"time"
)

// ─── Policy ─────────────────────────────────────────────────────────────────

// Policy configures retry behavior.
type Policy struct {
	MaxAttempts int           // dispatch attempts per task before permanent failure
	BaseDelay   time.Duration // backoff for the first retry (doubles each attempt)
	MaxDelay    time.Duration // cap on backoff delay
}

// DefaultPolicy returns production retry defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   1 * time.Second,
		MaxDelay:    60 * time.Second,
	}
}

// Allow reports whether a transient failure on attempt n (1-based) leaves
// retry budget for another dispatch.
func (p Policy) Allow(attempt int) bool {
	return attempt < p.MaxAttempts
}

// Delay returns the backoff before re-queueing after attempt n (1-based):
// BaseDelay * 2^(n-1), capped at MaxDelay. Strictly increasing until the cap.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// ─── Delayed Requeue ────────────────────────────────────────────────────────

// Entry is one task waiting out its backoff.
type Entry struct {
	TaskID  string
	ReadyAt time.Time
}

// Queue holds tasks between a transient failure and their re-queue time.
type Queue struct {
	mu      sync.Mutex
	entries entryHeap

	totalScheduled int64
}

// NewQueue creates an empty retry queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Schedule parks taskID until delay has elapsed.
func (q *Queue) Schedule(taskID string, delay time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	heap.Push(&q.entries, Entry{TaskID: taskID, ReadyAt: time.Now().Add(delay)})
	q.totalScheduled++
}

// DrainReady removes and returns every task whose backoff has elapsed at now,
// in ready order.
func (q *Queue) DrainReady(now time.Time) []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	var ready []string
	for q.entries.Len() > 0 && !q.entries[0].ReadyAt.After(now) {
		e := heap.Pop(&q.entries).(Entry)
		ready = append(ready, e.TaskID)
	}
	return ready
}

// NextReady returns the earliest ready time, if any task is waiting.
func (q *Queue) NextReady() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.entries.Len() == 0 {
		return time.Time{}, false
	}
	return q.entries[0].ReadyAt, true
}

// Remove drops a waiting task (cancellation during backoff). Returns false
// if the task is not waiting.
func (q *Queue) Remove(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, e := range q.entries {
		if e.TaskID == taskID {
			heap.Remove(&q.entries, i)
			return true
		}
	}
	return false
}

// Len returns the number of tasks waiting out a backoff.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.entries.Len()
}

// TotalScheduled returns how many retries have ever been scheduled.
func (q *Queue) TotalScheduled() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.totalScheduled
}

// ─── Heap Plumbing ──────────────────────────────────────────────────────────

type entryHeap []Entry

func (h entryHeap) Len() int           { return len(h) }
func (h entryHeap) Less(i, j int) bool { return h[i].ReadyAt.Before(h[j].ReadyAt) }
func (h entryHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x any)        { *h = append(*h, x.(Entry)) }
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// Package queue implements the pending-task admission queue: four priority
// tiers (urgent > high > normal > low), strict FIFO within a tier, and a
// skip-ahead scan so an oversized task at the head of a tier does not block
// a smaller task behind it.
package queue

import (
	"sync"
	"sync/atomic"

	"github.com/kiln-media/kiln/internal/domain"
)

// Queue is the priority-ordered admission queue. It holds the coordinating
// lock for admission: PopAdmissible runs its predicate under the queue lock,
// so the scan, the resource grant inside the predicate, and the removal are
// one atomic step with respect to every other queue mutation.
type Queue struct {
	mu    sync.Mutex
	tiers [domain.NumPriorities][]*domain.Task

	totalPushed atomic.Int64
	totalPopped atomic.Int64
	totalSkips  atomic.Int64
}

// New creates an empty queue.
func New() *Queue {
	return &Queue{}
}

// Push appends the task to the tail of its priority tier.
func (q *Queue) Push(t *domain.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()

	tier := t.Priority.Tier()
	q.tiers[tier] = append(q.tiers[tier], t)
	q.totalPushed.Add(1)
}

// PopAdmissible scans tiers in priority order, FIFO within each tier, and
// removes and returns the first task the predicate admits. Tasks the
// predicate declines stay in place (skip-ahead), preserving their position.
// Returns nil when nothing is admissible.
func (q *Queue) PopAdmissible(admit func(*domain.Task) bool) *domain.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	declined := int64(0)
	for tier := 0; tier < domain.NumPriorities; tier++ {
		for i, t := range q.tiers[tier] {
			if !admit(t) {
				declined++
				continue
			}
			q.tiers[tier] = append(q.tiers[tier][:i], q.tiers[tier][i+1:]...)
			q.totalPopped.Add(1)
			// Only count skips when something was admitted past the
			// declined tasks; an empty-handed scan is not a skip.
			q.totalSkips.Add(declined)
			return t
		}
	}
	return nil
}

// Remove deletes the task from the queue before admission. Returns false if
// the task is not queued (already admitted, or pending a retry timer).
func (q *Queue) Remove(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for tier := 0; tier < domain.NumPriorities; tier++ {
		for i, t := range q.tiers[tier] {
			if t.ID == taskID {
				q.tiers[tier] = append(q.tiers[tier][:i], q.tiers[tier][i+1:]...)
				return true
			}
		}
	}
	return false
}

// Len returns the total number of queued tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	total := 0
	for tier := 0; tier < domain.NumPriorities; tier++ {
		total += len(q.tiers[tier])
	}
	return total
}

// Position returns the 1-based scan position of the task (the number of
// tasks that would be considered before it), or 0 if not queued. Feeds the
// queued-task ETA hint.
func (q *Queue) Position(taskID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	pos := 0
	for tier := 0; tier < domain.NumPriorities; tier++ {
		for _, t := range q.tiers[tier] {
			pos++
			if t.ID == taskID {
				return pos
			}
		}
	}
	return 0
}

// Ahead returns snapshots of the tasks that precede taskID in scan order.
// Returns nil if the task is not queued.
func (q *Queue) Ahead(taskID string) []domain.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	var ahead []domain.Task
	for tier := 0; tier < domain.NumPriorities; tier++ {
		for _, t := range q.tiers[tier] {
			if t.ID == taskID {
				return ahead
			}
			ahead = append(ahead, *t)
		}
	}
	return nil
}

// Stats holds queue counters.
type Stats struct {
	Depth       int    `json:"depth"`
	DepthByTier [4]int `json:"depth_by_tier"`
	TotalPushed int64  `json:"total_pushed"`
	TotalPopped int64  `json:"total_popped"`
	TotalSkips  int64  `json:"total_skips"`
}

// Stats returns current queue counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	var byTier [4]int
	depth := 0
	for tier := 0; tier < domain.NumPriorities; tier++ {
		byTier[tier] = len(q.tiers[tier])
		depth += byTier[tier]
	}
	q.mu.Unlock()

	return Stats{
		Depth:       depth,
		DepthByTier: byTier,
		TotalPushed: q.totalPushed.Load(),
		TotalPopped: q.totalPopped.Load(),
		TotalSkips:  q.totalSkips.Load(),
	}
}

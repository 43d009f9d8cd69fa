// Package scheduler admits queued tasks against the VRAM ledger and drives
// them through the generation worker.
//
// Core concepts:
//   - Admission: a task runs only when its VRAM reservation succeeds and its
//     batch concurrency gate has a free slot. Both checks and the status flip
//     happen atomically inside the queue's admission scan.
//   - Event loop: a single Run goroutine consumes a bounded inbox of worker
//     events; per-task forwarders drop progress updates when the inbox is
//     saturated but always deliver terminal events.
//   - Retry: transient failures re-queue with exponential backoff at the tail
//     of their priority tier. Permanent failures and spent budgets settle the
//     task.
//   - Watchdog: running tasks that go silent past the stall timeout are
//     cancelled and treated as transient failures.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kiln-media/kiln/internal/domain"
	"github.com/kiln-media/kiln/internal/infra/metrics"
	"github.com/kiln-media/kiln/internal/infra/queue"
	"github.com/kiln-media/kiln/internal/infra/retry"
	"github.com/kiln-media/kiln/internal/infra/vram"
	"github.com/kiln-media/kiln/internal/infra/worker"
)

// ─── Configuration ──────────────────────────────────────────────────────────

// Config configures the scheduler.
type Config struct {
	TotalVRAMMB  int64         // VRAM budget for the ledger (default 24576)
	InboxSize    int           // worker event buffer (default 256)
	PollInterval time.Duration // retry drain / stall reap cadence (default 250ms)
	StallTimeout time.Duration // silence threshold before reaping (default 5m, 0 disables)
	Retry        retry.Policy
}

// DefaultConfig returns production scheduler defaults.
func DefaultConfig() Config {
	return Config{
		TotalVRAMMB:  24_576,
		InboxSize:    256,
		PollInterval: 250 * time.Millisecond,
		StallTimeout: 5 * time.Minute,
		Retry:        retry.DefaultPolicy(),
	}
}

// ─── Scheduler ──────────────────────────────────────────────────────────────

// Scheduler owns task lifecycle state. All mutations happen under mu; the
// queue and ledger carry their own locks. Lock order: queue → mu → ledger.
// Nothing takes the queue lock while holding mu.
type Scheduler struct {
	cfg    Config
	worker worker.Worker
	events domain.EventSink
	store  domain.StateStore

	ledger *vram.Ledger
	queue  *queue.Queue
	retryq *retry.Queue

	mu      sync.Mutex
	tasks   map[string]*domain.Task
	running map[string]*runningTask
	byKey   map[string]string // idempotency key → task id
	gates   map[string]*batchGate

	onTerminal func(domain.Task)

	inbox chan worker.Event
	wake  chan struct{}
	wg    sync.WaitGroup

	totalDispatched atomic.Int64
	skipsExported   atomic.Int64
}

// runningTask tracks one dispatched generation. cancelled marks the run as
// torn down so late events from the worker are dropped.
type runningTask struct {
	handle    worker.Handle
	lastEvent time.Time
	cancelled bool
}

// batchGate caps concurrently admitted members of one batch.
type batchGate struct {
	limit   int
	running int
}

// New creates a scheduler. events and store may be nil; publishing and
// persistence are then skipped.
func New(cfg Config, w worker.Worker, events domain.EventSink, store domain.StateStore) *Scheduler {
	if cfg.InboxSize < 1 {
		cfg.InboxSize = 256
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	s := &Scheduler{
		cfg:     cfg,
		worker:  w,
		events:  events,
		store:   store,
		ledger:  vram.NewLedger(cfg.TotalVRAMMB),
		queue:   queue.New(),
		retryq:  retry.NewQueue(),
		tasks:   make(map[string]*domain.Task),
		running: make(map[string]*runningTask),
		byKey:   make(map[string]string),
		gates:   make(map[string]*batchGate),
		inbox:   make(chan worker.Event, cfg.InboxSize),
		wake:    make(chan struct{}, 1),
	}
	metrics.VRAMTotal.Set(float64(s.ledger.Total()))
	return s
}

// SetTerminalFunc registers the callback invoked after a task settles.
// Must be set before Run; invoked without scheduler locks held.
func (s *Scheduler) SetTerminalFunc(fn func(domain.Task)) {
	s.onTerminal = fn
}

// SetWorker replaces the generation backend. Must be set before Run.
func (s *Scheduler) SetWorker(w worker.Worker) {
	s.worker = w
}

// ─── Event Loop ─────────────────────────────────────────────────────────────

// Run consumes worker events, admits queued tasks, drains retry backoffs,
// and reaps stalled runs until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	log.Printf("[sched] loop started vram_mb=%d inbox=%d stall_timeout=%s",
		s.ledger.Total(), cap(s.inbox), s.cfg.StallTimeout)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		s.admit(ctx)
		metrics.InboxDepth.Set(float64(len(s.inbox)))

		select {
		case <-ctx.Done():
			s.shutdown()
			return
		case evt := <-s.inbox:
			s.handleEvent(evt)
		case <-s.wake:
		case <-ticker.C:
			s.requeueReady()
			s.reapStalled()
		}
	}
}

// shutdown cancels running generations and waits for forwarders to drain.
func (s *Scheduler) shutdown() {
	s.mu.Lock()
	handles := make([]worker.Handle, 0, len(s.running))
	for _, rt := range s.running {
		rt.cancelled = true
		handles = append(handles, rt.handle)
	}
	s.mu.Unlock()

	for _, h := range handles {
		h.Cancel()
	}
	s.wg.Wait()
	log.Printf("[sched] loop stopped running=%d queued=%d", len(handles), s.queue.Len())
}

// kick nudges the loop after a Submit so admission does not wait for the
// next tick.
func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// ─── Submission ─────────────────────────────────────────────────────────────

// Submit registers a validated task and queues it for admission. A task
// whose requirement exceeds the whole budget is rejected synchronously; it
// could never be admitted.
func (s *Scheduler) Submit(t *domain.Task) error {
	if t.VRAMMB > s.ledger.Total() {
		return fmt.Errorf("task %s needs %d MB of %d MB total: %w",
			t.ID, t.VRAMMB, s.ledger.Total(), domain.ErrResourceUnsatisfiable)
	}

	now := time.Now().UTC()
	s.mu.Lock()
	if t.IdempotencyKey != "" {
		if prior, ok := s.byKey[t.IdempotencyKey]; ok {
			s.mu.Unlock()
			return fmt.Errorf("key held by task %s: %w", prior, domain.ErrDuplicateTask)
		}
		s.byKey[t.IdempotencyKey] = t.ID
	}
	t.Status = domain.TaskQueued
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	s.tasks[t.ID] = t
	snap := *t
	s.mu.Unlock()

	s.queue.Push(t)
	metrics.TasksSubmitted.WithLabelValues(string(t.Priority)).Inc()
	s.syncQueueGauges()
	s.persistSnap(snap)
	s.kick()
	return nil
}

// Adopt registers a task resolved outside the scheduler (a similarity-cache
// hit) so progress and result lookups find it.
func (s *Scheduler) Adopt(t *domain.Task) {
	s.mu.Lock()
	s.tasks[t.ID] = t
	if t.IdempotencyKey != "" {
		s.byKey[t.IdempotencyKey] = t.ID
	}
	snap := *t
	s.mu.Unlock()
	s.persistSnap(snap)
}

// Resubmit returns a settled, non-completed task to the queue with a fresh
// attempt budget. Used by batch resume.
func (s *Scheduler) Resubmit(taskID string) error {
	s.mu.Lock()
	t, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return domain.ErrTaskNotFound
	}
	if !t.IsTerminal() || t.Status == domain.TaskCompleted {
		s.mu.Unlock()
		return fmt.Errorf("task %s is %s: %w", taskID, t.Status, domain.ErrValidation)
	}
	t.Status = domain.TaskQueued
	t.Attempts = 0
	t.Progress = 0
	t.LastError = nil
	t.Result = nil
	t.StartedAt = time.Time{}
	t.CompletedAt = time.Time{}
	t.UpdatedAt = time.Now().UTC()
	snap := *t
	s.mu.Unlock()

	s.queue.Push(t)
	s.syncQueueGauges()
	s.persistSnap(snap)
	s.kick()
	return nil
}

// ─── Admission ──────────────────────────────────────────────────────────────

// admit dispatches every task the queue will currently yield.
func (s *Scheduler) admit(ctx context.Context) {
	for {
		t := s.queue.PopAdmissible(s.admitOne)
		if t == nil {
			break
		}
		s.dispatch(ctx, t)
	}
	s.syncQueueGauges()
	s.syncVRAMGauges()
}

// admitOne is the admission predicate. It runs under the queue lock and
// takes mu, then the ledger lock. The status flip, gate increment, and VRAM
// reservation succeed or fail as one step, so a cancelled task can never be
// admitted and a declined task keeps its queue position.
func (s *Scheduler) admitOne(t *domain.Task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.Status != domain.TaskQueued {
		return false
	}
	if g := s.gates[t.BatchID]; g != nil && g.limit > 0 && g.running >= g.limit {
		return false
	}
	if !s.ledger.Reserve(t.ID, t.VRAMMB) {
		return false
	}
	if g := s.gates[t.BatchID]; g != nil {
		g.running++
	}
	t.Status = domain.TaskAdmitted
	t.UpdatedAt = time.Now().UTC()
	return true
}

// dispatch hands an admitted task to the worker and wires its event stream
// into the inbox.
func (s *Scheduler) dispatch(ctx context.Context, t *domain.Task) {
	s.mu.Lock()
	if t.Status != domain.TaskAdmitted {
		// Cancelled between admission and dispatch; the cancel path
		// already released the reservation.
		s.mu.Unlock()
		return
	}
	t.Attempts++
	t.Status = domain.TaskRunning
	now := time.Now().UTC()
	firstAttempt := t.StartedAt.IsZero()
	if firstAttempt {
		t.StartedAt = now
	}
	t.UpdatedAt = now
	snap := *t
	s.mu.Unlock()

	handle, err := s.worker.Start(ctx, snap)
	if err != nil {
		log.Printf("[sched] start task=%s attempt=%d: %v", snap.ID, snap.Attempts, err)
		s.resolveFailure(snap.ID, fmt.Sprintf("worker start: %v", err), true)
		return
	}

	s.mu.Lock()
	if t.Status != domain.TaskRunning {
		// Cancelled while the worker was starting.
		s.mu.Unlock()
		handle.Cancel()
		return
	}
	s.running[t.ID] = &runningTask{handle: handle, lastEvent: time.Now()}
	s.mu.Unlock()

	s.totalDispatched.Add(1)
	metrics.TasksRunning.Inc()
	if firstAttempt {
		metrics.TaskAdmitLatency.Observe(now.Sub(snap.CreatedAt).Seconds())
	}

	s.wg.Add(1)
	go s.forward(ctx, handle)

	s.persistSnap(snap)
	if firstAttempt {
		s.publish(snap.WebhookURL, taskEvent(domain.EventTaskStarted, snap, map[string]any{
			"vram_mb": snap.VRAMMB,
		}))
	}
}

// forward pumps one handle's events into the shared inbox. Progress events
// are dropped when the inbox is full; terminal events block until the loop
// takes them or the scheduler stops.
func (s *Scheduler) forward(ctx context.Context, h worker.Handle) {
	defer s.wg.Done()
	for evt := range h.Events() {
		if evt.Kind == worker.EventProgress {
			select {
			case s.inbox <- evt:
			default:
			}
			continue
		}
		select {
		case s.inbox <- evt:
		case <-ctx.Done():
			return
		}
	}
}

// ─── Worker Events ──────────────────────────────────────────────────────────

func (s *Scheduler) handleEvent(evt worker.Event) {
	switch evt.Kind {
	case worker.EventProgress:
		s.onProgress(evt)
	case worker.EventCompleted:
		s.onCompleted(evt)
	case worker.EventFailed:
		detail := "worker failure"
		if evt.Err != nil {
			detail = evt.Err.Error()
		}
		s.resolveFailure(evt.TaskID, detail, evt.Transient)
	}
}

func (s *Scheduler) onProgress(evt worker.Event) {
	s.mu.Lock()
	t, rt := s.tasks[evt.TaskID], s.running[evt.TaskID]
	if t == nil || rt == nil || rt.cancelled || t.Status != domain.TaskRunning {
		s.mu.Unlock()
		return
	}
	rt.lastEvent = time.Now()
	if evt.Progress <= t.Progress {
		// Progress never moves backwards within an attempt.
		s.mu.Unlock()
		return
	}
	prev := quarter(t.Progress)
	t.Progress = evt.Progress
	t.UpdatedAt = time.Now().UTC()
	crossed := quarter(evt.Progress) > prev
	snap := *t
	s.mu.Unlock()

	if crossed {
		s.persistSnap(snap)
		s.publish(snap.WebhookURL, taskEvent(domain.EventTaskProgress, snap, map[string]any{
			"progress": snap.Progress,
		}))
	}
}

// quarter buckets progress so receivers get at most three progress webhooks
// per run (crossing 0.25, 0.5, 0.75).
func quarter(p float64) int {
	switch {
	case p >= 0.75:
		return 3
	case p >= 0.5:
		return 2
	case p >= 0.25:
		return 1
	default:
		return 0
	}
}

func (s *Scheduler) onCompleted(evt worker.Event) {
	s.mu.Lock()
	t, rt := s.tasks[evt.TaskID], s.running[evt.TaskID]
	if t == nil || rt == nil || rt.cancelled || t.Status != domain.TaskRunning {
		s.mu.Unlock()
		return
	}
	delete(s.running, evt.TaskID)
	s.ledger.Release(evt.TaskID)
	s.releaseGateLocked(t.BatchID)
	t.Progress = 1
	t.Result = evt.Result
	t.LastError = nil
	s.markTerminalLocked(t, domain.TaskCompleted)
	snap := *t
	s.mu.Unlock()

	metrics.TasksRunning.Dec()
	metrics.TasksCompleted.Inc()
	metrics.GenerationDuration.Observe(snap.Duration().Seconds())
	s.syncVRAMGauges()
	s.persistSnap(snap)

	data := map[string]any{"progress": 1.0}
	if snap.Result != nil {
		data["artifact_url"] = snap.Result.ArtifactURL
		data["size_bytes"] = snap.Result.SizeBytes
	}
	s.publish(snap.WebhookURL, taskEvent(domain.EventTaskCompleted, snap, data))
	s.notifyTerminal(snap)
}

/// resolveFailure settles a failed run: transient failures with budget left
// go to the retry queue without a webhook (internal recovery); everything
// else fails the task. Also used for worker start errors and stall reaps.
func (s *Scheduler) resolveFailure(taskID, detail string, transient bool) {
	s.mu.Lock()
	t, ok := s.tasks[taskID]
	if !ok || t.IsTerminal() {
		s.mu.Unlock()
		return
	}
	wasRunning := false
	if rt := s.running[taskID]; rt != nil {
		wasRunning = true
		delete(s.running, taskID)
	}
	s.ledger.Release(taskID)
	s.releaseGateLocked(t.BatchID)

	code := domain.CodePermanentWorker
	if transient {
		code = domain.CodeTransientWorker
	}
	t.LastError = &domain.TaskError{Code: code, Detail: detail}

	if transient && s.cfg.Retry.Allow(t.Attempts) {
		delay := s.cfg.Retry.Delay(t.Attempts)
		t.Status = domain.TaskQueued
		t.Progress = 0
		t.UpdatedAt = time.Now().UTC()
		snap := *t
		s.mu.Unlock()

		s.retryq.Schedule(taskID, delay)
		if wasRunning {
			metrics.TasksRunning.Dec()
		}
		metrics.TasksRetried.Inc()
		s.syncVRAMGauges()
		s.persistSnap(snap)
		log.Printf("[sched] retry task=%s attempt=%d delay=%s: %s",
			taskID, snap.Attempts, delay, detail)
		return
	}

	s.markTerminalLocked(t, domain.TaskFailed)
	snap := *t
	s.mu.Unlock()

	if wasRunning {
		metrics.TasksRunning.Dec()
	}
	metrics.TasksFailed.WithLabelValues(string(code)).Inc()
	s.syncVRAMGauges()
	s.persistSnap(snap)
	s.publish(snap.WebhookURL, taskEvent(domain.EventTaskFailed, snap, map[string]any{
		"code":     string(code),
		"detail":   detail,
		"attempts": snap.Attempts,
	}))
	s.notifyTerminal(snap)
}

// ─── Cancellation ───────────────────────────────────────────────────────────

// CancelTask settles a task as cancelled. Queued tasks leave the queue or
// retry heap; running tasks release VRAM immediately and the worker is told
// to stop. Cancelling a terminal task is a no-op.
func (s *Scheduler) CancelTask(taskID string) error {
	s.mu.Lock()
	t, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return domain.ErrTaskNotFound
	}
	if t.IsTerminal() {
		s.mu.Unlock()
		return nil
	}

	wasQueued := t.Status == domain.TaskQueued
	var handle worker.Handle
	wasRunning := false
	if !wasQueued {
		if rt := s.running[taskID]; rt != nil {
			rt.cancelled = true
			handle = rt.handle
			wasRunning = true
			delete(s.running, taskID)
		}
		s.ledger.Release(taskID)
		s.releaseGateLocked(t.BatchID)
	}
	s.markTerminalLocked(t, domain.TaskCancelled)
	snap := *t
	s.mu.Unlock()

	if wasQueued {
		// Best effort: the admission predicate declines terminal tasks,
		// so an entry missed here can never be admitted.
		if !s.queue.Remove(taskID) {
			s.retryq.Remove(taskID)
		}
	}
	if handle != nil {
		handle.Cancel()
	}
	if wasRunning {
		metrics.TasksRunning.Dec()
	}
	metrics.TasksCancelled.Inc()
	s.syncVRAMGauges()
	s.syncQueueGauges()
	s.persistSnap(snap)
	s.publish(snap.WebhookURL, taskEvent(domain.EventTaskCancelled, snap, nil))
	s.notifyTerminal(snap)
	return nil
}

// ─── Retry Drain & Stall Watchdog ───────────────────────────────────────────

// requeueReady returns tasks whose backoff elapsed to the tail of their tier.
func (s *Scheduler) requeueReady() {
	for _, id := range s.retryq.DrainReady(time.Now()) {
		s.mu.Lock()
		t, ok := s.tasks[id]
		if !ok || t.Status != domain.TaskQueued {
			// Cancelled while waiting out the backoff.
			s.mu.Unlock()
			continue
		}
		t.UpdatedAt = time.Now().UTC()
		s.mu.Unlock()
		s.queue.Push(t)
	}
}

// reapStalled cancels running tasks that have gone silent and routes them
// through the transient failure path, freeing their VRAM for waiting work.
func (s *Scheduler) reapStalled() {
	if s.cfg.StallTimeout <= 0 {
		return
	}
	now := time.Now()

	type stalled struct {
		id     string
		handle worker.Handle
		silent time.Duration
	}
	s.mu.Lock()
	var reaped []stalled
	for id, rt := range s.running {
		if !rt.cancelled && now.Sub(rt.lastEvent) > s.cfg.StallTimeout {
			rt.cancelled = true
			reaped = append(reaped, stalled{id: id, handle: rt.handle, silent: now.Sub(rt.lastEvent)})
		}
	}
	s.mu.Unlock()

	for _, r := range reaped {
		r.handle.Cancel()
		metrics.StallsReaped.Inc()
		log.Printf("[sched] stall reaped task=%s silent=%s", r.id, r.silent.Round(time.Second))
		s.resolveFailure(r.id, fmt.Sprintf("no worker events for %s", r.silent.Round(time.Second)), true)
	}
}

// ─── Batch Gates ────────────────────────────────────────────────────────────

// SetBatchLimit caps how many of batchID's members run concurrently.
func (s *Scheduler) SetBatchLimit(batchID string, limit int) {
	if batchID == "" || limit <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if g := s.gates[batchID]; g != nil {
		g.limit = limit
		return
	}
	s.gates[batchID] = &batchGate{limit: limit}
}

// ClearBatchLimit drops the gate once a batch settles.
func (s *Scheduler) ClearBatchLimit(batchID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.gates, batchID)
}

// BatchRunning reports how many members of batchID hold an admission slot.
func (s *Scheduler) BatchRunning(batchID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g := s.gates[batchID]; g != nil {
		return g.running
	}
	return 0
}

func (s *Scheduler) releaseGateLocked(batchID string) {
	if g := s.gates[batchID]; g != nil && g.running > 0 {
		g.running--
	}
}

// ─── Queries ────────────────────────────────────────────────────────────────

// Task returns a snapshot of one task.
func (s *Scheduler) Task(id string) (domain.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return domain.Task{}, false
	}
	return *t, true
}

// ByIdempotencyKey returns the task a key is bound to, if any.
func (s *Scheduler) ByIdempotencyKey(key string) (domain.Task, bool) {
	if key == "" {
		return domain.Task{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byKey[key]
	if !ok {
		return domain.Task{}, false
	}
	t, ok := s.tasks[id]
	if !ok {
		return domain.Task{}, false
	}
	return *t, true
}

// QueuePosition returns the 1-based admission-scan position of a queued
// task, or 0 if it is not in the queue.
func (s *Scheduler) QueuePosition(taskID string) int {
	return s.queue.Position(taskID)
}

// Ahead returns snapshots of queued tasks scanned before taskID.
func (s *Scheduler) Ahead(taskID string) []domain.Task {
	return s.queue.Ahead(taskID)
}

// RunningCount returns the number of dispatched tasks.
func (s *Scheduler) RunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// QueueDepth returns tasks waiting for admission.
func (s *Scheduler) QueueDepth() int {
	return s.queue.Len()
}

// RetryWaiting returns tasks waiting out a backoff.
func (s *Scheduler) RetryWaiting() int {
	return s.retryq.Len()
}

// VRAM returns the ledger's total and reserved MB.
func (s *Scheduler) VRAM() (total, reserved int64) {
	return s.ledger.Total(), s.ledger.Reserved()
}

// Fits reports whether a requirement can ever be admitted.
func (s *Scheduler) Fits(mb int64) bool {
	return s.ledger.Fits(mb)
}

// InboxLen returns buffered worker events awaiting the loop.
func (s *Scheduler) InboxLen() int {
	return len(s.inbox)
}

// InboxCap returns the worker event buffer capacity.
func (s *Scheduler) InboxCap() int {
	return cap(s.inbox)
}

// Sweep drops terminal tasks that settled before the retention window from
// live tracking; their durable rows stay in the store. Idempotency keys of
// swept tasks are released with them.
func (s *Scheduler) Sweep(retention time.Duration) int {
	cutoff := time.Now().Add(-retention)
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, t := range s.tasks {
		if t.IsTerminal() && !t.CompletedAt.IsZero() && t.CompletedAt.Before(cutoff) {
			delete(s.tasks, id)
			if t.IdempotencyKey != "" {
				delete(s.byKey, t.IdempotencyKey)
			}
			removed++
		}
	}
	return removed
}

// Stats is a point-in-time snapshot of scheduler state.
type Stats struct {
	QueueDepth      int    `json:"queue_depth"`
	DepthByTier     [4]int `json:"depth_by_tier"`
	Running         int    `json:"running"`
	RetryWaiting    int    `json:"retry_waiting"`
	InboxDepth      int    `json:"inbox_depth"`
	Tracked         int    `json:"tracked"`
	VRAMTotalMB     int64  `json:"vram_total_mb"`
	VRAMReservedMB  int64  `json:"vram_reserved_mb"`
	TotalDispatched int64  `json:"total_dispatched"`
	TotalSkips      int64  `json:"total_skips"`
}

// Stats returns current scheduler statistics.
func (s *Scheduler) Stats() Stats {
	qs := s.queue.Stats()
	s.mu.Lock()
	running := len(s.running)
	tracked := len(s.tasks)
	s.mu.Unlock()

	return Stats{
		QueueDepth:      qs.Depth,
		DepthByTier:     qs.DepthByTier,
		Running:         running,
		RetryWaiting:    s.retryq.Len(),
		InboxDepth:      len(s.inbox),
		Tracked:         tracked,
		VRAMTotalMB:     s.ledger.Total(),
		VRAMReservedMB:  s.ledger.Reserved(),
		TotalDispatched: s.totalDispatched.Load(),
		TotalSkips:      qs.TotalSkips,
	}
}

// ─── Internal ───────────────────────────────────────────────────────────────

func (s *Scheduler) markTerminalLocked(t *domain.Task, status domain.TaskStatus) {
	now := time.Now().UTC()
	t.Status = status
	t.CompletedAt = now
	t.UpdatedAt = now
}

func (s *Scheduler) notifyTerminal(t domain.Task) {
	if s.onTerminal != nil {
		s.onTerminal(t)
	}
}

func (s *Scheduler) publish(endpoint string, evt domain.Event) {
	if s.events != nil && endpoint != "" {
		s.events.Publish(endpoint, evt)
	}
}

func (s *Scheduler) persistSnap(t domain.Task) {
	if s.store == nil {
		return
	}
	if err := s.store.SaveTask(t); err != nil {
		log.Printf("[sched] persist task=%s: %v", t.ID, err)
	}
}

func taskEvent(kind domain.EventKind, t domain.Task, data map[string]any) domain.Event {
	return domain.Event{
		Kind:      kind,
		TaskID:    t.ID,
		BatchID:   t.BatchID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

func (s *Scheduler) syncQueueGauges() {
	qs := s.queue.Stats()
	for tier, label := range [...]string{"urgent", "high", "normal", "low"} {
		metrics.QueueDepth.WithLabelValues(label).Set(float64(qs.DepthByTier[tier]))
	}
	// The queue owns the skip counter; export only the delta since last sync.
	prev := s.skipsExported.Swap(qs.TotalSkips)
	if d := qs.TotalSkips - prev; d > 0 {
		metrics.QueueSkips.Add(float64(d))
	}
}

func (s *Scheduler) syncVRAMGauges() {
	metrics.VRAMReserved.Set(float64(s.ledger.Reserved()))
}

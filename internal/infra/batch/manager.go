// Package batch decomposes batch submissions into scheduler tasks and
// aggregates member outcomes into batch status, progress, and ETA estimates.
// It also owns the similarity-cache consult and insert points, and handles
// single-task submission as the degenerate one-member case with no batch
// record.
//
// Locking: the manager's mutex guards only the batch records. Scheduler calls
// that can re-enter the manager through the terminal callback (CancelTask)
// are never made while holding it.
package batch

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kiln-media/kiln/internal/domain"
	"github.com/kiln-media/kiln/internal/infra/cache"
	"github.com/kiln-media/kiln/internal/infra/metrics"
	"github.com/kiln-media/kiln/internal/infra/scheduler"
)

// TaskRequest is a validated-on-entry single task submission.
type TaskRequest struct {
	Prompt         string
	Options        domain.GenOptions
	Priority       domain.Priority
	VRAMMB         int64 // 0 = estimate from options
	IdempotencyKey string
	WebhookURL     string
}

// BatchRequest is a multi-prompt submission sharing one option set.
type BatchRequest struct {
	Prompts       []string
	Options       domain.GenOptions
	Priority      domain.Priority
	VRAMMB        int64 // 0 = estimate from options, applied per member
	MaxConcurrent int   // 0 = no per-batch ceiling
	WebhookURL    string
}

// Progress is the aggregate view of a batch: settle counts plus how many
// members hold a worker right now.
type Progress struct {
	domain.Batch
	Running int `json:"running"`
}

// Results bundles a batch with its member outcomes in submission order.
// Members swept from live tracking after the retention window are omitted.
type Results struct {
	Batch domain.Batch  `json:"batch"`
	Tasks []domain.Task `json:"tasks"`
}

// ETA is the wall-time estimate for a task or batch to finish. Queued tasks
// assume the work scanned ahead of them runs serially, which makes the hint
// an upper bound.
type ETA struct {
	TaskID        string  `json:"task_id,omitempty"`
	BatchID       string  `json:"batch_id,omitempty"`
	Status        string  `json:"status"`
	QueuePosition int     `json:"queue_position,omitempty"`
	EstimateSec   float64 `json:"estimate_sec"`
}

// record is the manager's live bookkeeping for one batch.
type record struct {
	batch           domain.Batch
	cancelRequested bool
	neverStarted    int // terminal members that never reached a worker
	settledAt       time.Time
}

// Manager owns batch lifecycle and the submission entry points.
type Manager struct {
	sched  *scheduler.Scheduler
	cache  *cache.Similarity
	events domain.EventSink
	store  domain.StateStore

	mu   sync.Mutex
	recs map[string]*record
}

// NewManager wires the manager into the scheduler's terminal callback.
func NewManager(sched *scheduler.Scheduler, sim *cache.Similarity, events domain.EventSink, store domain.StateStore) *Manager {
	m := &Manager{
		sched:  sched,
		cache:  sim,
		events: events,
		store:  store,
		recs:   make(map[string]*record),
	}
	sched.SetTerminalFunc(m.noteOutcome)
	return m
}

// ─── Submission ─────────────────────────────────────────────────────────────

// SubmitTask validates, fingerprints, and queues a standalone task. A live
// cache entry resolves it immediately without touching queue or ledger.
// Resubmitting an idempotency key returns the task it is bound to.
func (m *Manager) SubmitTask(req TaskRequest) (domain.Task, error) {
	if err := domain.ValidatePrompt(req.Prompt); err != nil {
		return domain.Task{}, err
	}
	if err := req.Options.Validate(); err != nil {
		return domain.Task{}, err
	}
	if req.IdempotencyKey != "" {
		if existing, ok := m.sched.ByIdempotencyKey(req.IdempotencyKey); ok {
			return existing, nil
		}
	}

	t := m.newTask(req.Prompt, req.Options, req.Priority, req.VRAMMB, req.WebhookURL, "")
	t.IdempotencyKey = req.IdempotencyKey

	if res, ok := m.consultCache(t); ok {
		return m.adoptCompleted(t, res), nil
	}

	if err := m.sched.Submit(t); err != nil {
		// Two racing submissions with the same key: the loser returns the
		// winner's task, same as the pre-check.
		if errors.Is(err, domain.ErrDuplicateTask) && req.IdempotencyKey != "" {
			if existing, ok := m.sched.ByIdempotencyKey(req.IdempotencyKey); ok {
				return existing, nil
			}
		}
		return domain.Task{}, err
	}

	snap, _ := m.sched.Task(t.ID)
	m.publish(snap.WebhookURL, taskEvent(domain.EventTaskCreated, snap, map[string]any{
		"priority": string(snap.Priority),
		"vram_mb":  snap.VRAMMB,
	}))
	return snap, nil
}

// SubmitBatch validates each prompt independently: invalid items settle as
// failed tasks at birth, cache hits settle as completed, and the rest are
// queued. The batch is never rejected wholesale for one bad item, only for
// an empty item list or an option set no member could use.
func (m *Manager) SubmitBatch(req BatchRequest) (domain.Batch, error) {
	if len(req.Prompts) == 0 {
		return domain.Batch{}, fmt.Errorf("%w: batch has no items", domain.ErrValidation)
	}
	if err := req.Options.Validate(); err != nil {
		return domain.Batch{}, err
	}
	priority := req.Priority
	if priority == "" {
		priority = domain.PriorityNormal
	}

	b := domain.Batch{
		ID:            uuid.NewString(),
		TaskIDs:       make([]string, 0, len(req.Prompts)),
		Priority:      priority,
		Status:        domain.BatchPending,
		Total:         len(req.Prompts),
		MaxConcurrent: req.MaxConcurrent,
		WebhookURL:    req.WebhookURL,
		CreatedAt:     time.Now().UTC(),
	}

	tasks := make([]*domain.Task, 0, len(req.Prompts))
	for _, prompt := range req.Prompts {
		t := m.newTask(prompt, req.Options, priority, req.VRAMMB, req.WebhookURL, b.ID)
		b.TaskIDs = append(b.TaskIDs, t.ID)
		tasks = append(tasks, t)
	}

	m.mu.Lock()
	m.recs[b.ID] = &record{batch: b}
	m.mu.Unlock()

	if req.MaxConcurrent > 0 {
		m.sched.SetBatchLimit(b.ID, req.MaxConcurrent)
	}
	metrics.BatchesSubmitted.Inc()
	m.publish(b.WebhookURL, batchEvent(domain.EventBatchCreated, b, nil))
	log.Printf("[batch] created batch=%s total=%d priority=%s max_concurrent=%d",
		b.ID, b.Total, priority, req.MaxConcurrent)

	for _, t := range tasks {
		m.placeMember(t)
	}

	snap, _ := m.Batch(b.ID)
	m.persistBatch(snap)
	return snap, nil
}

// placeMember moves one batch member from built to settled or queued.
func (m *Manager) placeMember(t *domain.Task) {
	if err := domain.ValidatePrompt(t.Prompt); err != nil {
		m.adoptFailed(t, domain.CodeValidation, err.Error())
		return
	}
	if res, ok := m.consultCache(t); ok {
		m.adoptCompleted(t, res)
		return
	}
	if err := m.sched.Submit(t); err != nil {
		m.adoptFailed(t, domain.CodeFor(err), err.Error())
		return
	}
	snap, _ := m.sched.Task(t.ID)
	m.publish(snap.WebhookURL, taskEvent(domain.EventTaskCreated, snap, map[string]any{
		"priority": string(snap.Priority),
		"vram_mb":  snap.VRAMMB,
	}))
}

// newTask builds an unplaced task with defaults applied.
func (m *Manager) newTask(prompt string, opts domain.GenOptions, pr domain.Priority, vramMB int64, webhook, batchID string) *domain.Task {
	if pr == "" {
		pr = domain.PriorityNormal
	}
	if vramMB <= 0 {
		vramMB = opts.EstimateVRAMMB()
	}
	t := &domain.Task{
		ID:         uuid.NewString(),
		Prompt:     strings.TrimSpace(prompt),
		Options:    opts,
		Priority:   pr,
		VRAMMB:     vramMB,
		BatchID:    batchID,
		WebhookURL: webhook,
	}
	if !opts.CacheBypass {
		t.Fingerprint = domain.ComputeFingerprint(t.Prompt, opts)
	}
	return t
}

// consultCache resolves a fingerprinted task against the similarity cache.
func (m *Manager) consultCache(t *domain.Task) (domain.Result, bool) {
	if m.cache == nil || t.Fingerprint == "" {
		return domain.Result{}, false
	}
	return m.cache.Get(t.Fingerprint)
}

// adoptCompleted settles a cache-hit task as completed at birth: no queue
// slot, no ledger reservation, no worker.
func (m *Manager) adoptCompleted(t *domain.Task, res domain.Result) domain.Task {
	now := time.Now().UTC()
	res.FromCache = true
	t.Status = domain.TaskCompleted
	t.Progress = 1
	t.Result = &res
	t.CreatedAt, t.UpdatedAt, t.CompletedAt = now, now, now

	snap := *t
	m.sched.Adopt(t)
	metrics.TasksSubmitted.WithLabelValues(string(snap.Priority)).Inc()
	log.Printf("[batch] cache hit task=%s fingerprint=%s", snap.ID, snap.Fingerprint)

	m.publish(snap.WebhookURL, taskEvent(domain.EventTaskCreated, snap, map[string]any{
		"priority": string(snap.Priority),
		"vram_mb":  snap.VRAMMB,
	}))
	m.publish(snap.WebhookURL, taskEvent(domain.EventTaskCompleted, snap, map[string]any{
		"progress":     1.0,
		"artifact_url": res.ArtifactURL,
		"size_bytes":   res.SizeBytes,
		"from_cache":   true,
	}))
	m.noteOutcome(snap)
	return snap
}

// adoptFailed settles an invalid or unplaceable member as failed at birth.
func (m *Manager) adoptFailed(t *domain.Task, code domain.ErrorCode, detail string) {
	now := time.Now().UTC()
	t.Status = domain.TaskFailed
	t.LastError = &domain.TaskError{Code: code, Detail: detail}
	t.CreatedAt, t.UpdatedAt, t.CompletedAt = now, now, now

	snap := *t
	m.sched.Adopt(t)
	metrics.TasksSubmitted.WithLabelValues(string(snap.Priority)).Inc()
	metrics.TasksFailed.WithLabelValues(string(code)).Inc()

	m.publish(snap.WebhookURL, taskEvent(domain.EventTaskFailed, snap, map[string]any{
		"code":     string(code),
		"detail":   detail,
		"attempts": 0,
	}))
	m.noteOutcome(snap)
}

// ─── Outcome Aggregation ────────────────────────────────────────────────────

// noteOutcome is the scheduler's terminal callback and the adoption path's
// settle hook. It inserts completed results into the similarity cache and
// folds batch member outcomes into their batch, settling it when the last
// member resolves.
func (m *Manager) noteOutcome(t domain.Task) {
	if m.cache != nil && t.Status == domain.TaskCompleted && t.Fingerprint != "" &&
		t.Result != nil && !t.Result.FromCache && !t.Options.CacheBypass {
		m.cache.Put(t.Fingerprint, *t.Result)
	}
	if t.BatchID == "" {
		return
	}

	m.mu.Lock()
	rec, ok := m.recs[t.BatchID]
	if !ok || rec.batch.IsTerminal() {
		m.mu.Unlock()
		if !ok {
			log.Printf("[batch] outcome for unknown batch task=%s batch=%s", t.ID, t.BatchID)
		}
		return
	}
	switch t.Status {
	case domain.TaskCompleted:
		rec.batch.Completed++
	case domain.TaskFailed:
		rec.batch.Failed++
	case domain.TaskCancelled:
		rec.batch.Cancelled++
	default:
		m.mu.Unlock()
		return
	}
	if !t.Started() {
		rec.neverStarted++
	}

	settled := rec.batch.Resolved() == rec.batch.Total
	if settled {
		rec.batch.Status = rec.batch.SettleStatus(rec.cancelRequested, rec.neverStarted)
		rec.settledAt = time.Now().UTC()
	}
	snap := rec.batch
	m.mu.Unlock()

	m.publish(snap.WebhookURL, batchEvent(domain.EventBatchProgress, snap, nil))
	if settled {
		m.settle(snap)
	}
	m.persistBatch(snap)
}

// settle clears the admission gate and announces the terminal status.
func (m *Manager) settle(b domain.Batch) {
	m.sched.ClearBatchLimit(b.ID)
	metrics.BatchesSettled.WithLabelValues(string(b.Status)).Inc()
	log.Printf("[batch] settled batch=%s status=%s completed=%d failed=%d cancelled=%d total=%d",
		b.ID, b.Status, b.Completed, b.Failed, b.Cancelled, b.Total)

	kind := domain.EventBatchCompleted
	switch b.Status {
	case domain.BatchFailed:
		kind = domain.EventBatchFailed
	case domain.BatchCancelled:
		kind = domain.EventBatchCancelled
	}
	m.publish(b.WebhookURL, batchEvent(kind, b, nil))
}

// ─── Cancellation & Resume ──────────────────────────────────────────────────

// CancelTask cancels a standalone task or a single batch member.
func (m *Manager) CancelTask(taskID string) error {
	return m.sched.CancelTask(taskID)
}

// CancelBatch marks the batch cancelling, pulls unadmitted members from the
// queue, and asks running members to stop. The batch settles once every
// member is terminal; outcomes recorded before the cancel are preserved.
// Cancelling a settled batch is a no-op returning its final state.
func (m *Manager) CancelBatch(batchID string) (domain.Batch, error) {
	m.mu.Lock()
	rec, ok := m.recs[batchID]
	if !ok {
		m.mu.Unlock()
		return domain.Batch{}, domain.ErrBatchNotFound
	}
	if rec.batch.IsTerminal() || rec.batch.Status == domain.BatchCancelling {
		snap := rec.batch
		m.mu.Unlock()
		return snap, nil
	}
	rec.cancelRequested = true
	rec.batch.Status = domain.BatchCancelling
	rec.batch.CancelledAt = time.Now().UTC()
	members := make([]string, len(rec.batch.TaskIDs))
	copy(members, rec.batch.TaskIDs)
	snap := rec.batch
	m.mu.Unlock()

	log.Printf("[batch] cancelling batch=%s members=%d", batchID, len(members))
	m.persistBatch(snap)

	// CancelTask re-enters noteOutcome; the manager lock must be free here.
	for _, id := range members {
		if err := m.sched.CancelTask(id); err != nil && !errors.Is(err, domain.ErrTaskNotFound) {
			log.Printf("[batch] cancel member task=%s: %v", id, err)
		}
	}

	return m.batchSnapshot(batchID)
}

// ResumeBatch requeues the members cancellation stopped, with fresh attempt
// budgets. Completed and failed outcomes are preserved; resuming a batch with
// nothing to revive returns its current state unchanged.
func (m *Manager) ResumeBatch(batchID string) (domain.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.recs[batchID]
	if !ok {
		return domain.Batch{}, domain.ErrBatchNotFound
	}
	if rec.batch.Status == domain.BatchCancelling {
		return domain.Batch{}, fmt.Errorf("batch %s is still cancelling: %w", batchID, domain.ErrValidation)
	}

	revived := 0
	for _, id := range rec.batch.TaskIDs {
		snap, ok := m.sched.Task(id)
		if !ok || snap.Status != domain.TaskCancelled {
			continue
		}
		if err := m.sched.Resubmit(id); err != nil {
			log.Printf("[batch] resume member task=%s: %v", id, err)
			continue
		}
		rec.batch.Cancelled--
		if !snap.Started() && rec.neverStarted > 0 {
			rec.neverStarted--
		}
		revived++
	}
	if revived == 0 {
		return rec.batch, nil
	}

	rec.cancelRequested = false
	rec.batch.Status = domain.BatchPending
	rec.batch.ResumedFrom = rec.batch.Resolved()
	rec.settledAt = time.Time{}
	snap := rec.batch

	log.Printf("[batch] resumed batch=%s revived=%d resolved=%d total=%d",
		batchID, revived, snap.ResumedFrom, snap.Total)
	if snap.MaxConcurrent > 0 {
		m.sched.SetBatchLimit(snap.ID, snap.MaxConcurrent)
	}
	m.persistBatch(snap)
	m.publish(snap.WebhookURL, batchEvent(domain.EventBatchProgress, snap, map[string]any{
		"resumed": revived,
	}))
	return snap, nil
}

// ─── Queries ────────────────────────────────────────────────────────────────

// TaskProgress returns the live snapshot of one task.
func (m *Manager) TaskProgress(taskID string) (domain.Task, error) {
	t, ok := m.sched.Task(taskID)
	if !ok {
		return domain.Task{}, domain.ErrTaskNotFound
	}
	return t, nil
}

// BatchProgress returns settle counts plus the currently running member count.
func (m *Manager) BatchProgress(batchID string) (Progress, error) {
	b, err := m.batchSnapshot(batchID)
	if err != nil {
		return Progress{}, err
	}
	return Progress{Batch: b, Running: m.sched.BatchRunning(batchID)}, nil
}

// Batch returns the batch snapshot with its display status derived.
func (m *Manager) Batch(batchID string) (domain.Batch, bool) {
	b, err := m.batchSnapshot(batchID)
	return b, err == nil
}

// Batches lists all live batches, newest first not guaranteed.
func (m *Manager) Batches() []domain.Batch {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Batch, 0, len(m.recs))
	for _, rec := range m.recs {
		out = append(out, m.displayLocked(rec))
	}
	return out
}

// BatchResults lists per-member outcomes in submission order.
func (m *Manager) BatchResults(batchID string) (Results, error) {
	b, err := m.batchSnapshot(batchID)
	if err != nil {
		return Results{}, err
	}
	res := Results{Batch: b, Tasks: make([]domain.Task, 0, len(b.TaskIDs))}
	for _, id := range b.TaskIDs {
		if t, ok := m.sched.Task(id); ok {
			res.Tasks = append(res.Tasks, t)
		}
	}
	return res, nil
}

// TaskETA estimates time to completion for one task.
func (m *Manager) TaskETA(taskID string) (ETA, error) {
	t, ok := m.sched.Task(taskID)
	if !ok {
		return ETA{}, domain.ErrTaskNotFound
	}
	return m.taskETA(t), nil
}

// BatchETA estimates time until the whole batch settles: remaining member
// work divided by the batch's effective parallelism. Cross-batch contention
// is ignored; the figure is a hint, not a promise.
func (m *Manager) BatchETA(batchID string) (ETA, error) {
	b, err := m.batchSnapshot(batchID)
	if err != nil {
		return ETA{}, err
	}
	eta := ETA{BatchID: batchID, Status: string(b.Status)}

	var totalSec float64
	live := 0
	for _, id := range b.TaskIDs {
		t, ok := m.sched.Task(id)
		if !ok || t.IsTerminal() {
			continue
		}
		live++
		remaining := t.Options.EstimateETA().Seconds()
		if t.Status == domain.TaskRunning || t.Status == domain.TaskAdmitted {
			remaining *= 1 - t.Progress
			if remaining < 0 {
				remaining = 0
			}
		}
		totalSec += remaining
	}
	if live == 0 {
		return eta, nil
	}
	parallel := b.MaxConcurrent
	if parallel <= 0 || parallel > live {
		parallel = live
	}
	eta.EstimateSec = totalSec / float64(parallel)
	return eta, nil
}

func (m *Manager) taskETA(t domain.Task) ETA {
	eta := ETA{TaskID: t.ID, BatchID: t.BatchID, Status: string(t.Status)}
	switch {
	case t.IsTerminal():
	case t.Status == domain.TaskRunning, t.Status == domain.TaskAdmitted:
		remaining := t.Options.EstimateETA().Seconds() * (1 - t.Progress)
		if remaining < 0 {
			remaining = 0
		}
		eta.EstimateSec = remaining
	default:
		// Queued (or waiting out a retry backoff, position 0): own estimate
		// plus everything scanned ahead.
		eta.EstimateSec = t.Options.EstimateETA().Seconds()
		for _, ahead := range m.sched.Ahead(t.ID) {
			eta.EstimateSec += ahead.Options.EstimateETA().Seconds()
		}
		eta.QueuePosition = m.sched.QueuePosition(t.ID)
	}
	return eta
}

// batchSnapshot copies the record under lock and derives the display status.
func (m *Manager) batchSnapshot(batchID string) (domain.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[batchID]
	if !ok {
		return domain.Batch{}, domain.ErrBatchNotFound
	}
	return m.displayLocked(rec), nil
}

// displayLocked derives processing from pending once any member has resolved
// or holds a worker. Stored statuses stay pending/cancelling/terminal.
func (m *Manager) displayLocked(rec *record) domain.Batch {
	b := rec.batch
	if b.Status == domain.BatchPending &&
		(b.Resolved() > 0 || m.sched.BatchRunning(b.ID) > 0) {
		b.Status = domain.BatchProcessing
	}
	return b
}

// Sweep drops settled batches older than the retention window. Member tasks
// are swept independently by the scheduler.
func (m *Manager) Sweep(retention time.Duration) int {
	cutoff := time.Now().Add(-retention)
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, rec := range m.recs {
		if rec.batch.IsTerminal() && !rec.settledAt.IsZero() && rec.settledAt.Before(cutoff) {
			delete(m.recs, id)
			removed++
		}
	}
	return removed
}

// Stats counts live and settled batches.
type Stats struct {
	Batches int `json:"batches"`
	Settled int `json:"settled"`
}

// BatchStats returns a snapshot of manager counters.
func (m *Manager) BatchStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Stats{Batches: len(m.recs)}
	for _, rec := range m.recs {
		if rec.batch.IsTerminal() {
			st.Settled++
		}
	}
	return st
}

// ─── Helpers ────────────────────────────────────────────────────────────────

func (m *Manager) publish(endpoint string, evt domain.Event) {
	if m.events != nil && endpoint != "" {
		m.events.Publish(endpoint, evt)
	}
}

func (m *Manager) persistBatch(b domain.Batch) {
	if m.store == nil {
		return
	}
	if err := m.store.SaveBatch(b); err != nil {
		log.Printf("[batch] persist batch=%s: %v", b.ID, err)
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

func batchEvent(kind domain.EventKind, b domain.Batch, data map[string]any) domain.Event {
	if data == nil {
		data = make(map[string]any, 5)
	}
	data["status"] = string(b.Status)
	data["completed"] = b.Completed
	data["failed"] = b.Failed
	data["cancelled"] = b.Cancelled
	data["total"] = b.Total
	return domain.Event{
		Kind:      kind,
		BatchID:   b.ID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

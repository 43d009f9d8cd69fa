package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/kiln-media/kiln/internal/domain"
	"github.com/kiln-media/kiln/internal/infra/batch"
)

// ─── Request payloads ─────────────────────────────────────────────────────────

// genOptionsPayload mirrors domain.GenOptions on the wire. Validator tags
// gate the obvious range errors at the edge; the domain layer re-checks the
// full contract (resolution names, prompt length) and owns the final word.
type genOptionsPayload struct {
	DurationSec int    `json:"duration_sec" validate:"required,min=1,max=60"`
	Resolution  string `json:"resolution" validate:"required"`
	FPS         int    `json:"fps" validate:"omitempty,min=12,max=60"`
	CacheBypass bool   `json:"cache_bypass"`
}

func (p genOptionsPayload) options() domain.GenOptions {
	return domain.GenOptions{
		DurationSec: p.DurationSec,
		Resolution:  p.Resolution,
		FPS:         p.FPS,
		CacheBypass: p.CacheBypass,
	}
}

type submitTaskRequest struct {
	Prompt         string            `json:"prompt" validate:"required"`
	Options        genOptionsPayload `json:"options"`
	Priority       string            `json:"priority" validate:"omitempty,oneof=urgent high normal low"`
	VRAMMB         int64             `json:"vram_mb" validate:"omitempty,min=1"`
	IdempotencyKey string            `json:"idempotency_key"`
	WebhookURL     string            `json:"webhook_url" validate:"omitempty,url"`
}

// submitBatchRequest deliberately skips per-prompt validation: a bad item
// becomes a failed member, not a rejected batch.
type submitBatchRequest struct {
	Prompts       []string          `json:"prompts" validate:"required,min=1"`
	Options       genOptionsPayload `json:"options"`
	Priority      string            `json:"priority" validate:"omitempty,oneof=urgent high normal low"`
	VRAMMB        int64             `json:"vram_mb" validate:"omitempty,min=1"`
	MaxConcurrent int               `json:"max_concurrent" validate:"omitempty,min=1"`
	WebhookURL    string            `json:"webhook_url" validate:"omitempty,url"`
}

// taskView decorates a task snapshot with its queue position while queued.
type taskView struct {
	domain.Task
	QueuePosition int `json:"queue_position,omitempty"`
}

// decode unmarshals and validates a request body into dst.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, domain.CodeValidation, "malformed request body: "+err.Error())
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, domain.CodeValidation, validationDetail(err))
		return false
	}
	return true
}

// ─── Submission ───────────────────────────────────────────────────────────────

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req submitTaskRequest
	if !s.decode(w, r, &req) {
		return
	}
	t, err := s.core.SubmitTask(batch.TaskRequest{
		Prompt:         req.Prompt,
		Options:        req.Options.options(),
		Priority:       domain.ParsePriority(req.Priority),
		VRAMMB:         req.VRAMMB,
		IdempotencyKey: req.IdempotencyKey,
		WebhookURL:     req.WebhookURL,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, s.newTaskView(t))
}

func (s *Server) handleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	var req submitBatchRequest
	if !s.decode(w, r, &req) {
		return
	}
	b, err := s.core.SubmitBatch(batch.BatchRequest{
		Prompts:       req.Prompts,
		Options:       req.Options.options(),
		Priority:      domain.ParsePriority(req.Priority),
		VRAMMB:        req.VRAMMB,
		MaxConcurrent: req.MaxConcurrent,
		WebhookURL:    req.WebhookURL,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, b)
}

// ─── Task reads ───────────────────────────────────────────────────────────────

func (s *Server) handleTaskProgress(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t, err := s.core.TaskProgress(id)
	if err == nil {
		writeJSON(w, http.StatusOK, s.newTaskView(t))
		return
	}
	// Swept from live tracking; answer from the durable store.
	if errors.Is(err, domain.ErrTaskNotFound) {
		if row, derr := s.store.GetTask(id); derr == nil && row != nil {
			writeJSON(w, http.StatusOK, taskView{Task: *row})
			return
		}
	}
	writeDomainError(w, err)
}

func (s *Server) handleTaskETA(w http.ResponseWriter, r *http.Request) {
	eta, err := s.core.TaskETA(chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, eta)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.core.CancelTask(id); err != nil {
		writeDomainError(w, err)
		return
	}
	// Queued tasks are already terminal here; running ones settle when the
	// worker acknowledges, so report whatever state the snapshot shows.
	t, err := s.core.TaskProgress(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, s.newTaskView(t))
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	status := domain.TaskStatus(r.URL.Query().Get("status"))
	tasks, err := s.store.ListTasks(status, queryInt(r, "limit", 100))
	if err != nil {
		writeError(w, http.StatusInternalServerError, domain.CodeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tasks": tasks,
		"count": len(tasks),
	})
}

func (s *Server) newTaskView(t domain.Task) taskView {
	v := taskView{Task: t}
	if t.Status == domain.TaskQueued {
		if eta, err := s.core.TaskETA(t.ID); err == nil {
			v.QueuePosition = eta.QueuePosition
		}
	}
	return v
}

// ─── Batch reads and lifecycle ────────────────────────────────────────────────

func (s *Server) handleBatchProgress(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, err := s.core.BatchProgress(id)
	if err == nil {
		writeJSON(w, http.StatusOK, p)
		return
	}
	if errors.Is(err, domain.ErrBatchNotFound) {
		if row, derr := s.store.GetBatch(id); derr == nil && row != nil {
			writeJSON(w, http.StatusOK, batch.Progress{Batch: *row})
			return
		}
	}
	writeDomainError(w, err)
}

func (s *Server) handleBatchETA(w http.ResponseWriter, r *http.Request) {
	eta, err := s.core.BatchETA(chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, eta)
}

func (s *Server) handleBatchResults(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res, err := s.core.BatchResults(id)
	if err == nil {
		writeJSON(w, http.StatusOK, res)
		return
	}
	if errors.Is(err, domain.ErrBatchNotFound) {
		if row, derr := s.store.GetBatch(id); derr == nil && row != nil {
			tasks, terr := s.store.BatchTasks(id)
			if terr == nil {
				writeJSON(w, http.StatusOK, batch.Results{Batch: *row, Tasks: tasks})
				return
			}
		}
	}
	writeDomainError(w, err)
}

func (s *Server) handleCancelBatch(w http.ResponseWriter, r *http.Request) {
	b, err := s.core.CancelBatch(chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, b)
}

func (s *Server) handleResumeBatch(w http.ResponseWriter, r *http.Request) {
	b, err := s.core.ResumeBatch(chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, b)
}

func (s *Server) handleListBatches(w http.ResponseWriter, r *http.Request) {
	batches, err := s.store.ListBatches(queryInt(r, "limit", 100))
	if err != nil {
		writeError(w, http.StatusInternalServerError, domain.CodeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"batches": batches,
		"count":   len(batches),
	})
}

// ─── Operational reads ────────────────────────────────────────────────────────

// handleListAlerts lists abandoned webhook deliveries, newest first. This is
// the audit trail operators check when callers report missing callbacks.
func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := s.store.ListAlerts(queryInt(r, "limit", 100))
	if err != nil {
		writeError(w, http.StatusInternalServerError, domain.CodeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

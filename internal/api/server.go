// Package api exposes the Kiln daemon over HTTP: task and batch
// submission, progress, cancellation, resume, results, ETA hints,
// health, and Prometheus metrics. Submissions pass through the rate
// limiter; reads fall back to the on-disk store once live tracking has
// swept a task past its retention window.
package api

import (
	"encoding/json"
	"errors"
	"math"
	"net"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/kiln-media/kiln/internal/domain"
	"github.com/kiln-media/kiln/internal/health"
	"github.com/kiln-media/kiln/internal/infra/batch"
	"github.com/kiln-media/kiln/internal/infra/metrics"
	"github.com/kiln-media/kiln/internal/infra/ratelimit"
	"github.com/kiln-media/kiln/internal/infra/sqlite"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server is the Kiln HTTP API server.
type Server struct {
	core     *batch.Manager
	store    *sqlite.DB
	checker  *health.Checker    // nil until SetHealth
	limiter  *ratelimit.Limiter // nil until SetLimiter (submissions unthrottled)
	origins  []string
	timeout  time.Duration
	validate *validator.Validate
}

// NewServer creates an API server over the batch manager and the state store.
func NewServer(core *batch.Manager, store *sqlite.DB) *Server {
	v := validator.New()
	// Report field names as they appear on the wire, not as Go identifiers.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Server{
		core:     core,
		store:    store,
		origins:  []string{"*"},
		timeout:  60 * time.Second,
		validate: v,
	}
}

// SetHealth wires the health checker behind /healthz.
func (s *Server) SetHealth(c *health.Checker) { s.checker = c }

// SetLimiter wires the per-identity rate limiter over submission routes.
func (s *Server) SetLimiter(l *ratelimit.Limiter) { s.limiter = l }

// SetCORSOrigins replaces the allowed CORS origins ("*" allows any).
func (s *Server) SetCORSOrigins(origins []string) {
	if len(origins) > 0 {
		s.origins = origins
	}
}

// SetTimeout replaces the per-request timeout.
func (s *Server) SetTimeout(d time.Duration) {
	if d > 0 {
		s.timeout = d
	}
}

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.timeout))
	r.Use(s.corsMiddleware)

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.With(s.rateLimit).Post("/tasks", s.handleSubmitTask)
		r.With(s.rateLimit).Post("/batches", s.handleSubmitBatch)

		r.Get("/tasks", s.handleListTasks)
		r.Get("/tasks/{id}", s.handleTaskProgress)
		r.Get("/tasks/{id}/eta", s.handleTaskETA)
		r.Post("/tasks/{id}/cancel", s.handleCancelTask)

		r.Get("/batches", s.handleListBatches)
		r.Get("/batches/{id}", s.handleBatchProgress)
		r.Get("/batches/{id}/eta", s.handleBatchETA)
		r.Get("/batches/{id}/results", s.handleBatchResults)
		r.Post("/batches/{id}/cancel", s.handleCancelBatch)
		r.Post("/batches/{id}/resume", s.handleResumeBatch)

		r.Get("/alerts", s.handleListAlerts)
	})

	return r
}

// handleHealthz reports the aggregate health verdict with per-check detail.
// Degraded daemons answer 503 so load balancers and scripts can gate on it.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.checker == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	code, status := http.StatusOK, "ok"
	if !s.checker.IsHealthy() {
		code, status = http.StatusServiceUnavailable, "degraded"
	}
	writeJSON(w, code, map[string]interface{}{
		"status": status,
		"checks": s.checker.Statuses(),
	})
}

// rateLimit charges one token per submission call. Over-limit requests are
// rejected before the body is read; every response carries the bucket state.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		d := s.limiter.Allow(clientIdentity(r))
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(d.RetryAfter).Unix(), 10))
		if !d.OK {
			metrics.RateLimited.Inc()
			retry := int(math.Ceil(d.RetryAfter.Seconds()))
			if retry < 1 {
				retry = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			writeError(w, http.StatusTooManyRequests, domain.CodeRateLimited, domain.ErrRateLimited.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIdentity keys rate-limit buckets by caller IP. middleware.RealIP has
// already folded X-Forwarded-For into RemoteAddr by the time this runs.
func clientIdentity(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// corsMiddleware answers preflight and stamps the allowed origin. A
// configured "*" allows any caller; otherwise the Origin header must match
// one of the configured origins exactly.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := s.allowOrigin(r.Header.Get("Origin")); origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) allowOrigin(origin string) string {
	for _, o := range s.origins {
		if o == "*" {
			return "*"
		}
		if origin != "" && strings.EqualFold(o, origin) {
			return origin
		}
	}
	return ""
}

// ─── Response helpers ─────────────────────────────────────────────────────────

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response with a stable machine code.
func writeError(w http.ResponseWriter, status int, code domain.ErrorCode, msg string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"code":    string(code),
			"message": msg,
		},
	})
}

// writeDomainError maps a domain sentinel to its HTTP status and wire code.
func writeDomainError(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), domain.CodeFor(err), err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrTaskNotFound), errors.Is(err, domain.ErrBatchNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrDuplicateTask):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrResourceUnsatisfiable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// validationDetail flattens validator errors into one readable line using
// wire field names.
func validationDetail(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fe.Field()+" fails "+strconv.Quote(fe.Tag()))
	}
	return strings.Join(parts, "; ")
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

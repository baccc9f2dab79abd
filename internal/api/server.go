package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"voicebridge/internal/config"
	"voicebridge/internal/jobs"
	"voicebridge/internal/models"
	"voicebridge/internal/ratelimit"
	"voicebridge/internal/telemetry"
	"voicebridge/internal/webhook"
)

// WebhookEvent is the normalized delivery handed to the subscriber once a
// webhook has cleared verification, duplicate detection, and admission.
type WebhookEvent struct {
	Source    string
	RequestID string
	ClientIP  string
	Body      []byte
}

// Server wires HTTP handlers for the ingress API.
type Server struct {
	cfg       config.Config
	auth      *webhook.Authenticator
	dedupe    *webhook.DuplicateDetector
	allowlist *webhook.Allowlist
	limits    *ratelimit.Registry
	proc      *jobs.Processor
	sink      func(ev WebhookEvent) error
	logger    *slog.Logger
}

// New constructs the API server. dedupe, allowlist, and limits may be nil
// in tests; the corresponding stage is then skipped.
func New(cfg config.Config, auth *webhook.Authenticator, dedupe *webhook.DuplicateDetector,
	allowlist *webhook.Allowlist, limits *ratelimit.Registry, proc *jobs.Processor, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:       cfg,
		auth:      auth,
		dedupe:    dedupe,
		allowlist: allowlist,
		limits:    limits,
		proc:      proc,
		logger:    logger,
	}
}

// SetSink registers the downstream consumer for accepted webhooks.
func (s *Server) SetSink(fn func(ev WebhookEvent) error) {
	s.sink = fn
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/webhooks/{source}", s.handleWebhook)
	r.Post("/jobs", s.handleSubmitJob)
	r.Get("/jobs/{id}", s.handleGetJob)
	return r
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	source := chi.URLParam(r, "source")
	clientIP := webhook.ClientIP(r)

	if s.allowlist != nil && !s.allowlist.Allowed(r) {
		telemetry.WebhookRejected.Inc()
		s.logger.Info("webhook rejected", "source", source, "reason", "ip_not_allowed", "client_ip", clientIP)
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, s.maxBody()+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	if int64(len(body)) > s.maxBody() {
		writeError(w, http.StatusRequestEntityTooLarge, "body too large")
		return
	}

	if err := s.auth.Verify(r.Context(), r, body); err != nil {
		telemetry.WebhookRejected.Inc()
		var verdict *webhook.VerdictError
		if errors.As(err, &verdict) {
			s.logger.Info("webhook rejected", "source", source, "reason", verdict.Kind, "client_ip", clientIP)
			writeError(w, verdict.Status, verdict.Kind)
			return
		}
		s.logger.Error("webhook verification error", "source", source, "error", err)
		writeError(w, http.StatusInternalServerError, "verification error")
		return
	}

	requestID := webhook.RequestID(r, body)
	if s.dedupe != nil {
		dup, err := s.dedupe.IsDuplicate(r.Context(), r, body)
		if err != nil {
			s.logger.Error("duplicate check failed", "source", source, "error", err)
			writeError(w, http.StatusInternalServerError, "duplicate check failed")
			return
		}
		if dup {
			telemetry.WebhookDuplicates.Inc()
			s.logger.Info("webhook duplicate acknowledged", "source", source, "request_id", requestID)
			writeJSON(w, http.StatusOK, map[string]any{"duplicate": true})
			return
		}
	}

	if !s.admit(w, r, "webhooks", source) {
		return
	}

	if s.sink != nil {
		ev := WebhookEvent{Source: source, RequestID: requestID, ClientIP: clientIP, Body: body}
		if err := s.sink(ev); err != nil {
			s.logger.Error("webhook sink failed", "source", source, "request_id", requestID, "error", err)
			writeError(w, http.StatusInternalServerError, "processing failed")
			return
		}
	}

	telemetry.WebhookAccepted.Inc()
	writeJSON(w, http.StatusOK, map[string]any{"accepted": true, "request_id": requestID})
}

type submitJobRequest struct {
	Type        string         `json:"type"`
	Input       map[string]any `json:"input"`
	CallbackURL *string        `json:"callback_url"`
	SessionID   *string        `json:"session_id"`
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	identifier := "anonymous"
	if req.SessionID != nil && *req.SessionID != "" {
		identifier = *req.SessionID
	}
	if !s.admit(w, r, "jobs", identifier) {
		return
	}

	id, err := s.proc.QueueJob(r.Context(), req.Type, req.Input, req.CallbackURL, req.SessionID)
	if err != nil {
		if errors.Is(err, jobs.ErrInvalidJobType) {
			writeError(w, http.StatusBadRequest, "invalid job type")
			return
		}
		s.logger.Error("job submission failed", "type", req.Type, "error", err)
		writeError(w, http.StatusInternalServerError, "submission failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id, "status": models.StatusPending})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.proc.Status(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// admit consumes one token from the named preset. On rejection it writes
// the 429 with retry metadata and returns false.
func (s *Server) admit(w http.ResponseWriter, r *http.Request, preset, identifier string) bool {
	if s.limits == nil {
		return true
	}
	limiter := s.limits.Get(preset)
	if limiter == nil {
		return true
	}
	err := limiter.Consume(r.Context(), identifier, 1)
	if err == nil {
		return true
	}

	var limErr *ratelimit.LimitError
	if errors.As(err, &limErr) {
		telemetry.RateLimitRejects.Inc()
		w.Header().Set("Retry-After", strconv.Itoa(limErr.RetryAfterSeconds()))
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limErr.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(int(limErr.Remaining)))
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":       "rate limit exceeded",
			"retry_after": limErr.RetryAfterSeconds(),
		})
		return false
	}

	s.logger.Error("rate limiter error", "preset", preset, "error", err)
	writeError(w, http.StatusInternalServerError, "rate limiter error")
	return false
}

func (s *Server) maxBody() int64 {
	if s.cfg.MaxWebhookBytes > 0 {
		return s.cfg.MaxWebhookBytes
	}
	return 1 << 20
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

// Package server exposes the orchestrator's HTTP surface: the worker's
// callback endpoints, the operator dispatch endpoint, and health.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/zjrosen/concierge/internal/domain"
	"github.com/zjrosen/concierge/internal/log"
	"github.com/zjrosen/concierge/internal/orchestrator/lifecycle"
	"github.com/zjrosen/concierge/internal/orchestrator/session"
	"github.com/zjrosen/concierge/internal/signing"
)

// Handler serves the orchestrator endpoints.
type Handler struct {
	sessions *session.Manager
	gate     *lifecycle.Gate
	verifier *signing.Verifier

	// logStream feeds the admin log tail; defaults to log.Subscribe.
	logStream func(ctx context.Context) <-chan log.LogEvent
}

// NewHandler creates the orchestrator handler.
func NewHandler(sessions *session.Manager, gate *lifecycle.Gate, verifier *signing.Verifier) *Handler {
	return &Handler{sessions: sessions, gate: gate, verifier: verifier, logStream: log.Subscribe}
}

// Routes returns the handler with all routes registered, signature
// verification included.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	// Worker callbacks
	mux.HandleFunc("POST /callback/otp-needed", h.OTPNeeded)
	mux.HandleFunc("POST /callback/credential-needed", h.CredentialNeeded)
	mux.HandleFunc("POST /callback/result", h.Result)

	// Operator surface
	mux.HandleFunc("POST /admin/dispatch", h.Dispatch)
	mux.HandleFunc("GET /admin/logs", h.Logs)

	// Health check
	mux.HandleFunc("GET /health", h.Health)

	return h.verifier.Middleware(mux)
}

// === Request/Response Types ===

// OTPNeededRequest is the worker's code-prompt callback body.
type OTPNeededRequest struct {
	JobID   string `json:"job_id"`
	Service string `json:"service"`
	Prompt  string `json:"prompt,omitempty"`
}

// CredentialNeededRequest is the worker's missing-secret callback body.
type CredentialNeededRequest struct {
	JobID          string `json:"job_id"`
	Service        string `json:"service"`
	CredentialName string `json:"credential_name"`
}

// DispatchRequest is the operator's consent-free dispatch body.
type DispatchRequest struct {
	UserNpub        string `json:"user_npub"`
	Service         string `json:"service"`
	Action          string `json:"action"`
	PlanID          string `json:"plan_id,omitempty"`
	PlanDisplayName string `json:"plan_display_name,omitempty"`
}

// DispatchResponse carries the generated job id back to the operator.
type DispatchResponse struct {
	JobID string `json:"job_id"`
}

// HealthResponse reports orchestrator liveness and gate occupancy.
type HealthResponse struct {
	Status string `json:"status"`
	Active int    `json:"active"`
	Queued int    `json:"queued"`
}

// ErrorResponse is the response body for errors.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// === Handlers ===

// OTPNeeded moves the session to AWAITING_OTP and prompts the user.
// POST /callback/otp-needed
func (h *Handler) OTPNeeded(w http.ResponseWriter, r *http.Request) {
	var req OTPNeededRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_json", "Invalid JSON body")
		return
	}
	if req.JobID == "" {
		h.writeError(w, http.StatusBadRequest, "validation_error", "job_id is required")
		return
	}

	if err := h.sessions.HandleOTPNeeded(r.Context(), req.JobID, req.Service); err != nil {
		h.writeError(w, http.StatusNotFound, "no_session", err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// CredentialNeeded moves the session to AWAITING_CREDENTIAL and prompts the
// user for the named secret.
// POST /callback/credential-needed
func (h *Handler) CredentialNeeded(w http.ResponseWriter, r *http.Request) {
	var req CredentialNeededRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_json", "Invalid JSON body")
		return
	}
	if req.JobID == "" || req.CredentialName == "" {
		h.writeError(w, http.StatusBadRequest, "validation_error", "job_id and credential_name are required")
		return
	}

	if err := h.sessions.HandleCredentialNeeded(r.Context(), req.JobID, req.Service, req.CredentialName); err != nil {
		h.writeError(w, http.StatusNotFound, "no_session", err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Result finishes a job: the gate slot is freed first so a queued job can
// start, then the state machine settles billing or failure copy.
// POST /callback/result
func (h *Handler) Result(w http.ResponseWriter, r *http.Request) {
	var report session.ResultReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_json", "Invalid JSON body")
		return
	}
	if report.JobID == "" {
		h.writeError(w, http.StatusBadRequest, "validation_error", "job_id is required")
		return
	}

	h.gate.OnJobComplete(r.Context(), report.JobID)
	if err := h.sessions.HandleResult(r.Context(), report); err != nil {
		log.ErrorErr(log.CatHTTP, "Result handling failed", err, "jobID", report.JobID)
		h.writeError(w, http.StatusInternalServerError, "result_failed", err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Dispatch runs an operator-initiated job without outreach or consent.
// POST /admin/dispatch
func (h *Handler) Dispatch(w http.ResponseWriter, r *http.Request) {
	var req DispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_json", "Invalid JSON body")
		return
	}
	if req.UserNpub == "" || req.Service == "" {
		h.writeError(w, http.StatusBadRequest, "validation_error", "user_npub and service are required")
		return
	}
	action := domain.Action(req.Action)
	if action != domain.ActionCancel && action != domain.ActionResume {
		h.writeError(w, http.StatusBadRequest, "validation_error", "action must be cancel or resume")
		return
	}

	jobID, err := h.sessions.HandleCLIDispatch(r.Context(), session.CLIDispatch{
		UserNpub:        req.UserNpub,
		ServiceID:       req.Service,
		Action:          action,
		PlanID:          req.PlanID,
		PlanDisplayName: req.PlanDisplayName,
	})
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "dispatch_failed", err.Error())
		return
	}
	h.writeJSON(w, http.StatusCreated, DispatchResponse{JobID: jobID})
}

// Logs tails the process log to the operator as server-sent events until the
// client hangs up. Entries arrive through the logger's pubsub broker, so a
// slow reader drops lines instead of stalling the loggers.
// GET /admin/logs
func (h *Handler) Logs(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "stream_unsupported", "Streaming unsupported")
		return
	}
	entries := h.logStream(r.Context())
	if entries == nil {
		h.writeError(w, http.StatusServiceUnavailable, "log_disabled", "Logging is not initialized")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, open := <-entries:
			if !open {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", strings.TrimRight(event.Payload, "\n"))
			flusher.Flush()
		}
	}
}

// Health reports liveness and gate occupancy.
// GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, HealthResponse{
		Status: "ok",
		Active: h.gate.ActiveCount(),
		Queued: h.gate.QueueLen(),
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.ErrorErr(log.CatHTTP, "Failed to encode JSON response", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, message string) {
	h.writeJSON(w, status, ErrorResponse{Error: message, Code: code})
}

// Server wraps the Handler with an http.Server for lifecycle management.
type Server struct {
	server   *http.Server
	listener net.Listener
	port     int
}

// NewServer binds the listener immediately so a ":0" address resolves to a
// real port before Start.
func NewServer(addr string, handler *Handler) (*Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	port := 0
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		port = tcpAddr.Port
	}

	return &Server{
		listener: listener,
		port:     port,
		server: &http.Server{
			Handler:           handler.Routes(),
			ReadTimeout:       30 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Start serves until the server is stopped or fails.
func (s *Server) Start() error {
	log.Info(log.CatHTTP, "Starting orchestrator server", "addr", s.listener.Addr().String())
	return s.server.Serve(s.listener)
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	log.Info(log.CatHTTP, "Stopping orchestrator server")
	return s.server.Shutdown(ctx)
}

// Port returns the bound port; useful with ":0" addresses.
func (s *Server) Port() int {
	return s.port
}

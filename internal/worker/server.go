package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/zjrosen/concierge/internal/log"
	"github.com/zjrosen/concierge/internal/signing"
	"github.com/zjrosen/concierge/internal/worker/driver"
	"github.com/zjrosen/concierge/internal/worker/gui"
	"github.com/zjrosen/concierge/internal/worker/vision"
)

// Runner runs one job to a terminal result with the given challenge bridge.
type Runner interface {
	Run(ctx context.Context, job driver.Job, callbacks driver.Callbacks) driver.Result
}

// Notifier is the orchestrator callback surface.
type Notifier interface {
	OTPNeeded(ctx context.Context, jobID, service string) error
	CredentialNeeded(ctx context.Context, jobID, service, name string) error
	ReportResult(ctx context.Context, payload resultPayload) error
}

// Config carries worker tunables.
type Config struct {
	MaxSlots         int
	ChallengeTimeout time.Duration
	DrainTimeout     time.Duration
	// Version is reported on /health so the orchestrator can tell which
	// build it is dispatching to.
	Version string
}

// DriverRunner builds a fresh driver per job around the shared GUI, screen
// and vision clients.
type DriverRunner struct {
	gui    *gui.Controller
	screen gui.Screen
	vision vision.Client
	cfg    driver.Config
}

// NewDriverRunner creates the production Runner.
func NewDriverRunner(controller *gui.Controller, screen gui.Screen, visionClient vision.Client, cfg driver.Config) *DriverRunner {
	return &DriverRunner{gui: controller, screen: screen, vision: visionClient, cfg: cfg}
}

// Run builds and runs one driver.
func (r *DriverRunner) Run(ctx context.Context, job driver.Job, callbacks driver.Callbacks) driver.Result {
	return driver.New(r.gui, r.screen, r.vision, callbacks, r.cfg).Run(ctx, job)
}

// Handler serves the worker control plane.
type Handler struct {
	registry *registry
	runner   Runner
	notifier Notifier
	verifier *signing.Verifier
	cfg      Config

	wg sync.WaitGroup
}

// NewHandler creates the worker handler.
func NewHandler(runner Runner, notifier Notifier, verifier *signing.Verifier, cfg Config) *Handler {
	if cfg.MaxSlots < 1 {
		cfg.MaxSlots = 1
	}
	if cfg.ChallengeTimeout <= 0 {
		cfg.ChallengeTimeout = 15 * time.Minute
	}
	return &Handler{
		registry: newRegistry(cfg.MaxSlots),
		runner:   runner,
		notifier: notifier,
		verifier: verifier,
		cfg:      cfg,
	}
}

// Routes returns the handler with all routes registered, signature
// verification included.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /execute", h.Execute)
	mux.HandleFunc("POST /otp", h.OTP)
	mux.HandleFunc("POST /credential", h.Credential)
	mux.HandleFunc("POST /abort", h.Abort)
	mux.HandleFunc("GET /health", h.Health)
	return h.verifier.Middleware(mux)
}

// === Request/Response Types ===

// ExecuteRequest is the dispatch payload from the orchestrator.
type ExecuteRequest struct {
	JobID           string            `json:"job_id"`
	Service         string            `json:"service"`
	Action          string            `json:"action"`
	Credentials     map[string]string `json:"credentials"`
	PlanID          string            `json:"plan_id,omitempty"`
	PlanDisplayName string            `json:"plan_display_name,omitempty"`
	UserNpub        string            `json:"user_npub,omitempty"`
}

// OTPRequest relays a user-supplied code.
type OTPRequest struct {
	JobID string `json:"job_id"`
	Code  string `json:"code"`
}

// CredentialRequest relays a user-supplied named secret.
type CredentialRequest struct {
	JobID          string `json:"job_id"`
	CredentialName string `json:"credential_name"`
	Value          string `json:"value"`
}

// AbortRequest cancels a running job.
type AbortRequest struct {
	JobID string `json:"job_id"`
}

// HealthResponse reports slot occupancy and the running build.
type HealthResponse struct {
	Status         string           `json:"status"`
	Version        string           `json:"version"`
	Slots          int              `json:"slots"`
	SlotsAvailable int              `json:"slots_available"`
	MaxSlots       int              `json:"max_slots"`
	ActiveJobs     []ActiveJobBrief `json:"active_jobs"`
}

// ActiveJobBrief summarizes one running job.
type ActiveJobBrief struct {
	JobID          string  `json:"job_id"`
	Service        string  `json:"service"`
	Action         string  `json:"action"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
}

// ErrorResponse is the response body for errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// === Handlers ===

// Execute accepts a job if its id is new and a slot is free, spawns the
// driver in the background, and returns immediately.
// POST /execute
func (h *Handler) Execute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.JobID == "" || req.Service == "" {
		h.writeError(w, http.StatusBadRequest, "job_id and service are required")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	active := &ActiveJob{
		JobID:     req.JobID,
		Service:   req.Service,
		Action:    req.Action,
		StartedAt: time.Now(),
		cancel:    cancel,
	}
	if err := h.registry.add(active); err != nil {
		cancel()
		log.Warn(log.CatWorker, "Refusing job", "jobID", req.JobID, "reason", err.Error())
		h.writeError(w, http.StatusConflict, err.Error())
		return
	}

	creds := make(map[string][]byte, len(req.Credentials))
	for name, value := range req.Credentials {
		creds[name] = []byte(value)
	}

	h.wg.Add(1)
	go h.run(ctx, active, driver.Job{
		JobID:       req.JobID,
		Service:     req.Service,
		Action:      req.Action,
		Credentials: creds,
	})

	log.Info(log.CatWorker, "Job accepted", "jobID", req.JobID, "service", req.Service,
		"slots", h.registry.count(), "maxSlots", h.cfg.MaxSlots)
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

// run drives the job and reports the result. Nothing here re-raises: a
// panic or a failed report still frees the slot.
func (h *Handler) run(ctx context.Context, active *ActiveJob, job driver.Job) {
	defer h.wg.Done()
	defer h.registry.remove(job.JobID)
	defer func() {
		if rec := recover(); rec != nil {
			log.Error(log.CatWorker, "Driver panicked", "jobID", job.JobID, "panic", rec)
			h.report(resultPayload{
				JobID:     job.JobID,
				ErrorCode: driver.ErrCodeAutomation,
				Error:     fmt.Sprintf("driver panic: %v", rec),
			})
		}
	}()

	bridge := &challengeBridge{job: active, notifier: h.notifier, timeout: h.cfg.ChallengeTimeout}
	result := h.runner.Run(ctx, job, bridge)

	h.report(resultPayload{
		JobID:           job.JobID,
		Success:         result.Success,
		AccessEndDate:   result.AccessEndDate,
		Error:           result.Error,
		ErrorCode:       result.ErrorCode,
		DurationSeconds: time.Since(active.StartedAt).Seconds(),
		Stats:           result.Stats,
	})
}

func (h *Handler) report(payload resultPayload) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := h.notifier.ReportResult(ctx, payload); err != nil {
		log.ErrorErr(log.CatWorker, "Failed to report result", err, "jobID", payload.JobID)
	}
}

// OTP fulfills the pending code future. The code is never stored or logged.
// POST /otp
func (h *Handler) OTP(w http.ResponseWriter, r *http.Request) {
	var req OTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	job, ok := h.registry.get(req.JobID)
	if !ok {
		h.writeError(w, http.StatusNotFound, "no such active job")
		return
	}
	if !job.FulfillOTP(req.Code) {
		log.Warn(log.CatWorker, "Code arrived with no pending prompt", "jobID", req.JobID)
		h.writeError(w, http.StatusNotFound, "no pending code prompt")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Credential fulfills the pending named-secret future.
// POST /credential
func (h *Handler) Credential(w http.ResponseWriter, r *http.Request) {
	var req CredentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	job, ok := h.registry.get(req.JobID)
	if !ok {
		h.writeError(w, http.StatusNotFound, "no such active job")
		return
	}
	if !job.FulfillCredential(req.CredentialName, req.Value) {
		log.Warn(log.CatWorker, "Credential arrived with no pending prompt",
			"jobID", req.JobID, "name", req.CredentialName)
		h.writeError(w, http.StatusNotFound, "no pending credential prompt")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Abort cancels a running job's driver context. The driver is expected to
// propagate cancellation promptly and still report a result.
// POST /abort
func (h *Handler) Abort(w http.ResponseWriter, r *http.Request) {
	var req AbortRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	job, ok := h.registry.get(req.JobID)
	if !ok {
		h.writeError(w, http.StatusNotFound, "no such active job")
		return
	}
	job.Abort()
	log.Info(log.CatWorker, "Job aborted", "jobID", req.JobID)
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "aborting"})
}

// Health reports slot occupancy and per-job elapsed time.
// GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	active := h.registry.list()
	briefs := make([]ActiveJobBrief, 0, len(active))
	for _, job := range active {
		briefs = append(briefs, ActiveJobBrief{
			JobID:          job.JobID,
			Service:        job.Service,
			Action:         job.Action,
			ElapsedSeconds: time.Since(job.StartedAt).Seconds(),
		})
	}
	h.writeJSON(w, http.StatusOK, HealthResponse{
		Status:         "ok",
		Version:        h.cfg.Version,
		Slots:          len(briefs),
		SlotsAvailable: h.cfg.MaxSlots - len(briefs),
		MaxSlots:       h.cfg.MaxSlots,
		ActiveJobs:     briefs,
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.ErrorErr(log.CatWorker, "Failed to encode JSON response", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, ErrorResponse{Error: message})
}

// Drain waits for running jobs to finish, aborting whatever remains at the
// deadline and waiting for those aborts to land.
func (h *Handler) Drain(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return
	case <-time.After(timeout):
	}

	for _, job := range h.registry.list() {
		log.Warn(log.CatWorker, "Aborting job at drain deadline", "jobID", job.JobID)
		job.Abort()
	}
	<-done
}

// challengeBridge implements driver.Callbacks over the future slots and the
// orchestrator notifier.
type challengeBridge struct {
	job      *ActiveJob
	notifier Notifier
	timeout  time.Duration
}

// OTPNeeded installs the code future, tells the orchestrator, and blocks.
func (b *challengeBridge) OTPNeeded(ctx context.Context, jobID, service string) (string, error) {
	future := b.job.ExpectOTP()
	if err := b.notifier.OTPNeeded(ctx, jobID, service); err != nil {
		return "", fmt.Errorf("notifying orchestrator: %w", err)
	}
	return future.Wait(ctx, b.timeout)
}

// CredentialNeeded installs the named future, tells the orchestrator, and
// blocks.
func (b *challengeBridge) CredentialNeeded(ctx context.Context, jobID, service, name string) (string, error) {
	future := b.job.ExpectCredential(name)
	if err := b.notifier.CredentialNeeded(ctx, jobID, service, name); err != nil {
		return "", fmt.Errorf("notifying orchestrator: %w", err)
	}
	return future.Wait(ctx, b.timeout)
}

// Server wraps the Handler with an http.Server for lifecycle management.
type Server struct {
	handler  *Handler
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
		handler:  handler,
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
	log.Info(log.CatWorker, "Starting worker server", "addr", s.listener.Addr().String())
	return s.server.Serve(s.listener)
}

// Stop shuts down the listener, then drains running jobs.
func (s *Server) Stop(ctx context.Context) error {
	log.Info(log.CatWorker, "Stopping worker server")
	err := s.server.Shutdown(ctx)
	s.handler.Drain(s.handler.cfg.DrainTimeout)
	return err
}

// Port returns the bound port; useful with ":0" addresses.
func (s *Server) Port() int {
	return s.port
}

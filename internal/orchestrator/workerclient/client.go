// Package workerclient is the orchestrator's signed RPC client for the
// automation worker's control endpoints.
package workerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/zjrosen/concierge/internal/signing"
	"github.com/zjrosen/concierge/internal/tracing"
)

// ErrWorkerBusy is returned when the worker refuses an execute: either the
// job id is already active or every slot is taken.
var ErrWorkerBusy = fmt.Errorf("worker refused job: busy or duplicate")

// ErrNoPendingPrompt is returned when the worker has no outstanding OTP or
// credential future for the job.
var ErrNoPendingPrompt = fmt.Errorf("worker has no pending prompt for job")

// ExecuteRequest is the dispatch payload.
type ExecuteRequest struct {
	JobID           string            `json:"job_id"`
	Service         string            `json:"service"`
	Action          string            `json:"action"`
	Credentials     map[string]string `json:"credentials"`
	PlanID          string            `json:"plan_id,omitempty"`
	PlanDisplayName string            `json:"plan_display_name,omitempty"`
	UserNpub        string            `json:"user_npub,omitempty"`
}

// HealthStatus is the worker's health report.
type HealthStatus struct {
	Status     string           `json:"status"`
	Slots      int              `json:"slots"`
	MaxSlots   int              `json:"max_slots"`
	ActiveJobs []ActiveJobBrief `json:"active_jobs"`
}

// ActiveJobBrief summarizes one running job for the health surface.
type ActiveJobBrief struct {
	JobID          string  `json:"job_id"`
	Service        string  `json:"service"`
	Action         string  `json:"action"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
}

// Client calls the worker's signed control endpoints.
type Client struct {
	baseURL string
	http    *http.Client
	signer  *signing.Signer
}

// New creates a worker client.
func New(baseURL, hmacSecret string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		signer:  signing.NewSigner(hmacSecret),
	}
}

// Execute dispatches a job. Returns ErrWorkerBusy on a 409.
func (c *Client) Execute(ctx context.Context, req ExecuteRequest) (err error) {
	ctx, span := tracing.Start(ctx, tracing.SpanPrefixWorker+"execute",
		attribute.String(tracing.AttrJobID, req.JobID),
		attribute.String(tracing.AttrJobService, req.Service),
		attribute.String(tracing.AttrJobAction, req.Action))
	defer func() { tracing.End(span, err) }()

	code, err := c.post(ctx, "/execute", req)
	if err != nil {
		return err
	}
	switch code {
	case http.StatusOK:
		return nil
	case http.StatusConflict:
		return ErrWorkerBusy
	default:
		return fmt.Errorf("worker execute returned %d", code)
	}
}

// SendOTP relays a user-supplied code. Returns ErrNoPendingPrompt on a 404.
func (c *Client) SendOTP(ctx context.Context, jobID, code string) error {
	status, err := c.post(ctx, "/otp", map[string]string{"job_id": jobID, "code": code})
	if err != nil {
		return err
	}
	switch status {
	case http.StatusOK:
		return nil
	case http.StatusNotFound:
		return ErrNoPendingPrompt
	default:
		return fmt.Errorf("worker otp returned %d", status)
	}
}

// SendCredential relays a user-supplied named secret. Returns
// ErrNoPendingPrompt on a 404.
func (c *Client) SendCredential(ctx context.Context, jobID, name, value string) error {
	status, err := c.post(ctx, "/credential", map[string]string{
		"job_id":          jobID,
		"credential_name": name,
		"value":           value,
	})
	if err != nil {
		return err
	}
	switch status {
	case http.StatusOK:
		return nil
	case http.StatusNotFound:
		return ErrNoPendingPrompt
	default:
		return fmt.Errorf("worker credential returned %d", status)
	}
}

// Abort cancels a running job. A 404 is not an error: the job already
// finished or was never dispatched.
func (c *Client) Abort(ctx context.Context, jobID string) error {
	status, err := c.post(ctx, "/abort", map[string]string{"job_id": jobID})
	if err != nil {
		return err
	}
	if status != http.StatusOK && status != http.StatusNotFound {
		return fmt.Errorf("worker abort returned %d", status)
	}
	return nil
}

// Health fetches the worker's health report.
func (c *Client) Health(ctx context.Context) (HealthStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return HealthStatus{}, fmt.Errorf("building health request: %w", err)
	}
	if err := c.signer.Sign(req, nil); err != nil {
		return HealthStatus{}, fmt.Errorf("signing health request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return HealthStatus{}, fmt.Errorf("fetching worker health: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return HealthStatus{}, fmt.Errorf("worker health returned %d", resp.StatusCode)
	}

	var health HealthStatus
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&health); err != nil {
		return HealthStatus{}, fmt.Errorf("decoding worker health: %w", err)
	}
	return health, nil
}

// post sends one signed JSON request and returns the status code. Transport
// failures are errors; HTTP error statuses are for the caller to interpret.
func (c *Client) post(ctx context.Context, path string, payload any) (int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := c.signer.Sign(req, body); err != nil {
		return 0, fmt.Errorf("signing request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("calling worker %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	return resp.StatusCode, nil
}

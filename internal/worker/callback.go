package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/zjrosen/concierge/internal/signing"
)

// CallbackClient posts challenge prompts and results to the orchestrator.
type CallbackClient struct {
	baseURL string
	http    *http.Client
	signer  *signing.Signer
}

// NewCallbackClient creates the orchestrator callback client.
func NewCallbackClient(baseURL, hmacSecret string, timeout time.Duration) *CallbackClient {
	return &CallbackClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		signer:  signing.NewSigner(hmacSecret),
	}
}

// OTPNeeded tells the orchestrator a code prompt is on screen.
func (c *CallbackClient) OTPNeeded(ctx context.Context, jobID, service string) error {
	return c.post(ctx, "/callback/otp-needed", map[string]string{
		"job_id":  jobID,
		"service": service,
	})
}

// CredentialNeeded tells the orchestrator a named secret is missing.
func (c *CallbackClient) CredentialNeeded(ctx context.Context, jobID, service, name string) error {
	return c.post(ctx, "/callback/credential-needed", map[string]string{
		"job_id":          jobID,
		"service":         service,
		"credential_name": name,
	})
}

// resultPayload is the completion report body.
type resultPayload struct {
	JobID           string  `json:"job_id"`
	Success         bool    `json:"success"`
	AccessEndDate   string  `json:"access_end_date,omitempty"`
	Error           string  `json:"error,omitempty"`
	ErrorCode       string  `json:"error_code,omitempty"`
	DurationSeconds float64 `json:"duration_seconds"`
	Stats           any     `json:"stats,omitempty"`
}

// ReportResult posts the terminal report for a job.
func (c *CallbackClient) ReportResult(ctx context.Context, payload resultPayload) error {
	return c.post(ctx, "/callback/result", payload)
}

func (c *CallbackClient) post(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding callback: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := c.signer.Sign(req, body); err != nil {
		return fmt.Errorf("signing callback: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("posting callback %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("callback %s returned %d", path, resp.StatusCode)
	}
	return nil
}

// Package upstream is the orchestrator's client for the coordinator: the
// signed RPC surface (poll, claim, status, credentials, invoices) and the
// websocket push listener for payment and invite events.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/zjrosen/concierge/internal/domain"
	"github.com/zjrosen/concierge/internal/log"
	"github.com/zjrosen/concierge/internal/signing"
	"github.com/zjrosen/concierge/internal/tracing"
)

// retryAttempts is how many times transient failures are retried before the
// error is surfaced. The delay doubles between attempts.
const (
	retryAttempts  = 3
	retryBaseDelay = 250 * time.Millisecond
)

// Client talks to the upstream coordinator. All state-changing calls are
// signed; transient failures retry with a doubling delay.
type Client struct {
	baseURL string
	http    *http.Client
	signer  *signing.Signer
}

// NewClient creates a coordinator client.
func NewClient(baseURL, hmacSecret string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		signer:  signing.NewSigner(hmacSecret),
	}
}

// PendingJobs fetches the jobs assigned to this orchestrator that have not
// been claimed yet.
func (c *Client) PendingJobs(ctx context.Context) ([]PendingJob, error) {
	var jobs []PendingJob
	if err := c.do(ctx, http.MethodGet, "/api/jobs/pending", nil, &jobs); err != nil {
		return nil, fmt.Errorf("fetching pending jobs: %w", err)
	}
	return jobs, nil
}

// Claim submits the full pending list and returns which ids the coordinator
// granted. Claiming an already-claimed job is a no-op on both sides.
func (c *Client) Claim(ctx context.Context, jobIDs []string) (ClaimResult, error) {
	var result ClaimResult
	payload := map[string]any{"job_ids": jobIDs}
	if err := c.do(ctx, http.MethodPost, "/api/jobs/claim", payload, &result); err != nil {
		return ClaimResult{}, fmt.Errorf("claiming jobs: %w", err)
	}
	return result, nil
}

// UpdateJobStatus reports a local status transition. A 409 means the
// coordinator holds a terminal status and refuses the transition; callers
// must treat that as authoritative.
func (c *Client) UpdateJobStatus(ctx context.Context, jobID string, status domain.JobStatus) error {
	payload := map[string]any{"status": string(status)}
	err := c.do(ctx, http.MethodPatch, "/api/jobs/"+jobID+"/status", payload, nil)
	if err != nil {
		var httpErr *httpStatusError
		if errors.As(err, &httpErr) && httpErr.code == http.StatusConflict {
			return &StatusRejectedError{JobID: jobID, Status: status, Detail: httpErr.body}
		}
		return fmt.Errorf("updating job %s status: %w", jobID, err)
	}
	return nil
}

// GetUser fetches a user's coordinator record, debt total included.
func (c *Client) GetUser(ctx context.Context, npub string) (UserInfo, error) {
	var info UserInfo
	if err := c.do(ctx, http.MethodGet, "/api/users/"+npub, nil, &info); err != nil {
		return UserInfo{}, fmt.Errorf("fetching user %s: %w", npub, err)
	}
	return info, nil
}

// GetCredentials fetches the sealed credential bundle for a user and service.
func (c *Client) GetCredentials(ctx context.Context, npub, serviceID string) (SealedCredentials, error) {
	var creds SealedCredentials
	path := "/api/credentials/" + npub + "/" + serviceID
	if err := c.do(ctx, http.MethodGet, path, nil, &creds); err != nil {
		return SealedCredentials{}, fmt.Errorf("fetching credentials for %s/%s: %w", npub, serviceID, err)
	}
	return creds, nil
}

// CreateInvoice asks the coordinator to issue a payment request for a
// completed job.
func (c *Client) CreateInvoice(ctx context.Context, jobID string, amountSats int64) (Invoice, error) {
	var inv Invoice
	payload := map[string]any{"amount_sats": amountSats}
	if err := c.do(ctx, http.MethodPost, "/api/jobs/"+jobID+"/invoice", payload, &inv); err != nil {
		return Invoice{}, fmt.Errorf("creating invoice for job %s: %w", jobID, err)
	}
	return inv, nil
}

// PostActionLog reports the execution record for a finished job. Callers on
// the session path run this in a goroutine; a lost action log never blocks
// or fails the session.
func (c *Client) PostActionLog(ctx context.Context, entry ActionLog) error {
	if err := c.do(ctx, http.MethodPost, "/api/jobs/"+entry.JobID+"/action_log", entry, nil); err != nil {
		return fmt.Errorf("posting action log for job %s: %w", entry.JobID, err)
	}
	return nil
}

// httpStatusError carries a non-2xx response through the retry loop.
type httpStatusError struct {
	code int
	body string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("upstream returned %d: %s", e.code, e.body)
}

// do runs one signed request with retries. 4xx responses are not retried;
// network errors and 5xx are.
func (c *Client) do(ctx context.Context, method, path string, payload, out any) (err error) {
	ctx, span := tracing.Start(ctx, tracing.SpanPrefixUpstream+method,
		attribute.String(tracing.AttrUpstreamMethod, method),
		attribute.String(tracing.AttrUpstreamPath, path))
	defer func() { tracing.End(span, err) }()

	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
	}

	var lastErr error
	delay := retryBaseDelay
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			log.Debug(log.CatUpstream, "Retrying request", "method", method, "path", path, "attempt", attempt)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		err := c.once(ctx, method, path, body, out)
		if err == nil {
			return nil
		}
		var httpErr *httpStatusError
		if errors.As(err, &httpErr) && httpErr.code < 500 {
			return err
		}
		lastErr = err
	}
	return lastErr
}

func (c *Client) once(ctx context.Context, method, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	// Request ids correlate retries of the same logical call in the
	// coordinator's logs; each attempt gets a fresh one.
	req.Header.Set("X-Request-Id", uuid.NewString())
	if err := c.signer.Sign(req, body); err != nil {
		return fmt.Errorf("signing request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &httpStatusError{code: resp.StatusCode, body: strings.TrimSpace(string(respBody))}
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

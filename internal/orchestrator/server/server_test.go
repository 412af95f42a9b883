package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/concierge/internal/domain"
	"github.com/zjrosen/concierge/internal/infrastructure/sqlite"
	"github.com/zjrosen/concierge/internal/log"
	"github.com/zjrosen/concierge/internal/messaging"
	"github.com/zjrosen/concierge/internal/orchestrator/lifecycle"
	"github.com/zjrosen/concierge/internal/orchestrator/session"
	"github.com/zjrosen/concierge/internal/orchestrator/workerclient"
	"github.com/zjrosen/concierge/internal/signing"
	"github.com/zjrosen/concierge/internal/testutil"
	"github.com/zjrosen/concierge/internal/upstream"
)

const testSecret = "orchestrator-test-secret"

type fakeCoordinator struct{}

func (fakeCoordinator) UpdateJobStatus(context.Context, string, domain.JobStatus) error { return nil }

func (fakeCoordinator) GetUser(_ context.Context, npub string) (upstream.UserInfo, error) {
	return upstream.UserInfo{Npub: npub}, nil
}

func (fakeCoordinator) GetCredentials(_ context.Context, npub, serviceID string) (upstream.SealedCredentials, error) {
	return upstream.SealedCredentials{Npub: npub, ServiceID: serviceID, Sealed: "sealed"}, nil
}

func (fakeCoordinator) CreateInvoice(_ context.Context, jobID string, amountSats int64) (upstream.Invoice, error) {
	return upstream.Invoice{InvoiceID: "inv-" + jobID, AmountSats: amountSats, Bolt11: "lnbc1ptest"}, nil
}

func (fakeCoordinator) PostActionLog(context.Context, upstream.ActionLog) error { return nil }

type fakeWorkerGateway struct{}

func (fakeWorkerGateway) SendOTP(context.Context, string, string) error            { return nil }
func (fakeWorkerGateway) SendCredential(context.Context, string, string, string) error { return nil }
func (fakeWorkerGateway) Abort(context.Context, string) error                      { return nil }

type fakeWorkerDispatch struct {
	mu       sync.Mutex
	executed []string
}

func (w *fakeWorkerDispatch) Execute(_ context.Context, req workerclient.ExecuteRequest) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.executed = append(w.executed, req.JobID)
	return nil
}

type fakeUnsealer struct{}

func (fakeUnsealer) Unseal(string) (map[string]string, error) {
	return map[string]string{"email": "u@example.com", "password": "pw"}, nil
}

type nullTransport struct{}

func (nullTransport) SendDM(context.Context, string, string) error { return nil }

type fixture struct {
	srv     *httptest.Server
	handler *Handler
	db      *sqlite.DB
	gate    *lifecycle.Gate
	worker  *fakeWorkerDispatch
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewTestDB(t)
	worker := &fakeWorkerDispatch{}
	gate := lifecycle.NewGate(worker, db.Jobs(), 2)

	catalog, err := messaging.LoadCatalog()
	require.NoError(t, err)
	sender := messaging.NewDMSender(nullTransport{}, db.Messages(), "npub-operator")

	sessions := session.NewManager(db, fakeCoordinator{}, fakeWorkerGateway{}, gate,
		fakeUnsealer{}, sender, catalog, nil,
		session.Config{
			OTPTimeout:     10 * time.Minute,
			PaymentTimeout: 24 * time.Hour,
			PriceSats:      2500,
		})

	handler := NewHandler(sessions, gate, signing.NewVerifier(testSecret))
	srv := httptest.NewServer(handler.Routes())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, handler: handler, db: db, gate: gate, worker: worker}
}

func signedRequest(t *testing.T, method, url, path string, payload any) *http.Response {
	t.Helper()
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		require.NoError(t, err)
	}

	req, err := http.NewRequest(method, url+path, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	require.NoError(t, signing.NewSigner(testSecret).Sign(req, body))

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestDispatchCreatesAndRunsJob(t *testing.T) {
	f := newFixture(t)

	resp := signedRequest(t, http.MethodPost, f.srv.URL, "/admin/dispatch", DispatchRequest{
		UserNpub: "npub-alice",
		Service:  "netflix",
		Action:   "cancel",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var out DispatchResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Contains(t, out.JobID, "cli-")

	job, err := f.db.Jobs().Get(out.JobID)
	require.NoError(t, err)
	require.Equal(t, domain.TriggerCLI, job.Trigger)
	require.Equal(t, domain.StatusActive, job.Status)
	require.Equal(t, []string{out.JobID}, f.worker.executed)
	require.Equal(t, 1, f.gate.ActiveCount())
}

func TestDispatchValidatesAction(t *testing.T) {
	f := newFixture(t)

	resp := signedRequest(t, http.MethodPost, f.srv.URL, "/admin/dispatch", DispatchRequest{
		UserNpub: "npub-alice",
		Service:  "netflix",
		Action:   "upgrade",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var errResp ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&errResp))
	require.Equal(t, "validation_error", errResp.Code)
}

func TestOTPNeededWithoutSessionIs404(t *testing.T) {
	f := newFixture(t)

	resp := signedRequest(t, http.MethodPost, f.srv.URL, "/callback/otp-needed", OTPNeededRequest{
		JobID:   "ghost",
		Service: "netflix",
	})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestResultFreesGateSlot(t *testing.T) {
	f := newFixture(t)

	resp := signedRequest(t, http.MethodPost, f.srv.URL, "/admin/dispatch", DispatchRequest{
		UserNpub: "npub-alice",
		Service:  "netflix",
		Action:   "cancel",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var out DispatchResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Equal(t, 1, f.gate.ActiveCount())

	resp = signedRequest(t, http.MethodPost, f.srv.URL, "/callback/result", session.ResultReport{
		JobID:   out.JobID,
		Success: true,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Equal(t, 0, f.gate.ActiveCount())
	job, err := f.db.Jobs().Get(out.JobID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompletedPaid, job.Status)
}

func TestHealthReportsGateOccupancy(t *testing.T) {
	f := newFixture(t)

	resp := signedRequest(t, http.MethodGet, f.srv.URL, "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	require.Equal(t, "ok", health.Status)
	require.Equal(t, 0, health.Active)
}

func TestAdminLogsStreamsEntries(t *testing.T) {
	f := newFixture(t)
	entries := make(chan log.LogEvent, 4)
	f.handler.logStream = func(context.Context) <-chan log.LogEvent { return entries }
	entries <- log.LogEvent{Payload: "2026-08-24T10:00:00 [INFO] [lifecycle] Job claimed jobID=j1\n"}
	close(entries)

	resp := signedRequest(t, http.MethodGet, f.srv.URL, "/admin/logs", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body),
		"data: 2026-08-24T10:00:00 [INFO] [lifecycle] Job claimed jobID=j1\n\n")
}

func TestAdminLogsUnavailableWithoutLogger(t *testing.T) {
	f := newFixture(t)
	f.handler.logStream = func(context.Context) <-chan log.LogEvent { return nil }

	resp := signedRequest(t, http.MethodGet, f.srv.URL, "/admin/logs", nil)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestUnsignedRequestRejected(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Post(f.srv.URL+"/admin/dispatch", "application/json", bytes.NewReader([]byte(`{}`)))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

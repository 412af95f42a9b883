// End-to-end scenarios driving the real conversation state machine,
// lifecycle manager, dispatch gate, and timer queue against a migrated
// database. The coordinator, the worker, and the messaging transport are
// scripted; credentials travel through the real sealing crypto.
package orchestrator

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/concierge/internal/credentials"
	"github.com/zjrosen/concierge/internal/domain"
	"github.com/zjrosen/concierge/internal/infrastructure/sqlite"
	"github.com/zjrosen/concierge/internal/messaging"
	"github.com/zjrosen/concierge/internal/orchestrator/lifecycle"
	"github.com/zjrosen/concierge/internal/orchestrator/session"
	"github.com/zjrosen/concierge/internal/orchestrator/timerqueue"
	"github.com/zjrosen/concierge/internal/orchestrator/workerclient"
	"github.com/zjrosen/concierge/internal/testutil"
	"github.com/zjrosen/concierge/internal/upstream"
)

const (
	aliceNpub    = "npub-alice"
	bobNpub      = "npub-bob"
	operatorNpub = "npub-operator"
)

var sealKey = strings.Repeat("5c", 32)

// === Scripted collaborators ===

type scriptedCoordinator struct {
	mu      sync.Mutex
	pending []upstream.PendingJob
	users   map[string]upstream.UserInfo
	sealed  string
	invoice upstream.Invoice
	updates []string // jobID:status

	actionLogs chan upstream.ActionLog
}

func newScriptedCoordinator() *scriptedCoordinator {
	return &scriptedCoordinator{
		users:      make(map[string]upstream.UserInfo),
		invoice:    upstream.Invoice{InvoiceID: "inv-j1", AmountSats: 3000, Bolt11: "lnbc30u1pscenario"},
		actionLogs: make(chan upstream.ActionLog, 8),
	}
}

func (c *scriptedCoordinator) PendingJobs(context.Context) ([]upstream.PendingJob, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending, nil
}

func (c *scriptedCoordinator) Claim(_ context.Context, jobIDs []string) (upstream.ClaimResult, error) {
	return upstream.ClaimResult{Claimed: jobIDs}, nil
}

func (c *scriptedCoordinator) UpdateJobStatus(_ context.Context, jobID string, status domain.JobStatus) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updates = append(c.updates, jobID+":"+string(status))
	return nil
}

func (c *scriptedCoordinator) GetUser(_ context.Context, npub string) (upstream.UserInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.users[npub], nil
}

func (c *scriptedCoordinator) GetCredentials(_ context.Context, npub, serviceID string) (upstream.SealedCredentials, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return upstream.SealedCredentials{Npub: npub, ServiceID: serviceID, Sealed: c.sealed}, nil
}

func (c *scriptedCoordinator) CreateInvoice(context.Context, string, int64) (upstream.Invoice, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.invoice, nil
}

func (c *scriptedCoordinator) PostActionLog(_ context.Context, entry upstream.ActionLog) error {
	c.actionLogs <- entry
	return nil
}

func (c *scriptedCoordinator) setUser(npub string, info upstream.UserInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.users[npub] = info
}

func (c *scriptedCoordinator) statuses(jobID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	prefix := jobID + ":"
	for _, u := range c.updates {
		if strings.HasPrefix(u, prefix) {
			out = append(out, strings.TrimPrefix(u, prefix))
		}
	}
	return out
}

// scriptedWorker stands in for the automation worker on both sides: the
// gate's dispatch call and the state machine's challenge relay.
type scriptedWorker struct {
	mu       sync.Mutex
	executes []workerclient.ExecuteRequest
	otps     []string // jobID:code
	creds    []string // jobID:name:value
	aborts   []string
}

func (w *scriptedWorker) Execute(_ context.Context, req workerclient.ExecuteRequest) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.executes = append(w.executes, req)
	return nil
}

func (w *scriptedWorker) SendOTP(_ context.Context, jobID, code string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.otps = append(w.otps, jobID+":"+code)
	return nil
}

func (w *scriptedWorker) SendCredential(_ context.Context, jobID, name, value string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.creds = append(w.creds, jobID+":"+name+":"+value)
	return nil
}

func (w *scriptedWorker) Abort(_ context.Context, jobID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.aborts = append(w.aborts, jobID)
	return nil
}

func (w *scriptedWorker) executeCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.executes)
}

func (w *scriptedWorker) executedJobs() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []string
	for _, req := range w.executes {
		out = append(out, req.JobID)
	}
	return out
}

type sentDM struct{ npub, body string }

type recordingTransport struct {
	mu   sync.Mutex
	sent []sentDM
}

func (rt *recordingTransport) SendDM(_ context.Context, npub, body string) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.sent = append(rt.sent, sentDM{npub, body})
	return nil
}

func (rt *recordingTransport) to(npub string) []string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	var out []string
	for _, dm := range rt.sent {
		if dm.npub == npub {
			out = append(out, dm.body)
		}
	}
	return out
}

func (rt *recordingTransport) count() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.sent)
}

// testClock is a movable clock whose interval timers never fire; loops are
// driven by calling the pass methods directly.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(now time.Time) *testClock { return &testClock{now: now} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *testClock) NewTimer(time.Duration) timerqueue.Timer { return stoppedTimer{} }

type stoppedTimer struct{}

func (stoppedTimer) Stop() bool          { return true }
func (stoppedTimer) C() <-chan time.Time { return make(chan time.Time) }

// === Harness ===

var scenarioStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	db          *sqlite.DB
	clock       *testClock
	coordinator *scriptedCoordinator
	worker      *scriptedWorker
	transport   *recordingTransport
	gate        *lifecycle.Gate
	sessions    *session.Manager
	jobs        *lifecycle.Manager
	timers      *timerqueue.Runner
}

func newHarness(t *testing.T, workerSlots int) *harness {
	t.Helper()

	db := testutil.NewTestDB(t)
	clock := newTestClock(scenarioStart)
	coordinator := newScriptedCoordinator()
	worker := &scriptedWorker{}
	transport := &recordingTransport{}

	sealed, err := credentials.Seal(
		map[string]string{"email": "alice@example.com", "password": "hunter2"},
		sealKey, [24]byte{1})
	require.NoError(t, err)
	coordinator.sealed = sealed

	unsealer, err := credentials.NewUnsealer(sealKey)
	require.NoError(t, err)

	catalog, err := messaging.LoadCatalog()
	require.NoError(t, err)
	sender := messaging.NewDMSender(transport, db.Messages(), operatorNpub)

	gate := lifecycle.NewGate(worker, db.Jobs(), workerSlots)
	sessions := session.NewManager(db, coordinator, worker, gate, unsealer, sender, catalog, clock,
		session.Config{
			OTPTimeout:       10 * time.Minute,
			PaymentTimeout:   24 * time.Hour,
			OutreachInterval: 24 * time.Hour,
			PriceSats:        3000,
		})
	jobs := lifecycle.NewManager(db, coordinator, sessions, gate, sender, catalog, clock,
		lifecycle.Config{
			PollInterval:      30 * time.Second,
			ReconcileInterval: time.Minute,
			OutreachInterval:  24 * time.Hour,
			RetentionWindow:   30 * 24 * time.Hour,
		})

	timers := timerqueue.NewRunner(db.Timers(), clock, 0)
	timers.Register(domain.TimerOutreach, jobs.HandleOutreachTimer)
	timers.Register(domain.TimerLastChance, jobs.HandleLastChanceTimer)
	timers.Register(domain.TimerImpliedSkip, jobs.HandleImpliedSkipTimer)
	timers.Register(domain.TimerOTPTimeout, func(ctx context.Context, timer *domain.Timer) {
		sessions.HandleOTPTimeout(ctx, timer.TargetID)
	})
	timers.Register(domain.TimerPaymentExpiry, func(ctx context.Context, timer *domain.Timer) {
		sessions.HandlePaymentExpired(ctx, timer.TargetID)
	})

	return &harness{
		db:          db,
		clock:       clock,
		coordinator: coordinator,
		worker:      worker,
		transport:   transport,
		gate:        gate,
		sessions:    sessions,
		jobs:        jobs,
		timers:      timers,
	}
}

func (h *harness) inbound(npub, body string) {
	h.sessions.HandleInbound(context.Background(), npub, body)
}

// completeJob mirrors the HTTP result callback: the gate slot is freed
// before the state machine processes the report.
func (h *harness) completeJob(report session.ResultReport) error {
	ctx := context.Background()
	h.gate.OnJobComplete(ctx, report.JobID)
	return h.sessions.HandleResult(ctx, report)
}

func (h *harness) jobStatus(t *testing.T, id string) domain.JobStatus {
	t.Helper()
	job, err := h.db.Jobs().Get(id)
	require.NoError(t, err)
	return job.Status
}

func (h *harness) sessionState(t *testing.T, npub string) domain.SessionState {
	t.Helper()
	sess, err := h.db.Sessions().Get(npub)
	require.NoError(t, err)
	return sess.State
}

func (h *harness) sessionGone(t *testing.T, npub string) {
	t.Helper()
	_, err := h.db.Sessions().Get(npub)
	require.Error(t, err)
}

func (h *harness) pendingTimers(t *testing.T, jobID string) map[domain.TimerType]time.Time {
	t.Helper()
	timers, err := h.db.Timers().PendingForTarget(jobID)
	require.NoError(t, err)
	out := make(map[domain.TimerType]time.Time, len(timers))
	for _, timer := range timers {
		out[timer.Type] = timer.FireAt
	}
	return out
}

// claimAndConsent runs the common opening: one pending cancel job for
// alice is polled, outreached, and consented to.
func (h *harness) claimAndConsent(t *testing.T) {
	t.Helper()
	h.coordinator.pending = []upstream.PendingJob{{
		ID:          "j1",
		UserNpub:    aliceNpub,
		ServiceID:   "netflix",
		Action:      "cancel",
		BillingDate: "2026-03-15",
	}}
	h.jobs.PollOnce(context.Background())
	h.inbound(aliceNpub, "yes")
	require.Equal(t, 1, h.worker.executeCount())
}

// === Scenarios ===

func TestScenarioCancelHappyPath(t *testing.T) {
	h := newHarness(t, 2)
	h.coordinator.pending = []upstream.PendingJob{{
		ID:          "j1",
		UserNpub:    aliceNpub,
		ServiceID:   "netflix",
		Action:      "cancel",
		BillingDate: "2026-03-15",
	}}

	h.jobs.PollOnce(context.Background())

	sent := h.transport.to(aliceNpub)
	require.Len(t, sent, 1)
	require.Contains(t, sent[0], "netflix")
	require.Contains(t, sent[0], "2026-03-15")
	require.Equal(t, domain.StatusOutreachSent, h.jobStatus(t, "j1"))

	h.inbound(aliceNpub, "yes")

	require.Equal(t, []string{"j1"}, h.worker.executedJobs())
	// Credentials went through the real seal/unseal round trip.
	require.Equal(t, "hunter2", h.worker.executes[0].Credentials["password"])
	require.Equal(t, domain.StatusActive, h.jobStatus(t, "j1"))
	require.Equal(t, domain.SessionExecuting, h.sessionState(t, aliceNpub))

	require.NoError(t, h.completeJob(session.ResultReport{
		JobID:         "j1",
		Success:       true,
		AccessEndDate: "2026-04-15",
	}))

	job, err := h.db.Jobs().Get("j1")
	require.NoError(t, err)
	require.Equal(t, "2026-04-15", job.AccessEndDate)
	require.Equal(t, "inv-j1", job.InvoiceID)
	require.Equal(t, int64(3000), job.AmountSats)

	// Outreach, success copy, amount bubble, raw payment request.
	sent = h.transport.to(aliceNpub)
	require.Len(t, sent, 4)
	require.Contains(t, sent[1], "2026-04-15")
	require.Contains(t, sent[2], "3000")
	require.Equal(t, "lnbc30u1pscenario", sent[3])

	require.Equal(t, domain.SessionInvoiceSent, h.sessionState(t, aliceNpub))
	timers := h.pendingTimers(t, "j1")
	require.NotContains(t, timers, domain.TimerOTPTimeout)
	require.WithinDuration(t, scenarioStart.Add(24*time.Hour), timers[domain.TimerPaymentExpiry], time.Second)

	h.sessions.HandlePaymentReceived(context.Background(), "j1")

	require.Equal(t, domain.StatusCompletedPaid, h.jobStatus(t, "j1"))
	require.Equal(t, []string{"outreach_sent", "active", "completed_paid"}, h.coordinator.statuses("j1"))
	h.sessionGone(t, aliceNpub)
	require.Empty(t, h.pendingTimers(t, "j1"))
	require.Len(t, h.transport.to(aliceNpub), 5)

	select {
	case entry := <-h.coordinator.actionLogs:
		require.Equal(t, "j1", entry.JobID)
		require.True(t, entry.Success)
	case <-time.After(time.Second):
		t.Fatal("action log never posted")
	}
}

func TestScenarioOTPChallengeRelay(t *testing.T) {
	h := newHarness(t, 2)
	h.claimAndConsent(t)

	require.NoError(t, h.sessions.HandleOTPNeeded(context.Background(), "j1", "netflix"))
	require.Equal(t, domain.SessionAwaitingOTP, h.sessionState(t, aliceNpub))
	prompts := h.transport.to(aliceNpub)
	require.Contains(t, prompts[len(prompts)-1], "netflix")

	h.inbound(aliceNpub, "123456")

	require.Equal(t, []string{"j1:123456"}, h.worker.otps)
	sess, err := h.db.Sessions().Get(aliceNpub)
	require.NoError(t, err)
	require.Equal(t, domain.SessionExecuting, sess.State)
	require.Equal(t, 1, sess.OTPAttempts)

	require.NoError(t, h.completeJob(session.ResultReport{JobID: "j1", Success: true, AccessEndDate: "2026-04-15"}))
	require.Equal(t, domain.SessionInvoiceSent, h.sessionState(t, aliceNpub))
	h.sessions.HandlePaymentReceived(context.Background(), "j1")
	require.Equal(t, domain.StatusCompletedPaid, h.jobStatus(t, "j1"))

	// The code never reaches the forensic log in the clear.
	entries, err := h.db.Messages().ListForUser(aliceNpub, 50)
	require.NoError(t, err)
	redacted := false
	for _, entry := range entries {
		require.NotContains(t, entry.Body, "123456")
		if entry.Direction == sqlite.DirectionInbound && entry.Body == "[redacted]" {
			redacted = true
		}
	}
	require.True(t, redacted)
}

func TestScenarioCredentialGapRelay(t *testing.T) {
	h := newHarness(t, 2)
	h.claimAndConsent(t)

	require.NoError(t, h.sessions.HandleCredentialNeeded(context.Background(), "j1", "netflix", "cvv"))
	require.Equal(t, domain.SessionAwaitingCredential, h.sessionState(t, aliceNpub))
	prompts := h.transport.to(aliceNpub)
	require.Contains(t, prompts[len(prompts)-1], "cvv")

	h.inbound(aliceNpub, "321")

	require.Equal(t, []string{"j1:cvv:321"}, h.worker.creds)
	require.Equal(t, domain.SessionExecuting, h.sessionState(t, aliceNpub))
	require.Empty(t, h.worker.otps)
}

func TestScenarioDispatchGateQueuesSecondConsent(t *testing.T) {
	h := newHarness(t, 1)
	h.coordinator.pending = []upstream.PendingJob{
		{ID: "j1", UserNpub: aliceNpub, ServiceID: "netflix", Action: "cancel", BillingDate: "2026-03-15"},
		{ID: "j2", UserNpub: bobNpub, ServiceID: "hulu", Action: "cancel", BillingDate: "2026-03-20"},
	}
	h.jobs.PollOnce(context.Background())

	h.inbound(aliceNpub, "yes")
	h.inbound(bobNpub, "yes")

	// One slot: exactly one dispatch, the second consent queues with an ETA
	// notice.
	require.Equal(t, []string{"j1"}, h.worker.executedJobs())
	require.Equal(t, 1, h.gate.ActiveCount())
	require.Equal(t, 1, h.gate.QueueLen())
	require.Len(t, h.transport.to(bobNpub), 2) // outreach + queued notice
	require.Equal(t, domain.StatusActive, h.jobStatus(t, "j2"))

	require.NoError(t, h.completeJob(session.ResultReport{JobID: "j1", Success: true, AccessEndDate: "2026-04-15"}))

	// Completion pops the queue head atomically with freeing the slot.
	require.Equal(t, []string{"j1", "j2"}, h.worker.executedJobs())
	require.Equal(t, 1, h.gate.ActiveCount())
	require.Equal(t, 0, h.gate.QueueLen())
}

func TestScenarioReconciliationOverridesLocalState(t *testing.T) {
	h := newHarness(t, 2)
	h.claimAndConsent(t)
	require.NoError(t, h.sessions.HandleOTPNeeded(context.Background(), "j1", "netflix"))
	require.Equal(t, 1, h.gate.ActiveCount())

	h.coordinator.setUser(aliceNpub, upstream.UserInfo{
		Npub: aliceNpub,
		Jobs: []upstream.JobStatusBrief{{ID: "j1", Status: "user_skip"}},
	})
	sentBefore := h.transport.count()

	h.jobs.ReconcileOnce(context.Background())

	// The coordinator's terminal status wins over the live challenge, and
	// the teardown is silent.
	require.Equal(t, domain.StatusUserSkip, h.jobStatus(t, "j1"))
	h.sessionGone(t, aliceNpub)
	require.Empty(t, h.pendingTimers(t, "j1"))
	require.Equal(t, 0, h.gate.ActiveCount())
	require.Equal(t, sentBefore, h.transport.count())
}

func TestScenarioPaymentExpiryReneges(t *testing.T) {
	h := newHarness(t, 2)
	h.claimAndConsent(t)
	require.NoError(t, h.completeJob(session.ResultReport{JobID: "j1", Success: true, AccessEndDate: "2026-04-15"}))
	require.Equal(t, domain.SessionInvoiceSent, h.sessionState(t, aliceNpub))

	h.coordinator.setUser(aliceNpub, upstream.UserInfo{Npub: aliceNpub, DebtSats: 3000})

	h.clock.Advance(25 * time.Hour)
	h.timers.Scan(context.Background())

	require.Equal(t, domain.StatusCompletedReneged, h.jobStatus(t, "j1"))
	require.Contains(t, h.coordinator.statuses("j1"), "completed_reneged")

	sent := h.transport.to(aliceNpub)
	require.Contains(t, sent[len(sent)-1], "3000 sats")
	h.sessionGone(t, aliceNpub)
	require.Empty(t, h.pendingTimers(t, "j1"))
}

package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/concierge/internal/domain"
	"github.com/zjrosen/concierge/internal/infrastructure/sqlite"
	"github.com/zjrosen/concierge/internal/messaging"
	"github.com/zjrosen/concierge/internal/orchestrator/timerqueue"
	"github.com/zjrosen/concierge/internal/testutil"
	"github.com/zjrosen/concierge/internal/upstream"
)

// === Fakes ===

type statusUpdate struct {
	jobID  string
	status domain.JobStatus
}

type fakeCoordinator struct {
	mu           sync.Mutex
	updates      []statusUpdate
	rejectActive bool

	user    upstream.UserInfo
	userErr error

	sealed string

	invoice    upstream.Invoice
	invoiceErr error

	actionLogs chan upstream.ActionLog
}

func newFakeCoordinator() *fakeCoordinator {
	return &fakeCoordinator{
		sealed:     "sealed-bundle",
		invoice:    upstream.Invoice{InvoiceID: "inv-1", AmountSats: 2500, Bolt11: "lnbc25u1ptest"},
		actionLogs: make(chan upstream.ActionLog, 4),
	}
}

func (c *fakeCoordinator) UpdateJobStatus(_ context.Context, jobID string, status domain.JobStatus) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rejectActive && status == domain.StatusActive {
		return &upstream.StatusRejectedError{JobID: jobID, Status: status, Detail: "job is terminal"}
	}
	c.updates = append(c.updates, statusUpdate{jobID, status})
	return nil
}

func (c *fakeCoordinator) GetUser(context.Context, string) (upstream.UserInfo, error) {
	return c.user, c.userErr
}

func (c *fakeCoordinator) GetCredentials(_ context.Context, npub, serviceID string) (upstream.SealedCredentials, error) {
	return upstream.SealedCredentials{Npub: npub, ServiceID: serviceID, Sealed: c.sealed}, nil
}

func (c *fakeCoordinator) CreateInvoice(context.Context, string, int64) (upstream.Invoice, error) {
	return c.invoice, c.invoiceErr
}

func (c *fakeCoordinator) PostActionLog(_ context.Context, entry upstream.ActionLog) error {
	c.actionLogs <- entry
	return nil
}

func (c *fakeCoordinator) statuses(jobID string) []domain.JobStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []domain.JobStatus
	for _, u := range c.updates {
		if u.jobID == jobID {
			out = append(out, u.status)
		}
	}
	return out
}

type fakeWorker struct {
	mu     sync.Mutex
	otps   []string // jobID:code
	creds  []string // jobID:name:value
	aborts []string
}

func (w *fakeWorker) SendOTP(_ context.Context, jobID, code string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.otps = append(w.otps, jobID+":"+code)
	return nil
}

func (w *fakeWorker) SendCredential(_ context.Context, jobID, name, value string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.creds = append(w.creds, jobID+":"+name+":"+value)
	return nil
}

func (w *fakeWorker) Abort(_ context.Context, jobID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.aborts = append(w.aborts, jobID)
	return nil
}

type fakeDispatcher struct {
	mu        sync.Mutex
	queued    bool
	err       error
	jobs      []string
	lastCreds map[string]string
}

func (d *fakeDispatcher) Dispatch(_ context.Context, job *domain.Job, creds map[string]string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return false, d.err
	}
	d.jobs = append(d.jobs, job.ID)
	d.lastCreds = creds
	return d.queued, nil
}

func (d *fakeDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.jobs)
}

type fakeUnsealer struct{ creds map[string]string }

func (u fakeUnsealer) Unseal(string) (map[string]string, error) { return u.creds, nil }

type sentDM struct{ npub, body string }

type fakeTransport struct {
	mu   sync.Mutex
	sent []sentDM
}

func (ft *fakeTransport) SendDM(_ context.Context, npub, body string) error {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.sent = append(ft.sent, sentDM{npub, body})
	return nil
}

func (ft *fakeTransport) to(npub string) []string {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	var out []string
	for _, dm := range ft.sent {
		if dm.npub == npub {
			out = append(out, dm.body)
		}
	}
	return out
}

// fixedClock never fires timers; tests drive handlers directly.
type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func (c fixedClock) NewTimer(time.Duration) timerqueue.Timer { return idleTimer{} }

type idleTimer struct{}

func (idleTimer) Stop() bool          { return true }
func (idleTimer) C() <-chan time.Time { return make(chan time.Time) }

// === Fixture ===

const (
	testNpub     = "npub-alice"
	operatorNpub = "npub-operator"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	manager     *Manager
	coordinator *fakeCoordinator
	worker      *fakeWorker
	dispatcher  *fakeDispatcher
	transport   *fakeTransport
	db          *sqlite.DB
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewTestDB(t)
	coordinator := newFakeCoordinator()
	worker := &fakeWorker{}
	dispatcher := &fakeDispatcher{}
	transport := &fakeTransport{}

	catalog, err := messaging.LoadCatalog()
	require.NoError(t, err)
	sender := messaging.NewDMSender(transport, db.Messages(), operatorNpub)

	manager := NewManager(db, coordinator, worker, dispatcher,
		fakeUnsealer{creds: map[string]string{"email": "u@example.com", "password": "pw"}},
		sender, catalog, fixedClock{now: fixedNow},
		Config{
			OTPTimeout:       10 * time.Minute,
			PaymentTimeout:   24 * time.Hour,
			OutreachInterval: 24 * time.Hour,
			PriceSats:        2500,
		})
	return &fixture{
		manager:     manager,
		coordinator: coordinator,
		worker:      worker,
		dispatcher:  dispatcher,
		transport:   transport,
		db:          db,
	}
}

func (f *fixture) seedJob(t *testing.T, id string, opts ...testutil.JobOption) {
	t.Helper()
	opts = append([]testutil.JobOption{testutil.ForUser(testNpub)}, opts...)
	testutil.NewBuilder(t, f.db).WithJob(id, opts...).Build()
}

func (f *fixture) jobStatus(t *testing.T, id string) domain.JobStatus {
	t.Helper()
	job, err := f.db.Jobs().Get(id)
	require.NoError(t, err)
	return job.Status
}

func (f *fixture) sessionGone(t *testing.T, npub domain.Npub) {
	t.Helper()
	_, err := f.db.Sessions().Get(npub)
	require.Error(t, err)
}

func (f *fixture) pendingTimers(t *testing.T, jobID string) []domain.TimerType {
	t.Helper()
	timers, err := f.db.Timers().PendingForTarget(jobID)
	require.NoError(t, err)
	var types []domain.TimerType
	for _, timer := range timers {
		types = append(types, timer.Type)
	}
	return types
}

// === Consent and dispatch ===

func TestHandleYesDispatchesAndArmsWatchdog(t *testing.T) {
	f := newFixture(t)
	f.seedJob(t, "job-1")
	job, err := f.db.Jobs().Get("job-1")
	require.NoError(t, err)

	require.NoError(t, f.manager.HandleYes(context.Background(), testNpub, job))

	session, err := f.db.Sessions().Get(testNpub)
	require.NoError(t, err)
	require.Equal(t, domain.SessionExecuting, session.State)
	require.Equal(t, "job-1", session.JobID)

	require.Equal(t, domain.StatusActive, f.jobStatus(t, "job-1"))
	require.Equal(t, []domain.JobStatus{domain.StatusActive}, f.coordinator.statuses("job-1"))
	require.Equal(t, 1, f.dispatcher.count())
	require.Equal(t, "pw", f.dispatcher.lastCreds["password"])

	require.Contains(t, f.pendingTimers(t, "job-1"), domain.TimerOTPTimeout)
	require.Empty(t, f.transport.to(testNpub))
}

func TestHandleYesQueuedSendsNotice(t *testing.T) {
	f := newFixture(t)
	f.dispatcher.queued = true
	f.seedJob(t, "job-1")
	job, err := f.db.Jobs().Get("job-1")
	require.NoError(t, err)

	require.NoError(t, f.manager.HandleYes(context.Background(), testNpub, job))
	require.Len(t, f.transport.to(testNpub), 1)
}

func TestHandleYesUpstreamRejectionAbortsDispatch(t *testing.T) {
	f := newFixture(t)
	f.coordinator.rejectActive = true
	f.seedJob(t, "job-1")
	job, err := f.db.Jobs().Get("job-1")
	require.NoError(t, err)

	require.NoError(t, f.manager.HandleYes(context.Background(), testNpub, job))

	require.Equal(t, 0, f.dispatcher.count())
	f.sessionGone(t, testNpub)
	require.Empty(t, f.pendingTimers(t, "job-1"))
}

func TestHandleYesDispatchFailureClosesSession(t *testing.T) {
	f := newFixture(t)
	f.dispatcher.err = context.DeadlineExceeded
	f.seedJob(t, "job-1")
	job, err := f.db.Jobs().Get("job-1")
	require.NoError(t, err)

	require.Error(t, f.manager.HandleYes(context.Background(), testNpub, job))

	require.Equal(t, domain.StatusFailed, f.jobStatus(t, "job-1"))
	f.sessionGone(t, testNpub)
	require.Len(t, f.transport.to(testNpub), 1)
}

func TestHandleYesIgnoredWhileSessionBusy(t *testing.T) {
	f := newFixture(t)
	f.seedJob(t, "job-1")
	testutil.NewBuilder(t, f.db).
		WithSession(testNpub, testutil.InState(domain.SessionExecuting), testutil.DrivingJob("job-0")).
		Build()
	job, err := f.db.Jobs().Get("job-1")
	require.NoError(t, err)

	require.NoError(t, f.manager.HandleYes(context.Background(), testNpub, job))
	require.Equal(t, 0, f.dispatcher.count())
}

func TestHandleCLIDispatchSkipsConsent(t *testing.T) {
	f := newFixture(t)

	jobID, err := f.manager.HandleCLIDispatch(context.Background(), CLIDispatch{
		UserNpub:  testNpub,
		ServiceID: "netflix",
		Action:    domain.ActionCancel,
	})
	require.NoError(t, err)
	require.Contains(t, jobID, "cli-")

	job, err := f.db.Jobs().Get(jobID)
	require.NoError(t, err)
	require.Equal(t, domain.TriggerCLI, job.Trigger)
	require.Equal(t, domain.StatusActive, job.Status)
	require.Equal(t, 1, f.dispatcher.count())
}

// === Challenges ===

func TestChallengeCodeRoundTrip(t *testing.T) {
	f := newFixture(t)
	f.seedJob(t, "job-1", testutil.WithStatus(domain.StatusActive))
	testutil.NewBuilder(t, f.db).
		WithSession(testNpub, testutil.InState(domain.SessionExecuting), testutil.DrivingJob("job-1")).
		Build()

	require.NoError(t, f.manager.HandleOTPNeeded(context.Background(), "job-1", "netflix"))

	session, err := f.db.Sessions().Get(testNpub)
	require.NoError(t, err)
	require.Equal(t, domain.SessionAwaitingOTP, session.State)
	require.Len(t, f.transport.to(testNpub), 1)

	f.manager.HandleInbound(context.Background(), testNpub, "428190")

	require.Equal(t, []string{"job-1:428190"}, f.worker.otps)
	session, err = f.db.Sessions().Get(testNpub)
	require.NoError(t, err)
	require.Equal(t, domain.SessionExecuting, session.State)
	require.Equal(t, 1, session.OTPAttempts)
	require.Contains(t, f.pendingTimers(t, "job-1"), domain.TimerOTPTimeout)
}

func TestChallengeCredentialRoundTrip(t *testing.T) {
	f := newFixture(t)
	f.seedJob(t, "job-1", testutil.WithStatus(domain.StatusActive))
	testutil.NewBuilder(t, f.db).
		WithSession(testNpub, testutil.InState(domain.SessionExecuting), testutil.DrivingJob("job-1")).
		Build()

	require.NoError(t, f.manager.HandleCredentialNeeded(context.Background(), "job-1", "netflix", "cvv"))

	session, err := f.db.Sessions().Get(testNpub)
	require.NoError(t, err)
	require.Equal(t, domain.SessionAwaitingCredential, session.State)

	f.manager.HandleInbound(context.Background(), testNpub, "123")

	require.Equal(t, []string{"job-1:cvv:123"}, f.worker.creds)
	session, err = f.db.Sessions().Get(testNpub)
	require.NoError(t, err)
	require.Equal(t, domain.SessionExecuting, session.State)
}

func TestFreeTextDroppedWhileAwaitingCode(t *testing.T) {
	f := newFixture(t)
	f.seedJob(t, "job-1", testutil.WithStatus(domain.StatusActive))
	testutil.NewBuilder(t, f.db).
		WithSession(testNpub, testutil.InState(domain.SessionAwaitingOTP), testutil.DrivingJob("job-1")).
		Build()

	f.manager.HandleInbound(context.Background(), testNpub, "hold on let me check my email")

	require.Empty(t, f.worker.otps)
	session, err := f.db.Sessions().Get(testNpub)
	require.NoError(t, err)
	require.Equal(t, domain.SessionAwaitingOTP, session.State)
}

func TestCancelDuringChallengeAbortsWorker(t *testing.T) {
	f := newFixture(t)
	f.seedJob(t, "job-1", testutil.WithStatus(domain.StatusActive))
	testutil.NewBuilder(t, f.db).
		WithSession(testNpub, testutil.InState(domain.SessionAwaitingOTP), testutil.DrivingJob("job-1")).
		Build()

	f.manager.HandleInbound(context.Background(), testNpub, "cancel")

	require.Equal(t, []string{"job-1"}, f.worker.aborts)
	require.Equal(t, domain.StatusUserAbandon, f.jobStatus(t, "job-1"))
	f.sessionGone(t, testNpub)
}

func TestEmptyMessageNotRelayedAsCode(t *testing.T) {
	f := newFixture(t)
	f.seedJob(t, "job-1", testutil.WithStatus(domain.StatusActive))
	testutil.NewBuilder(t, f.db).
		WithSession(testNpub, testutil.InState(domain.SessionAwaitingOTP), testutil.DrivingJob("job-1")).
		Build()

	f.manager.HandleInbound(context.Background(), testNpub, "")

	require.Empty(t, f.worker.otps)
	session, err := f.db.Sessions().Get(testNpub)
	require.NoError(t, err)
	require.Equal(t, domain.SessionAwaitingOTP, session.State)
}

func TestInboundRedactionOnlyDuringChallenge(t *testing.T) {
	f := newFixture(t)
	f.seedJob(t, "job-1", testutil.WithStatus(domain.StatusOutreachSent))

	// Idle chatter with a digit run stays readable.
	f.manager.HandleInbound(context.Background(), testNpub, "maybe after 0315")

	testutil.NewBuilder(t, f.db).
		WithSession(testNpub, testutil.InState(domain.SessionAwaitingOTP), testutil.DrivingJob("job-1")).
		Build()
	f.manager.HandleInbound(context.Background(), testNpub, "428190")

	entries, err := f.db.Messages().ListForUser(testNpub, 10)
	require.NoError(t, err)
	var bodies []string
	for _, entry := range entries {
		if entry.Direction == sqlite.DirectionInbound {
			bodies = append(bodies, entry.Body)
		}
	}
	require.Contains(t, bodies, "maybe after 0315")
	require.Contains(t, bodies, "[redacted]")
	require.NotContains(t, bodies, "428190")
}

func TestChallengeTimeoutAbandons(t *testing.T) {
	f := newFixture(t)
	f.seedJob(t, "job-1", testutil.WithStatus(domain.StatusActive))
	testutil.NewBuilder(t, f.db).
		WithSession(testNpub, testutil.InState(domain.SessionAwaitingOTP), testutil.DrivingJob("job-1")).
		Build()

	f.manager.HandleOTPTimeout(context.Background(), "job-1")

	require.Equal(t, []string{"job-1"}, f.worker.aborts)
	require.Equal(t, domain.StatusUserAbandon, f.jobStatus(t, "job-1"))
	require.Len(t, f.transport.to(testNpub), 1)
	f.sessionGone(t, testNpub)

	// Firing again against the closed session is a no-op.
	f.manager.HandleOTPTimeout(context.Background(), "job-1")
	require.Len(t, f.worker.aborts, 1)
}

// === Results and billing ===

func TestResultSuccessBillsAndArmsExpiry(t *testing.T) {
	f := newFixture(t)
	f.seedJob(t, "job-1", testutil.WithStatus(domain.StatusActive))
	testutil.NewBuilder(t, f.db).
		WithSession(testNpub, testutil.InState(domain.SessionExecuting), testutil.DrivingJob("job-1")).
		Build()

	require.NoError(t, f.manager.HandleResult(context.Background(), ResultReport{
		JobID:         "job-1",
		Success:       true,
		AccessEndDate: "2026-04-15",
	}))

	job, err := f.db.Jobs().Get("job-1")
	require.NoError(t, err)
	require.Equal(t, "2026-04-15", job.AccessEndDate)
	require.Equal(t, "inv-1", job.InvoiceID)
	require.Equal(t, int64(2500), job.AmountSats)

	// Success copy, amount bubble, then the raw payment request on its own.
	sent := f.transport.to(testNpub)
	require.Len(t, sent, 3)
	require.Equal(t, "lnbc25u1ptest", sent[2])

	session, err := f.db.Sessions().Get(testNpub)
	require.NoError(t, err)
	require.Equal(t, domain.SessionInvoiceSent, session.State)

	timers := f.pendingTimers(t, "job-1")
	require.Contains(t, timers, domain.TimerPaymentExpiry)
	require.NotContains(t, timers, domain.TimerOTPTimeout)

	select {
	case entry := <-f.coordinator.actionLogs:
		require.Equal(t, "job-1", entry.JobID)
		require.True(t, entry.Success)
	case <-time.After(time.Second):
		t.Fatal("action log never posted")
	}
}

func TestResultSuccessCLIJobIsNotBilled(t *testing.T) {
	f := newFixture(t)
	f.seedJob(t, "cli-100", testutil.WithTrigger(domain.TriggerCLI), testutil.WithStatus(domain.StatusActive))
	testutil.NewBuilder(t, f.db).
		WithSession(testNpub, testutil.InState(domain.SessionExecuting), testutil.DrivingJob("cli-100")).
		Build()

	require.NoError(t, f.manager.HandleResult(context.Background(), ResultReport{
		JobID:   "cli-100",
		Success: true,
	}))

	require.Equal(t, domain.StatusCompletedPaid, f.jobStatus(t, "cli-100"))
	f.sessionGone(t, testNpub)
	// Success copy only; no invoice bubbles.
	require.Len(t, f.transport.to(testNpub), 1)
}

func TestResultFailureNotifiesOperatorWithNpubBubble(t *testing.T) {
	f := newFixture(t)
	f.seedJob(t, "job-1", testutil.WithStatus(domain.StatusActive))
	testutil.NewBuilder(t, f.db).
		WithSession(testNpub, testutil.InState(domain.SessionExecuting), testutil.DrivingJob("job-1")).
		Build()

	require.NoError(t, f.manager.HandleResult(context.Background(), ResultReport{
		JobID:     "job-1",
		Success:   false,
		Error:     "cancel button never appeared",
		ErrorCode: "stuck",
	}))

	require.Equal(t, domain.StatusFailed, f.jobStatus(t, "job-1"))
	f.sessionGone(t, testNpub)
	require.Len(t, f.transport.to(testNpub), 1)

	operator := f.transport.to(operatorNpub)
	require.Len(t, operator, 2)
	require.Contains(t, operator[0], "job-1")
	require.Contains(t, operator[0], "stuck")
	require.Equal(t, testNpub, operator[1])
}

func TestResultForUnknownSessionIsDropped(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.manager.HandleResult(context.Background(), ResultReport{JobID: "ghost", Success: true}))
	require.Empty(t, f.transport.sent)
}

func TestPaymentReceivedClosesOutJob(t *testing.T) {
	f := newFixture(t)
	f.seedJob(t, "job-1", testutil.WithStatus(domain.StatusActive), testutil.Invoice("inv-1", 2500))
	testutil.NewBuilder(t, f.db).
		WithSession(testNpub, testutil.InState(domain.SessionInvoiceSent), testutil.DrivingJob("job-1")).
		Build()

	f.manager.HandlePaymentReceived(context.Background(), "job-1")

	require.Equal(t, domain.StatusCompletedPaid, f.jobStatus(t, "job-1"))
	require.Len(t, f.transport.to(testNpub), 1)
	f.sessionGone(t, testNpub)
}

func TestPaymentExpiredReportsFreshDebt(t *testing.T) {
	f := newFixture(t)
	f.coordinator.user = upstream.UserInfo{Npub: testNpub, DebtSats: 7500}
	f.seedJob(t, "job-1", testutil.WithStatus(domain.StatusActive), testutil.Invoice("inv-1", 2500))
	testutil.NewBuilder(t, f.db).
		WithSession(testNpub, testutil.InState(domain.SessionInvoiceSent), testutil.DrivingJob("job-1")).
		Build()

	f.manager.HandlePaymentExpired(context.Background(), "job-1")

	require.Equal(t, domain.StatusCompletedReneged, f.jobStatus(t, "job-1"))
	sent := f.transport.to(testNpub)
	require.Len(t, sent, 1)
	require.Contains(t, sent[0], "7500 sats")
	f.sessionGone(t, testNpub)
}

func TestCancelAfterInvoiceKeepsDebtPath(t *testing.T) {
	f := newFixture(t)
	f.coordinator.user = upstream.UserInfo{Npub: testNpub, DebtSats: 2500}
	f.seedJob(t, "job-1", testutil.WithStatus(domain.StatusActive), testutil.Invoice("inv-1", 2500))
	testutil.NewBuilder(t, f.db).
		WithSession(testNpub, testutil.InState(domain.SessionInvoiceSent), testutil.DrivingJob("job-1")).
		WithTimer(domain.TimerPaymentExpiry, "job-1", fixedNow.Add(24*time.Hour)).
		Build()

	f.manager.HandleInbound(context.Background(), testNpub, "cancel")

	// The billed session survives the cancel attempt untouched.
	session, err := f.db.Sessions().Get(testNpub)
	require.NoError(t, err)
	require.Equal(t, domain.SessionInvoiceSent, session.State)
	require.Equal(t, domain.StatusActive, f.jobStatus(t, "job-1"))
	require.Contains(t, f.pendingTimers(t, "job-1"), domain.TimerPaymentExpiry)
	require.Empty(t, f.worker.aborts)

	// Expiry still collects the debt.
	f.manager.HandlePaymentExpired(context.Background(), "job-1")
	require.Equal(t, domain.StatusCompletedReneged, f.jobStatus(t, "job-1"))
	f.sessionGone(t, testNpub)
}

// === Idle-phase intents ===

func TestInboundYesStartsExecution(t *testing.T) {
	f := newFixture(t)
	f.seedJob(t, "job-1", testutil.WithStatus(domain.StatusOutreachSent))

	f.manager.HandleInbound(context.Background(), testNpub, "yes")

	require.Equal(t, 1, f.dispatcher.count())
	require.Equal(t, domain.StatusActive, f.jobStatus(t, "job-1"))
}

func TestInboundNoSkipsJob(t *testing.T) {
	f := newFixture(t)
	f.seedJob(t, "job-1", testutil.WithStatus(domain.StatusOutreachSent))
	testutil.NewBuilder(t, f.db).
		WithTimer(domain.TimerOutreach, "job-1", fixedNow.Add(time.Hour)).
		Build()

	f.manager.HandleInbound(context.Background(), testNpub, "no")

	require.Equal(t, domain.StatusUserSkip, f.jobStatus(t, "job-1"))
	require.Empty(t, f.pendingTimers(t, "job-1"))
	require.Len(t, f.transport.to(testNpub), 1)
}

func TestInboundSnoozeReschedulesOutreach(t *testing.T) {
	f := newFixture(t)
	f.seedJob(t, "job-1", testutil.WithStatus(domain.StatusOutreachSent))

	f.manager.HandleInbound(context.Background(), testNpub, "snooze")

	require.Equal(t, domain.StatusSnoozed, f.jobStatus(t, "job-1"))
	require.Contains(t, f.pendingTimers(t, "job-1"), domain.TimerOutreach)
}

func TestInboundWithNoOutreachJobIsIgnored(t *testing.T) {
	f := newFixture(t)
	f.manager.HandleInbound(context.Background(), testNpub, "yes")
	require.Equal(t, 0, f.dispatcher.count())
	require.Empty(t, f.transport.sent)
}

// === Reconciliation teardown ===

func TestOnJobRemovedIsSilent(t *testing.T) {
	f := newFixture(t)
	f.seedJob(t, "job-1", testutil.WithStatus(domain.StatusActive))
	testutil.NewBuilder(t, f.db).
		WithSession(testNpub, testutil.InState(domain.SessionExecuting), testutil.DrivingJob("job-1")).
		WithTimer(domain.TimerOTPTimeout, "job-1", fixedNow.Add(time.Hour)).
		Build()

	f.manager.OnJobRemoved("job-1")

	f.sessionGone(t, testNpub)
	require.Empty(t, f.pendingTimers(t, "job-1"))
	require.Empty(t, f.transport.sent)
}

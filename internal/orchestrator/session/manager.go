// Package session implements the per-user conversation state machine:
// outreach consent, dispatch, interactive challenge relay, billing, and
// session teardown. Every entry point serializes on a per-user lock so
// timers, worker callbacks, user messages, and reconciliations cannot
// interleave within one conversation.
package session

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/zjrosen/concierge/internal/domain"
	"github.com/zjrosen/concierge/internal/infrastructure/sqlite"
	"github.com/zjrosen/concierge/internal/log"
	"github.com/zjrosen/concierge/internal/messaging"
	"github.com/zjrosen/concierge/internal/orchestrator/timerqueue"
	"github.com/zjrosen/concierge/internal/upstream"
)

// Coordinator is the upstream surface the state machine needs.
type Coordinator interface {
	UpdateJobStatus(ctx context.Context, jobID string, status domain.JobStatus) error
	GetUser(ctx context.Context, npub string) (upstream.UserInfo, error)
	GetCredentials(ctx context.Context, npub, serviceID string) (upstream.SealedCredentials, error)
	CreateInvoice(ctx context.Context, jobID string, amountSats int64) (upstream.Invoice, error)
	PostActionLog(ctx context.Context, entry upstream.ActionLog) error
}

// WorkerGateway relays challenge answers and aborts to the worker.
type WorkerGateway interface {
	SendOTP(ctx context.Context, jobID, code string) error
	SendCredential(ctx context.Context, jobID, name, value string) error
	Abort(ctx context.Context, jobID string) error
}

// Dispatcher is the bounded dispatch gate owned by the lifecycle manager.
// Dispatch either starts the job on a worker or queues it; queued reports
// which happened.
type Dispatcher interface {
	Dispatch(ctx context.Context, job *domain.Job, creds map[string]string) (queued bool, err error)
}

// Unsealer decrypts a sealed credential bundle fetched from upstream.
type Unsealer interface {
	Unseal(sealed string) (map[string]string, error)
}

// Config carries the tunables the state machine reads.
type Config struct {
	OTPTimeout       time.Duration
	PaymentTimeout   time.Duration
	OutreachInterval time.Duration
	PriceSats        int64
}

// lock cache bounds: a user lock lingers for an hour after last use, long
// past any session's lifetime.
const (
	lockTTL     = time.Hour
	lockCleanup = 10 * time.Minute
)

// Manager is the conversation state machine.
type Manager struct {
	jobs     *sqlite.JobRepository
	sessions *sqlite.SessionRepository
	timers   *sqlite.TimerRepository

	upstream   Coordinator
	worker     WorkerGateway
	dispatcher Dispatcher
	unsealer   Unsealer

	sender *messaging.DMSender
	copy   *messaging.Catalog

	clock timerqueue.Clock
	cfg   Config

	// locks serializes all handling per user npub.
	locks *gocache.Cache

	// pendingCredential remembers, per job, which named credential the
	// worker is waiting for. In-memory only; lost on restart by design of
	// the challenge flow (the timeout closes the session).
	mu                sync.Mutex
	pendingCredential map[string]string
}

// NewManager wires the state machine.
func NewManager(
	db *sqlite.DB,
	coordinator Coordinator,
	worker WorkerGateway,
	dispatcher Dispatcher,
	unsealer Unsealer,
	sender *messaging.DMSender,
	copyCatalog *messaging.Catalog,
	clock timerqueue.Clock,
	cfg Config,
) *Manager {
	if clock == nil {
		clock = timerqueue.RealClock{}
	}
	return &Manager{
		jobs:              db.Jobs(),
		sessions:          db.Sessions(),
		timers:            db.Timers(),
		upstream:          coordinator,
		worker:            worker,
		dispatcher:        dispatcher,
		unsealer:          unsealer,
		sender:            sender,
		copy:              copyCatalog,
		clock:             clock,
		cfg:               cfg,
		locks:             gocache.New(lockTTL, lockCleanup),
		pendingCredential: make(map[string]string),
	}
}

// userLock returns the mutex serializing one user's conversation.
func (m *Manager) userLock(npub domain.Npub) *sync.Mutex {
	if mu, ok := m.locks.Get(npub); ok {
		return mu.(*sync.Mutex)
	}
	mu := &sync.Mutex{}
	if err := m.locks.Add(npub, mu, lockTTL); err != nil {
		// Lost the race; take the winner's mutex.
		if existing, ok := m.locks.Get(npub); ok {
			return existing.(*sync.Mutex)
		}
	}
	return mu
}

// sessionState returns the user's state, treating a missing row as IDLE.
func (m *Manager) sessionState(npub domain.Npub) (*domain.Session, domain.SessionState) {
	session, err := m.sessions.Get(npub)
	if err != nil {
		return nil, domain.SessionIdle
	}
	return session, session.State
}

// sendCopy renders a template and DMs it. Delivery failures are logged and
// swallowed: the state machine never rolls back on a flaky relay.
func (m *Manager) sendCopy(ctx context.Context, npub domain.Npub, templateID string, data map[string]any) {
	body, err := m.copy.Render(templateID, data)
	if err != nil {
		log.ErrorErr(log.CatSession, "Failed to render copy", err, "template", templateID)
		return
	}
	if err := m.sender.Send(ctx, npub, body); err != nil {
		log.ErrorErr(log.CatSession, "Failed to send DM", err, "template", templateID, "npub", npub)
	}
}

// sendChallengeCopy is sendCopy for messages sent while a code is in flight;
// the logged body goes through the redactor.
func (m *Manager) sendChallengeCopy(ctx context.Context, npub domain.Npub, templateID string, data map[string]any) {
	body, err := m.copy.Render(templateID, data)
	if err != nil {
		log.ErrorErr(log.CatSession, "Failed to render copy", err, "template", templateID)
		return
	}
	if err := m.sender.SendRedacted(ctx, npub, body); err != nil {
		log.ErrorErr(log.CatSession, "Failed to send DM", err, "template", templateID, "npub", npub)
	}
}

// closeSession deletes the session row and cancels every timer keyed to the
// job. The pending credential marker is dropped too.
func (m *Manager) closeSession(npub domain.Npub, jobID string) {
	if jobID != "" {
		if err := m.timers.CancelAllForTarget(jobID); err != nil {
			log.ErrorErr(log.CatSession, "Failed to cancel timers on close", err, "jobID", jobID)
		}
		m.mu.Lock()
		delete(m.pendingCredential, jobID)
		m.mu.Unlock()
	}
	if err := m.sessions.Delete(npub); err != nil {
		log.ErrorErr(log.CatSession, "Failed to delete session", err, "npub", npub)
	}
	log.Info(log.CatSession, "Session closed", "npub", npub, "jobID", jobID)
}

// CancelSession tears down a user's session on their request: abort any
// running worker job, mark the job user_abandon, acknowledge, and close.
// Idempotent; cancelling an IDLE user is a no-op. Once an invoice is out the
// session is past the point of abandonment: only payment or expiry closes it.
func (m *Manager) CancelSession(ctx context.Context, npub domain.Npub) {
	mu := m.userLock(npub)
	mu.Lock()
	defer mu.Unlock()

	session, state := m.sessionState(npub)
	if state == domain.SessionIdle {
		return
	}
	if state == domain.SessionInvoiceSent {
		log.Warn(log.CatSession, "Refusing to cancel billed session", "npub", npub, "jobID", session.JobID)
		return
	}

	jobID := session.JobID
	if state.NeedsWorker() && jobID != "" {
		if err := m.worker.Abort(ctx, jobID); err != nil {
			log.ErrorErr(log.CatSession, "Failed to abort worker job", err, "jobID", jobID)
		}
	}
	if jobID != "" {
		m.markJob(ctx, jobID, domain.StatusUserAbandon)
		if job, err := m.jobs.Get(jobID); err == nil {
			m.sendCopy(ctx, npub, "cancel_ack", map[string]any{"Service": job.ServiceID})
		}
	}
	m.closeSession(npub, jobID)
}

// markJob applies a status to the local row and reports it upstream. A
// terminal local row absorbs silently; an upstream rejection is logged, the
// coordinator's view wins at the next reconciliation.
func (m *Manager) markJob(ctx context.Context, jobID string, status domain.JobStatus) {
	if err := m.jobs.UpdateStatus(jobID, status); err != nil {
		log.ErrorErr(log.CatSession, "Failed to update local job status", err,
			"jobID", jobID, "status", string(status))
	}
	if err := m.upstream.UpdateJobStatus(ctx, jobID, status); err != nil {
		log.ErrorErr(log.CatSession, "Failed to update upstream job status", err,
			"jobID", jobID, "status", string(status))
	}
}

// OnJobRemoved tells the state machine a job was reconciled away. The
// session, timers and in-memory markers are dropped without any DM: operator
// actions are silent.
func (m *Manager) OnJobRemoved(jobID string) {
	session, err := m.sessions.FindByJobID(jobID)
	if err != nil {
		m.mu.Lock()
		delete(m.pendingCredential, jobID)
		m.mu.Unlock()
		return
	}

	mu := m.userLock(session.UserNpub)
	mu.Lock()
	defer mu.Unlock()
	m.closeSession(session.UserNpub, jobID)
}

// Package lifecycle owns the job pipeline around the conversation: polling
// and claiming upstream work, outreach cadence, the bounded dispatch gate,
// reconciliation against the coordinator's authoritative statuses, and
// retention cleanup.
package lifecycle

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zjrosen/concierge/internal/domain"
	"github.com/zjrosen/concierge/internal/infrastructure/sqlite"
	"github.com/zjrosen/concierge/internal/log"
	"github.com/zjrosen/concierge/internal/messaging"
	"github.com/zjrosen/concierge/internal/orchestrator/timerqueue"
	"github.com/zjrosen/concierge/internal/upstream"
)

// Coordinator is the upstream surface the lifecycle manager needs.
type Coordinator interface {
	PendingJobs(ctx context.Context) ([]upstream.PendingJob, error)
	Claim(ctx context.Context, jobIDs []string) (upstream.ClaimResult, error)
	UpdateJobStatus(ctx context.Context, jobID string, status domain.JobStatus) error
	GetUser(ctx context.Context, npub string) (upstream.UserInfo, error)
}

// Conversations is the slice of the state machine the lifecycle calls into.
type Conversations interface {
	// HandleYes starts execution as if the user consented; used for
	// immediate-dispatch jobs.
	HandleYes(ctx context.Context, npub domain.Npub, job *domain.Job) error
	// OnJobRemoved tears down any session for a reconciled-away job.
	OnJobRemoved(jobID string)
}

// lastChanceLead is how far before the billing date the last-chance nudge
// fires.
const lastChanceLead = 72 * time.Hour

// billingDateLayout is the ISO-8601 date carried on jobs.
const billingDateLayout = "2006-01-02"

// Config carries the lifecycle tunables.
type Config struct {
	PollInterval      time.Duration
	ReconcileInterval time.Duration
	OutreachInterval  time.Duration
	RetentionWindow   time.Duration
}

// Manager drives the job pipeline.
type Manager struct {
	jobs     *sqlite.JobRepository
	sessions *sqlite.SessionRepository
	timers   *sqlite.TimerRepository

	upstream      Coordinator
	conversations Conversations
	gate          *Gate

	sender *messaging.DMSender
	copy   *messaging.Catalog

	clock timerqueue.Clock
	cfg   Config

	// immediate marks job ids the upstream flagged for consent-free
	// dispatch.
	mu        sync.Mutex
	immediate map[string]bool
}

// NewManager wires the lifecycle manager.
func NewManager(
	db *sqlite.DB,
	coordinator Coordinator,
	conversations Conversations,
	gate *Gate,
	sender *messaging.DMSender,
	copyCatalog *messaging.Catalog,
	clock timerqueue.Clock,
	cfg Config,
) *Manager {
	if clock == nil {
		clock = timerqueue.RealClock{}
	}
	return &Manager{
		jobs:          db.Jobs(),
		sessions:      db.Sessions(),
		timers:        db.Timers(),
		upstream:      coordinator,
		conversations: conversations,
		gate:          gate,
		sender:        sender,
		copy:          copyCatalog,
		clock:         clock,
		cfg:           cfg,
		immediate:     make(map[string]bool),
	}
}

// Gate exposes the dispatch gate for callback wiring.
func (m *Manager) Gate() *Gate {
	return m.gate
}

// SetImmediate flags a job for consent-free dispatch on its next outreach
// pass. Set from the upstream push.
func (m *Manager) SetImmediate(jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.immediate[jobID] = true
}

func (m *Manager) takeImmediate(jobID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.immediate[jobID] {
		delete(m.immediate, jobID)
		return true
	}
	return false
}

// Run drives the poll, reconcile and cleanup loops until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.loop(ctx, m.cfg.PollInterval, m.PollOnce) })
	g.Go(func() error { return m.loop(ctx, m.cfg.ReconcileInterval, m.ReconcileOnce) })
	g.Go(func() error { return m.loop(ctx, m.cfg.ReconcileInterval, m.CleanupOnce) })
	return g.Wait()
}

func (m *Manager) loop(ctx context.Context, interval time.Duration, pass func(context.Context)) error {
	for {
		timer := m.clock.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C():
		}
		pass(ctx)
	}
}

// PollOnce asks upstream for pending work, claims it, and sends the first
// outreach for anything newly claimed. Claiming is idempotent: jobs already
// in the local store are left alone.
func (m *Manager) PollOnce(ctx context.Context) {
	pending, err := m.upstream.PendingJobs(ctx)
	if err != nil {
		log.ErrorErr(log.CatLifecycle, "Failed to poll pending jobs", err)
		return
	}
	if len(pending) == 0 {
		return
	}

	ids := make([]string, len(pending))
	byID := make(map[string]upstream.PendingJob, len(pending))
	for i, p := range pending {
		ids[i] = p.ID
		byID[p.ID] = p
	}

	result, err := m.upstream.Claim(ctx, ids)
	if err != nil {
		log.ErrorErr(log.CatLifecycle, "Failed to claim jobs", err)
		return
	}
	if len(result.Blocked) > 0 {
		log.Debug(log.CatLifecycle, "Claim blocked jobs", "count", len(result.Blocked))
	}

	for _, id := range result.Claimed {
		p, ok := byID[id]
		if !ok {
			continue
		}
		if _, err := m.jobs.Get(id); err == nil {
			continue // already claimed in an earlier pass
		}

		job := m.jobFromPending(p)
		if err := m.jobs.Save(job); err != nil {
			log.ErrorErr(log.CatLifecycle, "Failed to store claimed job", err, "jobID", id)
			continue
		}
		if p.Immediate {
			m.SetImmediate(id)
		}
		log.Info(log.CatLifecycle, "Job claimed", "jobID", id, "npub", job.UserNpub,
			"service", job.ServiceID, "action", string(job.Action))
		m.SendOutreach(ctx, id)
	}
}

func (m *Manager) jobFromPending(p upstream.PendingJob) *domain.Job {
	now := m.clock.Now()
	trigger := domain.Trigger(p.Trigger)
	if trigger == "" {
		trigger = domain.TriggerOutreach
	}
	return &domain.Job{
		ID:              p.ID,
		UserNpub:        p.UserNpub,
		ServiceID:       p.ServiceID,
		Action:          domain.Action(p.Action),
		Trigger:         trigger,
		Status:          domain.StatusDispatched,
		BillingDate:     p.BillingDate,
		PlanID:          p.PlanID,
		PlanDisplayName: p.PlanDisplayName,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// SendOutreach runs the outreach decision table for one job, applying the
// guards in order: terminal drops, busy reschedules, debt blocks, immediate
// dispatches.
func (m *Manager) SendOutreach(ctx context.Context, jobID string) {
	job, err := m.jobs.Get(jobID)
	if err != nil {
		log.Debug(log.CatLifecycle, "Outreach for vanished job", "jobID", jobID)
		return
	}
	if job.Status.IsTerminal() {
		return
	}
	if !job.Status.OutreachEligible() && job.Status != domain.StatusPending {
		return
	}

	if m.takeImmediate(jobID) {
		if err := m.conversations.HandleYes(ctx, job.UserNpub, job); err != nil {
			log.ErrorErr(log.CatLifecycle, "Immediate dispatch failed", err, "jobID", jobID)
		}
		return
	}

	// A live conversation owns the channel; try again next interval.
	if _, err := m.sessions.Get(job.UserNpub); err == nil {
		m.rescheduleOutreach(jobID)
		return
	}

	info, err := m.upstream.GetUser(ctx, job.UserNpub)
	if err != nil {
		log.ErrorErr(log.CatLifecycle, "Failed to check user debt", err, "npub", job.UserNpub)
		m.rescheduleOutreach(jobID)
		return
	}
	if info.DebtSats > 0 {
		m.sendCopy(ctx, job.UserNpub, "debt_block", map[string]any{"DebtSats": info.DebtSats})
		log.Info(log.CatLifecycle, "Outreach blocked by debt", "jobID", jobID, "debtSats", info.DebtSats)
		return
	}

	m.sendCopy(ctx, job.UserNpub, m.outreachTemplate(job), map[string]any{
		"Service":     job.ServiceID,
		"BillingDate": job.BillingDate,
		"Action":      string(job.Action),
	})

	next := m.clock.Now().Add(m.cfg.OutreachInterval)
	if err := m.jobs.RecordOutreach(jobID, job.OutreachCount+1, next); err != nil {
		log.ErrorErr(log.CatLifecycle, "Failed to record outreach", err, "jobID", jobID)
	}
	if job.Status != domain.StatusOutreachSent {
		if err := m.jobs.UpdateStatus(jobID, domain.StatusOutreachSent); err != nil {
			log.ErrorErr(log.CatLifecycle, "Failed to mark outreach sent", err, "jobID", jobID)
		}
		if err := m.upstream.UpdateJobStatus(ctx, jobID, domain.StatusOutreachSent); err != nil {
			log.ErrorErr(log.CatLifecycle, "Failed to report outreach sent", err, "jobID", jobID)
		}
	}

	if err := m.timers.Schedule(domain.TimerOutreach, jobID, next, ""); err != nil {
		log.ErrorErr(log.CatLifecycle, "Failed to arm outreach timer", err, "jobID", jobID)
	}
	m.armBillingTimers(job)
	log.Info(log.CatLifecycle, "Outreach sent", "jobID", jobID, "count", job.OutreachCount+1)
}

// outreachTemplate picks the copy per the decision table.
func (m *Manager) outreachTemplate(job *domain.Job) string {
	if job.OutreachCount >= 1 {
		return "outreach_followup"
	}
	if job.Action == domain.ActionResume {
		return "outreach_resume"
	}
	if job.BillingDate != "" {
		return "outreach_cancel"
	}
	return "outreach_cancel_no_date"
}

// armBillingTimers schedules the last-chance nudge and the implied-skip
// deadline when a billing date is known. A billing date at or before now
// collapses both to an immediate fire.
func (m *Manager) armBillingTimers(job *domain.Job) {
	if job.BillingDate == "" {
		return
	}
	billing, err := time.Parse(billingDateLayout, job.BillingDate)
	if err != nil {
		log.Warn(log.CatLifecycle, "Unparseable billing date", "jobID", job.ID, "billingDate", job.BillingDate)
		return
	}

	now := m.clock.Now()
	lastChance := billing.Add(-lastChanceLead)
	if lastChance.Before(now) {
		lastChance = now
	}
	if err := m.timers.Schedule(domain.TimerLastChance, job.ID, lastChance, ""); err != nil {
		log.ErrorErr(log.CatLifecycle, "Failed to arm last-chance timer", err, "jobID", job.ID)
	}

	impliedSkip := billing
	if impliedSkip.Before(now) {
		impliedSkip = now
	}
	if err := m.timers.Schedule(domain.TimerImpliedSkip, job.ID, impliedSkip, ""); err != nil {
		log.ErrorErr(log.CatLifecycle, "Failed to arm implied-skip timer", err, "jobID", job.ID)
	}
}

func (m *Manager) rescheduleOutreach(jobID string) {
	next := m.clock.Now().Add(m.cfg.OutreachInterval)
	if err := m.timers.Schedule(domain.TimerOutreach, jobID, next, ""); err != nil {
		log.ErrorErr(log.CatLifecycle, "Failed to reschedule outreach", err, "jobID", jobID)
	}
}

func (m *Manager) sendCopy(ctx context.Context, npub domain.Npub, templateID string, data map[string]any) {
	body, err := m.copy.Render(templateID, data)
	if err != nil {
		log.ErrorErr(log.CatLifecycle, "Failed to render copy", err, "template", templateID)
		return
	}
	if err := m.sender.Send(ctx, npub, body); err != nil {
		log.ErrorErr(log.CatLifecycle, "Failed to send DM", err, "template", templateID, "npub", npub)
	}
}

// HandleOutreachTimer re-runs outreach when the interval elapses.
func (m *Manager) HandleOutreachTimer(ctx context.Context, timer *domain.Timer) {
	m.SendOutreach(ctx, timer.TargetID)
}

// HandleLastChanceTimer sends the final nudge before the billing date. Busy
// users are left alone; the implied-skip deadline still stands.
func (m *Manager) HandleLastChanceTimer(ctx context.Context, timer *domain.Timer) {
	job, err := m.jobs.Get(timer.TargetID)
	if err != nil || !job.Status.OutreachEligible() {
		return
	}
	if _, err := m.sessions.Get(job.UserNpub); err == nil {
		return
	}
	m.sendCopy(ctx, job.UserNpub, "last_chance", map[string]any{
		"Service":     job.ServiceID,
		"BillingDate": job.BillingDate,
	})
	log.Info(log.CatLifecycle, "Last-chance nudge sent", "jobID", job.ID)
}

// HandleImpliedSkipTimer closes out a job the user never answered: it goes
// implied_skip silently at the billing date. A no-op for terminal or
// in-flight jobs.
func (m *Manager) HandleImpliedSkipTimer(ctx context.Context, timer *domain.Timer) {
	job, err := m.jobs.Get(timer.TargetID)
	if err != nil || !job.Status.OutreachEligible() {
		return
	}

	if err := m.jobs.UpdateStatus(job.ID, domain.StatusImpliedSkip); err != nil {
		log.ErrorErr(log.CatLifecycle, "Failed to mark implied skip", err, "jobID", job.ID)
		return
	}
	if err := m.upstream.UpdateJobStatus(ctx, job.ID, domain.StatusImpliedSkip); err != nil {
		log.ErrorErr(log.CatLifecycle, "Failed to report implied skip", err, "jobID", job.ID)
	}
	if err := m.timers.CancelAllForTarget(job.ID); err != nil {
		log.ErrorErr(log.CatLifecycle, "Failed to cancel timers", err, "jobID", job.ID)
	}
	log.Info(log.CatLifecycle, "Job implied-skipped", "jobID", job.ID)
}

// ReconcileOnce pulls authoritative statuses for recently-active users and
// applies any terminal status the coordinator holds that the local store
// does not. Operator actions are silent: no DM is sent.
func (m *Manager) ReconcileOnce(ctx context.Context) {
	npubs, err := m.jobs.RecentUserNpubs(m.cfg.RetentionWindow)
	if err != nil {
		log.ErrorErr(log.CatLifecycle, "Failed to list recent users", err)
		return
	}

	for _, npub := range npubs {
		info, err := m.upstream.GetUser(ctx, npub)
		if err != nil {
			log.ErrorErr(log.CatLifecycle, "Reconcile fetch failed", err, "npub", npub)
			continue
		}
		for _, brief := range info.Jobs {
			status := domain.JobStatus(brief.Status)
			if !status.IsTerminal() {
				continue
			}
			local, err := m.jobs.Get(brief.ID)
			if err != nil || local.Status.IsTerminal() {
				continue
			}
			m.reconcileJob(brief.ID, status)
		}
	}
}

// reconcileJob applies one authoritative terminal status: overwrite the
// local row, cancel every timer, purge the dispatch structures, drop the
// session.
func (m *Manager) reconcileJob(jobID string, status domain.JobStatus) {
	if err := m.jobs.ForceStatus(jobID, status); err != nil {
		log.ErrorErr(log.CatLifecycle, "Failed to force status", err, "jobID", jobID)
		return
	}
	if err := m.timers.CancelAllForTarget(jobID); err != nil {
		log.ErrorErr(log.CatLifecycle, "Failed to cancel timers", err, "jobID", jobID)
	}
	m.gate.Remove(jobID)
	m.conversations.OnJobRemoved(jobID)
	log.Info(log.CatLifecycle, "Job reconciled", "jobID", jobID, "status", string(status))
}

// CleanupOnce deletes terminal jobs older than the retention window.
func (m *Manager) CleanupOnce(_ context.Context) {
	cutoff := m.clock.Now().Add(-m.cfg.RetentionWindow)
	n, err := m.jobs.DeleteTerminalOlderThan(cutoff)
	if err != nil {
		log.ErrorErr(log.CatLifecycle, "Cleanup failed", err)
		return
	}
	if n > 0 {
		log.Info(log.CatLifecycle, "Purged old terminal jobs", "count", n)
	}
}

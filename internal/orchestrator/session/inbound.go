package session

import (
	"context"
	"errors"

	"github.com/zjrosen/concierge/internal/domain"
	"github.com/zjrosen/concierge/internal/log"
	"github.com/zjrosen/concierge/internal/messaging"
)

// HandleInbound is the conversational front door: every decrypted user DM
// lands here. The message is logged exactly once, classified, and routed by
// the user's current session state. While a challenge is pending the body
// may be a one-time code, so those messages are logged through the redactor;
// everything else is logged verbatim.
func (m *Manager) HandleInbound(ctx context.Context, npub domain.Npub, body string) {
	_, state := m.sessionState(npub)
	if state == domain.SessionAwaitingOTP || state == domain.SessionAwaitingCredential {
		m.sender.RecordInboundRedacted(npub, body)
	} else {
		m.sender.RecordInbound(npub, body)
	}

	intent := messaging.Classify(body)
	log.Debug(log.CatSession, "Inbound message", "npub", npub, "state", string(state), "intent", string(intent))

	switch state {
	case domain.SessionIdle, domain.SessionOTPConfirm:
		m.handleIdleMessage(ctx, npub, intent)

	case domain.SessionAwaitingOTP:
		switch intent {
		case messaging.IntentCancel, messaging.IntentNo:
			m.CancelSession(ctx, npub)
		case messaging.IntentCode:
			if err := m.HandleOTPInput(ctx, npub, body); err != nil {
				log.ErrorErr(log.CatSession, "Failed to relay code", err, "npub", npub)
			}
		default:
			// Anything else while a code is expected is noise.
		}

	case domain.SessionAwaitingCredential:
		switch intent {
		case messaging.IntentCancel, messaging.IntentNo:
			m.CancelSession(ctx, npub)
		default:
			// Free text and bare digits are both plausible secret values.
			if err := m.HandleCredentialInput(ctx, npub, body); err != nil {
				log.ErrorErr(log.CatSession, "Failed to relay credential", err, "npub", npub)
			}
		}

	case domain.SessionExecuting:
		if intent == messaging.IntentCancel {
			m.CancelSession(ctx, npub)
		}

	case domain.SessionInvoiceSent:
		// The work is done and billed. The invoice stands until it is paid
		// or expires; a cancel here cannot erase the debt.
		if intent == messaging.IntentCancel {
			log.Info(log.CatSession, "Cancel after invoice ignored", "npub", npub)
		}
	}
}

// handleIdleMessage routes consent-phase intents: yes, no, skip, snooze.
func (m *Manager) handleIdleMessage(ctx context.Context, npub domain.Npub, intent messaging.Intent) {
	job, err := m.jobs.FindOutreachJobForUser(npub)
	if err != nil {
		var notFound *domain.JobNotFoundError
		if !errors.As(err, &notFound) {
			log.ErrorErr(log.CatSession, "Failed to look up outreach job", err, "npub", npub)
		}
		return
	}

	switch intent {
	case messaging.IntentYes:
		if err := m.HandleYes(ctx, npub, job); err != nil {
			log.ErrorErr(log.CatSession, "Failed to start execution", err, "npub", npub, "jobID", job.ID)
		}
	case messaging.IntentNo, messaging.IntentSkip:
		m.HandleSkip(ctx, npub, job)
	case messaging.IntentSnooze:
		m.HandleSnooze(ctx, npub, job)
	}
}

// HandleSkip records that the user declined: job goes user_skip locally and
// upstream, every timer for it is cancelled, and the user gets an ack.
func (m *Manager) HandleSkip(ctx context.Context, npub domain.Npub, job *domain.Job) {
	mu := m.userLock(npub)
	mu.Lock()
	defer mu.Unlock()

	m.markJob(ctx, job.ID, domain.StatusUserSkip)
	if err := m.timers.CancelAllForTarget(job.ID); err != nil {
		log.ErrorErr(log.CatSession, "Failed to cancel timers on skip", err, "jobID", job.ID)
	}
	m.sendCopy(ctx, npub, "skip_ack", map[string]any{"Service": job.ServiceID})
	log.Info(log.CatSession, "Job skipped by user", "npub", npub, "jobID", job.ID)
}

// HandleSnooze pushes the conversation out one interval: job goes snoozed
// and the outreach timer is rescheduled.
func (m *Manager) HandleSnooze(ctx context.Context, npub domain.Npub, job *domain.Job) {
	mu := m.userLock(npub)
	mu.Lock()
	defer mu.Unlock()

	m.markJob(ctx, job.ID, domain.StatusSnoozed)
	fireAt := m.clock.Now().Add(m.cfg.OutreachInterval)
	if err := m.timers.Schedule(domain.TimerOutreach, job.ID, fireAt, ""); err != nil {
		log.ErrorErr(log.CatSession, "Failed to reschedule outreach", err, "jobID", job.ID)
	}
	m.sendCopy(ctx, npub, "snooze_ack", map[string]any{"Service": job.ServiceID})
	log.Info(log.CatSession, "Job snoozed by user", "npub", npub, "jobID", job.ID)
}

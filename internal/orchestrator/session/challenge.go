package session

import (
	"context"
	"fmt"

	"github.com/zjrosen/concierge/internal/domain"
	"github.com/zjrosen/concierge/internal/log"
)

// HandleOTPNeeded reacts to the worker's code prompt: move to AWAITING_OTP,
// ask the user for the code, and restart the challenge timeout.
func (m *Manager) HandleOTPNeeded(ctx context.Context, jobID, service string) error {
	session, err := m.sessions.FindByJobID(jobID)
	if err != nil {
		return fmt.Errorf("no session for job %s: %w", jobID, err)
	}

	mu := m.userLock(session.UserNpub)
	mu.Lock()
	defer mu.Unlock()

	session.State = domain.SessionAwaitingOTP
	if err := m.sessions.Save(session); err != nil {
		return fmt.Errorf("saving session: %w", err)
	}
	if err := m.armOTPTimeout(jobID); err != nil {
		return err
	}

	m.sendChallengeCopy(ctx, session.UserNpub, "otp_prompt", map[string]any{"Service": service})
	log.Info(log.CatSession, "Awaiting code", "npub", session.UserNpub, "jobID", jobID)
	return nil
}

// HandleCredentialNeeded is the same protocol as HandleOTPNeeded for an
// arbitrary named secret. The expected name is remembered in memory so the
// user's next free-text reply can be routed.
func (m *Manager) HandleCredentialNeeded(ctx context.Context, jobID, service, name string) error {
	session, err := m.sessions.FindByJobID(jobID)
	if err != nil {
		return fmt.Errorf("no session for job %s: %w", jobID, err)
	}

	mu := m.userLock(session.UserNpub)
	mu.Lock()
	defer mu.Unlock()

	m.mu.Lock()
	m.pendingCredential[jobID] = name
	m.mu.Unlock()

	session.State = domain.SessionAwaitingCredential
	if err := m.sessions.Save(session); err != nil {
		return fmt.Errorf("saving session: %w", err)
	}
	if err := m.armOTPTimeout(jobID); err != nil {
		return err
	}

	action := ""
	if job, err := m.jobs.Get(jobID); err == nil {
		action = string(job.Action)
	}
	m.sendCopy(ctx, session.UserNpub, "credential_prompt", map[string]any{
		"Service": service,
		"Action":  action,
		"Name":    name,
	})
	log.Info(log.CatSession, "Awaiting credential", "npub", session.UserNpub, "jobID", jobID, "name", name)
	return nil
}

// HandleOTPInput relays a user-supplied code to the worker and returns the
// session to EXECUTING. The inbound message was already logged (redacted) by
// the messaging adapter; it is not logged again here.
func (m *Manager) HandleOTPInput(ctx context.Context, npub domain.Npub, code string) error {
	mu := m.userLock(npub)
	mu.Lock()
	defer mu.Unlock()

	session, state := m.sessionState(npub)
	if state != domain.SessionAwaitingOTP {
		log.Warn(log.CatSession, "Dropping code outside AWAITING_OTP", "npub", npub, "state", string(state))
		return nil
	}

	if err := m.worker.SendOTP(ctx, session.JobID, code); err != nil {
		return fmt.Errorf("relaying code: %w", err)
	}

	session.State = domain.SessionExecuting
	session.OTPAttempts++
	if err := m.sessions.Save(session); err != nil {
		return fmt.Errorf("saving session: %w", err)
	}
	// The challenge was answered; the timeout restarts as an execution
	// watchdog rather than going away.
	return m.armOTPTimeout(session.JobID)
}

// HandleCredentialInput relays a free-text secret under the name the worker
// asked for.
func (m *Manager) HandleCredentialInput(ctx context.Context, npub domain.Npub, value string) error {
	mu := m.userLock(npub)
	mu.Lock()
	defer mu.Unlock()

	session, state := m.sessionState(npub)
	if state != domain.SessionAwaitingCredential {
		log.Warn(log.CatSession, "Dropping credential outside AWAITING_CREDENTIAL", "npub", npub, "state", string(state))
		return nil
	}

	m.mu.Lock()
	name := m.pendingCredential[session.JobID]
	delete(m.pendingCredential, session.JobID)
	m.mu.Unlock()
	if name == "" {
		log.Warn(log.CatSession, "No pending credential name for job", "jobID", session.JobID)
		return nil
	}

	if err := m.worker.SendCredential(ctx, session.JobID, name, value); err != nil {
		return fmt.Errorf("relaying credential: %w", err)
	}

	session.State = domain.SessionExecuting
	session.OTPAttempts++
	if err := m.sessions.Save(session); err != nil {
		return fmt.Errorf("saving session: %w", err)
	}
	return m.armOTPTimeout(session.JobID)
}

// HandleOTPTimeout fires when the user never answered a challenge (or an
// execution ran past its watchdog). The worker job is aborted, the job goes
// user_abandon, the user is told, and the session closes. A no-op when the
// session is already gone.
func (m *Manager) HandleOTPTimeout(ctx context.Context, jobID string) {
	session, err := m.sessions.FindByJobID(jobID)
	if err != nil {
		log.Debug(log.CatSession, "Challenge timeout for closed session", "jobID", jobID)
		return
	}

	mu := m.userLock(session.UserNpub)
	mu.Lock()
	defer mu.Unlock()

	// Re-read under the lock; the session may have closed while we waited.
	session, err = m.sessions.FindByJobID(jobID)
	if err != nil {
		return
	}

	if err := m.worker.Abort(ctx, jobID); err != nil {
		log.ErrorErr(log.CatSession, "Failed to abort timed-out job", err, "jobID", jobID)
	}
	m.markJob(ctx, jobID, domain.StatusUserAbandon)

	service := ""
	if job, err := m.jobs.Get(jobID); err == nil {
		service = job.ServiceID
	}
	m.sendCopy(ctx, session.UserNpub, "otp_timeout", map[string]any{"Service": service})
	m.closeSession(session.UserNpub, jobID)
}

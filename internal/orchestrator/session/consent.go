package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/zjrosen/concierge/internal/domain"
	"github.com/zjrosen/concierge/internal/log"
	"github.com/zjrosen/concierge/internal/upstream"
)

// HandleYes moves a consenting user into execution: fetch and unseal their
// credentials, persist the session, mark the job active, dispatch through
// the gate, and arm the challenge timeout.
//
// If upstream rejects the active transition the job was reconciled terminal
// in the interim; nothing is dispatched and the session is deleted.
func (m *Manager) HandleYes(ctx context.Context, npub domain.Npub, job *domain.Job) error {
	mu := m.userLock(npub)
	mu.Lock()
	defer mu.Unlock()
	return m.startExecution(ctx, npub, job)
}

// startExecution is HandleYes minus the lock; callers already hold the
// user's lock.
func (m *Manager) startExecution(ctx context.Context, npub domain.Npub, job *domain.Job) error {
	if _, state := m.sessionState(npub); state != domain.SessionIdle && state != domain.SessionOTPConfirm {
		log.Warn(log.CatSession, "Ignoring consent while session busy", "npub", npub, "state", string(state))
		return nil
	}

	sealed, err := m.upstream.GetCredentials(ctx, npub, job.ServiceID)
	if err != nil {
		return fmt.Errorf("fetching credentials: %w", err)
	}
	creds, err := m.unsealer.Unseal(sealed.Sealed)
	if err != nil {
		return fmt.Errorf("unsealing credentials: %w", err)
	}

	if err := m.sessions.Save(&domain.Session{
		UserNpub: npub,
		State:    domain.SessionExecuting,
		JobID:    job.ID,
	}); err != nil {
		return fmt.Errorf("saving session: %w", err)
	}

	if err := m.jobs.UpdateStatus(job.ID, domain.StatusActive); err != nil {
		log.ErrorErr(log.CatSession, "Failed to mark local job active", err, "jobID", job.ID)
	}
	if err := m.upstream.UpdateJobStatus(ctx, job.ID, domain.StatusActive); err != nil {
		var rejected *upstream.StatusRejectedError
		if errors.As(err, &rejected) {
			// Upstream is authoritative; the job went terminal under us.
			log.Warn(log.CatSession, "Upstream refused activation; abandoning dispatch",
				"jobID", job.ID, "detail", rejected.Detail)
			m.closeSession(npub, job.ID)
			return nil
		}
		log.ErrorErr(log.CatSession, "Failed to report active status", err, "jobID", job.ID)
	}

	queued, err := m.dispatcher.Dispatch(ctx, job, creds)
	if err != nil {
		log.ErrorErr(log.CatSession, "Dispatch failed", err, "jobID", job.ID)
		m.markJob(ctx, job.ID, domain.StatusFailed)
		m.sendCopy(ctx, npub, "failure_generic", map[string]any{
			"Service": job.ServiceID, "Action": string(job.Action),
		})
		m.closeSession(npub, job.ID)
		return err
	}
	if queued {
		m.sendCopy(ctx, npub, "queued_notice", map[string]any{
			"Service": job.ServiceID, "Action": string(job.Action),
		})
	}

	if err := m.armOTPTimeout(job.ID); err != nil {
		return err
	}
	log.Info(log.CatSession, "Execution started", "npub", npub, "jobID", job.ID, "queued", queued)
	return nil
}

// armOTPTimeout schedules (or supersedes) the challenge timeout for a job.
func (m *Manager) armOTPTimeout(jobID string) error {
	fireAt := m.clock.Now().Add(m.cfg.OTPTimeout)
	if err := m.timers.Schedule(domain.TimerOTPTimeout, jobID, fireAt, ""); err != nil {
		return fmt.Errorf("arming challenge timeout: %w", err)
	}
	return nil
}

// CLIDispatch describes an operator-initiated job that bypasses outreach.
type CLIDispatch struct {
	UserNpub        domain.Npub
	ServiceID       string
	Action          domain.Action
	PlanID          string
	PlanDisplayName string
}

// HandleCLIDispatch inserts a cli-triggered job and starts execution
// immediately, skipping the consent conversation.
func (m *Manager) HandleCLIDispatch(ctx context.Context, req CLIDispatch) (string, error) {
	mu := m.userLock(req.UserNpub)
	mu.Lock()
	defer mu.Unlock()

	now := m.clock.Now()
	job := &domain.Job{
		ID:              "cli-" + strconv.FormatInt(now.Unix(), 10),
		UserNpub:        req.UserNpub,
		ServiceID:       req.ServiceID,
		Action:          req.Action,
		Trigger:         domain.TriggerCLI,
		Status:          domain.StatusPending,
		PlanID:          req.PlanID,
		PlanDisplayName: req.PlanDisplayName,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := m.jobs.Save(job); err != nil {
		return "", fmt.Errorf("saving cli job: %w", err)
	}

	if err := m.startExecution(ctx, req.UserNpub, job); err != nil {
		return "", err
	}
	return job.ID, nil
}

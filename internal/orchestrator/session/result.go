package session

import (
	"context"
	"fmt"

	"github.com/zjrosen/concierge/internal/domain"
	"github.com/zjrosen/concierge/internal/log"
	"github.com/zjrosen/concierge/internal/upstream"
)

// ResultReport is the worker's completion callback payload.
type ResultReport struct {
	JobID           string  `json:"job_id"`
	Success         bool    `json:"success"`
	AccessEndDate   string  `json:"access_end_date,omitempty"`
	Error           string  `json:"error,omitempty"`
	ErrorCode       string  `json:"error_code,omitempty"`
	DurationSeconds float64 `json:"duration_seconds"`
	Stats           any     `json:"stats,omitempty"`
}

// ErrorCodeCredentialInvalid marks failures caused by rejected saved
// credentials; the user-facing copy differs from the generic failure.
const ErrorCodeCredentialInvalid = "credential_invalid"

// HandleResult finishes a job: bill on success, apologize on failure,
// always tell the operator about failures, and close or advance the session.
func (m *Manager) HandleResult(ctx context.Context, report ResultReport) error {
	session, err := m.sessions.FindByJobID(report.JobID)
	if err != nil {
		log.Warn(log.CatSession, "Result for unknown session", "jobID", report.JobID)
		return nil
	}

	mu := m.userLock(session.UserNpub)
	mu.Lock()
	defer mu.Unlock()

	job, err := m.jobs.Get(report.JobID)
	if err != nil {
		return fmt.Errorf("loading job: %w", err)
	}

	if !report.Success {
		m.handleFailure(ctx, session, job, report)
		return nil
	}
	return m.handleSuccess(ctx, session, job, report)
}

func (m *Manager) handleSuccess(ctx context.Context, session *domain.Session, job *domain.Job, report ResultReport) error {
	// The action log is forensic; it must never block or fail the session.
	go func() {
		entry := upstream.ActionLog{
			JobID:           report.JobID,
			Success:         true,
			AccessEndDate:   report.AccessEndDate,
			DurationSeconds: report.DurationSeconds,
			Stats:           report.Stats,
		}
		if err := m.upstream.PostActionLog(context.Background(), entry); err != nil {
			log.ErrorErr(log.CatSession, "Failed to post action log", err, "jobID", report.JobID)
		}
	}()

	if report.AccessEndDate != "" {
		if err := m.jobs.SetAccessEndDate(job.ID, report.AccessEndDate); err != nil {
			log.ErrorErr(log.CatSession, "Failed to record access end date", err, "jobID", job.ID)
		}
	}

	m.sendSuccessCopy(ctx, session.UserNpub, job, report.AccessEndDate)

	// Operator-dispatched jobs are not billed.
	if job.Trigger == domain.TriggerCLI {
		m.markJob(ctx, job.ID, domain.StatusCompletedPaid)
		m.closeSession(session.UserNpub, job.ID)
		return nil
	}

	invoice, err := m.upstream.CreateInvoice(ctx, job.ID, m.cfg.PriceSats)
	if err != nil {
		log.ErrorErr(log.CatSession, "Failed to create invoice", err, "jobID", job.ID)
		m.sender.NotifyOperator(ctx,
			fmt.Sprintf("invoice creation failed for job %s: %v", job.ID, err),
			session.UserNpub)
		m.markJob(ctx, job.ID, domain.StatusFailed)
		m.closeSession(session.UserNpub, job.ID)
		return err
	}
	if err := m.jobs.SetInvoice(job.ID, invoice.InvoiceID, invoice.AmountSats); err != nil {
		log.ErrorErr(log.CatSession, "Failed to record invoice", err, "jobID", job.ID)
	}

	// Amount first, raw payment request as its own bubble for easy copy.
	m.sendCopy(ctx, session.UserNpub, "invoice_amount", map[string]any{"AmountSats": invoice.AmountSats})
	if err := m.sender.Send(ctx, session.UserNpub, invoice.Bolt11); err != nil {
		log.ErrorErr(log.CatSession, "Failed to send payment request", err, "jobID", job.ID)
	}

	session.State = domain.SessionInvoiceSent
	if err := m.sessions.Save(session); err != nil {
		return fmt.Errorf("saving session: %w", err)
	}

	if err := m.timers.Cancel(domain.TimerOTPTimeout, job.ID); err != nil {
		log.ErrorErr(log.CatSession, "Failed to cancel challenge timeout", err, "jobID", job.ID)
	}
	fireAt := m.clock.Now().Add(m.cfg.PaymentTimeout)
	if err := m.timers.Schedule(domain.TimerPaymentExpiry, job.ID, fireAt, ""); err != nil {
		return fmt.Errorf("arming payment expiry: %w", err)
	}

	log.Info(log.CatSession, "Invoice sent", "npub", session.UserNpub, "jobID", job.ID,
		"amountSats", invoice.AmountSats)
	return nil
}

func (m *Manager) sendSuccessCopy(ctx context.Context, npub domain.Npub, job *domain.Job, accessEndDate string) {
	switch {
	case job.Action == domain.ActionResume:
		m.sendCopy(ctx, npub, "success_resume", map[string]any{
			"Service":         job.ServiceID,
			"PlanDisplayName": job.PlanDisplayName,
		})
	case accessEndDate != "":
		m.sendCopy(ctx, npub, "success_cancel", map[string]any{
			"Service":       job.ServiceID,
			"AccessEndDate": accessEndDate,
		})
	default:
		m.sendCopy(ctx, npub, "success_cancel_no_date", map[string]any{"Service": job.ServiceID})
	}
}

func (m *Manager) handleFailure(ctx context.Context, session *domain.Session, job *domain.Job, report ResultReport) {
	template := "failure_generic"
	if report.ErrorCode == ErrorCodeCredentialInvalid {
		template = "failure_credentials"
	}
	m.sendCopy(ctx, session.UserNpub, template, map[string]any{
		"Service": job.ServiceID,
		"Action":  string(job.Action),
	})

	m.sender.NotifyOperator(ctx,
		fmt.Sprintf("job %s (%s %s) failed: %s [%s]",
			job.ID, job.ServiceID, job.Action, report.Error, report.ErrorCode),
		session.UserNpub)

	m.markJob(ctx, job.ID, domain.StatusFailed)
	m.closeSession(session.UserNpub, job.ID)
}

// HandlePaymentReceived reacts to the upstream paid push: close out the job
// and thank the user. A no-op once the job is terminal.
func (m *Manager) HandlePaymentReceived(ctx context.Context, jobID string) {
	session, err := m.sessions.FindByJobID(jobID)
	if err != nil {
		log.Debug(log.CatSession, "Payment push for closed session", "jobID", jobID)
		return
	}

	mu := m.userLock(session.UserNpub)
	mu.Lock()
	defer mu.Unlock()

	job, err := m.jobs.Get(jobID)
	if err != nil || job.Status.IsTerminal() {
		return
	}

	m.markJob(ctx, jobID, domain.StatusCompletedPaid)
	m.sendCopy(ctx, session.UserNpub, "payment_thanks", map[string]any{
		"Service": job.ServiceID,
		"Action":  string(job.Action),
	})
	m.closeSession(session.UserNpub, jobID)
}

// HandlePaymentExpired reacts to the expiry timer or the upstream expired
// push: the job goes completed_reneged and the user learns their new debt
// total, fetched fresh at this moment.
func (m *Manager) HandlePaymentExpired(ctx context.Context, jobID string) {
	session, err := m.sessions.FindByJobID(jobID)
	if err != nil {
		log.Debug(log.CatSession, "Payment expiry for closed session", "jobID", jobID)
		return
	}

	mu := m.userLock(session.UserNpub)
	mu.Lock()
	defer mu.Unlock()

	job, err := m.jobs.Get(jobID)
	if err != nil || job.Status.IsTerminal() {
		return
	}

	m.markJob(ctx, jobID, domain.StatusCompletedReneged)

	var debt int64
	if info, err := m.upstream.GetUser(ctx, session.UserNpub); err == nil {
		debt = info.DebtSats
	} else {
		log.ErrorErr(log.CatSession, "Failed to fetch debt total", err, "npub", session.UserNpub)
		debt = job.AmountSats
	}
	m.sendCopy(ctx, session.UserNpub, "payment_expired", map[string]any{
		"Service":  job.ServiceID,
		"DebtSats": debt,
	})
	m.closeSession(session.UserNpub, jobID)
}

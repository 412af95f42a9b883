package testutil

import (
	"time"

	"github.com/zjrosen/concierge/internal/domain"
)

// defaultJob returns a dispatched outreach cancel job for the given id.
func defaultJob(id string) domain.Job {
	now := time.Now()
	return domain.Job{
		ID:        id,
		UserNpub:  "npub-" + id,
		ServiceID: "netflix",
		Action:    domain.ActionCancel,
		Trigger:   domain.TriggerOutreach,
		Status:    domain.StatusDispatched,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// JobOption configures a job during builder setup.
type JobOption func(*domain.Job)

// ForUser sets the job's user npub.
func ForUser(npub domain.Npub) JobOption {
	return func(j *domain.Job) { j.UserNpub = npub }
}

// Service sets the job's service id.
func Service(serviceID string) JobOption {
	return func(j *domain.Job) { j.ServiceID = serviceID }
}

// WithAction sets the job action.
func WithAction(a domain.Action) JobOption {
	return func(j *domain.Job) { j.Action = a }
}

// WithTrigger sets how the job entered the system.
func WithTrigger(tr domain.Trigger) JobOption {
	return func(j *domain.Job) { j.Trigger = tr }
}

// WithStatus sets the job status.
func WithStatus(s domain.JobStatus) JobOption {
	return func(j *domain.Job) { j.Status = s }
}

// BillingDate sets the expected next charge date.
func BillingDate(date string) JobOption {
	return func(j *domain.Job) { j.BillingDate = date }
}

// OutreachCount sets how many outreach messages were already sent.
func OutreachCount(n int) JobOption {
	return func(j *domain.Job) { j.OutreachCount = n }
}

// Invoice sets the billing fields.
func Invoice(invoiceID string, amountSats int64) JobOption {
	return func(j *domain.Job) {
		j.InvoiceID = invoiceID
		j.AmountSats = amountSats
	}
}

// Plan sets the resume plan selection.
func Plan(planID, displayName string) JobOption {
	return func(j *domain.Job) {
		j.PlanID = planID
		j.PlanDisplayName = displayName
	}
}

// CreatedAt sets the creation timestamp.
func CreatedAt(t time.Time) JobOption {
	return func(j *domain.Job) { j.CreatedAt = t }
}

// UpdatedAt sets the update timestamp.
func UpdatedAt(t time.Time) JobOption {
	return func(j *domain.Job) { j.UpdatedAt = t }
}

// SessionOption configures a session during builder setup.
type SessionOption func(*domain.Session)

// InState sets the session state.
func InState(s domain.SessionState) SessionOption {
	return func(sess *domain.Session) { sess.State = s }
}

// DrivingJob sets the job the session is driving.
func DrivingJob(jobID string) SessionOption {
	return func(sess *domain.Session) { sess.JobID = jobID }
}

// OTPAttempts sets the challenge attempt counter.
func OTPAttempts(n int) SessionOption {
	return func(sess *domain.Session) { sess.OTPAttempts = n }
}

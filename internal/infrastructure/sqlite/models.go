package sqlite

import (
	"database/sql"
	"time"

	"github.com/zjrosen/concierge/internal/domain"
)

// jobModel mirrors a row of the jobs table.
type jobModel struct {
	ID              string
	UserNpub        string
	ServiceID       string
	Action          string
	Trigger         string
	Status          string
	BillingDate     sql.NullString
	AccessEndDate   sql.NullString
	OutreachCount   int
	NextOutreachAt  sql.NullInt64
	AmountSats      int64
	InvoiceID       string
	PlanID          string
	PlanDisplayName string
	CreatedAt       int64
	UpdatedAt       int64
}

func (m *jobModel) toDomain() *domain.Job {
	job := &domain.Job{
		ID:              m.ID,
		UserNpub:        m.UserNpub,
		ServiceID:       m.ServiceID,
		Action:          domain.Action(m.Action),
		Trigger:         domain.Trigger(m.Trigger),
		Status:          domain.JobStatus(m.Status),
		BillingDate:     m.BillingDate.String,
		AccessEndDate:   m.AccessEndDate.String,
		OutreachCount:   m.OutreachCount,
		AmountSats:      m.AmountSats,
		InvoiceID:       m.InvoiceID,
		PlanID:          m.PlanID,
		PlanDisplayName: m.PlanDisplayName,
		CreatedAt:       time.Unix(m.CreatedAt, 0).UTC(),
		UpdatedAt:       time.Unix(m.UpdatedAt, 0).UTC(),
	}
	if m.NextOutreachAt.Valid {
		t := time.Unix(m.NextOutreachAt.Int64, 0).UTC()
		job.NextOutreachAt = &t
	}
	return job
}

func toJobModel(job *domain.Job) *jobModel {
	m := &jobModel{
		ID:              job.ID,
		UserNpub:        job.UserNpub,
		ServiceID:       job.ServiceID,
		Action:          string(job.Action),
		Trigger:         string(job.Trigger),
		Status:          string(job.Status),
		OutreachCount:   job.OutreachCount,
		AmountSats:      job.AmountSats,
		InvoiceID:       job.InvoiceID,
		PlanID:          job.PlanID,
		PlanDisplayName: job.PlanDisplayName,
		CreatedAt:       job.CreatedAt.Unix(),
		UpdatedAt:       job.UpdatedAt.Unix(),
	}
	if job.BillingDate != "" {
		m.BillingDate = sql.NullString{String: job.BillingDate, Valid: true}
	}
	if job.AccessEndDate != "" {
		m.AccessEndDate = sql.NullString{String: job.AccessEndDate, Valid: true}
	}
	if job.NextOutreachAt != nil {
		m.NextOutreachAt = sql.NullInt64{Int64: job.NextOutreachAt.Unix(), Valid: true}
	}
	return m
}

// sessionModel mirrors a row of the sessions table.
type sessionModel struct {
	UserNpub    string
	State       string
	JobID       sql.NullString
	OTPAttempts int
}

func (m *sessionModel) toDomain() *domain.Session {
	return &domain.Session{
		UserNpub:    m.UserNpub,
		State:       domain.SessionState(m.State),
		JobID:       m.JobID.String,
		OTPAttempts: m.OTPAttempts,
	}
}

// timerModel mirrors a row of the timers table.
type timerModel struct {
	ID       int64
	Type     string
	TargetID string
	FireAt   int64
	Fired    bool
	Payload  string
}

func (m *timerModel) toDomain() *domain.Timer {
	return &domain.Timer{
		ID:       m.ID,
		Type:     domain.TimerType(m.Type),
		TargetID: m.TargetID,
		FireAt:   time.Unix(m.FireAt, 0).UTC(),
		Fired:    m.Fired,
		Payload:  m.Payload,
	}
}

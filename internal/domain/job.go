// Package domain defines the core entities shared by the orchestrator and
// worker: jobs, per-user sessions, and persistent timers. It contains only
// pure Go with standard library imports; persistence lives in
// internal/infrastructure/sqlite.
package domain

import (
	"fmt"
	"time"
)

// Npub is an opaque 64-hex-character public key identifying a user on the
// messaging transport.
type Npub = string

// Action is the job action requested by or for a user.
type Action string

const (
	ActionCancel Action = "cancel"
	ActionResume Action = "resume"
)

// Trigger records how a job entered the system.
type Trigger string

const (
	TriggerOutreach      Trigger = "outreach"
	TriggerUserInitiated Trigger = "user_initiated"
	TriggerCLI           Trigger = "cli"
)

// JobStatus is the lifecycle status of a job.
type JobStatus string

const (
	// Live statuses.
	StatusPending      JobStatus = "pending"
	StatusDispatched   JobStatus = "dispatched"
	StatusOutreachSent JobStatus = "outreach_sent"
	StatusSnoozed      JobStatus = "snoozed"
	StatusActive       JobStatus = "active"

	// Terminal statuses. A terminal status is absorbing: the upstream
	// coordinator rejects any further transition.
	StatusCompletedPaid    JobStatus = "completed_paid"
	StatusCompletedReneged JobStatus = "completed_reneged"
	StatusUserSkip         JobStatus = "user_skip"
	StatusImpliedSkip      JobStatus = "implied_skip"
	StatusUserAbandon      JobStatus = "user_abandon"
	StatusFailed           JobStatus = "failed"
)

// String returns the string representation of the status.
func (s JobStatus) String() string {
	return string(s)
}

// IsTerminal returns true for absorbing statuses.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case StatusCompletedPaid, StatusCompletedReneged, StatusUserSkip,
		StatusImpliedSkip, StatusUserAbandon, StatusFailed:
		return true
	default:
		return false
	}
}

// IsLive returns true for statuses that may still progress.
func (s JobStatus) IsLive() bool {
	switch s {
	case StatusPending, StatusDispatched, StatusOutreachSent, StatusSnoozed, StatusActive:
		return true
	default:
		return false
	}
}

// OutreachEligible returns true for statuses that may receive outreach DMs.
func (s JobStatus) OutreachEligible() bool {
	switch s {
	case StatusDispatched, StatusOutreachSent, StatusSnoozed:
		return true
	default:
		return false
	}
}

// IsValid returns true if the status is a recognized job status.
func (s JobStatus) IsValid() bool {
	return s.IsLive() || s.IsTerminal()
}

// Job is the unit of work. IDs are uuid-v4, or "cli-<epoch>" for
// operator-dispatched jobs.
type Job struct {
	ID        string
	UserNpub  Npub
	ServiceID string
	Action    Action
	Trigger   Trigger
	Status    JobStatus

	// BillingDate is the expected next charge date (ISO-8601 date), if known.
	BillingDate string
	// AccessEndDate is the actual end of access after a successful cancel.
	AccessEndDate string

	OutreachCount  int
	NextOutreachAt *time.Time

	// Billing fields, set once an invoice exists.
	AmountSats int64
	InvoiceID  string

	// Resume-only plan selection.
	PlanID          string
	PlanDisplayName string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// JobNotFoundError indicates a job does not exist in the local store.
type JobNotFoundError struct {
	ID string
}

func (e *JobNotFoundError) Error() string {
	return fmt.Sprintf("job not found: %s", e.ID)
}

// TerminalStatusError indicates an attempted transition out of an absorbing
// status.
type TerminalStatusError struct {
	ID     string
	Status JobStatus
}

func (e *TerminalStatusError) Error() string {
	return fmt.Sprintf("job %s is terminal (%s); no further transitions accepted", e.ID, e.Status)
}

package upstream

import "github.com/zjrosen/concierge/internal/domain"

// PendingJob is a job row as the coordinator reports it.
type PendingJob struct {
	ID              string `json:"id"`
	UserNpub        string `json:"user_npub"`
	ServiceID       string `json:"service_id"`
	Action          string `json:"action"`
	Trigger         string `json:"trigger"`
	Status          string `json:"status"`
	BillingDate     string `json:"billing_date,omitempty"`
	PlanID          string `json:"plan_id,omitempty"`
	PlanDisplayName string `json:"plan_display_name,omitempty"`
	Immediate       bool   `json:"immediate,omitempty"`
}

// ClaimResult partitions a claim submission into accepted and refused ids.
type ClaimResult struct {
	Claimed []string `json:"claimed"`
	Blocked []string `json:"blocked"`
}

// UserInfo is the coordinator's view of a user: debt plus the authoritative
// status of their jobs. Reconciliation reads the job briefs.
type UserInfo struct {
	Npub     string           `json:"npub"`
	DebtSats int64            `json:"debt_sats"`
	Jobs     []JobStatusBrief `json:"jobs,omitempty"`
}

// JobStatusBrief is the coordinator's authoritative status for one job.
type JobStatusBrief struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// SealedCredentials is the encrypted credential bundle for one service.
type SealedCredentials struct {
	Npub      string `json:"npub"`
	ServiceID string `json:"service_id"`
	Sealed    string `json:"sealed"`
}

// Invoice is the payment request created for a completed job.
type Invoice struct {
	InvoiceID  string `json:"invoice_id"`
	AmountSats int64  `json:"amount_sats"`
	Bolt11     string `json:"bolt11"`
}

// ActionLog is the per-job execution record posted after success.
type ActionLog struct {
	JobID           string  `json:"job_id"`
	Success         bool    `json:"success"`
	AccessEndDate   string  `json:"access_end_date,omitempty"`
	DurationSeconds float64 `json:"duration_seconds"`
	Stats           any     `json:"stats,omitempty"`
}

// StatusRejectedError is returned when the coordinator refuses a status
// transition, usually because the job was reconciled terminal in the interim.
type StatusRejectedError struct {
	JobID  string
	Status domain.JobStatus
	Detail string
}

func (e *StatusRejectedError) Error() string {
	return "upstream rejected status " + string(e.Status) + " for job " + e.JobID + ": " + e.Detail
}

// Push message types delivered over the websocket.
const (
	PushJobPaymentReceived   = "job_payment_received"
	PushJobPaymentExpired    = "job_payment_expired"
	PushAudioPaymentReceived = "audio_payment_received"
	PushInviteReady          = "invite_ready"
)

// PushEvent is one message from the coordinator's push socket.
type PushEvent struct {
	Type string `json:"type"`
	Data struct {
		JobID    string `json:"job_id,omitempty"`
		UserNpub string `json:"user_npub,omitempty"`
	} `json:"data"`
}

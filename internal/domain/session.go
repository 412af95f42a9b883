package domain

import "fmt"

// SessionState is the conversational state of a user's session.
// Absence of a session row means IDLE.
type SessionState string

const (
	// SessionIdle is the implicit state of a user with no session row.
	SessionIdle SessionState = "IDLE"

	// SessionOTPConfirm is a pre-dispatch confirmation state. It exists in
	// the data model and its transitions are wired, but the current surface
	// collapses "yes" directly to EXECUTING; pre-flight OTP warnings are
	// carried in the outreach copy instead.
	SessionOTPConfirm SessionState = "OTP_CONFIRM"

	// SessionExecuting means a worker is driving a browser for this user.
	SessionExecuting SessionState = "EXECUTING"

	// SessionAwaitingOTP means the worker asked for a one-time code.
	SessionAwaitingOTP SessionState = "AWAITING_OTP"

	// SessionAwaitingCredential means the worker asked for a named secret.
	SessionAwaitingCredential SessionState = "AWAITING_CREDENTIAL"

	// SessionInvoiceSent means the job succeeded and payment is pending.
	SessionInvoiceSent SessionState = "INVOICE_SENT"
)

// String returns the string representation of the state.
func (s SessionState) String() string {
	return string(s)
}

// IsValid returns true if the state is a recognized session state.
func (s SessionState) IsValid() bool {
	switch s {
	case SessionIdle, SessionOTPConfirm, SessionExecuting,
		SessionAwaitingOTP, SessionAwaitingCredential, SessionInvoiceSent:
		return true
	default:
		return false
	}
}

// NeedsWorker returns true for states in which a worker job is (or may be)
// running on the user's behalf.
func (s SessionState) NeedsWorker() bool {
	switch s {
	case SessionExecuting, SessionAwaitingOTP, SessionAwaitingCredential:
		return true
	default:
		return false
	}
}

// Session is the per-user conversation state. At most one session exists per
// user at any instant; UserNpub is the primary key.
type Session struct {
	UserNpub Npub
	State    SessionState
	// JobID is the job this session is driving; empty when none.
	JobID string
	// OTPAttempts counts challenge codes supplied within this session.
	OTPAttempts int
}

// SessionNotFoundError indicates no session row exists for a user.
type SessionNotFoundError struct {
	UserNpub Npub
}

func (e *SessionNotFoundError) Error() string {
	return fmt.Sprintf("no session for user %s", e.UserNpub)
}

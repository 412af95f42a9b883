package testutil

import (
	"time"

	"github.com/zjrosen/concierge/internal/domain"
)

// WithOutreachInFlight adds a dispatched job awaiting a first reply, with its
// outreach timer armed.
func (b *Builder) WithOutreachInFlight(jobID string, npub domain.Npub) *Builder {
	return b.
		WithJob(jobID, ForUser(npub), WithStatus(domain.StatusOutreachSent), OutreachCount(1)).
		WithTimer(domain.TimerOutreach, jobID, time.Now().Add(24*time.Hour))
}

// WithExecutingConversation adds an active job with its session in EXECUTING
// and the challenge watchdog armed.
func (b *Builder) WithExecutingConversation(jobID string, npub domain.Npub) *Builder {
	return b.
		WithJob(jobID, ForUser(npub), WithStatus(domain.StatusActive)).
		WithSession(npub, InState(domain.SessionExecuting), DrivingJob(jobID)).
		WithTimer(domain.TimerOTPTimeout, jobID, time.Now().Add(10*time.Minute))
}

// WithInvoiceAwaitingPayment adds a job that succeeded and is waiting on its
// invoice, with payment expiry armed.
func (b *Builder) WithInvoiceAwaitingPayment(jobID string, npub domain.Npub, amountSats int64) *Builder {
	return b.
		WithJob(jobID, ForUser(npub), WithStatus(domain.StatusActive), Invoice("inv-"+jobID, amountSats)).
		WithSession(npub, InState(domain.SessionInvoiceSent), DrivingJob(jobID)).
		WithTimer(domain.TimerPaymentExpiry, jobID, time.Now().Add(24*time.Hour))
}

package domain

import "time"

// TimerType classifies scheduled events. OUTREACH, LAST_CHANCE and
// IMPLIED_SKIP fires are handled by the lifecycle manager; OTP_TIMEOUT and
// PAYMENT_EXPIRY by the conversation state machine.
type TimerType string

const (
	TimerOutreach      TimerType = "OUTREACH"
	TimerLastChance    TimerType = "LAST_CHANCE"
	TimerImpliedSkip   TimerType = "IMPLIED_SKIP"
	TimerOTPTimeout    TimerType = "OTP_TIMEOUT"
	TimerPaymentExpiry TimerType = "PAYMENT_EXPIRY"
)

// IsValid returns true if the type is a recognized timer type.
func (t TimerType) IsValid() bool {
	switch t {
	case TimerOutreach, TimerLastChance, TimerImpliedSkip, TimerOTPTimeout, TimerPaymentExpiry:
		return true
	default:
		return false
	}
}

// Timer is a persisted scheduled event. The effective key is
// (Type, TargetID): scheduling a timer supersedes any unfired prior instance
// with the same type and target.
type Timer struct {
	ID       int64
	Type     TimerType
	TargetID string // usually a job id
	FireAt   time.Time
	Fired    bool
	Payload  string // optional JSON payload carried to the handler
}

package messaging

import (
	"context"
	"fmt"
	"strings"

	"github.com/zjrosen/concierge/internal/infrastructure/sqlite"
	"github.com/zjrosen/concierge/internal/log"
)

// MessageLog is the subset of the sqlite message repository the sender needs.
type MessageLog interface {
	Append(npub string, direction sqlite.MessageDirection, body string) error
}

// DMSender wraps a Transport with forensic message logging and the
// two-bubble operator notification convention. Messages exchanged during a
// challenge are logged through the code redactor; everything else is logged
// verbatim.
type DMSender struct {
	transport    Transport
	messages     MessageLog
	operatorNpub string
}

// NewDMSender creates a DMSender. messages may be nil, in which case no
// forensic log is written (used by some tests).
func NewDMSender(transport Transport, messages MessageLog, operatorNpub string) *DMSender {
	return &DMSender{
		transport:    transport,
		messages:     messages,
		operatorNpub: operatorNpub,
	}
}

// Send delivers a DM and appends the body to the message log verbatim.
// Copy that can carry a code goes through SendRedacted instead; invoice
// amounts and billing dates must survive into the forensic log intact.
func (s *DMSender) Send(ctx context.Context, npub, body string) error {
	if err := s.transport.SendDM(ctx, npub, body); err != nil {
		return fmt.Errorf("sending dm: %w", err)
	}
	s.logMessage(npub, sqlite.DirectionOutbound, body)
	return nil
}

// SendRedacted delivers a DM and logs it with code-like digit runs replaced.
// Used for outbound copy sent while a challenge is pending.
func (s *DMSender) SendRedacted(ctx context.Context, npub, body string) error {
	if err := s.transport.SendDM(ctx, npub, body); err != nil {
		return fmt.Errorf("sending dm: %w", err)
	}
	s.logMessage(npub, sqlite.DirectionOutbound, Redact(body))
	return nil
}

// RecordInbound appends an inbound message to the log verbatim. The state
// machine must not log the same message again.
func (s *DMSender) RecordInbound(npub, body string) {
	s.logMessage(npub, sqlite.DirectionInbound, body)
}

// RecordInboundRedacted appends an inbound message with code-like digit runs
// replaced. The state machine calls this instead of RecordInbound while the
// user is answering a challenge, so one-time codes never reach the log.
func (s *DMSender) RecordInboundRedacted(npub, body string) {
	s.logMessage(npub, sqlite.DirectionInbound, Redact(body))
}

// NotifyOperator sends the failure notice and then the user npub as a
// second message bubble so the operator can copy it directly.
func (s *DMSender) NotifyOperator(ctx context.Context, message, userNpub string) {
	if s.operatorNpub == "" {
		log.Warn(log.CatDM, "No operator configured; dropping notification", "message", message)
		return
	}
	if err := s.Send(ctx, s.operatorNpub, message); err != nil {
		log.ErrorErr(log.CatDM, "Failed to notify operator", err)
		return
	}
	if userNpub == "" {
		return
	}
	if err := s.Send(ctx, s.operatorNpub, userNpub); err != nil {
		log.ErrorErr(log.CatDM, "Failed to send operator npub bubble", err)
	}
}

// OperatorNpub returns the configured operator identity.
func (s *DMSender) OperatorNpub() string {
	return s.operatorNpub
}

// IsOperator reports whether npub is the operator identity.
func (s *DMSender) IsOperator(npub string) bool {
	return s.operatorNpub != "" && strings.EqualFold(npub, s.operatorNpub)
}

func (s *DMSender) logMessage(npub string, dir sqlite.MessageDirection, body string) {
	if s.messages == nil {
		return
	}
	if err := s.messages.Append(npub, dir, body); err != nil {
		// Forensics only; a log failure must not fail the send.
		log.ErrorErr(log.CatDM, "Failed to append message log", err, "npub", npub)
	}
}

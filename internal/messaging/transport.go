// Package messaging adapts the encrypted messaging transport for the
// orchestrator: outbound DMs with forensic logging and redaction, inbound
// intent classification, and the outreach copy templates.
//
// The transport itself (relay connections, key handling, message crypto) is
// an external collaborator behind the Transport interface.
package messaging

import "context"

// Transport sends direct messages to users over the encrypted transport.
type Transport interface {
	// SendDM delivers a message to the user identified by npub.
	SendDM(ctx context.Context, npub, body string) error
}

// InboundHandler receives decrypted inbound DMs from the transport adapter.
type InboundHandler func(ctx context.Context, npub, body string)

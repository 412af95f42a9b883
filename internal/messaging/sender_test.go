package messaging

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/concierge/internal/infrastructure/sqlite"
)

type fakeTransport struct {
	sent []sentDM
	err  error
}

type sentDM struct {
	npub string
	body string
}

func (f *fakeTransport) SendDM(_ context.Context, npub, body string) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentDM{npub: npub, body: body})
	return nil
}

type fakeMessageLog struct {
	entries []loggedMessage
}

type loggedMessage struct {
	npub      string
	direction sqlite.MessageDirection
	body      string
}

func (f *fakeMessageLog) Append(npub string, direction sqlite.MessageDirection, body string) error {
	f.entries = append(f.entries, loggedMessage{npub: npub, direction: direction, body: body})
	return nil
}

func TestSendLogsVerbatim(t *testing.T) {
	transport := &fakeTransport{}
	msgLog := &fakeMessageLog{}
	sender := NewDMSender(transport, msgLog, "npub1operator")

	// Invoice copy carries a digit run that is not a code; the log must
	// keep it readable.
	err := sender.Send(context.Background(), "npub1user", "That'll be 3000 sats.")
	require.NoError(t, err)

	require.Len(t, transport.sent, 1)
	require.Equal(t, "That'll be 3000 sats.", transport.sent[0].body)
	require.Len(t, msgLog.entries, 1)
	require.Equal(t, "That'll be 3000 sats.", msgLog.entries[0].body)
	require.Equal(t, sqlite.DirectionOutbound, msgLog.entries[0].direction)
}

func TestSendRedactedStripsCodes(t *testing.T) {
	transport := &fakeTransport{}
	msgLog := &fakeMessageLog{}
	sender := NewDMSender(transport, msgLog, "npub1operator")

	err := sender.SendRedacted(context.Background(), "npub1user", "your code is 123456")
	require.NoError(t, err)

	// The wire carries the real body; the log never does.
	require.Len(t, transport.sent, 1)
	require.Equal(t, "your code is 123456", transport.sent[0].body)
	require.Len(t, msgLog.entries, 1)
	require.Equal(t, "your code is [redacted]", msgLog.entries[0].body)
}

func TestSendTransportFailureSkipsLog(t *testing.T) {
	transport := &fakeTransport{err: errors.New("relay down")}
	msgLog := &fakeMessageLog{}
	sender := NewDMSender(transport, msgLog, "")

	err := sender.Send(context.Background(), "npub1user", "hello")
	require.Error(t, err)
	require.Empty(t, msgLog.entries)
}

func TestRecordInbound(t *testing.T) {
	msgLog := &fakeMessageLog{}
	sender := NewDMSender(&fakeTransport{}, msgLog, "")

	// Outside a challenge a digit run is just a message ("renew on 0315").
	sender.RecordInbound("npub1user", "4821")
	require.Len(t, msgLog.entries, 1)
	require.Equal(t, sqlite.DirectionInbound, msgLog.entries[0].direction)
	require.Equal(t, "4821", msgLog.entries[0].body)

	// During a challenge the same message is a code and never lands.
	sender.RecordInboundRedacted("npub1user", "4821")
	require.Len(t, msgLog.entries, 2)
	require.Equal(t, "[redacted]", msgLog.entries[1].body)
}

func TestNotifyOperatorTwoBubbles(t *testing.T) {
	transport := &fakeTransport{}
	sender := NewDMSender(transport, nil, "npub1operator")

	sender.NotifyOperator(context.Background(), "job j1 failed: login rejected", "npub1user")

	require.Len(t, transport.sent, 2)
	require.Equal(t, "npub1operator", transport.sent[0].npub)
	require.Equal(t, "job j1 failed: login rejected", transport.sent[0].body)
	require.Equal(t, "npub1user", transport.sent[1].body)
}

func TestNotifyOperatorNoOperatorConfigured(t *testing.T) {
	transport := &fakeTransport{}
	sender := NewDMSender(transport, nil, "")

	sender.NotifyOperator(context.Background(), "something broke", "npub1user")

	require.Empty(t, transport.sent)
}

func TestIsOperator(t *testing.T) {
	sender := NewDMSender(&fakeTransport{}, nil, "npub1operator")
	require.True(t, sender.IsOperator("npub1operator"))
	require.False(t, sender.IsOperator("npub1user"))

	none := NewDMSender(&fakeTransport{}, nil, "")
	require.False(t, none.IsOperator(""))
}

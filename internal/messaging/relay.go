package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zjrosen/concierge/internal/log"
)

// relay reconnect backoff bounds.
const (
	relayBackoffMin = time.Second
	relayBackoffMax = 30 * time.Second
)

// dmFrame is one message on the relay socket, both directions.
type dmFrame struct {
	To   string `json:"to,omitempty"`
	From string `json:"from,omitempty"`
	Body string `json:"body"`
}

// RelayTransport speaks to the encrypted messaging daemon over a websocket.
// The daemon owns the relay connections and the message crypto; this side
// only exchanges plaintext frames with it. Implements Transport.
type RelayTransport struct {
	urls        []string
	identityKey string
	dialer      *websocket.Dialer

	mu   sync.Mutex
	conn *websocket.Conn

	handler InboundHandler
}

// NewRelayTransport creates a transport for the given relay daemon URLs.
// URLs are tried in order on every (re)connect.
func NewRelayTransport(urls []string, identityKey string) *RelayTransport {
	return &RelayTransport{
		urls:        urls,
		identityKey: identityKey,
		dialer:      websocket.DefaultDialer,
	}
}

// OnInbound installs the handler for decrypted inbound DMs. Must be set
// before Run.
func (t *RelayTransport) OnInbound(handler InboundHandler) {
	t.handler = handler
}

// SendDM writes one outbound frame. Fails when no relay is connected; the
// callers treat DM delivery as best-effort and log.
func (t *RelayTransport) SendDM(_ context.Context, npub, body string) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("relay not connected")
	}

	payload, err := json.Marshal(dmFrame{To: npub, Body: body})
	if err != nil {
		return fmt.Errorf("encoding dm frame: %w", err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return fmt.Errorf("relay not connected")
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("writing dm frame: %w", err)
	}
	return nil
}

// Run connects and consumes inbound frames until ctx is cancelled,
// reconnecting with a doubling delay.
func (t *RelayTransport) Run(ctx context.Context) error {
	if len(t.urls) == 0 {
		return fmt.Errorf("no relay urls configured")
	}
	delay := relayBackoffMin
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		url := t.urls[attempt%len(t.urls)]
		attempt++

		header := http.Header{}
		if t.identityKey != "" {
			header.Set("Authorization", "Bearer "+t.identityKey)
		}
		conn, _, err := t.dialer.DialContext(ctx, url, header)
		if err != nil {
			log.Warn(log.CatDM, "Relay dial failed", "url", url, "error", err.Error())
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			if delay *= 2; delay > relayBackoffMax {
				delay = relayBackoffMax
			}
			continue
		}

		log.Info(log.CatDM, "Relay connected", "url", url)
		delay = relayBackoffMin
		t.setConn(conn)
		t.consume(ctx, conn)
		t.setConn(nil)
	}
}

func (t *RelayTransport) setConn(conn *websocket.Conn) {
	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
}

// consume reads frames until the connection drops or ctx is cancelled.
func (t *RelayTransport) consume(ctx context.Context, conn *websocket.Conn) {
	defer func() { _ = conn.Close() }()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				log.Warn(log.CatDM, "Relay read failed", "error", err.Error())
			}
			return
		}

		var frame dmFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			log.Warn(log.CatDM, "Dropping malformed dm frame", "error", err.Error())
			continue
		}
		if frame.From == "" {
			log.Warn(log.CatDM, "Dropping dm frame with no sender")
			continue
		}
		if t.handler != nil {
			t.handler(ctx, frame.From, frame.Body)
		}
	}
}

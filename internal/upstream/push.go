package upstream

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zjrosen/concierge/internal/log"
)

// PushHandler receives decoded push events. Handlers run on the listener
// goroutine and should return quickly.
type PushHandler func(ctx context.Context, event PushEvent)

// reconnect backoff bounds for the push socket.
const (
	pushBackoffMin = time.Second
	pushBackoffMax = 30 * time.Second
)

// PushListener maintains a websocket to the coordinator's push endpoint and
// delivers events to a handler. It reconnects forever until the context is
// cancelled.
type PushListener struct {
	url     string
	handler PushHandler
	dialer  *websocket.Dialer
}

// NewPushListener creates a listener for the coordinator push socket.
func NewPushListener(url string, handler PushHandler) *PushListener {
	return &PushListener{
		url:     url,
		handler: handler,
		dialer:  websocket.DefaultDialer,
	}
}

// Run connects and consumes events until ctx is cancelled. Each disconnect
// doubles the reconnect delay up to a cap; a successful read resets it.
func (l *PushListener) Run(ctx context.Context) error {
	delay := pushBackoffMin
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		conn, _, err := l.dialer.DialContext(ctx, l.url, nil)
		if err != nil {
			log.Warn(log.CatUpstream, "Push socket dial failed", "url", l.url, "error", err.Error())
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			if delay *= 2; delay > pushBackoffMax {
				delay = pushBackoffMax
			}
			continue
		}

		log.Info(log.CatUpstream, "Push socket connected", "url", l.url)
		delay = pushBackoffMin
		l.consume(ctx, conn)
	}
}

// consume reads events until the connection drops or ctx is cancelled.
func (l *PushListener) consume(ctx context.Context, conn *websocket.Conn) {
	defer func() { _ = conn.Close() }()

	// Unblock ReadMessage when the context is cancelled.
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
				log.Warn(log.CatUpstream, "Push socket read failed", "error", err.Error())
			}
			return
		}

		var event PushEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			log.Warn(log.CatUpstream, "Dropping malformed push event", "error", err.Error())
			continue
		}
		if event.Type == "" {
			log.Warn(log.CatUpstream, "Dropping push event with no type")
			continue
		}

		log.Debug(log.CatUpstream, "Push event", "type", event.Type, "jobID", event.Data.JobID)
		l.handler(ctx, event)
	}
}

// Package timerqueue scans the persisted timer table and routes due timers
// to their handlers. Durability lives in sqlite; this package only decides
// when to look and who to call.
package timerqueue

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/zjrosen/concierge/internal/domain"
	"github.com/zjrosen/concierge/internal/log"
	"github.com/zjrosen/concierge/internal/tracing"
)

// TimerStore is the subset of the timer repository the runner needs.
type TimerStore interface {
	ClaimDue(now time.Time) ([]*domain.Timer, error)
}

// Handler processes one fired timer. Handlers must be idempotent: a timer
// can fire for a job that went terminal after the timer was armed.
type Handler func(ctx context.Context, timer *domain.Timer)

// DefaultScanInterval is how often the runner checks for due timers.
const DefaultScanInterval = time.Second

// Runner polls the timer store and dispatches fired timers by type.
type Runner struct {
	store    TimerStore
	clock    Clock
	interval time.Duration
	handlers map[domain.TimerType]Handler
}

// NewRunner creates a Runner. A nil clock defaults to RealClock; a zero
// interval defaults to DefaultScanInterval.
func NewRunner(store TimerStore, clock Clock, interval time.Duration) *Runner {
	if clock == nil {
		clock = RealClock{}
	}
	if interval <= 0 {
		interval = DefaultScanInterval
	}
	return &Runner{
		store:    store,
		clock:    clock,
		interval: interval,
		handlers: make(map[domain.TimerType]Handler),
	}
}

// Register installs the handler for a timer type. Must be called before Run;
// the handler map is not locked.
func (r *Runner) Register(t domain.TimerType, h Handler) {
	r.handlers[t] = h
}

// Run scans until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	for {
		timer := r.clock.NewTimer(r.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C():
		}
		r.Scan(ctx)
	}
}

// Scan claims everything due right now and dispatches it. Exposed so tests
// and recovery paths can force a pass without waiting for the tick.
func (r *Runner) Scan(ctx context.Context) {
	due, err := r.store.ClaimDue(r.clock.Now())
	if err != nil {
		log.ErrorErr(log.CatTimer, "Failed to claim due timers", err)
		return
	}

	for _, t := range due {
		handler, ok := r.handlers[t.Type]
		if !ok {
			log.Warn(log.CatTimer, "No handler for timer type", "type", string(t.Type), "targetID", t.TargetID)
			continue
		}
		log.Debug(log.CatTimer, "Timer fired", "type", string(t.Type), "targetID", t.TargetID)
		r.dispatch(ctx, handler, t)
	}
}

// dispatch runs one handler with panic containment so a bad handler cannot
// take down the scan loop.
func (r *Runner) dispatch(ctx context.Context, handler Handler, t *domain.Timer) {
	ctx, span := tracing.Start(ctx, tracing.SpanPrefixTimer+string(t.Type),
		attribute.String(tracing.AttrTimerType, string(t.Type)),
		attribute.String(tracing.AttrTimerTarget, t.TargetID))
	defer span.End()
	defer func() {
		if rec := recover(); rec != nil {
			log.Error(log.CatTimer, "Timer handler panicked",
				"type", string(t.Type), "targetID", t.TargetID, "panic", rec)
		}
	}()
	handler(ctx, t)
}

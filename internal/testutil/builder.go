package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/concierge/internal/domain"
	"github.com/zjrosen/concierge/internal/infrastructure/sqlite"
)

// timerData holds a timer to be scheduled.
type timerData struct {
	timerType domain.TimerType
	targetID  string
	fireAt    time.Time
}

// Builder accumulates fixtures and inserts them in the correct order.
type Builder struct {
	t        *testing.T
	db       *sqlite.DB
	jobs     []domain.Job
	sessions []domain.Session
	timers   []timerData
}

// NewBuilder creates a builder for the given test database.
func NewBuilder(t *testing.T, db *sqlite.DB) *Builder {
	t.Helper()
	return &Builder{t: t, db: db}
}

// WithJob adds a job with optional configuration.
func (b *Builder) WithJob(id string, opts ...JobOption) *Builder {
	job := defaultJob(id)
	for _, opt := range opts {
		opt(&job)
	}
	b.jobs = append(b.jobs, job)
	return b
}

// WithSession adds a session for a user.
func (b *Builder) WithSession(npub domain.Npub, opts ...SessionOption) *Builder {
	session := domain.Session{UserNpub: npub, State: domain.SessionExecuting}
	for _, opt := range opts {
		opt(&session)
	}
	b.sessions = append(b.sessions, session)
	return b
}

// WithTimer adds a scheduled timer.
func (b *Builder) WithTimer(t domain.TimerType, targetID string, fireAt time.Time) *Builder {
	b.timers = append(b.timers, timerData{timerType: t, targetID: targetID, fireAt: fireAt})
	return b
}

// Build inserts all accumulated fixtures. Jobs go first so session and timer
// rows can reference them.
func (b *Builder) Build() {
	b.t.Helper()
	for i := range b.jobs {
		require.NoError(b.t, b.db.Jobs().Save(&b.jobs[i]))
	}
	for i := range b.sessions {
		require.NoError(b.t, b.db.Sessions().Save(&b.sessions[i]))
	}
	for _, timer := range b.timers {
		require.NoError(b.t, b.db.Timers().Schedule(timer.timerType, timer.targetID, timer.fireAt, ""))
	}
}

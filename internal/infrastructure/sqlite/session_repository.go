package sqlite

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/zjrosen/concierge/internal/domain"
)

// SessionRepository persists per-user conversation sessions. Absence of a
// row means the user is IDLE.
type SessionRepository struct {
	db *sql.DB
}

// Save upserts the session row for a user.
func (r *SessionRepository) Save(session *domain.Session) error {
	var jobID sql.NullString
	if session.JobID != "" {
		jobID = sql.NullString{String: session.JobID, Valid: true}
	}
	_, err := r.db.Exec(
		`INSERT INTO sessions (user_npub, state, job_id, otp_attempts)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(user_npub) DO UPDATE SET
			state = excluded.state,
			job_id = excluded.job_id,
			otp_attempts = excluded.otp_attempts`,
		session.UserNpub, string(session.State), jobID, session.OTPAttempts,
	)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// Get retrieves the session for a user. Returns SessionNotFoundError if the
// user is IDLE (no row).
func (r *SessionRepository) Get(npub domain.Npub) (*domain.Session, error) {
	row := r.db.QueryRow(
		`SELECT user_npub, state, job_id, otp_attempts FROM sessions WHERE user_npub = ?`,
		npub,
	)
	var m sessionModel
	err := row.Scan(&m.UserNpub, &m.State, &m.JobID, &m.OTPAttempts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.SessionNotFoundError{UserNpub: npub}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return m.toDomain(), nil
}

// FindByJobID retrieves the session driving a job, if any.
func (r *SessionRepository) FindByJobID(jobID string) (*domain.Session, error) {
	row := r.db.QueryRow(
		`SELECT user_npub, state, job_id, otp_attempts FROM sessions WHERE job_id = ?`,
		jobID,
	)
	var m sessionModel
	err := row.Scan(&m.UserNpub, &m.State, &m.JobID, &m.OTPAttempts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.SessionNotFoundError{UserNpub: ""}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find session by job: %w", err)
	}
	return m.toDomain(), nil
}

// Delete removes the session row for a user. Deleting an absent session is
// not an error: cancel_session must be idempotent.
func (r *SessionRepository) Delete(npub domain.Npub) error {
	_, err := r.db.Exec(`DELETE FROM sessions WHERE user_npub = ?`, npub)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// DeleteByJobID removes any session referencing the job. Used by
// reconciliation when upstream reports a terminal status.
func (r *SessionRepository) DeleteByJobID(jobID string) error {
	_, err := r.db.Exec(`DELETE FROM sessions WHERE job_id = ?`, jobID)
	if err != nil {
		return fmt.Errorf("failed to delete session by job: %w", err)
	}
	return nil
}

package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/zjrosen/concierge/internal/domain"
)

// TimerRepository persists scheduled events. The effective key is
// (timer_type, target_id): Schedule supersedes any unfired prior instance.
type TimerRepository struct {
	db *sql.DB
}

// Schedule inserts a timer, deleting any unfired timer with the same type
// and target first so exactly one unfired row remains per key.
func (r *TimerRepository) Schedule(t domain.TimerType, targetID string, fireAt time.Time, payload string) error {
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin timer tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(
		`DELETE FROM timers WHERE timer_type = ? AND target_id = ? AND fired = 0`,
		string(t), targetID,
	); err != nil {
		return fmt.Errorf("failed to supersede timer: %w", err)
	}

	if _, err := tx.Exec(
		`INSERT INTO timers (timer_type, target_id, fire_at, fired, payload) VALUES (?, ?, ?, 0, ?)`,
		string(t), targetID, fireAt.Unix(), payload,
	); err != nil {
		return fmt.Errorf("failed to schedule timer: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit timer tx: %w", err)
	}
	return nil
}

// ClaimDue atomically marks all timers due at or before now as fired and
// returns them. A timer is delivered at most once.
func (r *TimerRepository) ClaimDue(now time.Time) ([]*domain.Timer, error) {
	tx, err := r.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.Query(
		`SELECT id, timer_type, target_id, fire_at, fired, payload
		 FROM timers WHERE fired = 0 AND fire_at <= ? ORDER BY fire_at, id`,
		now.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query due timers: %w", err)
	}

	var due []*domain.Timer
	for rows.Next() {
		var m timerModel
		if err := rows.Scan(&m.ID, &m.Type, &m.TargetID, &m.FireAt, &m.Fired, &m.Payload); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("failed to scan timer row: %w", err)
		}
		due = append(due, m.toDomain())
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("error iterating timer rows: %w", err)
	}
	_ = rows.Close()

	for _, t := range due {
		if _, err := tx.Exec(`UPDATE timers SET fired = 1 WHERE id = ?`, t.ID); err != nil {
			return nil, fmt.Errorf("failed to mark timer fired: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim tx: %w", err)
	}
	return due, nil
}

// Cancel removes the unfired timer with the given key, if any.
func (r *TimerRepository) Cancel(t domain.TimerType, targetID string) error {
	_, err := r.db.Exec(
		`DELETE FROM timers WHERE timer_type = ? AND target_id = ? AND fired = 0`,
		string(t), targetID,
	)
	if err != nil {
		return fmt.Errorf("failed to cancel timer: %w", err)
	}
	return nil
}

// CancelAllForTarget removes every unfired timer keyed to the target,
// regardless of type. Session close and reconciliation use this.
func (r *TimerRepository) CancelAllForTarget(targetID string) error {
	_, err := r.db.Exec(
		`DELETE FROM timers WHERE target_id = ? AND fired = 0`,
		targetID,
	)
	if err != nil {
		return fmt.Errorf("failed to cancel timers for target: %w", err)
	}
	return nil
}

// PendingForTarget returns unfired timers keyed to a target. Primarily used
// by tests and the health surface.
func (r *TimerRepository) PendingForTarget(targetID string) ([]*domain.Timer, error) {
	rows, err := r.db.Query(
		`SELECT id, timer_type, target_id, fire_at, fired, payload
		 FROM timers WHERE target_id = ? AND fired = 0 ORDER BY fire_at, id`,
		targetID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending timers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var timers []*domain.Timer
	for rows.Next() {
		var m timerModel
		if err := rows.Scan(&m.ID, &m.Type, &m.TargetID, &m.FireAt, &m.Fired, &m.Payload); err != nil {
			return nil, fmt.Errorf("failed to scan timer row: %w", err)
		}
		timers = append(timers, m.toDomain())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating timer rows: %w", err)
	}
	return timers, nil
}

// countUnfired is shared by tests via the exported CountUnfired.
func (r *TimerRepository) countUnfired(t domain.TimerType, targetID string) (int, error) {
	var n int
	err := r.db.QueryRow(
		`SELECT COUNT(*) FROM timers WHERE timer_type = ? AND target_id = ? AND fired = 0`,
		string(t), targetID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count timers: %w", err)
	}
	return n, nil
}

// CountUnfired returns the number of unfired timers for a (type, target) key.
func (r *TimerRepository) CountUnfired(t domain.TimerType, targetID string) (int, error) {
	return r.countUnfired(t, targetID)
}

package sqlite

import (
	"database/sql"
	"fmt"
	"time"
)

// MessageDirection marks a log entry as inbound or outbound.
type MessageDirection string

const (
	DirectionInbound  MessageDirection = "in"
	DirectionOutbound MessageDirection = "out"
)

// MessageEntry is one row of the append-only DM log. Bodies are stored
// post-redaction; the raw text of anything that looked like a one-time code
// never reaches disk.
type MessageEntry struct {
	ID        int64
	Npub      string
	Direction MessageDirection
	Body      string
	CreatedAt time.Time
}

// MessageLogRepository is the forensic DM log. It is not on the hot path.
type MessageLogRepository struct {
	db *sql.DB
}

// Append records a message. Callers are responsible for redacting the body
// first (see messaging.Redact).
func (r *MessageLogRepository) Append(npub string, direction MessageDirection, body string) error {
	_, err := r.db.Exec(
		`INSERT INTO message_log (npub, direction, body, created_at) VALUES (?, ?, ?, ?)`,
		npub, string(direction), body, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to append message log: %w", err)
	}
	return nil
}

// ListForUser returns the most recent entries for a user, oldest first,
// capped at limit (0 means no cap).
func (r *MessageLogRepository) ListForUser(npub string, limit int) ([]MessageEntry, error) {
	query := `SELECT id, npub, direction, body, created_at FROM message_log
		WHERE npub = ? ORDER BY id`
	args := []any{npub}
	if limit > 0 {
		query = `SELECT id, npub, direction, body, created_at FROM (
			SELECT id, npub, direction, body, created_at FROM message_log
			WHERE npub = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id`
		args = append(args, limit)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list message log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []MessageEntry
	for rows.Next() {
		var e MessageEntry
		var dir string
		var created int64
		if err := rows.Scan(&e.ID, &e.Npub, &dir, &e.Body, &created); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		e.Direction = MessageDirection(dir)
		e.CreatedAt = time.Unix(created, 0).UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating message rows: %w", err)
	}
	return entries, nil
}

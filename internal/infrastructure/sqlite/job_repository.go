package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/zjrosen/concierge/internal/domain"
)

// jobColumns is the list of columns to select for job queries.
const jobColumns = `id, user_npub, service_id, action, "trigger", status, billing_date,
	access_end_date, outreach_count, next_outreach_at, amount_sats, invoice_id,
	plan_id, plan_display_name, created_at, updated_at`

// JobRepository persists jobs claimed by this orchestrator.
type JobRepository struct {
	db *sql.DB
}

// scanJob scans a row into a jobModel.
func scanJob(scanner interface{ Scan(...any) error }) (*jobModel, error) {
	var m jobModel
	err := scanner.Scan(
		&m.ID, &m.UserNpub, &m.ServiceID, &m.Action, &m.Trigger, &m.Status,
		&m.BillingDate, &m.AccessEndDate, &m.OutreachCount, &m.NextOutreachAt,
		&m.AmountSats, &m.InvoiceID, &m.PlanID, &m.PlanDisplayName,
		&m.CreatedAt, &m.UpdatedAt,
	)
	return &m, err
}

// Save upserts a job row.
func (r *JobRepository) Save(job *domain.Job) error {
	m := toJobModel(job)
	_, err := r.db.Exec(
		`INSERT INTO jobs (
			id, user_npub, service_id, action, "trigger", status, billing_date,
			access_end_date, outreach_count, next_outreach_at, amount_sats,
			invoice_id, plan_id, plan_display_name, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			billing_date = excluded.billing_date,
			access_end_date = excluded.access_end_date,
			outreach_count = excluded.outreach_count,
			next_outreach_at = excluded.next_outreach_at,
			amount_sats = excluded.amount_sats,
			invoice_id = excluded.invoice_id,
			plan_id = excluded.plan_id,
			plan_display_name = excluded.plan_display_name,
			updated_at = excluded.updated_at`,
		m.ID, m.UserNpub, m.ServiceID, m.Action, m.Trigger, m.Status,
		m.BillingDate, m.AccessEndDate, m.OutreachCount, m.NextOutreachAt,
		m.AmountSats, m.InvoiceID, m.PlanID, m.PlanDisplayName,
		m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

// Get retrieves a job by id. Returns JobNotFoundError if absent.
func (r *JobRepository) Get(id string) (*domain.Job, error) {
	row := r.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	m, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.JobNotFoundError{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return m.toDomain(), nil
}

// UpdateStatus performs exactly one transition. A terminal status is
// absorbing: updating a terminal job to the same status is a no-op; updating
// it to anything else returns TerminalStatusError.
func (r *JobRepository) UpdateStatus(id string, status domain.JobStatus) error {
	current, err := r.Get(id)
	if err != nil {
		return err
	}
	if current.Status.IsTerminal() {
		if current.Status == status {
			return nil
		}
		return &domain.TerminalStatusError{ID: id, Status: current.Status}
	}

	_, err = r.db.Exec(
		`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}
	return nil
}

// ForceStatus overwrites the local status unconditionally. Reconciliation
// uses this when upstream reports a terminal status: upstream is
// authoritative, the local absorbing rule does not apply.
func (r *JobRepository) ForceStatus(id string, status domain.JobStatus) error {
	res, err := r.db.Exec(
		`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to force job status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return &domain.JobNotFoundError{ID: id}
	}
	return nil
}

// SetInvoice records the invoice issued for a successful job.
func (r *JobRepository) SetInvoice(id, invoiceID string, amountSats int64) error {
	_, err := r.db.Exec(
		`UPDATE jobs SET invoice_id = ?, amount_sats = ?, updated_at = ? WHERE id = ?`,
		invoiceID, amountSats, time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to set invoice: %w", err)
	}
	return nil
}

// SetAccessEndDate records the post-cancel access end date.
func (r *JobRepository) SetAccessEndDate(id, date string) error {
	_, err := r.db.Exec(
		`UPDATE jobs SET access_end_date = ?, updated_at = ? WHERE id = ?`,
		date, time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to set access end date: %w", err)
	}
	return nil
}

// RecordOutreach persists the outreach counter bump and next outreach time.
func (r *JobRepository) RecordOutreach(id string, count int, next time.Time) error {
	_, err := r.db.Exec(
		`UPDATE jobs SET outreach_count = ?, next_outreach_at = ?, updated_at = ? WHERE id = ?`,
		count, next.Unix(), time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to record outreach: %w", err)
	}
	return nil
}

// ListLive returns all jobs whose status is non-terminal.
func (r *JobRepository) ListLive() ([]*domain.Job, error) {
	return r.list(`SELECT ` + jobColumns + ` FROM jobs WHERE status IN
		('pending', 'dispatched', 'outreach_sent', 'snoozed', 'active')
		ORDER BY created_at`)
}

// FindOutreachJobForUser returns the newest job for a user that is still
// awaiting their answer. Used to resolve a bare "yes" or "skip" reply.
func (r *JobRepository) FindOutreachJobForUser(npub domain.Npub) (*domain.Job, error) {
	row := r.db.QueryRow(`SELECT `+jobColumns+` FROM jobs
		WHERE user_npub = ? AND status IN ('dispatched', 'outreach_sent', 'snoozed')
		ORDER BY created_at DESC LIMIT 1`, npub)
	m, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.JobNotFoundError{ID: ""}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find outreach job: %w", err)
	}
	return m.toDomain(), nil
}

// RecentUserNpubs returns the distinct users with jobs updated inside the
// window, newest first. Reconciliation asks upstream about these users.
func (r *JobRepository) RecentUserNpubs(window time.Duration) ([]string, error) {
	cutoff := time.Now().Add(-window).Unix()
	rows, err := r.db.Query(
		`SELECT DISTINCT user_npub FROM jobs WHERE updated_at >= ? ORDER BY updated_at DESC`,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var npubs []string
	for rows.Next() {
		var npub string
		if err := rows.Scan(&npub); err != nil {
			return nil, fmt.Errorf("failed to scan npub: %w", err)
		}
		npubs = append(npubs, npub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating npub rows: %w", err)
	}
	return npubs, nil
}

// DeleteTerminalOlderThan removes terminal jobs whose last update predates
// the cutoff, keeping local storage bounded. Returns the number removed.
func (r *JobRepository) DeleteTerminalOlderThan(cutoff time.Time) (int64, error) {
	res, err := r.db.Exec(
		`DELETE FROM jobs WHERE updated_at < ? AND status IN
		('completed_paid', 'completed_reneged', 'user_skip', 'implied_skip', 'user_abandon', 'failed')`,
		cutoff.Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old terminal jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

func (r *JobRepository) list(query string, args ...any) ([]*domain.Job, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var jobs []*domain.Job
	for rows.Next() {
		m, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job row: %w", err)
		}
		jobs = append(jobs, m.toDomain())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating job rows: %w", err)
	}
	return jobs, nil
}

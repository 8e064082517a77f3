// Package db persists applications and follow-up records.
//
// Every Store implements ConditionalUpdatePolicy as one atomic compare-and-set
// on the application's attempt count. Dispatch relies on it so that two
// overlapping dispatches for the same application cannot both advance the
// policy.
package db

import (
	"context"
	"strconv"
	"strings"

	"FollowUp/internal/models"
)

type Store interface {
	// FindEligibleApplications returns sent applications with
	// next_due_at <= nowMs and attempt_count < max_attempts, earliest due
	// first, at most limit rows.
	FindEligibleApplications(ctx context.Context, nowMs int64, limit int) ([]models.Application, error)

	// ConditionalUpdatePolicy applies upd only if the stored attempt count still
	// equals expectedAttemptCount. It returns false without error when the
	// precondition fails and apperr.ErrNotFound for an unknown id.
	ConditionalUpdatePolicy(ctx context.Context, appID string, expectedAttemptCount int, upd models.PolicyUpdate) (bool, error)

	CreateFollowUpRecord(ctx context.Context, rec *models.FollowUpRecord) error
	UpdateFollowUpRecordStatus(ctx context.Context, id string, status models.FollowUpStatus) error
	ListFollowUpRecords(ctx context.Context, appID string) ([]models.FollowUpRecord, error)

	InsertApplication(ctx context.Context, app *models.Application) error
	GetApplication(ctx context.Context, id string) (*models.Application, error)
	UpdateApplicationStatus(ctx context.Context, id string, status models.ApplicationStatus, nowMs int64) error

	Ping(ctx context.Context) error
	Close() error
}

// SchemaVersion is the schema version applied by the SQL stores.
const SchemaVersion = 1

var schema = []string{
	`CREATE TABLE IF NOT EXISTS applications (
		id              TEXT PRIMARY KEY,
		user_id         TEXT NOT NULL DEFAULT '',
		recipient_email TEXT NOT NULL,
		company         TEXT NOT NULL,
		position        TEXT NOT NULL,
		subject         TEXT NOT NULL DEFAULT '',
		status          TEXT NOT NULL,
		sent_at         BIGINT NULL,
		cadence_type    TEXT NOT NULL,
		interval_days   INTEGER NOT NULL,
		max_attempts    INTEGER NOT NULL,
		attempt_count   INTEGER NOT NULL DEFAULT 0,
		last_attempt_at BIGINT NULL,
		next_due_at     BIGINT NOT NULL,
		timezone        TEXT NOT NULL,
		created_at      BIGINT NOT NULL,
		updated_at      BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_applications_due ON applications(status, next_due_at)`,
	`CREATE TABLE IF NOT EXISTS followup_records (
		id                      TEXT PRIMARY KEY,
		recipient               TEXT NOT NULL,
		subject                 TEXT NOT NULL,
		content                 TEXT NOT NULL,
		original_application_id TEXT NOT NULL,
		attempt_number          INTEGER NOT NULL,
		status                  TEXT NOT NULL,
		sent_at                 BIGINT NOT NULL,
		created_at              BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_followup_records_app ON followup_records(original_application_id, attempt_number)`,
}

// Queries are written with ? placeholders; the Postgres store rebinds them.
const (
	applicationColumns = `id, user_id, recipient_email, company, position, subject, status, sent_at,
		cadence_type, interval_days, max_attempts, attempt_count, last_attempt_at, next_due_at, timezone,
		created_at, updated_at`

	recordColumns = `id, recipient, subject, content, original_application_id, attempt_number, status, sent_at, created_at`

	qInsertApplication = `INSERT INTO applications (` + applicationColumns + `)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`

	qGetApplication = `SELECT ` + applicationColumns + ` FROM applications WHERE id = ?`

	qFindEligible = `SELECT ` + applicationColumns + ` FROM applications
		WHERE status = ? AND next_due_at <= ? AND attempt_count < max_attempts
		ORDER BY next_due_at ASC, id ASC
		LIMIT ?`

	qConditionalUpdate = `UPDATE applications
		SET attempt_count = ?, last_attempt_at = ?, next_due_at = ?, updated_at = ?
		WHERE id = ? AND attempt_count = ?`

	qApplicationExists = `SELECT 1 FROM applications WHERE id = ?`

	qUpdateApplicationStatus = `UPDATE applications SET status = ?, updated_at = ? WHERE id = ?`

	qInsertRecord = `INSERT INTO followup_records (` + recordColumns + `) VALUES (?,?,?,?,?,?,?,?,?)`

	qUpdateRecordStatus = `UPDATE followup_records SET status = ? WHERE id = ?`

	qListRecords = `SELECT ` + recordColumns + ` FROM followup_records
		WHERE original_application_id = ?
		ORDER BY attempt_number ASC, created_at ASC`
)

// rebind rewrites ? placeholders as $1, $2, ...
func rebind(q string) string {
	var b strings.Builder
	b.Grow(len(q) + 16)
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// rowScanner is satisfied by *sql.Row, *sql.Rows, pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanApplication(row rowScanner) (*models.Application, error) {
	var (
		a      models.Application
		status string
		cad    string
	)
	err := row.Scan(
		&a.ID, &a.UserID, &a.RecipientEmail, &a.Company, &a.Position, &a.Subject, &status, &a.SentAt,
		&cad, &a.Policy.IntervalDays, &a.Policy.MaxAttempts, &a.Policy.AttemptCount,
		&a.Policy.LastAttemptAt, &a.Policy.NextDueAt, &a.Policy.Timezone,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Status = models.ApplicationStatus(status)
	a.Policy.CadenceType = models.CadenceType(cad)
	return &a, nil
}

func applicationArgs(a *models.Application) []any {
	return []any{
		a.ID, a.UserID, a.RecipientEmail, a.Company, a.Position, a.Subject, string(a.Status), a.SentAt,
		string(a.Policy.CadenceType), a.Policy.IntervalDays, a.Policy.MaxAttempts, a.Policy.AttemptCount,
		a.Policy.LastAttemptAt, a.Policy.NextDueAt, a.Policy.Timezone,
		a.CreatedAt, a.UpdatedAt,
	}
}

func scanRecord(row rowScanner) (*models.FollowUpRecord, error) {
	var (
		r      models.FollowUpRecord
		status string
	)
	err := row.Scan(&r.ID, &r.Recipient, &r.Subject, &r.Content, &r.OriginalApplicationID,
		&r.AttemptNumber, &status, &r.SentAt, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	r.Status = models.FollowUpStatus(status)
	return &r, nil
}

func recordArgs(r *models.FollowUpRecord) []any {
	return []any{r.ID, r.Recipient, r.Subject, r.Content, r.OriginalApplicationID,
		r.AttemptNumber, string(r.Status), r.SentAt, r.CreatedAt}
}

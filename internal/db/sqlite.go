package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"FollowUp/internal/apperr"
	"FollowUp/internal/models"
)

// SQLiteStore is the single-node store. It is also what local development
// and the integration tests run against.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and applies migrations.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("open sqlite: empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("open sqlite: create dir: %w", err)
	}

	// busy_timeout keeps the scheduler and API from failing on each other's writes.
	dsn := "file:" + path + "?mode=rwc&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open sqlite: ping: %w", err)
	}
	if err := Migrate(conn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	return &SQLiteStore{db: conn}, nil
}

// NewSQLite wraps an existing handle without migrating it.
func NewSQLite(conn *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: conn}
}

// Migrate ensures the schema exists and is at SchemaVersion.
func Migrate(conn *sql.DB) error {
	if conn == nil {
		return fmt.Errorf("migrate: db is nil")
	}

	if _, err := conn.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY)`); err != nil {
		return fmt.Errorf("migrate: create schema_migrations: %w", err)
	}

	var current int
	if err := conn.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("migrate: read current version: %w", err)
	}
	if current >= SchemaVersion {
		return nil
	}

	tx, err := conn.Begin()
	if err != nil {
		return fmt.Errorf("migrate: begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range schema {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	if _, err := tx.Exec(`INSERT INTO schema_migrations(version) VALUES (?)`, SchemaVersion); err != nil {
		return fmt.Errorf("migrate: record schema version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("migrate: commit transaction: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) InsertApplication(ctx context.Context, app *models.Application) error {
	if _, err := s.db.ExecContext(ctx, qInsertApplication, applicationArgs(app)...); err != nil {
		return fmt.Errorf("insert application: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetApplication(ctx context.Context, id string) (*models.Application, error) {
	app, err := scanApplication(s.db.QueryRowContext(ctx, qGetApplication, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("application", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get application: %w", err)
	}
	return app, nil
}

func (s *SQLiteStore) FindEligibleApplications(ctx context.Context, nowMs int64, limit int) ([]models.Application, error) {
	rows, err := s.db.QueryContext(ctx, qFindEligible, string(models.StatusSent), nowMs, limit)
	if err != nil {
		return nil, fmt.Errorf("find eligible: %w", err)
	}
	defer rows.Close()

	apps := make([]models.Application, 0, limit)
	for rows.Next() {
		app, err := scanApplication(rows)
		if err != nil {
			return nil, fmt.Errorf("find eligible: scan: %w", err)
		}
		apps = append(apps, *app)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("find eligible: %w", err)
	}
	return apps, nil
}

func (s *SQLiteStore) ConditionalUpdatePolicy(ctx context.Context, appID string, expectedAttemptCount int, upd models.PolicyUpdate) (bool, error) {
	res, err := s.db.ExecContext(ctx, qConditionalUpdate,
		upd.AttemptCount, upd.LastAttemptAt, upd.NextDueAt, upd.UpdatedAt, appID, expectedAttemptCount)
	if err != nil {
		return false, fmt.Errorf("conditional update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("conditional update: rows affected: %w", err)
	}
	if n == 1 {
		return true, nil
	}

	var one int
	err = s.db.QueryRowContext(ctx, qApplicationExists, appID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, apperr.NotFound("application", appID)
	}
	if err != nil {
		return false, fmt.Errorf("conditional update: %w", err)
	}
	return false, nil
}

func (s *SQLiteStore) UpdateApplicationStatus(ctx context.Context, id string, status models.ApplicationStatus, nowMs int64) error {
	return s.execOne(ctx, "application", id, qUpdateApplicationStatus, string(status), nowMs, id)
}

func (s *SQLiteStore) CreateFollowUpRecord(ctx context.Context, rec *models.FollowUpRecord) error {
	if _, err := s.db.ExecContext(ctx, qInsertRecord, recordArgs(rec)...); err != nil {
		return fmt.Errorf("create follow-up record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateFollowUpRecordStatus(ctx context.Context, id string, status models.FollowUpStatus) error {
	return s.execOne(ctx, "follow-up record", id, qUpdateRecordStatus, string(status), id)
}

func (s *SQLiteStore) ListFollowUpRecords(ctx context.Context, appID string) ([]models.FollowUpRecord, error) {
	rows, err := s.db.QueryContext(ctx, qListRecords, appID)
	if err != nil {
		return nil, fmt.Errorf("list follow-up records: %w", err)
	}
	defer rows.Close()

	var out []models.FollowUpRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("list follow-up records: scan: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// execOne runs an update that must touch exactly one row of kind id.
func (s *SQLiteStore) execOne(ctx context.Context, kind, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update %s: %w", kind, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update %s: rows affected: %w", kind, err)
	}
	if n == 0 {
		return apperr.NotFound(kind, id)
	}
	return nil
}

package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"FollowUp/internal/apperr"
	"FollowUp/internal/models"
)

type PostgresStore struct {
	Pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, conn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, conn)
	if err != nil {
		return nil, err
	}

	return &PostgresStore{Pool: pool}, nil
}

func (s *PostgresStore) Close() error {
	s.Pool.Close()
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.Pool.Ping(ctx)
}

// Migrate creates the schema if it is older than SchemaVersion.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.Pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY)`); err != nil {
		return fmt.Errorf("migrate: create schema_migrations: %w", err)
	}

	var current int
	if err := s.Pool.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("migrate: read current version: %w", err)
	}
	if current >= SchemaVersion {
		return nil
	}

	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("migrate: begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, stmt := range schema {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations(version) VALUES ($1)`, SchemaVersion); err != nil {
		return fmt.Errorf("migrate: record schema version: %w", err)
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) InsertApplication(ctx context.Context, app *models.Application) error {
	_, err := s.Pool.Exec(ctx, rebind(qInsertApplication), applicationArgs(app)...)
	if err != nil {
		return fmt.Errorf("insert application: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetApplication(ctx context.Context, id string) (*models.Application, error) {
	app, err := scanApplication(s.Pool.QueryRow(ctx, rebind(qGetApplication), id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("application", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get application: %w", err)
	}
	return app, nil
}

func (s *PostgresStore) FindEligibleApplications(ctx context.Context, nowMs int64, limit int) ([]models.Application, error) {
	rows, err := s.Pool.Query(ctx, rebind(qFindEligible), string(models.StatusSent), nowMs, limit)
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

func (s *PostgresStore) ConditionalUpdatePolicy(
	ctx context.Context,
	appID string,
	expectedAttemptCount int,
	upd models.PolicyUpdate,
) (bool, error) {

	tag, err := s.Pool.Exec(ctx, rebind(qConditionalUpdate),
		upd.AttemptCount,
		upd.LastAttemptAt,
		upd.NextDueAt,
		upd.UpdatedAt,
		appID,
		expectedAttemptCount,
	)
	if err != nil {
		return false, fmt.Errorf("conditional update: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	var one int
	err = s.Pool.QueryRow(ctx, rebind(qApplicationExists), appID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, apperr.NotFound("application", appID)
	}
	if err != nil {
		return false, fmt.Errorf("conditional update: %w", err)
	}
	return false, nil
}

func (s *PostgresStore) UpdateApplicationStatus(
	ctx context.Context,
	id string,
	status models.ApplicationStatus,
	nowMs int64,
) error {

	tag, err := s.Pool.Exec(ctx, rebind(qUpdateApplicationStatus), string(status), nowMs, id)
	if err != nil {
		return fmt.Errorf("update application status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("application", id)
	}
	return nil
}

func (s *PostgresStore) CreateFollowUpRecord(ctx context.Context, rec *models.FollowUpRecord) error {
	if _, err := s.Pool.Exec(ctx, rebind(qInsertRecord), recordArgs(rec)...); err != nil {
		return fmt.Errorf("create follow-up record: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateFollowUpRecordStatus(ctx context.Context, id string, status models.FollowUpStatus) error {
	tag, err := s.Pool.Exec(ctx, rebind(qUpdateRecordStatus), string(status), id)
	if err != nil {
		return fmt.Errorf("update follow-up record status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("follow-up record", id)
	}
	return nil
}

func (s *PostgresStore) ListFollowUpRecords(ctx context.Context, appID string) ([]models.FollowUpRecord, error) {
	rows, err := s.Pool.Query(ctx, rebind(qListRecords), appID)
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

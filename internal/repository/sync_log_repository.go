package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stanstork/ledgersync/internal/models"
)

var (
	ErrSyncLogNotFound = errors.New("sync log not found")
	// ErrSyncIDTaken means the sync id belongs to another user or tenant, or
	// its last attempt has not failed.
	ErrSyncIDTaken = errors.New("sync id already in use")
)

// SyncLogRepository records each sync attempt and its outcome.
type SyncLogRepository interface {
	// Create registers a queued sync. An existing sync id may only be
	// re-queued by its owner for the same tenant after it failed; the status
	// is reset and the attempt count kept. Otherwise ErrSyncIDTaken.
	Create(ctx context.Context, log models.SyncLog) error
	MarkRunning(ctx context.Context, job models.SyncJob, startedAt time.Time) error
	MarkSucceeded(ctx context.Context, syncID string, counts map[models.Entity]int, completedAt time.Time) error
	MarkFailed(ctx context.Context, syncID, message string, counts map[models.Entity]int, completedAt time.Time) error
	Get(ctx context.Context, userID, syncID string) (models.SyncLog, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]models.SyncLog, error)
}

type syncLogRepository struct {
	db *sql.DB
}

func NewSyncLogRepository(db *sql.DB) SyncLogRepository {
	return &syncLogRepository{db: db}
}

const syncLogColumns = `sync_id, user_id, tenant_id, entities, status, attempts, counts, error, queued_at, started_at, completed_at`

func (r *syncLogRepository) Create(ctx context.Context, log models.SyncLog) error {
	const query = `
		INSERT INTO sync_logs (sync_id, user_id, tenant_id, entities, status, attempts, queued_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6)
		ON CONFLICT (sync_id) DO UPDATE
		SET status = excluded.status,
		    entities = excluded.entities,
		    queued_at = excluded.queued_at,
		    error = NULL,
		    completed_at = NULL
		WHERE sync_logs.user_id = excluded.user_id
		  AND sync_logs.tenant_id = excluded.tenant_id
		  AND sync_logs.status = 'failed'
	`
	entities, err := json.Marshal(log.Entities)
	if err != nil {
		return fmt.Errorf("marshal entities: %w", err)
	}
	status := log.Status
	if status == "" {
		status = models.SyncStatusQueued
	}
	queuedAt := log.QueuedAt
	if queuedAt.IsZero() {
		queuedAt = time.Now()
	}
	res, err := r.db.ExecContext(ctx, query, log.SyncID, log.UserID, log.TenantID, string(entities), status, queuedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to create sync log: %w", err)
	}
	return requireAffected(res, ErrSyncIDTaken)
}

func (r *syncLogRepository) MarkRunning(ctx context.Context, job models.SyncJob, startedAt time.Time) error {
	const query = `
		INSERT INTO sync_logs (sync_id, user_id, tenant_id, entities, status, attempts, queued_at, started_at)
		VALUES ($1, $2, $3, $4, 'running', 1, $5, $5)
		ON CONFLICT (sync_id) DO UPDATE
		SET status = 'running',
		    attempts = sync_logs.attempts + 1,
		    started_at = excluded.started_at,
		    error = NULL,
		    completed_at = NULL
	`
	entities, err := json.Marshal(job.Entities)
	if err != nil {
		return fmt.Errorf("marshal entities: %w", err)
	}
	_, err = r.db.ExecContext(ctx, query, job.SyncID, job.UserID, job.TenantID, string(entities), startedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to mark sync %s running: %w", job.SyncID, err)
	}
	return nil
}

func (r *syncLogRepository) MarkSucceeded(ctx context.Context, syncID string, counts map[models.Entity]int, completedAt time.Time) error {
	const query = `
		UPDATE sync_logs
		SET status = 'succeeded', counts = $1, completed_at = $2, error = NULL
		WHERE sync_id = $3
	`
	return r.finish(ctx, query, syncID, counts, completedAt)
}

func (r *syncLogRepository) MarkFailed(ctx context.Context, syncID, message string, counts map[models.Entity]int, completedAt time.Time) error {
	const query = `
		UPDATE sync_logs
		SET status = 'failed', counts = $1, completed_at = $2, error = $3
		WHERE sync_id = $4
	`
	raw, err := json.Marshal(counts)
	if err != nil {
		return fmt.Errorf("marshal counts: %w", err)
	}
	res, err := r.db.ExecContext(ctx, query, string(raw), completedAt.UTC(), message, syncID)
	if err != nil {
		return fmt.Errorf("failed to mark sync %s failed: %w", syncID, err)
	}
	return requireAffected(res, ErrSyncLogNotFound)
}

func (r *syncLogRepository) finish(ctx context.Context, query, syncID string, counts map[models.Entity]int, completedAt time.Time) error {
	raw, err := json.Marshal(counts)
	if err != nil {
		return fmt.Errorf("marshal counts: %w", err)
	}
	res, err := r.db.ExecContext(ctx, query, string(raw), completedAt.UTC(), syncID)
	if err != nil {
		return fmt.Errorf("failed to finish sync %s: %w", syncID, err)
	}
	return requireAffected(res, ErrSyncLogNotFound)
}

func (r *syncLogRepository) Get(ctx context.Context, userID, syncID string) (models.SyncLog, error) {
	query := `SELECT ` + syncLogColumns + ` FROM sync_logs WHERE sync_id = $1 AND user_id = $2`
	log, err := scanSyncLog(r.db.QueryRowContext(ctx, query, syncID, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return models.SyncLog{}, ErrSyncLogNotFound
	}
	return log, err
}

func (r *syncLogRepository) ListByUser(ctx context.Context, userID string, limit int) ([]models.SyncLog, error) {
	if limit <= 0 || limit > 100 {
		limit = 25
	}
	query := `SELECT ` + syncLogColumns + ` FROM sync_logs WHERE user_id = $1 ORDER BY queued_at DESC LIMIT $2`
	rows, err := r.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync logs: %w", err)
	}
	defer rows.Close()

	var logs []models.SyncLog
	for rows.Next() {
		log, err := scanSyncLog(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, log)
	}
	return logs, rows.Err()
}

func scanSyncLog(scanner interface {
	Scan(dest ...interface{}) error
}) (models.SyncLog, error) {
	var (
		log         models.SyncLog
		entities    string
		counts      sql.NullString
		errMsg      sql.NullString
		startedAt   sql.NullTime
		completedAt sql.NullTime
	)
	if err := scanner.Scan(
		&log.SyncID,
		&log.UserID,
		&log.TenantID,
		&entities,
		&log.Status,
		&log.Attempts,
		&counts,
		&errMsg,
		&log.QueuedAt,
		&startedAt,
		&completedAt,
	); err != nil {
		return models.SyncLog{}, err
	}
	if entities != "" {
		if err := json.Unmarshal([]byte(entities), &log.Entities); err != nil {
			return models.SyncLog{}, fmt.Errorf("decode entities: %w", err)
		}
	}
	if counts.Valid && counts.String != "" {
		if err := json.Unmarshal([]byte(counts.String), &log.Counts); err != nil {
			return models.SyncLog{}, fmt.Errorf("decode counts: %w", err)
		}
	}
	if errMsg.Valid {
		msg := errMsg.String
		log.Error = &msg
	}
	if startedAt.Valid {
		t := startedAt.Time
		log.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		log.CompletedAt = &t
	}
	return log, nil
}

func requireAffected(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

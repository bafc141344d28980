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

var ErrProgressNotFound = errors.New("sync progress not found")

type ProgressRepository interface {
	Save(ctx context.Context, p models.SyncProgress) error
	Get(ctx context.Context, userID, syncID string) (models.SyncProgress, error)
}

type progressRepository struct {
	db *sql.DB
}

func NewProgressRepository(db *sql.DB) ProgressRepository {
	return &progressRepository{db: db}
}

func (r *progressRepository) Save(ctx context.Context, p models.SyncProgress) error {
	const query = `
		INSERT INTO sync_progress (sync_id, user_id, status, percentage, step, entities, error, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (sync_id) DO UPDATE
		SET status = excluded.status,
		    percentage = excluded.percentage,
		    step = excluded.step,
		    entities = excluded.entities,
		    error = excluded.error,
		    updated_at = excluded.updated_at
	`
	entities, err := json.Marshal(p.Entities)
	if err != nil {
		return fmt.Errorf("marshal entity progress: %w", err)
	}
	var errMsg interface{}
	if p.Error != nil {
		errMsg = *p.Error
	}
	updatedAt := p.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	_, err = r.db.ExecContext(ctx, query,
		p.SyncID, p.UserID, p.Status, p.Percentage, p.Step, string(entities), errMsg, updatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save progress for %s: %w", p.SyncID, err)
	}
	return nil
}

func (r *progressRepository) Get(ctx context.Context, userID, syncID string) (models.SyncProgress, error) {
	const query = `
		SELECT sync_id, user_id, status, percentage, step, entities, error, updated_at
		FROM sync_progress
		WHERE sync_id = $1 AND user_id = $2
	`
	var (
		p        models.SyncProgress
		entities string
		errMsg   sql.NullString
	)
	err := r.db.QueryRowContext(ctx, query, syncID, userID).Scan(
		&p.SyncID, &p.UserID, &p.Status, &p.Percentage, &p.Step, &entities, &errMsg, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.SyncProgress{}, ErrProgressNotFound
	}
	if err != nil {
		return models.SyncProgress{}, fmt.Errorf("failed to get progress for %s: %w", syncID, err)
	}
	if err := json.Unmarshal([]byte(entities), &p.Entities); err != nil {
		return models.SyncProgress{}, fmt.Errorf("decode entity progress: %w", err)
	}
	if errMsg.Valid {
		msg := errMsg.String
		p.Error = &msg
	}
	return p, nil
}

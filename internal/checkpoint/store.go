// Package checkpoint persists per-sync resume state with an expiry.
package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/stanstork/ledgersync/internal/models"
)

// DefaultTTL is how long a checkpoint left behind by a failed run stays
// resumable.
const DefaultTTL = 24 * time.Hour

// Store keeps at most one checkpoint per sync id. Load returns nil for a
// missing or expired record; Clear on a missing record is not an error.
type Store interface {
	Load(ctx context.Context, syncID string) (*models.SyncCheckpoint, error)
	Save(ctx context.Context, syncID string, cp *models.SyncCheckpoint) error
	Clear(ctx context.Context, syncID string) error
}

type sqlStore struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

func NewSQLStore(db *sql.DB, ttl time.Duration) Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &sqlStore{db: db, ttl: ttl, now: time.Now}
}

func (s *sqlStore) Load(ctx context.Context, syncID string) (*models.SyncCheckpoint, error) {
	const query = `
		SELECT state, expires_at
		FROM sync_checkpoints
		WHERE sync_id = $1
	`
	var (
		state     string
		expiresAt time.Time
	)
	err := s.db.QueryRowContext(ctx, query, syncID).Scan(&state, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", syncID, err)
	}

	if !expiresAt.After(s.now().UTC()) {
		if err := s.Clear(ctx, syncID); err != nil {
			return nil, err
		}
		return nil, nil
	}

	cp := models.NewSyncCheckpoint(syncID)
	if err := json.Unmarshal([]byte(state), cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", syncID, err)
	}
	normalize(cp, syncID)
	return cp, nil
}

func (s *sqlStore) Save(ctx context.Context, syncID string, cp *models.SyncCheckpoint) error {
	const query = `
		INSERT INTO sync_checkpoints (sync_id, state, saved_at, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (sync_id) DO UPDATE
		SET state = excluded.state,
		    saved_at = excluded.saved_at,
		    expires_at = excluded.expires_at
	`
	now := s.now().UTC()
	cp.SyncID = syncID
	cp.SavedAt = now

	state, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint %s: %w", syncID, err)
	}
	// lib/pq sends []byte as bytea, so the JSON goes over as text.
	if _, err := s.db.ExecContext(ctx, query, syncID, string(state), now, now.Add(s.ttl)); err != nil {
		return fmt.Errorf("save checkpoint %s: %w", syncID, err)
	}
	return nil
}

func (s *sqlStore) Clear(ctx context.Context, syncID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sync_checkpoints WHERE sync_id = $1`, syncID); err != nil {
		return fmt.Errorf("clear checkpoint %s: %w", syncID, err)
	}
	return nil
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	records map[string]memoryRecord
}

type memoryRecord struct {
	cp        models.SyncCheckpoint
	expiresAt time.Time
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{ttl: ttl, records: make(map[string]memoryRecord)}
}

func (m *MemoryStore) Load(_ context.Context, syncID string) (*models.SyncCheckpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[syncID]
	if !ok {
		return nil, nil
	}
	if !rec.expiresAt.After(time.Now()) {
		delete(m.records, syncID)
		return nil, nil
	}
	out := clone(rec.cp)
	return &out, nil
}

func (m *MemoryStore) Save(_ context.Context, syncID string, cp *models.SyncCheckpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	cp.SyncID = syncID
	cp.SavedAt = now
	m.records[syncID] = memoryRecord{cp: clone(*cp), expiresAt: now.Add(m.ttl)}
	return nil
}

func (m *MemoryStore) Clear(_ context.Context, syncID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, syncID)
	return nil
}

func clone(cp models.SyncCheckpoint) models.SyncCheckpoint {
	cp.Pages = maps.Clone(cp.Pages)
	cp.Counts = maps.Clone(cp.Counts)
	normalize(&cp, cp.SyncID)
	return cp
}

func normalize(cp *models.SyncCheckpoint, syncID string) {
	cp.SyncID = syncID
	if cp.Pages == nil {
		cp.Pages = make(map[models.Entity]int)
	}
	if cp.Counts == nil {
		cp.Counts = make(map[models.Entity]int)
	}
}

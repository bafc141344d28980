// Package progress maintains the pollable progress record of a running sync.
package progress

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stanstork/ledgersync/internal/models"
)

// Store persists progress records. Writes are advisory; the tracker only
// logs a failed write.
type Store interface {
	Save(ctx context.Context, p models.SyncProgress) error
}

// Initial is the record written when a sync is queued.
func Initial(syncID, userID string, selected []models.Entity) models.SyncProgress {
	entities := make(map[models.Entity]models.EntityProgress, len(selected))
	for _, e := range selected {
		entities[e] = models.EntityProgress{Status: models.StepPending}
	}
	return models.SyncProgress{
		SyncID:    syncID,
		UserID:    userID,
		Status:    models.ProgressQueued,
		Step:      "Queued",
		Entities:  entities,
		UpdatedAt: time.Now().UTC(),
	}
}

type Tracker struct {
	store    Store
	logger   zerolog.Logger
	selected []models.Entity

	mu        sync.Mutex
	state     models.SyncProgress
	current   models.Entity
	page      int
	pageCount int
}

func NewTracker(store Store, syncID, userID string, selected []models.Entity, logger zerolog.Logger) *Tracker {
	state := Initial(syncID, userID, selected)
	state.Status = models.ProgressRunning
	state.Step = "Starting"
	return &Tracker{
		store:    store,
		logger:   logger,
		selected: selected,
		state:    state,
	}
}

// Restore marks the phases a checkpoint already finished as completed and
// carries their counts forward.
func (t *Tracker) Restore(cp *models.SyncCheckpoint) {
	if cp == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	last := cp.LastCompleted.Index()
	for _, e := range t.selected {
		ep := t.state.Entities[e]
		ep.Count = cp.Counts[e]
		if last >= 0 && e.Index() <= last {
			ep.Status = models.StepCompleted
		}
		t.state.Entities[e] = ep
	}
	t.state.Percentage = t.percentage()
}

func (t *Tracker) StartPhase(ctx context.Context, e models.Entity) {
	t.update(ctx, func() {
		t.current, t.page, t.pageCount = e, 0, 0
		ep := t.state.Entities[e]
		ep.Status = models.StepInProgress
		t.state.Entities[e] = ep
		t.state.Step = fmt.Sprintf("Syncing %s", e)
	})
}

// PageDone records a flushed page. pageCount is 0 when the provider did not
// report one.
func (t *Tracker) PageDone(ctx context.Context, e models.Entity, page, pageCount, count int) {
	t.update(ctx, func() {
		t.current, t.page, t.pageCount = e, page, pageCount
		ep := t.state.Entities[e]
		ep.Count = count
		t.state.Entities[e] = ep
	})
}

func (t *Tracker) CompletePhase(ctx context.Context, e models.Entity, count int) {
	t.update(ctx, func() {
		t.page, t.pageCount = 0, 0
		t.state.Entities[e] = models.EntityProgress{Status: models.StepCompleted, Count: count}
	})
}

func (t *Tracker) Complete(ctx context.Context) {
	t.update(ctx, func() {
		t.state.Status = models.ProgressCompleted
		t.state.Step = "Completed"
		t.state.Error = nil
	})
}

func (t *Tracker) Fail(ctx context.Context, cause error) {
	t.update(ctx, func() {
		msg := cause.Error()
		t.state.Status = models.ProgressFailed
		t.state.Step = "Failed: " + msg
		t.state.Error = &msg
		if t.current != "" {
			ep := t.state.Entities[t.current]
			if ep.Status != models.StepCompleted {
				ep.Status = models.StepFailed
				t.state.Entities[t.current] = ep
			}
		}
	})
}

// Snapshot returns a copy of the current record.
func (t *Tracker) Snapshot() models.SyncProgress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshot()
}

func (t *Tracker) update(ctx context.Context, mutate func()) {
	t.mu.Lock()
	mutate()
	t.state.Percentage = t.percentage()
	t.state.UpdatedAt = time.Now().UTC()
	snap := t.snapshot()
	t.mu.Unlock()

	if t.store == nil {
		return
	}
	if err := t.store.Save(ctx, snap); err != nil {
		t.logger.Warn().Err(err).Str("sync_id", snap.SyncID).Msg("failed to write sync progress")
	}
}

// percentage is floor((completed + fraction of current) / selected * 100),
// held at 99 until the run completes.
func (t *Tracker) percentage() int {
	if t.state.Status == models.ProgressCompleted {
		return 100
	}
	if len(t.selected) == 0 {
		return 0
	}
	done := 0.0
	for _, e := range t.selected {
		if t.state.Entities[e].Status == models.StepCompleted {
			done++
		}
	}
	if t.current != "" && t.pageCount > 0 && t.state.Entities[t.current].Status == models.StepInProgress {
		frac := float64(t.page) / float64(t.pageCount)
		if frac > 1 {
			frac = 1
		}
		done += frac
	}
	pct := int(done / float64(len(t.selected)) * 100)
	if pct > 99 {
		pct = 99
	}
	return pct
}

func (t *Tracker) snapshot() models.SyncProgress {
	out := t.state
	out.Entities = make(map[models.Entity]models.EntityProgress, len(t.state.Entities))
	for k, v := range t.state.Entities {
		out.Entities[k] = v
	}
	if t.state.Error != nil {
		msg := *t.state.Error
		out.Error = &msg
	}
	return out
}

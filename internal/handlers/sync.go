package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/stanstork/ledgersync/internal/models"
	"github.com/stanstork/ledgersync/internal/notification"
	"github.com/stanstork/ledgersync/internal/progress"
	"github.com/stanstork/ledgersync/internal/repository"
	"github.com/stanstork/ledgersync/internal/temporal"
)

const (
	defaultStreamInterval = time.Second
	streamWriteTimeout    = 5 * time.Second
)

type SyncQueue interface {
	Enqueue(ctx context.Context, job models.SyncJob) (string, error)
}

type CredentialSealer interface {
	Seal(creds models.XeroCredentials) (models.SealedCredentials, error)
}

type SyncHandlerOptions struct {
	// StreamInterval is the push period of the progress websocket.
	StreamInterval time.Duration
	// AllowedOrigins are the CORS origins, reused for websocket origin checks.
	AllowedOrigins []string
}

type SyncHandler struct {
	logs          repository.SyncLogRepository
	progress      repository.ProgressRepository
	queue         SyncQueue
	sealer        CredentialSealer
	notifications notification.Service
	opts          SyncHandlerOptions
	logger        zerolog.Logger
	now           func() time.Time
}

func NewSyncHandler(
	logs repository.SyncLogRepository,
	progressRepo repository.ProgressRepository,
	queue SyncQueue,
	sealer CredentialSealer,
	notifications notification.Service,
	opts SyncHandlerOptions,
	logger zerolog.Logger,
) *SyncHandler {
	if opts.StreamInterval <= 0 {
		opts.StreamInterval = defaultStreamInterval
	}
	return &SyncHandler{
		logs:          logs,
		progress:      progressRepo,
		queue:         queue,
		sealer:        sealer,
		notifications: notifications,
		opts:          opts,
		logger:        logger.With().Str("handler", "sync").Logger(),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

type TokenRequest struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	Expiry       time.Time `json:"expiry"`
}

type SyncRequest struct {
	TenantID string         `json:"tenant_id"`
	SyncID   string         `json:"sync_id"`
	Entities []string       `json:"entities"`
	SyncFrom string         `json:"sync_from"`
	Limits   map[string]int `json:"limits"`
	Token    TokenRequest   `json:"token"`
}

type SyncResponse struct {
	SyncID string            `json:"sync_id"`
	RunID  string            `json:"run_id"`
	Status models.SyncStatus `json:"status"`
}

// ParseSyncFrom accepts RFC3339 timestamps and plain dates.
func ParseSyncFrom(raw string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, fmt.Errorf("sync_from %q must be RFC3339 or YYYY-MM-DD", raw)
}

func (req SyncRequest) job(userID string, now time.Time) (models.SyncJob, models.XeroCredentials, error) {
	var problems []string

	tenantID := strings.TrimSpace(req.TenantID)
	if tenantID == "" {
		problems = append(problems, "tenant_id is required")
	}
	entities, err := models.ParseEntities(req.Entities)
	if err != nil {
		problems = append(problems, err.Error())
	}
	syncFrom, err := ParseSyncFrom(req.SyncFrom)
	if err != nil {
		problems = append(problems, err.Error())
	}
	var limits map[models.Entity]int
	for name, n := range req.Limits {
		e := models.Entity(strings.ToLower(strings.TrimSpace(name)))
		switch {
		case !e.Valid():
			problems = append(problems, fmt.Sprintf("unknown entity %q in limits", name))
		case n < 0:
			problems = append(problems, fmt.Sprintf("limit for %s must not be negative", e))
		default:
			if limits == nil {
				limits = make(map[models.Entity]int)
			}
			limits[e] = n
		}
	}
	creds := models.XeroCredentials{
		AccessToken:  strings.TrimSpace(req.Token.AccessToken),
		RefreshToken: strings.TrimSpace(req.Token.RefreshToken),
		Expiry:       req.Token.Expiry,
	}
	if creds.AccessToken == "" && creds.RefreshToken == "" {
		problems = append(problems, "token.access_token or token.refresh_token is required")
	}
	if len(problems) > 0 {
		return models.SyncJob{}, creds, errors.New(strings.Join(problems, "; "))
	}

	syncID := strings.TrimSpace(req.SyncID)
	if syncID == "" {
		syncID = uuid.NewString()
	}
	return models.SyncJob{
		SyncID:      syncID,
		UserID:      userID,
		TenantID:    tenantID,
		Entities:    entities,
		SyncFrom:    syncFrom,
		Limits:      limits,
		RequestedAt: now,
	}, creds, nil
}

// ErrSyncConflict means the sync id is queued, running or already done.
var ErrSyncConflict = errors.New("sync conflict")

type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string {
	return e.msg
}

// Create queues a historical sync. A failed sync id may be submitted again
// to resume it; an active or finished one is a conflict.
func (h *SyncHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromRequest(w, r)
	if !ok {
		return
	}

	var req SyncRequest
	if err := decodeJSON(w, r, &req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	resp, err := h.Submit(r.Context(), userID, req)
	if err != nil {
		var invalid *ValidationError
		switch {
		case errors.As(err, &invalid):
			http.Error(w, invalid.Error(), http.StatusBadRequest)
		case errors.Is(err, ErrSyncConflict):
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			http.Error(w, "Failed to queue sync", http.StatusInternalServerError)
		}
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}

// Submit validates req, records the queued sync and hands it to the queue.
func (h *SyncHandler) Submit(ctx context.Context, userID string, req SyncRequest) (SyncResponse, error) {
	job, creds, err := req.job(userID, h.now())
	if err != nil {
		return SyncResponse{}, &ValidationError{msg: err.Error()}
	}
	logger := h.logger.With().Str("sync_id", job.SyncID).Str("tenant_id", job.TenantID).Logger()

	existing, err := h.logs.Get(ctx, userID, job.SyncID)
	switch {
	case err == nil && existing.TenantID != job.TenantID:
		return SyncResponse{}, fmt.Errorf("%w: sync %s belongs to another tenant", ErrSyncConflict, job.SyncID)
	case err == nil && existing.Status != models.SyncStatusFailed:
		return SyncResponse{}, fmt.Errorf("%w: sync %s is already %s", ErrSyncConflict, job.SyncID, existing.Status)
	case err != nil && !errors.Is(err, repository.ErrSyncLogNotFound):
		logger.Error().Err(err).Msg("failed to look up sync log")
		return SyncResponse{}, err
	}

	job.Credentials, err = h.sealer.Seal(creds)
	if err != nil {
		logger.Error().Err(err).Msg("failed to seal credentials")
		return SyncResponse{}, err
	}

	if err := h.logs.Create(ctx, models.SyncLog{
		SyncID:   job.SyncID,
		UserID:   userID,
		TenantID: job.TenantID,
		Entities: job.Entities,
		Status:   models.SyncStatusQueued,
		QueuedAt: job.RequestedAt,
	}); err != nil {
		if errors.Is(err, repository.ErrSyncIDTaken) {
			logger.Warn().Str("user_id", userID).Msg("sync id owned elsewhere")
			return SyncResponse{}, fmt.Errorf("%w: sync %s is not available", ErrSyncConflict, job.SyncID)
		}
		logger.Error().Err(err).Msg("failed to create sync log")
		return SyncResponse{}, err
	}
	// A resumed sync keeps its last progress record until the worker restores it.
	if existing.SyncID == "" {
		if err := h.progress.Save(ctx, progress.Initial(job.SyncID, userID, job.Entities)); err != nil {
			logger.Warn().Err(err).Msg("failed to save initial progress")
		}
	}

	runID, err := h.queue.Enqueue(ctx, job)
	if err != nil {
		if errors.Is(err, temporal.ErrAlreadyQueued) {
			return SyncResponse{}, fmt.Errorf("%w: sync %s is already queued", ErrSyncConflict, job.SyncID)
		}
		logger.Error().Err(err).Msg("failed to enqueue sync")
		if markErr := h.logs.MarkFailed(context.WithoutCancel(ctx), job.SyncID, "failed to enqueue", nil, h.now()); markErr != nil {
			logger.Error().Err(markErr).Msg("failed to record enqueue failure")
		}
		return SyncResponse{}, err
	}

	logger.Info().Str("run_id", runID).Strs("entities", entityNames(job.Entities)).Msg("sync queued")
	if h.notifications != nil {
		if err := h.notifications.NotifySyncQueued(ctx, userID, job.SyncID, job.TenantID, job.Entities); err != nil {
			logger.Warn().Err(err).Msg("failed to publish sync queued notification")
		}
	}
	return SyncResponse{SyncID: job.SyncID, RunID: runID, Status: models.SyncStatusQueued}, nil
}

func (h *SyncHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromRequest(w, r)
	if !ok {
		return
	}
	logs, err := h.logs.ListByUser(r.Context(), userID, limitFromQuery(r, 20, 100))
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to list syncs")
		http.Error(w, "Failed to list syncs", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"syncs": logs})
}

func (h *SyncHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromRequest(w, r)
	if !ok {
		return
	}
	syncID := mux.Vars(r)["syncID"]
	log, err := h.logs.Get(r.Context(), userID, syncID)
	if err != nil {
		if errors.Is(err, repository.ErrSyncLogNotFound) {
			http.Error(w, "Sync not found", http.StatusNotFound)
			return
		}
		h.logger.Error().Err(err).Str("sync_id", syncID).Msg("failed to load sync")
		http.Error(w, "Failed to load sync", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, log)
}

func (h *SyncHandler) Progress(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromRequest(w, r)
	if !ok {
		return
	}
	syncID := mux.Vars(r)["syncID"]
	p, err := h.progress.Get(r.Context(), userID, syncID)
	if err != nil {
		if errors.Is(err, repository.ErrProgressNotFound) {
			http.Error(w, "Progress not found", http.StatusNotFound)
			return
		}
		h.logger.Error().Err(err).Str("sync_id", syncID).Msg("failed to load progress")
		http.Error(w, "Failed to load progress", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Stream pushes the progress record over a websocket until the sync reaches
// a terminal status or the client goes away.
func (h *SyncHandler) Stream(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromRequest(w, r)
	if !ok {
		return
	}
	syncID := mux.Vars(r)["syncID"]
	if _, err := h.progress.Get(r.Context(), userID, syncID); err != nil {
		if errors.Is(err, repository.ErrProgressNotFound) {
			http.Error(w, "Progress not found", http.StatusNotFound)
			return
		}
		http.Error(w, "Failed to load progress", http.StatusInternalServerError)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: originPatterns(h.opts.AllowedOrigins),
	})
	if err != nil {
		h.logger.Warn().Err(err).Str("sync_id", syncID).Msg("websocket upgrade failed")
		return
	}
	defer conn.CloseNow()

	// The client never sends; CloseRead handles its close frame.
	ctx := conn.CloseRead(r.Context())
	ticker := time.NewTicker(h.opts.StreamInterval)
	defer ticker.Stop()

	for {
		p, err := h.progress.Get(ctx, userID, syncID)
		if err != nil {
			if ctx.Err() == nil {
				h.logger.Error().Err(err).Str("sync_id", syncID).Msg("failed to load progress for stream")
				conn.Close(websocket.StatusInternalError, "progress unavailable")
			}
			return
		}

		writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
		err = wsjson.Write(writeCtx, conn, p)
		cancel()
		if err != nil {
			h.logger.Debug().Err(err).Str("sync_id", syncID).Msg("progress stream closed")
			return
		}
		if p.Terminal() {
			conn.Close(websocket.StatusNormalClosure, string(p.Status))
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func originPatterns(origins []string) []string {
	patterns := make([]string, 0, len(origins))
	for _, origin := range origins {
		if origin == "*" {
			patterns = append(patterns, "*")
			continue
		}
		if u, err := url.Parse(origin); err == nil && u.Host != "" {
			patterns = append(patterns, u.Host)
		}
	}
	return patterns
}

func entityNames(entities []models.Entity) []string {
	names := make([]string, len(entities))
	for i, e := range entities {
		names[i] = string(e)
	}
	return names
}

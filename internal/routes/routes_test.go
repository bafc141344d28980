package routes

import (
	"bytes"
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/golang-jwt/jwt/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stanstork/ledgersync/internal/handlers"
	"github.com/stanstork/ledgersync/internal/models"
	"github.com/stanstork/ledgersync/internal/notification"
	"github.com/stanstork/ledgersync/internal/progress"
	"github.com/stanstork/ledgersync/internal/repository"
	"github.com/stanstork/ledgersync/internal/temporal"
	"github.com/stanstork/ledgersync/internal/testutil"
	"github.com/stanstork/ledgersync/internal/utils"
)

const secret = "test-secret"

type fakeQueue struct {
	jobs []models.SyncJob
	err  error
}

func (q *fakeQueue) Enqueue(_ context.Context, job models.SyncJob) (string, error) {
	if q.err != nil {
		return "", q.err
	}
	q.jobs = append(q.jobs, job)
	return "run-" + job.SyncID, nil
}

type fakeNotifications struct {
	notification.Service
	queued []string
	list   []models.Notification
}

func (f *fakeNotifications) NotifySyncQueued(_ context.Context, _, syncID, _ string, _ []models.Entity) error {
	f.queued = append(f.queued, syncID)
	return nil
}

func (f *fakeNotifications) ListRecent(_ context.Context, userID string, _ int) ([]models.Notification, error) {
	var out []models.Notification
	for _, n := range f.list {
		if n.UserID == userID {
			out = append(out, n)
		}
	}
	return out, nil
}

func (f *fakeNotifications) MarkRead(_ context.Context, userID, id string) (models.Notification, error) {
	for _, n := range f.list {
		if n.ID == id && n.UserID == userID {
			now := time.Now()
			n.ReadAt = &now
			return n, nil
		}
	}
	return models.Notification{}, sql.ErrNoRows
}

type harness struct {
	router   http.Handler
	logs     repository.SyncLogRepository
	progress repository.ProgressRepository
	queue    *fakeQueue
	notes    *fakeNotifications
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := testutil.NewDB(t)

	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	sealer, err := utils.NewSealer(base64.StdEncoding.EncodeToString(key))
	require.NoError(t, err)

	h := &harness{
		logs:     repository.NewSyncLogRepository(db.SQL),
		progress: repository.NewProgressRepository(db.SQL),
		queue:    &fakeQueue{},
		notes:    &fakeNotifications{},
	}
	logger := zerolog.Nop()
	h.router = NewRouter(Handlers{
		Auth: handlers.NewAuthHandler(secret, logger),
		Syncs: handlers.NewSyncHandler(h.logs, h.progress, h.queue, sealer, h.notes,
			handlers.SyncHandlerOptions{StreamInterval: 20 * time.Millisecond}, logger),
		Notifications: handlers.NewNotificationHandler(h.notes, logger),
		Health:        handlers.HealthCheck(db.SQL),
	})
	return h
}

func token(t *testing.T, userID string, ttl time.Duration) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": userID,
		"exp": time.Now().Add(ttl).Unix(),
	}).SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func (h *harness) do(t *testing.T, method, path, userID string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, userID, time.Hour))
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func createBody(syncID string) map[string]interface{} {
	return map[string]interface{}{
		"tenant_id": "tenant-1",
		"sync_id":   syncID,
		"entities":  []string{"transactions", "accounts"},
		"sync_from": "2024-01-01",
		"limits":    map[string]int{"transactions": 500},
		"token":     map[string]string{"access_token": "at", "refresh_token": "rt"},
	}
}

func TestHealth(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}

func TestAPIRequiresValidToken(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/api/syncs", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/syncs", nil)
	req.Header.Set("Authorization", "Bearer "+token(t, "user-1", -time.Minute))
	rec = httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/syncs", nil)
	req.Header.Set("Authorization", "Token abc")
	rec = httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateSyncQueuesJob(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/api/syncs", "user-1", createBody("sync-1"))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "sync-1", resp["sync_id"])
	assert.Equal(t, "run-sync-1", resp["run_id"])
	assert.Equal(t, "queued", resp["status"])

	require.Len(t, h.queue.jobs, 1)
	job := h.queue.jobs[0]
	assert.Equal(t, "user-1", job.UserID)
	assert.Equal(t, []models.Entity{models.EntityAccounts, models.EntityTransactions}, job.Entities)
	assert.Equal(t, 500, job.Limit(models.EntityTransactions))
	require.NotNil(t, job.SyncFrom)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), *job.SyncFrom)
	assert.NotEmpty(t, job.Credentials.Ciphertext)

	log, err := h.logs.Get(context.Background(), "user-1", "sync-1")
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusQueued, log.Status)

	p, err := h.progress.Get(context.Background(), "user-1", "sync-1")
	require.NoError(t, err)
	assert.Equal(t, models.ProgressQueued, p.Status)
	assert.Equal(t, []string{"sync-1"}, h.notes.queued)
}

func TestCreateSyncGeneratesID(t *testing.T) {
	h := newHarness(t)
	body := createBody("")
	delete(body, "sync_id")

	rec := h.do(t, http.MethodPost, "/api/syncs", "user-1", body)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	require.Len(t, h.queue.jobs, 1)
	assert.NotEmpty(t, h.queue.jobs[0].SyncID)
}

func TestCreateSyncValidation(t *testing.T) {
	cases := map[string]func(map[string]interface{}){
		"missing tenant":  func(b map[string]interface{}) { delete(b, "tenant_id") },
		"unknown entity":  func(b map[string]interface{}) { b["entities"] = []string{"payroll"} },
		"bad sync_from":   func(b map[string]interface{}) { b["sync_from"] = "last tuesday" },
		"negative limit":  func(b map[string]interface{}) { b["limits"] = map[string]int{"contacts": -1} },
		"missing token":   func(b map[string]interface{}) { b["token"] = map[string]string{} },
		"unknown field":   func(b map[string]interface{}) { b["priority"] = "high" },
		"limits on typos": func(b map[string]interface{}) { b["limits"] = map[string]int{"contact": 5} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			body := createBody("sync-1")
			mutate(body)
			rec := h.do(t, http.MethodPost, "/api/syncs", "user-1", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Empty(t, h.queue.jobs)
		})
	}
}

func TestCreateSyncConflicts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job := models.SyncJob{SyncID: "sync-1", UserID: "user-1", TenantID: "tenant-1", Entities: models.EntityOrder}
	require.NoError(t, h.logs.MarkRunning(ctx, job, time.Now()))

	rec := h.do(t, http.MethodPost, "/api/syncs", "user-1", createBody("sync-1"))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Empty(t, h.queue.jobs)

	log, err := h.logs.Get(ctx, "user-1", "sync-1")
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusRunning, log.Status, "a rejected request leaves the running sync alone")
}

func TestCreateSyncResubmitsFailed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job := models.SyncJob{SyncID: "sync-1", UserID: "user-1", TenantID: "tenant-1", Entities: models.EntityOrder}
	require.NoError(t, h.logs.MarkRunning(ctx, job, time.Now()))
	require.NoError(t, h.logs.MarkFailed(ctx, "sync-1", "boom", nil, time.Now()))

	rec := h.do(t, http.MethodPost, "/api/syncs", "user-1", createBody("sync-1"))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	log, err := h.logs.Get(ctx, "user-1", "sync-1")
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusQueued, log.Status)
	assert.Equal(t, 1, log.Attempts)
}

func TestCreateSyncCannotTakeAnotherUsersID(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.Equal(t, http.StatusAccepted, h.do(t, http.MethodPost, "/api/syncs", "user-1", createBody("shared")).Code)
	require.NoError(t, h.logs.MarkSucceeded(ctx, "shared", nil, time.Now()))
	require.NoError(t, h.logs.MarkRunning(ctx, models.SyncJob{SyncID: "lapsed", UserID: "user-1", TenantID: "tenant-1"}, time.Now()))
	require.NoError(t, h.logs.MarkFailed(ctx, "lapsed", "boom", nil, time.Now()))

	for _, syncID := range []string{"shared", "lapsed"} {
		body := createBody(syncID)
		body["tenant_id"] = "tenant-2"
		rec := h.do(t, http.MethodPost, "/api/syncs", "user-2", body)
		assert.Equal(t, http.StatusConflict, rec.Code, syncID)
	}
	assert.Len(t, h.queue.jobs, 1)

	log, err := h.logs.Get(ctx, "user-1", "shared")
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusSucceeded, log.Status)
	assert.Equal(t, "tenant-1", log.TenantID)

	log, err = h.logs.Get(ctx, "user-1", "lapsed")
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusFailed, log.Status)

	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/api/syncs/shared", "user-2", nil).Code)
	_, err = h.progress.Get(ctx, "user-2", "lapsed")
	assert.Error(t, err)

	// The owner cannot move a failed sync to another tenant either.
	body := createBody("lapsed")
	body["tenant_id"] = "tenant-2"
	assert.Equal(t, http.StatusConflict, h.do(t, http.MethodPost, "/api/syncs", "user-1", body).Code)
	assert.Len(t, h.queue.jobs, 1)
}

func TestCreateSyncAlreadyQueuedInTemporal(t *testing.T) {
	h := newHarness(t)
	h.queue.err = temporal.ErrAlreadyQueued

	rec := h.do(t, http.MethodPost, "/api/syncs", "user-1", createBody("sync-1"))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestGetAndListAreScopedToUser(t *testing.T) {
	h := newHarness(t)
	require.Equal(t, http.StatusAccepted, h.do(t, http.MethodPost, "/api/syncs", "user-1", createBody("sync-1")).Code)

	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/api/syncs/sync-1", "user-1", nil).Code)
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/api/syncs/sync-1", "user-2", nil).Code)
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/api/syncs/sync-1/progress", "user-2", nil).Code)

	rec := h.do(t, http.MethodGet, "/api/syncs?limit=5", "user-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Syncs []models.SyncLog `json:"syncs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Syncs, 1)
	assert.Equal(t, "sync-1", resp.Syncs[0].SyncID)

	rec = h.do(t, http.MethodGet, "/api/syncs", "user-2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Empty(t, resp.Syncs)
}

func TestProgressStream(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	running := progress.Initial("sync-1", "user-1", []models.Entity{models.EntityContacts})
	running.Status = models.ProgressRunning
	running.Percentage = 40
	require.NoError(t, h.progress.Save(ctx, running))

	srv := httptest.NewServer(h.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/syncs/sync-1/progress/stream"
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + token(t, "user-1", time.Hour)}},
	})
	require.NoError(t, err)
	defer conn.CloseNow()

	var got models.SyncProgress
	require.NoError(t, wsjson.Read(ctx, conn, &got))
	assert.Equal(t, models.ProgressRunning, got.Status)
	assert.Equal(t, 40, got.Percentage)

	done := running
	done.Status = models.ProgressCompleted
	done.Percentage = 100
	require.NoError(t, h.progress.Save(ctx, done))

	for got.Status != models.ProgressCompleted {
		require.NoError(t, wsjson.Read(ctx, conn, &got))
	}
	assert.Equal(t, 100, got.Percentage)

	_, _, err = conn.Read(ctx)
	assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))
}

func TestProgressStreamUnknownSync(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/api/syncs/nope/progress/stream", "user-1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestNotifications(t *testing.T) {
	h := newHarness(t)
	h.notes.list = []models.Notification{
		{ID: "n-1", UserID: "user-1", Title: "Historical sync completed"},
		{ID: "n-2", UserID: "user-2", Title: "Historical sync failed"},
	}

	rec := h.do(t, http.MethodGet, "/api/notifications", "user-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Notifications []models.Notification `json:"notifications"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Notifications, 1)
	assert.Equal(t, "n-1", resp.Notifications[0].ID)

	assert.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/api/notifications/n-1/read", "user-1", nil).Code)
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodPost, "/api/notifications/n-2/read", "user-1", nil).Code)
}

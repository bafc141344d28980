package notification

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/stanstork/ledgersync/internal/models"
	"github.com/stanstork/ledgersync/internal/repository"
)

type Event struct {
	UserID   string
	Event    models.NotificationEvent
	Severity models.NotificationSeverity
	Title    string
	Message  string
	Metadata map[string]interface{}
}

type Service interface {
	Publish(ctx context.Context, evt Event) (models.Notification, error)
	NotifySyncQueued(ctx context.Context, userID, syncID, tenantID string, entities []models.Entity) error
	NotifySyncSucceeded(ctx context.Context, userID, syncID, tenantID string, counts map[models.Entity]int) error
	NotifySyncFailed(ctx context.Context, userID, syncID, tenantID, reason string) error
	ListRecent(ctx context.Context, userID string, limit int) ([]models.Notification, error)
	MarkRead(ctx context.Context, userID, notificationID string) (models.Notification, error)
}

type service struct {
	repo      repository.NotificationRepository
	logger    zerolog.Logger
	notifiers []Notifier
}

func NewService(repo repository.NotificationRepository, logger zerolog.Logger, notifiers ...Notifier) Service {
	active := make([]Notifier, 0, len(notifiers))
	for _, notifier := range notifiers {
		if notifier != nil {
			active = append(active, notifier)
		}
	}
	return &service{
		repo:      repo,
		logger:    logger.With().Str("component", "notification_service").Logger(),
		notifiers: active,
	}
}

func (s *service) Publish(ctx context.Context, evt Event) (models.Notification, error) {
	if evt.Event == "" {
		return models.Notification{}, fmt.Errorf("event type is required")
	}
	if strings.TrimSpace(evt.UserID) == "" {
		return models.Notification{}, fmt.Errorf("user id is required for notifications")
	}
	if evt.Severity == "" {
		evt.Severity = models.NotificationSeverityInfo
	}
	title := strings.TrimSpace(evt.Title)
	if title == "" {
		title = string(evt.Event)
	}

	notif, err := s.repo.Create(ctx, repository.CreateNotificationParams{
		UserID:   evt.UserID,
		Event:    evt.Event,
		Severity: evt.Severity,
		Title:    title,
		Message:  strings.TrimSpace(evt.Message),
		Metadata: evt.Metadata,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("event_type", string(evt.Event)).Msg("failed to persist notification")
		return models.Notification{}, err
	}
	for _, notifier := range s.notifiers {
		if err := notifier.Notify(ctx, notif); err != nil {
			logNotifyError(s.logger, err, notifierChannelName(notifier), notif)
		}
	}
	return notif, nil
}

func (s *service) NotifySyncQueued(ctx context.Context, userID, syncID, tenantID string, entities []models.Entity) error {
	names := make([]string, 0, len(entities))
	for _, e := range entities {
		names = append(names, string(e))
	}
	_, err := s.Publish(ctx, Event{
		UserID:   userID,
		Event:    models.NotificationEventSyncQueued,
		Severity: models.NotificationSeverityInfo,
		Title:    "Historical sync queued",
		Message:  fmt.Sprintf("Sync %s will import %s.", syncID, strings.Join(names, ", ")),
		Metadata: map[string]interface{}{
			"sync_id":   syncID,
			"tenant_id": tenantID,
			"entities":  names,
		},
	})
	return err
}

func (s *service) NotifySyncSucceeded(ctx context.Context, userID, syncID, tenantID string, counts map[models.Entity]int) error {
	total := 0
	parts := make([]string, 0, len(counts))
	for _, e := range models.EntityOrder {
		if n, ok := counts[e]; ok {
			total += n
			parts = append(parts, fmt.Sprintf("%d %s", n, e))
		}
	}
	message := fmt.Sprintf("Sync %s imported %d records.", syncID, total)
	if len(parts) > 0 {
		message = fmt.Sprintf("Sync %s imported %s.", syncID, strings.Join(parts, ", "))
	}
	_, err := s.Publish(ctx, Event{
		UserID:   userID,
		Event:    models.NotificationEventSyncSucceeded,
		Severity: models.NotificationSeverityInfo,
		Title:    "Historical sync completed",
		Message:  message,
		Metadata: map[string]interface{}{
			"sync_id":   syncID,
			"tenant_id": tenantID,
			"counts":    counts,
			"total":     total,
		},
	})
	return err
}

func (s *service) NotifySyncFailed(ctx context.Context, userID, syncID, tenantID, reason string) error {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "Unknown error"
	}
	_, err := s.Publish(ctx, Event{
		UserID:   userID,
		Event:    models.NotificationEventSyncFailed,
		Severity: models.NotificationSeverityError,
		Title:    "Historical sync failed",
		Message:  fmt.Sprintf("Sync %s failed: %s. Retrying resumes from the last checkpoint.", syncID, reason),
		Metadata: map[string]interface{}{
			"sync_id":   syncID,
			"tenant_id": tenantID,
			"reason":    reason,
		},
	})
	return err
}

func (s *service) ListRecent(ctx context.Context, userID string, limit int) ([]models.Notification, error) {
	return s.repo.ListRecent(ctx, userID, limit)
}

func (s *service) MarkRead(ctx context.Context, userID, notificationID string) (models.Notification, error) {
	return s.repo.MarkRead(ctx, userID, notificationID)
}

func notifierChannelName(n Notifier) string {
	type named interface {
		String() string
	}
	if v, ok := n.(named); ok {
		return v.String()
	}
	return fmt.Sprintf("%T", n)
}

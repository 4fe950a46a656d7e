package notification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"herald/internal/common"
	"herald/internal/metrics"

	"github.com/google/uuid"
)

// ErrNotYetSent is returned when a webhook arrives for a notification whose
// synchronous send outcome has not been recorded yet.
var ErrNotYetSent = errors.New("notification has no send outcome yet")

// maxCASRetries bounds how often a transition is re-evaluated after another
// process changed the stored status underneath it.
const maxCASRetries = 3

// WebhookUpdate is a canonical status observed from a provider callback.
type WebhookUpdate struct {
	NotificationID    string
	Status            Status
	Provider          string
	ProviderMessageID string
	Metadata          map[string]any
}

// Tracker is the sole writer of notifications and their status history.
// It enforces the state machine and serializes updates per notification.
type Tracker struct {
	store   Store
	locks   *keyedMutex
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewTracker creates a new delivery status tracker.
func NewTracker(store Store, m *metrics.Metrics) *Tracker {
	return &Tracker{
		store:   store,
		locks:   newKeyedMutex(),
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// CreateNotification persists a new PENDING notification.
func (t *Tracker) CreateNotification(ctx context.Context, n *Notification) error {
	now := t.now()
	n.Status = StatusPending
	n.Attempts = 0
	n.CreatedAt = now
	n.UpdatedAt = now

	if err := t.store.CreateNotification(ctx, n); err != nil {
		return fmt.Errorf("creating notification %s: %w", n.ID, err)
	}
	return nil
}

// RecordSendOutcome records the synchronous result of a dispatch: one event
// with attempt 1, and a PENDING → SENT or PENDING → FAILED transition.
func (t *Tracker) RecordSendOutcome(ctx context.Context, notificationID string, outcome SendOutcome) error {
	unlock := t.locks.Lock(notificationID)
	defer unlock()

	n, err := t.load(ctx, notificationID)
	if err != nil {
		return err
	}
	if n.Status != StatusPending {
		return common.NewConflictError("notification", notificationID)
	}

	now := t.now()
	update := StatusUpdate{
		Attempts:          1,
		Provider:          outcome.Provider,
		ProviderMessageID: outcome.ProviderMessageID,
		UpdatedAt:         now,
	}
	if outcome.OK {
		update.Status = StatusSent
		update.SentAt = &now
	} else {
		update.Status = StatusFailed
		update.ErrorMessage = outcome.ErrorDetail
	}

	metadata := map[string]any{
		"providers_tried": len(outcome.Attempts),
	}
	if !outcome.OK {
		metadata["error_kind"] = string(outcome.ErrorKind)
	}

	event := &DeliveryStatusEvent{
		ID:                uuid.NewString(),
		NotificationID:    notificationID,
		Status:            update.Status,
		Disposition:       DispositionApplied,
		Timestamp:         now,
		Provider:          outcome.Provider,
		ProviderMessageID: outcome.ProviderMessageID,
		ErrorMessage:      outcome.ErrorDetail,
		Attempt:           1,
		Metadata:          metadata,
	}

	if err := t.store.ApplyTransition(ctx, notificationID, StatusPending, update, event); err != nil {
		if errors.Is(err, ErrStatusConflict) {
			return common.NewConflictError("notification", notificationID)
		}
		return fmt.Errorf("recording send outcome for %s: %w", notificationID, err)
	}

	t.metrics.RecordTransition(string(StatusPending), string(update.Status))
	slog.Info("notification status updated",
		"notification_id", notificationID,
		"from", StatusPending,
		"to", update.Status,
		"provider", outcome.Provider,
		"provider_message_id", outcome.ProviderMessageID,
	)
	return nil
}

// RecordWebhookEvent merges a provider-reported status into the history.
// Same-or-earlier statuses never move the notification; they are kept as
// duplicate or ignored audit events.
func (t *Tracker) RecordWebhookEvent(ctx context.Context, u WebhookUpdate) (Disposition, error) {
	unlock := t.locks.Lock(u.NotificationID)
	defer unlock()

	for try := 0; try < maxCASRetries; try++ {
		n, err := t.load(ctx, u.NotificationID)
		if err != nil {
			return "", err
		}
		if n.Status == StatusPending {
			return "", ErrNotYetSent
		}

		now := t.now()

		if !CanAdvance(n.Status, u.Status) {
			disposition := DispositionIgnored
			if n.Status == u.Status {
				disposition = DispositionDuplicate
			}
			event := webhookEvent(n, u, n.Status, disposition, n.Attempts, now)
			if err := t.store.AppendDeliveryStatusEvent(ctx, event); err != nil {
				return "", fmt.Errorf("appending status event for %s: %w", n.ID, err)
			}
			slog.Info("webhook status not applied",
				"notification_id", n.ID,
				"current", n.Status,
				"incoming", u.Status,
				"disposition", disposition,
				"provider", u.Provider,
			)
			return disposition, nil
		}

		update := StatusUpdate{
			Status:    u.Status,
			Attempts:  n.Attempts + 1,
			UpdatedAt: now,
		}
		if u.Status.IsDelivered() && n.DeliveredAt == nil {
			update.DeliveredAt = &now
		}
		if u.Status == StatusFailed {
			update.ErrorMessage = webhookErrorMessage(u)
		}

		event := webhookEvent(n, u, u.Status, DispositionApplied, update.Attempts, now)
		err = t.store.ApplyTransition(ctx, n.ID, n.Status, update, event)
		if errors.Is(err, ErrStatusConflict) {
			slog.Warn("status changed concurrently, re-evaluating",
				"notification_id", n.ID,
				"expected", n.Status,
				"try", try+1,
			)
			continue
		}
		if err != nil {
			return "", fmt.Errorf("updating notification %s: %w", n.ID, err)
		}

		t.metrics.RecordTransition(string(n.Status), string(u.Status))
		slog.Info("notification status updated",
			"notification_id", n.ID,
			"from", n.Status,
			"to", u.Status,
			"provider", u.Provider,
			"provider_message_id", u.ProviderMessageID,
		)
		return DispositionApplied, nil
	}

	return "", common.NewConflictError("notification", u.NotificationID)
}

// GetStatus returns a notification with its history ordered by timestamp,
// ties broken by insertion order.
func (t *Tracker) GetStatus(ctx context.Context, notificationID string) (*StatusView, error) {
	n, err := t.load(ctx, notificationID)
	if err != nil {
		return nil, err
	}

	events, err := t.store.ListDeliveryStatusEvents(ctx, notificationID)
	if err != nil {
		return nil, fmt.Errorf("listing status events for %s: %w", notificationID, err)
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})

	return &StatusView{Notification: n, History: events}, nil
}

// ListNotifications retrieves notifications with pagination and filtering.
func (t *Tracker) ListNotifications(ctx context.Context, filter ListFilter) (*ListResponse, error) {
	filter.Normalize()

	items, total, err := t.store.ListNotifications(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("listing notifications: %w", err)
	}

	return &ListResponse{
		Notifications: items,
		Total:         total,
		Page:          filter.Page,
		PageSize:      filter.PageSize,
	}, nil
}

// ResolveProviderMessageID finds the notification a provider message id belongs to.
// Returns an empty id and no error when nothing matches.
func (t *Tracker) ResolveProviderMessageID(ctx context.Context, provider, providerMessageID string) (string, error) {
	n, err := t.store.FindNotificationByProviderMessageID(ctx, provider, providerMessageID)
	if err != nil {
		return "", fmt.Errorf("resolving provider message id %s/%s: %w", provider, providerMessageID, err)
	}
	if n == nil {
		return "", nil
	}
	return n.ID, nil
}

func (t *Tracker) load(ctx context.Context, id string) (*Notification, error) {
	n, err := t.store.GetNotificationByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("fetching notification %s: %w", id, err)
	}
	if n == nil {
		return nil, common.NewNotFoundError("notification", id)
	}
	return n, nil
}

func webhookEvent(n *Notification, u WebhookUpdate, status Status, d Disposition, attempt int, at time.Time) *DeliveryStatusEvent {
	metadata := make(map[string]any, len(u.Metadata)+1)
	for k, v := range u.Metadata {
		metadata[k] = v
	}
	if d != DispositionApplied {
		metadata["incoming_status"] = string(u.Status)
	}

	provider := u.Provider
	if provider == "" {
		provider = SystemProvider
	}

	event := &DeliveryStatusEvent{
		ID:                uuid.NewString(),
		NotificationID:    n.ID,
		Status:            status,
		Disposition:       d,
		Timestamp:         at,
		Provider:          provider,
		ProviderMessageID: u.ProviderMessageID,
		Attempt:           attempt,
		Metadata:          metadata,
	}
	if status == StatusFailed && d == DispositionApplied {
		event.ErrorMessage = webhookErrorMessage(u)
	}
	return event
}

func webhookErrorMessage(u WebhookUpdate) string {
	if raw, ok := u.Metadata["provider_status"].(string); ok && raw != "" {
		return fmt.Sprintf("%s reported %s", u.Provider, raw)
	}
	return fmt.Sprintf("%s reported failure", u.Provider)
}

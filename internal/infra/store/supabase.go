package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"herald/internal/domain/notification"

	"github.com/supabase-community/postgrest-go"
	supa "github.com/supabase-community/supabase-go"
)

const (
	notificationsTable = "notifications"
	eventsTable        = "delivery_status_events"
)

var _ notification.Store = (*SupabaseStore)(nil)

// SupabaseStore implements notification.Store using the Supabase Go SDK.
type SupabaseStore struct {
	client *supa.Client
}

// NewSupabaseStore creates a new Supabase-backed notification store.
func NewSupabaseStore(supabaseURL, serviceKey string) (*SupabaseStore, error) {
	client, err := supa.NewClient(supabaseURL, serviceKey, nil)
	if err != nil {
		return nil, fmt.Errorf("creating supabase client: %w", err)
	}
	return &SupabaseStore{client: client}, nil
}

// notificationRow is the internal representation for Supabase PostgREST insert/select.
type notificationRow struct {
	ID                string         `json:"id"`
	Channel           string         `json:"channel"`
	Template          string         `json:"template"`
	RecipientID       string         `json:"recipient_id"`
	RecipientAddress  string         `json:"recipient_address"`
	Subject           string         `json:"subject"`
	BodyText          string         `json:"body_text"`
	BodyHTML          string         `json:"body_html"`
	Data              map[string]any `json:"data,omitempty"`
	Status            string         `json:"status"`
	Provider          *string        `json:"provider,omitempty"`
	ProviderMessageID *string        `json:"provider_message_id,omitempty"`
	Attempts          int            `json:"attempts"`
	ErrorMessage      *string        `json:"error_message,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	CreatedAt         string         `json:"created_at"`
	UpdatedAt         string         `json:"updated_at"`
	SentAt            *string        `json:"sent_at,omitempty"`
	DeliveredAt       *string        `json:"delivered_at,omitempty"`
}

// eventRow is the PostgREST representation of a delivery status event.
// seq is assigned by the database and preserves insertion order.
type eventRow struct {
	ID                string         `json:"id"`
	Seq               int64          `json:"seq,omitempty"`
	NotificationID    string         `json:"notification_id"`
	Status            string         `json:"status"`
	Disposition       string         `json:"disposition"`
	Timestamp         string         `json:"timestamp"`
	Provider          string         `json:"provider"`
	ProviderMessageID *string        `json:"provider_message_id,omitempty"`
	ErrorMessage      *string        `json:"error_message,omitempty"`
	Attempt           int            `json:"attempt"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

// CreateNotification inserts a new notification record.
func (s *SupabaseStore) CreateNotification(_ context.Context, n *notification.Notification) error {
	row := notificationRow{
		ID:                n.ID,
		Channel:           string(n.Channel),
		Template:          string(n.Template),
		RecipientID:       n.Recipient.ID,
		RecipientAddress:  n.Recipient.Address,
		Subject:           n.Content.Subject,
		BodyText:          n.Content.BodyText,
		BodyHTML:          n.Content.BodyHTML,
		Data:              n.Content.Data,
		Status:            string(n.Status),
		Provider:          optionalString(n.Provider),
		ProviderMessageID: optionalString(n.ProviderMessageID),
		Attempts:          n.Attempts,
		ErrorMessage:      optionalString(n.ErrorMessage),
		Metadata:          n.Metadata,
		CreatedAt:         formatTime(n.CreatedAt),
		UpdatedAt:         formatTime(n.UpdatedAt),
	}

	_, _, err := s.client.From(notificationsTable).Insert(row, false, "", "minimal", "").Execute()
	if err != nil {
		return fmt.Errorf("inserting notification: %w", err)
	}
	return nil
}

// GetNotificationByID returns nil, nil when no record exists.
func (s *SupabaseStore) GetNotificationByID(_ context.Context, id string) (*notification.Notification, error) {
	data, _, err := s.client.From(notificationsTable).Select("*", "", false).Eq("id", id).Execute()
	if err != nil {
		return nil, fmt.Errorf("fetching notification: %w", err)
	}
	return firstNotification(data)
}

// ApplyTransition applies update only if the stored status equals expected.
// The status filter makes the update a compare-and-swap on the database side;
// an empty result means another writer got there first.
//
// PostgREST has no multi-statement transactions, so event is inserted first
// and deleted again when the update does not land.
func (s *SupabaseStore) ApplyTransition(ctx context.Context, id string, expected notification.Status, update notification.StatusUpdate, event *notification.DeliveryStatusEvent) error {
	current, err := s.GetNotificationByID(ctx, id)
	if err != nil {
		return err
	}
	if current == nil {
		return fmt.Errorf("notification %s does not exist", id)
	}

	if event != nil {
		if err := s.AppendDeliveryStatusEvent(ctx, event); err != nil {
			return err
		}
	}
	if err := s.updateStatus(id, expected, update, current); err != nil {
		if event != nil {
			s.removeEvent(event.ID)
		}
		return err
	}
	return nil
}

func (s *SupabaseStore) updateStatus(id string, expected notification.Status, update notification.StatusUpdate, current *notification.Notification) error {
	fields := map[string]any{
		"status":     string(update.Status),
		"attempts":   update.Attempts,
		"updated_at": formatTime(update.UpdatedAt),
	}
	if update.Provider != "" {
		fields["provider"] = update.Provider
	}
	if update.ProviderMessageID != "" {
		fields["provider_message_id"] = update.ProviderMessageID
	}
	if update.ErrorMessage != "" {
		fields["error_message"] = update.ErrorMessage
	}
	if update.SentAt != nil && current.SentAt == nil {
		fields["sent_at"] = formatTime(*update.SentAt)
	}
	if update.DeliveredAt != nil && current.DeliveredAt == nil {
		fields["delivered_at"] = formatTime(*update.DeliveredAt)
	}

	data, _, err := s.client.From(notificationsTable).
		Update(fields, "representation", "").
		Eq("id", id).
		Eq("status", string(expected)).
		Execute()
	if err != nil {
		return fmt.Errorf("updating notification status: %w", err)
	}

	var rows []notificationRow
	if err := json.Unmarshal(data, &rows); err != nil {
		return fmt.Errorf("parsing update response: %w", err)
	}
	if len(rows) == 0 {
		return notification.ErrStatusConflict
	}
	return nil
}

// AppendDeliveryStatusEvent appends an immutable status event.
func (s *SupabaseStore) AppendDeliveryStatusEvent(_ context.Context, e *notification.DeliveryStatusEvent) error {
	row := eventRow{
		ID:                e.ID,
		NotificationID:    e.NotificationID,
		Status:            string(e.Status),
		Disposition:       string(e.Disposition),
		Timestamp:         formatTime(e.Timestamp),
		Provider:          e.Provider,
		ProviderMessageID: optionalString(e.ProviderMessageID),
		ErrorMessage:      optionalString(e.ErrorMessage),
		Attempt:           e.Attempt,
		Metadata:          e.Metadata,
	}

	_, _, err := s.client.From(eventsTable).Insert(row, false, "", "minimal", "").Execute()
	if err != nil {
		return fmt.Errorf("inserting delivery status event: %w", err)
	}
	return nil
}

func (s *SupabaseStore) removeEvent(id string) {
	if _, _, err := s.client.From(eventsTable).Delete("", "").Eq("id", id).Execute(); err != nil {
		slog.Error("failed to remove delivery status event after aborted transition", "event_id", id, "error", err)
	}
}

// ListDeliveryStatusEvents returns a notification's events in insertion order.
func (s *SupabaseStore) ListDeliveryStatusEvents(_ context.Context, notificationID string) ([]*notification.DeliveryStatusEvent, error) {
	data, _, err := s.client.From(eventsTable).
		Select("*", "", false).
		Eq("notification_id", notificationID).
		Order("seq", &postgrest.OrderOpts{Ascending: true}).
		Execute()
	if err != nil {
		return nil, fmt.Errorf("listing delivery status events: %w", err)
	}

	var rows []eventRow
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("parsing delivery status events: %w", err)
	}

	events := make([]*notification.DeliveryStatusEvent, len(rows))
	for i := range rows {
		events[i] = rowToEvent(&rows[i])
	}
	return events, nil
}

// FindNotificationByProviderMessageID returns nil, nil when nothing matches.
func (s *SupabaseStore) FindNotificationByProviderMessageID(_ context.Context, provider, providerMessageID string) (*notification.Notification, error) {
	data, _, err := s.client.From(notificationsTable).
		Select("*", "", false).
		Eq("provider", provider).
		Eq("provider_message_id", providerMessageID).
		Limit(1, "").
		Execute()
	if err != nil {
		return nil, fmt.Errorf("fetching notification by provider message id: %w", err)
	}
	return firstNotification(data)
}

// ListNotifications retrieves notifications with pagination and filtering.
func (s *SupabaseStore) ListNotifications(_ context.Context, filter notification.ListFilter) ([]*notification.Notification, int, error) {
	filter.Normalize()
	offset := (filter.Page - 1) * filter.PageSize

	query := s.client.From(notificationsTable).Select("*", "exact", false)

	if filter.Status != "" {
		query = query.Eq("status", filter.Status)
	}
	if filter.RecipientID != "" {
		query = query.Eq("recipient_id", filter.RecipientID)
	}
	if filter.Channel != "" {
		query = query.Eq("channel", filter.Channel)
	}

	query = query.Order("created_at", &postgrest.OrderOpts{Ascending: false})
	query = query.Range(offset, offset+filter.PageSize-1, "")

	data, count, err := query.Execute()
	if err != nil {
		return nil, 0, fmt.Errorf("listing notifications: %w", err)
	}

	var rows []notificationRow
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, 0, fmt.Errorf("parsing notification list: %w", err)
	}

	items := make([]*notification.Notification, len(rows))
	for i := range rows {
		items[i] = rowToNotification(&rows[i])
	}
	return items, int(count), nil
}

func firstNotification(data []byte) (*notification.Notification, error) {
	var rows []notificationRow
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("parsing notification: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rowToNotification(&rows[0]), nil
}

// rowToNotification converts a notificationRow to a Notification.
func rowToNotification(row *notificationRow) *notification.Notification {
	n := &notification.Notification{
		ID:       row.ID,
		Channel:  notification.Channel(row.Channel),
		Template: notification.Template(row.Template),
		Recipient: notification.Recipient{
			ID:      row.RecipientID,
			Address: row.RecipientAddress,
		},
		Content: notification.Content{
			Subject:  row.Subject,
			BodyText: row.BodyText,
			BodyHTML: row.BodyHTML,
			Data:     row.Data,
		},
		Status:    notification.Status(row.Status),
		Attempts:  row.Attempts,
		Metadata:  row.Metadata,
		CreatedAt: parseTime(row.CreatedAt),
		UpdatedAt: parseTime(row.UpdatedAt),
	}

	if row.Provider != nil {
		n.Provider = *row.Provider
	}
	if row.ProviderMessageID != nil {
		n.ProviderMessageID = *row.ProviderMessageID
	}
	if row.ErrorMessage != nil {
		n.ErrorMessage = *row.ErrorMessage
	}
	if row.SentAt != nil {
		t := parseTime(*row.SentAt)
		n.SentAt = &t
	}
	if row.DeliveredAt != nil {
		t := parseTime(*row.DeliveredAt)
		n.DeliveredAt = &t
	}
	return n
}

func rowToEvent(row *eventRow) *notification.DeliveryStatusEvent {
	e := &notification.DeliveryStatusEvent{
		ID:             row.ID,
		NotificationID: row.NotificationID,
		Status:         notification.Status(row.Status),
		Disposition:    notification.Disposition(row.Disposition),
		Timestamp:      parseTime(row.Timestamp),
		Provider:       row.Provider,
		Attempt:        row.Attempt,
		Metadata:       row.Metadata,
	}
	if row.ProviderMessageID != nil {
		e.ProviderMessageID = *row.ProviderMessageID
	}
	if row.ErrorMessage != nil {
		e.ErrorMessage = *row.ErrorMessage
	}
	return e
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

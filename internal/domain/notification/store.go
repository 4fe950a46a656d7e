package notification

import (
	"context"
	"errors"
	"time"
)

// ErrStatusConflict is returned by ApplyTransition when the stored
// status no longer matches the expected one.
var ErrStatusConflict = errors.New("notification status changed concurrently")

// StatusUpdate is the explicit field set written by one status transition.
// Nil pointers and empty strings leave the stored value untouched.
type StatusUpdate struct {
	Status            Status
	Attempts          int
	Provider          string
	ProviderMessageID string
	ErrorMessage      string
	SentAt            *time.Time
	DeliveredAt       *time.Time
	UpdatedAt         time.Time
}

// Store defines the contract for persisting notifications and their status history.
// Implementations live in infra/store/ (memory, SQLite, Supabase).
type Store interface {
	// CreateNotification inserts a new notification record.
	CreateNotification(ctx context.Context, n *Notification) error

	// GetNotificationByID returns nil, nil when no record exists.
	GetNotificationByID(ctx context.Context, id string) (*Notification, error)

	// ApplyTransition applies update only if the stored status equals expected,
	// returning ErrStatusConflict otherwise. When event is non-nil it is
	// appended in the same unit of work: either both land or neither does.
	ApplyTransition(ctx context.Context, id string, expected Status, update StatusUpdate, event *DeliveryStatusEvent) error

	// AppendDeliveryStatusEvent appends an immutable status event.
	AppendDeliveryStatusEvent(ctx context.Context, event *DeliveryStatusEvent) error

	// ListDeliveryStatusEvents returns a notification's events in insertion order.
	ListDeliveryStatusEvents(ctx context.Context, notificationID string) ([]*DeliveryStatusEvent, error)

	// FindNotificationByProviderMessageID returns nil, nil when nothing matches.
	FindNotificationByProviderMessageID(ctx context.Context, provider, providerMessageID string) (*Notification, error)

	// ListNotifications retrieves notifications with pagination and filtering.
	ListNotifications(ctx context.Context, filter ListFilter) ([]*Notification, int, error)
}

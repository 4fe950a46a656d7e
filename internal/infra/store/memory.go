package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"herald/internal/domain/notification"
)

var _ notification.Store = (*MemoryStore)(nil)

// MemoryStore implements notification.Store in process memory.
// Records are copied on the way in and out so callers never share state.
type MemoryStore struct {
	mu            sync.RWMutex
	notifications map[string]*notification.Notification
	order         []string
	events        map[string][]*notification.DeliveryStatusEvent
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		notifications: make(map[string]*notification.Notification),
		events:        make(map[string][]*notification.DeliveryStatusEvent),
	}
}

// CreateNotification inserts a new notification record.
func (s *MemoryStore) CreateNotification(_ context.Context, n *notification.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.notifications[n.ID]; exists {
		return fmt.Errorf("notification %s already exists", n.ID)
	}
	s.notifications[n.ID] = cloneNotification(n)
	s.order = append(s.order, n.ID)
	return nil
}

// GetNotificationByID returns nil, nil when no record exists.
func (s *MemoryStore) GetNotificationByID(_ context.Context, id string) (*notification.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.notifications[id]
	if !ok {
		return nil, nil
	}
	return cloneNotification(n), nil
}

// ApplyTransition applies update and appends event under a single lock.
func (s *MemoryStore) ApplyTransition(_ context.Context, id string, expected notification.Status, update notification.StatusUpdate, event *notification.DeliveryStatusEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.notifications[id]
	if !ok {
		return fmt.Errorf("notification %s does not exist", id)
	}
	if n.Status != expected {
		return notification.ErrStatusConflict
	}

	applyUpdate(n, update)
	if event != nil {
		s.appendLocked(event)
	}
	return nil
}

// AppendDeliveryStatusEvent appends an immutable status event.
func (s *MemoryStore) AppendDeliveryStatusEvent(_ context.Context, event *notification.DeliveryStatusEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.appendLocked(event)
	return nil
}

func (s *MemoryStore) appendLocked(event *notification.DeliveryStatusEvent) {
	e := *event
	e.Metadata = cloneMap(event.Metadata)
	s.events[event.NotificationID] = append(s.events[event.NotificationID], &e)
}

// ListDeliveryStatusEvents returns a notification's events in insertion order.
func (s *MemoryStore) ListDeliveryStatusEvents(_ context.Context, notificationID string) ([]*notification.DeliveryStatusEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored := s.events[notificationID]
	out := make([]*notification.DeliveryStatusEvent, len(stored))
	for i, e := range stored {
		c := *e
		c.Metadata = cloneMap(e.Metadata)
		out[i] = &c
	}
	return out, nil
}

// FindNotificationByProviderMessageID returns nil, nil when nothing matches.
func (s *MemoryStore) FindNotificationByProviderMessageID(_ context.Context, provider, providerMessageID string) (*notification.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, id := range s.order {
		n := s.notifications[id]
		if n.Provider == provider && n.ProviderMessageID == providerMessageID {
			return cloneNotification(n), nil
		}
	}
	return nil, nil
}

// ListNotifications retrieves notifications newest first with pagination and filtering.
func (s *MemoryStore) ListNotifications(_ context.Context, filter notification.ListFilter) ([]*notification.Notification, int, error) {
	filter.Normalize()

	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]*notification.Notification, 0, len(s.order))
	for _, id := range s.order {
		n := s.notifications[id]
		if filter.Status != "" && string(n.Status) != filter.Status {
			continue
		}
		if filter.RecipientID != "" && n.Recipient.ID != filter.RecipientID {
			continue
		}
		if filter.Channel != "" && string(n.Channel) != filter.Channel {
			continue
		}
		matched = append(matched, n)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	start := (filter.Page - 1) * filter.PageSize
	if start >= total {
		return []*notification.Notification{}, total, nil
	}
	end := min(start+filter.PageSize, total)

	page := make([]*notification.Notification, 0, end-start)
	for _, n := range matched[start:end] {
		page = append(page, cloneNotification(n))
	}
	return page, total, nil
}

// applyUpdate writes the explicit transition field set onto n.
func applyUpdate(n *notification.Notification, u notification.StatusUpdate) {
	n.Status = u.Status
	n.Attempts = u.Attempts
	n.UpdatedAt = u.UpdatedAt
	if u.Provider != "" {
		n.Provider = u.Provider
	}
	if u.ProviderMessageID != "" {
		n.ProviderMessageID = u.ProviderMessageID
	}
	if u.ErrorMessage != "" {
		n.ErrorMessage = u.ErrorMessage
	}
	if u.SentAt != nil && n.SentAt == nil {
		t := *u.SentAt
		n.SentAt = &t
	}
	if u.DeliveredAt != nil && n.DeliveredAt == nil {
		t := *u.DeliveredAt
		n.DeliveredAt = &t
	}
}

func cloneNotification(n *notification.Notification) *notification.Notification {
	c := *n
	c.Metadata = cloneMap(n.Metadata)
	c.Content.Data = cloneMap(n.Content.Data)
	if n.SentAt != nil {
		t := *n.SentAt
		c.SentAt = &t
	}
	if n.DeliveredAt != nil {
		t := *n.DeliveredAt
		c.DeliveredAt = &t
	}
	return &c
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	c := make(map[string]any, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

// Package orphan stores webhook events that could not be applied on arrival.
package orphan

import (
	"context"
	"sort"
	"sync"
	"time"

	"herald/internal/domain/notification"
)

var _ notification.OrphanStore = (*MemoryStore)(nil)

// MemoryStore keeps orphans in process memory. Used when Redis is not configured.
type MemoryStore struct {
	mu      sync.Mutex
	orphans map[string]notification.OrphanedWebhook
}

// NewMemoryStore creates an empty in-memory orphan store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{orphans: make(map[string]notification.OrphanedWebhook)}
}

// Park inserts or replaces an orphan.
func (s *MemoryStore) Park(_ context.Context, o *notification.OrphanedWebhook) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orphans[o.ID] = *o
	return nil
}

// Due returns up to limit orphans whose next attempt is not after now, earliest first.
func (s *MemoryStore) Due(_ context.Context, now time.Time, limit int) ([]*notification.OrphanedWebhook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	due := make([]*notification.OrphanedWebhook, 0)
	for _, o := range s.orphans {
		if o.NextAttempt.After(now) {
			continue
		}
		c := o
		due = append(due, &c)
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].NextAttempt.Before(due[j].NextAttempt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// Remove deletes an orphan.
func (s *MemoryStore) Remove(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.orphans, id)
	return nil
}

// Count returns how many orphans are parked.
func (s *MemoryStore) Count(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orphans), nil
}

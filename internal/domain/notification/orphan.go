package notification

import (
	"context"
	"time"
)

// Reasons a webhook could not be applied when it arrived.
const (
	OrphanUnresolved = "unresolved"
	OrphanNotYetSent = "not_yet_sent"
)

// OrphanedWebhook is a recognized webhook event parked for a later retry.
type OrphanedWebhook struct {
	ID          string       `json:"id"`
	Event       WebhookEvent `json:"event"`
	Reason      string       `json:"reason"`
	Attempts    int          `json:"attempts"`
	FirstSeen   time.Time    `json:"first_seen"`
	NextAttempt time.Time    `json:"next_attempt"`
}

// OrphanStore holds parked webhook events until they can be applied or expire.
// Implementations live in infra/orphan/ (Redis, memory).
type OrphanStore interface {
	// Park inserts or replaces an orphan, keyed by its ID.
	Park(ctx context.Context, o *OrphanedWebhook) error

	// Due returns up to limit orphans whose NextAttempt is not after now,
	// earliest first.
	Due(ctx context.Context, now time.Time, limit int) ([]*OrphanedWebhook, error)

	// Remove deletes an orphan. Removing a missing orphan is not an error.
	Remove(ctx context.Context, id string) error

	// Count returns how many orphans are parked.
	Count(ctx context.Context) (int, error)
}

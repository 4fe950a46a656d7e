package notification

import "context"

// RecipientRateLimiter limits how many notifications one recipient may be sent.
// It is applied at the HTTP boundary, before the Dispatcher runs.
// Implementations live in infra/ratelimit/.
type RecipientRateLimiter interface {
	// Allow checks whether a notification can be sent to the given recipient key.
	// Returns true if the notification is allowed, false if rate limited.
	Allow(ctx context.Context, recipientKey string) (bool, error)
}

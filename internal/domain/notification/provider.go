package notification

import (
	"context"
	"errors"
)

// ErrProviderUnavailable is returned by an adapter that lacks the credentials
// or configuration to attempt delivery. It performs no I/O in that case.
var ErrProviderUnavailable = errors.New("provider not configured")

// Provider wraps a single external delivery mechanism for one channel.
// Implementations live in infra/ (e.g., Resend and SMTP for email, Twilio for SMS).
type Provider interface {
	// Name identifies the provider in status events and webhook routing.
	Name() string

	// Channel returns which delivery channel this provider handles.
	Channel() Channel

	// Send delivers a rendered message and returns the provider's message ID.
	// It must return promptly once ctx is done.
	Send(ctx context.Context, msg *Message) (string, error)
}

// RenderedContent is the output of a TemplateRenderer.
type RenderedContent struct {
	Subject  string
	BodyText string
	BodyHTML string
}

// TemplateRenderer renders notification content for a channel.
// Implementations live in infra/template/.
type TemplateRenderer interface {
	// Render never fails: unknown templates fall back to a built-in default.
	Render(channel Channel, tmpl Template, data map[string]any) RenderedContent
}

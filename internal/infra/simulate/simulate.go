// Package simulate provides a terminal provider that accepts every message
// without network I/O. It is placed last in a chain when no real provider is
// configured for a channel, so dispatch always reaches a definitive outcome.
package simulate

import (
	"context"
	"fmt"
	"log/slog"

	"herald/internal/domain/notification"

	"github.com/google/uuid"
)

var _ notification.Provider = (*Provider)(nil)

// Name is the provider name recorded on simulated sends.
const Name = "simulate"

// Provider always succeeds with a generated "simulated-<channel>-" id.
type Provider struct {
	channel notification.Channel
}

// New creates a simulate provider for channel.
func New(channel notification.Channel) *Provider {
	return &Provider{channel: channel}
}

// Name returns the provider identifier.
func (p *Provider) Name() string { return Name }

// Channel returns the channel this provider serves.
func (p *Provider) Channel() notification.Channel { return p.channel }

// Send logs msg and returns a simulated message id. It still honors ctx.
func (p *Provider) Send(ctx context.Context, msg *notification.Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	id := fmt.Sprintf("simulated-%s-%s", p.channel, uuid.NewString())
	slog.Info("simulated delivery",
		"notification_id", msg.NotificationID,
		"channel", p.channel,
		"to", msg.To,
		"subject", msg.Subject,
		"provider_message_id", id,
	)
	return id, nil
}

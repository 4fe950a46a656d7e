package notification

import (
	"fmt"
	"strings"

	"herald/internal/common"
)

// Channel represents a notification delivery channel.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelPush  Channel = "push"
)

// Channels lists every supported channel in dispatch order.
var Channels = []Channel{ChannelEmail, ChannelSMS, ChannelPush}

// Template identifies which content to render.
type Template string

const (
	TemplateAccountVerification Template = "account-verification"
	TemplatePasswordReset       Template = "password-reset"
	TemplateGeneral             Template = "general-notification"
)

// DispatchRequest is the input to the Dispatcher. A single dispatch names
// exactly one of Email, Phone, or DeviceToken; a fan-out dispatch may name several.
type DispatchRequest struct {
	RecipientID string         `json:"recipient_id" binding:"required"`
	Email       string         `json:"email,omitempty"`
	Phone       string         `json:"phone,omitempty"`
	DeviceToken string         `json:"device_token,omitempty"`
	Template    Template       `json:"template" binding:"required"`
	Data        map[string]any `json:"data"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// targets returns the channel/address pairs named by the request.
func (r *DispatchRequest) targets() map[Channel]string {
	t := make(map[Channel]string, 3)
	if v := strings.TrimSpace(r.Email); v != "" {
		t[ChannelEmail] = v
	}
	if v := strings.TrimSpace(r.Phone); v != "" {
		t[ChannelSMS] = v
	}
	if v := strings.TrimSpace(r.DeviceToken); v != "" {
		t[ChannelPush] = v
	}
	return t
}

// singleTarget validates that exactly one recipient channel is present.
func (r *DispatchRequest) singleTarget() (Channel, string, error) {
	if strings.TrimSpace(r.RecipientID) == "" {
		return "", "", common.NewValidationError("recipient_id is required")
	}
	targets := r.targets()
	if len(targets) != 1 {
		return "", "", common.NewValidationError(fmt.Sprintf(
			"exactly one of email, phone or device_token is required, got %d", len(targets)))
	}
	for ch, addr := range targets {
		return ch, addr, nil
	}
	return "", "", nil
}

// forChannel returns a copy of the request addressed to a single channel.
func (r *DispatchRequest) forChannel(ch Channel, addr string) DispatchRequest {
	single := DispatchRequest{
		RecipientID: r.RecipientID,
		Template:    r.Template,
		Data:        r.Data,
		Metadata:    r.Metadata,
	}
	switch ch {
	case ChannelEmail:
		single.Email = addr
	case ChannelSMS:
		single.Phone = addr
	case ChannelPush:
		single.DeviceToken = addr
	}
	return single
}

// DispatchResult reports the synchronous outcome of one notification.
type DispatchResult struct {
	NotificationID    string    `json:"notification_id"`
	Channel           Channel   `json:"channel"`
	Accepted          bool      `json:"accepted"`
	Status            Status    `json:"status"`
	Provider          string    `json:"provider,omitempty"`
	ProviderMessageID string    `json:"provider_message_id,omitempty"`
	ErrorKind         ErrorKind `json:"error_kind,omitempty"`
	Error             string    `json:"error,omitempty"`
}

// Message is the internal rendered message handed to a Provider.
type Message struct {
	NotificationID string
	RecipientID    string
	To             string
	Subject        string
	HTML           string
	Text           string
	Data           map[string]string
}

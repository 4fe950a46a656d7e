package notification

import "time"

// Recipient is the channel-appropriate address plus the requesting user's stable id.
type Recipient struct {
	ID      string `json:"id"`
	Address string `json:"address"`
}

// Content is the rendered snapshot captured at creation time.
type Content struct {
	Subject  string         `json:"subject,omitempty"`
	BodyText string         `json:"body_text"`
	BodyHTML string         `json:"body_html,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
}

// Notification is a persisted outbound message intent.
type Notification struct {
	ID                string         `json:"id"`
	Channel           Channel        `json:"channel"`
	Template          Template       `json:"template"`
	Recipient         Recipient      `json:"recipient"`
	Content           Content        `json:"content"`
	Status            Status         `json:"status"`
	Provider          string         `json:"provider,omitempty"`
	ProviderMessageID string         `json:"provider_message_id,omitempty"`
	Attempts          int            `json:"attempts"`
	ErrorMessage      string         `json:"error_message,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	SentAt            *time.Time     `json:"sent_at,omitempty"`
	DeliveredAt       *time.Time     `json:"delivered_at,omitempty"`
}

// Disposition records what the tracker did with an observed status.
type Disposition string

const (
	DispositionApplied   Disposition = "applied"
	DispositionDuplicate Disposition = "duplicate"
	DispositionIgnored   Disposition = "ignored"
)

// SystemProvider names events generated internally rather than by an adapter.
const SystemProvider = "system"

// DeliveryStatusEvent is one observed status, append-only.
// For duplicate or ignored events Status holds the notification's unchanged
// status and the incoming status is kept in Metadata["incoming_status"].
type DeliveryStatusEvent struct {
	ID                string         `json:"id"`
	NotificationID    string         `json:"notification_id"`
	Status            Status         `json:"status"`
	Disposition       Disposition    `json:"disposition"`
	Timestamp         time.Time      `json:"timestamp"`
	Provider          string         `json:"provider"`
	ProviderMessageID string         `json:"provider_message_id,omitempty"`
	ErrorMessage      string         `json:"error_message,omitempty"`
	Attempt           int            `json:"attempt"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

// StatusView is the result of a status query.
type StatusView struct {
	Notification *Notification          `json:"notification"`
	History      []*DeliveryStatusEvent `json:"history"`
}

// ListFilter defines pagination and filtering options for listing notifications.
type ListFilter struct {
	Page        int    `form:"page"`
	PageSize    int    `form:"page_size"`
	Status      string `form:"status"`
	RecipientID string `form:"recipient_id"`
	Channel     string `form:"channel"`
}

// Normalize applies pagination defaults.
func (f *ListFilter) Normalize() {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize < 1 || f.PageSize > 100 {
		f.PageSize = 20
	}
}

// ListResponse wraps a paginated list of notifications.
type ListResponse struct {
	Notifications []*Notification `json:"notifications"`
	Total         int             `json:"total"`
	Page          int             `json:"page"`
	PageSize      int             `json:"page_size"`
}

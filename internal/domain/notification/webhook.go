package notification

import "strings"

// WebhookEvent is a provider callback after the HTTP boundary decoded it.
type WebhookEvent struct {
	Provider          string         `json:"provider"`
	ProviderMessageID string         `json:"provider_message_id"`
	ProviderStatus    string         `json:"provider_status"`
	NotificationID    string         `json:"notification_id,omitempty"`
	RawPayload        map[string]any `json:"raw_payload,omitempty"`
}

// Provider names used for webhook routing.
const (
	ProviderResend  = "resend"
	ProviderTwilio  = "twilio"
	ProviderGeneric = "generic"
)

// statusTables maps each provider's vocabulary to canonical statuses.
// Keys are lowercase.
var statusTables = map[string]map[string]Status{
	ProviderResend: {
		"email.sent":             StatusSent,
		"email.delivered":        StatusDelivered,
		"email.delivery_delayed": StatusSent,
		"email.bounced":          StatusFailed,
		"email.complained":       StatusDelivered,
		"email.failed":           StatusFailed,
		"email.opened":           StatusOpened,
		"email.clicked":          StatusClicked,
	},
	ProviderTwilio: {
		"queued":      StatusSent,
		"sending":     StatusSent,
		"sent":        StatusSent,
		"delivered":   StatusDelivered,
		"read":        StatusOpened,
		"failed":      StatusFailed,
		"undelivered": StatusFailed,
	},
	ProviderGeneric: {
		"sent":        StatusSent,
		"delivered":   StatusDelivered,
		"opened":      StatusOpened,
		"read":        StatusOpened,
		"clicked":     StatusClicked,
		"failed":      StatusFailed,
		"undelivered": StatusFailed,
		"bounced":     StatusFailed,
		"error":       StatusFailed,
	},
}

// MapProviderStatus translates a provider status into the canonical enum.
// Providers without their own table use the generic one. The second return
// value is false for unknown values.
func MapProviderStatus(provider, providerStatus string) (Status, bool) {
	table, ok := statusTables[strings.ToLower(provider)]
	if !ok {
		table = statusTables[ProviderGeneric]
	}
	s, ok := table[strings.ToLower(strings.TrimSpace(providerStatus))]
	return s, ok
}

// providerLabel bounds the provider label on webhook metrics to providers
// with a status table of their own.
func providerLabel(provider string) string {
	p := strings.ToLower(provider)
	if _, ok := statusTables[p]; ok {
		return p
	}
	return ProviderGeneric
}

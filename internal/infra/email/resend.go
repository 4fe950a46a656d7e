package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"herald/internal/common"
	"herald/internal/domain/notification"
)

var _ notification.Provider = (*ResendProvider)(nil)

const resendEndpoint = "https://api.resend.com/emails"

// ResendProvider sends emails using the Resend API.
type ResendProvider struct {
	apiKey      string
	fromAddress string
	fromName    string
	httpClient  *http.Client
}

// NewResendProvider creates a new Resend email provider. With an empty
// apiKey every send reports notification.ErrProviderUnavailable.
func NewResendProvider(apiKey, fromAddress, fromName string) *ResendProvider {
	return &ResendProvider{
		apiKey:      apiKey,
		fromAddress: fromAddress,
		fromName:    fromName,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Name returns the provider identifier.
func (p *ResendProvider) Name() string { return notification.ProviderResend }

// Channel returns the email channel identifier.
func (p *ResendProvider) Channel() notification.Channel {
	return notification.ChannelEmail
}

// Send delivers an email via the Resend API and returns the message ID.
// The notification id travels as a tag so webhooks can name it directly.
func (p *ResendProvider) Send(ctx context.Context, msg *notification.Message) (string, error) {
	if p.apiKey == "" {
		return "", notification.ErrProviderUnavailable
	}

	payload := map[string]any{
		"from":    formatFrom(p.fromName, p.fromAddress),
		"to":      []string{msg.To},
		"subject": msg.Subject,
		"html":    msg.HTML,
	}
	if msg.Text != "" {
		payload["text"] = msg.Text
	}
	if msg.NotificationID != "" {
		payload["tags"] = []map[string]string{
			{"name": "notification_id", "value": msg.NotificationID},
		}
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshaling email payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, resendEndpoint, bytes.NewBuffer(jsonData))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20)) // 1 MB max
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(respBody, &errResp)

		message := errResp.Message
		if message == "" {
			message = http.StatusText(resp.StatusCode)
		}
		return "", common.NewProviderError(p.Name(), message, resp.StatusCode)
	}

	var successResp struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(respBody, &successResp); err != nil {
		return "", fmt.Errorf("parsing resend response: %w", err)
	}
	if successResp.ID == "" {
		return "", common.NewProviderError(p.Name(), "response carried no message id", resp.StatusCode)
	}

	return successResp.ID, nil
}

func formatFrom(name, address string) string {
	if name == "" {
		return address
	}
	return fmt.Sprintf("%s <%s>", name, address)
}

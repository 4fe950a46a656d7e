package sms

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"herald/internal/common"
	"herald/internal/domain/notification"
)

var _ notification.Provider = (*TwilioProvider)(nil)

const twilioAPIBase = "https://api.twilio.com/2010-04-01"

// TwilioConfig holds the Twilio account settings.
type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	FromNumber string

	// StatusCallbackURL, when set, is passed to Twilio with the notification
	// id appended as the notification_id query parameter.
	StatusCallbackURL string
}

// TwilioProvider sends SMS through the Twilio Messages REST API.
type TwilioProvider struct {
	config     TwilioConfig
	httpClient *http.Client
}

// NewTwilioProvider creates a new Twilio SMS provider. Missing credentials
// make every send report notification.ErrProviderUnavailable.
func NewTwilioProvider(config TwilioConfig) *TwilioProvider {
	return &TwilioProvider{
		config:     config,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Name returns the provider identifier.
func (p *TwilioProvider) Name() string { return notification.ProviderTwilio }

// Channel returns the SMS channel identifier.
func (p *TwilioProvider) Channel() notification.Channel {
	return notification.ChannelSMS
}

// Send creates a Twilio message and returns its SID.
func (p *TwilioProvider) Send(ctx context.Context, msg *notification.Message) (string, error) {
	if p.config.AccountSID == "" || p.config.AuthToken == "" || p.config.FromNumber == "" {
		return "", notification.ErrProviderUnavailable
	}

	form := url.Values{}
	form.Set("To", msg.To)
	form.Set("From", p.config.FromNumber)
	form.Set("Body", msg.Text)
	if cb := p.statusCallback(msg.NotificationID); cb != "" {
		form.Set("StatusCallback", cb)
	}

	endpoint := fmt.Sprintf("%s/Accounts/%s/Messages.json", twilioAPIBase, url.PathEscape(p.config.AccountSID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(p.config.AccountSID, p.config.AuthToken)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(respBody, &errResp)

		message := errResp.Message
		if message == "" {
			message = http.StatusText(resp.StatusCode)
		}
		if errResp.Code != 0 {
			message = fmt.Sprintf("%s (code %d)", message, errResp.Code)
		}
		return "", common.NewProviderError(p.Name(), message, resp.StatusCode)
	}

	var created struct {
		SID          string `json:"sid"`
		Status       string `json:"status"`
		ErrorMessage string `json:"error_message"`
	}
	if err := json.Unmarshal(respBody, &created); err != nil {
		return "", fmt.Errorf("parsing twilio response: %w", err)
	}
	if created.Status == "failed" {
		return "", common.NewProviderError(p.Name(), created.ErrorMessage, resp.StatusCode)
	}
	if created.SID == "" {
		return "", common.NewProviderError(p.Name(), "response carried no message sid", resp.StatusCode)
	}

	return created.SID, nil
}

func (p *TwilioProvider) statusCallback(notificationID string) string {
	if p.config.StatusCallbackURL == "" || notificationID == "" {
		return p.config.StatusCallbackURL
	}
	u, err := url.Parse(p.config.StatusCallbackURL)
	if err != nil {
		return ""
	}
	q := u.Query()
	q.Set("notification_id", notificationID)
	u.RawQuery = q.Encode()
	return u.String()
}

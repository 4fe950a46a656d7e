package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"herald/internal/common"
	"herald/internal/domain/notification"

	"golang.org/x/oauth2"
	googleoauth "golang.org/x/oauth2/google"
)

var _ notification.Provider = (*FCMProvider)(nil)

const (
	fcmScope    = "https://www.googleapis.com/auth/firebase.messaging"
	fcmEndpoint = "https://fcm.googleapis.com/v1/projects/%s/messages:send"
)

// FCMProvider sends push notifications through the Firebase Cloud Messaging
// HTTP v1 API, authenticated with a service account.
type FCMProvider struct {
	projectID  string
	httpClient *http.Client
}

// NewFCMProvider loads the service account in credentialsFile and returns an
// authenticated provider. With no project or credentials configured the
// provider reports notification.ErrProviderUnavailable on every send.
func NewFCMProvider(ctx context.Context, projectID, credentialsFile string) (*FCMProvider, error) {
	if projectID == "" || credentialsFile == "" {
		return &FCMProvider{projectID: projectID}, nil
	}

	raw, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("reading fcm credentials: %w", err)
	}
	creds, err := googleoauth.CredentialsFromJSON(ctx, raw, fcmScope)
	if err != nil {
		return nil, fmt.Errorf("parsing fcm credentials: %w", err)
	}

	// The oauth2 client refreshes the access token as it expires.
	return newFCMProvider(projectID, oauth2.NewClient(ctx, creds.TokenSource)), nil
}

func newFCMProvider(projectID string, client *http.Client) *FCMProvider {
	return &FCMProvider{projectID: projectID, httpClient: client}
}

// Name returns the provider identifier.
func (p *FCMProvider) Name() string { return "fcm" }

// Channel returns the push channel identifier.
func (p *FCMProvider) Channel() notification.Channel {
	return notification.ChannelPush
}

// Send delivers a push message to the device token in msg.To and returns the
// FCM message name.
func (p *FCMProvider) Send(ctx context.Context, msg *notification.Message) (string, error) {
	if p.httpClient == nil || p.projectID == "" {
		return "", notification.ErrProviderUnavailable
	}

	data := make(map[string]string, len(msg.Data)+1)
	for k, v := range msg.Data {
		data[k] = v
	}
	if msg.NotificationID != "" {
		data["notification_id"] = msg.NotificationID
	}

	payload := map[string]any{
		"message": map[string]any{
			"token": msg.To,
			"notification": map[string]string{
				"title": msg.Subject,
				"body":  msg.Text,
			},
			"data": data,
		},
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshaling push payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf(fcmEndpoint, p.projectID), bytes.NewBuffer(jsonData))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

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
			Error struct {
				Message string `json:"message"`
				Status  string `json:"status"`
			} `json:"error"`
		}
		_ = json.Unmarshal(respBody, &errResp)

		message := errResp.Error.Message
		if message == "" {
			message = http.StatusText(resp.StatusCode)
		}
		if errResp.Error.Status != "" {
			message = errResp.Error.Status + ": " + message
		}
		return "", common.NewProviderError(p.Name(), message, resp.StatusCode)
	}

	var sent struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(respBody, &sent); err != nil {
		return "", fmt.Errorf("parsing fcm response: %w", err)
	}
	return sent.Name, nil
}
